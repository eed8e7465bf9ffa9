package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/bitchase/bitchase/types"
)

// Record flags.
const (
	flagAssociated byte = 1 << iota
	flagMalleable
	flagUnconfirmable
	flagPreconfirmable
	flagConfirmable
	flagTxsConnected
)

const (
	prefixRecord    = "r"
	prefixHash      = "h"
	prefixCandidate = int64('c')
	prefixConfirmed = int64('f')
	prefixBlock     = "b"
	prefixTx        = "t"
)

var (
	metaNextLink     = []byte("m/next")
	metaTopCandidate = []byte("m/topc")
	metaTopConfirmed = []byte("m/topf")
)

// KV is a Query implementation over a key-value database. It is externally
// thread-safe; a single mutex guards the caches and every compound
// operation.
type KV struct {
	mtx sync.RWMutex
	db  dbm.DB

	nextLink     uint64
	topCandidate uint64
	topConfirmed uint64
	initialized  bool
}

var _ Query = (*KV)(nil)

// NewKV opens a store over the database, recovering cached tops from meta
// keys.
func NewKV(db dbm.DB) (*KV, error) {
	kv := &KV{db: db}

	next, err := db.Get(metaNextLink)
	if err != nil {
		return nil, err
	}
	if next != nil {
		kv.nextLink = binary.BigEndian.Uint64(next)
		kv.initialized = kv.nextLink > 0
	}

	if topc, err := db.Get(metaTopCandidate); err != nil {
		return nil, err
	} else if topc != nil {
		kv.topCandidate = binary.BigEndian.Uint64(topc)
	}

	if topf, err := db.Get(metaTopConfirmed); err != nil {
		return nil, err
	} else if topf != nil {
		kv.topConfirmed = binary.BigEndian.Uint64(topf)
	}

	return kv, nil
}

// Initialize stores the genesis block as both candidate and confirmed top.
// It is a no-op on an already-initialized store.
func (kv *KV) Initialize(genesis *types.Block, fs types.ForkSchedule) error {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	if kv.initialized {
		return nil
	}

	ctx := types.Context{
		Flags:               fs.Flags(0),
		Height:              0,
		MinimumBlockVersion: fs.MinimumVersion(0),
	}

	link := kv.setLinkHeader(genesis.Header(), ctx)
	if link.IsTerminal() {
		return types.ErrStoreIntegrity
	}
	if kv.setLinkBlock(genesis).IsTerminal() {
		return types.ErrStoreIntegrity
	}
	if !kv.pushIndex(prefixCandidate, link, &kv.topCandidate) ||
		!kv.pushIndex(prefixConfirmed, link, &kv.topConfirmed) {
		return types.ErrStoreIntegrity
	}

	kv.initialized = true
	return nil
}

// record is the per-link store entry.
type record struct {
	header wire.BlockHeader
	height uint64
	parent types.Link
	flags  byte
	ctx    types.Context
}

func (r *record) encode() []byte {
	var buf bytes.Buffer
	if err := r.header.Serialize(&buf); err != nil {
		panic(fmt.Sprintf("header serialize: %v", err))
	}

	var tail [29]byte
	binary.BigEndian.PutUint64(tail[0:], r.height)
	binary.BigEndian.PutUint64(tail[8:], uint64(r.parent))
	tail[16] = r.flags
	binary.BigEndian.PutUint32(tail[17:], r.ctx.Flags)
	binary.BigEndian.PutUint32(tail[21:], r.ctx.MedianTimePast)
	binary.BigEndian.PutUint32(tail[25:], uint32(r.ctx.MinimumBlockVersion))
	buf.Write(tail[:])

	return buf.Bytes()
}

func decodeRecord(raw []byte) (*record, error) {
	if len(raw) != 80+29 {
		return nil, errors.New("corrupt archive record")
	}

	var r record
	if err := r.header.Deserialize(bytes.NewReader(raw[:80])); err != nil {
		return nil, err
	}

	tail := raw[80:]
	r.height = binary.BigEndian.Uint64(tail[0:])
	r.parent = types.Link(binary.BigEndian.Uint64(tail[8:]))
	r.flags = tail[16]
	r.ctx = types.Context{
		Flags:               binary.BigEndian.Uint32(tail[17:]),
		Height:              r.height,
		MedianTimePast:      binary.BigEndian.Uint32(tail[21:]),
		MinimumBlockVersion: int32(binary.BigEndian.Uint32(tail[25:])),
	}
	return &r, nil
}

// Keys.

func recordKey(link types.Link) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixRecord[0]
	binary.BigEndian.PutUint64(key[1:], uint64(link))
	return key
}

func hashKey(hash chainhash.Hash) []byte {
	return append([]byte(prefixHash), hash[:]...)
}

func blockKey(link types.Link) []byte {
	key := make([]byte, 1+8)
	key[0] = prefixBlock[0]
	binary.BigEndian.PutUint64(key[1:], uint64(link))
	return key
}

func txKey(txid chainhash.Hash) []byte {
	return append([]byte(prefixTx), txid[:]...)
}

func indexKey(prefix, height int64) []byte {
	key, err := orderedcode.Append(nil, prefix, height)
	if err != nil {
		panic(err)
	}
	return key
}

// Unlocked helpers.

func (kv *KV) getRecord(link types.Link) *record {
	if link.IsTerminal() {
		return nil
	}
	raw, err := kv.db.Get(recordKey(link))
	if err != nil || raw == nil {
		return nil
	}
	r, err := decodeRecord(raw)
	if err != nil {
		return nil
	}
	return r
}

func (kv *KV) putRecord(link types.Link, r *record) bool {
	return kv.db.Set(recordKey(link), r.encode()) == nil
}

func (kv *KV) toHeader(hash chainhash.Hash) types.Link {
	raw, err := kv.db.Get(hashKey(hash))
	if err != nil || raw == nil {
		return types.LinkTerminal
	}
	return types.Link(binary.BigEndian.Uint64(raw))
}

func (kv *KV) indexLink(prefix int64, height uint64) types.Link {
	raw, err := kv.db.Get(indexKey(prefix, int64(height)))
	if err != nil || raw == nil {
		return types.LinkTerminal
	}
	return types.Link(binary.BigEndian.Uint64(raw))
}

func (kv *KV) pushIndex(prefix int64, link types.Link, top *uint64) bool {
	r := kv.getRecord(link)
	if r == nil {
		return false
	}

	// The pushed record must extend the index contiguously.
	if kv.initialized || *top != 0 || kv.indexLink(prefix, 0) != types.LinkTerminal {
		if r.height != *top+1 {
			return false
		}
	} else if r.height != 0 {
		return false
	}

	var val [8]byte
	binary.BigEndian.PutUint64(val[:], uint64(link))
	if kv.db.Set(indexKey(prefix, int64(r.height)), val[:]) != nil {
		return false
	}

	*top = r.height
	return kv.persistTops()
}

func (kv *KV) popIndex(prefix int64, top *uint64) bool {
	if *top == 0 {
		return false
	}
	if kv.db.Delete(indexKey(prefix, int64(*top))) != nil {
		return false
	}
	*top--
	return kv.persistTops()
}

func (kv *KV) persistTops() bool {
	var candBuf [8]byte
	binary.BigEndian.PutUint64(candBuf[:], kv.topCandidate)
	if kv.db.Set(metaTopCandidate, candBuf[:]) != nil {
		return false
	}
	var confBuf [8]byte
	binary.BigEndian.PutUint64(confBuf[:], kv.topConfirmed)
	return kv.db.Set(metaTopConfirmed, confBuf[:]) == nil
}

func (kv *KV) setLinkHeader(header *types.Header, ctx types.Context) types.Link {
	hash := header.Hash()
	if existing := kv.toHeader(hash); !existing.IsTerminal() {
		return existing
	}

	link := types.Link(kv.nextLink)
	r := &record{
		header: header.BlockHeader,
		height: ctx.Height,
		parent: kv.toHeader(header.PrevHash()),
		ctx:    ctx,
	}

	if !kv.putRecord(link, r) {
		return types.LinkTerminal
	}

	var hashVal [8]byte
	binary.BigEndian.PutUint64(hashVal[:], uint64(link))
	if kv.db.Set(hashKey(hash), hashVal[:]) != nil {
		return types.LinkTerminal
	}

	kv.nextLink++
	var nextVal [8]byte
	binary.BigEndian.PutUint64(nextVal[:], kv.nextLink)
	if kv.db.Set(metaNextLink, nextVal[:]) != nil {
		return types.LinkTerminal
	}

	return link
}

func (kv *KV) setLinkBlock(block *types.Block) types.Link {
	hash := block.BlockHash()
	link := kv.toHeader(hash)
	if link.IsTerminal() {
		return types.LinkTerminal
	}

	r := kv.getRecord(link)
	if r == nil {
		return types.LinkTerminal
	}

	var buf bytes.Buffer
	if err := block.MsgBlock().Serialize(&buf); err != nil {
		return types.LinkTerminal
	}

	if r.flags&flagAssociated != 0 && r.flags&flagMalleable == 0 {
		// A distinct but equally-linking block form: flag malleable so the
		// height reads as unassociated and a re-download may supersede it.
		stored, err := kv.db.Get(blockKey(link))
		if err != nil {
			return types.LinkTerminal
		}
		if stored != nil && !bytes.Equal(stored, buf.Bytes()) {
			r.flags |= flagMalleable
			if !kv.putRecord(link, r) {
				return types.LinkTerminal
			}
		}
		return link
	}

	// Fresh association, or a re-download superseding a malleated form.

	if kv.db.Set(blockKey(link), buf.Bytes()) != nil {
		return types.LinkTerminal
	}

	var val [8]byte
	binary.BigEndian.PutUint64(val[:], uint64(link))
	for _, tx := range block.Transactions() {
		if kv.db.Set(txKey(*tx.Hash()), val[:]) != nil {
			return types.LinkTerminal
		}
	}

	r.flags |= flagAssociated
	r.flags &^= flagMalleable
	if !kv.putRecord(link, r) {
		return types.LinkTerminal
	}

	return link
}

func (kv *KV) setFlag(link types.Link, flag byte) bool {
	r := kv.getRecord(link)
	if r == nil {
		return false
	}
	r.flags |= flag
	return kv.putRecord(link, r)
}

func (kv *KV) isAssociated(link types.Link) bool {
	r := kv.getRecord(link)
	return r != nil && r.flags&flagAssociated != 0 && r.flags&flagMalleable == 0
}

// Navigation.

func (kv *KV) ToHeader(hash chainhash.Hash) types.Link {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return kv.toHeader(hash)
}

func (kv *KV) GetHeight(link types.Link) (uint64, bool) {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	r := kv.getRecord(link)
	if r == nil {
		return 0, false
	}
	return r.height, true
}

func (kv *KV) ToParent(link types.Link) types.Link {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	r := kv.getRecord(link)
	if r == nil {
		return types.LinkTerminal
	}
	return r.parent
}

func (kv *KV) ToCandidate(height uint64) types.Link {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	if height > kv.topCandidate {
		return types.LinkTerminal
	}
	return kv.indexLink(prefixCandidate, height)
}

func (kv *KV) ToConfirmed(height uint64) types.Link {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	if height > kv.topConfirmed {
		return types.LinkTerminal
	}
	return kv.indexLink(prefixConfirmed, height)
}

func (kv *KV) GetTopCandidate() uint64 {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return kv.topCandidate
}

func (kv *KV) GetTopConfirmed() uint64 {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return kv.topConfirmed
}

func (kv *KV) GetFork() uint64 {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	height := kv.topConfirmed
	if kv.topCandidate < height {
		height = kv.topCandidate
	}
	for height > 0 {
		if kv.indexLink(prefixCandidate, height) ==
			kv.indexLink(prefixConfirmed, height) {
			break
		}
		height--
	}
	return height
}

// Reads.

func (kv *KV) GetBits(link types.Link) (uint32, bool) {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	r := kv.getRecord(link)
	if r == nil {
		return 0, false
	}
	return r.header.Bits, true
}

func (kv *KV) GetHeader(link types.Link) *types.Header {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	r := kv.getRecord(link)
	if r == nil {
		return nil
	}
	return types.NewHeader(r.header)
}

func (kv *KV) GetCandidateHashes(heights []uint64) []chainhash.Hash {
	return kv.getIndexHashes(prefixCandidate, heights)
}

func (kv *KV) GetConfirmedHashes(heights []uint64) []chainhash.Hash {
	return kv.getIndexHashes(prefixConfirmed, heights)
}

func (kv *KV) getIndexHashes(prefix int64, heights []uint64) []chainhash.Hash {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	out := make([]chainhash.Hash, 0, len(heights))
	for _, height := range heights {
		r := kv.getRecord(kv.indexLink(prefix, height))
		if r == nil {
			continue
		}
		out = append(out, r.header.BlockHash())
	}
	return out
}

// GetCandidateChainState re-derives a snapshot by walking the candidate
// index. This is the expensive path; it is acceptable only on startup and
// branch formation.
func (kv *KV) GetCandidateChainState(fs types.ForkSchedule,
	height uint64) *types.ChainState {

	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	top := kv.getRecord(kv.indexLink(prefixCandidate, height))
	if top == nil {
		return nil
	}

	work := new(bigWork)
	var timestamps []uint32
	low := uint64(0)
	if height >= 10 {
		low = height - 10
	}

	for h := uint64(0); h <= height; h++ {
		r := kv.getRecord(kv.indexLink(prefixCandidate, h))
		if r == nil {
			return nil
		}
		work.add(r.header.Bits)
		if h >= low {
			timestamps = append(timestamps, uint32(r.header.Timestamp.Unix()))
		}
	}

	return types.NewChainState(fs, height, top.header.BlockHash(),
		top.header.Bits, work.total(), timestamps)
}

func (kv *KV) GetBlock(link types.Link) *types.Block {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	raw, err := kv.db.Get(blockKey(link))
	if err != nil || raw == nil {
		return nil
	}

	var msg wire.MsgBlock
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil
	}
	return types.NewBlock(&msg)
}

func (kv *KV) GetContext(link types.Link) (types.Context, bool) {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	r := kv.getRecord(link)
	if r == nil {
		return types.Context{}, false
	}
	return r.ctx, true
}

func (kv *KV) GetBlockState(link types.Link) error {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	r := kv.getRecord(link)
	if r == nil {
		return types.ErrStoreIntegrity
	}
	switch {
	case r.flags&flagUnconfirmable != 0:
		return types.ErrBlockUnconfirmable
	case r.flags&flagConfirmable != 0:
		return types.ErrBlockConfirmable
	case r.flags&flagPreconfirmable != 0:
		return types.ErrBlockPreconfirmable
	default:
		return nil
	}
}

// Writes.

func (kv *KV) SetLinkHeader(header *types.Header, ctx types.Context) types.Link {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.setLinkHeader(header, ctx)
}

func (kv *KV) SetLinkBlock(block *types.Block) types.Link {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.setLinkBlock(block)
}

func (kv *KV) PushCandidate(link types.Link) bool {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.pushIndex(prefixCandidate, link, &kv.topCandidate)
}

func (kv *KV) PopCandidate() bool {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.popIndex(prefixCandidate, &kv.topCandidate)
}

func (kv *KV) PushConfirmed(link types.Link) bool {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.pushIndex(prefixConfirmed, link, &kv.topConfirmed)
}

func (kv *KV) PopConfirmed() bool {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.popIndex(prefixConfirmed, &kv.topConfirmed)
}

func (kv *KV) SetBlockUnconfirmable(link types.Link) bool {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.setFlag(link, flagUnconfirmable)
}

func (kv *KV) SetBlockPreconfirmable(link types.Link) bool {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.setFlag(link, flagPreconfirmable)
}

func (kv *KV) SetBlockConfirmable(link types.Link) bool {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.setFlag(link, flagConfirmable)
}

func (kv *KV) SetTxsConnected(link types.Link) bool {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.setFlag(link, flagTxsConnected)
}

// SetMalleable marks the stored block form malleable, hiding the
// association.
func (kv *KV) SetMalleable(link types.Link) bool {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()
	return kv.setFlag(link, flagMalleable)
}

// Predicates.

func (kv *KV) IsHeader(hash chainhash.Hash) bool {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return !kv.toHeader(hash).IsTerminal()
}

func (kv *KV) IsBlock(hash chainhash.Hash) bool {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return kv.isAssociated(kv.toHeader(hash))
}

func (kv *KV) IsCandidateHeader(link types.Link) bool {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	r := kv.getRecord(link)
	if r == nil {
		return false
	}
	return kv.indexLink(prefixCandidate, r.height) == link
}

func (kv *KV) IsAssociated(link types.Link) bool {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return kv.isAssociated(link)
}

func (kv *KV) IsMalleable(link types.Link) bool {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	r := kv.getRecord(link)
	return r != nil && r.flags&flagMalleable != 0
}

// Download support.

func (kv *KV) GetUnassociatedAbove(start uint64, count int) *Associations {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	var items []Association
	for height := start + 1; height <= kv.topCandidate && len(items) < count; height++ {
		link := kv.indexLink(prefixCandidate, height)
		r := kv.getRecord(link)
		if r == nil {
			break
		}
		if r.flags&flagAssociated != 0 && r.flags&flagMalleable == 0 {
			continue
		}
		items = append(items, Association{
			Height:  height,
			Hash:    r.header.BlockHash(),
			Context: r.ctx,
		})
	}

	return NewAssociations(items)
}

func (kv *KV) GetLastAssociatedFrom(height uint64) uint64 {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	for height < kv.topCandidate {
		link := kv.indexLink(prefixCandidate, height+1)
		if !kv.isAssociated(link) {
			break
		}
		height++
	}
	return height
}

// Populate resolves every non-coinbase input against the transaction index
// or an earlier transaction within the same block.
func (kv *KV) Populate(block *types.Block) bool {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	internal := make(map[chainhash.Hash]struct{})
	txs := block.Transactions()
	for i, tx := range txs {
		if i > 0 {
			for _, in := range tx.MsgTx().TxIn {
				prev := in.PreviousOutPoint.Hash
				if _, ok := internal[prev]; ok {
					continue
				}
				raw, err := kv.db.Get(txKey(prev))
				if err != nil || raw == nil {
					return false
				}
			}
		}
		internal[*tx.Hash()] = struct{}{}
	}

	block.SetPopulated()
	return true
}

func (kv *KV) Size() uint64 {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return kv.nextLink
}

// bigWork accumulates header proof across a chain walk.
type bigWork struct {
	sum big.Int
}

func (w *bigWork) add(bits uint32) {
	w.sum.Add(&w.sum, blockchain.CalcWork(bits))
}

func (w *bigWork) total() *big.Int { return &w.sum }
