package types

import (
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// Block is a header plus transactions, shared by reference through the
// pipeline. The hash is memoized by the underlying btcutil block so it is
// never recomputed under lock.
//
// The consensus predicates here are deliberately thin: the full script and
// UTXO rule set is out of scope, but the predicates are pure, deterministic
// and exercise the shapes the chasers depend on.
type Block struct {
	*btcutil.Block

	header *Header

	sizeOnce sync.Once
	size     int

	populated bool
}

// NewBlock wraps a wire block message.
func NewBlock(msg *wire.MsgBlock) *Block {
	return &Block{
		Block:  btcutil.NewBlock(msg),
		header: NewHeader(msg.Header),
	}
}

// Header returns the block's header with its memoized hash.
func (b *Block) Header() *Header { return b.header }

// BlockHash returns the memoized block hash.
func (b *Block) BlockHash() chainhash.Hash { return *b.Block.Hash() }

// CachedSize returns the serialized size, computed at most once.
func (b *Block) CachedSize() int {
	b.sizeOnce.Do(func() { b.size = b.MsgBlock().SerializeSize() })
	return b.size
}

// TxCount returns the number of transactions.
func (b *Block) TxCount() int { return len(b.MsgBlock().Transactions) }

// SetPopulated records that all previous outputs were resolved by the
// archive.
func (b *Block) SetPopulated() { b.populated = true }

// Check performs context-free block validation: a first-position coinbase,
// no other coinbase, and a transaction set matching the committed merkle
// root.
func (b *Block) Check() error {
	txs := b.Transactions()
	if len(txs) == 0 || !blockchain.IsCoinBase(txs[0]) {
		return ErrProtocolViolation
	}
	for _, tx := range txs[1:] {
		if blockchain.IsCoinBase(tx) {
			return ErrProtocolViolation
		}
	}

	merkles := blockchain.BuildMerkleTreeStore(txs, false)
	root := merkles[len(merkles)-1]
	if root == nil || *root != b.MsgBlock().Header.MerkleRoot {
		return ErrProtocolViolation
	}

	return nil
}

// CheckContext performs contextual block validation against the per-height
// download context: version floor and median-time-past advance.
func (b *Block) CheckContext(ctx Context) error {
	header := b.MsgBlock().Header
	if header.Version < ctx.MinimumBlockVersion {
		return ErrProtocolViolation
	}

	if uint32(header.Timestamp.Unix()) <= ctx.MedianTimePast {
		return ErrProtocolViolation
	}

	return nil
}

// Subsidy returns the coinbase subsidy at the given height.
func Subsidy(height, intervalBlocks uint64, initial int64) int64 {
	if intervalBlocks == 0 {
		return initial
	}
	halvings := height / intervalBlocks
	if halvings >= 64 {
		return 0
	}
	return initial >> halvings
}

// Accept performs contextual acceptance: the coinbase claim must not exceed
// the subsidy schedule at the context height.
func (b *Block) Accept(ctx Context, subsidyInterval uint64,
	initialSubsidy int64) error {

	txs := b.Transactions()
	if len(txs) == 0 {
		return ErrProtocolViolation
	}

	var claim int64
	for _, out := range txs[0].MsgTx().TxOut {
		claim += out.Value
	}

	if claim > Subsidy(ctx.Height, subsidyInterval, initialSubsidy) {
		return ErrBlockUnconfirmable
	}

	return nil
}

// Connect verifies input resolvability; it requires a prior successful
// populate by the archive.
func (b *Block) Connect(Context) error {
	if !b.populated {
		return ErrMissingPreviousOutput
	}
	return nil
}
