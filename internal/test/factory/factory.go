// Package factory builds deterministic regtest-grade chains for tests. The
// proof-of-work limit is trivial so headers mine in a couple of nonce
// iterations.
package factory

import (
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bitchase/bitchase/config"
	"github.com/bitchase/bitchase/types"
)

// EasyBits is a compact target low enough that mining is a formality.
const EasyBits uint32 = 0x207fffff

// BlockInterval spaces test block timestamps.
const BlockInterval = 10 * time.Minute

// GenesisTime anchors test chains far enough in the past that long chains
// never drift into the future.
var GenesisTime = time.Now().Add(-30 * 24 * time.Hour).Truncate(time.Second)

// TestConfig returns a configuration tuned for tests: trivial proof of
// work, no minimum work, no currency window and no performance policing.
func TestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Bitcoin.PowLimitBits = EasyBits
	cfg.Bitcoin.MinimumWork = ""
	cfg.Bitcoin.Version2Height = 0
	cfg.Bitcoin.Version3Height = 0
	cfg.Bitcoin.Version4Height = 0
	cfg.Bitcoin.FlagHeights = nil
	cfg.Node.CurrencyWindowMinutes = 0
	cfg.Node.ReportPerformance = false
	cfg.Node.MaximumInventory = 50
	return cfg
}

// Coinbase builds a height-unique coinbase transaction.
func Coinbase(height uint64, value int64) *wire.MsgTx {
	script := make([]byte, 9)
	script[0] = 0x08
	binary.LittleEndian.PutUint64(script[1:], height)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{},
			wire.MaxPrevOutIndex),
		SignatureScript: script,
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: value, PkScript: []byte{0x51}})
	return tx
}

// Mine finds a nonce satisfying the header's own compact target.
func Mine(header *wire.BlockHeader) {
	target := blockchain.CompactToBig(header.Bits)
	for {
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return
		}
		header.Nonce++
	}
}

// MakeBlock assembles and mines a block on the parent with the given
// height-unique coinbase plus any extra transactions.
func MakeBlock(prev chainhash.Hash, height uint64, extra ...*wire.MsgTx) *types.Block {
	return MakeBlockBits(prev, height, EasyBits, extra...)
}

// MakeBlockBits is MakeBlock with an explicit compact target, for branches
// that need more or less work.
func MakeBlockBits(prev chainhash.Hash, height uint64, bits uint32,
	extra ...*wire.MsgTx) *types.Block {

	txs := append([]*wire.MsgTx{Coinbase(height, 50 * 1e8)}, extra...)

	block := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: GenesisTime.Add(time.Duration(height) * BlockInterval),
		Bits:      bits,
	})
	for _, tx := range txs {
		_ = block.AddTransaction(tx)
	}

	block.Header.MerkleRoot = merkleRoot(block)
	Mine(&block.Header)
	return types.NewBlock(block)
}

// Genesis returns the deterministic test genesis block.
func Genesis() *types.Block {
	return MakeBlock(chainhash.Hash{}, 0)
}

// Chain mines length blocks on top of the parent, heights ascending from
// startHeight.
func Chain(parent *types.Block, startHeight uint64, length int) []*types.Block {
	out := make([]*types.Block, 0, length)
	prev := parent.BlockHash()

	for i := 0; i < length; i++ {
		block := MakeBlock(prev, startHeight+uint64(i))
		out = append(out, block)
		prev = block.BlockHash()
	}

	return out
}

// Headers projects blocks onto their headers.
func Headers(blocks []*types.Block) []*types.Header {
	out := make([]*types.Header, len(blocks))
	for i, b := range blocks {
		out[i] = b.Header()
	}
	return out
}

func merkleRoot(block *wire.MsgBlock) chainhash.Hash {
	b := types.NewBlock(block)
	merkles := blockchain.BuildMerkleTreeStore(b.Transactions(), false)
	return *merkles[len(merkles)-1]
}
