package types

import (
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Link is an opaque archive handle for a stored header or block.
type Link uint64

// LinkTerminal denotes absence; any store operation returning it failed.
const LinkTerminal Link = 1<<64 - 1

// IsTerminal reports whether the link denotes absence.
func (l Link) IsTerminal() bool { return l == LinkTerminal }

// Header is an immutable block header with a memoized hash and derived
// proof. It is shared by reference throughout the pipeline so arbitrary
// handlers may outlive the receive call.
type Header struct {
	wire.BlockHeader

	hashOnce sync.Once
	hash     chainhash.Hash
}

// NewHeader wraps a wire header.
func NewHeader(bh wire.BlockHeader) *Header {
	return &Header{BlockHeader: bh}
}

// Hash returns the header hash, computed at most once.
func (h *Header) Hash() chainhash.Hash {
	h.hashOnce.Do(func() { h.hash = h.BlockHeader.BlockHash() })
	return h.hash
}

// PrevHash returns the previous block hash.
func (h *Header) PrevHash() chainhash.Hash { return h.PrevBlock }

// Proof returns the work contribution implied by the compact target.
func (h *Header) Proof() *big.Int {
	return blockchain.CalcWork(h.Bits)
}

// Check performs context-free header validation: the compact target must be
// within the proof-of-work limit, the hash must satisfy the claimed target,
// and the timestamp must not exceed the wall clock by more than the limit.
func (h *Header) Check(timestampLimit time.Duration, powLimit *big.Int) error {
	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 || target.Cmp(powLimit) > 0 {
		return ErrProtocolViolation
	}

	hash := h.Hash()
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return ErrProtocolViolation
	}

	if h.Timestamp.After(time.Now().Add(timestampLimit)) {
		return ErrProtocolViolation
	}

	return nil
}

// Accept performs contextual header validation against the rolled chain
// state context: version floor and median-time-past advance.
func (h *Header) Accept(ctx Context) error {
	if h.Version < ctx.MinimumBlockVersion {
		return ErrProtocolViolation
	}

	if uint32(h.Timestamp.Unix()) <= ctx.MedianTimePast {
		return ErrProtocolViolation
	}

	return nil
}
