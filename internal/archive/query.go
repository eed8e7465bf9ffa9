// Package archive provides the indexed header/block store consumed by the
// chasers and protocols. The Query interface is the only shared mutable
// resource in the system and implementations must be safe for concurrent
// use.
package archive

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bitchase/bitchase/types"
)

// Query is the archive surface consumed by the pipeline. Links are opaque
// handles; types.LinkTerminal denotes absence or failure.
type Query interface {
	// Navigation.
	ToHeader(hash chainhash.Hash) types.Link
	GetHeight(link types.Link) (uint64, bool)
	ToParent(link types.Link) types.Link
	ToCandidate(height uint64) types.Link
	ToConfirmed(height uint64) types.Link
	GetTopCandidate() uint64
	GetTopConfirmed() uint64
	GetFork() uint64

	// Reads.
	GetBits(link types.Link) (uint32, bool)
	GetHeader(link types.Link) *types.Header
	GetCandidateHashes(heights []uint64) []chainhash.Hash
	GetConfirmedHashes(heights []uint64) []chainhash.Hash
	GetCandidateChainState(fs types.ForkSchedule, height uint64) *types.ChainState
	GetBlock(link types.Link) *types.Block
	GetContext(link types.Link) (types.Context, bool)
	GetBlockState(link types.Link) error

	// Writes. Boolean results report store success; false is a store
	// integrity failure.
	SetLinkHeader(header *types.Header, ctx types.Context) types.Link
	SetLinkBlock(block *types.Block) types.Link
	PushCandidate(link types.Link) bool
	PopCandidate() bool
	PushConfirmed(link types.Link) bool
	PopConfirmed() bool
	SetBlockUnconfirmable(link types.Link) bool
	SetBlockPreconfirmable(link types.Link) bool
	SetBlockConfirmable(link types.Link) bool
	SetTxsConnected(link types.Link) bool

	// Predicates.
	IsHeader(hash chainhash.Hash) bool
	IsBlock(hash chainhash.Hash) bool
	IsCandidateHeader(link types.Link) bool
	IsAssociated(link types.Link) bool
	IsMalleable(link types.Link) bool

	// Download support.
	GetUnassociatedAbove(start uint64, count int) *Associations
	GetLastAssociatedFrom(height uint64) uint64

	// Populate resolves previous outputs for the block's inputs.
	Populate(block *types.Block) bool

	// Size returns the number of archived entities, for progress reports.
	Size() uint64
}
