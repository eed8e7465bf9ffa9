package types

import (
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const mtpWindow = 11

// ForkSchedule maps heights to consensus context. The fork flag bits and the
// minimum block version are opaque to the pipeline; they are derived here
// once per roll and carried in the context.
type ForkSchedule struct {
	// Heights at which a fork flag bit activates, in bit order.
	FlagHeights []uint64

	// Height thresholds for block versions 2, 3 and 4.
	Version2Height uint64
	Version3Height uint64
	Version4Height uint64
}

// Flags returns the active fork bits at the given height.
func (fs ForkSchedule) Flags(height uint64) uint32 {
	var flags uint32
	for bit, activation := range fs.FlagHeights {
		if height >= activation {
			flags |= 1 << uint(bit)
		}
	}
	return flags
}

// MinimumVersion returns the minimum acceptable block version at the height.
func (fs ForkSchedule) MinimumVersion(height uint64) int32 {
	switch {
	case fs.Version4Height != 0 && height >= fs.Version4Height:
		return 4
	case fs.Version3Height != 0 && height >= fs.Version3Height:
		return 3
	case fs.Version2Height != 0 && height >= fs.Version2Height:
		return 2
	default:
		return 1
	}
}

// Context is the consensus context snapshot a block or header is validated
// against.
type Context struct {
	Flags               uint32
	Height              uint64
	MedianTimePast      uint32
	MinimumBlockVersion int32
}

// ChainState is the rolling consensus context at a height: cumulative work,
// fork bits, the median-time-past window and the minimum block version.
// States are immutable; Roll produces a new snapshot and never mutates its
// input. Snapshots are shared by reference between the tree, the
// top-candidate cache and in-flight organize calls.
type ChainState struct {
	height     uint64
	hash       chainhash.Hash
	bits       uint32
	work       *big.Int
	flags      uint32
	minVersion int32

	// Most recent timestamps, oldest first, at most mtpWindow entries.
	timestamps []uint32
}

// NewChainState assembles a snapshot from archived data. The timestamp slice
// holds the most recent timestamps ending with the header's own, oldest
// first.
func NewChainState(fs ForkSchedule, height uint64, hash chainhash.Hash,
	bits uint32, work *big.Int, timestamps []uint32) *ChainState {

	if len(timestamps) > mtpWindow {
		timestamps = timestamps[len(timestamps)-mtpWindow:]
	}

	return &ChainState{
		height:     height,
		hash:       hash,
		bits:       bits,
		work:       new(big.Int).Set(work),
		flags:      fs.Flags(height),
		minVersion: fs.MinimumVersion(height),
		timestamps: timestamps,
	}
}

// Roll advances the state by one header, producing a new snapshot.
func (s *ChainState) Roll(h *Header, fs ForkSchedule) *ChainState {
	height := s.height + 1

	window := make([]uint32, 0, mtpWindow)
	if len(s.timestamps) == mtpWindow {
		window = append(window, s.timestamps[1:]...)
	} else {
		window = append(window, s.timestamps...)
	}
	window = append(window, uint32(h.Timestamp.Unix()))

	return &ChainState{
		height:     height,
		hash:       h.Hash(),
		bits:       h.Bits,
		work:       new(big.Int).Add(s.work, h.Proof()),
		flags:      fs.Flags(height),
		minVersion: fs.MinimumVersion(height),
		timestamps: window,
	}
}

// Height returns the state's height.
func (s *ChainState) Height() uint64 { return s.height }

// Hash returns the hash of the header the state was rolled to.
func (s *ChainState) Hash() chainhash.Hash { return s.hash }

// Bits returns the compact target at the state's height.
func (s *ChainState) Bits() uint32 { return s.bits }

// Flags returns the active fork bits.
func (s *ChainState) Flags() uint32 { return s.flags }

// MinimumBlockVersion returns the version floor at the state's height.
func (s *ChainState) MinimumBlockVersion() int32 { return s.minVersion }

// CumulativeWork returns a copy of the branch's cumulative work.
func (s *ChainState) CumulativeWork() *big.Int {
	return new(big.Int).Set(s.work)
}

// MedianTimePast returns the median of the timestamp window preceding the
// state's own header, so the header was validated against its ancestors
// only.
func (s *ChainState) MedianTimePast() uint32 {
	if len(s.timestamps) < 2 {
		return 0
	}

	window := s.timestamps[:len(s.timestamps)-1]
	sorted := make([]uint32, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// Context returns the validation context for the header and the block at
// this state's height.
func (s *ChainState) Context() Context {
	return Context{
		Flags:               s.flags,
		Height:              s.height,
		MedianTimePast:      s.MedianTimePast(),
		MinimumBlockVersion: s.minVersion,
	}
}
