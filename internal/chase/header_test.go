package chase_test

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/bitchase/bitchase/internal/test/factory"
	"github.com/bitchase/bitchase/types"
)

func TestOrganizeLinearExtension(t *testing.T) {
	e := newEnv(t, nil)
	o := newOrganizer(e)

	blocks := factory.Chain(e.genesis, 1, 3)
	for i, b := range blocks {
		err, height := organize(e, o, b.Header())
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), height)
	}

	require.Equal(t, uint64(3), e.query.GetTopCandidate())
	e.run(func() { require.Zero(t, o.TreeSize()) })

	// One header event per extension, each carrying the prior top as the
	// branch point.
	require.Equal(t, []uint64{0, 1, 2}, e.recorded(types.ChaseHeader))
	require.Empty(t, e.recorded(types.ChaseRegressed))
}

func TestOrganizeDuplicate(t *testing.T) {
	e := newEnv(t, nil)
	o := newOrganizer(e)

	blocks := factory.Chain(e.genesis, 1, 1)
	err, _ := organize(e, o, blocks[0].Header())
	require.NoError(t, err)

	top := e.query.GetTopCandidate()
	size := e.query.Size()

	// Re-submission yields duplicate and mutates nothing.
	err, _ = organize(e, o, blocks[0].Header())
	require.ErrorIs(t, err, types.ErrDuplicateHeader)
	require.Equal(t, top, e.query.GetTopCandidate())
	require.Equal(t, size, e.query.Size())

	err, _ = organize(e, o, e.genesis.Header())
	require.ErrorIs(t, err, types.ErrDuplicateHeader)
}

func TestOrganizeOrphan(t *testing.T) {
	e := newEnv(t, nil)
	o := newOrganizer(e)

	var unknown [32]byte
	unknown[5] = 0xaa
	orphan := factory.MakeBlock(unknown, 9)

	err, _ := organize(e, o, orphan.Header())
	require.ErrorIs(t, err, types.ErrOrphanHeader)
	require.Equal(t, uint64(0), e.query.GetTopCandidate())
}

func TestOrganizeCachesNonCurrentHeader(t *testing.T) {
	// With a currency window enabled, an old header with insufficient
	// branch work is cached in the tree rather than stored.
	cfg := factory.TestConfig()
	cfg.Node.CurrencyWindowMinutes = 60
	cfg.Bitcoin.MinimumWork = "ffffffffffffffffffffffffffffffff"

	e := newEnv(t, cfg)
	o := newOrganizer(e)

	blocks := factory.Chain(e.genesis, 1, 1)
	err, height := organize(e, o, blocks[0].Header())
	require.NoError(t, err)
	require.Equal(t, uint64(1), height)

	require.Equal(t, uint64(0), e.query.GetTopCandidate())
	e.run(func() { require.Equal(t, 1, o.TreeSize()) })
	require.Empty(t, e.recorded(types.ChaseHeader))
}

func TestOrganizeTieGoesToIncumbent(t *testing.T) {
	e := newEnv(t, nil)
	o := newOrganizer(e)

	chain := factory.Chain(e.genesis, 1, 1)
	err, _ := organize(e, o, chain[0].Header())
	require.NoError(t, err)
	incumbent := e.query.GetTopCandidate()
	incumbentLink := e.query.ToCandidate(1)

	// An equal-work competitor at the same height: cached, no reorganize.
	rival := factory.MakeBlock(e.genesis.BlockHash(), 1,
		factory.Coinbase(1001, 1))
	err, _ = organize(e, o, rival.Header())
	require.NoError(t, err)

	require.Equal(t, incumbent, e.query.GetTopCandidate())
	require.Equal(t, incumbentLink, e.query.ToCandidate(1))
	e.run(func() { require.Equal(t, 1, o.TreeSize()) })
	require.Equal(t, []uint64{0}, e.recorded(types.ChaseHeader))
}

func TestOrganizeReorganizesStrongBranch(t *testing.T) {
	e := newEnv(t, nil)
	o := newOrganizer(e)

	// Candidate: G, A, B.
	chain := factory.Chain(e.genesis, 1, 2)
	for _, b := range chain {
		err, _ := organize(e, o, b.Header())
		require.NoError(t, err)
	}

	// A': equal work to A, cached as a weak branch (tie to incumbent).
	aPrime := factory.MakeBlock(e.genesis.BlockHash(), 1,
		factory.Coinbase(2001, 1))
	err, _ := organize(e, o, aPrime.Header())
	require.NoError(t, err)
	e.run(func() { require.Equal(t, 1, o.TreeSize()) })

	// B': on A', with a harder target so that A'+B' > A+B.
	bPrime := factory.MakeBlockBits(aPrime.BlockHash(), 2, 0x2007ffff)

	err, height := organize(e, o, bPrime.Header())
	require.NoError(t, err)
	require.Equal(t, uint64(2), height)

	// The candidate chain was popped to the branch point and rebuilt from
	// the tree branch plus the new top.
	require.Equal(t, uint64(2), e.query.GetTopCandidate())
	require.Equal(t, aPrime.BlockHash(), hashAt(e, 1))
	require.Equal(t, bPrime.BlockHash(), hashAt(e, 2))
	e.run(func() { require.Zero(t, o.TreeSize()) })

	// Exactly one reorganization at branch point zero.
	require.Equal(t, []uint64{0, 1, 0}, e.recorded(types.ChaseHeader))
	require.Equal(t, []uint64{0}, e.recorded(types.ChaseRegressed))

	// C' extends the new top without further reorganization.
	cPrime := factory.MakeBlock(bPrime.BlockHash(), 3)
	err, _ = organize(e, o, cPrime.Header())
	require.NoError(t, err)
	require.Equal(t, uint64(3), e.query.GetTopCandidate())
	require.Equal(t, []uint64{0}, e.recorded(types.ChaseRegressed))
}

func TestOrganizeReorganizeIdempotentState(t *testing.T) {
	// Submitting a header, disorganizing it away and re-submitting it leaves
	// the disorganized state: the re-submission reports a duplicate.
	e := newEnv(t, nil)
	o := newOrganizer(e)

	blocks := factory.Chain(e.genesis, 1, 1)
	err, _ := organize(e, o, blocks[0].Header())
	require.NoError(t, err)
	link := e.query.ToCandidate(1)

	e.run(func() {})
	e.bus.Fire(types.ChaseUnpreconfirmable, uint64(link))
	e.settle()

	require.Equal(t, uint64(0), e.query.GetTopCandidate())
	require.Equal(t, []uint64{0}, e.recorded(types.ChaseDisorganized))

	// The header is now marked unconfirmable; the tree holds nothing at or
	// above it and re-submission reports the stored duplicate.
	err, _ = organize(e, o, blocks[0].Header())
	require.ErrorIs(t, err, types.ErrDuplicateHeader)
}

func TestDisorganizeMarksAndRestores(t *testing.T) {
	e := newEnv(t, nil)
	o := newOrganizer(e)

	// Candidate G..4, confirmed through 1.
	blocks := factory.Chain(e.genesis, 1, 4)
	for _, b := range blocks {
		err, _ := organize(e, o, b.Header())
		require.NoError(t, err)
	}
	associate(e, blocks...)
	require.True(t, e.query.PushConfirmed(e.query.ToCandidate(1)))

	// A validation failure at height 3 disorganizes the candidate chain.
	offender := e.query.ToCandidate(3)
	survivorLink := e.query.ToCandidate(2)
	e.bus.Fire(types.ChaseUnpreconfirmable, uint64(offender))
	e.settle()

	require.False(t, e.faulted())
	require.Equal(t, uint64(1), e.query.GetTopCandidate())
	require.Equal(t, uint64(1), e.query.GetTopConfirmed())
	require.Equal(t, []uint64{1}, e.recorded(types.ChaseDisorganized))

	// The offender and everything above it are unconfirmable; the valid
	// suffix below it returned to the tree.
	require.ErrorIs(t, e.query.GetBlockState(offender),
		types.ErrBlockUnconfirmable)
	require.ErrorIs(t, e.query.GetBlockState(e.query.ToHeader(blocks[3].BlockHash())),
		types.ErrBlockUnconfirmable)
	require.NoError(t, e.query.GetBlockState(survivorLink))
	e.run(func() { require.Equal(t, 1, o.TreeSize()) })
}

func TestOrganizeAfterClose(t *testing.T) {
	e := newEnv(t, nil)
	o := newOrganizer(e)

	e.core.Close()
	blocks := factory.Chain(e.genesis, 1, 1)
	err, _ := organize(e, o, blocks[0].Header())
	require.ErrorIs(t, err, types.ErrServiceStopped)
}

// hashAt reads the candidate hash at a height.
func hashAt(e *env, height uint64) chainhash.Hash {
	hashes := e.query.GetCandidateHashes([]uint64{height})
	require.Len(e.t, hashes, 1)
	return hashes[0]
}
