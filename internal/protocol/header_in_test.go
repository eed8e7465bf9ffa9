package protocol_test

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bitchase/bitchase/internal/protocol"
	"github.com/bitchase/bitchase/internal/test/factory"
	"github.com/bitchase/bitchase/libs/log"
	"github.com/bitchase/bitchase/libs/strand"
	"github.com/bitchase/bitchase/types"
)

func newHeaderIn(t *testing.T, e *protoEnv, ch *mockChannel) (*protocol.HeaderIn, *strand.Strand) {
	t.Helper()

	s := strand.New(log.TestingLogger(t), "channel")
	t.Cleanup(func() {
		s.Stop()
		s.Wait()
	})

	p, err := protocol.NewHeaderIn(log.TestingLogger(t), ch, s,
		e.query, e.org, e.cfg)
	require.NoError(t, err)
	return p, s
}

// drain waits for a strand to run all queued work.
func drain(t *testing.T, s *strand.Strand) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, s.Post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("strand stalled")
	}
}

func TestHeaderInSendsInitialGetHeaders(t *testing.T) {
	e := newProtoEnv(t, nil)
	ch := newMockChannel(1)
	p, _ := newHeaderIn(t, e, ch)

	p.Start()
	eventually(t, func() bool {
		return len(ch.sentOf("getheaders")) == 1
	}, "no initial getheaders")

	msg := ch.sentOf("getheaders")[0].(*wire.MsgGetHeaders)
	require.Len(t, msg.BlockLocatorHashes, 1)
	require.Equal(t, e.genesis.BlockHash(), *msg.BlockLocatorHashes[0])
	require.Equal(t, [32]byte{}, [32]byte(msg.HashStop))
}

func TestHeaderInOrganizesBatch(t *testing.T) {
	e := newProtoEnv(t, nil)
	ch := newMockChannel(1)
	p, _ := newHeaderIn(t, e, ch)
	p.Start()

	blocks := factory.Chain(e.genesis, 1, 5)
	p.Receive(headersMsg(blocks))

	eventually(t, func() bool {
		return e.query.GetTopCandidate() == 5
	}, "candidate top never reached 5")
	require.False(t, ch.Stopped())

	// A non-maximal batch completes without a continuation request.
	require.Len(t, ch.sentOf("getheaders"), 1)
}

func TestHeaderInContinuationBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("mines two thousand headers")
	}

	e := newProtoEnv(t, nil)
	ch := newMockChannel(1)
	p, _ := newHeaderIn(t, e, ch)
	p.Start()
	eventually(t, func() bool {
		return len(ch.sentOf("getheaders")) == 1
	}, "no initial getheaders")

	blocks := factory.Chain(e.genesis, 1, wire.MaxBlockHeadersPerMsg)
	p.Receive(headersMsg(blocks))

	// A batch of exactly the maximum triggers a continuation request from
	// the batch tail.
	eventually(t, func() bool {
		return len(ch.sentOf("getheaders")) == 2
	}, "no continuation getheaders")

	cont := ch.sentOf("getheaders")[1].(*wire.MsgGetHeaders)
	require.Len(t, cont.BlockLocatorHashes, 1)
	require.Equal(t, blocks[len(blocks)-1].BlockHash(),
		*cont.BlockLocatorHashes[0])

	// One short of the maximum does not.
	eventually(t, func() bool {
		return e.query.GetTopCandidate() == uint64(wire.MaxBlockHeadersPerMsg)
	}, "first batch never archived")

	more := factory.Chain(blocks[len(blocks)-1],
		uint64(wire.MaxBlockHeadersPerMsg)+1, wire.MaxBlockHeadersPerMsg-1)
	p.Receive(headersMsg(more))

	eventually(t, func() bool {
		return e.query.GetTopCandidate() ==
			uint64(2*wire.MaxBlockHeadersPerMsg-1)
	}, "second batch never archived")
	require.Len(t, ch.sentOf("getheaders"), 2)
}

func TestHeaderInDiscontinuityTolerance(t *testing.T) {
	cfg := factory.TestConfig()
	cfg.Node.MaximumAdvertisement = 2

	e := newProtoEnv(t, cfg)
	ch := newMockChannel(1)
	p, cs := newHeaderIn(t, e, ch)
	p.Start()
	eventually(t, func() bool {
		return len(ch.sentOf("getheaders")) == 1
	}, "no initial getheaders")

	// An announcement that does not extend the rolled state is tolerated
	// below the advertisement threshold.
	var unknown [32]byte
	unknown[7] = 0x77
	stray := factory.MakeBlock(unknown, 42)

	p.Receive(headersMsg([]*types.Block{stray}))
	drain(t, cs)
	require.False(t, ch.Stopped())

	// Past the threshold the channel is dropped for protocol violation.
	p.Receive(headersMsg([]*types.Block{stray}))
	eventually(t, func() bool { return ch.Stopped() }, "channel not stopped")
	require.ErrorIs(t, ch.stopReason(), types.ErrProtocolViolation)
}

func TestHeaderInInvalidHeaderStops(t *testing.T) {
	e := newProtoEnv(t, nil)
	ch := newMockChannel(1)
	p, _ := newHeaderIn(t, e, ch)
	p.Start()

	// A header extending the state but failing its own proof of work.
	bad := factory.MakeBlock(e.genesis.BlockHash(), 1)
	header := bad.MsgBlock().Header
	header.Bits = 0x1d00ffff // claims far more work than the hash shows
	msg := wire.NewMsgHeaders()
	require.NoError(t, msg.AddBlockHeader(&header))

	p.Receive(msg)
	eventually(t, func() bool { return ch.Stopped() }, "channel not stopped")
	require.ErrorIs(t, ch.stopReason(), types.ErrProtocolViolation)
}
