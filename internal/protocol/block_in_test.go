package protocol_test

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bitchase/bitchase/internal/protocol"
	"github.com/bitchase/bitchase/internal/test/factory"
	"github.com/bitchase/bitchase/libs/log"
	"github.com/bitchase/bitchase/types"
)

// attach wires a full peer (header-in plus block-in) over a mock channel.
func attach(t *testing.T, e *protoEnv, ch *mockChannel) *protocol.Peer {
	t.Helper()

	peer, err := protocol.NewPeer(log.TestingLogger(t), ch, e.query, e.org,
		e.check, e.gov, e.bus, e.cfg)
	require.NoError(t, err)
	peer.Start()

	t.Cleanup(func() { ch.Stop(types.ErrServiceStopped) })
	return peer
}

func getData(ch *mockChannel) []*wire.MsgGetData {
	var out []*wire.MsgGetData
	for _, msg := range ch.sentOf("getdata") {
		out = append(out, msg.(*wire.MsgGetData))
	}
	return out
}

func TestBlockInRequestsOutstandingHashes(t *testing.T) {
	e := newProtoEnv(t, nil)
	blocks := factory.Chain(e.genesis, 1, 5)
	e.organizeChain(blocks)

	ch := newMockChannel(1)
	attach(t, e, ch)

	eventually(t, func() bool { return len(getData(ch)) == 1 }, "no getdata")

	msg := getData(ch)[0]
	require.Len(t, msg.InvList, 5)
	for i, inv := range msg.InvList {
		require.Equal(t, wire.InvTypeWitnessBlock, inv.Type)
		require.Equal(t, blocks[i].BlockHash(), inv.Hash)
	}

	// Announcement mode was requested once at start.
	require.Len(t, ch.sentOf("sendheaders"), 1)
}

func TestBlockInNonWitnessChannel(t *testing.T) {
	e := newProtoEnv(t, nil)
	e.organizeChain(factory.Chain(e.genesis, 1, 1))

	ch := newMockChannel(1)
	ch.witness = false
	attach(t, e, ch)

	eventually(t, func() bool { return len(getData(ch)) == 1 }, "no getdata")
	require.Equal(t, wire.InvTypeBlock, getData(ch)[0].InvList[0].Type)
}

func TestBlockInChecksAndStoresBlocks(t *testing.T) {
	e := newProtoEnv(t, nil)
	blocks := factory.Chain(e.genesis, 1, 3)
	e.organizeChain(blocks)

	ch := newMockChannel(1)
	peer := attach(t, e, ch)
	eventually(t, func() bool { return len(getData(ch)) == 1 }, "no getdata")

	for _, b := range blocks {
		peer.Receive(b.MsgBlock())
	}

	eventually(t, func() bool {
		return e.query.IsBlock(blocks[2].BlockHash())
	}, "blocks never archived")
	require.False(t, ch.Stopped())

	for _, b := range blocks {
		require.True(t, e.query.IsBlock(b.BlockHash()))
	}
}

func TestBlockInUnrequestedBlockStops(t *testing.T) {
	e := newProtoEnv(t, nil)
	e.organizeChain(factory.Chain(e.genesis, 1, 2))

	ch := newMockChannel(1)
	peer := attach(t, e, ch)
	eventually(t, func() bool { return len(getData(ch)) == 1 }, "no getdata")

	var unknown [32]byte
	unknown[3] = 0x33
	stray := factory.MakeBlock(unknown, 77)
	peer.Receive(stray.MsgBlock())

	eventually(t, func() bool { return ch.Stopped() }, "channel not stopped")
	require.ErrorIs(t, ch.stopReason(), types.ErrUnknownBlock)
}

func TestBlockInInvalidBlockStops(t *testing.T) {
	e := newProtoEnv(t, nil)
	blocks := factory.Chain(e.genesis, 1, 1)
	e.organizeChain(blocks)

	ch := newMockChannel(1)
	peer := attach(t, e, ch)
	eventually(t, func() bool { return len(getData(ch)) == 1 }, "no getdata")

	// Same header, tampered transaction set: a second coinbase fails the
	// check.
	tampered := *blocks[0].MsgBlock()
	tampered.Transactions = append(tampered.Transactions,
		factory.Coinbase(500, 1).Copy())
	peer.Receive(&tampered)

	eventually(t, func() bool { return ch.Stopped() }, "channel not stopped")
	require.ErrorIs(t, ch.stopReason(), types.ErrProtocolViolation)
}

func TestBlockInStopReturnsOutstandingMap(t *testing.T) {
	e := newProtoEnv(t, nil)
	blocks := factory.Chain(e.genesis, 1, 4)
	e.organizeChain(blocks)

	ch := newMockChannel(1)
	peer := attach(t, e, ch)
	eventually(t, func() bool { return len(getData(ch)) == 1 }, "no getdata")

	// Deliver one block, then drop the channel: the remaining three
	// hashes return to the chaser.
	peer.Receive(blocks[0].MsgBlock())
	eventually(t, func() bool {
		return e.query.IsBlock(blocks[0].BlockHash())
	}, "first block never archived")

	ch.Stop(types.ErrChannelTimeout)
	eventually(t, func() bool {
		outstanding := 0
		e.run(func() { outstanding = e.check.Outstanding() })
		return outstanding == 3
	}, "outstanding map never restored")
}

func TestBlockInWorkSplit(t *testing.T) {
	cfg := factory.TestConfig()
	cfg.Node.MaximumInventory = 1000

	e := newProtoEnv(t, cfg)
	blocks := factory.Chain(e.genesis, 1, 10)
	e.organizeChain(blocks)

	chX := newMockChannel(1)
	peerX := attach(t, e, chX)
	eventually(t, func() bool { return len(getData(chX)) == 1 }, "no getdata")
	require.Len(t, getData(chX)[0].InvList, 10)

	// An idle second channel steals the tail half through the governor.
	chY := newMockChannel(2)
	peerY := attach(t, e, chY)

	eventually(t, func() bool { return len(getData(chY)) == 1 },
		"starved channel never received split work")

	half := getData(chY)[0]
	require.Len(t, half.InvList, 5)
	for i, inv := range half.InvList {
		require.Equal(t, blocks[5+i].BlockHash(), inv.Hash)
	}

	// No duplicate getdata was issued by the victim.
	require.Len(t, getData(chX), 1)
	require.Equal(t, 5, peerX.BlockIn().OutstandingApprox())

	// A surrendered block arriving on the victim is dropped silently.
	peerX.Receive(blocks[7].MsgBlock())
	peerY.Receive(blocks[5].MsgBlock())
	eventually(t, func() bool {
		return e.query.IsBlock(blocks[5].BlockHash())
	}, "stolen work never processed")
	require.False(t, chX.Stopped())

	// The victim still completes its kept half.
	for _, b := range blocks[:5] {
		peerX.Receive(b.MsgBlock())
	}
	eventually(t, func() bool {
		return e.query.IsBlock(blocks[4].BlockHash())
	}, "kept work never processed")
	require.False(t, chX.Stopped())
}

func TestBlockInPurgeDropsWork(t *testing.T) {
	e := newProtoEnv(t, nil)
	blocks := factory.Chain(e.genesis, 1, 4)
	e.organizeChain(blocks)

	ch := newMockChannel(1)
	attach(t, e, ch)
	eventually(t, func() bool { return len(getData(ch)) == 1 }, "no getdata")

	e.bus.Fire(types.ChaseDisorganized, 0)

	eventually(t, func() bool {
		outstanding := -1
		e.run(func() { outstanding = e.check.Outstanding() })
		return outstanding == 0
	}, "purge never drained the chaser")
	require.False(t, ch.Stopped())
}
