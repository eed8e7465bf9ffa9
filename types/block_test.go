package types_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitchase/bitchase/internal/test/factory"
	"github.com/bitchase/bitchase/types"
)

func TestBlockCheck(t *testing.T) {
	block := factory.Genesis()
	require.NoError(t, block.Check())

	// Corrupting the committed merkle root must fail the check.
	msg := *block.MsgBlock()
	msg.Header.MerkleRoot[0] ^= 0xff
	require.ErrorIs(t, types.NewBlock(&msg).Check(),
		types.ErrProtocolViolation)
}

func TestBlockCheckRejectsMissingCoinbase(t *testing.T) {
	msg := *factory.Genesis().MsgBlock()
	msg.Transactions = nil
	require.ErrorIs(t, types.NewBlock(&msg).Check(),
		types.ErrProtocolViolation)
}

func TestSubsidySchedule(t *testing.T) {
	require.Equal(t, int64(50*1e8), types.Subsidy(0, 210000, 50*1e8))
	require.Equal(t, int64(50*1e8), types.Subsidy(209999, 210000, 50*1e8))
	require.Equal(t, int64(25*1e8), types.Subsidy(210000, 210000, 50*1e8))
	require.Equal(t, int64(0), types.Subsidy(64*210000, 210000, 50*1e8))
}

func TestBlockAccept(t *testing.T) {
	block := factory.MakeBlock(factory.Genesis().BlockHash(), 1)

	require.NoError(t, block.Accept(types.Context{Height: 1}, 210000, 50*1e8))

	// A coinbase claim above the schedule is unconfirmable.
	require.ErrorIs(t,
		block.Accept(types.Context{Height: 1}, 210000, 25*1e8),
		types.ErrBlockUnconfirmable)
}

func TestBlockConnectRequiresPopulate(t *testing.T) {
	block := factory.Genesis()
	require.ErrorIs(t, block.Connect(types.Context{}),
		types.ErrMissingPreviousOutput)

	block.SetPopulated()
	require.NoError(t, block.Connect(types.Context{}))
}

func TestBlockCachedSize(t *testing.T) {
	block := factory.Genesis()
	require.Equal(t, block.MsgBlock().SerializeSize(), block.CachedSize())
}
