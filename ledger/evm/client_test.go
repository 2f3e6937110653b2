package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	flowerrors "salaryflow/core/errors"
	"salaryflow/core/events"
	"salaryflow/ledger"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, Config{Contract: contractAddr, ChainID: testChainID})
	require.Error(t, err)
	_, err = New(newFakeBackend(), Config{ChainID: testChainID})
	require.Error(t, err)
	_, err = New(newFakeBackend(), Config{Contract: contractAddr})
	require.Error(t, err)
}

func TestGetStreamDecodesTuple(t *testing.T) {
	backend := newFakeBackend()
	backend.on("getStream", func(args []interface{}) ([]interface{}, error) {
		require.Equal(t, "7", args[0].(*big.Int).String())
		return []interface{}{streamTuple{
			Balance:            big.NewInt(5_000),
			RatePerSecond:      big.NewInt(12),
			Sender:             senderAddr,
			SnapshotTime:       big.NewInt(1_700_000_000),
			IsStream:           true,
			IsTransferable:     true,
			Token:              tokenAddr,
			TokenDecimals:      6,
			SnapshotDebtScaled: big.NewInt(99),
		}}, nil
	})
	backend.on("getRecipient", func([]interface{}) ([]interface{}, error) {
		return []interface{}{recipient}, nil
	})
	c := newTestClient(t, backend)

	record, err := c.GetStream(context.Background(), big.NewInt(7))
	require.NoError(t, err)
	require.Equal(t, "7", record.ID.String())
	require.Equal(t, senderAddr, record.Sender)
	require.Equal(t, recipient, record.Recipient)
	require.Equal(t, tokenAddr, record.Token)
	require.Equal(t, uint8(6), record.TokenDecimals)
	require.Equal(t, "5000", record.Balance.String())
	require.Equal(t, "12", record.RatePerSecond.String())
	require.Equal(t, "99", record.SnapshotDebtScaled.String())
	require.Equal(t, uint64(1_700_000_000), record.SnapshotTime)
	require.True(t, record.IsTransferable)
	require.False(t, record.IsVoided)
}

func TestGetStreamNullRevertIsNotFound(t *testing.T) {
	backend := newFakeBackend()
	backend.on("getStream", func([]interface{}) ([]interface{}, error) {
		return nil, revertWith(t, "MancerFlow_Null", big.NewInt(9))
	})
	backend.on("getRecipient", func([]interface{}) ([]interface{}, error) {
		return nil, revertWith(t, "MancerFlow_Null", big.NewInt(9))
	})
	c := newTestClient(t, backend)

	_, err := c.GetStream(context.Background(), big.NewInt(9))
	require.ErrorIs(t, err, ledger.ErrStreamNotFound)
}

func TestReadsUnpackScalars(t *testing.T) {
	backend := newFakeBackend()
	backend.on("statusOf", func([]interface{}) ([]interface{}, error) { return []interface{}{uint8(3)}, nil })
	backend.on("isPaused", func([]interface{}) ([]interface{}, error) { return []interface{}{true}, nil })
	backend.on("depletionTimeOf", func([]interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(1_800_000_000)}, nil
	})
	backend.on("aggregateBalance", func(args []interface{}) ([]interface{}, error) {
		require.Equal(t, tokenAddr, args[0].(common.Address))
		return []interface{}{big.NewInt(42)}, nil
	})
	backend.on("symbol", func([]interface{}) ([]interface{}, error) { return []interface{}{"USDC"}, nil })
	backend.on("decimals", func([]interface{}) ([]interface{}, error) { return []interface{}{uint8(6)}, nil })
	backend.on("allowance", func(args []interface{}) ([]interface{}, error) {
		require.Equal(t, senderAddr, args[0].(common.Address))
		require.Equal(t, contractAddr, args[1].(common.Address))
		return []interface{}{big.NewInt(500)}, nil
	})
	c := newTestClient(t, backend)
	ctx := context.Background()

	status, err := c.Status(ctx, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPausedInsolvent, status)

	paused, err := c.IsPaused(ctx, big.NewInt(1))
	require.NoError(t, err)
	require.True(t, paused)

	depletion, err := c.DepletionTime(ctx, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, uint64(1_800_000_000), depletion)

	aggregate, err := c.AggregateBalance(ctx, tokenAddr)
	require.NoError(t, err)
	require.Equal(t, "42", aggregate.String())

	symbol, err := c.Symbol(ctx, tokenAddr)
	require.NoError(t, err)
	require.Equal(t, "USDC", symbol)

	decimals, err := c.Decimals(ctx, tokenAddr)
	require.NoError(t, err)
	require.Equal(t, uint8(6), decimals)

	allowance, err := c.Allowance(ctx, tokenAddr, senderAddr, contractAddr)
	require.NoError(t, err)
	require.Equal(t, "500", allowance.String())
}

func TestDecodeRevert(t *testing.T) {
	err := revertWith(t, "MancerFlow_Overdraw", big.NewInt(1), big.NewInt(5), big.NewInt(3))
	var dataErr rpcDataError
	require.True(t, errors.As(err, &dataErr))
	data := common.FromHex(dataErr.data)

	reason, detail, ok := DecodeRevert(data)
	require.True(t, ok)
	require.Equal(t, "MancerFlow_Overdraw", reason)
	require.Equal(t, "streamId=1, amount=5, withdrawableAmount=3", detail)

	stringType, _ := abi.NewType("string", "", nil)
	payload, packErr := abi.Arguments{{Type: stringType}}.Pack("boom")
	require.NoError(t, packErr)
	reason, detail, ok = DecodeRevert(append(common.FromHex("0x08c379a0"), payload...))
	require.True(t, ok)
	require.Equal(t, "Error", reason)
	require.Equal(t, "boom", detail)

	_, _, ok = DecodeRevert([]byte{1, 2})
	require.False(t, ok)
	_, _, ok = DecodeRevert([]byte{1, 2, 3, 4})
	require.False(t, ok)
}

func TestRevertReachesClassifier(t *testing.T) {
	backend := newFakeBackend()
	backend.on("getBalance", func([]interface{}) ([]interface{}, error) {
		return nil, revertWith(t, "ERC20InsufficientAllowance", contractAddr, big.NewInt(1), big.NewInt(2))
	})
	c := newTestClient(t, backend)

	_, err := c.Balance(context.Background(), big.NewInt(1))
	require.Error(t, err)
	var revert *flowerrors.RevertError
	require.True(t, errors.As(err, &revert))
	require.Equal(t, "ERC20InsufficientAllowance", revert.Reason)

	classified := flowerrors.NewClassifier().Classify(err)
	require.Equal(t, flowerrors.KindContractRevert, classified.Kind)
	require.Equal(t, "ERC20InsufficientAllowance", classified.Reason)
}

func TestDecodeLogAndFilterByRole(t *testing.T) {
	backend := newFakeBackend()
	other := common.HexToAddress("0x00000000000000000000000000000000000000e9")
	backend.logs = []gethtypes.Log{
		buildLog(t, 10, 0, "CreateFlowStream", big.NewInt(1), senderAddr, recipient, big.NewInt(12), tokenAddr, true),
		buildLog(t, 11, 0, "CreateFlowStream", big.NewInt(2), senderAddr, other, big.NewInt(12), tokenAddr, false),
		buildLog(t, 12, 1, "DepositFlowStream", big.NewInt(1), senderAddr, big.NewInt(500)),
		buildLog(t, 13, 0, "WithdrawFromFlowStream", big.NewInt(1), recipient, tokenAddr, recipient, big.NewInt(40), big.NewInt(1)),
		buildLog(t, 14, 0, "PauseFlowStream", big.NewInt(2), senderAddr, other, big.NewInt(0)),
	}
	c := newTestClient(t, backend)
	ctx := context.Background()

	all, err := c.StreamEvents(ctx, ledger.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	created, ok := all[0].Event.(events.StreamCreated)
	require.True(t, ok)
	require.Equal(t, "1", created.StreamID.String())
	require.Equal(t, recipient, created.Recipient)
	require.True(t, created.Transferable)
	withdrawn, ok := all[3].Event.(events.StreamWithdrawn)
	require.True(t, ok)
	require.Equal(t, "40", withdrawn.Amount.String())
	require.Equal(t, "1", withdrawn.ProtocolFee.String())

	mine, err := c.StreamEvents(ctx, ledger.EventFilter{Account: recipient, Role: ledger.RoleRecipient})
	require.NoError(t, err)
	require.Len(t, mine, 3)
	for _, rec := range mine {
		require.Equal(t, "1", rec.Event.Stream().String())
	}

	byStream, err := c.StreamEvents(ctx, ledger.EventFilter{StreamID: big.NewInt(2)})
	require.NoError(t, err)
	require.Len(t, byStream, 2)
}

// buildLog encodes an event the way the contract emits it: indexed inputs as
// topics, the rest ABI-packed into data.
func buildLog(t *testing.T, block uint64, index uint, name string, values ...interface{}) gethtypes.Log {
	t.Helper()
	ev, ok := flowABI.Events[name]
	require.True(t, ok)
	require.Len(t, values, len(ev.Inputs))

	topics := []common.Hash{ev.ID}
	var data []interface{}
	for i, arg := range ev.Inputs {
		if !arg.Indexed {
			data = append(data, values[i])
			continue
		}
		switch v := values[i].(type) {
		case *big.Int:
			topics = append(topics, common.BigToHash(v))
		case common.Address:
			topics = append(topics, common.BytesToHash(v.Bytes()))
		default:
			t.Fatalf("unsupported indexed value %T", v)
		}
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	require.NoError(t, err)
	return gethtypes.Log{
		Address:     contractAddr,
		Topics:      topics,
		Data:        packed,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
	}
}
