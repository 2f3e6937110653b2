package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	flowerrors "salaryflow/core/errors"
	"salaryflow/ledger"
)

func TestWritesRequireSigner(t *testing.T) {
	c := newTestClient(t, newFakeBackend())
	_, err := c.Pause(context.Background(), big.NewInt(1))
	require.ErrorIs(t, err, ErrReadOnly)
	require.Equal(t, common.Address{}, c.Account())
}

func TestTransactSignsDynamicFeeTx(t *testing.T) {
	backend := newFakeBackend()
	backend.nonce = 4
	signer := newKeySigner(t)
	c := newTestClient(t, backend, WithSigner(signer))
	require.Equal(t, signer.Address(), c.Account())

	hash, err := c.Withdraw(context.Background(), big.NewInt(1), recipient, big.NewInt(250))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	require.Equal(t, uint64(4), tx.Nonce())
	require.Equal(t, uint64(120_000), tx.Gas())
	require.Equal(t, contractAddr, *tx.To())
	require.Equal(t, "2000000000", tx.GasTipCap().String())
	require.Equal(t, "4000000000", tx.GasFeeCap().String())
	require.Equal(t, flowABI.Methods["withdraw"].ID, tx.Data()[:4])

	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), from)
}

func TestApproveTargetsToken(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, WithSigner(newKeySigner(t)))

	_, err := c.Approve(context.Background(), tokenAddr, contractAddr, big.NewInt(10))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	require.Equal(t, tokenAddr, *backend.sent[0].To())
	require.Equal(t, erc20ABI.Methods["approve"].ID, backend.sent[0].Data()[:4])
}

func TestEstimateRevertIsDecoded(t *testing.T) {
	backend := newFakeBackend()
	backend.gasErr = revertWith(t, "MancerFlow_StreamPaused", big.NewInt(1))
	c := newTestClient(t, backend, WithSigner(newKeySigner(t)))

	_, err := c.AdjustRatePerSecond(context.Background(), big.NewInt(1), big.NewInt(5))
	var revert *flowerrors.RevertError
	require.True(t, errors.As(err, &revert))
	require.Equal(t, "MancerFlow_StreamPaused", revert.Reason)
	require.Empty(t, backend.sent)
}

func TestSequentialSendsUseIncreasingNonces(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, WithSigner(newKeySigner(t)))
	ctx := context.Background()

	_, err := c.Pause(ctx, big.NewInt(1))
	require.NoError(t, err)
	_, err = c.Restart(ctx, big.NewInt(1), big.NewInt(9))
	require.NoError(t, err)
	_, err = c.DepositViaBroker(ctx, big.NewInt(1), big.NewInt(100), senderAddr, recipient,
		ledger.Broker{Account: common.HexToAddress("0xb0"), Fee: big.NewInt(10)})
	require.NoError(t, err)

	require.Len(t, backend.sent, 3)
	for i, tx := range backend.sent {
		require.Equal(t, uint64(i), tx.Nonce())
	}
}

func TestWaitMinedPollsUntilVisible(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, WithSigner(newKeySigner(t)))
	hash, err := c.Void(context.Background(), big.NewInt(1))
	require.NoError(t, err)
	backend.hidden = 3

	receipt, err := c.WaitMined(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, receipt.Success)
	require.Equal(t, hash, receipt.TxHash)
	require.Equal(t, uint64(100), receipt.BlockNumber)
	require.Equal(t, 0, backend.hidden)
}

func TestWaitMinedRidesOutTransportErrors(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend, WithSigner(newKeySigner(t)))
	hash, err := c.Void(context.Background(), big.NewInt(1))
	require.NoError(t, err)
	backend.receiptErrs = []error{
		fmt.Errorf("read tcp 127.0.0.1:8545: %w", syscall.ECONNRESET),
		errors.New("Post \"http://127.0.0.1:8545\": dial tcp: connection refused"),
	}
	backend.hidden = 1

	receipt, err := c.WaitMined(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, receipt.Success)
	require.Equal(t, hash, receipt.TxHash)
	require.Empty(t, backend.receiptErrs)
}

func TestWaitMinedFailsOnNodeAnswer(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)
	backend.receiptErrs = []error{errors.New("invalid argument 0: hex string has length 2, want 64")}

	_, err := c.WaitMined(context.Background(), common.HexToHash("0x01"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "fetch receipt")
}

func TestWaitMinedTransportErrorsStopAtDeadline(t *testing.T) {
	backend := newFakeBackend()
	c := newTestClient(t, backend)
	for i := 0; i < 10_000; i++ {
		backend.receiptErrs = append(backend.receiptErrs, syscall.ECONNREFUSED)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.WaitMined(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitMinedHonoursConfirmations(t *testing.T) {
	backend := newFakeBackend()
	c, err := New(backend, Config{
		Contract:      contractAddr,
		ChainID:       testChainID,
		PollInterval:  time.Millisecond,
		Confirmations: 3,
	}, WithMetrics(nil), WithSigner(newKeySigner(t)))
	require.NoError(t, err)

	hash, err := c.RefundMax(context.Background(), big.NewInt(1))
	require.NoError(t, err)
	receipt, err := c.WaitMined(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, uint64(100), receipt.BlockNumber)
	// Each poll advances the fake head by one block.
	require.GreaterOrEqual(t, backend.head, uint64(102))
}

func TestWaitMinedRespectsContext(t *testing.T) {
	c := newTestClient(t, newFakeBackend())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.WaitMined(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = c.WaitMined(context.Background(), common.Hash{})
	require.Error(t, err)
}
