package tx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	flowerrors "salaryflow/core/errors"
	"salaryflow/ledger"
	"salaryflow/ledger/mock"
)

var (
	employer  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	employee  = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	flowAddr  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type submitResult struct {
	pending Pending
	err     error
}

func newTestLedger(t *testing.T) (*mock.Ledger, *big.Int) {
	t.Helper()
	l := mock.New(employer, flowAddr)
	l.AddToken(tokenAddr, "USDC", 6, big.NewInt(1_000_000_000))
	id := big.NewInt(1)
	l.PutStream(mock.Stream{Record: ledger.StreamRecord{
		ID:            id,
		Sender:        employer,
		Recipient:     employee,
		Token:         tokenAddr,
		TokenDecimals: 6,
		RatePerSecond: big.NewInt(10),
		Balance:       big.NewInt(5_000_000),
	}, Withdrawable: big.NewInt(1_000)})
	return l, id
}

func newTestOrchestrator(kind Kind, confirmer ledger.Confirmer) *Orchestrator {
	return New(kind, confirmer,
		WithMetrics(nil),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	)
}

func submitAsync(ctx context.Context, o *Orchestrator, call Call) <-chan submitResult {
	out := make(chan submitResult, 1)
	go func() {
		pending, err := o.Submit(ctx, call)
		out <- submitResult{pending: pending, err: err}
	}()
	return out
}

func TestSubmitConfirms(t *testing.T) {
	l, id := newTestLedger(t)
	o := newTestOrchestrator(KindPause, l)

	pending, err := o.Submit(context.Background(), func(ctx context.Context) (common.Hash, error) {
		return l.Pause(ctx, id)
	})
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, pending.State)
	require.Equal(t, KindPause, pending.Kind)
	require.NotNil(t, pending.TxHash)
	require.NotNil(t, pending.Receipt)
	require.True(t, pending.Receipt.Success)
	require.Equal(t, *pending.TxHash, pending.Receipt.TxHash)
	require.Nil(t, pending.Err)

	stream, ok := l.Stream(id)
	require.True(t, ok)
	require.True(t, stream.Record.IsPaused)
}

func TestSubmitRejectsWhileInFlight(t *testing.T) {
	l, id := newTestLedger(t)
	o := newTestOrchestrator(KindWithdraw, l)
	entered, release := l.Block(mock.MethodWaitMined)

	withdraw := func(ctx context.Context) (common.Hash, error) {
		return l.Withdraw(ctx, id, employee, big.NewInt(10))
	}
	first := submitAsync(context.Background(), o, withdraw)
	<-entered
	require.Equal(t, StateAwaitingConfirmation, o.Snapshot().State)

	pending, err := o.Submit(context.Background(), withdraw)
	require.ErrorIs(t, err, ErrInFlight)
	require.Equal(t, StateAwaitingConfirmation, pending.State)
	require.Equal(t, 1, l.Calls(mock.MethodWithdraw))

	release()
	res := <-first
	require.NoError(t, res.err)
	require.Equal(t, StateConfirmed, res.pending.State)

	// A settled result still blocks new submissions until acknowledged.
	_, err = o.Submit(context.Background(), withdraw)
	require.ErrorIs(t, err, ErrInFlight)
	require.Equal(t, 1, l.Calls(mock.MethodWithdraw))
}

func TestSubmitRejectsWhileSubmitting(t *testing.T) {
	l, id := newTestLedger(t)
	o := newTestOrchestrator(KindWithdraw, l)
	entered, release := l.Block(mock.MethodWithdraw)

	withdraw := func(ctx context.Context) (common.Hash, error) {
		return l.Withdraw(ctx, id, employee, big.NewInt(10))
	}
	first := submitAsync(context.Background(), o, withdraw)
	<-entered

	pending, err := o.Submit(context.Background(), withdraw)
	require.ErrorIs(t, err, ErrInFlight)
	require.Equal(t, StateSubmitting, pending.State)
	require.Nil(t, pending.TxHash)
	require.Equal(t, 1, l.Calls(mock.MethodWithdraw))

	release()
	res := <-first
	require.NoError(t, res.err)
	require.Equal(t, StateConfirmed, res.pending.State)
	require.Equal(t, 1, l.Calls(mock.MethodWithdraw))
}

func TestWaitFlightReportsItsOwnTransaction(t *testing.T) {
	o := newTestOrchestrator(KindWithdraw, nil)

	// The first transaction settled and was acknowledged; a second one is
	// now submitting.
	firstID := uuid.New()
	first := &flight{done: make(chan struct{}), settled: Pending{ID: firstID, Kind: KindWithdraw, State: StateConfirmed}}
	close(first.done)
	second := &flight{done: make(chan struct{})}
	o.mu.Lock()
	o.current = second
	o.pending = Pending{ID: uuid.New(), Kind: KindWithdraw, State: StateSubmitting}
	o.mu.Unlock()

	pending, err := o.waitFlight(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, firstID, pending.ID)
	require.Equal(t, StateConfirmed, pending.State)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pending, err = o.waitFlight(ctx, second)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StateSubmitting, pending.State)
	require.NotEqual(t, firstID, pending.ID)
}

func TestSubmitClassifiesCallFailure(t *testing.T) {
	l, id := newTestLedger(t)
	o := newTestOrchestrator(KindPause, l)
	l.FailNext(mock.MethodPause, &flowerrors.RevertError{Reason: "MancerFlow_StreamPaused"})

	pending, err := o.Submit(context.Background(), func(ctx context.Context) (common.Hash, error) {
		return l.Pause(ctx, id)
	})
	require.Error(t, err)
	var classified *flowerrors.Classified
	require.True(t, errors.As(err, &classified))
	require.Equal(t, flowerrors.KindContractRevert, classified.Kind)
	require.Equal(t, "MancerFlow_StreamPaused", classified.Reason)
	require.Equal(t, StateFailed, pending.State)
	require.Nil(t, pending.TxHash)
	require.Equal(t, 0, l.Calls(mock.MethodWaitMined))
}

func TestSubmitUserRejectionIsNotDisruptive(t *testing.T) {
	l, _ := newTestLedger(t)
	o := newTestOrchestrator(KindVoid, l)

	pending, err := o.Submit(context.Background(), func(context.Context) (common.Hash, error) {
		return common.Hash{}, flowerrors.ErrUserRejected
	})
	require.Error(t, err)
	require.Equal(t, StateFailed, pending.State)
	require.Equal(t, flowerrors.KindUserRejected, pending.Err.Kind)
	require.False(t, pending.Err.Disruptive())
}

func TestSubmitFailedReceipt(t *testing.T) {
	l, id := newTestLedger(t)
	o := newTestOrchestrator(KindRefundMax, l)
	entered, release := l.Block(mock.MethodWaitMined)

	out := submitAsync(context.Background(), o, func(ctx context.Context) (common.Hash, error) {
		return l.RefundMax(ctx, id)
	})
	<-entered
	hash := o.Snapshot().TxHash
	require.NotNil(t, hash)
	l.MarkFailed(*hash)
	release()

	res := <-out
	require.ErrorIs(t, res.err, flowerrors.ErrReceiptFailed)
	require.Equal(t, StateFailed, res.pending.State)
	require.Equal(t, flowerrors.KindContractRevert, res.pending.Err.Kind)
	require.NotNil(t, res.pending.Receipt)
	require.False(t, res.pending.Receipt.Success)
}

func TestSubmitContextEndsWhileAwaiting(t *testing.T) {
	l, id := newTestLedger(t)
	o := newTestOrchestrator(KindRestart, l)
	_, err := l.Pause(context.Background(), id)
	require.NoError(t, err)

	entered, release := l.Block(mock.MethodWaitMined)
	ctx, cancel := context.WithCancel(context.Background())
	out := submitAsync(ctx, o, func(ctx context.Context) (common.Hash, error) {
		return l.Restart(ctx, id, big.NewInt(20))
	})
	<-entered
	cancel()

	res := <-out
	require.ErrorIs(t, res.err, context.Canceled)
	require.Equal(t, StateAwaitingConfirmation, res.pending.State)
	require.NotNil(t, res.pending.TxHash)

	release()
	pending, err := o.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, pending.State)
	require.Equal(t, StateConfirmed, o.Snapshot().State)
}

func TestWaitOnIdleReturnsImmediately(t *testing.T) {
	o := newTestOrchestrator(KindPause, nil)
	pending, err := o.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateIdle, pending.State)
}

func TestSubmitWithoutConfirmerFails(t *testing.T) {
	o := newTestOrchestrator(KindPause, nil)
	pending, err := o.Submit(context.Background(), func(context.Context) (common.Hash, error) {
		return common.HexToHash("0x01"), nil
	})
	require.Error(t, err)
	require.Equal(t, StateFailed, pending.State)
}

func TestAcknowledgeReturnsResultOnce(t *testing.T) {
	l, id := newTestLedger(t)
	o := newTestOrchestrator(KindPause, l)

	_, ok := o.Acknowledge()
	require.False(t, ok)

	_, err := o.Submit(context.Background(), func(ctx context.Context) (common.Hash, error) {
		return l.Pause(ctx, id)
	})
	require.NoError(t, err)

	pending, ok := o.Acknowledge()
	require.True(t, ok)
	require.Equal(t, StateConfirmed, pending.State)
	_, ok = o.Acknowledge()
	require.False(t, ok)
	require.Equal(t, StateIdle, o.Snapshot().State)
}

func TestAcknowledgeIDMatchesTransaction(t *testing.T) {
	l, id := newTestLedger(t)
	o := newTestOrchestrator(KindPause, l)

	pending, err := o.Submit(context.Background(), func(ctx context.Context) (common.Hash, error) {
		return l.Pause(ctx, id)
	})
	require.NoError(t, err)

	_, ok := o.AcknowledgeID(uuid.New())
	require.False(t, ok)
	require.Equal(t, StateConfirmed, o.Snapshot().State)

	acked, ok := o.AcknowledgeID(pending.ID)
	require.True(t, ok)
	require.Equal(t, pending.ID, acked.ID)
	require.Equal(t, StateIdle, o.Snapshot().State)
}

func TestParseKind(t *testing.T) {
	kind, ok := ParseKind("withdrawMax")
	require.True(t, ok)
	require.Equal(t, KindWithdrawMax, kind)
	_, ok = ParseKind("withdrawmax")
	require.False(t, ok)
}

func TestResetRules(t *testing.T) {
	l, id := newTestLedger(t)
	o := newTestOrchestrator(KindWithdrawMax, l)
	require.NoError(t, o.Reset())

	entered, release := l.Block(mock.MethodWaitMined)
	out := submitAsync(context.Background(), o, func(ctx context.Context) (common.Hash, error) {
		return l.WithdrawMax(ctx, id, employee)
	})
	<-entered
	require.ErrorIs(t, o.Reset(), ErrResetInFlight)
	release()
	require.NoError(t, (<-out).err)

	require.NoError(t, o.Reset())
	snapshot := o.Snapshot()
	require.Equal(t, StateIdle, snapshot.State)
	require.Nil(t, snapshot.TxHash)
	require.Nil(t, snapshot.Err)

	pending, err := o.Submit(context.Background(), func(ctx context.Context) (common.Hash, error) {
		return l.WithdrawMax(ctx, id, employee)
	})
	require.Error(t, err)
	require.Equal(t, StateFailed, pending.State)
	require.Equal(t, 2, l.Calls(mock.MethodWithdrawMax))
}

func TestNilCallRejected(t *testing.T) {
	o := newTestOrchestrator(KindPause, nil)
	_, err := o.Submit(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, StateIdle, o.Snapshot().State)
}
