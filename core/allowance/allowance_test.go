package allowance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	flowerrors "salaryflow/core/errors"
	"salaryflow/core/tx"
	"salaryflow/ledger/mock"
)

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	spender = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	dai     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

func newManager(t *testing.T) (*Manager, *mock.Ledger) {
	t.Helper()
	l := mock.New(owner, spender)
	l.AddToken(usdc, "USDC", 6, big.NewInt(1_000_000_000))
	l.AddToken(dai, "DAI", 18, big.NewInt(1_000_000_000))
	reg := tx.NewRegistry(l, tx.WithMetrics(nil), tx.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return NewManager(l, reg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))), l
}

func requirement(token common.Address, amount int64) Requirement {
	return Requirement{Token: token, Owner: owner, Spender: spender, Amount: big.NewInt(amount)}
}

func TestEnsureSufficientIsNoop(t *testing.T) {
	m, l := newManager(t)
	_, err := l.Approve(context.Background(), usdc, spender, big.NewInt(500))
	require.NoError(t, err)

	out, err := m.Ensure(context.Background(), requirement(usdc, 500))
	require.NoError(t, err)
	require.Equal(t, StateSufficient, out.State)
	require.Nil(t, out.TxHash)
	require.Equal(t, 1, l.Calls(mock.MethodApprove))
}

func TestEnsureApprovesExactAmount(t *testing.T) {
	m, l := newManager(t)
	_, err := l.Approve(context.Background(), usdc, spender, big.NewInt(100))
	require.NoError(t, err)
	r := requirement(usdc, 750)

	out, err := m.Ensure(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, StateSufficient, out.State)
	require.NotNil(t, out.TxHash)
	require.Equal(t, "750", out.Allowance.String())
	require.Equal(t, StateSufficient, m.State(r))

	current, err := l.Allowance(context.Background(), usdc, owner, spender)
	require.NoError(t, err)
	require.Equal(t, "750", current.String())
}

func TestEnsureFailureLeavesInsufficient(t *testing.T) {
	m, l := newManager(t)
	l.FailNext(mock.MethodApprove, flowerrors.ErrUserRejected)
	r := requirement(usdc, 10)

	out, err := m.Ensure(context.Background(), r)
	require.Error(t, err)
	var classified *flowerrors.Classified
	require.True(t, errors.As(err, &classified))
	require.Equal(t, flowerrors.KindUserRejected, classified.Kind)
	require.Equal(t, StateInsufficient, out.State)
	require.Equal(t, StateInsufficient, m.State(r))

	out, err = m.Ensure(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, StateSufficient, out.State)
}

func TestCheckAll(t *testing.T) {
	m, l := newManager(t)
	reqs := []Requirement{requirement(usdc, 10), requirement(dai, 20)}

	ok, err := m.CheckAll(context.Background(), reqs)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, l.Calls(mock.MethodApprove))

	_, err = l.Approve(context.Background(), usdc, spender, big.NewInt(10))
	require.NoError(t, err)
	_, err = l.Approve(context.Background(), dai, spender, big.NewInt(25))
	require.NoError(t, err)
	ok, err = m.CheckAll(context.Background(), reqs)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckAllPropagatesReadFailure(t *testing.T) {
	m, _ := newManager(t)
	unknown := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	_, err := m.CheckAll(context.Background(), []Requirement{requirement(usdc, 1), requirement(unknown, 1)})
	require.Error(t, err)
}

func TestApproveAllContinuesPastFailures(t *testing.T) {
	m, l := newManager(t)
	_, err := l.Approve(context.Background(), dai, spender, big.NewInt(1_000))
	require.NoError(t, err)
	l.FailNext(mock.MethodApprove, &flowerrors.RevertError{Reason: "AllowanceBelowZero"})

	outcomes := m.ApproveAll(context.Background(), []Requirement{
		requirement(usdc, 10),
		requirement(dai, 20),
		requirement(usdc, 30),
	})
	require.Len(t, outcomes, 3)

	require.Equal(t, 0, outcomes[0].Index)
	require.Equal(t, StateInsufficient, outcomes[0].State)
	require.Error(t, outcomes[0].Err)

	require.Equal(t, 1, outcomes[1].Index)
	require.Equal(t, StateSufficient, outcomes[1].State)
	require.Nil(t, outcomes[1].TxHash)

	require.Equal(t, 2, outcomes[2].Index)
	require.Equal(t, StateSufficient, outcomes[2].State)
	require.NotNil(t, outcomes[2].TxHash)
	require.NoError(t, outcomes[2].Err)
}

func TestRequirementValidation(t *testing.T) {
	m, l := newManager(t)
	_, err := m.Check(context.Background(), Requirement{Token: usdc, Owner: owner, Amount: big.NewInt(1)})
	require.ErrorIs(t, err, tx.ErrInvalidAddress)
	_, err = m.Check(context.Background(), Requirement{Token: usdc, Owner: owner, Spender: spender, Amount: big.NewInt(-1)})
	require.ErrorIs(t, err, tx.ErrInvalidAmount)
	require.Equal(t, 0, l.Calls(mock.MethodAllowance))
}

func TestPercentage(t *testing.T) {
	require.Equal(t, "50", Percentage(big.NewInt(5), big.NewInt(10)).String())
	require.Equal(t, "250", Percentage(big.NewInt(25), big.NewInt(10)).String())
	require.Equal(t, "0", Percentage(big.NewInt(5), big.NewInt(0)).String())
	require.Equal(t, "0", Percentage(nil, big.NewInt(10)).String())
}

func TestEnsureRecoversFromAbandonedApproval(t *testing.T) {
	m, l := newManager(t)
	r := requirement(usdc, 50)
	entered, release := l.Block(mock.MethodWaitMined)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		out, err := m.Ensure(ctx, r)
		if err == nil && out.State != StateApproving {
			err = errors.New("expected an approval still in flight")
		}
		first <- err
	}()
	<-entered
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	release()
	orch := m.registry.Get(tx.AllowanceScope(r.Token, r.Owner, r.Spender), tx.KindApprove)
	require.Eventually(t, func() bool { return orch.Snapshot().State.Terminal() }, time.Second, time.Millisecond)

	// A deposit spent the allowance, so the next deposit needs a new approval.
	_, err := l.Approve(context.Background(), usdc, spender, big.NewInt(0))
	require.NoError(t, err)

	out, err := m.Ensure(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, StateSufficient, out.State)
	require.NotNil(t, out.TxHash)
	require.Equal(t, 3, l.Calls(mock.MethodApprove))
	require.Equal(t, tx.StateIdle, orch.Snapshot().State)
}
