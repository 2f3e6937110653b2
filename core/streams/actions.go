package streams

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"salaryflow/core/allowance"
	"salaryflow/core/tx"
	"salaryflow/ledger"
)

// Actions submits mutating stream calls. Each (stream, kind) pair has its own
// orchestrator, so a pending withdraw never blocks a deposit on the same
// stream and one stream never blocks another.
type Actions struct {
	ledger     ledger.Ledger
	registry   *tx.Registry
	allowances *allowance.Manager
}

// NewActions wires the action facade. allowances may be nil, in which case
// deposits are submitted without an allowance check.
func NewActions(l ledger.Ledger, registry *tx.Registry, allowances *allowance.Manager) *Actions {
	return &Actions{ledger: l, registry: registry, allowances: allowances}
}

// Orchestrator returns the orchestrator for (id, kind).
func (a *Actions) Orchestrator(id *big.Int, kind tx.Kind) *tx.Orchestrator {
	return a.registry.Get(tx.StreamScope(id), kind)
}

// Pending reports the state of (id, kind) without creating an orchestrator.
func (a *Actions) Pending(id *big.Int, kind tx.Kind) tx.Pending {
	if o, ok := a.registry.Lookup(tx.StreamScope(id), kind); ok {
		return o.Snapshot()
	}
	return tx.Pending{Kind: kind, State: tx.StateIdle}
}

// Acknowledge consumes the terminal result of (id, kind).
func (a *Actions) Acknowledge(id *big.Int, kind tx.Kind) (tx.Pending, bool) {
	o, ok := a.registry.Lookup(tx.StreamScope(id), kind)
	if !ok {
		return tx.Pending{}, false
	}
	return o.Acknowledge()
}

// Reset clears the terminal result of (id, kind).
func (a *Actions) Reset(id *big.Int, kind tx.Kind) error {
	o, ok := a.registry.Lookup(tx.StreamScope(id), kind)
	if !ok {
		return nil
	}
	return o.Reset()
}

func (a *Actions) submit(ctx context.Context, id *big.Int, kind tx.Kind, call tx.Call) (tx.Pending, error) {
	if err := tx.CheckStreamID(id); err != nil {
		return tx.Pending{Kind: kind}, err
	}
	return a.Orchestrator(id, kind).Submit(ctx, call)
}

// Withdraw sends amount of the stream's withdrawable debt to to. A nil or
// zero amount withdraws the maximum instead.
func (a *Actions) Withdraw(ctx context.Context, id *big.Int, to common.Address, amount *big.Int) (tx.Pending, error) {
	if amount == nil || amount.Sign() == 0 {
		return a.WithdrawMax(ctx, id, to)
	}
	if err := tx.CheckAddress("to", to); err != nil {
		return tx.Pending{Kind: tx.KindWithdraw}, err
	}
	if err := tx.CheckPositiveUint128("amount", amount); err != nil {
		return tx.Pending{Kind: tx.KindWithdraw}, err
	}
	amount = new(big.Int).Set(amount)
	return a.submit(ctx, id, tx.KindWithdraw, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.Withdraw(ctx, id, to, amount)
	})
}

// WithdrawMax withdraws everything currently withdrawable.
func (a *Actions) WithdrawMax(ctx context.Context, id *big.Int, to common.Address) (tx.Pending, error) {
	if err := tx.CheckAddress("to", to); err != nil {
		return tx.Pending{Kind: tx.KindWithdrawMax}, err
	}
	return a.submit(ctx, id, tx.KindWithdrawMax, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.WithdrawMax(ctx, id, to)
	})
}

// Deposit tops up a stream, first raising the token allowance if needed.
func (a *Actions) Deposit(ctx context.Context, id, amount *big.Int) (tx.Pending, error) {
	if err := tx.CheckPositiveUint128("amount", amount); err != nil {
		return tx.Pending{Kind: tx.KindDeposit}, err
	}
	record, err := a.prepareDeposit(ctx, id, tx.KindDeposit, amount)
	if err != nil {
		return a.Pending(id, tx.KindDeposit), err
	}
	amount = new(big.Int).Set(amount)
	return a.submit(ctx, id, tx.KindDeposit, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.Deposit(ctx, id, amount, record.Sender, record.Recipient)
	})
}

// DepositViaBroker tops up a stream with a broker fee carved out of amount.
func (a *Actions) DepositViaBroker(ctx context.Context, id, amount *big.Int, broker ledger.Broker) (tx.Pending, error) {
	if err := tx.CheckPositiveUint128("amount", amount); err != nil {
		return tx.Pending{Kind: tx.KindDepositViaBroker}, err
	}
	if err := tx.CheckAddress("broker", broker.Account); err != nil {
		return tx.Pending{Kind: tx.KindDepositViaBroker}, err
	}
	if broker.Fee == nil {
		broker.Fee = new(big.Int)
	}
	if err := tx.CheckUint128("broker fee", broker.Fee); err != nil {
		return tx.Pending{Kind: tx.KindDepositViaBroker}, err
	}
	record, err := a.prepareDeposit(ctx, id, tx.KindDepositViaBroker, amount)
	if err != nil {
		return a.Pending(id, tx.KindDepositViaBroker), err
	}
	amount = new(big.Int).Set(amount)
	return a.submit(ctx, id, tx.KindDepositViaBroker, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.DepositViaBroker(ctx, id, amount, record.Sender, record.Recipient, broker)
	})
}

// prepareDeposit refuses early when the deposit orchestrator is busy, then
// reads the stream parties and ensures the ledger may pull amount.
func (a *Actions) prepareDeposit(ctx context.Context, id *big.Int, kind tx.Kind, amount *big.Int) (ledger.StreamRecord, error) {
	if err := tx.CheckStreamID(id); err != nil {
		return ledger.StreamRecord{}, err
	}
	if snapshot := a.Pending(id, kind); snapshot.State != tx.StateIdle {
		return ledger.StreamRecord{}, tx.ErrInFlight
	}
	record, err := a.ledger.GetStream(ctx, id)
	if err != nil {
		return ledger.StreamRecord{}, fmt.Errorf("streams: read stream %s: %w", id, err)
	}
	if err := a.ensureAllowance(ctx, record.Token, amount); err != nil {
		return ledger.StreamRecord{}, err
	}
	return record, nil
}

func (a *Actions) ensureAllowance(ctx context.Context, token common.Address, amount *big.Int) error {
	if a.allowances == nil {
		return nil
	}
	_, err := a.allowances.Ensure(ctx, allowance.Requirement{
		Token:   token,
		Owner:   a.ledger.Account(),
		Spender: a.ledger.Contract(),
		Amount:  amount,
	})
	if err != nil {
		return fmt.Errorf("streams: allowance: %w", err)
	}
	return nil
}

// Pause stops accrual.
func (a *Actions) Pause(ctx context.Context, id *big.Int) (tx.Pending, error) {
	return a.submit(ctx, id, tx.KindPause, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.Pause(ctx, id)
	})
}

// Restart resumes a paused stream at ratePerSecond.
func (a *Actions) Restart(ctx context.Context, id, ratePerSecond *big.Int) (tx.Pending, error) {
	if err := tx.CheckRate(ratePerSecond, false); err != nil {
		return tx.Pending{Kind: tx.KindRestart}, err
	}
	rate := new(big.Int).Set(ratePerSecond)
	return a.submit(ctx, id, tx.KindRestart, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.Restart(ctx, id, rate)
	})
}

// AdjustRate changes the per-second rate of an active stream.
func (a *Actions) AdjustRate(ctx context.Context, id, ratePerSecond *big.Int) (tx.Pending, error) {
	if err := tx.CheckRate(ratePerSecond, false); err != nil {
		return tx.Pending{Kind: tx.KindAdjustRate}, err
	}
	rate := new(big.Int).Set(ratePerSecond)
	return a.submit(ctx, id, tx.KindAdjustRate, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.AdjustRatePerSecond(ctx, id, rate)
	})
}

// Refund returns amount of the unstreamed balance to the sender.
func (a *Actions) Refund(ctx context.Context, id, amount *big.Int) (tx.Pending, error) {
	if err := tx.CheckPositiveUint128("amount", amount); err != nil {
		return tx.Pending{Kind: tx.KindRefund}, err
	}
	amount = new(big.Int).Set(amount)
	return a.submit(ctx, id, tx.KindRefund, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.Refund(ctx, id, amount)
	})
}

// RefundMax returns the whole refundable balance to the sender.
func (a *Actions) RefundMax(ctx context.Context, id *big.Int) (tx.Pending, error) {
	return a.submit(ctx, id, tx.KindRefundMax, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.RefundMax(ctx, id)
	})
}

// RefundAndPause refunds amount and pauses the stream in one call.
func (a *Actions) RefundAndPause(ctx context.Context, id, amount *big.Int) (tx.Pending, error) {
	if err := tx.CheckPositiveUint128("amount", amount); err != nil {
		return tx.Pending{Kind: tx.KindRefundAndPause}, err
	}
	amount = new(big.Int).Set(amount)
	return a.submit(ctx, id, tx.KindRefundAndPause, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.RefundAndPause(ctx, id, amount)
	})
}

// Void permanently stops the stream, writing off uncovered debt.
func (a *Actions) Void(ctx context.Context, id *big.Int) (tx.Pending, error) {
	return a.submit(ctx, id, tx.KindVoid, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.Void(ctx, id)
	})
}

// ErrNotSender is returned when a create names a sender other than the
// signing account.
var ErrNotSender = errors.New("streams: sender must be the signing account")

// Create opens a stream for params. A positive deposit funds it in the same
// transaction after the allowance is ensured.
func (a *Actions) Create(ctx context.Context, params ledger.CreateParams, deposit *big.Int) (tx.Pending, error) {
	kind := tx.KindCreate
	if deposit != nil && deposit.Sign() != 0 {
		kind = tx.KindCreateAndDeposit
	}
	if err := validateCreate(params); err != nil {
		return tx.Pending{Kind: kind}, err
	}
	if params.Sender != a.ledger.Account() {
		return tx.Pending{Kind: kind}, ErrNotSender
	}
	orch := a.registry.Get(tx.AccountScope(params.Sender), kind)
	if kind == tx.KindCreate {
		return orch.Submit(ctx, func(ctx context.Context) (common.Hash, error) {
			return a.ledger.Create(ctx, params)
		})
	}

	if err := tx.CheckPositiveUint128("deposit", deposit); err != nil {
		return tx.Pending{Kind: kind}, err
	}
	if snapshot := orch.Snapshot(); snapshot.State != tx.StateIdle {
		return snapshot, tx.ErrInFlight
	}
	if err := a.ensureAllowance(ctx, params.Token, deposit); err != nil {
		return orch.Snapshot(), err
	}
	deposit = new(big.Int).Set(deposit)
	return orch.Submit(ctx, func(ctx context.Context) (common.Hash, error) {
		return a.ledger.CreateAndDeposit(ctx, params, deposit)
	})
}

// CreatePending reports the state of account's create orchestrator for kind.
func (a *Actions) CreatePending(account common.Address, kind tx.Kind) tx.Pending {
	if o, ok := a.registry.Lookup(tx.AccountScope(account), kind); ok {
		return o.Snapshot()
	}
	return tx.Pending{Kind: kind, State: tx.StateIdle}
}

func validateCreate(params ledger.CreateParams) error {
	if err := tx.CheckAddress("sender", params.Sender); err != nil {
		return err
	}
	if err := tx.CheckAddress("recipient", params.Recipient); err != nil {
		return err
	}
	if err := tx.CheckAddress("token", params.Token); err != nil {
		return err
	}
	return tx.CheckRate(params.RatePerSecond, true)
}
