package flow

import (
	"math/big"
	"time"
)

// DebtScaleDecimals is the fixed precision the ledger uses for scaled debt.
const DebtScaleDecimals = 18

// UnknownDecimals marks a snapshot whose token decimals were not read.
const UnknownDecimals = -1

// Status is the tri-state lifecycle reported for a stream.
type Status int

const (
	StatusActive Status = iota
	StatusPaused
	StatusVoided
)

func (s Status) String() string {
	switch s {
	case StatusPaused:
		return "paused"
	case StatusVoided:
		return "voided"
	default:
		return "active"
	}
}

// MarshalText renders the status name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DepletionState distinguishes a dated depletion from the two undated cases.
type DepletionState int

const (
	DepletionFinite DepletionState = iota
	DepletionDepleted
	DepletionNever
)

// Depletion describes when the stream balance runs out.
type Depletion struct {
	State DepletionState
	At    time.Time
}

func (d Depletion) String() string {
	switch d.State {
	case DepletionDepleted:
		return "Depleted"
	case DepletionNever:
		return "No depletion"
	default:
		return d.At.UTC().Format(time.RFC3339)
	}
}

// MarshalText renders the depletion as displayed to users.
func (d Depletion) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Snapshot carries the raw ledger fields of a stream.
type Snapshot struct {
	Balance            *big.Int
	RatePerSecond      *big.Int
	SnapshotDebtScaled *big.Int
	SnapshotTime       uint64
	TokenDecimals      int
	IsPaused           bool
	IsVoided           bool
}

// Inputs pairs a snapshot with the amounts the ledger computes itself. Nil
// amounts and a zero DepletionTime mean the ledger value was not read.
type Inputs struct {
	Snapshot
	Withdrawable  *big.Int
	Refundable    *big.Int
	DepletionTime uint64
}

// View is the derived, display-ready state of a stream at one instant. It is
// only valid for ComputedAt and must not be cached across refreshes.
type View struct {
	Status            Status    `json:"status"`
	RatePerSecond     *big.Int  `json:"ratePerSecond"`
	RatePerMonth      string    `json:"ratePerMonth"`
	AccruedDebtScaled *big.Int  `json:"accruedDebtScaled"`
	TotalDebt         *big.Int  `json:"totalDebt"`
	DebtRemaining     *big.Int  `json:"debtRemaining"`
	Withdrawable      *big.Int  `json:"withdrawable"`
	Refundable        *big.Int  `json:"refundable"`
	Depletion         Depletion `json:"depletion"`
	Placeholder       bool      `json:"placeholder,omitempty"`
	ComputedAt        time.Time `json:"computedAt"`
}

// StatusOf reports the stream status from its flags. Voided wins over paused.
func StatusOf(isPaused, isVoided bool) Status {
	switch {
	case isVoided:
		return StatusVoided
	case isPaused:
		return StatusPaused
	default:
		return StatusActive
	}
}

// Compute derives the stream view at now. It never fails: malformed snapshots
// produce a placeholder view.
func Compute(in Inputs, now time.Time) View {
	view := View{
		Status:            StatusOf(in.IsPaused, in.IsVoided),
		RatePerSecond:     new(big.Int),
		RatePerMonth:      "0",
		AccruedDebtScaled: new(big.Int),
		TotalDebt:         new(big.Int),
		DebtRemaining:     new(big.Int),
		Withdrawable:      new(big.Int),
		Refundable:        new(big.Int),
		Depletion:         Depletion{State: DepletionNever},
		ComputedAt:        now,
	}
	if (in.RatePerSecond != nil && in.RatePerSecond.Sign() < 0) || !validDecimals(in.TokenDecimals) {
		view.Placeholder = true
		return view
	}

	balance := nonNegative(in.Balance)
	rate := nonNegative(in.RatePerSecond)
	view.RatePerSecond = new(big.Int).Set(rate)
	view.RatePerMonth = ToMonthlyRate(rate, in.TokenDecimals)

	effective := rate
	if in.IsVoided || in.IsPaused {
		effective = new(big.Int)
	}

	accrued := new(big.Int).Set(nonNegative(in.SnapshotDebtScaled))
	if elapsed := elapsedSeconds(in.SnapshotTime, now); elapsed > 0 && effective.Sign() > 0 {
		accrued.Add(accrued, new(big.Int).Mul(effective, new(big.Int).SetUint64(elapsed)))
	}
	view.AccruedDebtScaled = accrued
	view.TotalDebt = descale(accrued, in.TokenDecimals)
	if view.TotalDebt.Cmp(balance) > 0 {
		view.DebtRemaining = new(big.Int).Sub(view.TotalDebt, balance)
	}

	view.Withdrawable, view.Refundable = settleAmounts(balance, view.TotalDebt, in.Withdrawable, in.Refundable)
	view.Depletion = depletionOf(balance, effective, in.DepletionTime, now)
	return view
}

// settleAmounts prefers ledger-provided amounts, falling back to a local
// approximation, and clamps both to the stream balance.
func settleAmounts(balance, totalDebt, ledgerWithdrawable, ledgerRefundable *big.Int) (*big.Int, *big.Int) {
	withdrawable := ledgerWithdrawable
	if withdrawable == nil {
		withdrawable = minInt(balance, totalDebt)
	}
	withdrawable = clamp(withdrawable, balance)

	remaining := new(big.Int).Sub(balance, withdrawable)
	refundable := ledgerRefundable
	if refundable == nil {
		refundable = remaining
	}
	refundable = clamp(refundable, remaining)
	return withdrawable, refundable
}

func depletionOf(balance, rate *big.Int, ledgerTime uint64, now time.Time) Depletion {
	if balance.Sign() == 0 {
		return Depletion{State: DepletionDepleted}
	}
	if rate.Sign() == 0 {
		return Depletion{State: DepletionNever}
	}
	if ledgerTime > 0 {
		return Depletion{State: DepletionFinite, At: time.Unix(int64(ledgerTime), 0).UTC()}
	}
	seconds := new(big.Int).Quo(balance, rate)
	if !seconds.IsInt64() || seconds.Int64() > maxDepletionSeconds {
		return Depletion{State: DepletionNever}
	}
	return Depletion{State: DepletionFinite, At: now.Add(time.Duration(seconds.Int64()) * time.Second).UTC()}
}

// maxDepletionSeconds keeps now+seconds inside time.Duration.
const maxDepletionSeconds = int64(1<<63-1) / int64(time.Second)

func elapsedSeconds(snapshot uint64, now time.Time) uint64 {
	current := now.Unix()
	if current <= 0 || uint64(current) <= snapshot {
		return 0
	}
	return uint64(current) - snapshot
}

func descale(scaled *big.Int, decimals int) *big.Int {
	switch {
	case decimals == DebtScaleDecimals:
		return new(big.Int).Set(scaled)
	case decimals < DebtScaleDecimals:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(DebtScaleDecimals-decimals)), nil)
		return new(big.Int).Quo(scaled, factor)
	default:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-DebtScaleDecimals)), nil)
		return new(big.Int).Mul(scaled, factor)
	}
}

func nonNegative(v *big.Int) *big.Int {
	if v == nil || v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}

func clamp(v, upper *big.Int) *big.Int {
	if v == nil || v.Sign() <= 0 {
		return new(big.Int)
	}
	if v.Cmp(upper) > 0 {
		return new(big.Int).Set(upper)
	}
	return new(big.Int).Set(v)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
