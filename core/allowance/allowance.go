// Package allowance checks and raises token spending allowances ahead of
// deposits into a stream.
package allowance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"salaryflow/core/tx"
)

// ErrStillInsufficient is returned when an approval confirmed but the ledger
// still reports an allowance below the requirement.
var ErrStillInsufficient = errors.New("allowance: allowance still insufficient after approval")

// State tracks one (token, owner, spender) tuple.
type State int

const (
	StateUnknown State = iota
	StateChecking
	StateSufficient
	StateInsufficient
	StateApproving
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateSufficient:
		return "sufficient"
	case StateInsufficient:
		return "insufficient"
	case StateApproving:
		return "approving"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Requirement states that spender must be allowed to pull Amount of Token
// from Owner.
type Requirement struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
}

func (r Requirement) validate() error {
	if err := tx.CheckAddress("token", r.Token); err != nil {
		return err
	}
	if err := tx.CheckAddress("owner", r.Owner); err != nil {
		return err
	}
	if err := tx.CheckAddress("spender", r.Spender); err != nil {
		return err
	}
	return tx.CheckUint128("amount", r.Amount)
}

type tupleKey struct {
	token, owner, spender common.Address
}

func keyOf(r Requirement) tupleKey {
	return tupleKey{token: r.Token, owner: r.Owner, spender: r.Spender}
}

// Outcome reports the result of ensuring one requirement.
type Outcome struct {
	Index       int          `json:"index"`
	Requirement Requirement  `json:"requirement"`
	State       State        `json:"state"`
	Allowance   *big.Int     `json:"allowance,omitempty"`
	TxHash      *common.Hash `json:"txHash,omitempty"`
	Pending     *tx.Pending  `json:"pending,omitempty"`
	Err         error        `json:"-"`
}

// Ledger is the subset of the ledger the manager needs.
type Ledger interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
}

// Manager checks allowances and submits exact-amount approvals.
type Manager struct {
	ledger   Ledger
	registry *tx.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	states map[tupleKey]State
}

// Option customises the manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds a manager. Approvals are serialised per tuple through
// orchestrators obtained from registry.
func NewManager(l Ledger, registry *tx.Registry, opts ...Option) *Manager {
	m := &Manager{
		ledger:   l,
		registry: registry,
		states:   make(map[tupleKey]State),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// State reports the last known state of the requirement's tuple.
func (m *Manager) State(r Requirement) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[keyOf(r)]
}

func (m *Manager) setState(r Requirement, s State) {
	m.mu.Lock()
	m.states[keyOf(r)] = s
	m.mu.Unlock()
}

// Check reads the current allowance and records whether it covers the
// requirement. It never submits anything.
func (m *Manager) Check(ctx context.Context, r Requirement) (*big.Int, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	m.setState(r, StateChecking)
	current, err := m.ledger.Allowance(ctx, r.Token, r.Owner, r.Spender)
	if err != nil {
		m.setState(r, StateUnknown)
		return nil, fmt.Errorf("allowance: read %s: %w", r.Token.Hex(), err)
	}
	if current == nil {
		current = new(big.Int)
	}
	if current.Cmp(r.Amount) >= 0 {
		m.setState(r, StateSufficient)
	} else {
		m.setState(r, StateInsufficient)
	}
	return current, nil
}

// Ensure approves exactly r.Amount when the current allowance is short, waits
// for confirmation, and re-reads the allowance before reporting Sufficient.
func (m *Manager) Ensure(ctx context.Context, r Requirement) (Outcome, error) {
	out := Outcome{Requirement: r, State: StateUnknown}
	current, err := m.Check(ctx, r)
	if err != nil {
		out.Err = err
		return out, err
	}
	out.Allowance = current
	if current.Cmp(r.Amount) >= 0 {
		out.State = StateSufficient
		return out, nil
	}

	m.setState(r, StateApproving)
	out.State = StateApproving
	orch := m.registry.Get(tx.AllowanceScope(r.Token, r.Owner, r.Spender), tx.KindApprove)
	// An earlier approval whose caller stopped waiting settles unobserved;
	// nothing else acknowledges allowance-scope results.
	if stale, ok := orch.Acknowledge(); ok {
		m.logger.Info("discarding unobserved approval result",
			"token", r.Token.Hex(),
			"spender", r.Spender.Hex(),
			"state", stale.State.String())
	}
	amount := new(big.Int).Set(r.Amount)
	pending, err := orch.Submit(ctx, func(ctx context.Context) (common.Hash, error) {
		return m.ledger.Approve(ctx, r.Token, r.Spender, amount)
	})
	out.TxHash = pending.TxHash
	out.Pending = &pending
	if err != nil {
		out.Err = err
		switch {
		case errors.Is(err, tx.ErrInFlight):
		case pending.State.Terminal():
			// The failure is reported through the outcome, so the tuple is free
			// for the next attempt.
			orch.AcknowledgeID(pending.ID)
			m.setState(r, StateInsufficient)
			out.State = StateInsufficient
		}
		m.logger.Warn("allowance approval did not complete",
			"token", r.Token.Hex(),
			"spender", r.Spender.Hex(),
			"error", err)
		return out, err
	}
	orch.AcknowledgeID(pending.ID)

	current, err = m.Check(ctx, r)
	if err != nil {
		out.Err = err
		return out, err
	}
	out.Allowance = current
	if current.Cmp(r.Amount) < 0 {
		out.State = StateInsufficient
		out.Err = ErrStillInsufficient
		return out, ErrStillInsufficient
	}
	out.State = StateSufficient
	return out, nil
}

// CheckAll reads every requirement concurrently and reports whether all are
// covered. The first read error cancels the remaining reads.
func (m *Manager) CheckAll(ctx context.Context, reqs []Requirement) (bool, error) {
	sufficient := make([]bool, len(reqs))
	group, gctx := errgroup.WithContext(ctx)
	for i, r := range reqs {
		i, r := i, r
		group.Go(func() error {
			current, err := m.Check(gctx, r)
			if err != nil {
				return err
			}
			sufficient[i] = current.Cmp(r.Amount) >= 0
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return false, err
	}
	for _, ok := range sufficient {
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// ApproveAll ensures each requirement in order. Approvals run one at a time so
// a single signer's nonces stay ordered; a failure on one item does not stop
// the rest.
func (m *Manager) ApproveAll(ctx context.Context, reqs []Requirement) []Outcome {
	outcomes := make([]Outcome, len(reqs))
	for i, r := range reqs {
		if err := ctx.Err(); err != nil {
			outcomes[i] = Outcome{Index: i, Requirement: r, State: m.State(r), Err: err}
			continue
		}
		out, _ := m.Ensure(ctx, r)
		out.Index = i
		outcomes[i] = out
	}
	return outcomes
}

// Percentage reports allowance as a whole percentage of amount, for progress
// display. A zero or missing amount yields 0.
func Percentage(allowance, amount *big.Int) *big.Int {
	if allowance == nil || amount == nil || amount.Sign() <= 0 || allowance.Sign() <= 0 {
		return new(big.Int)
	}
	pct := new(big.Int).Mul(allowance, big.NewInt(100))
	return pct.Quo(pct, amount)
}
