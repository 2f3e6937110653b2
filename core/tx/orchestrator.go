// Package tx drives mutating ledger calls through a single-in-flight
// lifecycle: submit, await confirmation, then surface a terminal result.
package tx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	flowerrors "salaryflow/core/errors"
	"salaryflow/ledger"
	"salaryflow/observability"
)

var (
	// ErrInFlight is returned when a submission arrives while another one of the
	// same orchestrator has not been acknowledged or reset.
	ErrInFlight = errors.New("tx: transaction already in flight")
	// ErrResetInFlight is returned when Reset is called before a terminal state.
	ErrResetInFlight = errors.New("tx: cannot reset while a transaction is in flight")

	errNilCall     = errors.New("tx: call required")
	errNoReceipt   = errors.New("tx: confirmer returned no receipt")
	errNoConfirmer = errors.New("tx: confirmer not configured")
)

// Kind names the mutating operation an orchestrator serialises.
type Kind string

const (
	KindCreate           Kind = "create"
	KindCreateAndDeposit Kind = "createAndDeposit"
	KindDeposit          Kind = "deposit"
	KindDepositViaBroker Kind = "depositViaBroker"
	KindWithdraw         Kind = "withdraw"
	KindWithdrawMax      Kind = "withdrawMax"
	KindPause            Kind = "pause"
	KindRestart          Kind = "restart"
	KindAdjustRate       Kind = "adjustRatePerSecond"
	KindRefund           Kind = "refund"
	KindRefundMax        Kind = "refundMax"
	KindRefundAndPause   Kind = "refundAndPause"
	KindVoid             Kind = "void"
	KindApprove          Kind = "approve"
)

var kinds = []Kind{
	KindCreate, KindCreateAndDeposit, KindDeposit, KindDepositViaBroker,
	KindWithdraw, KindWithdrawMax, KindPause, KindRestart, KindAdjustRate,
	KindRefund, KindRefundMax, KindRefundAndPause, KindVoid, KindApprove,
}

// ParseKind resolves a kind name, case-sensitively.
func ParseKind(name string) (Kind, bool) {
	for _, k := range kinds {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

// State is the lifecycle position of an orchestrator.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateAwaitingConfirmation
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSubmitting:
		return "submitting"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the state is Confirmed or Failed.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// Pending is a point-in-time copy of an orchestrator's transaction.
type Pending struct {
	ID          uuid.UUID              `json:"id"`
	Kind        Kind                   `json:"kind"`
	State       State                  `json:"state"`
	TxHash      *common.Hash           `json:"txHash,omitempty"`
	Receipt     *ledger.Receipt        `json:"receipt,omitempty"`
	Err         *flowerrors.Classified `json:"error,omitempty"`
	SubmittedAt time.Time              `json:"submittedAt,omitempty"`
	AcceptedAt  time.Time              `json:"acceptedAt,omitempty"`
	ConfirmedAt time.Time              `json:"confirmedAt,omitempty"`
}

func (p Pending) clone() Pending {
	if p.TxHash != nil {
		hash := *p.TxHash
		p.TxHash = &hash
	}
	if p.Receipt != nil {
		receipt := *p.Receipt
		p.Receipt = &receipt
	}
	return p
}

// result returns the classified failure as an error, or nil.
func (p Pending) result() error {
	if p.Err == nil {
		return nil
	}
	return p.Err
}

// Call performs the mutating request and returns once the network accepted it.
type Call func(ctx context.Context) (common.Hash, error)

// flight tracks one submission until it settles.
type flight struct {
	done    chan struct{}
	settled Pending
}

// Orchestrator serialises one kind of mutating call for one logical resource.
type Orchestrator struct {
	kind       Kind
	confirmer  ledger.Confirmer
	classifier *flowerrors.Classifier
	metrics    *observability.TxMetrics
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending Pending
	current *flight
}

// Option customises an orchestrator.
type Option func(*Orchestrator)

// WithClassifier overrides the error classifier.
func WithClassifier(c *flowerrors.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithMetrics overrides the transaction metrics registry.
func WithMetrics(m *observability.TxMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// New constructs an idle orchestrator for kind confirming through confirmer.
func New(kind Kind, confirmer ledger.Confirmer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		kind:      kind,
		confirmer: confirmer,
		metrics:   observability.Tx(),
		now:       time.Now,
		pending:   Pending{Kind: kind},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.classifier == nil {
		o.classifier = flowerrors.NewClassifier()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Kind reports the operation this orchestrator serialises.
func (o *Orchestrator) Kind() Kind { return o.kind }

// Submit runs call unless another transaction is in flight, in which case it
// returns ErrInFlight without invoking call. It blocks until the transaction
// settles or ctx ends; in the latter case the confirmation wait continues in
// the background and Wait or Snapshot observe the outcome.
func (o *Orchestrator) Submit(ctx context.Context, call Call) (Pending, error) {
	if call == nil {
		return o.Snapshot(), errNilCall
	}

	o.mu.Lock()
	if o.pending.State != StateIdle {
		snapshot := o.pending.clone()
		o.mu.Unlock()
		o.metrics.RecordRejection(string(o.kind))
		return snapshot, ErrInFlight
	}
	f := &flight{done: make(chan struct{})}
	o.current = f
	o.pending = Pending{
		ID:          uuid.New(),
		Kind:        o.kind,
		State:       StateSubmitting,
		SubmittedAt: o.now(),
	}
	o.mu.Unlock()
	o.metrics.Started(string(o.kind))

	hash, err := call(ctx)
	if err != nil {
		o.settle(f, nil, err)
		return f.settled.clone(), f.settled.result()
	}
	if o.confirmer == nil {
		o.settle(f, nil, errNoConfirmer)
		return f.settled.clone(), f.settled.result()
	}

	o.mu.Lock()
	o.pending.State = StateAwaitingConfirmation
	o.pending.TxHash = &hash
	o.pending.AcceptedAt = o.now()
	o.mu.Unlock()
	o.logger.Debug("transaction accepted", "kind", string(o.kind), "txHash", hash.Hex())

	go o.await(context.WithoutCancel(ctx), f, hash)
	return o.waitFlight(ctx, f)
}

// await blocks on the confirmer and settles the flight. It runs detached from
// the submitter's context so the outcome is always recorded.
func (o *Orchestrator) await(ctx context.Context, f *flight, hash common.Hash) {
	receipt, err := o.confirmer.WaitMined(ctx, hash)
	switch {
	case err != nil:
	case receipt == nil:
		err = errNoReceipt
	case !receipt.Success:
		err = fmt.Errorf("%w: %s", flowerrors.ErrReceiptFailed, hash.Hex())
	}
	o.settle(f, receipt, err)
}

func (o *Orchestrator) settle(f *flight, receipt *ledger.Receipt, err error) {
	o.mu.Lock()
	now := o.now()
	o.pending.ConfirmedAt = now
	if receipt != nil {
		copied := *receipt
		o.pending.Receipt = &copied
	}
	category := ""
	if err != nil {
		classified := o.classifier.Classify(err)
		o.pending.State = StateFailed
		o.pending.Err = classified
		category = classified.Kind.String()
	} else {
		o.pending.State = StateConfirmed
	}
	f.settled = o.pending.clone()
	elapsed := now.Sub(o.pending.SubmittedAt)
	close(f.done)
	o.mu.Unlock()

	o.metrics.Finished(string(o.kind), category, elapsed)
	attrs := []any{"kind", string(o.kind), "id", f.settled.ID.String()}
	if f.settled.TxHash != nil {
		attrs = append(attrs, "txHash", f.settled.TxHash.Hex())
	}
	if err != nil {
		attrs = append(attrs, "category", category, "error", err)
		if f.settled.Err.Disruptive() {
			o.logger.Warn("transaction failed", attrs...)
		} else {
			o.logger.Info("transaction rejected by signer", attrs...)
		}
		return
	}
	o.logger.Info("transaction confirmed", attrs...)
}

// Wait blocks until the current transaction settles or ctx ends. An idle
// orchestrator returns immediately.
func (o *Orchestrator) Wait(ctx context.Context) (Pending, error) {
	o.mu.Lock()
	f := o.current
	if f == nil {
		snapshot := o.pending.clone()
		o.mu.Unlock()
		return snapshot, nil
	}
	o.mu.Unlock()
	return o.waitFlight(ctx, f)
}

// waitFlight blocks until f settles or ctx ends. The result always describes
// f, even when it has since been acknowledged and replaced by a newer flight.
func (o *Orchestrator) waitFlight(ctx context.Context, f *flight) (Pending, error) {
	select {
	case <-f.done:
		return f.settled.clone(), f.settled.result()
	case <-ctx.Done():
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case <-f.done:
		return f.settled.clone(), ctx.Err()
	default:
		// An unsettled flight is still the current one.
		return o.pending.clone(), ctx.Err()
	}
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.clone()
}

// Acknowledge returns a terminal result exactly once and returns the
// orchestrator to Idle. It reports false when nothing has settled.
func (o *Orchestrator) Acknowledge() (Pending, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.pending.State.Terminal() {
		return Pending{}, false
	}
	settled := o.pending.clone()
	o.clearLocked()
	return settled, true
}

// AcknowledgeID behaves like Acknowledge but only consumes the result of the
// transaction identified by id.
func (o *Orchestrator) AcknowledgeID(id uuid.UUID) (Pending, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending.ID != id || !o.pending.State.Terminal() {
		return Pending{}, false
	}
	settled := o.pending.clone()
	o.clearLocked()
	return settled, true
}

// Reset discards a terminal result. Resetting an idle orchestrator is a no-op.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.pending.State == StateIdle:
		return nil
	case o.pending.State.Terminal():
		o.clearLocked()
		return nil
	default:
		return ErrResetInFlight
	}
}

func (o *Orchestrator) clearLocked() {
	o.pending = Pending{Kind: o.kind}
	o.current = nil
}
