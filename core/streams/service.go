// Package streams refreshes stream views from the ledger and drives the
// mutating stream actions.
package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"salaryflow/ledger"
	"salaryflow/native/flow"
	"salaryflow/observability"
)

// Details is one refreshed stream: the raw record, its token, and the derived
// view. It is valid only for View.ComputedAt.
type Details struct {
	Record  ledger.StreamRecord `json:"record"`
	Token   Token               `json:"token"`
	View    flow.View           `json:"view"`
	Display Display             `json:"display"`
}

// Display carries the view's amounts formatted for people.
type Display struct {
	Balance       string `json:"balance"`
	Withdrawable  string `json:"withdrawable"`
	Refundable    string `json:"refundable"`
	TotalDebt     string `json:"totalDebt"`
	DebtRemaining string `json:"debtRemaining"`
	RatePerMonth  string `json:"ratePerMonth"`
	Depletion     string `json:"depletion"`
	TimeLeft      string `json:"timeLeft"`
}

// Service pulls stream state from the ledger on demand.
type Service struct {
	ledger  ledger.Ledger
	tokens  *TokenCache
	metrics *observability.StreamMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option customises the service.
type Option func(*Service)

// WithClock sets the function used as "now" for derived views.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.now = clock }
}

// WithMetrics overrides the stream gauges.
func WithMetrics(m *observability.StreamMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTokenCache shares a token metadata cache between services.
func WithTokenCache(c *TokenCache) Option {
	return func(s *Service) { s.tokens = c }
}

// NewService builds a stream service over l.
func NewService(l ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		ledger:  l,
		metrics: observability.Streams(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokens == nil {
		s.tokens = NewTokenCache(l)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Tokens exposes the metadata cache.
func (s *Service) Tokens() *TokenCache { return s.tokens }

// Refresh reads the stream and the ledger-computed amounts concurrently and
// derives a fresh view. The withdrawable, refundable, and depletion reads are
// best effort: the ledger rejects some of them for paused or voided streams,
// and the view falls back to local approximations.
func (s *Service) Refresh(ctx context.Context, id *big.Int) (Details, error) {
	if id == nil || id.Sign() < 0 {
		return Details{}, fmt.Errorf("streams: %w: invalid id", ledger.ErrStreamNotFound)
	}
	var (
		record       ledger.StreamRecord
		paused       bool
		withdrawable *big.Int
		refundable   *big.Int
		depletion    uint64
	)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		record, err = s.ledger.GetStream(gctx, id)
		return err
	})
	group.Go(func() error {
		var err error
		paused, err = s.ledger.IsPaused(gctx, id)
		return err
	})
	group.Go(func() error {
		v, err := s.ledger.WithdrawableAmount(gctx, id)
		if err != nil {
			s.optionalReadFailed("withdrawableAmountOf", id, err)
			return nil
		}
		withdrawable = v
		return nil
	})
	group.Go(func() error {
		v, err := s.ledger.RefundableAmount(gctx, id)
		if err != nil {
			s.optionalReadFailed("refundableAmountOf", id, err)
			return nil
		}
		refundable = v
		return nil
	})
	group.Go(func() error {
		v, err := s.ledger.DepletionTime(gctx, id)
		if err != nil {
			s.optionalReadFailed("depletionTimeOf", id, err)
			return nil
		}
		depletion = v
		return nil
	})
	if err := group.Wait(); err != nil {
		s.metrics.RecordRefresh(err)
		return Details{}, fmt.Errorf("streams: refresh %s: %w", id, err)
	}
	if !record.IsStream {
		s.metrics.RecordRefresh(ledger.ErrStreamNotFound)
		return Details{}, fmt.Errorf("streams: refresh %s: %w", id, ledger.ErrStreamNotFound)
	}
	record.IsPaused = paused
	if record.ID == nil {
		record.ID = new(big.Int).Set(id)
	}

	tok, err := s.tokens.Get(ctx, record.Token)
	if err != nil {
		s.logger.Warn("token metadata unavailable", "token", record.Token.Hex(), "error", err)
		tok = Token{Address: record.Token, Decimals: int(record.TokenDecimals)}
	}

	now := s.now()
	view := flow.Compute(flow.Inputs{
		Snapshot:      SnapshotOf(record),
		Withdrawable:  withdrawable,
		Refundable:    refundable,
		DepletionTime: depletion,
	}, now)

	details := Details{
		Record:  record,
		Token:   tok,
		View:    view,
		Display: displayOf(record, view, now),
	}
	s.metrics.RecordView(id.String(), tok.Symbol, int(record.TokenDecimals), record.Balance, view.Withdrawable, view.Refundable, secondsLeft(view.Depletion, now))
	s.metrics.RecordRefresh(nil)
	return details, nil
}

func (s *Service) optionalReadFailed(method string, id *big.Int, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Debug("optional ledger read failed", "method", method, "stream", id.String(), "error", err)
}

// SnapshotOf maps a raw ledger record onto the aggregator's input.
func SnapshotOf(record ledger.StreamRecord) flow.Snapshot {
	return flow.Snapshot{
		Balance:            record.Balance,
		RatePerSecond:      record.RatePerSecond,
		SnapshotDebtScaled: record.SnapshotDebtScaled,
		SnapshotTime:       record.SnapshotTime,
		TokenDecimals:      int(record.TokenDecimals),
		IsPaused:           record.IsPaused,
		IsVoided:           record.IsVoided,
	}
}

func displayOf(record ledger.StreamRecord, view flow.View, now time.Time) Display {
	decimals := int(record.TokenDecimals)
	precision := flow.DefaultMaxPrecision
	d := Display{
		Balance:       flow.FormatAmount(record.Balance, decimals, precision),
		Withdrawable:  flow.FormatAmount(view.Withdrawable, decimals, precision),
		Refundable:    flow.FormatAmount(view.Refundable, decimals, precision),
		TotalDebt:     flow.FormatAmount(view.TotalDebt, decimals, precision),
		DebtRemaining: flow.FormatAmount(view.DebtRemaining, decimals, precision),
		RatePerMonth:  view.RatePerMonth,
		Depletion:     view.Depletion.String(),
	}
	if view.Depletion.State == flow.DepletionFinite {
		d.TimeLeft = flow.TimeLeft(view.Depletion.At, now).String()
	}
	return d
}

func secondsLeft(d flow.Depletion, now time.Time) float64 {
	switch d.State {
	case flow.DepletionNever:
		return -1
	case flow.DepletionDepleted:
		return 0
	}
	left := d.At.Sub(now).Seconds()
	if left < 0 {
		return 0
	}
	return left
}
