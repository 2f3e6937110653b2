package streamd

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"salaryflow/core/streams"
)

// Refresher periodically re-derives the views of a fixed set of streams so
// their gauges stay current without client traffic.
type Refresher struct {
	service  *streams.Service
	ids      []*big.Int
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher builds a refresher; a non-positive interval defaults to 30s.
func NewRefresher(service *streams.Service, ids []*big.Int, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{service: service, ids: ids, interval: interval, logger: logger}
}

// Run refreshes once immediately and then on every tick until ctx ends.
func (r *Refresher) Run(ctx context.Context) error {
	if len(r.ids) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.refresh(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	details, err := r.service.RefreshMany(ctx, r.ids)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("stream refresh failed", "streams", len(r.ids), "error", err)
		}
		return
	}
	r.logger.Debug("streams refreshed", "streams", len(details))
}
