package streams

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"salaryflow/ledger"
	"salaryflow/native/flow"
)

// maxConcurrentRefreshes bounds the fan-out when refreshing many streams.
const maxConcurrentRefreshes = 8

// TokenTotals aggregates the streams of one token.
type TokenTotals struct {
	Token            Token    `json:"token"`
	Streams          int      `json:"streams"`
	Balance          *big.Int `json:"balance"`
	Withdrawable     *big.Int `json:"withdrawable"`
	Refundable       *big.Int `json:"refundable"`
	MonthlyOutflow   *big.Int `json:"monthlyOutflow"`
	AggregateBalance *big.Int `json:"aggregateBalance,omitempty"`
	BalanceDisplay   string   `json:"balanceDisplay"`
	OutflowDisplay   string   `json:"monthlyOutflowDisplay"`
}

// Stats summarises every stream an account pays into.
type Stats struct {
	Account common.Address `json:"account"`
	Total   int            `json:"total"`
	Active  int            `json:"active"`
	Paused  int            `json:"paused"`
	Voided  int            `json:"voided"`
	Tokens  []TokenTotals  `json:"tokens"`
	Streams []Details      `json:"streams,omitempty"`
}

// RefreshMany refreshes ids concurrently, preserving order.
func (s *Service) RefreshMany(ctx context.Context, ids []*big.Int) ([]Details, error) {
	out := make([]Details, len(ids))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentRefreshes)
	for i, id := range ids {
		i, id := i, id
		group.Go(func() error {
			details, err := s.Refresh(gctx, id)
			if err != nil {
				return err
			}
			out[i] = details
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats refreshes the streams sender created and aggregates them per token.
// Monthly outflow counts only streams that are currently accruing.
func (s *Service) Stats(ctx context.Context, sender common.Address, fromBlock uint64) (Stats, error) {
	ids, err := s.StreamsOf(ctx, sender, ledger.RoleSender, fromBlock)
	if err != nil {
		return Stats{}, err
	}
	details, err := s.RefreshMany(ctx, ids)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Account: sender, Total: len(details), Streams: details}
	byToken := make(map[common.Address]*TokenTotals)
	for _, d := range details {
		switch d.View.Status {
		case flow.StatusVoided:
			stats.Voided++
		case flow.StatusPaused:
			stats.Paused++
		default:
			stats.Active++
		}
		totals, ok := byToken[d.Record.Token]
		if !ok {
			totals = &TokenTotals{
				Token:          d.Token,
				Balance:        new(big.Int),
				Withdrawable:   new(big.Int),
				Refundable:     new(big.Int),
				MonthlyOutflow: new(big.Int),
			}
			byToken[d.Record.Token] = totals
		}
		totals.Streams++
		addTo(totals.Balance, d.Record.Balance)
		addTo(totals.Withdrawable, d.View.Withdrawable)
		addTo(totals.Refundable, d.View.Refundable)
		if d.View.Status == flow.StatusActive {
			addTo(totals.MonthlyOutflow, flow.MonthlyRate(d.View.RatePerSecond))
		}
	}

	tokens := make([]common.Address, 0, len(byToken))
	for addr := range byToken {
		tokens = append(tokens, addr)
	}
	sort.Slice(tokens, func(i, j int) bool { return bytes.Compare(tokens[i][:], tokens[j][:]) < 0 })

	for _, addr := range tokens {
		totals := byToken[addr]
		aggregate, err := s.ledger.AggregateBalance(ctx, addr)
		if err != nil {
			return Stats{}, fmt.Errorf("streams: aggregate balance %s: %w", addr.Hex(), err)
		}
		totals.AggregateBalance = aggregate
		decimals := totals.Token.Decimals
		totals.BalanceDisplay = flow.FormatAmount(totals.Balance, decimals, flow.DefaultMaxPrecision)
		totals.OutflowDisplay = flow.FormatAmount(totals.MonthlyOutflow, decimals, flow.DefaultMaxPrecision)
		stats.Tokens = append(stats.Tokens, *totals)
	}
	return stats, nil
}

func addTo(sum, v *big.Int) {
	if v != nil && v.Sign() > 0 {
		sum.Add(sum, v)
	}
}
