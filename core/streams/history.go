package streams

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"salaryflow/core/events"
	"salaryflow/ledger"
)

// History returns the lifecycle events touching account, newest first.
func (s *Service) History(ctx context.Context, filter ledger.EventFilter) ([]events.Record, error) {
	records, err := s.ledger.StreamEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("streams: history: %w", err)
	}
	events.SortNewestFirst(records)
	return records, nil
}

// StreamsOf lists the ids of streams created with account in the given role,
// ascending. RoleAny matches either side.
func (s *Service) StreamsOf(ctx context.Context, account common.Address, role ledger.Role, fromBlock uint64) ([]*big.Int, error) {
	records, err := s.ledger.StreamEvents(ctx, ledger.EventFilter{Account: account, Role: role, FromBlock: fromBlock})
	if err != nil {
		return nil, fmt.Errorf("streams: list streams of %s: %w", account.Hex(), err)
	}
	seen := make(map[string]struct{})
	ids := make([]*big.Int, 0)
	for _, rec := range records {
		created, ok := rec.Event.(events.StreamCreated)
		if !ok || !matchesRole(created, account, role) {
			continue
		}
		id := created.Stream()
		key := id.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids, nil
}

func matchesRole(created events.StreamCreated, account common.Address, role ledger.Role) bool {
	switch role {
	case ledger.RoleSender:
		return created.Sender == account
	case ledger.RoleRecipient:
		return created.Recipient == account
	default:
		return created.Sender == account || created.Recipient == account
	}
}
