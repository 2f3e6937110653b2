package events

import (
	"encoding/json"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"salaryflow/core/types"
)

// Event represents a stream lifecycle change recorded by the ledger.
type Event interface {
	EventType() string
}

// StreamEvent is an Event scoped to a single stream.
type StreamEvent interface {
	Event
	Stream() *big.Int
	// Parties lists every account the event concerns, for account filters.
	Parties() []common.Address
	Event() *types.Event
}

// Record pairs an event with its position on the ledger.
type Record struct {
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
	Event       StreamEvent
}

// Involves reports whether account appears among the event's parties.
func (r Record) Involves(account common.Address) bool {
	if r.Event == nil {
		return false
	}
	for _, party := range r.Event.Parties() {
		if party == account {
			return true
		}
	}
	return false
}

// MarshalJSON flattens the record into the attribute form used by APIs.
func (r Record) MarshalJSON() ([]byte, error) {
	payload := struct {
		Type        string            `json:"type"`
		TxHash      string            `json:"txHash"`
		BlockNumber uint64            `json:"blockNumber"`
		LogIndex    uint              `json:"logIndex"`
		Attributes  map[string]string `json:"attributes"`
	}{
		TxHash:      r.TxHash.Hex(),
		BlockNumber: r.BlockNumber,
		LogIndex:    r.LogIndex,
	}
	if r.Event != nil {
		evt := r.Event.Event()
		payload.Type = evt.Type
		payload.Attributes = evt.Attributes
	}
	return json.Marshal(payload)
}

// SortNewestFirst orders records by block then log index, newest first.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].BlockNumber != records[j].BlockNumber {
			return records[i].BlockNumber > records[j].BlockNumber
		}
		return records[i].LogIndex > records[j].LogIndex
	})
}
