package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"salaryflow/core/events"
	"salaryflow/ledger"
)

// parties is the sender and recipient of one stream.
type parties struct {
	sender, recipient common.Address
}

// StreamEvents fetches the contract's lifecycle logs in the block range and
// filters them by stream and account. Parties of streams created before the
// range are resolved with per-stream reads.
func (c *Client) StreamEvents(ctx context.Context, filter ledger.EventFilter) ([]events.Record, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.cfg.Contract},
		Topics:    [][]common.Hash{lifecycleTopics()},
	}
	from := filter.FromBlock
	if from == 0 {
		from = c.cfg.FromBlock
	}
	query.FromBlock = new(big.Int).SetUint64(from)
	if filter.ToBlock > 0 {
		query.ToBlock = new(big.Int).SetUint64(filter.ToBlock)
	}

	var logs []gethtypes.Log
	err := c.observe(ctx, "getLogs", func(ctx context.Context) error {
		var err error
		logs, err = c.backend.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("evm: filter logs: %w", err)
	}

	records := make([]events.Record, 0, len(logs))
	known := make(map[string]parties)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		evt, err := DecodeLog(lg)
		if err != nil {
			c.logger.Warn("skipping undecodable log", "txHash", lg.TxHash.Hex(), "index", lg.Index, "error", err)
			continue
		}
		if evt == nil {
			continue
		}
		if created, ok := evt.(events.StreamCreated); ok {
			known[created.Stream().String()] = parties{sender: created.Sender, recipient: created.Recipient}
		}
		records = append(records, events.Record{TxHash: lg.TxHash, BlockNumber: lg.BlockNumber, LogIndex: lg.Index, Event: evt})
	}

	out := records[:0]
	for _, rec := range records {
		if filter.StreamID != nil && rec.Event.Stream().Cmp(filter.StreamID) != 0 {
			continue
		}
		if filter.Account != (common.Address{}) {
			match, err := c.matches(ctx, rec, filter.Account, filter.Role, known)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Client) matches(ctx context.Context, rec events.Record, account common.Address, role ledger.Role, known map[string]parties) (bool, error) {
	if role == ledger.RoleAny && rec.Involves(account) {
		return true, nil
	}
	key := rec.Event.Stream().String()
	p, ok := known[key]
	if !ok {
		id := rec.Event.Stream()
		sender, err := c.Sender(ctx, id)
		if err != nil {
			return false, fmt.Errorf("evm: resolve sender of %s: %w", id, err)
		}
		recipient, err := c.Recipient(ctx, id)
		if err != nil {
			return false, fmt.Errorf("evm: resolve recipient of %s: %w", id, err)
		}
		p = parties{sender: sender, recipient: recipient}
		known[key] = p
	}
	switch role {
	case ledger.RoleSender:
		return p.sender == account, nil
	case ledger.RoleRecipient:
		return p.recipient == account, nil
	default:
		return p.sender == account || p.recipient == account, nil
	}
}

func lifecycleTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(flowABI.Events))
	for _, ev := range flowABI.Events {
		topics = append(topics, ev.ID)
	}
	return topics
}

// DecodeLog turns a flow contract log into a lifecycle event. Logs of other
// events yield a nil event and no error.
func DecodeLog(lg gethtypes.Log) (events.StreamEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}
	ev, err := flowABI.EventByID(lg.Topics[0])
	if err != nil {
		return nil, nil
	}
	fields := make(map[string]interface{})
	if err := ev.Inputs.UnpackIntoMap(fields, lg.Data); err != nil {
		return nil, fmt.Errorf("unpack %s data: %w", ev.Name, err)
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse %s topics: %w", ev.Name, err)
	}

	f := fieldMap(fields)
	switch ev.Name {
	case "CreateFlowStream":
		return events.StreamCreated{
			StreamID:      f.big("streamId"),
			Sender:        f.address("sender"),
			Recipient:     f.address("recipient"),
			RatePerSecond: f.big("ratePerSecond"),
			Token:         f.address("token"),
			Transferable:  f.bool("transferable"),
		}, nil
	case "DepositFlowStream":
		return events.StreamDeposited{StreamID: f.big("streamId"), Funder: f.address("funder"), Amount: f.big("amount")}, nil
	case "AdjustFlowStream":
		return events.StreamRateAdjusted{
			StreamID:  f.big("streamId"),
			TotalDebt: f.big("totalDebt"),
			OldRate:   f.big("oldRatePerSecond"),
			NewRate:   f.big("newRatePerSecond"),
		}, nil
	case "PauseFlowStream":
		return events.StreamPaused{
			StreamID:  f.big("streamId"),
			Sender:    f.address("sender"),
			Recipient: f.address("recipient"),
			TotalDebt: f.big("totalDebt"),
		}, nil
	case "RestartFlowStream":
		return events.StreamRestarted{StreamID: f.big("streamId"), Sender: f.address("sender"), RatePerSecond: f.big("ratePerSecond")}, nil
	case "RefundFromFlowStream":
		return events.StreamRefunded{StreamID: f.big("streamId"), Sender: f.address("sender"), Amount: f.big("amount")}, nil
	case "VoidFlowStream":
		return events.StreamVoided{
			StreamID:       f.big("streamId"),
			Sender:         f.address("sender"),
			Recipient:      f.address("recipient"),
			Caller:         f.address("caller"),
			NewTotalDebt:   f.big("newTotalDebt"),
			WrittenOffDebt: f.big("writtenOffDebt"),
		}, nil
	case "WithdrawFromFlowStream":
		return events.StreamWithdrawn{
			StreamID:    f.big("streamId"),
			To:          f.address("to"),
			Token:       f.address("token"),
			Caller:      f.address("caller"),
			Amount:      f.big("withdrawAmount"),
			ProtocolFee: f.big("protocolFeeAmount"),
		}, nil
	default:
		return nil, nil
	}
}

type fieldMap map[string]interface{}

func (f fieldMap) big(name string) *big.Int {
	v, _ := f[name].(*big.Int)
	return bigOrZero(v)
}

func (f fieldMap) address(name string) common.Address {
	v, _ := f[name].(common.Address)
	return v
}

func (f fieldMap) bool(name string) bool {
	v, _ := f[name].(bool)
	return v
}
