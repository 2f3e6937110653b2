package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"salaryflow/core/types"
)

const (
	TypeStreamCreated      = "stream.created"
	TypeStreamDeposited    = "stream.deposited"
	TypeStreamRateAdjusted = "stream.rate_adjusted"
	TypeStreamPaused       = "stream.paused"
	TypeStreamRestarted    = "stream.restarted"
	TypeStreamRefunded     = "stream.refunded"
	TypeStreamVoided       = "stream.voided"
	TypeStreamWithdrawn    = "stream.withdrawn"
)

// StreamCreated is emitted when a sender opens a stream.
type StreamCreated struct {
	StreamID      *big.Int
	Sender        common.Address
	Recipient     common.Address
	RatePerSecond *big.Int
	Token         common.Address
	Transferable  bool
}

func (StreamCreated) EventType() string { return TypeStreamCreated }
func (e StreamCreated) Stream() *big.Int { return streamOrZero(e.StreamID) }
func (e StreamCreated) Parties() []common.Address { return []common.Address{e.Sender, e.Recipient} }

func (e StreamCreated) Event() *types.Event {
	return &types.Event{Type: TypeStreamCreated, Attributes: map[string]string{
		"streamId":      formatAmount(e.StreamID),
		"sender":        formatAddress(e.Sender),
		"recipient":     formatAddress(e.Recipient),
		"ratePerSecond": formatAmount(e.RatePerSecond),
		"token":         formatAddress(e.Token),
		"transferable":  formatBool(e.Transferable),
	}}
}

// StreamDeposited records funds added to a stream.
type StreamDeposited struct {
	StreamID *big.Int
	Funder   common.Address
	Amount   *big.Int
}

func (StreamDeposited) EventType() string { return TypeStreamDeposited }
func (e StreamDeposited) Stream() *big.Int { return streamOrZero(e.StreamID) }
func (e StreamDeposited) Parties() []common.Address { return []common.Address{e.Funder} }

func (e StreamDeposited) Event() *types.Event {
	return &types.Event{Type: TypeStreamDeposited, Attributes: map[string]string{
		"streamId": formatAmount(e.StreamID),
		"funder":   formatAddress(e.Funder),
		"amount":   formatAmount(e.Amount),
	}}
}

// StreamRateAdjusted records a rate change and the debt settled at that time.
type StreamRateAdjusted struct {
	StreamID  *big.Int
	TotalDebt *big.Int
	OldRate   *big.Int
	NewRate   *big.Int
}

func (StreamRateAdjusted) EventType() string { return TypeStreamRateAdjusted }
func (e StreamRateAdjusted) Stream() *big.Int { return streamOrZero(e.StreamID) }
func (StreamRateAdjusted) Parties() []common.Address { return nil }

func (e StreamRateAdjusted) Event() *types.Event {
	return &types.Event{Type: TypeStreamRateAdjusted, Attributes: map[string]string{
		"streamId":         formatAmount(e.StreamID),
		"totalDebt":        formatAmount(e.TotalDebt),
		"oldRatePerSecond": formatAmount(e.OldRate),
		"newRatePerSecond": formatAmount(e.NewRate),
	}}
}

// StreamPaused records a pause.
type StreamPaused struct {
	StreamID  *big.Int
	Sender    common.Address
	Recipient common.Address
	TotalDebt *big.Int
}

func (StreamPaused) EventType() string { return TypeStreamPaused }
func (e StreamPaused) Stream() *big.Int { return streamOrZero(e.StreamID) }
func (e StreamPaused) Parties() []common.Address { return []common.Address{e.Sender, e.Recipient} }

func (e StreamPaused) Event() *types.Event {
	return &types.Event{Type: TypeStreamPaused, Attributes: map[string]string{
		"streamId":  formatAmount(e.StreamID),
		"sender":    formatAddress(e.Sender),
		"recipient": formatAddress(e.Recipient),
		"totalDebt": formatAmount(e.TotalDebt),
	}}
}

// StreamRestarted records a paused stream resuming at a new rate.
type StreamRestarted struct {
	StreamID      *big.Int
	Sender        common.Address
	RatePerSecond *big.Int
}

func (StreamRestarted) EventType() string { return TypeStreamRestarted }
func (e StreamRestarted) Stream() *big.Int { return streamOrZero(e.StreamID) }
func (e StreamRestarted) Parties() []common.Address { return []common.Address{e.Sender} }

func (e StreamRestarted) Event() *types.Event {
	return &types.Event{Type: TypeStreamRestarted, Attributes: map[string]string{
		"streamId":      formatAmount(e.StreamID),
		"sender":        formatAddress(e.Sender),
		"ratePerSecond": formatAmount(e.RatePerSecond),
	}}
}

// StreamRefunded records unearned funds returned to the sender.
type StreamRefunded struct {
	StreamID *big.Int
	Sender   common.Address
	Amount   *big.Int
}

func (StreamRefunded) EventType() string { return TypeStreamRefunded }
func (e StreamRefunded) Stream() *big.Int { return streamOrZero(e.StreamID) }
func (e StreamRefunded) Parties() []common.Address { return []common.Address{e.Sender} }

func (e StreamRefunded) Event() *types.Event {
	return &types.Event{Type: TypeStreamRefunded, Attributes: map[string]string{
		"streamId": formatAmount(e.StreamID),
		"sender":   formatAddress(e.Sender),
		"amount":   formatAmount(e.Amount),
	}}
}

// StreamVoided records a stream being terminated and its uncovered debt
// written off.
type StreamVoided struct {
	StreamID       *big.Int
	Sender         common.Address
	Recipient      common.Address
	Caller         common.Address
	NewTotalDebt   *big.Int
	WrittenOffDebt *big.Int
}

func (StreamVoided) EventType() string { return TypeStreamVoided }
func (e StreamVoided) Stream() *big.Int { return streamOrZero(e.StreamID) }
func (e StreamVoided) Parties() []common.Address {
	return []common.Address{e.Sender, e.Recipient, e.Caller}
}

func (e StreamVoided) Event() *types.Event {
	return &types.Event{Type: TypeStreamVoided, Attributes: map[string]string{
		"streamId":       formatAmount(e.StreamID),
		"sender":         formatAddress(e.Sender),
		"recipient":      formatAddress(e.Recipient),
		"caller":         formatAddress(e.Caller),
		"newTotalDebt":   formatAmount(e.NewTotalDebt),
		"writtenOffDebt": formatAmount(e.WrittenOffDebt),
	}}
}

// StreamWithdrawn records a withdrawal and the protocol fee deducted from it.
type StreamWithdrawn struct {
	StreamID    *big.Int
	To          common.Address
	Token       common.Address
	Caller      common.Address
	Amount      *big.Int
	ProtocolFee *big.Int
}

func (StreamWithdrawn) EventType() string { return TypeStreamWithdrawn }
func (e StreamWithdrawn) Stream() *big.Int { return streamOrZero(e.StreamID) }
func (e StreamWithdrawn) Parties() []common.Address { return []common.Address{e.To, e.Caller} }

func (e StreamWithdrawn) Event() *types.Event {
	return &types.Event{Type: TypeStreamWithdrawn, Attributes: map[string]string{
		"streamId":    formatAmount(e.StreamID),
		"to":          formatAddress(e.To),
		"token":       formatAddress(e.Token),
		"caller":      formatAddress(e.Caller),
		"amount":      formatAmount(e.Amount),
		"protocolFee": formatAmount(e.ProtocolFee),
	}}
}
