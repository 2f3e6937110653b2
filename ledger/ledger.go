// Package ledger defines the read, write, and event interfaces of the
// authoritative stream ledger. Implementations live in subpackages.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"salaryflow/core/events"
)

// ErrStreamNotFound is returned when the ledger has no record for an id.
var ErrStreamNotFound = errors.New("ledger: stream not found")

// Status mirrors the ledger's own stream status enum.
type Status uint8

const (
	StatusStreamingSolvent Status = iota
	StatusStreamingInsolvent
	StatusPausedSolvent
	StatusPausedInsolvent
	StatusVoided
)

func (s Status) String() string {
	switch s {
	case StatusStreamingSolvent:
		return "streaming_solvent"
	case StatusStreamingInsolvent:
		return "streaming_insolvent"
	case StatusPausedSolvent:
		return "paused_solvent"
	case StatusPausedInsolvent:
		return "paused_insolvent"
	case StatusVoided:
		return "voided"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StreamRecord is the raw stream struct as stored by the ledger. IsPaused is
// not part of the stored struct and is filled from a separate read.
type StreamRecord struct {
	ID                 *big.Int       `json:"id"`
	Sender             common.Address `json:"sender"`
	Recipient          common.Address `json:"recipient"`
	Token              common.Address `json:"token"`
	TokenDecimals      uint8          `json:"tokenDecimals"`
	RatePerSecond      *big.Int       `json:"ratePerSecond"`
	Balance            *big.Int       `json:"balance"`
	SnapshotTime       uint64         `json:"snapshotTime"`
	SnapshotDebtScaled *big.Int       `json:"snapshotDebtScaled"`
	IsStream           bool           `json:"isStream"`
	IsPaused           bool           `json:"isPaused"`
	IsVoided           bool           `json:"isVoided"`
	IsTransferable     bool           `json:"isTransferable"`
}

// CreateParams describes a new stream.
type CreateParams struct {
	Sender        common.Address
	Recipient     common.Address
	RatePerSecond *big.Int
	Token         common.Address
	Transferable  bool
}

// Broker receives a fee carved out of a brokered deposit.
type Broker struct {
	Account common.Address
	Fee     *big.Int
}

// Receipt is the confirmation of a mined transaction.
type Receipt struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	GasUsed     uint64      `json:"gasUsed"`
	Success     bool        `json:"success"`
}

// Role selects which side of a stream an account filter matches.
type Role string

const (
	RoleAny       Role = ""
	RoleSender    Role = "sender"
	RoleRecipient Role = "recipient"
)

// EventFilter narrows a lifecycle event query. Zero values mean unbounded.
type EventFilter struct {
	Account   common.Address
	Role      Role
	StreamID  *big.Int
	FromBlock uint64
	ToBlock   uint64
}

// Reader exposes the ledger's stream reads.
type Reader interface {
	GetStream(ctx context.Context, id *big.Int) (StreamRecord, error)
	Balance(ctx context.Context, id *big.Int) (*big.Int, error)
	WithdrawableAmount(ctx context.Context, id *big.Int) (*big.Int, error)
	RefundableAmount(ctx context.Context, id *big.Int) (*big.Int, error)
	DepletionTime(ctx context.Context, id *big.Int) (uint64, error)
	Status(ctx context.Context, id *big.Int) (Status, error)
	IsPaused(ctx context.Context, id *big.Int) (bool, error)
	IsVoided(ctx context.Context, id *big.Int) (bool, error)
	Sender(ctx context.Context, id *big.Int) (common.Address, error)
	Recipient(ctx context.Context, id *big.Int) (common.Address, error)
	RatePerSecond(ctx context.Context, id *big.Int) (*big.Int, error)
	Token(ctx context.Context, id *big.Int) (common.Address, error)
	TokenDecimals(ctx context.Context, id *big.Int) (uint8, error)
	NextStreamID(ctx context.Context) (*big.Int, error)
	AggregateBalance(ctx context.Context, token common.Address) (*big.Int, error)
}

// TokenReader exposes the fungible token reads.
type TokenReader interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	Symbol(ctx context.Context, token common.Address) (string, error)
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Writer submits mutating calls. Each method returns once the network has
// accepted the transaction.
type Writer interface {
	Create(ctx context.Context, params CreateParams) (common.Hash, error)
	CreateAndDeposit(ctx context.Context, params CreateParams, amount *big.Int) (common.Hash, error)
	Deposit(ctx context.Context, id, amount *big.Int, sender, recipient common.Address) (common.Hash, error)
	DepositViaBroker(ctx context.Context, id, amount *big.Int, sender, recipient common.Address, broker Broker) (common.Hash, error)
	Withdraw(ctx context.Context, id *big.Int, to common.Address, amount *big.Int) (common.Hash, error)
	WithdrawMax(ctx context.Context, id *big.Int, to common.Address) (common.Hash, error)
	Pause(ctx context.Context, id *big.Int) (common.Hash, error)
	Restart(ctx context.Context, id, ratePerSecond *big.Int) (common.Hash, error)
	AdjustRatePerSecond(ctx context.Context, id, ratePerSecond *big.Int) (common.Hash, error)
	Refund(ctx context.Context, id, amount *big.Int) (common.Hash, error)
	RefundMax(ctx context.Context, id *big.Int) (common.Hash, error)
	RefundAndPause(ctx context.Context, id, amount *big.Int) (common.Hash, error)
	Void(ctx context.Context, id *big.Int) (common.Hash, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
}

// Confirmer waits for a submitted transaction to be mined.
type Confirmer interface {
	WaitMined(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// EventSource queries historical lifecycle events.
type EventSource interface {
	StreamEvents(ctx context.Context, filter EventFilter) ([]events.Record, error)
}

// Ledger is the full interface consumed by the stream services.
type Ledger interface {
	Reader
	TokenReader
	Writer
	Confirmer
	EventSource
	// Account is the address transactions are signed from.
	Account() common.Address
	// Contract is the flow contract address, the spender for deposits.
	Contract() common.Address
}
