// Package mock provides an in-memory ledger for tests.
package mock

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	flowerrors "salaryflow/core/errors"
	"salaryflow/core/events"
	"salaryflow/ledger"
)

// Method names used for call counting, failure injection, and blocking.
const (
	MethodCreate           = "create"
	MethodCreateAndDeposit = "createAndDeposit"
	MethodDeposit          = "deposit"
	MethodDepositViaBroker = "depositViaBroker"
	MethodWithdraw         = "withdraw"
	MethodWithdrawMax      = "withdrawMax"
	MethodPause            = "pause"
	MethodRestart          = "restart"
	MethodAdjustRate       = "adjustRatePerSecond"
	MethodRefund           = "refund"
	MethodRefundMax        = "refundMax"
	MethodRefundAndPause   = "refundAndPause"
	MethodVoid             = "void"
	MethodApprove          = "approve"
	MethodWaitMined        = "waitMined"
	MethodGetStream        = "getStream"
	MethodAllowance        = "allowance"
)

// Stream is the mutable state the mock keeps per stream. Withdrawable and
// Refundable are set explicitly rather than derived.
type Stream struct {
	Record       ledger.StreamRecord
	Withdrawable *big.Int
	Refundable   *big.Int
	Depletion    uint64
}

// Token holds balances and allowances for one fungible token.
type Token struct {
	Symbol     string
	Decimals   uint8
	Balances   map[common.Address]*big.Int
	Allowances map[common.Address]map[common.Address]*big.Int
}

// Ledger implements ledger.Ledger in memory.
type Ledger struct {
	mu       sync.Mutex
	account  common.Address
	contract common.Address
	now      func() time.Time

	nextID   int64
	block    uint64
	txCount  uint64
	streams  map[string]*Stream
	tokens   map[common.Address]*Token
	receipts map[common.Hash]*ledger.Receipt
	records  []events.Record

	calls    map[string]int
	failures map[string]error
	gates    map[string]chan struct{}
	entered  map[string]chan struct{}
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates an empty mock ledger signing as account against contract.
func New(account, contract common.Address) *Ledger {
	return &Ledger{
		account:  account,
		contract: contract,
		now:      time.Now,
		nextID:   1,
		block:    100,
		streams:  make(map[string]*Stream),
		tokens:   make(map[common.Address]*Token),
		receipts: make(map[common.Hash]*ledger.Receipt),
		calls:    make(map[string]int),
		failures: make(map[string]error),
		gates:    make(map[string]chan struct{}),
		entered:  make(map[string]chan struct{}),
	}
}

// SetClock overrides the time source used for snapshots.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.now = now
	}
}

// AddToken registers a token and credits the signer account with balance.
func (l *Ledger) AddToken(addr common.Address, symbol string, decimals uint8, balance *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tok := &Token{
		Symbol:     symbol,
		Decimals:   decimals,
		Balances:   make(map[common.Address]*big.Int),
		Allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
	if balance != nil {
		tok.Balances[l.account] = new(big.Int).Set(balance)
	}
	l.tokens[addr] = tok
}

// PutStream stores a stream directly, bypassing create.
func (l *Ledger) PutStream(s Stream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := s.Record.ID
	if id == nil {
		id = big.NewInt(l.nextID)
		l.nextID++
	} else if id.IsInt64() && id.Int64() >= l.nextID {
		l.nextID = id.Int64() + 1
	}
	s.Record.ID = new(big.Int).Set(id)
	s.Record.IsStream = true
	if s.Record.Balance == nil {
		s.Record.Balance = new(big.Int)
	}
	if s.Record.RatePerSecond == nil {
		s.Record.RatePerSecond = new(big.Int)
	}
	if s.Record.SnapshotDebtScaled == nil {
		s.Record.SnapshotDebtScaled = new(big.Int)
	}
	if s.Withdrawable == nil {
		s.Withdrawable = new(big.Int)
	}
	if s.Refundable == nil {
		s.Refundable = new(big.Int).Sub(s.Record.Balance, s.Withdrawable)
	}
	copied := Stream{
		Record:       cloneRecord(s.Record),
		Withdrawable: new(big.Int).Set(s.Withdrawable),
		Refundable:   new(big.Int).Set(s.Refundable),
		Depletion:    s.Depletion,
	}
	l.streams[id.String()] = &copied
}

// Stream returns a copy of the stored stream state.
func (l *Ledger) Stream(id *big.Int) (Stream, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[id.String()]
	if !ok {
		return Stream{}, false
	}
	return Stream{
		Record:       cloneRecord(s.Record),
		Withdrawable: new(big.Int).Set(s.Withdrawable),
		Refundable:   new(big.Int).Set(s.Refundable),
		Depletion:    s.Depletion,
	}, true
}

// AddRecord appends a historical event.
func (l *Ledger) AddRecord(rec events.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

// Calls reports how many times method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// FailNext makes the next call to method return err.
func (l *Ledger) FailNext(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[method] = err
}

// Block holds calls to method until the returned release function runs. The
// returned entered channel is closed once a call is waiting.
func (l *Ledger) Block(method string) (entered <-chan struct{}, release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gate := make(chan struct{})
	enter := make(chan struct{})
	l.gates[method] = gate
	l.entered[method] = enter
	var once sync.Once
	return enter, func() { once.Do(func() { close(gate) }) }
}

// enter records a call, waits on any gate, and returns an injected failure.
func (l *Ledger) enter(ctx context.Context, method string) error {
	l.mu.Lock()
	l.calls[method]++
	gate := l.gates[method]
	enter := l.entered[method]
	delete(l.gates, method)
	delete(l.entered, method)
	err := l.failures[method]
	delete(l.failures, method)
	l.mu.Unlock()

	if gate != nil {
		close(enter)
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (l *Ledger) Account() common.Address  { return l.account }
func (l *Ledger) Contract() common.Address { return l.contract }

func (l *Ledger) streamLocked(id *big.Int) (*Stream, error) {
	if id == nil {
		return nil, ledger.ErrStreamNotFound
	}
	s, ok := l.streams[id.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrStreamNotFound, id)
	}
	return s, nil
}

func (l *Ledger) read(ctx context.Context, method string, id *big.Int) (*Stream, error) {
	if err := l.enter(ctx, method); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.streamLocked(id)
	if err != nil {
		return nil, err
	}
	return &Stream{
		Record:       cloneRecord(s.Record),
		Withdrawable: new(big.Int).Set(s.Withdrawable),
		Refundable:   new(big.Int).Set(s.Refundable),
		Depletion:    s.Depletion,
	}, nil
}

func (l *Ledger) GetStream(ctx context.Context, id *big.Int) (ledger.StreamRecord, error) {
	s, err := l.read(ctx, MethodGetStream, id)
	if err != nil {
		return ledger.StreamRecord{}, err
	}
	return cloneRecord(s.Record), nil
}

func (l *Ledger) Balance(ctx context.Context, id *big.Int) (*big.Int, error) {
	s, err := l.read(ctx, "getBalance", id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(s.Record.Balance), nil
}

func (l *Ledger) WithdrawableAmount(ctx context.Context, id *big.Int) (*big.Int, error) {
	s, err := l.read(ctx, "withdrawableAmountOf", id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(s.Withdrawable), nil
}

func (l *Ledger) RefundableAmount(ctx context.Context, id *big.Int) (*big.Int, error) {
	s, err := l.read(ctx, "refundableAmountOf", id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(s.Refundable), nil
}

func (l *Ledger) DepletionTime(ctx context.Context, id *big.Int) (uint64, error) {
	s, err := l.read(ctx, "depletionTimeOf", id)
	if err != nil {
		return 0, err
	}
	return s.Depletion, nil
}

func (l *Ledger) Status(ctx context.Context, id *big.Int) (ledger.Status, error) {
	s, err := l.read(ctx, "statusOf", id)
	if err != nil {
		return 0, err
	}
	insolvent := s.Record.Balance.Sign() == 0
	switch {
	case s.Record.IsVoided:
		return ledger.StatusVoided, nil
	case s.Record.IsPaused && insolvent:
		return ledger.StatusPausedInsolvent, nil
	case s.Record.IsPaused:
		return ledger.StatusPausedSolvent, nil
	case insolvent:
		return ledger.StatusStreamingInsolvent, nil
	default:
		return ledger.StatusStreamingSolvent, nil
	}
}

func (l *Ledger) IsPaused(ctx context.Context, id *big.Int) (bool, error) {
	s, err := l.read(ctx, "isPaused", id)
	if err != nil {
		return false, err
	}
	return s.Record.IsPaused, nil
}

func (l *Ledger) IsVoided(ctx context.Context, id *big.Int) (bool, error) {
	s, err := l.read(ctx, "isVoided", id)
	if err != nil {
		return false, err
	}
	return s.Record.IsVoided, nil
}

func (l *Ledger) Sender(ctx context.Context, id *big.Int) (common.Address, error) {
	s, err := l.read(ctx, "getSender", id)
	if err != nil {
		return common.Address{}, err
	}
	return s.Record.Sender, nil
}

func (l *Ledger) Recipient(ctx context.Context, id *big.Int) (common.Address, error) {
	s, err := l.read(ctx, "getRecipient", id)
	if err != nil {
		return common.Address{}, err
	}
	return s.Record.Recipient, nil
}

func (l *Ledger) RatePerSecond(ctx context.Context, id *big.Int) (*big.Int, error) {
	s, err := l.read(ctx, "getRatePerSecond", id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(s.Record.RatePerSecond), nil
}

func (l *Ledger) Token(ctx context.Context, id *big.Int) (common.Address, error) {
	s, err := l.read(ctx, "getToken", id)
	if err != nil {
		return common.Address{}, err
	}
	return s.Record.Token, nil
}

func (l *Ledger) TokenDecimals(ctx context.Context, id *big.Int) (uint8, error) {
	s, err := l.read(ctx, "getTokenDecimals", id)
	if err != nil {
		return 0, err
	}
	return s.Record.TokenDecimals, nil
}

func (l *Ledger) NextStreamID(ctx context.Context) (*big.Int, error) {
	if err := l.enter(ctx, "nextStreamId"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return big.NewInt(l.nextID), nil
}

func (l *Ledger) AggregateBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	if err := l.enter(ctx, "aggregateBalance"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	total := new(big.Int)
	for _, s := range l.streams {
		if s.Record.Token == token {
			total.Add(total, s.Record.Balance)
		}
	}
	return total, nil
}

func (l *Ledger) tokenLocked(addr common.Address) (*Token, error) {
	tok, ok := l.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("mock: unknown token %s", addr.Hex())
	}
	return tok, nil
}

func (l *Ledger) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	if err := l.enter(ctx, "decimals"); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tok, err := l.tokenLocked(token)
	if err != nil {
		return 0, err
	}
	return tok.Decimals, nil
}

func (l *Ledger) Symbol(ctx context.Context, token common.Address) (string, error) {
	if err := l.enter(ctx, "symbol"); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tok, err := l.tokenLocked(token)
	if err != nil {
		return "", err
	}
	return tok.Symbol, nil
}

func (l *Ledger) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if err := l.enter(ctx, "balanceOf"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tok, err := l.tokenLocked(token)
	if err != nil {
		return nil, err
	}
	return amountOrZero(tok.Balances[account]), nil
}

func (l *Ledger) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if err := l.enter(ctx, MethodAllowance); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tok, err := l.tokenLocked(token)
	if err != nil {
		return nil, err
	}
	return amountOrZero(tok.Allowances[owner][spender]), nil
}

// submit runs a mutating call: it counts, gates, applies the mutation, and
// records a successful receipt plus any events the mutation produced.
func (l *Ledger) submit(ctx context.Context, method string, apply func() ([]events.StreamEvent, error)) (common.Hash, error) {
	if err := l.enter(ctx, method); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	evts, err := apply()
	if err != nil {
		return common.Hash{}, err
	}
	l.txCount++
	l.block++
	hash := txHash(method, l.txCount)
	l.receipts[hash] = &ledger.Receipt{TxHash: hash, BlockNumber: l.block, GasUsed: 21_000, Success: true}
	for i, evt := range evts {
		l.records = append(l.records, events.Record{TxHash: hash, BlockNumber: l.block, LogIndex: uint(i), Event: evt})
	}
	return hash, nil
}

func (l *Ledger) WaitMined(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	if err := l.enter(ctx, MethodWaitMined); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	receipt, ok := l.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("mock: unknown transaction %s", hash.Hex())
	}
	copied := *receipt
	return &copied, nil
}

// MarkFailed flips the receipt of hash to a failed status.
func (l *Ledger) MarkFailed(hash common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if receipt, ok := l.receipts[hash]; ok {
		receipt.Success = false
	}
}

func (l *Ledger) Create(ctx context.Context, params ledger.CreateParams) (common.Hash, error) {
	return l.submit(ctx, MethodCreate, func() ([]events.StreamEvent, error) {
		created, err := l.createLocked(params)
		if err != nil {
			return nil, err
		}
		return []events.StreamEvent{created}, nil
	})
}

func (l *Ledger) CreateAndDeposit(ctx context.Context, params ledger.CreateParams, amount *big.Int) (common.Hash, error) {
	return l.submit(ctx, MethodCreateAndDeposit, func() ([]events.StreamEvent, error) {
		created, err := l.createLocked(params)
		if err != nil {
			return nil, err
		}
		if err := l.pullLocked(params.Token, amount); err != nil {
			delete(l.streams, created.StreamID.String())
			l.nextID--
			return nil, err
		}
		s := l.streams[created.StreamID.String()]
		s.Record.Balance.Add(s.Record.Balance, amount)
		s.Refundable.Add(s.Refundable, amount)
		return []events.StreamEvent{created, events.StreamDeposited{StreamID: created.StreamID, Funder: l.account, Amount: new(big.Int).Set(amount)}}, nil
	})
}

func (l *Ledger) createLocked(params ledger.CreateParams) (events.StreamCreated, error) {
	if params.Sender == (common.Address{}) {
		return events.StreamCreated{}, &flowerrors.RevertError{Reason: "MancerFlow_SenderZeroAddress"}
	}
	tok, err := l.tokenLocked(params.Token)
	if err != nil {
		return events.StreamCreated{}, err
	}
	id := big.NewInt(l.nextID)
	l.nextID++
	l.streams[id.String()] = &Stream{
		Record: ledger.StreamRecord{
			ID:                 new(big.Int).Set(id),
			Sender:             params.Sender,
			Recipient:          params.Recipient,
			Token:              params.Token,
			TokenDecimals:      tok.Decimals,
			RatePerSecond:      amountOrZero(params.RatePerSecond),
			Balance:            new(big.Int),
			SnapshotTime:       uint64(l.now().Unix()),
			SnapshotDebtScaled: new(big.Int),
			IsStream:           true,
			IsTransferable:     params.Transferable,
		},
		Withdrawable: new(big.Int),
		Refundable:   new(big.Int),
	}
	return events.StreamCreated{
		StreamID:      id,
		Sender:        params.Sender,
		Recipient:     params.Recipient,
		RatePerSecond: amountOrZero(params.RatePerSecond),
		Token:         params.Token,
		Transferable:  params.Transferable,
	}, nil
}

// pullLocked moves amount of token from the signer to the contract, spending
// allowance the way transferFrom does.
func (l *Ledger) pullLocked(token common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return &flowerrors.RevertError{Reason: "MancerFlow_DepositAmountZero"}
	}
	tok, err := l.tokenLocked(token)
	if err != nil {
		return err
	}
	allowance := amountOrZero(tok.Allowances[l.account][l.contract])
	if allowance.Cmp(amount) < 0 {
		return &flowerrors.RevertError{Reason: "ERC20InsufficientAllowance"}
	}
	balance := amountOrZero(tok.Balances[l.account])
	if balance.Cmp(amount) < 0 {
		return &flowerrors.RevertError{Reason: "ERC20InsufficientBalance"}
	}
	tok.Balances[l.account] = balance.Sub(balance, amount)
	tok.Allowances[l.account][l.contract] = allowance.Sub(allowance, amount)
	return nil
}

func (l *Ledger) Deposit(ctx context.Context, id, amount *big.Int, sender, recipient common.Address) (common.Hash, error) {
	return l.submit(ctx, MethodDeposit, func() ([]events.StreamEvent, error) {
		s, err := l.activeLocked(id)
		if err != nil {
			return nil, err
		}
		if s.Record.Sender != sender || s.Record.Recipient != recipient {
			return nil, &flowerrors.RevertError{Reason: "MancerFlow_NotStreamSender"}
		}
		if err := l.pullLocked(s.Record.Token, amount); err != nil {
			return nil, err
		}
		s.Record.Balance.Add(s.Record.Balance, amount)
		s.Refundable.Add(s.Refundable, amount)
		return []events.StreamEvent{events.StreamDeposited{StreamID: s.Record.ID, Funder: l.account, Amount: new(big.Int).Set(amount)}}, nil
	})
}

func (l *Ledger) DepositViaBroker(ctx context.Context, id, amount *big.Int, sender, recipient common.Address, broker ledger.Broker) (common.Hash, error) {
	return l.submit(ctx, MethodDepositViaBroker, func() ([]events.StreamEvent, error) {
		s, err := l.activeLocked(id)
		if err != nil {
			return nil, err
		}
		if err := l.pullLocked(s.Record.Token, amount); err != nil {
			return nil, err
		}
		net := new(big.Int).Sub(amount, amountOrZero(broker.Fee))
		if net.Sign() < 0 {
			net.SetInt64(0)
		}
		s.Record.Balance.Add(s.Record.Balance, net)
		s.Refundable.Add(s.Refundable, net)
		return []events.StreamEvent{events.StreamDeposited{StreamID: s.Record.ID, Funder: l.account, Amount: net}}, nil
	})
}

func (l *Ledger) Withdraw(ctx context.Context, id *big.Int, to common.Address, amount *big.Int) (common.Hash, error) {
	return l.submit(ctx, MethodWithdraw, func() ([]events.StreamEvent, error) {
		return l.withdrawLocked(id, to, amount)
	})
}

func (l *Ledger) WithdrawMax(ctx context.Context, id *big.Int, to common.Address) (common.Hash, error) {
	return l.submit(ctx, MethodWithdrawMax, func() ([]events.StreamEvent, error) {
		s, err := l.streamLocked(id)
		if err != nil {
			return nil, err
		}
		return l.withdrawLocked(id, to, new(big.Int).Set(s.Withdrawable))
	})
}

func (l *Ledger) withdrawLocked(id *big.Int, to common.Address, amount *big.Int) ([]events.StreamEvent, error) {
	s, err := l.streamLocked(id)
	if err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		return nil, &flowerrors.RevertError{Reason: "MancerFlow_WithdrawToZeroAddress"}
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, &flowerrors.RevertError{Reason: "MancerFlow_WithdrawAmountZero"}
	}
	if amount.Cmp(s.Withdrawable) > 0 {
		return nil, &flowerrors.RevertError{Reason: "MancerFlow_Overdraw"}
	}
	s.Withdrawable.Sub(s.Withdrawable, amount)
	s.Record.Balance.Sub(s.Record.Balance, amount)
	if tok, ok := l.tokens[s.Record.Token]; ok {
		tok.Balances[to] = new(big.Int).Add(amountOrZero(tok.Balances[to]), amount)
	}
	return []events.StreamEvent{events.StreamWithdrawn{
		StreamID:    s.Record.ID,
		To:          to,
		Token:       s.Record.Token,
		Caller:      l.account,
		Amount:      new(big.Int).Set(amount),
		ProtocolFee: new(big.Int),
	}}, nil
}

func (l *Ledger) Pause(ctx context.Context, id *big.Int) (common.Hash, error) {
	return l.submit(ctx, MethodPause, func() ([]events.StreamEvent, error) {
		s, err := l.activeLocked(id)
		if err != nil {
			return nil, err
		}
		if s.Record.IsPaused {
			return nil, &flowerrors.RevertError{Reason: "MancerFlow_StreamPaused"}
		}
		s.Record.IsPaused = true
		s.Record.RatePerSecond = new(big.Int)
		return []events.StreamEvent{events.StreamPaused{StreamID: s.Record.ID, Sender: s.Record.Sender, Recipient: s.Record.Recipient, TotalDebt: new(big.Int)}}, nil
	})
}

func (l *Ledger) Restart(ctx context.Context, id, ratePerSecond *big.Int) (common.Hash, error) {
	return l.submit(ctx, MethodRestart, func() ([]events.StreamEvent, error) {
		s, err := l.activeLocked(id)
		if err != nil {
			return nil, err
		}
		if !s.Record.IsPaused {
			return nil, &flowerrors.RevertError{Reason: "MancerFlow_StreamNotPaused"}
		}
		s.Record.IsPaused = false
		s.Record.RatePerSecond = amountOrZero(ratePerSecond)
		return []events.StreamEvent{events.StreamRestarted{StreamID: s.Record.ID, Sender: s.Record.Sender, RatePerSecond: amountOrZero(ratePerSecond)}}, nil
	})
}

func (l *Ledger) AdjustRatePerSecond(ctx context.Context, id, ratePerSecond *big.Int) (common.Hash, error) {
	return l.submit(ctx, MethodAdjustRate, func() ([]events.StreamEvent, error) {
		s, err := l.activeLocked(id)
		if err != nil {
			return nil, err
		}
		if s.Record.IsPaused {
			return nil, &flowerrors.RevertError{Reason: "MancerFlow_StreamPaused"}
		}
		if s.Record.RatePerSecond.Cmp(amountOrZero(ratePerSecond)) == 0 {
			return nil, &flowerrors.RevertError{Reason: "MancerFlow_RatePerSecondNotDifferent"}
		}
		old := s.Record.RatePerSecond
		s.Record.RatePerSecond = amountOrZero(ratePerSecond)
		return []events.StreamEvent{events.StreamRateAdjusted{StreamID: s.Record.ID, TotalDebt: new(big.Int), OldRate: old, NewRate: amountOrZero(ratePerSecond)}}, nil
	})
}

func (l *Ledger) Refund(ctx context.Context, id, amount *big.Int) (common.Hash, error) {
	return l.submit(ctx, MethodRefund, func() ([]events.StreamEvent, error) {
		return l.refundLocked(id, amount)
	})
}

func (l *Ledger) RefundMax(ctx context.Context, id *big.Int) (common.Hash, error) {
	return l.submit(ctx, MethodRefundMax, func() ([]events.StreamEvent, error) {
		s, err := l.streamLocked(id)
		if err != nil {
			return nil, err
		}
		return l.refundLocked(id, new(big.Int).Set(s.Refundable))
	})
}

func (l *Ledger) RefundAndPause(ctx context.Context, id, amount *big.Int) (common.Hash, error) {
	return l.submit(ctx, MethodRefundAndPause, func() ([]events.StreamEvent, error) {
		refunded, err := l.refundLocked(id, amount)
		if err != nil {
			return nil, err
		}
		s := l.streams[id.String()]
		s.Record.IsPaused = true
		s.Record.RatePerSecond = new(big.Int)
		return append(refunded, events.StreamPaused{StreamID: s.Record.ID, Sender: s.Record.Sender, Recipient: s.Record.Recipient, TotalDebt: new(big.Int)}), nil
	})
}

func (l *Ledger) refundLocked(id, amount *big.Int) ([]events.StreamEvent, error) {
	s, err := l.streamLocked(id)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, &flowerrors.RevertError{Reason: "MancerFlow_RefundAmountZero"}
	}
	if amount.Cmp(s.Refundable) > 0 {
		return nil, &flowerrors.RevertError{Reason: "MancerFlow_RefundOverflow"}
	}
	s.Refundable.Sub(s.Refundable, amount)
	s.Record.Balance.Sub(s.Record.Balance, amount)
	return []events.StreamEvent{events.StreamRefunded{StreamID: s.Record.ID, Sender: s.Record.Sender, Amount: new(big.Int).Set(amount)}}, nil
}

func (l *Ledger) Void(ctx context.Context, id *big.Int) (common.Hash, error) {
	return l.submit(ctx, MethodVoid, func() ([]events.StreamEvent, error) {
		s, err := l.activeLocked(id)
		if err != nil {
			return nil, err
		}
		s.Record.IsVoided = true
		s.Record.IsPaused = true
		s.Record.RatePerSecond = new(big.Int)
		return []events.StreamEvent{events.StreamVoided{
			StreamID:       s.Record.ID,
			Sender:         s.Record.Sender,
			Recipient:      s.Record.Recipient,
			Caller:         l.account,
			NewTotalDebt:   new(big.Int).Set(s.Withdrawable),
			WrittenOffDebt: new(big.Int),
		}}, nil
	})
}

func (l *Ledger) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	return l.submit(ctx, MethodApprove, func() ([]events.StreamEvent, error) {
		tok, err := l.tokenLocked(token)
		if err != nil {
			return nil, err
		}
		if tok.Allowances[l.account] == nil {
			tok.Allowances[l.account] = make(map[common.Address]*big.Int)
		}
		tok.Allowances[l.account][spender] = amountOrZero(amount)
		return nil, nil
	})
}

func (l *Ledger) StreamEvents(ctx context.Context, filter ledger.EventFilter) ([]events.Record, error) {
	if err := l.enter(ctx, "events"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Record, 0, len(l.records))
	for _, rec := range l.records {
		if filter.FromBlock > 0 && rec.BlockNumber < filter.FromBlock {
			continue
		}
		if filter.ToBlock > 0 && rec.BlockNumber > filter.ToBlock {
			continue
		}
		if filter.StreamID != nil && rec.Event.Stream().Cmp(filter.StreamID) != 0 {
			continue
		}
		if filter.Account != (common.Address{}) && !l.matchesLocked(rec, filter.Account, filter.Role) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *Ledger) matchesLocked(rec events.Record, account common.Address, role ledger.Role) bool {
	if rec.Involves(account) && role == ledger.RoleAny {
		return true
	}
	s, ok := l.streams[rec.Event.Stream().String()]
	if !ok {
		return false
	}
	switch role {
	case ledger.RoleSender:
		return s.Record.Sender == account
	case ledger.RoleRecipient:
		return s.Record.Recipient == account
	default:
		return s.Record.Sender == account || s.Record.Recipient == account
	}
}

func (l *Ledger) activeLocked(id *big.Int) (*Stream, error) {
	s, err := l.streamLocked(id)
	if err != nil {
		return nil, err
	}
	if s.Record.IsVoided {
		return nil, &flowerrors.RevertError{Reason: "MancerFlow_StreamVoided"}
	}
	return s, nil
}

func cloneRecord(r ledger.StreamRecord) ledger.StreamRecord {
	r.ID = new(big.Int).Set(r.ID)
	r.RatePerSecond = new(big.Int).Set(r.RatePerSecond)
	r.Balance = new(big.Int).Set(r.Balance)
	r.SnapshotDebtScaled = new(big.Int).Set(r.SnapshotDebtScaled)
	return r
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func txHash(method string, n uint64) common.Hash {
	var h common.Hash
	copy(h[:], strings.ToLower(method))
	binary.BigEndian.PutUint64(h[24:], n)
	return h
}
