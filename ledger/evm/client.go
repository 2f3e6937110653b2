// Package evm implements the ledger interfaces against an EVM JSON-RPC node.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	flowerrors "salaryflow/core/errors"
	"salaryflow/ledger"
	"salaryflow/observability"
	telemetry "salaryflow/observability/otel"
)

// ErrReadOnly is returned by writes when the client has no signer.
var ErrReadOnly = errors.New("evm: client has no signer")

// Backend is the subset of the Ethereum RPC used by the client.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Signer signs transactions for a single account.
type Signer interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// Config controls the ledger client.
type Config struct {
	Contract      common.Address
	ChainID       *big.Int
	Confirmations uint64
	PollInterval  time.Duration
	// ReadRPS throttles eth_call traffic; zero disables the limiter.
	ReadRPS   float64
	ReadBurst int
	// GasMarginPercent is added on top of the node's gas estimate.
	GasMarginPercent uint64
	// FromBlock is the default lower bound for event queries.
	FromBlock uint64
}

// Client implements ledger.Ledger.
type Client struct {
	backend Backend
	signer  Signer
	cfg     Config
	limiter *rate.Limiter
	tracer  trace.Tracer
	metrics *observability.LedgerMetrics
	logger  *slog.Logger

	// sendMu keeps nonce assignment and broadcast in order for one signer.
	sendMu sync.Mutex
}

var _ ledger.Ledger = (*Client)(nil)

// Option customises the client.
type Option func(*Client)

// WithSigner enables writes signed by s.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithMetrics overrides the ledger metrics registry.
func WithMetrics(m *observability.LedgerMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a client over backend.
func New(backend Backend, cfg Config, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("evm: backend required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("evm: contract address required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("evm: chain id required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.GasMarginPercent == 0 {
		cfg.GasMarginPercent = 20
	}
	c := &Client{
		backend: backend,
		cfg:     cfg,
		tracer:  telemetry.Tracer("ledger/evm"),
		metrics: observability.Ledger(),
	}
	if cfg.ReadRPS > 0 {
		burst := cfg.ReadBurst
		if burst <= 0 {
			burst = int(cfg.ReadRPS)
			if burst < 1 {
				burst = 1
			}
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ReadRPS), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Dial connects to endpoint and builds a client over it.
func Dial(ctx context.Context, endpoint string, cfg Config, opts ...Option) (*Client, *ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, nil, fmt.Errorf("evm: rpc endpoint required")
	}
	conn, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, nil, fmt.Errorf("evm: dial %s: %w", trimmed, err)
	}
	client, err := New(conn, cfg, opts...)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return client, conn, nil
}

// Account is the signer address, or the zero address for read-only clients.
func (c *Client) Account() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// Contract is the flow contract address.
func (c *Client) Contract() common.Address { return c.cfg.Contract }

// observe wraps one RPC in a span and records its latency.
func (c *Client) observe(ctx context.Context, method string, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "ledger."+method, trace.WithAttributes(
		attribute.String("ledger.method", method),
		attribute.String("ledger.contract", c.cfg.Contract.Hex()),
	))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	c.metrics.Observe(method, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// call performs an eth_call of method on to and unpacks the outputs.
func (c *Client) call(ctx context.Context, to common.Address, parsed *abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	err := c.observe(ctx, method, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		input, err := parsed.Pack(method, args...)
		if err != nil {
			return fmt.Errorf("evm: pack %s: %w", method, err)
		}
		data, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.Account(), To: &to, Data: input}, nil)
		if err != nil {
			return wrapRevert(err)
		}
		out, err = parsed.Unpack(method, data)
		if err != nil {
			return fmt.Errorf("evm: unpack %s: %w", method, err)
		}
		return nil
	})
	return out, err
}

// wrapRevert lifts JSON-RPC revert data into a RevertError while keeping the
// transport error in the chain.
func wrapRevert(err error) error {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return err
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return err
	}
	data, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil {
		return err
	}
	revert, decodeErr := revertFromData(data)
	if decodeErr != nil {
		return err
	}
	return fmt.Errorf("%w (%v)", revert, err)
}

func (c *Client) flowCall(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	out, err := c.call(ctx, c.cfg.Contract, &flowABI, method, args...)
	if err != nil {
		var revert *flowerrors.RevertError
		if errors.As(err, &revert) && revert.Reason == "MancerFlow_Null" {
			return nil, fmt.Errorf("%w: %s", ledger.ErrStreamNotFound, revert.Detail)
		}
		return nil, err
	}
	return out, nil
}

func (c *Client) GetStream(ctx context.Context, id *big.Int) (ledger.StreamRecord, error) {
	var (
		tuple     streamTuple
		recipient common.Address
	)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		out, err := c.flowCall(gctx, "getStream", id)
		if err != nil {
			return err
		}
		if len(out) != 1 {
			return fmt.Errorf("evm: getStream: unexpected output length %d", len(out))
		}
		converted, ok := abi.ConvertType(out[0], new(streamTuple)).(*streamTuple)
		if !ok {
			return fmt.Errorf("evm: getStream: unexpected output type %T", out[0])
		}
		tuple = *converted
		return nil
	})
	group.Go(func() error {
		var err error
		recipient, err = c.Recipient(gctx, id)
		return err
	})
	if err := group.Wait(); err != nil {
		return ledger.StreamRecord{}, err
	}
	if !tuple.IsStream {
		return ledger.StreamRecord{}, fmt.Errorf("%w: %s", ledger.ErrStreamNotFound, id)
	}
	return ledger.StreamRecord{
		ID:                 new(big.Int).Set(id),
		Sender:             tuple.Sender,
		Recipient:          recipient,
		Token:              tuple.Token,
		TokenDecimals:      tuple.TokenDecimals,
		RatePerSecond:      bigOrZero(tuple.RatePerSecond),
		Balance:            bigOrZero(tuple.Balance),
		SnapshotTime:       uint64OrZero(tuple.SnapshotTime),
		SnapshotDebtScaled: bigOrZero(tuple.SnapshotDebtScaled),
		IsStream:           tuple.IsStream,
		IsVoided:           tuple.IsVoided,
		IsTransferable:     tuple.IsTransferable,
	}, nil
}

func (c *Client) readBig(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := c.flowCall(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return firstBig(method, out)
}

func (c *Client) readAddress(ctx context.Context, method string, id *big.Int) (common.Address, error) {
	out, err := c.flowCall(ctx, method, id)
	if err != nil {
		return common.Address{}, err
	}
	return first[common.Address](method, out)
}

func (c *Client) readBool(ctx context.Context, method string, id *big.Int) (bool, error) {
	out, err := c.flowCall(ctx, method, id)
	if err != nil {
		return false, err
	}
	return first[bool](method, out)
}

func (c *Client) Balance(ctx context.Context, id *big.Int) (*big.Int, error) {
	return c.readBig(ctx, "getBalance", id)
}

func (c *Client) WithdrawableAmount(ctx context.Context, id *big.Int) (*big.Int, error) {
	return c.readBig(ctx, "withdrawableAmountOf", id)
}

func (c *Client) RefundableAmount(ctx context.Context, id *big.Int) (*big.Int, error) {
	return c.readBig(ctx, "refundableAmountOf", id)
}

func (c *Client) DepletionTime(ctx context.Context, id *big.Int) (uint64, error) {
	v, err := c.readBig(ctx, "depletionTimeOf", id)
	if err != nil {
		return 0, err
	}
	return uint64OrZero(v), nil
}

func (c *Client) Status(ctx context.Context, id *big.Int) (ledger.Status, error) {
	out, err := c.flowCall(ctx, "statusOf", id)
	if err != nil {
		return 0, err
	}
	v, err := first[uint8]("statusOf", out)
	if err != nil {
		return 0, err
	}
	return ledger.Status(v), nil
}

func (c *Client) IsPaused(ctx context.Context, id *big.Int) (bool, error) {
	return c.readBool(ctx, "isPaused", id)
}

func (c *Client) IsVoided(ctx context.Context, id *big.Int) (bool, error) {
	return c.readBool(ctx, "isVoided", id)
}

func (c *Client) Sender(ctx context.Context, id *big.Int) (common.Address, error) {
	return c.readAddress(ctx, "getSender", id)
}

func (c *Client) Recipient(ctx context.Context, id *big.Int) (common.Address, error) {
	return c.readAddress(ctx, "getRecipient", id)
}

func (c *Client) RatePerSecond(ctx context.Context, id *big.Int) (*big.Int, error) {
	return c.readBig(ctx, "getRatePerSecond", id)
}

func (c *Client) Token(ctx context.Context, id *big.Int) (common.Address, error) {
	return c.readAddress(ctx, "getToken", id)
}

func (c *Client) TokenDecimals(ctx context.Context, id *big.Int) (uint8, error) {
	out, err := c.flowCall(ctx, "getTokenDecimals", id)
	if err != nil {
		return 0, err
	}
	return first[uint8]("getTokenDecimals", out)
}

func (c *Client) NextStreamID(ctx context.Context) (*big.Int, error) {
	return c.readBig(ctx, "nextStreamId")
}

func (c *Client) AggregateBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	return c.readBig(ctx, "aggregateBalance", token)
}

func first[T any](method string, out []interface{}) (T, error) {
	var zero T
	if len(out) == 0 {
		return zero, fmt.Errorf("evm: %s: empty output", method)
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, fmt.Errorf("evm: %s: unexpected output type %T", method, out[0])
	}
	return v, nil
}

func firstBig(method string, out []interface{}) (*big.Int, error) {
	v, err := first[*big.Int](method, out)
	if err != nil {
		return nil, err
	}
	return bigOrZero(v), nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func uint64OrZero(v *big.Int) uint64 {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}
