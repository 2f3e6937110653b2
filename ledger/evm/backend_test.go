package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tokenAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	senderAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	recipient    = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	testChainID  = big.NewInt(31337)
)

// handler answers one contract method with already-decoded arguments.
type handler func(args []interface{}) ([]interface{}, error)

// rpcDataError mimics the JSON-RPC error a node returns for a revert.
type rpcDataError struct {
	data string
}

func (e rpcDataError) Error() string          { return "execution reverted" }
func (e rpcDataError) ErrorData() interface{} { return e.data }

func revertWith(t *testing.T, name string, args ...interface{}) error {
	t.Helper()
	abiErr, ok := flowABI.Errors[name]
	if !ok {
		abiErr, ok = erc20ABI.Errors[name]
	}
	require.True(t, ok, "unknown error %s", name)
	packed, err := abiErr.Inputs.Pack(args...)
	require.NoError(t, err)
	return rpcDataError{data: hexutil.Encode(append(abiErr.ID[:4:4], packed...))}
}

type fakeBackend struct {
	mu       sync.Mutex
	handlers map[string]handler
	nonce    uint64
	head     uint64
	gas      uint64
	gasErr   error
	sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
	// hidden counts receipt polls that report NotFound before the receipt shows.
	hidden int
	// receiptErrs are returned, one per poll, before any receipt lookup.
	receiptErrs []error
	logs        []gethtypes.Log
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		handlers: make(map[string]handler),
		head:     100,
		gas:      100_000,
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (b *fakeBackend) on(method string, h handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := lookupMethod(msg.Data)
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	h, ok := b.handlers[method.Name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no handler for %s", method.Name)
	}
	out, err := h(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}

func lookupMethod(data []byte) (*abi.Method, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("short call data")
	}
	for _, parsed := range []*abi.ABI{&flowABI, &erc20ABI} {
		if m, err := parsed.MethodById(data[:4]); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown selector %x", data[:4])
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gas, b.gasErr
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &gethtypes.Header{Number: new(big.Int).SetUint64(b.head), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	b.nonce++
	b.receipts[tx.Hash()] = &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(b.head),
		GasUsed:     tx.Gas() / 2,
		TxHash:      tx.Hash(),
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.receiptErrs) > 0 {
		err := b.receiptErrs[0]
		b.receiptErrs = b.receiptErrs[1:]
		return nil, err
	}
	if b.hidden > 0 {
		b.hidden--
		b.head++
		return nil, ethereum.NotFound
	}
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	b.head++
	return receipt, nil
}

func (b *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]gethtypes.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]gethtypes.Log(nil), b.logs...), nil
}

type keySigner struct {
	key *ecdsa.PrivateKey
}

func newKeySigner(t *testing.T) keySigner {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	return keySigner{key: key}
}

func (s keySigner) Address() common.Address { return gethcrypto.PubkeyToAddress(s.key.PublicKey) }

func (s keySigner) SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}

func newTestClient(t *testing.T, backend Backend, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithMetrics(nil),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	c, err := New(backend, Config{
		Contract:     contractAddr,
		ChainID:      testChainID,
		PollInterval: time.Millisecond,
	}, opts...)
	require.NoError(t, err)
	return c
}
