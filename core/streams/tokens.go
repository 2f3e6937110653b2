package streams

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"salaryflow/ledger"
)

// Token describes a fungible token as displayed next to stream amounts.
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int            `json:"decimals"`
}

// TokenCache memoises token metadata. Symbols and decimals never change for a
// deployed token, so entries are kept for the life of the process.
type TokenCache struct {
	reader ledger.TokenReader

	mu      sync.RWMutex
	entries map[common.Address]Token
}

// NewTokenCache builds an empty cache over reader.
func NewTokenCache(reader ledger.TokenReader) *TokenCache {
	return &TokenCache{reader: reader, entries: make(map[common.Address]Token)}
}

// Get returns the token metadata, reading it on first use.
func (c *TokenCache) Get(ctx context.Context, addr common.Address) (Token, error) {
	c.mu.RLock()
	tok, ok := c.entries[addr]
	c.mu.RUnlock()
	if ok {
		return tok, nil
	}

	var (
		symbol   string
		decimals uint8
	)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		symbol, err = c.reader.Symbol(gctx, addr)
		return err
	})
	group.Go(func() error {
		var err error
		decimals, err = c.reader.Decimals(gctx, addr)
		return err
	})
	if err := group.Wait(); err != nil {
		return Token{Address: addr, Decimals: -1}, fmt.Errorf("streams: token metadata %s: %w", addr.Hex(), err)
	}

	tok = Token{Address: addr, Symbol: NormalizeSymbol(symbol), Decimals: int(decimals)}
	c.mu.Lock()
	c.entries[addr] = tok
	c.mu.Unlock()
	return tok, nil
}

// NormalizeSymbol folds compatibility characters and trims padding so symbols
// compare and render consistently.
func NormalizeSymbol(symbol string) string {
	return strings.TrimSpace(norm.NFKC.String(strings.TrimSpace(symbol)))
}
