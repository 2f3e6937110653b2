package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	flowerrors "salaryflow/core/errors"
	"salaryflow/ledger"
)

// WaitMined polls for the receipt of hash until it is buried under the
// configured number of confirmations or ctx ends. Transport failures while
// polling leave the outcome unknown, so they are logged and polling goes on.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	if hash == (common.Hash{}) {
		return nil, fmt.Errorf("evm: tx hash required")
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		receipt, done, err := c.checkReceipt(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !flowerrors.IsTransport(err) {
				return nil, err
			}
			c.logger.Warn("receipt poll failed, retrying",
				"tx", hash.Hex(),
				"error", err)
			timer.Reset(c.cfg.PollInterval)
			continue
		}
		if done {
			return receipt, nil
		}
		timer.Reset(c.cfg.PollInterval)
	}
}

// checkReceipt reports done once the receipt exists with enough
// confirmations. A missing receipt is not an error.
func (c *Client) checkReceipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, bool, error) {
	var (
		receipt *gethtypes.Receipt
		head    *gethtypes.Header
	)
	err := c.observe(ctx, "getTransactionReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = c.backend.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("evm: fetch receipt %s: %w", hash.Hex(), err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, false, nil
	}

	if c.cfg.Confirmations > 1 {
		head, err = c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, false, fmt.Errorf("evm: fetch head: %w", err)
		}
		if head == nil || head.Number == nil || head.Number.Cmp(receipt.BlockNumber) < 0 {
			return nil, false, nil
		}
		confirmed := new(big.Int).Sub(head.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(c.cfg.Confirmations)) < 0 {
			return nil, false, nil
		}
	}
	return &ledger.Receipt{
		TxHash:      hash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Success:     receipt.Status == gethtypes.ReceiptStatusSuccessful,
	}, true, nil
}
