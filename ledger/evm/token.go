package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

func (c *Client) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := c.call(ctx, token, &erc20ABI, "decimals")
	if err != nil {
		return 0, err
	}
	return first[uint8]("decimals", out)
}

func (c *Client) Symbol(ctx context.Context, token common.Address) (string, error) {
	out, err := c.call(ctx, token, &erc20ABI, "symbol")
	if err != nil {
		return "", err
	}
	return first[string]("symbol", out)
}

func (c *Client) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, &erc20ABI, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return firstBig("balanceOf", out)
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, &erc20ABI, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return firstBig("allowance", out)
}

// Approve lets spender pull exactly amount of token from the signer.
func (c *Client) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, token, &erc20ABI, "approve", spender, bigOrZero(amount))
}
