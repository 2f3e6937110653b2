package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"salaryflow/ledger"
)

// transact packs method, prices and signs an EIP-1559 transaction, and
// broadcasts it. It returns once the node accepted the transaction.
func (c *Client) transact(ctx context.Context, to common.Address, parsed *abi.ABI, method string, args ...interface{}) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrReadOnly
	}
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: pack %s: %w", method, err)
	}

	var hash common.Hash
	err = c.observe(ctx, method, func(ctx context.Context) error {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()

		from := c.signer.Address()
		nonce, err := c.backend.PendingNonceAt(ctx, from)
		if err != nil {
			return fmt.Errorf("evm: pending nonce: %w", err)
		}
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return fmt.Errorf("evm: suggest tip: %w", err)
		}
		head, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("evm: fetch head: %w", err)
		}
		feeCap := new(big.Int).Set(tip)
		if head != nil && head.BaseFee != nil {
			feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		}

		gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:      from,
			To:        &to,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Data:      input,
		})
		if err != nil {
			return wrapRevert(err)
		}
		gas += gas * c.cfg.GasMarginPercent / 100

		unsigned := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   c.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     new(big.Int),
			Data:      input,
		})
		signed, err := c.signer.SignTx(unsigned, c.cfg.ChainID)
		if err != nil {
			return fmt.Errorf("evm: sign %s: %w", method, err)
		}
		if err := c.backend.SendTransaction(ctx, signed); err != nil {
			return wrapRevert(err)
		}
		hash = signed.Hash()
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	c.logger.Info("ledger transaction sent",
		"method", method,
		"txHash", hash.Hex(),
		"to", to.Hex())
	return hash, nil
}

func (c *Client) flowTransact(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	return c.transact(ctx, c.cfg.Contract, &flowABI, method, args...)
}

func (c *Client) Create(ctx context.Context, p ledger.CreateParams) (common.Hash, error) {
	return c.flowTransact(ctx, "create", p.Sender, p.Recipient, bigOrZero(p.RatePerSecond), p.Token, p.Transferable)
}

func (c *Client) CreateAndDeposit(ctx context.Context, p ledger.CreateParams, amount *big.Int) (common.Hash, error) {
	return c.flowTransact(ctx, "createAndDeposit", p.Sender, p.Recipient, bigOrZero(p.RatePerSecond), p.Token, p.Transferable, bigOrZero(amount))
}

func (c *Client) Deposit(ctx context.Context, id, amount *big.Int, sender, recipient common.Address) (common.Hash, error) {
	return c.flowTransact(ctx, "deposit", id, bigOrZero(amount), sender, recipient)
}

func (c *Client) DepositViaBroker(ctx context.Context, id, amount *big.Int, sender, recipient common.Address, broker ledger.Broker) (common.Hash, error) {
	return c.flowTransact(ctx, "depositViaBroker", id, bigOrZero(amount), sender, recipient, brokerTuple{Account: broker.Account, Fee: bigOrZero(broker.Fee)})
}

func (c *Client) Withdraw(ctx context.Context, id *big.Int, to common.Address, amount *big.Int) (common.Hash, error) {
	return c.flowTransact(ctx, "withdraw", id, to, bigOrZero(amount))
}

func (c *Client) WithdrawMax(ctx context.Context, id *big.Int, to common.Address) (common.Hash, error) {
	return c.flowTransact(ctx, "withdrawMax", id, to)
}

func (c *Client) Pause(ctx context.Context, id *big.Int) (common.Hash, error) {
	return c.flowTransact(ctx, "pause", id)
}

func (c *Client) Restart(ctx context.Context, id, ratePerSecond *big.Int) (common.Hash, error) {
	return c.flowTransact(ctx, "restart", id, bigOrZero(ratePerSecond))
}

func (c *Client) AdjustRatePerSecond(ctx context.Context, id, ratePerSecond *big.Int) (common.Hash, error) {
	return c.flowTransact(ctx, "adjustRatePerSecond", id, bigOrZero(ratePerSecond))
}

func (c *Client) Refund(ctx context.Context, id, amount *big.Int) (common.Hash, error) {
	return c.flowTransact(ctx, "refund", id, bigOrZero(amount))
}

func (c *Client) RefundMax(ctx context.Context, id *big.Int) (common.Hash, error) {
	return c.flowTransact(ctx, "refundMax", id)
}

func (c *Client) RefundAndPause(ctx context.Context, id, amount *big.Int) (common.Hash, error) {
	return c.flowTransact(ctx, "refundAndPause", id, bigOrZero(amount))
}

func (c *Client) Void(ctx context.Context, id *big.Int) (common.Hash, error) {
	return c.flowTransact(ctx, "void", id)
}
