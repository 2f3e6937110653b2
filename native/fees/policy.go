package fees

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Policy resolves the protocol fee charged per token.
type Policy struct {
	DefaultBps uint64
	Tokens     map[common.Address]uint64
}

// DefaultPolicy charges DefaultProtocolFeeBps on every token.
func DefaultPolicy() Policy {
	return Policy{DefaultBps: DefaultProtocolFeeBps}
}

// Clone returns a deep copy of the policy so callers cannot alias the token map.
func (p Policy) Clone() Policy {
	clone := Policy{DefaultBps: p.DefaultBps, Tokens: make(map[common.Address]uint64, len(p.Tokens))}
	for token, bps := range p.Tokens {
		clone.Tokens[token] = bps
	}
	return clone
}

// BasisPointsFor returns the token override when configured, else the default.
func (p Policy) BasisPointsFor(token common.Address) uint64 {
	if bps, ok := p.Tokens[token]; ok {
		return bps
	}
	return p.DefaultBps
}

// Quote computes the fee on amount of token under the policy.
func (p Policy) Quote(token common.Address, amount *big.Int, decimals int) Result {
	return Compute(amount, decimals, p.BasisPointsFor(token))
}
