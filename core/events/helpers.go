package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatAddress(addr common.Address) string {
	return addr.Hex()
}

func formatBool(v bool) string {
	return strconv.FormatBool(v)
}

func streamOrZero(id *big.Int) *big.Int {
	if id == nil {
		return new(big.Int)
	}
	return id
}
