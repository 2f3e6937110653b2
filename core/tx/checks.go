package tx

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInvalidAmount flags an amount that is missing, negative, or too wide.
	ErrInvalidAmount = errors.New("tx: invalid amount")
	// ErrInvalidRate flags a per-second rate that does not fit the ledger field.
	ErrInvalidRate = errors.New("tx: invalid rate per second")
	// ErrInvalidAddress flags a zero address where a party is required.
	ErrInvalidAddress = errors.New("tx: invalid address")
	// ErrInvalidStreamID flags a missing or negative stream identifier.
	ErrInvalidStreamID = errors.New("tx: invalid stream id")
)

// maxUint128 bounds amounts and rates, which the ledger stores as uint128.
var maxUint128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

func fitsUint128(v *big.Int) bool {
	if v == nil || v.Sign() < 0 {
		return false
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return false
	}
	return !u.Gt(maxUint128)
}

// CheckUint128 accepts zero and any value that fits a uint128.
func CheckUint128(field string, v *big.Int) error {
	if !fitsUint128(v) {
		return fmt.Errorf("%w: %s must be between 0 and 2^128-1", ErrInvalidAmount, field)
	}
	return nil
}

// CheckPositiveUint128 rejects zero in addition to the CheckUint128 bounds.
func CheckPositiveUint128(field string, v *big.Int) error {
	if err := CheckUint128(field, v); err != nil {
		return err
	}
	if v.Sign() == 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, field)
	}
	return nil
}

// CheckRate validates a per-second rate. Zero is allowed only when allowZero is set.
func CheckRate(rate *big.Int, allowZero bool) error {
	if !fitsUint128(rate) {
		return fmt.Errorf("%w: must be between 0 and 2^128-1", ErrInvalidRate)
	}
	if rate.Sign() == 0 && !allowZero {
		return fmt.Errorf("%w: must be positive", ErrInvalidRate)
	}
	return nil
}

// CheckAddress rejects the zero address.
func CheckAddress(field string, addr common.Address) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: %s required", ErrInvalidAddress, field)
	}
	return nil
}

// CheckStreamID rejects nil, negative, and ids wider than 256 bits.
func CheckStreamID(id *big.Int) error {
	if id == nil || id.Sign() < 0 {
		return ErrInvalidStreamID
	}
	if _, overflow := uint256.FromBig(id); overflow {
		return fmt.Errorf("%w: %s", ErrInvalidStreamID, id)
	}
	return nil
}
