package tx

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestCheckUint128Bounds(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	require.NoError(t, CheckUint128("amount", big.NewInt(0)))
	require.NoError(t, CheckUint128("amount", max))
	require.ErrorIs(t, CheckUint128("amount", new(big.Int).Add(max, big.NewInt(1))), ErrInvalidAmount)
	require.ErrorIs(t, CheckUint128("amount", new(big.Int).Lsh(big.NewInt(1), 300)), ErrInvalidAmount)
	require.ErrorIs(t, CheckUint128("amount", big.NewInt(-1)), ErrInvalidAmount)
	require.ErrorIs(t, CheckUint128("amount", nil), ErrInvalidAmount)
}

func TestCheckPositiveUint128(t *testing.T) {
	require.NoError(t, CheckPositiveUint128("amount", big.NewInt(1)))
	require.ErrorIs(t, CheckPositiveUint128("amount", big.NewInt(0)), ErrInvalidAmount)
}

func TestCheckRate(t *testing.T) {
	require.NoError(t, CheckRate(big.NewInt(0), true))
	require.ErrorIs(t, CheckRate(big.NewInt(0), false), ErrInvalidRate)
	require.ErrorIs(t, CheckRate(nil, true), ErrInvalidRate)
	require.NoError(t, CheckRate(big.NewInt(38_580_246_913_580), false))
}

func TestCheckAddressAndStreamID(t *testing.T) {
	require.ErrorIs(t, CheckAddress("recipient", common.Address{}), ErrInvalidAddress)
	require.NoError(t, CheckAddress("recipient", employee))
	require.ErrorIs(t, CheckStreamID(nil), ErrInvalidStreamID)
	require.ErrorIs(t, CheckStreamID(big.NewInt(-4)), ErrInvalidStreamID)
	require.NoError(t, CheckStreamID(big.NewInt(0)))
}
