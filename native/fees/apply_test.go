package fees

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func oneToken() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
}

func TestComputeOnePercentOfOneToken(t *testing.T) {
	res := Compute(oneToken(), 18, 100)
	require.Equal(t, "10000000000000000", res.Fee.String())
	require.Equal(t, "990000000000000000", res.Net.String())
	require.True(t, res.Percentage.Equal(decimal.NewFromInt(1)))
	require.Equal(t, "0.01", res.FeeDisplay)
	require.Equal(t, "0.99", res.NetDisplay)
	require.False(t, res.OutOfRange)
}

func TestComputeConservesAmount(t *testing.T) {
	amounts := []int64{0, 1, 9, 99, 10_000, 123_456_789, 1 << 40}
	bpsValues := []uint64{0, 1, 33, 100, 250, 9_999, 10_000, 12_500}
	for _, amount := range amounts {
		for _, bps := range bpsValues {
			res := Compute(big.NewInt(amount), 6, bps)
			sum := new(big.Int).Add(res.Fee, res.Net)
			require.Equal(t, big.NewInt(amount).String(), sum.String(), "amount=%d bps=%d", amount, bps)
			require.True(t, res.Fee.Sign() >= 0 && res.Net.Sign() >= 0)
		}
	}
}

func TestComputeZeroCases(t *testing.T) {
	require.Zero(t, Compute(oneToken(), 18, 0).Fee.Sign())
	require.Zero(t, Compute(big.NewInt(0), 18, 100).Fee.Sign())
	res := Compute(nil, 18, 100)
	require.Zero(t, res.Fee.Sign())
	require.Zero(t, res.Net.Sign())
}

func TestComputeFloorsFee(t *testing.T) {
	res := Compute(big.NewInt(199), 0, 50)
	require.Equal(t, "0", res.Fee.String())
	require.Equal(t, "199", res.Net.String())

	res = Compute(big.NewInt(201), 0, 50)
	require.Equal(t, "1", res.Fee.String())
}

func TestComputeOutOfRangeCapsFee(t *testing.T) {
	res := Compute(big.NewInt(1_000), 0, 15_000)
	require.True(t, res.OutOfRange)
	require.Equal(t, "150", res.Percentage.String())
	require.Equal(t, "1000", res.Fee.String())
	require.Equal(t, "0", res.Net.String())
}

func TestComputeFromPercentage(t *testing.T) {
	res := ComputeFromPercentage(oneToken(), 18, decimal.RequireFromString("1.259"))
	require.Equal(t, uint64(125), res.BasisPoints)
	require.Equal(t, "1.25", res.Percentage.String())
	require.Equal(t, "12500000000000000", res.Fee.String())

	require.Equal(t, uint64(0), PercentageToBasisPoints(decimal.RequireFromString("-3")))
	require.Equal(t, uint64(0), PercentageToBasisPoints(decimal.RequireFromString("0.009")))
}

func TestAggregateUsesUnweightedMean(t *testing.T) {
	totals := Aggregate([]Entry{
		{Amount: big.NewInt(1_000_000), Decimals: 6, BasisPoints: 100},
		{Amount: big.NewInt(3_000_000), Decimals: 6, BasisPoints: 300},
	})
	require.Equal(t, "100000", totals.Fee.String())
	require.Equal(t, "3900000", totals.Net.String())
	require.Equal(t, "0.1", totals.FeeDisplay)
	require.Equal(t, "3.9", totals.NetDisplay)
	require.Equal(t, "2", totals.AveragePercentage.String())
	require.Equal(t, "2.5", totals.WeightedPercentage.String())
	require.Len(t, totals.Results, 2)
}

func TestAggregateEmpty(t *testing.T) {
	totals := Aggregate(nil)
	require.Equal(t, "0", totals.Fee.String())
	require.True(t, totals.AveragePercentage.IsZero())
	require.Equal(t, "0", totals.FeeDisplay)
}

func TestPolicyResolvesTokenOverrides(t *testing.T) {
	usdc := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	policy := DefaultPolicy()
	policy.Tokens = map[common.Address]uint64{usdc: 25}

	require.Equal(t, uint64(25), policy.BasisPointsFor(usdc))
	require.Equal(t, uint64(DefaultProtocolFeeBps), policy.BasisPointsFor(common.Address{}))

	clone := policy.Clone()
	clone.Tokens[usdc] = 50
	require.Equal(t, uint64(25), policy.BasisPointsFor(usdc))

	quote := policy.Quote(usdc, big.NewInt(10_000), 2)
	require.Equal(t, "25", quote.Fee.String())
}
