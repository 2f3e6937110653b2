package fees

import (
	"log/slog"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"salaryflow/native/flow"
)

const (
	// BasisPointsDenominator expresses 100% in basis points.
	BasisPointsDenominator = 10_000
	// DefaultProtocolFeeBps is charged when no token-specific fee is configured.
	DefaultProtocolFeeBps = 100
	// FallbackDecimals is used for aggregate display when no entry supplies decimals.
	FallbackDecimals = 18
)

var (
	denominator = big.NewInt(BasisPointsDenominator)
	// outOfRangeWarned records which basis point values already produced a warning.
	outOfRangeWarned sync.Map
)

// Result summarises the protocol fee owed on a single withdrawal.
type Result struct {
	Amount      *big.Int        `json:"amount"`
	Fee         *big.Int        `json:"fee"`
	Net         *big.Int        `json:"net"`
	BasisPoints uint64          `json:"basisPoints"`
	Percentage  decimal.Decimal `json:"percentage"`
	FeeDisplay  string          `json:"feeDisplay"`
	NetDisplay  string          `json:"netDisplay"`
	OutOfRange  bool            `json:"outOfRange,omitempty"`
}

// Compute evaluates the fee for amount at the supplied basis points. Fee and
// net always sum to amount. Basis points above 10000 are accepted, reported
// through OutOfRange and a logged warning, and cap the fee at the full amount.
func Compute(amount *big.Int, decimals int, bps uint64) Result {
	gross := new(big.Int)
	if amount != nil && amount.Sign() > 0 {
		gross.Set(amount)
	}
	result := Result{
		Amount:      gross,
		Fee:         new(big.Int),
		Net:         new(big.Int).Set(gross),
		BasisPoints: bps,
		Percentage:  BasisPointsToPercentage(bps),
		OutOfRange:  bps > BasisPointsDenominator,
	}
	if amount != nil && amount.Sign() < 0 {
		result.Amount = new(big.Int).Set(amount)
		result.Net = new(big.Int).Set(amount)
	}
	if result.OutOfRange {
		warnOutOfRange(bps)
	}
	if gross.Sign() > 0 && bps > 0 {
		fee := new(big.Int).Mul(gross, new(big.Int).SetUint64(bps))
		fee.Quo(fee, denominator)
		if fee.Cmp(gross) >= 0 {
			result.Fee = new(big.Int).Set(gross)
			result.Net = new(big.Int)
		} else {
			result.Fee = fee
			result.Net = new(big.Int).Sub(gross, fee)
		}
	}
	result.FeeDisplay = flow.FormatAmount(result.Fee, decimals, flow.DefaultMaxPrecision)
	result.NetDisplay = flow.FormatAmount(result.Net, decimals, flow.DefaultMaxPrecision)
	return result
}

// ComputeFromPercentage converts pct to basis points with floor(pct*100) and
// delegates to Compute. Negative percentages are treated as zero.
func ComputeFromPercentage(amount *big.Int, decimals int, pct decimal.Decimal) Result {
	return Compute(amount, decimals, PercentageToBasisPoints(pct))
}

// BasisPointsToPercentage returns bps/100 exactly.
func BasisPointsToPercentage(bps uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(bps), -2)
}

// PercentageToBasisPoints returns floor(pct*100), clamped at zero.
func PercentageToBasisPoints(pct decimal.Decimal) uint64 {
	if pct.Sign() <= 0 {
		return 0
	}
	bps := pct.Shift(2).Floor().BigInt()
	if !bps.IsUint64() {
		return ^uint64(0)
	}
	return bps.Uint64()
}

// Entry describes one token withdrawal in a batch.
type Entry struct {
	Amount      *big.Int `json:"amount"`
	Decimals    int      `json:"decimals"`
	BasisPoints uint64   `json:"basisPoints"`
}

// Totals aggregates fees across heterogeneous tokens.
type Totals struct {
	Fee        *big.Int `json:"fee"`
	Net        *big.Int `json:"net"`
	FeeDisplay string   `json:"feeDisplay"`
	NetDisplay string   `json:"netDisplay"`
	// AveragePercentage is the unweighted mean of the entry percentages. It
	// ignores amounts; WeightedPercentage carries the volume-weighted figure.
	AveragePercentage  decimal.Decimal `json:"averagePercentage"`
	WeightedPercentage decimal.Decimal `json:"weightedPercentage"`
	Results            []Result        `json:"results"`
}

// ComputeAll evaluates every entry independently.
func ComputeAll(entries []Entry) []Result {
	results := make([]Result, len(entries))
	for i, entry := range entries {
		results[i] = Compute(entry.Amount, entry.Decimals, entry.BasisPoints)
	}
	return results
}

// Aggregate sums fee and net across entries. Display strings use the first
// entry's decimals, so mixed-decimal batches only have meaningful raw totals.
func Aggregate(entries []Entry) Totals {
	totals := Totals{
		Fee:                new(big.Int),
		Net:                new(big.Int),
		AveragePercentage:  decimal.Zero,
		WeightedPercentage: decimal.Zero,
		Results:            ComputeAll(entries),
	}
	decimals := FallbackDecimals
	if len(entries) > 0 {
		decimals = entries[0].Decimals
	}
	gross := new(big.Int)
	sumPct := decimal.Zero
	for _, res := range totals.Results {
		totals.Fee.Add(totals.Fee, res.Fee)
		totals.Net.Add(totals.Net, res.Net)
		gross.Add(gross, res.Amount)
		sumPct = sumPct.Add(res.Percentage)
	}
	if n := len(totals.Results); n > 0 {
		totals.AveragePercentage = sumPct.Div(decimal.NewFromInt(int64(n)))
	}
	if gross.Sign() > 0 {
		totals.WeightedPercentage = decimal.NewFromBigInt(totals.Fee, 2).Div(decimal.NewFromBigInt(gross, 0))
	}
	totals.FeeDisplay = flow.FormatAmount(totals.Fee, decimals, flow.DefaultMaxPrecision)
	totals.NetDisplay = flow.FormatAmount(totals.Net, decimals, flow.DefaultMaxPrecision)
	return totals
}

func warnOutOfRange(bps uint64) {
	if _, loaded := outOfRangeWarned.LoadOrStore(bps, struct{}{}); loaded {
		return
	}
	slog.Warn("fees: basis points exceed 100%",
		slog.Uint64("basis_points", bps),
		slog.String("percentage", BasisPointsToPercentage(bps).String()))
}
