package flow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// SecondsPerMonth is the fixed 30-day month used for every monthly figure.
	// Calendar months are never used.
	SecondsPerMonth = 60 * 60 * 24 * 30

	// DefaultMaxPrecision is the number of fractional digits FormatAmount keeps
	// when the caller passes a negative precision.
	DefaultMaxPrecision = 6

	// MaxDecimals bounds token decimals to the ERC-20 uint8 domain.
	MaxDecimals = 255

	// DustSentinel replaces non-zero amounts too small to display.
	DustSentinel = "<0.000001"
)

var (
	secondsPerMonth = big.NewInt(SecondsPerMonth)
	dustThreshold   = decimal.New(1, -10)
)

func validDecimals(decimals int) bool {
	return decimals >= 0 && decimals <= MaxDecimals
}

// MonthlyRate returns ratePerSecond multiplied by SecondsPerMonth in minor
// units. Nil or negative rates yield zero.
func MonthlyRate(ratePerSecond *big.Int) *big.Int {
	if ratePerSecond == nil || ratePerSecond.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Mul(ratePerSecond, secondsPerMonth)
}

// ToMonthlyRate renders the monthly amount for ratePerSecond as a decimal
// string scaled by 10^decimals. The multiplication happens on integers; only
// the final scaling produces a decimal value.
func ToMonthlyRate(ratePerSecond *big.Int, decimals int) string {
	if ratePerSecond == nil || ratePerSecond.Sign() < 0 || !validDecimals(decimals) {
		return "0"
	}
	return FormatUnits(MonthlyRate(ratePerSecond), decimals)
}

// ToRatePerSecond converts a monthly minor-unit amount back to a per-second
// rate using floor division. The conversion is lossy: rates that are not a
// multiple of SecondsPerMonth do not round-trip exactly.
func ToRatePerSecond(ratePerMonth *big.Int) *big.Int {
	if ratePerMonth == nil || ratePerMonth.Sign() <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(ratePerMonth, secondsPerMonth)
}

// MonthlyToRatePerSecond parses a human monthly amount such as "100000" at the
// token's decimals and returns the per-second rate.
func MonthlyToRatePerSecond(monthly string, decimals int) (*big.Int, error) {
	amount, err := ParseUnits(monthly, decimals)
	if err != nil {
		return nil, err
	}
	return ToRatePerSecond(amount), nil
}

// FormatUnits renders amount / 10^decimals exactly, without trailing zeros.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil || !validDecimals(decimals) {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ParseUnits converts a decimal string into minor units at the given
// precision. Values carrying more fractional digits than decimals are
// rejected rather than truncated.
func ParseUnits(value string, decimals int) (*big.Int, error) {
	if !validDecimals(decimals) {
		return nil, fmt.Errorf("flow: invalid decimals %d", decimals)
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("flow: amount required")
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("flow: parse amount %q: %w", value, err)
	}
	if parsed.Sign() < 0 {
		return nil, fmt.Errorf("flow: amount %q must not be negative", value)
	}
	scaled := parsed.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("flow: amount %q exceeds %d decimals", value, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders a minor-unit amount for display, rounding to at most
// maxPrecision fractional digits. Non-zero values below 1e-10 render as
// DustSentinel. Invalid input renders "0".
func FormatAmount(amount *big.Int, decimals, maxPrecision int) string {
	if amount == nil || !validDecimals(decimals) {
		return "0"
	}
	if maxPrecision < 0 {
		maxPrecision = DefaultMaxPrecision
	}
	value := decimal.NewFromBigInt(amount, -int32(decimals))
	if value.IsZero() {
		return "0"
	}
	if value.Abs().LessThan(dustThreshold) {
		return DustSentinel
	}
	rounded := value.Round(int32(maxPrecision))
	if rounded.IsZero() {
		return "0"
	}
	return rounded.String()
}
