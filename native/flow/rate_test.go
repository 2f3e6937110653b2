package flow

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustInt(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, "invalid integer %q", s)
	return v
}

func TestToMonthlyRateMultipliesBeforeScaling(t *testing.T) {
	// 38_580_246_913_580 wei/s over a 30-day month.
	rate := big.NewInt(38_580_246_913_580)
	require.Equal(t, "99.99999999999936", ToMonthlyRate(rate, 18))
	require.Equal(t, "99999999999999.36", ToMonthlyRate(rate, 6))
}

func TestToMonthlyRateHundredThousandTokens(t *testing.T) {
	rate := mustInt(t, "38580246913580246")
	require.Equal(t, "99999.999999999997632", ToMonthlyRate(rate, 18))
	require.Equal(t, "100000", FormatAmount(MonthlyRate(rate), 18, DefaultMaxPrecision))
}

func TestToMonthlyRateInvalidInputIsZero(t *testing.T) {
	require.Equal(t, "0", ToMonthlyRate(nil, 18))
	require.Equal(t, "0", ToMonthlyRate(big.NewInt(-1), 18))
	require.Equal(t, "0", ToMonthlyRate(big.NewInt(1), -1))
	require.Equal(t, "0", ToMonthlyRate(big.NewInt(1), MaxDecimals+1))
	require.Equal(t, "0", ToMonthlyRate(big.NewInt(0), 18))
}

func TestToRatePerSecondFloors(t *testing.T) {
	require.Equal(t, "1", ToRatePerSecond(big.NewInt(SecondsPerMonth+SecondsPerMonth-1)).String())
	require.Equal(t, "0", ToRatePerSecond(big.NewInt(SecondsPerMonth-1)).String())
	require.Equal(t, "0", ToRatePerSecond(nil).String())
}

func TestMonthlyRoundTripWithinOneUnit(t *testing.T) {
	rates := []string{"0", "1", "7", "38580246913580", "38580246913580246", "123456789012345678901234567890"}
	for _, decimals := range []int{0, 6, 8, 18} {
		for _, raw := range rates {
			rate := mustInt(t, raw)
			monthly, err := ParseUnits(ToMonthlyRate(rate, decimals), decimals)
			require.NoError(t, err)
			back := ToRatePerSecond(monthly)
			diff := new(big.Int).Sub(rate, back)
			require.True(t, diff.CmpAbs(big.NewInt(1)) <= 0, "rate %s decimals %d came back as %s", raw, decimals, back)
		}
	}
}

func TestMonthlyToRatePerSecond(t *testing.T) {
	rate, err := MonthlyToRatePerSecond("100000", 18)
	require.NoError(t, err)
	require.Equal(t, "38580246913580246", rate.String())

	_, err = MonthlyToRatePerSecond("1.0000001", 6)
	require.Error(t, err)
	_, err = MonthlyToRatePerSecond("-5", 6)
	require.Error(t, err)
	_, err = MonthlyToRatePerSecond("abc", 6)
	require.Error(t, err)
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		name      string
		amount    string
		decimals  int
		precision int
		want      string
	}{
		{name: "whole", amount: "1000000000000000000", decimals: 18, precision: 6, want: "1"},
		{name: "strips zeros", amount: "1500000", decimals: 6, precision: 6, want: "1.5"},
		{name: "rounds", amount: "1234567891", decimals: 9, precision: 6, want: "1.234568"},
		{name: "default precision", amount: "1234567891", decimals: 9, precision: -1, want: "1.234568"},
		{name: "dust", amount: "1", decimals: 18, precision: 6, want: DustSentinel},
		{name: "rounds to zero", amount: "100000000", decimals: 18, precision: 6, want: "0"},
		{name: "zero", amount: "0", decimals: 18, precision: 6, want: "0"},
		{name: "no decimals", amount: "42", decimals: 0, precision: 6, want: "42"},
		{name: "invalid decimals", amount: "42", decimals: -3, precision: 6, want: "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, FormatAmount(mustInt(t, tc.amount), tc.decimals, tc.precision))
		})
	}
	require.Equal(t, "0", FormatAmount(nil, 18, 6))
}

func TestParseUnits(t *testing.T) {
	v, err := ParseUnits(" 0.99 ", 18)
	require.NoError(t, err)
	require.Equal(t, "990000000000000000", v.String())

	_, err = ParseUnits("", 18)
	require.Error(t, err)
	_, err = ParseUnits("1", 300)
	require.Error(t, err)
}
