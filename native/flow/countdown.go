package flow

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Countdown splits the time remaining until a deadline into display units.
type Countdown struct {
	Days    int64
	Hours   int64
	Minutes int64
	Seconds int64
	Expired bool
}

// TimeLeft returns the countdown from now until the supplied instant.
func TimeLeft(until, now time.Time) Countdown {
	remaining := until.Sub(now)
	if remaining <= 0 {
		return Countdown{Expired: true}
	}
	total := int64(remaining / time.Second)
	return Countdown{
		Days:    total / 86_400,
		Hours:   total % 86_400 / 3_600,
		Minutes: total % 3_600 / 60,
		Seconds: total % 60,
	}
}

// String renders "1d 2h 3m 4s", omitting leading zero units, or "Expired".
func (c Countdown) String() string {
	if c.Expired {
		return "Expired"
	}
	parts := make([]string, 0, 4)
	if c.Days > 0 {
		parts = append(parts, strconv.FormatInt(c.Days, 10)+"d")
	}
	if c.Hours > 0 || len(parts) > 0 {
		parts = append(parts, strconv.FormatInt(c.Hours, 10)+"h")
	}
	if c.Minutes > 0 || len(parts) > 0 {
		parts = append(parts, strconv.FormatInt(c.Minutes, 10)+"m")
	}
	parts = append(parts, strconv.FormatInt(c.Seconds, 10)+"s")
	return strings.Join(parts, " ")
}

// Progress reports part as a percentage of total, clamped to [0, 100] and
// rounded to two places.
func Progress(part, total *big.Int) decimal.Decimal {
	if part == nil || total == nil || total.Sign() <= 0 || part.Sign() <= 0 {
		return decimal.Zero
	}
	pct := decimal.NewFromBigInt(part, 2).Div(decimal.NewFromBigInt(total, 0)).Round(2)
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}

var hundred = decimal.NewFromInt(100)
