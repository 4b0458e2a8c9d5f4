// Package money converts between API decimal strings and int64 minor units.
//
// Every balance, hold and posting is stored in minor units (cents). Only the
// HTTP layer ever sees decimal strings such as "100.00".
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits in one major unit.
const Decimals = 2

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrTooPrecise    = errors.New("amount has more than 2 decimal places")
	ErrOutOfRange    = errors.New("amount out of range")
)

// maxMinor keeps amounts well inside int64 so sums of many postings cannot overflow.
const maxMinor = int64(1) << 53

// Parse converts "12.34" to 1234. Negative, zero-padded beyond two places,
// or non-numeric input is rejected.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if d.IsNegative() {
		return 0, ErrInvalidAmount
	}
	if d.Exponent() < -Decimals && !d.Equal(d.Truncate(Decimals)) {
		return 0, ErrTooPrecise
	}
	minor := d.Shift(Decimals)
	if minor.GreaterThan(decimal.NewFromInt(maxMinor)) {
		return 0, ErrOutOfRange
	}
	return minor.IntPart(), nil
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(s string) (int64, error) {
	v, err := Parse(s)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, ErrInvalidAmount
	}
	return v, nil
}

// Format renders minor units as a fixed two-place decimal string.
func Format(minor int64) string {
	return decimal.New(minor, -Decimals).StringFixed(Decimals)
}

// Fee returns the basis-point share of amount, rounded down.
func Fee(amount int64, bps int) int64 {
	if bps <= 0 || amount <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(int64(bps))).
		Div(decimal.NewFromInt(10_000)).
		Floor().
		IntPart()
}
