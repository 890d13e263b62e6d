package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// minorUnitExp is the number of decimal places in one major unit (kopecks per rouble).
const minorUnitExp = 2

var (
	hundred  = decimal.New(1, minorUnitExp)
	maxMinor = decimal.NewFromInt(1 << 53)
)

// ParseAmount converts a decimal major-unit string such as "750.00" or
// "750.000000" into minor units. Values with a non-zero sub-kopeck part or a
// non-positive value are rejected.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	minor := d.Mul(hundred)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("parse amount %q: more than %d decimal places", s, minorUnitExp)
	}
	if !minor.IsPositive() {
		return 0, fmt.Errorf("parse amount %q: must be positive", s)
	}
	if minor.GreaterThan(maxMinor) {
		return 0, fmt.Errorf("parse amount %q: out of range", s)
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units as a major-unit string with two decimals.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -minorUnitExp).StringFixed(minorUnitExp)
}

// AmountDecimal returns minor units as a major-unit decimal.
func AmountDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -minorUnitExp)
}
