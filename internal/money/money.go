// Package money converts between integer minor units, which is the only
// representation stored and transmitted, and human-readable decimals.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Format renders minor units as a fixed-point decimal string,
// e.g. Format(12345, 2) == "123.45".
func Format(minor int64, exponent int32) string {
	return decimal.New(minor, -exponent).StringFixed(exponent)
}

// ParseMajor converts a decimal string in major units to minor units. Values
// with more fractional digits than exponent allows are rejected rather than
// rounded.
func ParseMajor(s string, exponent int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	minor := d.Shift(exponent)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", s, exponent)
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %q is out of range", s)
	}
	return minor.IntPart(), nil
}
