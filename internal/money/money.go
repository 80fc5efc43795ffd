// Package money provides exact integer arithmetic for amounts held in minor
// currency units (cents). Nothing in the money path may pass through a float.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// BasisPointsDenominator is the number of basis points in 100%.
const BasisPointsDenominator = 10000

// halfDenominator is the rounding offset for half-up division by the
// denominator.
const halfDenominator = BasisPointsDenominator / 2

// ErrAmountOutOfRange is returned when basis-point math would leave the
// int64 minor-unit range.
var ErrAmountOutOfRange = errors.New("money: amount out of range for basis-point math")

// ParseError is returned when an external decimal string cannot be parsed.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("money: cannot parse %q: %s", e.Input, e.Reason)
}

// ApplyBasisPoints returns amount scaled by bps, rounded half-up to the
// nearest minor unit. 10000 bps = 100%. Both inputs must be non-negative
// and the product amount*bps must fit in an int64.
func ApplyBasisPoints(amount, bps int64) (int64, error) {
	if amount < 0 || bps < 0 {
		return 0, ErrAmountOutOfRange
	}
	if bps > 0 && amount > (math.MaxInt64-halfDenominator)/bps {
		return 0, ErrAmountOutOfRange
	}
	return (amount*bps + halfDenominator) / BasisPointsDenominator, nil
}

// ApplyMarkup returns amount plus a bps markup on it.
func ApplyMarkup(amount, bps int64) (int64, error) {
	fee, err := ApplyBasisPoints(amount, bps)
	if err != nil {
		return 0, err
	}
	if amount > math.MaxInt64-fee {
		return 0, ErrAmountOutOfRange
	}
	return amount + fee, nil
}

// Split divides amount into n parts that always sum exactly to amount.
// Remainder cents go to the first parts.
func Split(amount int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	base := amount / int64(n)
	remainder := amount - base*int64(n)
	parts := make([]int64, n)
	for i := range parts {
		parts[i] = base
		if remainder > 0 {
			parts[i]++
			remainder--
		}
	}
	return parts
}

// ParseMinorUnits parses a decimal string such as "123.45" into minor units
// (12345). It never truncates: malformed input fails with a *ParseError.
func ParseMinorUnits(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, &ParseError{Input: s, Reason: "empty string"}
	}

	negative := false
	if trimmed[0] == '-' || trimmed[0] == '+' {
		negative = trimmed[0] == '-'
		trimmed = trimmed[1:]
	}

	whole, frac := trimmed, ""
	if i := strings.IndexByte(trimmed, '.'); i >= 0 {
		whole, frac = trimmed[:i], trimmed[i+1:]
		if strings.IndexByte(frac, '.') >= 0 {
			return 0, &ParseError{Input: s, Reason: "more than one decimal point"}
		}
	}
	if whole == "" && frac == "" {
		return 0, &ParseError{Input: s, Reason: "no digits"}
	}
	if len(frac) > 2 {
		return 0, &ParseError{Input: s, Reason: "more than two fractional digits"}
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var units int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, &ParseError{Input: s, Reason: "non-digit character"}
		}
		units = units*10 + int64(c-'0')
	}
	if negative {
		units = -units
	}
	return units, nil
}

// ParseAmount parses a plain integer minor-unit string as money fields cross
// the API boundary ("12345" = 12345 cents).
func ParseAmount(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, &ParseError{Input: s, Reason: "empty string"}
	}
	negative := false
	if trimmed[0] == '-' || trimmed[0] == '+' {
		negative = trimmed[0] == '-'
		trimmed = trimmed[1:]
	}
	if trimmed == "" {
		return 0, &ParseError{Input: s, Reason: "no digits"}
	}
	var units int64
	for _, c := range trimmed {
		if c < '0' || c > '9' {
			return 0, &ParseError{Input: s, Reason: "non-digit character"}
		}
		units = units*10 + int64(c-'0')
	}
	if negative {
		units = -units
	}
	return units, nil
}

// FormatAmount renders minor units as the integer string used on the API
// boundary.
func FormatAmount(units int64) string {
	return fmt.Sprintf("%d", units)
}

// Sum adds amounts without any intermediate conversion.
func Sum(amounts ...int64) int64 {
	var total int64
	for _, a := range amounts {
		total += a
	}
	return total
}

// Min returns the smaller of two amounts.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of two amounts.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
