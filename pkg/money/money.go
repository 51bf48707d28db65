// Package money provides integer-cent currency arithmetic and display
// formatting. Monetary values never pass through floating point.
package money

import (
	"errors"
	"fmt"
	"strconv"
)

// Cents is an integer currency amount in the smallest unit.
type Cents int64

// ErrNegativeCents rejects negative amounts where only non-negative values are valid.
var ErrNegativeCents = errors.New("negative cents")

const (
	centsPerUnit   = 100
	currencySymbol = "$"
)

// NewNonNegativeCents validates a raw amount as zero or positive.
func NewNonNegativeCents(raw int64) (Cents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeCents, raw)
	}
	return Cents(raw), nil
}

// Int64 returns the raw cent count.
func (amount Cents) Int64() int64 {
	return int64(amount)
}

// Fraction returns floor(amount * numerator / denominator). Flooring keeps
// percentage-of-bill caps from granting a cent beyond the intended limit.
func Fraction(amount Cents, numerator int64, denominator int64) Cents {
	if denominator == 0 {
		return 0
	}
	product := int64(amount) * numerator
	quotient := product / denominator
	// Integer division truncates toward zero; push negative results down.
	if product%denominator != 0 && (product < 0) != (denominator < 0) {
		quotient--
	}
	return Cents(quotient)
}

// Format renders a cent amount as a decimal currency string, e.g. "$12.34".
func Format(amount Cents) string {
	sign := ""
	value := int64(amount)
	if value < 0 {
		sign = "-"
		value = -value
	}
	return fmt.Sprintf("%s%s%d.%02d", sign, currencySymbol, value/centsPerUnit, value%centsPerUnit)
}

// FormatCompact renders like Format but drops a trailing ".00".
func FormatCompact(amount Cents) string {
	if amount%centsPerUnit == 0 {
		sign := ""
		value := int64(amount)
		if value < 0 {
			sign = "-"
			value = -value
		}
		return sign + currencySymbol + strconv.FormatInt(value/centsPerUnit, 10)
	}
	return Format(amount)
}
