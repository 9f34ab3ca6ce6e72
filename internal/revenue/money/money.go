// Package money holds decimal helpers bound to ISO 4217 minor units.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const defaultScale int32 = 2

// Scale returns the number of minor-unit digits for an ISO currency code.
// Unknown or empty codes fall back to two digits.
func Scale(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return defaultScale
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// Round rounds amount to the minor unit of the currency.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(Scale(code))
}

// MinorUnit returns the smallest representable amount for the currency, e.g. 0.01 for USD.
func MinorUnit(code string) decimal.Decimal {
	return decimal.New(1, -Scale(code))
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Valid reports whether code is a recognised ISO 4217 currency.
func Valid(code string) bool {
	_, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	return err == nil
}

// FitsScale reports whether amount has no more decimal places than the currency allows.
func FitsScale(amount decimal.Decimal, code string) bool {
	return amount.Equal(Round(amount, code))
}
