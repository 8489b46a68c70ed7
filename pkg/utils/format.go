// Package utils provides shared utility functions.
package utils

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatMoney formats an amount with thousands separators and two decimals,
// prefixed by the currency code when one is given.
func FormatMoney(amount decimal.Decimal, currency string) string {
	negative := amount.IsNegative()
	str := amount.Abs().StringFixed(2)

	intPart, decPart, _ := strings.Cut(str, ".")
	result := groupThousands(intPart) + "." + decPart
	if currency != "" {
		result = currency + " " + result
	}
	if negative {
		result = "-" + result
	}
	return result
}

func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	var b strings.Builder
	lead := n % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatSignedMoney formats an amount with an explicit sign for credits.
func FormatSignedMoney(amount decimal.Decimal, currency string) string {
	formatted := FormatMoney(amount, currency)
	if amount.IsPositive() {
		return "+" + formatted
	}
	return formatted
}

// FormatWeight renders a fractional weight as a percentage.
func FormatWeight(w decimal.Decimal) string {
	return w.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

// Truncate shortens s to max runes, adding an ellipsis when cut.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
