// pkg/converter/amounts.go
package converter

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountPlaces is the number of decimal places a canonical amount carries
const AmountPlaces = 2

var amountNoise = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", ",", "", " ", "", "\u00a0", "")

// ParseAmount parses a plain decimal number
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("cannot parse %q as amount: %w", s, err)
	}
	return d, nil
}

// ParseLenientAmount also accepts currency symbols, thousands separators and
// accounting negatives written as "(123.45)"
func ParseLenientAmount(s string) (decimal.Decimal, error) {
	cleaned := amountNoise.Replace(strings.TrimSpace(s))
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		cleaned = "-" + strings.TrimSuffix(strings.TrimPrefix(cleaned, "("), ")")
	}
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("cannot parse %q as amount: empty", s)
	}
	return ParseAmount(cleaned)
}

// FormatAmount renders an amount in canonical form
func FormatAmount(d decimal.Decimal) string {
	return d.Round(AmountPlaces).StringFixed(AmountPlaces)
}

// CanonicalAmount returns the canonical text of a lenient amount
func CanonicalAmount(s string) (string, error) {
	d, err := ParseLenientAmount(s)
	if err != nil {
		return "", err
	}
	return FormatAmount(d), nil
}
