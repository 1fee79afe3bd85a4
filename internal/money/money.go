// Package money provides shared fixed-point amount parsing and formatting.
//
// Two scales are used throughout the engine: fiat amounts carry 2 decimal
// places (stored in cents), coin amounts carry 6 decimal places (stored in
// the smallest on-chain unit). All arithmetic happens on big.Int in the
// smallest unit; amounts cross package boundaries as decimal strings.
package money

import (
	"math/big"
	"strings"
)

const (
	// FiatDecimals is the scale for fiat amounts (1 unit = 1 cent).
	FiatDecimals = 2
	// CoinDecimals is the scale for coin amounts.
	CoinDecimals = 6
)

// Parse converts a decimal string to its smallest-unit big.Int
// representation at the given scale. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to the scale
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// `decimals` fractional digits (e.g. Format(1500, 2) == "15.00").
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0." + strings.Repeat("0", decimals)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// ParseFiat parses a 2-decimal fiat amount string.
func ParseFiat(s string) (*big.Int, bool) { return Parse(s, FiatDecimals) }

// ParseCoin parses a 6-decimal coin amount string.
func ParseCoin(s string) (*big.Int, bool) { return Parse(s, CoinDecimals) }

// FormatFiat formats a cent amount as a 2-decimal string.
func FormatFiat(amount *big.Int) string { return Format(amount, FiatDecimals) }

// FormatCoin formats a smallest-unit coin amount as a 6-decimal string.
func FormatCoin(amount *big.Int) string { return Format(amount, CoinDecimals) }

// MulQty multiplies a smallest-unit amount by an item quantity.
func MulQty(unit *big.Int, qty int) *big.Int {
	return new(big.Int).Mul(unit, big.NewInt(int64(qty)))
}

// Sum adds smallest-unit amounts.
func Sum(amounts ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return total
}

// IsZero reports whether a decimal amount string parses to zero at the
// given scale. Invalid strings report false.
func IsZero(s string, decimals int) bool {
	v, ok := Parse(s, decimals)
	return ok && v.Sign() == 0
}
