// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math"
	"math/big"
)

// XMRAtomicUnits is the number of Monero atomic units per whole XMR (12 decimals).
const XMRAtomicUnits = 1_000_000_000_000

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1" (1 BTC).
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}

	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// ParseAmount parses a decimal string to smallest units.
// For example, ParseAmount("1", 8) returns 100000000 (1 BTC in satoshis).
func ParseAmount(s string, decimals uint8) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	var wholeStr, fracStr string
	for i, c := range s {
		if c == '.' {
			wholeStr = s[:i]
			fracStr = s[i+1:]
			break
		}
	}
	if wholeStr == "" {
		wholeStr = s
	}

	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		fracStr = fracStr[:decimals]
	}

	combined := wholeStr + fracStr
	amount := new(big.Int)
	_, ok := amount.SetString(combined, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}

	if !amount.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	return amount.Uint64(), nil
}

// XMRToAtomic converts a whole-XMR float amount to atomic units (1 XMR = 1e12).
// Negative or non-finite input converts to 0.
func XMRToAtomic(xmr float64) uint64 {
	if xmr <= 0 || math.IsNaN(xmr) || math.IsInf(xmr, 0) {
		return 0
	}
	return uint64(math.Round(xmr * XMRAtomicUnits))
}

// AtomicToXMR converts atomic units to a whole-XMR float amount.
func AtomicToXMR(atomic uint64) float64 {
	return float64(atomic) / XMRAtomicUnits
}

// FormatXMR formats atomic units as a trimmed XMR decimal string.
func FormatXMR(atomic uint64) string {
	return FormatAmount(atomic, 12)
}

// ParseXMR parses an XMR decimal string into atomic units.
func ParseXMR(s string) (uint64, error) {
	return ParseAmount(s, 12)
}
