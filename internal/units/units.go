// Package units converts between fixed-point token amounts and their
// human-readable decimal form.
//
// All on-ledger amounts are integers in the token's smallest unit. The
// number of decimals is a property of the token contract and is passed in
// explicitly; conversions are pure.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// DefaultDecimals matches the stablecoins the escrow is deployed against.
const DefaultDecimals = 6

var (
	ErrEmptyAmount    = errors.New("units: empty amount")
	ErrInvalidAmount  = errors.New("units: invalid amount")
	ErrNegativeAmount = errors.New("units: negative amounts not allowed")
)

// Parse converts a decimal string ("12.5") into smallest units. Digits past
// the token's precision are truncated, never rounded.
func Parse(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyAmount
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegativeAmount
	}
	s = strings.TrimPrefix(s, "+")

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	whole, frac := parts[0], ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	d := int(decimals)
	if len(frac) > d {
		frac = frac[:d]
	}
	frac += strings.Repeat("0", d-len(frac))

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return result, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string, decimals uint8) *big.Int {
	v, err := Parse(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders smallest units as a decimal string with trailing zeros
// trimmed ("12.5", "3", "0.000001").
func Format(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()

	d := int(decimals)
	if d > 0 {
		if len(s) <= d {
			s = strings.Repeat("0", d-len(s)+1) + s
		}
		point := len(s) - d
		whole, frac := s[:point], strings.TrimRight(s[point:], "0")
		s = whole
		if frac != "" {
			s += "." + frac
		}
	}
	if neg {
		s = "-" + s
	}
	return s
}

// Scale returns 10^decimals.
func Scale(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
