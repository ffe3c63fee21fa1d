// Package money provides shared amount parsing, formatting, and fee math.
//
// Amounts use 2 decimal places and are stored as big.Int in the smallest
// unit (1.00 = 100 cents). The platform fee is expressed in basis points
// (1500 bps = 15%). All arithmetic is integer arithmetic in cents.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// BpsDenominator is the basis-point scale (10000 bps = 100%).
const BpsDenominator = 10000

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (150). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
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
	if whole == "" && frac == "" {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}

	// Pad or trim to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 2 decimal places (e.g. "85.00").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether s parses to a strictly positive amount.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Split divides amount into the seller payout and the platform fee for the
// given fee rate in basis points. The payout is floor(amount*(10000-bps)/10000)
// in cents; the fee is the remainder, so payout+fee == amount always holds.
// Returns ("", "", false) if the amount is invalid or bps is out of [0, 10000).
func Split(amount string, feeBps int) (payout, fee string, ok bool) {
	if feeBps < 0 || feeBps >= BpsDenominator {
		return "", "", false
	}
	total, valid := Parse(amount)
	if !valid {
		return "", "", false
	}

	p := new(big.Int).Mul(total, big.NewInt(int64(BpsDenominator-feeBps)))
	p.Div(p, big.NewInt(BpsDenominator))
	f := new(big.Int).Sub(total, p)

	return Format(p), Format(f), true
}
