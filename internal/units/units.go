package units

import (
	"fmt"
	"math/big"
	"strings"
)

// Pow10 returns 10^n as a big integer.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Format renders a raw token amount as a decimal string, trimming trailing
// zeros. External operation scripts take human-readable amounts.
func Format(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}

	neg := raw.Sign() < 0
	abs := new(big.Int).Abs(raw)

	quo, rem := new(big.Int).QuoRem(abs, Pow10(decimals), new(big.Int))
	out := quo.String()
	if rem.Sign() != 0 {
		frac := fmt.Sprintf("%0*s", decimals, rem.String())
		frac = strings.TrimRight(frac, "0")
		if frac != "" {
			out += "." + frac
		}
	}
	if neg {
		out = "-" + out
	}
	return out
}

// Parse converts a decimal string into a raw token amount. Excess fractional
// digits are rejected rather than silently truncated.
func Parse(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	raw, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if neg {
		raw.Neg(raw)
	}
	return raw, nil
}

// Fraction returns raw*numerator/denominator using integer arithmetic.
func Fraction(raw *big.Int, numerator, denominator int64) *big.Int {
	out := new(big.Int).Mul(raw, big.NewInt(numerator))
	return out.Quo(out, big.NewInt(denominator))
}
