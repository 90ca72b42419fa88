package web3

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ParseUnits converts a human decimal amount into base units, truncating
// digits beyond the token's precision.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	r, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative: %s", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// ParseFloatUnits is ParseUnits for amounts that arrive as JSON numbers.
func ParseFloatUnits(amount float64, decimals int) (*big.Int, error) {
	return ParseUnits(strconv.FormatFloat(amount, 'f', -1, 64), decimals)
}

// FormatUnits renders base units as a decimal string without trailing zeros.
func FormatUnits(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r := new(big.Rat).SetFrac(value, scale)
	out := r.FloatString(decimals)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	}
	return out
}
