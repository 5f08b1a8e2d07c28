package x402

import (
	"math/big"
	"strconv"
	"strings"
)

const (
	// LamportsPerSOL is the smallest-unit conversion factor for SOL.
	LamportsPerSOL uint64 = 1_000_000_000

	// SolanaDecimals is the number of decimals of the native SOL unit.
	SolanaDecimals = 9

	// EVMDecimals is the number of decimals of USDC, the default eip155 asset.
	EVMDecimals = 6

	// atomicHeuristicThreshold separates whole-currency amounts from
	// smallest-unit amounts when the wire format carries no unit.
	atomicHeuristicThreshold = 1000
)

// ToAtomic converts a wire amount into smallest units.
//
// An explicit unit always wins. Without one, fractional values are whole
// currency, integers above 1000 are already in smallest units, and
// integers at or below 1000 are whole currency scaled by 10^decimals.
// Whole-currency amounts that do not land on an integer number of smallest
// units are rounded down.
func ToAtomic(amount string, unit AmountUnit, decimals int) (uint64, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return 0, NewPaymentError(KindInvalidPaymentRequirement, ErrCodeInvalidRequirement, "amount is empty", nil)
	}

	value, ok := new(big.Rat).SetString(s)
	if !ok {
		return 0, NewPaymentError(KindInvalidPaymentRequirement, ErrCodeInvalidRequirement, "amount is not numeric", map[string]interface{}{"amount": amount})
	}
	if value.Sign() < 0 {
		return 0, NewPaymentError(KindInvalidPaymentRequirement, ErrCodeInvalidRequirement, "amount is negative", map[string]interface{}{"amount": amount})
	}

	if unit == UnitUnspecified {
		unit = guessUnit(value)
	}

	var atomic *big.Int
	switch unit {
	case UnitAtomic:
		if !value.IsInt() {
			return 0, NewPaymentError(KindInvalidPaymentRequirement, ErrCodeInvalidRequirement, "smallest-unit amount must be an integer", map[string]interface{}{"amount": amount})
		}
		atomic = new(big.Int).Set(value.Num())
	case UnitWhole:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
		scaled := new(big.Rat).Mul(value, new(big.Rat).SetInt(scale))
		atomic = new(big.Int).Quo(scaled.Num(), scaled.Denom())
	default:
		return 0, NewPaymentError(KindInvalidPaymentRequirement, ErrCodeInvalidRequirement, "unknown amount unit", map[string]interface{}{"unit": string(unit)})
	}

	if !atomic.IsUint64() {
		return 0, NewPaymentError(KindInvalidPaymentRequirement, ErrCodeInvalidRequirement, "amount overflows 64 bits", map[string]interface{}{"amount": amount})
	}
	return atomic.Uint64(), nil
}

func guessUnit(value *big.Rat) AmountUnit {
	if !value.IsInt() {
		return UnitWhole
	}
	if value.Cmp(new(big.Rat).SetInt64(atomicHeuristicThreshold)) > 0 {
		return UnitAtomic
	}
	return UnitWhole
}

// WholeToAtomic converts a float whole-currency amount (e.g. 0.1 SOL) to
// smallest units. It is meant for configuration values, not wire amounts.
func WholeToAtomic(whole float64, decimals int) uint64 {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(whole, 'f', -1, 64))
	if !ok || r.Sign() <= 0 {
		return 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	n := new(big.Int).Quo(r.Num(), r.Denom())
	if !n.IsUint64() {
		return 0
	}
	return n.Uint64()
}

// FormatAtomic renders smallest units as a whole-currency decimal string.
func FormatAtomic(atomic uint64, decimals int) string {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r := new(big.Rat).SetFrac(new(big.Int).SetUint64(atomic), scale)
	out := r.FloatString(decimals)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	}
	return out
}
