package payout

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultTokenDecimals is USDC's precision. The pool emits amounts in the
// token's smallest unit (1 USDC = 1,000,000 units).
const DefaultTokenDecimals = 6

// fiatDecimals is the precision PayPal accepts for USD.
const fiatDecimals = 2

// ToFiat converts an amount in token units into a PayPal amount string with
// two decimals, truncating toward zero. The truncated remainder is returned
// in token units so callers can account for it.
//
// With 6 token decimals, 12_345_678 units become "12.34" with 5_678 dust.
func ToFiat(units *big.Int, tokenDecimals int32) (value string, dust *big.Int) {
	if units == nil || units.Sign() <= 0 {
		return "0.00", new(big.Int)
	}

	d := decimal.NewFromBigInt(units, -tokenDecimals)
	paid := d.Truncate(fiatDecimals)

	if tokenDecimals <= fiatDecimals {
		return paid.StringFixed(fiatDecimals), new(big.Int)
	}
	dust = d.Sub(paid).Shift(tokenDecimals).BigInt()
	return paid.StringFixed(fiatDecimals), dust
}

// FormatUnits renders token units as a decimal string at full precision,
// e.g. 1_500_000 → "1.500000".
func FormatUnits(units *big.Int, tokenDecimals int32) string {
	if units == nil {
		units = new(big.Int)
	}
	return decimal.NewFromBigInt(units, -tokenDecimals).StringFixed(tokenDecimals)
}

// SumFiat adds PayPal amount strings exactly.
func SumFiat(values ...string) (string, error) {
	total := decimal.Zero
	for _, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return "", err
		}
		total = total.Add(d)
	}
	return total.StringFixed(fiatDecimals), nil
}
