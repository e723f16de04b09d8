package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// WeiDecimals is the number of decimals of the native ONE token.
const WeiDecimals = 18

// ToONE converts wei to ONE. With roundUp the result is rounded up to two
// decimal places, which is how prices are shown to users.
func ToONE(wei *big.Int, roundUp bool) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	value := decimal.NewFromBigInt(wei, -WeiDecimals)
	if roundUp {
		return value.RoundCeil(2)
	}
	return value
}

// PriceInONE converts a price in cents to wei at rate USD per ONE. A
// non-positive rate yields zero; callers treat that as "on-chain unavailable".
func PriceInONE(cents int64, rate decimal.Decimal) *big.Int {
	if cents <= 0 || !rate.IsPositive() {
		return new(big.Int)
	}

	// cents / 100 / rate * 1e18
	wei := decimal.NewFromInt(cents).Shift(WeiDecimals - 2).Div(rate).Round(0)
	return wei.BigInt()
}
