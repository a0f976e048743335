package math

import "math/big"

// MaxBps is the basis-point denominator: 10000 bps == 100%.
const MaxBps int64 = 10_000

var (
	maxBps = big.NewInt(MaxBps)

	// ExpScale is the 1e18 fixed-point scale shared by token amounts,
	// USD values and oracle prices.
	ExpScale = big.NewInt(1_000_000_000_000_000_000)
)

// ValidBps reports whether bps is a usable bid value (0 < bps <= 10000).
func ValidBps(bps int64) bool {
	return bps > 0 && bps <= MaxBps
}

// UsdValue converts a token amount to its USD value at the given
// 1e18-scaled price: price * amount / 1e18. Inputs are not mutated.
func UsdValue(price, amount *big.Int) *big.Int {
	v := new(big.Int).Mul(price, amount)
	return v.Quo(v, ExpScale)
}

// TokenAmount converts a USD value back to token units at the given
// 1e18-scaled price: usd * 1e18 / price. Inputs are not mutated; price
// must be positive.
func TokenAmount(price, usd *big.Int) *big.Int {
	v := new(big.Int).Mul(usd, ExpScale)
	return v.Quo(v, price)
}

// ApplyBps returns amount * bps / 10000, truncated toward zero.
func ApplyBps(amount *big.Int, bps int64) *big.Int {
	v := new(big.Int).Mul(amount, big.NewInt(bps))
	return v.Quo(v, maxBps)
}

// AddBpsPremium returns amount * (10000 + bps) / 10000, truncated.
// Used to load a value with an incentive expressed in basis points.
func AddBpsPremium(amount *big.Int, bps int64) *big.Int {
	v := new(big.Int).Mul(amount, big.NewInt(MaxBps+bps))
	return v.Quo(v, maxBps)
}

// StartBidBps computes the opening bid floor for a debt-heavy auction:
//
//	10000^2 * riskFundValue / (poolBadDebt * (10000 + incentiveBps))
//
// i.e. the fraction of the pool's debt a bidder must repay to claim the
// entire risk fund, net of the repayment incentive. The caller only
// invokes this when riskFundValue <= poolBadDebt plus the incentive, so
// the result is always in (0, 10000]. poolBadDebt must be positive.
func StartBidBps(riskFundValue, poolBadDebt *big.Int, incentiveBps int64) int64 {
	num := new(big.Int).Mul(maxBps, maxBps)
	num.Mul(num, riskFundValue)

	den := new(big.Int).Mul(poolBadDebt, big.NewInt(MaxBps+incentiveBps))

	return num.Quo(num, den).Int64()
}

// IsZero reports whether v is nil or exactly zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Clone returns a defensive copy of v, treating nil as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
