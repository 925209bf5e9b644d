package payments

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

func dec(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// ceilMul rounds up: used for the delivered-so-far estimate, where per-packet
// rate enforcement guarantees delivered >= sent*minRate and delivered is
// integral, so the ceiling is still a sound lower bound.
func ceilMul(amount uint64, rate decimal.Decimal) uint64 {
	return toUint(dec(amount).Mul(rate).Ceil())
}

// ceilDiv rounds up: source budgets must always cover the delivery target.
func ceilDiv(amount uint64, rate decimal.Decimal) uint64 {
	if !rate.IsPositive() {
		return 0
	}
	return toUint(dec(amount).DivRound(rate, 24).Ceil())
}

func toUint(d decimal.Decimal) uint64 {
	bi := d.BigInt()
	if bi.Sign() < 0 {
		return 0
	}
	if !bi.IsUint64() {
		return math.MaxUint64
	}
	return bi.Uint64()
}
