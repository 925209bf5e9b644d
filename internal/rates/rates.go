package rates

import (
	"context"
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned whenever a price needed for a conversion cannot
// be produced. The payment lifecycle treats it as retryable.
var ErrUnavailable = errors.New("rates unavailable")

// Asset is the code/scale pair conversions are denominated in.
type Asset struct {
	Code  string
	Scale uint8
}

// Service quotes prices and converts integer amounts between assets. Prices
// are expressed against a common reference currency: price[code] is the value
// of one whole unit of code.
type Service interface {
	Prices(ctx context.Context) (map[string]decimal.Decimal, error)
	Convert(ctx context.Context, amount uint64, source, destination Asset, slippage decimal.Decimal) (uint64, error)
}

// Static serves a fixed price table. Used by tests and memory-store dev mode.
type Static struct {
	prices map[string]decimal.Decimal
}

func NewStatic(prices map[string]decimal.Decimal) *Static {
	cp := make(map[string]decimal.Decimal, len(prices))
	for code, price := range prices {
		cp[code] = price
	}
	return &Static{prices: cp}
}

func (s *Static) Prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(s.prices))
	for code, price := range s.prices {
		out[code] = price
	}
	return out, nil
}

func (s *Static) Convert(ctx context.Context, amount uint64, source, destination Asset, slippage decimal.Decimal) (uint64, error) {
	return Convert(s.prices, amount, source, destination, slippage)
}

// Convert applies price ratio, scale shift and slippage, flooring the result.
// Integer in, integer out; no floats anywhere.
func Convert(prices map[string]decimal.Decimal, amount uint64, source, destination Asset, slippage decimal.Decimal) (uint64, error) {
	rate, err := Rate(prices, source, destination)
	if err != nil {
		return 0, err
	}
	if slippage.IsPositive() {
		rate = rate.Mul(decimal.NewFromInt(1).Sub(slippage))
	}

	converted := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0).Mul(rate).Floor()
	bi := converted.BigInt()
	if bi.Sign() < 0 || !bi.IsUint64() {
		return 0, ErrUnavailable
	}
	return bi.Uint64(), nil
}

// Rate returns destination units per source unit for the given assets.
func Rate(prices map[string]decimal.Decimal, source, destination Asset) (decimal.Decimal, error) {
	srcPrice, ok := prices[source.Code]
	if !ok || !srcPrice.IsPositive() {
		return decimal.Zero, ErrUnavailable
	}
	dstPrice, ok := prices[destination.Code]
	if !ok || !dstPrice.IsPositive() {
		return decimal.Zero, ErrUnavailable
	}

	rate := srcPrice.DivRound(dstPrice, 24)
	scaleDiff := int32(destination.Scale) - int32(source.Scale)
	if scaleDiff != 0 {
		rate = rate.Shift(scaleDiff)
	}
	return rate, nil
}
