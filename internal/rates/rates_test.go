package rates_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payflow/internal/rates"
)

func prices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"EUR": decimal.NewFromInt(2),
	}
}

func TestRate(t *testing.T) {
	rate, err := rates.Rate(prices(), rates.Asset{Code: "USD", Scale: 2}, rates.Asset{Code: "EUR", Scale: 2})
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.RequireFromString("0.5")), "got %s", rate)
}

func TestRateScaleShift(t *testing.T) {
	// Same price, destination has two more decimal places: one source unit
	// is worth 100 destination units.
	rate, err := rates.Rate(prices(), rates.Asset{Code: "USD", Scale: 2}, rates.Asset{Code: "USD", Scale: 4})
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.NewFromInt(100)), "got %s", rate)
}

func TestConvertFloors(t *testing.T) {
	// 123 * 0.5 = 61.5 floors to 61.
	out, err := rates.Convert(prices(), 123, rates.Asset{Code: "USD", Scale: 2}, rates.Asset{Code: "EUR", Scale: 2}, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, uint64(61), out)
}

func TestConvertAppliesSlippage(t *testing.T) {
	slippage := decimal.RequireFromString("0.01")
	// 123 * 0.5 * 0.99 = 60.885 floors to 60.
	out, err := rates.Convert(prices(), 123, rates.Asset{Code: "USD", Scale: 2}, rates.Asset{Code: "EUR", Scale: 2}, slippage)
	require.NoError(t, err)
	require.Equal(t, uint64(60), out)
}

func TestMissingPriceIsUnavailable(t *testing.T) {
	_, err := rates.Rate(prices(), rates.Asset{Code: "USD"}, rates.Asset{Code: "GBP"})
	require.ErrorIs(t, err, rates.ErrUnavailable)

	_, err = rates.Convert(prices(), 10, rates.Asset{Code: "GBP"}, rates.Asset{Code: "USD"}, decimal.Zero)
	require.ErrorIs(t, err, rates.ErrUnavailable)
}

func TestStaticService(t *testing.T) {
	svc := rates.NewStatic(prices())
	out, err := svc.Convert(context.Background(), 200, rates.Asset{Code: "EUR", Scale: 2}, rates.Asset{Code: "USD", Scale: 2}, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, uint64(400), out)
}
