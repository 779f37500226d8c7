package engine

import (
	"github.com/shopspring/decimal"
)

// RoundToStep rounds value to the nearest multiple of step, half away from zero.
// A non-positive step returns value unchanged.
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	f, _ := decimal.NewFromFloat(value).Div(s).Round(0).Mul(s).Float64()
	return f
}

// CeilToStep rounds value up to the next multiple of step.
func CeilToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	s := decimal.NewFromFloat(step)
	f, _ := decimal.NewFromFloat(value).Div(s).Ceil().Mul(s).Float64()
	return f
}

// RoundQty rounds a quantity to the lot step and never returns less than one step.
func RoundQty(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	rounded := RoundToStep(qty, step)
	if rounded < step {
		return step
	}
	return rounded
}

// RoundPrice rounds to the instrument tick when known, otherwise to a fixed number of decimals.
func RoundPrice(price, tick float64, precision int32) float64 {
	if tick > 0 {
		return RoundToStep(price, tick)
	}
	f, _ := decimal.NewFromFloat(price).Round(precision).Float64()
	return f
}

// Round2 is used for presentation values in status snapshots.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
