// Package util provides common utility functions for price and lot math.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// PipFactor converts a symbol point into the engine's pip unit. A pip is ten
// points on the terminals this system drives.
const PipFactor = 10

// PipSize returns the pip for a symbol point.
func PipSize(point float64) float64 {
	return point * PipFactor
}

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// Round2 rounds a monetary value to two decimal places, the precision the
// remote store keeps for balance, equity, margin and profit.
func Round2(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	f, _ := decimal.NewFromFloat(x).Round(2).Float64()
	return f
}

// RoundPrice rounds a price to the symbol's digit count.
func RoundPrice(x float64, digits int) float64 {
	if digits < 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	f, _ := decimal.NewFromFloat(x).Round(int32(digits)).Float64()
	return f
}

// NormalizeLot clamps a lot size to the broker's two-decimal volume step,
// never below the minimum tradable lot.
func NormalizeLot(lot float64) float64 {
	f, _ := decimal.NewFromFloat(lot).Round(2).Float64()
	if f < 0.01 {
		return 0.01
	}
	return f
}
