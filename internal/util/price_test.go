package util

import (
	"math"
	"testing"
)

func TestPipSize(t *testing.T) {
	tests := []struct {
		name     string
		point    float64
		expected float64
	}{
		{"five digit fx", 0.00001, 0.0001},
		{"three digit jpy", 0.001, 0.01},
		{"two digit index", 0.01, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PipSize(tt.point); math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("PipSize(%v) = %v, expected %v", tt.point, got, tt.expected)
			}
		})
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{"basic rounding down", 1.2345, 0.01, 1.23},
		{"tie rounds away from zero", 1.235, 0.01, 1.24},
		{"larger tick size", 1.27, 0.05, 1.25},
		{"exact multiple", 1.25, 0.05, 1.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoundToTick(tt.x, tt.tick); math.Abs(got-tt.expected) > 1e-10 {
				t.Errorf("RoundToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, got, tt.expected)
			}
		})
	}

	t.Run("zero tick returns input", func(t *testing.T) {
		if got := RoundToTick(1.2345, 0); got != 1.2345 {
			t.Errorf("RoundToTick(1.2345, 0) = %v, expected input", got)
		}
	})
}

func TestRound2(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		expected float64
	}{
		{"truncates fractional cents", 1234.5678, 1234.57},
		{"exact value unchanged", 99.10, 99.10},
		{"negative pnl", -0.005, -0.01},
		{"float noise", 0.1 + 0.2, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Round2(tt.x); math.Abs(got-tt.expected) > 1e-10 {
				t.Errorf("Round2(%v) = %v, expected %v", tt.x, got, tt.expected)
			}
		})
	}

	t.Run("NaN passes through", func(t *testing.T) {
		if got := Round2(math.NaN()); !math.IsNaN(got) {
			t.Errorf("Round2(NaN) = %v, expected NaN", got)
		}
	})
}

func TestRoundPrice(t *testing.T) {
	if got := RoundPrice(1.100049, 5); math.Abs(got-1.10005) > 1e-12 {
		t.Errorf("RoundPrice = %v, expected 1.10005", got)
	}
	if got := RoundPrice(1.100049, -1); got != 1.100049 {
		t.Errorf("negative digits should pass through, got %v", got)
	}
}

func TestNormalizeLot(t *testing.T) {
	tests := []struct {
		name     string
		lot      float64
		expected float64
	}{
		{"already normalized", 0.01, 0.01},
		{"rounds to volume step", 0.014, 0.01},
		{"rounds up at midpoint", 0.015, 0.02},
		{"below minimum clamps", 0.001, 0.01},
		{"zero clamps", 0, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeLot(tt.lot); math.Abs(got-tt.expected) > 1e-10 {
				t.Errorf("NormalizeLot(%v) = %v, expected %v", tt.lot, got, tt.expected)
			}
		})
	}
}
