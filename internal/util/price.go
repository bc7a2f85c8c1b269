// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment, with a small
// epsilon so values sitting just under a boundary from float error stay on
// that boundary.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	const eps = 1e-9
	return math.Floor(x/tick+eps) * tick
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	const eps = 1e-9
	return math.Ceil(x/tick-eps) * tick
}

// PremiumTick returns the minimum price increment for an option premium:
// nickels under $3.00, dimes at or above.
func PremiumTick(premium float64) float64 {
	if premium < 3.00 {
		return 0.05
	}
	return 0.10
}
