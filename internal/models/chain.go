package models

import (
	"math"
	"time"
)

// OptionType represents the type of option contract.
type OptionType string

const (
	// OptionTypePut represents a put option contract.
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract.
	OptionTypeCall OptionType = "call"
)

// LegSource records the provenance of an option leg's pricing and Greeks.
// Consumers that size risk off Greeks can refuse SourceModel legs outright.
type LegSource string

const (
	// SourceBroker marks values reported by the brokerage.
	SourceBroker LegSource = "broker-reported"
	// SourceModel marks values filled in by the closed-form pricing fallback.
	SourceModel LegSource = "model-approximated"
)

// OptionLeg holds pricing, Greeks and liquidity for one side of a strike.
type OptionLeg struct {
	Symbol       string
	Bid          float64
	Ask          float64
	Mark         float64
	Delta        float64
	Gamma        float64
	Theta        float64
	Vega         float64
	Rho          float64
	IV           float64
	Volume       int64
	OpenInterest int64
	Intrinsic    float64
	Extrinsic    float64
	Source       LegSource
}

// Strike pairs the call and put legs at one strike price.
type Strike struct {
	Price     float64
	Moneyness float64
	Call      OptionLeg
	Put       OptionLeg
}

// Expiration is one expiration cycle with its strikes sorted ascending.
type Expiration struct {
	Date    time.Time
	DTE     int
	Strikes []Strike
}

// OptionChain is the canonical normalized chain for one underlying.
type OptionChain struct {
	Underlying      string
	UnderlyingPrice float64
	Expirations     []Expiration
}

// NearestStrike returns the strike closest to price, or nil for an empty
// expiration.
func (e *Expiration) NearestStrike(price float64) *Strike {
	var best *Strike
	bestDiff := math.MaxFloat64
	for i := range e.Strikes {
		diff := math.Abs(e.Strikes[i].Price - price)
		if diff < bestDiff {
			bestDiff = diff
			best = &e.Strikes[i]
		}
	}
	return best
}

// StrikeAt returns the strike at exactly price (within epsilon), or nil.
func (e *Expiration) StrikeAt(price float64) *Strike {
	const eps = 1e-4
	for i := range e.Strikes {
		if math.Abs(e.Strikes[i].Price-price) <= eps {
			return &e.Strikes[i]
		}
	}
	return nil
}

// ExpirationOn returns the expiration for the given date, or nil.
func (c *OptionChain) ExpirationOn(date time.Time) *Expiration {
	y, m, d := date.Date()
	for i := range c.Expirations {
		ey, em, ed := c.Expirations[i].Date.Date()
		if ey == y && em == m && ed == d {
			return &c.Expirations[i]
		}
	}
	return nil
}

// Moneyness computes (strike - underlying) / underlying.
func Moneyness(strike, underlying float64) float64 {
	if underlying == 0 {
		return 0
	}
	return (strike - underlying) / underlying
}

// IntrinsicValue computes the exercise value of an option.
func IntrinsicValue(optionType OptionType, strike, underlying float64) float64 {
	switch optionType {
	case OptionTypeCall:
		return math.Max(0, underlying-strike)
	case OptionTypePut:
		return math.Max(0, strike-underlying)
	default:
		return 0
	}
}

// DaysBetween calculates the number of calendar days between two dates.
func DaysBetween(from, to time.Time) int {
	f := from.UTC().Truncate(24 * time.Hour)
	t := to.UTC().Truncate(24 * time.Hour)
	d := int(t.Sub(f).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}
