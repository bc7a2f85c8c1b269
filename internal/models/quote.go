// Package models provides the canonical data structures shared across the
// gateway: quotes, option chains, orders, and the order lifecycle state machine.
package models

import "time"

// QuoteSource tags where a quote was resolved from.
type QuoteSource string

const (
	// QuoteSourceLive marks a quote fetched from the broker during this call.
	QuoteSourceLive QuoteSource = "live"
	// QuoteSourceCached marks a quote served from the short-TTL cache.
	QuoteSourceCached QuoteSource = "cached"
	// QuoteSourceLastClose marks a quote served from the persistent last-close store.
	QuoteSourceLastClose QuoteSource = "last_close"
	// QuoteSourceStream marks a quote pushed in over the streaming connection.
	QuoteSourceStream QuoteSource = "stream"
)

// Quote is an immutable market snapshot for a single instrument. Newer data
// supersedes a Quote; it is never mutated in place.
type Quote struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	Open      float64
	High      float64
	Low       float64
	PrevClose float64
	Volume    int64

	ImpliedVolatility     float64
	ImpliedVolatilityRank float64

	// Day-change fields, derived from Last and PrevClose at construction.
	Change    float64
	ChangePct float64

	Source    QuoteSource
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint, falling back to Last when either side is
// missing.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// HasSpread reports whether both sides of the market are present.
func (q Quote) HasSpread() bool {
	return q.Bid > 0 && q.Ask > 0
}

// WithOrderedSpread returns a copy of q with Bid and Ask swapped when both
// sides are present but crossed. Feeds occasionally invert the pair during
// fast markets; downstream pricing assumes Bid <= Ask.
func (q Quote) WithOrderedSpread() Quote {
	if q.HasSpread() && q.Bid > q.Ask {
		q.Bid, q.Ask = q.Ask, q.Bid
	}
	return q
}

// WithDayChange returns a copy of q with Change/ChangePct computed from
// Last and PrevClose.
func (q Quote) WithDayChange() Quote {
	if q.PrevClose != 0 {
		q.Change = q.Last - q.PrevClose
		q.ChangePct = (q.Change / q.PrevClose) * 100
	}
	return q
}
