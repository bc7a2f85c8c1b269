package marketdata

import "time"

// Session boundary constants, exchange-local time.
const (
	equityOpenHour   = 9
	equityOpenMinute = 30
	equityCloseHour  = 16
	futuresFriClose  = 17 // Friday 17:00 ET cutoff
	futuresSunReopen = 18 // Sunday 18:00 ET reopen
)

// exchangeLocation resolves the exchange timezone, with a DST-agnostic
// fallback for minimal containers without tzdata.
func exchangeLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// EquitySessionOpen reports whether the regular equity/index session is open
// at t: weekdays 09:30-16:00 exchange time.
func EquitySessionOpen(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(),
		equityOpenHour, equityOpenMinute, 0, 0, loc)
	close := time.Date(local.Year(), local.Month(), local.Day(),
		equityCloseHour, 0, 0, 0, loc)
	return !local.Before(open) && local.Before(close)
}

// FuturesSessionOpen reports whether the near-continuous futures session is
// open at t: closed all Saturday, closed Sunday before the 18:00 reopen, and
// closed after the Friday 17:00 cutoff.
func FuturesSessionOpen(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	switch local.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return local.Hour() >= futuresSunReopen
	case time.Friday:
		return local.Hour() < futuresFriClose
	default:
		return true
	}
}
