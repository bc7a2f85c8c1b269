// Package symbols maps internal tickers to wire-format instrument identifiers:
// equity/index roots, futures front-month contracts, and OCC option codes.
// Every function here is a pure lookup or calendar computation; nothing is
// cached across calls.
package symbols

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/tasty_gateway/internal/models"
)

// monthCodes is the standard futures month code alphabet, indexed by
// time.Month.
var monthCodes = map[time.Month]byte{
	time.January:   'F',
	time.February:  'G',
	time.March:     'H',
	time.April:     'J',
	time.May:       'K',
	time.June:      'M',
	time.July:      'N',
	time.August:    'Q',
	time.September: 'U',
	time.October:   'V',
	time.November:  'X',
	time.December:  'Z',
}

// wireSymbols maps internal tickers to broker wire symbols. Unmapped tickers
// pass through unchanged.
var wireSymbols = map[string]string{
	"ES":  "/ES",
	"MES": "/MES",
	"NQ":  "/NQ",
	"MNQ": "/MNQ",
	"CL":  "/CL",
	"GC":  "/GC",
	"MGC": "/MGC",
	"ZB":  "/ZB",
	"ZN":  "/ZN",
	"SPX": "SPX",
	"VIX": "VIX",
	"RUT": "RUT",
	"NDX": "NDX",
}

// indexRoots are cash-settled index products, quoted on the index market-data
// path rather than the equity one.
var indexRoots = map[string]bool{
	"SPX": true,
	"VIX": true,
	"RUT": true,
	"NDX": true,
	"XSP": true,
}

// rolloverRule describes when a futures product rolls to the next contract.
type rolloverRule struct {
	// validMonths are the contract months the product actually lists.
	validMonths []time.Month
	// rolloverDay is the day of month on or after which we consider the
	// current month's contract rolled.
	rolloverDay int
}

var quarterly = []time.Month{time.March, time.June, time.September, time.December}

var allMonths = []time.Month{
	time.January, time.February, time.March, time.April, time.May, time.June,
	time.July, time.August, time.September, time.October, time.November, time.December,
}

// rolloverRules is the static per-product rollover table.
var rolloverRules = map[string]rolloverRule{
	"/ES":  {validMonths: quarterly, rolloverDay: 15},
	"/MES": {validMonths: quarterly, rolloverDay: 15},
	"/NQ":  {validMonths: quarterly, rolloverDay: 15},
	"/MNQ": {validMonths: quarterly, rolloverDay: 15},
	"/ZB":  {validMonths: quarterly, rolloverDay: 22},
	"/ZN":  {validMonths: quarterly, rolloverDay: 22},
	"/CL":  {validMonths: allMonths, rolloverDay: 18},
	"/GC": {validMonths: []time.Month{
		time.February, time.April, time.June, time.August, time.October, time.December,
	}, rolloverDay: 25},
	"/MGC": {validMonths: []time.Month{
		time.February, time.April, time.June, time.August, time.October, time.December,
	}, rolloverDay: 25},
}

// FuturesContractInfo is the resolved front-month contract for a product on a
// given date. Derived purely from the calendar and the rollover table.
type FuturesContractInfo struct {
	Symbol            string // e.g. "/ES"
	ContractCode      string // e.g. "/ESU5"
	Month             time.Month
	Year              int
	MonthCode         byte
	RolloverDay       int
	DaysUntilRollover int
}

// ToWireSymbol maps an internal ticker to its broker wire symbol. Identity
// for unmapped tickers.
func ToWireSymbol(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if wire, ok := wireSymbols[t]; ok {
		return wire
	}
	return ticker
}

// IsFutures reports whether a wire symbol denotes a futures instrument.
func IsFutures(wireSymbol string) bool {
	return strings.HasPrefix(wireSymbol, "/")
}

// IsIndex reports whether a wire symbol is a cash index root.
func IsIndex(wireSymbol string) bool {
	return indexRoots[strings.ToUpper(wireSymbol)]
}

// ResolveFuturesContract computes the front-month contract for ticker as of
// the given date. Pure function of (ticker, date): on or after the rollover
// day the current month is skipped, then the month advances until it lands on
// a listed contract month, carrying the year across December.
func ResolveFuturesContract(ticker string, asOf time.Time) (FuturesContractInfo, error) {
	wire := ToWireSymbol(ticker)
	rule, ok := rolloverRules[wire]
	if !ok {
		return FuturesContractInfo{}, fmt.Errorf("no rollover rule for futures product %q", wire)
	}

	month := asOf.Month()
	year := asOf.Year()

	if asOf.Day() >= rule.rolloverDay {
		month, year = nextMonth(month, year)
	}
	for !containsMonth(rule.validMonths, month) {
		month, year = nextMonth(month, year)
	}

	code := monthCodes[month]
	rolloverDate := time.Date(year, month, rule.rolloverDay, 0, 0, 0, 0, asOf.Location())
	daysUntil := int(math.Ceil(rolloverDate.Sub(asOf).Hours() / 24))
	if daysUntil < 0 {
		daysUntil = 0
	}

	return FuturesContractInfo{
		Symbol:            wire,
		ContractCode:      fmt.Sprintf("%s%c%d", wire, code, year%10),
		Month:             month,
		Year:              year,
		MonthCode:         code,
		RolloverDay:       rule.rolloverDay,
		DaysUntilRollover: daysUntil,
	}, nil
}

// OptionSymbol builds the OCC-style compound identifier both sides of the
// wire agree on byte-for-byte: underlying right-padded to 6, YYMMDD, C/P,
// strike x1000 zero-padded to 8 digits.
func OptionSymbol(underlying string, expiration time.Time, strike float64, optionType models.OptionType) string {
	right := byte('C')
	if optionType == models.OptionTypePut {
		right = 'P'
	}
	// eps guards strikes like 394.9999999 produced by float arithmetic.
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))
	return fmt.Sprintf("%-6s%s%c%08d",
		strings.ToUpper(strings.TrimSpace(underlying)),
		expiration.Format("060102"),
		right,
		strikeInt,
	)
}

// ParseOptionSymbol is the inverse of OptionSymbol. It accepts both padded
// and unpadded underlyings.
func ParseOptionSymbol(symbol string) (underlying string, expiration time.Time, strike float64, optionType models.OptionType, err error) {
	s := strings.TrimSpace(symbol)
	if len(s) < 15 {
		return "", time.Time{}, 0, "", fmt.Errorf("option symbol too short: %q", symbol)
	}

	strikeStr := s[len(s)-8:]
	if !allDigits(strikeStr) {
		return "", time.Time{}, 0, "", fmt.Errorf("invalid strike in option symbol %q", symbol)
	}
	strikeInt, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return "", time.Time{}, 0, "", fmt.Errorf("invalid strike in option symbol %q: %w", symbol, err)
	}

	rightChar := s[len(s)-9]
	switch rightChar {
	case 'C', 'c':
		optionType = models.OptionTypeCall
	case 'P', 'p':
		optionType = models.OptionTypePut
	default:
		return "", time.Time{}, 0, "", fmt.Errorf("invalid option right %q in symbol %q", rightChar, symbol)
	}

	dateStr := s[len(s)-15 : len(s)-9]
	if !allDigits(dateStr) {
		return "", time.Time{}, 0, "", fmt.Errorf("invalid expiration in option symbol %q", symbol)
	}
	expiration, err = time.Parse("060102", dateStr)
	if err != nil {
		return "", time.Time{}, 0, "", fmt.Errorf("invalid expiration in option symbol %q: %w", symbol, err)
	}

	underlying = strings.TrimSpace(s[:len(s)-15])
	if underlying == "" {
		return "", time.Time{}, 0, "", fmt.Errorf("missing underlying in option symbol %q", symbol)
	}
	return underlying, expiration, float64(strikeInt) / 1000.0, optionType, nil
}

func nextMonth(m time.Month, y int) (time.Month, int) {
	if m == time.December {
		return time.January, y + 1
	}
	return m + 1, y
}

func containsMonth(months []time.Month, m time.Month) bool {
	for _, vm := range months {
		if vm == m {
			return true
		}
	}
	return false
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
