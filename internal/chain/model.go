// Package chain parses broker option-chain responses into the canonical
// Expiration/Strike/Leg structure and fills pricing gaps with a deterministic
// closed-form approximation. Every leg carries a provenance tag so consumers
// can refuse to act on approximated Greeks.
package chain

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/eddiefleurent/tasty_gateway/internal/broker"
	"github.com/eddiefleurent/tasty_gateway/internal/failsafe"
	"github.com/eddiefleurent/tasty_gateway/internal/models"
	"github.com/eddiefleurent/tasty_gateway/internal/symbols"
)

// strikeMatchEpsilon is the tolerance for deduplicating strike prices.
const strikeMatchEpsilon = 1e-3

// QuoteProvider is the slice of the market data gateway the chain model
// needs: the underlying price.
type QuoteProvider interface {
	GetQuote(ctx context.Context, ticker string, forceRefresh bool) (models.Quote, error)
}

// Config tunes the fallback pricing inputs.
type Config struct {
	// RiskFreeRate feeds the closed-form approximation.
	RiskFreeRate float64
	// DefaultIV is the volatility used when neither the leg nor the
	// underlying reports one.
	DefaultIV float64
	// CallTimeout bounds each chain fetch.
	CallTimeout time.Duration
}

// DefaultConfig is the production chain-model configuration.
var DefaultConfig = Config{
	RiskFreeRate: 0.05,
	DefaultIV:    0.25,
	CallTimeout:  10 * time.Second,
}

// Model fetches and normalizes option chains.
type Model struct {
	broker   broker.Broker
	quotes   QuoteProvider
	failures *failsafe.Handler
	logger   *log.Logger
	config   Config

	now func() time.Time
}

// NewModel creates an option chain model.
func NewModel(b broker.Broker, quotes QuoteProvider, failures *failsafe.Handler,
	logger *log.Logger, config ...Config) *Model {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.RiskFreeRate <= 0 {
		cfg.RiskFreeRate = DefaultConfig.RiskFreeRate
	}
	if cfg.DefaultIV <= 0 {
		cfg.DefaultIV = DefaultConfig.DefaultIV
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "chain: ", log.LstdFlags)
	}
	return &Model{
		broker:   b,
		quotes:   quotes,
		failures: failures,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
	}
}

// GetChain fetches and normalizes the chain for ticker. When expiration is
// given, only that cycle is returned; otherwise all cycles.
func (m *Model) GetChain(ctx context.Context, ticker string, expiration ...time.Time) (models.OptionChain, error) {
	wire := symbols.ToWireSymbol(ticker)

	underlying, err := m.quotes.GetQuote(ctx, ticker, false)
	if err != nil {
		return models.OptionChain{}, fmt.Errorf("underlying price for %s: %w", ticker, err)
	}

	item, err := m.fetchChain(ctx, wire)
	if err != nil {
		return models.OptionChain{}, err
	}

	chain := models.OptionChain{
		Underlying:      wire,
		UnderlyingPrice: underlying.Last,
	}

	for _, exp := range item.Expirations {
		expDate, perr := time.Parse("2006-01-02", exp.ExpirationDate)
		if perr != nil {
			m.logger.Printf("skipping unparseable expiration %q for %s: %v",
				exp.ExpirationDate, wire, perr)
			continue
		}
		if len(expiration) > 0 && !sameDate(expDate, expiration[0]) {
			continue
		}

		dte := exp.DaysToExpiration
		if dte == 0 {
			dte = models.DaysBetween(m.now(), expDate)
		}

		normalized := models.Expiration{Date: expDate, DTE: dte}
		for _, strike := range dedupeStrikes(exp.Strikes) {
			price := strike.StrikePrice.Float()
			s := models.Strike{
				Price:     price,
				Moneyness: models.Moneyness(price, underlying.Last),
				Call:      m.buildLeg(models.OptionTypeCall, strike.Call, wire, expDate, price, underlying, dte),
				Put:       m.buildLeg(models.OptionTypePut, strike.Put, wire, expDate, price, underlying, dte),
			}
			normalized.Strikes = append(normalized.Strikes, s)
		}
		sort.Slice(normalized.Strikes, func(i, j int) bool {
			return normalized.Strikes[i].Price < normalized.Strikes[j].Price
		})
		chain.Expirations = append(chain.Expirations, normalized)
	}

	sort.Slice(chain.Expirations, func(i, j int) bool {
		return chain.Expirations[i].Date.Before(chain.Expirations[j].Date)
	})

	if len(expiration) > 0 && len(chain.Expirations) == 0 {
		return models.OptionChain{}, fmt.Errorf("no chain for %s expiring %s: %w",
			wire, expiration[0].Format("2006-01-02"), failsafe.ErrDataUnavailable)
	}
	return chain, nil
}

// FindStrikesByTargetDelta selects, per side, the strike whose leg delta has
// minimum absolute distance to the target. Put deltas compare by absolute
// value, so a 5-delta put target is passed as 0.05.
func FindStrikesByTargetDelta(exp *models.Expiration, targetPutDelta, targetCallDelta float64) (putStrike, callStrike *models.Strike) {
	bestPutDiff := math.MaxFloat64
	bestCallDiff := math.MaxFloat64
	for i := range exp.Strikes {
		s := &exp.Strikes[i]
		if d := math.Abs(math.Abs(s.Put.Delta) - math.Abs(targetPutDelta)); d < bestPutDiff {
			bestPutDiff = d
			putStrike = s
		}
		if d := math.Abs(s.Call.Delta - targetCallDelta); d < bestCallDiff {
			bestCallDiff = d
			callStrike = s
		}
	}
	return putStrike, callStrike
}

// fetchChain pulls the nested chain, dispatching futures underlyings to the
// futures chain path and classifying failures through the shared handler.
func (m *Model) fetchChain(ctx context.Context, wire string) (*broker.ChainItem, error) {
	fetch := func() (*broker.ChainItem, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		defer cancel()
		if symbols.IsFutures(wire) {
			return m.broker.GetFuturesOptionChain(callCtx, wire)
		}
		return m.broker.GetOptionChain(callCtx, wire)
	}

	item, err := fetch()
	if err == nil {
		if m.failures != nil {
			m.failures.RecordSuccess()
		}
		return item, nil
	}
	if m.failures == nil {
		return nil, err
	}
	action := m.failures.Handle(err, "chain fetch "+wire)
	switch action.Type {
	case failsafe.ActionRetry, failsafe.ActionRetryWithBackoff:
		if serr := failsafe.Sleep(ctx, action.Delay); serr != nil {
			return nil, serr
		}
		item, err = fetch()
		if err == nil {
			m.failures.RecordSuccess()
			return item, nil
		}
		m.failures.Handle(err, "chain refetch "+wire)
	}
	return nil, err
}

// buildLeg normalizes one side of a strike. Broker-reported values are kept
// verbatim; pricing or Greeks the broker omitted are filled from the
// closed-form approximation and the leg is tagged model-approximated. The
// approximation never overwrites a broker-reported field.
func (m *Model) buildLeg(optionType models.OptionType, raw *broker.ChainLeg,
	underlying string, expDate time.Time, strike float64, uq models.Quote, dte int) models.OptionLeg {

	leg := models.OptionLeg{Source: models.SourceBroker}
	intrinsic := models.IntrinsicValue(optionType, strike, uq.Last)
	leg.Intrinsic = intrinsic

	if raw != nil {
		leg.Symbol = raw.Symbol
		leg.Bid = raw.Bid.Float()
		leg.Ask = raw.Ask.Float()
		leg.IV = raw.IV.Float()
		leg.Volume = raw.Volume
		leg.OpenInterest = raw.OpenInterest
		if raw.Greeks != nil {
			leg.Delta = raw.Greeks.Delta.Float()
			leg.Gamma = raw.Greeks.Gamma.Float()
			leg.Theta = raw.Greeks.Theta.Float()
			leg.Vega = raw.Greeks.Vega.Float()
			leg.Rho = raw.Greeks.Rho.Float()
		}
	}
	if leg.Symbol == "" {
		leg.Symbol = symbols.OptionSymbol(underlying, expDate, strike, optionType)
	}

	hasPricing := raw != nil && (raw.Bid.Float() > 0 || raw.Ask.Float() > 0)
	hasGreeks := raw != nil && raw.Greeks != nil

	if !hasPricing || !hasGreeks {
		sigma := leg.IV
		if sigma <= 0 {
			sigma = uq.ImpliedVolatility
		}
		if sigma <= 0 {
			sigma = m.config.DefaultIV
		}
		approx := BlackScholes(optionType, uq.Last, strike, float64(dte)/365.0,
			m.config.RiskFreeRate, sigma)

		if !hasGreeks {
			leg.Delta = approx.Delta
			leg.Gamma = approx.Gamma
			leg.Theta = approx.Theta
			leg.Vega = approx.Vega
			leg.Rho = approx.Rho
		}
		if !hasPricing {
			leg.Mark = approx.Price
		}
		if leg.IV <= 0 {
			leg.IV = sigma
		}
		leg.Source = models.SourceModel
	}

	if leg.Mark == 0 && (leg.Bid > 0 || leg.Ask > 0) {
		leg.Mark = (leg.Bid + leg.Ask) / 2
	}
	leg.Extrinsic = math.Max(0, leg.Mark-intrinsic)
	return leg
}

// dedupeStrikes drops duplicate strike rows, keeping the first occurrence,
// so normalized expirations are strictly increasing in price.
func dedupeStrikes(strikes []broker.ChainStrike) []broker.ChainStrike {
	out := make([]broker.ChainStrike, 0, len(strikes))
	for _, s := range strikes {
		dup := false
		for _, kept := range out {
			if math.Abs(kept.StrikePrice.Float()-s.StrikePrice.Float()) <= strikeMatchEpsilon {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, s)
		}
	}
	return out
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
