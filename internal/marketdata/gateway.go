// Package marketdata resolves quotes with tiered freshness guarantees: live
// fetch, short-TTL cache, then the persistent last-close store. It never
// fabricates a quote; when every tier misses, the caller gets
// failsafe.ErrDataUnavailable. Downstream risk decisions assume quote
// authenticity, so that property is the whole point of this package.
package marketdata

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/tasty_gateway/internal/broker"
	"github.com/eddiefleurent/tasty_gateway/internal/failsafe"
	"github.com/eddiefleurent/tasty_gateway/internal/models"
	"github.com/eddiefleurent/tasty_gateway/internal/storage"
	"github.com/eddiefleurent/tasty_gateway/internal/symbols"
)

// DefaultTTL is how long a cached quote is considered fresh.
const DefaultTTL = 5 * time.Minute

// Config tunes the gateway.
type Config struct {
	TTL         time.Duration
	CallTimeout time.Duration
	Backoff     failsafe.Backoff
}

// DefaultConfig is the production gateway configuration.
var DefaultConfig = Config{
	TTL:         DefaultTTL,
	CallTimeout: 5 * time.Second,
	Backoff:     failsafe.Backoff{Ladder: failsafe.DefaultBackoff.Ladder, MaxAttempts: 3, Jitter: true},
}

type cacheEntry struct {
	quote      models.Quote
	insertedAt time.Time
}

// Gateway owns the two per-ticker caches and the live fetch path. Nothing
// outside this package holds a reference to cache internals; GetQuote is the
// only read path.
type Gateway struct {
	mu        sync.RWMutex
	cache     map[string]cacheEntry
	lastClose storage.Interface

	broker   broker.Broker
	failures *failsafe.Handler
	logger   *log.Logger
	config   Config
	loc      *time.Location

	// now is replaceable in tests.
	now func() time.Time
}

// NewGateway creates a market data gateway. broker may be nil for an
// offline (cache-only) gateway; lastClose may be nil to disable the terminal
// fallback tier.
func NewGateway(b broker.Broker, failures *failsafe.Handler, lastClose storage.Interface,
	logger *log.Logger, config ...Config) *Gateway {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if len(cfg.Backoff.Ladder) == 0 {
		cfg.Backoff = DefaultConfig.Backoff
	}
	if logger == nil {
		logger = log.New(os.Stderr, "marketdata: ", log.LstdFlags)
	}
	return &Gateway{
		cache:     make(map[string]cacheEntry),
		lastClose: lastClose,
		broker:    b,
		failures:  failures,
		logger:    logger,
		config:    cfg,
		loc:       exchangeLocation(),
		now:       time.Now,
	}
}

// GetQuote resolves a quote for ticker. Resolution order: live fetch (when a
// transport exists and the session is open, or forceRefresh is set), then the
// short-TTL cache, then the last-close store. A miss on every tier returns
// failsafe.ErrDataUnavailable.
func (g *Gateway) GetQuote(ctx context.Context, ticker string, forceRefresh bool) (models.Quote, error) {
	wire := symbols.ToWireSymbol(ticker)
	now := g.now()
	sessionOpen := g.SessionOpen(wire, now)

	if g.broker != nil && !g.inManualMode() && (sessionOpen || forceRefresh) {
		q, err := g.fetchLive(ctx, wire)
		if err == nil {
			g.storeQuote(q, !sessionOpen)
			return q, nil
		}
		g.logger.Printf("live quote for %s failed, falling back to cache: %v", wire, err)
	}

	if q, ok := g.cachedQuote(wire, now); ok {
		return q, nil
	}

	if g.lastClose != nil {
		if q, ok := g.lastClose.GetLastClose(wire); ok {
			return q, nil
		}
	}

	return models.Quote{}, fmt.Errorf("no quote for %s: %w", wire, failsafe.ErrDataUnavailable)
}

// ApplyStreamQuote republishes a streamed update into the short-TTL cache so
// polling consumers and streaming consumers share one read path.
func (g *Gateway) ApplyStreamQuote(q models.Quote) {
	if q.Symbol == "" {
		return
	}
	q.Source = models.QuoteSourceStream
	if q.Timestamp.IsZero() {
		q.Timestamp = g.now()
	}
	g.mu.Lock()
	g.cache[q.Symbol] = cacheEntry{quote: q.WithOrderedSpread().WithDayChange(), insertedAt: g.now()}
	g.mu.Unlock()
}

// SessionOpen reports whether the relevant market session for a wire symbol
// is open at t. Futures symbols dispatch to the futures session check.
func (g *Gateway) SessionOpen(wireSymbol string, t time.Time) bool {
	if symbols.IsFutures(wireSymbol) {
		return FuturesSessionOpen(t, g.loc)
	}
	return EquitySessionOpen(t, g.loc)
}

// fetchLive pulls one quote from the broker, classifying failures through the
// shared handler and retrying only when it says to.
func (g *Gateway) fetchLive(ctx context.Context, wire string) (models.Quote, error) {
	class := instrumentClass(wire)
	var lastErr error

	attempts := g.config.Backoff.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
		items, err := g.broker.GetQuotes(callCtx, class, wire)
		cancel()

		if err == nil {
			if len(items) == 0 {
				return models.Quote{}, fmt.Errorf("broker returned no quote for %s: %w",
					wire, failsafe.ErrDataUnavailable)
			}
			g.recordSuccess()
			return quoteFromItem(items[0], models.QuoteSourceLive, g.now()), nil
		}
		lastErr = err

		if g.failures == nil {
			return models.Quote{}, err
		}
		action := g.failures.Handle(err, "quote fetch "+wire)
		switch action.Type {
		case failsafe.ActionRetry, failsafe.ActionRetryWithBackoff:
			if attempt == attempts-1 {
				break
			}
			if serr := failsafe.Sleep(ctx, action.Delay); serr != nil {
				return models.Quote{}, serr
			}
		default:
			return models.Quote{}, err
		}
	}
	return models.Quote{}, lastErr
}

// storeQuote writes the TTL cache and, when the session was confirmed closed
// at fetch time, promotes the quote to the permanent last-close store.
func (g *Gateway) storeQuote(q models.Quote, sessionClosed bool) {
	g.mu.Lock()
	g.cache[q.Symbol] = cacheEntry{quote: q, insertedAt: g.now()}
	g.mu.Unlock()

	if sessionClosed && g.lastClose != nil {
		if err := g.lastClose.SetLastClose(q); err != nil {
			g.logger.Printf("failed to persist last close for %s: %v", q.Symbol, err)
		}
	}
}

// cachedQuote returns the TTL-cache entry for wire if younger than the TTL.
// The payload is returned unchanged; only entries, never values, expire.
func (g *Gateway) cachedQuote(wire string, now time.Time) (models.Quote, bool) {
	g.mu.RLock()
	entry, ok := g.cache[wire]
	g.mu.RUnlock()
	if !ok {
		return models.Quote{}, false
	}
	if now.Sub(entry.insertedAt) >= g.config.TTL {
		return models.Quote{}, false
	}
	q := entry.quote
	if q.Source == models.QuoteSourceLive {
		q.Source = models.QuoteSourceCached
	}
	return q, true
}

func (g *Gateway) inManualMode() bool {
	return g.failures != nil && g.failures.ManualMode()
}

func (g *Gateway) recordSuccess() {
	if g.failures != nil {
		g.failures.RecordSuccess()
	}
}

// instrumentClass maps a wire symbol to the by-type query class.
func instrumentClass(wire string) broker.InstrumentClass {
	switch {
	case symbols.IsFutures(wire):
		return broker.ClassFuture
	case symbols.IsIndex(wire):
		return broker.ClassIndex
	default:
		return broker.ClassEquity
	}
}

// quoteFromItem normalizes a broker quote item into the canonical model.
func quoteFromItem(item broker.QuoteItem, source models.QuoteSource, ts time.Time) models.Quote {
	q := models.Quote{
		Symbol:                item.Symbol,
		Last:                  item.Last.Float(),
		Bid:                   item.Bid.Float(),
		Ask:                   item.Ask.Float(),
		Open:                  item.Open.Float(),
		High:                  item.DayHighPrice.Float(),
		Low:                   item.DayLowPrice.Float(),
		PrevClose:             item.PrevClose.Float(),
		Volume:                item.Volume,
		ImpliedVolatility:     item.ImpliedVolatility.Float(),
		ImpliedVolatilityRank: item.ImpliedVolatilityRank.Float(),
		Source:                source,
		Timestamp:             ts,
	}
	return q.WithOrderedSpread().WithDayChange()
}
