package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Broker defines the interface the rest of the gateway programs against.
type Broker interface {
	// Account operations
	GetCustomer(ctx context.Context) (*CustomerItem, error)
	GetAccounts(ctx context.Context) ([]AccountItem, error)
	GetBalances(ctx context.Context) (*BalanceItem, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)

	// Market data
	GetQuotes(ctx context.Context, class InstrumentClass, wireSymbols ...string) ([]QuoteItem, error)
	GetOptionChain(ctx context.Context, symbol string) (*ChainItem, error)
	GetFuturesOptionChain(ctx context.Context, wireSymbol string) (*ChainItem, error)

	// Orders
	SubmitOrder(ctx context.Context, req OrderRequest, dryRun bool) (*OrderResult, error)
	GetOrder(ctx context.Context, orderID int) (*OrderItem, error)
	GetLiveOrders(ctx context.Context) ([]OrderItem, error)
	CancelOrder(ctx context.Context, orderID int) error

	// Streaming
	GetQuoteStreamerToken(ctx context.Context) (*QuoteStreamerToken, error)
}

// Ensure TastyAPI implements Broker at compile time.
var _ Broker = (*TastyAPI)(nil)

// IsPermanentAPIError reports whether err is a 4xx API error that retrying
// cannot fix (429 excluded; that surfaces as RateLimitError instead).
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with
// custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetCustomer wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetCustomer(ctx context.Context) (*CustomerItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*CustomerItem, error) {
		return b.GetCustomer(ctx)
	})
}

// GetAccounts wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAccounts(ctx context.Context) ([]AccountItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]AccountItem, error) {
		return b.GetAccounts(ctx)
	})
}

// GetBalances wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetBalances(ctx context.Context) (*BalanceItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*BalanceItem, error) {
		return b.GetBalances(ctx)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.GetPositions(ctx)
	})
}

// GetQuotes wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetQuotes(ctx context.Context, class InstrumentClass, wireSymbols ...string) ([]QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]QuoteItem, error) {
		return b.GetQuotes(ctx, class, wireSymbols...)
	})
}

// GetOptionChain wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol string) (*ChainItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*ChainItem, error) {
		return b.GetOptionChain(ctx, symbol)
	})
}

// GetFuturesOptionChain wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetFuturesOptionChain(ctx context.Context, wireSymbol string) (*ChainItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*ChainItem, error) {
		return b.GetFuturesOptionChain(ctx, wireSymbol)
	})
}

// SubmitOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req OrderRequest, dryRun bool) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResult, error) {
		return b.SubmitOrder(ctx, req, dryRun)
	})
}

// GetOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID int) (*OrderItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderItem, error) {
		return b.GetOrder(ctx, orderID)
	})
}

// GetLiveOrders wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetLiveOrders(ctx context.Context) ([]OrderItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OrderItem, error) {
		return b.GetLiveOrders(ctx)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// GetQuoteStreamerToken wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetQuoteStreamerToken(ctx context.Context) (*QuoteStreamerToken, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*QuoteStreamerToken, error) {
		return b.GetQuoteStreamerToken(ctx)
	})
}
