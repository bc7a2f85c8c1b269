package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestIsPermanentAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"422 API error", &APIError{Status: 422}, true},
		{"404 API error", &APIError{Status: 404}, true},
		{"500 API error", &APIError{Status: 500}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanentAPIError(tt.err); got != tt.want {
				t.Errorf("IsPermanentAPIError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreakerBroker_PassesThrough(t *testing.T) {
	mock := &MockBroker{
		GetBalancesFunc: func(ctx context.Context) (*BalanceItem, error) {
			return &BalanceItem{AccountNumber: "5WX"}, nil
		},
	}
	cb := NewCircuitBreakerBroker(mock)

	bal, err := cb.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances() error = %v", err)
	}
	if bal.AccountNumber != "5WX" {
		t.Fatalf("AccountNumber = %q, want 5WX", bal.AccountNumber)
	}
	if mock.Calls("GetBalances") != 1 {
		t.Fatalf("underlying calls = %d, want 1", mock.Calls("GetBalances"))
	}
}

func TestCircuitBreakerBroker_OpensAfterFailures(t *testing.T) {
	failure := errors.New("broker down")
	mock := &MockBroker{
		GetBalancesFunc: func(ctx context.Context) (*BalanceItem, error) {
			return nil, failure
		},
	}
	cb := NewCircuitBreakerBrokerWithSettings(mock, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 1.0,
	})

	for i := 0; i < 3; i++ {
		if _, err := cb.GetBalances(context.Background()); !errors.Is(err, failure) {
			t.Fatalf("call %d error = %v, want underlying failure", i, err)
		}
	}

	// Breaker is open now: calls fail fast without reaching the broker.
	before := mock.Calls("GetBalances")
	_, err := cb.GetBalances(context.Background())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want ErrOpenState", err)
	}
	if mock.Calls("GetBalances") != before {
		t.Fatal("open breaker still reached the underlying broker")
	}
}

func TestCircuitBreakerBroker_CancelOrder(t *testing.T) {
	var gotID int
	mock := &MockBroker{
		CancelOrderFunc: func(ctx context.Context, orderID int) error {
			gotID = orderID
			return nil
		},
	}
	cb := NewCircuitBreakerBroker(mock)
	if err := cb.CancelOrder(context.Background(), 789); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if gotID != 789 {
		t.Fatalf("orderID = %d, want 789", gotID)
	}
}
