package broker

import (
	"context"
	"sync"
)

// MockBroker is a configurable Broker test double. Each method delegates to
// the corresponding Func field when set and returns zero values otherwise.
// Call counts are tracked per method name.
type MockBroker struct {
	mu    sync.Mutex
	calls map[string]int

	GetCustomerFunc           func(ctx context.Context) (*CustomerItem, error)
	GetAccountsFunc           func(ctx context.Context) ([]AccountItem, error)
	GetBalancesFunc           func(ctx context.Context) (*BalanceItem, error)
	GetPositionsFunc          func(ctx context.Context) ([]PositionItem, error)
	GetQuotesFunc             func(ctx context.Context, class InstrumentClass, wireSymbols ...string) ([]QuoteItem, error)
	GetOptionChainFunc        func(ctx context.Context, symbol string) (*ChainItem, error)
	GetFuturesOptionChainFunc func(ctx context.Context, wireSymbol string) (*ChainItem, error)
	SubmitOrderFunc           func(ctx context.Context, req OrderRequest, dryRun bool) (*OrderResult, error)
	GetOrderFunc              func(ctx context.Context, orderID int) (*OrderItem, error)
	GetLiveOrdersFunc         func(ctx context.Context) ([]OrderItem, error)
	CancelOrderFunc           func(ctx context.Context, orderID int) error
	GetQuoteStreamerTokenFunc func(ctx context.Context) (*QuoteStreamerToken, error)
}

var _ Broker = (*MockBroker)(nil)

// Calls returns how many times the named method has been invoked.
func (m *MockBroker) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockBroker) record(method string) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
	m.mu.Unlock()
}

func (m *MockBroker) GetCustomer(ctx context.Context) (*CustomerItem, error) {
	m.record("GetCustomer")
	if m.GetCustomerFunc != nil {
		return m.GetCustomerFunc(ctx)
	}
	return &CustomerItem{}, nil
}

func (m *MockBroker) GetAccounts(ctx context.Context) ([]AccountItem, error) {
	m.record("GetAccounts")
	if m.GetAccountsFunc != nil {
		return m.GetAccountsFunc(ctx)
	}
	return nil, nil
}

func (m *MockBroker) GetBalances(ctx context.Context) (*BalanceItem, error) {
	m.record("GetBalances")
	if m.GetBalancesFunc != nil {
		return m.GetBalancesFunc(ctx)
	}
	return &BalanceItem{}, nil
}

func (m *MockBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	m.record("GetPositions")
	if m.GetPositionsFunc != nil {
		return m.GetPositionsFunc(ctx)
	}
	return nil, nil
}

func (m *MockBroker) GetQuotes(ctx context.Context, class InstrumentClass, wireSymbols ...string) ([]QuoteItem, error) {
	m.record("GetQuotes")
	if m.GetQuotesFunc != nil {
		return m.GetQuotesFunc(ctx, class, wireSymbols...)
	}
	return nil, nil
}

func (m *MockBroker) GetOptionChain(ctx context.Context, symbol string) (*ChainItem, error) {
	m.record("GetOptionChain")
	if m.GetOptionChainFunc != nil {
		return m.GetOptionChainFunc(ctx, symbol)
	}
	return &ChainItem{}, nil
}

func (m *MockBroker) GetFuturesOptionChain(ctx context.Context, wireSymbol string) (*ChainItem, error) {
	m.record("GetFuturesOptionChain")
	if m.GetFuturesOptionChainFunc != nil {
		return m.GetFuturesOptionChainFunc(ctx, wireSymbol)
	}
	return &ChainItem{}, nil
}

func (m *MockBroker) SubmitOrder(ctx context.Context, req OrderRequest, dryRun bool) (*OrderResult, error) {
	m.record("SubmitOrder")
	if m.SubmitOrderFunc != nil {
		return m.SubmitOrderFunc(ctx, req, dryRun)
	}
	return &OrderResult{}, nil
}

func (m *MockBroker) GetOrder(ctx context.Context, orderID int) (*OrderItem, error) {
	m.record("GetOrder")
	if m.GetOrderFunc != nil {
		return m.GetOrderFunc(ctx, orderID)
	}
	return &OrderItem{}, nil
}

func (m *MockBroker) GetLiveOrders(ctx context.Context) ([]OrderItem, error) {
	m.record("GetLiveOrders")
	if m.GetLiveOrdersFunc != nil {
		return m.GetLiveOrdersFunc(ctx)
	}
	return nil, nil
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID int) error {
	m.record("CancelOrder")
	if m.CancelOrderFunc != nil {
		return m.CancelOrderFunc(ctx, orderID)
	}
	return nil
}

func (m *MockBroker) GetQuoteStreamerToken(ctx context.Context) (*QuoteStreamerToken, error) {
	m.record("GetQuoteStreamerToken")
	if m.GetQuoteStreamerTokenFunc != nil {
		return m.GetQuoteStreamerTokenFunc(ctx)
	}
	return &QuoteStreamerToken{}, nil
}
