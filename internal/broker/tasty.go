// Package broker provides the HTTP client for the brokerage's REST API:
// account state, market data, option chains, and the order endpoints with
// their dry-run variants.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/tasty_gateway/internal/failsafe"
)

// InstrumentClass selects the market-data quote path.
type InstrumentClass string

const (
	ClassEquity InstrumentClass = "equity"
	ClassFuture InstrumentClass = "future"
	ClassIndex  InstrumentClass = "index"
)

// APIError represents a non-retryable API error with status code and body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TokenProvider supplies a current bearer token for each request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a fixed token (tests, sandbox keys).
type StaticToken string

// Token returns the fixed token.
func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// TastyAPI is the low-level REST client.
type TastyAPI struct {
	client    *http.Client
	tokens    TokenProvider
	baseURL   string
	accountID string
	logger    *log.Logger
}

// NewTastyAPI creates a client against baseURL. An empty baseURL selects the
// production API host; pass sandbox=true for the certification environment.
func NewTastyAPI(tokens TokenProvider, accountID string, sandbox bool, baseURL string) *TastyAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://api.cert.tastyworks.com"
		} else {
			baseURL = "https://api.tastyworks.com"
		}
	}
	return &TastyAPI{
		client:    &http.Client{Timeout: 10 * time.Second},
		tokens:    tokens,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		logger:    log.New(os.Stderr, "broker: ", log.LstdFlags),
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (t *TastyAPI) WithHTTPClient(c *http.Client) *TastyAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithLogger overrides the client logger.
func (t *TastyAPI) WithLogger(l *log.Logger) *TastyAPI {
	if l != nil {
		t.logger = l
	}
	return t
}

// WithTimeout sets the per-request HTTP timeout.
func (t *TastyAPI) WithTimeout(d time.Duration) *TastyAPI {
	if d > 0 {
		t.client.Timeout = d
	}
	return t
}

// AccountID returns the configured account number.
func (t *TastyAPI) AccountID() string { return t.accountID }

// ============ Response normalization ============
//
// The API wraps every payload in {"data": ...}; collections arrive either as
// a bare array, a wrapped array, or an object with an "items" key. Each shape
// is normalized here, immediately after the network call, so the rest of the
// codebase sees exactly one form.

// dataEnvelope is the universal {"data": ...} wrapper.
type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

// itemsOrArray accepts [x], {"items":[x]}, and a bare single object.
type itemsOrArray[T any] []T

func (s *itemsOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var wrapped struct {
		Items []T `json:"items"`
	}
	if err := json.Unmarshal(b, &wrapped); err == nil && wrapped.Items != nil {
		*s = append(*s, wrapped.Items...)
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// flexFloat accepts both JSON numbers and numeric strings; the API quotes
// decimal fields like prices and buying power.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// Float returns the value as float64.
func (f flexFloat) Float() float64 { return float64(f) }

// ============ API payload types ============

// CustomerItem is the customer record from /customers/me.
type CustomerItem struct {
	ID        string `json:"id"`
	FirstName string `json:"first-name"`
	LastName  string `json:"last-name"`
	Email     string `json:"email"`
}

// AccountItem is one entry from the account list.
type AccountItem struct {
	Account struct {
		AccountNumber string `json:"account-number"`
		Nickname      string `json:"nickname"`
		MarginOrCash  string `json:"margin-or-cash"`
		IsClosed      bool   `json:"is-closed"`
	} `json:"account"`
	AuthorityLevel string `json:"authority-level"`
}

// BalanceItem is the account balance snapshot.
type BalanceItem struct {
	AccountNumber              string    `json:"account-number"`
	NetLiquidatingValue        flexFloat `json:"net-liquidating-value"`
	CashBalance                flexFloat `json:"cash-balance"`
	DerivativeBuyingPower      flexFloat `json:"derivative-buying-power"`
	UsedDerivativeBuyingPower  flexFloat `json:"used-derivative-buying-power"`
	MaintenanceRequirement     flexFloat `json:"maintenance-requirement"`
	MarginEquity               flexFloat `json:"margin-equity"`
	PendingCash                flexFloat `json:"pending-cash"`
	AvailableTradingFunds      flexFloat `json:"available-trading-funds"`
	DayTradingBuyingPower      flexFloat `json:"day-trading-buying-power"`
	EquityBuyingPower          flexFloat `json:"equity-buying-power"`
	SnapshotDate               string    `json:"snapshot-date"`
	TimeOfDay                  string    `json:"time-of-day"`
	RegTMarginRequirement      flexFloat `json:"reg-t-margin-requirement"`
	FuturesMarginRequirement   flexFloat `json:"futures-margin-requirement"`
	TotalSettleBalance         flexFloat `json:"total-settle-balance"`
	PendingMarginInterest      flexFloat `json:"pending-margin-interest"`
	LongDerivativeValue        flexFloat `json:"long-derivative-value"`
	ShortDerivativeValue       flexFloat `json:"short-derivative-value"`
	SpecialMemorandumAccount   flexFloat `json:"special-memorandum-account-value"`
	UnsettledCryptocurrencyFee flexFloat `json:"unsettled-cryptocurrency-fiat-amount"`
}

// PositionItem is one account position.
type PositionItem struct {
	AccountNumber     string    `json:"account-number"`
	Symbol            string    `json:"symbol"`
	InstrumentType    string    `json:"instrument-type"`
	UnderlyingSymbol  string    `json:"underlying-symbol"`
	Quantity          flexFloat `json:"quantity"`
	QuantityDirection string    `json:"quantity-direction"`
	CostEffect        string    `json:"cost-effect"`
	AverageOpenPrice  flexFloat `json:"average-open-price"`
	CloseDate         string    `json:"close-date"`
	Multiplier        flexFloat `json:"multiplier"`
}

// QuoteItem is one market-data record from the by-type endpoint.
type QuoteItem struct {
	Symbol                string    `json:"symbol"`
	InstrumentType        string    `json:"instrument-type"`
	Last                  flexFloat `json:"last"`
	Bid                   flexFloat `json:"bid"`
	Ask                   flexFloat `json:"ask"`
	Open                  flexFloat `json:"open"`
	DayHighPrice          flexFloat `json:"day-high-price"`
	DayLowPrice           flexFloat `json:"day-low-price"`
	PrevClose             flexFloat `json:"prev-close"`
	Volume                int64     `json:"volume"`
	ImpliedVolatility     flexFloat `json:"implied-volatility-index"`
	ImpliedVolatilityRank flexFloat `json:"implied-volatility-index-rank"`
	UpdatedAt             string    `json:"updated-at"`
}

// GreeksItem is the broker-reported Greeks block on a chain leg; absent when
// the broker has no model output for the leg.
type GreeksItem struct {
	Delta flexFloat `json:"delta"`
	Gamma flexFloat `json:"gamma"`
	Theta flexFloat `json:"theta"`
	Vega  flexFloat `json:"vega"`
	Rho   flexFloat `json:"rho"`
}

// ChainLeg is one side (call or put) of a chain strike.
type ChainLeg struct {
	Symbol       string      `json:"symbol"`
	Bid          flexFloat   `json:"bid"`
	Ask          flexFloat   `json:"ask"`
	Greeks       *GreeksItem `json:"greeks,omitempty"`
	IV           flexFloat   `json:"implied-volatility"`
	Volume       int64       `json:"volume"`
	OpenInterest int64       `json:"open-interest"`
}

// ChainStrike is one strike row of a nested chain expiration.
type ChainStrike struct {
	StrikePrice flexFloat `json:"strike-price"`
	Call        *ChainLeg `json:"call,omitempty"`
	Put         *ChainLeg `json:"put,omitempty"`
}

// ChainExpiration is one expiration cycle of a nested chain.
type ChainExpiration struct {
	ExpirationDate   string                    `json:"expiration-date"`
	DaysToExpiration int                       `json:"days-to-expiration"`
	SettlementType   string                    `json:"settlement-type"`
	Strikes          itemsOrArray[ChainStrike] `json:"strikes"`
}

// ChainItem is one nested-chain record.
type ChainItem struct {
	UnderlyingSymbol string                        `json:"underlying-symbol"`
	RootSymbol       string                        `json:"root-symbol"`
	Expirations      itemsOrArray[ChainExpiration] `json:"expirations"`
}

// OrderLegRequest is one leg of an order submission.
type OrderLegRequest struct {
	InstrumentType string `json:"instrument-type"`
	Symbol         string `json:"symbol"`
	Action         string `json:"action"`
	Quantity       int    `json:"quantity"`
}

// OrderRequest is the order submission payload. Price is a decimal string
// per the API's conventions.
type OrderRequest struct {
	TimeInForce string            `json:"time-in-force"`
	OrderType   string            `json:"order-type"`
	Price       string            `json:"price,omitempty"`
	PriceEffect string            `json:"price-effect,omitempty"`
	Legs        []OrderLegRequest `json:"legs"`
}

// OrderItem is the broker's view of an order.
type OrderItem struct {
	ID               int       `json:"id"`
	AccountNumber    string    `json:"account-number"`
	Status           string    `json:"status"`
	TimeInForce      string    `json:"time-in-force"`
	OrderType        string    `json:"order-type"`
	Price            flexFloat `json:"price"`
	PriceEffect      string    `json:"price-effect"`
	UnderlyingSymbol string    `json:"underlying-symbol"`
	Size             flexFloat `json:"size"`
	RemainingSize    flexFloat `json:"remaining-quantity"`
	FilledSize       flexFloat `json:"exec-quantity"`
	CancellableFlag  bool      `json:"cancellable"`
	ReceivedAt       string    `json:"received-at"`
	UpdatedAt        string    `json:"updated-at"`
	Legs             []struct {
		Symbol   string    `json:"symbol"`
		Action   string    `json:"action"`
		Quantity flexFloat `json:"quantity"`
	} `json:"legs"`
}

// OrderWarning is a non-fatal advisory attached to a dry-run or submission.
type OrderWarning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BuyingPowerEffect is the margin impact block on dry-run responses.
type BuyingPowerEffect struct {
	ChangeInBuyingPower       flexFloat `json:"change-in-buying-power"`
	ChangeInBuyingPowerEffect string    `json:"change-in-buying-power-effect"`
	NewBuyingPower            flexFloat `json:"new-buying-power"`
	IsolatedOrderMarginReq    flexFloat `json:"isolated-order-margin-requirement"`
}

// OrderResult is the normalized response to a submission or dry-run.
type OrderResult struct {
	Order             OrderItem                  `json:"order"`
	Warnings          itemsOrArray[OrderWarning] `json:"warnings"`
	BuyingPowerEffect *BuyingPowerEffect         `json:"buying-power-effect,omitempty"`
}

// QuoteStreamerToken is the streaming authorization from /api-quote-tokens.
type QuoteStreamerToken struct {
	Token     string `json:"token"`
	DXLinkURL string `json:"dxlink-url"`
	Level     string `json:"level"`
}

// ============ API methods ============

// GetCustomer retrieves the authenticated customer record.
func (t *TastyAPI) GetCustomer(ctx context.Context) (*CustomerItem, error) {
	var resp dataEnvelope[CustomerItem]
	if err := t.makeRequestCtx(ctx, http.MethodGet, t.baseURL+"/customers/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetAccounts retrieves the customer's account list.
func (t *TastyAPI) GetAccounts(ctx context.Context) ([]AccountItem, error) {
	var resp dataEnvelope[itemsOrArray[AccountItem]]
	if err := t.makeRequestCtx(ctx, http.MethodGet, t.baseURL+"/customers/me/accounts", nil, &resp); err != nil {
		return nil, err
	}
	return []AccountItem(resp.Data), nil
}

// GetBalances retrieves the account balance snapshot.
func (t *TastyAPI) GetBalances(ctx context.Context) (*BalanceItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)
	var resp dataEnvelope[BalanceItem]
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetPositions retrieves current account positions.
func (t *TastyAPI) GetPositions(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)
	var resp dataEnvelope[itemsOrArray[PositionItem]]
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return []PositionItem(resp.Data), nil
}

// GetQuotes retrieves market data for symbols of one instrument class via the
// by-type endpoint.
func (t *TastyAPI) GetQuotes(ctx context.Context, class InstrumentClass, wireSymbols ...string) ([]QuoteItem, error) {
	if len(wireSymbols) == 0 {
		return nil, &failsafe.ValidationError{Field: "symbols", Reason: "at least one symbol required"}
	}
	params := url.Values{}
	params.Set(string(class), strings.Join(wireSymbols, ","))
	endpoint := t.baseURL + "/market-data/by-type?" + params.Encode()

	var resp dataEnvelope[itemsOrArray[QuoteItem]]
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return []QuoteItem(resp.Data), nil
}

// GetOptionChain retrieves the nested option chain for an equity or index
// underlying.
func (t *TastyAPI) GetOptionChain(ctx context.Context, symbol string) (*ChainItem, error) {
	endpoint := fmt.Sprintf("%s/option-chains/%s/nested", t.baseURL, url.PathEscape(symbol))
	return t.getChain(ctx, endpoint, symbol)
}

// GetFuturesOptionChain retrieves the nested chain for a futures product.
// The leading slash of the wire symbol is dropped in the path.
func (t *TastyAPI) GetFuturesOptionChain(ctx context.Context, wireSymbol string) (*ChainItem, error) {
	product := strings.TrimPrefix(wireSymbol, "/")
	endpoint := fmt.Sprintf("%s/futures-option-chains/%s/nested", t.baseURL, url.PathEscape(product))
	return t.getChain(ctx, endpoint, wireSymbol)
}

func (t *TastyAPI) getChain(ctx context.Context, endpoint, symbol string) (*ChainItem, error) {
	var resp dataEnvelope[itemsOrArray[ChainItem]]
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no option chain returned for %s: %w", symbol, failsafe.ErrDataUnavailable)
	}
	first := resp.Data[0]
	return &first, nil
}

// SubmitOrder posts an order. With dryRun set it hits the simulate endpoint,
// which validates and prices the order without routing it.
func (t *TastyAPI) SubmitOrder(ctx context.Context, req OrderRequest, dryRun bool) (*OrderResult, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	if dryRun {
		endpoint += "/dry-run"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding order: %w", err)
	}
	var resp dataEnvelope[OrderResult]
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetOrder retrieves a single order's status.
func (t *TastyAPI) GetOrder(ctx context.Context, orderID int) (*OrderItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var resp dataEnvelope[OrderItem]
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// GetLiveOrders retrieves all currently working orders.
func (t *TastyAPI) GetLiveOrders(ctx context.Context) ([]OrderItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/live", t.baseURL, t.accountID)
	var resp dataEnvelope[itemsOrArray[OrderItem]]
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return []OrderItem(resp.Data), nil
}

// CancelOrder cancels a working order.
func (t *TastyAPI) CancelOrder(ctx context.Context, orderID int) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	return t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, nil)
}

// GetQuoteStreamerToken retrieves the streaming session token and gateway URL.
func (t *TastyAPI) GetQuoteStreamerToken(ctx context.Context) (*QuoteStreamerToken, error) {
	var resp dataEnvelope[QuoteStreamerToken]
	if err := t.makeRequestCtx(ctx, http.MethodGet, t.baseURL+"/api-quote-tokens", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// makeRequestCtx performs one HTTP call: attach the bearer token, send the
// JSON body if present, classify failures into the failsafe taxonomy, and
// decode the response.
func (t *TastyAPI) makeRequestCtx(ctx context.Context, method, endpoint string, body []byte, response interface{}) error {
	var req *http.Request
	var err error

	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	token, err := t.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Add("Authorization", "Bearer "+token)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "tasty-gateway/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return &failsafe.NetworkError{Op: method + " " + endpoint, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.logger.Printf("failed to close response body: %v", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if rerr != nil {
			raw = []byte("failed to read error body")
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return &failsafe.AuthError{Status: resp.StatusCode, Reason: string(raw)}
		case resp.StatusCode == http.StatusTooManyRequests:
			return &failsafe.RateLimitError{RetryAfter: resp.Header.Get("Retry-After")}
		case resp.StatusCode >= 500:
			return &failsafe.TransientServerError{Status: resp.StatusCode, Body: string(raw)}
		default:
			return &APIError{
				Status: resp.StatusCode,
				Body:   fmt.Sprintf("%s %s -> %s", method, endpoint, string(raw)),
			}
		}
	}

	if response == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s %s: %w", method, endpoint, err)
	}
	return nil
}
