package orders

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/tasty_gateway/internal/broker"
	"github.com/eddiefleurent/tasty_gateway/internal/failsafe"
	"github.com/eddiefleurent/tasty_gateway/internal/models"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig() Config {
	return Config{
		PollInterval:      time.Millisecond,
		MaxPollAttempts:   5,
		CallTimeout:       time.Second,
		SameDayCutoff:     "10:00",
		WarnQuantity:      10,
		SubmitMaxAttempts: 4,
		SubmitBaseBackoff: time.Millisecond,
	}
}

func strangleLegs() []models.OrderLeg {
	return []models.OrderLeg{
		{Symbol: "SPY   250919P00430000", Action: models.SellToOpen, Quantity: 1},
		{Symbol: "SPY   250919C00470000", Action: models.SellToOpen, Quantity: 1},
	}
}

// orderResult builds a broker submission response through JSON, matching how
// the transport would have decoded it.
func orderResult(t *testing.T, raw string) *broker.OrderResult {
	t.Helper()
	var result broker.OrderResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("result unmarshal: %v", err)
	}
	return &result
}

// advanceTo walks a fresh order to the given lifecycle state.
func advanceTo(t *testing.T, order *models.Order, state models.OrderState) {
	t.Helper()
	hops := []struct {
		state     models.OrderState
		condition string
	}{
		{models.StateValidated, models.ConditionStructureOK},
		{models.StateDryRunPassed, models.ConditionDryRunOK},
		{models.StateSubmitted, models.ConditionOrderPlaced},
		{models.StateLive, models.ConditionBrokerAck},
	}
	for _, hop := range hops {
		if order.State == state {
			return
		}
		if err := order.Transition(hop.state, hop.condition); err != nil {
			t.Fatalf("advancing to %s: %v", state, err)
		}
	}
}

func TestPrepare(t *testing.T) {
	m := NewManager(&broker.MockBroker{}, nil, testLogger(), testConfig())
	exp := time.Date(2025, time.September, 19, 0, 0, 0, 0, time.UTC)

	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, exp)

	if order.ID == "" {
		t.Fatal("Prepare() left ID empty")
	}
	if order.State != models.StatePrepared {
		t.Fatalf("state = %s, want prepared", order.State)
	}
	if order.Underlying != "SPY" || order.Strategy != "strangle" {
		t.Fatalf("order header = %q/%q", order.Underlying, order.Strategy)
	}
	if order.Price != 2.50 || order.PriceEffect != models.Credit {
		t.Fatalf("pricing = %v/%s", order.Price, order.PriceEffect)
	}
	if !order.Expiration.Equal(exp) {
		t.Fatalf("expiration = %v, want %v", order.Expiration, exp)
	}

	// Off-tick limit prices are normalized to the premium increment.
	offTick := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.52, models.Credit, exp)
	if offTick.Price != 2.50 {
		t.Fatalf("price = %v, want tick-normalized 2.50", offTick.Price)
	}
}

func TestValidate_Structure(t *testing.T) {
	m := NewManager(&broker.MockBroker{}, nil, testLogger(), testConfig())

	tests := []struct {
		name      string
		mutate    func(o *models.Order)
		wantField string
	}{
		{"no legs", func(o *models.Order) { o.Legs = nil }, "legs"},
		{"limit without price", func(o *models.Order) { o.Price = 0 }, "price"},
		{"negative limit price", func(o *models.Order) { o.Price = -1.25 }, "price"},
		{"missing time in force", func(o *models.Order) { o.TimeInForce = "" }, "time_in_force"},
		{"empty leg symbol", func(o *models.Order) { o.Legs[0].Symbol = "" }, "legs[0].symbol"},
		{"bad leg action", func(o *models.Order) { o.Legs[1].Action = "Sell" }, "legs[1].action"},
		{"zero quantity", func(o *models.Order) { o.Legs[0].Quantity = 0 }, "legs[0].quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := m.Prepare("SPY", "strangle", strangleLegs(),
				models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
			tt.mutate(order)

			err := m.Validate(order)
			var verr *failsafe.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error = %v, want ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Fatalf("field = %q, want %q", verr.Field, tt.wantField)
			}
			if order.State != models.StatePrepared {
				t.Fatalf("state advanced to %s on invalid order", order.State)
			}
		})
	}

	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	if err := m.Validate(order); err != nil {
		t.Fatalf("Validate() error = %v on valid order", err)
	}
	if order.State != models.StateValidated {
		t.Fatalf("state = %s, want validated", order.State)
	}
}

func TestValidate_SameDayExpiryRules(t *testing.T) {
	m := NewManager(&broker.MockBroker{}, nil, testLogger(), testConfig())
	sameDay := time.Date(2025, time.August, 27, 0, 0, 0, 0, time.UTC)

	newOrder := func(exp time.Time) *models.Order {
		return m.Prepare("SPY", "strangle", strangleLegs(),
			models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, exp)
	}

	// Before the 10:00 local cutoff a same-day-expiry order is rejected.
	m.now = func() time.Time { return time.Date(2025, time.August, 27, 9, 0, 0, 0, m.loc) }
	err := m.Validate(newOrder(sameDay))
	var verr *failsafe.ValidationError
	if !errors.As(err, &verr) || verr.Field != "expiration" {
		t.Fatalf("error = %v, want expiration rejection before cutoff", err)
	}

	// After the cutoff it passes.
	m.now = func() time.Time { return time.Date(2025, time.August, 27, 10, 30, 0, 0, m.loc) }
	if err := m.Validate(newOrder(sameDay)); err != nil {
		t.Fatalf("Validate() error = %v after cutoff", err)
	}

	// A later expiration is exempt from the cutoff entirely.
	m.now = func() time.Time { return time.Date(2025, time.August, 27, 9, 0, 0, 0, m.loc) }
	future := time.Date(2025, time.September, 19, 0, 0, 0, 0, time.UTC)
	if err := m.Validate(newOrder(future)); err != nil {
		t.Fatalf("Validate() error = %v for future expiration", err)
	}

	// Disallowed weekdays block same-day expiry regardless of the hour.
	cfg := testConfig()
	cfg.DisallowedWeekdays = []time.Weekday{time.Friday}
	m = NewManager(&broker.MockBroker{}, nil, testLogger(), cfg)
	m.now = func() time.Time { return time.Date(2025, time.August, 29, 12, 0, 0, 0, m.loc) }
	friday := time.Date(2025, time.August, 29, 0, 0, 0, 0, time.UTC)
	err = m.Validate(newOrder(friday))
	if !errors.As(err, &verr) || !strings.Contains(verr.Reason, "Friday") {
		t.Fatalf("error = %v, want Friday rejection", err)
	}
}

func TestDryRun_RemotePass(t *testing.T) {
	mock := &broker.MockBroker{
		SubmitOrderFunc: func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
			if !dryRun {
				t.Error("SubmitOrder called without dry-run flag")
			}
			if req.Price != "2.50" {
				t.Errorf("request price = %q, want 2.50", req.Price)
			}
			return orderResult(t, `{
				"order": {"id": 0, "status": "Contingent"},
				"warnings": [{"code": "tif_next_valid_sesssion", "message": "Order will execute next session"}],
				"buying-power-effect": {"change-in-buying-power": 4500.50}
			}`), nil
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateValidated)

	report, err := m.DryRun(context.Background(), order)
	if err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}
	if !report.Passed || !report.Remote {
		t.Fatalf("report = %+v, want remote pass", report)
	}
	if report.BuyingPower != 4500.50 || order.BuyingPowerRequired != 4500.50 {
		t.Fatalf("buying power = %v/%v, want 4500.50", report.BuyingPower, order.BuyingPowerRequired)
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "next session") {
		t.Fatalf("warnings = %v", report.Warnings)
	}
	if order.State != models.StateDryRunPassed {
		t.Fatalf("state = %s, want dry-run passed", order.State)
	}
}

func TestDryRun_RemoteReject(t *testing.T) {
	mock := &broker.MockBroker{
		SubmitOrderFunc: func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
			return nil, &broker.APIError{Status: 422, Body: "insufficient buying power"}
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateValidated)

	report, err := m.DryRun(context.Background(), order)
	if err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}
	if report.Passed {
		t.Fatal("report passed on broker rejection")
	}
	if !strings.Contains(report.Reason, "insufficient buying power") {
		t.Fatalf("reason = %q", report.Reason)
	}
	if order.State != models.StateDryRunFailed {
		t.Fatalf("state = %s, want dry-run failed", order.State)
	}
	// Dry-run rejection is terminal.
	if err := order.Transition(models.StateSubmitted, models.ConditionOrderPlaced); err == nil {
		t.Fatal("rejected dry-run order allowed to submit")
	}
}

func TestDryRun_RateLimitLeavesOrderRetryable(t *testing.T) {
	mock := &broker.MockBroker{
		SubmitOrderFunc: func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
			return nil, &failsafe.RateLimitError{RetryAfter: "2"}
		},
	}
	m := NewManager(mock, failsafe.NewHandler(testLogger()), testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateValidated)

	_, err := m.DryRun(context.Background(), order)
	var rlErr *failsafe.RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("DryRun() error = %v, want RateLimitError", err)
	}
	if order.State != models.StateValidated {
		t.Fatalf("state = %s, want validated after rate limit", order.State)
	}

	// Once the limiter clears, the same order dry-runs normally.
	mock.SubmitOrderFunc = func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
		return orderResult(t, `{}`), nil
	}
	report, err := m.DryRun(context.Background(), order)
	if err != nil {
		t.Fatalf("DryRun() retry error = %v", err)
	}
	if !report.Passed || order.State != models.StateDryRunPassed {
		t.Fatalf("retry report = %+v state = %s, want remote pass", report, order.State)
	}
}

func TestDryRun_AuthFailureSwitchesToManual(t *testing.T) {
	mock := &broker.MockBroker{
		SubmitOrderFunc: func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
			return nil, &failsafe.AuthError{Status: 401, Reason: "token expired"}
		},
	}
	failures := failsafe.NewHandler(testLogger())
	m := NewManager(mock, failures, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateValidated)

	_, err := m.DryRun(context.Background(), order)
	var authErr *failsafe.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("DryRun() error = %v, want AuthError", err)
	}
	if !failures.ManualMode() {
		t.Fatal("credential failure did not switch the handler to manual mode")
	}
	if order.State != models.StateValidated {
		t.Fatalf("state = %s, want validated; credential failures are not rejections", order.State)
	}
}

func TestDryRun_LocalFallbackOnTransportFailure(t *testing.T) {
	mock := &broker.MockBroker{
		SubmitOrderFunc: func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
			return nil, &failsafe.NetworkError{Op: "submit", Err: errors.New("connection refused")}
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())

	legs := strangleLegs()
	legs[0].Quantity = 6
	legs[1].Quantity = 6
	order := m.Prepare("SPY", "strangle", legs,
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateValidated)

	report, err := m.DryRun(context.Background(), order)
	if err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}
	if !report.Passed || report.Remote {
		t.Fatalf("report = %+v, want local pass", report)
	}
	if mock.Calls("SubmitOrder") != 1 {
		t.Fatalf("SubmitOrder calls = %d, want 1", mock.Calls("SubmitOrder"))
	}

	var oversized, unverified bool
	for _, w := range report.Warnings {
		if strings.Contains(w, "oversized") {
			oversized = true
		}
		if strings.Contains(w, "unverified") {
			unverified = true
		}
	}
	if !oversized {
		t.Fatalf("warnings = %v, want oversized-order advisory for quantity 12", report.Warnings)
	}
	if !unverified {
		t.Fatalf("warnings = %v, want unverified buying power advisory", report.Warnings)
	}
	if order.State != models.StateDryRunPassed {
		t.Fatalf("state = %s, want dry-run passed", order.State)
	}
	if order.BuyingPowerRequired != 0 {
		t.Fatalf("buying power = %v, want unset for local run", order.BuyingPowerRequired)
	}
}

func TestDryRun_LocalFallbackNonPositiveCredit(t *testing.T) {
	mock := &broker.MockBroker{
		SubmitOrderFunc: func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
			return nil, &failsafe.TransientServerError{Status: 503}
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeMarket, models.TIFDay, 0, models.Credit, time.Time{})
	advanceTo(t, order, models.StateValidated)

	report, err := m.DryRun(context.Background(), order)
	if err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}
	if !report.Passed {
		t.Fatalf("report = %+v, want pass with advisory", report)
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "non-positive credit") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v, want non-positive credit advisory", report.Warnings)
	}
}

func TestDryRun_RequiresValidatedOrder(t *testing.T) {
	m := NewManager(&broker.MockBroker{}, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})

	_, err := m.DryRun(context.Background(), order)
	var verr *failsafe.ValidationError
	if !errors.As(err, &verr) || verr.Field != "state" {
		t.Fatalf("error = %v, want state validation error", err)
	}
}

func TestSubmit_BuyingPowerCeiling(t *testing.T) {
	m := NewManager(&broker.MockBroker{}, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateDryRunPassed)
	order.BuyingPowerRequired = 5000

	_, err := m.Submit(context.Background(), order, 4000)
	var verr *failsafe.ValidationError
	if !errors.As(err, &verr) || verr.Field != "buying_power" {
		t.Fatalf("error = %v, want buying power ceiling rejection", err)
	}
	if order.State != models.StateDryRunPassed {
		t.Fatalf("state = %s, want unchanged", order.State)
	}
}

func TestSubmit_Success(t *testing.T) {
	mock := &broker.MockBroker{
		SubmitOrderFunc: func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
			if dryRun {
				t.Error("Submit issued a dry-run")
			}
			return orderResult(t, `{"order": {"id": 98765, "status": "Live"}}`), nil
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateDryRunPassed)

	item, err := m.Submit(context.Background(), order, 0)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if item.ID != 98765 || order.BrokerID != 98765 {
		t.Fatalf("broker ID = %d/%d, want 98765", item.ID, order.BrokerID)
	}
	if order.State != models.StateLive {
		t.Fatalf("state = %s, want live on working status", order.State)
	}
}

func TestSubmit_RetriesServerErrors(t *testing.T) {
	calls := 0
	mock := &broker.MockBroker{
		SubmitOrderFunc: func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
			calls++
			if calls <= 2 {
				return nil, &failsafe.TransientServerError{Status: 502}
			}
			return orderResult(t, `{"order": {"id": 11, "status": "Received"}}`), nil
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateDryRunPassed)

	if _, err := m.Submit(context.Background(), order, 0); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("submit attempts = %d, want 3", calls)
	}
	if order.State != models.StateLive {
		t.Fatalf("state = %s, want live", order.State)
	}
}

func TestSubmit_Retries422(t *testing.T) {
	calls := 0
	mock := &broker.MockBroker{
		SubmitOrderFunc: func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
			calls++
			if calls == 1 {
				return nil, &broker.APIError{Status: 422, Body: "order busy"}
			}
			return orderResult(t, `{"order": {"id": 12, "status": "Routed"}}`), nil
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateDryRunPassed)

	if _, err := m.Submit(context.Background(), order, 0); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("submit attempts = %d, want 2", calls)
	}
}

func TestSubmit_AbortsOnNonRetryable(t *testing.T) {
	mock := &broker.MockBroker{
		SubmitOrderFunc: func(ctx context.Context, req broker.OrderRequest, dryRun bool) (*broker.OrderResult, error) {
			return nil, &failsafe.AuthError{Status: 401}
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateDryRunPassed)

	_, err := m.Submit(context.Background(), order, 0)
	var authErr *failsafe.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want wrapped AuthError", err)
	}
	if mock.Calls("SubmitOrder") != 1 {
		t.Fatalf("submit attempts = %d, want 1 (no retry)", mock.Calls("SubmitOrder"))
	}
}

func TestMonitor_ToFilled(t *testing.T) {
	statuses := []string{"Live", "Live", "Filled"}
	poll := 0
	mock := &broker.MockBroker{
		GetOrderFunc: func(ctx context.Context, orderID int) (*broker.OrderItem, error) {
			if orderID != 7 {
				t.Errorf("orderID = %d, want 7", orderID)
			}
			status := statuses[poll]
			if poll < len(statuses)-1 {
				poll++
			}
			return &broker.OrderItem{ID: 7, Status: status}, nil
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateSubmitted)
	order.BrokerID = 7

	var seen []models.OrderState
	state, err := m.Monitor(context.Background(), order, func(o *models.Order, s models.OrderState, item *broker.OrderItem) {
		seen = append(seen, s)
	})
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if state != models.StateFilled || order.State != models.StateFilled {
		t.Fatalf("state = %s/%s, want filled", state, order.State)
	}
	if len(seen) != 2 || seen[0] != models.StateLive || seen[1] != models.StateFilled {
		t.Fatalf("observed transitions = %v, want [live filled]", seen)
	}
}

func TestMonitor_InsertsLiveHopOnImmediateFill(t *testing.T) {
	mock := &broker.MockBroker{
		GetOrderFunc: func(ctx context.Context, orderID int) (*broker.OrderItem, error) {
			return &broker.OrderItem{ID: 7, Status: "Filled"}, nil
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateSubmitted)
	order.BrokerID = 7

	state, err := m.Monitor(context.Background(), order, nil)
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if state != models.StateFilled {
		t.Fatalf("state = %s, want filled via inserted live hop", state)
	}
}

func TestMonitor_SkipsFailedPolls(t *testing.T) {
	poll := 0
	mock := &broker.MockBroker{
		GetOrderFunc: func(ctx context.Context, orderID int) (*broker.OrderItem, error) {
			poll++
			if poll == 1 {
				return nil, &failsafe.TransientServerError{Status: 503}
			}
			return &broker.OrderItem{ID: 7, Status: "Cancelled"}, nil
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateLive)
	order.BrokerID = 7

	state, err := m.Monitor(context.Background(), order, nil)
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if state != models.StateCancelled {
		t.Fatalf("state = %s, want cancelled after transient poll failure", state)
	}
	if poll != 2 {
		t.Fatalf("polls = %d, want 2", poll)
	}
}

func TestMonitor_PollCeiling(t *testing.T) {
	mock := &broker.MockBroker{
		GetOrderFunc: func(ctx context.Context, orderID int) (*broker.OrderItem, error) {
			return &broker.OrderItem{ID: 7, Status: "Live"}, nil
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateSubmitted)
	order.BrokerID = 7

	state, err := m.Monitor(context.Background(), order, nil)
	if err == nil {
		t.Fatal("Monitor() returned nil error at poll ceiling")
	}
	if state != models.StateLive {
		t.Fatalf("state = %s, want last observed live", state)
	}
}

func TestMonitor_RequiresSubmission(t *testing.T) {
	m := NewManager(&broker.MockBroker{}, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})

	_, err := m.Monitor(context.Background(), order, nil)
	var verr *failsafe.ValidationError
	if !errors.As(err, &verr) || verr.Field != "broker_id" {
		t.Fatalf("error = %v, want broker_id validation error", err)
	}
}

func TestMonitor_ContextCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 50 * time.Millisecond
	m := NewManager(&broker.MockBroker{}, nil, testLogger(), cfg)
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateLive)
	order.BrokerID = 7

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Monitor(ctx, order, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestCancel(t *testing.T) {
	mock := &broker.MockBroker{
		CancelOrderFunc: func(ctx context.Context, orderID int) error {
			if orderID != 7 {
				t.Errorf("orderID = %d, want 7", orderID)
			}
			return nil
		},
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	advanceTo(t, order, models.StateLive)
	order.BrokerID = 7

	if err := m.Cancel(context.Background(), order); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if order.State != models.StateCancelled {
		t.Fatalf("state = %s, want cancelled", order.State)
	}

	fresh := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	err := m.Cancel(context.Background(), fresh)
	var verr *failsafe.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want validation error for unsubmitted order", err)
	}
}

func TestCancel_FromSubmittedInsertsLiveHop(t *testing.T) {
	mock := &broker.MockBroker{
		CancelOrderFunc: func(ctx context.Context, orderID int) error { return nil },
	}
	m := NewManager(mock, nil, testLogger(), testConfig())
	order := m.Prepare("SPY", "strangle", strangleLegs(),
		models.OrderTypeLimit, models.TIFDay, 2.50, models.Credit, time.Time{})
	// Submitted but never observed working, e.g. a contingent submission
	// status that the monitor has not matched yet.
	advanceTo(t, order, models.StateSubmitted)
	order.BrokerID = 9

	if err := m.Cancel(context.Background(), order); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if order.State != models.StateCancelled {
		t.Fatalf("state = %s, want cancelled", order.State)
	}
}

func TestStateFromStatus(t *testing.T) {
	tests := []struct {
		status   string
		want     models.OrderState
		terminal bool
	}{
		{"Filled", models.StateFilled, true},
		{"Cancelled", models.StateCancelled, true},
		{"Canceled", models.StateCancelled, true},
		{"Expired", models.StateExpired, true},
		{"Rejected", models.StateRejected, true},
		{"Live", models.StateLive, false},
		{"Received", models.StateLive, false},
		{"In Flight", models.StateLive, false},
		{"Partially Filled", models.StateLive, false},
		{"Contingent", "", false},
	}
	for _, tt := range tests {
		state, terminal := stateFromStatus(tt.status)
		if state != tt.want || terminal != tt.terminal {
			t.Errorf("stateFromStatus(%q) = %s/%v, want %s/%v",
				tt.status, state, terminal, tt.want, tt.terminal)
		}
	}
}

func TestToRequest(t *testing.T) {
	m := NewManager(&broker.MockBroker{}, nil, testLogger(), testConfig())
	legs := []models.OrderLeg{
		{Symbol: "./ESU5 EW4U5 250829P5300", Action: models.SellToOpen, Quantity: 1},
		{Symbol: "SPY   250919C00470000", Action: models.BuyToClose, Quantity: 2},
	}
	order := m.Prepare("/ES", "strangle", legs,
		models.OrderTypeLimit, models.TIFGTC, 12.30, models.Credit, time.Time{})

	req := m.toRequest(order)
	if req.OrderType != "Limit" || req.TimeInForce != "GTC" || req.PriceEffect != "Credit" {
		t.Fatalf("request header = %+v", req)
	}
	if req.Price != "12.30" {
		t.Fatalf("price = %q, want 12.30", req.Price)
	}
	if req.Legs[0].InstrumentType != "Future Option" || req.Legs[1].InstrumentType != "Equity Option" {
		t.Fatalf("instrument types = %q/%q", req.Legs[0].InstrumentType, req.Legs[1].InstrumentType)
	}
	if req.Legs[1].Action != "Buy to Close" || req.Legs[1].Quantity != 2 {
		t.Fatalf("leg[1] = %+v", req.Legs[1])
	}
}
