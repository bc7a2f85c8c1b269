// Package orders drives the order lifecycle: prepare, validate, dry-run,
// submit, monitor, cancel. Validation failures are never retried; transient
// broker failures are, on bounded schedules.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/tasty_gateway/internal/broker"
	"github.com/eddiefleurent/tasty_gateway/internal/failsafe"
	"github.com/eddiefleurent/tasty_gateway/internal/models"
	"github.com/eddiefleurent/tasty_gateway/internal/util"
)

// Config contains configuration for the order manager.
type Config struct {
	// PollInterval is the order status polling cadence.
	PollInterval time.Duration
	// MaxPollAttempts bounds the monitoring loop.
	MaxPollAttempts int
	// CallTimeout bounds each individual broker call.
	CallTimeout time.Duration

	// SameDayCutoff is the exchange-local "HH:MM" before which same-day-expiry
	// orders are rejected.
	SameDayCutoff string
	// DisallowedWeekdays blocks same-day-expiry orders entirely on these days.
	DisallowedWeekdays []time.Weekday

	// WarnQuantity is the total-quantity threshold above which the local
	// dry-run emits an oversized-order warning.
	WarnQuantity int

	// SubmitMaxAttempts bounds the submission retry loop.
	SubmitMaxAttempts int
	// SubmitBaseBackoff is the exponential base for 5xx retries and the
	// linear step for 422 retries.
	SubmitBaseBackoff time.Duration
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	PollInterval:      5 * time.Second,
	MaxPollAttempts:   60,
	CallTimeout:       5 * time.Second,
	SameDayCutoff:     "10:00",
	WarnQuantity:      10,
	SubmitMaxAttempts: 4,
	SubmitBaseBackoff: 1 * time.Second,
}

// DryRunReport is the outcome of a broker or local dry-run.
type DryRunReport struct {
	Passed bool
	// Remote is false when the broker was unreachable and the local
	// validator supplied the safety check instead.
	Remote bool
	// Warnings are non-fatal advisories; they never block submission.
	Warnings []string
	// BuyingPower is the margin requirement the broker computed, zero for
	// local runs.
	BuyingPower float64
	// Reason explains a failed dry-run.
	Reason string
}

// Observer is invoked on each order status change during monitoring.
type Observer func(order *models.Order, state models.OrderState, item *broker.OrderItem)

// Manager handles the order lifecycle against the broker.
type Manager struct {
	broker   broker.Broker
	failures *failsafe.Handler
	logger   *log.Logger
	config   Config
	loc      *time.Location

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager creates an order lifecycle manager.
func NewManager(b broker.Broker, failures *failsafe.Handler, logger *log.Logger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultConfig.MaxPollAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.SameDayCutoff == "" {
		cfg.SameDayCutoff = DefaultConfig.SameDayCutoff
	}
	if cfg.WarnQuantity <= 0 {
		cfg.WarnQuantity = DefaultConfig.WarnQuantity
	}
	if cfg.SubmitMaxAttempts <= 0 {
		cfg.SubmitMaxAttempts = DefaultConfig.SubmitMaxAttempts
	}
	if cfg.SubmitBaseBackoff <= 0 {
		cfg.SubmitBaseBackoff = DefaultConfig.SubmitBaseBackoff
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("ET", -5*60*60)
	}

	return &Manager{
		broker:   b,
		failures: failures,
		logger:   logger,
		config:   cfg,
		loc:      loc,
		now:      time.Now,
	}
}

// Prepare builds a new order in the Prepared state. Limit prices are
// normalized to the valid premium increment; the exchange rejects off-tick
// prices outright.
func (m *Manager) Prepare(underlying, strategyTag string, legs []models.OrderLeg,
	orderType models.OrderType, tif models.TimeInForce, price float64,
	effect models.PriceEffect, expiration time.Time) *models.Order {
	order := models.NewOrder(uuid.New().String(), underlying, strategyTag, legs)
	order.Type = orderType
	order.TimeInForce = tif
	order.Price = price
	if orderType == models.OrderTypeLimit {
		order.Price = util.RoundToTick(price, util.PremiumTick(price))
	}
	order.PriceEffect = effect
	order.Expiration = expiration
	return order
}

// Validate runs structural and strategy timing checks and advances the order
// to Validated. Failures surface as ValidationError and are never retried.
func (m *Manager) Validate(order *models.Order) error {
	if err := m.checkStructure(order); err != nil {
		return err
	}
	if err := m.checkTiming(order); err != nil {
		return err
	}
	return order.Transition(models.StateValidated, models.ConditionStructureOK)
}

// DryRun simulates the order. The broker dry-run endpoint is preferred; when
// the broker is unreachable the local validator supplies the safety check so
// the pipeline keeps working offline. The broker rejecting the order is
// terminal (DryRunFailed); warnings are not, and auth or rate-limit failures
// are returned without touching the order state.
func (m *Manager) DryRun(ctx context.Context, order *models.Order) (DryRunReport, error) {
	if order.State != models.StateValidated {
		return DryRunReport{}, &failsafe.ValidationError{
			Field: "state", Reason: fmt.Sprintf("dry-run requires a validated order, got %s", order.State)}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	result, err := m.broker.SubmitOrder(callCtx, m.toRequest(order), true)
	cancel()

	switch {
	case err == nil:
		report := DryRunReport{Passed: true, Remote: true}
		for _, w := range result.Warnings {
			report.Warnings = append(report.Warnings, w.Message)
		}
		if result.BuyingPowerEffect != nil {
			report.BuyingPower = result.BuyingPowerEffect.ChangeInBuyingPower.Float()
			order.BuyingPowerRequired = report.BuyingPower
		}
		if m.failures != nil {
			m.failures.RecordSuccess()
		}
		if terr := order.Transition(models.StateDryRunPassed, models.ConditionDryRunOK); terr != nil {
			return report, terr
		}
		return report, nil

	case isTransportFailure(err):
		// Broker unreachable: fall back to the local validator.
		if m.failures != nil {
			m.failures.Handle(err, "order dry-run "+order.ID)
		}
		m.logger.Printf("broker dry-run unreachable for order %s, using local validator: %v",
			order.ID, err)
		return m.localDryRun(order)

	case isRecoverable(err):
		// Auth and rate-limit failures say nothing about the order itself.
		// Surface them to the caller and leave the order retryable.
		if m.failures != nil {
			m.failures.Handle(err, "order dry-run "+order.ID)
		}
		return DryRunReport{}, fmt.Errorf("dry-run for order %s: %w", order.ID, err)

	default:
		// The broker looked at the order and said no.
		report := DryRunReport{Passed: false, Remote: true, Reason: err.Error()}
		if terr := order.Transition(models.StateDryRunFailed, models.ConditionDryRunRejected); terr != nil {
			return report, terr
		}
		return report, nil
	}
}

// localDryRun re-checks structure and timing without contacting the broker
// and flags advisory conditions. Warnings never block submission; structural
// failures do.
func (m *Manager) localDryRun(order *models.Order) (DryRunReport, error) {
	report := DryRunReport{Remote: false}

	if err := m.checkStructure(order); err != nil {
		report.Reason = err.Error()
		if terr := order.Transition(models.StateDryRunFailed, models.ConditionDryRunRejected); terr != nil {
			return report, terr
		}
		return report, nil
	}
	if err := m.checkTiming(order); err != nil {
		report.Reason = err.Error()
		if terr := order.Transition(models.StateDryRunFailed, models.ConditionDryRunRejected); terr != nil {
			return report, terr
		}
		return report, nil
	}

	if qty := order.TotalQuantity(); qty > m.config.WarnQuantity {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("oversized order: total quantity %d exceeds %d", qty, m.config.WarnQuantity))
	}
	if order.IsCredit() && order.Price <= 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("non-positive credit %.2f on a credit order", order.Price))
	}
	report.Warnings = append(report.Warnings, "buying power requirement unverified (local dry-run)")

	report.Passed = true
	if terr := order.Transition(models.StateDryRunPassed, models.ConditionDryRunOK); terr != nil {
		return report, terr
	}
	return report, nil
}

// Submit routes the order. It requires a passed dry-run and a buying-power
// requirement within the caller's ceiling. 5xx failures retry with
// exponential backoff, 422 with linear; anything else aborts immediately.
func (m *Manager) Submit(ctx context.Context, order *models.Order, maxBuyingPower float64) (*broker.OrderItem, error) {
	if order.State != models.StateDryRunPassed {
		return nil, &failsafe.ValidationError{
			Field: "state", Reason: fmt.Sprintf("submit requires a passed dry-run, got %s", order.State)}
	}
	if maxBuyingPower > 0 && order.BuyingPowerRequired > maxBuyingPower {
		return nil, &failsafe.ValidationError{
			Field: "buying_power",
			Reason: fmt.Sprintf("requirement %.2f exceeds ceiling %.2f",
				order.BuyingPowerRequired, maxBuyingPower)}
	}

	var lastErr error
	for attempt := 0; attempt < m.config.SubmitMaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		result, err := m.broker.SubmitOrder(callCtx, m.toRequest(order), false)
		cancel()

		if err == nil {
			if m.failures != nil {
				m.failures.RecordSuccess()
			}
			order.BrokerID = result.Order.ID
			if terr := order.Transition(models.StateSubmitted, models.ConditionOrderPlaced); terr != nil {
				return &result.Order, terr
			}
			if isWorkingStatus(result.Order.Status) {
				if terr := order.Transition(models.StateLive, models.ConditionBrokerAck); terr != nil {
					return &result.Order, terr
				}
			}
			m.logger.Printf("order %s submitted as broker order %d (%s)",
				order.ID, result.Order.ID, result.Order.Status)
			return &result.Order, nil
		}
		lastErr = err
		if m.failures != nil {
			m.failures.Handle(err, "order submit "+order.ID)
		}

		delay, retryable := m.submitRetryDelay(err, attempt)
		if !retryable || attempt == m.config.SubmitMaxAttempts-1 {
			break
		}
		m.logger.Printf("order %s submit attempt %d/%d failed, retrying in %v: %v",
			order.ID, attempt+1, m.config.SubmitMaxAttempts, delay, err)
		if serr := failsafe.Sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, fmt.Errorf("submitting order %s: %w", order.ID, lastErr)
}

// submitRetryDelay returns the backoff for one failed submit attempt:
// exponential for 5xx, linear for 422, no retry otherwise.
func (m *Manager) submitRetryDelay(err error, attempt int) (time.Duration, bool) {
	var srvErr *failsafe.TransientServerError
	if errors.As(err, &srvErr) {
		return m.config.SubmitBaseBackoff * (1 << attempt), true
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) && apiErr.Status == 422 {
		return m.config.SubmitBaseBackoff * time.Duration(attempt+1), true
	}
	return 0, false
}

// Monitor polls the order until a terminal status or the attempt ceiling,
// invoking observer on each status change. Cancellation via ctx stops the
// loop cleanly; the order's local state is only ever advanced on confirmed
// broker statuses, never left mid-transition.
func (m *Manager) Monitor(ctx context.Context, order *models.Order, observer Observer) (models.OrderState, error) {
	if order.BrokerID == 0 {
		return order.State, &failsafe.ValidationError{Field: "broker_id", Reason: "order was never submitted"}
	}

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	lastState := order.State
	for attempt := 0; attempt < m.config.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			m.logger.Printf("monitoring cancelled for order %s in state %s", order.ID, order.State)
			return order.State, ctx.Err()
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
		item, err := m.broker.GetOrder(callCtx, order.BrokerID)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return order.State, err
			}
			m.logger.Printf("status poll failed for order %s: %v", order.ID, err)
			continue
		}

		state, terminal := stateFromStatus(item.Status)
		if state == "" {
			m.logger.Printf("unknown broker status %q for order %s", item.Status, order.ID)
			continue
		}

		if state != lastState {
			if err := m.advance(order, state); err != nil {
				return order.State, err
			}
			lastState = state
			if observer != nil {
				observer(order, state, item)
			}
		}
		if terminal {
			return state, nil
		}
	}

	m.logger.Printf("monitoring ceiling reached for order %s, last state %s", order.ID, lastState)
	return lastState, fmt.Errorf("order %s still %s after %d polls",
		order.ID, lastState, m.config.MaxPollAttempts)
}

// Cancel cancels a working order at the broker and advances the local state
// on success.
func (m *Manager) Cancel(ctx context.Context, order *models.Order) error {
	if order.BrokerID == 0 {
		return &failsafe.ValidationError{Field: "broker_id", Reason: "order was never submitted"}
	}
	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()
	if err := m.broker.CancelOrder(callCtx, order.BrokerID); err != nil {
		return fmt.Errorf("cancelling order %s: %w", order.ID, err)
	}
	// advance inserts the Live hop for orders cancelled straight out of
	// Submitted (the broker acked and cancelled without us seeing a fill poll).
	return m.advance(order, models.StateCancelled)
}

// advance walks the order to state, inserting the Live hop when a terminal
// status arrives while the order is still Submitted.
func (m *Manager) advance(order *models.Order, state models.OrderState) error {
	if order.State == state {
		return nil
	}
	if order.State == models.StateSubmitted && state != models.StateLive && state != models.StateRejected {
		if err := order.Transition(models.StateLive, models.ConditionBrokerAck); err != nil {
			return err
		}
	}
	condition := conditionForState(state)
	return order.Transition(state, condition)
}

func (m *Manager) checkStructure(order *models.Order) error {
	if order == nil {
		return &failsafe.ValidationError{Reason: "order is nil"}
	}
	if len(order.Legs) == 0 {
		return &failsafe.ValidationError{Field: "legs", Reason: "order has no legs"}
	}
	if order.Type == models.OrderTypeLimit && order.Price <= 0 {
		return &failsafe.ValidationError{Field: "price", Reason: "limit order requires a positive price"}
	}
	if order.Type == "" {
		return &failsafe.ValidationError{Field: "type", Reason: "order type is required"}
	}
	if order.TimeInForce == "" {
		return &failsafe.ValidationError{Field: "time_in_force", Reason: "time in force is required"}
	}
	for i, leg := range order.Legs {
		if leg.Symbol == "" {
			return &failsafe.ValidationError{
				Field: fmt.Sprintf("legs[%d].symbol", i), Reason: "instrument symbol is required"}
		}
		if !validAction(leg.Action) {
			return &failsafe.ValidationError{
				Field: fmt.Sprintf("legs[%d].action", i), Reason: fmt.Sprintf("invalid action %q", leg.Action)}
		}
		if leg.Quantity <= 0 {
			return &failsafe.ValidationError{
				Field: fmt.Sprintf("legs[%d].quantity", i), Reason: "quantity must be > 0"}
		}
	}
	return nil
}

// checkTiming enforces the same-day-expiry rules: such orders are rejected
// before the configured exchange-local cutoff and on disallowed weekdays.
func (m *Manager) checkTiming(order *models.Order) error {
	if order.Expiration.IsZero() {
		return nil
	}
	now := m.now().In(m.loc)
	ey, em, ed := order.Expiration.Date()
	ny, nm, nd := now.Date()
	if ey != ny || em != nm || ed != nd {
		return nil
	}

	for _, wd := range m.config.DisallowedWeekdays {
		if now.Weekday() == wd {
			return &failsafe.ValidationError{
				Field:  "expiration",
				Reason: fmt.Sprintf("same-day-expiry orders not allowed on %s", wd)}
		}
	}

	cutoff, err := time.ParseInLocation("15:04", m.config.SameDayCutoff, m.loc)
	if err != nil {
		return fmt.Errorf("invalid same-day cutoff %q: %w", m.config.SameDayCutoff, err)
	}
	cutoffToday := time.Date(ny, nm, nd, cutoff.Hour(), cutoff.Minute(), 0, 0, m.loc)
	if now.Before(cutoffToday) {
		return &failsafe.ValidationError{
			Field: "expiration",
			Reason: fmt.Sprintf("same-day-expiry orders rejected before %s local time",
				m.config.SameDayCutoff)}
	}
	return nil
}

// toRequest maps the canonical order to the wire payload.
func (m *Manager) toRequest(order *models.Order) broker.OrderRequest {
	req := broker.OrderRequest{
		TimeInForce: string(order.TimeInForce),
		OrderType:   string(order.Type),
		PriceEffect: string(order.PriceEffect),
	}
	if order.Type == models.OrderTypeLimit {
		req.Price = fmt.Sprintf("%.2f", order.Price)
	}
	for _, leg := range order.Legs {
		req.Legs = append(req.Legs, broker.OrderLegRequest{
			InstrumentType: instrumentTypeFor(leg.Symbol),
			Symbol:         leg.Symbol,
			Action:         string(leg.Action),
			Quantity:       leg.Quantity,
		})
	}
	return req
}

// instrumentTypeFor distinguishes futures option symbols (dot-slash roots
// like "./ESU5 EW4U5 250829P5300") from OCC equity option symbols.
func instrumentTypeFor(symbol string) string {
	if strings.HasPrefix(symbol, "./") || strings.HasPrefix(symbol, "/") {
		return "Future Option"
	}
	return "Equity Option"
}

func validAction(a models.LegAction) bool {
	switch a {
	case models.BuyToOpen, models.SellToOpen, models.BuyToClose, models.SellToClose:
		return true
	}
	return false
}

// isTransportFailure reports whether the dry-run should fall back to the
// local validator: the broker never saw (or never answered) the request.
func isTransportFailure(err error) bool {
	if failsafe.IsNetworkError(err) {
		return true
	}
	var srvErr *failsafe.TransientServerError
	return errors.As(err, &srvErr)
}

// isRecoverable reports whether err is a credential or rate-limit failure,
// which never counts as the broker rejecting the order.
func isRecoverable(err error) bool {
	var authErr *failsafe.AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var rlErr *failsafe.RateLimitError
	return errors.As(err, &rlErr)
}

// isWorkingStatus reports whether a submission response means the order is
// already working at the broker.
func isWorkingStatus(status string) bool {
	switch strings.ToLower(status) {
	case "live", "received", "routed", "in flight", "working":
		return true
	}
	return false
}

// stateFromStatus maps a broker status string to the lifecycle state and
// whether it is terminal.
func stateFromStatus(status string) (models.OrderState, bool) {
	switch strings.ToLower(status) {
	case "filled":
		return models.StateFilled, true
	case "cancelled", "canceled":
		return models.StateCancelled, true
	case "expired":
		return models.StateExpired, true
	case "rejected":
		return models.StateRejected, true
	case "live", "received", "routed", "in flight", "working", "partial", "partially filled":
		return models.StateLive, false
	}
	return "", false
}

func conditionForState(state models.OrderState) string {
	switch state {
	case models.StateLive:
		return models.ConditionBrokerAck
	case models.StateFilled:
		return models.ConditionFillConfirmed
	case models.StateCancelled:
		return models.ConditionCancelled
	case models.StateExpired:
		return models.ConditionExpired
	case models.StateRejected:
		return models.ConditionRejected
	default:
		return ""
	}
}
