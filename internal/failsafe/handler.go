package failsafe

import (
	"errors"
	"log"
	"os"
	"sync"
	"time"
)

// ActionType enumerates what the caller should do next after a failure.
type ActionType string

const (
	// ActionRetry retries once after a fixed delay.
	ActionRetry ActionType = "retry"
	// ActionRetryWithBackoff retries on the progressive delay ladder.
	ActionRetryWithBackoff ActionType = "retry_with_backoff"
	// ActionSwitchToManual stops remote calls until a human clears the flag.
	ActionSwitchToManual ActionType = "switch_to_manual"
	// ActionEmergencyManual is the escalated form after repeated server failures.
	ActionEmergencyManual ActionType = "emergency_manual"
	// ActionLogAndContinue records the failure and carries on.
	ActionLogAndContinue ActionType = "log_and_continue"
)

// Action is the handler's decision for one failure.
type Action struct {
	Type  ActionType
	Delay time.Duration
}

// Config tunes the classification thresholds.
type Config struct {
	// RateLimitCooldown is the fixed delay after a 429.
	RateLimitCooldown time.Duration
	// DelayLadder is the progressive backoff schedule for 5xx and network errors.
	DelayLadder []time.Duration
	// MaxServerFailures is the consecutive 5xx count before emergency manual mode.
	MaxServerFailures int
	// MaxUnclassified is the unclassified failure count before manual mode.
	MaxUnclassified int
}

// DefaultConfig matches the production thresholds.
var DefaultConfig = Config{
	RateLimitCooldown: 60 * time.Second,
	DelayLadder:       []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second},
	MaxServerFailures: 3,
	MaxUnclassified:   5,
}

// Handler classifies failures and tracks the process-local degraded state.
// All network-calling components share one Handler. State is in-memory only.
type Handler struct {
	mu sync.Mutex

	config Config
	logger *log.Logger

	failureCount   int
	serverFailures int
	lastFailure    time.Time
	manualMode     bool
	manualReason   string
}

// NewHandler creates a failure handler.
func NewHandler(logger *log.Logger, config ...Config) *Handler {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if len(cfg.DelayLadder) == 0 {
		cfg.DelayLadder = DefaultConfig.DelayLadder
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = DefaultConfig.RateLimitCooldown
	}
	if cfg.MaxServerFailures <= 0 {
		cfg.MaxServerFailures = DefaultConfig.MaxServerFailures
	}
	if cfg.MaxUnclassified <= 0 {
		cfg.MaxUnclassified = DefaultConfig.MaxUnclassified
	}
	if logger == nil {
		logger = log.New(os.Stderr, "failsafe: ", log.LstdFlags)
	}
	return &Handler{config: cfg, logger: logger}
}

// Handle classifies err and returns the action the caller should take.
// opContext names the failing operation for the log line.
func (h *Handler) Handle(err error, opContext string) Action {
	if err == nil {
		return Action{Type: ActionLogAndContinue}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.failureCount++
	h.lastFailure = time.Now().UTC()

	var authErr *AuthError
	if errors.As(err, &authErr) {
		h.serverFailures = 0
		h.enterManualLocked("credentials require re-authorization: " + err.Error())
		h.logger.Printf("%s: auth failure, switching to manual mode: %v", opContext, err)
		return Action{Type: ActionSwitchToManual}
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		h.serverFailures = 0
		h.logger.Printf("%s: rate limited, retrying in %v", opContext, h.config.RateLimitCooldown)
		return Action{Type: ActionRetry, Delay: h.config.RateLimitCooldown}
	}

	var srvErr *TransientServerError
	if errors.As(err, &srvErr) {
		h.serverFailures++
		if h.serverFailures >= h.config.MaxServerFailures {
			h.enterManualLocked("repeated server failures: " + err.Error())
			h.logger.Printf("%s: %d consecutive server failures, entering emergency manual mode",
				opContext, h.serverFailures)
			return Action{Type: ActionEmergencyManual}
		}
		delay := h.ladderDelayLocked(h.serverFailures - 1)
		h.logger.Printf("%s: server error, backing off %v (failure %d/%d): %v",
			opContext, delay, h.serverFailures, h.config.MaxServerFailures, err)
		return Action{Type: ActionRetryWithBackoff, Delay: delay}
	}

	if IsNetworkError(err) {
		h.serverFailures = 0
		delay := h.ladderDelayLocked(h.failureCount - 1)
		h.logger.Printf("%s: network failure, backing off %v: %v", opContext, delay, err)
		return Action{Type: ActionRetryWithBackoff, Delay: delay}
	}

	// Unclassified: tolerate up to the threshold, then hand control to a human.
	h.serverFailures = 0
	if h.failureCount > h.config.MaxUnclassified {
		h.enterManualLocked("repeated unclassified failures: " + err.Error())
		h.logger.Printf("%s: %d unclassified failures, switching to manual mode",
			opContext, h.failureCount)
		return Action{Type: ActionSwitchToManual}
	}
	h.logger.Printf("%s: unclassified failure %d/%d, continuing: %v",
		opContext, h.failureCount, h.config.MaxUnclassified, err)
	return Action{Type: ActionLogAndContinue}
}

// RecordSuccess resets the failure counters. It does not clear manual mode;
// that requires an explicit ClearManualMode.
func (h *Handler) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failureCount = 0
	h.serverFailures = 0
}

// ManualMode reports whether the gateway is degraded and remote calls should
// stop.
func (h *Handler) ManualMode() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manualMode
}

// ManualReason returns why manual mode was entered, or "".
func (h *Handler) ManualReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manualReason
}

// ClearManualMode re-enables remote calls and resets counters.
func (h *Handler) ClearManualMode() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manualMode = false
	h.manualReason = ""
	h.failureCount = 0
	h.serverFailures = 0
	h.logger.Printf("manual mode cleared")
}

// FailureCount returns the current consecutive failure count.
func (h *Handler) FailureCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failureCount
}

// LastFailure returns when the most recent failure was recorded.
func (h *Handler) LastFailure() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFailure
}

func (h *Handler) enterManualLocked(reason string) {
	h.manualMode = true
	h.manualReason = reason
}

func (h *Handler) ladderDelayLocked(step int) time.Duration {
	if step < 0 {
		step = 0
	}
	if step >= len(h.config.DelayLadder) {
		step = len(h.config.DelayLadder) - 1
	}
	return h.config.DelayLadder[step]
}
