package failsafe

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"time"
)

// Backoff is the shared retry policy, parameterized by a delay ladder and an
// attempt ceiling. The token manager drives whole calls through Do; the
// market data gateway and the quote stream consume Delay and Sleep directly
// inside their own retry loops.
type Backoff struct {
	Ladder      []time.Duration
	MaxAttempts int
	// Jitter adds up to 25% random delay on top of each ladder step.
	Jitter bool
}

// DefaultBackoff retries up to 4 times on the standard ladder.
var DefaultBackoff = Backoff{
	Ladder:      []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second},
	MaxAttempts: 4,
	Jitter:      true,
}

// Delay returns the ladder delay for a zero-based attempt, clamped to the
// last rung, with optional jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b.Ladder) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(b.Ladder) {
		attempt = len(b.Ladder) - 1
	}
	d := b.Ladder[attempt]
	if b.Jitter {
		d += jitter(d / 4)
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping the ladder delay between
// attempts while retryable(err) holds. The per-call timeout is fn's own
// responsibility; Do's bound is attempt-count based.
func (b Backoff) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("operation canceled: %w", err)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		if err := Sleep(ctx, b.Delay(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("canceled during backoff: %w", ctx.Err())
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		log.Printf("failed to generate jitter: %v", err)
		return 0
	}
	return time.Duration(n.Int64())
}
