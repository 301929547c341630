package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// RetryConfig bounds collaborator calls: how often to retry, how long
// each attempt may run, and when the breaker sheds load entirely.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// InitialBackoff and MaxBackoff bound the pause between attempts;
	// BackoffMultiplier grows it
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// Timeout caps one attempt
	Timeout time.Duration

	// BreakerEnabled guards the client with a Breaker
	BreakerEnabled   bool
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration

	// MaxConcurrentCalls caps in-flight calls (0 = unlimited)
	MaxConcurrentCalls int
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         3,
		InitialBackoff:     1 * time.Second,
		MaxBackoff:         30 * time.Second,
		BackoffMultiplier:  2.0,
		Timeout:            60 * time.Second,
		BreakerEnabled:     true,
		FailureThreshold:   5,
		SuccessThreshold:   2,
		OpenTimeout:        30 * time.Second,
		MaxConcurrentCalls: 3,
	}
}

// BreakerState is the load-shedding posture of a Breaker.
type BreakerState string

const (
	// BreakerClosed passes calls through
	BreakerClosed BreakerState = "closed"

	// BreakerOpen refuses calls outright
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen lets probes through to test recovery
	BreakerHalfOpen BreakerState = "half-open"
)

// ErrBreakerOpen is returned while the breaker refuses calls.
var ErrBreakerOpen = errors.New("breaker is open")

// Breaker sheds load when a dependency keeps failing. It guards the
// Anthropic client and the QA fast-fix pool: a run of failures opens
// it, and after openTimeout a half-open probe decides whether the
// dependency came back.
type Breaker struct {
	mu sync.Mutex

	state       BreakerState
	failures    int
	probes      int
	lastFailure time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// NewBreaker creates a closed breaker.
func NewBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *Breaker {
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// Allow reports whether a call may proceed. An open breaker past its
// timeout flips to half-open and lets the probe through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		if time.Since(b.lastFailure) <= b.openTimeout {
			return ErrBreakerOpen
		}
		b.probes = 0
		b.setState(BreakerHalfOpen, "probing for recovery")
	}
	return nil
}

// RecordSuccess notes a completed call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.probes++
		if b.probes >= b.successThreshold {
			b.failures = 0
			b.probes = 0
			b.setState(BreakerClosed, "dependency recovered")
		}
	}
}

// RecordFailure notes a failed call. In half-open a single failure
// reopens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = time.Now()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.setState(BreakerOpen, fmt.Sprintf("%d consecutive failures", b.failures))
		}
	case BreakerHalfOpen:
		b.probes = 0
		b.setState(BreakerOpen, "probe failed")
	}
}

// State returns the current posture.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns the posture with its failure and probe counters.
func (b *Breaker) Metrics() (BreakerState, int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.probes
}

// setState logs and applies a posture change. Caller holds the lock.
func (b *Breaker) setState(next BreakerState, detail string) {
	if b.state == next {
		return
	}
	fmt.Printf("breaker %s -> %s (%s)\n", b.state, next, detail)
	b.state = next
}

// do runs one collaborator operation with bounded retry. Each attempt
// gets its own deadline; transient failures back off exponentially
// and count against the breaker, anything else returns immediately.
func (c *Client) do(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.concurrencySem != nil {
		if err := c.concurrencySem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire call slot for %s: %w", operation, err)
		}
		defer c.concurrencySem.Release(1)
	}

	attempts := c.retry.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if c.breaker != nil {
			if err := c.breaker.Allow(); err != nil {
				return fmt.Errorf("%s refused: %w", operation, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
			}
			if attempt > 1 {
				fmt.Printf("%s recovered on attempt %d\n", operation, attempt)
			}
			return nil
		}
		lastErr = err

		if !transient(err) {
			return fmt.Errorf("%s: %w", operation, err)
		}
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		if attempt == attempts {
			break
		}

		pause := c.backoff(attempt)
		fmt.Printf("%s attempt %d/%d failed, next try in %v: %v\n", operation, attempt, attempts, pause, err)
		select {
		case <-time.After(pause):
		case <-ctx.Done():
			return fmt.Errorf("%s aborted during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}

// backoff computes the pause after the given 1-based attempt.
func (c *Client) backoff(attempt int) time.Duration {
	pause := time.Duration(float64(c.retry.InitialBackoff) * math.Pow(c.retry.BackoffMultiplier, float64(attempt-1)))
	if pause > c.retry.MaxBackoff {
		pause = c.retry.MaxBackoff
	}
	if pause <= 0 {
		pause = c.retry.InitialBackoff
	}
	return pause
}

// transientMarkers are failure shapes worth retrying: throttling,
// server-side errors, and network flakes. The SDK surfaces HTTP
// failures as strings, so classification is substring-based.
var transientMarkers = []string{
	"429", "rate limit",
	"500", "502", "503", "504",
	"internal server error", "bad gateway", "service unavailable", "gateway timeout",
	"connection refused", "connection reset", "timeout", "temporary failure", "network",
}

// transient reports whether err may succeed on retry. Unknown errors
// do not: auth and request-shape failures retry forever otherwise.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
