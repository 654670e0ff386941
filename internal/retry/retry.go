// Package retry wraps provider calls with failure classification, exponential
// backoff, and the shared rate-limit clock a task family observes.
package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flitsinc/agentcore/internal/provider"
)

// Kind classifies a failed provider call.
type Kind int

const (
	// KindTransient covers network and server failures worth a plain retry.
	KindTransient Kind = iota
	// KindRateLimit means the provider told us to back off.
	KindRateLimit
	// KindContextExceeded means the request no longer fits the model's
	// context window; condense before retrying.
	KindContextExceeded
	// KindCanceled means the call was canceled locally; never retried.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindContextExceeded:
		return "context_exceeded"
	case KindCanceled:
		return "canceled"
	default:
		return "transient"
	}
}

// Classify maps a provider-call error to its retry kind.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
	}
	var rate *provider.RateLimitError
	if errors.As(err, &rate) {
		return KindRateLimit
	}
	var ctxErr *provider.ContextExceededError
	if errors.As(err, &ctxErr) {
		return KindContextExceeded
	}
	return KindTransient
}

// RateLimitClock is the earliest-next-call clock shared by a task and all of
// its delegated descendants. Only one of them is ever open, so writes are
// sequential; the mutex just keeps reads race-free for observers.
type RateLimitClock struct {
	mu    sync.Mutex
	nowFn func() time.Time
	until time.Time
}

func NewRateLimitClock() *RateLimitClock {
	return &RateLimitClock{nowFn: time.Now}
}

func NewRateLimitClockAt(nowFn func() time.Time) *RateLimitClock {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &RateLimitClock{nowFn: nowFn}
}

// Defer pushes the next allowed call out by d from now, never pulling an
// existing deadline earlier.
func (c *RateLimitClock) Defer(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := c.nowFn().Add(d)
	if candidate.After(c.until) {
		c.until = candidate
	}
}

// Remaining reports how long until the next call is allowed.
func (c *RateLimitClock) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.until.Sub(c.nowFn())
	if d < 0 {
		return 0
	}
	return d
}

// Controller computes and serves retry delays for one task family.
type Controller struct {
	clock     *RateLimitClock
	baseDelay time.Duration
	maxDelay  time.Duration

	// MaxCondenseRetries bounds automatic condense-then-retry passes after a
	// context-exceeded failure.
	MaxCondenseRetries int

	sleepFn func(ctx context.Context, d time.Duration) error
	onWait  func(kind Kind, attempt int, delay time.Duration)
}

type Option func(*Controller)

func WithBaseDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.maxDelay = d
		}
	}
}

// WithWaitObserver is called once per wait with the classification, attempt
// number, and delay about to be served. Used for countdown banners.
func WithWaitObserver(fn func(kind Kind, attempt int, delay time.Duration)) Option {
	return func(c *Controller) { c.onWait = fn }
}

func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleepFn = fn
		}
	}
}

func NewController(clock *RateLimitClock, opts ...Option) *Controller {
	if clock == nil {
		clock = NewRateLimitClock()
	}
	c := &Controller{
		clock:              clock,
		baseDelay:          2 * time.Second,
		maxDelay:           10 * time.Minute,
		MaxCondenseRetries: 3,
		sleepFn:            sleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Controller) Clock() *RateLimitClock { return c.clock }

// Backoff returns the capped exponential delay for a zero-based attempt.
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := c.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.maxDelay {
			return c.maxDelay
		}
	}
	if d > c.maxDelay {
		return c.maxDelay
	}
	return d
}

// Delay computes the wait before retrying attempt (zero-based) after err. A
// provider-supplied retry-after hint overrides the computed backoff.
func (c *Controller) Delay(err error, attempt int) time.Duration {
	var rate *provider.RateLimitError
	if errors.As(err, &rate) && rate.RetryAfter > 0 {
		return rate.RetryAfter
	}
	return c.Backoff(attempt)
}

// Wait serves the delay for err, folding in the shared rate-limit clock so a
// freshly resumed parent honors a limit its child hit. Rate-limit delays are
// recorded on the clock for the rest of the family.
func (c *Controller) Wait(ctx context.Context, err error, attempt int) error {
	kind := Classify(err)
	if kind == KindCanceled {
		return ctx.Err()
	}
	delay := c.Delay(err, attempt)
	if kind == KindRateLimit {
		c.clock.Defer(delay)
	}
	if remaining := c.clock.Remaining(); remaining > delay {
		delay = remaining
	}
	if c.onWait != nil {
		c.onWait(kind, attempt, delay)
	}
	return c.sleepFn(ctx, delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
