package provider

import (
	"fmt"
	"time"
)

// RateLimitError reports a provider throttle. RetryAfter is the provider
// hint, zero when none was supplied.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ContextExceededError reports that the request history exceeded the model's
// context window.
type ContextExceededError struct {
	Err error
}

func (e *ContextExceededError) Error() string {
	return fmt.Sprintf("context window exceeded: %v", e.Err)
}

func (e *ContextExceededError) Unwrap() error { return e.Err }
