// Package reqcontext implements RequestContext (spec §4.9): a single
// deadline-bearing context threaded through pool fallback, provider
// selection and the streaming proxy, carrying a request id and deriving
// bounded per-provider and credential-resolution timeouts from whatever
// deadline remains.
package reqcontext

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Defaults for timeout derivation (spec §4.9).
const (
	DefaultProviderTimeoutMultiplier = 0.8
	DefaultMinProviderTimeoutMs      = 1_000
	DefaultMaxProviderTimeoutMs      = 120_000
	DefaultCredentialBudget          = 10 * time.Second
)

// Context wraps a context.Context with the gateway-specific request
// metadata and timeout-derivation rules spec §4.9 describes.
type Context struct {
	context.Context

	RequestID string

	// ProviderTimeoutMultiplier scales the context's remaining deadline to
	// derive a single provider attempt's timeout. Zero means
	// DefaultProviderTimeoutMultiplier.
	ProviderTimeoutMultiplier float64
	MinProviderTimeoutMs      int64
	MaxProviderTimeoutMs      int64

	cancel context.CancelFunc
}

// New derives a Context from parent with the given overall deadline. An
// empty requestID is replaced with a freshly generated uuid, matching the
// teacher's use of google/uuid for request correlation ids.
func New(parent context.Context, requestID string, deadline time.Duration) (*Context, context.CancelFunc) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(parent, deadline)
	rc := &Context{
		Context:                   ctx,
		RequestID:                 requestID,
		ProviderTimeoutMultiplier: DefaultProviderTimeoutMultiplier,
		MinProviderTimeoutMs:      DefaultMinProviderTimeoutMs,
		MaxProviderTimeoutMs:      DefaultMaxProviderTimeoutMs,
		cancel:                    cancel,
	}
	return rc, cancel
}

// Remaining returns time left until the context's deadline, or 0 if it has
// none or has already elapsed.
func (c *Context) Remaining() time.Duration {
	dl, ok := c.Deadline()
	if !ok {
		return 0
	}
	if d := time.Until(dl); d > 0 {
		return d
	}
	return 0
}

// ProviderTimeout derives a single provider attempt's timeout from the
// context's remaining deadline: remaining * multiplier, clamped to
// [MinProviderTimeoutMs, MaxProviderTimeoutMs].
func (c *Context) ProviderTimeout() time.Duration {
	mult := c.ProviderTimeoutMultiplier
	if mult <= 0 {
		mult = DefaultProviderTimeoutMultiplier
	}
	minMs := c.MinProviderTimeoutMs
	if minMs <= 0 {
		minMs = DefaultMinProviderTimeoutMs
	}
	maxMs := c.MaxProviderTimeoutMs
	if maxMs <= 0 {
		maxMs = DefaultMaxProviderTimeoutMs
	}

	remaining := c.Remaining()
	derived := time.Duration(float64(remaining) * mult)

	min := time.Duration(minMs) * time.Millisecond
	max := time.Duration(maxMs) * time.Millisecond
	switch {
	case derived < min:
		return min
	case derived > max:
		return max
	default:
		return derived
	}
}

// WithProviderTimeout returns a child context.Context bounded by
// ProviderTimeout(), for a single provider attempt.
func (c *Context) WithProviderTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context, c.ProviderTimeout())
}

// CredentialBudget returns the time budget allotted to resolving a
// credential (spec §4.9 default: 10s), capped by whatever overall deadline
// remains.
func (c *Context) CredentialBudget() time.Duration {
	if remaining := c.Remaining(); remaining > 0 && remaining < DefaultCredentialBudget {
		return remaining
	}
	return DefaultCredentialBudget
}

// Cancel releases resources associated with the context. Safe to call
// multiple times.
func (c *Context) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}
