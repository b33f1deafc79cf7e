// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/polyroute/gateway/internal/breaker"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeMissingAPIKey      = "missing_api_key"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeNotImplemented     = "not_implemented"
	CodeInvalidRequest     = "invalid_request"
	CodeModelNotFound      = "model_not_found"
	CodeAllProvidersFailed = "all_providers_failed"
)

// APIError is the structured error returned to clients. Retryable and
// Metadata are omitted from the wire format when unset — only provider-path
// errors populate them.
type (
	APIError struct {
		Message   string         `json:"message"`
		Type      string         `json:"type"`
		Code      string         `json:"code"`
		Retryable *bool          `json:"retryable,omitempty"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteFull(ctx, status, message, errType, code, nil, nil)
}

// WriteFull is Write plus the optional retryable/metadata fields the
// dispatch engine's taxonomy carries (classification retryability, the
// failed-provider list on an exhausted fallback chain, etc).
func WriteFull(ctx *fasthttp.RequestCtx, status int, message, errType, code string, retryable *bool, metadata map[string]any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message:   message,
		Type:      errType,
		Code:      code,
		Retryable: retryable,
		Metadata:  metadata,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway
// status, classifying msg through the dispatch engine's taxonomy (§4.1) to
// populate the envelope's retryable flag.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Timeout       → 504
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	class := breaker.Classify(&statusError{status: providerStatus, msg: msg})
	retryable := breaker.Retryable(class)

	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		WriteFull(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded, &retryable, nil)
	case providerStatus >= 500 && providerStatus < 600:
		WriteFull(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError, &retryable, nil)
	default:
		WriteFull(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError, &retryable, nil)
	}
}

// statusError lets WriteProviderError reuse breaker.Classify's HTTP-status
// fast path instead of duplicating the classification table.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string  { return e.msg }
func (e *statusError) HTTPStatus() int { return e.status }

// WriteAllProvidersFailed writes the 503 envelope for an exhausted fallback
// chain (spec §7: "all_providers_failed"), listing every pool the router
// attempted.
func WriteAllProvidersFailed(ctx *fasthttp.RequestCtx, attempted []string) {
	retryable := true
	WriteFull(ctx, fasthttp.StatusServiceUnavailable,
		"all providers in the fallback chain failed",
		TypeProviderError, CodeAllProvidersFailed, &retryable,
		map[string]any{"attempted": attempted})
}

// WriteModelNotFound writes the 404 envelope for a model that resolves to
// no configured pool.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	retryable := false
	WriteFull(ctx, fasthttp.StatusNotFound,
		"model \""+model+"\" is not mapped to any configured pool",
		TypeInvalidRequest, CodeModelNotFound, &retryable, nil)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	retryable := true
	WriteFull(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout, &retryable, nil)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	retryable := true
	WriteFull(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded, &retryable, nil)
}
