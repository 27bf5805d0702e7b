// Package apierr provides structured API error types and HTTP status mapping
// for the gateway's JSON error envelope.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
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
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeInvalidRequest      = "invalid_request"
	CodeEmptyPayload        = "empty_payload"
	CodeNoCapableProvider   = "no_capable_provider"
	CodeAllCandidatesFailed = "all_candidates_failed"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusGatewayTimeout, msg, TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After header.
// A non-positive retryAfter falls back to 60 seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	Write(ctx, fasthttp.StatusTooManyRequests, "all eligible providers are rate limited", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteAllFailed writes a 502 error after the fallback chain is exhausted.
func WriteAllFailed(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeAllCandidatesFailed)
}
