// Package apierr provides structured API error types and HTTP status mapping
// compatible with both the OpenAI and Anthropic error formats.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypeAPIError          = "api_error"
	TypeOverloadedError   = "overloaded_error"
	TypePermissionError   = "permission_error"
)

// Code constants (OpenAI dialect only; the Anthropic envelope has no code field).
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeUpstreamError     = "upstream_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeModelNotFound     = "model_not_found"
	CodeQuotaExceeded     = "insufficient_quota"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	}
	openaiEnvelope struct {
		Error APIError `json:"error"`
	}
	anthropicEnvelope struct {
		Type  string   `json:"type"`
		Error APIError `json:"error"`
	}
)

// Write writes the error in the OpenAI envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(openaiEnvelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteAnthropic writes the error in the Anthropic envelope:
// {"type":"error","error":{"type":...,"message":...}}.
func WriteAnthropic(ctx *fasthttp.RequestCtx, status int, message, errType string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(anthropicEnvelope{
		Type: "error",
		Error: APIError{
			Type:    errType,
			Message: message,
		},
	})
	ctx.SetBody(body)
}

// WriteDialect dispatches to the OpenAI or Anthropic envelope.
func WriteDialect(ctx *fasthttp.RequestCtx, anthropic bool, status int, message, errType, code string) {
	if anthropic {
		WriteAnthropic(ctx, status, message, errType)
		return
	}
	Write(ctx, status, message, errType, code)
}

// WriteRateLimit writes a 429 rate limit error with Retry-After.
func WriteRateLimit(ctx *fasthttp.RequestCtx, anthropic bool) {
	ctx.Response.Header.Set("Retry-After", "60")
	WriteDialect(ctx, anthropic, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteOverloaded writes the 529 overloaded_error used when the circuit
// breaker is open. The OpenAI dialect has no 529, so it maps to 503 there.
func WriteOverloaded(ctx *fasthttp.RequestCtx, anthropic bool) {
	if anthropic {
		WriteAnthropic(ctx, 529, "upstream is overloaded, please retry later", TypeOverloadedError)
		return
	}
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"upstream is overloaded, please retry later", TypeServerError, CodeUpstreamError)
}

// WriteAuth writes a 401 authentication error.
func WriteAuth(ctx *fasthttp.RequestCtx, anthropic bool, message string) {
	WriteDialect(ctx, anthropic, fasthttp.StatusUnauthorized,
		message, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx, anthropic bool) {
	WriteDialect(ctx, anthropic, fasthttp.StatusGatewayTimeout,
		"upstream request timed out", TypeAPIError, CodeRequestTimeout)
}
