// Package faults categorizes upstream failures and decides the retry policy
// for each category: whether the request may be retried, whether the
// credential needs a token refresh, whether it must be disabled, and how long
// to back off first.
package faults

import (
	"strings"
	"time"
)

// Category is the failure class assigned to an upstream error.
type Category string

const (
	CategoryBanned         Category = "BANNED"
	CategoryQuota          Category = "QUOTA"
	CategoryAuth           Category = "AUTH"
	CategoryRateLimit      Category = "RATE_LIMIT"
	CategoryContentTooLong Category = "CONTENT_TOO_LONG"
	CategoryInvalidModel   Category = "INVALID_MODEL"
	CategoryClient         Category = "CLIENT"
	CategoryServer         Category = "SERVER"
	CategoryNetwork        Category = "NETWORK"
	CategoryUnknown        Category = "UNKNOWN"
)

// Classification carries the policy for one classified failure.
type Classification struct {
	Category Category

	// Retryable means the request may be retried (possibly on another
	// credential or endpoint).
	Retryable bool

	// RefreshToken means the credential's access token should be refreshed
	// before the next use.
	RefreshToken bool

	// DisableCredential means the credential must not be scheduled again:
	// permanently for BANNED, until quota recovery for QUOTA.
	DisableCredential bool

	// SuggestedDelay is the minimum wait before retrying.
	SuggestedDelay time.Duration
}

// networkSubstrings identify transport-level failures regardless of status.
var networkSubstrings = []string{
	"ECONNRESET",
	"ETIMEDOUT",
	"ENOTFOUND",
	"EAI_AGAIN",
	"EPIPE",
	"ECONNREFUSED",
	"fetch failed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"timeout",
	"aborted",
}

// bannedSubstrings mark a 403 as a permanent account-level block rather than
// an expired token.
var bannedSubstrings = []string{
	"banned",
	"blocked",
	"suspended",
	"terminated",
	"deactivated",
}

var contentTooLongSubstrings = []string{
	"contentlengthexceeded",
	"content length exceeds",
	"input is too long",
	"too long",
	"context window",
	"prompt is too long",
}

// Classify maps an upstream (status, message) pair to a Classification.
// Status 0 means no HTTP response was received (transport failure).
func Classify(status int, message string) Classification {
	lower := strings.ToLower(message)

	if status == 0 || isNetwork(message) {
		return Classification{
			Category:       CategoryNetwork,
			Retryable:      true,
			SuggestedDelay: 500 * time.Millisecond,
		}
	}

	switch {
	case status == 402:
		return Classification{
			Category:          CategoryQuota,
			Retryable:         true,
			DisableCredential: true,
		}

	case status == 401:
		return Classification{
			Category:     CategoryAuth,
			Retryable:    true,
			RefreshToken: true,
		}

	case status == 403:
		if containsAny(lower, bannedSubstrings) {
			return Classification{
				Category:          CategoryBanned,
				Retryable:         true,
				DisableCredential: true,
			}
		}
		return Classification{
			Category:     CategoryAuth,
			Retryable:    true,
			RefreshToken: true,
		}

	case status == 429:
		return Classification{
			Category:       CategoryRateLimit,
			Retryable:      true,
			SuggestedDelay: time.Second,
		}

	case status == 400:
		if containsAny(lower, contentTooLongSubstrings) {
			// Retried by the caller through progressive truncation.
			return Classification{Category: CategoryContentTooLong, Retryable: true}
		}
		if strings.Contains(lower, "model") {
			return Classification{Category: CategoryInvalidModel}
		}
		return Classification{Category: CategoryClient}

	case status == 404:
		if strings.Contains(lower, "model") {
			return Classification{Category: CategoryInvalidModel}
		}
		return Classification{Category: CategoryClient}

	case status >= 400 && status < 500:
		return Classification{Category: CategoryClient}

	case status >= 500:
		return Classification{
			Category:       CategoryServer,
			Retryable:      true,
			SuggestedDelay: 500 * time.Millisecond,
		}
	}

	return Classification{Category: CategoryUnknown}
}

// ClassifyError classifies a transport error with no HTTP response.
func ClassifyError(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown}
	}
	return Classify(0, err.Error())
}

// CredentialKind maps a category onto the credential pool's error kinds
// (network, quota, auth, banned, other). Network errors do not count against
// a credential's persistent error tally.
func (c Classification) CredentialKind() string {
	switch c.Category {
	case CategoryNetwork:
		return "network"
	case CategoryQuota:
		return "quota"
	case CategoryAuth:
		return "auth"
	case CategoryBanned:
		return "banned"
	default:
		return "other"
	}
}

func isNetwork(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range networkSubstrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func containsAny(lower string, subs []string) bool {
	for _, s := range subs {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
