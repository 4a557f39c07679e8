// Package credential manages the pool of upstream accounts: scheduling,
// health tracking, cooldowns, and the self-heal loop that keeps at least one
// credential servable whenever the pool is non-empty.
package credential

import (
	"strings"
	"time"
)

// Error kinds reported through RecordError. Network errors are transient and
// do not count against a credential's persistent error tally.
const (
	KindNetwork = "network"
	KindQuota   = "quota"
	KindAuth    = "auth"
	KindBanned  = "banned"
	KindOther   = "other"
)

// Credential is one upstream account. The exported fields are persisted;
// scheduling state (inflight, recent-request window) is rebuilt at runtime.
type Credential struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Region       string    `json:"region,omitempty"`
	Profile      string    `json:"profile,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	Tier         string    `json:"tier,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`

	Requests          int64 `json:"requests"`
	TokensUsed        int64 `json:"tokensUsed"`
	Errors            int   `json:"errors"`
	ConsecutiveErrors int   `json:"consecutiveErrors"`
	Health            int   `json:"health"`

	CooldownUntil  time.Time `json:"cooldownUntil,omitempty"`
	QuotaExhausted bool      `json:"quotaExhausted"`
	Disabled       bool      `json:"disabled"`
	NeedsRefresh   bool      `json:"needsRefresh,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// entry wraps a credential with its runtime-only scheduling state.
type entry struct {
	cred Credential

	inflight   int
	recent     []time.Time // request timestamps inside the 5-minute window
	lastUse    time.Time
	avgLatency time.Duration

	// cooldownStreak counts how many times the error threshold has been
	// reached; each repeat doubles the cooldown.
	cooldownStreak int
}

// SupportsModel reports whether the credential's tier can serve the model.
// Free-tier accounts cannot serve Opus-class models. An unknown tier is
// treated as free: the upstream sometimes omits the tier on refresh, and
// granting Opus to a free account costs more than withholding it from a paid
// one.
func (c *Credential) SupportsModel(model string) bool {
	if c.Tier == "" || strings.EqualFold(c.Tier, "free") {
		return !strings.Contains(strings.ToLower(model), "opus")
	}
	return true
}

// TokenExpiringWithin reports whether the access token expires within d.
// A zero expiry means the token never expires.
func (c *Credential) TokenExpiringWithin(now time.Time, d time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Sub(now) < d
}

func (e *entry) recentCount(now time.Time) int {
	cutoff := now.Add(-5 * time.Minute)
	i := 0
	for i < len(e.recent) && e.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.recent = e.recent[i:]
	}
	return len(e.recent)
}
