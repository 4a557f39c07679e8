package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Scheduling policies.
const (
	PolicyPriority = "priority"
	PolicyBalanced = "balanced"
	PolicySmart    = "smart"
)

const (
	// errorThreshold is the consecutive-error count that schedules cooldown.
	errorThreshold = 5

	// baseCooldown is the first cooldown; repeats double it up to maxCooldown.
	baseCooldown = 60 * time.Second
	maxCooldown  = 10 * time.Minute

	// selfHealInterval is how often the pool checks for total unavailability.
	selfHealInterval = 5 * time.Minute

	// smartTieBand keeps all candidates within 15% of the top smart score
	// in the random tie-break set.
	smartTieBand = 0.15
)

// ErrPoolEmpty is returned by Acquire when no credentials exist at all.
var ErrPoolEmpty = errors.New("credential: pool is empty")

// ErrNotFound is returned when an operation names an unknown credential.
var ErrNotFound = errors.New("credential: not found")

// Snapshot is a read-only view of one credential plus its runtime state,
// used by diagnostics and the admin API.
type Snapshot struct {
	Credential
	Inflight    int           `json:"inflight"`
	RecentCount int           `json:"recentRequests5m"`
	AvgLatency  time.Duration `json:"-"`
	Available   bool          `json:"available"`
}

// Pool is the credential pool and scheduler. Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	order   []string // insertion order, drives the priority policy
	entries map[string]*entry
	policy  string

	log  *slog.Logger
	now  func() time.Time
	rand *rand.Rand

	stopHeal chan struct{}
	healOnce sync.Once
}

// NewPool creates a pool with the given scheduling policy and starts the
// self-heal loop. Close must be called to stop it.
func NewPool(policy string, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		entries:  make(map[string]*entry),
		policy:   policy,
		log:      log,
		now:      time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		stopHeal: make(chan struct{}),
	}
	go p.healLoop()
	return p
}

// Close stops the self-heal loop.
func (p *Pool) Close() {
	p.healOnce.Do(func() { close(p.stopHeal) })
}

// SetPolicy switches the scheduling policy at runtime.
func (p *Pool) SetPolicy(policy string) {
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
}

// Policy returns the active scheduling policy.
func (p *Pool) Policy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

// Add inserts a credential. Health defaults to 100 when unset.
func (p *Pool) Add(c Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.ID == "" {
		return fmt.Errorf("credential: id is required")
	}
	if _, exists := p.entries[c.ID]; exists {
		return fmt.Errorf("credential: %s already exists", c.ID)
	}
	if c.Health == 0 {
		c.Health = 100
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = p.now()
	}
	c.UpdatedAt = p.now()

	p.entries[c.ID] = &entry{cred: c}
	p.order = append(p.order, c.ID)
	return nil
}

// Remove deletes a credential permanently.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[id]; !ok {
		return ErrNotFound
	}
	delete(p.entries, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// Update applies patch to the stored credential under the pool lock.
func (p *Pool) Update(id string, patch func(*Credential)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return ErrNotFound
	}
	patch(&e.cred)
	e.cred.UpdatedAt = p.now()
	return nil
}

// Get returns a copy of the credential.
func (p *Pool) Get(id string) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return e.cred, nil
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Acquire selects a credential for the given model, increments its inflight
// count, and returns a copy. Callers must Release the id on every exit path.
// Acquire never fails while the pool is non-empty: if no candidate passes the
// availability checks, the zero-downtime fallback forces one.
func (p *Pool) Acquire(model string) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return Credential{}, ErrPoolEmpty
	}
	now := p.now()

	// Single-credential fast path: clear cooldown so the lone account keeps
	// serving.
	if len(p.order) == 1 {
		e := p.entries[p.order[0]]
		if !e.cred.Disabled {
			e.cred.CooldownUntil = time.Time{}
			return p.take(e, now), nil
		}
	}

	var candidates []*entry
	for _, id := range p.order {
		e := p.entries[id]
		if p.available(e, now) && e.cred.SupportsModel(model) {
			candidates = append(candidates, e)
		}
	}

	if len(candidates) == 0 {
		e := p.fallback(now)
		if e == nil {
			return Credential{}, ErrPoolEmpty
		}
		p.log.Warn("credential pool exhausted, forcing fallback", "credential", e.cred.ID)
		return p.take(e, now), nil
	}

	var chosen *entry
	switch p.policy {
	case PolicyPriority:
		chosen = candidates[0]
	case PolicyBalanced:
		chosen = p.pickBalanced(candidates, now)
	default:
		chosen = p.pickSmart(candidates, now)
	}
	return p.take(chosen, now), nil
}

// Release decrements the inflight count. Unknown ids are ignored (the
// credential may have been deleted while the request was in flight).
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[id]; ok && e.inflight > 0 {
		e.inflight--
	}
}

// RecordSuccess notes a completed request: health recovers by 10, the
// consecutive-error streak resets, the token count accrues on the usage
// tally, and latency feeds the rolling average.
func (p *Pool) RecordSuccess(id string, tokens int, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}
	e.cred.Requests++
	e.cred.ConsecutiveErrors = 0
	e.cred.Health = clamp(e.cred.Health + 10)
	e.cooldownStreak = 0
	if tokens > 0 {
		e.cred.TokensUsed += int64(tokens)
	}
	if latency > 0 {
		if e.avgLatency == 0 {
			e.avgLatency = latency
		} else {
			e.avgLatency = (e.avgLatency*3 + latency) / 4
		}
	}
}

// RecordError notes a failed request of the given kind and applies the
// corresponding penalty.
func (p *Pool) RecordError(id, kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}
	now := p.now()
	e.cred.Requests++

	decay := 20
	switch kind {
	case KindBanned:
		decay = 50
		e.cred.Disabled = true
		p.log.Warn("credential banned, disabling permanently", "credential", id)
	case KindAuth:
		decay = 40
		e.cred.NeedsRefresh = true
	case KindQuota:
		decay = 30
		e.cred.QuotaExhausted = true
	case KindNetwork:
		// Transient: no persistent error count.
	}
	e.cred.Health = clamp(e.cred.Health - decay)

	if kind != KindNetwork {
		e.cred.Errors++
		e.cred.ConsecutiveErrors++
		// The streak is deliberately not reset here: after the cooldown
		// expires, a single further error re-arms it (doubled).
		if e.cred.ConsecutiveErrors >= errorThreshold {
			d := baseCooldown << e.cooldownStreak
			if d > maxCooldown {
				d = maxCooldown
			}
			e.cooldownStreak++
			e.cred.CooldownUntil = now.Add(d)
			p.log.Warn("credential entering cooldown",
				"credential", id, "cooldown", d.String(), "errors", e.cred.Errors)
		}
	}
	e.cred.UpdatedAt = now
}

// MarkNeedsRefresh flags the credential for a token refresh before next use.
func (p *Pool) MarkNeedsRefresh(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		e.cred.NeedsRefresh = true
	}
}

// UpdateToken installs a refreshed access token. A positive remaining quota
// clears the quota-exhausted flag so the credential rejoins the pool.
func (p *Pool) UpdateToken(id, accessToken string, expiresAt time.Time, quotaRemaining int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.cred.AccessToken = accessToken
	e.cred.ExpiresAt = expiresAt
	e.cred.NeedsRefresh = false
	if quotaRemaining > 0 && e.cred.QuotaExhausted {
		e.cred.QuotaExhausted = false
		p.log.Info("credential quota recovered", "credential", id)
	}
	e.cred.UpdatedAt = p.now()
	return nil
}

// Diagnostics returns a snapshot of every credential in insertion order.
func (p *Pool) Diagnostics() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]Snapshot, 0, len(p.order))
	for _, id := range p.order {
		e := p.entries[id]
		out = append(out, Snapshot{
			Credential:  e.cred,
			Inflight:    e.inflight,
			RecentCount: e.recentCount(now),
			AvgLatency:  e.avgLatency,
			Available:   p.available(e, now),
		})
	}
	return out
}

// Load replaces the pool contents, used at startup from the KV store.
func (p *Pool) Load(creds []Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = make(map[string]*entry, len(creds))
	p.order = p.order[:0]
	for _, c := range creds {
		if c.Health == 0 {
			c.Health = 100
		}
		p.entries[c.ID] = &entry{cred: c}
		p.order = append(p.order, c.ID)
	}
}

// ── selection internals ──────────────────────────────────────────────────────

// available checks scheduling eligibility. The consecutive-error threshold is
// enforced through the cooldown it arms: once the cooldown expires the
// credential is retryable even though its streak is still at the threshold.
func (p *Pool) available(e *entry, now time.Time) bool {
	c := &e.cred
	if c.Disabled || c.QuotaExhausted {
		return false
	}
	if !now.After(c.CooldownUntil) {
		return false
	}
	return c.ConsecutiveErrors < errorThreshold || !c.CooldownUntil.IsZero()
}

func (p *Pool) take(e *entry, now time.Time) Credential {
	e.inflight++
	e.lastUse = now
	e.recent = append(e.recent, now)
	return e.cred
}

func (p *Pool) pickBalanced(candidates []*entry, now time.Time) *entry {
	best := candidates[0]
	bestLoad := best.inflight*1000 + best.recentCount(now)
	for _, e := range candidates[1:] {
		load := e.inflight*1000 + e.recentCount(now)
		if load < bestLoad {
			best, bestLoad = e, load
		}
	}
	return best
}

func (p *Pool) pickSmart(candidates []*entry, now time.Time) *entry {
	// Average recent load across the candidate set feeds the usage bonus.
	totalRecent := 0
	for _, e := range candidates {
		totalRecent += e.recentCount(now)
	}
	avg := float64(totalRecent) / float64(len(candidates))

	scores := make([]float64, len(candidates))
	top := math.Inf(-1)
	for i, e := range candidates {
		s := p.smartScore(e, now, avg)
		scores[i] = s
		if s > top {
			top = s
		}
	}

	// All candidates within 15% of the top score tie; pick uniformly.
	threshold := top - smartTieBand*math.Abs(top)
	var tied []*entry
	for i, e := range candidates {
		if scores[i] >= threshold {
			tied = append(tied, e)
		}
	}
	return tied[p.rand.Intn(len(tied))]
}

func (p *Pool) smartScore(e *entry, now time.Time, avgRecent float64) float64 {
	score := float64(e.cred.Health) - 30*float64(e.inflight)

	recent := float64(e.recentCount(now))
	switch {
	case avgRecent > 0 && recent > avgRecent:
		// Above-average load subtracts proportionally, up to 40.
		penalty := 40 * (recent - avgRecent) / avgRecent
		if penalty > 40 {
			penalty = 40
		}
		score -= penalty
	case recent == 0:
		score += 30
	}

	if e.lastUse.IsZero() || now.Sub(e.lastUse) > 30*time.Second {
		score += 20
	}
	if e.avgLatency > 0 && e.avgLatency < 5*time.Second {
		score += 10
	}

	if !e.cred.ExpiresAt.IsZero() {
		switch ttl := e.cred.ExpiresAt.Sub(now); {
		case ttl < 5*time.Minute:
			score -= 15
		case ttl < 15*time.Minute:
			score -= 10
		case ttl < 30*time.Minute:
			score -= 5
		}
	}
	return score
}

// fallback implements zero-downtime selection when every candidate failed the
// availability checks: soonest-ending cooldown first (cleared when under 5s
// away), then fewest errors (halving the count), then any non-disabled one.
func (p *Pool) fallback(now time.Time) *entry {
	var coolest *entry
	for _, id := range p.order {
		e := p.entries[id]
		if e.cred.Disabled || e.cred.QuotaExhausted {
			continue
		}
		if e.cred.CooldownUntil.After(now) {
			if coolest == nil || e.cred.CooldownUntil.Before(coolest.cred.CooldownUntil) {
				coolest = e
			}
		}
	}
	if coolest != nil {
		if coolest.cred.CooldownUntil.Sub(now) < 5*time.Second {
			coolest.cred.CooldownUntil = time.Time{}
		}
		return coolest
	}

	var fewest *entry
	for _, id := range p.order {
		e := p.entries[id]
		if e.cred.Disabled || e.cred.QuotaExhausted {
			continue
		}
		if fewest == nil || e.cred.Errors < fewest.cred.Errors {
			fewest = e
		}
	}
	if fewest != nil {
		fewest.cred.Errors /= 2
		fewest.cred.ConsecutiveErrors = 0
		return fewest
	}

	for _, id := range p.order {
		e := p.entries[id]
		if !e.cred.Disabled {
			e.cred.QuotaExhausted = false
			e.cred.CooldownUntil = time.Time{}
			return e
		}
	}
	return nil
}

// ── self-heal ────────────────────────────────────────────────────────────────

func (p *Pool) healLoop() {
	ticker := time.NewTicker(selfHealInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.selfHeal()
		case <-p.stopHeal:
			return
		}
	}
}

// selfHeal runs when every credential is unavailable: first soften the
// error-disabled ones, and if that is not enough, reset all cooldowns and
// error counts.
func (p *Pool) selfHeal() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if len(p.entries) == 0 || p.anyAvailable(now) {
		return
	}
	p.log.Warn("all credentials unavailable, self-healing")

	for _, e := range p.entries {
		if e.cred.Disabled {
			continue
		}
		if e.cred.Errors > 0 || e.cred.ConsecutiveErrors > 0 {
			e.cred.Errors /= 2
			e.cred.ConsecutiveErrors = 0
			if e.cred.Health < 50 {
				e.cred.Health = 50
			}
		}
	}
	if p.anyAvailable(now) {
		return
	}

	p.log.Warn("self-heal escalating to full reset")
	for _, e := range p.entries {
		if e.cred.Disabled {
			continue
		}
		e.cred.CooldownUntil = time.Time{}
		e.cred.Errors = 0
		e.cred.ConsecutiveErrors = 0
		e.cooldownStreak = 0
	}
}

func (p *Pool) anyAvailable(now time.Time) bool {
	for _, e := range p.entries {
		if p.available(e, now) {
			return true
		}
	}
	return false
}

func clamp(h int) int {
	if h < 0 {
		return 0
	}
	if h > 100 {
		return 100
	}
	return h
}
