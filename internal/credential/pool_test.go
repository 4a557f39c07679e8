package credential

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestPool(policy string) (*Pool, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewPool(policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return now }
	return p, &now
}

func add(t *testing.T, p *Pool, id, tier string) {
	t.Helper()
	if err := p.Add(Credential{ID: id, AccessToken: "tok-" + id, Tier: tier}); err != nil {
		t.Fatalf("add %s: %v", id, err)
	}
}

func TestAcquireEmptyPool(t *testing.T) {
	p, _ := newTestPool(PolicySmart)
	defer p.Close()
	if _, err := p.Acquire("claude-sonnet-4-5"); err != ErrPoolEmpty {
		t.Fatalf("expected ErrPoolEmpty, got %v", err)
	}
}

func TestAcquireReleaseBalance(t *testing.T) {
	p, _ := newTestPool(PolicyBalanced)
	defer p.Close()
	add(t, p, "a", "pro")
	add(t, p, "b", "pro")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire("claude-sonnet-4-5")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			p.Release(c.ID)
		}()
	}
	wg.Wait()

	for _, s := range p.Diagnostics() {
		if s.Inflight != 0 {
			t.Fatalf("credential %s has %d inflight after all releases", s.ID, s.Inflight)
		}
	}
}

func TestPriorityPolicyPrefersInsertionOrder(t *testing.T) {
	p, _ := newTestPool(PolicyPriority)
	defer p.Close()
	add(t, p, "first", "pro")
	add(t, p, "second", "pro")

	for i := 0; i < 5; i++ {
		c, err := p.Acquire("claude-sonnet-4-5")
		if err != nil {
			t.Fatal(err)
		}
		if c.ID != "first" {
			t.Fatalf("priority policy should always pick the first credential, got %s", c.ID)
		}
		p.Release(c.ID)
	}
}

func TestBalancedPolicyAvoidsLoaded(t *testing.T) {
	p, _ := newTestPool(PolicyBalanced)
	defer p.Close()
	add(t, p, "busy", "pro")
	add(t, p, "idle", "pro")

	// Hold an inflight request on "busy".
	c1, _ := p.Acquire("claude-sonnet-4-5") // both at zero, picks "busy" (first)
	if c1.ID != "busy" {
		// Insertion order tie-break landed elsewhere; hold whichever we got.
		c1, _ = p.Acquire("claude-sonnet-4-5")
	}

	c2, err := p.Acquire("claude-sonnet-4-5")
	if err != nil {
		t.Fatal(err)
	}
	if c2.ID == c1.ID {
		t.Fatalf("balanced policy picked the loaded credential %s", c1.ID)
	}
}

func TestFreeTierCannotServeOpus(t *testing.T) {
	p, _ := newTestPool(PolicyPriority)
	defer p.Close()
	add(t, p, "free1", "free")
	add(t, p, "paid", "pro")

	c, err := p.Acquire("claude-opus-4-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "paid" {
		t.Fatalf("opus request must skip free-tier credentials, got %s", c.ID)
	}
}

func TestUnknownTierTreatedAsFree(t *testing.T) {
	c := Credential{ID: "x", Tier: ""}
	if c.SupportsModel("claude-opus-4-1") {
		t.Fatal("unknown tier must not serve opus")
	}
	if !c.SupportsModel("claude-sonnet-4-5") {
		t.Fatal("unknown tier should still serve non-opus models")
	}
}

func TestCooldownEscalation(t *testing.T) {
	p, now := newTestPool(PolicyPriority)
	defer p.Close()
	add(t, p, "solo", "pro")
	add(t, p, "other", "pro")

	// Five consecutive errors arm the 60s cooldown.
	for i := 0; i < 5; i++ {
		p.RecordError("solo", KindOther)
	}
	snap := p.Diagnostics()[0]
	if !snap.CooldownUntil.After(*now) {
		t.Fatal("expected cooldown to be armed after 5 consecutive errors")
	}
	if snap.Errors != 5 {
		t.Fatalf("expected persistent error count 5, got %d", snap.Errors)
	}

	// During cooldown the scheduler must route elsewhere.
	c, err := p.Acquire("claude-sonnet-4-5")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "other" {
		t.Fatalf("expected cooldown credential to be skipped, got %s", c.ID)
	}
	p.Release(c.ID)

	// After 60s it becomes available again with the error count intact.
	*now = now.Add(61 * time.Second)
	c, err = p.Acquire("claude-sonnet-4-5")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "solo" {
		t.Fatalf("expected recovered credential first, got %s", c.ID)
	}
	p.Release(c.ID)

	// A single further error re-arms the cooldown, doubled.
	p.RecordError("solo", KindOther)
	snap = p.Diagnostics()[0]
	if got := snap.CooldownUntil.Sub(*now); got != 2*baseCooldown {
		t.Fatalf("expected escalated cooldown of %v, got %v", 2*baseCooldown, got)
	}
}

func TestNetworkErrorsDoNotCount(t *testing.T) {
	p, _ := newTestPool(PolicyPriority)
	defer p.Close()
	add(t, p, "a", "pro")

	for i := 0; i < 10; i++ {
		p.RecordError("a", KindNetwork)
	}
	snap := p.Diagnostics()[0]
	if snap.Errors != 0 {
		t.Fatalf("network errors must not increment the error count, got %d", snap.Errors)
	}
	if !snap.CooldownUntil.IsZero() {
		t.Fatal("network errors must not arm cooldown")
	}
	if snap.Health == 100 {
		t.Fatal("network errors should still decay health")
	}
}

func TestBannedDisablesPermanently(t *testing.T) {
	p, _ := newTestPool(PolicyPriority)
	defer p.Close()
	add(t, p, "bad", "pro")
	add(t, p, "good", "pro")

	p.RecordError("bad", KindBanned)
	for i := 0; i < 10; i++ {
		c, err := p.Acquire("claude-sonnet-4-5")
		if err != nil {
			t.Fatal(err)
		}
		if c.ID == "bad" {
			t.Fatal("banned credential must never be scheduled")
		}
		p.Release(c.ID)
	}
}

func TestQuotaExhaustionAndRecovery(t *testing.T) {
	p, _ := newTestPool(PolicyPriority)
	defer p.Close()
	add(t, p, "q", "pro")
	add(t, p, "spare", "pro")

	p.RecordError("q", KindQuota)
	c, _ := p.Acquire("claude-sonnet-4-5")
	if c.ID != "spare" {
		t.Fatalf("quota-exhausted credential must be skipped, got %s", c.ID)
	}
	p.Release(c.ID)

	if err := p.UpdateToken("q", "fresh", time.Time{}, 100); err != nil {
		t.Fatal(err)
	}
	c, _ = p.Acquire("claude-sonnet-4-5")
	if c.ID != "q" {
		t.Fatalf("recovered credential should rejoin the pool, got %s", c.ID)
	}
	p.Release(c.ID)
}

func TestSingleCredentialFastPathClearsCooldown(t *testing.T) {
	p, now := newTestPool(PolicySmart)
	defer p.Close()
	add(t, p, "solo", "pro")

	for i := 0; i < 5; i++ {
		p.RecordError("solo", KindOther)
	}
	if !p.Diagnostics()[0].CooldownUntil.After(*now) {
		t.Fatal("expected cooldown armed")
	}

	c, err := p.Acquire("claude-sonnet-4-5")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "solo" {
		t.Fatalf("expected the lone credential, got %s", c.ID)
	}
	if !p.Diagnostics()[0].CooldownUntil.IsZero() {
		t.Fatal("fast path must clear the cooldown")
	}
	p.Release(c.ID)
}

func TestZeroDowntimeFallback(t *testing.T) {
	p, _ := newTestPool(PolicySmart)
	defer p.Close()
	add(t, p, "a", "pro")
	add(t, p, "b", "pro")

	// Cool both down; acquire must still hand one out.
	for i := 0; i < 5; i++ {
		p.RecordError("a", KindOther)
		p.RecordError("b", KindOther)
	}
	c, err := p.Acquire("claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("fallback must never fail on a non-empty pool: %v", err)
	}
	p.Release(c.ID)
}

func TestSelfHealFullReset(t *testing.T) {
	p, _ := newTestPool(PolicySmart)
	defer p.Close()
	add(t, p, "a", "pro")
	add(t, p, "b", "pro")

	for i := 0; i < 5; i++ {
		p.RecordError("a", KindOther)
		p.RecordError("b", KindOther)
	}
	p.selfHeal()

	snaps := p.Diagnostics()
	for _, s := range snaps {
		if !s.Available {
			t.Fatalf("credential %s still unavailable after self-heal", s.ID)
		}
		if !s.CooldownUntil.IsZero() || s.Errors != 0 {
			t.Fatalf("full reset should clear cooldown and errors: %+v", s)
		}
	}
}

func TestRecordSuccessAccruesTokens(t *testing.T) {
	p, _ := newTestPool(PolicySmart)
	defer p.Close()
	add(t, p, "a", "pro")

	p.RecordSuccess("a", 120, time.Second)
	p.RecordSuccess("a", 80, time.Second)

	snap := p.Diagnostics()[0]
	if snap.TokensUsed != 200 {
		t.Fatalf("expected 200 tokens accrued, got %d", snap.TokensUsed)
	}
	if snap.Requests != 2 {
		t.Fatalf("expected 2 requests, got %d", snap.Requests)
	}
}

func TestHealthClamping(t *testing.T) {
	p, _ := newTestPool(PolicySmart)
	defer p.Close()
	add(t, p, "a", "pro")

	for i := 0; i < 10; i++ {
		p.RecordError("a", KindAuth) // −40 each
	}
	if h := p.Diagnostics()[0].Health; h != 0 {
		t.Fatalf("health must clamp at 0, got %d", h)
	}
	for i := 0; i < 20; i++ {
		p.RecordSuccess("a", 100, time.Second)
	}
	if h := p.Diagnostics()[0].Health; h != 100 {
		t.Fatalf("health must clamp at 100, got %d", h)
	}
}
