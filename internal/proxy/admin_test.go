package proxy

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/kirogate/internal/credential"
	"github.com/nulpointcorp/kirogate/internal/store"
)

func adminCtx(method, path, body string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI(path)
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetBodyString(body)
	return ctx
}

func TestAccountCreateRequiresToken(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	ctx := adminCtx(fasthttp.MethodPost, "/api/accounts", `{"id":"a"}`)

	g.handleAccountCreate(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestAccountLifecycle(t *testing.T) {
	g := newTestGateway(t, "http://unused")

	ctx := adminCtx(fasthttp.MethodPost, "/api/accounts",
		`{"id":"acct-1","refreshToken":"rt","region":"eu-west-1","expiresAt":"2030-01-02T03:04:05Z"}`)
	g.handleAccountCreate(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	cred, err := g.pool.Get("acct-1")
	if err != nil {
		t.Fatalf("created account must land in the pool: %v", err)
	}
	if cred.Region != "eu-west-1" || cred.ExpiresAt.Year() != 2030 {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if raw, err := g.kv.Get(context.Background(), store.PrefixCredentials+"acct-1"); err != nil || len(raw) == 0 {
		t.Fatalf("created account must be persisted: %v", err)
	}

	// Update flips disabled and patches the tier.
	ctx = adminCtx(fasthttp.MethodPut, "/api/accounts/acct-1", `{"tier":"pro","disabled":true}`)
	ctx.SetUserValue("id", "acct-1")
	g.handleAccountUpdate(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("update: expected 200, got %d", ctx.Response.StatusCode())
	}
	cred, _ = g.pool.Get("acct-1")
	if cred.Tier != "pro" || !cred.Disabled {
		t.Fatalf("patch not applied: %+v", cred)
	}

	// Get returns the diagnostics view.
	ctx = adminCtx(fasthttp.MethodGet, "/api/accounts/acct-1", "")
	ctx.SetUserValue("id", "acct-1")
	g.handleAccountGet(ctx)
	if !strings.Contains(string(ctx.Response.Body()), `"id":"acct-1"`) {
		t.Fatalf("unexpected get body %s", ctx.Response.Body())
	}

	// Delete removes the pool entry and the stored record.
	ctx = adminCtx(fasthttp.MethodDelete, "/api/accounts/acct-1", "")
	ctx.SetUserValue("id", "acct-1")
	g.handleAccountDelete(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", ctx.Response.StatusCode())
	}
	if _, err := g.pool.Get("acct-1"); err == nil {
		t.Fatal("deleted account must leave the pool")
	}
	if _, err := g.kv.Get(context.Background(), store.PrefixCredentials+"acct-1"); err == nil {
		t.Fatal("deleted account must leave the store")
	}
}

func TestAccountGetUnknown(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	ctx := adminCtx(fasthttp.MethodGet, "/api/accounts/ghost", "")
	ctx.SetUserValue("id", "ghost")

	g.handleAccountGet(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestAccountVerifyNoRefreshToken(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	addLiveCredential(t, g, "acct-1", "tok")

	ctx := adminCtx(fasthttp.MethodPost, "/api/accounts/acct-1/verify", "")
	ctx.SetUserValue("id", "acct-1")
	g.handleAccountVerify(ctx)

	var out struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Valid || out.Reason != "no refresh token" {
		t.Fatalf("unexpected verify result %+v", out)
	}
}

func TestKeyCreateShowsRawKeyOnce(t *testing.T) {
	g := newTestGateway(t, "http://unused")

	ctx := adminCtx(fasthttp.MethodPost, "/api/keys", `{"name":"ci"}`)
	g.handleKeyCreate(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("expected 201, got %d", ctx.Response.StatusCode())
	}
	var created APIKey
	if err := json.Unmarshal(ctx.Response.Body(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.HasPrefix(created.Key, keyPrefix) || strings.Contains(created.Key, "****") {
		t.Fatalf("create must return the raw key, got %q", created.Key)
	}

	ctx = adminCtx(fasthttp.MethodGet, "/api/keys/"+created.ID, "")
	ctx.SetUserValue("id", created.ID)
	g.handleKeyGet(ctx)
	var fetched APIKey
	if err := json.Unmarshal(ctx.Response.Body(), &fetched); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fetched.Key == created.Key {
		t.Fatal("reads after creation must mask the key")
	}
}

func TestKeyCreateRequiresName(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	ctx := adminCtx(fasthttp.MethodPost, "/api/keys", `{}`)

	g.handleKeyCreate(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestSettingsPutAppliesSchedulerPolicy(t *testing.T) {
	g := newTestGateway(t, "http://unused")

	ctx := adminCtx(fasthttp.MethodPut, "/api/settings", `{"schedulerPolicy":"balanced"}`)
	g.handleSettingsPut(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if g.pool.Policy() != credential.PolicyBalanced {
		t.Fatalf("policy not applied, got %q", g.pool.Policy())
	}

	// The stored document round-trips through GET.
	ctx = adminCtx(fasthttp.MethodGet, "/api/settings", "")
	g.handleSettingsGet(ctx)
	if !strings.Contains(string(ctx.Response.Body()), `"schedulerPolicy":"balanced"`) {
		t.Fatalf("unexpected settings body %s", ctx.Response.Body())
	}
}

func TestSettingsPutRejectsUnknownPolicy(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	ctx := adminCtx(fasthttp.MethodPut, "/api/settings", `{"schedulerPolicy":"lifo"}`)

	g.handleSettingsPut(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if g.pool.Policy() != credential.PolicyPriority {
		t.Fatalf("policy must be unchanged, got %q", g.pool.Policy())
	}
}

func TestConfigPutRoundTrip(t *testing.T) {
	g := newTestGateway(t, "http://unused")

	ctx := adminCtx(fasthttp.MethodPut, "/api/proxy/config", `{"rateLimitPerMinute":120}`)
	g.handleConfigPut(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("expected 204, got %d", ctx.Response.StatusCode())
	}

	ctx = adminCtx(fasthttp.MethodGet, "/api/proxy/config", "")
	g.handleConfigGet(ctx)
	if string(ctx.Response.Body()) != `{"rateLimitPerMinute":120}` {
		t.Fatalf("stored config must be returned verbatim, got %s", ctx.Response.Body())
	}
}

func TestConfigPutRejectsInvalidJSON(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	ctx := adminCtx(fasthttp.MethodPut, "/api/proxy/config", `{broken`)

	g.handleConfigPut(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestStatsHandler(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	g.stats.Record("claude-sonnet-4.5", 10, 5, false)
	g.stats.Record("claude-sonnet-4.5", 0, 0, true)

	ctx := adminCtx(fasthttp.MethodGet, "/api/proxy/stats", "")
	g.handleStats(ctx)

	var out struct {
		TotalRequests int64 `json:"totalRequests"`
		TotalErrors   int64 `json:"totalErrors"`
		InputTokens   int64 `json:"inputTokens"`
		OutputTokens  int64 `json:"outputTokens"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.TotalRequests != 2 || out.TotalErrors != 1 || out.InputTokens != 10 || out.OutputTokens != 5 {
		t.Fatalf("unexpected stats %+v", out)
	}
}

func TestLogsHandlerWithoutLogger(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	ctx := adminCtx(fasthttp.MethodGet, "/api/proxy/logs", "")

	g.handleLogs(ctx)
	if got := string(ctx.Response.Body()); got != "[]" {
		t.Fatalf("expected empty list, got %q", got)
	}
}

func TestPersistAndLoadState(t *testing.T) {
	kv := store.NewMemory()
	g := newTestGateway(t, "http://unused")
	g.kv = kv
	g.stats = NewStats(kv)

	g.keys = NewKeyStore(kv, discardLogger())

	addLiveCredential(t, g, "acct-1", "tok")
	g.stats.Record("claude-sonnet-4.5", 10, 5, false)
	if _, err := g.keys.Create(context.Background(), "ci", nil); err != nil {
		t.Fatalf("create key: %v", err)
	}

	if err := g.PersistState(context.Background()); err != nil {
		t.Fatalf("persist: %v", err)
	}

	restored := newTestGateway(t, "http://unused")
	restored.kv = kv
	restored.stats = NewStats(kv)
	restored.keys = NewKeyStore(kv, discardLogger())
	if err := restored.LoadState(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	cred, err := restored.pool.Get("acct-1")
	if err != nil {
		t.Fatalf("restored pool must hold the credential: %v", err)
	}
	if cred.AccessToken != "tok" {
		t.Fatalf("unexpected restored credential %+v", cred)
	}
	if len(restored.keys.List()) != 1 {
		t.Fatalf("restored key store must hold the key, got %d", len(restored.keys.List()))
	}
	snap := restored.stats.Snapshot()
	if snap.TotalRequests != 1 || snap.InputTokens != 10 {
		t.Fatalf("restored stats must carry over, got %+v", snap)
	}
}
