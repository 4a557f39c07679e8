package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/kirogate/internal/credential"
	"github.com/nulpointcorp/kirogate/internal/store"
	"github.com/nulpointcorp/kirogate/pkg/apierr"
)

const (
	configKey   = store.PrefixConfig + "proxy"
	settingsKey = store.PrefixConfig + "settings"
)

func writeBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}

func writeNotFound(ctx *fasthttp.RequestCtx, msg string) {
	apierr.Write(ctx, fasthttp.StatusNotFound, msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}

func pathID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("id").(string)
	return id
}

// ── accounts ─────────────────────────────────────────────────────────────────

// accountBody is the mutable surface of a credential over the admin API.
type accountBody struct {
	ID           string `json:"id"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Region       string `json:"region"`
	Profile      string `json:"profile"`
	Fingerprint  string `json:"fingerprint"`
	Tier         string `json:"tier"`
	ExpiresAt    string `json:"expiresAt"`
	Disabled     *bool  `json:"disabled"`
}

func (g *Gateway) handleAccountList(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.pool.Diagnostics())
}

func (g *Gateway) handleAccountCreate(ctx *fasthttp.RequestCtx) {
	var body accountBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if body.RefreshToken == "" && body.AccessToken == "" {
		writeBadRequest(ctx, "accessToken or refreshToken is required")
		return
	}
	cred := credential.Credential{
		ID:           body.ID,
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		Region:       body.Region,
		Profile:      body.Profile,
		Fingerprint:  body.Fingerprint,
		Tier:         body.Tier,
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if body.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, body.ExpiresAt)
		if err != nil {
			writeBadRequest(ctx, "expiresAt must be RFC 3339")
			return
		}
		cred.ExpiresAt = t
	}
	if err := g.pool.Add(cred); err != nil {
		writeBadRequest(ctx, err.Error())
		return
	}
	g.persistCredential(ctx, cred.ID)
	ctx.SetStatusCode(fasthttp.StatusCreated)
	got, _ := g.pool.Get(cred.ID)
	writeJSON(ctx, got)
}

func (g *Gateway) handleAccountGet(ctx *fasthttp.RequestCtx) {
	for _, s := range g.pool.Diagnostics() {
		if s.ID == pathID(ctx) {
			writeJSON(ctx, s)
			return
		}
	}
	writeNotFound(ctx, "account not found")
}

func (g *Gateway) handleAccountUpdate(ctx *fasthttp.RequestCtx) {
	var body accountBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	id := pathID(ctx)
	err := g.pool.Update(id, func(c *credential.Credential) {
		if body.AccessToken != "" {
			c.AccessToken = body.AccessToken
		}
		if body.RefreshToken != "" {
			c.RefreshToken = body.RefreshToken
		}
		if body.Region != "" {
			c.Region = body.Region
		}
		if body.Profile != "" {
			c.Profile = body.Profile
		}
		if body.Fingerprint != "" {
			c.Fingerprint = body.Fingerprint
		}
		if body.Tier != "" {
			c.Tier = body.Tier
		}
		if body.Disabled != nil {
			c.Disabled = *body.Disabled
		}
	})
	if err != nil {
		writeNotFound(ctx, "account not found")
		return
	}
	g.persistCredential(ctx, id)
	got, _ := g.pool.Get(id)
	writeJSON(ctx, got)
}

func (g *Gateway) handleAccountDelete(ctx *fasthttp.RequestCtx) {
	id := pathID(ctx)
	if err := g.pool.Remove(id); err != nil {
		writeNotFound(ctx, "account not found")
		return
	}
	if g.limiter != nil {
		g.limiter.Forget(id)
	}
	if g.kv != nil {
		_ = g.kv.Delete(ctx, store.PrefixCredentials+id)
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// handleAccountRefresh forces a token refresh regardless of expiry.
func (g *Gateway) handleAccountRefresh(ctx *fasthttp.RequestCtx) {
	id := pathID(ctx)
	cred, err := g.pool.Get(id)
	if err != nil {
		writeNotFound(ctx, "account not found")
		return
	}
	cred.NeedsRefresh = true
	fresh, err := g.freshen(ctx, cred)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			fmt.Sprintf("refresh failed: %s", err), apierr.TypeAPIError, apierr.CodeUpstreamError)
		return
	}
	g.persistCredential(ctx, id)
	writeJSON(ctx, map[string]any{
		"id":        fresh.ID,
		"expiresAt": fresh.ExpiresAt,
		"tier":      fresh.Tier,
	})
}

// handleAccountVerify checks that the credential's refresh token still works.
func (g *Gateway) handleAccountVerify(ctx *fasthttp.RequestCtx) {
	cred, err := g.pool.Get(pathID(ctx))
	if err != nil {
		writeNotFound(ctx, "account not found")
		return
	}
	if cred.RefreshToken == "" {
		writeJSON(ctx, map[string]any{"id": cred.ID, "valid": false, "reason": "no refresh token"})
		return
	}
	if _, err := g.client.Refresh(ctx, cred.RefreshToken); err != nil {
		writeJSON(ctx, map[string]any{"id": cred.ID, "valid": false, "reason": err.Error()})
		return
	}
	writeJSON(ctx, map[string]any{"id": cred.ID, "valid": true})
}

func (g *Gateway) handleAccountUsage(ctx *fasthttp.RequestCtx) {
	for _, s := range g.pool.Diagnostics() {
		if s.ID == pathID(ctx) {
			writeJSON(ctx, map[string]any{
				"id":                s.ID,
				"requests":          s.Requests,
				"tokensUsed":        s.TokensUsed,
				"errors":            s.Errors,
				"consecutiveErrors": s.ConsecutiveErrors,
				"health":            s.Health,
				"inflight":          s.Inflight,
				"recentRequests5m":  s.RecentCount,
				"quotaExhausted":    s.QuotaExhausted,
				"available":         s.Available,
			})
			return
		}
	}
	writeNotFound(ctx, "account not found")
}

// ── api keys ─────────────────────────────────────────────────────────────────

type keyBody struct {
	Name          string   `json:"name"`
	Enabled       *bool    `json:"enabled"`
	AllowedModels []string `json:"allowedModels"`
}

func (g *Gateway) handleKeyList(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.keys.List())
}

// handleKeyCreate returns the raw key; this is the only time it is visible.
func (g *Gateway) handleKeyCreate(ctx *fasthttp.RequestCtx) {
	var body keyBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if body.Name == "" {
		writeBadRequest(ctx, "field 'name' is required")
		return
	}
	k, err := g.keys.Create(ctx, body.Name, body.AllowedModels)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, k)
}

func (g *Gateway) handleKeyGet(ctx *fasthttp.RequestCtx) {
	if k, ok := g.keys.Get(pathID(ctx)); ok {
		writeJSON(ctx, k)
		return
	}
	writeNotFound(ctx, "api key not found")
}

func (g *Gateway) handleKeyUpdate(ctx *fasthttp.RequestCtx) {
	var body keyBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	id := pathID(ctx)
	err := g.keys.Update(ctx, id, func(k *APIKey) {
		if body.Name != "" {
			k.Name = body.Name
		}
		if body.Enabled != nil {
			k.Enabled = *body.Enabled
		}
		if body.AllowedModels != nil {
			k.AllowedModels = body.AllowedModels
		}
	})
	if err != nil {
		writeNotFound(ctx, "api key not found")
		return
	}
	k, _ := g.keys.Get(id)
	writeJSON(ctx, k)
}

func (g *Gateway) handleKeyDelete(ctx *fasthttp.RequestCtx) {
	if err := g.keys.Delete(ctx, pathID(ctx)); err != nil {
		writeNotFound(ctx, "api key not found")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ── stats / logs / config / settings ─────────────────────────────────────────

func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	snap := g.stats.Snapshot()
	out := map[string]any{
		"totalRequests": snap.TotalRequests,
		"totalErrors":   snap.TotalErrors,
		"inputTokens":   snap.InputTokens,
		"outputTokens":  snap.OutputTokens,
		"perModel":      snap.PerModel,
		"since":         snap.Since,
	}
	if g.reqLogger != nil {
		out["droppedLogs"] = g.reqLogger.DroppedLogs()
	}
	writeJSON(ctx, out)
}

func (g *Gateway) handleLogs(ctx *fasthttp.RequestCtx) {
	n := 100
	if raw := string(ctx.QueryArgs().Peek("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	if g.reqLogger == nil {
		writeJSON(ctx, []any{})
		return
	}
	writeJSON(ctx, g.reqLogger.Recent(n))
}

func (g *Gateway) handleConfigGet(ctx *fasthttp.RequestCtx) {
	if doc, ok := g.loadDoc(ctx, configKey); ok {
		ctx.SetContentType("application/json")
		ctx.SetBody(doc)
		return
	}
	// No stored override: report the effective runtime values.
	writeJSON(ctx, map[string]any{
		"schedulerPolicy":    g.pool.Policy(),
		"rateLimitPerMinute": g.cfg.RateLimit.PerMinute,
		"compression":        g.cfg.Compression.Enabled,
		"region":             g.cfg.Upstream.Region,
	})
}

func (g *Gateway) handleConfigPut(ctx *fasthttp.RequestCtx) {
	g.storeDoc(ctx, configKey)
}

func (g *Gateway) handleSettingsGet(ctx *fasthttp.RequestCtx) {
	if doc, ok := g.loadDoc(ctx, settingsKey); ok {
		ctx.SetContentType("application/json")
		ctx.SetBody(doc)
		return
	}
	writeJSON(ctx, map[string]any{"schedulerPolicy": g.pool.Policy()})
}

// handleSettingsPut stores the settings document and applies the runtime
// switches it carries.
func (g *Gateway) handleSettingsPut(ctx *fasthttp.RequestCtx) {
	var settings struct {
		SchedulerPolicy string `json:"schedulerPolicy"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &settings); err != nil {
		writeBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if p := settings.SchedulerPolicy; p != "" {
		switch p {
		case credential.PolicyPriority, credential.PolicyBalanced, credential.PolicySmart:
			g.pool.SetPolicy(p)
		default:
			writeBadRequest(ctx, fmt.Sprintf("unknown scheduler policy %q", p))
			return
		}
	}
	g.storeDoc(ctx, settingsKey)
}

func (g *Gateway) loadDoc(ctx context.Context, key string) ([]byte, bool) {
	if g.kv == nil {
		return nil, false
	}
	doc, err := g.kv.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	return doc, true
}

func (g *Gateway) storeDoc(ctx *fasthttp.RequestCtx, key string) {
	body := ctx.PostBody()
	if !json.Valid(body) {
		writeBadRequest(ctx, "body must be valid JSON")
		return
	}
	if g.kv != nil {
		if err := g.kv.Set(ctx, key, append([]byte(nil), body...)); err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ── persistence helpers ──────────────────────────────────────────────────────

// persistCredential writes one credential record; failures are logged only.
func (g *Gateway) persistCredential(ctx context.Context, id string) {
	if g.kv == nil {
		return
	}
	cred, err := g.pool.Get(id)
	if err != nil {
		return
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return
	}
	if err := g.kv.Set(ctx, store.PrefixCredentials+id, raw); err != nil {
		g.log.Warn("credential persist failed", "credential", id, "error", err)
	}
}

// PersistState snapshots credentials and stats to the KV store. Called from
// the app's periodic loop and on shutdown.
func (g *Gateway) PersistState(ctx context.Context) error {
	if g.kv == nil {
		return nil
	}
	for _, s := range g.pool.Diagnostics() {
		raw, err := json.Marshal(s.Credential)
		if err != nil {
			continue
		}
		if err := g.kv.Set(ctx, store.PrefixCredentials+s.ID, raw); err != nil {
			return err
		}
	}
	return g.stats.Persist(ctx)
}

// LoadState restores credentials, API keys, and stats at startup.
func (g *Gateway) LoadState(ctx context.Context) error {
	if g.kv == nil {
		return nil
	}
	keys, err := g.kv.List(ctx, store.PrefixCredentials)
	if err != nil {
		return err
	}
	var creds []credential.Credential
	for _, key := range keys {
		raw, err := g.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var c credential.Credential
		if err := json.Unmarshal(raw, &c); err != nil {
			g.log.Warn("skipping corrupt credential record", "key", key, "error", err)
			continue
		}
		creds = append(creds, c)
	}
	if len(creds) > 0 {
		g.pool.Load(creds)
	}
	if err := g.keys.Load(ctx); err != nil {
		return err
	}
	return g.stats.Load(ctx)
}
