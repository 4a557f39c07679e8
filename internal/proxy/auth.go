package proxy

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/kirogate/internal/credential"
	"github.com/nulpointcorp/kirogate/pkg/apierr"
)

// Auth modes on the /v1 endpoints.
const (
	authShared = "shared" // PROXY_API_KEY, pool schedules freely
	authToken  = "token"  // PROXY_API_KEY:refreshToken, pinned synthetic credential
	authKey    = "key"    // issued kg- key
)

// authResult describes how the request authenticated.
type authResult struct {
	mode string

	// credentialID pins the request to one credential (token mode only).
	credentialID string

	// apiKey is set in key mode.
	apiKey APIKey
}

// clientKey extracts the presented key from Authorization: Bearer or the
// Anthropic-style x-api-key header.
func clientKey(ctx *fasthttp.RequestCtx) string {
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key"))); raw != "" {
		return raw
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticate resolves the auth mode for a /v1 request. On failure it writes
// the 401 response and returns ok=false.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx, anthropic bool) (authResult, bool) {
	key := clientKey(ctx)
	if key == "" {
		apierr.WriteAuth(ctx, anthropic, "missing API key")
		return authResult{}, false
	}

	if subtle.ConstantTimeCompare([]byte(key), []byte(g.cfg.ProxyAPIKey)) == 1 {
		return authResult{mode: authShared}, true
	}

	// PROXY_API_KEY:refreshToken materializes a synthetic credential pinned
	// to that token.
	if shared, token, found := strings.Cut(key, ":"); found && token != "" &&
		subtle.ConstantTimeCompare([]byte(shared), []byte(g.cfg.ProxyAPIKey)) == 1 {
		id := g.ensureTokenCredential(token)
		return authResult{mode: authToken, credentialID: id}, true
	}

	if strings.HasPrefix(key, keyPrefix) {
		if k, ok := g.keys.Lookup(ctx, key); ok {
			return authResult{mode: authKey, apiKey: k}, true
		}
		apierr.WriteAuth(ctx, anthropic, "API key not found or disabled")
		return authResult{}, false
	}

	apierr.WriteAuth(ctx, anthropic, "invalid API key")
	return authResult{}, false
}

// ensureTokenCredential finds or creates the synthetic credential for a
// caller-supplied refresh token. The id is derived from the token so repeat
// requests land on the same pool entry.
func (g *Gateway) ensureTokenCredential(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	id := "rt-" + hex.EncodeToString(sum[:6])

	if _, err := g.pool.Get(id); err == nil {
		return id
	}
	if err := g.pool.Add(credential.Credential{
		ID:           id,
		RefreshToken: refreshToken,
		NeedsRefresh: true,
	}); err != nil {
		// Lost a creation race; the entry exists now.
		g.log.Debug("synthetic credential already present", "credential", id)
	}
	return id
}

// adminAuth checks the Bearer token on /api admin endpoints.
func (g *Gateway) adminAuth(ctx *fasthttp.RequestCtx) bool {
	key := clientKey(ctx)
	if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(g.cfg.AdminPassword)) == 1 {
		return true
	}
	apierr.Write(ctx, fasthttp.StatusUnauthorized,
		"admin authentication required", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	return false
}

// requireAdmin wraps an admin handler with the Bearer check.
func (g *Gateway) requireAdmin(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !g.adminAuth(ctx) {
			return
		}
		next(ctx)
	}
}
