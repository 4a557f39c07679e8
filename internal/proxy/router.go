package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/kirogate/internal/translate"
)

// Handler builds the full route table wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/messages", g.handleMessages)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)

	r.GET("/api/accounts", g.requireAdmin(g.handleAccountList))
	r.POST("/api/accounts", g.requireAdmin(g.handleAccountCreate))
	r.GET("/api/accounts/{id}", g.requireAdmin(g.handleAccountGet))
	r.PUT("/api/accounts/{id}", g.requireAdmin(g.handleAccountUpdate))
	r.DELETE("/api/accounts/{id}", g.requireAdmin(g.handleAccountDelete))
	r.POST("/api/accounts/{id}/refresh", g.requireAdmin(g.handleAccountRefresh))
	r.POST("/api/accounts/{id}/verify", g.requireAdmin(g.handleAccountVerify))
	r.GET("/api/accounts/{id}/usage", g.requireAdmin(g.handleAccountUsage))

	r.GET("/api/keys", g.requireAdmin(g.handleKeyList))
	r.POST("/api/keys", g.requireAdmin(g.handleKeyCreate))
	r.GET("/api/keys/{id}", g.requireAdmin(g.handleKeyGet))
	r.PUT("/api/keys/{id}", g.requireAdmin(g.handleKeyUpdate))
	r.DELETE("/api/keys/{id}", g.requireAdmin(g.handleKeyDelete))

	r.GET("/api/proxy/status", g.handleStatus)
	r.GET("/api/proxy/health", g.handleHealth)
	r.GET("/api/proxy/stats", g.requireAdmin(g.handleStats))
	r.GET("/api/proxy/logs", g.requireAdmin(g.handleLogs))
	r.GET("/api/proxy/config", g.requireAdmin(g.handleConfigGet))
	r.PUT("/api/proxy/config", g.requireAdmin(g.handleConfigPut))
	r.GET("/api/settings", g.requireAdmin(g.handleSettingsGet))
	r.PUT("/api/settings", g.requireAdmin(g.handleSettingsPut))

	if g.metrics != nil {
		r.GET("/api/metrics", g.metrics.Handler())
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.cfg.CORSOrigins),
		securityHeaders,
	)
}

// Start runs the HTTP server until it fails. WriteTimeout stays disabled so
// long SSE streams are not cut off by the server.
func (g *Gateway) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:     g.Handler(),
		ReadTimeout: 60 * time.Second,
		Name:        "kirogate/" + g.version,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, false)
}

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, true)
}

// handleModels lists the supported client-facing model names.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	if _, ok := g.authenticate(ctx, false); !ok {
		return
	}
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	names := translate.SupportedModels()
	models := make([]model, 0, len(names))
	for _, name := range names {
		models = append(models, model{
			ID:      name,
			Object:  "model",
			Created: g.startedAt.Unix(),
			OwnedBy: "anthropic",
		})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": models})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"version":   g.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus is the public liveness summary.
func (g *Gateway) handleStatus(ctx *fasthttp.RequestCtx) {
	available := 0
	total := 0
	for _, s := range g.pool.Diagnostics() {
		total++
		if s.Available {
			available++
		}
	}
	writeJSON(ctx, map[string]any{
		"status":               "ok",
		"version":              g.version,
		"uptimeSeconds":        int64(time.Since(g.startedAt).Seconds()),
		"credentials":          total,
		"credentialsAvailable": available,
		"circuitBreaker":       g.brk.State().String(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
