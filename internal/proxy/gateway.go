// Package proxy is the HTTP surface of the gateway.
//
// The Gateway receives OpenAI- or Anthropic-dialect chat requests, translates
// them to the canonical upstream payload, schedules a credential from the
// pool, and forwards the call through the upstream client — re-encoding the
// binary event stream as SSE in the caller's dialect on the way back.
//
// Key design constraints:
//   - No blocking I/O on the hot path except the upstream call itself.
//   - Compressor, rate limiter, request logger, and metrics are optional and
//     nil-safe.
//   - All upstream I/O uses context.Context so cancellation propagates.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/kirogate/internal/breaker"
	"github.com/nulpointcorp/kirogate/internal/compress"
	"github.com/nulpointcorp/kirogate/internal/config"
	"github.com/nulpointcorp/kirogate/internal/credential"
	"github.com/nulpointcorp/kirogate/internal/faults"
	"github.com/nulpointcorp/kirogate/internal/kiro"
	"github.com/nulpointcorp/kirogate/internal/logger"
	"github.com/nulpointcorp/kirogate/internal/metrics"
	"github.com/nulpointcorp/kirogate/internal/ratelimit"
	"github.com/nulpointcorp/kirogate/internal/sse"
	"github.com/nulpointcorp/kirogate/internal/store"
	"github.com/nulpointcorp/kirogate/internal/translate"
	"github.com/nulpointcorp/kirogate/pkg/apierr"
)

const (
	// tokenRefreshWindow triggers a proactive refresh when the access token
	// expires this soon.
	tokenRefreshWindow = 5 * time.Minute

	// refreshFailureCooldown sidelines a credential whose refresh failed
	// transiently before the next attempt picks another.
	refreshFailureCooldown = 30 * time.Second

	// maxCredentialAttempts bounds the quota fan-out: one retry on a second
	// credential after an upstream 402.
	maxCredentialAttempts = 2
)

// Options holds the optional Gateway collaborators. All fields are nil-safe.
type Options struct {
	Compressor *compress.Compressor
	Limiter    *ratelimit.Limiter
	ReqLogger  *logger.Logger
	Metrics    *metrics.Registry
	Logger     *slog.Logger
	Version    string
}

// Gateway wires the request path together. All dependencies are injected so
// tests can replace them with doubles.
type Gateway struct {
	cfg     *config.Config
	pool    *credential.Pool
	client  *kiro.Client
	builder *translate.Builder
	brk     *breaker.Breaker
	keys    *KeyStore
	kv      store.Store
	stats   *Stats
	baseCtx context.Context

	compressor *compress.Compressor
	limiter    *ratelimit.Limiter
	reqLogger  *logger.Logger
	metrics    *metrics.Registry
	log        *slog.Logger

	version   string
	startedAt time.Time
}

// NewGateway builds the Gateway.
func NewGateway(
	baseCtx context.Context,
	cfg *config.Config,
	pool *credential.Pool,
	client *kiro.Client,
	brk *breaker.Breaker,
	keys *KeyStore,
	kv store.Store,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Gateway{
		cfg:        cfg,
		pool:       pool,
		client:     client,
		builder:    translate.NewBuilder(),
		brk:        brk,
		keys:       keys,
		kv:         kv,
		stats:      NewStats(kv),
		baseCtx:    baseCtx,
		compressor: opts.Compressor,
		limiter:    opts.Limiter,
		reqLogger:  opts.ReqLogger,
		metrics:    opts.Metrics,
		log:        log,
		version:    version,
		startedAt:  time.Now(),
	}
}

// Stats exposes the aggregate counters for the app snapshot loop.
func (g *Gateway) Stats() *Stats { return g.stats }

// parsed is the dialect-independent result of request decoding.
type parsed struct {
	conv      *translate.Conversation
	modelName string
	sessionID string
	stream    bool
}

func parseChat(body []byte, anthropic bool) (*parsed, error) {
	if anthropic {
		req, err := translate.DecodeAnthropic(body)
		if err != nil {
			return nil, err
		}
		conv, err := req.Conversation()
		if err != nil {
			return nil, err
		}
		return &parsed{conv: conv, modelName: req.Model, sessionID: req.SessionID(), stream: req.Stream}, nil
	}
	req, err := translate.DecodeOpenAI(body)
	if err != nil {
		return nil, err
	}
	conv, err := req.Conversation()
	if err != nil {
		return nil, err
	}
	return &parsed{conv: conv, modelName: req.Model, sessionID: req.SessionID(), stream: req.Stream}, nil
}

// dispatch is the shared handler behind /v1/chat/completions and /v1/messages.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, anthropic bool) {
	start := time.Now()
	route := "chat_completions"
	dialect := "openai"
	if anthropic {
		route = "messages"
		dialect = "anthropic"
	}
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming requests finalize from the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	auth, ok := g.authenticate(ctx, anthropic)
	if !ok {
		g.logRequest(ctx, reqID, "", dialect, "", nil, start, "auth")
		return
	}

	p, err := parseChat(ctx.PostBody(), anthropic)
	if err != nil {
		var me *translate.ModelError
		if errors.As(err, &me) {
			apierr.WriteDialect(ctx, anthropic, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest, apierr.CodeModelNotFound)
		} else {
			apierr.WriteDialect(ctx, anthropic, fasthttp.StatusBadRequest,
				fmt.Sprintf("invalid request: %s", err), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		}
		g.logRequest(ctx, reqID, "", dialect, "", nil, start, "invalid_request")
		return
	}

	if auth.mode == authKey && !auth.apiKey.AllowsModel(p.modelName) {
		apierr.WriteDialect(ctx, anthropic, fasthttp.StatusForbidden,
			fmt.Sprintf("model %q is not allowed for this API key", p.modelName),
			apierr.TypePermissionError, "")
		g.logRequest(ctx, reqID, p.modelName, dialect, "", nil, start, "model_forbidden")
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", p.modelName),
		slog.String("dialect", dialect),
		slog.String("auth_mode", auth.mode),
		slog.Bool("stream", p.stream),
	)

	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(int64(g.brk.State()))
	}
	if !g.brk.Allow() {
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection()
		}
		apierr.WriteOverloaded(ctx, anthropic)
		g.logRequest(ctx, reqID, p.modelName, dialect, "", nil, start, "circuit_open")
		return
	}

	if g.compressor != nil && g.compressor.ShouldCompress(p.conv.Messages) {
		p.conv.Messages = g.compressor.Compress(ctx, compressKey(p), p.conv.Messages, 0)
	}

	built, err := g.builder.Build(p.conv, p.sessionID)
	if err != nil {
		apierr.WriteDialect(ctx, anthropic, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		g.logRequest(ctx, reqID, p.modelName, dialect, "", nil, start, "invalid_request")
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxCredentialAttempts; attempt++ {
		cred, err := g.acquire(auth, p.conv.ModelID)
		if err != nil {
			apierr.WriteDialect(ctx, anthropic, fasthttp.StatusServiceUnavailable,
				"no upstream credentials available", apierr.TypeServerError, apierr.CodeUpstreamError)
			g.logRequest(ctx, reqID, p.modelName, dialect, "", nil, start, "pool_empty")
			return
		}

		if g.limiter != nil && !g.limiter.Allow(cred.ID) {
			g.release(auth, cred.ID)
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			apierr.WriteRateLimit(ctx, anthropic)
			g.logRequest(ctx, reqID, p.modelName, dialect, cred.ID, nil, start, "rate_limited")
			return
		}
		if g.metrics != nil && g.limiter != nil {
			g.metrics.RecordRateLimit("allowed")
		}

		cred, err = g.freshen(ctx, cred)
		if err != nil {
			g.release(auth, cred.ID)
			lastErr = err
			continue
		}

		p.conv.ProfileArn = cred.Profile
		payload, err := built.Bytes()
		if err != nil {
			g.release(auth, cred.ID)
			apierr.WriteDialect(ctx, anthropic, fasthttp.StatusInternalServerError,
				"failed to build upstream payload", apierr.TypeServerError, apierr.CodeInternalError)
			g.logRequest(ctx, reqID, p.modelName, dialect, cred.ID, nil, start, "internal")
			return
		}

		upStart := time.Now()
		resp, err := g.client.Do(ctx, &kiro.Request{
			Payload:      payload,
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
			Fingerprint:  cred.Fingerprint,
			Retag: func(origin string) ([]byte, bool) {
				built.SetOrigin(origin)
				b, err := built.Bytes()
				return b, err == nil
			},
			Truncate: built.Truncate,
			Sanitize: built.SanitizeAggressive,
		})
		if err != nil {
			g.release(auth, cred.ID)
			g.noteUpstreamFailure(cred.ID, err, time.Since(upStart))
			lastErr = err

			// A quota rejection fans out to a second credential once.
			var ue *kiro.UpstreamError
			if errors.As(err, &ue) && ue.Class.Category == faults.CategoryQuota &&
				auth.mode != authToken && attempt+1 < maxCredentialAttempts {
				continue
			}
			break
		}

		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(resp.Endpoint, "success", time.Since(upStart))
		}

		if p.stream {
			streaming = true
			path := string(ctx.Path())
			g.streamResponse(ctx, anthropic, p.modelName, resp.Body, func(res *translate.Result, streamErr error) {
				g.release(auth, cred.ID)
				g.finishRequest(cred.ID, p.modelName, dialect, res, streamErr, time.Since(start))
				if g.reqLogger != nil {
					entry := requestEntry(reqID, path, fasthttp.StatusOK, p.modelName, dialect, cred.ID, res, start)
					if streamErr != nil {
						entry.ErrorKind = "stream"
					}
					g.reqLogger.Log(entry)
				}
				if g.metrics != nil {
					g.metrics.DecInFlight()
					g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
				}
			})
			return
		}

		res, err := g.collect(ctx, p.modelName, resp)
		g.release(auth, cred.ID)
		if err != nil {
			g.noteUpstreamFailure(cred.ID, err, time.Since(upStart))
			lastErr = err
			break
		}

		body, encErr := encodeResult(res, p.modelName, anthropic)
		if encErr != nil {
			apierr.WriteDialect(ctx, anthropic, fasthttp.StatusInternalServerError,
				"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
			g.logRequest(ctx, reqID, p.modelName, dialect, cred.ID, nil, start, "internal")
			return
		}

		g.finishRequest(cred.ID, p.modelName, dialect, res, nil, time.Since(start))
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		g.logRequest(ctx, reqID, p.modelName, dialect, cred.ID, res, start, "")
		return
	}

	g.writeUpstreamError(ctx, anthropic, lastErr)
	g.stats.Record(p.modelName, 0, 0, true)
	g.logRequest(ctx, reqID, p.modelName, dialect, "", nil, start, "upstream")
}

// acquire picks the credential for this request: the pinned synthetic one in
// token mode, otherwise whatever the pool schedules.
func (g *Gateway) acquire(auth authResult, modelID string) (credential.Credential, error) {
	if auth.mode == authToken {
		return g.pool.Get(auth.credentialID)
	}
	return g.pool.Acquire(modelID)
}

// release undoes acquire. Token-mode credentials bypass the inflight counter.
func (g *Gateway) release(auth authResult, credID string) {
	if auth.mode == authToken {
		return
	}
	g.pool.Release(credID)
}

// freshen refreshes the access token when it is missing, flagged, or expiring
// within the refresh window. A transient refresh failure cools the credential
// for 30 seconds so the retry lands elsewhere.
func (g *Gateway) freshen(ctx context.Context, cred credential.Credential) (credential.Credential, error) {
	now := time.Now()
	if cred.AccessToken != "" && !cred.NeedsRefresh && !cred.TokenExpiringWithin(now, tokenRefreshWindow) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return cred, fmt.Errorf("credential %s has no refresh token", cred.ID)
	}

	rr, err := g.client.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		class := faults.ClassifyError(err)
		var ue *kiro.UpstreamError
		if errors.As(err, &ue) {
			class = ue.Class
		}
		if class.DisableCredential {
			g.pool.RecordError(cred.ID, credential.KindBanned)
		} else {
			_ = g.pool.Update(cred.ID, func(c *credential.Credential) {
				c.CooldownUntil = now.Add(refreshFailureCooldown)
			})
		}
		if g.metrics != nil {
			g.metrics.RecordCredentialError(cred.ID, "refresh")
		}
		g.log.Warn("token refresh failed",
			"credential", cred.ID, "category", string(class.Category), "error", err)
		return cred, err
	}

	if err := g.pool.UpdateToken(cred.ID, rr.AccessToken, rr.ExpiresAt, rr.QuotaLeft); err != nil {
		return cred, err
	}
	if rr.RefreshToken != "" || rr.ProfileArn != "" || rr.Tier != "" {
		_ = g.pool.Update(cred.ID, func(c *credential.Credential) {
			if rr.RefreshToken != "" {
				c.RefreshToken = rr.RefreshToken
			}
			if rr.ProfileArn != "" {
				c.Profile = rr.ProfileArn
			}
			if rr.Tier != "" {
				c.Tier = rr.Tier
			}
		})
	}
	return g.pool.Get(cred.ID)
}

// collect drains a non-streaming response through the accumulating handler.
func (g *Gateway) collect(ctx context.Context, modelName string, resp *kiro.Response) (*translate.Result, error) {
	defer resp.Body.Close()
	col := sse.NewCollector(modelName)
	dec := kiro.NewDecoder(col)
	dec.Run(ctx, resp.Body)
	if err := col.Err(); err != nil {
		return nil, err
	}
	return col.Result(), nil
}

func encodeResult(res *translate.Result, modelName string, anthropic bool) ([]byte, error) {
	if anthropic {
		return translate.EncodeAnthropic(res, modelName)
	}
	return translate.EncodeOpenAI(res, modelName)
}

// finishRequest applies the bookkeeping of one completed upstream call.
func (g *Gateway) finishRequest(credID, modelName, dialect string, res *translate.Result, streamErr error, latency time.Duration) {
	if streamErr != nil || res == nil {
		g.pool.RecordError(credID, credential.KindOther)
		g.brk.RecordFailure()
		g.stats.Record(modelName, 0, 0, true)
		return
	}
	g.pool.RecordSuccess(credID, res.InputTokens+res.OutputTokens, latency)
	g.brk.RecordSuccess()
	g.stats.Record(modelName, res.InputTokens, res.OutputTokens, false)
	if g.metrics != nil {
		g.metrics.AddTokens(dialect, res.InputTokens, res.OutputTokens)
		g.metrics.SetCircuitBreaker(int64(g.brk.State()))
		g.publishPoolGauges()
	}
}

// noteUpstreamFailure feeds the pool and the breaker after a failed call.
// Client-caused rejections never trip the breaker.
func (g *Gateway) noteUpstreamFailure(credID string, err error, dur time.Duration) {
	var ue *kiro.UpstreamError
	if !errors.As(err, &ue) {
		g.pool.RecordError(credID, credential.KindNetwork)
		g.brk.RecordFailure()
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt("", string(ue.Class.Category), dur)
		g.metrics.RecordCredentialError(credID, string(ue.Class.Category))
	}
	g.pool.RecordError(credID, ue.Class.CredentialKind())
	switch ue.Class.Category {
	case faults.CategoryServer, faults.CategoryNetwork, faults.CategoryUnknown:
		g.brk.RecordFailure()
	}
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(int64(g.brk.State()))
	}
}

// writeUpstreamError maps the final upstream failure onto the client dialect.
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, anthropic bool, err error) {
	if err == nil {
		apierr.WriteDialect(ctx, anthropic, fasthttp.StatusBadGateway,
			"upstream request failed", apierr.TypeAPIError, apierr.CodeUpstreamError)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx, anthropic)
		return
	}

	type statusCoder interface{ HTTPStatus() int }
	var ue *kiro.UpstreamError
	if errors.As(err, &ue) {
		status := ue.HTTPStatus()
		switch ue.Class.Category {
		case faults.CategoryQuota, faults.CategoryRateLimit:
			apierr.WriteRateLimit(ctx, anthropic)
		case faults.CategoryAuth, faults.CategoryBanned:
			apierr.WriteDialect(ctx, anthropic, status,
				"upstream rejected the credential", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		case faults.CategoryInvalidModel, faults.CategoryClient, faults.CategoryContentTooLong:
			apierr.WriteDialect(ctx, anthropic, status,
				ue.Message, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		default:
			apierr.WriteDialect(ctx, anthropic, status,
				ue.Message, apierr.TypeAPIError, apierr.CodeUpstreamError)
		}
		return
	}
	if sc, ok := err.(statusCoder); ok {
		apierr.WriteDialect(ctx, anthropic, sc.HTTPStatus(),
			err.Error(), apierr.TypeAPIError, apierr.CodeUpstreamError)
		return
	}
	apierr.WriteDialect(ctx, anthropic, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeAPIError, apierr.CodeUpstreamError)
}

// publishPoolGauges pushes the pool composition to the metrics registry.
func (g *Gateway) publishPoolGauges() {
	if g.metrics == nil {
		return
	}
	var available, cooling, disabled, quota int
	for _, s := range g.pool.Diagnostics() {
		switch {
		case s.Disabled:
			disabled++
		case s.QuotaExhausted:
			quota++
		case s.Available:
			available++
		default:
			cooling++
		}
	}
	g.metrics.SetCredentialStates(available, cooling, disabled, quota)
}

// logRequest enqueues one request-log entry. Never blocks.
func (g *Gateway) logRequest(ctx *fasthttp.RequestCtx, reqID, model, dialect, credID string, res *translate.Result, start time.Time, errorKind string) {
	if g.reqLogger == nil {
		return
	}
	entry := requestEntry(reqID, string(ctx.Path()), ctx.Response.StatusCode(), model, dialect, credID, res, start)
	entry.Method = string(ctx.Method())
	entry.ErrorKind = errorKind
	g.reqLogger.Log(entry)
}

func requestEntry(reqID, path string, status int, model, dialect, credID string, res *translate.Result, start time.Time) logger.RequestLog {
	entry := logger.RequestLog{
		Method:       fasthttp.MethodPost,
		Path:         path,
		Status:       status,
		DurationMs:   time.Since(start).Milliseconds(),
		Model:        model,
		Dialect:      dialect,
		CredentialID: credID,
	}
	if res != nil {
		entry.InputTokens = res.InputTokens
		entry.OutputTokens = res.OutputTokens
	}
	if id, err := uuid.Parse(reqID); err == nil {
		entry.ID = id
	}
	return entry
}

// compressKey derives a stable compressor cache key for the conversation:
// the session id when the caller supplies one, otherwise a hash of the
// opening message.
func compressKey(p *parsed) string {
	if p.sessionID != "" {
		return p.sessionID
	}
	if len(p.conv.Messages) > 0 {
		sum := sha256.Sum256([]byte(p.conv.Messages[0].Text))
		return "anon-" + hex.EncodeToString(sum[:6])
	}
	return "anon"
}
