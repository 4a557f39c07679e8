package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/kirogate/internal/faults"
)

const (
	defaultRequestTimeout = 300 * time.Second

	// maxTotalAttempts caps the whole retry ladder.
	maxTotalAttempts = 3

	// perEndpointBudget is the extra-retry budget per endpoint (beyond the
	// first attempt the ladder grants it).
	perEndpointBudget = 1

	// maxTruncationTiers bounds the content-too-long retry loop.
	maxTruncationTiers = 3

	maxBackoff = 2 * time.Second
)

// UpstreamError is a classified upstream failure.
type UpstreamError struct {
	Status  int
	Message string
	Class   faults.Classification
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("kiro: upstream %d (%s): %s", e.Status, e.Class.Category, e.Message)
}

// HTTPStatus maps the upstream failure onto the client-facing status code.
func (e *UpstreamError) HTTPStatus() int {
	switch e.Class.Category {
	case faults.CategoryQuota, faults.CategoryRateLimit:
		return http.StatusTooManyRequests
	case faults.CategoryAuth, faults.CategoryBanned:
		return http.StatusUnauthorized
	case faults.CategoryInvalidModel, faults.CategoryClient, faults.CategoryContentTooLong:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// Request is one upstream call. Payload is the canonical conversation JSON;
// the degraded-retry callbacks come from the translator and produce reduced
// payloads when the upstream rejects the full one.
type Request struct {
	Payload      []byte
	AccessToken  string
	RefreshToken string
	Fingerprint  string

	// PreferEndpoint names the endpoint to try first, if any.
	PreferEndpoint string

	// Retag re-renders the payload carrying the origin tag of the endpoint
	// an attempt is about to use. Nil sends Payload unchanged everywhere.
	Retag func(origin string) ([]byte, bool)

	// Truncate returns the payload with only the last 50% (tier 1), 25%
	// (tier 2), or none (tier 3) of the history. Nil disables the path.
	Truncate func(tier int) ([]byte, bool)

	// Sanitize returns the payload with all tool uses and tool results
	// stripped from history. Nil disables the path.
	Sanitize func() ([]byte, bool)
}

// Response is a successful upstream call; Body streams the binary frames.
type Response struct {
	Body     io.ReadCloser
	Endpoint string
}

// Client talks to the upstream with health-aware endpoint failover.
type Client struct {
	http      *http.Client
	endpoints *endpointSet
	dns       *dnsCache
	region    string
	log       *slog.Logger

	// urlOverride replaces all endpoint URLs; used by tests.
	urlOverride string

	sleep func(ctx context.Context, d time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithURLOverride routes every request to a fixed URL (for local mocks).
func WithURLOverride(u string) Option {
	return func(c *Client) { c.urlOverride = u }
}

// WithTimeout replaces the default 300s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient builds a Client for the region.
func NewClient(region string, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	dns := newDNSCache()

	transport := &http.Transport{
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			addrs, err := dns.Resolve(ctx, host)
			if err != nil || len(addrs) == 0 {
				// Fall through to the default resolver path.
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(addrs[0], port))
		},
	}

	c := &Client{
		http:      &http.Client{Timeout: defaultRequestTimeout, Transport: transport},
		endpoints: newEndpointSet(region),
		dns:       dns,
		region:    region,
		log:       log,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do executes the retry ladder and returns the stream body on success.
//
// Status handling per attempt: 429 switches endpoint after 1s; 402 and
// 401/403 are terminal (quota / auth); 400 with content-length phrasing walks
// the truncation tiers; any other 400 gets one aggressive-sanitize retry;
// 5xx retries with capped exponential backoff.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	payload := req.Payload
	attempts := 0
	sanitized := false
	truncTier := 0
	boundOrigin := ""
	var lastErr error

	endpoints := c.endpoints.ordered(req.PreferEndpoint)
	epAttempts := make(map[string]int, len(endpoints))

	for i := 0; attempts < maxTotalAttempts; i++ {
		ep := endpoints[i%len(endpoints)]
		if epAttempts[ep.Name] > perEndpointBudget {
			// Budget exhausted everywhere?
			exhausted := true
			for _, e := range endpoints {
				if epAttempts[e.Name] <= perEndpointBudget {
					exhausted = false
					break
				}
			}
			if exhausted {
				break
			}
			continue
		}
		epAttempts[ep.Name]++
		attempts++

		if req.Retag != nil && ep.Origin != boundOrigin {
			if b, ok := req.Retag(ep.Origin); ok {
				payload = b
				boundOrigin = ep.Origin
			}
		}

		resp, err := c.post(ctx, ep, req, payload)
		if err != nil {
			class := faults.ClassifyError(err)
			lastErr = &UpstreamError{Message: err.Error(), Class: class}
			c.endpoints.recordFailure(ep.Name)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.sleep(ctx, class.SuggestedDelay)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.endpoints.recordSuccess(ep.Name, 0)
			return &Response{Body: resp.Body, Endpoint: ep.Name}, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		msg := string(body)
		class := faults.Classify(resp.StatusCode, msg)
		upErr := &UpstreamError{Status: resp.StatusCode, Message: msg, Class: class}
		lastErr = upErr

		c.log.Warn("upstream rejection",
			"endpoint", ep.Name, "status", resp.StatusCode, "category", string(class.Category))

		switch class.Category {
		case faults.CategoryRateLimit:
			c.endpoints.recordFailure(ep.Name)
			c.sleep(ctx, class.SuggestedDelay)
			continue // next endpoint

		case faults.CategoryQuota, faults.CategoryAuth, faults.CategoryBanned,
			faults.CategoryInvalidModel:
			return nil, upErr

		case faults.CategoryContentTooLong:
			if req.Truncate == nil || truncTier >= maxTruncationTiers {
				return nil, upErr
			}
			truncTier++
			reduced, ok := req.Truncate(truncTier)
			if !ok {
				return nil, upErr
			}
			payload = reduced
			attempts-- // truncation retries ride the same attempt
			epAttempts[ep.Name]--
			i--
			continue

		case faults.CategoryClient:
			if sanitized || req.Sanitize == nil {
				return nil, upErr
			}
			cleaned, ok := req.Sanitize()
			if !ok {
				return nil, upErr
			}
			sanitized = true
			payload = cleaned
			attempts--
			epAttempts[ep.Name]--
			i--
			continue

		case faults.CategoryServer:
			c.endpoints.recordFailure(ep.Name)
			backoff := 500 * time.Millisecond << (attempts - 1)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			c.sleep(ctx, backoff)
			continue

		default:
			c.endpoints.recordFailure(ep.Name)
			continue
		}
	}

	if lastErr == nil {
		lastErr = &UpstreamError{Message: "no endpoints available", Class: faults.Classification{Category: faults.CategoryUnknown}}
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, ep Endpoint, req *Request, payload []byte) (*http.Response, error) {
	target := ep.URL
	if c.urlOverride != "" {
		target = c.urlOverride
	}
	if _, err := url.Parse(target); err != nil {
		return nil, fmt.Errorf("kiro: bad endpoint url %q: %w", target, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	httpReq.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())

	fp := normalizeFingerprint(req.Fingerprint, req.RefreshToken)
	httpReq.Header.Set("X-Agent-Mode", agentMode(fp))
	if fp != "" {
		httpReq.Header.Set("X-Machine-Fingerprint", fp)
	}

	return c.http.Do(httpReq)
}
