package kiro

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient("us-east-1", slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithURLOverride(url), WithTimeout(5*time.Second))
	c.sleep = func(context.Context, time.Duration) {} // no real waiting in tests
	return c
}

func TestDoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Amz-Sdk-Invocation-Id") == "" {
			t.Error("missing invocation id")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("stream"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Do(context.Background(), &Request{
		Payload:     []byte(`{}`),
		AccessToken: "tok",
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "stream" {
		t.Fatalf("expected stream body, got %q", body)
	}
}

func TestDoQuotaIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte("insufficient credits"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Do(context.Background(), &Request{Payload: []byte(`{}`), AccessToken: "tok"})

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upErr.Status != 402 {
		t.Fatalf("expected status 402, got %d", upErr.Status)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("402 must not be retried, got %d calls", got)
	}
}

func TestDoAuthIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("token expired"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Do(context.Background(), &Request{Payload: []byte(`{}`), AccessToken: "tok"})

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !upErr.Class.RefreshToken {
		t.Fatal("403 without ban phrasing should request a token refresh")
	}
}

func TestDoRateLimitSwitchesEndpoint(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Do(context.Background(), &Request{Payload: []byte(`{}`), AccessToken: "tok"})
	if err != nil {
		t.Fatalf("expected recovery after 429, got %v", err)
	}
	resp.Body.Close()
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestDoRetagsPayloadPerEndpoint(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var origins []string
	resp, err := c.Do(context.Background(), &Request{
		Payload:     []byte(`{}`),
		AccessToken: "tok",
		Retag: func(origin string) ([]byte, bool) {
			origins = append(origins, origin)
			return []byte(`{"origin":"` + origin + `"}`), true
		},
	})
	if err != nil {
		t.Fatalf("expected recovery after 429, got %v", err)
	}
	resp.Body.Close()

	if len(origins) != 2 || origins[0] != OriginAIEditor || origins[1] != OriginConsole {
		t.Fatalf("expected one retag per endpoint, got %v", origins)
	}
	if got := lastBody.Load().(string); got != `{"origin":"CONSOLE"}` {
		t.Fatalf("second endpoint must carry its own origin tag, got %s", got)
	}
}

func TestDoContentTooLongWalksTruncationTiers(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("Input is too long for requested model"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	tiers := []string{`{"tier":1}`, `{"tier":2}`, `{"tier":3}`}
	resp, err := c.Do(context.Background(), &Request{
		Payload:     []byte(`{"full":true}`),
		AccessToken: "tok",
		Truncate: func(tier int) ([]byte, bool) {
			return []byte(tiers[tier-1]), true
		},
	})
	if err != nil {
		t.Fatalf("expected truncation recovery, got %v", err)
	}
	resp.Body.Close()
	if got := lastBody.Load().(string); got != `{"tier":2}` {
		t.Fatalf("expected second truncation tier on the winning attempt, got %s", got)
	}
}

func TestDoBadRequestGetsOneSanitize(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Improperly formed request"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	sanitizes := 0
	_, err := c.Do(context.Background(), &Request{
		Payload:     []byte(`{}`),
		AccessToken: "tok",
		Sanitize: func() ([]byte, bool) {
			sanitizes++
			return []byte(`{"clean":true}`), true
		},
	})
	if err == nil {
		t.Fatal("expected failure when sanitize does not help")
	}
	if sanitizes != 1 {
		t.Fatalf("expected exactly one sanitize pass, got %d", sanitizes)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts (original + sanitized), got %d", calls.Load())
	}
}

func TestDoServerErrorRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Do(context.Background(), &Request{Payload: []byte(`{}`), AccessToken: "tok"})
	if err != nil {
		t.Fatalf("expected retry after 502, got %v", err)
	}
	resp.Body.Close()
}

func TestDoTotalBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Do(context.Background(), &Request{Payload: []byte(`{}`), AccessToken: "tok"})
	if err == nil {
		t.Fatal("expected failure after exhausting the retry budget")
	}
	if calls.Load() > 3 {
		t.Fatalf("global attempt budget is 3, got %d", calls.Load())
	}
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken":"new-at","refreshToken":"new-rt","expiresIn":3600,` +
			`"subscriptionTier":"pro","usageLimits":{"remaining":42}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.Refresh(context.Background(), "old-rt")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.AccessToken != "new-at" || res.RefreshToken != "new-rt" {
		t.Fatalf("unexpected tokens: %+v", res)
	}
	if res.Tier != "pro" || res.QuotaLeft != 42 {
		t.Fatalf("unexpected tier/quota: %+v", res)
	}
	if res.ExpiresAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("expected ~1h expiry, got %v", res.ExpiresAt)
	}
}

func TestRefreshFailureClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("account suspended"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Refresh(context.Background(), "rt")
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !upErr.Class.DisableCredential {
		t.Fatal("a suspended account must disable the credential")
	}
}

func TestDNSCacheStaleOnFailure(t *testing.T) {
	d := newDNSCache()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	fail := false
	d.lookup = func(_ context.Context, host string) ([]string, error) {
		if fail {
			return nil, errors.New("lookup timeout")
		}
		return []string{"10.0.0.1"}, nil
	}

	ctx := context.Background()
	addrs, err := d.Resolve(ctx, "upstream.example")
	if err != nil || len(addrs) != 1 {
		t.Fatalf("initial resolve: %v %v", addrs, err)
	}

	// Fresh window: no new lookup even if the resolver now fails.
	fail = true
	now = now.Add(4 * time.Minute)
	if _, err := d.Resolve(ctx, "upstream.example"); err != nil {
		t.Fatalf("fresh cache hit should not error: %v", err)
	}

	// Past fresh TTL but within stale TTL: serve the stale answer.
	now = now.Add(10 * time.Minute)
	addrs, err = d.Resolve(ctx, "upstream.example")
	if err != nil || len(addrs) != 1 {
		t.Fatalf("stale-on-failure should serve the old answer: %v %v", addrs, err)
	}

	// Past stale TTL: failure surfaces.
	now = now.Add(30 * time.Minute)
	if _, err := d.Resolve(ctx, "upstream.example"); err == nil {
		t.Fatal("expected an error once the stale window expired")
	}
}
