package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func get(t *testing.T, client *http.Client, path, auth string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest("GET", "http://test"+path, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestRouteHealth(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	client := serveGateway(t, g)

	resp, body := get(t, client, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != "ok" || out.Version != "test" {
		t.Fatalf("unexpected health %+v", out)
	}
}

func TestRouteModelsRequiresAuth(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	client := serveGateway(t, g)

	resp, _ := get(t, client, "/v1/models", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", resp.StatusCode)
	}

	resp, body := get(t, client, "/v1/models", "pk")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Data) != 5 {
		t.Fatalf("expected 5 models, got %d", len(out.Data))
	}
	for _, m := range out.Data {
		if m.OwnedBy != "anthropic" {
			t.Fatalf("unexpected owner for %s: %q", m.ID, m.OwnedBy)
		}
	}
}

func TestRouteAdminRequiresPassword(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	client := serveGateway(t, g)

	resp, _ := get(t, client, "/api/accounts", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without the admin password, got %d", resp.StatusCode)
	}
	resp, _ = get(t, client, "/api/accounts", "pk")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("the client key must not open admin routes, got %d", resp.StatusCode)
	}
	resp, body := get(t, client, "/api/accounts", "adm")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with the admin password, got %d: %s", resp.StatusCode, body)
	}
}

func TestRouteStatusIsPublic(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	addLiveCredential(t, g, "acct-1", "tok")
	client := serveGateway(t, g)

	resp, body := get(t, client, "/api/proxy/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Credentials          int    `json:"credentials"`
		CredentialsAvailable int    `json:"credentialsAvailable"`
		CircuitBreaker       string `json:"circuitBreaker"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Credentials != 1 || out.CredentialsAvailable != 1 {
		t.Fatalf("unexpected status %+v", out)
	}
	if out.CircuitBreaker != "CLOSED" {
		t.Fatalf("expected CLOSED breaker, got %q", out.CircuitBreaker)
	}
}

func TestRouteUnknownPath(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	client := serveGateway(t, g)

	resp, _ := get(t, client, "/v2/unknown", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRouteResponseCarriesRequestID(t *testing.T) {
	g := newTestGateway(t, "http://unused")
	client := serveGateway(t, g)

	resp, _ := get(t, client, "/health", "")
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID must be present on routed responses")
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		t.Fatalf("expected JSON content type, got %q", resp.Header.Get("Content-Type"))
	}
}
