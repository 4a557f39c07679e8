package kiro

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Origin tags sent with the upstream payload; each endpoint expects its own.
const (
	OriginAIEditor = "AI_EDITOR"
	OriginConsole  = "CONSOLE"
)

const (
	apiHostTemplate = "https://codewhisperer.%s.amazonaws.com"
	qHostTemplate   = "https://q.%s.amazonaws.com"
	refreshTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"

	assistantPath = "/generateAssistantResponse"
)

// Endpoint is one upstream target.
type Endpoint struct {
	Name   string
	URL    string
	Origin string
}

// endpointHealth tracks rolling success statistics for one endpoint.
type endpointHealth struct {
	consecutiveErrors int
	lastErrorAt       time.Time

	successes int
	failures  int

	// ewmaLatency smooths observed latency with alpha 0.25.
	ewmaLatency time.Duration
}

func (h *endpointHealth) total() int { return h.successes + h.failures }

func (h *endpointHealth) successRate() float64 {
	if h.total() == 0 {
		return 1.0
	}
	return float64(h.successes) / float64(h.total())
}

// endpointSet holds the region's endpoints and their health, and produces the
// attempt order for each request.
type endpointSet struct {
	mu        sync.Mutex
	endpoints []Endpoint
	health    map[string]*endpointHealth
	now       func() time.Time
}

func newEndpointSet(region string) *endpointSet {
	eps := []Endpoint{
		{Name: "codewhisperer", URL: fmt.Sprintf(apiHostTemplate, region) + assistantPath, Origin: OriginAIEditor},
		{Name: "q", URL: fmt.Sprintf(qHostTemplate, region) + assistantPath, Origin: OriginConsole},
	}
	s := &endpointSet{
		endpoints: eps,
		health:    make(map[string]*endpointHealth, len(eps)),
		now:       time.Now,
	}
	for _, e := range eps {
		s.health[e.Name] = &endpointHealth{}
	}
	return s
}

// refreshURL builds the token-refresh endpoint for a region.
func refreshURL(region string) string {
	return fmt.Sprintf(refreshTemplate, region)
}

// ordered returns the endpoints in attempt order. A caller preference (by
// name) goes first; otherwise endpoints with 3+ consecutive errors in the
// last 30 seconds sort last, then better success rate (when the difference
// exceeds 10% over a 5+ request sample), then lower EWMA latency.
func (s *endpointSet) ordered(prefer string) []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Endpoint, len(s.endpoints))
	copy(out, s.endpoints)

	now := s.now()
	less := func(a, b Endpoint) bool {
		if prefer != "" {
			if strings.EqualFold(a.Name, prefer) {
				return true
			}
			if strings.EqualFold(b.Name, prefer) {
				return false
			}
		}
		ha, hb := s.health[a.Name], s.health[b.Name]

		aBad := ha.consecutiveErrors >= 3 && now.Sub(ha.lastErrorAt) < 30*time.Second
		bBad := hb.consecutiveErrors >= 3 && now.Sub(hb.lastErrorAt) < 30*time.Second
		if aBad != bBad {
			return bBad
		}

		if ha.total() >= 5 && hb.total() >= 5 {
			if diff := ha.successRate() - hb.successRate(); diff > 0.10 {
				return true
			} else if diff < -0.10 {
				return false
			}
		}

		if ha.ewmaLatency != hb.ewmaLatency {
			if ha.ewmaLatency == 0 {
				return true
			}
			if hb.ewmaLatency == 0 {
				return false
			}
			return ha.ewmaLatency < hb.ewmaLatency
		}
		return false // stable: keep declaration order
	}

	// Two endpoints: a single comparison orders them.
	if len(out) == 2 && less(out[1], out[0]) {
		out[0], out[1] = out[1], out[0]
	}
	return out
}

func (s *endpointSet) recordSuccess(name string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[name]
	if !ok {
		return
	}
	h.successes++
	h.consecutiveErrors = 0
	if latency > 0 {
		if h.ewmaLatency == 0 {
			h.ewmaLatency = latency
		} else {
			h.ewmaLatency = (h.ewmaLatency*3 + latency) / 4
		}
	}
}

func (s *endpointSet) recordFailure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[name]
	if !ok {
		return
	}
	h.failures++
	h.consecutiveErrors++
	h.lastErrorAt = s.now()
}
