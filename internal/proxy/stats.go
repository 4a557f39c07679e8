package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nulpointcorp/kirogate/internal/store"
)

const statsKey = store.PrefixStats + "proxy"

// StatsSnapshot is the aggregate counter view returned by /api/proxy/stats
// and persisted under stats:proxy.
type StatsSnapshot struct {
	TotalRequests int64            `json:"totalRequests"`
	TotalErrors   int64            `json:"totalErrors"`
	InputTokens   int64            `json:"inputTokens"`
	OutputTokens  int64            `json:"outputTokens"`
	PerModel      map[string]int64 `json:"perModel"`
	Since         time.Time        `json:"since"`
}

// Stats accumulates request counters. Safe for concurrent use.
type Stats struct {
	mu   sync.Mutex
	snap StatsSnapshot
	kv   store.Store
}

func NewStats(kv store.Store) *Stats {
	return &Stats{
		snap: StatsSnapshot{PerModel: make(map[string]int64), Since: time.Now().UTC()},
		kv:   kv,
	}
}

// Record notes one finished request.
func (s *Stats) Record(model string, inputTokens, outputTokens int, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.TotalRequests++
	if isError {
		s.snap.TotalErrors++
	}
	s.snap.InputTokens += int64(inputTokens)
	s.snap.OutputTokens += int64(outputTokens)
	if model != "" {
		s.snap.PerModel[model]++
	}
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.PerModel = make(map[string]int64, len(s.snap.PerModel))
	for k, v := range s.snap.PerModel {
		out.PerModel[k] = v
	}
	return out
}

// Persist writes the counters to the KV store.
func (s *Stats) Persist(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	raw, err := json.Marshal(s.Snapshot())
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, statsKey, raw)
}

// Load restores the counters from the last snapshot.
func (s *Stats) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	raw, err := s.kv.Get(ctx, statsKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	var snap StatsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}
	if snap.PerModel == nil {
		snap.PerModel = make(map[string]int64)
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return nil
}
