package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/kirogate/internal/store"
)

// keyPrefix marks gateway-issued API keys, distinguishing them from the
// shared PROXY_API_KEY on protected endpoints.
const keyPrefix = "kg-"

// APIKey is one issued client key. The raw Key is returned exactly once at
// creation; all later reads go through Masked.
type APIKey struct {
	ID            string    `json:"id"`
	Key           string    `json:"key"`
	Name          string    `json:"name"`
	Enabled       bool      `json:"enabled"`
	AllowedModels []string  `json:"allowedModels,omitempty"`
	Requests      int64     `json:"requests"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUsedAt    time.Time `json:"lastUsedAt,omitempty"`
}

// Masked returns a copy safe for listing: only the prefix and the last four
// characters of the key survive.
func (k APIKey) Masked() APIKey {
	out := k
	if n := len(k.Key); n > len(keyPrefix)+4 {
		out.Key = keyPrefix + "****" + k.Key[n-4:]
	} else {
		out.Key = keyPrefix + "****"
	}
	return out
}

// AllowsModel reports whether the key may request the model. An empty
// allowlist permits everything.
func (k *APIKey) AllowsModel(model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// KeyStore holds the issued API keys in memory, persisting every mutation to
// the KV store. Safe for concurrent use.
type KeyStore struct {
	mu    sync.Mutex
	byID  map[string]*APIKey
	byKey map[string]*APIKey

	kv  store.Store
	log *slog.Logger
}

func NewKeyStore(kv store.Store, log *slog.Logger) *KeyStore {
	if log == nil {
		log = slog.Default()
	}
	return &KeyStore{
		byID:  make(map[string]*APIKey),
		byKey: make(map[string]*APIKey),
		kv:    kv,
		log:   log,
	}
}

// Load reads all persisted keys into memory, replacing the current set.
func (s *KeyStore) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	keys, err := s.kv.List(ctx, store.PrefixAPIKeys)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*APIKey, len(keys))
	s.byKey = make(map[string]*APIKey, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var k APIKey
		if err := json.Unmarshal(raw, &k); err != nil {
			s.log.Warn("skipping corrupt api key record", "key", key, "error", err)
			continue
		}
		kc := k
		s.byID[kc.ID] = &kc
		s.byKey[kc.Key] = &kc
	}
	return nil
}

// Create issues a new enabled key and returns it with the raw Key set.
func (s *KeyStore) Create(ctx context.Context, name string, allowedModels []string) (APIKey, error) {
	k := APIKey{
		ID:            uuid.NewString(),
		Key:           keyPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:          name,
		Enabled:       true,
		AllowedModels: allowedModels,
		CreatedAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	kc := k
	s.byID[kc.ID] = &kc
	s.byKey[kc.Key] = &kc
	s.mu.Unlock()

	if err := s.persist(ctx, &k); err != nil {
		return APIKey{}, err
	}
	return k, nil
}

// Get returns a masked copy by id.
func (s *KeyStore) Get(id string) (APIKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return APIKey{}, false
	}
	return k.Masked(), true
}

// List returns masked copies of every key.
func (s *KeyStore) List() []APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]APIKey, 0, len(s.byID))
	for _, k := range s.byID {
		out = append(out, k.Masked())
	}
	return out
}

// Update applies patch to the key and persists it.
func (s *KeyStore) Update(ctx context.Context, id string, patch func(*APIKey)) error {
	s.mu.Lock()
	k, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("api key %s not found", id)
	}
	oldKey := k.Key
	patch(k)
	k.Key = oldKey // the raw key is immutable
	cp := *k
	s.mu.Unlock()

	return s.persist(ctx, &cp)
}

// Delete removes the key from memory and the store.
func (s *KeyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	k, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("api key %s not found", id)
	}
	delete(s.byID, id)
	delete(s.byKey, k.Key)
	s.mu.Unlock()

	if s.kv == nil {
		return nil
	}
	return s.kv.Delete(ctx, store.PrefixAPIKeys+id)
}

// Lookup finds an enabled key by its raw value and bumps its usage counters.
// The persist is best-effort; counter writes must not fail requests.
func (s *KeyStore) Lookup(ctx context.Context, rawKey string) (APIKey, bool) {
	s.mu.Lock()
	k, ok := s.byKey[rawKey]
	if !ok || !k.Enabled {
		s.mu.Unlock()
		return APIKey{}, false
	}
	k.Requests++
	k.LastUsedAt = time.Now().UTC()
	cp := *k
	s.mu.Unlock()

	if err := s.persist(ctx, &cp); err != nil {
		s.log.Warn("api key counter persist failed", "id", cp.ID, "error", err)
	}
	return cp, true
}

func (s *KeyStore) persist(ctx context.Context, k *APIKey) error {
	if s.kv == nil {
		return nil
	}
	raw, err := json.Marshal(k)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, store.PrefixAPIKeys+k.ID, raw)
}
