package compress

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/kirogate/internal/store"
	"github.com/nulpointcorp/kirogate/internal/translate"
)

const (
	l2ByteBudget = 100 << 20
	l2MaxEntries = 500

	l3Prefix       = "cache:compress:"
	l3PruneBatch   = 50
	cacheKeyPrefix = 500 // chars of each message hashed into the key
)

// CleanupPeriod is how often the owner should call Cleanup.
const CleanupPeriod = 5 * time.Minute

// cacheKey fingerprints the compressed prefix: conversation id plus a short
// hash over the head of every message.
func cacheKey(conversationID string, prefix []translate.Message) string {
	parts := make([]string, 0, len(prefix))
	for _, m := range prefix {
		text := m.Text
		if len(text) > cacheKeyPrefix {
			text = text[:cacheKeyPrefix]
		}
		parts = append(parts, text)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return conversationID + ":" + hex.EncodeToString(sum[:8])
}

type l2Entry struct {
	key     string
	summary string
	expires time.Time
}

type l3Record struct {
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// Cache layers an incremental per-conversation map (L1) over a
// byte-budgeted LRU (L2) over the durable KV (L3).
type Cache struct {
	mu sync.Mutex

	l1 map[string]l1Entry // conversationID → latest key+summary

	l2      map[string]*list.Element
	l2order *list.List // front = most recent
	l2bytes int

	kv  store.Store
	ttl time.Duration
	log *slog.Logger
	now func() time.Time
}

type l1Entry struct {
	key     string
	summary string
}

// NewCache builds the compressor cache over the given KV store. A nil store
// disables the durable tier.
func NewCache(kv store.Store, ttl time.Duration, log *slog.Logger) *Cache {
	return &Cache{
		l1:      make(map[string]l1Entry),
		l2:      make(map[string]*list.Element),
		l2order: list.New(),
		kv:      kv,
		ttl:     ttl,
		log:     log,
		now:     time.Now,
	}
}

func (c *Cache) get(ctx context.Context, conversationID, key string) (string, bool) {
	c.mu.Lock()
	if e, ok := c.l1[conversationID]; ok && e.key == key {
		c.mu.Unlock()
		return e.summary, true
	}
	if el, ok := c.l2[key]; ok {
		e := el.Value.(*l2Entry)
		if c.now().Before(e.expires) {
			c.l2order.MoveToFront(el)
			c.mu.Unlock()
			return e.summary, true
		}
		c.removeLocked(el)
	}
	c.mu.Unlock()

	if c.kv == nil {
		return "", false
	}
	raw, err := c.kv.Get(ctx, l3Prefix+key)
	if err != nil {
		return "", false
	}
	var rec l3Record
	if json.Unmarshal([]byte(raw), &rec) != nil {
		return "", false
	}
	if c.now().Sub(rec.Timestamp) > c.ttl {
		return "", false
	}
	c.mu.Lock()
	c.putL2Locked(key, rec.Summary)
	c.mu.Unlock()
	return rec.Summary, true
}

func (c *Cache) put(ctx context.Context, conversationID, key, summary string) {
	c.mu.Lock()
	c.l1[conversationID] = l1Entry{key: key, summary: summary}
	c.putL2Locked(key, summary)
	c.mu.Unlock()

	if c.kv == nil {
		return
	}
	raw, _ := json.Marshal(l3Record{Summary: summary, Timestamp: c.now()})
	if err := c.kv.Set(ctx, l3Prefix+key, raw); err != nil {
		c.log.Warn("compress cache persist failed", "error", err)
	}
}

func (c *Cache) putL2Locked(key, summary string) {
	if el, ok := c.l2[key]; ok {
		c.removeLocked(el)
	}
	e := &l2Entry{key: key, summary: summary, expires: c.now().Add(c.ttl)}
	c.l2[key] = c.l2order.PushFront(e)
	c.l2bytes += len(summary)

	for (c.l2bytes > l2ByteBudget || len(c.l2) > l2MaxEntries) && c.l2order.Len() > 0 {
		c.removeLocked(c.l2order.Back())
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*l2Entry)
	c.l2order.Remove(el)
	delete(c.l2, e.key)
	c.l2bytes -= len(e.summary)
}

// Cleanup drops expired L2 entries and lazily prunes up to l3PruneBatch
// stale L3 records. Called from the app's periodic maintenance loop.
func (c *Cache) Cleanup(ctx context.Context) {
	c.mu.Lock()
	for el := c.l2order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*l2Entry); !c.now().Before(e.expires) {
			c.removeLocked(el)
		}
		el = prev
	}
	c.mu.Unlock()

	if c.kv == nil {
		return
	}
	keys, err := c.kv.List(ctx, l3Prefix)
	if err != nil {
		return
	}
	pruned := 0
	for _, key := range keys {
		if pruned >= l3PruneBatch {
			break
		}
		raw, err := c.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec l3Record
		if json.Unmarshal([]byte(raw), &rec) != nil || c.now().Sub(rec.Timestamp) > c.ttl {
			if c.kv.Delete(ctx, key) == nil {
				pruned++
			}
		}
	}
}
