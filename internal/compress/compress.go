// Package compress shrinks long conversations before translation by
// summarizing older turns through the upstream itself, backed by a
// three-tier cache and per-conversation single-flight.
package compress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/kirogate/internal/tokencount"
	"github.com/nulpointcorp/kirogate/internal/translate"
)

const (
	defaultMaxMessages    = 200
	defaultTokenThreshold = 100_000
	defaultKeepCount      = 30

	maxBatchMessages = 8
	maxBatchChars    = 40_000
	batchConcurrency = 3
	summaryMaxTokens = 2048
	targetRatio      = 0.15

	singleFlightTTL = 120 * time.Second

	summaryHeader = "[Previous conversation summary]\n"
	summaryAck    = "I understand the context. Let me continue."
)

// Summarizer produces a summary for one prompt. The gateway backs this with
// the cheapest thinking-capable upstream model.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Config controls when compression triggers.
type Config struct {
	Enabled        bool
	Auto           bool
	MaxMessages    int
	TokenThreshold int
	KeepCount      int
	CacheTTL       time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxMessages <= 0 {
		out.MaxMessages = defaultMaxMessages
	}
	if out.TokenThreshold <= 0 {
		out.TokenThreshold = defaultTokenThreshold
	}
	if out.KeepCount <= 0 {
		out.KeepCount = defaultKeepCount
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = 30 * time.Minute
	}
	return out
}

type Compressor struct {
	cfg       Config
	summarize Summarizer
	cache     *Cache
	sf        singleflight.Group
	log       *slog.Logger
	now       func() time.Time
}

func New(cfg Config, s Summarizer, cache *Cache, log *slog.Logger) *Compressor {
	return &Compressor{
		cfg:       cfg.withDefaults(),
		summarize: s,
		cache:     cache,
		log:       log,
		now:       time.Now,
	}
}

// ShouldCompress reports whether the conversation crosses a trigger
// threshold.
func (c *Compressor) ShouldCompress(msgs []translate.Message) bool {
	if !c.cfg.Enabled || !c.cfg.Auto {
		return false
	}
	if len(msgs) > c.cfg.MaxMessages {
		return true
	}
	total := 0
	for _, m := range msgs {
		total += tokencount.Estimate(m.Text)
		if total > c.cfg.TokenThreshold {
			return true
		}
	}
	return false
}

// Compress replaces the older portion of msgs with a two-message summary
// pair. Any failure degrades silently to plain truncation.
func (c *Compressor) Compress(ctx context.Context, conversationID string, msgs []translate.Message, callerKeep int) []translate.Message {
	keep := c.cfg.KeepCount
	if callerKeep > keep {
		keep = callerKeep
	}
	boundary := selectBoundary(msgs, keep)
	if boundary <= 0 {
		return msgs
	}
	prefix := msgs[:boundary]
	tail := msgs[boundary:]

	summary, err := c.summarizePrefix(ctx, conversationID, prefix)
	if err != nil {
		c.log.Warn("compression failed, truncating instead",
			"conversation", conversationID, "error", err)
		return truncate(msgs, keep)
	}

	out := make([]translate.Message, 0, len(tail)+2)
	out = append(out,
		translate.Message{Role: translate.RoleUser, Text: summaryHeader + summary},
		translate.Message{Role: translate.RoleAssistant, Text: summaryAck},
	)
	return append(out, tail...)
}

func (c *Compressor) summarizePrefix(ctx context.Context, conversationID string, prefix []translate.Message) (string, error) {
	key := cacheKey(conversationID, prefix)
	if s, ok := c.cache.get(ctx, conversationID, key); ok {
		return s, nil
	}

	v, err, _ := c.sf.Do(conversationID, func() (any, error) {
		// A stuck computation stops blocking newcomers after the TTL.
		timer := time.AfterFunc(singleFlightTTL, func() { c.sf.Forget(conversationID) })
		defer timer.Stop()
		if s, ok := c.cache.get(ctx, conversationID, key); ok {
			return s, nil
		}
		s, err := c.compute(ctx, prefix)
		if err != nil {
			return "", err
		}
		c.cache.put(ctx, conversationID, key, s)
		return s, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// compute runs the batch summaries and the structured mining, then joins
// them into the final Markdown summary.
func (c *Compressor) compute(ctx context.Context, prefix []translate.Message) (string, error) {
	batches := splitBatches(prefix)
	summaries := make([]string, len(batches))

	// Each batch waits for its predecessor's summary so the chain carries
	// context forward, with at most batchConcurrency prompts in flight.
	ready := make([]chan string, len(batches)+1)
	for i := range ready {
		ready[i] = make(chan string, 1)
	}
	ready[0] <- ""

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, batch := range batches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var prev string
			select {
			case prev = <-ready[i]:
			case <-gctx.Done():
				return gctx.Err()
			}
			s, err := c.summarizeBatch(gctx, batch, prev)
			if err != nil {
				s = fallbackSummary(batch)
			}
			summaries[i] = s
			ready[i+1] <- s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	structured := mineStructured(prefix)
	return assembleSummary(summaries, structured), nil
}

func (c *Compressor) summarizeBatch(ctx context.Context, batch []translate.Message, prev string) (string, error) {
	chars := 0
	var b strings.Builder
	if prev != "" {
		b.WriteString("Context from earlier conversation:\n")
		b.WriteString(prev)
		b.WriteString("\n\n")
	}
	b.WriteString("Summarize the following conversation excerpt. Preserve intent, outcomes and any referenced files or commands.\n\n")
	for _, m := range batch {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
		chars += len(m.Text)
	}
	target := int(float64(chars) * targetRatio)
	if target > 0 {
		fmt.Fprintf(&b, "\nKeep the summary under %d characters.\n", target)
	}
	return c.summarize.Summarize(ctx, b.String(), summaryMaxTokens)
}

// fallbackSummary degrades a failed batch to truncated raw text.
func fallbackSummary(batch []translate.Message) string {
	var b strings.Builder
	for _, m := range batch {
		text := m.Text
		if len(text) > 200 {
			text = text[:200] + "…"
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}
	return b.String()
}

// truncate keeps the last keep messages, aligned to a safe tool boundary.
func truncate(msgs []translate.Message, keep int) []translate.Message {
	if len(msgs) <= keep {
		return msgs
	}
	boundary := selectBoundary(msgs, keep)
	return msgs[boundary:]
}
