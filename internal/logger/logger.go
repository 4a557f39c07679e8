// Package logger implements a non-blocking request logger.
//
// Entries go through an internal buffered channel and are flushed by a
// background goroutine, so logging never blocks the proxy hot path. The most
// recent entries are kept in a bounded in-memory ring for the admin API and
// periodically snapshotted to the KV store. If the channel fills up
// (> 10 000 entries), new entries are dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/kirogate/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	ringSize    = 500
	snapshotKey = "logs:requests"
)

// RequestLog is one handled request.
type RequestLog struct {
	ID           uuid.UUID `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Status       int       `json:"statusCode"`
	DurationMs   int64     `json:"durationMs"`
	Model        string    `json:"model,omitempty"`
	Dialect      string    `json:"apiDialect,omitempty"`
	CredentialID string    `json:"credentialId,omitempty"`
	InputTokens  int       `json:"inputTokens,omitempty"`
	OutputTokens int       `json:"outputTokens,omitempty"`
	ErrorKind    string    `json:"errorKind,omitempty"`
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu   sync.Mutex
	ring []RequestLog // newest last, bounded at ringSize

	droppedLogs int64

	kv      store.Store
	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger, kv store.Store) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		kv:      kv,
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues one entry; drops it when the channel is full.
func (l *Logger) Log(entry RequestLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// Recent returns up to n of the latest entries, newest first.
func (l *Logger) Recent(n int) []RequestLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.ring) {
		n = len(l.ring)
	}
	out := make([]RequestLog, n)
	for i := 0; i < n; i++ {
		out[i] = l.ring[len(l.ring)-1-i]
	}
	return out
}

// Snapshot persists the current ring to the KV store.
func (l *Logger) Snapshot(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}
	l.mu.Lock()
	data, err := json.Marshal(l.ring)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.kv.Set(ctx, snapshotKey, data)
}

// Load restores the ring from the last snapshot.
func (l *Logger) Load(ctx context.Context) error {
	if l.kv == nil {
		return nil
	}
	raw, err := l.kv.Get(ctx, snapshotKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	var entries []RequestLog
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}
	l.mu.Lock()
	l.ring = entries
	l.trimLocked()
	l.mu.Unlock()
	return nil
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("method", e.Method),
				slog.String("path", e.Path),
				slog.Int("status", e.Status),
				slog.Int64("duration_ms", e.DurationMs),
				slog.String("model", e.Model),
				slog.String("dialect", e.Dialect),
				slog.String("credential", e.CredentialID),
				slog.Int("input_tokens", e.InputTokens),
				slog.Int("output_tokens", e.OutputTokens),
				slog.String("error_kind", e.ErrorKind),
			)
		}
		l.mu.Lock()
		l.ring = append(l.ring, batch...)
		l.trimLocked()
		l.mu.Unlock()
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Logger) trimLocked() {
	if len(l.ring) > ringSize {
		l.ring = append([]RequestLog(nil), l.ring[len(l.ring)-ringSize:]...)
	}
}
