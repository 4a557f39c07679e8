// Package sse re-encodes decoded upstream events as Server-Sent Events in the
// OpenAI and Anthropic dialects, and collects them into a single response
// object for non-streaming callers.
package sse

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	flushBytes    = 1024
	flushInterval = 16 * time.Millisecond

	// maxRetainedText caps how much response text the encoders keep for the
	// request log; further bytes are streamed through without retention.
	maxRetainedText = 4 << 20
)

// flusher is what fasthttp's stream writer hands us.
type flusher interface {
	Flush() error
}

// Writer batches SSE frames with a small coalescing buffer: bytes are held
// until 1 KiB accumulates or 16 ms passes, whichever comes first.
type Writer struct {
	mu        sync.Mutex
	dst       io.Writer
	buf       bytes.Buffer
	lastFlush time.Time
	lastWrite time.Time
	now       func() time.Time
	err       error
	failed    chan struct{}
}

func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst, now: time.Now, failed: make(chan struct{})}
}

// Event writes one SSE frame. An empty name omits the event: line, which is
// the OpenAI framing; Anthropic frames always carry one.
func (w *Writer) Event(name string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if name != "" {
		fmt.Fprintf(&w.buf, "event: %s\n", name)
	}
	fmt.Fprintf(&w.buf, "data: %s\n\n", data)
	w.lastWrite = w.now()
	return w.maybeFlush()
}

// Comment writes an SSE comment line, used as the OpenAI keep-alive.
func (w *Writer) Comment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	fmt.Fprintf(&w.buf, ": %s\n\n", text)
	return w.flushLocked()
}

func (w *Writer) maybeFlush() error {
	if w.buf.Len() >= flushBytes || w.now().Sub(w.lastFlush) >= flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Flush forces buffered frames out.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.err != nil {
		return w.err
	}
	if w.buf.Len() > 0 {
		if _, err := w.dst.Write(w.buf.Bytes()); err != nil {
			w.setErr(err)
			return err
		}
		w.buf.Reset()
	}
	if f, ok := w.dst.(flusher); ok {
		if err := f.Flush(); err != nil {
			w.setErr(err)
			return err
		}
	}
	w.lastFlush = w.now()
	return nil
}

// setErr latches the first write failure and signals Failed. Callers hold mu.
func (w *Writer) setErr(err error) {
	if w.err != nil {
		return
	}
	w.err = err
	close(w.failed)
}

// Err returns the first write failure, if any. The gateway cancels the
// upstream request once the client side breaks.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Failed is closed when the first write failure latches, so stream owners can
// cancel the upstream without waiting for the next event or keep-alive tick.
func (w *Writer) Failed() <-chan struct{} {
	return w.failed
}

// LastActivity reports when the last frame was queued, for the keep-alive
// and abandonment timers.
func (w *Writer) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastWrite
}
