package kiro

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/nulpointcorp/kirogate/internal/thinking"
	"github.com/nulpointcorp/kirogate/internal/tokencount"
)

const (
	// maxFrameLen rejects frames claiming more than 16 MiB.
	maxFrameLen = 16 << 20

	// minFrameLen is the smallest well-formed frame.
	minFrameLen = 16

	// maxResyncs fails the stream after five consecutive one-byte resyncs.
	maxResyncs = 5

	eventTypeHeader = ":event-type"
)

// ErrStreamCorrupt is returned when resynchronization fails repeatedly.
var ErrStreamCorrupt = errors.New("kiro: event stream corrupt beyond recovery")

// Decoder incrementally parses the upstream binary event stream and drives a
// Handler. One decoder serves exactly one request.
type Decoder struct {
	handler  Handler
	thinking thinking.Parser
	tools    *toolBuffers

	usage    Usage
	hasMeta  bool
	emitted  strings.Builder // emitted text for the zero-token fallback estimate
	resyncs  int             // consecutive resync events
	Resyncs  int             // total resync events, exported for diagnostics
	finished bool
}

// NewDecoder builds a decoder that reports events to handler.
func NewDecoder(handler Handler) *Decoder {
	d := &Decoder{handler: handler}
	d.tools = newToolBuffers(handler)
	return d
}

// Run consumes r until EOF or failure. It invokes exactly one of
// OnComplete/OnError as its final callback.
func (d *Decoder) Run(ctx context.Context, r io.Reader) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)

	for {
		if err := ctx.Err(); err != nil {
			d.fail(err)
			return
		}

		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if derr := d.drainFrames(&buf); derr != nil {
				d.fail(derr)
				return
			}
		}
		if err == io.EOF {
			if derr := d.drainTail(&buf); derr != nil {
				d.fail(derr)
				return
			}
			d.complete()
			return
		}
		if err != nil {
			d.fail(err)
			return
		}
	}
}

// Feed pushes raw bytes directly; used by tests and non-Reader transports.
// Returns an error only when the stream is unrecoverable.
func (d *Decoder) Feed(data []byte, buf *bytes.Buffer) error {
	buf.Write(data)
	return d.drainFrames(buf)
}

// drainFrames parses every complete frame currently buffered.
func (d *Decoder) drainFrames(buf *bytes.Buffer) error {
	for {
		data := buf.Bytes()
		if len(data) < 8 {
			return nil
		}

		total := binary.BigEndian.Uint32(data[0:4])
		if total < minFrameLen || total > maxFrameLen {
			if err := d.resync(buf); err != nil {
				return err
			}
			continue
		}
		if uint32(len(data)) < total {
			return nil // incomplete frame, wait for more bytes
		}

		frame := data[:total]
		headersLen := binary.BigEndian.Uint32(frame[4:8])
		if uint64(12)+uint64(headersLen) > uint64(total) {
			if err := d.resync(buf); err != nil {
				return err
			}
			continue
		}

		// CRC32 (IEEE) covers everything before the trailing checksum. A
		// mismatched frame is length-consistent, so skip it whole rather
		// than byte-by-byte.
		want := binary.BigEndian.Uint32(frame[total-4:])
		if crc32.ChecksumIEEE(frame[:total-4]) != want {
			d.resyncs++
			d.Resyncs++
			if d.resyncs >= maxResyncs {
				return ErrStreamCorrupt
			}
			buf.Next(int(total))
			continue
		}

		headers := frame[8 : 8+headersLen]
		payload := frame[8+headersLen : total-4]

		d.resyncs = 0
		buf.Next(int(total))

		eventType, ok := findEventType(headers)
		if !ok {
			continue // non-event frame (e.g. keep-alive); skip
		}
		if err := d.dispatch(eventType, payload); err != nil {
			return err
		}
	}
}

// drainTail recovers complete frames still buried in the buffer at
// end-of-stream. Bytes that cannot start a valid frame are dropped one at a
// time; a truncated trailing frame is discarded silently.
func (d *Decoder) drainTail(buf *bytes.Buffer) error {
	for buf.Len() > 0 {
		before := buf.Len()
		if err := d.drainFrames(buf); err != nil {
			return err
		}
		if buf.Len() == before {
			buf.Next(1)
		}
	}
	return nil
}

// resync drops one byte and counts the corruption event.
func (d *Decoder) resync(buf *bytes.Buffer) error {
	d.resyncs++
	d.Resyncs++
	if d.resyncs >= maxResyncs {
		return ErrStreamCorrupt
	}
	buf.Next(1)
	return nil
}

// findEventType walks the typed header fields looking for :event-type
// (string, type code 7). Unknown header types are skipped by their declared
// sizes.
func findEventType(headers []byte) (string, bool) {
	i := 0
	for i < len(headers) {
		if i+1 > len(headers) {
			return "", false
		}
		nameLen := int(headers[i])
		i++
		if i+nameLen+1 > len(headers) {
			return "", false
		}
		name := string(headers[i : i+nameLen])
		i += nameLen
		typ := headers[i]
		i++

		var valLen int
		switch typ {
		case 0, 1: // bool true/false, no value bytes
			valLen = 0
		case 2: // byte
			valLen = 1
		case 3: // int16
			valLen = 2
		case 4: // int32
			valLen = 4
		case 5: // int64
			valLen = 8
		case 6, 7: // byte array / string, u16 length prefix
			if i+2 > len(headers) {
				return "", false
			}
			valLen = int(binary.BigEndian.Uint16(headers[i : i+2]))
			i += 2
		case 8: // timestamp
			valLen = 8
		case 9: // uuid
			valLen = 16
		default:
			return "", false
		}
		if i+valLen > len(headers) {
			return "", false
		}
		if name == eventTypeHeader && typ == 7 {
			return string(headers[i : i+valLen]), true
		}
		i += valLen
	}
	return "", false
}

func (d *Decoder) dispatch(eventType string, payload []byte) error {
	switch eventType {
	case EventAssistantResponse:
		var p assistantResponsePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil // malformed payloads are dropped, not fatal
		}
		d.emitSegments(d.thinking.Push(p.Content))

	case EventToolUse:
		var p toolUsePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		d.tools.handle(&p)

	case EventMessageMetadata, EventMetadata:
		var p metadataPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		d.applyMetadata(&p)

	case EventMetering:
		var p meteringPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		d.usage.Credits += p.Credits

	case EventContextUsage:
		var p contextUsagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		if p.Percentage >= 100 {
			d.usage.ContextWindowExceeded = true
		}

	case EventReasoningContent:
		var p reasoningPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		text := p.Content
		if text == "" {
			text = p.Text
		}
		if text != "" {
			d.handler.OnThinking(text)
		}

	case EventWebLinks:
		var p webLinksPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		if md := formatWebLinks(p.SupplementaryWebLinks); md != "" {
			d.emitText(md)
		}

	case EventException:
		var p exceptionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		if p.Type == "ContentLengthExceededException" ||
			strings.Contains(p.Reason, "ContentLengthExceeded") {
			// Surface as a synthetic tool use; the SSE layer turns it into
			// a max_tokens/length stop reason.
			d.tools.handle(&toolUsePayload{
				ToolUseID: ContentLengthExceededID,
				Name:      "content_length_exceeded",
				Input:     json.RawMessage(`{}`),
				Stop:      true,
			})
			return nil
		}
		msg := p.Message
		if msg == "" {
			msg = p.Type
		}
		return fmt.Errorf("kiro: upstream exception: %s", msg)
	}
	return nil
}

func (d *Decoder) applyMetadata(p *metadataPayload) {
	input := p.UncachedInputTokens + p.CacheReadInputTokens + p.CacheWriteInputTokens
	if input == 0 && p.TotalTokens > 0 {
		input = p.TotalTokens - p.OutputTokens
	}
	if input > 0 {
		d.usage.InputTokens = input
	}
	if p.OutputTokens > 0 {
		d.usage.OutputTokens = p.OutputTokens
	}
	if p.CacheReadInputTokens > 0 {
		d.usage.CacheReadTokens = p.CacheReadInputTokens
	}
	if p.CacheWriteInputTokens > 0 {
		d.usage.CacheWriteTokens = p.CacheWriteInputTokens
	}
	d.hasMeta = true
}

func (d *Decoder) emitSegments(segs []thinking.Segment) {
	for _, s := range segs {
		if s.Thinking {
			d.emitted.WriteString(s.Text)
			d.handler.OnThinking(s.Text)
		} else {
			d.emitText(s.Text)
		}
	}
}

func (d *Decoder) emitText(text string) {
	d.emitted.WriteString(text)
	d.handler.OnText(text)
}

// complete flushes buffers and residue and fires OnComplete exactly once.
func (d *Decoder) complete() {
	if d.finished {
		return
	}
	d.finished = true

	d.tools.flushAll()
	d.emitSegments(d.thinking.Flush())

	if d.usage.OutputTokens == 0 && d.emitted.Len() > 0 {
		d.usage.OutputTokens = tokencount.Estimate(d.emitted.String())
	}
	d.handler.OnComplete(d.usage)
}

// Complete finalizes the stream; exposed for transports that detect
// end-of-stream outside Run.
func (d *Decoder) Complete() { d.complete() }

func (d *Decoder) fail(err error) {
	if d.finished {
		return
	}
	d.finished = true
	d.handler.OnError(err)
}

// formatWebLinks renders supplementary links as a trailing Markdown list.
func formatWebLinks(links []webLink) string {
	if len(links) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n**Sources:**\n")
	for _, l := range links {
		if l.URL == "" {
			continue
		}
		title := l.Title
		if title == "" {
			title = l.URL
		}
		fmt.Fprintf(&b, "- [%s](%s)\n", title, l.URL)
	}
	return b.String()
}
