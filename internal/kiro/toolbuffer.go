package kiro

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	// maxToolInput caps each tool-use input buffer at 1 MiB.
	maxToolInput = 1 << 20

	// toolStaleAfter prunes buffers with no updates for 60 seconds.
	toolStaleAfter = 60 * time.Second
)

// toolBuffers accumulates streamed tool-use input fragments per tool-use id.
// A tool-use id is emitted at most once for the lifetime of the request, even
// if the upstream repeats stop events.
type toolBuffers struct {
	handler Handler
	bufs    map[string]*toolBuf
	order   []string // emission order for the end-of-stream flush
	done    map[string]bool
	now     func() time.Time
}

type toolBuf struct {
	id       string
	name     string
	input    bytes.Buffer
	lastSeen time.Time
}

func newToolBuffers(handler Handler) *toolBuffers {
	return &toolBuffers{
		handler: handler,
		bufs:    make(map[string]*toolBuf),
		done:    make(map[string]bool),
		now:     time.Now,
	}
}

func (t *toolBuffers) handle(p *toolUsePayload) {
	if p.ToolUseID == "" || t.done[p.ToolUseID] {
		return
	}
	t.pruneStale()

	b, ok := t.bufs[p.ToolUseID]
	if !ok {
		b = &toolBuf{id: p.ToolUseID, name: p.Name}
		t.bufs[p.ToolUseID] = b
		t.order = append(t.order, p.ToolUseID)
		t.handler.OnToolUseStart(p.ToolUseID, p.Name)
	}
	if b.name == "" {
		b.name = p.Name
	}
	b.lastSeen = t.now()

	if len(p.Input) > 0 {
		var fragment string
		if err := json.Unmarshal(p.Input, &fragment); err == nil {
			// String input: append as a fragment.
			if b.input.Len()+len(fragment) <= maxToolInput {
				b.input.WriteString(fragment)
				t.handler.OnToolUseInput(p.ToolUseID, fragment)
			}
		} else {
			// Object input: replaces whatever was buffered.
			b.input.Reset()
			b.input.Write(p.Input)
			t.handler.OnToolUseInput(p.ToolUseID, string(p.Input))
		}
	}

	if p.Stop {
		t.finish(b)
	}
}

// flushAll finishes every open buffer at end-of-stream.
func (t *toolBuffers) flushAll() {
	for _, id := range t.order {
		if b, ok := t.bufs[id]; ok {
			t.finish(b)
		}
	}
}

func (t *toolBuffers) finish(b *toolBuf) {
	t.done[b.id] = true
	delete(t.bufs, b.id)
	t.handler.OnToolUseStop(b.id, b.name, repairJSON(b.input.String()))
}

// pruneStale drops buffers the upstream abandoned without a stop event.
func (t *toolBuffers) pruneStale() {
	cutoff := t.now().Add(-toolStaleAfter)
	for id, b := range t.bufs {
		if !b.lastSeen.IsZero() && b.lastSeen.Before(cutoff) {
			delete(t.bufs, id)
			t.done[id] = true
		}
	}
}

// repairJSON returns valid JSON for a possibly truncated tool-input stream:
// the input unchanged when already valid, a brace/bracket-balanced repair
// when recoverable, or "{}" as a last resort.
func repairJSON(s string) string {
	if s == "" {
		return "{}"
	}
	if json.Valid([]byte(s)) {
		return s
	}

	repaired := balance(s)
	if json.Valid([]byte(repaired)) {
		return repaired
	}
	return "{}"
}

// balance closes an unterminated string and any open braces/brackets, after
// trimming a trailing partial escape or partial UTF-8 rune.
func balance(s string) string {
	// Trim a truncated trailing multi-byte rune.
	for len(s) > 0 {
		r := []rune(s)
		if r[len(r)-1] != '�' {
			break
		}
		s = string(r[:len(r)-1])
	}

	var stack []byte
	inString := false
	escaped := false
	lastEscapeStart := -1

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
				lastEscapeStart = i
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	// A dangling escape sequence (e.g. a cut "\u00") cannot be closed; drop
	// it before terminating the string.
	if inString && escaped && lastEscapeStart >= 0 {
		s = s[:lastEscapeStart]
	}
	if inString {
		s = trimPartialUnicodeEscape(s)
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '[' {
			s += "]"
		} else {
			s += "}"
		}
	}
	return s
}

// trimPartialUnicodeEscape removes a truncated \uXXXX sequence from the end
// of an unterminated string value.
func trimPartialUnicodeEscape(s string) string {
	for back := 2; back <= 6 && back <= len(s); back++ {
		i := len(s) - back
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == 'u' && back < 6 {
			return s[:i]
		}
	}
	return s
}
