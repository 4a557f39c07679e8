package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nulpointcorp/kirogate/internal/kiro"
)

type sseEvent struct {
	name string
	data map[string]any
}

func parseEvents(t *testing.T, raw string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, frame := range strings.Split(raw, "\n\n") {
		if strings.TrimSpace(frame) == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = line[len("event: "):]
			case strings.HasPrefix(line, "data: "):
				payload := line[len("data: "):]
				if payload == "[DONE]" {
					ev.data = map[string]any{"done": true}
					continue
				}
				if err := json.Unmarshal([]byte(payload), &ev.data); err != nil {
					t.Fatalf("frame %q is not valid JSON: %v", frame, err)
				}
			case strings.HasPrefix(line, ": "):
				ev.name = "comment"
			}
		}
		out = append(out, ev)
	}
	return out
}

func runAnthropic(t *testing.T, drive func(e *AnthropicEncoder)) []sseEvent {
	t.Helper()
	var dst bytes.Buffer
	e := NewAnthropicEncoder(NewWriter(&dst), "claude-sonnet-4-5")
	drive(e)
	return parseEvents(t, dst.String())
}

func names(evs []sseEvent) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.name
	}
	return out
}

func TestAnthropicStreamSequence(t *testing.T) {
	evs := runAnthropic(t, func(e *AnthropicEncoder) {
		e.OnThinking("hmm")
		e.OnThinking(" more")
		e.OnText("answer")
		e.OnToolUseStart("t1", "search")
		e.OnToolUseInput("t1", `{"q":`)
		e.OnToolUseInput("t1", `"x"}`)
		e.OnToolUseStop("t1", "search", `{"q":"x"}`)
		e.OnComplete(kiro.Usage{InputTokens: 10, OutputTokens: 5})
	})

	want := []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}
	got := names(evs)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected sequence:\nwant %v\ngot  %v", want, got)
	}
}

func TestAnthropicIndicesStrictlyIncrease(t *testing.T) {
	evs := runAnthropic(t, func(e *AnthropicEncoder) {
		e.OnThinking("a")
		e.OnText("b")
		e.OnToolUseStart("t1", "x")
		e.OnToolUseStop("t1", "x", `{}`)
		e.OnComplete(kiro.Usage{})
	})
	last := -1
	for _, ev := range evs {
		if ev.name != "content_block_start" {
			continue
		}
		idx := int(ev.data["index"].(float64))
		if idx != last+1 {
			t.Fatalf("block index must increase by one, got %d after %d", idx, last)
		}
		last = idx
	}
	if last != 2 {
		t.Fatalf("expected 3 blocks, last index %d", last)
	}
}

func TestAnthropicStopReasons(t *testing.T) {
	stopReason := func(evs []sseEvent) string {
		for _, ev := range evs {
			if ev.name == "message_delta" {
				return ev.data["delta"].(map[string]any)["stop_reason"].(string)
			}
		}
		return ""
	}

	plain := runAnthropic(t, func(e *AnthropicEncoder) {
		e.OnText("hi")
		e.OnComplete(kiro.Usage{})
	})
	if got := stopReason(plain); got != "end_turn" {
		t.Fatalf("expected end_turn, got %q", got)
	}

	tool := runAnthropic(t, func(e *AnthropicEncoder) {
		e.OnToolUseStart("t1", "x")
		e.OnToolUseStop("t1", "x", `{}`)
		e.OnComplete(kiro.Usage{})
	})
	if got := stopReason(tool); got != "tool_use" {
		t.Fatalf("expected tool_use, got %q", got)
	}

	capped := runAnthropic(t, func(e *AnthropicEncoder) {
		e.OnText("partial")
		e.OnToolUseStart(kiro.ContentLengthExceededID, "")
		e.OnComplete(kiro.Usage{})
	})
	if got := stopReason(capped); got != "max_tokens" {
		t.Fatalf("content length exceeded must map to max_tokens, got %q", got)
	}
}

func TestAnthropicSyntheticToolEmitsNoBlock(t *testing.T) {
	evs := runAnthropic(t, func(e *AnthropicEncoder) {
		e.OnText("x")
		e.OnToolUseStart(kiro.ContentLengthExceededID, "")
		e.OnComplete(kiro.Usage{})
	})
	for _, ev := range evs {
		if ev.name != "content_block_start" {
			continue
		}
		block := ev.data["content_block"].(map[string]any)
		if block["type"] == "tool_use" {
			t.Fatal("the synthetic overflow id must not produce a tool block")
		}
	}
}

func TestAnthropicErrorAfterStart(t *testing.T) {
	evs := runAnthropic(t, func(e *AnthropicEncoder) {
		e.OnText("partial")
		e.OnError(errors.New("upstream reset"))
		e.OnText("late") // must be ignored
	})
	got := names(evs)
	if got[len(got)-1] != "message_stop" {
		t.Fatalf("stream must end with message_stop, got %v", got)
	}
	if got[len(got)-2] != "error" {
		t.Fatalf("error event must precede message_stop, got %v", got)
	}
	stops := 0
	for _, n := range got {
		if n == "message_stop" {
			stops++
		}
	}
	if stops != 1 {
		t.Fatalf("message_stop must fire exactly once, got %d", stops)
	}
}

func TestAnthropicMessageDeltaUsage(t *testing.T) {
	evs := runAnthropic(t, func(e *AnthropicEncoder) {
		e.OnText("x")
		e.OnComplete(kiro.Usage{InputTokens: 7, OutputTokens: 3, CacheReadTokens: 2, CacheWriteTokens: 1})
	})
	for _, ev := range evs {
		if ev.name != "message_delta" {
			continue
		}
		u := ev.data["usage"].(map[string]any)
		if u["input_tokens"].(float64) != 7 || u["output_tokens"].(float64) != 3 {
			t.Fatalf("unexpected usage %v", u)
		}
		if u["cache_read_input_tokens"].(float64) != 2 || u["cache_creation_input_tokens"].(float64) != 1 {
			t.Fatalf("cache splits missing from usage %v", u)
		}
		return
	}
	t.Fatal("message_delta not found")
}

func TestAnthropicResultAccumulates(t *testing.T) {
	var dst bytes.Buffer
	e := NewAnthropicEncoder(NewWriter(&dst), "m")
	e.OnThinking("deep ")
	e.OnThinking("thought")
	e.OnText("hello")
	e.OnToolUseStop("t1", "x", `{"a":1}`)
	e.OnComplete(kiro.Usage{OutputTokens: 9})

	res := e.Result()
	if res.Text != "hello" || res.Thinking != "deep thought" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.ToolUses) != 1 || res.OutputTokens != 9 {
		t.Fatalf("unexpected result %+v", res)
	}
}
