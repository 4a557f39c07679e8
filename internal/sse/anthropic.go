package sse

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/nulpointcorp/kirogate/internal/kiro"
	"github.com/nulpointcorp/kirogate/internal/tokencount"
	"github.com/nulpointcorp/kirogate/internal/translate"
)

// AnthropicEncoder renders decoder events as messages-API stream events:
// message_start, then one content block per contiguous segment, then
// message_delta with the stop reason and usage, then message_stop.
type AnthropicEncoder struct {
	w     *Writer
	model string
	msgID string

	started   bool
	finished  bool
	blockOpen bool
	blockType string
	index     int

	toolCount int
	maxTokens bool

	text     strings.Builder
	thinking strings.Builder
	toolUses []translate.ToolUse
	usage    kiro.Usage
}

func NewAnthropicEncoder(w *Writer, model string) *AnthropicEncoder {
	return &AnthropicEncoder{
		w:     w,
		model: model,
		msgID: "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		index: -1,
	}
}

func (e *AnthropicEncoder) event(name string, v any) {
	data, _ := json.Marshal(v)
	e.w.Event(name, data)
}

func (e *AnthropicEncoder) ensureStarted() {
	if e.started {
		return
	}
	e.started = true
	e.event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.msgID,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func (e *AnthropicEncoder) openBlock(kind string, block map[string]any) {
	e.closeBlock()
	e.index++
	e.blockOpen = true
	e.blockType = kind
	block["type"] = kind
	e.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         e.index,
		"content_block": block,
	})
}

func (e *AnthropicEncoder) closeBlock() {
	if !e.blockOpen {
		return
	}
	e.blockOpen = false
	e.event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.index,
	})
}

func (e *AnthropicEncoder) delta(delta map[string]any) {
	e.event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.index,
		"delta": delta,
	})
}

func (e *AnthropicEncoder) OnText(text string) {
	if e.finished {
		return
	}
	e.ensureStarted()
	if !e.blockOpen || e.blockType != "text" {
		e.openBlock("text", map[string]any{"text": ""})
	}
	e.delta(map[string]any{"type": "text_delta", "text": text})
	if e.text.Len() < maxRetainedText {
		e.text.WriteString(text)
	}
}

func (e *AnthropicEncoder) OnThinking(text string) {
	if e.finished {
		return
	}
	e.ensureStarted()
	if !e.blockOpen || e.blockType != "thinking" {
		e.openBlock("thinking", map[string]any{"thinking": ""})
	}
	e.delta(map[string]any{"type": "thinking_delta", "thinking": text})
	if e.thinking.Len() < maxRetainedText {
		e.thinking.WriteString(text)
	}
}

func (e *AnthropicEncoder) OnToolUseStart(id, name string) {
	if e.finished {
		return
	}
	if id == kiro.ContentLengthExceededID {
		e.maxTokens = true
		return
	}
	e.ensureStarted()
	e.openBlock("tool_use", map[string]any{
		"id":    id,
		"name":  name,
		"input": map[string]any{},
	})
}

func (e *AnthropicEncoder) OnToolUseInput(id, fragment string) {
	if e.finished || id == kiro.ContentLengthExceededID {
		return
	}
	if !e.blockOpen || e.blockType != "tool_use" {
		return
	}
	e.delta(map[string]any{"type": "input_json_delta", "partial_json": fragment})
}

func (e *AnthropicEncoder) OnToolUseStop(id, name, inputJSON string) {
	if e.finished || id == kiro.ContentLengthExceededID {
		return
	}
	e.toolCount++
	e.toolUses = append(e.toolUses, translate.ToolUse{
		ID: id, Name: name, Input: json.RawMessage(inputJSON),
	})
	e.closeBlock()
}

func (e *AnthropicEncoder) OnComplete(usage kiro.Usage) {
	if e.finished {
		return
	}
	e.finished = true
	e.usage = usage
	e.ensureStarted()
	e.closeBlock()

	stop := "end_turn"
	switch {
	case e.maxTokens || usage.ContextWindowExceeded:
		stop = "max_tokens"
	case e.toolCount > 0:
		stop = "tool_use"
	}

	e.event("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stop,
			"stop_sequence": nil,
		},
		"usage": map[string]int{
			"input_tokens":                usage.InputTokens,
			"output_tokens":               usage.OutputTokens,
			"cache_read_input_tokens":     usage.CacheReadTokens,
			"cache_creation_input_tokens": usage.CacheWriteTokens,
		},
	})
	e.event("message_stop", map[string]any{"type": "message_stop"})
	e.w.Flush()
}

func (e *AnthropicEncoder) OnError(err error) {
	if e.finished {
		return
	}
	e.finished = true
	e.ensureStarted()
	e.closeBlock()
	e.event("error", map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": err.Error(),
		},
	})
	e.event("message_stop", map[string]any{"type": "message_stop"})
	e.w.Flush()
}

// Ping emits the keep-alive event.
func (e *AnthropicEncoder) Ping() {
	e.event("ping", map[string]any{"type": "ping"})
	e.w.Flush()
}

// Result summarizes the stream for the request log.
func (e *AnthropicEncoder) Result() *translate.Result {
	return &translate.Result{
		Model:            e.model,
		Text:             e.text.String(),
		Thinking:         e.thinking.String(),
		ToolUses:         e.toolUses,
		InputTokens:      e.usage.InputTokens,
		OutputTokens:     e.usage.OutputTokens,
		CacheReadTokens:  e.usage.CacheReadTokens,
		CacheWriteTokens: e.usage.CacheWriteTokens,
		ReasoningTokens:  tokencount.Estimate(e.thinking.String()),
		MaxTokensReached: e.maxTokens,
	}
}
