package sse

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/kirogate/internal/kiro"
	"github.com/nulpointcorp/kirogate/internal/tokencount"
	"github.com/nulpointcorp/kirogate/internal/translate"
)

// OpenAIEncoder renders decoder events as chat.completion.chunk frames. The
// first chunk carries the assistant role, the last carries the finish reason
// and usage, and the stream ends with a literal [DONE].
type OpenAIEncoder struct {
	w       *Writer
	id      string
	model   string
	created int64

	sentRole bool
	finished bool

	toolIndex map[string]int
	maxTokens bool

	text     strings.Builder
	thinking strings.Builder
	toolUses []translate.ToolUse
	usage    kiro.Usage
}

func NewOpenAIEncoder(w *Writer, model string) *OpenAIEncoder {
	return &OpenAIEncoder{
		w:         w,
		id:        "chatcmpl-" + uuid.NewString(),
		model:     model,
		created:   time.Now().Unix(),
		toolIndex: make(map[string]int),
	}
}

func (e *OpenAIEncoder) chunk(delta map[string]any, finish any, usage map[string]any) {
	if !e.sentRole {
		e.sentRole = true
		delta["role"] = "assistant"
	}
	body := map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	if usage != nil {
		body["usage"] = usage
	}
	data, _ := json.Marshal(body)
	e.w.Event("", data)
}

func (e *OpenAIEncoder) OnText(text string) {
	if e.finished {
		return
	}
	e.chunk(map[string]any{"content": text}, nil, nil)
	if e.text.Len() < maxRetainedText {
		e.text.WriteString(text)
	}
}

func (e *OpenAIEncoder) OnThinking(text string) {
	if e.finished {
		return
	}
	e.chunk(map[string]any{"reasoning_content": text}, nil, nil)
	if e.thinking.Len() < maxRetainedText {
		e.thinking.WriteString(text)
	}
}

func (e *OpenAIEncoder) OnToolUseStart(id, name string) {
	if e.finished {
		return
	}
	if id == kiro.ContentLengthExceededID {
		e.maxTokens = true
		return
	}
	idx := len(e.toolIndex)
	e.toolIndex[id] = idx
	e.chunk(map[string]any{"tool_calls": []map[string]any{{
		"index": idx,
		"id":    id,
		"type":  "function",
		"function": map[string]any{
			"name":      name,
			"arguments": "",
		},
	}}}, nil, nil)
}

func (e *OpenAIEncoder) OnToolUseInput(id, fragment string) {
	if e.finished || id == kiro.ContentLengthExceededID {
		return
	}
	idx, ok := e.toolIndex[id]
	if !ok {
		return
	}
	e.chunk(map[string]any{"tool_calls": []map[string]any{{
		"index": idx,
		"function": map[string]any{
			"arguments": fragment,
		},
	}}}, nil, nil)
}

func (e *OpenAIEncoder) OnToolUseStop(id, name, inputJSON string) {
	if e.finished || id == kiro.ContentLengthExceededID {
		return
	}
	e.toolUses = append(e.toolUses, translate.ToolUse{
		ID: id, Name: name, Input: json.RawMessage(inputJSON),
	})
}

func (e *OpenAIEncoder) OnComplete(usage kiro.Usage) {
	if e.finished {
		return
	}
	e.finished = true
	e.usage = usage

	finish := "stop"
	switch {
	case e.maxTokens || usage.ContextWindowExceeded:
		finish = "length"
	case len(e.toolUses) > 0:
		finish = "tool_calls"
	}

	u := map[string]any{
		"prompt_tokens":     usage.InputTokens,
		"completion_tokens": usage.OutputTokens,
		"total_tokens":      usage.InputTokens + usage.OutputTokens,
	}
	if usage.CacheReadTokens > 0 {
		u["prompt_tokens_details"] = map[string]int{"cached_tokens": usage.CacheReadTokens}
	}
	if e.thinking.Len() > 0 {
		u["completion_tokens_details"] = map[string]int{
			"reasoning_tokens": tokencount.Estimate(e.thinking.String()),
		}
	}

	e.chunk(map[string]any{}, finish, u)
	e.w.Event("", []byte("[DONE]"))
	e.w.Flush()
}

func (e *OpenAIEncoder) OnError(err error) {
	if e.finished {
		return
	}
	e.finished = true
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    "api_error",
		},
	})
	e.w.Event("", data)
	e.w.Event("", []byte("[DONE]"))
	e.w.Flush()
}

// Ping emits an SSE comment as the keep-alive.
func (e *OpenAIEncoder) Ping() {
	e.w.Comment("ping")
}

// Result summarizes the stream for the request log.
func (e *OpenAIEncoder) Result() *translate.Result {
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
