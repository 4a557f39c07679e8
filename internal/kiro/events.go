// Package kiro implements the upstream client: endpoint selection with
// health-aware failover, cached DNS, the retry ladder, token refresh, and the
// binary event-stream decoder that turns upstream frames into typed events.
package kiro

import "encoding/json"

// Event type names carried in the :event-type frame header.
const (
	EventAssistantResponse = "assistantResponseEvent"
	EventToolUse           = "toolUseEvent"
	EventMessageMetadata   = "messageMetadataEvent"
	EventMetadata          = "metadataEvent"
	EventMetering          = "meteringEvent"
	EventContextUsage      = "contextUsageEvent"
	EventReasoningContent  = "reasoningContentEvent"
	EventWebLinks          = "supplementaryWebLinksEvent"
	EventException         = "exceptionEvent"
)

// ContentLengthExceededID is the synthetic tool-use id emitted when the
// upstream raises ContentLengthExceededException mid-stream, letting the SSE
// layer translate it into a max_tokens/length stop reason.
const ContentLengthExceededID = "__content_length_exceeded__"

// assistantResponsePayload is the JSON body of an assistantResponseEvent.
type assistantResponsePayload struct {
	Content string `json:"content"`
}

// toolUsePayload is the JSON body of a toolUseEvent. Input arrives either as
// string fragments (appended) or as a complete object (replaces).
type toolUsePayload struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Stop      bool            `json:"stop"`
}

// metadataPayload is the JSON body of messageMetadataEvent / metadataEvent.
type metadataPayload struct {
	UncachedInputTokens   int `json:"uncachedInputTokens"`
	CacheReadInputTokens  int `json:"cacheReadInputTokens"`
	CacheWriteInputTokens int `json:"cacheWriteInputTokens"`
	OutputTokens          int `json:"outputTokens"`
	TotalTokens           int `json:"totalTokens"`
}

type meteringPayload struct {
	Credits float64 `json:"credits"`
}

type contextUsagePayload struct {
	Percentage float64 `json:"percentage"`
}

type reasoningPayload struct {
	Content string `json:"content"`
	Text    string `json:"text"`
}

type webLinksPayload struct {
	SupplementaryWebLinks []webLink `json:"supplementaryWebLinks"`
}

type webLink struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

type exceptionPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// Usage is the accumulated token accounting for one request.
type Usage struct {
	InputTokens      int     `json:"inputTokens"`
	OutputTokens     int     `json:"outputTokens"`
	CacheReadTokens  int     `json:"cacheReadTokens"`
	CacheWriteTokens int     `json:"cacheWriteTokens"`
	Credits          float64 `json:"credits"`

	ContextWindowExceeded bool `json:"contextWindowExceeded,omitempty"`
}

// Handler receives decoded stream events in arrival order. Implementations
// run on the decoder goroutine; OnComplete or OnError fires exactly once and
// is always the final call.
type Handler interface {
	// OnText delivers final response text.
	OnText(text string)

	// OnThinking delivers reasoning content.
	OnThinking(text string)

	// OnToolUseStart fires on the first sighting of a tool-use id.
	OnToolUseStart(id, name string)

	// OnToolUseInput delivers an input fragment for an open tool use.
	OnToolUseInput(id, fragment string)

	// OnToolUseStop closes a tool use with its final parsed input JSON.
	OnToolUseStop(id, name, inputJSON string)

	// OnComplete fires once on normal end-of-stream.
	OnComplete(usage Usage)

	// OnError fires once on stream failure; no callbacks follow.
	OnError(err error)
}
