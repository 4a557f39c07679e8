// Package translate converts the two inbound dialects (OpenAI chat
// completions, Anthropic messages) into the canonical upstream payload and
// back. The inbound decoders are deliberately schema-loose: unknown content
// shapes ride through as raw JSON so shape drift upstream of us does not
// break requests.
package translate

import "encoding/json"

// Role values used throughout the canonical form.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Conversation is the canonical, dialect-agnostic form of one request.
type Conversation struct {
	ConversationID string
	ModelID        string // upstream model id
	System         string
	Messages       []Message // full turn list, current message last
	Tools          []Tool
	Thinking       *ThinkingSpec
	ProfileArn     string
	Origin         string // endpoint origin tag; empty renders as AI_EDITOR

	// MaxTokens / Temperature ride through when provided.
	MaxTokens   int
	Temperature *float64
}

// Message is one canonical turn.
type Message struct {
	Role        string
	Text        string
	ToolUses    []ToolUse    // assistant only
	ToolResults []ToolResult // user only
	Images      []Image      // user only
}

// ToolUse is an assistant-issued function invocation.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers a prior ToolUse, paired by id.
type ToolResult struct {
	ID      string
	Content string
	IsError bool
}

// Image is an inline image extracted from a data URL or Anthropic source.
type Image struct {
	Format string // "jpeg", "png", "gif", "webp"
	Data   []byte
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ThinkingSpec configures reasoning output.
type ThinkingSpec struct {
	Mode   string // "enabled" or "adaptive"
	Budget int    // token budget, clamped to 200000
	Effort string // set for adaptive mode
}

// ── inbound: OpenAI chat completions ─────────────────────────────────────────

// OpenAIRequest is the /v1/chat/completions body. Residue fields keep their
// raw JSON so forward-compatible shapes survive.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	User        string          `json:"user,omitempty"`

	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Reasoning       json.RawMessage `json:"reasoning,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// OpenAIMessage content is either a string or an array of typed parts.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OpenAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type OpenAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// openaiContentPart is one element of an array-shaped content field.
type openaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// ── inbound: Anthropic messages ──────────────────────────────────────────────

// AnthropicRequest is the /v1/messages body.
type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	System      json.RawMessage    `json:"system,omitempty"` // string or block array
	Tools       []AnthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Thinking    *AnthropicThinking `json:"thinking,omitempty"`
	Metadata    struct {
		UserID string `json:"user_id,omitempty"`
	} `json:"metadata,omitempty"`
}

type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or block array
}

// anthropicBlock is one element of an array-shaped content field.
type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`

	// thinking (ignored on input)
	Thinking string `json:"thinking,omitempty"`
}

type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type AnthropicThinking struct {
	Type         string `json:"type"` // "enabled", "adaptive", "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// ── upstream payload ─────────────────────────────────────────────────────────

// Payload is the upstream conversation-state envelope.
type Payload struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

type ConversationState struct {
	AgentContinuationID string         `json:"agentContinuationId"`
	AgentTaskType       string         `json:"agentTaskType"`
	ChatTriggerType     string         `json:"chatTriggerType"`
	ConversationID      string         `json:"conversationId"`
	CurrentMessage      CurrentMessage `json:"currentMessage"`
	History             []HistoryEntry `json:"history,omitempty"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// HistoryEntry holds exactly one of the two message kinds.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []PayloadImage           `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type UserInputMessageContext struct {
	Tools       []PayloadTool       `json:"tools,omitempty"`
	ToolResults []PayloadToolResult `json:"toolResults,omitempty"`
}

type AssistantResponseMessage struct {
	Content  string           `json:"content"`
	ToolUses []PayloadToolUse `json:"toolUses,omitempty"`
}

type PayloadTool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

type PayloadToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type PayloadToolResult struct {
	ToolUseID string               `json:"toolUseId"`
	Status    string               `json:"status"`
	Content   []PayloadToolContent `json:"content"`
}

type PayloadToolContent struct {
	Text string `json:"text"`
}

type PayloadImage struct {
	Format string `json:"format"`
	Source struct {
		Bytes []byte `json:"bytes"`
	} `json:"source"`
}
