package translate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result is the accumulated outcome of one upstream stream, ready to be
// rendered as a non-streaming response in either dialect.
type Result struct {
	Model    string
	Text     string
	Thinking string
	ToolUses []ToolUse

	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	ReasoningTokens  int

	MaxTokensReached bool
}

// ── OpenAI dialect ───────────────────────────────────────────────────────────

type openAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Index        int                 `json:"index"`
	Message      openAIChoiceMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type openAIChoiceMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

// EncodeOpenAI renders a chat.completion object for the result.
func EncodeOpenAI(res *Result, model string) ([]byte, error) {
	msg := openAIChoiceMessage{
		Role:             RoleAssistant,
		Content:          res.Text,
		ReasoningContent: res.Thinking,
	}
	for _, tu := range res.ToolUses {
		tc := OpenAIToolCall{ID: tu.ID, Type: "function"}
		tc.Function.Name = tu.Name
		tc.Function.Arguments = string(tu.Input)
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}

	finish := "stop"
	switch {
	case len(res.ToolUses) > 0:
		finish = "tool_calls"
	case res.MaxTokensReached:
		finish = "length"
	}

	usage := openAIUsage{
		PromptTokens:     res.InputTokens,
		CompletionTokens: res.OutputTokens,
		TotalTokens:      res.InputTokens + res.OutputTokens,
	}
	if res.CacheReadTokens > 0 {
		usage.PromptTokensDetails = &struct {
			CachedTokens int `json:"cached_tokens"`
		}{CachedTokens: res.CacheReadTokens}
	}
	if res.ReasoningTokens > 0 {
		usage.CompletionTokensDetails = &struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		}{ReasoningTokens: res.ReasoningTokens}
	}

	return json.Marshal(&openAIResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openAIChoice{{Message: msg, FinishReason: finish}},
		Usage:   usage,
	})
}

// ── Anthropic dialect ────────────────────────────────────────────────────────

type anthropicResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Model        string           `json:"model"`
	Content      []anthropicBlock `json:"content"`
	StopReason   string           `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// EncodeAnthropic renders a messages-API response object for the result.
func EncodeAnthropic(res *Result, model string) ([]byte, error) {
	var content []anthropicBlock
	if res.Thinking != "" {
		content = append(content, anthropicBlock{Type: "thinking", Thinking: res.Thinking})
	}
	if res.Text != "" {
		content = append(content, anthropicBlock{Type: "text", Text: res.Text})
	}
	for _, tu := range res.ToolUses {
		input := tu.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		content = append(content, anthropicBlock{Type: "tool_use", ID: tu.ID, Name: tu.Name, Input: input})
	}
	if len(content) == 0 {
		content = append(content, anthropicBlock{Type: "text", Text: ""})
	}

	stop := "end_turn"
	switch {
	case len(res.ToolUses) > 0:
		stop = "tool_use"
	case res.MaxTokensReached:
		stop = "max_tokens"
	}

	return json.Marshal(&anthropicResponse{
		ID:         "msg_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:       "message",
		Role:       RoleAssistant,
		Model:      model,
		Content:    content,
		StopReason: stop,
		Usage: anthropicUsage{
			InputTokens:              res.InputTokens,
			OutputTokens:             res.OutputTokens,
			CacheReadInputTokens:     res.CacheReadTokens,
			CacheCreationInputTokens: res.CacheWriteTokens,
		},
	})
}

// ── bracket tool-call salvage ────────────────────────────────────────────────

const salvageMarker = "[Called "

// SalvageToolCalls extracts tool invocations the model emitted as plain text
// in the form "[Called <name> with args: {...}]". Returns the recovered calls
// and the text with those spans removed.
func SalvageToolCalls(text string) ([]ToolUse, string) {
	if !strings.Contains(text, salvageMarker) {
		return nil, text
	}
	var uses []ToolUse
	var out strings.Builder
	rest := text
	for {
		i := strings.Index(rest, salvageMarker)
		if i < 0 {
			out.WriteString(rest)
			break
		}
		tu, end, ok := parseSalvage(rest[i:])
		if !ok {
			out.WriteString(rest[:i+len(salvageMarker)])
			rest = rest[i+len(salvageMarker):]
			continue
		}
		out.WriteString(rest[:i])
		uses = append(uses, tu)
		rest = rest[i+end:]
	}
	return uses, strings.TrimSpace(out.String())
}

func parseSalvage(s string) (ToolUse, int, bool) {
	const argsMarker = " with args: "
	body := s[len(salvageMarker):]
	j := strings.Index(body, argsMarker)
	if j < 0 {
		return ToolUse{}, 0, false
	}
	name := strings.TrimSpace(body[:j])
	if name == "" || strings.ContainsAny(name, "\n[]") {
		return ToolUse{}, 0, false
	}
	argsStart := j + len(argsMarker)
	if argsStart >= len(body) || body[argsStart] != '{' {
		return ToolUse{}, 0, false
	}
	end, ok := matchBraces(body[argsStart:])
	if !ok {
		return ToolUse{}, 0, false
	}
	args := body[argsStart : argsStart+end]
	after := argsStart + end
	if after >= len(body) || body[after] != ']' {
		return ToolUse{}, 0, false
	}
	if !json.Valid([]byte(args)) {
		return ToolUse{}, 0, false
	}
	return ToolUse{
		ID:    "salvaged_" + uuid.NewString()[:8],
		Name:  name,
		Input: json.RawMessage(args),
	}, len(salvageMarker) + after + 1, true
}

// matchBraces returns the index one past the brace that closes the object
// starting at s[0], honoring strings and escapes.
func matchBraces(s string) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
