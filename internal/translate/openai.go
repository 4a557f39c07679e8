package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeOpenAI parses a /v1/chat/completions body.
func DecodeOpenAI(body []byte) (*OpenAIRequest, error) {
	var req OpenAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("missing model")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("missing messages")
	}
	return &req, nil
}

// SessionID returns the caller-supplied session identifier, if any.
func (r *OpenAIRequest) SessionID() string { return r.User }

// Conversation lowers the request to the canonical form. System turns are
// concatenated, tool-role messages fold into the next user turn, and
// reasoning settings become a thinking spec.
func (r *OpenAIRequest) Conversation() (*Conversation, error) {
	modelID, thinkingModel, err := ResolveModel(r.Model)
	if err != nil {
		return nil, err
	}

	conv := &Conversation{
		ModelID:     modelID,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}

	var systems []string
	var pendingResults []ToolResult

	flushResults := func() {
		if len(pendingResults) > 0 {
			conv.Messages = append(conv.Messages, Message{Role: RoleUser, ToolResults: pendingResults})
			pendingResults = nil
		}
	}

	for _, m := range r.Messages {
		switch m.Role {
		case RoleSystem, "developer":
			text, _, err := decodeOpenAIContent(m.Content)
			if err != nil {
				return nil, err
			}
			if text != "" {
				systems = append(systems, text)
			}

		case RoleTool:
			text, _, err := decodeOpenAIContent(m.Content)
			if err != nil {
				return nil, err
			}
			pendingResults = append(pendingResults, ToolResult{ID: m.ToolCallID, Content: text})

		case RoleUser:
			text, images, err := decodeOpenAIContent(m.Content)
			if err != nil {
				return nil, err
			}
			msg := Message{Role: RoleUser, Text: text, Images: images, ToolResults: pendingResults}
			pendingResults = nil
			conv.Messages = append(conv.Messages, msg)

		case RoleAssistant:
			flushResults()
			text, _, err := decodeOpenAIContent(m.Content)
			if err != nil {
				return nil, err
			}
			msg := Message{Role: RoleAssistant, Text: text}
			for _, tc := range m.ToolCalls {
				msg.ToolUses = append(msg.ToolUses, ToolUse{
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: argumentsJSON(tc.Function.Arguments),
				})
			}
			conv.Messages = append(conv.Messages, msg)

		default:
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
	}
	flushResults()

	conv.System = strings.Join(systems, "\n\n")

	for _, t := range r.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		conv.Tools = append(conv.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	conv.Thinking = r.thinkingSpec(thinkingModel)
	return conv, nil
}

func (r *OpenAIRequest) thinkingSpec(thinkingModel bool) *ThinkingSpec {
	var reasoningMax int
	if len(r.Reasoning) > 0 {
		var nested struct {
			MaxTokens int    `json:"max_tokens"`
			Effort    string `json:"effort"`
		}
		if json.Unmarshal(r.Reasoning, &nested) == nil {
			reasoningMax = nested.MaxTokens
			if r.ReasoningEffort == "" {
				r.ReasoningEffort = nested.Effort
			}
		}
	}
	if !thinkingModel && r.ReasoningEffort == "" && reasoningMax == 0 {
		return nil
	}
	return &ThinkingSpec{
		Mode:   "enabled",
		Budget: thinkingBudget(reasoningMax, r.ReasoningEffort),
		Effort: r.ReasoningEffort,
	}
}

// decodeOpenAIContent handles both the string and the typed-parts array
// shape. Unknown part types are skipped rather than rejected.
func decodeOpenAIContent(raw json.RawMessage) (string, []Image, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", nil, fmt.Errorf("parse content: %w", err)
		}
		return s, nil, nil
	}
	var parts []openaiContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("parse content parts: %w", err)
	}
	var texts []string
	var images []Image
	for _, p := range parts {
		switch p.Type {
		case "text":
			texts = append(texts, p.Text)
		case "image_url":
			if img, ok := parseDataURL(p.ImageURL.URL); ok {
				images = append(images, img)
			}
		}
	}
	return strings.Join(texts, "\n"), images, nil
}

// argumentsJSON keeps valid argument strings as-is and wraps anything else so
// the payload never carries malformed JSON.
func argumentsJSON(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": args})
	return wrapped
}
