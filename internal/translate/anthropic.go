package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeAnthropic parses a /v1/messages body.
func DecodeAnthropic(body []byte) (*AnthropicRequest, error) {
	var req AnthropicRequest
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
func (r *AnthropicRequest) SessionID() string { return r.Metadata.UserID }

// Conversation lowers the request to the canonical form.
func (r *AnthropicRequest) Conversation() (*Conversation, error) {
	modelID, thinkingModel, err := ResolveModel(r.Model)
	if err != nil {
		return nil, err
	}

	conv := &Conversation{
		ModelID:     modelID,
		System:      decodeAnthropicSystem(r.System),
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}

	for _, m := range r.Messages {
		msg, err := decodeAnthropicMessage(m)
		if err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, msg)
	}

	for _, t := range r.Tools {
		conv.Tools = append(conv.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	conv.Thinking = r.thinkingSpec(thinkingModel)
	return conv, nil
}

func (r *AnthropicRequest) thinkingSpec(thinkingModel bool) *ThinkingSpec {
	explicit := r.Thinking != nil && (r.Thinking.Type == "enabled" || r.Thinking.Type == "adaptive")
	if !thinkingModel && !explicit {
		return nil
	}
	spec := &ThinkingSpec{Mode: "enabled"}
	budget := 0
	if r.Thinking != nil {
		budget = r.Thinking.BudgetTokens
		if r.Thinking.Type == "adaptive" {
			spec.Mode = "adaptive"
		}
	}
	spec.Budget = thinkingBudget(budget, "")
	return spec
}

func decodeAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	var blocks []anthropicBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var texts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

func decodeAnthropicMessage(m AnthropicMessage) (Message, error) {
	msg := Message{Role: m.Role}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return msg, fmt.Errorf("unsupported role %q", m.Role)
	}
	if len(m.Content) == 0 {
		return msg, nil
	}
	if m.Content[0] == '"' {
		if err := json.Unmarshal(m.Content, &msg.Text); err != nil {
			return msg, fmt.Errorf("parse content: %w", err)
		}
		return msg, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return msg, fmt.Errorf("parse content blocks: %w", err)
	}
	var texts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_use":
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			msg.ToolUses = append(msg.ToolUses, ToolUse{ID: b.ID, Name: b.Name, Input: input})
		case "tool_result":
			msg.ToolResults = append(msg.ToolResults, ToolResult{
				ID:      b.ToolUseID,
				Content: flattenToolResultContent(b.Content),
				IsError: b.IsError,
			})
		case "image":
			if img, ok := decodeAnthropicImage(b.Source.MediaType, b.Source.Data); ok {
				msg.Images = append(msg.Images, img)
			}
		case "thinking", "redacted_thinking":
			// prior reasoning is not replayed upstream
		}
	}
	msg.Text = strings.Join(texts, "\n")
	return msg, nil
}

// flattenToolResultContent accepts both the string and block-array shapes.
func flattenToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	var blocks []anthropicBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}
