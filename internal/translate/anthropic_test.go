package translate

import (
	"encoding/base64"
	"testing"
)

func TestAnthropicConversationBasics(t *testing.T) {
	req, err := DecodeAnthropic([]byte(`{
		"model": "claude-sonnet-4-5",
		"max_tokens": 1024,
		"system": "Be terse.",
		"metadata": {"user_id": "u-9"},
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type": "text", "text": "hi"}]},
			{"role": "user", "content": "bye"}
		]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.SessionID() != "u-9" {
		t.Fatalf("expected metadata user id, got %q", req.SessionID())
	}
	conv, err := req.Conversation()
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.System != "Be terse." {
		t.Fatalf("unexpected system %q", conv.System)
	}
	if conv.MaxTokens != 1024 {
		t.Fatalf("max_tokens must ride through, got %d", conv.MaxTokens)
	}
	if len(conv.Messages) != 3 || conv.Messages[1].Text != "hi" {
		t.Fatalf("unexpected turns %+v", conv.Messages)
	}
}

func TestAnthropicSystemBlocks(t *testing.T) {
	req, _ := DecodeAnthropic([]byte(`{
		"model": "claude-sonnet-4-5",
		"system": [{"type": "text", "text": "one"}, {"type": "text", "text": "two"}],
		"messages": [{"role": "user", "content": "x"}]
	}`))
	conv, err := req.Conversation()
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.System != "one\n\ntwo" {
		t.Fatalf("system blocks must concatenate, got %q", conv.System)
	}
}

func TestAnthropicToolBlocks(t *testing.T) {
	req, err := DecodeAnthropic([]byte(`{
		"model": "claude-sonnet-4-5",
		"tools": [{"name": "search", "description": "find things",
		           "input_schema": {"type": "object"}}],
		"messages": [
			{"role": "user", "content": "find cats"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "searching"},
				{"type": "tool_use", "id": "t1", "name": "search", "input": {"q": "cats"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "t1",
				 "content": [{"type": "text", "text": "3 cats"}], "is_error": false}
			]}
		]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	conv, err := req.Conversation()
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(conv.Tools) != 1 || conv.Tools[0].Name != "search" {
		t.Fatalf("unexpected tools %+v", conv.Tools)
	}
	a := conv.Messages[1]
	if a.Text != "searching" || len(a.ToolUses) != 1 || string(a.ToolUses[0].Input) != `{"q": "cats"}` {
		t.Fatalf("unexpected assistant turn %+v", a)
	}
	u := conv.Messages[2]
	if len(u.ToolResults) != 1 || u.ToolResults[0].Content != "3 cats" {
		t.Fatalf("unexpected tool result %+v", u.ToolResults)
	}
}

func TestAnthropicImageBlock(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte("img"))
	req, _ := DecodeAnthropic([]byte(`{
		"model": "claude-sonnet-4-5",
		"messages": [{"role": "user", "content": [
			{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "` + b64 + `"}},
			{"type": "text", "text": "describe"}
		]}]
	}`))
	conv, err := req.Conversation()
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	m := conv.Messages[0]
	if len(m.Images) != 1 || m.Images[0].Format != "png" {
		t.Fatalf("unexpected images %+v", m.Images)
	}
}

func TestAnthropicThinkingSpec(t *testing.T) {
	req, _ := DecodeAnthropic([]byte(`{
		"model": "claude-sonnet-4-5",
		"thinking": {"type": "enabled", "budget_tokens": 500000},
		"messages": [{"role": "user", "content": "x"}]
	}`))
	conv, err := req.Conversation()
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.Thinking == nil || conv.Thinking.Budget != maxThinkingLen {
		t.Fatalf("budget must clamp to %d, got %+v", maxThinkingLen, conv.Thinking)
	}

	req2, _ := DecodeAnthropic([]byte(`{
		"model": "claude-sonnet-4-5",
		"thinking": {"type": "disabled"},
		"messages": [{"role": "user", "content": "x"}]
	}`))
	conv2, _ := req2.Conversation()
	if conv2.Thinking != nil {
		t.Fatalf("disabled thinking must not produce a spec, got %+v", conv2.Thinking)
	}
}
