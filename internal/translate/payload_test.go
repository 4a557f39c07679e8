package translate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestBuilder() *Builder {
	b := NewBuilder()
	b.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	n := 0
	b.newID = func() string { n++; return "id-" + string(rune('0'+n)) }
	return b
}

func buildPayload(t *testing.T, conv *Conversation) *Payload {
	t.Helper()
	built, err := newTestBuilder().Build(conv, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, err := built.Bytes()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	return &p
}

func TestBuildSystemLifting(t *testing.T) {
	p := buildPayload(t, &Conversation{
		ModelID: "m",
		System:  "always rhyme",
		Messages: []Message{
			user("q1"), assistant("a1"), user("q2"),
		},
	})
	hist := p.ConversationState.History
	if len(hist) != 4 {
		t.Fatalf("expected system pair + 2 turns in history, got %d", len(hist))
	}
	if hist[0].UserInputMessage == nil || hist[0].UserInputMessage.Content != "always rhyme" {
		t.Fatalf("system must become the first user turn, got %+v", hist[0])
	}
	if hist[1].AssistantResponseMessage == nil ||
		hist[1].AssistantResponseMessage.Content != systemAck {
		t.Fatalf("system ack missing, got %+v", hist[1])
	}
}

func TestBuildHistoryAlternatesAndCurrentIsUser(t *testing.T) {
	p := buildPayload(t, &Conversation{
		ModelID:  "m",
		Messages: []Message{user("q"), assistant("a"), user("q2"), assistant("a2")},
	})
	cs := p.ConversationState
	if !strings.Contains(cs.CurrentMessage.UserInputMessage.Content, "Continue") {
		t.Fatalf("trailing assistant needs a synthetic current user turn, got %q",
			cs.CurrentMessage.UserInputMessage.Content)
	}
	for i, e := range cs.History {
		isUser := e.UserInputMessage != nil
		if isUser != (i%2 == 0) {
			t.Fatalf("history entry %d breaks alternation", i)
		}
	}
	if cs.AgentTaskType != "vibe" || cs.ChatTriggerType != "MANUAL" {
		t.Fatalf("unexpected envelope constants %q %q", cs.AgentTaskType, cs.ChatTriggerType)
	}
}

func TestBuildCurrentDecoration(t *testing.T) {
	p := buildPayload(t, &Conversation{
		ModelID:  "m",
		Thinking: &ThinkingSpec{Mode: "enabled", Budget: 4096},
		Tools:    []Tool{{Name: "search"}},
		Messages: []Message{user("find it")},
	})
	content := p.ConversationState.CurrentMessage.UserInputMessage.Content
	if !strings.Contains(content, "<thinking_mode>enabled</thinking_mode>") {
		t.Fatalf("missing thinking mode tag in %q", content)
	}
	if !strings.Contains(content, "<max_thinking_length>4096</max_thinking_length>") {
		t.Fatalf("missing thinking budget tag in %q", content)
	}
	if !strings.Contains(content, "Current time: 2025-06-01T12:00:00Z") {
		t.Fatalf("missing timestamp in %q", content)
	}
	if !strings.Contains(content, "size limits") {
		t.Fatalf("tool advisory missing in %q", content)
	}
	if !strings.HasSuffix(content, "find it") {
		t.Fatalf("original text must come last, got %q", content)
	}
}

func TestBuildAdaptiveThinkingUsesEffortTag(t *testing.T) {
	p := buildPayload(t, &Conversation{
		ModelID:  "m",
		Thinking: &ThinkingSpec{Mode: "adaptive", Effort: "high", Budget: 4096},
		Messages: []Message{user("x")},
	})
	content := p.ConversationState.CurrentMessage.UserInputMessage.Content
	if !strings.Contains(content, "<thinking_effort>high</thinking_effort>") {
		t.Fatalf("adaptive mode must emit the effort tag, got %q", content)
	}
	if strings.Contains(content, "max_thinking_length") {
		t.Fatalf("adaptive mode must not emit a budget tag, got %q", content)
	}
}

func TestBuildToolResultsOnCurrentMessage(t *testing.T) {
	p := buildPayload(t, &Conversation{
		ModelID: "m",
		Messages: []Message{
			user("q"),
			withUse(assistant(""), "t1"),
			{Role: RoleUser, ToolResults: []ToolResult{{ID: "t1", Content: "out", IsError: true}}},
		},
	})
	ctx := p.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext
	if ctx == nil || len(ctx.ToolResults) != 1 {
		t.Fatalf("tool results must land in the current message context, got %+v", ctx)
	}
	tr := ctx.ToolResults[0]
	if tr.ToolUseID != "t1" || tr.Status != "error" || tr.Content[0].Text != "out" {
		t.Fatalf("unexpected tool result %+v", tr)
	}
}

func TestBuildHistoryToolPlaceholders(t *testing.T) {
	p := buildPayload(t, &Conversation{
		ModelID: "m",
		Messages: []Message{
			user("q"),
			withUse(assistant(""), "t1"), // named "tool", not declared
			withResult(user(""), "t1"),
			assistant("done"),
			user("next"),
		},
	})
	ctx := p.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext
	if ctx == nil || len(ctx.Tools) != 1 {
		t.Fatalf("history tool must get a placeholder spec, got %+v", ctx)
	}
	if ctx.Tools[0].ToolSpecification.Name != "tool" {
		t.Fatalf("placeholder must carry the referenced name, got %+v", ctx.Tools[0])
	}
}

func TestTruncateTiers(t *testing.T) {
	var msgs []Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, user("q"), assistant("a"))
	}
	msgs = append(msgs, user("current"))

	built, err := newTestBuilder().Build(&Conversation{ModelID: "m", Messages: msgs}, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	full, _ := built.Bytes()

	var lens []int
	for tier := 1; tier <= 3; tier++ {
		raw, ok := built.Truncate(tier)
		if !ok {
			t.Fatalf("tier %d must succeed", tier)
		}
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("tier %d: invalid JSON: %v", tier, err)
		}
		lens = append(lens, len(p.ConversationState.History))
		if !strings.HasSuffix(p.ConversationState.CurrentMessage.UserInputMessage.Content, "current") {
			t.Fatalf("tier %d lost the current message", tier)
		}
	}
	// Tier 2 slices into the middle of a turn pair, so alternation repair
	// adds one synthetic user turn on top of the 5 kept.
	if lens[0] != 10 || lens[1] != 6 || lens[2] != 0 {
		t.Fatalf("expected history lengths 10,6,0, got %v", lens)
	}
	if len(full) == 0 {
		t.Fatal("full render must not be empty")
	}
}

func TestSanitizeAggressiveDropsToolExchanges(t *testing.T) {
	built, err := newTestBuilder().Build(&Conversation{
		ModelID: "m",
		Messages: []Message{
			user("q"),
			withUse(assistant("checking"), "t1"),
			withResult(user(""), "t1"),
			assistant("a"),
			user("current"),
		},
	}, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, ok := built.SanitizeAggressive()
	if !ok {
		t.Fatal("aggressive sanitize must succeed")
	}
	if strings.Contains(string(raw), "toolUses") || strings.Contains(string(raw), "toolResults") {
		t.Fatalf("tool exchanges must be stripped, got %s", raw)
	}
}

func TestBuildOriginTagging(t *testing.T) {
	built, err := newTestBuilder().Build(&Conversation{
		ModelID:  "m",
		Messages: []Message{user("q"), assistant("a"), user("q2")},
	}, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	raw, _ := built.Bytes()
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got := p.ConversationState.CurrentMessage.UserInputMessage.Origin; got != "AI_EDITOR" {
		t.Fatalf("default origin must be AI_EDITOR, got %q", got)
	}

	built.SetOrigin("CONSOLE")
	raw, _ = built.Bytes()
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got := p.ConversationState.CurrentMessage.UserInputMessage.Origin; got != "CONSOLE" {
		t.Fatalf("retagged origin must be CONSOLE, got %q", got)
	}
	for i, e := range p.ConversationState.History {
		if e.UserInputMessage != nil && e.UserInputMessage.Origin != "CONSOLE" {
			t.Fatalf("history entry %d kept the old origin %q", i, e.UserInputMessage.Origin)
		}
	}
}

func TestRenderDoesNotDoubleDecorate(t *testing.T) {
	built, err := newTestBuilder().Build(&Conversation{
		ModelID:  "m",
		Messages: []Message{user("q")},
	}, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	first, _ := built.Bytes()
	second, _ := built.Bytes()
	if strings.Count(string(second), "Current time:") != strings.Count(string(first), "Current time:") {
		t.Fatal("repeated renders must not stack decorations")
	}
}
