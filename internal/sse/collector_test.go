package sse

import (
	"testing"

	"github.com/nulpointcorp/kirogate/internal/kiro"
)

func TestCollectorAccumulates(t *testing.T) {
	c := NewCollector("m")
	c.OnThinking("why ")
	c.OnThinking("not")
	c.OnText("because")
	c.OnToolUseStart("t1", "x")
	c.OnToolUseInput("t1", `{"a"`)
	c.OnToolUseStop("t1", "x", `{"a":1}`)
	c.OnComplete(kiro.Usage{InputTokens: 3, OutputTokens: 2})

	res := c.Result()
	if res.Text != "because" || res.Thinking != "why not" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.ToolUses) != 1 || string(res.ToolUses[0].Input) != `{"a":1}` {
		t.Fatalf("unexpected tool uses %+v", res.ToolUses)
	}
	if res.InputTokens != 3 || res.OutputTokens != 2 {
		t.Fatalf("unexpected usage %+v", res)
	}
}

func TestCollectorSalvagesBracketCalls(t *testing.T) {
	c := NewCollector("m")
	c.OnText(`Sure. [Called search with args: {"q":"dogs"}]`)
	c.OnComplete(kiro.Usage{})

	res := c.Result()
	if len(res.ToolUses) != 1 || res.ToolUses[0].Name != "search" {
		t.Fatalf("bracketed call must be salvaged, got %+v", res.ToolUses)
	}
	if res.Text != "Sure." {
		t.Fatalf("salvaged span must leave clean text, got %q", res.Text)
	}
}

func TestCollectorOverflowSetsMaxTokens(t *testing.T) {
	c := NewCollector("m")
	c.OnText("partial")
	c.OnToolUseStart(kiro.ContentLengthExceededID, "")
	c.OnComplete(kiro.Usage{})
	if !c.Result().MaxTokensReached {
		t.Fatal("overflow must mark the result")
	}
}

func TestCollectorError(t *testing.T) {
	c := NewCollector("m")
	c.OnText("x")
	c.OnError(errFake)
	if c.Err() == nil {
		t.Fatal("stream error must surface")
	}
}

type fakeErr struct{}

func (fakeErr) Error() string { return "boom" }

var errFake = fakeErr{}
