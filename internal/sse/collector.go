package sse

import (
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/kirogate/internal/kiro"
	"github.com/nulpointcorp/kirogate/internal/tokencount"
	"github.com/nulpointcorp/kirogate/internal/translate"
)

// Collector accumulates decoder events into a single result for
// non-streaming responses. Implements the same handler interface as the
// stream encoders.
type Collector struct {
	model string

	text     strings.Builder
	thinking strings.Builder
	toolUses []translate.ToolUse
	usage    kiro.Usage

	maxTokens bool
	err       error
	finished  bool
}

func NewCollector(model string) *Collector {
	return &Collector{model: model}
}

func (c *Collector) OnText(text string) {
	if c.text.Len() < maxRetainedText {
		c.text.WriteString(text)
	}
}

func (c *Collector) OnThinking(text string) {
	if c.thinking.Len() < maxRetainedText {
		c.thinking.WriteString(text)
	}
}

func (c *Collector) OnToolUseStart(id, name string) {
	if id == kiro.ContentLengthExceededID {
		c.maxTokens = true
	}
}

func (c *Collector) OnToolUseInput(id, fragment string) {}

func (c *Collector) OnToolUseStop(id, name, inputJSON string) {
	if id == kiro.ContentLengthExceededID {
		return
	}
	c.toolUses = append(c.toolUses, translate.ToolUse{
		ID: id, Name: name, Input: json.RawMessage(inputJSON),
	})
}

func (c *Collector) OnComplete(usage kiro.Usage) {
	c.usage = usage
	c.finished = true
}

func (c *Collector) OnError(err error) {
	c.err = err
	c.finished = true
}

// Err returns the stream failure, if any.
func (c *Collector) Err() error { return c.err }

// Result returns the accumulated response. Tool calls the model emitted as
// bracketed plain text are salvaged into real tool uses here.
func (c *Collector) Result() *translate.Result {
	text := c.text.String()
	toolUses := c.toolUses
	if len(toolUses) == 0 {
		if salvaged, rest := translate.SalvageToolCalls(text); len(salvaged) > 0 {
			toolUses = salvaged
			text = rest
		}
	}
	return &translate.Result{
		Model:            c.model,
		Text:             text,
		Thinking:         c.thinking.String(),
		ToolUses:         toolUses,
		InputTokens:      c.usage.InputTokens,
		OutputTokens:     c.usage.OutputTokens,
		CacheReadTokens:  c.usage.CacheReadTokens,
		CacheWriteTokens: c.usage.CacheWriteTokens,
		ReasoningTokens:  tokencount.Estimate(c.thinking.String()),
		MaxTokensReached: c.maxTokens || c.usage.ContextWindowExceeded,
	}
}
