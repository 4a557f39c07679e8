package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	maxToolDescription = 10237
	maxToolName        = 64
	mcpPrefix          = "mcp__"

	toolCacheCap = 8
	toolCacheTTL = 5 * time.Minute
)

// Advisories appended to the write-path tools. Upstream rejects oversized
// inputs, so the model is told to split large edits up front.
const (
	writeAdvisory = "\n\nIMPORTANT: Write at most 300 lines per call. For longer files, write the first part, then append the rest with subsequent calls."
	editAdvisory  = "\n\nIMPORTANT: Keep each edit under 200 lines. Split larger changes into multiple sequential edits."
)

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// toolCache memoizes converted tool lists. Agent clients resend identical
// tool lists on every request, so a tiny LRU removes the conversion cost.
type toolCache struct {
	mu      sync.Mutex
	entries map[string]*toolCacheEntry
	now     func() time.Time
}

type toolCacheEntry struct {
	tools    []PayloadTool
	lastUsed time.Time
}

var sharedToolCache = &toolCache{
	entries: make(map[string]*toolCacheEntry),
	now:     time.Now,
}

// ConvertTools maps canonical tool definitions to the payload shape,
// truncating names and descriptions to upstream limits.
func ConvertTools(tools []Tool) []PayloadTool {
	if len(tools) == 0 {
		return nil
	}
	return sharedToolCache.convert(tools)
}

func (c *toolCache) convert(tools []Tool) []PayloadTool {
	key := fingerprintTools(tools)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.lastUsed) < toolCacheTTL {
		e.lastUsed = c.now()
		out := e.tools
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	out := make([]PayloadTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, convertTool(t))
	}

	c.mu.Lock()
	c.entries[key] = &toolCacheEntry{tools: out, lastUsed: c.now()}
	c.evictLocked()
	c.mu.Unlock()
	return out
}

func (c *toolCache) evictLocked() {
	for len(c.entries) > toolCacheCap {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.lastUsed.Before(oldest) {
				oldestKey, oldest = k, e.lastUsed
			}
		}
		delete(c.entries, oldestKey)
	}
}

func convertTool(t Tool) PayloadTool {
	name := truncateName(t.Name)
	var advisory string
	switch name {
	case "Write":
		advisory = writeAdvisory
	case "Edit":
		advisory = editAdvisory
	}
	// Truncation reserves room for the advisory so an oversized description
	// cannot push it off the end.
	desc := t.Description
	if len(desc)+len(advisory) > maxToolDescription {
		desc = desc[:maxToolDescription-len(advisory)]
	}
	desc += advisory
	schema := t.InputSchema
	if len(schema) == 0 {
		schema = emptySchema
	}
	return PayloadTool{ToolSpecification: ToolSpecification{
		Name:        name,
		Description: desc,
		InputSchema: InputSchema{JSON: schema},
	}}
}

// truncateName enforces the 64-char limit. MCP tool names keep their server
// prefix and lose tail characters instead.
func truncateName(name string) string {
	if len(name) <= maxToolName {
		return name
	}
	if strings.HasPrefix(name, mcpPrefix) {
		return name[:maxToolName]
	}
	return name[:maxToolName]
}

// fingerprintTools keys the cache on names and description lengths, which is
// enough to distinguish real tool-list changes without hashing full schemas.
func fingerprintTools(tools []Tool) string {
	parts := make([]string, 0, len(tools))
	for _, t := range tools {
		parts = append(parts, fmt.Sprintf("%s:%d", t.Name, len(t.Description)))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}

// CompleteHistoryTools returns tools plus empty-schema placeholders for every
// tool name referenced in history but absent from the declared list. Upstream
// rejects histories that mention undeclared tools.
func CompleteHistoryTools(tools []Tool, msgs []Message) []Tool {
	declared := make(map[string]bool, len(tools))
	for _, t := range tools {
		declared[truncateName(t.Name)] = true
	}
	out := tools
	for _, m := range msgs {
		for _, tu := range m.ToolUses {
			name := truncateName(tu.Name)
			if name == "" || declared[name] {
				continue
			}
			declared[name] = true
			out = append(out, Tool{
				Name:        name,
				Description: "Tool referenced in conversation history.",
				InputSchema: emptySchema,
			})
		}
	}
	return out
}
