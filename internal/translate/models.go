package translate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// modelIDs maps normalized external names to the ids the upstream accepts.
var modelIDs = map[string]string{
	"claude-opus-4.5":   "claude-opus-4.5",
	"claude-haiku-4.5":  "claude-haiku-4.5",
	"claude-sonnet-4.5": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3.7-sonnet": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// modelAliases folds OpenAI-style names and the "auto" selector onto the
// supported set before the id lookup.
var modelAliases = map[string]string{
	"auto":          "claude-sonnet-4.5",
	"gpt-4":         "claude-sonnet-4.5",
	"gpt-4-turbo":   "claude-sonnet-4.5",
	"gpt-4o":        "claude-sonnet-4.5",
	"gpt-4.1":       "claude-sonnet-4.5",
	"gpt-4o-mini":   "claude-haiku-4.5",
	"gpt-4.1-mini":  "claude-haiku-4.5",
	"gpt-3.5-turbo": "claude-haiku-4.5",
	"o1":            "claude-opus-4.5",
	"o3":            "claude-opus-4.5",
	"gpt-5":         "claude-opus-4.5",
}

var (
	dateSuffixRe  = regexp.MustCompile(`-20\d{6}$`)
	versionDashRe = regexp.MustCompile(`-(\d)-(\d)(?:$|(-))`)
)

// thinkingMarker requests reasoning output. Clients put it anywhere in the
// model name, not only at the end.
const thinkingMarker = "-thinking"

// ModelError reports an unsupported model name.
type ModelError struct {
	Requested string
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("unsupported model %q", e.Requested)
}

// ResolveModel normalizes an external model name and returns the upstream
// model id plus whether the name requested thinking output.
func ResolveModel(name string) (id string, thinking bool, err error) {
	n := normalizeModel(name)
	if strings.Contains(n, thinkingMarker) {
		thinking = true
		n = strings.Replace(n, thinkingMarker, "", 1)
	}
	if alias, ok := modelAliases[n]; ok {
		n = alias
	}
	id, ok := modelIDs[n]
	if !ok {
		return "", false, &ModelError{Requested: name}
	}
	return id, thinking, nil
}

// IsOpus reports whether the external name resolves to an Opus-class model.
// Free-tier credentials are not allowed to serve these.
func IsOpus(name string) bool {
	n := normalizeModel(name)
	n = strings.Replace(n, thinkingMarker, "", 1)
	if alias, ok := modelAliases[n]; ok {
		n = alias
	}
	return strings.Contains(n, "opus")
}

// normalizeModel lowercases, strips vendor prefixes and date suffixes, and
// folds version separators so claude_sonnet_4_5, claude-sonnet-4-5 and
// anthropic/claude-sonnet-4.5-20250929 all land on claude-sonnet-4.5.
func normalizeModel(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "anthropic/")
	n = strings.TrimPrefix(n, "anthropic.")
	n = strings.ReplaceAll(n, "_", "-")
	n = dateSuffixRe.ReplaceAllString(n, "")
	n = versionDashRe.ReplaceAllString(n, "-$1.$2$3")
	return n
}

// SupportedModels lists the external names advertised on /v1/models.
func SupportedModels() []string {
	out := make([]string, 0, len(modelIDs))
	for name := range modelIDs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
