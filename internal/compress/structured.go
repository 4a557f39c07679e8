package compress

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nulpointcorp/kirogate/internal/translate"
)

const (
	maxDecisions       = 20
	maxBreadcrumbs     = 6
	maxBreadcrumbChars = 150
)

var (
	pathRe     = regexp.MustCompile(`(?:^|[\s"'` + "`" + `(])((?:/|\./|[A-Za-z0-9_.-]+/)[A-Za-z0-9_./-]+\.[A-Za-z0-9]{1,8})`)
	decisionRe = regexp.MustCompile(`(?i)(?:decided to|chose|will use|going with|决定|选择)[\s:]+([^.\n。]{3,120})`)

	verbTags = []struct {
		verb string
		tag  string
	}{
		{"creat", "created"},
		{"wrote", "created"},
		{"writ", "created"},
		{"add", "created"},
		{"modif", "modified"},
		{"edit", "modified"},
		{"updat", "modified"},
		{"chang", "modified"},
		{"delet", "deleted"},
		{"remov", "deleted"},
		{"read", "read"},
		{"open", "read"},
	}
)

type structured struct {
	artifacts   []string // "path (tag)"
	decisions   []string
	breadcrumbs []string
}

// mineStructured extracts artifacts, decisions and recent breadcrumbs from
// the compressed prefix.
func mineStructured(msgs []translate.Message) structured {
	var s structured
	seenArtifact := make(map[string]bool)
	seenDecision := make(map[string]bool)

	for _, m := range msgs {
		lower := strings.ToLower(m.Text)
		for _, match := range pathRe.FindAllStringSubmatch(m.Text, -1) {
			path := match[1]
			if seenArtifact[path] {
				continue
			}
			seenArtifact[path] = true
			s.artifacts = append(s.artifacts, fmt.Sprintf("%s (%s)", path, tagFor(lower)))
		}
		for _, match := range decisionRe.FindAllStringSubmatch(m.Text, -1) {
			d := strings.TrimSpace(match[1])
			if seenDecision[d] || len(s.decisions) >= maxDecisions {
				continue
			}
			seenDecision[d] = true
			s.decisions = append(s.decisions, d)
		}
	}

	start := len(msgs) - maxBreadcrumbs
	if start < 0 {
		start = 0
	}
	for _, m := range msgs[start:] {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		if len(text) > maxBreadcrumbChars {
			text = text[:maxBreadcrumbChars] + "…"
		}
		s.breadcrumbs = append(s.breadcrumbs, fmt.Sprintf("%s: %s", m.Role, text))
	}
	return s
}

// tagFor picks the artifact tag from the nearest action verb in the text.
func tagFor(lower string) string {
	bestTag := "read"
	bestPos := len(lower)
	for _, vt := range verbTags {
		if p := strings.Index(lower, vt.verb); p >= 0 && p < bestPos {
			bestPos = p
			bestTag = vt.tag
		}
	}
	return bestTag
}

// assembleSummary joins batch summaries and mined structure into the final
// Markdown document.
func assembleSummary(summaries []string, s structured) string {
	var b strings.Builder

	b.WriteString("## Session Intent\n")
	if len(summaries) > 0 && summaries[0] != "" {
		b.WriteString(firstSentence(summaries[0]))
	}
	b.WriteString("\n\n## Play-by-Play\n")
	for _, sum := range summaries {
		if sum == "" {
			continue
		}
		b.WriteString(sum)
		b.WriteString("\n")
	}

	if len(s.artifacts) > 0 {
		b.WriteString("\n## Artifacts\n")
		for _, a := range s.artifacts {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if len(s.decisions) > 0 {
		b.WriteString("\n## Decisions\n")
		for _, d := range s.decisions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(s.breadcrumbs) > 0 {
		b.WriteString("\n## Recent Context\n")
		for _, c := range s.breadcrumbs {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return strings.TrimSpace(b.String())
}

func firstSentence(s string) string {
	for i, r := range s {
		if r == '.' || r == '\n' {
			return s[:i+1]
		}
	}
	return s
}
