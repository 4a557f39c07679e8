package translate

// Filler text injected to satisfy the upstream turn grammar.
const (
	fillerUser          = "Continue"
	fillerAssistant     = "understood"
	fillerAssistantText = "I understand."
)

// Sanitize rewrites a turn list into the shape the upstream accepts: begins
// with a user turn, strictly alternates user/assistant, every tool use is
// answered by a tool result (or sits on the final assistant turn), no orphan
// tool results, no empty content. Sanitizing an already-clean list returns it
// unchanged in meaning; re-running is the identity.
func Sanitize(msgs []Message) []Message {
	msgs = dropEmptyTurns(msgs)
	msgs = dedupToolResults(msgs)
	msgs = stripOrphanToolResults(msgs)
	msgs = stripOrphanToolUses(msgs)
	msgs = enforceAlternation(msgs)
	msgs = fillEmptyContent(msgs)
	return msgs
}

// StripToolExchanges removes every tool use and tool result from the list and
// re-sanitizes. Used as the aggressive retry path after an unexplained 400.
func StripToolExchanges(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		m.ToolUses = nil
		m.ToolResults = nil
		if m.Text == "" && len(m.Images) == 0 {
			continue
		}
		out = append(out, m)
	}
	return Sanitize(out)
}

func dropEmptyTurns(msgs []Message) []Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		if m.Text == "" && len(m.ToolUses) == 0 && len(m.ToolResults) == 0 && len(m.Images) == 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// dedupToolResults keeps the first result for each tool-use id.
func dedupToolResults(msgs []Message) []Message {
	seen := make(map[string]bool)
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if len(m.ToolResults) > 0 {
			kept := m.ToolResults[:0:0]
			for _, tr := range m.ToolResults {
				if seen[tr.ID] {
					continue
				}
				seen[tr.ID] = true
				kept = append(kept, tr)
			}
			m.ToolResults = kept
		}
		out = append(out, m)
	}
	return dropEmptyTurns(out)
}

// stripOrphanToolResults removes results whose tool use never appeared
// earlier in the list.
func stripOrphanToolResults(msgs []Message) []Message {
	used := make(map[string]bool)
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		for _, tu := range m.ToolUses {
			used[tu.ID] = true
		}
		if len(m.ToolResults) > 0 {
			kept := m.ToolResults[:0:0]
			for _, tr := range m.ToolResults {
				if used[tr.ID] {
					kept = append(kept, tr)
				}
			}
			m.ToolResults = kept
		}
		out = append(out, m)
	}
	return dropEmptyTurns(out)
}

// stripOrphanToolUses removes tool uses that no later result answers, except
// on the last assistant turn where the caller is still expected to respond.
func stripOrphanToolUses(msgs []Message) []Message {
	answered := make(map[string]bool)
	lastAssistant := -1
	for i, m := range msgs {
		for _, tr := range m.ToolResults {
			answered[tr.ID] = true
		}
		if m.Role == RoleAssistant {
			lastAssistant = i
		}
	}
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if len(m.ToolUses) > 0 && i != lastAssistant {
			kept := m.ToolUses[:0:0]
			for _, tu := range m.ToolUses {
				if answered[tu.ID] {
					kept = append(kept, tu)
				}
			}
			m.ToolUses = kept
		}
		out = append(out, m)
	}
	return dropEmptyTurns(out)
}

func enforceAlternation(msgs []Message) []Message {
	if len(msgs) == 0 {
		return msgs
	}
	out := make([]Message, 0, len(msgs)+2)
	if msgs[0].Role == RoleAssistant {
		out = append(out, Message{Role: RoleUser, Text: fillerUser})
	}
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			switch m.Role {
			case RoleUser:
				out = append(out, Message{Role: RoleAssistant, Text: fillerAssistant})
			case RoleAssistant:
				out = append(out, Message{Role: RoleUser, Text: fillerUser})
			}
		}
		out = append(out, m)
	}
	return out
}

func fillEmptyContent(msgs []Message) []Message {
	for i := range msgs {
		if msgs[i].Text != "" {
			continue
		}
		switch {
		case msgs[i].Role == RoleAssistant && len(msgs[i].ToolUses) > 0:
			msgs[i].Text = " "
		case msgs[i].Role == RoleAssistant:
			msgs[i].Text = fillerAssistantText
		case len(msgs[i].ToolResults) == 0 && len(msgs[i].Images) == 0:
			msgs[i].Text = fillerUser
		}
	}
	return msgs
}
