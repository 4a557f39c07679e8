package compress

import "github.com/nulpointcorp/kirogate/internal/translate"

// toolLookback is how far before the keep window the boundary search may
// start, to find a cut that does not split a tool exchange.
const toolLookback = 10

// selectBoundary returns the index of the first preserved message. The cut
// never lands between an assistant tool use and its matching user tool
// result; in that case it moves past the result.
func selectBoundary(msgs []translate.Message, keep int) int {
	if len(msgs) <= keep {
		return 0
	}
	target := len(msgs) - keep
	start := target - toolLookback
	if start < 0 {
		start = 0
	}

	best := 0
	for cut := start; cut <= target; cut++ {
		if safeCut(msgs, cut) {
			best = cut
		}
	}
	if best > 0 {
		return best
	}

	// No safe cut at or before the target; move forward past the open
	// exchange.
	for cut := target + 1; cut < len(msgs); cut++ {
		if safeCut(msgs, cut) {
			return cut
		}
	}
	return 0
}

// safeCut reports whether cutting before index cut leaves no tool use in the
// compressed part whose result lands in the preserved part.
func safeCut(msgs []translate.Message, cut int) bool {
	open := make(map[string]bool)
	for _, m := range msgs[:cut] {
		for _, tu := range m.ToolUses {
			open[tu.ID] = true
		}
		for _, tr := range m.ToolResults {
			delete(open, tr.ID)
		}
	}
	if len(open) == 0 {
		return true
	}
	for _, m := range msgs[cut:] {
		for _, tr := range m.ToolResults {
			if open[tr.ID] {
				return false
			}
		}
	}
	return true
}
