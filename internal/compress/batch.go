package compress

import "github.com/nulpointcorp/kirogate/internal/translate"

// splitBatches cuts the prefix into summarization batches of at most
// maxBatchMessages messages and maxBatchChars characters, never separating an
// assistant tool use from the message carrying its result.
func splitBatches(msgs []translate.Message) [][]translate.Message {
	var batches [][]translate.Message
	var cur []translate.Message
	chars := 0

	flush := func() {
		if len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
			chars = 0
		}
	}

	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		cur = append(cur, m)
		chars += len(m.Text)

		// A message with tool uses must stay with its follower carrying the
		// results.
		if len(m.ToolUses) > 0 && i+1 < len(msgs) && answers(msgs[i+1], m) {
			continue
		}
		if len(cur) >= maxBatchMessages || chars >= maxBatchChars {
			flush()
		}
	}
	flush()
	return batches
}

func answers(next translate.Message, prev translate.Message) bool {
	ids := make(map[string]bool, len(prev.ToolUses))
	for _, tu := range prev.ToolUses {
		ids[tu.ID] = true
	}
	for _, tr := range next.ToolResults {
		if ids[tr.ID] {
			return true
		}
	}
	return false
}
