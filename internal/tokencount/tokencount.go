// Package tokencount estimates token usage for text the upstream did not
// meter. The heuristic splits input into CJK and non-CJK runs and prices them
// separately; it is only consulted when the upstream reports zero output
// tokens, so a rough estimate beats a hard dependency on a tokenizer model.
package tokencount

import (
	"math"
	"strings"
	"unicode"
)

// Estimate returns the approximate token count for text.
//
// CJK characters count ≈ 1.2 tokens each; non-CJK characters embedded in a
// CJK run add 0.5 each. Outside CJK runs, whitespace-split words count 1
// token when ≤ 4 chars and ceil(len/3.5) otherwise, plus 0.5 per whitespace
// gap. Non-empty input is always at least 1 token.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	var total float64
	runes := []rune(text)

	i := 0
	for i < len(runes) {
		if isCJK(runes[i]) {
			// Consume a CJK segment: CJK chars plus any non-CJK chars that
			// appear before the segment ends (punctuation, digits, latin
			// embedded in CJK prose).
			j := i
			cjk, other := 0, 0
			for j < len(runes) && !unicode.IsSpace(runes[j]) {
				if isCJK(runes[j]) {
					cjk++
				} else {
					other++
				}
				j++
			}
			total += float64(cjk)*1.2 + float64(other)*0.5
			i = j
			continue
		}

		// Consume a non-CJK segment up to the next CJK rune.
		j := i
		for j < len(runes) && !isCJK(runes[j]) {
			j++
		}
		total += estimateLatin(string(runes[i:j]))
		i = j
	}

	n := int(math.Ceil(total))
	if n < 1 {
		n = 1
	}
	return n
}

func estimateLatin(segment string) float64 {
	var total float64

	words := strings.Fields(segment)
	for _, w := range words {
		if len(w) <= 4 {
			total++
		} else {
			total += math.Ceil(float64(len(w)) / 3.5)
		}
	}

	spaces := 0
	for _, r := range segment {
		if unicode.IsSpace(r) {
			spaces++
		}
	}
	total += float64(spaces) * 0.5

	return total
}

// isCJK reports whether r falls in the common CJK unicode blocks.
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK Extension A
		return true
	case r >= 0x3040 && r <= 0x30FF: // Hiragana + Katakana
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // Hangul Syllables
		return true
	case r >= 0xF900 && r <= 0xFAFF: // CJK Compatibility Ideographs
		return true
	}
	return false
}
