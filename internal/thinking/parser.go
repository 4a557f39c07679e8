// Package thinking separates <thinking>...</thinking> reasoning blocks from
// regular response text in a streaming-safe, single-pass fashion.
//
// The upstream interleaves reasoning with the final answer using literal tags
// inside the text stream. Chunk boundaries can fall anywhere — including the
// middle of a tag — so the parser holds back any trailing bytes that could be
// the start of a tag and re-examines them when the next chunk arrives.
package thinking

import "strings"

const (
	openTag  = "<thinking>"
	closeTag = "</thinking>"

	// maxThinkingChars force-exits a thinking block that never closes.
	maxThinkingChars = 100_000

	// fastPathThreshold enables the bulk-emit path for large in-block buffers.
	fastPathThreshold = 256
)

// quoteChars mark a tag as quoted content rather than a real delimiter when
// they immediately precede it.
const quoteChars = "`\"'“”‘’「」『』【】"

// Segment is a contiguous run of either thinking or plain text.
type Segment struct {
	Thinking bool
	Text     string
}

// Parser is the incremental tag parser. The zero value is ready to use.
// It is not safe for concurrent use; each request owns one parser.
type Parser struct {
	buf        strings.Builder
	inThinking bool

	// prev is the last rune emitted or consumed, used for the quoted-tag
	// check when a candidate tag sits at the start of the buffer.
	prev rune

	// stripNewlines swallows the newline run after a confirmed close tag,
	// which may continue across chunk boundaries.
	stripNewlines bool

	thinkingChars int
	overflowed    bool
}

// InThinking reports whether the parser is currently inside a thinking block.
func (p *Parser) InThinking() bool { return p.inThinking }

// Overflowed reports whether the overflow guard force-closed a block.
func (p *Parser) Overflowed() bool { return p.overflowed }

// Push feeds one chunk and returns the segments that became unambiguous.
func (p *Parser) Push(chunk string) []Segment {
	if chunk == "" {
		return nil
	}
	p.buf.WriteString(chunk)
	return p.drain(false)
}

// Flush terminates the stream: held-back bytes are resolved, and an unclosed
// thinking block is closed at the buffer end (a close tag at flush time is
// real even without a trailing blank line).
func (p *Parser) Flush() []Segment {
	segs := p.drain(true)

	rest := p.buf.String()
	p.buf.Reset()
	if rest == "" {
		return segs
	}

	if p.inThinking {
		// A close tag that was still waiting for its \n\n confirmation is
		// honored at flush time.
		if idx := strings.Index(rest, closeTag); idx >= 0 {
			if idx > 0 {
				segs = p.emit(segs, Segment{Thinking: true, Text: rest[:idx]})
			}
			after := strings.TrimLeft(rest[idx+len(closeTag):], "\n")
			p.inThinking = false
			if after != "" {
				segs = p.emit(segs, Segment{Thinking: false, Text: after})
			}
		} else {
			segs = p.emit(segs, Segment{Thinking: true, Text: rest})
		}
	} else {
		segs = p.emit(segs, Segment{Thinking: false, Text: rest})
	}

	return segs
}

// drain consumes as much of the buffer as can be classified unambiguously.
func (p *Parser) drain(flushing bool) []Segment {
	var segs []Segment

	for {
		buf := p.buf.String()
		if buf == "" {
			return segs
		}

		if p.stripNewlines {
			trimmed := strings.TrimLeft(buf, "\n")
			if trimmed != buf {
				p.setBuf(trimmed)
				buf = trimmed
			}
			if buf == "" {
				return segs
			}
			p.stripNewlines = false
		}

		if !p.inThinking {
			seg, progress := p.scanText(buf, flushing)
			if seg != nil {
				segs = p.emit(segs, *seg)
			}
			if !progress {
				return segs
			}
			continue
		}

		seg, progress := p.scanThinking(buf, flushing)
		if seg != nil {
			segs = p.emit(segs, *seg)
		}
		if !progress {
			return segs
		}
	}
}

// scanText looks for a real open tag. It returns the text segment that can be
// emitted (if any) and whether the buffer advanced.
func (p *Parser) scanText(buf string, flushing bool) (*Segment, bool) {
	search := 0
	for {
		idx := strings.Index(buf[search:], openTag)
		if idx < 0 {
			break
		}
		idx += search

		if p.quotedAt(buf, idx) {
			search = idx + 1
			continue
		}

		// Real open tag: text before it is plain, tag is consumed.
		p.setBuf(buf[idx+len(openTag):])
		p.inThinking = true
		p.prev = '>'
		if idx > 0 {
			return &Segment{Thinking: false, Text: buf[:idx]}, true
		}
		return nil, true
	}

	// No tag. Hold back a trailing strict prefix of the open tag unless the
	// stream is over.
	hold := 0
	if !flushing {
		hold = trailingPrefixLen(buf, openTag)
	}
	if hold >= len(buf) {
		return nil, false
	}
	p.setBuf(buf[len(buf)-hold:])
	return &Segment{Thinking: false, Text: buf[:len(buf)-hold]}, false
}

// scanThinking looks for a real close tag (one followed by a blank line).
func (p *Parser) scanThinking(buf string, flushing bool) (*Segment, bool) {
	if p.thinkingChars > maxThinkingChars {
		// Runaway block with no close in sight: force-exit and treat the
		// rest of the stream as plain text.
		p.overflowed = true
		p.inThinking = false
		return nil, true
	}

	search := 0
	for {
		idx := strings.Index(buf[search:], closeTag)
		if idx < 0 {
			break
		}
		idx += search

		if p.quotedAt(buf, idx) {
			search = idx + 1
			continue
		}

		after := buf[idx+len(closeTag):]
		switch {
		case len(after) >= 2:
			if after[0] == '\n' && after[1] == '\n' {
				// Confirmed close.
				p.setBuf(strings.TrimLeft(after, "\n"))
				p.inThinking = false
				p.stripNewlines = true
				p.prev = '\n'
				if idx > 0 {
					return &Segment{Thinking: true, Text: buf[:idx]}, true
				}
				return nil, true
			}
			// Fake close tag embedded in thinking content.
			search = idx + 1
			continue
		case len(after) == 1 && after[0] != '\n':
			search = idx + 1
			continue
		default:
			// Tag at (or one newline short of) the buffer edge: emit what
			// precedes it and wait for confirmation.
			if flushing {
				return nil, false // resolved by Flush
			}
			if idx > 0 {
				p.setBuf(buf[idx:])
				return &Segment{Thinking: true, Text: buf[:idx]}, false
			}
			return nil, false
		}
	}

	if flushing {
		return nil, false
	}

	// Fast path: large buffer with no possible close-tag start in the safe
	// region is emitted wholesale.
	if len(buf) > fastPathThreshold {
		safe := len(buf) - len(closeTag) - 1
		if safe > 0 && !strings.Contains(buf[:safe], "</") {
			p.setBuf(buf[safe:])
			return &Segment{Thinking: true, Text: buf[:safe]}, false
		}
	}

	// Hold back a trailing strict prefix of "</thinking>\n\n".
	hold := trailingPrefixLen(buf, closeTag+"\n\n")
	if hold >= len(buf) {
		return nil, false
	}
	p.setBuf(buf[len(buf)-hold:])
	return &Segment{Thinking: true, Text: buf[:len(buf)-hold]}, false
}

// quotedAt reports whether a tag candidate at idx is preceded by a quote
// character, making it quoted content rather than a delimiter.
func (p *Parser) quotedAt(buf string, idx int) bool {
	if idx == 0 {
		return strings.ContainsRune(quoteChars, p.prev)
	}
	r := rune(buf[idx-1])
	if r < 0x80 {
		return strings.ContainsRune(quoteChars, r)
	}
	// Multi-byte predecessor: decode the rune ending at idx.
	for _, q := range quoteChars {
		qs := string(q)
		if idx >= len(qs) && buf[idx-len(qs):idx] == qs {
			return true
		}
	}
	return false
}

func (p *Parser) setBuf(s string) {
	p.buf.Reset()
	p.buf.WriteString(s)
}

func (p *Parser) emit(segs []Segment, s Segment) []Segment {
	if s.Text == "" {
		return segs
	}
	if s.Thinking {
		p.thinkingChars += len(s.Text)
	}
	r := []rune(s.Text)
	p.prev = r[len(r)-1]
	return append(segs, s)
}

// trailingPrefixLen returns the length of the longest suffix of buf that is a
// strict prefix of tag.
func trailingPrefixLen(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, buf[len(buf)-n:]) {
			return n
		}
	}
	return 0
}
