package selector

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkFilter strips <think>...</think> spans from a streamed reply.
//
// Reasoning models emit their scratchpad inline, and with streaming a
// delimiter can arrive split across chunk boundaries ("<th" in one
// delta, "ink>" in the next). The filter holds back any trailing bytes
// that could be the start of a delimiter and releases them once the
// next chunk settles the question. Feed never emits think content;
// Flush returns whatever held-back bytes turned out to be real text.
type ThinkFilter struct {
	inThink bool
	carry   string
}

// NewThinkFilter returns a filter ready for the first chunk.
func NewThinkFilter() *ThinkFilter {
	return &ThinkFilter{}
}

// Feed consumes one chunk and returns the visible text it unlocked.
func (f *ThinkFilter) Feed(chunk string) string {
	if chunk == "" {
		return ""
	}
	s := f.carry + chunk
	f.carry = ""

	var out strings.Builder
	for s != "" {
		if f.inThink {
			i := strings.Index(s, thinkClose)
			if i < 0 {
				// Discard the think content but keep a potential
				// partial closer for the next chunk.
				f.carry = s[len(s)-partialDelim(s, thinkClose):]
				return out.String()
			}
			s = s[i+len(thinkClose):]
			f.inThink = false
			continue
		}

		i := strings.Index(s, thinkOpen)
		if i < 0 {
			hold := partialDelim(s, thinkOpen)
			out.WriteString(s[:len(s)-hold])
			f.carry = s[len(s)-hold:]
			return out.String()
		}
		out.WriteString(s[:i])
		s = s[i+len(thinkOpen):]
		f.inThink = true
	}
	return out.String()
}

// Flush ends the stream. Held-back text that never became a delimiter
// is returned; an unterminated think block is dropped.
func (f *ThinkFilter) Flush() string {
	carry := f.carry
	f.carry = ""
	if f.inThink {
		return ""
	}
	return carry
}

// partialDelim reports the longest strict prefix of delim that s ends
// with, so a suffix like "<th" is held rather than emitted.
func partialDelim(s, delim string) int {
	max := len(delim) - 1
	if len(s) < max {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(s, delim[:k]) {
			return k
		}
	}
	return 0
}

// StripThinkBlocks removes think spans from a complete string.
func StripThinkBlocks(s string) string {
	if !strings.Contains(s, "<think") && !strings.Contains(s, "</think") {
		return s
	}
	f := NewThinkFilter()
	return f.Feed(s) + f.Flush()
}
