// Package rewrite repairs retrieval accuracy for short elliptical
// follow-ups. A one-word answer like "네" or "남자" carries no searchable
// meaning on its own; grounded in the recent turns it becomes a
// self-contained query the index can work with. Anything long enough to
// stand alone passes through untouched, as does everything when no prior
// turn exists.
package rewrite

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"routenerd/internal/config"
	"routenerd/internal/logging"
)

// Generator produces a short completion. Satisfied by the selector's LLM
// client.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Turn is one completed exchange of the current conversation.
type Turn struct {
	User      string
	Assistant string
}

// meaningfulTokens are the ultra-short inputs worth rewriting: yes/no
// answers and gender markers given in response to a question the
// assistant asked. Any other one-or-two-rune input is noise and passes
// through unchanged rather than burning a generator call.
var meaningfulTokens = map[string]struct{}{
	"네": {}, "예": {}, "응": {}, "아니": {},
	"M": {}, "F": {}, "남": {}, "여": {},
}

// Rewriter conditionally rewrites follow-up inputs.
type Rewriter struct {
	cfg config.RewriteConfig
	gen Generator
}

// New creates a rewriter backed by the given generator.
func New(cfg config.RewriteConfig, gen Generator) *Rewriter {
	return &Rewriter{cfg: cfg, gen: gen}
}

// MaybeRewrite returns the text to route on and whether it was
// rewritten. It never fails a turn: on any generator problem the
// original text is returned.
func (r *Rewriter) MaybeRewrite(ctx context.Context, text string, turns []Turn) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(turns) == 0 {
		return text, false
	}

	runes := utf8.RuneCountInString(trimmed)
	if runes >= r.cfg.MaxRunes {
		return text, false
	}
	if runes <= 2 {
		if _, ok := meaningfulTokens[strings.ToUpper(trimmed)]; !ok {
			logging.RewriteDebug("Skipping rewrite of %q: not a meaningful short token", trimmed)
			return text, false
		}
	}

	timer := logging.StartTimer(logging.CategoryRewrite, "MaybeRewrite")
	defer timer.Stop()

	reply, err := r.gen.Generate(ctx, r.buildPrompt(trimmed, turns))
	if err != nil {
		logging.RewriteDebug("Generator failed, passing input through: %v", err)
		return text, false
	}

	rewritten := cleanReply(reply)
	if rewritten == "" || rewritten == trimmed {
		return text, false
	}

	logging.Rewrite("Rewrote %q -> %q", trimmed, rewritten)
	return rewritten, true
}

// buildPrompt grounds the last input in the most recent turns, newest
// last, bounded by the configured context window.
func (r *Rewriter) buildPrompt(input string, turns []Turn) string {
	window := r.cfg.ContextTurns
	if window <= 0 {
		window = 4
	}
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	var b strings.Builder
	b.WriteString("최근 대화를 참고하여 사용자의 마지막 입력을 하나의 독립적인 질문으로 바꿔 쓰세요.\n\n대화:\n")
	for _, t := range turns {
		if t.User != "" {
			fmt.Fprintf(&b, "사용자: %s\n", t.User)
		}
		if t.Assistant != "" {
			fmt.Fprintf(&b, "상담원: %s\n", t.Assistant)
		}
	}
	fmt.Fprintf(&b, "\n마지막 입력: %q\n\n", input)
	b.WriteString("규칙: 대화의 주제를 유지하고, 설명 없이 완성된 질문 한 문장만 출력하세요.")
	return b.String()
}

// cleanReply reduces a generator reply to the bare rewritten query:
// first line only, surrounding quotes removed.
func cleanReply(reply string) string {
	s := strings.TrimSpace(reply)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.Trim(s, `"'“”`)
	return strings.TrimSpace(s)
}
