// Package selector turns an admitted query plus retrieved candidates
// into a routing decision: invoke actions, answer directly, ask the
// user for a missing value, or decline.
//
// The decision is produced by a chat-completions model. Candidates are
// presented with their purpose, parameters and disambiguation notes;
// the model answers with a single JSON object which is parsed into a
// Decision. Replies that carry no JSON are treated as a direct answer
// rather than an error, the output gate still validates them.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"routenerd/internal/catalog"
	"routenerd/internal/logging"
)

// DecisionKind discriminates the selector's verdict.
type DecisionKind string

const (
	// DecideInvoke asks the pipeline to execute one or more actions.
	DecideInvoke DecisionKind = "invoke"
	// DecideRespond carries the final answer text for this turn.
	DecideRespond DecisionKind = "respond"
	// DecideClarify asks the user for a value the actions still need.
	DecideClarify DecisionKind = "clarify"
	// DecideDecline refuses the request: the candidates exist but none
	// of them fit, and answering without one would be a guess.
	DecideDecline DecisionKind = "decline"
)

// ActionCall names one action to execute and its arguments.
type ActionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Decision is the selector's verdict for one iteration of a turn.
// Exactly one of Calls, Text, Question or Reason is meaningful,
// according to Kind.
type Decision struct {
	Kind     DecisionKind
	Calls    []ActionCall
	Text     string
	Question string
	Reason   string
}

// Candidate pairs a retrieved action with its similarity score.
type Candidate struct {
	Action *catalog.ActionDescriptor
	Score  float64
}

// StepResult reports one executed action back to the selector so it
// can compose the final answer or decide the next step.
type StepResult struct {
	Name    string
	Output  string
	Missing []string // parameters the action reported absent
}

// Turn is one prior user/assistant exchange.
type Turn struct {
	User      string
	Assistant string
}

// Selector makes the routing decision for a turn.
type Selector interface {
	Select(ctx context.Context, query string, candidates []Candidate, results []StepResult, history []Turn) (Decision, error)

	// Generate runs a free-form prompt through the same model. The
	// context rewriter uses this to reformulate follow-ups.
	Generate(ctx context.Context, prompt string) (string, error)
}

const selectSystemPrompt = `당신은 보험 상담 서비스의 라우팅 판단기입니다. 사용자 요청과 후보 액션 목록을 보고 다음 중 하나를 JSON 객체 하나로만 출력하세요.

{"decision": "invoke", "calls": [{"name": "액션이름", "args": {"파라미터": "값"}}]}
{"decision": "respond", "text": "사용자에게 보낼 최종 답변"}
{"decision": "clarify", "question": "사용자에게 물어볼 질문 한 문장"}
{"decision": "decline", "reason": "처리할 수 없는 이유"}

규칙:
- 후보 목록에 있는 액션만 호출할 수 있습니다.
- 필수 파라미터의 값을 모르면 추측해서 호출하지 말고 clarify로 물어보세요.
- "추가 입력 필요"로 끝난 액션은 같은 값으로든 추측한 값으로든 다시 호출하지 말고 clarify 하세요.
- 실행 결과가 이미 있으면 그 내용으로 respond 하세요. 결과에 없는 수치를 만들어내지 마세요.
- 어떤 후보도 요청과 맞지 않으면 decline 하세요.
- JSON 외의 설명은 출력하지 마세요.`

// LLMSelector drives an OpenAI-compatible model for decisions.
type LLMSelector struct {
	client *Client
}

// NewLLMSelector wraps a chat-completions client.
func NewLLMSelector(client *Client) *LLMSelector {
	return &LLMSelector{client: client}
}

// Select presents the candidates to the model and parses its decision.
func (s *LLMSelector) Select(ctx context.Context, query string, candidates []Candidate, results []StepResult, history []Turn) (Decision, error) {
	prompt := buildSelectPrompt(query, candidates, results, history)
	raw, err := s.client.CompleteWithSystem(ctx, selectSystemPrompt, prompt)
	if err != nil {
		return Decision{}, err
	}

	decision, err := ParseDecision(raw)
	if err != nil {
		return Decision{}, err
	}
	logging.Selector("Decision: %s (%s)", decision.Kind, summarize(decision))
	return decision, nil
}

// Generate runs a free-form prompt and strips any think blocks from
// the reply.
func (s *LLMSelector) Generate(ctx context.Context, prompt string) (string, error) {
	raw, err := s.client.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(StripThinkBlocks(raw)), nil
}

// buildSelectPrompt renders the user prompt for one selection round.
// Disambiguation notes ride along here as plain text, they are not
// part of the embedded index.
func buildSelectPrompt(query string, candidates []Candidate, results []StepResult, history []Turn) string {
	var b strings.Builder

	if len(history) > 0 {
		b.WriteString("최근 대화:\n")
		for _, t := range history {
			if t.User != "" {
				fmt.Fprintf(&b, "사용자: %s\n", t.User)
			}
			if t.Assistant != "" {
				fmt.Fprintf(&b, "상담원: %s\n", t.Assistant)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "사용자 요청: %s\n\n", query)

	if len(candidates) == 0 {
		b.WriteString("후보 액션: 없음\n")
	} else {
		b.WriteString("후보 액션:\n")
		for i, c := range candidates {
			fmt.Fprintf(&b, "%d. %s (유사도 %.2f)\n", i+1, c.Action.Name, c.Score)
			if c.Action.Purpose != "" {
				fmt.Fprintf(&b, "   용도: %s\n", c.Action.Purpose)
			}
			if len(c.Action.Params) > 0 {
				fmt.Fprintf(&b, "   파라미터: %s\n", formatParams(c.Action.Params))
			}
			for _, note := range c.Action.DisambiguationNotes {
				fmt.Fprintf(&b, "   참고: %s\n", note)
			}
		}
	}

	if len(results) > 0 {
		b.WriteString("\n실행 결과:\n")
		for _, r := range results {
			if len(r.Missing) > 0 {
				fmt.Fprintf(&b, "- %s: 추가 입력 필요 (%s)\n", r.Name, strings.Join(r.Missing, ", "))
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Output)
		}
	}

	return b.String()
}

func formatParams(params []catalog.ParamSpec) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		s := p.Name
		if p.Description != "" {
			s += "(" + p.Description
			if p.Required {
				s += ", 필수"
			}
			s += ")"
		} else if p.Required {
			s += "(필수)"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

type wireDecision struct {
	Decision string       `json:"decision"`
	Calls    []ActionCall `json:"calls"`
	Text     string       `json:"text"`
	Question string       `json:"question"`
	Reason   string       `json:"reason"`
}

// ParseDecision extracts the JSON decision from a model reply. Think
// blocks and code fences are tolerated. A reply with no JSON object at
// all becomes a respond decision carrying the reply verbatim.
func ParseDecision(raw string) (Decision, error) {
	cleaned := strings.TrimSpace(StripThinkBlocks(raw))
	if cleaned == "" {
		return Decision{}, fmt.Errorf("empty selector reply")
	}

	jsonStr := extractJSON(cleaned)
	if jsonStr == "" {
		logging.SelectorDebug("Reply carries no JSON, treating as direct answer (%d bytes)", len(cleaned))
		return Decision{Kind: DecideRespond, Text: cleaned}, nil
	}

	var w wireDecision
	if err := json.Unmarshal([]byte(jsonStr), &w); err != nil {
		return Decision{}, fmt.Errorf("failed to parse decision: %w", err)
	}

	switch DecisionKind(w.Decision) {
	case DecideInvoke:
		if len(w.Calls) == 0 {
			return Decision{}, fmt.Errorf("invoke decision without calls")
		}
		for _, c := range w.Calls {
			if strings.TrimSpace(c.Name) == "" {
				return Decision{}, fmt.Errorf("invoke decision with unnamed call")
			}
		}
		return Decision{Kind: DecideInvoke, Calls: w.Calls}, nil
	case DecideRespond:
		if strings.TrimSpace(w.Text) == "" {
			return Decision{}, fmt.Errorf("respond decision without text")
		}
		return Decision{Kind: DecideRespond, Text: w.Text}, nil
	case DecideClarify:
		if strings.TrimSpace(w.Question) == "" {
			return Decision{}, fmt.Errorf("clarify decision without question")
		}
		return Decision{Kind: DecideClarify, Question: w.Question}, nil
	case DecideDecline:
		return Decision{Kind: DecideDecline, Reason: w.Reason}, nil
	default:
		return Decision{}, fmt.Errorf("unknown decision %q", w.Decision)
	}
}

// extractJSON returns the first balanced JSON object in s, looking
// inside code fences first.
func extractJSON(s string) string {
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			if obj := balancedObject(rest[:j]); obj != "" {
				return obj
			}
		}
	}
	return balancedObject(s)
}

// balancedObject scans for the first {...} with balanced braces,
// ignoring braces inside JSON strings.
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func summarize(d Decision) string {
	switch d.Kind {
	case DecideInvoke:
		names := make([]string, 0, len(d.Calls))
		for _, c := range d.Calls {
			names = append(names, c.Name)
		}
		sort.Strings(names)
		return strings.Join(names, ", ")
	case DecideRespond:
		return fmt.Sprintf("%d bytes", len(d.Text))
	case DecideClarify:
		return d.Question
	case DecideDecline:
		return d.Reason
	default:
		return ""
	}
}
