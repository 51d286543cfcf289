// Package pipeline runs one conversation turn end to end: admission
// gate, context rewrite, retrieval, select/execute rounds, output gate.
//
// The pipeline fails closed. Every path ends in a user-safe answer;
// model output reaches the user only through the output gate, and a
// turn that cannot be salvaged gets a generic apology instead of raw
// text. A turn counts toward the conversation (follow-up admission,
// rewrite context) only after its answer cleared the output gate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"routenerd/internal/catalog"
	"routenerd/internal/config"
	"routenerd/internal/gate"
	"routenerd/internal/index"
	"routenerd/internal/logging"
	"routenerd/internal/registry"
	"routenerd/internal/rewrite"
	"routenerd/internal/selector"
)

const historyLimit = 8

// User-facing fallback messages. These are the only texts that bypass
// the output gate's Check; they contain nothing to sanitize.
const (
	msgRejected      = "죄송하지만 해당 요청은 도와드릴 수 없습니다. 보험 관련 문의를 도와드릴게요."
	msgRetrievalMiss = "죄송합니다. 요청하신 내용을 처리할 수 있는 기능을 찾지 못했습니다. 다른 방식으로 질문해 주시겠어요?"
	msgDeclined      = "죄송하지만 요청하신 내용은 제가 도와드릴 수 있는 범위를 벗어납니다."
	msgApology       = "죄송합니다. 일시적인 문제로 답변을 드리지 못했습니다. 잠시 후 다시 시도해 주세요."
	msgUndeliverable = "죄송합니다. 답변을 생성하는 과정에 문제가 있어 전달드리지 못했습니다."
	msgEmptyInput    = "무엇을 도와드릴까요?"
)

// Searcher retrieves candidate actions for a query. *index.Index
// satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]index.Candidate, error)
	Version() int64
}

// Turn is one completed user/assistant exchange.
type Turn struct {
	User      string
	Assistant string
}

// Result is what a turn produced. Answer is always safe to show; Err
// is set only for abnormal outcomes and wraps the package sentinels.
type Result struct {
	Answer  string
	Outcome Outcome
	Err     error
	Trace   *Trace
}

// Deps are the pipeline's collaborators. Searcher and Selector are
// interfaces because they sit in front of remote services; the rest
// are in-process.
type Deps struct {
	Gate     *gate.Gate
	Output   *gate.OutputGate
	Rewriter *rewrite.Rewriter
	Searcher Searcher
	Selector selector.Selector
	Registry *registry.Registry
}

// Pipeline holds one conversation. Turns are serialized; concurrent
// Process calls queue on the internal lock.
type Pipeline struct {
	cfg         config.PipelineConfig
	turnTimeout time.Duration

	gate     *gate.Gate
	output   *gate.OutputGate
	rewriter *rewrite.Rewriter
	searcher Searcher
	selector selector.Selector
	reg      *registry.Registry

	mu                  sync.Mutex
	history             []Turn
	conversationStarted bool
}

// New assembles a pipeline.
func New(cfg config.PipelineConfig, deps Deps) *Pipeline {
	timeout := 120 * time.Second
	if cfg.TurnTimeout != "" {
		if d, err := time.ParseDuration(cfg.TurnTimeout); err == nil {
			timeout = d
		}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 30
	}
	return &Pipeline{
		cfg:         cfg,
		turnTimeout: timeout,
		gate:        deps.Gate,
		output:      deps.Output,
		rewriter:    deps.Rewriter,
		searcher:    deps.Searcher,
		selector:    deps.Selector,
		reg:         deps.Registry,
	}
}

// Reset clears the conversation state.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
	p.conversationStarted = false
}

// Process runs one turn. It never returns nil and always produces a
// user-safe answer.
func (p *Pipeline) Process(ctx context.Context, userText string) *Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.turnTimeout)
	defer cancel()

	timer := logging.StartTimer(logging.CategoryPipeline, "Turn")
	defer timer.Stop()

	followUp := p.conversationStarted
	trace := newTrace(userText, followUp)
	trace.RegistryVersion = p.reg.Version()
	trace.IndexVersion = p.searcher.Version()

	if strings.TrimSpace(userText) == "" {
		trace.Outcome = OutcomeNeedsUserInput
		trace.Duration = time.Since(trace.StartedAt)
		return &Result{Answer: msgEmptyInput, Outcome: OutcomeNeedsUserInput, Trace: trace}
	}

	// GATE_IN
	dec, err := p.gate.Admit(ctx, userText, followUp)
	if err != nil {
		return p.failClosed(trace, OutcomeCollaboratorUnavailable,
			fmt.Errorf("%w: admission gate: %v", ErrCollaboratorUnavailable, err), msgApology)
	}
	trace.GateLayer, trace.GateReason, trace.GatePattern = dec.Layer, dec.Reason, dec.Pattern
	if !dec.Admitted {
		trace.Outcome = OutcomeRejectedByGate
		trace.Duration = time.Since(trace.StartedAt)
		logging.Pipeline("Turn %s: rejected by %s layer (%s)", shortID(trace.ID), dec.Layer, dec.Reason)
		return &Result{Answer: msgRejected, Outcome: OutcomeRejectedByGate, Trace: trace}
	}

	// REWRITE
	effective, rewritten := p.rewriter.MaybeRewrite(ctx, userText, p.rewriteHistory())
	trace.Effective = effective
	trace.Rewritten = rewritten

	// SELECT_EXEC
	found, err := p.searcher.Search(ctx, effective, 0)
	if err != nil {
		return p.failClosed(trace, OutcomeCollaboratorUnavailable,
			fmt.Errorf("%w: candidate search: %v", ErrCollaboratorUnavailable, err), msgApology)
	}
	if len(found) == 0 {
		logging.Pipeline("Turn %s: no candidates for %q", shortID(trace.ID), effective)
		return p.finalize(ctx, trace, msgRetrievalMiss, OutcomeRetrievalMiss, nil, false)
	}

	candidates := make([]selector.Candidate, len(found))
	for i, c := range found {
		candidates[i] = selector.Candidate{Action: c.Action, Score: c.Score}
		trace.Candidates = append(trace.Candidates, CandidateRef{Name: c.Action.Name, Score: c.Score})
	}

	var (
		results     []selector.StepResult
		disclaimers []string
		askedFor    = map[string][]string{}
	)

	for iter := 1; iter <= p.cfg.MaxIterations; iter++ {
		trace.Iterations = iter

		decn, err := p.selector.Select(ctx, effective, candidates, results, p.selectorHistory())
		if err != nil {
			return p.failClosed(trace, OutcomeCollaboratorUnavailable,
				fmt.Errorf("%w: selector: %v", ErrCollaboratorUnavailable, err), msgApology)
		}

		switch decn.Kind {
		case selector.DecideRespond:
			return p.finalize(ctx, trace, decn.Text, OutcomeAnswered, disclaimers, true)

		case selector.DecideClarify:
			return p.finalize(ctx, trace, decn.Question, OutcomeNeedsUserInput, disclaimers, true)

		case selector.DecideDecline:
			logging.Pipeline("Turn %s: selector declined (%s)", shortID(trace.ID), decn.Reason)
			return p.finalize(ctx, trace, msgDeclined, OutcomeDeclined, nil, false)

		case selector.DecideInvoke:
			for _, call := range decn.Calls {
				// An action that asked for input this turn must not run
				// again on guessed values; the user answers first.
				if missing, asked := askedFor[call.Name]; asked {
					logging.Pipeline("Turn %s: blocked re-invocation of %s pending user input", shortID(trace.ID), call.Name)
					question := p.missingQuestion(call.Name, missing)
					return p.finalize(ctx, trace, question, OutcomeNeedsUserInput, disclaimers, false)
				}

				stepStart := time.Now()
				res, err := p.reg.Execute(ctx, call.Name, call.Args)
				step := Step{Action: call.Name, Duration: time.Since(stepStart)}

				if err != nil {
					if errors.Is(err, registry.ErrActionNotFound) {
						trace.Steps = append(trace.Steps, Step{Action: call.Name, Error: err.Error()})
						return p.failClosed(trace, OutcomeRegistryInconsistency,
							fmt.Errorf("invoked action not in registry: %w", err), msgApology)
					}
					step.Error = err.Error()
					trace.Steps = append(trace.Steps, step)
					results = append(results, selector.StepResult{Name: call.Name, Output: "오류: " + err.Error()})
					continue
				}

				if res.NeedsInput() {
					step.NeedsInput = true
					trace.Steps = append(trace.Steps, step)
					askedFor[call.Name] = res.Missing
					results = append(results, selector.StepResult{Name: call.Name, Missing: res.Missing})
					continue
				}

				trace.Steps = append(trace.Steps, step)
				results = append(results, selector.StepResult{Name: call.Name, Output: res.Output})
				if a, ok := p.reg.Get(call.Name); ok && a.Descriptor.Disclaimer != "" {
					disclaimers = append(disclaimers, a.Descriptor.Disclaimer)
				}
			}
		}
	}

	return p.failClosed(trace, OutcomeIterationLimit, ErrIterationLimitExceeded, msgApology)
}

// finalize is GATE_OUT. Model-produced text gets one repair attempt on
// a violation, then the turn fails closed. Passing turns join the
// conversation history.
func (p *Pipeline) finalize(ctx context.Context, trace *Trace, answer string, outcome Outcome, disclaimers []string, modelProduced bool) *Result {
	if modelProduced {
		verdict := p.output.Check(answer)
		if !verdict.OK {
			trace.OutputRetried = true
			trace.Violations = verdict.Violations

			repaired, err := p.selector.Generate(ctx, repairPrompt(answer, verdict.Hint))
			if err != nil || strings.TrimSpace(repaired) == "" {
				return p.failClosed(trace, OutcomeOutputViolation, ErrOutputPolicyViolation, msgUndeliverable)
			}
			second := p.output.Check(repaired)
			if !second.OK {
				trace.Violations = append(trace.Violations, second.Violations...)
				return p.failClosed(trace, OutcomeOutputViolation, ErrOutputPolicyViolation, msgUndeliverable)
			}
			logging.Pipeline("Turn %s: output repaired (%v)", shortID(trace.ID), verdict.Violations)
			answer = repaired
		}
	}

	answer = p.output.Sanitize(answer)
	answer = gate.AppendDisclaimers(answer, disclaimers)

	p.history = append(p.history, Turn{User: trace.Original, Assistant: answer})
	if len(p.history) > historyLimit {
		p.history = p.history[len(p.history)-historyLimit:]
	}
	p.conversationStarted = true

	trace.Outcome = outcome
	trace.Duration = time.Since(trace.StartedAt)
	logging.Pipeline("Turn %s: %s in %v (%d iterations)", shortID(trace.ID), outcome, trace.Duration, trace.Iterations)
	return &Result{Answer: answer, Outcome: outcome, Trace: trace}
}

// failClosed ends the turn without touching conversation state.
func (p *Pipeline) failClosed(trace *Trace, outcome Outcome, err error, msg string) *Result {
	trace.Outcome = outcome
	trace.Duration = time.Since(trace.StartedAt)
	logging.PipelineWarn("Turn %s: %s (%v)", shortID(trace.ID), outcome, err)
	return &Result{Answer: msg, Outcome: outcome, Err: err, Trace: trace}
}

// missingQuestion builds the clarify question when the pipeline blocks
// a re-invocation, naming the fields with their card descriptions.
func (p *Pipeline) missingQuestion(action string, missing []string) string {
	var params []catalog.ParamSpec
	if a, ok := p.reg.Get(action); ok {
		params = a.Descriptor.Params
	}
	labels := make([]string, 0, len(missing))
	for _, field := range missing {
		label := field
		for _, spec := range params {
			if spec.Name == field && spec.Description != "" {
				label = spec.Description
				break
			}
		}
		labels = append(labels, label)
	}
	return fmt.Sprintf("계속 진행하려면 %s 정보가 필요합니다. 알려주시겠어요?", strings.Join(labels, ", "))
}

func repairPrompt(answer, hint string) string {
	return fmt.Sprintf("The previous answer violated output policy. %s\n\nPrevious answer:\n%s\n\nReturn only the corrected answer in Korean.", hint, answer)
}

func (p *Pipeline) rewriteHistory() []rewrite.Turn {
	turns := make([]rewrite.Turn, len(p.history))
	for i, t := range p.history {
		turns[i] = rewrite.Turn{User: t.User, Assistant: t.Assistant}
	}
	return turns
}

func (p *Pipeline) selectorHistory() []selector.Turn {
	turns := make([]selector.Turn, len(p.history))
	for i, t := range p.history {
		turns[i] = selector.Turn{User: t.User, Assistant: t.Assistant}
	}
	return turns
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
