// Package gate implements admission control. Two layers run before any
// retrieval or generation: a deterministic pattern layer that always
// executes, and a nearest-example embedding classifier that compares the
// request against small in-domain and out-of-domain reference sets held
// in memory. The package also carries the output policy gate applied to
// generated text before it reaches the caller.
package gate

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"routenerd/internal/config"
	"routenerd/internal/embedding"
	"routenerd/internal/logging"
)

// Decision layers, recorded in the trace.
const (
	LayerPattern    = "pattern"
	LayerClassifier = "classifier"
	LayerSkipped    = "skipped"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Admitted bool
	Layer    string
	Reason   string
	Pattern  string  // matching pattern name on a pattern rejection
	MaxIn    float64 // classifier layer only
	MaxOut   float64
}

// Gate is the two-layer admission gate. Construct with New, then call
// BuildReferences once the embedding engine is reachable.
type Gate struct {
	cfg    config.GateConfig
	engine embedding.EmbeddingEngine

	patterns atomic.Pointer[[]Pattern]
	refs     atomic.Pointer[references]
}

// references holds the embedded domain example matrices. Built once,
// replaced wholesale; rows are never mutated in place.
type references struct {
	in  [][]float32
	out [][]float32
}

// New creates a gate with the built-in patterns, or the configured
// pattern file when one is set. A configured file that fails to load is
// a startup error, not a silent fallback.
func New(cfg config.GateConfig, engine embedding.EmbeddingEngine) (*Gate, error) {
	g := &Gate{cfg: cfg, engine: engine}

	patterns := DefaultPatterns()
	if cfg.PatternsFile != "" {
		loaded, err := LoadPatternsFile(cfg.PatternsFile)
		if err != nil {
			return nil, err
		}
		patterns = loaded
	}
	g.patterns.Store(&patterns)
	return g, nil
}

// Admit decides whether the request may proceed. The pattern layer runs
// on every turn, follow-up or not. The classifier layer is skipped for
// follow-ups (the conversation's domain is already established) and for
// requests too short to classify reliably.
func (g *Gate) Admit(ctx context.Context, text string, isFollowUp bool) (Decision, error) {
	timer := logging.StartTimer(logging.CategoryGate, "Admit")
	defer timer.Stop()

	if name, ok := g.matchPattern(text); ok {
		logging.Gate("Rejected by pattern %s", name)
		return Decision{Layer: LayerPattern, Pattern: name, Reason: "adversarial pattern matched"}, nil
	}

	if isFollowUp {
		return Decision{Admitted: true, Layer: LayerSkipped, Reason: "follow-up inherits prior admission"}, nil
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) < g.cfg.MinClassifyRunes {
		return Decision{Admitted: true, Layer: LayerSkipped, Reason: "too short to classify"}, nil
	}

	refs := g.refs.Load()
	if refs == nil || len(refs.in)+len(refs.out) == 0 {
		logging.GateWarn("Classifier references unavailable, admitting for selector to judge")
		return Decision{Admitted: true, Layer: LayerSkipped, Reason: "classifier unavailable"}, nil
	}

	qvec, err := g.engine.Embed(ctx, text, embedding.RoleQuery)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to embed query: %w", err)
	}

	maxIn := maxSimilarity(qvec, refs.in)
	maxOut := maxSimilarity(qvec, refs.out)
	d := Decision{Layer: LayerClassifier, MaxIn: maxIn, MaxOut: maxOut}

	switch {
	case maxIn >= g.cfg.HighConfidence:
		d.Admitted = true
		d.Reason = "high-confidence in-domain"
	case maxOut-maxIn >= g.cfg.Margin:
		d.Reason = "out-of-domain by margin"
		logging.Gate("Rejected by classifier: maxIn=%.3f maxOut=%.3f", maxIn, maxOut)
	default:
		// Embedding similarity cannot separate adjacent vocabulary
		// reliably; let the selector make the final call.
		d.Admitted = true
		d.Reason = "borderline, deferred to selector"
	}

	logging.GateDebug("Classifier: maxIn=%.3f maxOut=%.3f admitted=%v (%s)", maxIn, maxOut, d.Admitted, d.Reason)
	return d, nil
}

// BuildReferences embeds both domain example sets with the passage
// convention and swaps them in. Call at startup; until it succeeds the
// classifier layer admits everything and defers to the selector.
func (g *Gate) BuildReferences(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryGate, "BuildReferences")
	defer timer.Stop()

	ex, err := g.loadExamples()
	if err != nil {
		return err
	}

	var in, out [][]float32
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		vecs, err := g.engine.EmbedBatch(ectx, ex.InDomain, embedding.RolePassage)
		if err != nil {
			return fmt.Errorf("failed to embed in-domain examples: %w", err)
		}
		in = vecs
		return nil
	})
	eg.Go(func() error {
		vecs, err := g.engine.EmbedBatch(ectx, ex.OutOfDomain, embedding.RolePassage)
		if err != nil {
			return fmt.Errorf("failed to embed out-of-domain examples: %w", err)
		}
		out = vecs
		return nil
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	g.refs.Store(&references{in: in, out: out})
	logging.Gate("Classifier references built: %d in-domain, %d out-of-domain examples", len(in), len(out))
	return nil
}

// Ready reports whether the classifier layer has reference matrices.
func (g *Gate) Ready() bool {
	refs := g.refs.Load()
	return refs != nil && len(refs.in)+len(refs.out) > 0
}

func maxSimilarity(query []float32, rows [][]float32) float64 {
	best := -1.0
	for _, row := range rows {
		sim, err := embedding.CosineSimilarity(query, row)
		if err != nil {
			continue
		}
		if sim > best {
			best = sim
		}
	}
	return best
}

// Examples is a labeled pair of domain reference sets.
type Examples struct {
	InDomain    []string `yaml:"in_domain"`
	OutOfDomain []string `yaml:"out_of_domain"`
}

// DefaultExamples returns the built-in reference utterances for the
// insurance consultation domain.
func DefaultExamples() Examples {
	return Examples{
		InDomain: []string{
			"보험료 계산해줘",
			"실비보험 보장 내용 알려줘",
			"암보험 추천해줘",
			"자동차 보험 가입하고 싶어",
			"보험금 청구는 어떻게 해?",
			"내 보험 계약 조회해줘",
			"연금보험 상품 검색해줘",
			"어린이 보험 보장 범위가 궁금해",
			"보험 해지하면 환급금이 얼마야?",
			"운전자 보험 특약 설명해줘",
		},
		OutOfDomain: []string{
			"오늘 날씨 어때?",
			"점심 메뉴 추천해줘",
			"파이썬 코드 짜줘",
			"로또 번호 알려줘",
			"주식 시세 알려줘",
			"재미있는 영화 추천해줘",
			"노래 가사 찾아줘",
			"강남역 가는 길 알려줘",
			"농담 하나 해줘",
			"오늘 뉴스 요약해줘",
		},
	}
}

// loadExamples returns the configured example file when set, otherwise
// the built-in sets.
func (g *Gate) loadExamples() (Examples, error) {
	if g.cfg.ExamplesFile == "" {
		return DefaultExamples(), nil
	}
	data, err := os.ReadFile(g.cfg.ExamplesFile)
	if err != nil {
		return Examples{}, fmt.Errorf("failed to read examples file: %w", err)
	}
	var ex Examples
	if err := yaml.Unmarshal(data, &ex); err != nil {
		return Examples{}, fmt.Errorf("failed to parse examples file %s: %w", g.cfg.ExamplesFile, err)
	}
	if len(ex.InDomain) == 0 || len(ex.OutOfDomain) == 0 {
		return Examples{}, fmt.Errorf("examples file %s must provide both in_domain and out_of_domain sets", g.cfg.ExamplesFile)
	}
	return ex, nil
}
