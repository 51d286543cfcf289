package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// CandidateRef records one retrieved candidate for the trace.
type CandidateRef struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Step records one action execution within a turn.
type Step struct {
	Action     string        `json:"action"`
	Duration   time.Duration `json:"duration"`
	NeedsInput bool          `json:"needs_input,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Trace is the per-turn execution record. It is attached to every
// Result and logged at turn end; nothing in it is shown to the user.
type Trace struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`

	Original  string `json:"original"`
	Effective string `json:"effective"`
	Rewritten bool   `json:"rewritten,omitempty"`
	FollowUp  bool   `json:"follow_up,omitempty"`

	GateLayer   string `json:"gate_layer,omitempty"`
	GateReason  string `json:"gate_reason,omitempty"`
	GatePattern string `json:"gate_pattern,omitempty"`

	Candidates []CandidateRef `json:"candidates,omitempty"`
	Steps      []Step         `json:"steps,omitempty"`
	Iterations int            `json:"iterations"`

	OutputRetried bool     `json:"output_retried,omitempty"`
	Violations    []string `json:"violations,omitempty"`

	Outcome         Outcome       `json:"outcome"`
	Duration        time.Duration `json:"duration"`
	RegistryVersion int64         `json:"registry_version"`
	IndexVersion    int64         `json:"index_version"`
}

func newTrace(original string, followUp bool) *Trace {
	return &Trace{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Original:  original,
		Effective: original,
		FollowUp:  followUp,
	}
}
