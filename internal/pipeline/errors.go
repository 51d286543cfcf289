package pipeline

import "errors"

var (
	// ErrIterationLimitExceeded means the select/execute loop ran out of
	// rounds without reaching a final answer.
	ErrIterationLimitExceeded = errors.New("iteration limit exceeded")

	// ErrOutputPolicyViolation means the answer failed the output gate
	// and the single repair attempt failed too.
	ErrOutputPolicyViolation = errors.New("output policy violation")

	// ErrCollaboratorUnavailable means the embedder or the model could
	// not be reached.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
)

// Outcome classifies how a turn ended. Every turn gets exactly one.
type Outcome string

const (
	// OutcomeAnswered is the normal case: an answer cleared the output gate.
	OutcomeAnswered Outcome = "answered"

	// OutcomeRejectedByGate means admission was refused; nothing downstream ran.
	OutcomeRejectedByGate Outcome = "rejected_by_gate"

	// OutcomeRetrievalMiss means the index returned no candidates.
	OutcomeRetrievalMiss Outcome = "retrieval_miss"

	// OutcomeNeedsUserInput means the turn ended with a question back to
	// the user, either the selector's clarify or the pipeline's own when
	// an action reported missing fields.
	OutcomeNeedsUserInput Outcome = "needs_user_input"

	// OutcomeDeclined means candidates existed but the selector judged
	// none of them fit.
	OutcomeDeclined Outcome = "declined"

	// OutcomeIterationLimit maps ErrIterationLimitExceeded.
	OutcomeIterationLimit Outcome = "iteration_limit_exceeded"

	// OutcomeOutputViolation maps ErrOutputPolicyViolation after the
	// repair attempt also failed.
	OutcomeOutputViolation Outcome = "output_policy_violation"

	// OutcomeRegistryInconsistency means an invoked action was not in
	// the registry, the candidate set and the catalog disagree.
	OutcomeRegistryInconsistency Outcome = "registry_inconsistency"

	// OutcomeCollaboratorUnavailable maps ErrCollaboratorUnavailable.
	OutcomeCollaboratorUnavailable Outcome = "collaborator_unavailable"
)
