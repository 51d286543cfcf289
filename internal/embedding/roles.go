package embedding

// =============================================================================
// ASYMMETRIC ENCODING ROLES
// =============================================================================

// Role selects the asymmetric encoding convention for a text.
// Retrieval-tuned models encode the searching side and the stored side
// differently; mixing the two degrades similarity quality silently.
type Role string

const (
	// RoleQuery marks text being searched with (user requests).
	RoleQuery Role = "query"

	// RolePassage marks text being stored and searched against
	// (action purposes, usage phrases, tags, domain examples).
	RolePassage Role = "passage"
)

// TaskType returns the GenAI task type for this role.
func (r Role) TaskType() string {
	switch r {
	case RoleQuery:
		return "RETRIEVAL_QUERY"
	case RolePassage:
		return "RETRIEVAL_DOCUMENT"
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

// Prefix returns the e5-style literal prefix for this role.
// Models without task-type support (Ollama) expect the convention
// inline: "query: ..." / "passage: ...".
func (r Role) Prefix() string {
	switch r {
	case RoleQuery:
		return "query: "
	case RolePassage:
		return "passage: "
	default:
		return ""
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleQuery || r == RolePassage
}
