// Package catalog defines the action descriptor model: the retrieval-facing
// metadata for every registered action, the embeddable documents derived from
// it, and the YAML card format the packs are loaded from.
//
// A descriptor is deliberately separate from the action's executable handler.
// The descriptor is what the index embeds and what the selector reads; the
// handler lives in the registry.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DocKind classifies an embeddable document derived from a descriptor.
type DocKind string

const (
	// DocPurpose is the one-sentence purpose document.
	DocPurpose DocKind = "purpose"

	// DocUsage is a single example user utterance.
	DocUsage DocKind = "usage"

	// DocTags is the joined keyword document.
	DocTags DocKind = "tags"
)

// hashSchemaVersion is folded into every content hash so that a change to
// the document derivation rules invalidates all stored hashes at once.
const hashSchemaVersion = "v1"

// ParamSpec describes one input parameter of an action. Parameters are
// surfaced to the selector so it knows what to collect from the user;
// they are never embedded.
type ParamSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
}

// ActionDescriptor is the retrieval-facing description of one action.
//
// Name is the immutable identity. Purpose, UsagePhrases and Tags are
// embedded as separate documents. DisambiguationNotes are never embedded:
// they routinely mention other action names, and embedding them would pull
// this action's vectors toward its neighbours. The notes are only shown to
// the selector as plain text next to the candidate list.
type ActionDescriptor struct {
	Name                string      `yaml:"name"`
	Purpose             string      `yaml:"purpose"`
	UsagePhrases        []string    `yaml:"usage_phrases,omitempty"`
	DisambiguationNotes []string    `yaml:"disambiguation_notes,omitempty"`
	Tags                []string    `yaml:"tags,omitempty"`
	Params              []ParamSpec `yaml:"params,omitempty"`

	// Disclaimer, when set, is appended once to the final answer of any
	// turn in which this action executed.
	Disclaimer string `yaml:"disclaimer,omitempty"`

	// Group is the provider group the action was registered under.
	// Assigned at registration time, not part of the card file.
	Group string `yaml:"-"`
}

// EmbedDoc is one embeddable unit derived from a descriptor.
type EmbedDoc struct {
	ID     string
	Action string
	Kind   DocKind
	Text   string
}

// DocID builds the stable document identifier for one facet of an action.
func DocID(action string, kind DocKind, i int) string {
	switch kind {
	case DocUsage:
		return fmt.Sprintf("action_%s__use_%d", action, i)
	case DocTags:
		return fmt.Sprintf("action_%s__tags", action)
	default:
		return fmt.Sprintf("action_%s", action)
	}
}

// EmbedDocs derives the embeddable documents for this descriptor: the
// purpose (when non-empty), each usage phrase, and one joined tags document.
// DisambiguationNotes and Params never appear here.
//
// An empty result means the action cannot be retrieved at all and should be
// reported as under-indexed by the caller.
func (d *ActionDescriptor) EmbedDocs() []EmbedDoc {
	docs := make([]EmbedDoc, 0, len(d.UsagePhrases)+2)

	if p := strings.TrimSpace(d.Purpose); p != "" {
		docs = append(docs, EmbedDoc{
			ID:     DocID(d.Name, DocPurpose, 0),
			Action: d.Name,
			Kind:   DocPurpose,
			Text:   p,
		})
	}
	for i, phrase := range d.UsagePhrases {
		t := strings.TrimSpace(phrase)
		if t == "" {
			continue
		}
		docs = append(docs, EmbedDoc{
			ID:     DocID(d.Name, DocUsage, i),
			Action: d.Name,
			Kind:   DocUsage,
			Text:   t,
		})
	}
	if len(d.Tags) > 0 {
		docs = append(docs, EmbedDoc{
			ID:     DocID(d.Name, DocTags, 0),
			Action: d.Name,
			Kind:   DocTags,
			Text:   strings.Join(d.Tags, ", "),
		})
	}
	return docs
}

// ContentHash returns a short fingerprint of the descriptor's embeddable
// content. Two descriptors with identical embeddable documents hash equal,
// so the index can skip re-embedding unchanged actions. Fields that are not
// embedded (notes, params, disclaimer) do not contribute: changing them
// must not trigger a reindex.
func (d *ActionDescriptor) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(hashSchemaVersion))
	for _, doc := range d.EmbedDocs() {
		h.Write([]byte{0x1f})
		h.Write([]byte(doc.Kind))
		h.Write([]byte{0x1f})
		h.Write([]byte(doc.Text))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// LowRecall reports whether the descriptor has no usage phrases and will
// degrade to purpose-only retrieval.
func (d *ActionDescriptor) LowRecall() bool {
	return len(d.UsagePhrases) == 0
}

// Validate checks a single descriptor in isolation.
func (d *ActionDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("action name cannot be empty")
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return fmt.Errorf("action name %q must not contain whitespace", d.Name)
	}
	seen := make(map[string]struct{}, len(d.UsagePhrases))
	for _, phrase := range d.UsagePhrases {
		key := normalizePhrase(phrase)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("action %q repeats usage phrase %q", d.Name, phrase)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ValidateSet checks a group of descriptors for cross-action conflicts:
// duplicate names and duplicate usage phrases. A phrase shared by two
// actions is an ambiguous embedding target and is rejected here, before
// anything reaches the registry or the index.
func ValidateSet(descs []*ActionDescriptor) error {
	names := make(map[string]struct{}, len(descs))
	phrases := make(map[string]string)

	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := names[d.Name]; dup {
			return fmt.Errorf("duplicate action name %q", d.Name)
		}
		names[d.Name] = struct{}{}

		for _, phrase := range d.UsagePhrases {
			key := normalizePhrase(phrase)
			if key == "" {
				continue
			}
			if owner, dup := phrases[key]; dup {
				return fmt.Errorf("usage phrase %q is claimed by both %q and %q", phrase, owner, d.Name)
			}
			phrases[key] = d.Name
		}
	}
	return nil
}

// normalizePhrase is the comparison key for duplicate detection. Case and
// surrounding whitespace do not make two phrases distinct embedding targets.
func normalizePhrase(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
