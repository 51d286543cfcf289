// Package vector provides the document store behind the action index:
// collection-scoped upsert/delete/query over embedded documents. Two
// implementations exist, an in-memory store and a SQLite-backed store.
// The index never assumes a specific engine, only the Store contract.
package vector

import "context"

// Doc is one stored document: an embedding plus string metadata.
type Doc struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Match is one query hit, scored by cosine similarity.
type Match struct {
	DocID    string
	Score    float64
	Metadata map[string]string
}

// Filter narrows a query to documents whose metadata contains every
// listed key/value pair. A nil filter matches everything.
type Filter map[string]string

// Matches reports whether the document metadata satisfies the filter.
func (f Filter) Matches(meta map[string]string) bool {
	for k, v := range f {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// Store is the persistence contract for embedded documents.
type Store interface {
	// Upsert inserts or replaces a document.
	Upsert(ctx context.Context, collection, docID string, vec []float32, meta map[string]string) error

	// Delete removes a document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, docID string) error

	// Query returns up to k documents ranked by cosine similarity to vec,
	// highest first, optionally restricted by a metadata filter.
	Query(ctx context.Context, collection string, vec []float32, k int, filter Filter) ([]Match, error)

	// List returns every document in a collection, in unspecified order.
	List(ctx context.Context, collection string) ([]Doc, error)

	// Count returns the number of documents in a collection.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases underlying resources.
	Close() error
}

// MetaStore is an optional capability for small key/value bookkeeping
// alongside a collection (index-level hashes and the like). Callers
// type-assert for it.
type MetaStore interface {
	// GetMeta returns the stored value, or "" when the key is absent.
	GetMeta(ctx context.Context, collection, key string) (string, error)

	// SetMeta stores or replaces a value.
	SetMeta(ctx context.Context, collection, key, value string) error
}
