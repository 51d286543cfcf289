package vector

import (
	"context"
	"sort"
	"sync"

	"routenerd/internal/embedding"
)

// MemoryStore keeps documents in process memory. It is the default when no
// database path is configured and the store used throughout the tests.
type MemoryStore struct {
	mu    sync.RWMutex
	colls map[string]map[string]Doc
	meta  map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		colls: make(map[string]map[string]Doc),
		meta:  make(map[string]map[string]string),
	}
}

// Upsert inserts or replaces a document.
func (s *MemoryStore) Upsert(ctx context.Context, collection, docID string, vec []float32, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.colls[collection]
	if !ok {
		coll = make(map[string]Doc)
		s.colls[collection] = coll
	}

	vecCopy := append([]float32(nil), vec...)
	metaCopy := make(map[string]string, len(meta))
	for k, v := range meta {
		metaCopy[k] = v
	}
	coll[docID] = Doc{ID: docID, Vector: vecCopy, Metadata: metaCopy}
	return nil
}

// Delete removes a document if present.
func (s *MemoryStore) Delete(ctx context.Context, collection, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coll, ok := s.colls[collection]; ok {
		delete(coll, docID)
	}
	return nil
}

// Query scans the collection and returns the top k by cosine similarity.
// Ties break by document ID so results are deterministic.
func (s *MemoryStore) Query(ctx context.Context, collection string, vec []float32, k int, filter Filter) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		return nil, nil
	}

	coll := s.colls[collection]
	matches := make([]Match, 0, len(coll))
	for _, doc := range coll {
		if !filter.Matches(doc.Metadata) {
			continue
		}
		score, err := embedding.CosineSimilarity(vec, doc.Vector)
		if err != nil {
			continue
		}
		matches = append(matches, Match{DocID: doc.ID, Score: score, Metadata: doc.Metadata})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].DocID < matches[j].DocID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// List returns every document in the collection.
func (s *MemoryStore) List(ctx context.Context, collection string) ([]Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.colls[collection]
	docs := make([]Doc, 0, len(coll))
	for _, doc := range coll {
		docs = append(docs, doc)
	}
	return docs, nil
}

// Count returns the number of documents in the collection.
func (s *MemoryStore) Count(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.colls[collection]), nil
}

// GetMeta returns a bookkeeping value, "" when absent.
func (s *MemoryStore) GetMeta(ctx context.Context, collection, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[collection][key], nil
}

// SetMeta stores a bookkeeping value.
func (s *MemoryStore) SetMeta(ctx context.Context, collection, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[collection]
	if !ok {
		m = make(map[string]string)
		s.meta[collection] = m
	}
	m[key] = value
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
