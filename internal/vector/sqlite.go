package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"routenerd/internal/embedding"
	"routenerd/internal/logging"
)

// driverName selects the SQL driver. The default is the pure-Go modernc
// driver; the sqlite_vec build switches to mattn/go-sqlite3 with the
// sqlite-vec extension auto-loaded (see init_vec.go).
var driverName = "sqlite"

// SQLiteStore persists documents in a SQLite database. Embeddings are
// stored as JSON arrays; queries scan the collection and rank by cosine
// similarity in process. Catalog-scale collections stay in the hundreds
// of documents.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	logging.Store("Opening document store at %s (driver=%s)", path, driverName)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &SQLiteStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	store.detectVecExtension()
	if store.vectorExt {
		logging.Store("sqlite-vec extension detected")
	} else {
		logging.StoreDebug("sqlite-vec extension not available, using in-process scan")
	}

	return store, nil
}

// initialize creates the required tables.
func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		embedding TEXT NOT NULL,
		metadata TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(collection, doc_id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);

	CREATE TABLE IF NOT EXISTS collection_meta (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(collection, key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// detectVecExtension probes for a vec0 virtual table.
func (s *SQLiteStore) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	}
}

// Upsert inserts or replaces a document.
func (s *SQLiteStore) Upsert(ctx context.Context, collection, docID string, vec []float32, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}
	metaJSON, _ := json.Marshal(meta)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, doc_id, embedding, metadata, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(collection, doc_id) DO UPDATE SET
		 embedding = excluded.embedding,
		 metadata = excluded.metadata,
		 updated_at = CURRENT_TIMESTAMP`,
		collection, docID, string(vecJSON), string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s/%s: %w", collection, docID, err)
	}
	return nil
}

// Delete removes a document if present.
func (s *SQLiteStore) Delete(ctx context.Context, collection, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND doc_id = ?",
		collection, docID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, docID, err)
	}
	return nil
}

// Query scans the collection and returns the top k by cosine similarity.
func (s *SQLiteStore) Query(ctx context.Context, collection string, vec []float32, k int, filter Filter) ([]Match, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Query")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT doc_id, embedding, metadata FROM documents WHERE collection = ?",
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var docID, vecJSON, metaJSON string
		if err := rows.Scan(&docID, &vecJSON, &metaJSON); err != nil {
			continue
		}

		var stored []float32
		if err := json.Unmarshal([]byte(vecJSON), &stored); err != nil {
			logging.StoreDebug("Skipping document %s with bad embedding: %v", docID, err)
			continue
		}

		meta := decodeMeta(metaJSON)
		if !filter.Matches(meta) {
			continue
		}

		score, err := embedding.CosineSimilarity(vec, stored)
		if err != nil {
			continue
		}
		matches = append(matches, Match{DocID: docID, Score: score, Metadata: meta})
	}
	if err := rows.Err(); err != nil {
		return nil, err
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

	logging.StoreDebug("Query over %s returned %d matches (k=%d)", collection, len(matches), k)
	return matches, nil
}

// List returns every document in the collection.
func (s *SQLiteStore) List(ctx context.Context, collection string) ([]Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT doc_id, embedding, metadata FROM documents WHERE collection = ?",
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var docID, vecJSON, metaJSON string
		if err := rows.Scan(&docID, &vecJSON, &metaJSON); err != nil {
			continue
		}
		var stored []float32
		if err := json.Unmarshal([]byte(vecJSON), &stored); err != nil {
			logging.StoreDebug("Skipping document %s with bad embedding: %v", docID, err)
			continue
		}
		docs = append(docs, Doc{ID: docID, Vector: stored, Metadata: decodeMeta(metaJSON)})
	}
	return docs, rows.Err()
}

// Count returns the number of documents in the collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE collection = ?", collection,
	).Scan(&count)
	return count, err
}

// GetMeta returns a bookkeeping value, "" when absent.
func (s *SQLiteStore) GetMeta(ctx context.Context, collection, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM collection_meta WHERE collection = ? AND key = ?",
		collection, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMeta stores a bookkeeping value.
func (s *SQLiteStore) SetMeta(ctx context.Context, collection, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_meta (collection, key, value, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(collection, key) DO UPDATE SET
		 value = excluded.value,
		 updated_at = CURRENT_TIMESTAMP`,
		collection, key, value,
	)
	return err
}

// Stats returns document counts per collection plus driver details.
func (s *SQLiteStore) Stats(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"driver":     driverName,
		"vector_ext": s.vectorExt,
		"path":       s.dbPath,
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT collection, COUNT(*) FROM documents GROUP BY collection",
	)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var coll string
		var n int64
		if err := rows.Scan(&coll, &n); err != nil {
			continue
		}
		counts[coll] = n
	}
	stats["collections"] = counts
	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	logging.Store("Closing document store")
	return s.db.Close()
}

func decodeMeta(metaJSON string) map[string]string {
	if metaJSON == "" || metaJSON == "null" {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil
	}
	return meta
}
