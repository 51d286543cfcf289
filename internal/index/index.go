// Package index maintains the searchable embedding index over registered
// actions. Every action contributes several documents (purpose, each usage
// phrase, tags) and search aggregates document scores per action by maximum,
// so one strong phrase match is never diluted by weaker sibling documents.
//
// Searches run against an immutable in-memory snapshot that is swapped
// atomically after each rebuild; a search never observes a half-updated
// action. The vector store is the persistence layer: vectors are written
// there before the swap and stale rows are removed after it, so a crash
// leaves extra rows (cleaned up on the next rebuild) rather than holes.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"routenerd/internal/catalog"
	"routenerd/internal/config"
	"routenerd/internal/embedding"
	"routenerd/internal/logging"
	"routenerd/internal/registry"
	"routenerd/internal/vector"
)

// metaKey is the reserved document key under which the index stores its
// manifest (engine identity + per-action content hashes) in the vector
// store. It must never collide with an action document ID.
const metaKey = "__index_meta__"

// embedConcurrency bounds the number of actions embedded in parallel
// during a rebuild.
const embedConcurrency = 4

// Candidate is one action surfaced by a search, carrying its best
// document score.
type Candidate struct {
	Action *catalog.ActionDescriptor
	Score  float64
}

// Status reports the index's current state for health checks.
type Status struct {
	Version      int64     `json:"version"`
	Documents    int       `json:"documents"`
	Actions      int       `json:"actions"`
	UnderIndexed []string  `json:"under_indexed,omitempty"`
	Rebuilds     int64     `json:"rebuilds"`
	LastRebuild  time.Time `json:"last_rebuild"`
}

// indexedDoc is one embedded document inside a snapshot.
type indexedDoc struct {
	action string
	id     string
	vec    []float32
}

// snapshot is an immutable view of the index. version is the registry
// version this snapshot fully reflects; a warm-start snapshot uses 0
// because it may be missing actions that changed while the process was
// down.
type snapshot struct {
	version int64
	docs    []indexedDoc
	actions map[string]*catalog.ActionDescriptor
	hashes  map[string]string
}

func (s *snapshot) docIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(s.docs))
	for i := range s.docs {
		ids[s.docs[i].id] = struct{}{}
	}
	return ids
}

// manifest is the persisted reconciliation record. If the embedding engine
// (or its dimensionality) changes between runs, every stored vector is
// invalid and the whole index is re-embedded.
type manifest struct {
	Engine     string            `json:"engine"`
	Dimensions int               `json:"dimensions"`
	Hashes     map[string]string `json:"hashes"`
}

// Index is the action retrieval index.
type Index struct {
	cfg    config.IndexConfig
	engine embedding.EmbeddingEngine
	store  vector.Store
	reg    *registry.Registry

	snap atomic.Pointer[snapshot]

	// rebuildMu serializes rebuilds and removals; searches never take it.
	rebuildMu sync.Mutex

	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu           sync.Mutex
	running      bool
	rebuilds     int64
	lastRebuild  time.Time
	underIndexed []string
}

// New creates an index over the given engine, store and registry. Call
// Start to warm it and begin following registry changes.
func New(cfg config.IndexConfig, engine embedding.EmbeddingEngine, store vector.Store, reg *registry.Registry) *Index {
	return &Index{
		cfg:    cfg,
		engine: engine,
		store:  store,
		reg:    reg,
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start restores persisted vectors, reconciles them against the current
// registry, and launches the background rebuild worker. A failed initial
// build is logged rather than fatal: the warm-start snapshot (if any)
// keeps serving and the next registry change retries.
//
// Wire registry change notifications with reg.OnChange(ix.Notify).
func (ix *Index) Start(ctx context.Context) error {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return nil
	}
	ix.running = true
	ix.mu.Unlock()

	ix.warmStart(ctx)

	if err := ix.Rebuild(ctx); err != nil {
		logging.IndexWarn("Initial index build failed (will retry on next registry change): %v", err)
	}

	go ix.run(ctx)
	return nil
}

// Stop shuts down the background worker and waits for it to drain.
func (ix *Index) Stop() {
	ix.mu.Lock()
	if !ix.running {
		ix.mu.Unlock()
		return
	}
	ix.running = false
	ix.mu.Unlock()

	close(ix.stopCh)
	<-ix.doneCh
}

// Notify schedules a rebuild. Non-blocking; bursts of registry changes
// coalesce into a single rebuild. The signature matches
// registry.OnChangeFunc so it can be registered directly.
func (ix *Index) Notify(version int64) {
	logging.IndexDebug("Registry changed (v%d), scheduling rebuild", version)
	select {
	case ix.kick <- struct{}{}:
	default:
	}
}

func (ix *Index) run(ctx context.Context) {
	defer close(ix.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.stopCh:
			return
		case <-ix.kick:
			if err := ix.Rebuild(ctx); err != nil {
				logging.IndexError("Index rebuild failed: %v", err)
			}
		}
	}
}

// Search embeds the query and returns up to k candidate actions ranked by
// their best document score. It over-fetches k*FetchFactor documents
// (capped by the document count) before aggregating, so actions with many
// documents cannot crowd others out of the fetch window.
//
// An empty index returns no candidates and no error; the caller decides
// what a retrieval miss means.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Candidate, error) {
	snap := ix.snap.Load()
	if snap == nil || len(snap.docs) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = ix.cfg.TopK
	}

	timer := logging.StartTimer(logging.CategoryIndex, "Search")
	defer timer.Stop()

	qvec, err := ix.engine.Embed(ctx, query, embedding.RoleQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	factor := ix.cfg.FetchFactor
	if factor <= 0 {
		factor = 5
	}
	fetch := k * factor
	if fetch > len(snap.docs) {
		fetch = len(snap.docs)
	}

	type docScore struct {
		idx   int
		score float64
	}
	scored := make([]docScore, 0, len(snap.docs))
	for i := range snap.docs {
		sim, simErr := embedding.CosineSimilarity(qvec, snap.docs[i].vec)
		if simErr != nil {
			// Dimension mismatch: stale vector from another model.
			logging.IndexWarn("Skipping document %s: %v", snap.docs[i].id, simErr)
			continue
		}
		scored = append(scored, docScore{idx: i, score: sim})
	}
	if len(scored) == 0 {
		return nil, fmt.Errorf("no comparable documents for query (engine %s)", ix.engine.Name())
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score == scored[j].score {
			return snap.docs[scored[i].idx].id < snap.docs[scored[j].idx].id
		}
		return scored[i].score > scored[j].score
	})
	if len(scored) > fetch {
		scored = scored[:fetch]
	}

	// Max-aggregation: an action scores as its best document.
	best := make(map[string]float64)
	for _, ds := range scored {
		action := snap.docs[ds.idx].action
		if cur, ok := best[action]; !ok || ds.score > cur {
			best[action] = ds.score
		}
	}

	candidates := make([]Candidate, 0, len(best))
	for name, score := range best {
		candidates = append(candidates, Candidate{Action: snap.actions[name], Score: score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].Action.Name < candidates[j].Action.Name
		}
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	if len(candidates) > 0 {
		logging.IndexDebug("Search matched %d candidates from %d documents (top: %s %.4f)",
			len(candidates), len(scored), candidates[0].Action.Name, candidates[0].Score)
	}
	return candidates, nil
}

// Rebuild reconciles the index with the current registry snapshot. Only
// actions whose content hash changed are re-embedded; unchanged actions
// reuse their existing vectors. On any embedding or persistence error the
// previous snapshot stays live and nothing is swapped.
func (ix *Index) Rebuild(ctx context.Context) error {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	timer := logging.StartTimer(logging.CategoryIndex, "Rebuild")
	defer timer.Stop()

	reg := ix.reg.Snapshot()
	old := ix.snap.Load()

	oldHashes := map[string]string{}
	reuse := map[string][]indexedDoc{}
	if old != nil {
		oldHashes = old.hashes
		for i := range old.docs {
			d := old.docs[i]
			reuse[d.action] = append(reuse[d.action], d)
		}
	}

	var unchanged, changed []*catalog.ActionDescriptor
	var under []string
	newHashes := make(map[string]string, len(reg.Descriptors))
	for _, d := range reg.Descriptors {
		hash := d.ContentHash()
		newHashes[d.Name] = hash
		docs := d.EmbedDocs()
		if len(docs) == 0 {
			logging.IndexWarn("Action %s is under-indexed: no purpose, usage phrases or tags to embed", d.Name)
			under = append(under, d.Name)
			continue
		}
		if oldHashes[d.Name] == hash && len(reuse[d.Name]) == len(docs) {
			unchanged = append(unchanged, d)
		} else {
			changed = append(changed, d)
		}
	}

	logging.Index("Rebuild plan for registry v%d: %d unchanged (skip), %d new/changed (embed)",
		reg.Version, len(unchanged), len(changed))

	// Embed changed actions in parallel, one batch per action.
	embedded := make([][]indexedDoc, len(changed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, d := range changed {
		i, d := i, d
		g.Go(func() error {
			docs := d.EmbedDocs()
			texts := make([]string, len(docs))
			for j := range docs {
				texts[j] = docs[j].Text
			}
			vecs, err := ix.engine.EmbedBatch(gctx, texts, embedding.RolePassage)
			if err != nil {
				return fmt.Errorf("failed to embed action %s: %w", d.Name, err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("embedding count mismatch for %s: got %d, expected %d", d.Name, len(vecs), len(texts))
			}
			out := make([]indexedDoc, len(docs))
			for j := range docs {
				out[j] = indexedDoc{action: d.Name, id: docs[j].ID, vec: vecs[j]}
			}
			embedded[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Persist new vectors before the swap.
	for i, d := range changed {
		docs := d.EmbedDocs()
		for j, doc := range embedded[i] {
			meta := map[string]string{
				"action": d.Name,
				"kind":   string(docs[j].Kind),
			}
			if err := ix.store.Upsert(ctx, ix.cfg.Collection, doc.id, doc.vec, meta); err != nil {
				return fmt.Errorf("failed to persist document %s: %w", doc.id, err)
			}
		}
	}

	next := &snapshot{
		version: reg.Version,
		actions: make(map[string]*catalog.ActionDescriptor, len(reg.Descriptors)),
		hashes:  newHashes,
	}
	for _, d := range reg.Descriptors {
		next.actions[d.Name] = d
	}
	for _, d := range unchanged {
		next.docs = append(next.docs, reuse[d.Name]...)
	}
	for i := range changed {
		next.docs = append(next.docs, embedded[i]...)
	}

	ix.snap.Store(next)

	ix.pruneStale(ctx, next)
	ix.saveManifest(ctx, newHashes)

	ix.mu.Lock()
	ix.rebuilds++
	ix.lastRebuild = time.Now()
	ix.underIndexed = under
	ix.mu.Unlock()

	logging.Index("Index rebuilt: %d actions, %d documents (registry v%d)",
		len(next.actions), len(next.docs), next.version)
	return nil
}

// RemoveAction drops an action's documents from the live snapshot and the
// persistent store. Callers removing an action entirely should call this
// before unregistering, so no search window exists where the registry
// lacks the action but the index still surfaces it.
func (ix *Index) RemoveAction(ctx context.Context, name string) error {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()

	old := ix.snap.Load()
	if old != nil {
		next := &snapshot{
			version: old.version,
			actions: make(map[string]*catalog.ActionDescriptor, len(old.actions)),
			hashes:  make(map[string]string, len(old.hashes)),
		}
		for n, d := range old.actions {
			if n != name {
				next.actions[n] = d
			}
		}
		for n, h := range old.hashes {
			if n != name {
				next.hashes[n] = h
			}
		}
		for i := range old.docs {
			if old.docs[i].action != name {
				next.docs = append(next.docs, old.docs[i])
			}
		}
		ix.snap.Store(next)
		ix.saveManifest(ctx, next.hashes)
	}

	// Persisted rows are matched by metadata, which also sweeps orphans
	// left by earlier runs.
	docs, err := ix.store.List(ctx, ix.cfg.Collection)
	if err != nil {
		return fmt.Errorf("failed to list persisted documents: %w", err)
	}
	removed := 0
	for _, doc := range docs {
		if doc.Metadata["action"] != name {
			continue
		}
		if err := ix.store.Delete(ctx, ix.cfg.Collection, doc.ID); err != nil {
			return fmt.Errorf("failed to delete document %s: %w", doc.ID, err)
		}
		removed++
	}
	logging.Index("Removed %d documents for action %s", removed, name)
	return nil
}

// Status returns a point-in-time view for health reporting.
func (ix *Index) Status() Status {
	ix.mu.Lock()
	rebuilds := ix.rebuilds
	last := ix.lastRebuild
	under := append([]string(nil), ix.underIndexed...)
	ix.mu.Unlock()

	st := Status{
		Rebuilds:     rebuilds,
		LastRebuild:  last,
		UnderIndexed: under,
	}
	if snap := ix.snap.Load(); snap != nil {
		st.Version = snap.version
		st.Documents = len(snap.docs)
		st.Actions = len(snap.actions)
	}
	return st
}

// Version returns the registry version the live snapshot reflects.
func (ix *Index) Version() int64 {
	if snap := ix.snap.Load(); snap != nil {
		return snap.version
	}
	return 0
}

// warmStart restores hash-matching persisted vectors so the index can
// serve immediately, even when the embedding engine is unreachable at
// boot. Actions whose content changed while the process was down are left
// for Rebuild to re-embed.
func (ix *Index) warmStart(ctx context.Context) {
	m := ix.loadManifest(ctx)
	if m == nil {
		return
	}

	docs, err := ix.store.List(ctx, ix.cfg.Collection)
	if err != nil {
		logging.IndexWarn("Warm start skipped, could not list persisted documents: %v", err)
		return
	}
	if len(docs) == 0 {
		return
	}

	byAction := make(map[string][]indexedDoc)
	for _, doc := range docs {
		action := doc.Metadata["action"]
		if action == "" {
			continue
		}
		byAction[action] = append(byAction[action], indexedDoc{action: action, id: doc.ID, vec: doc.Vector})
	}

	reg := ix.reg.Snapshot()
	snap := &snapshot{
		actions: make(map[string]*catalog.ActionDescriptor),
		hashes:  make(map[string]string),
	}
	restored := 0
	for _, d := range reg.Descriptors {
		stored := byAction[d.Name]
		if len(stored) == 0 {
			continue
		}
		if m.Hashes[d.Name] != d.ContentHash() || len(stored) != len(d.EmbedDocs()) {
			continue
		}
		snap.docs = append(snap.docs, stored...)
		snap.actions[d.Name] = d
		snap.hashes[d.Name] = m.Hashes[d.Name]
		restored++
	}
	if restored == 0 {
		return
	}

	ix.snap.Store(snap)
	logging.Index("Warm start: restored %d documents for %d of %d actions", len(snap.docs), restored, len(reg.Descriptors))
}

// pruneStale deletes persisted rows that no live document claims. Runs
// after the snapshot swap; failures are logged and retried implicitly on
// the next rebuild.
func (ix *Index) pruneStale(ctx context.Context, snap *snapshot) {
	persisted, err := ix.store.List(ctx, ix.cfg.Collection)
	if err != nil {
		logging.IndexWarn("Stale document sweep skipped: %v", err)
		return
	}
	live := snap.docIDs()
	stale := 0
	for _, doc := range persisted {
		if _, ok := live[doc.ID]; ok {
			continue
		}
		if err := ix.store.Delete(ctx, ix.cfg.Collection, doc.ID); err != nil {
			logging.IndexWarn("Failed to delete stale document %s: %v", doc.ID, err)
			continue
		}
		stale++
	}
	if stale > 0 {
		logging.IndexDebug("Pruned %d stale documents", stale)
	}
}

func (ix *Index) loadManifest(ctx context.Context) *manifest {
	ms, ok := ix.store.(vector.MetaStore)
	if !ok {
		return nil
	}
	raw, err := ms.GetMeta(ctx, ix.cfg.Collection, metaKey)
	if err != nil {
		logging.IndexWarn("Failed to load index manifest: %v", err)
		return nil
	}
	if raw == "" {
		return nil
	}
	var m manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		logging.IndexWarn("Corrupt index manifest, rebuilding from scratch: %v", err)
		return nil
	}
	if m.Engine != ix.engine.Name() || m.Dimensions != ix.engine.Dimensions() {
		logging.Index("Embedding engine changed (%s/%d -> %s/%d), re-embedding all actions",
			m.Engine, m.Dimensions, ix.engine.Name(), ix.engine.Dimensions())
		return nil
	}
	return &m
}

func (ix *Index) saveManifest(ctx context.Context, hashes map[string]string) {
	ms, ok := ix.store.(vector.MetaStore)
	if !ok {
		return
	}
	payload, err := json.Marshal(manifest{
		Engine:     ix.engine.Name(),
		Dimensions: ix.engine.Dimensions(),
		Hashes:     hashes,
	})
	if err != nil {
		return
	}
	if err := ms.SetMeta(ctx, ix.cfg.Collection, metaKey, string(payload)); err != nil {
		logging.IndexWarn("Failed to save index manifest: %v", err)
	}
}
