// Package server is the HTTP gateway: a server-sent-events chat
// endpoint plus health and catalog administration.
//
// Chat answers are verified by the output gate before anything is
// emitted, so the stream replays a finished turn: action events in
// execution order, the vetted answer chunked into token events, then a
// done event. Catalog mutations answer with the resulting action count
// and registry version so callers can confirm they observed the bump.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"routenerd/internal/config"
	"routenerd/internal/embedding"
	"routenerd/internal/index"
	"routenerd/internal/logging"
	"routenerd/internal/pipeline"
	"routenerd/internal/registry"
)

// tokenChunkRunes sizes the token events the answer is replayed in.
const tokenChunkRunes = 24

// TurnProcessor runs one chat turn. *pipeline.Pipeline satisfies it.
type TurnProcessor interface {
	Process(ctx context.Context, text string) *pipeline.Result
}

// Server wires the pipeline and catalog administration onto HTTP.
type Server struct {
	cfg    config.ServerConfig
	pipe   TurnProcessor
	reg    *registry.Registry
	ix     *index.Index
	engine embedding.EmbeddingEngine

	httpServer *http.Server
}

// New builds the server; Start binds it.
func New(cfg config.ServerConfig, pipe TurnProcessor, reg *registry.Registry, ix *index.Index, engine embedding.EmbeddingEngine) *Server {
	s := &Server{
		cfg:    cfg,
		pipe:   pipe,
		reg:    reg,
		ix:     ix,
		engine: engine,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/actions", s.handleActions)
	mux.HandleFunc("DELETE /api/actions/{name}", s.handleRemoveAction)
	mux.HandleFunc("POST /api/actions/reload-group/{group}", s.handleReloadGroup)
	mux.HandleFunc("GET /api/index/status", s.handleIndexStatus)
	mux.HandleFunc("POST /api/index/rebuild", s.handleRebuildIndex)
	return mux
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	logging.Server("Listening on %s", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := 10 * time.Second
	if s.cfg.ShutdownTimeout != "" {
		if d, err := time.ParseDuration(s.cfg.ShutdownTimeout); err == nil {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	res := s.pipe.Process(r.Context(), req.Message)

	sendEvent(w, flusher, "started", map[string]any{"turn_id": res.Trace.ID})

	for _, step := range res.Trace.Steps {
		sendEvent(w, flusher, "action", map[string]any{
			"name":        step.Action,
			"needs_input": step.NeedsInput,
			"duration_ms": step.Duration.Milliseconds(),
		})
	}

	if res.Err != nil && res.Outcome == pipeline.OutcomeCollaboratorUnavailable {
		sendEvent(w, flusher, "error", map[string]any{"outcome": string(res.Outcome)})
	}

	for _, chunk := range chunkRunes(res.Answer, tokenChunkRunes) {
		sendEvent(w, flusher, "token", map[string]any{"text": chunk})
	}

	sendEvent(w, flusher, "done", map[string]any{
		"turn_id":     res.Trace.ID,
		"outcome":     string(res.Outcome),
		"duration_ms": res.Trace.Duration.Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"actions":          s.reg.Count(),
		"registry_version": s.reg.Version(),
		"embedder":         s.engine.Name(),
		"index":            s.ix.Status(),
	})
}

type actionView struct {
	Name         string   `json:"name"`
	Group        string   `json:"group"`
	Purpose      string   `json:"purpose"`
	Tags         []string `json:"tags,omitempty"`
	UsagePhrases []string `json:"usage_phrases,omitempty"`
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	views := make([]actionView, 0, len(snap.Descriptors))
	for _, d := range snap.Descriptors {
		views = append(views, actionView{
			Name:         d.Name,
			Group:        d.Group,
			Purpose:      d.Purpose,
			Tags:         d.Tags,
			UsagePhrases: d.UsagePhrases,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actions":          views,
		"registry_version": snap.Version,
	})
}

// handleRemoveAction deletes the vectors first so a crash between the
// two steps leaves only an unsearchable registered action, never a
// searchable ghost.
func (s *Server) handleRemoveAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.reg.Get(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("action %q not found", name))
		return
	}

	if err := s.ix.RemoveAction(r.Context(), name); err != nil {
		logging.ServerError("Vector removal for %s failed: %v", name, err)
		writeError(w, http.StatusInternalServerError, "failed to remove action vectors")
		return
	}
	if err := s.reg.Unregister(name); err != nil {
		if errors.Is(err, registry.ErrActionNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("action %q not found", name))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logging.Server("Removed action %s", name)
	writeMutation(w, s.reg)
}

func (s *Server) handleReloadGroup(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	if err := s.reg.ReloadGroup(r.Context(), group); err != nil {
		if errors.Is(err, registry.ErrGroupNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("group %q not found", group))
			return
		}
		logging.ServerError("Reload of group %s failed: %v", group, err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	logging.Server("Reloaded group %s", group)
	writeMutation(w, s.reg)
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ix.Status())
}

// handleRebuildIndex forces a reconcile against the current registry
// snapshot. Unchanged actions are skipped by content hash, so a forced
// rebuild on a clean index is cheap.
func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.ix.Rebuild(r.Context()); err != nil {
		logging.ServerError("Forced rebuild failed: %v", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	logging.Server("Forced index rebuild complete")
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"index":  s.ix.Status(),
	})
}

func writeMutation(w http.ResponseWriter, reg *registry.Registry) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"actions_count":    reg.Count(),
		"registry_version": reg.Version(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.ServerError("Response encoding failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// chunkRunes splits on rune boundaries so multi-byte Hangul never
// tears across events.
func chunkRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
