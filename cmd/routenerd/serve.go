package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"routenerd/internal/actions"
	"routenerd/internal/config"
	"routenerd/internal/embedding"
	"routenerd/internal/gate"
	"routenerd/internal/index"
	"routenerd/internal/logging"
	"routenerd/internal/pipeline"
	"routenerd/internal/registry"
	"routenerd/internal/rewrite"
	"routenerd/internal/selector"
	"routenerd/internal/server"
	"routenerd/internal/vector"
)

// runServe boots every collaborator and serves the HTTP/SSE gateway until
// SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}

	cfg, err := config.Load(resolveConfigPath(ws))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Initialize(ws); err != nil {
		logger.Warn("Category logging unavailable", zap.Error(err))
	}
	defer logging.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	logger.Info("Booting routeNERD gateway",
		zap.String("workspace", ws),
		zap.String("addr", cfg.Server.Addr))

	// Embedding engine
	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		return fmt.Errorf("embedding engine: %w", err)
	}
	logger.Info("Embedding engine ready",
		zap.String("engine", engine.Name()),
		zap.Int("dimensions", engine.Dimensions()))

	// Vector store: SQLite for warm starts, memory when no path is set
	var store vector.Store
	if cfg.Index.DatabasePath == "" {
		store = vector.NewMemoryStore()
		logger.Info("Using in-memory vector store")
	} else {
		path := cfg.Index.DatabasePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(ws, path)
		}
		s, err := vector.NewSQLiteStore(path)
		if err != nil {
			return fmt.Errorf("vector store: %w", err)
		}
		store = s
		logger.Info("Vector store ready", zap.String("path", path))
	}
	defer store.Close()

	// Registry: built-in actions first, then card/script packs
	reg := registry.NewRegistry()
	if err := actions.Register(ctx, reg); err != nil {
		return fmt.Errorf("builtin actions: %w", err)
	}

	pack := registry.NewScriptPack(
		workspacePath(ws, cfg.Packs.CardDir),
		workspacePath(ws, cfg.Packs.ScriptDir),
		workspacePath(ws, cfg.Packs.OverridesFile),
	)
	groups, err := pack.Groups()
	if err != nil {
		return fmt.Errorf("action packs: %w", err)
	}
	for _, group := range groups {
		if err := reg.RegisterGroup(ctx, group, pack.LoaderFor(group)); err != nil {
			return fmt.Errorf("load pack group %q: %w", group, err)
		}
	}
	logger.Info("Actions registered",
		zap.Int("count", reg.Count()),
		zap.Strings("groups", reg.Groups()))

	// Admission gate references must build before the first turn
	g, err := gate.New(cfg.Gate, engine)
	if err != nil {
		return fmt.Errorf("admission gate: %w", err)
	}
	if err := g.BuildReferences(ctx); err != nil {
		return fmt.Errorf("gate references: %w", err)
	}
	logger.Info("Admission gate ready")

	// Action index follows registry changes
	ix := index.New(cfg.Index, engine, store, reg)
	reg.OnChange(ix.Notify)
	if err := ix.Start(ctx); err != nil {
		return fmt.Errorf("action index: %w", err)
	}
	defer ix.Stop()
	st := ix.Status()
	logger.Info("Action index ready",
		zap.Int("documents", st.Documents),
		zap.Int("actions", st.Actions))

	// Selector doubles as the rewriter's generator
	sel := selector.NewLLMSelector(selector.NewClient(cfg.Selector))

	pipe := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Gate:     g,
		Output:   gate.NewOutputGate(reg),
		Rewriter: rewrite.New(cfg.Rewrite, sel),
		Searcher: ix,
		Selector: sel,
		Registry: reg,
	})

	// Optional pack hot reload
	if cfg.Packs.Watch {
		pw, err := registry.NewPackWatcher(reg, pack)
		if err != nil {
			logger.Warn("Pack watcher unavailable", zap.Error(err))
		} else if err := pw.Start(ctx); err != nil {
			logger.Warn("Pack watcher failed to start", zap.Error(err))
		} else {
			defer pw.Stop()
			logger.Info("Pack watcher running")
		}
	}

	srv := server.New(cfg.Server, pipe, reg, ix, engine)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info("Gateway listening", zap.String("addr", cfg.Server.Addr))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	return nil
}

// workspacePath resolves a config-relative path against the workspace.
func workspacePath(ws, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ws, path)
}
