package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"routenerd/cmd/routenerd/chat"
	"routenerd/internal/config"
	"routenerd/internal/embedding"
)

// showStatus prints the effective configuration, embedder reachability and
// the state of a running gateway.
func showStatus(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}

	cfg, err := config.Load(resolveConfigPath(ws))
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	fmt.Printf("  Workspace:  %s\n", ws)
	fmt.Printf("  Config:     %s\n", resolveConfigPath(ws))
	fmt.Printf("  Gateway:    %s (serves on %s)\n", gatewayAddr, cfg.Server.Addr)
	fmt.Printf("  Embedding:  %s\n", embeddingSummary(cfg))
	fmt.Printf("  Selector:   %s @ %s\n", cfg.Selector.Model, cfg.Selector.BaseURL)
	if cfg.Index.DatabasePath != "" {
		fmt.Printf("  Index DB:   %s\n", workspacePath(ws, cfg.Index.DatabasePath))
	} else {
		fmt.Printf("  Index DB:   (in-memory)\n")
	}
	fmt.Println()

	fmt.Printf("Embedder:  %s\n", checkEmbedder(cfg))
	fmt.Printf("Gateway:   %s\n", checkGateway())
	return nil
}

func embeddingSummary(cfg *config.Config) string {
	switch cfg.Embedding.Provider {
	case "genai":
		return fmt.Sprintf("genai (%s)", cfg.Embedding.GenAIModel)
	default:
		return fmt.Sprintf("ollama (%s @ %s)", cfg.Embedding.OllamaModel, cfg.Embedding.OllamaEndpoint)
	}
}

// checkEmbedder verifies the embedding service is reachable.
func checkEmbedder(cfg *config.Config) string {
	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		return fmt.Sprintf("unavailable (%v)", err)
	}

	checker, ok := engine.(embedding.HealthChecker)
	if !ok {
		return fmt.Sprintf("%s (no health check)", engine.Name())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := checker.HealthCheck(ctx); err != nil {
		return fmt.Sprintf("unreachable (%v)", err)
	}
	return fmt.Sprintf("%s ok", engine.Name())
}

// checkGateway pings a running gateway, if any.
func checkGateway() string {
	info, err := chat.NewClient(gatewayAddr).Health(context.Background())
	if err != nil {
		return fmt.Sprintf("offline (%v)", err)
	}
	return fmt.Sprintf("%s, %d actions, embedder %s", info.Status, info.Actions, info.Embedder)
}
