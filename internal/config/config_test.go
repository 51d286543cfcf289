package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "routeNERD" {
		t.Errorf("expected Name=routeNERD, got %s", cfg.Name)
	}
	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("expected Provider=ollama, got %s", cfg.Embedding.Provider)
	}
	if cfg.Gate.HighConfidence != 0.87 {
		t.Errorf("expected HighConfidence=0.87, got %v", cfg.Gate.HighConfidence)
	}
	if cfg.Gate.Margin != 0.03 {
		t.Errorf("expected Margin=0.03, got %v", cfg.Gate.Margin)
	}
	if cfg.Index.TopK != 5 {
		t.Errorf("expected TopK=5, got %d", cfg.Index.TopK)
	}
	if cfg.Pipeline.MaxIterations != 30 {
		t.Errorf("expected MaxIterations=30, got %d", cfg.Pipeline.MaxIterations)
	}
	if cfg.Rewrite.MaxRunes != 15 {
		t.Errorf("expected MaxRunes=15, got %d", cfg.Rewrite.MaxRunes)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	// Ensure no env vars interfere
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ROUTENERD_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ROUTENERD_DB", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "routenerd.yaml")

	cfg := DefaultConfig()
	cfg.Embedding.Provider = "genai"
	cfg.Embedding.GenAIAPIKey = "test-key"
	cfg.Gate.HighConfidence = 0.91

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// The round trip must be lossless.
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("Load(Save(cfg)) mismatch (-want +got):\n%s", diff)
	}
}

func TestConfig_LoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Index.Collection != "actions" {
		t.Errorf("expected default collection, got %s", cfg.Index.Collection)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	os.Setenv("GEMINI_API_KEY", "env-gemini-key")
	defer os.Unsetenv("GEMINI_API_KEY")

	os.Setenv("ROUTENERD_DB", "/tmp/override.db")
	defer os.Unsetenv("ROUTENERD_DB")

	os.Setenv("ROUTENERD_ADDR", ":9999")
	defer os.Unsetenv("ROUTENERD_ADDR")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Embedding.GenAIAPIKey != "env-gemini-key" {
		t.Errorf("expected GenAIAPIKey=env-gemini-key, got %s", cfg.Embedding.GenAIAPIKey)
	}
	if cfg.Index.DatabasePath != "/tmp/override.db" {
		t.Errorf("expected DatabasePath=/tmp/override.db, got %s", cfg.Index.DatabasePath)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("expected Addr=:9999, got %s", cfg.Server.Addr)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	// Default has no selector API key
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing selector API key")
	}

	cfg.Selector.APIKey = "test-key"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}

	cfg.Embedding.Provider = "invalid-provider"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid embedding provider")
	}

	cfg.Embedding.Provider = "genai"
	cfg.Embedding.GenAIAPIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for genai without API key")
	}

	cfg.Embedding.Provider = "ollama"
	cfg.Gate.HighConfidence = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for out-of-range threshold")
	}

	cfg.Gate.HighConfidence = 0.87
	cfg.Index.TopK = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero top_k")
	}

	cfg.Index.TopK = 5
	cfg.Pipeline.MaxIterations = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for negative max_iterations")
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.GetTurnTimeout().Seconds(); got != 120 {
		t.Errorf("expected 120s turn timeout, got %vs", got)
	}
	if got := cfg.GetEmbeddingTimeout().Seconds(); got != 30 {
		t.Errorf("expected 30s embedding timeout, got %vs", got)
	}

	// Malformed durations fall back to defaults
	cfg.Pipeline.TurnTimeout = "not-a-duration"
	if got := cfg.GetTurnTimeout().Seconds(); got != 120 {
		t.Errorf("expected fallback 120s, got %vs", got)
	}
}
