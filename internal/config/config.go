package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all routeNERD configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP gateway
	Server ServerConfig `yaml:"server"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Selector/generator LLM
	Selector SelectorConfig `yaml:"selector"`

	// Admission gate
	Gate GateConfig `yaml:"gate"`

	// Action index / candidate router
	Index IndexConfig `yaml:"index"`

	// Context rewriter
	Rewrite RewriteConfig `yaml:"rewrite"`

	// Conversation pipeline
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Action packs (cards, scripts, overrides)
	Packs PacksConfig `yaml:"packs"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP/SSE gateway.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	Timeout        string `yaml:"timeout"`
}

// SelectorConfig configures the selector/generator LLM.
type SelectorConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// GateConfig configures the two-layer admission gate.
// Thresholds are model-dependent: retune them whenever the embedding
// model changes, absolute cosine values do not transfer between models.
type GateConfig struct {
	HighConfidence   float64 `yaml:"high_confidence"`
	Margin           float64 `yaml:"margin"`
	MinClassifyRunes int     `yaml:"min_classify_runes"`
	PatternsFile     string  `yaml:"patterns_file"` // optional YAML pattern override
	ExamplesFile     string  `yaml:"examples_file"` // optional YAML domain-example override
}

// IndexConfig configures the action index and candidate router.
type IndexConfig struct {
	TopK         int    `yaml:"top_k"`
	FetchFactor  int    `yaml:"fetch_factor"`
	Collection   string `yaml:"collection"`
	DatabasePath string `yaml:"database_path"`
}

// RewriteConfig configures the context rewriter.
type RewriteConfig struct {
	MaxRunes     int `yaml:"max_runes"`
	ContextTurns int `yaml:"context_turns"`
}

// PipelineConfig configures the conversation pipeline.
type PipelineConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	TurnTimeout   string `yaml:"turn_timeout"`
}

// PacksConfig configures action pack loading and hot reload.
type PacksConfig struct {
	CardDir       string `yaml:"card_dir"`       // YAML descriptor packs
	ScriptDir     string `yaml:"script_dir"`     // yaegi script packs
	OverridesFile string `yaml:"overrides_file"` // card field overrides
	Watch         bool   `yaml:"watch"`          // fsnotify hot reload
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "routeNERD",
		Version: "0.9.0",

		Server: ServerConfig{
			Addr:            ":8420",
			ShutdownTimeout: "10s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "multilingual-e5-large",
			GenAIModel:     "gemini-embedding-001",
			Timeout:        "30s",
		},

		Selector: SelectorConfig{
			Model:   "gpt-4o-mini",
			BaseURL: "https://api.openai.com/v1",
			Timeout: "120s",
		},

		Gate: GateConfig{
			HighConfidence:   0.87,
			Margin:           0.03,
			MinClassifyRunes: 5,
		},

		Index: IndexConfig{
			TopK:         5,
			FetchFactor:  5,
			Collection:   "actions",
			DatabasePath: "data/routenerd.db",
		},

		Rewrite: RewriteConfig{
			MaxRunes:     15,
			ContextTurns: 4,
		},

		Pipeline: PipelineConfig{
			MaxIterations: 30,
			TurnTimeout:   "120s",
		},

		Packs: PacksConfig{
			CardDir:       "packs/cards",
			ScriptDir:     "packs/scripts",
			OverridesFile: "packs/overrides.yaml",
			Watch:         false,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "routenerd.log",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Embedding provider credentials
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Embedding.Provider == "" {
			c.Embedding.Provider = "genai"
		}
	}
	if url := os.Getenv("OLLAMA_ENDPOINT"); url != "" {
		c.Embedding.OllamaEndpoint = url
	}

	// Selector credentials (priority order)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Selector.APIKey = key
	}
	if key := os.Getenv("ROUTENERD_API_KEY"); key != "" {
		c.Selector.APIKey = key
	}
	if url := os.Getenv("ROUTENERD_BASE_URL"); url != "" {
		c.Selector.BaseURL = url
	}

	// Index database path
	if path := os.Getenv("ROUTENERD_DB"); path != "" {
		c.Index.DatabasePath = path
	}

	// Gateway address
	if addr := os.Getenv("ROUTENERD_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

// GetEmbeddingTimeout returns the embedding call timeout as a duration.
func (c *Config) GetEmbeddingTimeout() time.Duration {
	d, err := time.ParseDuration(c.Embedding.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetSelectorTimeout returns the selector call timeout as a duration.
func (c *Config) GetSelectorTimeout() time.Duration {
	d, err := time.ParseDuration(c.Selector.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetTurnTimeout returns the per-turn deadline as a duration.
func (c *Config) GetTurnTimeout() time.Duration {
	d, err := time.ParseDuration(c.Pipeline.TurnTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the server shutdown grace period.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// ValidEmbeddingProviders lists all supported embedding providers.
var ValidEmbeddingProviders = []string{"ollama", "genai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidEmbeddingProviders {
		if c.Embedding.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidEmbeddingProviders)
	}
	if c.Embedding.Provider == "genai" && c.Embedding.GenAIAPIKey == "" {
		return fmt.Errorf("genai embedding provider requires an API key (set GEMINI_API_KEY)")
	}

	if c.Selector.APIKey == "" {
		return fmt.Errorf("selector API key not configured (set OPENAI_API_KEY or ROUTENERD_API_KEY)")
	}

	if c.Gate.HighConfidence < 0 || c.Gate.HighConfidence > 1 {
		return fmt.Errorf("gate high_confidence must be in [0,1], got %v", c.Gate.HighConfidence)
	}
	if c.Gate.Margin < 0 || c.Gate.Margin > 1 {
		return fmt.Errorf("gate margin must be in [0,1], got %v", c.Gate.Margin)
	}

	if c.Index.TopK <= 0 {
		return fmt.Errorf("index top_k must be positive, got %d", c.Index.TopK)
	}
	if c.Index.FetchFactor <= 0 {
		return fmt.Errorf("index fetch_factor must be positive, got %d", c.Index.FetchFactor)
	}

	if c.Pipeline.MaxIterations <= 0 {
		return fmt.Errorf("pipeline max_iterations must be positive, got %d", c.Pipeline.MaxIterations)
	}

	return nil
}
