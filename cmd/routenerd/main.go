package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"routenerd/cmd/routenerd/chat"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	workspace   string
	gatewayAddr string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "routenerd",
	Short: "routeNERD - gated action router for insurance counseling",
	Long: `routeNERD is a conversation gateway for Korean insurance counseling.

Every user turn passes a two-layer admission gate (regex patterns plus a
semantic classifier) before an LLM selector may route it to registered
actions, and every answer passes an output gate before the user sees it.

Run without arguments to start the interactive chat client against a
running gateway. Run 'routenerd serve' to start the gateway itself.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip logger init for the chat client (it has its own UI)
		if cmd.Name() == "routenerd" || cmd.Name() == "chat" {
			return nil
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return chat.Run(chat.Options{Addr: gatewayAddr})
	},
}

// chatCmd is the explicit spelling of the default command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive chat client",
	RunE: func(cmd *cobra.Command, args []string) error {
		return chat.Run(chat.Options{Addr: gatewayAddr})
	},
}

// serveCmd runs the HTTP/SSE gateway
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the routeNERD gateway",
	Long: `Starts the HTTP/SSE gateway.

Boot sequence:
  1. Load configuration and initialize category logging
  2. Connect the embedding engine and vector store
  3. Register built-in actions and load card/script packs
  4. Build gate references and the action index
  5. Serve the chat, health, actions and index APIs`,
	RunE: runServe,
}

// statusCmd shows gateway and collaborator status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show routeNERD status",
	RunE:  showStatus,
}

// actionsCmd manages the registered action set of a running gateway
var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Manage actions on a running gateway",
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered actions",
	RunE:  listActions,
}

var actionsRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove an action from the registry and the index",
	Args:  cobra.ExactArgs(1),
	RunE:  removeAction,
}

var actionsReloadCmd = &cobra.Command{
	Use:   "reload [group]",
	Short: "Reload an action group from its pack",
	Args:  cobra.ExactArgs(1),
	RunE:  reloadGroup,
}

// indexCmd inspects and maintains the action index of a running gateway
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and maintain the action index",
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index document counts and versions",
	RunE:  showIndexStatus,
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Force a reconcile against the current registry",
	RunE:  rebuildIndex,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/routenerd.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "addr", defaultGatewayAddr(), "Gateway base URL for client commands")

	// Actions subcommands
	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsRemoveCmd)
	actionsCmd.AddCommand(actionsReloadCmd)

	// Index subcommands
	indexCmd.AddCommand(indexStatusCmd)
	indexCmd.AddCommand(indexRebuildCmd)

	// Add commands to root
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(indexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// defaultGatewayAddr resolves the client-side gateway URL.
func defaultGatewayAddr() string {
	if addr := os.Getenv("ROUTENERD_URL"); addr != "" {
		return addr
	}
	return "http://localhost:8420"
}

// resolveWorkspace returns the effective workspace directory.
func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

// resolveConfigPath returns the effective config file path.
func resolveConfigPath(ws string) string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(ws, "routenerd.yaml")
}
