package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"routenerd/cmd/routenerd/chat"
)

// showIndexStatus prints the action index state of a running gateway.
func showIndexStatus(cmd *cobra.Command, args []string) error {
	client := chat.NewClient(gatewayAddr)
	status, err := client.IndexStatus(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Index version: %d\n", status.Version)
	fmt.Printf("Documents:     %d\n", status.Documents)
	fmt.Printf("Actions:       %d\n", status.Actions)
	fmt.Printf("Rebuilds:      %d\n", status.Rebuilds)
	if !status.LastRebuild.IsZero() {
		fmt.Printf("Last rebuild:  %s\n", status.LastRebuild.Format(time.RFC3339))
	}
	if len(status.UnderIndexed) > 0 {
		fmt.Printf("Under-indexed: %s\n", strings.Join(status.UnderIndexed, ", "))
	}
	return nil
}

// rebuildIndex forces a full reconcile on a running gateway. Actions
// whose content hash is unchanged are skipped server-side.
func rebuildIndex(cmd *cobra.Command, args []string) error {
	client := chat.NewClient(gatewayAddr)
	status, err := client.RebuildIndex(context.Background())
	if err != nil {
		return err
	}

	logger.Info("Index rebuilt",
		zap.Int64("version", status.Version),
		zap.Int("documents", status.Documents),
		zap.Int("actions", status.Actions))
	fmt.Printf("Rebuilt index: %d documents across %d actions (index v%d)\n",
		status.Documents, status.Actions, status.Version)
	return nil
}
