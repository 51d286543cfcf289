package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"routenerd/cmd/routenerd/chat"
)

// listActions prints the registered action set of a running gateway.
func listActions(cmd *cobra.Command, args []string) error {
	client := chat.NewClient(gatewayAddr)
	actions, version, err := client.Actions(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Registered actions: %d (registry v%d)\n\n", len(actions), version)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tGROUP\tTAGS\tPURPOSE")
	for _, a := range actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Name, a.Group, strings.Join(a.Tags, ","), a.Purpose)
	}
	return w.Flush()
}

// removeAction removes one action from the registry and the index.
func removeAction(cmd *cobra.Command, args []string) error {
	name := args[0]

	client := chat.NewClient(gatewayAddr)
	result, err := client.RemoveAction(context.Background(), name)
	if err != nil {
		return err
	}

	logger.Info("Action removed",
		zap.String("action", name),
		zap.Int("actions_count", result.ActionsCount),
		zap.Int64("registry_version", result.RegistryVersion))
	fmt.Printf("Removed %s (%d actions remain, registry v%d)\n", name, result.ActionsCount, result.RegistryVersion)
	return nil
}

// reloadGroup reloads an action group from its pack.
func reloadGroup(cmd *cobra.Command, args []string) error {
	group := args[0]

	client := chat.NewClient(gatewayAddr)
	result, err := client.ReloadGroup(context.Background(), group)
	if err != nil {
		return err
	}

	logger.Info("Group reloaded",
		zap.String("group", group),
		zap.Int("actions_count", result.ActionsCount),
		zap.Int64("registry_version", result.RegistryVersion))
	fmt.Printf("Reloaded group %s (%d actions registered, registry v%d)\n", group, result.ActionsCount, result.RegistryVersion)
	return nil
}
