package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [collections...]",
	Short: "Sync with the gateway now",
	Long: `Drain the outbox and refresh collections. With no arguments the
collections from the sync configuration are refreshed.`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()

	stats, err := client.Drain(ctx)
	if err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}
	if stats.Skipped {
		return fmt.Errorf("gateway unreachable, nothing synced")
	}

	collections := args
	if len(collections) == 0 {
		collections = cfg.Sync.Collections
	}
	var refreshed []string
	for _, collection := range collections {
		if err := client.Refresh(ctx, collection); err != nil {
			return fmt.Errorf("refresh %s: %w", collection, err)
		}
		refreshed = append(refreshed, collection)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"delivered":     stats.Delivered,
			"deferred":      stats.Deferred,
			"dead_lettered": stats.DeadLettered,
			"reconciled":    stats.Reconciled,
			"refreshed":     refreshed,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"Delivered %d, deferred %d, dead-lettered %d; refreshed %d collection(s)\n",
		stats.Delivered, stats.Deferred, stats.DeadLettered, len(refreshed))
	return nil
}
