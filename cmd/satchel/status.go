package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Status(context.Background())
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), status)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Instance:     %s\n", status.InstanceID)
	fmt.Fprintf(out, "Pending:      %d\n", status.Pending)
	fmt.Fprintf(out, "Dead letters: %d\n", status.Dead)
	if status.OldestAge != nil {
		fmt.Fprintf(out, "Oldest:       %ds\n", *status.OldestAge)
	}
	fmt.Fprintf(out, "Last drain:   %s\n", formatTimestamp(status.LastDrainAt))
	return nil
}
