package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect dead-lettered intents",
	Long:  "List intents parked after repeated rejection and return them to the queue.",
	Args:  cobra.NoArgs,
	RunE:  runOutbox,
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue <sequence>",
	Short: "Return a dead-lettered intent to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxRequeue,
}

func init() {
	outboxCmd.AddCommand(outboxRequeueCmd)
}

func runOutbox(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	dead, err := client.DeadLetters(context.Background())
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"dead_letters": dead,
			"total":        len(dead),
		})
	}

	if len(dead) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead-lettered intents.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "SEQUENCE\tACTION\tCOLLECTION\tATTEMPTS\tREJECTIONS\tLAST ERROR")
	for _, intent := range dead {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\n",
			intent.Sequence,
			intent.Action,
			intent.Collection,
			intent.Attempts,
			intent.Rejections,
			intent.LastError,
		)
	}
	w.Flush()

	return nil
}

func runOutboxRequeue(cmd *cobra.Command, args []string) error {
	sequence, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sequence %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Requeue(context.Background(), sequence); err != nil {
		return fmt.Errorf("requeue intent %d: %w", sequence, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued intent %d\n", sequence)
	return nil
}
