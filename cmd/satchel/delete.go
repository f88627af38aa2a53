package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <collection> <identity>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

var clearCmd = &cobra.Command{
	Use:   "clear <collection>",
	Short: "Clear a collection",
	Long:  "Remove every document in a collection, locally and on the gateway.",
	Args:  cobra.ExactArgs(1),
	RunE:  runClear,
}

func runDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Delete(context.Background(), args[0], args[1]); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[1])
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Clear(context.Background(), args[0]); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", args[0])
	return nil
}
