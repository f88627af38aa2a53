package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var listRefresh bool

var listCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List documents in a collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listRefresh, "refresh", false,
		"Pull the latest snapshot from the gateway first")
}

func runList(cmd *cobra.Command, args []string) error {
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
	collection := args[0]

	if listRefresh {
		if err := client.Refresh(ctx, collection); err != nil {
			return fmt.Errorf("refresh collection: %w", err)
		}
	}

	docs, err := client.Collection(ctx, collection)
	if err != nil {
		return fmt.Errorf("list collection: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"collection": collection,
			"documents":  docs,
			"total":      len(docs),
		})
	}

	if len(docs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No documents found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "IDENTITY\tSYNCED\tUPDATED\tFIELDS")
	for _, doc := range docs {
		synced := "yes"
		if doc.PendingCreate() {
			synced = "pending"
		}
		fields, _ := json.Marshal(doc.Fields)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			doc.Identity(),
			synced,
			doc.UpdatedAt.Format("2006-01-02 15:04:05"),
			string(fields),
		)
	}
	w.Flush()

	return nil
}
