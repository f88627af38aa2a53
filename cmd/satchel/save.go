package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/satchel/pkg/satchel"
)

var saveIdentity string

var saveCmd = &cobra.Command{
	Use:   "save <collection> <fields>",
	Short: "Save a document",
	Long: `Save a document to a collection. Fields are given either as a JSON
object or as key=value pairs:

  satchel save groceries '{"name": "Milk", "qty": 2}'
  satchel save groceries name=Milk qty=2

The write completes locally and is delivered on the next sync.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSave,
}

func init() {
	saveCmd.Flags().StringVar(&saveIdentity, "id", "",
		"Identity of an existing document to update")
}

func runSave(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	fields, err := parseFieldsArgs(args[1:])
	if err != nil {
		return err
	}

	doc := satchel.Document{Fields: fields}
	if saveIdentity != "" {
		// A "local:<n>" identity addresses a record that has not synced
		// yet; anything else is a server-assigned ID.
		if rest, ok := strings.CutPrefix(saveIdentity, "local:"); ok {
			localID, err := strconv.ParseInt(rest, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid identity %q", saveIdentity)
			}
			doc.LocalID = localID
		} else {
			doc.ServerID = saveIdentity
		}
	}

	saved, err := client.Save(context.Background(), args[0], doc)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), saved)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (queued for sync)\n", saved.Identity())
	return nil
}

// parseFieldsArgs accepts either a single JSON object argument or a
// series of key=value pairs. Values in key=value form stay strings;
// use the JSON form for numbers and booleans.
func parseFieldsArgs(args []string) (satchel.Fields, error) {
	if len(args) == 1 && strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		var fields satchel.Fields
		if err := json.Unmarshal([]byte(args[0]), &fields); err != nil {
			return nil, fmt.Errorf("parse fields JSON: %w", err)
		}
		return fields, nil
	}

	fields := make(satchel.Fields, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", arg)
		}
		fields[key] = value
	}
	return fields, nil
}
