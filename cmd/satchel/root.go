package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/satchel/internal/config"
	"github.com/hyperengineering/satchel/pkg/satchel"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "satchel",
	Short: "Satchel - local-first document sync",
	Long:  "Work with a local document replica that syncs to a gateway in the background.",
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(outboxCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	return cfg, nil
}

// newClient opens the local replica for a one-shot CLI invocation.
// Background sync stays off; commands that need the network drain or
// refresh explicitly.
func newClient(cfg *config.Config) (*satchel.Client, error) {
	return satchel.New(satchel.Config{
		Root:        cfg.Data.Root,
		App:         cfg.Data.App,
		User:        cfg.Data.User,
		GatewayURL:  cfg.Gateway.URL,
		APIKey:      cfg.Gateway.APIKey,
		KeyField:    cfg.Engine.KeyField,
		MaxAttempts: cfg.Engine.MaxAttempts,
		Collections: cfg.Sync.Collections,
	})
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatTimestamp renders an optional time for table output.
func formatTimestamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
