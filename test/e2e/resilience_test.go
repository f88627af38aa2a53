//go:build e2e

package e2e

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/satchel/pkg/satchel"
)

// TestResilience_OutageThenRecovery verifies work queued against a dead
// gateway survives and delivers once the gateway is back.
func TestResilience_OutageThenRecovery(t *testing.T) {
	gateway := startGateway(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "replica.db")
	client, err := satchel.New(satchel.Config{
		LocalPath:  path,
		GatewayURL: "http://127.0.0.1:9", // nothing listens here
		APIKey:     testAPIKey,
	})
	if err != nil {
		t.Fatalf("open replica: %v", err)
	}

	// Writes succeed with the gateway unreachable
	if _, err := client.Save(ctx, "groceries", satchel.Document{Fields: satchel.Fields{"name": "Milk"}}); err != nil {
		t.Fatalf("save while offline: %v", err)
	}
	stats, err := client.Drain(ctx)
	if err != nil {
		t.Fatalf("drain while offline: %v", err)
	}
	if !stats.Skipped {
		t.Fatalf("drain should skip against a dead gateway, got %+v", stats)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen pointed at a live gateway; the queued intent delivers
	client, err = satchel.New(satchel.Config{
		LocalPath:  path,
		GatewayURL: gateway.URL,
		APIKey:     testAPIKey,
	})
	if err != nil {
		t.Fatalf("reopen replica: %v", err)
	}
	defer client.Close()

	stats, err = client.Drain(ctx)
	if err != nil {
		t.Fatalf("drain after recovery: %v", err)
	}
	if stats.Delivered != 1 || stats.Reconciled != 1 {
		t.Fatalf("queued intent did not deliver: %+v", stats)
	}

	docs := mustCollection(t, client, "groceries")
	if len(docs) != 1 || docs[0].ServerID == "" {
		t.Errorf("expected one reconciled record, got %+v", docs)
	}
}

// TestResilience_ClearWhileOffline verifies a clear queued offline
// reaches the gateway on recovery and wipes the remote collection.
func TestResilience_ClearWhileOffline(t *testing.T) {
	gateway := startGateway(t)
	seeder := newReplica(t, gateway, "seeder")
	ctx := context.Background()

	if _, err := seeder.Save(ctx, "groceries", satchel.Document{Fields: satchel.Fields{"name": "Milk"}}); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	if _, err := seeder.Drain(ctx); err != nil {
		t.Fatalf("seed drain: %v", err)
	}

	// The offline replica had already pulled state, then clears locally
	offline := newReplica(t, gateway, "offline")
	if err := offline.Refresh(ctx, "groceries"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := offline.Clear(ctx, "groceries"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	// The clear drains like any other intent
	stats, err := offline.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("clear intent did not deliver: %+v", stats)
	}

	if err := seeder.Refresh(ctx, "groceries"); err != nil {
		t.Fatalf("seeder refresh: %v", err)
	}
	if docs := mustCollection(t, seeder, "groceries"); len(docs) != 0 {
		t.Errorf("remote collection should be empty, got %+v", docs)
	}
}
