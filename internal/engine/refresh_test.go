package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hyperengineering/satchel/internal/gateway"
	"github.com/hyperengineering/satchel/internal/types"
)

func collectionNames(docs []types.Document) map[string]string {
	out := make(map[string]string, len(docs))
	for _, d := range docs {
		name, _ := d.Fields["name"].(string)
		out[name] = d.ServerID
	}
	return out
}

func TestRefresh_ReplacesLocalWithSnapshot(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("groceries",
		gateway.Document{ID: "a1", Fields: map[string]any{"name": "Milk"}},
		gateway.Document{ID: "a2", Fields: map[string]any{"name": "Eggs"}},
	)
	e, _ := newTestEngine(t, gw)
	ctx := context.Background()

	if err := e.Refresh(ctx, "groceries"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	docs, _ := e.Collection(ctx, "groceries")
	got := collectionNames(docs)
	if len(got) != 2 || got["Milk"] != "a1" || got["Eggs"] != "a2" {
		t.Errorf("unexpected replica: %v", got)
	}

	// When: the authoritative snapshot moves on
	gw.mu.Lock()
	delete(gw.collections["groceries"], "a2")
	gw.collections["groceries"]["a1"] = gateway.Document{ID: "a1", Fields: map[string]any{"name": "Whole Milk"}}
	gw.collections["groceries"]["a3"] = gateway.Document{ID: "a3", Fields: map[string]any{"name": "Butter"}}
	gw.mu.Unlock()

	if err := e.Refresh(ctx, "groceries"); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}

	// Then: updates, inserts and evictions all land
	docs, _ = e.Collection(ctx, "groceries")
	got = collectionNames(docs)
	if len(got) != 2 || got["Whole Milk"] != "a1" || got["Butter"] != "a3" {
		t.Errorf("snapshot not applied: %v", got)
	}
}

func TestRefresh_ProtectsUnsyncedWork(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("groceries",
		gateway.Document{ID: "a1", Fields: map[string]any{"name": "Eggs"}},
	)
	e, st := newTestEngine(t, gw)
	ctx := context.Background()

	// Given: a pending create the server has never seen, and a synced
	// record with an unsent update against it
	mustSave(t, e, "groceries", "Milk")
	if err := e.Refresh(ctx, "groceries"); err != nil {
		t.Fatalf("seed Refresh: %v", err)
	}
	if _, err := e.SaveDocument(ctx, "groceries", types.Document{
		ServerID: "a1",
		Fields:   types.Fields{"name": "Eggs", "qty": float64(12)},
	}); err != nil {
		t.Fatalf("SaveDocument update: %v", err)
	}

	// When: the snapshot contains neither of them
	gw.mu.Lock()
	gw.collections["groceries"] = map[string]gateway.Document{
		"a9": {ID: "a9", Fields: map[string]any{"name": "Bread"}},
	}
	gw.mu.Unlock()
	if err := e.Refresh(ctx, "groceries"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Then: both protected records survive alongside the snapshot
	docs, _ := e.Collection(ctx, "groceries")
	got := collectionNames(docs)
	if _, ok := got["Milk"]; !ok {
		t.Errorf("pending create evicted: %v", got)
	}
	if got["Eggs"] != "a1" {
		t.Errorf("record with queued update evicted: %v", got)
	}
	if got["Bread"] != "a9" {
		t.Errorf("snapshot record missing: %v", got)
	}

	// And the queued intents are untouched
	pending, _ := st.Pending(ctx)
	if len(pending) != 2 {
		t.Errorf("refresh must not touch the outbox, got %+v", pending)
	}
}

func TestRefresh_FetchFailureLeavesReplicaUntouched(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("groceries", gateway.Document{ID: "a1", Fields: map[string]any{"name": "Milk"}})
	e, _ := newTestEngine(t, gw)
	ctx := context.Background()

	if err := e.Refresh(ctx, "groceries"); err != nil {
		t.Fatalf("seed Refresh: %v", err)
	}

	// When: the fetch fails
	gw.mu.Lock()
	gw.collectionErr = fmt.Errorf("%w: gateway down", gateway.ErrUnavailable)
	gw.mu.Unlock()
	err := e.Refresh(ctx, "groceries")
	if !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected fetch failure, got %v", err)
	}

	// Then: the replica still serves the previous state
	docs, _ := e.Collection(ctx, "groceries")
	if len(docs) != 1 || docs[0].Fields["name"] != "Milk" {
		t.Errorf("replica mutated on failed refresh: %+v", docs)
	}
}

func TestRefresh_EmptySnapshotClearsUnprotectedRecords(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("groceries", gateway.Document{ID: "a1", Fields: map[string]any{"name": "Milk"}})
	e, _ := newTestEngine(t, gw)
	ctx := context.Background()

	if err := e.Refresh(ctx, "groceries"); err != nil {
		t.Fatalf("seed Refresh: %v", err)
	}

	gw.mu.Lock()
	gw.collections["groceries"] = nil
	gw.mu.Unlock()
	if err := e.Refresh(ctx, "groceries"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	docs, _ := e.Collection(ctx, "groceries")
	if len(docs) != 0 {
		t.Errorf("expected empty replica, got %+v", docs)
	}
}

func TestRefresh_GuardIsPerCollection(t *testing.T) {
	gw := newFakeGateway()
	e, _ := newTestEngine(t, gw)

	// The same collection cannot refresh twice at once; a different
	// collection is unaffected.
	if !e.beginRefresh("groceries") {
		t.Fatal("first guard acquisition should succeed")
	}
	if e.beginRefresh("groceries") {
		t.Error("second acquisition for the same collection should fail")
	}
	if !e.beginRefresh("hardware") {
		t.Error("a different collection should be free to refresh")
	}
	e.endRefresh("groceries")
	if !e.beginRefresh("groceries") {
		t.Error("guard should be free after release")
	}

	if err := e.Refresh(context.Background(), "groceries"); !errors.Is(err, ErrRefreshInProgress) {
		t.Errorf("expected ErrRefreshInProgress while held, got %v", err)
	}
}

func TestRefresh_DecodesBinaryFieldsFromWire(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("attachments", gateway.Document{
		ID: "a1",
		Fields: map[string]any{
			"name": "photo",
			"data": map[string]any{"$binary": "aGVsbG8="},
		},
	})
	e, _ := newTestEngine(t, gw)
	ctx := context.Background()

	if err := e.Refresh(ctx, "attachments"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	docs, _ := e.Collection(ctx, "attachments")
	if len(docs) != 1 {
		t.Fatalf("expected one record, got %d", len(docs))
	}
	data, ok := docs[0].Fields["data"].([]byte)
	if !ok || string(data) != "hello" {
		t.Errorf("expected decoded binary field, got %#v", docs[0].Fields["data"])
	}
}
