package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/satchel/internal/types"
)

// Refresh pulls the authoritative snapshot of a collection and merges
// it into the local store. A record referenced by an outstanding
// intent, whether by server id or by natural key for unsent creates,
// is never evicted even when it is absent from the fetched snapshot;
// the store decides protection inside the merge transaction itself. A
// fetch failure aborts before any local mutation.
func (e *Engine) Refresh(ctx context.Context, collection string) error {
	if !e.beginRefresh(collection) {
		return ErrRefreshInProgress
	}
	defer e.endRefresh(collection)

	remote, err := e.gw.Collection(ctx, collection)
	if err != nil {
		return fmt.Errorf("fetch collection %s: %w", collection, err)
	}

	docs := make([]types.Document, 0, len(remote))
	for _, d := range remote {
		fields, err := types.DecodeWire(d.Fields)
		if err != nil {
			return fmt.Errorf("decode document %s: %w", d.ID, err)
		}
		docs = append(docs, types.Document{
			Collection: collection,
			ServerID:   d.ID,
			Fields:     fields,
		})
	}

	if err := e.store.ApplyRefresh(ctx, collection, docs, e.keyField); err != nil {
		return fmt.Errorf("apply refresh: %w", err)
	}

	if err := e.store.SetMeta(ctx, "last_refresh_"+collection, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		slog.Warn("record refresh time failed", "component", "engine", "collection", collection, "error", err)
	}

	slog.Debug("refresh completed",
		"component", "engine",
		"action", "refresh_complete",
		"collection", collection,
		"fetched", len(remote),
	)
	return nil
}

// beginRefresh takes the per-collection refresh guard. Refreshes of
// different collections interleave freely.
func (e *Engine) beginRefresh(collection string) bool {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	if e.refreshing[collection] {
		return false
	}
	e.refreshing[collection] = true
	return true
}

func (e *Engine) endRefresh(collection string) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	delete(e.refreshing, collection)
}
