package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hyperengineering/satchel/internal/store"
	"github.com/hyperengineering/satchel/internal/types"
)

// reconcile attaches a server-assigned identity to the local record a
// successful create originated from. The local placeholder and the
// remote document are the same logical entity connected only by
// matching natural-key content, so a match failure is survivable: the
// record stays pending and a later refresh will not evict it.
// Reports whether an identity was attached.
func (e *Engine) reconcile(ctx context.Context, collection string, payload types.Fields, serverID string) bool {
	key := payload.Key(e.keyField)

	doc, err := e.store.FindPendingByKey(ctx, collection, e.keyField, key)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("reconciliation miss",
			"component", "engine",
			"action", "reconciliation_miss",
			"collection", collection,
			"server_id", serverID,
		)
		return false
	}
	if err != nil {
		slog.Error("reconciliation lookup failed",
			"component", "engine",
			"collection", collection,
			"error", err,
		)
		return false
	}

	// Any intent still carrying this record without an identity, such
	// as a payload coalesced in while the create was in flight, must
	// now dispatch as an update of the server's document.
	if err := e.store.SetIntentServerID(ctx, doc.LocalID, serverID); err != nil {
		slog.Warn("stamp intents with server id failed",
			"component", "engine",
			"collection", collection,
			"server_id", serverID,
			"error", err,
		)
	}

	if err := e.store.AttachServerID(ctx, doc.LocalID, serverID); err != nil {
		// A refresh may have inserted the server's copy already; the
		// pending placeholder is then a duplicate of a record we hold.
		if _, gerr := e.store.DocumentByServerID(ctx, collection, serverID); gerr == nil {
			if derr := e.store.DeleteByLocalID(ctx, doc.LocalID); derr == nil {
				slog.Info("reconciliation collapsed duplicate",
					"component", "engine",
					"collection", collection,
					"server_id", serverID,
				)
				return true
			}
		}
		slog.Error("attach server id failed",
			"component", "engine",
			"collection", collection,
			"server_id", serverID,
			"error", err,
		)
		return false
	}
	return true
}
