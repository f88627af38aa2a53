package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/satchel/internal/gateway"
	"github.com/hyperengineering/satchel/internal/store"
	"github.com/hyperengineering/satchel/internal/types"
)

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Skipped      bool // connectivity unavailable, nothing attempted
	Delivered    int  // intents confirmed and removed
	Deferred     int  // left queued for a later drain
	DeadLettered int  // rejected past the attempt budget
	Reconciled   int  // creates whose server identity was attached
}

// Drain delivers pending intents to the gateway in sequence order.
// A failing intent never blocks the ones behind it; transient failures
// stay queued, repeated rejections are dead-lettered. At most one drain
// runs at a time: a concurrent invocation observes the guard and
// returns ErrDrainInProgress without touching the queue.
func (e *Engine) Drain(ctx context.Context) (*DrainStats, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return nil, ErrDrainInProgress
	}
	defer e.draining.Store(false)

	stats := &DrainStats{}
	if !e.conn.Online(ctx) {
		stats.Skipped = true
		return stats, nil
	}

	intents, err := e.store.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}

	for _, intent := range intents {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		e.processIntent(ctx, intent, stats)
	}

	if err := e.store.SetMeta(ctx, metaLastDrainAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		slog.Warn("record drain time failed", "component", "engine", "error", err)
	}

	if stats.Delivered > 0 || stats.Deferred > 0 || stats.DeadLettered > 0 {
		slog.Info("drain completed",
			"component", "engine",
			"action", "drain_complete",
			"delivered", stats.Delivered,
			"deferred", stats.Deferred,
			"dead_lettered", stats.DeadLettered,
			"reconciled", stats.Reconciled,
		)
	}
	return stats, nil
}

// processIntent dispatches one intent and settles its queue state.
func (e *Engine) processIntent(ctx context.Context, intent types.Intent, stats *DrainStats) {
	err := e.dispatch(ctx, intent, stats)
	if err == nil {
		derr := e.store.DeleteIntent(ctx, intent.Sequence, intent.Revision)
		switch {
		case derr == nil:
			stats.Delivered++
		case errors.Is(derr, store.ErrIntentChanged):
			// A save coalesced a newer payload in while this dispatch
			// was in flight. Only the old payload is confirmed; the
			// intent stays queued so the new one delivers next drain.
			stats.Deferred++
			slog.Debug("intent changed during dispatch",
				"component", "engine",
				"action", "intent_superseded",
				"sequence", intent.Sequence,
			)
		case errors.Is(derr, store.ErrIntentNotFound):
			// Removed out from under the drain, e.g. by a CLEAR
			// superseding the collection's queue.
			slog.Debug("confirmed intent already removed",
				"component", "engine",
				"sequence", intent.Sequence,
			)
		default:
			slog.Error("confirmed intent could not be removed",
				"component", "engine",
				"sequence", intent.Sequence,
				"error", derr,
			)
		}
		return
	}

	if gateway.IsTransient(err) {
		stats.Deferred++
		if merr := e.store.MarkIntentFailed(ctx, intent.Sequence, err.Error(), false, false); merr != nil {
			slog.Error("mark intent failed", "component", "engine", "sequence", intent.Sequence, "error", merr)
		}
		slog.Debug("intent deferred",
			"component", "engine",
			"action", "intent_deferred",
			"sequence", intent.Sequence,
			"error", err,
		)
		return
	}

	// Rejected: retrying the same payload will not succeed forever.
	dead := intent.Rejections+1 >= e.maxAttempts
	if dead {
		stats.DeadLettered++
	} else {
		stats.Deferred++
	}
	if merr := e.store.MarkIntentFailed(ctx, intent.Sequence, err.Error(), true, dead); merr != nil {
		slog.Error("mark intent failed", "component", "engine", "sequence", intent.Sequence, "error", merr)
	}
	slog.Warn("intent rejected",
		"component", "engine",
		"action", "intent_rejected",
		"sequence", intent.Sequence,
		"collection", intent.Collection,
		"rejections", intent.Rejections+1,
		"dead_lettered", dead,
		"error", err,
	)
}

// dispatch sends one intent to the gateway. Binary payload fields are
// encoded to their transport form here, at send time. The local store
// keeps them in native form.
func (e *Engine) dispatch(ctx context.Context, intent types.Intent, stats *DrainStats) error {
	switch intent.Action {
	case types.ActionWrite:
		doc, err := e.gw.SaveDocument(ctx, intent.Collection, gateway.SaveRequest{
			ID:     intent.ServerID,
			Fields: types.EncodeWire(intent.Payload),
		}, intent.IdempotencyKey)
		if err != nil {
			return err
		}
		if intent.Create() && doc.ID != "" {
			if e.reconcile(ctx, intent.Collection, intent.Payload, doc.ID) {
				stats.Reconciled++
			}
		}
		return nil

	case types.ActionDelete:
		err := e.gw.DeleteDocument(ctx, intent.Collection, intent.ServerID)
		if errors.Is(err, gateway.ErrNotFound) {
			// Already gone remotely; the intent's effect holds.
			return nil
		}
		return err

	case types.ActionClear:
		return e.gw.ClearCollection(ctx, intent.Collection)

	default:
		return fmt.Errorf("%w: unknown action %q", gateway.ErrRejected, intent.Action)
	}
}
