// Package engine implements the local-first synchronization engine:
// optimistic writes against the local store, an ordered outbox of
// pending intents, a drain loop that delivers them to the gateway, and
// a refresh reconciler that merges authoritative snapshots without
// destroying unsynced work.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/satchel/internal/gateway"
	"github.com/hyperengineering/satchel/internal/store"
	"github.com/hyperengineering/satchel/internal/types"
)

const (
	metaInstanceID  = "instance_id"
	metaLastDrainAt = "last_drain_at"
)

// Options configures an Engine.
type Options struct {
	// KeyField names the natural-key field used to reconcile a locally
	// created record with its server-assigned identity. Default "name".
	KeyField string

	// MaxAttempts bounds how often a rejected intent is redispatched
	// before it is dead-lettered. Default 3.
	MaxAttempts int

	// Connectivity decides whether network activity is attempted.
	// Default probes the gateway health endpoint.
	Connectivity Connectivity

	// AutoSync enables the background triggers: a write kicks a drain,
	// a read kicks a collection refresh. Off, callers drive Drain and
	// Refresh explicitly (deterministic for tests).
	AutoSync bool
}

// Engine is the local-first data layer. All operations return from
// local state immediately; network work happens in Drain and Refresh.
type Engine struct {
	store store.Store
	gw    gateway.Client
	conn  Connectivity

	keyField    string
	maxAttempts int
	autoSync    bool
	instanceID  string

	draining   atomic.Bool
	refreshMu  sync.Mutex
	refreshing map[string]bool
}

// New creates an Engine over an opened store and gateway client. The
// replica's instance ID is minted on first use and persisted.
func New(ctx context.Context, st store.Store, gw gateway.Client, opts Options) (*Engine, error) {
	if opts.KeyField == "" {
		opts.KeyField = "name"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Connectivity == nil {
		opts.Connectivity = &GatewayProbe{Client: gw}
	}

	instanceID, err := st.GetMeta(ctx, metaInstanceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		instanceID = ulid.Make().String()
		if err := st.SetMeta(ctx, metaInstanceID, instanceID); err != nil {
			return nil, fmt.Errorf("persist instance id: %w", err)
		}
	case err != nil:
		// A read failure is not a fresh replica; minting here would
		// silently rotate the instance identity.
		return nil, fmt.Errorf("read instance id: %w", err)
	}

	return &Engine{
		store:       st,
		gw:          gw,
		conn:        opts.Connectivity,
		keyField:    opts.KeyField,
		maxAttempts: opts.MaxAttempts,
		autoSync:    opts.AutoSync,
		instanceID:  instanceID,
		refreshing:  make(map[string]bool),
	}, nil
}

// SaveDocument writes optimistically: the local store is updated, a
// WRITE intent is enqueued with a deep payload snapshot, and with
// AutoSync a drain is kicked off in the background. The returned
// document is the record as stored locally.
func (e *Engine) SaveDocument(ctx context.Context, collection string, doc types.Document) (*types.Document, error) {
	doc.Collection = collection
	doc.Fields = doc.Fields.Clone()

	stored, err := e.store.Upsert(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}

	if _, err := e.store.Enqueue(ctx, types.Intent{
		Action:         types.ActionWrite,
		Collection:     collection,
		DocLocalID:     stored.LocalID,
		ServerID:       stored.ServerID,
		Payload:        stored.Fields,
		IdempotencyKey: ulid.Make().String(),
	}); err != nil {
		return nil, fmt.Errorf("enqueue write intent: %w", err)
	}

	e.kickDrain()
	return stored, nil
}

// Collection returns the local replica of a collection, deduplicated by
// identity, and with AutoSync triggers a background refresh. The
// caller never waits on the network.
func (e *Engine) Collection(ctx context.Context, collection string) ([]types.Document, error) {
	docs, err := e.store.Documents(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("read collection: %w", err)
	}

	deduped := dedupe(docs)
	e.kickRefresh(collection)
	return deduped, nil
}

// Document returns a single document from the local replica. On a local
// miss it falls back to the gateway and caches the result.
func (e *Engine) Document(ctx context.Context, collection, serverID string) (*types.Document, error) {
	doc, err := e.store.DocumentByServerID(ctx, collection, serverID)
	if err == nil {
		return doc, nil
	}
	if !e.conn.Online(ctx) {
		return nil, fmt.Errorf("get document: %w", store.ErrNotFound)
	}

	remote, rerr := e.gw.Document(ctx, collection, serverID)
	if rerr != nil {
		return nil, fmt.Errorf("get document: %w", rerr)
	}
	fields, derr := types.DecodeWire(remote.Fields)
	if derr != nil {
		return nil, fmt.Errorf("get document: %w", derr)
	}
	return e.store.Upsert(ctx, types.Document{
		Collection: collection,
		ServerID:   remote.ID,
		Fields:     fields,
	})
}

// DeleteDocument removes a document locally and enqueues the remote
// delete. The identity may be a server ID or the "local:<n>" fallback
// for a record that was never synced; in the latter case the queued
// create is dropped and nothing is sent.
func (e *Engine) DeleteDocument(ctx context.Context, collection, identity string) error {
	if localID, ok := parseLocalIdentity(identity); ok {
		if err := e.store.DeleteByLocalID(ctx, localID); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		if _, err := e.store.DropIntentsForDoc(ctx, localID); err != nil {
			return fmt.Errorf("drop pending intents: %w", err)
		}
		return nil
	}

	if err := e.store.DeleteByServerID(ctx, collection, identity); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if _, err := e.store.Enqueue(ctx, types.Intent{
		Action:         types.ActionDelete,
		Collection:     collection,
		ServerID:       identity,
		IdempotencyKey: ulid.Make().String(),
	}); err != nil {
		return fmt.Errorf("enqueue delete intent: %w", err)
	}

	e.kickDrain()
	return nil
}

// ClearCollection removes every local record in the collection, drops
// the now-moot queued intents, and enqueues a single CLEAR.
func (e *Engine) ClearCollection(ctx context.Context, collection string) error {
	if _, err := e.store.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	superseded, err := e.store.SupersedeCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("supersede intents: %w", err)
	}
	if superseded > 0 {
		slog.Debug("clear superseded queued intents",
			"component", "engine",
			"collection", collection,
			"count", superseded,
		)
	}

	if _, err := e.store.Enqueue(ctx, types.Intent{
		Action:         types.ActionClear,
		Collection:     collection,
		IdempotencyKey: ulid.Make().String(),
	}); err != nil {
		return fmt.Errorf("enqueue clear intent: %w", err)
	}

	e.kickDrain()
	return nil
}

// Status reports outbox depth and age; sync failures are invisible to
// writers, so this is how callers observe sync health.
func (e *Engine) Status(ctx context.Context) (*types.SyncStatus, error) {
	pending, dead, oldest, err := e.store.OutboxStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}

	status := &types.SyncStatus{
		Pending:    pending,
		Dead:       dead,
		InstanceID: e.instanceID,
	}
	if oldest != nil {
		if t, err := time.Parse(time.RFC3339Nano, *oldest); err == nil {
			age := int64(time.Since(t).Seconds())
			status.OldestAge = &age
		}
	}
	if v, err := e.store.GetMeta(ctx, metaLastDrainAt); err == nil && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			status.LastDrainAt = &t
		}
	}
	return status, nil
}

// DeadLetters lists intents parked after repeated rejection.
func (e *Engine) DeadLetters(ctx context.Context) ([]types.Intent, error) {
	return e.store.DeadLetters(ctx)
}

// Requeue returns a dead-lettered intent to the live queue.
func (e *Engine) Requeue(ctx context.Context, sequence int64) error {
	return e.store.RequeueIntent(ctx, sequence)
}

// InstanceID identifies this replica.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// kickDrain starts a background drain when auto-sync is on. Drain
// itself no-ops when offline and when another drain is running.
func (e *Engine) kickDrain() {
	if !e.autoSync {
		return
	}
	go func() {
		if _, err := e.Drain(context.Background()); err != nil && err != ErrDrainInProgress {
			slog.Warn("background drain failed",
				"component", "engine",
				"action", "drain_failed",
				"error", err,
			)
		}
	}()
}

// kickRefresh starts a background refresh when auto-sync is on.
func (e *Engine) kickRefresh(collection string) {
	if !e.autoSync {
		return
	}
	go func() {
		ctx := context.Background()
		if !e.conn.Online(ctx) {
			return
		}
		if err := e.Refresh(ctx, collection); err != nil && err != ErrRefreshInProgress {
			slog.Warn("background refresh failed",
				"component", "engine",
				"action", "refresh_failed",
				"collection", collection,
				"error", err,
			)
		}
	}()
}

// dedupe collapses records sharing an identity, preferring the most
// recently updated copy.
func dedupe(docs []types.Document) []types.Document {
	byIdentity := make(map[string]types.Document, len(docs))
	for _, doc := range docs {
		id := doc.Identity()
		if prev, ok := byIdentity[id]; ok && !doc.UpdatedAt.After(prev.UpdatedAt) {
			continue
		}
		byIdentity[id] = doc
	}

	out := make([]types.Document, 0, len(byIdentity))
	for _, doc := range byIdentity {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

func parseLocalIdentity(identity string) (int64, bool) {
	rest, ok := strings.CutPrefix(identity, "local:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
