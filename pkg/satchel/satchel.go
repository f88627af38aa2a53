// Package satchel is the embeddable client: a local-first document
// store that syncs to a gateway in the background. Reads and writes
// always complete locally; the network is never on the caller's path.
package satchel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/satchel/internal/engine"
	"github.com/hyperengineering/satchel/internal/gateway"
	"github.com/hyperengineering/satchel/internal/store"
	"github.com/hyperengineering/satchel/internal/types"
	"github.com/hyperengineering/satchel/internal/worker"
)

// Document is a locally stored document. See Document.Identity for the
// stable handle callers should hold.
type Document = types.Document

// Fields is a document's field map. Values may include []byte binary
// attachments alongside JSON scalars.
type Fields = types.Fields

// Intent is one queued outbox entry.
type Intent = types.Intent

// SyncStatus reports outbox depth and drain recency.
type SyncStatus = types.SyncStatus

// DrainStats summarizes one outbox drain pass.
type DrainStats = engine.DrainStats

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("satchel: client is closed")

// Config holds the client configuration.
type Config struct {
	LocalPath string // explicit database file; overrides Root/App/User

	Root string // data root (default: ~/.satchel)
	App  string // application namespace (default: satchel)
	User string // user namespace (default: default)

	GatewayURL string // remote gateway base URL
	APIKey     string // API key for authentication

	KeyField    string        // natural-key field for create reconciliation (default: name)
	MaxAttempts int           // rejection budget before dead-lettering (default: 3)
	AutoSync    bool          // background drain and refresh
	Interval    time.Duration // background sync interval (default: 30s)
	Collections []string      // collections refreshed by background sync

	OfflineMode bool // never touch the network
}

// Client is a satchel handle. Safe for concurrent use.
type Client struct {
	store  *store.SQLiteStore
	engine *engine.Engine

	mu       sync.RWMutex
	closed   bool
	cancel   context.CancelFunc
	syncDone chan struct{}
}

// New opens (or creates) the local replica and connects it to the
// gateway. With AutoSync, a background coordinator drains and
// refreshes on the configured interval until Close.
func New(cfg Config) (*Client, error) {
	path, err := resolvePath(cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}

	gw := gateway.NewHTTPClient(cfg.GatewayURL, cfg.APIKey)
	var conn engine.Connectivity
	if cfg.OfflineMode || cfg.GatewayURL == "" {
		conn = engine.StaticConnectivity(false)
	}

	eng, err := engine.New(context.Background(), st, gw, engine.Options{
		KeyField:     cfg.KeyField,
		MaxAttempts:  cfg.MaxAttempts,
		Connectivity: conn,
		AutoSync:     cfg.AutoSync && !cfg.OfflineMode,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	c := &Client{
		store:    st,
		engine:   eng,
		syncDone: make(chan struct{}),
	}

	if cfg.AutoSync && !cfg.OfflineMode {
		interval := cfg.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		coordinator := worker.NewSyncCoordinator(eng, interval, cfg.Collections)
		go func() {
			defer close(c.syncDone)
			coordinator.Run(ctx)
		}()
	} else {
		close(c.syncDone)
	}

	return c, nil
}

// Close stops background sync, attempts a final drain, and closes the
// local store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.cancel != nil {
		c.cancel()
		<-c.syncDone
	}

	// Best-effort final push; queued intents survive in the store
	// either way.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = c.engine.Drain(ctx)

	return c.store.Close()
}

// Save writes a document to the given collection. The write completes
// locally; delivery to the gateway happens on the next drain. The
// returned document carries the identity to hold on to.
func (c *Client) Save(ctx context.Context, collection string, doc Document) (*Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.engine.SaveDocument(ctx, collection, doc)
}

// Collection lists the local replica of a collection.
func (c *Client) Collection(ctx context.Context, collection string) ([]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.engine.Collection(ctx, collection)
}

// Document fetches a single document by identity, falling back to the
// gateway on a local miss.
func (c *Client) Document(ctx context.Context, collection, identity string) (*Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.engine.Document(ctx, collection, identity)
}

// Delete removes a document by identity.
func (c *Client) Delete(ctx context.Context, collection, identity string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.engine.DeleteDocument(ctx, collection, identity)
}

// Clear removes every document in a collection.
func (c *Client) Clear(ctx context.Context, collection string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.engine.ClearCollection(ctx, collection)
}

// Drain pushes pending intents to the gateway now.
func (c *Client) Drain(ctx context.Context) (*DrainStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.engine.Drain(ctx)
}

// Refresh pulls the authoritative snapshot of a collection now.
func (c *Client) Refresh(ctx context.Context, collection string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.engine.Refresh(ctx, collection)
}

// Status reports sync health.
func (c *Client) Status(ctx context.Context) (*SyncStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.engine.Status(ctx)
}

// DeadLetters lists intents parked after repeated rejection.
func (c *Client) DeadLetters(ctx context.Context) ([]Intent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.engine.DeadLetters(ctx)
}

// Requeue returns a dead-lettered intent to the live queue.
func (c *Client) Requeue(ctx context.Context, sequence int64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.engine.Requeue(ctx, sequence)
}

// InstanceID identifies this replica.
func (c *Client) InstanceID() string {
	return c.engine.InstanceID()
}

// resolvePath derives the database file location from the config.
func resolvePath(cfg Config) (string, error) {
	if cfg.LocalPath != "" {
		return cfg.LocalPath, nil
	}

	root := cfg.Root
	if root == "" {
		root = "~/.satchel"
	}
	if strings.HasPrefix(root, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		root = filepath.Join(home, strings.TrimPrefix(root, "~"))
	}

	app := cfg.App
	if app == "" {
		app = "satchel"
	}
	user := cfg.User
	if user == "" {
		user = "default"
	}
	return store.DatabasePath(root, app, user), nil
}
