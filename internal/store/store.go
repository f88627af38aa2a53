package store

import (
	"context"

	"github.com/hyperengineering/satchel/internal/types"
)

// Store defines the interface contract for local document and outbox
// persistence. It is a pure keyed container: no network access happens
// behind this interface.
type Store interface {
	// Documents
	Upsert(ctx context.Context, doc types.Document) (*types.Document, error)
	Documents(ctx context.Context, collection string) ([]types.Document, error)
	DocumentByServerID(ctx context.Context, collection, serverID string) (*types.Document, error)
	DeleteByLocalID(ctx context.Context, localID int64) error
	DeleteByServerID(ctx context.Context, collection, serverID string) error
	DeleteCollection(ctx context.Context, collection string) (int64, error)
	AttachServerID(ctx context.Context, localID int64, serverID string) error
	FindPendingByKey(ctx context.Context, collection, keyField, key string) (*types.Document, error)
	ApplyRefresh(ctx context.Context, collection string, remote []types.Document, keyField string) error

	// Outbox
	Enqueue(ctx context.Context, intent types.Intent) (*types.Intent, error)
	Pending(ctx context.Context) ([]types.Intent, error)
	DeleteIntent(ctx context.Context, sequence, revision int64) error
	SetIntentServerID(ctx context.Context, docLocalID int64, serverID string) error
	MarkIntentFailed(ctx context.Context, sequence int64, cause string, rejected, dead bool) error
	SupersedeCollection(ctx context.Context, collection string) (int64, error)
	DropIntentsForDoc(ctx context.Context, docLocalID int64) (int64, error)
	DeadLetters(ctx context.Context) ([]types.Intent, error)
	RequeueIntent(ctx context.Context, sequence int64) error
	OutboxStats(ctx context.Context) (pending int, dead int, oldestQueuedAt *string, err error)

	// Metadata
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}
