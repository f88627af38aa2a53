// Package gateway defines the engine's contract with the remote
// authoritative store and its HTTP implementation. Transport concerns
// (timeouts, per-request retry, auth) live here, never in the engine.
package gateway

import (
	"context"
)

// Document is the wire form of a remote document. Fields carrying binary
// values are base64-tagged on the wire (see types.EncodeWire).
type Document struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// SaveRequest is the payload for create-or-update. A request without an
// ID is a create; the response carries the server-assigned identity.
type SaveRequest struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

// CollectionResponse wraps a collection listing.
type CollectionResponse struct {
	Documents []Document `json:"documents"`
}

// Client is the remote CRUD contract the sync engine drains against.
type Client interface {
	Collection(ctx context.Context, name string) ([]Document, error)
	Document(ctx context.Context, name, id string) (*Document, error)
	SaveDocument(ctx context.Context, name string, req SaveRequest, idempotencyKey string) (*Document, error)
	DeleteDocument(ctx context.Context, name, id string) error
	ClearCollection(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}
