package api

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/satchel/internal/gateway"
)

// ErrNotFound indicates a missing collection or document.
var ErrNotFound = errors.New("not found")

// idempotencyTTL bounds how long a create result is replayable. A key
// older than this is treated as new; clients retry create intents on a
// much shorter horizon.
const idempotencyTTL = 24 * time.Hour

type idempotencyEntry struct {
	doc      gateway.Document
	recorded time.Time
}

// MemStore is the in-memory authoritative store behind the reference
// gateway. Server-assigned document IDs are UUIDs. Creates are
// deduplicated by Idempotency-Key: a replayed key returns the original
// result instead of minting a second document.
type MemStore struct {
	mu          sync.Mutex
	collections map[string]map[string]gateway.Document
	idempotency map[string]idempotencyEntry
	now         func() time.Time
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		collections: make(map[string]map[string]gateway.Document),
		idempotency: make(map[string]idempotencyEntry),
		now:         time.Now,
	}
}

// Collection returns all documents in a collection, ordered by ID. An
// unknown collection is an empty collection, not an error.
func (s *MemStore) Collection(name string) []gateway.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]gateway.Document, 0, len(s.collections[name]))
	for _, d := range s.collections[name] {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// Document returns one document by ID.
func (s *MemStore) Document(name, id string) (*gateway.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.collections[name][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// Save creates or updates a document. A request without an ID mints a
// new UUID identity unless the idempotency key has been seen before, in
// which case the original document is returned unchanged. An update to
// an unknown ID fails with ErrNotFound.
func (s *MemStore) Save(name, id string, fields map[string]any, idempotencyKey string) (*gateway.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		if idempotencyKey != "" {
			if entry, ok := s.idempotency[idempotencyKey]; ok && s.now().Sub(entry.recorded) < idempotencyTTL {
				return &entry.doc, nil
			}
		}
		id = uuid.NewString()
	} else if _, ok := s.collections[name][id]; !ok {
		return nil, ErrNotFound
	}

	doc := gateway.Document{ID: id, Fields: fields}
	if s.collections[name] == nil {
		s.collections[name] = make(map[string]gateway.Document)
	}
	s.collections[name][id] = doc

	if idempotencyKey != "" {
		s.pruneIdempotencyLocked()
		s.idempotency[idempotencyKey] = idempotencyEntry{doc: doc, recorded: s.now()}
	}
	return &doc, nil
}

// Delete removes one document.
func (s *MemStore) Delete(name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[name][id]; !ok {
		return ErrNotFound
	}
	delete(s.collections[name], id)
	return nil
}

// Clear removes every document in a collection. Clearing an unknown
// collection succeeds; the desired end state already holds.
func (s *MemStore) Clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
}

// Stats reports collection and document counts.
func (s *MemStore) Stats() (collections, documents int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, docs := range s.collections {
		if len(docs) > 0 {
			collections++
			documents += len(docs)
		}
	}
	return collections, documents
}

// pruneIdempotencyLocked drops expired replay entries. Caller holds mu.
func (s *MemStore) pruneIdempotencyLocked() {
	cutoff := s.now().Add(-idempotencyTTL)
	for key, entry := range s.idempotency {
		if entry.recorded.Before(cutoff) {
			delete(s.idempotency, key)
		}
	}
}
