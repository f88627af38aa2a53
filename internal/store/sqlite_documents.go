package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/satchel/internal/types"
)

// Upsert inserts or updates a document. Matching order:
//
//  1. a document with the same (collection, server_id) is updated in place;
//  2. doc.LocalID, when set, updates the same still-pending record; a
//     second save on an unsynced record must never mint a duplicate;
//  3. otherwise a new pending-create row is inserted with a fresh local id.
//
// The stored document is returned with its local id and timestamps set.
func (s *SQLiteStore) Upsert(ctx context.Context, doc types.Document) (*types.Document, error) {
	scalars, blobs := doc.Fields.Split()
	fieldsJSON, err := marshalScalars(scalars)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	localID, createdAt, err := s.upsertTx(ctx, tx, doc, fieldsJSON, now)
	if err != nil {
		return nil, err
	}

	if err := replaceDocumentBlobs(ctx, tx, localID, blobs); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	stored := doc
	stored.LocalID = localID
	stored.Fields = doc.Fields.Clone()
	stored.CreatedAt = createdAt
	stored.UpdatedAt = now
	return &stored, nil
}

func (s *SQLiteStore) upsertTx(ctx context.Context, tx *sql.Tx, doc types.Document, fieldsJSON string, now time.Time) (int64, time.Time, error) {
	// 1. Match on server identity.
	if doc.ServerID != "" {
		var localID int64
		var createdAt string
		err := tx.QueryRowContext(ctx, `
			SELECT local_id, created_at FROM documents
			WHERE collection = ? AND server_id = ?
		`, doc.Collection, doc.ServerID).Scan(&localID, &createdAt)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `
				UPDATE documents SET fields = ?, updated_at = ? WHERE local_id = ?
			`, fieldsJSON, formatTime(now), localID)
			if err != nil {
				return 0, time.Time{}, fmt.Errorf("update document: %w", err)
			}
			return localID, parseTime(createdAt), nil
		case !errors.Is(err, sql.ErrNoRows):
			return 0, time.Time{}, fmt.Errorf("find document by server id: %w", err)
		}
	}

	// 2. Match on local identity while still pending.
	if doc.LocalID != 0 {
		var createdAt string
		err := tx.QueryRowContext(ctx, `
			SELECT created_at FROM documents WHERE local_id = ? AND collection = ?
		`, doc.LocalID, doc.Collection).Scan(&createdAt)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `
				UPDATE documents SET fields = ?, server_id = NULLIF(?, ''), updated_at = ?
				WHERE local_id = ?
			`, fieldsJSON, doc.ServerID, formatTime(now), doc.LocalID)
			if err != nil {
				return 0, time.Time{}, fmt.Errorf("update pending document: %w", err)
			}
			return doc.LocalID, parseTime(createdAt), nil
		case !errors.Is(err, sql.ErrNoRows):
			return 0, time.Time{}, fmt.Errorf("find document by local id: %w", err)
		}
	}

	// 3. Fresh pending-create record.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, server_id, fields, created_at, updated_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?)
	`, doc.Collection, doc.ServerID, fieldsJSON, formatTime(now), formatTime(now))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("insert document: %w", err)
	}
	localID, err := result.LastInsertId()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("get last insert id: %w", err)
	}
	return localID, now, nil
}

func replaceDocumentBlobs(ctx context.Context, tx *sql.Tx, localID int64, blobs map[string][]byte) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_blobs WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("clear document blobs: %w", err)
	}
	for name, content := range blobs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_blobs (local_id, name, content) VALUES (?, ?, ?)
		`, localID, name, content); err != nil {
			return fmt.Errorf("insert document blob %q: %w", name, err)
		}
	}
	return nil
}

// Documents returns every record tagged with the collection. Order is
// not guaranteed; callers deduplicate by identity.
func (s *SQLiteStore) Documents(ctx context.Context, collection string) ([]types.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, collection, server_id, fields, created_at, updated_at
		FROM documents WHERE collection = ?
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}

	for i := range docs {
		if err := s.loadBlobs(ctx, s.db, &docs[i]); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// DocumentByServerID retrieves a single document by server identity.
func (s *SQLiteStore) DocumentByServerID(ctx context.Context, collection, serverID string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_id, collection, server_id, fields, created_at, updated_at
		FROM documents WHERE collection = ? AND server_id = ?
	`, collection, serverID)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.loadBlobs(ctx, s.db, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// DeleteByLocalID removes a document by local identity.
func (s *SQLiteStore) DeleteByLocalID(ctx context.Context, localID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireAffected(result, ErrNotFound)
}

// DeleteByServerID removes a document by server identity.
func (s *SQLiteStore) DeleteByServerID(ctx context.Context, collection, serverID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE collection = ? AND server_id = ?
	`, collection, serverID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireAffected(result, ErrNotFound)
}

// DeleteCollection removes every record in the collection and returns
// the number removed.
func (s *SQLiteStore) DeleteCollection(ctx context.Context, collection string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection)
	if err != nil {
		return 0, fmt.Errorf("delete collection: %w", err)
	}
	return result.RowsAffected()
}

// AttachServerID records the server-assigned identity on a local record,
// leaving every other field untouched.
func (s *SQLiteStore) AttachServerID(ctx context.Context, localID int64, serverID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET server_id = ?, updated_at = ? WHERE local_id = ?
	`, serverID, formatTime(time.Now()), localID)
	if err != nil {
		return fmt.Errorf("attach server id: %w", err)
	}
	return requireAffected(result, ErrNotFound)
}

// FindPendingByKey locates the record in the collection that still lacks
// a server identity and whose natural key matches. Key comparison trims
// incidental whitespace on both sides.
func (s *SQLiteStore) FindPendingByKey(ctx context.Context, collection, keyField, key string) (*types.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, collection, server_id, fields, created_at, updated_at
		FROM documents WHERE collection = ? AND server_id IS NULL
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query pending documents: %w", err)
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}

	for i := range docs {
		if docs[i].Fields.Key(keyField) == key {
			if err := s.loadBlobs(ctx, s.db, &docs[i]); err != nil {
				return nil, err
			}
			return &docs[i], nil
		}
	}
	return nil, ErrNotFound
}

// ApplyRefresh merges an authoritative snapshot into the collection in a
// single transaction: protected records survive, everything else in the
// collection is evicted, then the snapshot is upserted by server id.
// The protection sets are read from the outbox inside the same
// transaction that evicts, so a save committing while the refresh runs
// either lands before the scan (and its intent protects the record) or
// after the commit. Dead-lettered intents protect too: their records
// must still be there if the operator requeues them.
func (s *SQLiteStore) ApplyRefresh(ctx context.Context, collection string, remote []types.Document, keyField string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	keepServerIDs, keepKeys, err := protectedByOutbox(ctx, tx, collection, keyField)
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT local_id, collection, server_id, fields, created_at, updated_at
		FROM documents WHERE collection = ?
	`, collection)
	if err != nil {
		return fmt.Errorf("query collection: %w", err)
	}
	existing, err := scanDocuments(rows)
	rows.Close()
	if err != nil {
		return err
	}

	for _, doc := range existing {
		if doc.ServerID != "" {
			if _, ok := keepServerIDs[doc.ServerID]; ok {
				continue
			}
		} else {
			if _, ok := keepKeys[doc.Fields.Key(keyField)]; ok {
				continue
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE local_id = ?`, doc.LocalID); err != nil {
			return fmt.Errorf("evict document: %w", err)
		}
	}

	now := time.Now().UTC()
	for _, doc := range remote {
		doc.Collection = collection
		scalars, blobs := doc.Fields.Split()
		fieldsJSON, err := marshalScalars(scalars)
		if err != nil {
			return err
		}
		localID, _, err := s.upsertTx(ctx, tx, doc, fieldsJSON, now)
		if err != nil {
			return err
		}
		if err := replaceDocumentBlobs(ctx, tx, localID, blobs); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// protectedByOutbox derives the refresh protection sets from the
// intents targeting a collection: server identities referenced by any
// intent, and natural keys of WRITE intents whose create has not
// reconciled yet.
func protectedByOutbox(ctx context.Context, tx *sql.Tx, collection, keyField string) (map[string]struct{}, map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT action, server_id, payload FROM outbox WHERE collection = ?
	`, collection)
	if err != nil {
		return nil, nil, fmt.Errorf("query collection intents: %w", err)
	}
	defer rows.Close()

	keepServerIDs := make(map[string]struct{})
	keepKeys := make(map[string]struct{})
	for rows.Next() {
		var action string
		var serverID, payload sql.NullString
		if err := rows.Scan(&action, &serverID, &payload); err != nil {
			return nil, nil, fmt.Errorf("scan intent: %w", err)
		}
		switch {
		case serverID.Valid:
			keepServerIDs[serverID.String] = struct{}{}
		case types.Action(action) == types.ActionWrite && payload.Valid:
			scalars, err := unmarshalScalars(payload.String)
			if err != nil {
				return nil, nil, err
			}
			keepKeys[types.Fields(scalars).Key(keyField)] = struct{}{}
		}
	}
	return keepServerIDs, keepKeys, rows.Err()
}

// loadBlobs attaches the binary field values to a scanned document.
func (s *SQLiteStore) loadBlobs(ctx context.Context, q querier, doc *types.Document) error {
	rows, err := q.QueryContext(ctx, `
		SELECT name, content FROM document_blobs WHERE local_id = ?
	`, doc.LocalID)
	if err != nil {
		return fmt.Errorf("query document blobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var content []byte
		if err := rows.Scan(&name, &content); err != nil {
			return fmt.Errorf("scan document blob: %w", err)
		}
		doc.Fields[name] = content
	}
	return rows.Err()
}

func scanDocument(row *sql.Row) (*types.Document, error) {
	var doc types.Document
	var serverID sql.NullString
	var fieldsJSON, createdAt, updatedAt string

	if err := row.Scan(&doc.LocalID, &doc.Collection, &serverID, &fieldsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	return finishDocument(doc, serverID, fieldsJSON, createdAt, updatedAt)
}

func scanDocuments(rows *sql.Rows) ([]types.Document, error) {
	var docs []types.Document
	for rows.Next() {
		var doc types.Document
		var serverID sql.NullString
		var fieldsJSON, createdAt, updatedAt string

		if err := rows.Scan(&doc.LocalID, &doc.Collection, &serverID, &fieldsJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		finished, err := finishDocument(doc, serverID, fieldsJSON, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *finished)
	}
	return docs, rows.Err()
}

func finishDocument(doc types.Document, serverID sql.NullString, fieldsJSON, createdAt, updatedAt string) (*types.Document, error) {
	if serverID.Valid {
		doc.ServerID = serverID.String
	}
	scalars, err := unmarshalScalars(fieldsJSON)
	if err != nil {
		return nil, err
	}
	doc.Fields = types.Fields(scalars)
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	return &doc, nil
}

func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
