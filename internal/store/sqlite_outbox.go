package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/satchel/internal/types"
)

// Enqueue appends an intent with the next sequence number. The payload
// is persisted as a snapshot independent of the caller's map, so later
// mutation of the originating fields never alters the queued intent.
//
// A WRITE for a document that already has a live WRITE intent replaces
// that intent's payload in place instead of appending: at most one
// outstanding create-intent exists per local record. The replaced
// intent keeps its sequence but takes the caller's idempotency key and
// a bumped revision. The new payload is a new remote effect, so a
// dispatch of the old one must neither confirm it away (revision) nor
// have its response replayed for it (idempotency key).
func (s *SQLiteStore) Enqueue(ctx context.Context, intent types.Intent) (*types.Intent, error) {
	if !intent.Action.Valid() {
		return nil, fmt.Errorf("enqueue: unknown action %q", intent.Action)
	}

	scalars, blobs := intent.Payload.Split()
	var payloadJSON any
	if intent.Action == types.ActionWrite {
		text, err := marshalScalars(scalars)
		if err != nil {
			return nil, err
		}
		payloadJSON = text
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stored := intent
	stored.QueuedAt = now
	stored.Payload = intent.Payload.Clone()

	if intent.Action == types.ActionWrite && intent.DocLocalID != 0 {
		var seq, revision int64
		var queuedAt string
		err := tx.QueryRowContext(ctx, `
			SELECT sequence, revision, queued_at FROM outbox
			WHERE doc_local_id = ? AND action = 'WRITE' AND dead = 0
		`, intent.DocLocalID).Scan(&seq, &revision, &queuedAt)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx, `
				UPDATE outbox
				SET payload = ?, server_id = NULLIF(?, ''), idempotency_key = ?,
				    revision = revision + 1, attempts = 0, rejections = 0, last_error = NULL
				WHERE sequence = ?
			`, payloadJSON, intent.ServerID, intent.IdempotencyKey, seq)
			if err != nil {
				return nil, fmt.Errorf("coalesce write intent: %w", err)
			}
			if err := replaceOutboxBlobs(ctx, tx, seq, blobs); err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit transaction: %w", err)
			}
			stored.Sequence = seq
			stored.Revision = revision + 1
			stored.QueuedAt = parseTime(queuedAt)
			return &stored, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("find live write intent: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (action, collection, doc_local_id, server_id, payload, idempotency_key, queued_at)
		VALUES (?, ?, NULLIF(?, 0), NULLIF(?, ''), ?, ?, ?)
	`, intent.Action, intent.Collection, intent.DocLocalID, intent.ServerID,
		payloadJSON, intent.IdempotencyKey, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert intent: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	if err := replaceOutboxBlobs(ctx, tx, seq, blobs); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	stored.Sequence = seq
	return &stored, nil
}

func replaceOutboxBlobs(ctx context.Context, tx *sql.Tx, seq int64, blobs map[string][]byte) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_blobs WHERE sequence = ?`, seq); err != nil {
		return fmt.Errorf("clear intent blobs: %w", err)
	}
	for name, content := range blobs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_blobs (sequence, name, content) VALUES (?, ?, ?)
		`, seq, name, content); err != nil {
			return fmt.Errorf("insert intent blob %q: %w", name, err)
		}
	}
	return nil
}

const selectIntentSQL = `
	SELECT sequence, action, collection, doc_local_id, server_id, payload,
	       idempotency_key, queued_at, revision, attempts, rejections, last_error, dead
	FROM outbox`

// Pending returns all live intents in ascending sequence order.
func (s *SQLiteStore) Pending(ctx context.Context) ([]types.Intent, error) {
	return s.queryIntents(ctx, selectIntentSQL+` WHERE dead = 0 ORDER BY sequence ASC`)
}

// DeadLetters returns intents parked after repeated remote rejection.
func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]types.Intent, error) {
	return s.queryIntents(ctx, selectIntentSQL+` WHERE dead = 1 ORDER BY sequence ASC`)
}

func (s *SQLiteStore) queryIntents(ctx context.Context, query string, args ...any) ([]types.Intent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var intents []types.Intent
	for rows.Next() {
		var in types.Intent
		var docLocalID sql.NullInt64
		var serverID, payload, lastError sql.NullString
		var queuedAt string
		var dead int

		if err := rows.Scan(&in.Sequence, &in.Action, &in.Collection, &docLocalID,
			&serverID, &payload, &in.IdempotencyKey, &queuedAt, &in.Revision,
			&in.Attempts, &in.Rejections, &lastError, &dead); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		in.DocLocalID = docLocalID.Int64
		in.ServerID = serverID.String
		in.LastError = lastError.String
		in.QueuedAt = parseTime(queuedAt)
		in.Dead = dead != 0

		if payload.Valid {
			scalars, err := unmarshalScalars(payload.String)
			if err != nil {
				return nil, err
			}
			in.Payload = types.Fields(scalars)
		}
		intents = append(intents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range intents {
		if intents[i].Action != types.ActionWrite {
			continue
		}
		if err := s.loadIntentBlobs(ctx, &intents[i]); err != nil {
			return nil, err
		}
	}
	return intents, nil
}

func (s *SQLiteStore) loadIntentBlobs(ctx context.Context, in *types.Intent) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, content FROM outbox_blobs WHERE sequence = ?
	`, in.Sequence)
	if err != nil {
		return fmt.Errorf("query intent blobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var content []byte
		if err := rows.Scan(&name, &content); err != nil {
			return fmt.Errorf("scan intent blob: %w", err)
		}
		if in.Payload == nil {
			in.Payload = types.Fields{}
		}
		in.Payload[name] = content
	}
	return rows.Err()
}

// DeleteIntent removes an intent after its remote effect is confirmed.
// revision must match the revision the caller dispatched; a coalescing
// save in the meantime bumps it, and the intent then stays queued so
// the newer payload still gets delivered. That case is reported as
// ErrIntentChanged.
func (s *SQLiteStore) DeleteIntent(ctx context.Context, sequence, revision int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE sequence = ? AND revision = ?
	`, sequence, revision)
	if err != nil {
		return fmt.Errorf("delete intent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM outbox WHERE sequence = ?`, sequence).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrIntentNotFound
	case err != nil:
		return fmt.Errorf("find intent: %w", err)
	default:
		return ErrIntentChanged
	}
}

// SetIntentServerID stamps a server identity on the intents still
// referencing a local record that had none. After a create reconciles,
// any payload coalesced in while the create was in flight must dispatch
// as an update of the server's document, not as a second create.
func (s *SQLiteStore) SetIntentServerID(ctx context.Context, docLocalID int64, serverID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET server_id = ? WHERE doc_local_id = ? AND server_id IS NULL
	`, serverID, docLocalID)
	if err != nil {
		return fmt.Errorf("set intent server id: %w", err)
	}
	return nil
}

// MarkIntentFailed records a failed dispatch. Every failure counts as
// an attempt; only a remote rejection counts against the dead-letter
// budget, so transient outages can flap indefinitely without spending
// it. With dead set, the intent is parked in the dead-letter state and
// excluded from future drains.
func (s *SQLiteStore) MarkIntentFailed(ctx context.Context, sequence int64, cause string, rejected, dead bool) error {
	rejectedVal := 0
	if rejected {
		rejectedVal = 1
	}
	deadVal := 0
	if dead {
		deadVal = 1
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, rejections = rejections + ?, last_error = ?, dead = ?
		WHERE sequence = ?
	`, rejectedVal, cause, deadVal, sequence)
	if err != nil {
		return fmt.Errorf("mark intent failed: %w", err)
	}
	return requireAffected(result, ErrIntentNotFound)
}

// SupersedeCollection removes every live intent for a collection. Used
// when a CLEAR is enqueued: the clear makes the queued writes and
// deletes moot.
func (s *SQLiteStore) SupersedeCollection(ctx context.Context, collection string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE collection = ? AND dead = 0
	`, collection)
	if err != nil {
		return 0, fmt.Errorf("supersede collection intents: %w", err)
	}
	return result.RowsAffected()
}

// DropIntentsForDoc removes the live intents referencing one local
// record. Used when a pending-create document is deleted before its
// create was ever delivered: there is nothing remote to delete.
func (s *SQLiteStore) DropIntentsForDoc(ctx context.Context, docLocalID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE doc_local_id = ? AND dead = 0
	`, docLocalID)
	if err != nil {
		return 0, fmt.Errorf("drop intents for document: %w", err)
	}
	return result.RowsAffected()
}

// RequeueIntent returns a dead-lettered intent to the live queue with a
// fresh attempt budget.
func (s *SQLiteStore) RequeueIntent(ctx context.Context, sequence int64) error {
	var dead int
	err := s.db.QueryRowContext(ctx, `SELECT dead FROM outbox WHERE sequence = ?`, sequence).Scan(&dead)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrIntentNotFound
	}
	if err != nil {
		return fmt.Errorf("find intent: %w", err)
	}
	if dead == 0 {
		return ErrIntentLive
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE outbox SET dead = 0, attempts = 0, rejections = 0, last_error = NULL WHERE sequence = ?
	`, sequence)
	if err != nil {
		return fmt.Errorf("requeue intent: %w", err)
	}
	return nil
}

// OutboxStats reports queue depth and the age marker callers use to
// observe sync health.
func (s *SQLiteStore) OutboxStats(ctx context.Context) (pending int, dead int, oldestQueuedAt *string, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE dead = 0`).Scan(&pending)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("count pending: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE dead = 1`).Scan(&dead)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("count dead: %w", err)
	}

	var oldest sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT MIN(queued_at) FROM outbox WHERE dead = 0`).Scan(&oldest)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("oldest queued_at: %w", err)
	}
	if oldest.Valid {
		oldestQueuedAt = &oldest.String
	}
	return pending, dead, oldestQueuedAt, nil
}
