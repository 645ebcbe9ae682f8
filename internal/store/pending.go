package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PendingEntries returns every unconfirmed outbound message, oldest first.
func (db *DB) PendingEntries() ([]PendingEntry, error) {
	rows, err := db.Query(`
		SELECT temp_id, conversation_id, payload, retry_count, created_at
		FROM pending_messages ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []PendingEntry
	for rows.Next() {
		var (
			e       PendingEntry
			created int64
		)
		if err := rows.Scan(&e.TempID, &e.ConversationID, &e.Payload, &e.RetryCount, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingEntry returns the pending entry for tempID.
func (db *DB) PendingEntry(tempID string) (*PendingEntry, error) {
	var (
		e       PendingEntry
		created int64
	)
	err := db.QueryRow(`
		SELECT temp_id, conversation_id, payload, retry_count, created_at
		FROM pending_messages WHERE temp_id = ?`, tempID).
		Scan(&e.TempID, &e.ConversationID, &e.Payload, &e.RetryCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending %s: %w", tempID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt = fromMillis(created)
	return &e, nil
}

// IncrementRetry bumps the retry counter of a pending entry and returns the
// new value.
func (db *DB) IncrementRetry(tempID string) (int, error) {
	var count int
	err := db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE pending_messages SET retry_count = retry_count + 1 WHERE temp_id = ?`, tempID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("pending %s: %w", tempID, ErrNotFound)
		}
		return tx.QueryRow(`SELECT retry_count FROM pending_messages WHERE temp_id = ?`, tempID).Scan(&count)
	})
	return count, err
}

// EvictPending drops the pending entry and marks its message FAILED. A
// message that was confirmed in the meantime keeps its state.
func (db *DB) EvictPending(tempID string) error {
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM pending_messages WHERE temp_id = ?`, tempID); err != nil {
			return fmt.Errorf("delete pending: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE messages SET delivery_state = ?, updated_at = ?
			WHERE temp_id = ? AND server_id IS NULL`,
			StateFailed, time.Now().UnixMilli(), tempID); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})
}

// RequeueFailed moves a FAILED message back to PENDING and gives it a fresh
// pending entry with a zero retry count, queued behind everything else.
func (db *DB) RequeueFailed(tempID, payload string) (*Message, error) {
	err := db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE messages SET delivery_state = ?, updated_at = ?
			WHERE temp_id = ? AND server_id IS NULL AND delivery_state = ?`,
			StatePending, time.Now().UnixMilli(), tempID, StateFailed)
		if err != nil {
			return fmt.Errorf("requeue message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("failed message %s: %w", tempID, ErrNotFound)
		}
		var conversationID int64
		if err := tx.QueryRow(`SELECT conversation_id FROM messages WHERE temp_id = ?`, tempID).Scan(&conversationID); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO pending_messages (temp_id, conversation_id, payload, retry_count, created_at)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT(temp_id) DO UPDATE SET payload = excluded.payload, retry_count = 0, created_at = excluded.created_at`,
			tempID, conversationID, payload, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("insert pending: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.MessageByTempID(tempID)
}
