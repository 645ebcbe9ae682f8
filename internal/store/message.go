package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// stateRank orders delivery states so updates never move a message backwards.
const stateRank = `CASE %s WHEN 'PENDING' THEN 0 WHEN 'FAILED' THEN 0 WHEN 'SENT' THEN 1 WHEN 'DELIVERED' THEN 2 WHEN 'READ' THEN 3 ELSE 0 END`

const messageColumns = `id, server_id, temp_id, conversation_id, sender_id, content, message_type, media_url, reply_to_id, created_at, delivery_state, receipt_pending`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m         Message
		serverID  sql.NullInt64
		tempID    sql.NullString
		replyToID sql.NullInt64
		createdAt int64
	)
	if err := s.Scan(&m.ID, &serverID, &tempID, &m.ConversationID, &m.SenderID, &m.Content, &m.Type, &m.MediaURL, &replyToID, &createdAt, &m.State, &m.ReceiptPending); err != nil {
		return nil, err
	}
	m.ServerID = intPtr(serverID)
	m.TempID = tempID.String
	m.ReplyToID = intPtr(replyToID)
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

// InsertOutgoing persists an optimistic message together with its pending
// entry in one transaction. The message is stored as PENDING.
func (db *DB) InsertOutgoing(m *Message, payload string) error {
	if m.TempID == "" {
		return errors.New("insert outgoing: empty temp_id")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.State = StatePending
	m.ServerID = nil

	return db.inTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		res, err := tx.Exec(`
			INSERT INTO messages (conversation_id, temp_id, sender_id, content, message_type, media_url, reply_to_id, created_at, delivery_state, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ConversationID, m.TempID, m.SenderID, m.Content, m.Type, m.MediaURL, nullInt(m.ReplyToID), toMillis(m.CreatedAt), m.State, now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO pending_messages (temp_id, conversation_id, payload, retry_count, created_at)
			VALUES (?, ?, ?, 0, ?)`,
			m.TempID, m.ConversationID, payload, toMillis(m.CreatedAt)); err != nil {
			return fmt.Errorf("insert pending: %w", err)
		}
		return nil
	})
}

// ConfirmPending applies a server confirmation for tempID: the pending entry
// is removed and the message gains serverID and moves to SENT. A message that
// already has a server id is left alone, so repeated confirmations are no-ops.
// If the server echoed the message as a separate row before confirming, that
// row is folded into the local one. The returned bool reports whether this
// call changed the message.
func (db *DB) ConfirmPending(tempID string, serverID int64, serverTime time.Time) (*Message, bool, error) {
	var (
		out     *Message
		changed bool
	)
	err := db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM pending_messages WHERE temp_id = ?`, tempID); err != nil {
			return fmt.Errorf("delete pending: %w", err)
		}
		m, err := confirmTx(tx, tempID, serverID, serverTime)
		if err != nil {
			return err
		}
		out, changed = m, m != nil
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		out, err = db.MessageByTempID(tempID)
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
	}
	return out, changed, nil
}

// confirmTx attaches serverID to the unconfirmed message with tempID. It
// returns nil without error when there is nothing to confirm.
func confirmTx(tx *sql.Tx, tempID string, serverID int64, serverTime time.Time) (*Message, error) {
	m, err := scanMessage(tx.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE temp_id = ?`, tempID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup temp_id: %w", err)
	}
	if m.ServerID != nil {
		return nil, nil
	}

	var echoCreated sql.NullInt64
	err = tx.QueryRow(`
		SELECT created_at FROM messages
		WHERE conversation_id = ? AND server_id = ? AND id != ?`,
		m.ConversationID, serverID, m.ID).Scan(&echoCreated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup echo: %w", err)
	}
	if echoCreated.Valid {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND server_id = ? AND id != ?`,
			m.ConversationID, serverID, m.ID); err != nil {
			return nil, fmt.Errorf("fold echo: %w", err)
		}
		if serverTime.IsZero() {
			serverTime = fromMillis(echoCreated.Int64)
		}
	}

	if !serverTime.IsZero() {
		m.CreatedAt = serverTime
	}
	if _, err := tx.Exec(`
		UPDATE messages
		SET server_id = ?, delivery_state = ?, created_at = ?, updated_at = ?
		WHERE id = ? AND server_id IS NULL`,
		serverID, StateSent, toMillis(m.CreatedAt), time.Now().UnixMilli(), m.ID); err != nil {
		return nil, fmt.Errorf("confirm message: %w", err)
	}
	m.ServerID = &serverID
	m.State = StateSent
	return m, nil
}

// MergeServerMessages stores server-confirmed messages without duplication.
// A message whose TempID matches an unconfirmed local message confirms that
// message instead of creating a new row. Messages already present by
// (conversation_id, server_id) are skipped. The returned slice holds the
// messages that were new to the cache, sorted by CreatedAt ascending.
func (db *DB) MergeServerMessages(msgs []Message) ([]Message, error) {
	var added []Message
	err := db.inTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for i := range msgs {
			m := msgs[i]
			if m.ServerID == nil {
				return fmt.Errorf("merge message in conversation %d: missing server id", m.ConversationID)
			}
			if m.State == "" || !m.State.Confirmed() {
				m.State = StateSent
			}
			if m.TempID != "" {
				confirmed, err := confirmTx(tx, m.TempID, *m.ServerID, m.CreatedAt)
				if err != nil {
					return err
				}
				if confirmed != nil {
					if _, err := tx.Exec(`DELETE FROM pending_messages WHERE temp_id = ?`, m.TempID); err != nil {
						return fmt.Errorf("delete pending: %w", err)
					}
					continue
				}
				var exists bool
				if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM messages WHERE temp_id = ?)`, m.TempID).Scan(&exists); err != nil {
					return fmt.Errorf("lookup temp_id: %w", err)
				}
				if exists {
					continue
				}
			}

			res, err := tx.Exec(`
				INSERT INTO messages (conversation_id, server_id, temp_id, sender_id, content, message_type, media_url, reply_to_id, created_at, delivery_state, receipt_pending, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT DO NOTHING`,
				m.ConversationID, *m.ServerID, nullString(m.TempID), m.SenderID, m.Content, m.Type, m.MediaURL,
				nullInt(m.ReplyToID), toMillis(m.CreatedAt), m.State, m.ReceiptPending, now)
			if err != nil {
				return fmt.Errorf("insert server message %d: %w", *m.ServerID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if m.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			added = append(added, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortMessages(added)
	return added, nil
}

// SortMessages orders messages by CreatedAt ascending, breaking ties by
// server id and then local id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ServerID != nil && b.ServerID != nil && *a.ServerID != *b.ServerID {
			return *a.ServerID < *b.ServerID
		}
		return a.ID < b.ID
	})
}

// MessageByTempID returns the message created locally with tempID.
func (db *DB) MessageByTempID(tempID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE temp_id = ?`, tempID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", tempID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadReaders([]*Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// CachedMessages returns the most recent limit messages of a conversation
// in ascending chronological order.
func (db *DB) CachedMessages(conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ptrs := make([]*Message, len(msgs))
	for i := range msgs {
		ptrs[i] = &msgs[i]
	}
	if err := db.loadReaders(ptrs); err != nil {
		return nil, err
	}
	SortMessages(msgs)
	return msgs, nil
}

func (db *DB) loadReaders(msgs []*Message) error {
	byServerID := make(map[int64][]*Message)
	var ids []any
	for _, m := range msgs {
		if m.ServerID == nil {
			continue
		}
		if _, ok := byServerID[*m.ServerID]; !ok {
			ids = append(ids, *m.ServerID)
		}
		byServerID[*m.ServerID] = append(byServerID[*m.ServerID], m)
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := db.Query(`
		SELECT message_id, user_id FROM read_receipts
		WHERE message_id IN (`+placeholders+`)
		ORDER BY read_at, user_id`, ids...)
	if err != nil {
		return fmt.Errorf("load readers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var messageID, userID int64
		if err := rows.Scan(&messageID, &userID); err != nil {
			return err
		}
		for _, m := range byServerID[messageID] {
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
	return rows.Err()
}

// LastServerID returns the highest server id cached for a conversation, or
// nil when the conversation has no confirmed messages.
func (db *DB) LastServerID(conversationID int64) (*int64, error) {
	var id sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(server_id) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&id); err != nil {
		return nil, err
	}
	return intPtr(id), nil
}

// ConversationIDs lists every conversation the cache knows about, from
// either messages or summaries.
func (db *DB) ConversationIDs() ([]int64, error) {
	rows, err := db.Query(`
		SELECT conversation_id FROM messages
		UNION
		SELECT id FROM conversations
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ApplyReadReceipt records that userID read the message with serverID and
// advances the message to READ when the reader is not its sender. It reports
// whether the receipt was new.
func (db *DB) ApplyReadReceipt(serverID, userID int64, readAt time.Time) (bool, error) {
	if readAt.IsZero() {
		readAt = time.Now()
	}
	var added bool
	err := db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO read_receipts (message_id, user_id, read_at) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING`, serverID, userID, toMillis(readAt))
		if err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		added = n > 0

		_, err = tx.Exec(`
			UPDATE messages SET delivery_state = ?, updated_at = ?
			WHERE server_id = ? AND sender_id != ? AND `+fmt.Sprintf(stateRank, "delivery_state")+` < 3`,
			StateRead, time.Now().UnixMilli(), serverID, userID)
		if err != nil {
			return fmt.Errorf("advance to read: %w", err)
		}
		return nil
	})
	return added, err
}

// AdvanceState moves a confirmed message forward to state. It never moves a
// message backwards and never touches unconfirmed messages.
func (db *DB) AdvanceState(serverID int64, state DeliveryState) error {
	if !state.Confirmed() {
		return fmt.Errorf("advance state: %s is not a confirmed state", state)
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.Exec(`
		UPDATE messages SET delivery_state = ?, updated_at = ?
		WHERE server_id = ? AND `+fmt.Sprintf(stateRank, "delivery_state")+` < `+fmt.Sprintf(stateRank, "?"),
		state, time.Now().UnixMilli(), serverID, state)
	return err
}

// ClearReceiptPending marks an inbound message as acknowledged.
func (db *DB) ClearReceiptPending(serverID int64) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.Exec(`UPDATE messages SET receipt_pending = 0, updated_at = ? WHERE server_id = ?`, time.Now().UnixMilli(), serverID)
	return err
}

// ReceiptPending lists the server ids of inbound messages in a conversation
// that are still waiting for a read receipt.
func (db *DB) ReceiptPending(conversationID int64) ([]int64, error) {
	rows, err := db.Query(`
		SELECT server_id FROM messages
		WHERE conversation_id = ? AND receipt_pending = 1 AND server_id IS NOT NULL
		ORDER BY created_at, server_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
