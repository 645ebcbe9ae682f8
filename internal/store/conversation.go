package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const conversationColumns = `id, type, title, last_message, last_message_at, unread_count, cached_at`

func scanConversation(s scanner) (*Conversation, error) {
	var (
		c             Conversation
		lastMessageAt int64
		cachedAt      int64
	)
	if err := s.Scan(&c.ID, &c.Type, &c.Title, &c.LastMessage, &lastMessageAt, &c.UnreadCount, &cachedAt); err != nil {
		return nil, err
	}
	c.LastMessageAt = fromMillis(lastMessageAt)
	c.CachedAt = fromMillis(cachedAt)
	return &c, nil
}

// SaveConversations replaces the cached summary set, stamping every row with
// cachedAt. Conversations absent from convs are dropped.
func (db *DB) SaveConversations(convs []Conversation, cachedAt time.Time) error {
	return db.inTx(func(tx *sql.Tx) error {
		keep := make([]string, 0, len(convs))
		args := make([]any, 0, len(convs))
		for _, c := range convs {
			keep = append(keep, "?")
			args = append(args, c.ID)
		}
		prune := `DELETE FROM conversations`
		if len(keep) > 0 {
			prune += ` WHERE id NOT IN (` + strings.Join(keep, ", ") + `)`
		}
		if _, err := tx.Exec(prune, args...); err != nil {
			return fmt.Errorf("prune conversations: %w", err)
		}

		for _, c := range convs {
			if c.Type == "" {
				c.Type = "DIRECT"
			}
			if _, err := tx.Exec(`
				INSERT INTO conversations (`+conversationColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					type = excluded.type,
					title = excluded.title,
					last_message = excluded.last_message,
					last_message_at = excluded.last_message_at,
					unread_count = excluded.unread_count,
					cached_at = excluded.cached_at`,
				c.ID, c.Type, c.Title, c.LastMessage, toMillis(c.LastMessageAt), c.UnreadCount, toMillis(cachedAt)); err != nil {
				return fmt.Errorf("upsert conversation %d: %w", c.ID, err)
			}
		}
		return nil
	})
}

// FreshConversations returns the cached summaries if all of them were cached
// within ttl of now. A stale or empty cache returns nil, and the caller must
// refetch.
func (db *DB) FreshConversations(now time.Time, ttl time.Duration) ([]Conversation, error) {
	rows, err := db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY last_message_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		if now.Sub(c.CachedAt) > ttl {
			return nil, nil
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// FreshConversation returns one cached summary, or nil when it is missing or
// older than ttl.
func (db *DB) FreshConversation(id int64, now time.Time, ttl time.Duration) (*Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if now.Sub(c.CachedAt) > ttl {
		return nil, nil
	}
	return c, nil
}

// TouchConversation moves a cached summary's preview forward to a newer
// message. Older messages and unknown conversations are ignored, and
// cached_at is left alone so freshness still reflects the last full fetch.
func (db *DB) TouchConversation(id int64, preview string, at time.Time, unread bool) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	inc := 0
	if unread {
		inc = 1
	}
	_, err := db.Exec(`
		UPDATE conversations SET
			last_message = ?,
			last_message_at = ?,
			unread_count = unread_count + ?
		WHERE id = ? AND last_message_at <= ?`,
		preview, toMillis(at), inc, id, toMillis(at))
	return err
}
