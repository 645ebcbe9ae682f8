package store

import (
	"database/sql"
	"errors"
	"time"
)

// SaveDraft overwrites the draft of a conversation. Empty content clears it.
func (db *DB) SaveDraft(conversationID int64, content string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if content == "" {
		_, err := db.Exec(`DELETE FROM drafts WHERE conversation_id = ?`, conversationID)
		return err
	}
	_, err := db.Exec(`
		INSERT INTO drafts (conversation_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		conversationID, content, time.Now().UnixMilli())
	return err
}

// GetDraft returns the draft of a conversation, or nil if there is none.
func (db *DB) GetDraft(conversationID int64) (*Draft, error) {
	d := Draft{ConversationID: conversationID}
	var updated int64
	err := db.QueryRow(`SELECT content, updated_at FROM drafts WHERE conversation_id = ?`, conversationID).Scan(&d.Content, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.UpdatedAt = fromMillis(updated)
	return &d, nil
}

// ClearDraft removes the draft of a conversation.
func (db *DB) ClearDraft(conversationID int64) error {
	return db.SaveDraft(conversationID, "")
}
