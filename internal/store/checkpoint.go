package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetCheckpoint records a sync checkpoint value.
func (db *DB) SetCheckpoint(key, value string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Checkpoint returns a sync checkpoint value. A missing key returns an empty
// string.
func (db *DB) Checkpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checkpoint %s: %w", key, err)
	}
	return value, nil
}
