package cache

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Snapshot kinds. The data column is an opaque JSON blob to the rest of
// the system.
const (
	KindConversations = "conversations"
	KindGroups        = "groups"
)

// SaveSnapshot serializes v and stores it under (userID, kind),
// replacing any previous snapshot.
func (db *DB) SaveSnapshot(userID, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO snapshots (user_id, kind, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, kind) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		userID, kind, data, now)
	return err
}

// LoadSnapshot fills v from the stored snapshot. A missing or corrupt
// entry leaves v untouched and returns nil: cache reads are best-effort
// and must never fail into the caller.
func (db *DB) LoadSnapshot(userID, kind string, v any) error {
	var data []byte
	err := db.QueryRow(`SELECT data FROM snapshots WHERE user_id = ? AND kind = ?`, userID, kind).Scan(&data)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return nil
	}
	if jsonErr := json.Unmarshal(data, v); jsonErr != nil {
		// Corrupt snapshot reads as empty.
		return nil
	}
	return nil
}

// DeleteSnapshot removes a stored snapshot.
func (db *DB) DeleteSnapshot(userID, kind string) error {
	_, err := db.Exec(`DELETE FROM snapshots WHERE user_id = ? AND kind = ?`, userID, kind)
	return err
}
