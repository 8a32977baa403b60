package cache

import (
	"database/sql"
	"time"

	"github.com/lavoro-hq/chatsync/internal/model"
)

// Overlay is a staged edit or delete keyed by message id. Edits and
// deletes can arrive over the push channel before the owning
// conversation is ever opened; they are persisted here and applied
// lazily when that conversation's history is fetched.
type Overlay struct {
	MsgID    string
	Body     string
	EditedAt time.Time
	Deleted  bool
}

// PutEdit stages an edited body for a message. A later PutEdit for the
// same id wins.
func (db *DB) PutEdit(msgID, body string, editedAt time.Time) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO overlays (msg_id, body, edited_at, deleted, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			body = excluded.body,
			edited_at = excluded.edited_at,
			deleted = 0,
			updated_at = excluded.updated_at`,
		msgID, body, editedAt.UnixMilli(), now)
	return err
}

// PutDelete stages a delete for a message. A delete supersedes any
// staged edit for the same id.
func (db *DB) PutDelete(msgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO overlays (msg_id, body, edited_at, deleted, updated_at)
		VALUES (?, '', 0, 1, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			body = '',
			edited_at = 0,
			deleted = 1,
			updated_at = excluded.updated_at`,
		msgID, now)
	return err
}

// GetOverlay returns the staged overlay for a message, nil if none.
func (db *DB) GetOverlay(msgID string) (*Overlay, error) {
	var o Overlay
	var editedAt int64
	var deleted int
	err := db.QueryRow(`SELECT msg_id, body, edited_at, deleted FROM overlays WHERE msg_id = ?`, msgID).
		Scan(&o.MsgID, &o.Body, &editedAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if editedAt > 0 {
		o.EditedAt = time.UnixMilli(editedAt)
	}
	o.Deleted = deleted != 0
	return &o, nil
}

// DeleteOverlay removes any staged overlay for a message.
func (db *DB) DeleteOverlay(msgID string) error {
	_, err := db.Exec(`DELETE FROM overlays WHERE msg_id = ?`, msgID)
	return err
}

// ApplyOverlays returns msgs with staged edits applied and staged
// deletes removed. Messages without overlays pass through unchanged; a
// read failure on the overlay table degrades to pass-through.
func (db *DB) ApplyOverlays(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		o, err := db.GetOverlay(m.ID)
		if err != nil || o == nil {
			out = append(out, m)
			continue
		}
		if o.Deleted {
			continue
		}
		m.Body = o.Body
		m.Edited = true
		m.EditedAt = o.EditedAt
		out = append(out, m)
	}
	return out
}
