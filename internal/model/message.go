package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TargetKind discriminates direct conversations from groups.
type TargetKind int

const (
	TargetDirect TargetKind = iota
	TargetGroup
)

func (k TargetKind) String() string {
	if k == TargetGroup {
		return "group"
	}
	return "direct"
}

// Target identifies where a message belongs: the other participant's
// user id for direct messages, the group id for group messages.
type Target struct {
	Kind TargetKind
	ID   string
}

// State tracks whether a message has been acknowledged by the server.
type State string

const (
	// StatePending marks a locally created message that has not been
	// confirmed yet. Pending messages carry a temp_ id.
	StatePending State = "pending"
	// StateConfirmed marks a message whose id was assigned by the server.
	StateConfirmed State = "confirmed"
)

// TempIDPrefix is the reserved prefix for client-assigned message ids.
const TempIDPrefix = "temp_"

// Attachment is an opaque blob reference plus a media-kind tag. Storage
// of the blob itself is an external collaborator concern.
type Attachment struct {
	BlobID    string `json:"blob_id"`
	MediaType string `json:"media_type"`
}

// Message is a single chat message, direct or group. Exactly one of
// ReceiverID and GroupID is set.
type Message struct {
	ID         string      `json:"_id"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id,omitempty"`
	GroupID    string      `json:"group_id,omitempty"`
	Body       string      `json:"message"`
	Attachment *Attachment `json:"attachment,omitempty"`
	SentAt     time.Time   `json:"sent_at"`
	Read       bool        `json:"is_read"`
	Edited     bool        `json:"edited"`
	EditedAt   time.Time   `json:"edited_at,omitempty"`
	Deleted    bool        `json:"deleted,omitempty"`
	State      State       `json:"state,omitempty"`
}

// ErrNoTarget is returned by Validate when neither target field is set.
var ErrNoTarget = errors.New("message has no receiver or group target")

// ErrAmbiguousTarget is returned by Validate when both target fields are set.
var ErrAmbiguousTarget = errors.New("message has both receiver and group target")

// Validate enforces the one-target invariant. It is called at the
// reconciliation engine boundary, not on every internal mutation.
func (m *Message) Validate() error {
	switch {
	case m.ReceiverID == "" && m.GroupID == "":
		return ErrNoTarget
	case m.ReceiverID != "" && m.GroupID != "":
		return ErrAmbiguousTarget
	}
	return nil
}

// Target returns the conversation or group this message belongs to.
// Callers must have validated the message first; with both fields set
// the group wins.
func (m *Message) Target() Target {
	if m.GroupID != "" {
		return Target{Kind: TargetGroup, ID: m.GroupID}
	}
	return Target{Kind: TargetDirect, ID: m.ReceiverID}
}

// Pending reports whether the message is still awaiting confirmation.
func (m *Message) Pending() bool {
	return m.State == StatePending
}

// NewTempID returns a fresh client-assigned message id.
func NewTempID() string {
	return TempIDPrefix + uuid.New().String()
}

// IsTempID reports whether an id was client-assigned.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Repair fills in synthesized defaults for partial payloads: a missing id
// becomes a temp id, a missing timestamp becomes now, and the state is
// derived from the id form when absent. Rendering must not crash on
// partial data, so malformed messages are repaired rather than rejected.
func Repair(m *Message) {
	if m.ID == "" {
		m.ID = NewTempID()
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	if m.State == "" {
		if IsTempID(m.ID) {
			m.State = StatePending
		} else {
			m.State = StateConfirmed
		}
	}
}
