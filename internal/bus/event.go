package bus

import (
	"time"

	"github.com/lavoro-hq/chatsync/internal/model"
)

// Event is a domain event published on the bus. Kind is a dot-separated
// name whose leading segment acts as a namespace for subscriptions.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the chat core. The UI re-renders off chat.*
// and timeline.*; conn.* drives the connection indicator.
const (
	KindConnStatusChanged = "conn.status_changed"
	KindConnDisconnected  = "conn.disconnected"

	KindChatUpdated  = "chat.updated"   // conversation/group list changed
	KindChatRead     = "chat.read"      // unread counter reset
	KindGroupCreated = "chat.group_new" // group appeared (created or added)
	KindGroupRemoved = "chat.group_removed"

	KindTimelineLoaded  = "timeline.loaded" // active history (re)fetched
	KindTimelineChanged = "timeline.changed"
	KindTypingStarted   = "timeline.typing_started"
	KindTypingStopped   = "timeline.typing_stopped"

	KindSendPending          = "send.pending"
	KindSendConfirmed        = "send.confirmed"
	KindSendAttachmentFailed = "send.attachment_failed"
)

// ChatUpdate is the payload for chat.* events.
type ChatUpdate struct {
	Target model.Target
}

// TimelineUpdate is the payload for timeline.* events.
type TimelineUpdate struct {
	Target    model.Target
	MessageID string
}

// SendUpdate is the payload for send.* events, tracking an outbound
// message through its pending/confirmed lifecycle.
type SendUpdate struct {
	Target   model.Target
	TempID   string
	ServerID string
}

// TypingUpdate is the payload for typing events.
type TypingUpdate struct {
	Target   model.Target
	SenderID string
}

// Now returns an event with the timestamp filled in.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
