package engine

import (
	"time"

	"github.com/lavoro-hq/chatsync/internal/model"
)

// inboundMessage is the payload of new_message / new_group_message:
// the message plus a profile snapshot of its sender, used to synthesize
// a conversation entry when the sender is unknown locally.
type inboundMessage struct {
	Message model.Message  `json:"message"`
	Sender  *model.Contact `json:"sender,omitempty"`
}

// confirmPayload is the payload of message_sent / group_message_sent:
// the server-assigned message echoing the client-assigned id it
// replaces.
type confirmPayload struct {
	model.Message
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// editPayload is the payload of message_updated / group_message_updated
// and of the outbound update events.
type editPayload struct {
	MessageID string    `json:"message_id"`
	GroupID   string    `json:"group_id,omitempty"`
	NewBody   string    `json:"new_message"`
	EditedAt  time.Time `json:"edited_at"`
}

// deletePayload is the payload of message_deleted / group_message_deleted.
type deletePayload struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id,omitempty"`
}

// typingPayload carries typing indicator events in both directions.
type typingPayload struct {
	SenderID   string `json:"sender"`
	ReceiverID string `json:"receiver,omitempty"`
	GroupID    string `json:"group,omitempty"`
}

// readReceiptPayload is the payload of the read receipt events.
type readReceiptPayload struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id,omitempty"`
	ReaderID  string `json:"reader"`
}

func (p typingPayload) target() model.Target {
	if p.GroupID != "" {
		return model.Target{Kind: model.TargetGroup, ID: p.GroupID}
	}
	return model.Target{Kind: model.TargetDirect, ID: p.SenderID}
}
