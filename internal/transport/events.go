package transport

// Outbound event names (client → server).
const (
	EventUserConnected      = "user_connected"
	EventPrivateMessage     = "private_message"
	EventGroupMessage       = "group_message"
	EventTyping             = "typing"
	EventStopTyping         = "stop_typing"
	EventUpdateMessage      = "update_message"
	EventUpdateGroupMessage = "update_group_message"
)

// Inbound event names (server → client).
const (
	EventNewMessage          = "new_message"
	EventMessageSent         = "message_sent"
	EventNewGroupMessage     = "new_group_message"
	EventGroupMessageSent    = "group_message_sent"
	EventMessageUpdated      = "message_updated"
	EventGroupMessageUpdated = "group_message_updated"
	EventMessageDeleted      = "message_deleted"
	EventGroupMessageDeleted = "group_message_deleted"
	EventUserTyping          = "user_typing"
	EventUserStopTyping      = "user_stop_typing"
	EventNewGroup            = "new_group"
	EventAddedToGroup        = "added_to_group"
	EventRemovedFromGroup    = "removed_from_group"
	EventMessageReadReceipt  = "message_read_receipt"
	EventGroupReadReceipt    = "group_message_read_receipt"
)
