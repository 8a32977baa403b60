package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/lavoro-hq/chatsync/internal/model"
)

// Upload is a pending file upload: an attachment on a message or an
// avatar on a group.
type Upload struct {
	Name      string
	MediaType string
	Reader    io.Reader
}

// conversationWire is the list-conversations element shape.
type conversationWire struct {
	User        model.Contact  `json:"user"`
	LastMessage *model.Message `json:"last_message"`
	UnreadCount int            `json:"unreadCount"`
}

// historyWire wraps message history responses.
type historyWire struct {
	Messages []model.Message `json:"messages"`
}

// ListConversations returns the user's direct conversations.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/user/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	var wire []conversationWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]model.Conversation, 0, len(wire))
	for _, w := range wire {
		conv := model.Conversation{
			UserID:      w.User.UserID,
			Name:        w.User.DisplayName(),
			Avatar:      w.User.Avatar,
			Presence:    w.User.Presence,
			LastMessage: w.LastMessage,
			Unread:      w.UnreadCount,
		}
		if conv.LastMessage != nil {
			model.Repair(conv.LastMessage)
		}
		out = append(out, conv)
	}
	return out, nil
}

// ListGroups returns the groups the user is a member of.
func (c *Client) ListGroups(ctx context.Context, userID string) ([]model.Group, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/groups/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	var groups []model.Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	for i := range groups {
		if groups[i].LastMessage != nil {
			model.Repair(groups[i].LastMessage)
		}
	}
	return groups, nil
}

// ListContacts returns all addressable users, excluding the caller.
func (c *Client) ListContacts(ctx context.Context, userID string) ([]model.Contact, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/chat/contacts/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	var contacts []model.Contact
	if err := json.Unmarshal(data, &contacts); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	return contacts, nil
}

// GetConversation fetches the direct message history between two users.
// Each message is repaired so rendering never sees partial data.
func (c *Client) GetConversation(ctx context.Context, userID, otherID string) ([]model.Message, error) {
	path := "/chat/conversation/" + url.PathEscape(userID) + "/" + url.PathEscape(otherID)
	return c.fetchHistory(ctx, path)
}

// GetGroupMessages fetches a group's message history.
func (c *Client) GetGroupMessages(ctx context.Context, groupID, userID string) ([]model.Message, error) {
	path := "/chat/group/" + url.PathEscape(groupID) + "/" + url.PathEscape(userID)
	return c.fetchHistory(ctx, path)
}

func (c *Client) fetchHistory(ctx context.Context, path string) ([]model.Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var wire historyWire
	if err := json.Unmarshal(data, &wire); err != nil {
		// Some history endpoints return the bare array.
		var msgs []model.Message
		if arrErr := json.Unmarshal(data, &msgs); arrErr != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		wire.Messages = msgs
	}
	for i := range wire.Messages {
		model.Repair(&wire.Messages[i])
	}
	return wire.Messages, nil
}

// SendMessage stores a direct message, optionally with an attachment,
// and returns the server's copy.
func (c *Client) SendMessage(ctx context.Context, msg *model.Message, att *Upload) (*model.Message, error) {
	var data json.RawMessage
	var err error
	if att != nil {
		fields := map[string]string{
			"sender_id":   msg.SenderID,
			"receiver_id": msg.ReceiverID,
			"message":     msg.Body,
		}
		data, err = c.doMultipart(ctx, http.MethodPost, "/chat/message", fields, nil, "attachment", att)
	} else {
		data, err = c.doRequest(ctx, http.MethodPost, "/chat/message", map[string]string{
			"sender_id":   msg.SenderID,
			"receiver_id": msg.ReceiverID,
			"message":     msg.Body,
		})
	}
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// SendGroupMessage stores a group message, optionally with an
// attachment, and returns the server's copy.
func (c *Client) SendGroupMessage(ctx context.Context, msg *model.Message, att *Upload) (*model.Message, error) {
	var data json.RawMessage
	var err error
	if att != nil {
		fields := map[string]string{
			"group_id":  msg.GroupID,
			"sender_id": msg.SenderID,
			"message":   msg.Body,
		}
		data, err = c.doMultipart(ctx, http.MethodPost, "/chat/group/message", fields, nil, "attachment", att)
	} else {
		data, err = c.doRequest(ctx, http.MethodPost, "/chat/group/message", map[string]string{
			"group_id":  msg.GroupID,
			"sender_id": msg.SenderID,
			"message":   msg.Body,
		})
	}
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// UpdateMessage edits a direct message by id and returns the updated copy.
func (c *Client) UpdateMessage(ctx context.Context, msgID, newBody string) (*model.Message, error) {
	data, err := c.doRequest(ctx, http.MethodPut, "/chat/message/"+url.PathEscape(msgID),
		map[string]string{"message": newBody})
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// UpdateGroupMessage edits a group message by id.
func (c *Client) UpdateGroupMessage(ctx context.Context, msgID, newBody string) (*model.Message, error) {
	data, err := c.doRequest(ctx, http.MethodPut, "/chat/group/message/"+url.PathEscape(msgID),
		map[string]string{"message": newBody})
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// DeleteMessage deletes a direct message by id.
func (c *Client) DeleteMessage(ctx context.Context, msgID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/chat/message/"+url.PathEscape(msgID), nil)
	return err
}

// DeleteGroupMessage deletes a group message by id.
func (c *Client) DeleteGroupMessage(ctx context.Context, msgID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/chat/group/message/"+url.PathEscape(msgID), nil)
	return err
}

// CreateGroupRequest is the create-group payload.
type CreateGroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	CreatorID   string   `json:"creator"`
	MemberIDs   []string `json:"members"`
}

// CreateGroup creates a group server-side and returns the created
// group. Unlike passive loads, failures here surface to the user.
func (c *Client) CreateGroup(ctx context.Context, req CreateGroupRequest, avatar *Upload) (*model.Group, error) {
	var data json.RawMessage
	var err error
	if avatar != nil {
		fields := map[string]string{
			"name":        req.Name,
			"description": req.Description,
			"creator":     req.CreatorID,
		}
		data, err = c.doMultipart(ctx, http.MethodPost, "/chat/group", fields,
			map[string][]string{"members": req.MemberIDs}, "avatar", avatar)
	} else {
		data, err = c.doRequest(ctx, http.MethodPost, "/chat/group", req)
	}
	if err != nil {
		return nil, err
	}
	var g model.Group
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode group: %w", err)
	}
	return &g, nil
}

// AddGroupMember adds a user to a group and returns the updated group.
func (c *Client) AddGroupMember(ctx context.Context, groupID, userID string) (*model.Group, error) {
	path := "/chat/group/" + url.PathEscape(groupID) + "/add/" + url.PathEscape(userID)
	data, err := c.doRequest(ctx, http.MethodPut, path, nil)
	if err != nil {
		return nil, err
	}
	var g model.Group
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode group: %w", err)
	}
	return &g, nil
}

// RemoveGroupMember removes a user from a group and returns the updated group.
func (c *Client) RemoveGroupMember(ctx context.Context, groupID, userID string) (*model.Group, error) {
	path := "/chat/group/" + url.PathEscape(groupID) + "/remove/" + url.PathEscape(userID)
	data, err := c.doRequest(ctx, http.MethodPut, path, nil)
	if err != nil {
		return nil, err
	}
	var g model.Group
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode group: %w", err)
	}
	return &g, nil
}

func decodeMessage(data json.RawMessage) (*model.Message, error) {
	var m model.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	model.Repair(&m)
	m.State = model.StateConfirmed
	return &m, nil
}
