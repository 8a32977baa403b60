package model

import "strings"

// Contact is an addressable user as the directory exposes it. Read-only
// from this subsystem's perspective.
type Contact struct {
	UserID    string `json:"_id"`
	Name      string `json:"name"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Presence  string `json:"presence,omitempty"`
}

// DisplayName returns the contact's name, composing one from the
// first/last name fields when the name is missing. Empty means the
// contact has no usable display name at all.
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Conversation is one-to-one chat state keyed by the other participant.
type Conversation struct {
	UserID      string   `json:"user_id"`
	Name        string   `json:"name"`
	Avatar      string   `json:"avatar,omitempty"`
	Presence    string   `json:"presence,omitempty"`
	LastMessage *Message `json:"last_message,omitempty"`
	Unread      int      `json:"unread"`
}

// Member is a group member id with a cached profile snapshot.
type Member struct {
	UserID string `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Group is multi-member chat state keyed by a server-assigned group id.
type Group struct {
	ID          string   `json:"_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	CreatorID   string   `json:"creator"`
	Members     []Member `json:"members"`
	LastMessage *Message `json:"last_message,omitempty"`
	Unread      int      `json:"unread"`
}

// HasMember reports whether the given user is in the member list.
func (g *Group) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
