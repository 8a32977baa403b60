// Package repo holds the authoritative in-memory conversation and
// group lists for the current session. It is the single writer of
// truth the UI reads from; the local cache store holds a serialized
// fallback copy that is read at session start or when a fetch fails
// and overwritten after every successful mutation.
package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lavoro-hq/chatsync/internal/bus"
	"github.com/lavoro-hq/chatsync/internal/cache"
	"github.com/lavoro-hq/chatsync/internal/model"
	"go.uber.org/zap"
)

// Fetcher is the authoritative list source (the backend REST client).
type Fetcher interface {
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	ListGroups(ctx context.Context, userID string) ([]model.Group, error)
}

// SnapshotStore persists serialized fallback copies of the lists.
type SnapshotStore interface {
	SaveSnapshot(userID, kind string, v any) error
	LoadSnapshot(userID, kind string, v any) error
}

// Repository owns the session's conversation and group lists.
type Repository struct {
	userID  string
	fetcher Fetcher
	store   SnapshotStore
	bus     *bus.Bus
	logger  *zap.Logger

	mu        sync.RWMutex
	direct    []model.Conversation
	groups    []model.Group
	active    model.Target
	hasActive bool
}

// New creates an empty repository for the given user.
func New(userID string, f Fetcher, store SnapshotStore, b *bus.Bus, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		userID:  userID,
		fetcher: f,
		store:   store,
		bus:     b,
		logger:  logger,
	}
}

// LoadInitial attempts the authoritative fetch and falls back to the
// local cache snapshot per list on failure. It never fails: the result
// is best-effort, possibly empty. Reports whether any list came from
// the cache.
func (r *Repository) LoadInitial(ctx context.Context) (fromCache bool) {
	direct, err := r.fetcher.ListConversations(ctx, r.userID)
	if err != nil {
		r.logger.Warn("conversation fetch failed, using cache", zap.Error(err))
		fromCache = true
		direct = nil
		_ = r.store.LoadSnapshot(r.userID, cache.KindConversations, &direct)
	}

	groups, err := r.fetcher.ListGroups(ctx, r.userID)
	if err != nil {
		r.logger.Warn("group fetch failed, using cache", zap.Error(err))
		fromCache = true
		groups = nil
		_ = r.store.LoadSnapshot(r.userID, cache.KindGroups, &groups)
	}

	r.mu.Lock()
	r.direct = direct
	r.groups = groups
	r.reorderLocked()
	r.mu.Unlock()

	if !fromCache {
		r.persist()
	}
	r.publish(bus.KindChatUpdated, model.Target{})
	return fromCache
}

// UpsertLastMessage finds or creates the conversation or group for
// target, updates its denormalized last message, and increments the
// unread counter iff the sender is not the current user and the target
// is not the currently open conversation. An unknown target synthesizes
// a new entry from the message's sender snapshot rather than dropping
// the message: a first contact's first message must never disappear.
func (r *Repository) UpsertLastMessage(target model.Target, msg model.Message, sender *model.Contact) {
	r.mu.Lock()
	countUnread := msg.SenderID != r.userID && !(r.hasActive && r.active == target)

	switch target.Kind {
	case model.TargetDirect:
		i := r.findConversationLocked(target.ID)
		if i < 0 {
			conv := model.Conversation{UserID: target.ID}
			if sender != nil && sender.UserID == target.ID {
				conv.Name = sender.DisplayName()
				conv.Avatar = sender.Avatar
				conv.Presence = sender.Presence
			}
			r.direct = append(r.direct, conv)
			i = len(r.direct) - 1
		}
		m := msg
		r.direct[i].LastMessage = &m
		if countUnread {
			r.direct[i].Unread++
		}
	case model.TargetGroup:
		i := r.findGroupLocked(target.ID)
		if i < 0 {
			r.groups = append(r.groups, model.Group{ID: target.ID})
			i = len(r.groups) - 1
		}
		m := msg
		r.groups[i].LastMessage = &m
		if countUnread {
			r.groups[i].Unread++
		}
	}
	r.reorderLocked()
	r.mu.Unlock()

	r.persist()
	r.publish(bus.KindChatUpdated, target)
}

// MarkRead resets the unread counter for the target to zero.
func (r *Repository) MarkRead(target model.Target) {
	r.mu.Lock()
	switch target.Kind {
	case model.TargetDirect:
		if i := r.findConversationLocked(target.ID); i >= 0 {
			r.direct[i].Unread = 0
		}
	case model.TargetGroup:
		if i := r.findGroupLocked(target.ID); i >= 0 {
			r.groups[i].Unread = 0
		}
	}
	r.mu.Unlock()

	r.persist()
	r.publish(bus.KindChatRead, target)
}

// Reorder re-sorts both lists by last-message timestamp descending,
// entries without a dated last message last.
func (r *Repository) Reorder() {
	r.mu.Lock()
	r.reorderLocked()
	r.mu.Unlock()
}

// SetActive marks the currently open conversation; its inbound
// messages stop counting as unread.
func (r *Repository) SetActive(target model.Target) {
	r.mu.Lock()
	r.active = target
	r.hasActive = true
	r.mu.Unlock()
}

// ClearActive marks no conversation as open.
func (r *Repository) ClearActive() {
	r.mu.Lock()
	r.hasActive = false
	r.active = model.Target{}
	r.mu.Unlock()
}

// Active returns the currently open conversation, if any.
func (r *Repository) Active() (model.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.hasActive
}

// Conversations returns a copy of the direct conversation list.
func (r *Repository) Conversations() []model.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Conversation, len(r.direct))
	copy(out, r.direct)
	return out
}

// Groups returns a copy of the group list.
func (r *Repository) Groups() []model.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Group, len(r.groups))
	copy(out, r.groups)
	return out
}

// Conversation returns the conversation for the other participant.
func (r *Repository) Conversation(userID string) (model.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.findConversationLocked(userID); i >= 0 {
		return r.direct[i], true
	}
	return model.Conversation{}, false
}

// Group returns the group with the given id.
func (r *Repository) Group(id string) (model.Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.findGroupLocked(id); i >= 0 {
		return r.groups[i], true
	}
	return model.Group{}, false
}

// UpsertConversation inserts or replaces a conversation entry keyed by
// the other participant (contact selected with no prior history).
func (r *Repository) UpsertConversation(conv model.Conversation) {
	r.mu.Lock()
	if i := r.findConversationLocked(conv.UserID); i >= 0 {
		r.direct[i] = conv
	} else {
		r.direct = append(r.direct, conv)
	}
	r.reorderLocked()
	r.mu.Unlock()

	r.persist()
	r.publish(bus.KindChatUpdated, model.Target{Kind: model.TargetDirect, ID: conv.UserID})
}

// UpsertGroup inserts or replaces a group entry (group creation or a
// membership event from the push channel).
func (r *Repository) UpsertGroup(g model.Group) {
	r.mu.Lock()
	i := r.findGroupLocked(g.ID)
	created := i < 0
	if created {
		r.groups = append(r.groups, g)
	} else {
		// Preserve local counters across membership refreshes.
		g.Unread = r.groups[i].Unread
		if g.LastMessage == nil {
			g.LastMessage = r.groups[i].LastMessage
		}
		r.groups[i] = g
	}
	r.reorderLocked()
	r.mu.Unlock()

	r.persist()
	if created {
		r.publish(bus.KindGroupCreated, model.Target{Kind: model.TargetGroup, ID: g.ID})
	} else {
		r.publish(bus.KindChatUpdated, model.Target{Kind: model.TargetGroup, ID: g.ID})
	}
}

// RemoveGroup drops a group (current user removed from it).
func (r *Repository) RemoveGroup(id string) {
	r.mu.Lock()
	if i := r.findGroupLocked(id); i >= 0 {
		r.groups = append(r.groups[:i], r.groups[i+1:]...)
	}
	r.mu.Unlock()

	r.persist()
	r.publish(bus.KindGroupRemoved, model.Target{Kind: model.TargetGroup, ID: id})
}

// ApplyEditToLastMessage updates a denormalized last-message preview
// when that message was edited.
func (r *Repository) ApplyEditToLastMessage(msgID, newBody string, editedAt time.Time) {
	changed := false
	r.mu.Lock()
	for i := range r.direct {
		if lm := r.direct[i].LastMessage; lm != nil && lm.ID == msgID {
			lm.Body = newBody
			lm.Edited = true
			lm.EditedAt = editedAt
			changed = true
		}
	}
	for i := range r.groups {
		if lm := r.groups[i].LastMessage; lm != nil && lm.ID == msgID {
			lm.Body = newBody
			lm.Edited = true
			lm.EditedAt = editedAt
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		r.persist()
		r.publish(bus.KindChatUpdated, model.Target{})
	}
}

func (r *Repository) findConversationLocked(userID string) int {
	for i := range r.direct {
		if r.direct[i].UserID == userID {
			return i
		}
	}
	return -1
}

func (r *Repository) findGroupLocked(id string) int {
	for i := range r.groups {
		if r.groups[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Repository) reorderLocked() {
	byLast := func(a, b *model.Message) bool {
		switch {
		case a == nil || a.SentAt.IsZero():
			return false
		case b == nil || b.SentAt.IsZero():
			return true
		default:
			return a.SentAt.After(b.SentAt)
		}
	}
	sort.SliceStable(r.direct, func(i, j int) bool {
		return byLast(r.direct[i].LastMessage, r.direct[j].LastMessage)
	})
	sort.SliceStable(r.groups, func(i, j int) bool {
		return byLast(r.groups[i].LastMessage, r.groups[j].LastMessage)
	})
}

func (r *Repository) persist() {
	r.mu.RLock()
	direct := make([]model.Conversation, len(r.direct))
	copy(direct, r.direct)
	groups := make([]model.Group, len(r.groups))
	copy(groups, r.groups)
	r.mu.RUnlock()

	if err := r.store.SaveSnapshot(r.userID, cache.KindConversations, direct); err != nil {
		r.logger.Warn("persist conversations failed", zap.Error(err))
	}
	if err := r.store.SaveSnapshot(r.userID, cache.KindGroups, groups); err != nil {
		r.logger.Warn("persist groups failed", zap.Error(err))
	}
}

func (r *Repository) publish(kind string, target model.Target) {
	if r.bus != nil {
		r.bus.Publish(bus.Now(kind, bus.ChatUpdate{Target: target}))
	}
}
