// Package engine is the reconciliation core: it owns the active
// timeline, pairs optimistic local sends with their server-confirmed
// counterparts, folds push events into the repository and timeline, and
// heals after disconnects by re-polling the active conversation. All
// inbound mutations arrive on the transport read loop, a single
// cooperative thread of control; engine entry points called from the
// UI side take the same locks the shared state guards itself with.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lavoro-hq/chatsync/internal/backend"
	"github.com/lavoro-hq/chatsync/internal/bus"
	"github.com/lavoro-hq/chatsync/internal/config"
	"github.com/lavoro-hq/chatsync/internal/model"
	"github.com/lavoro-hq/chatsync/internal/repo"
	"github.com/lavoro-hq/chatsync/internal/status"
	"github.com/lavoro-hq/chatsync/internal/timeline"
	"github.com/lavoro-hq/chatsync/internal/transport"
	"go.uber.org/zap"
)

// ErrNoActiveConversation is returned by message operations when no
// conversation is open.
var ErrNoActiveConversation = errors.New("no active conversation")

// Backend is the request/response surface the engine needs.
type Backend interface {
	GetConversation(ctx context.Context, userID, otherID string) ([]model.Message, error)
	GetGroupMessages(ctx context.Context, groupID, userID string) ([]model.Message, error)
	SendMessage(ctx context.Context, msg *model.Message, att *backend.Upload) (*model.Message, error)
	SendGroupMessage(ctx context.Context, msg *model.Message, att *backend.Upload) (*model.Message, error)
	UpdateMessage(ctx context.Context, msgID, newBody string) (*model.Message, error)
	UpdateGroupMessage(ctx context.Context, msgID, newBody string) (*model.Message, error)
	DeleteMessage(ctx context.Context, msgID string) error
	DeleteGroupMessage(ctx context.Context, msgID string) error
	CreateGroup(ctx context.Context, req backend.CreateGroupRequest, avatar *backend.Upload) (*model.Group, error)
	AddGroupMember(ctx context.Context, groupID, userID string) (*model.Group, error)
	RemoveGroupMember(ctx context.Context, groupID, userID string) (*model.Group, error)
}

// Transport is the push channel surface the engine needs.
type Transport interface {
	Connect(ctx context.Context, userID string) error
	Emit(event string, payload any)
	Subscribe(event string, h transport.Handler)
	Connected() bool
	Close() error
}

// OverlayStore stages edits and deletions for conversations that are
// not currently open, so they apply lazily on the next open.
type OverlayStore interface {
	PutEdit(msgID, body string, editedAt time.Time) error
	PutDelete(msgID string) error
	ApplyOverlays(msgs []model.Message) []model.Message
}

// Engine drives the chat core for one session.
type Engine struct {
	userID   string
	backend  Backend
	tp       Transport
	repo     *repo.Repository
	tl       *timeline.Timeline
	overlays OverlayStore
	machine  *status.Machine
	bus      *bus.Bus
	cfg      *config.Config
	logger   *zap.Logger

	// gen is bumped on every Open; in-flight history fetches compare
	// against it and discard stale results.
	gen atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New wires an engine. Start must be called before any operation.
func New(cfg *config.Config, userID string, be Backend, tp Transport, r *repo.Repository, tl *timeline.Timeline, ov OverlayStore, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		userID:   userID,
		backend:  be,
		tp:       tp,
		repo:     r,
		tl:       tl,
		overlays: ov,
		machine:  machine,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start loads the conversation lists (best-effort), connects the push
// channel, and launches the poll loop. A failed connect leaves the
// engine usable in degraded mode; the poller retries.
func (e *Engine) Start(ctx context.Context) error {
	e.registerHandlers()
	_ = e.machine.Transition(status.Connecting)

	fromCache := e.repo.LoadInitial(ctx)

	if err := e.tp.Connect(ctx, e.userID); err != nil {
		e.logger.Warn("push channel connect failed, starting degraded", zap.Error(err))
		_ = e.machine.Transition(status.Degraded)
	} else if fromCache {
		_ = e.machine.Transition(status.Degraded)
	} else {
		_ = e.machine.Transition(status.Online)
	}

	go e.pollLoop()
	return nil
}

// Stop halts the poll loop and closes the push channel.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
	err := e.tp.Close()
	_ = e.machine.Transition(status.Offline)
	return err
}

// Open makes target the active conversation: resets the timeline,
// clears its unread counter, fetches history, applies staged overlays,
// and publishes the loaded timeline. A conversation switch during the
// fetch discards the stale result.
func (e *Engine) Open(ctx context.Context, target model.Target) error {
	gen := e.gen.Add(1)
	e.repo.SetActive(target)
	e.tl.Reset(target)
	e.repo.MarkRead(target)

	return e.loadHistory(ctx, target, gen)
}

func (e *Engine) loadHistory(ctx context.Context, target model.Target, gen uint64) error {
	var msgs []model.Message
	var err error
	switch target.Kind {
	case model.TargetGroup:
		msgs, err = e.backend.GetGroupMessages(ctx, target.ID, e.userID)
	default:
		msgs, err = e.backend.GetConversation(ctx, e.userID, target.ID)
	}
	if err != nil {
		e.logger.Warn("history fetch failed",
			zap.String("target", target.ID), zap.Error(err))
		return err
	}
	if e.gen.Load() != gen {
		e.logger.Debug("history fetch superseded, discarded",
			zap.String("target", target.ID))
		return nil
	}

	msgs = e.overlays.ApplyOverlays(msgs)
	e.tl.SetMessages(msgs)
	e.publish(bus.KindTimelineLoaded, bus.TimelineUpdate{Target: target})
	return nil
}

// Send appends the message optimistically to the active timeline and
// submits it. The optimistic entry is returned by temp id immediately in
// spirit: on backend failure it stays pending rather than disappearing.
// When an attachment upload fails, the text is retried alone so the
// words still get through.
func (e *Engine) Send(ctx context.Context, body string, att *backend.Upload) (string, error) {
	target, ok := e.repo.Active()
	if !ok {
		return "", ErrNoActiveConversation
	}

	msg := model.Message{SenderID: e.userID, Body: body, SentAt: time.Now()}
	switch target.Kind {
	case model.TargetGroup:
		msg.GroupID = target.ID
	default:
		msg.ReceiverID = target.ID
	}
	if att != nil {
		msg.Attachment = &model.Attachment{MediaType: att.MediaType}
	}

	tempID := e.tl.AppendOptimistic(msg)
	msg.ID = tempID
	msg.State = model.StatePending
	e.repo.UpsertLastMessage(target, msg, nil)
	e.publish(bus.KindSendPending, bus.SendUpdate{Target: target, TempID: tempID})
	e.publish(bus.KindTimelineChanged, bus.TimelineUpdate{Target: target, MessageID: tempID})

	confirmed, err := e.submit(ctx, target, &msg, att)
	if err != nil && att != nil {
		e.logger.Warn("attachment upload failed, retrying text only",
			zap.String("temp_id", tempID), zap.Error(err))
		e.publish(bus.KindSendAttachmentFailed, bus.SendUpdate{Target: target, TempID: tempID})
		msg.Attachment = nil
		confirmed, err = e.submit(ctx, target, &msg, nil)
	}
	if err != nil {
		// Leaves the optimistic entry pending. A later confirmed copy
		// from the server is absorbed by the grace-window dedup.
		e.logger.Warn("send failed, message left pending",
			zap.String("temp_id", tempID), zap.Error(err))
		return tempID, err
	}

	e.confirmSend(target, tempID, *confirmed)

	event := transport.EventPrivateMessage
	if target.Kind == model.TargetGroup {
		event = transport.EventGroupMessage
	}
	e.tp.Emit(event, confirmed)

	return tempID, nil
}

func (e *Engine) submit(ctx context.Context, target model.Target, msg *model.Message, att *backend.Upload) (*model.Message, error) {
	if target.Kind == model.TargetGroup {
		return e.backend.SendGroupMessage(ctx, msg, att)
	}
	return e.backend.SendMessage(ctx, msg, att)
}

func (e *Engine) confirmSend(target model.Target, tempID string, confirmed model.Message) {
	model.Repair(&confirmed)
	confirmed.State = model.StateConfirmed
	if !e.tl.Reconcile(tempID, confirmed) {
		// Broadcast copy beat the ack; nothing to replace.
		e.logger.Debug("confirm arrived after broadcast", zap.String("id", confirmed.ID))
	}
	e.repo.UpsertLastMessage(target, confirmed, nil)
	e.publish(bus.KindSendConfirmed, bus.SendUpdate{Target: target, TempID: tempID, ServerID: confirmed.ID})
	e.publish(bus.KindTimelineChanged, bus.TimelineUpdate{Target: target, MessageID: confirmed.ID})
}

// Edit rewrites a message's body optimistically and stages the edit in
// the overlay store before submitting it. A backend failure keeps the
// local edit; the overlay makes it stick across reopens.
func (e *Engine) Edit(ctx context.Context, msgID, newBody string) error {
	target, ok := e.repo.Active()
	if !ok {
		return ErrNoActiveConversation
	}

	editedAt := time.Now()
	if e.tl.ApplyEdit(msgID, newBody, editedAt) {
		e.publish(bus.KindTimelineChanged, bus.TimelineUpdate{Target: target, MessageID: msgID})
	}
	if err := e.overlays.PutEdit(msgID, newBody, editedAt); err != nil {
		e.logger.Warn("edit overlay store failed", zap.Error(err))
	}
	e.repo.ApplyEditToLastMessage(msgID, newBody, editedAt)

	var err error
	if target.Kind == model.TargetGroup {
		_, err = e.backend.UpdateGroupMessage(ctx, msgID, newBody)
	} else {
		_, err = e.backend.UpdateMessage(ctx, msgID, newBody)
	}
	if err != nil {
		e.logger.Warn("edit submit failed, keeping local edit",
			zap.String("id", msgID), zap.Error(err))
		return err
	}

	event := transport.EventUpdateMessage
	if target.Kind == model.TargetGroup {
		event = transport.EventUpdateGroupMessage
	}
	payload := editPayload{MessageID: msgID, NewBody: newBody, EditedAt: editedAt}
	if target.Kind == model.TargetGroup {
		payload.GroupID = target.ID
	}
	e.tp.Emit(event, payload)
	return nil
}

// Delete removes a message optimistically and stages the deletion, then
// submits it. A deletion supersedes any staged edit for the message.
func (e *Engine) Delete(ctx context.Context, msgID string) error {
	target, ok := e.repo.Active()
	if !ok {
		return ErrNoActiveConversation
	}

	if e.tl.ApplyDelete(msgID) {
		e.publish(bus.KindTimelineChanged, bus.TimelineUpdate{Target: target, MessageID: msgID})
	}
	if err := e.overlays.PutDelete(msgID); err != nil {
		e.logger.Warn("delete overlay store failed", zap.Error(err))
	}

	var err error
	if target.Kind == model.TargetGroup {
		err = e.backend.DeleteGroupMessage(ctx, msgID)
	} else {
		err = e.backend.DeleteMessage(ctx, msgID)
	}
	if err != nil {
		e.logger.Warn("delete submit failed, keeping local deletion",
			zap.String("id", msgID), zap.Error(err))
	}
	return err
}

// CreateGroup creates a group and registers it locally. Unlike passive
// loads, a failure here surfaces to the caller.
func (e *Engine) CreateGroup(ctx context.Context, req backend.CreateGroupRequest, avatar *backend.Upload) (*model.Group, error) {
	req.CreatorID = e.userID
	g, err := e.backend.CreateGroup(ctx, req, avatar)
	if err != nil {
		return nil, err
	}
	e.repo.UpsertGroup(*g)
	return g, nil
}

// AddMember adds a user to a group and refreshes the local entry.
func (e *Engine) AddMember(ctx context.Context, groupID, userID string) error {
	g, err := e.backend.AddGroupMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	e.repo.UpsertGroup(*g)
	return nil
}

// RemoveMember removes a user from a group. Removing the current user
// drops the group locally.
func (e *Engine) RemoveMember(ctx context.Context, groupID, userID string) error {
	g, err := e.backend.RemoveGroupMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if userID == e.userID {
		e.dropGroup(groupID)
		return nil
	}
	e.repo.UpsertGroup(*g)
	return nil
}

// Typing announces a typing indicator for the active conversation.
func (e *Engine) Typing() {
	e.emitTyping(transport.EventTyping)
}

// StopTyping retracts the typing indicator.
func (e *Engine) StopTyping() {
	e.emitTyping(transport.EventStopTyping)
}

func (e *Engine) emitTyping(event string) {
	target, ok := e.repo.Active()
	if !ok {
		return
	}
	p := typingPayload{SenderID: e.userID}
	if target.Kind == model.TargetGroup {
		p.GroupID = target.ID
	} else {
		p.ReceiverID = target.ID
	}
	e.tp.Emit(event, p)
}

func (e *Engine) registerHandlers() {
	e.tp.Subscribe(transport.EventNewMessage, e.onNewMessage)
	e.tp.Subscribe(transport.EventNewGroupMessage, e.onNewMessage)
	e.tp.Subscribe(transport.EventMessageSent, e.onConfirm)
	e.tp.Subscribe(transport.EventGroupMessageSent, e.onConfirm)
	e.tp.Subscribe(transport.EventMessageUpdated, e.onEdit)
	e.tp.Subscribe(transport.EventGroupMessageUpdated, e.onEdit)
	e.tp.Subscribe(transport.EventMessageDeleted, e.onDelete)
	e.tp.Subscribe(transport.EventGroupMessageDeleted, e.onDelete)
	e.tp.Subscribe(transport.EventUserTyping, e.onTyping)
	e.tp.Subscribe(transport.EventUserStopTyping, e.onStopTyping)
	e.tp.Subscribe(transport.EventNewGroup, e.onGroupUpsert)
	e.tp.Subscribe(transport.EventAddedToGroup, e.onGroupUpsert)
	e.tp.Subscribe(transport.EventRemovedFromGroup, e.onGroupRemoved)
	e.tp.Subscribe(transport.EventMessageReadReceipt, e.onReadReceipt)
	e.tp.Subscribe(transport.EventGroupReadReceipt, e.onReadReceipt)
}

// onNewMessage folds a peer's message in. For a direct message the
// conversation is keyed by the sender, not by the receiver field the
// message carries.
func (e *Engine) onNewMessage(payload json.RawMessage) {
	var p inboundMessage
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed inbound message", zap.Error(err))
		return
	}
	msg := p.Message
	model.Repair(&msg)
	msg.State = model.StateConfirmed

	target := msg.Target()
	if target.Kind == model.TargetDirect {
		target.ID = msg.SenderID
	}

	if active, ok := e.repo.Active(); ok && active == target && e.tl.Target() == target {
		if e.tl.Insert(msg) {
			e.publish(bus.KindTimelineChanged, bus.TimelineUpdate{Target: target, MessageID: msg.ID})
		}
	}
	e.repo.UpsertLastMessage(target, msg, p.Sender)
}

// onConfirm absorbs the server-confirmed copy of one of our own sends,
// whether the REST ack already landed or not.
func (e *Engine) onConfirm(payload json.RawMessage) {
	var p confirmPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed confirm payload", zap.Error(err))
		return
	}
	msg := p.Message
	model.Repair(&msg)
	msg.State = model.StateConfirmed
	target := msg.Target()

	if active, ok := e.repo.Active(); ok && active == target && e.tl.Target() == target {
		var changed bool
		if p.ClientMsgID != "" {
			changed = e.tl.Reconcile(p.ClientMsgID, msg)
		} else {
			changed = e.tl.Insert(msg)
		}
		if changed {
			e.publish(bus.KindTimelineChanged, bus.TimelineUpdate{Target: target, MessageID: msg.ID})
		}
	}
	e.repo.UpsertLastMessage(target, msg, nil)
}

func (e *Engine) onEdit(payload json.RawMessage) {
	var p editPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed edit payload", zap.Error(err))
		return
	}
	if p.EditedAt.IsZero() {
		p.EditedAt = time.Now()
	}

	if _, ok := e.tl.Get(p.MessageID); ok {
		if e.tl.ApplyEdit(p.MessageID, p.NewBody, p.EditedAt) {
			e.publish(bus.KindTimelineChanged, bus.TimelineUpdate{Target: e.tl.Target(), MessageID: p.MessageID})
		}
	} else if err := e.overlays.PutEdit(p.MessageID, p.NewBody, p.EditedAt); err != nil {
		e.logger.Warn("stage edit overlay failed", zap.Error(err))
	}
	e.repo.ApplyEditToLastMessage(p.MessageID, p.NewBody, p.EditedAt)
}

func (e *Engine) onDelete(payload json.RawMessage) {
	var p deletePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed delete payload", zap.Error(err))
		return
	}

	if _, ok := e.tl.Get(p.MessageID); ok {
		if e.tl.ApplyDelete(p.MessageID) {
			e.publish(bus.KindTimelineChanged, bus.TimelineUpdate{Target: e.tl.Target(), MessageID: p.MessageID})
		}
	} else if err := e.overlays.PutDelete(p.MessageID); err != nil {
		e.logger.Warn("stage delete overlay failed", zap.Error(err))
	}
}

func (e *Engine) onTyping(payload json.RawMessage) {
	e.publishTyping(bus.KindTypingStarted, payload)
}

func (e *Engine) onStopTyping(payload json.RawMessage) {
	e.publishTyping(bus.KindTypingStopped, payload)
}

func (e *Engine) publishTyping(kind string, payload json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed typing payload", zap.Error(err))
		return
	}
	if p.SenderID == e.userID {
		return
	}
	e.publish(kind, bus.TypingUpdate{Target: p.target(), SenderID: p.SenderID})
}

func (e *Engine) onGroupUpsert(payload json.RawMessage) {
	var g model.Group
	if err := json.Unmarshal(payload, &g); err != nil || g.ID == "" {
		e.logger.Warn("malformed group payload", zap.Error(err))
		return
	}
	e.repo.UpsertGroup(g)
}

func (e *Engine) onGroupRemoved(payload json.RawMessage) {
	var p struct {
		GroupID string `json:"group_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.GroupID == "" {
		e.logger.Warn("malformed group removal payload", zap.Error(err))
		return
	}
	e.dropGroup(p.GroupID)
}

func (e *Engine) dropGroup(groupID string) {
	target := model.Target{Kind: model.TargetGroup, ID: groupID}
	if active, ok := e.repo.Active(); ok && active == target {
		e.gen.Add(1)
		e.repo.ClearActive()
		e.tl.Reset(model.Target{})
		e.publish(bus.KindTimelineChanged, bus.TimelineUpdate{Target: target})
	}
	e.repo.RemoveGroup(groupID)
}

func (e *Engine) onReadReceipt(payload json.RawMessage) {
	var p readReceiptPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn("malformed read receipt", zap.Error(err))
		return
	}
	if e.tl.MarkRead(p.MessageID) {
		e.publish(bus.KindTimelineChanged, bus.TimelineUpdate{Target: e.tl.Target(), MessageID: p.MessageID})
	}
}

// pollLoop periodically refreshes the active conversation against the
// backend and redials the push channel when it is down. Polling is the
// healing path: anything missed while disconnected is recovered by the
// next refresh.
func (e *Engine) pollLoop() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.pollOnce()
		}
	}
}

func (e *Engine) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout())
	defer cancel()

	if !e.tp.Connected() {
		_ = e.machine.Transition(status.Connecting)
		if err := e.tp.Connect(ctx, e.userID); err != nil {
			e.logger.Warn("push channel redial failed", zap.Error(err))
			_ = e.machine.Transition(status.Degraded)
		} else {
			_ = e.machine.Transition(status.Online)
		}
	}

	if target, ok := e.repo.Active(); ok {
		if err := e.loadHistory(ctx, target, e.gen.Load()); err == nil {
			_ = e.machine.Transition(status.Online)
		}
	}
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus != nil {
		e.bus.Publish(bus.Now(kind, payload))
	}
}
