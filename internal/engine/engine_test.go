package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lavoro-hq/chatsync/internal/backend"
	"github.com/lavoro-hq/chatsync/internal/bus"
	"github.com/lavoro-hq/chatsync/internal/config"
	"github.com/lavoro-hq/chatsync/internal/model"
	"github.com/lavoro-hq/chatsync/internal/repo"
	"github.com/lavoro-hq/chatsync/internal/status"
	"github.com/lavoro-hq/chatsync/internal/timeline"
	"github.com/lavoro-hq/chatsync/internal/transport"
)

type fakeBackend struct {
	mu      sync.Mutex
	history map[string][]model.Message
	onFetch func(target string)

	nextID    int
	attErr    error // returned when an attachment is present
	sendErr   error
	beforeAck func(confirmed model.Message)
	fetchErr  error
	group     *model.Group
	groupErr  error
	updated   []string
	deleted   []string
	updateErr error
	sent      []model.Message
}

func (f *fakeBackend) GetConversation(_ context.Context, _, otherID string) ([]model.Message, error) {
	if f.onFetch != nil {
		f.onFetch(otherID)
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.history[otherID], nil
}

func (f *fakeBackend) GetGroupMessages(_ context.Context, groupID, _ string) ([]model.Message, error) {
	if f.onFetch != nil {
		f.onFetch(groupID)
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.history[groupID], nil
}

func (f *fakeBackend) sendAny(msg *model.Message, att *backend.Upload) (*model.Message, error) {
	if att != nil && f.attErr != nil {
		return nil, f.attErr
	}
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.mu.Lock()
	f.nextID++
	confirmed := *msg
	confirmed.ID = "srv" + string(rune('0'+f.nextID))
	confirmed.State = model.StateConfirmed
	f.sent = append(f.sent, confirmed)
	f.mu.Unlock()
	if f.beforeAck != nil {
		f.beforeAck(confirmed)
	}
	return &confirmed, nil
}

func (f *fakeBackend) SendMessage(_ context.Context, msg *model.Message, att *backend.Upload) (*model.Message, error) {
	return f.sendAny(msg, att)
}

func (f *fakeBackend) SendGroupMessage(_ context.Context, msg *model.Message, att *backend.Upload) (*model.Message, error) {
	return f.sendAny(msg, att)
}

func (f *fakeBackend) UpdateMessage(_ context.Context, msgID, newBody string) (*model.Message, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updated = append(f.updated, msgID)
	return &model.Message{ID: msgID, Body: newBody}, nil
}

func (f *fakeBackend) UpdateGroupMessage(ctx context.Context, msgID, newBody string) (*model.Message, error) {
	return f.UpdateMessage(ctx, msgID, newBody)
}

func (f *fakeBackend) DeleteMessage(_ context.Context, msgID string) error {
	f.deleted = append(f.deleted, msgID)
	return nil
}

func (f *fakeBackend) DeleteGroupMessage(ctx context.Context, msgID string) error {
	return f.DeleteMessage(ctx, msgID)
}

func (f *fakeBackend) CreateGroup(_ context.Context, req backend.CreateGroupRequest, _ *backend.Upload) (*model.Group, error) {
	if f.groupErr != nil {
		return nil, f.groupErr
	}
	if f.group != nil {
		return f.group, nil
	}
	return &model.Group{ID: "g-new", Name: req.Name, CreatorID: req.CreatorID}, nil
}

func (f *fakeBackend) AddGroupMember(_ context.Context, groupID, userID string) (*model.Group, error) {
	return &model.Group{ID: groupID, Members: []model.Member{{UserID: userID}}}, nil
}

func (f *fakeBackend) RemoveGroupMember(_ context.Context, groupID, _ string) (*model.Group, error) {
	return &model.Group{ID: groupID}, nil
}

type emitRecord struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	emitted  []emitRecord
	up       bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[string]transport.Handler{}}
}

func (f *fakeTransport) Connect(_ context.Context, _ string) error {
	f.mu.Lock()
	f.up = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Emit(event string, payload any) {
	f.mu.Lock()
	f.emitted = append(f.emitted, emitRecord{event, payload})
	f.mu.Unlock()
}

func (f *fakeTransport) Subscribe(event string, h transport.Handler) {
	f.mu.Lock()
	f.handlers[event] = h
	f.mu.Unlock()
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.up = false
	f.mu.Unlock()
	return nil
}

// push simulates an inbound server event.
func (f *fakeTransport) push(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler registered for %q", event)
	}
	h(data)
}

func (f *fakeTransport) emits() []emitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emitRecord, len(f.emitted))
	copy(out, f.emitted)
	return out
}

type overlayEdit struct {
	body string
	at   time.Time
}

type memOverlays struct {
	mu      sync.Mutex
	edits   map[string]overlayEdit
	deletes map[string]bool
}

func newMemOverlays() *memOverlays {
	return &memOverlays{edits: map[string]overlayEdit{}, deletes: map[string]bool{}}
}

func (m *memOverlays) PutEdit(msgID, body string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits[msgID] = overlayEdit{body, at}
	delete(m.deletes, msgID)
	return nil
}

func (m *memOverlays) PutDelete(msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes[msgID] = true
	delete(m.edits, msgID)
	return nil
}

func (m *memOverlays) ApplyOverlays(msgs []model.Message) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := msgs[:0:0]
	for _, msg := range msgs {
		if m.deletes[msg.ID] {
			continue
		}
		if e, ok := m.edits[msg.ID]; ok {
			msg.Body = e.body
			msg.Edited = true
			msg.EditedAt = e.at
		}
		out = append(out, msg)
	}
	return out
}

type noFetch struct{}

func (noFetch) ListConversations(context.Context, string) ([]model.Conversation, error) {
	return nil, nil
}
func (noFetch) ListGroups(context.Context, string) ([]model.Group, error) { return nil, nil }

type noStore struct{}

func (noStore) SaveSnapshot(string, string, any) error { return nil }
func (noStore) LoadSnapshot(string, string, any) error { return nil }

type harness struct {
	engine   *Engine
	backend  *fakeBackend
	tp       *fakeTransport
	repo     *repo.Repository
	tl       *timeline.Timeline
	overlays *memOverlays
	bus      *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()

	b := bus.New()
	be := &fakeBackend{history: map[string][]model.Message{}}
	tp := newFakeTransport()
	r := repo.New("alice", noFetch{}, noStore{}, b, nil)
	tl := timeline.New(0)
	ov := newMemOverlays()
	machine := status.NewMachine(b)

	e := New(cfg, "alice", be, tp, r, tl, ov, machine, b, nil)
	e.registerHandlers()
	_ = tp.Connect(context.Background(), "alice")

	return &harness{engine: e, backend: be, tp: tp, repo: r, tl: tl, overlays: ov, bus: b}
}

func direct(id string) model.Target { return model.Target{Kind: model.TargetDirect, ID: id} }

func TestSendConfirmsOptimisticEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	tempID, err := h.engine.Send(ctx, "hello bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !model.IsTempID(tempID) {
		t.Fatalf("tempID = %q", tempID)
	}

	msgs := h.tl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("timeline length = %d, want 1", len(msgs))
	}
	if msgs[0].Pending() || model.IsTempID(msgs[0].ID) {
		t.Fatalf("entry not confirmed: %+v", msgs[0])
	}

	convs := h.repo.Conversations()
	if len(convs) != 1 || convs[0].LastMessage == nil || convs[0].LastMessage.ID != msgs[0].ID {
		t.Fatalf("repository preview not updated: %+v", convs)
	}

	emits := h.tp.emits()
	if len(emits) == 0 || emits[len(emits)-1].event != transport.EventPrivateMessage {
		t.Fatalf("confirmed message not announced on push channel: %+v", emits)
	}
}

func TestSendFailureLeavesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.sendErr = errors.New("timeout")
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	tempID, err := h.engine.Send(ctx, "are you there", nil)
	if err == nil {
		t.Fatal("expected send error")
	}

	msg, ok := h.tl.Get(tempID)
	if !ok {
		t.Fatal("optimistic entry vanished on failure")
	}
	if !msg.Pending() {
		t.Fatalf("entry state = %q, want pending", msg.State)
	}
}

func TestAttachmentFailureFallsBackToText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.attErr = errors.New("blob store rejected upload")
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	events, unsub := h.bus.Subscribe("send", 8)
	defer unsub()

	_, err := h.engine.Send(ctx, "see attached", &backend.Upload{Name: "pic.png", MediaType: "image/png"})
	if err != nil {
		t.Fatalf("text fallback should have delivered: %v", err)
	}

	var sawFailure bool
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Kind == bus.KindSendAttachmentFailed {
				sawFailure = true
			}
		default:
			done = true
		}
	}
	if !sawFailure {
		t.Fatal("attachment failure event not published")
	}

	msgs := h.tl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("timeline length = %d, want 1", len(msgs))
	}
	if msgs[0].Attachment != nil {
		t.Fatalf("fallback delivery kept attachment: %+v", msgs[0])
	}
	if msgs[0].Body != "see attached" {
		t.Fatalf("body = %q", msgs[0].Body)
	}
}

func TestBroadcastBeforeAckLeavesSingleEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	// The server's push broadcast lands before the request/response ack
	// returns. Whichever arrives first must win and the loser must not
	// duplicate the message.
	h.backend.beforeAck = func(confirmed model.Message) {
		h.tp.push(t, transport.EventMessageSent, confirmPayload{Message: confirmed})
	}

	if _, err := h.engine.Send(ctx, "race me", nil); err != nil {
		t.Fatal(err)
	}

	msgs := h.tl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("timeline length = %d, want exactly 1: %+v", len(msgs), msgs)
	}
	if msgs[0].Pending() {
		t.Fatalf("entry left pending: %+v", msgs[0])
	}
}

func TestConfirmBroadcastReconcilesByClientID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.sendErr = errors.New("rest timeout")
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	tempID, _ := h.engine.Send(ctx, "slow path", nil)

	confirmed := model.Message{
		ID: "srv9", SenderID: "alice", ReceiverID: "bob",
		Body: "slow path", SentAt: time.Now(),
	}
	h.tp.push(t, transport.EventMessageSent, confirmPayload{Message: confirmed, ClientMsgID: tempID})

	msgs := h.tl.Messages()
	if len(msgs) != 1 || msgs[0].ID != "srv9" || msgs[0].Pending() {
		t.Fatalf("pending entry not reconciled by client id: %+v", msgs)
	}
}

func TestOpenDiscardsStaleFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.history["bob"] = []model.Message{
		{ID: "b1", SenderID: "bob", ReceiverID: "alice", Body: "old", SentAt: time.Now()},
	}
	h.backend.history["carol"] = []model.Message{
		{ID: "c1", SenderID: "carol", ReceiverID: "alice", Body: "new", SentAt: time.Now()},
	}

	// Switch to carol while bob's history fetch is still in flight.
	switched := false
	h.backend.onFetch = func(target string) {
		if target == "bob" && !switched {
			switched = true
			if err := h.engine.Open(ctx, direct("carol")); err != nil {
				t.Fatal(err)
			}
		}
	}

	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	if got := h.tl.Target(); got != direct("carol") {
		t.Fatalf("active timeline target = %+v, want carol", got)
	}
	msgs := h.tl.Messages()
	if len(msgs) != 1 || msgs[0].ID != "c1" {
		t.Fatalf("stale fetch leaked into timeline: %+v", msgs)
	}
}

func TestInboundMessageRouting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	// Active conversation: inserted into the timeline, unread stays 0.
	h.tp.push(t, transport.EventNewMessage, inboundMessage{
		Message: model.Message{ID: "m1", SenderID: "bob", ReceiverID: "alice", Body: "hi", SentAt: time.Now()},
	})
	if h.tl.Len() != 1 {
		t.Fatalf("active inbound not inserted, len = %d", h.tl.Len())
	}
	if got := h.repo.Conversations()[0].Unread; got != 0 {
		t.Fatalf("active conversation unread = %d, want 0", got)
	}

	// Unopened conversation: no timeline insert, unread counted, entry
	// synthesized from the sender snapshot.
	h.tp.push(t, transport.EventNewMessage, inboundMessage{
		Message: model.Message{ID: "m2", SenderID: "carol", ReceiverID: "alice", Body: "hey", SentAt: time.Now()},
		Sender:  &model.Contact{UserID: "carol", FirstName: "Carol"},
	})
	if h.tl.Len() != 1 {
		t.Fatal("inactive inbound leaked into active timeline")
	}
	conv, ok := h.repo.Conversation("carol")
	if !ok {
		t.Fatal("conversation not synthesized for unknown sender")
	}
	if conv.Unread != 1 || conv.Name != "Carol" {
		t.Fatalf("synthesized conversation wrong: %+v", conv)
	}
}

func TestInboundEditStagedForUnopenedConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.history["carol"] = []model.Message{
		{ID: "m7", SenderID: "carol", ReceiverID: "alice", Body: "original", SentAt: time.Now()},
	}
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	// Edit for a message not in the active timeline stages an overlay.
	h.tp.push(t, transport.EventMessageUpdated, editPayload{MessageID: "m7", NewBody: "fixed", EditedAt: time.Now()})

	if err := h.engine.Open(ctx, direct("carol")); err != nil {
		t.Fatal(err)
	}
	msg, ok := h.tl.Get("m7")
	if !ok {
		t.Fatal("message missing after open")
	}
	if msg.Body != "fixed" || !msg.Edited {
		t.Fatalf("staged edit not applied on open: %+v", msg)
	}
}

func TestInboundDeleteAppliedLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.history["bob"] = []model.Message{
		{ID: "m3", SenderID: "bob", ReceiverID: "alice", Body: "delete me", SentAt: time.Now()},
	}
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	h.tp.push(t, transport.EventMessageDeleted, deletePayload{MessageID: "m3"})
	if h.tl.Len() != 0 {
		t.Fatalf("deleted message still present, len = %d", h.tl.Len())
	}
}

func TestEditKeepsLocalStateOnBackendFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.history["bob"] = []model.Message{
		{ID: "m4", SenderID: "alice", ReceiverID: "bob", Body: "tpyo", SentAt: time.Now()},
	}
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}
	h.backend.updateErr = errors.New("backend down")

	if err := h.engine.Edit(ctx, "m4", "typo"); err == nil {
		t.Fatal("expected error from backend")
	}

	msg, _ := h.tl.Get("m4")
	if msg.Body != "typo" || !msg.Edited {
		t.Fatalf("optimistic edit rolled back: %+v", msg)
	}
	if _, ok := h.overlays.edits["m4"]; !ok {
		t.Fatal("edit not staged in overlay store")
	}
}

func TestRemovedFromActiveGroupClearsTimeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.repo.UpsertGroup(model.Group{ID: "g1", Name: "team"})
	target := model.Target{Kind: model.TargetGroup, ID: "g1"}
	if err := h.engine.Open(ctx, target); err != nil {
		t.Fatal(err)
	}

	h.tp.push(t, transport.EventRemovedFromGroup, map[string]string{"group_id": "g1"})

	if _, ok := h.repo.Active(); ok {
		t.Fatal("active conversation not cleared")
	}
	if _, ok := h.repo.Group("g1"); ok {
		t.Fatal("group not removed from repository")
	}
	if h.tl.Len() != 0 {
		t.Fatal("timeline not reset")
	}
}

func TestTypingEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	events, unsub := h.bus.Subscribe("timeline.typing", 4)
	defer unsub()

	h.engine.Typing()
	emits := h.tp.emits()
	if len(emits) == 0 || emits[len(emits)-1].event != transport.EventTyping {
		t.Fatalf("typing not emitted: %+v", emits)
	}

	// Peer typing surfaces on the bus; our own echo does not.
	h.tp.push(t, transport.EventUserTyping, typingPayload{SenderID: "bob", ReceiverID: "alice"})
	h.tp.push(t, transport.EventUserTyping, typingPayload{SenderID: "alice", ReceiverID: "bob"})

	select {
	case ev := <-events:
		tu := ev.Payload.(bus.TypingUpdate)
		if tu.SenderID != "bob" {
			t.Fatalf("typing sender = %q", tu.SenderID)
		}
	case <-time.After(time.Second):
		t.Fatal("no typing event on bus")
	}
	select {
	case ev := <-events:
		t.Fatalf("own typing echo published: %+v", ev)
	default:
	}
}

func TestReadReceiptMarksMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.history["bob"] = []model.Message{
		{ID: "m5", SenderID: "alice", ReceiverID: "bob", Body: "seen yet?", SentAt: time.Now()},
	}
	if err := h.engine.Open(ctx, direct("bob")); err != nil {
		t.Fatal(err)
	}

	h.tp.push(t, transport.EventMessageReadReceipt, readReceiptPayload{MessageID: "m5", ReaderID: "bob"})

	msg, _ := h.tl.Get("m5")
	if !msg.Read {
		t.Fatalf("message not marked read: %+v", msg)
	}
}

func TestCreateGroupRegistersLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g, err := h.engine.CreateGroup(ctx, backend.CreateGroupRequest{Name: "team"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.CreatorID != "alice" {
		t.Fatalf("creator = %q, want current user", g.CreatorID)
	}
	if _, ok := h.repo.Group(g.ID); !ok {
		t.Fatal("created group not in repository")
	}

	h.backend.groupErr = errors.New("name taken")
	if _, err := h.engine.CreateGroup(ctx, backend.CreateGroupRequest{Name: "dup"}, nil); err == nil {
		t.Fatal("expected create failure to surface")
	}
}
