// Package timeline holds the ordered message view for the currently
// open conversation, with optimistic entries, edit/delete application,
// and duplicate suppression between optimistic sends and their
// server-confirmed counterparts.
package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/lavoro-hq/chatsync/internal/model"
)

// DefaultGraceWindow is the dedup tolerance for matching an unconfirmed
// local entry to a confirmed copy. Temp ids are not reliably echoed
// back on every server path, so body + recency is the fallback match.
const DefaultGraceWindow = 60 * time.Second

// DayBucket is one calendar day of messages, in arrival order.
type DayBucket struct {
	Day      time.Time
	Messages []model.Message
}

// Timeline is the per-session active-conversation message list. The
// engine is the single writer; the internal lock only protects the
// poller goroutine racing the push handler goroutine.
type Timeline struct {
	mu     sync.Mutex
	target model.Target
	msgs   []model.Message
	grace  time.Duration
	now    func() time.Time
}

// New creates an empty timeline with the given grace window (zero means
// DefaultGraceWindow).
func New(grace time.Duration) *Timeline {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Timeline{grace: grace, now: time.Now}
}

// Target returns the conversation the timeline currently shows.
func (t *Timeline) Target() model.Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target
}

// Reset clears the timeline and points it at a new conversation.
func (t *Timeline) Reset(target model.Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = target
	t.msgs = nil
}

// SetMessages replaces the source list wholesale, used after a history
// fetch. Entries are repaired so rendering never sees partial data.
func (t *Timeline) SetMessages(msgs []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = make([]model.Message, len(msgs))
	copy(t.msgs, msgs)
	for i := range t.msgs {
		model.Repair(&t.msgs[i])
	}
}

// AppendOptimistic adds a locally sent message with a temporary id and
// pending state, returning the temp id for later reconciliation.
func (t *Timeline) AppendOptimistic(msg model.Message) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg.ID = model.NewTempID()
	msg.State = model.StatePending
	if msg.SentAt.IsZero() {
		msg.SentAt = t.now()
	}
	t.msgs = append(t.msgs, msg)
	return msg.ID
}

// Reconcile replaces the unconfirmed entry matching tempID with the
// confirmed copy, keeping its position. When no exact match exists it
// falls back to the body+recency dedup; when neither matches (a dedup
// already inserted the confirmed copy) the confirmed copy is dropped as
// a duplicate. Reports whether a replacement happened.
func (t *Timeline) Reconcile(tempID string, confirmed model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	confirmed.State = model.StateConfirmed

	for i := range t.msgs {
		if t.msgs[i].ID == tempID && t.msgs[i].Pending() {
			t.msgs[i] = confirmed
			return true
		}
	}
	if i := t.pendingDuplicate(confirmed); i >= 0 {
		t.msgs[i] = confirmed
		return true
	}
	return false
}

// Insert adds a confirmed message arriving over the push channel. A
// copy already present by id is a no-op; a pending entry matching the
// dedup rule is confirmed in place (whichever of ack and broadcast
// arrives first wins). Reports whether the timeline changed.
func (t *Timeline) Insert(confirmed model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	confirmed.State = model.StateConfirmed

	for i := range t.msgs {
		if t.msgs[i].ID == confirmed.ID {
			return false
		}
	}
	if i := t.pendingDuplicate(confirmed); i >= 0 {
		t.msgs[i] = confirmed
		return true
	}
	t.msgs = append(t.msgs, confirmed)
	return true
}

// pendingDuplicate returns the index of an unconfirmed entry the
// confirmed message duplicates: identical body, sent within the grace
// window of now. -1 if none. Known gap: two identical bodies sent
// within the window can collapse; callers preferring exact matching
// pass the echoed temp id to Reconcile instead.
func (t *Timeline) pendingDuplicate(confirmed model.Message) int {
	now := t.now()
	for i := range t.msgs {
		m := &t.msgs[i]
		if m.Pending() && m.Body == confirmed.Body && now.Sub(m.SentAt) <= t.grace {
			return i
		}
	}
	return -1
}

// ApplyEdit mutates the entry in place: new body, edited flag and
// timestamp. Sender, attachment, and the original sent timestamp are
// preserved. Reports whether the entry was found.
func (t *Timeline) ApplyEdit(id, newBody string, editedAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			t.msgs[i].Body = newBody
			t.msgs[i].Edited = true
			t.msgs[i].EditedAt = editedAt
			return true
		}
	}
	return false
}

// ApplyDelete removes the entry. Reports whether it was found.
func (t *Timeline) ApplyDelete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// MarkRead flags the entry as read (receipt handling). Reports whether
// it was found.
func (t *Timeline) MarkRead(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			t.msgs[i].Read = true
			return true
		}
	}
	return false
}

// Get returns a copy of the entry with the given id.
func (t *Timeline) Get(id string) (model.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return t.msgs[i], true
		}
	}
	return model.Message{}, false
}

// Messages returns a copy of the source list in arrival order.
func (t *Timeline) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// GroupByDay partitions messages by the calendar date of their sent
// timestamp: buckets sorted chronologically, arrival order within a
// bucket. Pure derived view, recomputed on every render, never stored.
func (t *Timeline) GroupByDay() []DayBucket {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := make(map[time.Time]int)
	var buckets []DayBucket
	for _, m := range t.msgs {
		y, mo, d := m.SentAt.Local().Date()
		day := time.Date(y, mo, d, 0, 0, 0, 0, time.Local)
		i, ok := index[day]
		if !ok {
			i = len(buckets)
			index[day] = i
			buckets = append(buckets, DayBucket{Day: day})
		}
		buckets[i].Messages = append(buckets[i].Messages, m)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Day.Before(buckets[j].Day)
	})
	return buckets
}
