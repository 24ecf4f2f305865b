package chatsync

import (
	"slices"
	"strings"
)

// Timeline is the ordered, de-duplicated message history of one
// conversation. Messages are kept sorted by (CreatedAt, ID) so the order
// never depends on the order events arrived in.
//
// A Timeline is not safe for concurrent use. The Engine only touches it
// from its event loop.
type Timeline struct {
	conversationID string
	entries        []*entry
	index          map[string]*entry

	cursor      string
	hasMore     bool
	loading     bool
	loadingMore bool
}

type entry struct {
	msg     Message
	readers []string
	seen    map[string]struct{}
}

func newEntry(m Message) *entry {
	e := &entry{seen: make(map[string]struct{})}
	e.addReaders(m.ReadBy)
	m.ReadBy = nil
	e.msg = m
	return e
}

func (e *entry) addReader(userID string) bool {
	if userID == "" {
		return false
	}
	if _, ok := e.seen[userID]; ok {
		return false
	}
	e.seen[userID] = struct{}{}
	e.readers = append(e.readers, userID)
	return true
}

func (e *entry) addReaders(userIDs []string) {
	for _, id := range userIDs {
		e.addReader(id)
	}
}

func (e *entry) snapshot() Message {
	m := e.msg
	if len(e.readers) > 0 {
		m.ReadBy = slices.Clone(e.readers)
	}
	return m
}

// compareMessages orders by creation time, then id; server clocks collide.
func compareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// NewTimeline returns an empty timeline. hasMore starts true: until the
// first page arrives an earlier page is assumed to exist.
func NewTimeline(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		index:          make(map[string]*entry),
		hasMore:        true,
	}
}

// ConversationID returns the conversation the timeline belongs to.
func (t *Timeline) ConversationID() string { return t.conversationID }

// Len returns the number of messages held.
func (t *Timeline) Len() int { return len(t.entries) }

// Cursor returns the opaque cursor for the next older page, or "".
func (t *Timeline) Cursor() string { return t.cursor }

// HasMore reports whether older history may exist.
func (t *Timeline) HasMore() bool { return t.hasMore }

// Loading reports whether a latest page is in flight.
func (t *Timeline) Loading() bool { return t.loading }

// LoadingMore reports whether an older page is in flight.
func (t *Timeline) LoadingMore() bool { return t.loadingMore }

// Contains reports whether a message with id is present.
func (t *Timeline) Contains(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Reset empties the timeline and its pagination state for conversationID.
func (t *Timeline) Reset(conversationID string) {
	*t = *NewTimeline(conversationID)
}

// Insert places m in sorted position. It returns false when m has no id or
// its id is already present; in the latter case any readers m carries are
// still unioned into the existing entry.
func (t *Timeline) Insert(m Message) bool {
	if m.ID == "" {
		return false
	}
	if e, ok := t.index[m.ID]; ok {
		e.addReaders(m.ReadBy)
		return false
	}
	e := newEntry(m)
	i, _ := slices.BinarySearchFunc(t.entries, e.msg, func(x *entry, target Message) int {
		return compareMessages(x.msg, target)
	})
	t.entries = slices.Insert(t.entries, i, e)
	t.index[m.ID] = e
	return true
}

// Merge inserts every message and returns the ids that were new.
func (t *Timeline) Merge(msgs []Message) []string {
	var added []string
	for _, m := range msgs {
		if t.Insert(m) {
			added = append(added, m.ID)
		}
	}
	return added
}

// Replace swaps the contents for msgs. Readers already known for a message
// that survives the swap are kept, so read-sets never shrink.
func (t *Timeline) Replace(msgs []Message) {
	old := t.index
	t.entries = nil
	t.index = make(map[string]*entry, len(msgs))
	for _, m := range msgs {
		if !t.Insert(m) {
			continue
		}
		if prev, ok := old[m.ID]; ok {
			t.index[m.ID].addReaders(prev.readers)
		}
	}
}

// Messages returns a copy of the timeline in order.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.snapshot()
	}
	return out
}

// IDs returns the message ids in order.
func (t *Timeline) IDs() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg.ID
	}
	return out
}

// Message returns the message with id.
func (t *Timeline) Message(id string) (Message, bool) {
	e, ok := t.index[id]
	if !ok {
		return Message{}, false
	}
	return e.snapshot(), true
}

// Oldest returns the first message in order.
func (t *Timeline) Oldest() (Message, bool) {
	if len(t.entries) == 0 {
		return Message{}, false
	}
	return t.entries[0].snapshot(), true
}

// Newest returns the last message in order.
func (t *Timeline) Newest() (Message, bool) {
	if len(t.entries) == 0 {
		return Message{}, false
	}
	return t.entries[len(t.entries)-1].snapshot(), true
}

// AddReader records that userID has read every message authored by someone
// else. It returns the ids whose read-set grew.
func (t *Timeline) AddReader(userID string) []string {
	var changed []string
	for _, e := range t.entries {
		if e.msg.SenderID == userID {
			continue
		}
		if e.addReader(userID) {
			changed = append(changed, e.msg.ID)
		}
	}
	return changed
}

// AddReaderTo records that userID has read the message with id.
func (t *Timeline) AddReaderTo(id, userID string) bool {
	e, ok := t.index[id]
	if !ok || e.msg.SenderID == userID {
		return false
	}
	return e.addReader(userID)
}

// applyLatestPage records the pagination state of a fresh snapshot.
func (t *Timeline) applyLatestPage(cursor string, hasMore bool) {
	t.cursor = cursor
	t.hasMore = hasMore
	t.loading = false
	t.loadingMore = false
}

// applyOlderPage records the pagination state of a backward page. Once
// hasMore is false it stays false until Reset.
func (t *Timeline) applyOlderPage(cursor string, hasMore bool) {
	t.cursor = cursor
	t.hasMore = t.hasMore && hasMore
	t.loadingMore = false
}
