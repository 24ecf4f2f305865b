package chatsync

import (
	"github.com/rs/zerolog"
)

// MergeResult reports what a live message did to the timeline.
type MergeResult struct {
	// Inserted is false for messages of other conversations and duplicates.
	Inserted bool
	// Unread is set for a peer's message the user cannot currently see.
	Unread bool
	// ReadNow is set for a peer's message that arrived while the
	// conversation was on screen; the local user is already in its read-set.
	ReadNow bool
}

// Merger folds server-pushed messages into the active timeline.
type Merger struct {
	userID  string
	log     zerolog.Logger
	metrics *Metrics
}

// NewMerger returns a Merger for the local user userID.
func NewMerger(userID string, log zerolog.Logger, m *Metrics) *Merger {
	return &Merger{
		userID:  userID,
		log:     log.With().Str("component", "merger").Logger(),
		metrics: m,
	}
}

// OnMessageReceived inserts msg into tl when it belongs to tl's
// conversation. Messages for any other conversation are ignored here.
func (m *Merger) OnMessageReceived(tl *Timeline, msg Message, visible bool) MergeResult {
	if tl == nil || msg.ConversationID != tl.ConversationID() {
		return MergeResult{}
	}
	if !tl.Insert(msg) {
		m.log.Debug().Str("id", msg.ID).Msg("duplicate message ignored")
		m.metrics.incDuplicate()
		return MergeResult{}
	}
	m.metrics.incMerged()

	res := MergeResult{Inserted: true}
	if msg.SenderID == m.userID {
		return res
	}
	if visible {
		tl.AddReaderTo(msg.ID, m.userID)
		res.ReadNow = true
	} else {
		res.Unread = true
	}
	return res
}
