//go:generate go run go.uber.org/mock/mockgen -source=readstate.go -destination=mock_readstate_test.go -package=chatsync

package chatsync

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ReadMarker records read state on the server. Implementations must be
// idempotent; *Client satisfies it.
type ReadMarker interface {
	MarkChatAsRead(ctx context.Context, id string, kind ConversationKind) error
}

const (
	defaultReadAttempts   = 3
	defaultReadRetryDelay = 1 * time.Second
)

type markState struct {
	again bool
}

// ReadSync marks conversations read, applies read receipts and keeps the
// unread counters. Everything except the REST call runs on the engine loop;
// the call itself runs on its own goroutine and reports back through post.
type ReadSync struct {
	marker     ReadMarker
	transport  Transport
	userID     string
	clock      clock.Clock
	log        zerolog.Logger
	metrics    *Metrics
	post       func(func())
	attempts   int
	retryDelay time.Duration

	inflight map[string]*markState
	unread   map[string]int
	badge    int
}

// NewReadSync returns a ReadSync that confirms marks through marker and
// broadcasts receipts over t. Retry callbacks are handed to post.
func NewReadSync(marker ReadMarker, t Transport, userID string, clk clock.Clock, post func(func()), log zerolog.Logger, m *Metrics) *ReadSync {
	return &ReadSync{
		marker:     marker,
		transport:  t,
		userID:     userID,
		clock:      clk,
		log:        log.With().Str("component", "readstate").Logger(),
		metrics:    m,
		post:       post,
		attempts:   defaultReadAttempts,
		retryDelay: defaultReadRetryDelay,
		inflight:   make(map[string]*markState),
		unread:     make(map[string]int),
	}
}

// MarkActiveConversationRead clears the conversation's unread count, adds
// the local user to the read-set of every peer message in tl, and records
// the read on the server. The receipt is broadcast once the server call
// succeeds. A call made while one is in flight for the same conversation
// runs once more after it finishes.
func (r *ReadSync) MarkActiveConversationRead(ctx context.Context, tl *Timeline, conv Conversation) {
	r.unread[conv.ID] = 0
	if tl != nil && tl.ConversationID() == conv.ID {
		tl.AddReader(r.userID)
	}

	if st, ok := r.inflight[conv.ID]; ok {
		st.again = true
		return
	}
	r.inflight[conv.ID] = &markState{}
	go r.mark(ctx, conv)
}

func (r *ReadSync) mark(ctx context.Context, conv Conversation) {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = r.marker.MarkChatAsRead(ctx, conv.ID, conv.Kind); err == nil {
			break
		}
		r.log.Debug().Err(err).Str("chat", conv.ID).Int("attempt", attempt).Msg("mark read failed")
		if attempt == r.attempts {
			break
		}
		timer := r.clock.Timer(r.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
			attempt = r.attempts
		case <-timer.C:
		}
	}
	r.post(func() { r.finish(ctx, conv, err) })
}

func (r *ReadSync) finish(ctx context.Context, conv Conversation, err error) {
	st := r.inflight[conv.ID]
	delete(r.inflight, conv.ID)

	if err != nil {
		r.metrics.incReadFailure()
		r.log.Warn().Err(err).Str("chat", conv.ID).Msg("giving up on mark read")
	} else {
		r.broadcast(conv)
	}

	if st != nil && st.again && ctx.Err() == nil {
		r.inflight[conv.ID] = &markState{}
		go r.mark(ctx, conv)
	}
}

// SendReceipt broadcasts a markAsRead without touching the server state,
// used when the user leaves a conversation.
func (r *ReadSync) SendReceipt(conv Conversation) {
	r.broadcast(conv)
}

func (r *ReadSync) broadcast(conv Conversation) {
	err := r.transport.Send(EventMarkAsRead, MarkAsReadPayload{
		ChatID:   conv.ID,
		ChatType: conv.Kind,
		UserID:   r.userID,
	})
	if err != nil {
		r.log.Debug().Err(err).Str("chat", conv.ID).Msg("read receipt not sent")
	}
}

// OnReadReceiptReceived adds the reader to every message in tl that someone
// else wrote. Receipts for other conversations are ignored. It returns the
// ids whose read-set grew.
func (r *ReadSync) OnReadReceiptReceived(tl *Timeline, receipt ReadReceipt) []string {
	if tl == nil || receipt.UserID == "" || receipt.ChatID != tl.ConversationID() {
		return nil
	}
	return tl.AddReader(receipt.UserID)
}

// AddUnread records one unread message for conversation id. The tab badge
// only counts while the window is hidden.
func (r *ReadSync) AddUnread(id string, visible bool) {
	r.unread[id]++
	if !visible {
		r.badge++
	}
}

// Unread returns the unread count for conversation id.
func (r *ReadSync) Unread(id string) int { return r.unread[id] }

// UnreadCounts returns a copy of every non-zero unread counter.
func (r *ReadSync) UnreadCounts() map[string]int {
	out := make(map[string]int, len(r.unread))
	for id, n := range r.unread {
		if n > 0 {
			out[id] = n
		}
	}
	return out
}

// Badge returns the tab badge count.
func (r *ReadSync) Badge() int { return r.badge }

// ResetBadge clears the tab badge; called when the window becomes visible
// or gains focus.
func (r *ReadSync) ResetBadge() { r.badge = 0 }

// Pending reports whether a mark-read call is in flight for id.
func (r *ReadSync) Pending(id string) bool {
	_, ok := r.inflight[id]
	return ok
}
