package chatsync

import (
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultPageSize is the page size used when none is configured.
const DefaultPageSize = 20

// PageResult describes how a history page changed the timeline. For older
// pages the caller shifts its viewport by the height of Prepended, measured
// from AnchorID (the oldest message before the merge).
type PageResult struct {
	Direction PageDirection
	PrevCount int
	NewCount  int
	Prepended []string
	AnchorID  string
	HasMore   bool
}

type pageRequest struct {
	conversationID string
	direction      PageDirection
	epoch          uint64
	cancelled      bool
}

// Paginator issues getMessages requests and applies previousMessages
// responses. The server answers requests in order, so responses are matched
// to the oldest outstanding request.
type Paginator struct {
	transport Transport
	log       zerolog.Logger
	metrics   *Metrics

	pending []*pageRequest
	// live holds messages merged while a latest request was outstanding.
	live []Message
}

// NewPaginator returns a Paginator that sends requests over t.
func NewPaginator(t Transport, log zerolog.Logger, m *Metrics) *Paginator {
	return &Paginator{
		transport: t,
		log:       log.With().Str("component", "paginator").Logger(),
		metrics:   m,
	}
}

// Pending returns the number of requests awaiting a response.
func (p *Paginator) Pending() int { return len(p.pending) }

// LoadLatest requests the newest page for conv. Pagination state is reset
// and any outstanding requests are cancelled; the timeline contents are
// replaced once the response arrives.
func (p *Paginator) LoadLatest(tl *Timeline, conv Conversation, pageSize int, epoch uint64) error {
	p.Cancel()
	tl.cursor = ""
	tl.hasMore = true
	tl.loadingMore = false
	tl.loading = true

	return p.request(conv, epoch, GetMessagesRequest{
		RoomID:    conv.ID,
		ChatType:  conv.Kind,
		Limit:     lo.Ternary(pageSize > 0, pageSize, DefaultPageSize),
		Direction: DirectionLatest,
	})
}

// LoadOlder requests the page before the cursor. It returns false without
// sending anything while a load is in flight or when no earlier page exists.
func (p *Paginator) LoadOlder(tl *Timeline, conv Conversation, pageSize int, epoch uint64) (bool, error) {
	if tl.loadingMore || !tl.hasMore || tl.loading {
		return false, nil
	}
	err := p.request(conv, epoch, GetMessagesRequest{
		RoomID:    conv.ID,
		ChatType:  conv.Kind,
		Limit:     lo.Ternary(pageSize > 0, pageSize, DefaultPageSize),
		Cursor:    tl.cursor,
		Direction: DirectionBefore,
	})
	if err != nil {
		return false, err
	}
	tl.loadingMore = true
	return true, nil
}

func (p *Paginator) request(conv Conversation, epoch uint64, req GetMessagesRequest) error {
	if err := p.transport.Send(EventGetMessages, req); err != nil {
		p.log.Warn().Err(err).Str("room", conv.ID).Str("direction", string(req.Direction)).Msg("getMessages not sent")
		return err
	}
	p.pending = append(p.pending, &pageRequest{
		conversationID: conv.ID,
		direction:      req.Direction,
		epoch:          epoch,
	})
	return nil
}

// NoteLive records a message merged by the live path so a latest snapshot
// that was taken before it arrived does not drop it.
func (p *Paginator) NoteLive(m Message) {
	if lo.ContainsBy(p.pending, func(r *pageRequest) bool {
		return r.direction == DirectionLatest && !r.cancelled
	}) {
		p.live = append(p.live, m)
	}
}

// Apply matches resp to the oldest outstanding request and merges it. The
// second result is false when the page was discarded.
func (p *Paginator) Apply(tl *Timeline, resp PreviousMessagesResponse, epoch uint64) (PageResult, bool) {
	p.metrics.addMalformed(resp.Dropped)

	if len(p.pending) == 0 {
		p.log.Debug().Int("messages", len(resp.Messages)).Msg("unsolicited page discarded")
		p.metrics.incStalePage()
		return PageResult{}, false
	}
	req := p.pending[0]
	p.pending = p.pending[1:]

	if p.stale(tl, req, resp, epoch) {
		p.log.Debug().Str("room", req.conversationID).Str("direction", string(req.direction)).Msg("stale page discarded")
		p.metrics.incStalePage()
		return PageResult{}, false
	}

	res := PageResult{Direction: req.direction, PrevCount: tl.Len()}
	switch req.direction {
	case DirectionLatest:
		retained := p.live
		if len(resp.Messages) > 0 {
			newest := lo.MaxBy(resp.Messages, func(a, b Message) bool { return compareMessages(a, b) > 0 })
			retained = lo.Filter(p.live, func(m Message, _ int) bool { return compareMessages(m, newest) > 0 })
		}
		p.live = nil
		tl.Replace(resp.Messages)
		tl.Merge(retained)
		tl.applyLatestPage(resp.Cursor, resp.HasMore)
	case DirectionBefore:
		if oldest, ok := tl.Oldest(); ok {
			res.AnchorID = oldest.ID
		}
		res.Prepended = tl.Merge(resp.Messages)
		tl.applyOlderPage(resp.Cursor, resp.HasMore)
	}
	res.NewCount = tl.Len()
	res.HasMore = tl.hasMore
	p.metrics.incPage(req.direction)
	p.log.Debug().
		Str("room", req.conversationID).
		Str("direction", string(req.direction)).
		Int("messages", len(resp.Messages)).
		Bool("has_more", tl.hasMore).
		Bool("legacy", resp.Legacy).
		Msg("page applied")
	return res, true
}

func (p *Paginator) stale(tl *Timeline, req *pageRequest, resp PreviousMessagesResponse, epoch uint64) bool {
	if tl == nil || req.cancelled || req.epoch != epoch || req.conversationID != tl.ConversationID() {
		return true
	}
	if resp.RoomID != "" && resp.RoomID != req.conversationID {
		return true
	}
	return lo.SomeBy(resp.Messages, func(m Message) bool {
		return m.ConversationID != "" && m.ConversationID != req.conversationID
	})
}

// Fail handles an errorMessage: the oldest outstanding request is dropped
// and its loading flag cleared. hasMore is left alone. It returns the
// direction of the failed request and whether it still applied to tl.
func (p *Paginator) Fail(tl *Timeline, epoch uint64) (PageDirection, bool) {
	if len(p.pending) == 0 {
		return "", false
	}
	req := p.pending[0]
	p.pending = p.pending[1:]
	if tl == nil || req.cancelled || req.epoch != epoch || req.conversationID != tl.ConversationID() {
		return req.direction, false
	}
	switch req.direction {
	case DirectionLatest:
		tl.loading = false
		p.live = nil
	case DirectionBefore:
		tl.loadingMore = false
	}
	return req.direction, true
}

// Cancel marks every outstanding request stale without forgetting it, so
// the responses still line up with the queue when they arrive.
func (p *Paginator) Cancel() {
	for _, req := range p.pending {
		req.cancelled = true
	}
	p.live = nil
}

// Abandon forgets the current latest request for epoch along with every
// request queued ahead of it. Responses arrive in order, so nothing older
// than an unanswered request is still coming.
func (p *Paginator) Abandon(epoch uint64) {
	last := -1
	for i, req := range p.pending {
		if req.direction == DirectionLatest && req.epoch == epoch && !req.cancelled {
			last = i
		}
	}
	if last < 0 {
		return
	}
	p.log.Debug().Int("dropped", last+1).Msg("abandoned outstanding requests")
	p.pending = p.pending[last+1:]
	p.live = nil
}

// Reset forgets every outstanding request. Used when the connection drops,
// since responses for requests sent on it will never arrive.
func (p *Paginator) Reset(tl *Timeline) {
	p.pending = nil
	p.live = nil
	if tl != nil {
		tl.loadingMore = false
	}
}
