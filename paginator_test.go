package chatsync

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var conv1 = Conversation{ID: "c1", Kind: KindGroup}

func newTestPaginator(t *testing.T) (*Paginator, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	ft.setState(StateConnected)
	return NewPaginator(ft, zerolog.Nop(), nil), ft
}

// series returns n messages m<from>..m<from+n-1> created one second apart.
func series(from, n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = msg(fmt.Sprintf("m%03d", from+i), from+i, "peer")
	}
	return out
}

func lastRequest(t *testing.T, ft *fakeTransport) GetMessagesRequest {
	t.Helper()
	reqs := ft.sentOf(EventGetMessages)
	require.NotEmpty(t, reqs)
	req, ok := reqs[len(reqs)-1].Payload.(GetMessagesRequest)
	require.True(t, ok)
	return req
}

// ============================================================================
// Latest Page
// ============================================================================

func TestPaginatorLoadLatest(t *testing.T) {
	t.Run("final page disables loadOlder", func(t *testing.T) {
		p, ft := newTestPaginator(t)
		tl := NewTimeline("c1")

		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))
		require.True(t, tl.Loading())
		req := lastRequest(t, ft)
		require.Equal(t, GetMessagesRequest{RoomID: "c1", ChatType: KindGroup, Limit: 20, Direction: DirectionLatest}, req)

		res, ok := p.Apply(tl, PreviousMessagesResponse{Messages: series(1, 15), HasMore: false}, 1)
		require.True(t, ok)
		require.Equal(t, 15, tl.Len())
		require.Equal(t, 15, res.NewCount)
		require.False(t, tl.HasMore())
		require.False(t, tl.Loading())

		sent, err := p.LoadOlder(tl, conv1, 20, 1)
		require.NoError(t, err)
		require.False(t, sent)
		require.Len(t, ft.sentOf(EventGetMessages), 1)
	})

	t.Run("legacy array is accepted as the only page", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		tl := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))

		var resp PreviousMessagesResponse
		require.NoError(t, resp.UnmarshalJSON([]byte(`[{"id":"a","chatId":"c1","createdAt":"2026-03-01T12:00:00Z"}]`)))

		_, ok := p.Apply(tl, resp, 1)
		require.True(t, ok)
		require.Equal(t, []string{"a"}, tl.IDs())
		require.False(t, tl.HasMore())
	})

	t.Run("zero page size falls back to the default", func(t *testing.T) {
		p, ft := newTestPaginator(t)
		require.NoError(t, p.LoadLatest(NewTimeline("c1"), conv1, 0, 1))
		require.Equal(t, DefaultPageSize, lastRequest(t, ft).Limit)
	})

	t.Run("send failure leaves nothing pending", func(t *testing.T) {
		p, ft := newTestPaginator(t)
		ft.setState(StateDisconnected)
		require.ErrorIs(t, p.LoadLatest(NewTimeline("c1"), conv1, 20, 1), ErrNotConnected)
		require.Zero(t, p.Pending())
	})

	t.Run("live messages newer than the snapshot survive it", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		tl := NewTimeline("c1")
		tl.Merge(series(1, 3))
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))

		live := msg("m100", 100, "peer")
		tl.Insert(live)
		p.NoteLive(live)

		_, ok := p.Apply(tl, PreviousMessagesResponse{Messages: series(1, 5), HasMore: true, Cursor: "m001"}, 1)
		require.True(t, ok)
		require.Equal(t, []string{"m001", "m002", "m003", "m004", "m005", "m100"}, tl.IDs())
		require.Equal(t, "m001", tl.Cursor())
	})
}

// ============================================================================
// Older Pages
// ============================================================================

func TestPaginatorLoadOlder(t *testing.T) {
	setup := func(t *testing.T) (*Paginator, *fakeTransport, *Timeline) {
		p, ft := newTestPaginator(t)
		tl := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))
		_, ok := p.Apply(tl, PreviousMessagesResponse{Messages: series(50, 20), HasMore: true, Cursor: "m050"}, 1)
		require.True(t, ok)
		return p, ft, tl
	}

	t.Run("second call while loading is a no-op", func(t *testing.T) {
		p, ft, tl := setup(t)

		sent, err := p.LoadOlder(tl, conv1, 20, 1)
		require.NoError(t, err)
		require.True(t, sent)
		require.True(t, tl.LoadingMore())

		sent, err = p.LoadOlder(tl, conv1, 20, 1)
		require.NoError(t, err)
		require.False(t, sent)
		require.Len(t, ft.sentOf(EventGetMessages), 2)

		req := lastRequest(t, ft)
		require.Equal(t, DirectionBefore, req.Direction)
		require.Equal(t, "m050", req.Cursor)
	})

	t.Run("prepends and reports the anchor", func(t *testing.T) {
		p, _, tl := setup(t)
		_, _ = p.LoadOlder(tl, conv1, 20, 1)

		res, ok := p.Apply(tl, PreviousMessagesResponse{Messages: series(30, 20), HasMore: true, Cursor: "m030"}, 1)
		require.True(t, ok)
		require.Equal(t, DirectionBefore, res.Direction)
		require.Equal(t, "m050", res.AnchorID)
		require.Equal(t, 20, res.PrevCount)
		require.Equal(t, 40, res.NewCount)
		require.Len(t, res.Prepended, 20)
		require.Equal(t, "m030", tl.Cursor())
		require.False(t, tl.LoadingMore())
	})

	t.Run("overlapping page adds only new messages", func(t *testing.T) {
		p, _, tl := setup(t)
		_, _ = p.LoadOlder(tl, conv1, 20, 1)

		res, ok := p.Apply(tl, PreviousMessagesResponse{Messages: series(45, 10), HasMore: false}, 1)
		require.True(t, ok)
		require.Len(t, res.Prepended, 5)
		require.Equal(t, 25, tl.Len())
		require.False(t, res.HasMore)
	})

	t.Run("blocked while the latest page loads", func(t *testing.T) {
		p, ft := newTestPaginator(t)
		tl := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))

		sent, err := p.LoadOlder(tl, conv1, 20, 1)
		require.NoError(t, err)
		require.False(t, sent)
		require.Len(t, ft.sentOf(EventGetMessages), 1)
	})
}

// ============================================================================
// Stale Responses
// ============================================================================

func TestPaginatorDiscardsStalePages(t *testing.T) {
	t.Run("unsolicited", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		tl := NewTimeline("c1")
		_, ok := p.Apply(tl, PreviousMessagesResponse{Messages: series(1, 3)}, 1)
		require.False(t, ok)
		require.Zero(t, tl.Len())
	})

	t.Run("cancelled by a switch", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		old := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(old, conv1, 20, 1))

		fresh := NewTimeline("c2")
		require.NoError(t, p.LoadLatest(fresh, Conversation{ID: "c2", Kind: KindDirect}, 20, 2))
		require.Equal(t, 2, p.Pending())

		_, ok := p.Apply(fresh, PreviousMessagesResponse{Messages: series(1, 3), RoomID: "c1"}, 2)
		require.False(t, ok, "response to the c1 request")
		require.Zero(t, fresh.Len())

		c2msg := msg("x1", 1, "peer")
		c2msg.ConversationID = "c2"
		_, ok = p.Apply(fresh, PreviousMessagesResponse{Messages: []Message{c2msg}, RoomID: "c2"}, 2)
		require.True(t, ok)
		require.Equal(t, []string{"x1"}, fresh.IDs())
	})

	t.Run("foreign messages", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		tl := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))

		stray := msg("s1", 1, "peer")
		stray.ConversationID = "c9"
		_, ok := p.Apply(tl, PreviousMessagesResponse{Messages: []Message{stray}}, 1)
		require.False(t, ok)
	})

	t.Run("epoch mismatch", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		tl := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))
		_, ok := p.Apply(tl, PreviousMessagesResponse{Messages: series(1, 2)}, 2)
		require.False(t, ok)
	})
}

// ============================================================================
// Failures
// ============================================================================

func TestPaginatorFail(t *testing.T) {
	t.Run("older failure keeps hasMore", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		tl := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))
		_, _ = p.Apply(tl, PreviousMessagesResponse{Messages: series(10, 20), HasMore: true, Cursor: "m010"}, 1)
		_, _ = p.LoadOlder(tl, conv1, 20, 1)

		dir, ok := p.Fail(tl, 1)
		require.True(t, ok)
		require.Equal(t, DirectionBefore, dir)
		require.False(t, tl.LoadingMore())
		require.True(t, tl.HasMore())
	})

	t.Run("latest failure clears loading", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		tl := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))

		dir, ok := p.Fail(tl, 1)
		require.True(t, ok)
		require.Equal(t, DirectionLatest, dir)
		require.False(t, tl.Loading())
	})

	t.Run("nothing pending", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		_, ok := p.Fail(NewTimeline("c1"), 1)
		require.False(t, ok)
	})

	t.Run("reset forgets the queue", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		tl := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))
		p.Reset(tl)
		require.Zero(t, p.Pending())
		_, ok := p.Apply(tl, PreviousMessagesResponse{Messages: series(1, 2)}, 1)
		require.False(t, ok)
	})
}

// ============================================================================
// Abandon
// ============================================================================

func TestPaginatorAbandon(t *testing.T) {
	t.Run("retry answer lines up after a hung request", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		tl := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))

		p.Abandon(1)
		require.Zero(t, p.Pending())

		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))
		res, ok := p.Apply(tl, PreviousMessagesResponse{Messages: series(50, 20), HasMore: true, Cursor: "m050"}, 1)
		require.True(t, ok)
		require.Equal(t, DirectionLatest, res.Direction)
		require.Equal(t, 20, tl.Len())
		require.False(t, tl.Loading())
	})

	t.Run("requests queued ahead are dropped too", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		require.NoError(t, p.LoadLatest(NewTimeline("c1"), conv1, 20, 1))

		c2 := Conversation{ID: "c2", Kind: KindDirect}
		tl := NewTimeline("c2")
		require.NoError(t, p.LoadLatest(tl, c2, 20, 2))
		require.Equal(t, 2, p.Pending())

		p.Abandon(2)
		require.Zero(t, p.Pending())

		require.NoError(t, p.LoadLatest(tl, c2, 20, 2))
		m := msg("x1", 1, "peer")
		m.ConversationID = "c2"
		_, ok := p.Apply(tl, PreviousMessagesResponse{Messages: []Message{m}, RoomID: "c2"}, 2)
		require.True(t, ok)
		require.Equal(t, []string{"x1"}, tl.IDs())
	})

	t.Run("other generations are left alone", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		require.NoError(t, p.LoadLatest(NewTimeline("c1"), conv1, 20, 1))
		p.Abandon(2)
		require.Equal(t, 1, p.Pending())
	})

	t.Run("no-op once an error consumed the request", func(t *testing.T) {
		p, _ := newTestPaginator(t)
		tl := NewTimeline("c1")
		require.NoError(t, p.LoadLatest(tl, conv1, 20, 1))
		_, ok := p.Fail(tl, 1)
		require.True(t, ok)
		p.Abandon(1)
		require.Zero(t, p.Pending())
	})
}
