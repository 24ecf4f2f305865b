package chatsync

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestMergerOnMessageReceived(t *testing.T) {
	t.Run("messages for another conversation are ignored", func(t *testing.T) {
		m := NewMerger("me", zerolog.Nop(), nil)
		tl := NewTimeline("c2")
		tl.Insert(Message{ID: "x", ConversationID: "c2", CreatedAt: t0})

		res := m.OnMessageReceived(tl, msg("m1", 1, "peer"), true)
		require.Equal(t, MergeResult{}, res)
		require.Equal(t, []string{"x"}, tl.IDs())
	})

	t.Run("no active timeline", func(t *testing.T) {
		m := NewMerger("me", zerolog.Nop(), nil)
		require.Equal(t, MergeResult{}, m.OnMessageReceived(nil, msg("m1", 1, "peer"), true))
	})

	t.Run("visible peer message is read immediately", func(t *testing.T) {
		m := NewMerger("me", zerolog.Nop(), nil)
		tl := NewTimeline("c1")

		res := m.OnMessageReceived(tl, msg("m1", 1, "peer"), true)
		require.Equal(t, MergeResult{Inserted: true, ReadNow: true}, res)
		got, _ := tl.Message("m1")
		require.Equal(t, []string{"me"}, got.ReadBy)
	})

	t.Run("hidden peer message is unread", func(t *testing.T) {
		m := NewMerger("me", zerolog.Nop(), nil)
		tl := NewTimeline("c1")

		res := m.OnMessageReceived(tl, msg("m1", 1, "peer"), false)
		require.Equal(t, MergeResult{Inserted: true, Unread: true}, res)
		got, _ := tl.Message("m1")
		require.Empty(t, got.ReadBy)
	})

	t.Run("own message is neither", func(t *testing.T) {
		m := NewMerger("me", zerolog.Nop(), nil)
		tl := NewTimeline("c1")
		require.Equal(t, MergeResult{Inserted: true}, m.OnMessageReceived(tl, msg("m1", 1, "me"), false))
	})

	t.Run("out of order arrival sorts and duplicates are counted", func(t *testing.T) {
		metrics := NewMetrics(prometheus.NewRegistry())
		m := NewMerger("me", zerolog.Nop(), metrics)
		tl := NewTimeline("c1")

		m.OnMessageReceived(tl, msg("m2", 2, "peer"), false)
		m.OnMessageReceived(tl, msg("m1", 1, "peer"), false)
		res := m.OnMessageReceived(tl, msg("m2", 2, "peer"), false)

		require.False(t, res.Inserted)
		require.Equal(t, []string{"m1", "m2"}, tl.IDs())
		require.Equal(t, 2.0, testutil.ToFloat64(metrics.merged))
		require.Equal(t, 1.0, testutil.ToFloat64(metrics.duplicates))
	})
}
