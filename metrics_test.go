package chatsync

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.incMerged()
		m.incDuplicate()
		m.addMalformed(3)
		m.incStalePage()
		m.incPage(DirectionLatest)
		m.incResync("connect")
		m.incFallback()
		m.incReadFailure()
		m.setConnection(StateConnected)
	})
}

func TestMetricsExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.incPage(DirectionLatest)
	m.incPage(DirectionBefore)
	m.incPage(DirectionBefore)
	m.addMalformed(0)
	m.setConnection(StateConnected)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP chatsync_pages_applied_total History pages applied to the timeline.
# TYPE chatsync_pages_applied_total counter
chatsync_pages_applied_total{direction="before"} 2
chatsync_pages_applied_total{direction="latest"} 1
# HELP chatsync_connected 1 while the realtime connection is up.
# TYPE chatsync_connected gauge
chatsync_connected 1
`), "chatsync_pages_applied_total", "chatsync_connected"))

	require.Zero(t, testutil.ToFloat64(m.malformed))

	m.setConnection(StateConnecting)
	require.Zero(t, testutil.ToFloat64(m.connected))
}
