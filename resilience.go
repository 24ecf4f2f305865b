package chatsync

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ResilienceConfig holds the recovery timings. Zero values take defaults.
type ResilienceConfig struct {
	// Debounce is the minimum spacing between resyncs triggered by
	// visibility or focus.
	Debounce time.Duration
	// LoadTimeout bounds how long a latest load may stay in flight.
	LoadTimeout time.Duration
	// RetryDelay is the wait before the single retry after a failed load.
	RetryDelay time.Duration
}

func (c *ResilienceConfig) defaults() {
	if c.Debounce == 0 {
		c.Debounce = 2 * time.Second
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = 10 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1 * time.Second
	}
}

// resilienceHooks are the engine actions the controller drives.
type resilienceHooks struct {
	// resync rejoins and reloads the latest page.
	resync func(reason string)
	// loadAbandoned clears the loading state after a timeout or failure.
	loadAbandoned func()
	// recheck re-evaluates a visibility signal swallowed by the debounce.
	recheck func()
}

// loopTimer is a clock timer whose callback runs on the engine loop and is
// ignored if the timer was stopped or re-armed in the meantime.
type loopTimer struct {
	timer *clock.Timer
	seq   uint64
}

// Resilience decides when to resync and bounds how long a load may hang.
// It runs entirely on the engine loop; timer callbacks are posted back.
type Resilience struct {
	clock   clock.Clock
	cfg     ResilienceConfig
	log     zerolog.Logger
	metrics *Metrics
	post    func(func())
	hooks   resilienceHooks

	epoch      uint64
	lastResync time.Time
	inflight   bool
	retried    bool
	// retrying is set while the retry hook runs so Started can tell the
	// retry apart from a fresh load.
	retrying bool

	fallback loopTimer
	retry    loopTimer
	trailing loopTimer
}

// NewResilience returns a controller whose timer callbacks are handed to post.
func NewResilience(clk clock.Clock, cfg ResilienceConfig, post func(func()), log zerolog.Logger, m *Metrics) *Resilience {
	cfg.defaults()
	return &Resilience{
		clock:   clk,
		cfg:     cfg,
		log:     log.With().Str("component", "resilience").Logger(),
		metrics: m,
		post:    post,
	}
}

// Config returns the effective timings.
func (r *Resilience) Config() ResilienceConfig { return r.cfg }

// InFlight reports whether a latest load is outstanding.
func (r *Resilience) InFlight() bool { return r.inflight }

func (r *Resilience) arm(t *loopTimer, d time.Duration, fn func()) {
	r.stop(t)
	t.seq++
	seq, epoch := t.seq, r.epoch
	t.timer = r.clock.AfterFunc(d, func() {
		r.post(func() {
			if t.seq != seq || r.epoch != epoch {
				return
			}
			t.timer = nil
			fn()
		})
	})
}

func (r *Resilience) stop(t *loopTimer) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.seq++
}

func (r *Resilience) armed(t *loopTimer) bool { return t.timer != nil }

// Reset forgets all recovery state for a new subscription generation and
// cancels every timer issued under the previous one.
func (r *Resilience) Reset(epoch uint64) {
	r.stop(&r.fallback)
	r.stop(&r.retry)
	r.stop(&r.trailing)
	r.epoch = epoch
	r.lastResync = time.Time{}
	r.inflight = false
	r.retried = false
}

// OnDisconnected clears the debounce window so the resync that follows the
// next connect is never coalesced with one from this connection. Pending
// responses died with the connection, and the reconnect resync is a fresh
// load with its own retry.
func (r *Resilience) OnDisconnected() {
	r.lastResync = time.Time{}
	r.inflight = false
	r.retried = false
	r.stop(&r.fallback)
	r.stop(&r.retry)
	r.stop(&r.trailing)
}

// Started records that a latest load was issued and arms the fallback. A
// fresh load supersedes a pending retry and gets a retry of its own.
func (r *Resilience) Started() {
	if !r.retrying {
		r.retried = false
		r.stop(&r.retry)
	}
	r.lastResync = r.clock.Now()
	r.inflight = true
	r.stop(&r.trailing)
	r.arm(&r.fallback, r.cfg.LoadTimeout, func() {
		r.log.Warn().Dur("after", r.cfg.LoadTimeout).Msg("latest load timed out")
		r.abandon()
	})
}

// Completed records that the latest load finished. A retry still waiting
// to fire is cancelled.
func (r *Resilience) Completed() {
	r.inflight = false
	r.retried = false
	r.stop(&r.fallback)
	r.stop(&r.retry)
}

// Failed records an errorMessage for the latest load.
func (r *Resilience) Failed() {
	r.log.Warn().Msg("latest load failed")
	r.abandon()
}

func (r *Resilience) abandon() {
	r.stop(&r.fallback)
	r.inflight = false
	r.metrics.incFallback()
	if r.hooks.loadAbandoned != nil {
		r.hooks.loadAbandoned()
	}
	if r.retried || r.armed(&r.retry) {
		return
	}
	r.retried = true
	r.arm(&r.retry, r.cfg.RetryDelay, func() {
		if r.hooks.resync != nil {
			r.retrying = true
			r.hooks.resync("retry")
			r.retrying = false
		}
	})
}

// AllowSignalResync reports whether a visibility or focus signal may start
// a resync now. Signals during an in-flight load collapse into it; signals
// inside the debounce window arm one trailing re-check at the window end.
func (r *Resilience) AllowSignalResync() bool {
	if r.inflight {
		return false
	}
	if !r.lastResync.IsZero() {
		if wait := r.cfg.Debounce - r.clock.Since(r.lastResync); wait > 0 {
			if !r.armed(&r.trailing) {
				r.arm(&r.trailing, wait, func() {
					if r.hooks.recheck != nil {
						r.hooks.recheck()
					}
				})
			}
			return false
		}
	}
	return true
}
