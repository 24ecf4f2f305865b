package chatsync

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ============================================================================
// Transport Contract
// ============================================================================

// ConnectionState is the lifecycle state of the duplex connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Event names exchanged with the chat server.
const (
	EventJoinRoom         = "joinRoom"
	EventLeaveRoom        = "leaveRoom"
	EventGetMessages      = "getMessages"
	EventPreviousMessages = "previousMessages"
	EventNewMessage       = "newMessage"
	EventMarkAsRead       = "markAsRead"
	EventMessagesRead     = "messagesRead"
	EventErrorMessage     = "errorMessage"
	EventChatListUpdate   = "chatListUpdate"
)

// EventHandler receives the raw payload of one inbound event.
type EventHandler func(payload json.RawMessage)

// Transport is the single logical duplex connection the engine runs over.
//
// Connect is idempotent and never reports dial failures synchronously; they
// surface as state transitions. Handlers and state listeners are invoked in
// arrival order from one goroutine.
type Transport interface {
	Connect(ctx context.Context, credential string) error
	Disconnect() error
	SetCredential(credential string)
	State() ConnectionState
	OnStateChange(fn func(ConnectionState))
	Send(event string, payload any) error
	On(event string, h EventHandler)
}

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outboundEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu        sync.RWMutex
	handlers  map[string][]EventHandler
	listeners []func(ConnectionState)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{handlers: make(map[string][]EventHandler)}
}

func (d *eventDispatcher) on(event string, h EventHandler) {
	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], h)
	d.mu.Unlock()
}

func (d *eventDispatcher) onState(fn func(ConnectionState)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// dispatch calls handlers inline; handing them off to goroutines would lose
// the arrival order the timeline depends on.
func (d *eventDispatcher) dispatch(env Envelope) bool {
	d.mu.RLock()
	handlers := append([]EventHandler(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(env.Payload)
	}
	return len(handlers) > 0
}

func (d *eventDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	listeners := append([]func(ConnectionState){}, d.listeners...)
	d.mu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// stableAfter is how long a connection must stay up before the backoff
// curve starts again from the base delay.
const stableAfter = 60 * time.Second

type reconnector struct {
	clock       clock.Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		clock:       config.Clock,
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// shouldReconnect reports whether another attempt is allowed. A zero
// maxAttempts means retry forever.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.clock.Now()
}

// nextDelay returns base*2^attempt plus up to 50% jitter, capped at maxDelay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && r.clock.Since(r.connectedAt) > stableAfter {
		r.reset()
	}
	jitter := rand.Float64() * float64(r.baseDelay) * 0.5
	delay := math.Min(float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+jitter, float64(r.maxDelay))
	r.attempt++
	return time.Duration(delay)
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
