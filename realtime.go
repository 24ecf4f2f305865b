package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures a WSTransport.
type TransportConfig struct {
	// MaxReconnectAttempts bounds consecutive failed dials. Zero retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	// SendBuffer is the capacity of the outbound queue per connection.
	SendBuffer int
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     zerolog.Logger
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 64
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a Transport over a WebSocket with automatic reconnection
// and heartbeat.
type WSTransport struct {
	endpoint   string
	config     *TransportConfig
	log        zerolog.Logger
	dispatcher *eventDispatcher

	// emitMu serialises state transitions so listeners see them in order.
	emitMu sync.Mutex

	mu        sync.Mutex
	state     ConnectionState
	token     string
	gen       int
	outbox    chan []byte
	sessionID string
	cancelFn  context.CancelFunc
	kick      chan struct{}
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport returns a transport for the chat server at baseURL. The
// socket endpoint is baseURL with a ws(s) scheme and a /ws path.
func NewWSTransport(baseURL string, config *TransportConfig) *WSTransport {
	if config == nil {
		config = &TransportConfig{}
	}
	cfg := *config
	cfg.defaults()

	endpoint := strings.TrimRight(baseURL, "/")
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
	if !strings.HasSuffix(endpoint, "/ws") {
		endpoint += "/ws"
	}

	return &WSTransport{
		endpoint:   endpoint,
		config:     &cfg,
		log:        cfg.Logger.With().Str("component", "transport").Logger(),
		dispatcher: newEventDispatcher(),
		state:      StateDisconnected,
	}
}

// On registers a handler for an inbound event.
func (ws *WSTransport) On(event string, h EventHandler) {
	ws.dispatcher.on(event, h)
}

// OnStateChange registers a listener for connection state transitions.
func (ws *WSTransport) OnStateChange(fn func(ConnectionState)) {
	ws.dispatcher.onState(fn)
}

// State returns the current connection state.
func (ws *WSTransport) State() ConnectionState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// SessionID returns the id of the live connection, or "" when there is none.
func (ws *WSTransport) SessionID() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.sessionID
}

// Connect starts the connection loop. It is a no-op while connecting or
// connected; while the loop waits out a backoff delay it dials immediately.
func (ws *WSTransport) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrNoCredential
	}

	ws.mu.Lock()
	ws.token = credential
	if ws.cancelFn != nil {
		kick, idle := ws.kick, ws.state == StateDisconnected
		ws.mu.Unlock()
		if idle {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
		return nil
	}
	ws.gen++
	gen := ws.gen
	loopCtx, cancel := context.WithCancel(ctx)
	ws.cancelFn = cancel
	ws.kick = make(chan struct{}, 1)
	kick := ws.kick
	ws.mu.Unlock()

	ws.transition(gen, StateConnecting)
	go ws.run(loopCtx, gen, kick, newReconnector(ws.config))
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	cancel := ws.cancelFn
	ws.cancelFn = nil
	ws.gen++
	gen := ws.gen
	ws.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ws.transition(gen, StateDisconnected)
	return nil
}

// SetCredential rotates the token used by the next dial. An empty token
// force-closes the connection.
func (ws *WSTransport) SetCredential(credential string) {
	ws.mu.Lock()
	ws.token = credential
	running := ws.cancelFn != nil
	ws.mu.Unlock()

	if credential == "" && running {
		ws.log.Info().Msg("credential cleared, closing connection")
		ws.Disconnect()
	}
}

// Send queues an event for the write loop without blocking.
func (ws *WSTransport) Send(event string, payload any) error {
	data, err := json.Marshal(outboundEnvelope{Type: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	ws.mu.Lock()
	outbox := ws.outbox
	state := ws.state
	ws.mu.Unlock()

	if outbox == nil || state != StateConnected {
		return ErrNotConnected
	}
	select {
	case outbox <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// transition moves to s and notifies listeners, unless a Connect or
// Disconnect since gen has made the caller stale.
func (ws *WSTransport) transition(gen int, s ConnectionState) {
	ws.emitMu.Lock()
	defer ws.emitMu.Unlock()

	ws.mu.Lock()
	if gen != ws.gen || ws.state == s {
		ws.mu.Unlock()
		return
	}
	ws.state = s
	ws.mu.Unlock()

	ws.log.Debug().Str("state", string(s)).Msg("connection state")
	ws.dispatcher.emitState(s)
}

func (ws *WSTransport) dialURL(token string) (string, error) {
	u, err := url.Parse(ws.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (ws *WSTransport) currentToken() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.token
}

// run owns the connection for one Connect..Disconnect span.
func (ws *WSTransport) run(ctx context.Context, gen int, kick <-chan struct{}, recon *reconnector) {
	for {
		err := ws.session(ctx, gen, recon)
		if ctx.Err() != nil {
			return
		}
		ws.transition(gen, StateDisconnected)
		if err != nil {
			ws.log.Warn().Err(err).Msg("connection lost")
		}

		if !recon.shouldReconnect() {
			ws.log.Error().Int("attempts", recon.attempt).Msg("reconnect attempts exhausted")
			ws.mu.Lock()
			if ws.gen == gen && ws.cancelFn != nil {
				ws.cancelFn()
				ws.cancelFn = nil
			}
			ws.mu.Unlock()
			return
		}

		delay := recon.nextDelay()
		ws.log.Info().Int("attempt", recon.attempt).Dur("delay", delay).Msg("reconnecting")
		timer := ws.config.Clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-kick:
			timer.Stop()
		case <-timer.C:
		}
		ws.transition(gen, StateConnecting)
	}
}

// session dials once and blocks until the connection is lost.
func (ws *WSTransport) session(ctx context.Context, gen int, recon *reconnector) error {
	token := ws.currentToken()
	if token == "" {
		return ErrNoCredential
	}
	target, err := ws.dialURL(token)
	if err != nil {
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, ws.config.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	cancelDial()
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, drop := context.WithCancel(ctx)
	defer drop()

	sessionID := uuid.NewString()
	log := ws.log.With().Str("session", sessionID).Logger()
	outbox := make(chan []byte, ws.config.SendBuffer)

	ws.mu.Lock()
	ws.outbox = outbox
	ws.sessionID = sessionID
	ws.mu.Unlock()
	defer func() {
		ws.mu.Lock()
		if ws.sessionID == sessionID {
			ws.outbox = nil
			ws.sessionID = ""
		}
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	recon.markConnected()
	log.Info().Msg("connected")
	ws.transition(gen, StateConnected)

	go ws.writeLoop(connCtx, conn, outbox, drop, log)
	go ws.heartbeatLoop(connCtx, conn, drop, log)
	return ws.readLoop(connCtx, conn, log)
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, log zerolog.Logger) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if !ws.dispatcher.dispatch(env) {
			log.Trace().Str("type", env.Type).Msg("unhandled event")
		}
	}
}

func (ws *WSTransport) writeLoop(ctx context.Context, conn *websocket.Conn, outbox <-chan []byte, drop context.CancelFunc, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outbox:
			wctx, cancel := context.WithTimeout(ctx, ws.config.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("write failed")
				drop()
				return
			}
		}
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn, drop context.CancelFunc, log zerolog.Logger) {
	ticker := ws.config.Clock.Ticker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := ws.config.Clock.WithTimeout(ctx, ws.config.PingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("heartbeat failed")
				drop()
				return
			}
		}
	}
}
