// Package chatsync keeps a chat client's view of one conversation in sync
// with the server over a single realtime connection.
//
// The Engine joins the active conversation's room, pages its history,
// merges live pushes into one ordered, de-duplicated timeline, tracks read
// state and recovers from disconnects and backgrounded windows.
//
// Example:
//
//	transport := chatsync.NewWSTransport("https://chat.example.com", nil)
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	engine := chatsync.NewEngine(transport, client, userID, chatsync.WithCredential(token))
//
//	go engine.Run(ctx)
//	engine.Subscribe(func(u chatsync.Update) { render(u) })
//	engine.SetActiveConversation(&chatsync.Conversation{ID: "42", Kind: chatsync.KindGroup})
package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ============================================================================
// Updates
// ============================================================================

// UpdateKind says what changed.
type UpdateKind string

const (
	UpdateConversation UpdateKind = "conversation"
	UpdateTimeline     UpdateKind = "timeline"
	UpdatePage         UpdateKind = "page"
	UpdateLoading      UpdateKind = "loading"
	UpdateReadState    UpdateKind = "read"
	UpdateUnread       UpdateKind = "unread"
	UpdateConnection   UpdateKind = "connection"
)

// Update is delivered to subscribers on the engine loop. Messages is a copy
// of the timeline for the kinds that change it.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	Messages       []Message
	Page           *PageResult
	Loading        bool
	LoadingMore    bool
	HasMore        bool
	Connection     ConnectionState
	Unread         map[string]int
	Badge          int
}

// Snapshot is a point-in-time copy of the engine state.
type Snapshot struct {
	Conversation *Conversation
	Messages     []Message
	Cursor       string
	HasMore      bool
	Loading      bool
	LoadingMore  bool
	Connection   ConnectionState
	Room         RoomState
	Visible      bool
	Unread       map[string]int
	Badge        int
}

// ============================================================================
// Options
// ============================================================================

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger the engine and its components write to.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithClock replaces the wall clock, typically with clock.NewMock in tests.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics records engine counters in m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithStore caches timelines in s.
func WithStore(s TimelineStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithPageSize sets how many messages each history page requests.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) { e.pageSize = n }
}

// WithResilience overrides the load timeout, retry delay and debounce.
func WithResilience(cfg ResilienceConfig) EngineOption {
	return func(e *Engine) { e.resCfg = cfg }
}

// WithReadRetry sets how often a failed mark-read is attempted and the
// fixed delay between attempts.
func WithReadRetry(attempts int, delay time.Duration) EngineOption {
	return func(e *Engine) {
		e.readAttempts = attempts
		e.readRetryDelay = delay
	}
}

// WithCredential connects with token as soon as Run starts.
func WithCredential(token string) EngineOption {
	return func(e *Engine) { e.credential = token }
}

// WithVisible sets the initial window visibility. Engines start visible.
func WithVisible(visible bool) EngineOption {
	return func(e *Engine) { e.visible = visible }
}

// ============================================================================
// Engine
// ============================================================================

const eventQueueSize = 256

// Engine is the composition root. All state is owned by the goroutine
// running Run; every input, whether an API call, a transport event, a timer
// or a REST completion, is posted to it as a closure.
type Engine struct {
	transport Transport
	marker    ReadMarker
	userID    string

	log            zerolog.Logger
	clock          clock.Clock
	metrics        *Metrics
	store          TimelineStore
	pageSize       int
	resCfg         ResilienceConfig
	readAttempts   int
	readRetryDelay time.Duration
	credential     string
	visible        bool

	events  chan func()
	done    chan struct{}
	stopped sync.Once
	running atomic.Bool

	subMu  sync.Mutex
	subSeq int
	subs   map[int]func(Update)

	// Loop-owned state.
	ctx        context.Context
	conn       ConnectionState
	everOnline bool
	conv       *Conversation
	epoch      uint64
	tl         *Timeline

	rooms  *RoomTracker
	pages  *Paginator
	merger *Merger
	reads  *ReadSync
	res    *Resilience
}

// NewEngine wires the components around t. marker records read state on
// the server; userID is the local user.
func NewEngine(t Transport, marker ReadMarker, userID string, opts ...EngineOption) *Engine {
	e := &Engine{
		transport: t,
		marker:    marker,
		userID:    userID,
		log:       zerolog.Nop(),
		clock:     clock.New(),
		pageSize:  DefaultPageSize,
		visible:   true,
		events:    make(chan func(), eventQueueSize),
		done:      make(chan struct{}),
		subs:      make(map[int]func(Update)),
		conn:      StateDisconnected,
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.rooms = NewRoomTracker(t, func() bool { return e.conn == StateConnected }, e.log)
	e.pages = NewPaginator(t, e.log, e.metrics)
	e.merger = NewMerger(userID, e.log, e.metrics)
	e.reads = NewReadSync(marker, t, userID, e.clock, e.postFn, e.log, e.metrics)
	if e.readAttempts > 0 {
		e.reads.attempts = e.readAttempts
	}
	if e.readRetryDelay > 0 {
		e.reads.retryDelay = e.readRetryDelay
	}
	e.res = NewResilience(e.clock, e.resCfg, e.postFn, e.log, e.metrics)
	e.res.hooks = resilienceHooks{
		resync:        e.resync,
		loadAbandoned: e.loadAbandoned,
		recheck:       func() { e.signal("recheck") },
	}

	t.OnStateChange(func(s ConnectionState) {
		e.post(func() { e.onState(s) })
	})
	e.handle(EventPreviousMessages, e.onPreviousMessages)
	e.handle(EventNewMessage, e.onNewMessage)
	e.handle(EventMessagesRead, e.onMessagesRead)
	e.handle(EventErrorMessage, e.onErrorMessage)
	e.handle(EventChatListUpdate, e.onChatListUpdate)
	return e
}

func (e *Engine) handle(event string, fn func(json.RawMessage)) {
	e.transport.On(event, func(raw json.RawMessage) {
		e.post(func() { fn(raw) })
	})
}

// Run processes events until ctx is cancelled, then disconnects.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("chatsync: engine already running")
	}
	e.ctx = ctx
	e.conn = e.transport.State()
	if e.credential != "" {
		if err := e.transport.Connect(ctx, e.credential); err != nil {
			e.log.Warn().Err(err).Msg("connect")
		}
	}

	for {
		select {
		case <-ctx.Done():
			e.stop()
			return ctx.Err()
		case fn := <-e.events:
			fn()
		}
	}
}

func (e *Engine) stop() {
	e.stopped.Do(func() { close(e.done) })
	e.res.Reset(e.epoch + 1)
	if err := e.transport.Disconnect(); err != nil {
		e.log.Debug().Err(err).Msg("disconnect")
	}
}

func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) postFn(fn func()) { e.post(fn) }

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !e.post(func() { fn(); close(finished) }) {
		return ErrEngineStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrEngineStopped
		}
	}
}

func (e *Engine) async(fn func()) error {
	if !e.post(fn) {
		return ErrEngineStopped
	}
	return nil
}

// ── Public API ───────────────────────────────────────────

// Subscribe registers fn for updates and returns a function that removes it.
// fn runs on the engine loop and must not call back into blocking Engine
// methods such as Snapshot.
func (e *Engine) Subscribe(fn func(Update)) (unsubscribe func()) {
	e.subMu.Lock()
	e.subSeq++
	id := e.subSeq
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

// SetCredential rotates the bearer token. An empty token logs out and
// closes the connection; a new token connects if needed.
func (e *Engine) SetCredential(token string) error {
	return e.async(func() { e.setCredential(token) })
}

// SetActiveConversation switches the subscription to conv; nil leaves the
// current conversation.
func (e *Engine) SetActiveConversation(conv *Conversation) error {
	if conv != nil {
		if err := validate.Struct(conv); err != nil {
			return fmt.Errorf("invalid conversation: %w", err)
		}
		c := *conv
		conv = &c
	}
	return e.async(func() { e.setActive(conv) })
}

// LoadOlder requests the page before the oldest loaded message. Calls made
// while a page is loading, or after the first page was reached, do nothing.
func (e *Engine) LoadOlder() error {
	return e.async(e.loadOlder)
}

// SetVisible reports a visibility change of the window showing the timeline.
func (e *Engine) SetVisible(visible bool) error {
	return e.async(func() { e.setVisible(visible) })
}

// Focus reports that the window gained focus.
func (e *Engine) Focus() error {
	return e.async(e.focus)
}

// MarkActiveConversationRead marks the active conversation read now.
func (e *Engine) MarkActiveConversationRead() error {
	return e.async(e.markRead)
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := e.call(ctx, func() { s = e.snapshot() })
	return s, err
}

// Flush waits until every event posted before it has been processed.
func (e *Engine) Flush(ctx context.Context) error {
	return e.call(ctx, func() {})
}

// ── Loop handlers ────────────────────────────────────────

func (e *Engine) setCredential(token string) {
	e.credential = token
	if ts, ok := e.marker.(interface{ SetToken(string) }); ok {
		ts.SetToken(token)
	}
	e.transport.SetCredential(token)
	if token == "" {
		return
	}
	if err := e.transport.Connect(e.ctx, token); err != nil {
		e.log.Warn().Err(err).Msg("connect")
	}
}

func (e *Engine) setActive(conv *Conversation) {
	if conv != nil && e.conv != nil && conv.ID == e.conv.ID {
		return
	}
	if conv == nil && e.conv == nil {
		return
	}

	if e.conv != nil && e.conn == StateConnected {
		e.reads.SendReceipt(*e.conv)
	}

	e.epoch++
	e.res.Reset(e.epoch)
	e.pages.Cancel()

	if conv == nil {
		e.rooms.SetActiveConversation("")
		e.conv, e.tl = nil, nil
		e.log.Info().Msg("left conversation")
		e.notify(Update{Kind: UpdateConversation})
		return
	}

	e.conv = conv
	e.tl = NewTimeline(conv.ID)
	e.seed()
	e.rooms.SetActiveConversation(conv.ID)
	e.log.Info().Str("conversation", conv.ID).Str("kind", string(conv.Kind)).Msg("switched conversation")

	if e.conn == StateConnected {
		e.resync("subscribe")
	} else {
		e.tl.loading = true
		e.res.Started()
		if e.conn == StateDisconnected && e.credential != "" {
			if err := e.transport.Connect(e.ctx, e.credential); err != nil {
				e.log.Warn().Err(err).Msg("connect")
			}
		}
	}
	if e.visible {
		e.reads.MarkActiveConversationRead(e.ctx, e.tl, *e.conv)
	}
	e.notify(Update{Kind: UpdateConversation, Messages: e.tl.Messages(), Loading: e.tl.loading, HasMore: e.tl.hasMore})
}

// seed fills a fresh timeline from the cache while the first page loads.
func (e *Engine) seed() {
	if e.store == nil {
		return
	}
	msgs, err := e.store.Load(e.ctx, e.conv.ID, e.pageSize)
	if err != nil {
		e.log.Warn().Err(err).Str("conversation", e.conv.ID).Msg("load cached timeline")
		return
	}
	e.tl.Merge(msgs)
}

func (e *Engine) resync(reason string) {
	if e.conv == nil || e.conn != StateConnected {
		return
	}
	e.rooms.EnsureJoined()
	if err := e.pages.LoadLatest(e.tl, *e.conv, e.pageSize, e.epoch); err != nil {
		e.log.Warn().Err(err).Str("reason", reason).Msg("resync not sent")
	}
	e.res.Started()
	e.metrics.incResync(reason)
	e.log.Debug().Str("reason", reason).Str("conversation", e.conv.ID).Msg("resync")
	e.notifyLoading()
}

func (e *Engine) loadAbandoned() {
	e.pages.Abandon(e.epoch)
	if e.tl == nil {
		return
	}
	e.tl.loading = false
	e.notifyLoading()
}

func (e *Engine) loadOlder() {
	if e.conv == nil || e.conn != StateConnected {
		return
	}
	sent, err := e.pages.LoadOlder(e.tl, *e.conv, e.pageSize, e.epoch)
	if err != nil {
		e.log.Warn().Err(err).Msg("load older")
		return
	}
	if sent {
		e.notifyLoading()
	}
}

func (e *Engine) setVisible(visible bool) {
	e.visible = visible
	if !visible {
		return
	}
	e.reads.ResetBadge()
	e.notifyUnread()
	e.signal("visible")
}

func (e *Engine) focus() {
	e.visible = true
	e.reads.ResetBadge()
	e.notifyUnread()
	e.signal("focus")
}

// signal handles a visibility or focus trigger.
func (e *Engine) signal(reason string) {
	if e.conn == StateDisconnected && e.credential != "" {
		if err := e.transport.Connect(e.ctx, e.credential); err != nil {
			e.log.Warn().Err(err).Msg("connect")
		}
	}
	if e.conv == nil {
		return
	}
	if e.rooms.Joined(e.conv.ID) {
		if e.visible {
			e.markRead()
		}
		return
	}
	if e.conn != StateConnected {
		return
	}
	if e.res.AllowSignalResync() {
		e.resync(reason)
	}
}

func (e *Engine) markRead() {
	if e.conv == nil {
		return
	}
	e.reads.MarkActiveConversationRead(e.ctx, e.tl, *e.conv)
	e.notify(Update{Kind: UpdateReadState, Messages: e.tl.Messages()})
	e.notifyUnread()
}

func (e *Engine) onState(s ConnectionState) {
	prev := e.conn
	e.conn = s
	e.metrics.setConnection(s)
	e.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("connection")
	e.notify(Update{Kind: UpdateConnection, Connection: s})

	switch s {
	case StateConnected:
		if prev == StateConnected {
			return
		}
		reason := "connect"
		if e.everOnline {
			reason = "reconnect"
		}
		e.everOnline = true
		e.rooms.OnConnected()
		e.resync(reason)
	case StateDisconnected:
		e.rooms.OnDisconnected()
		e.pages.Reset(e.tl)
		e.res.OnDisconnected()
	}
}

func (e *Engine) onPreviousMessages(raw json.RawMessage) {
	var resp PreviousMessagesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		e.log.Debug().Err(err).Msg("undecodable previousMessages")
		e.metrics.addMalformed(1)
		return
	}
	res, ok := e.pages.Apply(e.tl, resp, e.epoch)
	if !ok {
		return
	}

	if res.Direction == DirectionLatest {
		e.res.Completed()
		if e.visible {
			e.tl.AddReader(e.userID)
		}
		e.persistReplace()
	} else {
		e.persist(res.Prepended...)
	}
	e.notify(Update{
		Kind:        UpdatePage,
		Messages:    e.tl.Messages(),
		Page:        &res,
		Loading:     e.tl.loading,
		LoadingMore: e.tl.loadingMore,
		HasMore:     e.tl.hasMore,
	})
}

func (e *Engine) onErrorMessage(raw json.RawMessage) {
	var p ErrorMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		e.log.Debug().Err(err).Msg("undecodable errorMessage")
	}
	dir, ok := e.pages.Fail(e.tl, e.epoch)
	e.log.Warn().Str("error", p.Error).Str("direction", string(dir)).Msg("server reported getMessages failure")
	if !ok {
		return
	}
	if dir == DirectionLatest {
		e.res.Failed()
		return
	}
	e.notifyLoading()
}

func (e *Engine) onNewMessage(raw json.RawMessage) {
	msg, err := decodeMessage(raw)
	if err != nil {
		e.log.Debug().Err(err).Msg("dropping newMessage")
		e.metrics.addMalformed(1)
		return
	}
	r := e.merger.OnMessageReceived(e.tl, msg, e.visible)
	if !r.Inserted {
		return
	}
	e.pages.NoteLive(msg)
	e.persist(msg.ID)
	e.notify(Update{Kind: UpdateTimeline, Messages: e.tl.Messages()})

	switch {
	case r.Unread:
		e.reads.AddUnread(msg.ConversationID, e.visible)
		e.notifyUnread()
	case r.ReadNow:
		e.reads.MarkActiveConversationRead(e.ctx, e.tl, *e.conv)
	}
}

func (e *Engine) onMessagesRead(raw json.RawMessage) {
	var receipt ReadReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		e.log.Debug().Err(err).Msg("undecodable messagesRead")
		return
	}
	changed := e.reads.OnReadReceiptReceived(e.tl, receipt)
	if len(changed) == 0 {
		return
	}
	e.persist(changed...)
	e.notify(Update{Kind: UpdateReadState, Messages: e.tl.Messages()})
}

func (e *Engine) onChatListUpdate(raw json.RawMessage) {
	var u ChatListUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		e.log.Debug().Err(err).Msg("undecodable chatListUpdate")
		return
	}
	if u.Type == "read" || u.ChatID == "" || u.SenderID == e.userID {
		return
	}
	// The active conversation counts through newMessage.
	if e.conv != nil && u.ChatID == e.conv.ID {
		return
	}
	e.reads.AddUnread(u.ChatID, e.visible)
	e.notifyUnread()
}

// ── Helpers ──────────────────────────────────────────────

func (e *Engine) persist(ids ...string) {
	if e.store == nil || e.tl == nil || len(ids) == 0 {
		return
	}
	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := e.tl.Message(id); ok {
			msgs = append(msgs, m)
		}
	}
	if err := e.store.Put(e.ctx, e.tl.ConversationID(), msgs...); err != nil {
		e.log.Warn().Err(err).Msg("cache write")
	}
}

func (e *Engine) persistReplace() {
	if e.store == nil || e.tl == nil {
		return
	}
	if err := e.store.Replace(e.ctx, e.tl.ConversationID(), e.tl.Messages()); err != nil {
		e.log.Warn().Err(err).Msg("cache replace")
	}
}

func (e *Engine) notifyLoading() {
	if e.tl == nil {
		return
	}
	e.notify(Update{Kind: UpdateLoading, Loading: e.tl.loading, LoadingMore: e.tl.loadingMore, HasMore: e.tl.hasMore})
}

func (e *Engine) notifyUnread() {
	e.notify(Update{Kind: UpdateUnread, Unread: e.reads.UnreadCounts(), Badge: e.reads.Badge()})
}

func (e *Engine) notify(u Update) {
	if u.ConversationID == "" && e.conv != nil {
		u.ConversationID = e.conv.ID
	}
	e.subMu.Lock()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, e.subs[id])
	}
	e.subMu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

func (e *Engine) snapshot() Snapshot {
	room, _ := e.rooms.State()
	s := Snapshot{
		Connection: e.conn,
		Room:       room,
		Visible:    e.visible,
		Unread:     e.reads.UnreadCounts(),
		Badge:      e.reads.Badge(),
	}
	if e.conv != nil {
		c := *e.conv
		s.Conversation = &c
	}
	if e.tl != nil {
		s.Messages = e.tl.Messages()
		s.Cursor = e.tl.cursor
		s.HasMore = e.tl.hasMore
		s.Loading = e.tl.loading
		s.LoadingMore = e.tl.loadingMore
	}
	return s
}
