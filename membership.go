package chatsync

import (
	"github.com/rs/zerolog"
)

// RoomState is the membership state of the room tracker.
type RoomState string

const (
	RoomIdle    RoomState = "idle"
	RoomJoining RoomState = "joining"
	RoomJoined  RoomState = "joined"
)

// RoomTracker keeps the client joined to at most one room. A join requested
// while disconnected sits in the joining state and is replayed once the
// transport connects; a newer request overwrites it.
type RoomTracker struct {
	transport Transport
	connected func() bool
	log       zerolog.Logger

	state RoomState
	room  string
}

// NewRoomTracker returns an idle tracker. connected reports the connection
// state as the caller has observed it; nil asks the transport directly.
func NewRoomTracker(t Transport, connected func() bool, log zerolog.Logger) *RoomTracker {
	if connected == nil {
		connected = func() bool { return t.State() == StateConnected }
	}
	return &RoomTracker{
		transport: t,
		connected: connected,
		log:       log.With().Str("component", "rooms").Logger(),
		state:     RoomIdle,
	}
}

// State returns the membership state and the room it refers to.
func (r *RoomTracker) State() (RoomState, string) {
	return r.state, r.room
}

// Joined reports whether the tracker is joined to id.
func (r *RoomTracker) Joined(id string) bool {
	return r.state == RoomJoined && r.room == id
}

// SetActiveConversation moves membership to id; "" leaves and goes idle.
// The previous room is always left before the new one is joined.
func (r *RoomTracker) SetActiveConversation(id string) {
	if id != "" && id == r.room && r.state != RoomIdle {
		return
	}

	if r.state == RoomJoined {
		r.send(EventLeaveRoom, r.room)
	}

	if id == "" {
		r.state, r.room = RoomIdle, ""
		return
	}

	r.state, r.room = RoomJoining, id
	r.tryJoin()
}

// OnConnected replays a queued join. It reports whether a join was sent.
func (r *RoomTracker) OnConnected() bool {
	if r.state != RoomJoining {
		return false
	}
	return r.tryJoin()
}

// OnDisconnected drops server-side membership; the room is re-joined on the
// next connect.
func (r *RoomTracker) OnDisconnected() {
	if r.state == RoomJoined {
		r.state = RoomJoining
	}
}

// EnsureJoined sends a join unless the room is already joined.
func (r *RoomTracker) EnsureJoined() bool {
	if r.state != RoomJoining {
		return false
	}
	return r.tryJoin()
}

func (r *RoomTracker) tryJoin() bool {
	if !r.connected() {
		r.log.Debug().Str("room", r.room).Msg("join queued until connected")
		return false
	}
	if !r.send(EventJoinRoom, r.room) {
		return false
	}
	r.state = RoomJoined
	return true
}

func (r *RoomTracker) send(event, room string) bool {
	if err := r.transport.Send(event, room); err != nil {
		r.log.Warn().Err(err).Str("event", event).Str("room", room).Msg("send failed")
		return false
	}
	r.log.Debug().Str("event", event).Str("room", room).Msg("sent")
	return true
}
