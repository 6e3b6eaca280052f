package ws

import (
	"sync"

	"mentorchat/internal/event"
	"mentorchat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Handle is one live client connection as seen by the registry.
type Handle interface {
	Send(evt event.Event) error
	Close() error
}

// Registry maps users to their single live handle and tracks which users are
// present in which room on this process. The lock guards bookkeeping only;
// sends and closes happen after it is released.
type Registry struct {
	mu        sync.Mutex
	conns     map[uint]Handle
	rooms     map[uint]map[uint]struct{}
	userRooms map[uint]map[uint]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[uint]Handle),
		rooms:     make(map[uint]map[uint]struct{}),
		userRooms: make(map[uint]map[uint]struct{}),
	}
}

// Connect makes h the handle for user and returns the handle it replaced, if
// any. The caller closes the replaced handle.
func (r *Registry) Connect(user uint, h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setLocked(user, h)
}

func (r *Registry) setLocked(user uint, h Handle) Handle {
	prev := r.conns[user]
	r.conns[user] = h
	metrics.WsConnections.Set(float64(len(r.conns)))
	if prev == h {
		return nil
	}
	return prev
}

// Disconnect drops the user's handle and presence in every room, then closes
// the handle. Calling it again is a no-op.
func (r *Registry) Disconnect(user uint) {
	r.mu.Lock()
	h := r.dropLocked(user)
	r.mu.Unlock()
	if h != nil {
		_ = h.Close()
	}
}

// Release disconnects user only when h is still the current handle. A
// superseded handle is closed without touching the newer connection's state.
func (r *Registry) Release(user uint, h Handle) {
	r.mu.Lock()
	var cur Handle
	if r.conns[user] == h {
		cur = r.dropLocked(user)
	}
	r.mu.Unlock()
	if cur == nil && h != nil {
		cur = h
	}
	if cur != nil {
		_ = cur.Close()
	}
}

func (r *Registry) dropLocked(user uint) Handle {
	h, ok := r.conns[user]
	if !ok {
		return nil
	}
	delete(r.conns, user)
	for room := range r.userRooms[user] {
		r.leaveLocked(user, room)
	}
	delete(r.userRooms, user)
	metrics.WsConnections.Set(float64(len(r.conns)))
	return h
}

// AddToRoom marks the user present in room. h is registered when the user has
// no handle yet; when another handle is current, h has been superseded and
// nothing changes. It reports whether h is the user's current handle.
func (r *Registry) AddToRoom(user, room uint, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[user]; ok && cur != h {
		return false
	}
	r.setLocked(user, h)
	members := r.rooms[room]
	if members == nil {
		members = make(map[uint]struct{})
		r.rooms[room] = members
	}
	members[user] = struct{}{}
	joined := r.userRooms[user]
	if joined == nil {
		joined = make(map[uint]struct{})
		r.userRooms[user] = joined
	}
	joined[room] = struct{}{}
	return true
}

// IsCurrent reports whether h is the live handle of user.
func (r *Registry) IsCurrent(user uint, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[user]
	return ok && cur == h
}

// RemoveFromRoom clears presence only; the connection stays registered.
func (r *Registry) RemoveFromRoom(user, room uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(user, room)
	if joined := r.userRooms[user]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.userRooms, user)
		}
	}
}

func (r *Registry) leaveLocked(user, room uint) {
	members := r.rooms[room]
	if members == nil {
		return
	}
	delete(members, user)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// SendToUser delivers evt to the user's current handle, if there is one.
func (r *Registry) SendToUser(user uint, evt event.Event) {
	r.mu.Lock()
	h := r.conns[user]
	r.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.Send(evt); err != nil {
		log.Debug().Err(err).Uint("user_id", user).Str("action", evt.Action).Msg("send to user dropped")
	}
}

// BroadcastToRoom delivers evt to every user present in room.
func (r *Registry) BroadcastToRoom(evt event.Event, room uint) {
	r.mu.Lock()
	targets := make([]Handle, 0, len(r.rooms[room]))
	for user := range r.rooms[room] {
		if h := r.conns[user]; h != nil {
			targets = append(targets, h)
		}
	}
	r.mu.Unlock()
	for _, h := range targets {
		if err := h.Send(evt); err != nil {
			log.Debug().Err(err).Uint("room_id", room).Str("action", evt.Action).Msg("room broadcast dropped")
		}
	}
}

// Present returns how many users are present in room on this process.
func (r *Registry) Present(room uint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// isPresent reports whether user is present in room.
func (r *Registry) isPresent(user, room uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[room][user]
	return ok
}

// Online returns the number of connected users.
func (r *Registry) Online() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll disconnects every user. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.conns))
	for _, h := range r.conns {
		handles = append(handles, h)
	}
	r.conns = make(map[uint]Handle)
	r.rooms = make(map[uint]map[uint]struct{})
	r.userRooms = make(map[uint]map[uint]struct{})
	metrics.WsConnections.Set(0)
	r.mu.Unlock()
	for _, h := range handles {
		_ = h.Close()
	}
}
