package session

import (
	"sync"

	"github.com/cwrk-planet/coderoom-service/internal/domain"
	"github.com/cwrk-planet/coderoom-service/internal/events"
)

// Conn: живое соединение клиента, как его видит реестр.
type Conn interface {
	ID() string
	Send(ev events.ServerEvent) error
	Close(reason string) error
}

type Binding struct {
	RoomID string
	UserID domain.UserID
}

type entry struct {
	conn    Conn
	binding Binding
}

// Registry связывает соединения с комнатами. Соединение состоит не более чем в одной комнате.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]entry
	rooms map[string]map[string]Conn // roomID -> connID -> conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]entry),
		rooms: make(map[string]map[string]Conn),
	}
}

// Bind идемпотентен; привязка к другой комнате переносит соединение.
// Возвращает прежнюю привязку, если она была к другой комнате.
func (r *Registry) Bind(c Conn, roomID string, userID domain.UserID) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nb := Binding{RoomID: roomID, UserID: userID}
	prev, had := r.conns[c.ID()]
	if had && prev.binding == nb {
		return Binding{}, false
	}
	if had {
		r.removeLocked(c.ID(), prev.binding.RoomID)
	}

	r.conns[c.ID()] = entry{conn: c, binding: nb}
	rs, ok := r.rooms[roomID]
	if !ok {
		rs = make(map[string]Conn)
		r.rooms[roomID] = rs
	}
	rs[c.ID()] = c

	if had && prev.binding.RoomID != roomID {
		return prev.binding, true
	}
	return Binding{}, false
}

func (r *Registry) Unbind(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return Binding{}, false
	}
	r.removeLocked(connID, e.binding.RoomID)
	return e.binding, true
}

// UnbindUser снимает все соединения пользователя в комнате.
func (r *Registry) UnbindUser(roomID string, userID domain.UserID) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conn
	for id, c := range r.rooms[roomID] {
		if r.conns[id].binding.UserID == userID {
			out = append(out, c)
			r.removeLocked(id, roomID)
		}
	}
	return out
}

// UnbindRoom снимает все соединения комнаты и возвращает их.
func (r *Registry) UnbindRoom(roomID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs := r.rooms[roomID]
	out := make([]Conn, 0, len(rs))
	for id, c := range rs {
		out = append(out, c)
		delete(r.conns, id)
	}
	delete(r.rooms, roomID)
	return out
}

func (r *Registry) removeLocked(connID, roomID string) {
	delete(r.conns, connID)
	if rs, ok := r.rooms[roomID]; ok {
		delete(rs, connID)
		if len(rs) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

func (r *Registry) MembersOf(roomID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rs := r.rooms[roomID]
	out := make([]Conn, 0, len(rs))
	for _, c := range rs {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Conn(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	return e.conn, ok
}

func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	return e.binding, ok
}

func (r *Registry) UserConnCount(roomID string, userID domain.UserID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for id := range r.rooms[roomID] {
		if r.conns[id].binding.UserID == userID {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
