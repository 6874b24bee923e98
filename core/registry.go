package core

import (
	"slices"
)

// Binding is the (username, room) pair a connection is currently joined as.
type Binding struct {
	Username string
	RoomID   string
}

// Registry tracks which room each connection is in and which connections
// each room holds. Both directions are updated together so they always
// agree. A room exists only while it has at least one member.
//
// Registry is not safe for concurrent use; the hub owns it.
type Registry[C comparable] struct {
	bindings map[C]Binding
	rooms    map[string]map[C]struct{}
}

func NewRegistry[C comparable]() *Registry[C] {
	return &Registry[C]{
		bindings: make(map[C]Binding),
		rooms:    make(map[string]map[C]struct{}),
	}
}

// Bind moves c into room as username, leaving any room it was in before.
// It reports false when c was already bound to exactly that pair.
func (r *Registry[C]) Bind(c C, username, room string) bool {
	b := Binding{Username: username, RoomID: room}
	if cur, ok := r.bindings[c]; ok {
		if cur == b {
			return false
		}
		r.removeMember(cur.RoomID, c)
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[C]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}
	r.bindings[c] = b
	return true
}

// Unbind removes c from its room and returns the binding it had.
func (r *Registry[C]) Unbind(c C) (Binding, bool) {
	b, ok := r.bindings[c]
	if !ok {
		return Binding{}, false
	}
	delete(r.bindings, c)
	r.removeMember(b.RoomID, c)
	return b, true
}

func (r *Registry[C]) removeMember(room string, c C) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry[C]) BindingOf(c C) (Binding, bool) {
	b, ok := r.bindings[c]
	return b, ok
}

// Members returns a copy of the connections in room.
func (r *Registry[C]) Members(room string) []C {
	members := r.rooms[room]
	out := make([]C, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// MembersOf returns the sorted, de-duplicated usernames present in room.
// Two connections may share a username.
func (r *Registry[C]) MembersOf(room string) []string {
	members := r.rooms[room]
	names := make([]string, 0, len(members))
	for c := range members {
		names = append(names, r.bindings[c].Username)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// HasUser reports whether any connection in room is bound as username.
func (r *Registry[C]) HasUser(room, username string) bool {
	for c := range r.rooms[room] {
		if r.bindings[c].Username == username {
			return true
		}
	}
	return false
}

func (r *Registry[C]) HasRoom(room string) bool {
	_, ok := r.rooms[room]
	return ok
}

// Rooms returns the ids of all non-empty rooms, sorted.
func (r *Registry[C]) Rooms() []string {
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry[C]) RoomCount() int {
	return len(r.rooms)
}

func (r *Registry[C]) BoundCount() int {
	return len(r.bindings)
}
