package session

import (
	"sort"
	"time"
)

// Registry maps room ids to in-memory room state. It is not safe for
// concurrent use: the event router owns it and mutates it from its loop only.
type Registry struct {
	rooms map[string]*Room
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room), now: time.Now}
}

// SetClock replaces the time source (used in tests).
func (g *Registry) SetClock(now func() time.Time) { g.now = now }

// EnsureRoom returns the room, creating an empty one on first use.
func (g *Registry) EnsureRoom(id string) *Room {
	if r, ok := g.rooms[id]; ok {
		return r
	}
	r := NewRoom(id, g.now())
	g.rooms[id] = r
	return r
}

func (g *Registry) Get(id string) (*Room, bool) {
	r, ok := g.rooms[id]
	return r, ok
}

// RecordSnapshot replaces the cached content of one file unconditionally.
func (g *Registry) RecordSnapshot(roomID, fileKey, content string) {
	r := g.EnsureRoom(roomID)
	r.setSnapshot(fileKey, content)
	r.touch(g.now())
}

// GetSnapshot returns the latest content recorded since process start.
func (g *Registry) GetSnapshot(roomID, fileKey string) (string, bool) {
	r, ok := g.rooms[roomID]
	if !ok {
		return "", false
	}
	return r.Snapshot(fileKey)
}

// DropSnapshot forgets a file that no longer exists under fileKey, so the
// room's save hooks cannot write it back.
func (g *Registry) DropSnapshot(roomID, fileKey string) bool {
	r, ok := g.rooms[roomID]
	if !ok {
		return false
	}
	return r.forget(fileKey)
}

// Rooms returns every room held in memory.
func (g *Registry) Rooms() []*Room {
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	return out
}

// Touch bumps the room's last-activity timestamp.
func (g *Registry) Touch(roomID string) {
	if r, ok := g.rooms[roomID]; ok {
		r.touch(g.now())
	}
}

// Evict drops the in-memory state of a room. It reports whether anything was
// removed.
func (g *Registry) Evict(roomID string) bool {
	if _, ok := g.rooms[roomID]; !ok {
		return false
	}
	delete(g.rooms, roomID)
	return true
}

// EvictIdle removes every room that occupied reports as empty and that has
// been idle for at least grace. Returns the evicted ids in sorted order.
func (g *Registry) EvictIdle(grace time.Duration, occupied func(roomID string) bool) []string {
	now := g.now()
	var evicted []string
	for id, r := range g.rooms {
		if occupied(id) || now.Sub(r.LastActivity()) < grace {
			continue
		}
		delete(g.rooms, id)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

func (g *Registry) Len() int { return len(g.rooms) }
