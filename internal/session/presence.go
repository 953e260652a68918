package session

import (
	"errors"
	"time"

	"coide/internal/models"
)

var (
	ErrNotAttached       = errors.New("connection has no attached identity")
	ErrAlreadyAttached   = errors.New("connection already attached")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Presence tracks which identity sits behind each connection and which rooms
// each connection has joined. Like Registry it is owned by the event router
// and is not safe for concurrent use.
type Presence struct {
	identities  map[string]models.Identity
	rosters     map[string][]*models.Participant // roomID -> entries in join order
	memberships map[string][]string              // connID -> roomIDs in join order
	now         func() time.Time
}

func NewPresence() *Presence {
	return &Presence{
		identities:  make(map[string]models.Identity),
		rosters:     make(map[string][]*models.Participant),
		memberships: make(map[string][]string),
		now:         time.Now,
	}
}

func (p *Presence) SetClock(now func() time.Time) { p.now = now }

// Attach records the identity of a freshly authenticated connection.
func (p *Presence) Attach(connID string, id models.Identity) error {
	if _, ok := p.identities[connID]; ok {
		return ErrAlreadyAttached
	}
	p.identities[connID] = id
	return nil
}

func (p *Presence) Identity(connID string) (models.Identity, bool) {
	id, ok := p.identities[connID]
	return id, ok
}

// Join adds the participant entry. Joining a room twice is a no-op and
// reports false.
func (p *Presence) Join(connID, roomID string) (bool, error) {
	id, ok := p.identities[connID]
	if !ok {
		return false, ErrNotAttached
	}
	if p.InRoom(connID, roomID) {
		return false, nil
	}
	p.rosters[roomID] = append(p.rosters[roomID], &models.Participant{
		ConnectionID: connID,
		RoomID:       roomID,
		UserID:       id.UserID,
		DisplayName:  id.DisplayName,
		LastActive:   p.now(),
	})
	p.memberships[connID] = append(p.memberships[connID], roomID)
	return true, nil
}

// Leave removes one participant entry and reports whether it existed.
func (p *Presence) Leave(connID, roomID string) bool {
	entries := p.rosters[roomID]
	idx := -1
	for i, e := range entries {
		if e.ConnectionID == connID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	entries = append(entries[:idx], entries[idx+1:]...)
	if len(entries) == 0 {
		delete(p.rosters, roomID)
	} else {
		p.rosters[roomID] = entries
	}

	rooms := p.memberships[connID]
	for i, id := range rooms {
		if id == roomID {
			p.memberships[connID] = append(rooms[:i], rooms[i+1:]...)
			break
		}
	}
	return true
}

// LeaveAll drops every entry of the connection along with its identity and
// returns the rooms it was in, in join order. A second call for the same
// connection returns nil.
func (p *Presence) LeaveAll(connID string) []string {
	if _, ok := p.identities[connID]; !ok {
		return nil
	}
	rooms := append([]string(nil), p.memberships[connID]...)
	for _, roomID := range rooms {
		p.Leave(connID, roomID)
	}
	delete(p.memberships, connID)
	delete(p.identities, connID)
	return rooms
}

// Roster returns a copy of the room's entries in join order.
func (p *Presence) Roster(roomID string) []models.Participant {
	entries := p.rosters[roomID]
	out := make([]models.Participant, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

func (p *Presence) Count(roomID string) int { return len(p.rosters[roomID]) }

func (p *Presence) InRoom(connID, roomID string) bool {
	for _, id := range p.memberships[connID] {
		if id == roomID {
			return true
		}
	}
	return false
}

// InAnyRoom reports whether the connection is joined to at least one of rooms.
func (p *Presence) InAnyRoom(connID string, rooms []string) bool {
	for _, roomID := range rooms {
		if p.InRoom(connID, roomID) {
			return true
		}
	}
	return false
}

// RoomsOf returns the rooms joined by the connection, in join order.
func (p *Presence) RoomsOf(connID string) []string {
	return append([]string(nil), p.memberships[connID]...)
}

// HasUser reports whether any connection of userID is still in the room.
func (p *Presence) HasUser(roomID, userID string) bool {
	for _, e := range p.rosters[roomID] {
		if e.UserID == userID {
			return true
		}
	}
	return false
}

// Touch refreshes the last-active time of one entry.
func (p *Presence) Touch(connID, roomID string) error {
	for _, e := range p.rosters[roomID] {
		if e.ConnectionID == connID {
			e.LastActive = p.now()
			return nil
		}
	}
	return ErrUnknownConnection
}

// Connections is the number of attached connections.
func (p *Presence) Connections() int { return len(p.identities) }
