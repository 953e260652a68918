package realtime

import "encoding/json"

// Scope selects which connections receive a delivery.
type Scope string

const (
	ScopeUnicast    Scope = "unicast"
	ScopeRoom       Scope = "room"
	ScopeRoomExcept Scope = "room-except"
)

// Snapshot rides along with code-change deliveries so every instance keeps
// its registry on the latest write.
type Snapshot struct {
	RoomID  string `json:"roomId"`
	FileKey string `json:"fileKey"`
	Content string `json:"content"`
}

// Delivery is one encoded outbound frame plus its addressing. It is the unit
// handed to the fanout, so it must survive a JSON round trip.
type Delivery struct {
	Origin string `json:"origin,omitempty"`
	Scope  Scope  `json:"scope"`
	RoomID string `json:"roomId,omitempty"`
	// Rooms restricts a unicast to targets sharing one of these rooms.
	Rooms    []string        `json:"rooms,omitempty"`
	Target   string          `json:"target,omitempty"`
	Except   string          `json:"except,omitempty"`
	Frame    json.RawMessage `json:"frame"`
	Snapshot *Snapshot       `json:"snapshot,omitempty"`
}
