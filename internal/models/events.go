package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingRoomID    = errors.New("missing roomId")
	ErrMissingTarget    = errors.New("missing target connection")
)

// Inbound is the closed set of client→server messages. Only types in this
// file implement it.
type Inbound interface {
	Name() EventName
	inbound()
}

// RoomScoped is implemented by every inbound event that requires the sender
// to be joined to the named room.
type RoomScoped interface {
	Inbound
	Room() string
}

type Join struct {
	RoomID string `json:"roomId"`
}

type Leave struct {
	RoomID string `json:"roomId"`
}

type ReadyForSync struct {
	RoomID string `json:"roomId"`
}

type CodeChange struct {
	RoomID  string `json:"roomId"`
	FileKey string `json:"fileKey"`
	Content string `json:"content"`
	// Code is accepted as an alias of Content for clients speaking the
	// single-document dialect.
	Code *string `json:"code,omitempty"`
}

type CodeExecutionResult struct {
	RoomID        string          `json:"roomId"`
	OutputDetails json.RawMessage `json:"outputDetails"`
}

// FileEvent carries all five file lifecycle notifications; Kind tells them apart.
type FileEvent struct {
	Kind     EventName       `json:"-"`
	RoomID   string          `json:"roomId"`
	File     json.RawMessage `json:"file,omitempty"`
	FileID   string          `json:"fileId,omitempty"`
	FileName string          `json:"fileName,omitempty"`
}

// Signal is a call-signaling message relayed to exactly one connection.
type Signal struct {
	Kind      EventName       `json:"-"`
	RoomID    string          `json:"roomId,omitempty"`
	To        string          `json:"to"`
	SocketID  string          `json:"socketId,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func (Join) Name() EventName                { return EventJoin }
func (Leave) Name() EventName               { return EventLeave }
func (ReadyForSync) Name() EventName        { return EventReadyForSync }
func (CodeChange) Name() EventName          { return EventCodeChange }
func (CodeExecutionResult) Name() EventName { return EventCodeExecutionResult }
func (e FileEvent) Name() EventName         { return e.Kind }
func (s Signal) Name() EventName            { return s.Kind }

func (Join) inbound()                {}
func (Leave) inbound()               {}
func (ReadyForSync) inbound()        {}
func (CodeChange) inbound()          {}
func (CodeExecutionResult) inbound() {}
func (FileEvent) inbound()           {}
func (Signal) inbound()              {}

func (e ReadyForSync) Room() string        { return e.RoomID }
func (e CodeChange) Room() string          { return e.RoomID }
func (e CodeExecutionResult) Room() string { return e.RoomID }
func (e FileEvent) Room() string           { return e.RoomID }

// Decode turns a raw frame into its typed inbound event and validates the
// fields every handler relies on.
func Decode(frame Frame) (Inbound, error) {
	switch frame.Type {
	case EventJoin:
		var e Join
		if err := unmarshal(frame, &e); err != nil {
			return nil, err
		}
		return e, requireRoom(e.RoomID)
	case EventLeave:
		var e Leave
		if err := unmarshal(frame, &e); err != nil {
			return nil, err
		}
		return e, requireRoom(e.RoomID)
	case EventReadyForSync:
		var e ReadyForSync
		if err := unmarshal(frame, &e); err != nil {
			return nil, err
		}
		return e, requireRoom(e.RoomID)
	case EventCodeChange:
		var e CodeChange
		if err := unmarshal(frame, &e); err != nil {
			return nil, err
		}
		if e.Code != nil && e.Content == "" {
			e.Content = *e.Code
		}
		e.Code = nil
		if strings.TrimSpace(e.FileKey) == "" {
			e.FileKey = DefaultFileKey
		}
		return e, requireRoom(e.RoomID)
	case EventCodeExecutionResult:
		var e CodeExecutionResult
		if err := unmarshal(frame, &e); err != nil {
			return nil, err
		}
		return e, requireRoom(e.RoomID)
	case EventFileCreated, EventFileUpdated, EventFileDeleted, EventFileRenamed, EventFileOpened:
		e := FileEvent{Kind: frame.Type}
		if err := unmarshal(frame, &e); err != nil {
			return nil, err
		}
		return e, requireRoom(e.RoomID)
	case EventCallUser, EventCallAccepted, EventICECandidate:
		s := Signal{Kind: frame.Type}
		if err := unmarshal(frame, &s); err != nil {
			return nil, err
		}
		if s.To == "" {
			s.To = s.SocketID
		}
		if s.To == "" {
			return nil, ErrMissingTarget
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
	}
}

func unmarshal(frame Frame, out any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedPayload, frame.Type)
	}
	if err := json.Unmarshal(frame.Data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, frame.Type, err)
	}
	return nil
}

func requireRoom(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return ErrMissingRoomID
	}
	return nil
}
