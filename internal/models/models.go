package models

import (
	"encoding/json"
	"time"
)

// EventName is the wire name carried in every frame's "type" field.
type EventName string

const (
	EventJoin                EventName = "join"
	EventJoined              EventName = "joined"
	EventLeave               EventName = "leave"
	EventReadyForSync        EventName = "ready-for-sync"
	EventSyncCode            EventName = "sync-code"
	EventCodeChange          EventName = "code-change"
	EventCodeExecutionResult EventName = "code-execution-result"

	EventFileCreated EventName = "file-created"
	EventFileUpdated EventName = "file-updated"
	EventFileDeleted EventName = "file-deleted"
	EventFileRenamed EventName = "file-renamed"
	EventFileOpened  EventName = "file-opened"

	EventCallUser        EventName = "call-user"
	EventIncomingCall    EventName = "incoming-call"
	EventCallAccepted    EventName = "call-accepted"
	EventICECandidate    EventName = "ice-candidate"
	EventAddICECandidate EventName = "add-ice-candidate"

	EventDisconnected EventName = "disconnected"
	EventError        EventName = "error"
)

// DefaultFileKey names the room-level document when a client omits fileKey.
const DefaultFileKey = "default"

// Frame is the envelope for every message in both directions.
type Frame struct {
	Type EventName       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutFrame is the server-side envelope; Data is marshalled lazily by the writer.
type OutFrame struct {
	Type EventName `json:"type"`
	Data any       `json:"data"`
}

// Identity is what the identity verifier attaches to a connection.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Participant is the join of a connection and a room.
type Participant struct {
	ConnectionID string    `json:"connectionId"`
	RoomID       string    `json:"roomId"`
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	LastActive   time.Time `json:"lastActive"`
}

/*** Outbound payloads ***/

type RosterEntry struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	UserID       string `json:"userId,omitempty"`
}

type JoinedPayload struct {
	RoomID       string        `json:"roomId"`
	Clients      []RosterEntry `json:"clients"`
	DisplayName  string        `json:"displayName"`
	ConnectionID string        `json:"connectionId"`
}

type SyncCodePayload struct {
	RoomID  string `json:"roomId"`
	FileKey string `json:"fileKey"`
	Content string `json:"content"`
}

type CodeChangePayload struct {
	RoomID    string `json:"roomId"`
	FileKey   string `json:"fileKey"`
	Content   string `json:"content"`
	ChangedBy string `json:"changedBy,omitempty"`
}

type ExecutionResultPayload struct {
	RoomID        string          `json:"roomId"`
	OutputDetails json.RawMessage `json:"outputDetails"`
	ExecutedBy    string          `json:"executedBy"`
}

// FileEventPayload is shared by all file lifecycle broadcasts. Exactly one of
// the *By fields is set, matching the event.
type FileEventPayload struct {
	RoomID    string          `json:"roomId"`
	File      json.RawMessage `json:"file,omitempty"`
	FileID    string          `json:"fileId,omitempty"`
	FileName  string          `json:"fileName,omitempty"`
	CreatedBy string          `json:"createdBy,omitempty"`
	UpdatedBy string          `json:"updatedBy,omitempty"`
	DeletedBy string          `json:"deletedBy,omitempty"`
	RenamedBy string          `json:"renamedBy,omitempty"`
	OpenedBy  string          `json:"openedBy,omitempty"`
}

type IncomingCallPayload struct {
	From        string          `json:"from"`
	DisplayName string          `json:"displayName"`
	Offer       json.RawMessage `json:"offer"`
}

type CallAcceptedPayload struct {
	From        string          `json:"from"`
	DisplayName string          `json:"displayName"`
	Answer      json.RawMessage `json:"answer"`
}

type AddICECandidatePayload struct {
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

type DisconnectedPayload struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

type ErrorPayload struct {
	Event   EventName `json:"event,omitempty"`
	Message string    `json:"message"`
}

/*** Code execution (judge) ***/

type RunRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
}

type RunResult struct {
	Status        string `json:"status"`
	StatusID      int    `json:"statusId"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	CompileOutput string `json:"compileOutput"`
	Time          string `json:"time"`
	Memory        int    `json:"memory"`
}
