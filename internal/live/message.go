package live

import (
	"encoding/json"
	"time"

	"github.com/drawvault/drawsync/internal/store"
)

// MessageType is the type of a frame sent to clients.
type MessageType string

const (
	// MessageTypeSnapshot carries the full document; always the first frame.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeChanges carries a change made by another view or a reload.
	MessageTypeChanges MessageType = "changes"

	// MessageTypeText carries the serialized file text (only with ?text=1).
	MessageTypeText MessageType = "text"

	// MessageTypeEvent carries a document lifecycle event on /events.
	MessageTypeEvent MessageType = "event"

	// MessageTypeError reports a rejected client frame.
	MessageTypeError MessageType = "error"
)

// Message is a frame sent to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Path      string          `json:"path,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientFrameType is the type of a frame sent by clients.
type ClientFrameType string

const (
	// ClientFrameChanges applies Changes as a user edit.
	ClientFrameChanges ClientFrameType = "changes"

	// ClientFrameSync turns sharing of the client's edits on or off.
	ClientFrameSync ClientFrameType = "sync"
)

// ClientFrame is a frame received from a client.
type ClientFrame struct {
	Type    ClientFrameType `json:"type"`
	Changes store.Diff      `json:"changes"`
	Enabled bool            `json:"enabled"`
}

func newMessage(typ MessageType, path string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Path: path, Data: raw}, nil
}
