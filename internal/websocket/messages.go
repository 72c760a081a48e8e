package websocket

import (
	"time"

	"github.com/harbourtools/stevedore-agent/internal/progress"
)

type MessageType string

const (
	MessageTypeOperationEvent   MessageType = "operation_event"
	MessageTypeOperationOutcome MessageType = "operation_outcome"
	MessageTypeWatchPickup      MessageType = "watch_pickup"
	MessageTypeError            MessageType = "error"
)

type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// OperationEventMessage carries one progress event from a running operation.
type OperationEventMessage struct {
	BaseMessage
	OperationID string         `json:"operation_id"`
	Event       progress.Event `json:"event"`
}

// OperationOutcomeMessage announces an operation's terminal state. Fields
// are flattened primitives so consumers do not need this module's types.
type OperationOutcomeMessage struct {
	BaseMessage
	OperationID string `json:"operation_id"`
	Kind        string `json:"kind"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// WatchPickupMessage announces that the inbox watcher started an operation
// for a newly arrived archive.
type WatchPickupMessage struct {
	BaseMessage
	OperationID string `json:"operation_id"`
	SourcePath  string `json:"source_path"`
}

type ErrorEvent struct {
	BaseMessage
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}
