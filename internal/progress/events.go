package progress

import "time"

// Kind discriminates the event union. Consumers switch on it; unknown
// kinds must be skipped, not treated as errors, so the set can grow.
type Kind string

const (
	KindStarted       Kind = "started"
	KindEntryStarted  Kind = "entry_started"
	KindProgress      Kind = "progress"
	KindEntryFinished Kind = "entry_finished"
	KindWarning       Kind = "warning"
	KindFinished      Kind = "finished"
)

// OperationKind names the work an event stream describes.
type OperationKind string

const (
	OpExtract OperationKind = "extract"
	OpCreate  OperationKind = "create"
)

// Event is one notification in an operation's progress stream. Only the
// fields relevant to the Kind are populated:
//
//	started:        OperationKind
//	entry_started:  EntryName
//	progress:       EntryName plus the four counters
//	entry_finished: EntryName
//	warning:        Message
//	finished:       nothing
//
// TotalBytes and TotalEntries are zero when the producer cannot know them
// up front (archive creation, formats without a central index); zero totals
// are not an error state.
type Event struct {
	Kind             Kind          `json:"kind"`
	OperationKind    OperationKind `json:"operation_kind,omitempty"`
	EntryName        string        `json:"entry_name,omitempty"`
	ProcessedBytes   int64         `json:"processed_bytes,omitempty"`
	TotalBytes       int64         `json:"total_bytes,omitempty"`
	ProcessedEntries int           `json:"processed_entries,omitempty"`
	TotalEntries     int           `json:"total_entries,omitempty"`
	Message          string        `json:"message,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Sink receives events in the order they happen. Emit must not block for
// long; producers call it inline between units of work. Implementations
// that fan out to slow consumers buffer or drop on their own side.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
