package operations

import (
	"time"

	"github.com/harbourtools/stevedore-agent/internal/archive"
	"github.com/harbourtools/stevedore-agent/internal/progress"
	"github.com/harbourtools/stevedore-agent/internal/token"
)

// Kind names the work an operation performs.
type Kind string

const (
	KindExtract Kind = "extract"
	KindCreate  Kind = "create"
)

// State is an operation's lifecycle position. Operations move strictly
// forward: starting -> running -> finalizing -> one terminal state.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateFinalizing State = "finalizing"
	StateSuccess    State = "success"
	StateFailure    State = "failure"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateCancelled:
		return true
	}
	return false
}

// FailureReason classifies why an operation ended in failure.
type FailureReason string

const (
	ReasonDestinationUnavailable FailureReason = "destination_unavailable"
	ReasonSourceMissing          FailureReason = "source_missing"
	ReasonEngineFailure          FailureReason = "engine_failure"
	ReasonEnginePanic            FailureReason = "engine_panic"
)

// OperationRequest is the submission body for a new operation. Paths are
// workspace-relative; the service resolves and confines them.
type OperationRequest struct {
	Kind            Kind     `json:"kind"`
	SourcePath      string   `json:"source_path"`
	DestinationPath string   `json:"destination_path"`
	Format          string   `json:"format,omitempty"`
	Patterns        []string `json:"patterns,omitempty"`
	Overwrite       bool     `json:"overwrite,omitempty"`
}

// OperationResponse acknowledges an accepted operation.
type OperationResponse struct {
	OperationID string `json:"operation_id"`
}

// Outcome is the single terminal notification for an operation.
type Outcome struct {
	State       State         `json:"state"`
	Reason      FailureReason `json:"reason,omitempty"`
	Message     string        `json:"message,omitempty"`
	Destination string        `json:"destination,omitempty"`
}

// Operation is the service's record of one accepted request. Mutable
// fields are guarded by the service mutex; the run goroutine is the only
// writer of the throttle and byte counters.
type Operation struct {
	ID              string
	Kind            Kind
	Format          string
	SourcePath      string
	DestinationPath string
	Patterns        []string
	Overwrite       bool
	ClientIP        string

	State     State
	Reason    FailureReason
	Message   string
	StartTime time.Time
	EndTime   *time.Time

	engine       archive.Engine
	tok          token.Handle
	finalized    bool
	broadcaster  *Broadcaster
	throttle     *progressThrottle
	lastProgress *progress.Event
	lastBytes    int64
}

// Snapshot is the read-only JSON view of an operation.
type Snapshot struct {
	ID              string          `json:"operation_id"`
	Kind            Kind            `json:"kind"`
	Format          string          `json:"format,omitempty"`
	State           State           `json:"state"`
	Reason          FailureReason   `json:"reason,omitempty"`
	Message         string          `json:"message,omitempty"`
	SourcePath      string          `json:"source_path"`
	DestinationPath string          `json:"destination_path"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	Progress        *progress.Event `json:"progress,omitempty"`
}

func (op *Operation) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:              op.ID,
		Kind:            op.Kind,
		Format:          op.Format,
		State:           op.State,
		Reason:          op.Reason,
		Message:         op.Message,
		SourcePath:      op.SourcePath,
		DestinationPath: op.DestinationPath,
		StartTime:       op.StartTime,
		EndTime:         op.EndTime,
	}
	if op.lastProgress != nil {
		ev := *op.lastProgress
		snap.Progress = &ev
	}
	return snap
}
