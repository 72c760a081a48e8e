package operations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harbourtools/stevedore-agent/config"
	"github.com/harbourtools/stevedore-agent/internal/archive"
	"github.com/harbourtools/stevedore-agent/internal/audit"
	"github.com/harbourtools/stevedore-agent/internal/logging"
	"github.com/harbourtools/stevedore-agent/internal/metrics"
	"github.com/harbourtools/stevedore-agent/internal/progress"
	"github.com/harbourtools/stevedore-agent/internal/token"
	"github.com/harbourtools/stevedore-agent/internal/validation"
	"github.com/harbourtools/stevedore-agent/internal/websocket"
)

var (
	ErrNotFound   = errors.New("operation not found")
	ErrNotRunning = errors.New("operation is not running")
	ErrSourceBusy = errors.New("another operation is active on this source")
)

// Service orchestrates archive operations: it accepts requests, runs one
// engine goroutine per operation, owns each operation's cancellation token
// and fans progress out to stream subscribers and the websocket hub.
type Service struct {
	workspace        string
	throttleInterval time.Duration

	engines *archive.Service
	tokens  *token.Registry
	hub     *websocket.Hub
	metrics *metrics.Registry
	audit   *audit.Service
	logger  *logging.Logger

	mutex         sync.RWMutex
	operations    map[string]*Operation
	activeSources map[string]string
}

func NewService(
	cfg *config.Config,
	engines *archive.Service,
	tokens *token.Registry,
	hub *websocket.Hub,
	metricsRegistry *metrics.Registry,
	auditService *audit.Service,
	logger *logging.Logger,
) *Service {
	logger.Debug("operations service initialized",
		zap.String("workspace", cfg.WorkspacePath),
		zap.Duration("progress_throttle", cfg.ProgressThrottle()),
	)
	return &Service{
		workspace:        cfg.WorkspacePath,
		throttleInterval: cfg.ProgressThrottle(),
		engines:          engines,
		tokens:           tokens,
		hub:              hub,
		metrics:          metricsRegistry,
		audit:            auditService,
		logger:           logger,
		operations:       make(map[string]*Operation),
		activeSources:    make(map[string]string),
	}
}

// Start validates and accepts a request, spawns its run goroutine and
// returns the new operation ID. It does not wait for the work: any failure
// after acceptance is reported through the operation's terminal outcome,
// never as an error here.
func (s *Service) Start(req OperationRequest, clientIP string) (string, error) {
	if err := ValidateRequest(req); err != nil {
		return "", err
	}

	sourcePath, err := validation.ResolveWithin(s.workspace, req.SourcePath)
	if err != nil {
		return "", fmt.Errorf("invalid source path: %w", err)
	}
	destinationPath, err := validation.ResolveWithin(s.workspace, req.DestinationPath)
	if err != nil {
		return "", fmt.Errorf("invalid destination path: %w", err)
	}

	engine, format, err := s.resolveEngine(req, sourcePath, destinationPath)
	if err != nil {
		return "", err
	}

	s.mutex.Lock()
	if existingOpID, exists := s.activeSources[sourcePath]; exists {
		s.mutex.Unlock()
		s.logger.Warn("operation already active on source",
			zap.String("source_path", sourcePath),
			zap.String("existing_operation_id", existingOpID),
		)
		return "", fmt.Errorf("%w: operation %s", ErrSourceBusy, existingOpID)
	}

	operationID := uuid.New().String()
	op := &Operation{
		ID:              operationID,
		Kind:            req.Kind,
		Format:          format,
		SourcePath:      sourcePath,
		DestinationPath: destinationPath,
		Patterns:        req.Patterns,
		Overwrite:       req.Overwrite,
		ClientIP:        clientIP,
		State:           StateStarting,
		StartTime:       time.Now(),
		engine:          engine,
		broadcaster:     NewBroadcaster(operationID, s.logger),
		throttle:        newProgressThrottle(s.throttleInterval),
	}
	s.operations[operationID] = op
	s.activeSources[sourcePath] = operationID
	s.mutex.Unlock()

	s.metrics.RecordOperationStarted(string(op.Kind))
	s.audit.LogOperationEvent(audit.EventOperationStarted, clientIP, operationID, string(op.Kind), sourcePath, true, "", 0, map[string]any{
		"destination": destinationPath,
		"format":      format,
	})
	s.logger.Info("operation started",
		zap.String("operation_id", operationID),
		zap.String("kind", string(op.Kind)),
		zap.String("format", format),
		zap.String("source_path", sourcePath),
		zap.String("destination_path", destinationPath),
	)

	go s.run(op)

	return operationID, nil
}

func (s *Service) resolveEngine(req OperationRequest, sourcePath, destinationPath string) (archive.Engine, string, error) {
	switch req.Kind {
	case KindCreate:
		format := req.Format
		if format == "" {
			format = s.engines.DetectFormat(destinationPath)
		}
		if format == "" {
			return nil, "", fmt.Errorf("%w: %s", archive.ErrUnsupportedFormat, filepath.Base(destinationPath))
		}
		engine, err := s.engines.ForCreate(format)
		return engine, format, err
	default:
		format := s.engines.DetectFormat(sourcePath)
		if format == "" {
			return nil, "", fmt.Errorf("%w: %s", archive.ErrUnsupportedFormat, filepath.Base(sourcePath))
		}
		engine, err := s.engines.ForFormat(format)
		return engine, format, err
	}
}

func (s *Service) run(op *Operation) {
	tok := token.None
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine panic",
				zap.String("operation_id", op.ID),
				zap.Any("panic_value", r),
			)
			s.finalize(op, tok, Outcome{
				State:   StateFailure,
				Reason:  ReasonEnginePanic,
				Message: fmt.Sprintf("engine panic: %v", r),
			})
		}
	}()

	if out, ok := s.checkPreconditions(op); !ok {
		s.finalize(op, token.None, out)
		return
	}

	tok = s.tokens.Create()
	s.mutex.Lock()
	op.State = StateRunning
	op.tok = tok
	s.mutex.Unlock()

	err := s.invokeEngine(op, tok)
	s.finalize(op, tok, s.outcomeForError(op, err))
}

// checkPreconditions verifies the source and prepares the destination.
// It runs before the token is created and before the engine is involved,
// so a failure here leaves no token and no partial work behind.
func (s *Service) checkPreconditions(op *Operation) (Outcome, bool) {
	if _, err := os.Stat(op.SourcePath); err != nil {
		s.logger.Warn("operation source missing",
			zap.String("operation_id", op.ID),
			zap.String("source_path", op.SourcePath),
			zap.Error(err),
		)
		return Outcome{
			State:   StateFailure,
			Reason:  ReasonSourceMissing,
			Message: fmt.Sprintf("source not available: %v", err),
		}, false
	}

	destDir := op.DestinationPath
	if op.Kind == KindCreate {
		destDir = filepath.Dir(op.DestinationPath)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		s.logger.Warn("operation destination unavailable",
			zap.String("operation_id", op.ID),
			zap.String("destination", destDir),
			zap.Error(err),
		)
		return Outcome{
			State:   StateFailure,
			Reason:  ReasonDestinationUnavailable,
			Message: fmt.Sprintf("destination unavailable: %v", err),
		}, false
	}

	return Outcome{}, true
}

func (s *Service) invokeEngine(op *Operation, tok token.Handle) error {
	sink := s.operationSink(op)
	ctx := context.Background()

	switch op.Kind {
	case KindCreate:
		return op.engine.Create(ctx, archive.CreateRequest{
			SourcePath: op.SourcePath,
			OutputPath: op.DestinationPath,
			Patterns:   op.Patterns,
		}, tok, sink)
	default:
		return op.engine.Extract(ctx, archive.ExtractRequest{
			ArchivePath:     op.SourcePath,
			DestinationPath: op.DestinationPath,
			Overwrite:       op.Overwrite,
		}, tok, sink)
	}
}

func (s *Service) outcomeForError(op *Operation, err error) Outcome {
	switch {
	case err == nil:
		return Outcome{State: StateSuccess, Destination: op.DestinationPath}
	case errors.Is(err, archive.ErrCancelled):
		return Outcome{State: StateCancelled, Message: "operation cancelled"}
	default:
		return Outcome{State: StateFailure, Reason: ReasonEngineFailure, Message: err.Error()}
	}
}

// operationSink adapts the engine's event stream onto the broadcaster and
// hub, applying the progress throttle on the way out.
func (s *Service) operationSink(op *Operation) progress.Sink {
	return progress.SinkFunc(func(ev progress.Event) {
		s.noteEvent(op, ev)

		forwarded := op.throttle.Offer(ev)
		if forwarded == nil {
			s.metrics.RecordEventThrottled()
			return
		}
		for _, fev := range forwarded {
			s.deliver(op, fev)
		}
	})
}

func (s *Service) noteEvent(op *Operation, ev progress.Event) {
	if ev.Kind == progress.KindEntryFinished {
		s.metrics.RecordEntryProcessed()
	}
	if ev.Kind != progress.KindProgress {
		return
	}

	s.mutex.Lock()
	cp := ev
	op.lastProgress = &cp
	delta := ev.ProcessedBytes - op.lastBytes
	op.lastBytes = ev.ProcessedBytes
	s.mutex.Unlock()

	s.metrics.AddBytesProcessed(delta)
}

func (s *Service) deliver(op *Operation, ev progress.Event) {
	op.broadcaster.BroadcastEvent(ev)
	s.hub.BroadcastOperationEvent(op.ID, ev)
	s.metrics.RecordEventForwarded(string(ev.Kind))
}

// finalize publishes the operation's single terminal notification and only
// then releases its token, so no observer ever sees a live operation whose
// token is already dead. It is safe against double calls; the first wins.
func (s *Service) finalize(op *Operation, tok token.Handle, out Outcome) {
	s.mutex.Lock()
	if op.finalized {
		s.mutex.Unlock()
		return
	}
	op.finalized = true
	op.State = StateFinalizing
	s.mutex.Unlock()

	for _, ev := range op.throttle.Flush() {
		s.deliver(op, ev)
	}

	op.broadcaster.BroadcastOutcome(out)
	s.hub.BroadcastOperationOutcome(op.ID, string(op.Kind), string(out.State), string(out.Reason), out.Message, out.Destination)

	if tok != token.None {
		if err := s.tokens.Release(tok); err != nil {
			s.logger.Error("token release failed",
				zap.String("operation_id", op.ID),
				zap.Error(err),
			)
		}
	}

	endTime := time.Now()
	s.mutex.Lock()
	op.State = out.State
	op.Reason = out.Reason
	op.Message = out.Message
	op.EndTime = &endTime
	if current, exists := s.activeSources[op.SourcePath]; exists && current == op.ID {
		delete(s.activeSources, op.SourcePath)
	}
	s.mutex.Unlock()

	duration := endTime.Sub(op.StartTime)
	s.metrics.RecordOperationFinished(string(op.Kind), string(out.State), duration.Seconds())
	s.audit.LogOperationEvent(auditEventFor(out.State), op.ClientIP, op.ID, string(op.Kind), op.SourcePath, out.State == StateSuccess, out.Message, duration.Milliseconds(), map[string]any{
		"destination": op.DestinationPath,
	})

	s.logger.Info("operation finished",
		zap.String("operation_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("state", string(out.State)),
		zap.String("reason", string(out.Reason)),
		zap.Duration("duration", duration),
	)
}

func auditEventFor(state State) string {
	switch state {
	case StateSuccess:
		return audit.EventOperationSucceeded
	case StateCancelled:
		return audit.EventOperationCancelled
	default:
		return audit.EventOperationFailed
	}
}

// Cancel requests cancellation of a running operation. The request flips
// the operation's token; the engine observes it at its next poll point.
// Cancelling an operation that has no token yet, or one that already
// finished, is rejected.
func (s *Service) Cancel(operationID, clientIP string) error {
	s.mutex.RLock()
	op, exists := s.operations[operationID]
	var (
		state State
		tok   token.Handle
	)
	if exists {
		state = op.State
		tok = op.tok
	}
	s.mutex.RUnlock()

	if !exists {
		return ErrNotFound
	}
	if state != StateRunning || tok == token.None {
		return fmt.Errorf("%w: state %s", ErrNotRunning, state)
	}

	if err := s.tokens.Cancel(tok); err != nil {
		// The operation finished and released its token between the state
		// read above and the cancel.
		if errors.Is(err, token.ErrReleased) {
			return fmt.Errorf("%w: already finished", ErrNotRunning)
		}
		return err
	}

	s.metrics.RecordCancelRequest()
	s.audit.LogOperationEvent(audit.EventCancelRequested, clientIP, operationID, string(op.Kind), op.SourcePath, true, "", 0, nil)
	s.logger.Info("cancellation requested",
		zap.String("operation_id", operationID),
	)
	return nil
}

// Get returns the current view of one operation.
func (s *Service) Get(operationID string) (Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	op, exists := s.operations[operationID]
	if !exists {
		return Snapshot{}, ErrNotFound
	}
	return op.snapshotLocked(), nil
}

// List returns all known operations, newest first.
func (s *Service) List() []Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	snapshots := make([]Snapshot, 0, len(s.operations))
	for _, op := range s.operations {
		snapshots = append(snapshots, op.snapshotLocked())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartTime.After(snapshots[j].StartTime)
	})
	return snapshots
}

// Events returns the operation's stream log so far.
func (s *Service) Events(operationID string) ([]StreamMessage, error) {
	s.mutex.RLock()
	op, exists := s.operations[operationID]
	s.mutex.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	return op.broadcaster.Messages(), nil
}

// Stream attaches writer to the operation's live stream, replaying what
// already happened, and blocks until the stream completes or ctx ends.
func (s *Service) Stream(ctx context.Context, operationID string, writer io.Writer) error {
	s.mutex.RLock()
	op, exists := s.operations[operationID]
	s.mutex.RUnlock()

	if !exists {
		return ErrNotFound
	}

	subscriberID := fmt.Sprintf("sub-%d", time.Now().UnixNano())
	op.broadcaster.Subscribe(subscriberID, writer)
	defer op.broadcaster.Unsubscribe(subscriberID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(100 * time.Millisecond):
			if op.broadcaster.IsCompleted() {
				return nil
			}
		}
	}
}

// PruneFinished drops terminal operations that ended before the cutoff and
// returns how many were removed.
func (s *Service) PruneFinished(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	pruned := 0
	for id, op := range s.operations {
		if !op.State.Terminal() || op.EndTime == nil || op.EndTime.After(cutoff) {
			continue
		}
		delete(s.operations, id)
		pruned++
	}
	if pruned > 0 {
		s.logger.Info("pruned finished operations",
			zap.Int("count", pruned),
		)
	}
	return pruned
}

// ActiveCount reports how many operations have not reached a terminal
// state yet.
func (s *Service) ActiveCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	active := 0
	for _, op := range s.operations {
		if !op.State.Terminal() {
			active++
		}
	}
	return active
}
