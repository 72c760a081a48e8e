package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/harbourtools/stevedore-agent/config"
	"github.com/harbourtools/stevedore-agent/internal/archive"
	"github.com/harbourtools/stevedore-agent/internal/audit"
	"github.com/harbourtools/stevedore-agent/internal/logging"
	"github.com/harbourtools/stevedore-agent/internal/metrics"
	"github.com/harbourtools/stevedore-agent/internal/operations"
	"github.com/harbourtools/stevedore-agent/internal/websocket"
)

// pickupClient identifies inbox pickups in operation records and audit
// entries, distinguishing them from API-triggered work.
const pickupClient = "internal:watch"

// maxStabilityChecks bounds how long a growing file is tracked before the
// pickup is abandoned.
const maxStabilityChecks = 240

// Watcher monitors the inbox directory for new archives and starts an
// extract operation for each one once its size stops changing. Inbox and
// outbox are workspace-relative, so pickups go through the same path
// validation as API requests.
type Watcher struct {
	workspace string
	inboxRel  string
	outboxRel string
	stability time.Duration

	operations *operations.Service
	engines    *archive.Service
	hub        *websocket.Hub
	metrics    *metrics.Registry
	audit      *audit.Service
	logger     *logging.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]bool
}

func NewWatcher(
	cfg *config.Config,
	operationsService *operations.Service,
	engines *archive.Service,
	hub *websocket.Hub,
	metricsRegistry *metrics.Registry,
	auditService *audit.Service,
	logger *logging.Logger,
) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())

	outbox := cfg.OutboxPath
	if outbox == "" {
		outbox = "extracted"
	}

	return &Watcher{
		workspace:  cfg.WorkspacePath,
		inboxRel:   cfg.InboxPath,
		outboxRel:  outbox,
		stability:  cfg.WatchStability(),
		operations: operationsService,
		engines:    engines,
		hub:        hub,
		metrics:    metricsRegistry,
		audit:      auditService,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]bool),
	}
}

// Enabled reports whether an inbox is configured.
func (w *Watcher) Enabled() bool {
	return w.inboxRel != ""
}

// Start begins watching the inbox and schedules pickups for archives that
// are already there. It is a no-op when no inbox is configured.
func (w *Watcher) Start() error {
	if !w.Enabled() {
		w.logger.Info("inbox watch disabled, no inbox path configured")
		return nil
	}

	inbox := w.inboxAbs()
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = watcher

	if err := w.watcher.Add(inbox); err != nil {
		w.watcher.Close()
		return fmt.Errorf("failed to watch inbox directory: %w", err)
	}

	if err := w.scanExisting(); err != nil {
		w.logger.Warn("failed to scan inbox for existing archives", zap.Error(err))
	}

	w.wg.Add(1)
	go w.watchLoop()

	w.logger.Info("watching inbox for archives",
		zap.String("inbox", inbox),
		zap.Duration("stability", w.stability))
	return nil
}

// Stop ends the watch and waits for in-flight pickups to hand their work
// to the operations service.
func (w *Watcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) inboxAbs() string {
	return filepath.Join(w.workspace, filepath.FromSlash(w.inboxRel))
}

// scanExisting schedules pickups for archives already sitting in the inbox,
// covering files that arrived while the agent was down.
func (w *Watcher) scanExisting() error {
	entries, err := os.ReadDir(w.inboxAbs())
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.schedulePickup(filepath.Join(w.inboxAbs(), entry.Name()))
	}
	return nil
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("inbox watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
		return
	}
	w.schedulePickup(event.Name)
}

// schedulePickup starts a pickup goroutine for the path unless one is
// already tracking it. Write events fire repeatedly while a file is being
// copied in; the pending map collapses them into a single pickup.
func (w *Watcher) schedulePickup(path string) {
	if w.engines.DetectFormat(path) == "" {
		return
	}

	path = filepath.Clean(path)

	w.mu.Lock()
	if w.pending[path] {
		w.mu.Unlock()
		return
	}
	w.pending[path] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.pending, path)
			w.mu.Unlock()
		}()
		w.pickup(path)
	}()
}

func (w *Watcher) pickup(path string) {
	relSource, err := filepath.Rel(w.workspace, path)
	if err != nil {
		w.logger.Warn("inbox file outside workspace, skipping",
			zap.String("path", path), zap.Error(err))
		return
	}
	relSource = filepath.ToSlash(relSource)

	if err := w.awaitStable(path); err != nil {
		if w.ctx.Err() != nil {
			return
		}
		w.logger.Warn("inbox file never stabilized, skipping",
			zap.String("source", relSource), zap.Error(err))
		w.audit.LogWatchEvent(relSource, "", false, err.Error())
		return
	}

	stem := w.engines.TrimArchiveSuffix(filepath.Base(path))
	destination := filepath.ToSlash(filepath.Join(filepath.FromSlash(w.outboxRel), stem))

	operationID, err := w.operations.Start(operations.OperationRequest{
		Kind:            operations.KindExtract,
		SourcePath:      relSource,
		DestinationPath: destination,
		Overwrite:       true,
	}, pickupClient)
	if err != nil {
		if errors.Is(err, operations.ErrSourceBusy) {
			w.logger.Debug("inbox archive already being processed",
				zap.String("source", relSource))
			return
		}
		w.logger.Warn("failed to start extract for inbox archive",
			zap.String("source", relSource), zap.Error(err))
		w.audit.LogWatchEvent(relSource, "", false, err.Error())
		return
	}

	w.metrics.RecordWatchPickup()
	w.audit.LogWatchEvent(relSource, operationID, true, "")
	w.hub.BroadcastWatchPickup(operationID, relSource)
	w.logger.Info("picked up inbox archive",
		zap.String("source", relSource),
		zap.String("destination", destination),
		zap.String("operation_id", operationID))
}

// awaitStable waits until two consecutive stats report the same size and
// modification time, meaning whatever is writing the file has finished.
func (w *Watcher) awaitStable(path string) error {
	var lastSize int64 = -1
	var lastMod time.Time

	for i := 0; i < maxStabilityChecks; i++ {
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-time.After(w.stability):
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("file disappeared while stabilizing: %w", err)
		}

		if info.Size() == lastSize && info.ModTime().Equal(lastMod) {
			return nil
		}
		lastSize = info.Size()
		lastMod = info.ModTime()
	}
	return fmt.Errorf("file still changing after %d checks", maxStabilityChecks)
}
