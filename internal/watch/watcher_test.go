package watch

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harbourtools/stevedore-agent/config"
	"github.com/harbourtools/stevedore-agent/internal/archive"
	"github.com/harbourtools/stevedore-agent/internal/audit"
	"github.com/harbourtools/stevedore-agent/internal/logging"
	"github.com/harbourtools/stevedore-agent/internal/metrics"
	"github.com/harbourtools/stevedore-agent/internal/operations"
	"github.com/harbourtools/stevedore-agent/internal/token"
	"github.com/harbourtools/stevedore-agent/internal/websocket"
)

func newTestWatcher(t *testing.T, stabilityMS int) (*Watcher, *operations.Service, string) {
	t.Helper()

	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "inbox"), 0o755))

	cfg := &config.Config{
		WorkspacePath:    workspace,
		InboxPath:        "inbox",
		OutboxPath:       "outbox",
		WatchStabilityMS: stabilityMS,
	}

	logger, err := logging.NewLogger("error", nil)
	require.NoError(t, err)

	tokens := token.NewRegistry()
	engines := archive.NewService(tokens, logger)
	hub := websocket.NewHub(logger)
	go hub.Run()
	auditService, err := audit.NewService(logger, false, "", 0)
	require.NoError(t, err)

	operationsService := operations.NewService(
		cfg, engines, tokens, hub, metrics.NewRegistry(), auditService, logger)

	watcher := NewWatcher(cfg, operationsService, engines, hub, metrics.NewRegistry(), auditService, logger)
	t.Cleanup(watcher.Stop)
	return watcher, operationsService, workspace
}

func writeInboxZip(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("payload.txt")
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{'z'}, 64))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func awaitOperations(t *testing.T, service *operations.Service, count int) []operations.Snapshot {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snapshots := service.List()
		if len(snapshots) >= count {
			done := true
			for _, snap := range snapshots {
				if !snap.State.Terminal() {
					done = false
					break
				}
			}
			if done {
				return snapshots
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d finished operations", count)
	return nil
}

func TestPickupStartsExtractOperation(t *testing.T) {
	watcher, service, workspace := newTestWatcher(t, 10)

	archivePath := filepath.Join(workspace, "inbox", "bundle.zip")
	writeInboxZip(t, archivePath)

	watcher.pickup(archivePath)

	snapshots := awaitOperations(t, service, 1)
	require.Len(t, snapshots, 1)
	snap := snapshots[0]
	assert.Equal(t, operations.KindExtract, snap.Kind)
	assert.Equal(t, operations.StateSuccess, snap.State)
	assert.Equal(t, "inbox/bundle.zip", snap.SourcePath)
	assert.Equal(t, "outbox/bundle", snap.DestinationPath)

	data, err := os.ReadFile(filepath.Join(workspace, "outbox", "bundle", "payload.txt"))
	require.NoError(t, err)
	assert.Len(t, data, 64)
}

func TestSchedulePickupIgnoresUnknownFormats(t *testing.T) {
	watcher, service, workspace := newTestWatcher(t, 10)

	notes := filepath.Join(workspace, "inbox", "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("not an archive"), 0o644))

	watcher.schedulePickup(notes)

	assert.Empty(t, service.List())
}

func TestSchedulePickupCollapsesDuplicates(t *testing.T) {
	watcher, service, workspace := newTestWatcher(t, 50)

	archivePath := filepath.Join(workspace, "inbox", "bundle.zip")
	writeInboxZip(t, archivePath)

	// a file being copied in produces a burst of write events
	watcher.schedulePickup(archivePath)
	watcher.schedulePickup(archivePath)
	watcher.schedulePickup(archivePath)

	snapshots := awaitOperations(t, service, 1)
	assert.Len(t, snapshots, 1)
}

func TestScanExistingPicksUpArchivesAlreadyPresent(t *testing.T) {
	watcher, service, workspace := newTestWatcher(t, 10)

	writeInboxZip(t, filepath.Join(workspace, "inbox", "first.zip"))
	writeInboxZip(t, filepath.Join(workspace, "inbox", "second.zip"))
	require.NoError(t, os.WriteFile(
		filepath.Join(workspace, "inbox", "ignore.txt"), []byte("x"), 0o644))

	require.NoError(t, watcher.scanExisting())

	snapshots := awaitOperations(t, service, 2)
	require.Len(t, snapshots, 2)
	for _, snap := range snapshots {
		assert.Equal(t, operations.StateSuccess, snap.State)
	}
}

func TestWatcherPicksUpNewArchive(t *testing.T) {
	watcher, service, workspace := newTestWatcher(t, 10)

	require.NoError(t, watcher.Start())

	writeInboxZip(t, filepath.Join(workspace, "inbox", "arrived.zip"))

	snapshots := awaitOperations(t, service, 1)
	require.NotEmpty(t, snapshots)
	assert.Equal(t, "inbox/arrived.zip", snapshots[0].SourcePath)
	assert.Equal(t, operations.StateSuccess, snapshots[0].State)
}

func TestWatcherDisabledWithoutInbox(t *testing.T) {
	logger, err := logging.NewLogger("error", nil)
	require.NoError(t, err)

	cfg := &config.Config{WorkspacePath: t.TempDir()}
	tokens := token.NewRegistry()
	engines := archive.NewService(tokens, logger)
	hub := websocket.NewHub(logger)
	auditService, err := audit.NewService(logger, false, "", 0)
	require.NoError(t, err)
	service := operations.NewService(cfg, engines, tokens, hub, metrics.NewRegistry(), auditService, logger)

	watcher := NewWatcher(cfg, service, engines, hub, metrics.NewRegistry(), auditService, logger)
	assert.False(t, watcher.Enabled())
	require.NoError(t, watcher.Start())
	watcher.Stop()
}
