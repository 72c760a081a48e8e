package maintenance

import (
	"archive/zip"
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

func newTestService(t *testing.T, retentionHours int) (*Service, *operations.Service, string) {
	t.Helper()

	workspace := t.TempDir()
	cfg := &config.Config{
		WorkspacePath:           workspace,
		OperationRetentionHours: retentionHours,
	}

	logger, err := logging.NewLogger("error", nil)
	require.NoError(t, err)

	tokens := token.NewRegistry()
	hub := websocket.NewHub(logger)
	go hub.Run()
	auditService, err := audit.NewService(logger, false, "", 0)
	require.NoError(t, err)

	operationsService := operations.NewService(
		cfg, archive.NewService(tokens, logger), tokens, hub,
		metrics.NewRegistry(), auditService, logger)

	return NewService(cfg, operationsService, logger), operationsService, workspace
}

func runExtractToCompletion(t *testing.T, service *operations.Service, workspace string) {
	t.Helper()

	archivePath := filepath.Join(workspace, "bundle.zip")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("a.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	id, err := service.Start(operations.OperationRequest{
		Kind:            operations.KindExtract,
		SourcePath:      "bundle.zip",
		DestinationPath: "out",
	}, "test")
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := service.Get(id)
		require.NoError(t, err)
		if snap.State.Terminal() {
			require.Equal(t, operations.StateSuccess, snap.State)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("operation never finished")
}

func TestGetInfoMeasuresWorkspaceAndOperations(t *testing.T) {
	service, operationsService, workspace := newTestService(t, 168)

	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "inbox"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "one.bin"), make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "inbox", "two.bin"), make([]byte, 20), 0o644))

	info, err := service.GetInfo()
	require.NoError(t, err)

	assert.Equal(t, workspace, info.Workspace.Path)
	assert.Equal(t, int64(30), info.Workspace.TotalSize)
	assert.Equal(t, 2, info.Workspace.FileCount)
	assert.Equal(t, 1, info.Workspace.DirectoryCount)
	assert.Equal(t, "168h0m0s", info.Retention)
	assert.Zero(t, info.Operations.TotalCount)

	runExtractToCompletion(t, operationsService, workspace)

	info, err = service.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, 1, info.Operations.TotalCount)
	assert.Equal(t, 1, info.Operations.FinishedCount)
	assert.Zero(t, info.Operations.ActiveCount)
	assert.Equal(t, 1, info.Operations.ByState["success"])
}

func TestPruneUsesRequestedWindow(t *testing.T) {
	service, operationsService, workspace := newTestService(t, 168)

	runExtractToCompletion(t, operationsService, workspace)

	// a one-hour window keeps the operation that just finished
	result := service.Prune(&PruneRequest{OlderThanHours: 1})
	assert.Zero(t, result.OperationsPruned)
	assert.Equal(t, "1h0m0s", result.OlderThan)
	assert.Len(t, operationsService.List(), 1)
}

func TestPruneFallsBackToConfiguredRetention(t *testing.T) {
	service, operationsService, workspace := newTestService(t, 0)

	runExtractToCompletion(t, operationsService, workspace)

	result := service.Prune(&PruneRequest{})
	assert.Equal(t, 1, result.OperationsPruned)
	assert.Empty(t, operationsService.List())
}
