package operations

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harbourtools/stevedore-agent/config"
	"github.com/harbourtools/stevedore-agent/internal/archive"
	"github.com/harbourtools/stevedore-agent/internal/audit"
	"github.com/harbourtools/stevedore-agent/internal/metrics"
	"github.com/harbourtools/stevedore-agent/internal/progress"
	"github.com/harbourtools/stevedore-agent/internal/token"
	"github.com/harbourtools/stevedore-agent/internal/websocket"
)

func newTestService(t *testing.T, workspace string) (*Service, *token.Registry) {
	t.Helper()

	logger := testLogger(t)
	cfg := &config.Config{
		WorkspacePath:      workspace,
		ProgressThrottleMS: 1000,
	}

	tokens := token.NewRegistry()
	hub := websocket.NewHub(logger)
	go hub.Run()

	auditService, err := audit.NewService(logger, false, "", 0)
	require.NoError(t, err)

	svc := NewService(cfg, archive.NewService(tokens, logger), tokens, hub, metrics.NewRegistry(), auditService, logger)
	return svc, tokens
}

func awaitTerminal(t *testing.T, svc *Service, operationID string) Snapshot {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := svc.Get(operationID)
		require.NoError(t, err)
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach a terminal state", operationID)
	return Snapshot{}
}

func writeTestZip(t *testing.T, path string, names []string, sizes map[string]int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(bytes.Repeat([]byte{'x'}, sizes[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

// stubEngine satisfies archive.Engine with no-ops; test engines embed it
// and override what they need.
type stubEngine struct{}

func (stubEngine) Extract(context.Context, archive.ExtractRequest, token.Handle, progress.Sink) error {
	return nil
}

func (stubEngine) Create(context.Context, archive.CreateRequest, token.Handle, progress.Sink) error {
	return nil
}

func (stubEngine) List(context.Context, string) ([]archive.Entry, error) { return nil, nil }

func (stubEngine) Validate(context.Context, string) (bool, error) { return true, nil }

// fastEngine reports one entry and succeeds immediately.
type fastEngine struct {
	stubEngine
	calls atomic.Int32
}

func (e *fastEngine) Extract(_ context.Context, _ archive.ExtractRequest, _ token.Handle, sink progress.Sink) error {
	e.calls.Add(1)
	now := time.Now()
	sink.Emit(progress.Event{Kind: progress.KindStarted, OperationKind: progress.OpExtract, Timestamp: now})
	sink.Emit(progress.Event{Kind: progress.KindEntryStarted, EntryName: "only", Timestamp: now})
	sink.Emit(progress.Event{Kind: progress.KindProgress, EntryName: "only", ProcessedBytes: 7, TotalBytes: 7, ProcessedEntries: 1, TotalEntries: 1, Timestamp: now})
	sink.Emit(progress.Event{Kind: progress.KindEntryFinished, EntryName: "only", Timestamp: now})
	sink.Emit(progress.Event{Kind: progress.KindFinished, Timestamp: now})
	return nil
}

// gatedEngine walks a fixed number of entries, polling its token between
// them, and blocks once at entry gateAt until resumed.
type gatedEngine struct {
	stubEngine
	tokens   *token.Registry
	entries  int
	gateAt   int
	reached  chan struct{}
	resume   chan struct{}
	gateOnce sync.Once
	calls    atomic.Int32
}

func (e *gatedEngine) Extract(_ context.Context, _ archive.ExtractRequest, tok token.Handle, sink progress.Sink) error {
	e.calls.Add(1)
	sink.Emit(progress.Event{Kind: progress.KindStarted, OperationKind: progress.OpExtract, Timestamp: time.Now()})

	for i := 1; i <= e.entries; i++ {
		if e.tokens.IsCancelled(tok) {
			return archive.ErrCancelled
		}

		name := fmt.Sprintf("entry-%04d", i)
		sink.Emit(progress.Event{Kind: progress.KindEntryStarted, EntryName: name, Timestamp: time.Now()})
		sink.Emit(progress.Event{Kind: progress.KindProgress, EntryName: name, ProcessedBytes: int64(i), ProcessedEntries: i, TotalEntries: e.entries, Timestamp: time.Now()})
		sink.Emit(progress.Event{Kind: progress.KindEntryFinished, EntryName: name, Timestamp: time.Now()})

		if i == e.gateAt {
			e.gateOnce.Do(func() {
				close(e.reached)
				<-e.resume
			})
		}
	}

	sink.Emit(progress.Event{Kind: progress.KindFinished, Timestamp: time.Now()})
	return nil
}

// panicEngine blows up mid-run.
type panicEngine struct {
	stubEngine
}

func (e *panicEngine) Extract(context.Context, archive.ExtractRequest, token.Handle, progress.Sink) error {
	panic("boom")
}

func TestExtractEndToEndReportsOrderedEvents(t *testing.T) {
	workspace := t.TempDir()
	svc, tokens := newTestService(t, workspace)

	names := []string{"a.txt", "b.txt", "c.txt"}
	sizes := map[string]int{"a.txt": 100, "b.txt": 200, "c.txt": 300}
	writeTestZip(t, filepath.Join(workspace, "bundle.zip"), names, sizes)

	id, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "bundle.zip",
		DestinationPath: "out",
	}, "test")
	require.NoError(t, err)

	snap := awaitTerminal(t, svc, id)
	require.Equal(t, StateSuccess, snap.State)
	assert.Equal(t, 0, tokens.Live())

	for name, size := range sizes {
		info, err := os.Stat(filepath.Join(workspace, "out", name))
		require.NoError(t, err)
		assert.Equal(t, int64(size), info.Size())
	}

	messages, err := svc.Events(id)
	require.NoError(t, err)
	require.NotEmpty(t, messages)

	first := messages[0]
	require.Equal(t, StreamTypeEvent, first.Type)
	assert.Equal(t, progress.KindStarted, first.Event.Kind)
	assert.Equal(t, progress.OpExtract, first.Event.OperationKind)

	last := messages[len(messages)-1]
	require.Equal(t, StreamTypeOutcome, last.Type)
	assert.Equal(t, StateSuccess, last.Outcome.State)

	var sequence []string
	var finalProgress *progress.Event
	outcomes := 0
	for _, msg := range messages {
		if msg.Type == StreamTypeOutcome {
			outcomes++
			continue
		}
		switch msg.Event.Kind {
		case progress.KindEntryStarted:
			sequence = append(sequence, "start:"+msg.Event.EntryName)
		case progress.KindEntryFinished:
			sequence = append(sequence, "finish:"+msg.Event.EntryName)
		case progress.KindProgress:
			ev := *msg.Event
			finalProgress = &ev
		}
	}

	assert.Equal(t, 1, outcomes)
	assert.Equal(t, []string{
		"start:a.txt", "finish:a.txt",
		"start:b.txt", "finish:b.txt",
		"start:c.txt", "finish:c.txt",
	}, sequence)

	require.NotNil(t, finalProgress)
	assert.Equal(t, int64(600), finalProgress.ProcessedBytes)
	assert.Equal(t, int64(600), finalProgress.TotalBytes)
	assert.Equal(t, 3, finalProgress.ProcessedEntries)
	assert.Equal(t, 3, finalProgress.TotalEntries)
}

func TestCreateEndToEnd(t *testing.T) {
	workspace := t.TempDir()
	svc, tokens := newTestService(t, workspace)

	srcDir := filepath.Join(workspace, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "one.txt"), []byte("first file"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "two.txt"), []byte("second file"), 0o644))

	id, err := svc.Start(OperationRequest{
		Kind:            KindCreate,
		SourcePath:      "src",
		DestinationPath: "dist/bundle.zip",
	}, "test")
	require.NoError(t, err)

	snap := awaitTerminal(t, svc, id)
	require.Equal(t, StateSuccess, snap.State, "message: %s", snap.Message)
	assert.Equal(t, 0, tokens.Live())

	archivePath := filepath.Join(workspace, "dist", "bundle.zip")
	_, err = os.Stat(archivePath)
	require.NoError(t, err)

	reader, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	defer reader.Close()
	assert.Len(t, reader.File, 2)

	messages, err := svc.Events(id)
	require.NoError(t, err)
	require.NotEmpty(t, messages)
	assert.Equal(t, progress.KindStarted, messages[0].Event.Kind)
	assert.Equal(t, progress.OpCreate, messages[0].Event.OperationKind)

	last := messages[len(messages)-1]
	require.Equal(t, StreamTypeOutcome, last.Type)
	assert.Equal(t, filepath.Join(workspace, "dist", "bundle.zip"), last.Outcome.Destination)
}

func TestDestinationFailureSkipsTokenAndEngine(t *testing.T) {
	workspace := t.TempDir()
	svc, tokens := newTestService(t, workspace)

	eng := &fastEngine{}
	svc.engines.Register("mock", []string{".mock"}, eng, false)

	require.NoError(t, os.WriteFile(filepath.Join(workspace, "in.mock"), []byte("payload"), 0o644))
	// a regular file sits where the destination directory must go
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "blocked"), []byte("x"), 0o644))

	id, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "in.mock",
		DestinationPath: "blocked/out",
	}, "test")
	require.NoError(t, err)

	snap := awaitTerminal(t, svc, id)
	assert.Equal(t, StateFailure, snap.State)
	assert.Equal(t, ReasonDestinationUnavailable, snap.Reason)
	assert.Equal(t, int32(0), eng.calls.Load())
	assert.Equal(t, 0, tokens.Live())

	messages, err := svc.Events(id)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, StreamTypeOutcome, messages[0].Type)
	assert.Equal(t, ReasonDestinationUnavailable, messages[0].Outcome.Reason)
}

func TestMissingSourceFailsWithoutEngineCall(t *testing.T) {
	workspace := t.TempDir()
	svc, tokens := newTestService(t, workspace)

	eng := &fastEngine{}
	svc.engines.Register("mock", []string{".mock"}, eng, false)

	id, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "absent.mock",
		DestinationPath: "out",
	}, "test")
	require.NoError(t, err)

	snap := awaitTerminal(t, svc, id)
	assert.Equal(t, StateFailure, snap.State)
	assert.Equal(t, ReasonSourceMissing, snap.Reason)
	assert.Equal(t, int32(0), eng.calls.Load())
	assert.Equal(t, 0, tokens.Live())
}

func TestCancelDuringRunBoundsWork(t *testing.T) {
	workspace := t.TempDir()
	svc, tokens := newTestService(t, workspace)

	eng := &gatedEngine{
		tokens:  tokens,
		entries: 1000,
		gateAt:  5,
		reached: make(chan struct{}),
		resume:  make(chan struct{}),
	}
	svc.engines.Register("mock", []string{".mock"}, eng, false)

	require.NoError(t, os.WriteFile(filepath.Join(workspace, "in.mock"), []byte("payload"), 0o644))

	id, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "in.mock",
		DestinationPath: "out",
	}, "test")
	require.NoError(t, err)

	<-eng.reached
	require.NoError(t, svc.Cancel(id, "test"))
	close(eng.resume)

	snap := awaitTerminal(t, svc, id)
	assert.Equal(t, StateCancelled, snap.State)
	assert.Empty(t, snap.Reason)
	assert.Equal(t, 0, tokens.Live())

	messages, err := svc.Events(id)
	require.NoError(t, err)
	entryStarts := 0
	for _, msg := range messages {
		if msg.Type == StreamTypeEvent && msg.Event.Kind == progress.KindEntryStarted {
			entryStarts++
		}
	}
	assert.LessOrEqual(t, entryStarts, 6)

	last := messages[len(messages)-1]
	require.Equal(t, StreamTypeOutcome, last.Type)
	assert.Equal(t, StateCancelled, last.Outcome.State)
}

func TestCancelIsIdempotentWhileRunning(t *testing.T) {
	workspace := t.TempDir()
	svc, tokens := newTestService(t, workspace)

	eng := &gatedEngine{
		tokens:  tokens,
		entries: 10,
		gateAt:  1,
		reached: make(chan struct{}),
		resume:  make(chan struct{}),
	}
	svc.engines.Register("mock", []string{".mock"}, eng, false)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "in.mock"), []byte("payload"), 0o644))

	id, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "in.mock",
		DestinationPath: "out",
	}, "test")
	require.NoError(t, err)

	<-eng.reached
	require.NoError(t, svc.Cancel(id, "test"))
	require.NoError(t, svc.Cancel(id, "test"))
	close(eng.resume)

	snap := awaitTerminal(t, svc, id)
	assert.Equal(t, StateCancelled, snap.State)
}

func TestCancelRejectedWhenNotRunning(t *testing.T) {
	workspace := t.TempDir()
	svc, _ := newTestService(t, workspace)

	eng := &fastEngine{}
	svc.engines.Register("mock", []string{".mock"}, eng, false)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "in.mock"), []byte("payload"), 0o644))

	id, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "in.mock",
		DestinationPath: "out",
	}, "test")
	require.NoError(t, err)
	awaitTerminal(t, svc, id)

	err = svc.Cancel(id, "test")
	assert.ErrorIs(t, err, ErrNotRunning)

	err = svc.Cancel(uuid.New().String(), "test")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnginePanicProducesFailureOutcome(t *testing.T) {
	workspace := t.TempDir()
	svc, tokens := newTestService(t, workspace)

	svc.engines.Register("mock", []string{".mock"}, &panicEngine{}, false)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "in.mock"), []byte("payload"), 0o644))

	id, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "in.mock",
		DestinationPath: "out",
	}, "test")
	require.NoError(t, err)

	snap := awaitTerminal(t, svc, id)
	assert.Equal(t, StateFailure, snap.State)
	assert.Equal(t, ReasonEnginePanic, snap.Reason)
	assert.Contains(t, snap.Message, "boom")
	assert.Equal(t, 0, tokens.Live())

	messages, err := svc.Events(id)
	require.NoError(t, err)
	outcomes := 0
	for _, msg := range messages {
		if msg.Type == StreamTypeOutcome {
			outcomes++
		}
	}
	assert.Equal(t, 1, outcomes)
}

func TestSourceSingleFlight(t *testing.T) {
	workspace := t.TempDir()
	svc, tokens := newTestService(t, workspace)

	eng := &gatedEngine{
		tokens:  tokens,
		entries: 2,
		gateAt:  1,
		reached: make(chan struct{}),
		resume:  make(chan struct{}),
	}
	svc.engines.Register("mock", []string{".mock"}, eng, false)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "in.mock"), []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "other.mock"), []byte("payload"), 0o644))

	id1, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "in.mock",
		DestinationPath: "out1",
	}, "test")
	require.NoError(t, err)
	<-eng.reached

	_, err = svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "in.mock",
		DestinationPath: "out2",
	}, "test")
	assert.ErrorIs(t, err, ErrSourceBusy)

	// an unrelated source is not blocked
	id2, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "other.mock",
		DestinationPath: "out3",
	}, "test")
	require.NoError(t, err)

	close(eng.resume)
	awaitTerminal(t, svc, id1)
	awaitTerminal(t, svc, id2)

	// the source is free again once its operation finished
	id3, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "in.mock",
		DestinationPath: "out4",
	}, "test")
	require.NoError(t, err)
	awaitTerminal(t, svc, id3)
}

func TestStartRejectsInvalidRequests(t *testing.T) {
	workspace := t.TempDir()
	svc, tokens := newTestService(t, workspace)

	cases := []struct {
		name string
		req  OperationRequest
	}{
		{"unknown kind", OperationRequest{Kind: "compress", SourcePath: "a.zip", DestinationPath: "out"}},
		{"empty source", OperationRequest{Kind: KindExtract, SourcePath: "", DestinationPath: "out"}},
		{"absolute source", OperationRequest{Kind: KindExtract, SourcePath: "/etc/passwd", DestinationPath: "out"}},
		{"traversal destination", OperationRequest{Kind: KindExtract, SourcePath: "a.zip", DestinationPath: "../escape"}},
		{"patterns on extract", OperationRequest{Kind: KindExtract, SourcePath: "a.zip", DestinationPath: "out", Patterns: []string{"*.txt"}}},
		{"unsupported source format", OperationRequest{Kind: KindExtract, SourcePath: "a.xyz", DestinationPath: "out"}},
		{"read-only create format", OperationRequest{Kind: KindCreate, SourcePath: "dir", DestinationPath: "out.rar"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Start(tc.req, "test")
			assert.Error(t, err)
		})
	}

	assert.Empty(t, svc.List())
	assert.Equal(t, 0, tokens.Live())
}

func TestStreamDeliversFullHistory(t *testing.T) {
	workspace := t.TempDir()
	svc, _ := newTestService(t, workspace)

	eng := &fastEngine{}
	svc.engines.Register("mock", []string{".mock"}, eng, false)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "in.mock"), []byte("payload"), 0o644))

	id, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "in.mock",
		DestinationPath: "out",
	}, "test")
	require.NoError(t, err)
	awaitTerminal(t, svc, id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var buf bytes.Buffer
	require.NoError(t, svc.Stream(ctx, id, &buf))

	frames := parseFrames(t, buf.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, progress.KindStarted, frames[0].Event.Kind)
	last := frames[len(frames)-1]
	require.Equal(t, StreamTypeOutcome, last.Type)
	assert.Equal(t, StateSuccess, last.Outcome.State)
}

func TestPruneFinishedDropsOldTerminalOperations(t *testing.T) {
	workspace := t.TempDir()
	svc, _ := newTestService(t, workspace)

	eng := &fastEngine{}
	svc.engines.Register("mock", []string{".mock"}, eng, false)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "in.mock"), []byte("payload"), 0o644))

	id, err := svc.Start(OperationRequest{
		Kind:            KindExtract,
		SourcePath:      "in.mock",
		DestinationPath: "out",
	}, "test")
	require.NoError(t, err)
	awaitTerminal(t, svc, id)

	// too young to prune
	assert.Equal(t, 0, svc.PruneFinished(time.Hour))
	_, err = svc.Get(id)
	require.NoError(t, err)

	assert.Equal(t, 1, svc.PruneFinished(0))
	_, err = svc.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListReturnsNewestFirst(t *testing.T) {
	workspace := t.TempDir()
	svc, _ := newTestService(t, workspace)

	eng := &fastEngine{}
	svc.engines.Register("mock", []string{".mock"}, eng, false)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "first.mock"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "second.mock"), []byte("b"), 0o644))

	id1, err := svc.Start(OperationRequest{Kind: KindExtract, SourcePath: "first.mock", DestinationPath: "out1"}, "test")
	require.NoError(t, err)
	awaitTerminal(t, svc, id1)
	time.Sleep(5 * time.Millisecond)

	id2, err := svc.Start(OperationRequest{Kind: KindExtract, SourcePath: "second.mock", DestinationPath: "out2"}, "test")
	require.NoError(t, err)
	awaitTerminal(t, svc, id2)

	snapshots := svc.List()
	require.Len(t, snapshots, 2)
	assert.Equal(t, id2, snapshots[0].ID)
	assert.Equal(t, id1, snapshots[1].ID)
}
