package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harbourtools/stevedore-agent/internal/progress"
	"github.com/harbourtools/stevedore-agent/internal/token"
)

func writeTarGz(t *testing.T, path string, names []string, sizes map[string]int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(sizes[name]),
		}))
		_, err = tw.Write(bytes.Repeat([]byte{'x'}, sizes[name]))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func TestTarRoundTripsAcrossCompressions(t *testing.T) {
	cases := []struct {
		name        string
		compression string
	}{
		{"plain", CompressionNone},
		{"gzip", CompressionGzip},
		{"zstd", CompressionZstd},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "src")
			require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top level"), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "inner.txt"), []byte("below"), 0o644))

			engine := NewTarEngine(token.NewRegistry(), tc.compression)
			out := filepath.Join(dir, "bundle.tar")

			err := engine.Create(context.Background(), CreateRequest{
				SourcePath: src,
				OutputPath: out,
			}, token.None, &collectSink{})
			require.NoError(t, err)

			entries, err := engine.List(context.Background(), out)
			require.NoError(t, err)
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				names = append(names, entry.Name)
			}
			assert.ElementsMatch(t, []string{"top.txt", "nested/inner.txt"}, names)

			valid, err := engine.Validate(context.Background(), out)
			require.NoError(t, err)
			assert.True(t, valid)

			dest := filepath.Join(dir, "dest")
			err = engine.Extract(context.Background(), ExtractRequest{
				ArchivePath:     out,
				DestinationPath: dest,
			}, token.None, &collectSink{})
			require.NoError(t, err)

			data, err := os.ReadFile(filepath.Join(dest, "top.txt"))
			require.NoError(t, err)
			assert.Equal(t, "top level", string(data))
			data, err = os.ReadFile(filepath.Join(dest, "nested", "inner.txt"))
			require.NoError(t, err)
			assert.Equal(t, "below", string(data))
		})
	}
}

func TestTarExtractReportsScannedTotals(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "bundle.tar.gz")
	names := []string{"a.txt", "b.txt", "c.txt"}
	writeTarGz(t, archivePath, names, map[string]int{"a.txt": 100, "b.txt": 200, "c.txt": 300})

	engine := NewTarEngine(token.NewRegistry(), CompressionGzip)
	sink := &collectSink{}

	err := engine.Extract(context.Background(), ExtractRequest{
		ArchivePath:     archivePath,
		DestinationPath: filepath.Join(dir, "out"),
	}, token.None, sink)
	require.NoError(t, err)

	events := sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, progress.KindStarted, events[0].Kind)
	assert.Equal(t, progress.KindFinished, events[len(events)-1].Kind)

	var sequence []string
	for _, ev := range events {
		switch ev.Kind {
		case progress.KindEntryStarted:
			sequence = append(sequence, "start:"+ev.EntryName)
		case progress.KindEntryFinished:
			sequence = append(sequence, "finish:"+ev.EntryName)
		}
	}
	assert.Equal(t, []string{
		"start:a.txt", "finish:a.txt",
		"start:b.txt", "finish:b.txt",
		"start:c.txt", "finish:c.txt",
	}, sequence)

	progressEvents := sink.byKind(progress.KindProgress)
	require.NotEmpty(t, progressEvents)
	final := progressEvents[len(progressEvents)-1]
	assert.Equal(t, int64(600), final.ProcessedBytes)
	assert.Equal(t, int64(600), final.TotalBytes)
	assert.Equal(t, 3, final.ProcessedEntries)
	assert.Equal(t, 3, final.TotalEntries)
}

func TestTarExtractStopsWhenCancelled(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "bundle.tar.gz")
	writeTarGz(t, archivePath, []string{"a.txt"}, map[string]int{"a.txt": 10})

	tokens := token.NewRegistry()
	tok := tokens.Create()
	require.NoError(t, tokens.Cancel(tok))
	defer func() { require.NoError(t, tokens.Release(tok)) }()

	engine := NewTarEngine(tokens, CompressionGzip)
	sink := &collectSink{}

	err := engine.Extract(context.Background(), ExtractRequest{
		ArchivePath:     archivePath,
		DestinationPath: filepath.Join(dir, "out"),
	}, tok, sink)
	assert.ErrorIs(t, err, ErrCancelled)

	assert.Len(t, sink.byKind(progress.KindStarted), 1)
	assert.Empty(t, sink.byKind(progress.KindFinished))
}

func TestTarCreateStopsWhenCancelledAndLeavesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("data"), 0o644))

	tokens := token.NewRegistry()
	tok := tokens.Create()
	require.NoError(t, tokens.Cancel(tok))
	defer func() { require.NoError(t, tokens.Release(tok)) }()

	engine := NewTarEngine(tokens, CompressionNone)
	out := filepath.Join(dir, "bundle.tar")

	err := engine.Create(context.Background(), CreateRequest{
		SourcePath: src,
		OutputPath: out,
	}, tok, &collectSink{})
	assert.ErrorIs(t, err, ErrCancelled)

	// the half-written archive stays on disk for the caller to deal with
	_, err = os.Stat(out)
	assert.NoError(t, err)
}

func TestTarExtractSkipsUnsupportedEntryTypes(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "links.tar")

	f, err := os.Create(archivePath)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "link",
		Typeflag: tar.TypeSymlink,
		Linkname: "target",
		Mode:     0o777,
	}))
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "plain.txt",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     5,
	}))
	_, err = tw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	engine := NewTarEngine(token.NewRegistry(), CompressionNone)
	sink := &collectSink{}
	dest := filepath.Join(dir, "out")

	err = engine.Extract(context.Background(), ExtractRequest{
		ArchivePath:     archivePath,
		DestinationPath: dest,
	}, token.None, sink)
	require.NoError(t, err)

	_, err = os.Lstat(filepath.Join(dest, "link"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(dest, "plain.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	warnings := sink.byKind(progress.KindWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "link")
}

func TestTarValidate(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "bundle.tar.gz")
	writeTarGz(t, archivePath, []string{"a.txt"}, map[string]int{"a.txt": 2000})

	engine := NewTarEngine(token.NewRegistry(), CompressionGzip)

	valid, err := engine.Validate(context.Background(), archivePath)
	require.NoError(t, err)
	assert.True(t, valid)

	raw, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	truncated := filepath.Join(dir, "cut.tar.gz")
	require.NoError(t, os.WriteFile(truncated, raw[:len(raw)*3/5], 0o644))

	valid, err = engine.Validate(context.Background(), truncated)
	require.NoError(t, err)
	assert.False(t, valid)

	valid, err = engine.Validate(context.Background(), filepath.Join(dir, "missing.tar.gz"))
	assert.Error(t, err)
	assert.False(t, valid)
}
