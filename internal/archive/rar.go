package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/javi11/rardecode/v2"
	"github.com/spf13/afero"

	"github.com/harbourtools/stevedore-agent/internal/progress"
	"github.com/harbourtools/stevedore-agent/internal/token"
)

// RarEngine reads rar archives. The format is read-only here; Create
// reports ErrCreateUnsupported.
type RarEngine struct {
	tokens *token.Registry
	fs     afero.Fs
}

func NewRarEngine(tokens *token.Registry) *RarEngine {
	return &RarEngine{
		tokens: tokens,
		fs:     afero.NewOsFs(),
	}
}

func (e *RarEngine) open(archivePath string) (*rardecode.ReadCloser, error) {
	reader, err := rardecode.OpenReader(archivePath, rardecode.FileSystem(e.fs))
	if err != nil {
		return nil, fmt.Errorf("failed to open rar file: %w", err)
	}
	return reader, nil
}

// scan reads the headers once so extraction can report real totals.
func (e *RarEngine) scan(archivePath string) (int64, int, error) {
	reader, err := e.open(archivePath)
	if err != nil {
		return 0, 0, err
	}
	defer reader.Close()

	var totalBytes int64
	totalEntries := 0
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read rar header: %w", err)
		}
		if header.IsDir {
			continue
		}
		totalBytes += header.UnPackedSize
		totalEntries++
	}
	return totalBytes, totalEntries, nil
}

func (e *RarEngine) Extract(ctx context.Context, req ExtractRequest, tok token.Handle, sink progress.Sink) error {
	totalBytes, totalEntries, err := e.scan(req.ArchivePath)
	if err != nil {
		return err
	}

	reader, err := e.open(req.ArchivePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	t := newTracker(sink, progress.OpExtract, totalBytes, totalEntries)
	t.started()

	for {
		if e.tokens.IsCancelled(tok) {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read rar header: %w", err)
		}

		path, err := ValidateExtractPath(req.DestinationPath, header.Name)
		if err != nil {
			t.warning(fmt.Sprintf("skipping entry outside destination: %s", header.Name))
			continue
		}

		if header.IsDir {
			if err := os.MkdirAll(path, 0755); err != nil {
				t.warning(fmt.Sprintf("failed to create directory %s: %v", header.Name, err))
			}
			continue
		}

		if _, err := os.Stat(path); err == nil && !req.Overwrite {
			t.warning(fmt.Sprintf("skipping existing file: %s", header.Name))
			continue
		}

		t.entryStarted(header.Name)

		if err := extractRarEntry(reader, header.Name, path, t); err != nil {
			t.warning(fmt.Sprintf("failed to extract %s: %v", header.Name, err))
			continue
		}

		t.entryDone(header.Name)
	}

	t.finished()
	return nil
}

func extractRarEntry(reader io.Reader, name, path string, t *tracker) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	_, err = io.Copy(&countingWriter{w: dst, tracker: t, entryName: name}, reader)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (e *RarEngine) Create(ctx context.Context, req CreateRequest, tok token.Handle, sink progress.Sink) error {
	return fmt.Errorf("rar: %w", ErrCreateUnsupported)
}

func (e *RarEngine) List(ctx context.Context, archivePath string) ([]Entry, error) {
	reader, err := e.open(archivePath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	entries := []Entry{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read rar header: %w", err)
		}
		if header.IsDir {
			continue
		}
		entries = append(entries, Entry{
			Name: header.Name,
			Size: header.UnPackedSize,
		})
	}
	return entries, nil
}

func (e *RarEngine) Validate(ctx context.Context, archivePath string) (bool, error) {
	if _, err := os.Stat(archivePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		return false, nil
	}

	reader, err := e.open(archivePath)
	if err != nil {
		return false, nil
	}
	defer reader.Close()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		header, err := reader.Next()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, nil
		}
		if header.IsDir {
			continue
		}
		// Reading the body verifies the entry checksum.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return false, nil
		}
	}
}
