package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/javi11/sevenzip"
	"github.com/spf13/afero"

	"github.com/harbourtools/stevedore-agent/internal/progress"
	"github.com/harbourtools/stevedore-agent/internal/token"
)

// SevenZipEngine reads 7z archives. Writing them is not supported; Create
// reports ErrCreateUnsupported.
type SevenZipEngine struct {
	tokens *token.Registry
	fs     afero.Fs
}

func NewSevenZipEngine(tokens *token.Registry) *SevenZipEngine {
	return &SevenZipEngine{
		tokens: tokens,
		fs:     afero.NewOsFs(),
	}
}

func (e *SevenZipEngine) Extract(ctx context.Context, req ExtractRequest, tok token.Handle, sink progress.Sink) error {
	reader, err := sevenzip.OpenReader(req.ArchivePath, e.fs)
	if err != nil {
		return fmt.Errorf("failed to open 7z file: %w", err)
	}
	defer reader.Close()

	infos, err := reader.ListFilesWithOffsets()
	if err != nil {
		return fmt.Errorf("failed to read 7z index: %w", err)
	}
	var totalBytes int64
	for _, info := range infos {
		totalBytes += int64(info.Size)
	}
	totalEntries := len(infos)

	t := newTracker(sink, progress.OpExtract, totalBytes, totalEntries)
	t.started()

	for _, file := range reader.File {
		if e.tokens.IsCancelled(tok) {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		path, err := ValidateExtractPath(req.DestinationPath, file.Name)
		if err != nil {
			t.warning(fmt.Sprintf("skipping entry outside destination: %s", file.Name))
			continue
		}

		info := file.FileInfo()
		if info.IsDir() {
			if err := os.MkdirAll(path, info.Mode()); err != nil {
				t.warning(fmt.Sprintf("failed to create directory %s: %v", file.Name, err))
			}
			continue
		}

		if _, err := os.Stat(path); err == nil && !req.Overwrite {
			t.warning(fmt.Sprintf("skipping existing file: %s", file.Name))
			continue
		}

		t.entryStarted(file.Name)

		if err := extractSevenZipEntry(file, path, info.Mode(), t); err != nil {
			t.warning(fmt.Sprintf("failed to extract %s: %v", file.Name, err))
			continue
		}

		t.entryDone(file.Name)
	}

	t.finished()
	return nil
}

func extractSevenZipEntry(file *sevenzip.File, path string, mode fs.FileMode, t *tracker) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	_, err = io.Copy(&countingWriter{w: dst, tracker: t, entryName: file.Name}, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (e *SevenZipEngine) Create(ctx context.Context, req CreateRequest, tok token.Handle, sink progress.Sink) error {
	return fmt.Errorf("7z: %w", ErrCreateUnsupported)
}

func (e *SevenZipEngine) List(ctx context.Context, archivePath string) ([]Entry, error) {
	reader, err := sevenzip.OpenReader(archivePath, e.fs)
	if err != nil {
		return nil, fmt.Errorf("failed to open 7z file: %w", err)
	}
	defer reader.Close()

	infos, err := reader.ListFilesWithOffsets()
	if err != nil {
		return nil, fmt.Errorf("failed to read 7z index: %w", err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Name: info.Name,
			Size: int64(info.Size),
		})
	}
	return entries, nil
}

func (e *SevenZipEngine) Validate(ctx context.Context, archivePath string) (bool, error) {
	if _, err := os.Stat(archivePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		return false, nil
	}

	reader, err := sevenzip.OpenReader(archivePath, e.fs)
	if err != nil {
		return false, nil
	}
	defer reader.Close()

	if _, err := reader.ListFilesWithOffsets(); err != nil {
		return false, nil
	}
	return true, nil
}
