package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/harbourtools/stevedore-agent/internal/progress"
	"github.com/harbourtools/stevedore-agent/internal/token"
)

type ZipEngine struct {
	tokens *token.Registry
}

func NewZipEngine(tokens *token.Registry) *ZipEngine {
	return &ZipEngine{tokens: tokens}
}

func (e *ZipEngine) Extract(ctx context.Context, req ExtractRequest, tok token.Handle, sink progress.Sink) error {
	reader, err := zip.OpenReader(req.ArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip file: %w", err)
	}
	defer reader.Close()

	var totalBytes int64
	totalEntries := 0
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		totalBytes += int64(file.UncompressedSize64)
		totalEntries++
	}

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

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(path, file.FileInfo().Mode()); err != nil {
				t.warning(fmt.Sprintf("failed to create directory %s: %v", file.Name, err))
			}
			continue
		}

		if _, err := os.Stat(path); err == nil && !req.Overwrite {
			t.warning(fmt.Sprintf("skipping existing file: %s", file.Name))
			continue
		}

		t.entryStarted(file.Name)

		if err := extractZipEntry(file, path, t); err != nil {
			t.warning(fmt.Sprintf("failed to extract %s: %v", file.Name, err))
			continue
		}

		t.entryDone(file.Name)
	}

	t.finished()
	return nil
}

func extractZipEntry(file *zip.File, path string, t *tracker) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.FileInfo().Mode())
	if err != nil {
		return err
	}

	_, err = io.Copy(&countingWriter{w: dst, tracker: t, entryName: file.Name}, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (e *ZipEngine) Create(ctx context.Context, req CreateRequest, tok token.Handle, sink progress.Sink) error {
	outputPath := filepath.Clean(req.OutputPath)

	zipFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create zip file: %w", err)
	}
	defer zipFile.Close()

	zipWriter := zip.NewWriter(zipFile)

	t := newTracker(sink, progress.OpCreate, 0, 0)
	t.started()

	err = filepath.Walk(req.SourcePath, func(path string, info os.FileInfo, err error) error {
		if e.tokens.IsCancelled(tok) {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err != nil {
			t.warning(fmt.Sprintf("error accessing %s: %v", path, err))
			return nil
		}
		if info.IsDir() {
			return nil
		}
		// Never pack the archive into itself.
		if filepath.Clean(path) == outputPath {
			return nil
		}

		relPath, err := filepath.Rel(req.SourcePath, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(relPath)
		if !MatchesPatterns(req.Patterns, name) {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			t.warning(fmt.Sprintf("error accessing %s: %v", path, err))
			return nil
		}

		t.entryStarted(name)

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			src.Close()
			return err
		}
		header.Name = name
		header.Method = zip.Deflate

		w, err := zipWriter.CreateHeader(header)
		if err != nil {
			src.Close()
			return err
		}

		_, err = io.Copy(&countingWriter{w: w, tracker: t, entryName: name}, src)
		src.Close()
		if err != nil {
			return err
		}

		t.entryDone(name)
		return nil
	})
	if err != nil {
		return err
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize zip file: %w", err)
	}

	t.finished()
	return nil
}

func (e *ZipEngine) List(ctx context.Context, archivePath string) ([]Entry, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip file: %w", err)
	}
	defer reader.Close()

	entries := make([]Entry, 0, len(reader.File))
	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if file.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, Entry{
			Name: file.Name,
			Size: int64(file.UncompressedSize64),
		})
	}
	return entries, nil
}

func (e *ZipEngine) Validate(ctx context.Context, archivePath string) (bool, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		return false, nil
	}
	defer reader.Close()

	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if file.FileInfo().IsDir() {
			continue
		}

		// Reading to EOF verifies the entry's CRC.
		rc, err := file.Open()
		if err != nil {
			return false, nil
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return false, nil
		}
	}
	return true, nil
}
