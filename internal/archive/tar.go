package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/harbourtools/stevedore-agent/internal/progress"
	"github.com/harbourtools/stevedore-agent/internal/token"
)

const (
	CompressionNone = ""
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// TarEngine handles tar archives, optionally compressed. One instance is
// registered per variant so format detection stays a plain map lookup.
type TarEngine struct {
	tokens      *token.Registry
	compression string
}

func NewTarEngine(tokens *token.Registry, compression string) *TarEngine {
	return &TarEngine{tokens: tokens, compression: compression}
}

func (e *TarEngine) newReader(r io.Reader) (io.Reader, func(), error) {
	switch e.compression {
	case CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return r, func() {}, nil
	}
}

func (e *TarEngine) newWriter(w io.Writer) (io.Writer, func() error, error) {
	switch e.compression {
	case CompressionGzip:
		gz := gzip.NewWriter(w)
		return gz, gz.Close, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	default:
		return w, func() error { return nil }, nil
	}
}

// scan walks the archive once to learn the totals. Tar has no central
// index, so progress totals cost a full read ahead of the real pass.
func (e *TarEngine) scan(archivePath string) (int64, int, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open tar file: %w", err)
	}
	defer file.Close()

	r, closeReader, err := e.newReader(file)
	if err != nil {
		return 0, 0, err
	}
	defer closeReader()

	tarReader := tar.NewReader(r)
	var totalBytes int64
	totalEntries := 0
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read tar header: %w", err)
		}
		if header.Typeflag == tar.TypeReg {
			totalBytes += header.Size
			totalEntries++
		}
	}
	return totalBytes, totalEntries, nil
}

func (e *TarEngine) Extract(ctx context.Context, req ExtractRequest, tok token.Handle, sink progress.Sink) error {
	totalBytes, totalEntries, err := e.scan(req.ArchivePath)
	if err != nil {
		return err
	}

	file, err := os.Open(req.ArchivePath)
	if err != nil {
		return fmt.Errorf("failed to open tar file: %w", err)
	}
	defer file.Close()

	r, closeReader, err := e.newReader(file)
	if err != nil {
		return err
	}
	defer closeReader()

	tarReader := tar.NewReader(r)

	t := newTracker(sink, progress.OpExtract, totalBytes, totalEntries)
	t.started()

	for {
		if e.tokens.IsCancelled(tok) {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		path, err := ValidateExtractPath(req.DestinationPath, header.Name)
		if err != nil {
			t.warning(fmt.Sprintf("skipping entry outside destination: %s", header.Name))
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, header.FileInfo().Mode()); err != nil {
				t.warning(fmt.Sprintf("failed to create directory %s: %v", header.Name, err))
			}

		case tar.TypeReg:
			if _, err := os.Stat(path); err == nil && !req.Overwrite {
				t.warning(fmt.Sprintf("skipping existing file: %s", header.Name))
				continue
			}

			t.entryStarted(header.Name)

			if err := extractTarEntry(tarReader, header, path, t); err != nil {
				t.warning(fmt.Sprintf("failed to extract %s: %v", header.Name, err))
				continue
			}

			t.entryDone(header.Name)

		default:
			t.warning(fmt.Sprintf("skipping unsupported entry type for %s", header.Name))
		}
	}

	t.finished()
	return nil
}

func extractTarEntry(tarReader *tar.Reader, header *tar.Header, path string, t *tracker) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, header.FileInfo().Mode())
	if err != nil {
		return err
	}

	_, err = io.Copy(&countingWriter{w: dst, tracker: t, entryName: header.Name}, tarReader)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (e *TarEngine) Create(ctx context.Context, req CreateRequest, tok token.Handle, sink progress.Sink) error {
	outputPath := filepath.Clean(req.OutputPath)

	tarFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create tar file: %w", err)
	}
	defer tarFile.Close()

	w, closeCompressor, err := e.newWriter(tarFile)
	if err != nil {
		return err
	}
	tarWriter := tar.NewWriter(w)

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
		if filepath.Clean(path) == outputPath {
			return nil
		}

		relPath, err := filepath.Rel(req.SourcePath, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		name := filepath.ToSlash(relPath)

		if info.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = name + "/"
			return tarWriter.WriteHeader(header)
		}

		if !MatchesPatterns(req.Patterns, name) {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			t.warning(fmt.Sprintf("error accessing %s: %v", path, err))
			return nil
		}

		t.entryStarted(name)

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			src.Close()
			return err
		}
		header.Name = name

		if err := tarWriter.WriteHeader(header); err != nil {
			src.Close()
			return err
		}

		_, err = io.Copy(&countingWriter{w: tarWriter, tracker: t, entryName: name}, src)
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

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar file: %w", err)
	}
	if err := closeCompressor(); err != nil {
		return fmt.Errorf("failed to finalize compressed stream: %w", err)
	}

	t.finished()
	return nil
}

func (e *TarEngine) List(ctx context.Context, archivePath string) ([]Entry, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open tar file: %w", err)
	}
	defer file.Close()

	r, closeReader, err := e.newReader(file)
	if err != nil {
		return nil, err
	}
	defer closeReader()

	tarReader := tar.NewReader(r)
	entries := []Entry{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar header: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		entries = append(entries, Entry{
			Name: header.Name,
			Size: header.Size,
		})
	}
	return entries, nil
}

func (e *TarEngine) Validate(ctx context.Context, archivePath string) (bool, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		return false, nil
	}
	defer file.Close()

	r, closeReader, err := e.newReader(file)
	if err != nil {
		return false, nil
	}
	defer closeReader()

	tarReader := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, nil
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if _, err := io.Copy(io.Discard, tarReader); err != nil {
			return false, nil
		}
	}
}
