package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/harbourtools/stevedore-agent/config"
	"github.com/harbourtools/stevedore-agent/internal/logging"
	"github.com/harbourtools/stevedore-agent/internal/validation"
)

// Service exposes read and cleanup access to the workspace, mainly so
// callers can inspect partial output after a failed or cancelled operation
// and remove what they do not want to keep.
type Service struct {
	workspace string
	logger    *logging.Logger
}

func NewService(cfg *config.Config, logger *logging.Logger) *Service {
	return &Service{
		workspace: cfg.WorkspacePath,
		logger:    logger.With(zap.String("service", "files")),
	}
}

// resolve maps a workspace-relative path to an absolute one. An empty path
// or "/" means the workspace root.
func (s *Service) resolve(relPath string) (string, string, error) {
	relPath = strings.TrimPrefix(relPath, "/")
	if relPath == "" {
		return s.workspace, "", nil
	}

	fullPath, err := validation.ResolveWithin(s.workspace, relPath)
	if err != nil {
		s.logger.Warn("rejected workspace path",
			zap.String("requested_path", relPath),
			zap.Error(err),
		)
		return "", "", err
	}
	return fullPath, filepath.ToSlash(filepath.Clean(relPath)), nil
}

func (s *Service) ListDirectory(relPath string) (*DirectoryListing, error) {
	fullPath, cleanRel, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("path not found: %s", relPath)
		}
		return nil, fmt.Errorf("cannot access path: %w", err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", relPath)
	}

	dirEntries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read directory: %w", err)
	}

	entries := make([]FileEntry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		info, err := dirEntry.Info()
		if err != nil {
			continue
		}

		entry := FileEntry{
			Name:        dirEntry.Name(),
			Path:        joinRel(cleanRel, dirEntry.Name()),
			Size:        info.Size(),
			IsDirectory: dirEntry.IsDir(),
			ModTime:     info.ModTime(),
			Mode:        info.Mode().String(),
		}
		if !entry.IsDirectory {
			entry.Extension = strings.TrimPrefix(filepath.Ext(entry.Name), ".")
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDirectory != entries[j].IsDirectory {
			return entries[i].IsDirectory
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	s.logger.Debug("listed workspace directory",
		zap.String("path", cleanRel),
		zap.Int("entry_count", len(entries)),
	)

	return &DirectoryListing{Path: cleanRel, Entries: entries}, nil
}

// Delete removes a file or directory tree inside the workspace. The
// workspace root itself cannot be deleted.
func (s *Service) Delete(relPath string) error {
	fullPath, cleanRel, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if fullPath == filepath.Clean(s.workspace) {
		return errors.New("refusing to delete the workspace root")
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("path not found: %s", relPath)
		}
		return fmt.Errorf("cannot access path: %w", err)
	}

	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}

	s.logger.Info("deleted workspace path", zap.String("path", cleanRel))
	return nil
}

func joinRel(base, name string) string {
	if base == "" {
		return name
	}
	return base + "/" + name
}
