package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/harbourtools/stevedore-agent/internal/logging"
	"github.com/harbourtools/stevedore-agent/internal/token"
)

// Service owns one engine per supported format and routes work to them by
// format name or file suffix.
type Service struct {
	mu       sync.RWMutex
	engines  map[string]Engine
	suffixes []suffixRule
	readOnly map[string]bool
	logger   *logging.Logger
}

// suffixRule maps a file name suffix to a format key. Rules are kept
// longest suffix first so ".tar.gz" wins over ".gz"-style overlaps.
type suffixRule struct {
	suffix string
	format string
}

func NewService(tokens *token.Registry, logger *logging.Logger) *Service {
	s := &Service{
		engines:  make(map[string]Engine),
		readOnly: make(map[string]bool),
		logger:   logger,
	}

	s.Register("zip", []string{".zip"}, NewZipEngine(tokens), false)
	s.Register("tar", []string{".tar"}, NewTarEngine(tokens, CompressionNone), false)
	s.Register("tar.gz", []string{".tar.gz", ".tgz"}, NewTarEngine(tokens, CompressionGzip), false)
	s.Register("tar.zst", []string{".tar.zst"}, NewTarEngine(tokens, CompressionZstd), false)
	s.Register("7z", []string{".7z"}, NewSevenZipEngine(tokens), true)
	s.Register("rar", []string{".rar"}, NewRarEngine(tokens), true)

	return s
}

// Register adds an engine under a format key with the file suffixes that
// select it. readOnly marks formats the agent can extract but not produce.
func (s *Service) Register(format string, suffixes []string, engine Engine, readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engines[format] = engine
	s.readOnly[format] = readOnly
	for _, suffix := range suffixes {
		s.suffixes = append(s.suffixes, suffixRule{suffix: strings.ToLower(suffix), format: format})
	}
	sort.SliceStable(s.suffixes, func(i, j int) bool {
		return len(s.suffixes[i].suffix) > len(s.suffixes[j].suffix)
	})
}

// Formats returns the supported format names, sorted.
func (s *Service) Formats() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	formats := make([]string, 0, len(s.engines))
	for format := range s.engines {
		formats = append(formats, format)
	}
	sort.Strings(formats)
	return formats
}

// DetectFormat maps a file name to a format key, or "" when unknown.
func (s *Service) DetectFormat(archivePath string) string {
	name := strings.ToLower(filepath.Base(archivePath))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rule := range s.suffixes {
		if strings.HasSuffix(name, rule.suffix) {
			return rule.format
		}
	}
	return ""
}

// TrimArchiveSuffix strips the recognized archive suffix from a file name,
// or returns the name unchanged when no rule matches.
func (s *Service) TrimArchiveSuffix(name string) string {
	lower := strings.ToLower(name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rule := range s.suffixes {
		if strings.HasSuffix(lower, rule.suffix) {
			return name[:len(name)-len(rule.suffix)]
		}
	}
	return name
}

// ForArchive picks the engine for an existing archive by its file name.
func (s *Service) ForArchive(archivePath string) (Engine, error) {
	format := s.DetectFormat(archivePath)
	if format == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(archivePath))
	}
	return s.ForFormat(format)
}

// ForFormat picks the engine for an explicit format name.
func (s *Service) ForFormat(format string) (Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	engine, ok := s.engines[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return engine, nil
}

// ForCreate picks the engine to produce a new archive in the given format.
// Formats the agent can only read are rejected here so callers fail before
// any work starts.
func (s *Service) ForCreate(format string) (Engine, error) {
	engine, err := s.ForFormat(format)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	readOnly := s.readOnly[format]
	s.mu.RUnlock()

	if readOnly {
		return nil, fmt.Errorf("%s: %w", format, ErrCreateUnsupported)
	}
	return engine, nil
}

func (s *Service) List(ctx context.Context, archivePath string) ([]Entry, error) {
	engine, err := s.ForArchive(archivePath)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("listing archive", zap.String("path", archivePath))
	return engine.List(ctx, archivePath)
}

func (s *Service) Validate(ctx context.Context, archivePath string) (bool, error) {
	engine, err := s.ForArchive(archivePath)
	if err != nil {
		return false, err
	}

	s.logger.Debug("validating archive", zap.String("path", archivePath))
	return engine.Validate(ctx, archivePath)
}
