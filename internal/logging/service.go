package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Service appends one JSON line per HTTP request to a dedicated request log,
// separate from the application log so access records can be shipped and
// retained on their own schedule.
type Service struct {
	logger       *Logger
	fileWriter   *os.File
	writeMutex   sync.Mutex
	enabled      bool
	logFilePath  string
	maxSizeBytes int64
}

func NewService(logger *Logger, enabled bool, logFilePath string, maxSizeBytes int64) (*Service, error) {
	if !enabled {
		return &Service{
			enabled: false,
		}, nil
	}

	if logFilePath == "" {
		logFilePath = "/var/log/stevedore-agent/requests.jsonl"
	}
	if maxSizeBytes <= 0 {
		maxSizeBytes = 100 * 1024 * 1024
	}

	logDir := filepath.Dir(logFilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Service{
		logger:       logger,
		fileWriter:   file,
		enabled:      true,
		logFilePath:  logFilePath,
		maxSizeBytes: maxSizeBytes,
	}, nil
}

func (s *Service) LogRequest(entry *RequestLogEntry) {
	if !s.enabled {
		return
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	jsonData, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("failed to marshal request log entry", zap.Error(err))
		return
	}

	if _, err := s.fileWriter.Write(append(jsonData, '\n')); err != nil {
		s.logger.Error("failed to write request log entry", zap.Error(err))
		return
	}
}

func (s *Service) Close() error {
	if s.fileWriter != nil {
		return s.fileWriter.Close()
	}
	return nil
}

func (s *Service) RotateIfNeeded() error {
	if !s.enabled || s.fileWriter == nil {
		return nil
	}

	info, err := s.fileWriter.Stat()
	if err != nil {
		return err
	}

	if info.Size() < s.maxSizeBytes {
		return nil
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	if err := s.fileWriter.Close(); err != nil {
		return err
	}

	timestamp := time.Now().Format("20060102-150405")
	rotatedPath := fmt.Sprintf("%s.%s", s.logFilePath, timestamp)
	if err := os.Rename(s.logFilePath, rotatedPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(s.logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	s.fileWriter = newFile
	return nil
}
