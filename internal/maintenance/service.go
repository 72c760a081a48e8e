package maintenance

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/harbourtools/stevedore-agent/config"
	"github.com/harbourtools/stevedore-agent/internal/logging"
	"github.com/harbourtools/stevedore-agent/internal/operations"
)

// Service reports workspace usage and trims the finished-operation history.
type Service struct {
	workspace  string
	retention  time.Duration
	operations *operations.Service
	logger     *logging.Logger
}

func NewService(cfg *config.Config, operationsService *operations.Service, logger *logging.Logger) *Service {
	return &Service{
		workspace:  cfg.WorkspacePath,
		retention:  cfg.OperationRetention(),
		operations: operationsService,
		logger:     logger.With(zap.String("service", "maintenance")),
	}
}

func (s *Service) GetInfo() (*MaintenanceInfo, error) {
	usage, err := s.workspaceUsage()
	if err != nil {
		return nil, fmt.Errorf("failed to measure workspace: %w", err)
	}

	return &MaintenanceInfo{
		Workspace:   *usage,
		Operations:  s.operationSummary(),
		Retention:   s.retention.String(),
		LastUpdated: time.Now(),
	}, nil
}

func (s *Service) workspaceUsage() (*WorkspaceUsage, error) {
	usage := &WorkspaceUsage{Path: s.workspace}

	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// entries vanishing mid-walk happen while operations run
			if path == s.workspace {
				return err
			}
			return nil
		}
		if path == s.workspace {
			return nil
		}

		if d.IsDir() {
			usage.DirectoryCount++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		usage.FileCount++
		usage.TotalSize += info.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

func (s *Service) operationSummary() OperationSummary {
	summary := OperationSummary{ByState: make(map[string]int)}

	for _, snapshot := range s.operations.List() {
		summary.TotalCount++
		summary.ByState[string(snapshot.State)]++
		if snapshot.State.Terminal() {
			summary.FinishedCount++
		} else {
			summary.ActiveCount++
		}
	}
	return summary
}

// Prune drops finished operations older than the requested window from the
// registry. Running operations are never touched.
func (s *Service) Prune(req *PruneRequest) *PruneResult {
	olderThan := s.retention
	if req.OlderThanHours > 0 {
		olderThan = time.Duration(req.OlderThanHours) * time.Hour
	}

	pruned := s.operations.PruneFinished(olderThan)
	if pruned > 0 {
		s.logger.Info("pruned finished operations",
			zap.Int("count", pruned),
			zap.Duration("older_than", olderThan))
	}

	return &PruneResult{
		OperationsPruned: pruned,
		OlderThan:        olderThan.String(),
	}
}

// retentionLoop prunes expired operation history once an hour until stop is
// closed. A non-positive retention disables it.
func (s *Service) retentionLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if s.retention <= 0 {
		<-stop
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if pruned := s.operations.PruneFinished(s.retention); pruned > 0 {
				s.logger.Info("retention prune",
					zap.Int("count", pruned),
					zap.Duration("retention", s.retention))
			}
		}
	}
}
