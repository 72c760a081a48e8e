package maintenance

import "time"

type WorkspaceUsage struct {
	Path           string `json:"path"`
	TotalSize      int64  `json:"total_size"`
	FileCount      int    `json:"file_count"`
	DirectoryCount int    `json:"directory_count"`
}

type OperationSummary struct {
	TotalCount    int            `json:"total_count"`
	ActiveCount   int            `json:"active_count"`
	FinishedCount int            `json:"finished_count"`
	ByState       map[string]int `json:"by_state"`
}

type MaintenanceInfo struct {
	Workspace   WorkspaceUsage   `json:"workspace"`
	Operations  OperationSummary `json:"operations"`
	Retention   string           `json:"retention"`
	LastUpdated time.Time        `json:"last_updated"`
}

type PruneRequest struct {
	// OlderThanHours restricts the prune to operations that reached a
	// terminal state at least this many hours ago. Zero uses the configured
	// retention window.
	OlderThanHours int `json:"older_than_hours"`
}

type PruneResult struct {
	OperationsPruned int    `json:"operations_pruned"`
	OlderThan        string `json:"older_than"`
}
