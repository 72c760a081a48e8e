package audit

const (
	EventOperationStarted   = "operation.started"
	EventOperationSucceeded = "operation.succeeded"
	EventOperationFailed    = "operation.failed"
	EventOperationCancelled = "operation.cancelled"
	EventOperationStreamed  = "operation.streamed"
	EventCancelRequested    = "operation.cancel_requested"
)

const (
	EventArchiveList     = "archive.list"
	EventArchiveValidate = "archive.validate"
)

const (
	EventWatchPickup = "watch.pickup"
)

const (
	EventFileListDir = "file.listdir"
	EventFileDelete  = "file.delete"
)

const (
	EventMaintenanceGetInfo = "maintenance.get_info"
	EventMaintenancePrune   = "maintenance.prune"
)

const (
	EventAuthSuccess = "auth.success"
	EventAuthFailure = "auth.failure"
)

func GetEventCategory(eventType string) string {
	switch eventType {
	case EventOperationStarted, EventOperationSucceeded, EventOperationFailed,
		EventOperationCancelled, EventOperationStreamed, EventCancelRequested:
		return "operation"

	case EventArchiveList, EventArchiveValidate:
		return "archive"

	case EventWatchPickup:
		return "watch"

	case EventFileListDir, EventFileDelete:
		return "file"

	case EventMaintenanceGetInfo, EventMaintenancePrune:
		return "maintenance"

	case EventAuthSuccess, EventAuthFailure:
		return "auth"

	default:
		return "unknown"
	}
}

func GetEventSeverity(eventType string) string {
	switch eventType {

	case EventFileDelete, EventMaintenancePrune:
		return "critical"

	case EventOperationStarted, EventOperationFailed, EventOperationCancelled,
		EventCancelRequested, EventAuthFailure:
		return "high"

	case EventOperationSucceeded, EventWatchPickup, EventArchiveValidate:
		return "medium"

	case EventArchiveList, EventFileListDir, EventMaintenanceGetInfo,
		EventOperationStreamed, EventAuthSuccess:
		return "low"

	default:
		return "medium"
	}
}
