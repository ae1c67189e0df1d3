package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogEntry is one structured log line attributed to a task, the unit
// GetTaskLogs and StreamTaskLogs deal in rather than raw task snapshots.
type LogEntry struct {
	TaskID    uuid.UUID
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Fields    map[string]any
}
