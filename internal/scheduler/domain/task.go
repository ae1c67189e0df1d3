package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task is the unit of work tracked from submission through a terminal
// state. The core is the sole mutator while State is non-terminal; once
// terminal, the TaskRepository mirror is authoritative for retrieval.
type Task struct {
	ID            uuid.UUID
	Type          TaskType
	ModelName     string
	StructureRef  string
	Parameters    map[string]any
	Priority      Priority
	State         TaskState
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	GPUID         *int
	Result        map[string]any
	ErrorMessage  string
	ErrorTraceback string
	CallbackURL    string
	CallbackEvents []CallbackEvent
	Timeout        *time.Duration
}

// LogFields returns the fixed set of fields every log line about this task
// should carry, mirroring TaskContext.log_context in the source material.
func (t *Task) LogFields() map[string]any {
	fields := map[string]any{
		"task_id":   t.ID.String(),
		"task_type": string(t.Type),
		"model":     t.ModelName,
	}
	if t.GPUID != nil {
		fields["gpu_id"] = *t.GPUID
	}
	return fields
}

// NewTask builds a freshly submitted task in PENDING state. CreatedAt is
// passed in by the caller (repository/scheduler composition root) so the
// domain package never calls time.Now itself — it stays a pure value type.
func NewTask(id uuid.UUID, taskType TaskType, model, structureRef string, params map[string]any, priority Priority, callbackURL string, events []CallbackEvent, timeout *time.Duration, createdAt time.Time) *Task {
	if params == nil {
		params = map[string]any{}
	}
	return &Task{
		ID:             id,
		Type:           taskType,
		ModelName:      model,
		StructureRef:   structureRef,
		Parameters:     params,
		Priority:       priority,
		State:          TaskPending,
		CreatedAt:      createdAt,
		CallbackURL:    callbackURL,
		CallbackEvents: events,
		Timeout:        timeout,
	}
}
