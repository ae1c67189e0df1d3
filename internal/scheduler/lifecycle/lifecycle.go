// Package lifecycle validates task state transitions and supplies
// per-task-type timeouts. It holds no mutable state of its own — it is a
// pure table-driven validator that the core service and the worker pool
// consult before mutating a Task.
package lifecycle

import (
	"time"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// MaxTimeout is the hard upper bound on any task's effective timeout.
const MaxTimeout = 86400 * time.Second

// DefaultTimeout is used for task types absent from the per-type table.
const DefaultTimeout = 3600 * time.Second

// validTransitions is the closed transition graph of spec §4.3.
var validTransitions = map[domain.TaskState][]domain.TaskState{
	domain.TaskPending:  {domain.TaskQueued, domain.TaskCancelled, domain.TaskFailed},
	domain.TaskQueued:   {domain.TaskAssigned, domain.TaskCancelled, domain.TaskFailed},
	domain.TaskAssigned: {domain.TaskRunning, domain.TaskCancelled, domain.TaskFailed},
	domain.TaskRunning:  {domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled, domain.TaskTimeout},
}

var terminalStates = map[domain.TaskState]bool{
	domain.TaskCompleted: true,
	domain.TaskFailed:    true,
	domain.TaskCancelled: true,
	domain.TaskTimeout:   true,
}

var cancellableStates = map[domain.TaskState]bool{
	domain.TaskPending:  true,
	domain.TaskQueued:   true,
	domain.TaskAssigned: true,
	domain.TaskRunning:  true,
}

// taskTypeTimeouts mirrors TASK_TYPE_TIMEOUTS from the source material.
var taskTypeTimeouts = map[domain.TaskType]time.Duration{
	domain.TaskOptimization:      1800 * time.Second,
	domain.TaskStability:         7200 * time.Second,
	domain.TaskBulkModulus:       3600 * time.Second,
	domain.TaskHeatCapacity:      7200 * time.Second,
	domain.TaskInteractionEnergy: 1800 * time.Second,
	domain.TaskSinglePoint:       600 * time.Second,
}

// Lifecycle is stateless and safe for concurrent use; it is a named type
// (rather than free functions) so callers can inject a fake in tests and
// so the composition root has one explicit value to wire, matching the
// rest of the core's no-singletons convention.
type Lifecycle struct{}

// New constructs a Lifecycle validator.
func New() *Lifecycle {
	return &Lifecycle{}
}

// CanTransition reports whether from -> to is a legal edge.
func (l *Lifecycle) CanTransition(from, to domain.TaskState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransition error when from -> to is
// not a legal edge; callers never mutate a Task's state directly.
func (l *Lifecycle) ValidateTransition(from, to domain.TaskState) error {
	if l.CanTransition(from, to) {
		return nil
	}
	return domain.NewError(domain.ErrInvalidTransition,
		"illegal transition "+string(from)+" -> "+string(to))
}

// CanCancel reports whether a task in state s can still be cancelled.
func (l *Lifecycle) CanCancel(s domain.TaskState) bool {
	return cancellableStates[s]
}

// IsTerminal reports whether s has no outgoing edges.
func (l *Lifecycle) IsTerminal(s domain.TaskState) bool {
	return terminalStates[s]
}

// IsActive reports whether s is neither PENDING nor terminal — i.e. the
// task currently occupies queue or GPU resources.
func (l *Lifecycle) IsActive(s domain.TaskState) bool {
	return !terminalStates[s] && s != domain.TaskPending
}

// NextStates lists the states reachable from s in one step.
func (l *Lifecycle) NextStates(s domain.TaskState) []domain.TaskState {
	return append([]domain.TaskState(nil), validTransitions[s]...)
}

// Timeout resolves the effective timeout for a task type, capped at
// MaxTimeout. A non-nil custom overrides the per-type default, still
// subject to the cap.
func (l *Lifecycle) Timeout(taskType domain.TaskType, custom *time.Duration) time.Duration {
	if custom != nil {
		if *custom > MaxTimeout {
			return MaxTimeout
		}
		return *custom
	}
	if d, ok := taskTypeTimeouts[taskType]; ok {
		if d > MaxTimeout {
			return MaxTimeout
		}
		return d
	}
	return DefaultTimeout
}
