package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aios/benchscheduler/internal/scheduler/alert"
	"github.com/aios/benchscheduler/internal/scheduler/domain"
	"github.com/aios/benchscheduler/internal/scheduler/gpu"
	"github.com/aios/benchscheduler/internal/scheduler/lifecycle"
	"github.com/aios/benchscheduler/internal/scheduler/logstore"
	"github.com/aios/benchscheduler/internal/scheduler/queue"
	"github.com/aios/benchscheduler/internal/scheduler/repository"
)

// Canceller is the subset of worker.Pool the Service needs to trip an
// in-flight task's cooperative cancellation token. Kept as an interface,
// rather than importing *worker.Pool directly, so core has no compile
// dependency cycle risk and a test double is trivial to supply.
type Canceller interface {
	CancelTask(taskID uuid.UUID)
}

// Service composes the Scheduler, queue, GPU manager, repository,
// worker-pool canceller, and alert engine into the external surface of
// §6: Submit/Inspection/Admin. HTTP/gRPC transport is an external
// collaborator layered on top of this type.
type Service struct {
	scheduler *Scheduler
	queue     *queue.PriorityQueue
	gpuManager *gpu.Manager
	repo      repository.TaskRepository
	lifecycle *lifecycle.Lifecycle
	canceller Canceller
	alerts    *alert.Engine
	logs      *logstore.Store
	logger    *logrus.Logger
}

// NewService wires a Service over already-constructed components. logs may
// be nil, in which case GetTaskLogs/StreamTaskLogs report an empty,
// unsubscribable log for every task rather than panicking.
func NewService(sched *Scheduler, q *queue.PriorityQueue, gm *gpu.Manager, repo repository.TaskRepository, lc *lifecycle.Lifecycle, canceller Canceller, alerts *alert.Engine, logs *logstore.Store, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		scheduler:  sched,
		queue:      q,
		gpuManager: gm,
		repo:       repo,
		lifecycle:  lc,
		canceller:  canceller,
		alerts:     alerts,
		logs:       logs,
		logger:     logger,
	}
}

// SubmitRequest is the Submit API's input, grounded on spec §6's
// SubmitTask signature.
type SubmitRequest struct {
	TaskType       domain.TaskType
	Model          string
	StructureRef   string
	Parameters     map[string]any
	Priority       domain.Priority
	CallbackURL    string
	CallbackEvents []domain.CallbackEvent
	Timeout        *time.Duration
}

// SubmitResult is the Submit API's output: the created id plus its
// position in the queue at submission time.
type SubmitResult struct {
	TaskID        uuid.UUID
	QueuePosition int
}

// SubmitTask validates, persists, and enqueues a new task in one
// PENDING -> QUEUED step.
func (s *Service) SubmitTask(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if !req.TaskType.Valid() {
		return SubmitResult{}, domain.NewError(domain.ErrValidation, "unknown task type: "+string(req.TaskType))
	}
	if req.Model == "" {
		return SubmitResult{}, domain.NewError(domain.ErrValidation, "model is required")
	}
	if req.StructureRef == "" {
		return SubmitResult{}, domain.NewError(domain.ErrValidation, "structure_ref is required")
	}

	now := time.Now()
	task := domain.NewTask(uuid.New(), req.TaskType, req.Model, req.StructureRef, req.Parameters, req.Priority, req.CallbackURL, req.CallbackEvents, req.Timeout, now)
	if err := s.lifecycle.ValidateTransition(task.State, domain.TaskQueued); err != nil {
		return SubmitResult{}, err
	}
	task.State = domain.TaskQueued

	if err := s.repo.Create(task); err != nil {
		return SubmitResult{}, err
	}
	s.queue.Enqueue(task.ID, task.Priority)

	position, _ := s.queue.Position(task.ID)
	s.logger.WithFields(task.LogFields()).WithField("queue_position", position).Info("task submitted")
	return SubmitResult{TaskID: task.ID, QueuePosition: position}, nil
}

// GetTask returns the current state of a task.
func (s *Service) GetTask(id uuid.UUID) (*domain.Task, error) {
	return s.repo.Get(id)
}

// GetTaskResult returns a completed task's result map; any non-COMPLETED
// state surfaces Validation rather than a partial/empty result, per §7's
// "no result payload in any non-COMPLETED state."
func (s *Service) GetTaskResult(id uuid.UUID) (map[string]any, error) {
	task, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if task.State != domain.TaskCompleted {
		return nil, domain.NewError(domain.ErrValidation, "task is not COMPLETED: "+string(task.State))
	}
	return task.Result, nil
}

// ListTasks delegates to the repository's filtered, paginated listing.
func (s *Service) ListTasks(filter repository.Filter, page, pageSize int) ([]*domain.Task, error) {
	return s.repo.List(filter, page, pageSize)
}

// CancelTask implements cancel idempotence on terminal tasks and routes
// non-terminal cancellation to either the queue (still waiting) or the
// worker pool's cooperative token (already running).
func (s *Service) CancelTask(id uuid.UUID) error {
	task, err := s.repo.Get(id)
	if err != nil {
		return err
	}

	if s.lifecycle.IsTerminal(task.State) {
		// Cancel idempotence on terminal: benign no-op.
		return nil
	}
	if !s.lifecycle.CanCancel(task.State) {
		return domain.NewError(domain.ErrInvalidTransition, "task cannot be cancelled from state "+string(task.State))
	}

	switch task.State {
	case domain.TaskPending, domain.TaskQueued:
		s.queue.Remove(id)
		if err := s.lifecycle.ValidateTransition(task.State, domain.TaskCancelled); err != nil {
			return err
		}
		task.State = domain.TaskCancelled
		now := time.Now()
		task.CompletedAt = &now
		return s.repo.Update(task)

	case domain.TaskAssigned, domain.TaskRunning:
		if s.canceller != nil {
			s.canceller.CancelTask(id)
		}
		return nil

	default:
		return domain.NewError(domain.ErrInvalidTransition, "task cannot be cancelled from state "+string(task.State))
	}
}

// GetTaskLogs returns up to limit of id's structured log entries, oldest
// first, filtered to level and above when level is non-empty. limit <= 0
// means unbounded. The task must exist; its log history may legitimately
// be empty for a task that has not started running yet.
func (s *Service) GetTaskLogs(id uuid.UUID, level domain.LogLevel, limit int) ([]domain.LogEntry, error) {
	if _, err := s.repo.Get(id); err != nil {
		return nil, err
	}
	if s.logs == nil {
		return nil, nil
	}
	return s.logs.Get(id, level, limit), nil
}

// StreamTaskLogs subscribes to id's future log entries for server-push
// delivery. The returned cancel func must be called once the caller is
// done consuming the channel. The task must exist at subscribe time.
func (s *Service) StreamTaskLogs(id uuid.UUID) (<-chan domain.LogEntry, func(), error) {
	if _, err := s.repo.Get(id); err != nil {
		return nil, nil, err
	}
	if s.logs == nil {
		ch := make(chan domain.LogEntry)
		return ch, func() {}, nil
	}
	ch, cancel := s.logs.Subscribe(id)
	return ch, cancel, nil
}

// GPUStatus returns every device's state plus the aggregate summary for
// the Admin API.
type GPUStatus struct {
	Devices []domain.GPUState
	Summary gpu.Summary
}

func (s *Service) GPUStatus() GPUStatus {
	return GPUStatus{Devices: s.gpuManager.AllStates(), Summary: s.gpuManager.Summary()}
}

// QueueStatus delegates to the scheduler's own status accessor.
func (s *Service) QueueStatus() QueueStatus {
	return s.scheduler.QueueStatus()
}

// SchedulerStats delegates to the scheduler's counters.
func (s *Service) SchedulerStats() Stats {
	return s.scheduler.GetStats()
}

// ListAlertRules, EnableRule, DisableRule, GetActiveAlerts, and
// ResolveAlert forward the Admin API's alert operations to the engine.
func (s *Service) ListAlertRules() []*domain.AlertRule { return s.alerts.ListRules() }
func (s *Service) EnableRule(id string) bool           { return s.alerts.EnableRule(id) }
func (s *Service) DisableRule(id string) bool          { return s.alerts.DisableRule(id) }

func (s *Service) GetActiveAlerts(level domain.AlertSeverity) []*domain.Alert {
	return s.alerts.ActiveAlerts(level)
}

func (s *Service) ResolveAlert(id, resolvedBy string) (*domain.Alert, bool) {
	return s.alerts.Resolve(id, resolvedBy, time.Now())
}
