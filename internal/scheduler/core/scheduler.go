// Package core implements the Scheduler: it pulls the queue head, selects
// the best eligible GPU, allocates it, and hands the pair off to the
// worker pool. Grounded on original_source/core/scheduler/scheduler.py's
// scoring formula and memory-estimate table, and on the teacher's
// GPUScheduler.selectDevice/calculateDeviceScore
// (internal/ai/acceleration/gpu_manager.go) for the scoring-loop shape.
package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aios/benchscheduler/internal/scheduler/catalog"
	"github.com/aios/benchscheduler/internal/scheduler/domain"
	"github.com/aios/benchscheduler/internal/scheduler/gpu"
	"github.com/aios/benchscheduler/internal/scheduler/queue"
	"github.com/aios/benchscheduler/internal/scheduler/repository"
)

// MemoryPerAtomMiB mirrors MEMORY_PER_ATOM_MB in the source material.
const MemoryPerAtomMiB = 2

// TaskTypeMultipliers mirrors TASK_TYPE_MULTIPLIERS.
var TaskTypeMultipliers = map[domain.TaskType]float64{
	domain.TaskOptimization:      1.2,
	domain.TaskStability:         1.5,
	domain.TaskBulkModulus:       1.3,
	domain.TaskHeatCapacity:      2.0,
	domain.TaskInteractionEnergy: 1.2,
	domain.TaskSinglePoint:       1.0,
}

// Dispatcher hands an allocated (task, gpu) pair to the worker pool. The
// scheduler depends only on this interface, never the worker package
// directly, to keep the dependency order leaves-first.
type Dispatcher interface {
	Dispatch(ctx context.Context, gpuIndex int, taskID uuid.UUID) error
}

// AtomCounter resolves a task's atom count; normally backed by an
// external StructureReader result cached alongside the task.
type AtomCounter interface {
	NumAtoms(structureRef string) (int, error)
}

// Config holds the scheduler's tunables.
type Config struct {
	PollInterval     time.Duration
	MaxModelsPerGPU  int
	DefaultModelBase int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     100 * time.Millisecond,
		MaxModelsPerGPU:  gpu.DefaultMaxModelsPerGPU,
		DefaultModelBase: catalog.DefaultModelBaseMiB,
	}
}

// Stats mirrors scheduler.py's stats dict as atomically updated counters.
type Stats struct {
	ScheduleAttempts  int64
	ScheduleSuccesses int64
	ScheduleFailures  int64
	NoFreeGPU         int64
	NoPendingTask     int64
}

// MemoryEstimate is the detailed breakdown supplementing spec.md's bare
// EstimateMemory, grounded on scheduler.py's MemoryEstimate dataclass.
type MemoryEstimate struct {
	ModelBaseMiB int
	AtomMemoryMiB int
	Multiplier    float64
	TotalMiB      int
}

// Scheduler owns the scheduling loop.
type Scheduler struct {
	queue       *queue.PriorityQueue
	gpuManager  *gpu.Manager
	repo        repository.TaskRepository
	catalog     *catalog.Catalog
	dispatcher  Dispatcher
	atoms       AtomCounter
	cfg         Config
	logger      *logrus.Logger
	tracer      trace.Tracer

	stats   Stats
	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New constructs a Scheduler. atoms may be nil, in which case atom count
// defaults to zero for memory estimation.
func New(q *queue.PriorityQueue, gm *gpu.Manager, repo repository.TaskRepository, cat *catalog.Catalog, dispatcher Dispatcher, atoms AtomCounter, cfg Config, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		queue:      q,
		gpuManager: gm,
		repo:       repo,
		catalog:    cat,
		dispatcher: dispatcher,
		atoms:      atoms,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("scheduler.core"),
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// EstimateMemoryDetailed returns the {model_base, atom_memory, multiplier,
// total} breakdown for a task.
func (s *Scheduler) EstimateMemoryDetailed(task *domain.Task) MemoryEstimate {
	modelBase := s.cfg.DefaultModelBase
	if s.catalog != nil {
		modelBase = s.catalog.MemoryEstimateMiB(task.ModelName)
	}
	nAtoms := 0
	if s.atoms != nil {
		if n, err := s.atoms.NumAtoms(task.StructureRef); err == nil {
			nAtoms = n
		}
	}
	multiplier, ok := TaskTypeMultipliers[task.Type]
	if !ok {
		multiplier = 1.0
	}
	atomMemory := nAtoms * MemoryPerAtomMiB
	total := int(float64(modelBase+atomMemory) * multiplier)
	return MemoryEstimate{
		ModelBaseMiB:  modelBase,
		AtomMemoryMiB: atomMemory,
		Multiplier:    multiplier,
		TotalMiB:      total,
	}
}

// EstimateMemory returns only the total from EstimateMemoryDetailed.
func (s *Scheduler) EstimateMemory(task *domain.Task) int {
	return s.EstimateMemoryDetailed(task).TotalMiB
}

// UpdateModelMemoryEstimate mutates a model's memory base after an
// observed out-of-memory event — a first-class operation per spec §4.4.
func (s *Scheduler) UpdateModelMemoryEstimate(model string, newBaseMiB int) {
	if s.catalog != nil {
		s.catalog.UpdateMemoryEstimate(model, newBaseMiB)
	}
}

// SelectBestGPU scores every memory-eligible candidate and returns the
// highest scoring, ties broken by lowest index (guaranteed by visiting
// candidates in ascending index order and requiring a strict improvement
// to replace the incumbent).
func (s *Scheduler) SelectBestGPU(task *domain.Task, candidates []domain.GPUState, now time.Time) (int, bool) {
	required := s.EstimateMemory(task)
	best := -1
	bestScore := -1.0

	maxModels := s.cfg.MaxModelsPerGPU
	if maxModels <= 0 {
		maxModels = gpu.DefaultMaxModelsPerGPU
	}

	for _, st := range candidates {
		if !s.gpuManager.CheckMemoryAvailable(st.Index, required) {
			continue
		}
		score := 0.0
		resident := false
		for _, m := range st.LoadedModels {
			if m == task.ModelName {
				resident = true
				break
			}
		}
		if resident {
			score += 100
		} else if len(st.LoadedModels) < maxModels {
			score += 50
		}
		if st.MemoryTotalMiB > 0 {
			score += 40 * (float64(st.MemoryFreeMiB) / float64(st.MemoryTotalMiB))
		}
		tempFactor := (100 - st.TemperatureC) / 100
		if tempFactor < 0 {
			tempFactor = 0
		}
		score += 20 * tempFactor

		if st.LastTaskCompletedAt == nil {
			score += 10
		} else {
			idleSeconds := now.Sub(*st.LastTaskCompletedAt).Seconds()
			idleFactor := idleSeconds / 60
			if idleFactor > 1 {
				idleFactor = 1
			}
			score += 10 * idleFactor
		}

		if score > bestScore {
			bestScore = score
			best = st.Index
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// ScheduleNext runs one iteration of the scheduling loop body described
// in spec §4.4. It returns true iff a task was successfully allocated and
// dispatched this tick.
func (s *Scheduler) ScheduleNext(ctx context.Context) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "ScheduleNext")
	defer span.End()

	atomic.AddInt64(&s.stats.ScheduleAttempts, 1)
	s.gpuManager.RefreshStates(ctx)

	free := s.gpuManager.FreeGPUs()
	if len(free) == 0 {
		atomic.AddInt64(&s.stats.NoFreeGPU, 1)
		return false, nil
	}

	taskID, ok := s.queue.PeekFirst()
	if !ok {
		atomic.AddInt64(&s.stats.NoPendingTask, 1)
		return false, nil
	}

	task, err := s.repo.Get(taskID)
	if err != nil {
		if kind, ok := domain.KindOf(err); ok && kind == domain.ErrNotFound {
			s.queue.Remove(taskID)
			s.logger.WithField("task_id", taskID.String()).Warn("queued task missing from repository, dropped")
			return false, nil
		}
		return false, err
	}

	gpuIdx, ok := s.SelectBestGPU(task, free, time.Now())
	if !ok {
		// Head-of-line blocking by design: leave the task queued, resource
		// pressure will resolve within one more tick.
		return false, nil
	}

	if !s.gpuManager.Allocate(gpuIdx, taskID.String()) {
		// Lost the race for this GPU; release nothing (we never set it
		// busy) and let the next tick retry.
		return false, nil
	}

	if _, removed := s.queue.Dequeue(); !removed {
		s.gpuManager.Release(gpuIdx, time.Now())
		return false, domain.NewError(domain.ErrResourceUnavailable, "queue head changed during allocation")
	}

	if err := s.dispatcher.Dispatch(ctx, gpuIdx, taskID); err != nil {
		s.gpuManager.Release(gpuIdx, time.Now())
		atomic.AddInt64(&s.stats.ScheduleFailures, 1)
		return false, err
	}

	atomic.AddInt64(&s.stats.ScheduleSuccesses, 1)
	return true, nil
}

// Run drives ScheduleNext on cfg.PollInterval until ctx is cancelled or
// Stop is called. On a successful schedule it retries immediately rather
// than waiting out the poll interval.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.stopped)
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		scheduled, err := s.ScheduleNext(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("schedule tick failed")
		}
		if scheduled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// Stop signals Run to exit and blocks until it has.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.stopped
}

// GetStats returns a snapshot of the scheduler's counters.
func (s *Scheduler) GetStats() Stats {
	return Stats{
		ScheduleAttempts:  atomic.LoadInt64(&s.stats.ScheduleAttempts),
		ScheduleSuccesses: atomic.LoadInt64(&s.stats.ScheduleSuccesses),
		ScheduleFailures:  atomic.LoadInt64(&s.stats.ScheduleFailures),
		NoFreeGPU:         atomic.LoadInt64(&s.stats.NoFreeGPU),
		NoPendingTask:     atomic.LoadInt64(&s.stats.NoPendingTask),
	}
}

// QueueStatus supplements the Admin API's QueueStatus() operation.
type QueueStatus struct {
	Size         int
	ByPriority   map[domain.Priority]int
	Head         []queue.Entry
}

func (s *Scheduler) QueueStatus() QueueStatus {
	return QueueStatus{
		Size:       s.queue.Size(),
		ByPriority: s.queue.SizeByPriority(),
		Head:       s.queue.Peek(10),
	}
}
