// Package worker implements the WorkerPool: one goroutine per non-reserved
// GPU, each consuming a dedicated depth-1 handoff channel, running the
// resolved executor with a cooperative cancellation token and an armed
// timeout. Grounded on the teacher's GPUScheduler.executeTask goroutine
// shape (internal/ai/acceleration/gpu_manager.go) and on
// original_source/core/tasks/base.py's run() template method (setup →
// validate → execute → finally cleanup).
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
	"github.com/aios/benchscheduler/internal/scheduler/executor"
	"github.com/aios/benchscheduler/internal/scheduler/gpu"
	"github.com/aios/benchscheduler/internal/scheduler/lifecycle"
	"github.com/aios/benchscheduler/internal/scheduler/repository"
)

// StructureReader resolves a structure reference into atoms. Structure
// parsing is entirely out of scope; this is the boundary interface only.
type StructureReader interface {
	Read(ctx context.Context, structureRef string) (*executor.Atoms, error)
}

// CallbackEmitter is the boundary to the CallbackDispatcher: the worker
// pool only needs to hand off an event, never the delivery mechanics.
type CallbackEmitter interface {
	Emit(ctx context.Context, task *domain.Task, event domain.CallbackEvent, data map[string]any)
}

// LogSink is the boundary to the per-task log store: the worker pool only
// needs to append structured entries, never the retrieval or streaming
// side those entries eventually serve.
type LogSink interface {
	Append(entry domain.LogEntry)
}

type handoff struct {
	taskID uuid.UUID
}

type inFlight struct {
	cancel chan struct{}
	timedOut bool
	mu       sync.Mutex
}

// Pool is the set of per-GPU worker loops.
type Pool struct {
	channels   map[int]chan handoff
	registry   executor.Registry
	repo       repository.TaskRepository
	gpuManager *gpu.Manager
	lifecycle  *lifecycle.Lifecycle
	structures StructureReader
	loader     executor.ModelLoader
	callbacks  CallbackEmitter
	logs       LogSink
	logger     *logrus.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]*inFlight

	wg sync.WaitGroup
}

// New constructs a Pool with one channel per device index below numGPUs,
// skipping indices marked in reserved (they never run workers). logs may be nil, in
// which case per-task structured logging is simply skipped.
func New(numGPUs int, reserved map[int]bool, registry executor.Registry, repo repository.TaskRepository, gm *gpu.Manager, lc *lifecycle.Lifecycle, structures StructureReader, loader executor.ModelLoader, callbacks CallbackEmitter, logs LogSink, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	channels := make(map[int]chan handoff)
	for i := 0; i < numGPUs; i++ {
		if reserved[i] {
			continue
		}
		channels[i] = make(chan handoff, 1)
	}
	return &Pool{
		channels:   channels,
		registry:   registry,
		repo:       repo,
		gpuManager: gm,
		lifecycle:  lc,
		structures: structures,
		loader:     loader,
		callbacks:  callbacks,
		logs:       logs,
		logger:     logger,
		inflight:   map[uuid.UUID]*inFlight{},
	}
}

// logEntry appends a structured entry for task to the log sink, if one is
// configured.
func (p *Pool) logEntry(task *domain.Task, level domain.LogLevel, message string, fields map[string]any) {
	if p.logs == nil {
		return
	}
	p.logs.Append(domain.LogEntry{
		TaskID:    task.ID,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	})
}

// Start launches one worker goroutine per channel; they run until ctx is
// cancelled.
func (p *Pool) Start(ctx context.Context) {
	for gpuIdx, ch := range p.channels {
		p.wg.Add(1)
		go p.workerLoop(ctx, gpuIdx, ch)
	}
}

// Wait blocks until every worker goroutine has returned (ctx cancelled).
func (p *Pool) Wait() { p.wg.Wait() }

// Dispatch satisfies core.Dispatcher structurally: it marks the task
// ASSIGNED and hands it to gpuIndex's channel. The channel's depth of 1
// means a worker is either idle or handling exactly one task.
func (p *Pool) Dispatch(ctx context.Context, gpuIndex int, taskID uuid.UUID) error {
	ch, ok := p.channels[gpuIndex]
	if !ok {
		return domain.NewError(domain.ErrValidation, "no worker channel for gpu index")
	}

	task, err := p.repo.Get(taskID)
	if err != nil {
		return err
	}
	if err := p.lifecycle.ValidateTransition(task.State, domain.TaskAssigned); err != nil {
		return err
	}
	task.State = domain.TaskAssigned
	gpuID := gpuIndex
	task.GPUID = &gpuID
	if err := p.repo.Update(task); err != nil {
		return err
	}
	p.emitIfSubscribed(ctx, task, domain.EventTaskCreated, nil)

	select {
	case ch <- handoff{taskID: taskID}:
		return nil
	default:
		return domain.NewError(domain.ErrResourceUnavailable, "worker channel full")
	}
}

// CancelTask implements the cooperative cancellation contract: a running
// task's token is tripped; the call returns as soon as the signal is
// posted, not when the task reaches a terminal state.
func (p *Pool) CancelTask(taskID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.inflight[taskID]; ok {
		select {
		case <-f.cancel:
		default:
			close(f.cancel)
		}
	}
}

func (p *Pool) register(taskID uuid.UUID) *inFlight {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := &inFlight{cancel: make(chan struct{})}
	p.inflight[taskID] = f
	return f
}

func (p *Pool) deregister(taskID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, taskID)
}

func (p *Pool) workerLoop(ctx context.Context, gpuIdx int, ch chan handoff) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-ch:
			p.handle(ctx, gpuIdx, h.taskID)
		}
	}
}

func (p *Pool) handle(ctx context.Context, gpuIdx int, taskID uuid.UUID) {
	task, err := p.repo.Get(taskID)
	if err != nil {
		p.logger.WithError(err).WithField("task_id", taskID.String()).Error("worker could not load task")
		p.gpuManager.Release(gpuIdx, time.Now())
		return
	}
	p.logEntry(task, domain.LogDebug, "worker picked up task", map[string]any{"gpu_index": gpuIdx})

	if err := p.lifecycle.ValidateTransition(task.State, domain.TaskRunning); err != nil {
		p.logger.WithError(err).Error("invalid transition to RUNNING")
		p.gpuManager.Release(gpuIdx, time.Now())
		return
	}
	now := time.Now()
	task.State = domain.TaskRunning
	task.StartedAt = &now
	_ = p.repo.Update(task)
	p.emitIfSubscribed(ctx, task, domain.EventTaskStarted, nil)
	p.logEntry(task, domain.LogInfo, "task started", map[string]any{"gpu_index": gpuIdx})

	f := p.register(taskID)
	defer p.deregister(taskID)

	timeout := p.lifecycle.Timeout(task.Type, task.Timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	go func() {
		select {
		case <-timer.C:
			f.mu.Lock()
			f.timedOut = true
			f.mu.Unlock()
			select {
			case <-f.cancel:
			default:
				close(f.cancel)
			}
		case <-f.cancel:
		}
	}()

	exec, ok := p.registry[task.Type]
	if !ok {
		p.finish(ctx, gpuIdx, task, nil, domain.NewError(domain.ErrValidation, "no executor registered for task type"), f)
		return
	}

	atoms, err := p.resolveAtoms(ctx, gpuIdx, task)
	if err != nil {
		p.finish(ctx, gpuIdx, task, nil, err, f)
		return
	}

	tctx := &executor.TaskContext{
		TaskID:     task.ID,
		TaskType:   task.Type,
		ModelName:  task.ModelName,
		GPUID:      gpuIdx,
		Parameters: task.Parameters,
		Cancel:     f.cancel,
		StartTime:  now,
	}

	result, runErr := exec.Run(ctx, atoms, tctx)
	p.finish(ctx, gpuIdx, task, result, runErr, f)
}

func (p *Pool) resolveAtoms(ctx context.Context, gpuIdx int, task *domain.Task) (*executor.Atoms, error) {
	var atoms *executor.Atoms
	var err error
	if p.structures != nil {
		atoms, err = p.structures.Read(ctx, task.StructureRef)
		if err != nil {
			return nil, domain.WrapError(domain.ErrExecutorFailure, "structure read failed", err)
		}
	} else {
		atoms = &executor.Atoms{}
	}

	if p.loader == nil {
		return atoms, nil
	}

	resident := false
	if st, ok := p.gpuManager.GetState(gpuIdx); ok {
		for _, m := range st.LoadedModels {
			if m == task.ModelName {
				resident = true
				break
			}
		}
	}
	calc, err := p.loader.Load(ctx, task.ModelName, gpuIdx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExecutorFailure, "model load failed", err)
	}
	atoms.Calc = calc
	if !resident {
		p.gpuManager.AddLoadedModel(gpuIdx, task.ModelName)
	}
	return atoms, nil
}

func (p *Pool) finish(ctx context.Context, gpuIdx int, task *domain.Task, result *executor.ExecutorResult, runErr error, f *inFlight) {
	now := time.Now()
	task.CompletedAt = &now

	switch {
	case runErr == nil:
		task.State = domain.TaskCompleted
		if result != nil {
			task.Result = result.Data
		}
		p.emitIfSubscribed(ctx, task, domain.EventTaskCompleted, task.Result)
		p.logEntry(task, domain.LogInfo, "task completed", nil)

	case runErr == executor.ErrCancelled:
		f.mu.Lock()
		timedOut := f.timedOut
		f.mu.Unlock()
		if timedOut {
			task.State = domain.TaskTimeout
			p.emitIfSubscribed(ctx, task, domain.EventTaskTimeout, nil)
			p.logEntry(task, domain.LogWarning, "task timed out", nil)
		} else {
			task.State = domain.TaskCancelled
			p.emitIfSubscribed(ctx, task, domain.EventTaskCancelled, nil)
			p.logEntry(task, domain.LogWarning, "task cancelled", nil)
		}

	default:
		task.State = domain.TaskFailed
		task.ErrorMessage = runErr.Error()
		p.emitIfSubscribed(ctx, task, domain.EventTaskFailed, map[string]any{"error": task.ErrorMessage})
		p.logEntry(task, domain.LogError, "task failed", map[string]any{"error": task.ErrorMessage})
	}

	task.GPUID = nil
	if err := p.repo.Update(task); err != nil {
		p.logger.WithError(err).Error("failed to persist terminal task state")
	}
	p.gpuManager.Release(gpuIdx, now)
}

func (p *Pool) emitIfSubscribed(ctx context.Context, task *domain.Task, event domain.CallbackEvent, data map[string]any) {
	if p.callbacks == nil {
		return
	}
	subscribed := task.CallbackEvents
	if len(subscribed) == 0 {
		subscribed = domain.DefaultCallbackEvents
	}
	for _, e := range subscribed {
		if e == event {
			p.callbacks.Emit(ctx, task, event, data)
			return
		}
	}
}
