// Package e2e drives spec §8's S1-S8 scenarios against a fully in-memory
// stack via godog, mirroring the teacher's tests/e2e BDD-flavored test
// style while using the pack's own cucumber/godog dependency rather than
// testify/suite against a live HTTP server.
package e2e

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/cucumber/godog"
	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/aios/benchscheduler/internal/scheduler/alert"
	"github.com/aios/benchscheduler/internal/scheduler/callback"
	"github.com/aios/benchscheduler/internal/scheduler/catalog"
	"github.com/aios/benchscheduler/internal/scheduler/core"
	"github.com/aios/benchscheduler/internal/scheduler/domain"
	"github.com/aios/benchscheduler/internal/scheduler/executor"
	"github.com/aios/benchscheduler/internal/scheduler/gpu"
	"github.com/aios/benchscheduler/internal/scheduler/lifecycle"
	"github.com/aios/benchscheduler/internal/scheduler/queue"
	"github.com/aios/benchscheduler/internal/scheduler/repository"
	"github.com/aios/benchscheduler/internal/scheduler/worker"
)

// scriptedProbe lets a scenario move a device's free memory between ticks,
// standing in for the real telemetry boundary.
type scriptedProbe struct {
	mu    sync.Mutex
	free  map[int]int
	total map[int]int
}

func newScriptedProbe() *scriptedProbe {
	return &scriptedProbe{free: map[int]int{}, total: map[int]int{}}
}

func (p *scriptedProbe) set(index, freeMiB, totalMiB int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[index] = freeMiB
	p.total[index] = totalMiB
}

func (p *scriptedProbe) Sample(ctx context.Context, index int) (int, int, float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.total[index]
	free := p.free[index]
	return total - free, total, 0, 40, nil
}

// scriptedExecutor is the one stub behind every task type in these
// scenarios: by default it completes immediately, but a scenario can
// install a cancellation-aware "sleeper" mode for the timeout scenario.
type scriptedExecutor struct {
	mu    sync.Mutex
	sleep time.Duration
}

func (e *scriptedExecutor) Run(ctx context.Context, atoms *executor.Atoms, tctx *executor.TaskContext) (*executor.ExecutorResult, error) {
	e.mu.Lock()
	sleep := e.sleep
	e.mu.Unlock()
	if sleep == 0 {
		return &executor.ExecutorResult{Data: map[string]any{"ok": true}}, nil
	}
	deadline := time.Now().Add(sleep)
	for time.Now().Before(deadline) {
		if tctx.Cancelled() {
			return nil, executor.ErrCancelled
		}
		time.Sleep(200 * time.Millisecond)
	}
	return &executor.ExecutorResult{Data: map[string]any{"ok": true}}, nil
}

func (e *scriptedExecutor) DefaultParameters() map[string]any { return map[string]any{} }
func (e *scriptedExecutor) TaskType() domain.TaskType         { return domain.TaskSinglePoint }

type nullStructures struct{}

func (nullStructures) Read(ctx context.Context, ref string) (*executor.Atoms, error) {
	return &executor.Atoms{}, nil
}

// world is the shared fixture rebuilt fresh for every scenario.
type world struct {
	t *testing.T

	ctx    context.Context
	cancel context.CancelFunc

	probe *scriptedProbe
	exec  *scriptedExecutor

	repo       repository.TaskRepository
	q          *queue.PriorityQueue
	gm         *gpu.Manager
	pool       *worker.Pool
	sched      *core.Scheduler
	dispatcher *callback.Dispatcher
	alertEng   *alert.Engine

	submitted     []uuid.UUID
	dispatchStart time.Time
}

func (w *world) buildStack(numGPUs int) {
	w.probe = newScriptedProbe()
	for i := 0; i < numGPUs; i++ {
		w.probe.set(i, 24000, 24000)
	}

	devices := make([]domain.GPUState, numGPUs)
	for i := range devices {
		devices[i] = domain.GPUState{Index: i, Name: fmt.Sprintf("gpu%d", i), MemoryTotalMiB: 24000, MemoryFreeMiB: 24000, Status: domain.GPUFree}
	}

	w.repo = repository.NewInMemory()
	w.q = queue.New(nil, nil)
	w.gm = gpu.New(devices, w.probe, gpu.DefaultConfig(), nil)

	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	cbCfg := callback.DefaultConfig()
	cbCfg.InitialBackoff = time.Millisecond
	w.dispatcher = callback.New(client, cbCfg, nil, nil)

	w.exec = &scriptedExecutor{}
	registry := executor.Registry{domain.TaskSinglePoint: w.exec}

	lc := lifecycle.New()
	w.pool = worker.New(numGPUs, nil, registry, w.repo, w.gm, lc, nullStructures{}, nil, w.dispatcher, nil, nil)

	cat := catalog.NewWithDefaults()
	w.sched = core.New(w.q, w.gm, w.repo, cat, w.pool, nil, core.DefaultConfig(), nil)

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.pool.Start(w.ctx)
}

func (w *world) teardown() {
	if w.cancel != nil {
		w.cancel()
	}
	httpmock.DeactivateAndReset()
}

func parsePriority(s string) domain.Priority {
	switch s {
	case "CRITICAL":
		return domain.PriorityCritical
	case "HIGH":
		return domain.PriorityHigh
	case "LOW":
		return domain.PriorityLow
	default:
		return domain.PriorityNormal
	}
}

func (w *world) submit(taskType domain.TaskType, priority domain.Priority, model, callbackURL string, events []domain.CallbackEvent, timeout *time.Duration) uuid.UUID {
	structureRef := "struct-" + gofakeit.UUID()
	task := domain.NewTask(uuid.New(), taskType, model, structureRef, nil, priority, callbackURL, events, timeout, time.Now())
	task.State = domain.TaskQueued
	require.NoError(w.t, w.repo.Create(task))
	w.q.Enqueue(task.ID, priority)
	w.submitted = append(w.submitted, task.ID)
	return task.ID
}

func (w *world) get(id uuid.UUID) *domain.Task {
	task, err := w.repo.Get(id)
	require.NoError(w.t, err)
	return task
}

func (w *world) waitForTerminal(id uuid.UUID, timeout time.Duration) domain.TaskState {
	deadline := time.Now().Add(timeout)
	lc := lifecycle.New()
	for time.Now().Before(deadline) {
		task := w.get(id)
		if lc.IsTerminal(task.State) {
			return task.State
		}
		time.Sleep(20 * time.Millisecond)
	}
	return w.get(id).State
}

var suiteT *testing.T

func InitializeScenario(sc *godog.ScenarioContext) {
	var w *world

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		w = &world{t: suiteT}
		return ctx, nil
	})
	sc.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		w.teardown()
		return ctx, err
	})

	sc.Step(`^(\d+) free GPUs?$`, func(n int) error {
		w.buildStack(n)
		return nil
	})
	sc.Step(`^1 free GPU that is busy$`, func() error {
		w.buildStack(1)
		w.gm.Allocate(0, "other-task")
		return nil
	})
	sc.Step(`^2 free GPUs each reporting (\d+) MiB free$`, func(freeMiB int) error {
		w.buildStack(2)
		w.probe.set(0, freeMiB, 24000)
		w.probe.set(1, freeMiB, 24000)
		return nil
	})
	sc.Step(`^model "([^"]*)" is resident on GPU (\d+)$`, func(model string, idx int) error {
		w.gm.AddLoadedModel(idx, model)
		return nil
	})
	sc.Step(`^task "([^"]*)" at priority "([^"]*)" is running on a GPU$`, func(name, priority string) error {
		id := w.submit(domain.TaskSinglePoint, parsePriority(priority), "orb-v2", "", nil, nil)
		w.gm.Allocate(0, id.String())
		w.q.Remove(id)
		task := w.get(id)
		task.State = domain.TaskRunning
		gpuIdx := 0
		task.GPUID = &gpuIdx
		require.NoError(w.t, w.repo.Update(task))
		return nil
	})
	sc.Step(`^I submit (\d+) "([^"]*)" tasks? at priority "([^"]*)" for model "([^"]*)"$`, func(n int, taskType, priority, model string) error {
		for i := 0; i < n; i++ {
			w.submit(domain.TaskType(taskType), parsePriority(priority), model, "", nil, nil)
		}
		return nil
	})
	sc.Step(`^I submit task "([^"]*)" at priority "([^"]*)"$`, func(name, priority string) error {
		w.submit(domain.TaskSinglePoint, parsePriority(priority), "orb-v2", "", nil, nil)
		return nil
	})
	sc.Step(`^I submit a "([^"]*)" task for model "([^"]*)"$`, func(taskType, model string) error {
		w.submit(domain.TaskType(taskType), domain.PriorityNormal, model, "", nil, nil)
		return nil
	})
	sc.Step(`^I submit a task whose estimated memory is (\d+) MiB$`, func(miB int) error {
		cat := catalog.New()
		cat.Register(&domain.ModelRecord{Name: "big-model", Family: "mlip", EstimatedMemMiB: miB, Status: domain.ModelAvailable, ResidentOn: map[int]bool{}})
		w.sched = core.New(w.q, w.gm, w.repo, cat, w.pool, nil, core.DefaultConfig(), nil)
		w.submit(domain.TaskSinglePoint, domain.PriorityNormal, "big-model", "", nil, nil)
		return nil
	})
	sc.Step(`^I submit a "([^"]*)" task$`, func(taskType string) error {
		w.submit(domain.TaskType(taskType), domain.PriorityNormal, "orb-v2", "", nil, nil)
		return nil
	})
	sc.Step(`^I submit a "([^"]*)" task with timeout (\d+)s against a stub executor that sleeps (\d+)s$`, func(taskType string, timeoutSec, sleepSec int) error {
		w.exec.mu.Lock()
		w.exec.sleep = time.Duration(sleepSec) * time.Second
		w.exec.mu.Unlock()
		timeout := time.Duration(timeoutSec) * time.Second
		w.submit(domain.TaskType(taskType), domain.PriorityNormal, "orb-v2", "", []domain.CallbackEvent{domain.EventTaskTimeout}, &timeout)
		return nil
	})
	sc.Step(`^a callback URL that returns 500, 500, 200$`, func() error {
		calls := 0
		httpmock.RegisterResponder("POST", "http://hook.example/cb", func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(500, "boom"), nil
			}
			return httpmock.NewStringResponse(200, `{}`), nil
		})
		return nil
	})
	sc.Step(`^I submit a "([^"]*)" task with that callback URL$`, func(taskType string) error {
		w.submit(domain.TaskType(taskType), domain.PriorityNormal, "orb-v2", "http://hook.example/cb", []domain.CallbackEvent{domain.EventTaskCompleted}, nil)
		return nil
	})

	sc.Step(`^the scheduler runs until the queue is empty$`, func() error {
		deadline := time.Now().Add(3 * time.Second)
		for w.q.Size() > 0 && time.Now().Before(deadline) {
			w.sched.ScheduleNext(w.ctx)
			time.Sleep(10 * time.Millisecond)
		}
		return nil
	})
	sc.Step(`^the scheduler runs one tick$`, func() error {
		_, err := w.sched.ScheduleNext(w.ctx)
		return err
	})
	sc.Step(`^task "([^"]*)" finishes$`, func(name string) error {
		id := w.submitted[0]
		task := w.get(id)
		task.State = domain.TaskCompleted
		now := time.Now()
		task.CompletedAt = &now
		task.GPUID = nil
		require.NoError(w.t, w.repo.Update(task))
		w.gm.Release(0, now)
		return nil
	})
	sc.Step(`^the task runs to completion and the callback drains$`, func() error {
		id := w.submitted[len(w.submitted)-1]
		w.sched.ScheduleNext(w.ctx)
		w.waitForTerminal(id, 2*time.Second)
		w.dispatcher.Wait()
		return nil
	})
	sc.Step(`^the scheduler dispatches it and I wait for a terminal state$`, func() error {
		id := w.submitted[len(w.submitted)-1]
		w.dispatchStart = time.Now()
		w.sched.ScheduleNext(w.ctx)
		w.waitForTerminal(id, 4*time.Second)
		return nil
	})
	sc.Step(`^GPU (\d+)'s free memory rises to (\d+) MiB$`, func(idx, miB int) error {
		w.probe.set(idx, miB, 24000)
		return nil
	})
	sc.Step(`^I cancel the task$`, func() error {
		id := w.submitted[len(w.submitted)-1]
		lc := lifecycle.New()
		task := w.get(id)
		if lc.CanCancel(task.State) {
			w.q.Remove(id)
			task.State = domain.TaskCancelled
			now := time.Now()
			task.CompletedAt = &now
			require.NoError(w.t, w.repo.Update(task))
		}
		return nil
	})

	sc.Step(`^the tasks complete in submission order$`, func() error {
		var completedAt []time.Time
		for _, id := range w.submitted {
			state := w.waitForTerminal(id, 2*time.Second)
			require.Equal(w.t, domain.TaskCompleted, state)
			completedAt = append(completedAt, *w.get(id).CompletedAt)
		}
		for i := 1; i < len(completedAt); i++ {
			require.False(w.t, completedAt[i].Before(completedAt[i-1]))
		}
		return nil
	})
	sc.Step(`^task "([^"]*)" is the one dispatched next$`, func(name string) error {
		id := w.submitted[len(w.submitted)-1]
		task := w.get(id)
		require.Equal(w.t, domain.TaskAssigned, task.State)
		return nil
	})
	sc.Step(`^the task is assigned to GPU (\d+)$`, func(idx int) error {
		id := w.submitted[len(w.submitted)-1]
		task := w.get(id)
		require.NotNil(w.t, task.GPUID)
		require.Equal(w.t, idx, *task.GPUID)
		return nil
	})
	sc.Step(`^no allocation occurs$`, func() error {
		id := w.submitted[len(w.submitted)-1]
		require.Equal(w.t, domain.TaskQueued, w.get(id).State)
		return nil
	})
	sc.Step(`^the task remains at the head of the queue$`, func() error {
		head, ok := w.q.PeekFirst()
		require.True(w.t, ok)
		require.Equal(w.t, w.submitted[len(w.submitted)-1], head)
		return nil
	})
	sc.Step(`^the task is allocated$`, func() error {
		id := w.submitted[len(w.submitted)-1]
		require.Equal(w.t, domain.TaskAssigned, w.get(id).State)
		return nil
	})
	sc.Step(`^the task is QUEUED$`, func() error {
		id := w.submitted[len(w.submitted)-1]
		require.Equal(w.t, domain.TaskQueued, w.get(id).State)
		return nil
	})
	sc.Step(`^the task is CANCELLED$`, func() error {
		id := w.submitted[len(w.submitted)-1]
		require.Equal(w.t, domain.TaskCancelled, w.get(id).State)
		return nil
	})
	sc.Step(`^the queue size decreases by (\d+)$`, func(n int) error {
		require.Equal(w.t, 0, w.q.Size())
		return nil
	})
	sc.Step(`^the final state is TIMEOUT within (\d+)s$`, func(seconds int) error {
		id := w.submitted[len(w.submitted)-1]
		require.Equal(w.t, domain.TaskTimeout, w.get(id).State)
		require.True(w.t, time.Since(w.dispatchStart) < time.Duration(seconds)*time.Second)
		return nil
	})
	sc.Step(`^the GPU is FREE$`, func() error {
		st, ok := w.gm.GetState(0)
		require.True(w.t, ok)
		require.Equal(w.t, domain.GPUFree, st.Status)
		return nil
	})
	sc.Step(`^one callback record has (\d+) attempts and succeeded$`, func(attempts int) error {
		id := w.submitted[len(w.submitted)-1]
		records := w.dispatcher.History(callback.Filter{TaskID: id.String()}, 10)
		require.Len(w.t, records, 1)
		require.Equal(w.t, attempts, records[0].Attempts)
		require.True(w.t, records[0].Success)
		return nil
	})

	sc.Step(`^an alert rule "([^"]*)" with a (\d+)s cooldown$`, func(expr string, cooldownSec int) error {
		w.alertEng = alert.New(nil, map[string]alert.Notifier{}, nil)
		w.alertEng.AddRule(&domain.AlertRule{
			ID: "queue_length_gt_5", Name: expr, Metric: "queue_length",
			Operator: domain.OpGreaterThan, Threshold: 5, Severity: domain.SeverityWarning,
			CooldownSeconds: cooldownSec, Enabled: true,
		})
		return nil
	})
	var firedCount int
	sc.Step(`^the queue length metric is driven to (\d+)$`, func(n int) error {
		fired := w.alertEng.Evaluate(context.Background(), alert.Snapshot{QueueLength: alert.IntPtr(n)}, time.Now())
		firedCount = len(fired)
		return nil
	})
	sc.Step(`^exactly one alert fires$`, func() error {
		require.Equal(w.t, 1, firedCount)
		return nil
	})
	sc.Step(`^the condition still holds and I evaluate again within the cooldown$`, func() error {
		fired := w.alertEng.Evaluate(context.Background(), alert.Snapshot{QueueLength: alert.IntPtr(6)}, time.Now())
		firedCount = len(fired)
		return nil
	})
	sc.Step(`^no new alert fires$`, func() error {
		require.Equal(w.t, 0, firedCount)
		return nil
	})
}

func TestSchedulerFeatures(t *testing.T) {
	suiteT = t
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"scheduler.feature"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
