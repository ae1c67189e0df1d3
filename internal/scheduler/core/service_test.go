package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aios/benchscheduler/internal/scheduler/alert"
	"github.com/aios/benchscheduler/internal/scheduler/catalog"
	"github.com/aios/benchscheduler/internal/scheduler/core"
	"github.com/aios/benchscheduler/internal/scheduler/domain"
	"github.com/aios/benchscheduler/internal/scheduler/gpu"
	"github.com/aios/benchscheduler/internal/scheduler/lifecycle"
	"github.com/aios/benchscheduler/internal/scheduler/logstore"
	"github.com/aios/benchscheduler/internal/scheduler/queue"
	"github.com/aios/benchscheduler/internal/scheduler/repository"
)

type recordingCanceller struct {
	cancelled []uuid.UUID
}

func (c *recordingCanceller) CancelTask(id uuid.UUID) { c.cancelled = append(c.cancelled, id) }

func newServiceHarness() (*core.Service, *queue.PriorityQueue, repository.TaskRepository, *recordingCanceller, *logstore.Store) {
	q := queue.New(nil, nil)
	gm := gpu.New(twoFreeDevices(), nil, gpu.DefaultConfig(), nil)
	repo := repository.NewInMemory()
	cat := catalog.NewWithDefaults()
	dispatcher := &recordingDispatcher{}
	sched := core.New(q, gm, repo, cat, dispatcher, nil, core.DefaultConfig(), nil)
	lc := lifecycle.New()
	canceller := &recordingCanceller{}
	alerts := alert.New(nil, map[string]alert.Notifier{}, nil)
	logs := logstore.New(0, 0)
	svc := core.NewService(sched, q, gm, repo, lc, canceller, alerts, logs, nil)
	return svc, q, repo, canceller, logs
}

func TestSubmitTaskEnqueuesAndPersists(t *testing.T) {
	svc, q, repo, _, _ := newServiceHarness()

	result, err := svc.SubmitTask(context.Background(), core.SubmitRequest{
		TaskType: domain.TaskSinglePoint, Model: "orb-v2", StructureRef: "struct-1",
		Priority: domain.PriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.QueuePosition)
	assert.Equal(t, 1, q.Size())

	task, err := repo.Get(result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, task.State)
}

func TestSubmitTaskRejectsUnknownType(t *testing.T) {
	svc, _, _, _, _ := newServiceHarness()
	_, err := svc.SubmitTask(context.Background(), core.SubmitRequest{
		TaskType: "not_a_real_type", Model: "orb-v2", StructureRef: "struct-1",
	})
	require.Error(t, err)
	kind, ok := domain.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.ErrValidation, kind)
}

func TestGetTaskResultRejectsNonTerminal(t *testing.T) {
	svc, _, repo, _, _ := newServiceHarness()
	result, err := svc.SubmitTask(context.Background(), core.SubmitRequest{
		TaskType: domain.TaskSinglePoint, Model: "orb-v2", StructureRef: "struct-1",
	})
	require.NoError(t, err)

	_, err = svc.GetTaskResult(result.TaskID)
	require.Error(t, err)

	task, _ := repo.Get(result.TaskID)
	task.State = domain.TaskCompleted
	task.Result = map[string]any{"energy_eV": -1.0}
	require.NoError(t, repo.Update(task))

	res, err := svc.GetTaskResult(result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, -1.0, res["energy_eV"])
}

func TestCancelQueuedTaskRemovesFromQueue(t *testing.T) {
	svc, q, repo, canceller, _ := newServiceHarness()
	result, err := svc.SubmitTask(context.Background(), core.SubmitRequest{
		TaskType: domain.TaskSinglePoint, Model: "orb-v2", StructureRef: "struct-1",
	})
	require.NoError(t, err)
	require.Equal(t, 1, q.Size())

	require.NoError(t, svc.CancelTask(result.TaskID))
	assert.Equal(t, 0, q.Size())
	assert.Empty(t, canceller.cancelled)

	task, err := repo.Get(result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, task.State)
}

func TestCancelRunningTaskDelegatesToCanceller(t *testing.T) {
	svc, _, repo, canceller, _ := newServiceHarness()
	result, err := svc.SubmitTask(context.Background(), core.SubmitRequest{
		TaskType: domain.TaskSinglePoint, Model: "orb-v2", StructureRef: "struct-1",
	})
	require.NoError(t, err)

	task, _ := repo.Get(result.TaskID)
	task.State = domain.TaskRunning
	require.NoError(t, repo.Update(task))

	require.NoError(t, svc.CancelTask(result.TaskID))
	assert.Contains(t, canceller.cancelled, result.TaskID)

	// The running task's state itself only changes once the worker pool
	// observes the cancellation token and persists the terminal state;
	// CancelTask does not mutate it directly.
	unchanged, _ := repo.Get(result.TaskID)
	assert.Equal(t, domain.TaskRunning, unchanged.State)
}

func TestCancelTerminalTaskIsIdempotentNoOp(t *testing.T) {
	svc, _, repo, canceller, _ := newServiceHarness()
	result, err := svc.SubmitTask(context.Background(), core.SubmitRequest{
		TaskType: domain.TaskSinglePoint, Model: "orb-v2", StructureRef: "struct-1",
	})
	require.NoError(t, err)

	task, _ := repo.Get(result.TaskID)
	task.State = domain.TaskCompleted
	now := time.Now()
	task.CompletedAt = &now
	require.NoError(t, repo.Update(task))

	require.NoError(t, svc.CancelTask(result.TaskID))
	assert.Empty(t, canceller.cancelled)

	unchanged, _ := repo.Get(result.TaskID)
	assert.Equal(t, domain.TaskCompleted, unchanged.State)
}

func TestGetTaskLogsFiltersByLevelAndLimit(t *testing.T) {
	svc, _, _, _, logs := newServiceHarness()
	result, err := svc.SubmitTask(context.Background(), core.SubmitRequest{
		TaskType: domain.TaskSinglePoint, Model: "orb-v2", StructureRef: "struct-1",
	})
	require.NoError(t, err)

	logs.Append(domain.LogEntry{TaskID: result.TaskID, Level: domain.LogDebug, Message: "picked up"})
	logs.Append(domain.LogEntry{TaskID: result.TaskID, Level: domain.LogInfo, Message: "started"})
	logs.Append(domain.LogEntry{TaskID: result.TaskID, Level: domain.LogError, Message: "failed"})

	all, err := svc.GetTaskLogs(result.TaskID, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	warnAndAbove, err := svc.GetTaskLogs(result.TaskID, domain.LogWarning, 0)
	require.NoError(t, err)
	require.Len(t, warnAndAbove, 1)
	assert.Equal(t, "failed", warnAndAbove[0].Message)

	limited, err := svc.GetTaskLogs(result.TaskID, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "failed", limited[0].Message, "limit keeps the most recent entries")
}

func TestGetTaskLogsRejectsUnknownTask(t *testing.T) {
	svc, _, _, _, _ := newServiceHarness()
	_, err := svc.GetTaskLogs(uuid.New(), "", 0)
	require.Error(t, err)
}

func TestStreamTaskLogsPushesFutureEntries(t *testing.T) {
	svc, _, _, _, logs := newServiceHarness()
	result, err := svc.SubmitTask(context.Background(), core.SubmitRequest{
		TaskType: domain.TaskSinglePoint, Model: "orb-v2", StructureRef: "struct-1",
	})
	require.NoError(t, err)

	ch, cancel, err := svc.StreamTaskLogs(result.TaskID)
	require.NoError(t, err)
	defer cancel()

	logs.Append(domain.LogEntry{TaskID: result.TaskID, Level: domain.LogInfo, Message: "started"})

	select {
	case entry := <-ch:
		assert.Equal(t, "started", entry.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for streamed log entry")
	}
}

func TestAlertAdminSurface(t *testing.T) {
	svc, _, _, _, _ := newServiceHarness()
	require.True(t, svc.DisableRule("queue_backlog"))
	rules := svc.ListAlertRules()
	var found bool
	for _, r := range rules {
		if r.ID == "queue_backlog" {
			found = true
			assert.False(t, r.Enabled)
		}
	}
	assert.True(t, found)
	require.True(t, svc.EnableRule("queue_backlog"))
}
