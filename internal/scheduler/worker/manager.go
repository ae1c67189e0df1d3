package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
	"github.com/aios/benchscheduler/internal/scheduler/gpu"
	"github.com/aios/benchscheduler/internal/scheduler/repository"
)

func parseTaskID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// DefaultHeartbeatInterval mirrors HEARTBEAT_INTERVAL_SECONDS.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultHeartbeatTimeout mirrors HEARTBEAT_TIMEOUT_SECONDS.
const DefaultHeartbeatTimeout = 30 * time.Second

// WorkerInfo is the liveness record for one registered worker.
type WorkerInfo struct {
	ID            string
	GPUID         int
	Host          string
	PID           int
	LastHeartbeat time.Time
	Offline       bool
}

// Manager tracks worker liveness and evicts stale workers, releasing
// their GPU and failing their in-flight task with reason worker_lost.
// Grounded on spec §4.9, independent from the per-device GPUManager.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*WorkerInfo

	gpuManager *gpu.Manager
	repo       repository.TaskRepository
	logger     *logrus.Logger

	heartbeatTimeout time.Duration
}

// NewManager constructs a WorkerManager.
func NewManager(gm *gpu.Manager, repo repository.TaskRepository, heartbeatTimeout time.Duration, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Manager{
		workers:          map[string]*WorkerInfo{},
		gpuManager:       gm,
		repo:             repo,
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Register is idempotent: re-registering an id refreshes its info.
func (m *Manager) Register(id string, gpuID int, host string, pid int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[id] = &WorkerInfo{ID: id, GPUID: gpuID, Host: host, PID: pid, LastHeartbeat: now}
}

// Deregister is idempotent: deregistering an unknown id is a no-op.
func (m *Manager) Deregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
}

// Heartbeat is idempotent: it always just refreshes the timestamp.
func (m *Manager) Heartbeat(id string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return false
	}
	w.LastHeartbeat = now
	w.Offline = false
	return true
}

// SweepOffline marks every worker whose last heartbeat exceeds the
// configured timeout as OFFLINE, releasing its GPU and failing its
// current task (if any) with reason worker_lost.
func (m *Manager) SweepOffline(ctx context.Context, now time.Time) []string {
	m.mu.Lock()
	var offline []*WorkerInfo
	for _, w := range m.workers {
		if w.Offline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > m.heartbeatTimeout {
			w.Offline = true
			offline = append(offline, w)
		}
	}
	m.mu.Unlock()

	var ids []string
	for _, w := range offline {
		ids = append(ids, w.ID)
		m.logger.WithFields(logrus.Fields{"worker_id": w.ID, "gpu_id": w.GPUID}).Warn("worker heartbeat timeout, marking offline")
		m.failInFlightTask(w.GPUID)
		m.gpuManager.Release(w.GPUID, now)
	}
	return ids
}

func (m *Manager) failInFlightTask(gpuID int) {
	st, ok := m.gpuManager.GetState(gpuID)
	if !ok || st.CurrentTaskID == nil {
		return
	}
	taskID := *st.CurrentTaskID
	id, err := parseTaskID(taskID)
	if err != nil {
		return
	}
	task, err := m.repo.Get(id)
	if err != nil {
		return
	}
	task.State = domain.TaskFailed
	task.ErrorMessage = "worker_lost"
	now := time.Now()
	task.CompletedAt = &now
	task.GPUID = nil
	_ = m.repo.Update(task)
}

// ListWorkers returns a snapshot of every tracked worker.
func (m *Manager) ListWorkers() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	return out
}

// ActiveCount reports the number of workers not currently OFFLINE,
// feeding the worker-offline alert rule's active_workers metric.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.workers {
		if !w.Offline {
			n++
		}
	}
	return n
}

// Run periodically sweeps for offline workers until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.SweepOffline(ctx, now)
		}
	}
}
