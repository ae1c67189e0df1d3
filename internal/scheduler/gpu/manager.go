// Package gpu implements the authoritative per-GPU state and allocation
// gate described for the scheduler core. It is grounded on the teacher's
// internal/ai/acceleration.GPUManager (device map + per-device state +
// logrus + otel tracer) and on the original gpu_manager.py's safety
// margin, LRU model cache, and "never fabricate telemetry" failure
// handling.
package gpu

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// DefaultMemorySafetyMarginMiB is the default safety margin held back
// from a device's free memory before a new allocation is admitted.
const DefaultMemorySafetyMarginMiB = 2048

// DefaultMaxModelsPerGPU mirrors MAX_MODELS_PER_GPU.
const DefaultMaxModelsPerGPU = 2

// TelemetryProbe samples live hardware metrics for one device. A failure
// is logged and suppressed by RefreshStates — the device keeps its prior
// state rather than fabricating a value, per design.
type TelemetryProbe interface {
	Sample(ctx context.Context, index int) (memUsedMiB, memTotalMiB int, utilization, temperatureC float64, err error)
}

// Config holds the tunables RefreshStates and the safety gate consult.
type Config struct {
	MaxModelsPerGPU       int
	MemorySafetyMarginMiB int
}

func DefaultConfig() Config {
	return Config{
		MaxModelsPerGPU:       DefaultMaxModelsPerGPU,
		MemorySafetyMarginMiB: DefaultMemorySafetyMarginMiB,
	}
}

type device struct {
	mu       sync.Mutex
	state    domain.GPUState
	reserved bool
}

// Manager owns every device's state behind its own lock; cross-device
// reads (FreeGPUs, GPUWithModel) visit devices in ascending index order to
// avoid any possibility of deadlock against an allocate/release holding
// two locks.
type Manager struct {
	devices []*device
	probe   TelemetryProbe
	cfg     Config
	logger  *logrus.Logger
	tracer  trace.Tracer
}

// New constructs a Manager over the given initial states. States whose
// Status is RESERVED are immutable after startup.
func New(initial []domain.GPUState, probe TelemetryProbe, cfg Config, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	devices := make([]*device, len(initial))
	for i, st := range initial {
		st.Index = i
		devices[i] = &device{state: st, reserved: st.Status == domain.GPUReserved}
	}
	return &Manager{
		devices: devices,
		probe:   probe,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("scheduler.gpu"),
	}
}

func (m *Manager) NumGPUs() int { return len(m.devices) }

// RefreshStates samples hardware for every non-reserved device. A probe
// error is logged and suppressed; the device's prior state is retained.
func (m *Manager) RefreshStates(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "RefreshStates")
	defer span.End()

	if m.probe == nil {
		return
	}
	for _, d := range m.devices {
		d.mu.Lock()
		if d.reserved {
			d.mu.Unlock()
			continue
		}
		used, total, util, temp, err := m.probe.Sample(ctx, d.state.Index)
		if err != nil {
			m.logger.WithError(err).WithField("gpu_index", d.state.Index).
				Warn("telemetry sample failed, retaining last-known state")
			d.mu.Unlock()
			continue
		}
		d.state.MemoryUsedMiB = used
		d.state.MemoryTotalMiB = total
		d.state.MemoryFreeMiB = total - used
		d.state.UtilizationPercent = util
		d.state.TemperatureC = temp
		d.mu.Unlock()
	}
}

// FreeGPUs returns a snapshot of every device currently FREE.
func (m *Manager) FreeGPUs() []domain.GPUState {
	var free []domain.GPUState
	for _, d := range m.devices {
		d.mu.Lock()
		if d.state.Status == domain.GPUFree {
			free = append(free, d.state)
		}
		d.mu.Unlock()
	}
	return free
}

// GPUWithModel returns the first FREE GPU whose loaded-model list
// contains name, visited in ascending index order.
func (m *Manager) GPUWithModel(name string) (int, bool) {
	for _, d := range m.devices {
		d.mu.Lock()
		if d.state.Status == domain.GPUFree {
			for _, loaded := range d.state.LoadedModels {
				if loaded == name {
					idx := d.state.Index
					d.mu.Unlock()
					return idx, true
				}
			}
		}
		d.mu.Unlock()
	}
	return 0, false
}

// Allocate transitions gpu FREE -> BUSY and records taskID as current.
// Returns false if the device was not FREE (race lost to another caller
// or to RESERVED/ERROR status).
func (m *Manager) Allocate(gpu int, taskID string) bool {
	d, ok := m.device(gpu)
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Status != domain.GPUFree {
		return false
	}
	d.state.Status = domain.GPUBusy
	id := taskID
	d.state.CurrentTaskID = &id
	return true
}

// Release transitions gpu BUSY -> FREE, clearing the current task and
// stamping last-completed.
func (m *Manager) Release(gpu int, now time.Time) {
	d, ok := m.device(gpu)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reserved {
		return
	}
	d.state.Status = domain.GPUFree
	d.state.CurrentTaskID = nil
	d.state.LastTaskCompletedAt = &now
}

// MarkError sets gpu to ERROR, e.g. on a calculator or driver failure.
func (m *Manager) MarkError(gpu int, msg string) {
	d, ok := m.device(gpu)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reserved {
		return
	}
	d.state.Status = domain.GPUError
	d.state.ErrorMessage = msg
	d.state.CurrentTaskID = nil
}

// Recover attempts to restore gpu to FREE after an ERROR, succeeding only
// if a fresh telemetry sample succeeds. With no probe configured it
// restores FREE without sampling.
func (m *Manager) Recover(ctx context.Context, gpu int) bool {
	d, ok := m.device(gpu)
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Status != domain.GPUError {
		return false
	}
	if m.probe == nil {
		d.state.Status = domain.GPUFree
		d.state.ErrorMessage = ""
		return true
	}
	used, total, util, temp, err := m.probe.Sample(ctx, d.state.Index)
	if err != nil {
		return false
	}
	d.state.MemoryUsedMiB = used
	d.state.MemoryTotalMiB = total
	d.state.MemoryFreeMiB = total - used
	d.state.UtilizationPercent = util
	d.state.TemperatureC = temp
	d.state.Status = domain.GPUFree
	d.state.ErrorMessage = ""
	return true
}

// AddLoadedModel appends name to gpu's LRU list, evicting the oldest
// entry when at capacity. Returns the evicted model name, if any.
func (m *Manager) AddLoadedModel(gpu int, name string) (evicted string, didEvict bool) {
	d, ok := m.device(gpu)
	if !ok {
		return "", false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.state.LoadedModels {
		if existing == name {
			return "", false
		}
	}
	limit := m.cfg.MaxModelsPerGPU
	if limit <= 0 {
		limit = DefaultMaxModelsPerGPU
	}
	if len(d.state.LoadedModels) >= limit {
		evicted = d.state.LoadedModels[0]
		d.state.LoadedModels = d.state.LoadedModels[1:]
		didEvict = true
		m.logger.WithFields(logrus.Fields{"gpu_index": gpu, "evicted_model": evicted}).
			Info("model evicted from gpu cache")
	}
	d.state.LoadedModels = append(d.state.LoadedModels, name)
	return evicted, didEvict
}

// RemoveLoadedModel removes name from gpu's LRU list, if present.
func (m *Manager) RemoveLoadedModel(gpu int, name string) {
	d, ok := m.device(gpu)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.state.LoadedModels {
		if existing == name {
			d.state.LoadedModels = append(d.state.LoadedModels[:i], d.state.LoadedModels[i+1:]...)
			return
		}
	}
}

// CheckMemoryAvailable reports whether gpu has enough free memory to
// satisfy requiredMiB after the configured safety margin.
func (m *Manager) CheckMemoryAvailable(gpu int, requiredMiB int) bool {
	d, ok := m.device(gpu)
	if !ok {
		return false
	}
	margin := m.cfg.MemorySafetyMarginMiB
	if margin <= 0 {
		margin = DefaultMemorySafetyMarginMiB
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.MemoryFreeMiB-margin >= requiredMiB
}

// GetState returns a snapshot of gpu's state.
func (m *Manager) GetState(gpu int) (domain.GPUState, bool) {
	d, ok := m.device(gpu)
	if !ok {
		return domain.GPUState{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, true
}

// AllStates returns a snapshot of every device, in ascending index order.
func (m *Manager) AllStates() []domain.GPUState {
	out := make([]domain.GPUState, 0, len(m.devices))
	for _, d := range m.devices {
		d.mu.Lock()
		out = append(out, d.state)
		d.mu.Unlock()
	}
	return out
}

// Summary aggregates device counts and memory totals, grounded on
// gpu_manager.py's get_summary.
type Summary struct {
	Total         int
	Free          int
	Busy          int
	Error         int
	Reserved      int
	TotalMemoryMiB int
	UsedMemoryMiB  int
}

func (m *Manager) Summary() Summary {
	s := Summary{Total: len(m.devices)}
	for _, d := range m.devices {
		d.mu.Lock()
		switch d.state.Status {
		case domain.GPUFree:
			s.Free++
		case domain.GPUBusy:
			s.Busy++
		case domain.GPUError:
			s.Error++
		case domain.GPUReserved:
			s.Reserved++
		}
		s.TotalMemoryMiB += d.state.MemoryTotalMiB
		s.UsedMemoryMiB += d.state.MemoryUsedMiB
		d.mu.Unlock()
	}
	return s
}

func (m *Manager) device(index int) (*device, bool) {
	if index < 0 || index >= len(m.devices) {
		return nil, false
	}
	return m.devices[index], true
}
