package gpu_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
	"github.com/aios/benchscheduler/internal/scheduler/gpu"
)

func twoDevices() []domain.GPUState {
	return []domain.GPUState{
		{Name: "gpu0", MemoryTotalMiB: 24000, MemoryFreeMiB: 24000, Status: domain.GPUFree},
		{Name: "gpu1", MemoryTotalMiB: 24000, MemoryFreeMiB: 24000, Status: domain.GPUFree},
	}
}

func TestAllocateAndRelease(t *testing.T) {
	m := gpu.New(twoDevices(), nil, gpu.DefaultConfig(), nil)

	ok := m.Allocate(0, "task-1")
	require.True(t, ok)

	st, _ := m.GetState(0)
	assert.Equal(t, domain.GPUBusy, st.Status)
	assert.Equal(t, "task-1", *st.CurrentTaskID)

	// Second allocate attempt on the same busy GPU must fail (race lost).
	assert.False(t, m.Allocate(0, "task-2"))

	m.Release(0, time.Now())
	st, _ = m.GetState(0)
	assert.Equal(t, domain.GPUFree, st.Status)
	assert.Nil(t, st.CurrentTaskID)
}

func TestReservedNeverBecomesBusy(t *testing.T) {
	states := twoDevices()
	states[1].Status = domain.GPUReserved
	m := gpu.New(states, nil, gpu.DefaultConfig(), nil)

	assert.False(t, m.Allocate(1, "task-1"))
	free := m.FreeGPUs()
	require.Len(t, free, 1)
	assert.Equal(t, 0, free[0].Index)
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	m := gpu.New(twoDevices(), nil, gpu.Config{MaxModelsPerGPU: 2, MemorySafetyMarginMiB: 2048}, nil)

	_, evicted := m.AddLoadedModel(0, "mace-mp-0-medium")
	assert.False(t, evicted)
	_, evicted = m.AddLoadedModel(0, "orb-v2")
	assert.False(t, evicted)

	name, evicted := m.AddLoadedModel(0, "sevennet-0")
	assert.True(t, evicted)
	assert.Equal(t, "mace-mp-0-medium", name)

	st, _ := m.GetState(0)
	assert.Equal(t, []string{"orb-v2", "sevennet-0"}, st.LoadedModels)
}

func TestCheckMemoryAvailableRespectsSafetyMargin(t *testing.T) {
	states := twoDevices()
	states[0].MemoryFreeMiB = 2548
	m := gpu.New(states, nil, gpu.Config{MaxModelsPerGPU: 2, MemorySafetyMarginMiB: 2048}, nil)

	assert.True(t, m.CheckMemoryAvailable(0, 500))
	assert.False(t, m.CheckMemoryAvailable(0, 600))
}

func TestMarkErrorAndRecover(t *testing.T) {
	m := gpu.New(twoDevices(), nil, gpu.DefaultConfig(), nil)
	m.MarkError(0, "driver fault")

	st, _ := m.GetState(0)
	assert.Equal(t, domain.GPUError, st.Status)

	recovered := m.Recover(context.Background(), 0)
	assert.True(t, recovered)
	st, _ = m.GetState(0)
	assert.Equal(t, domain.GPUFree, st.Status)
	assert.Empty(t, st.ErrorMessage)
}

type failingProbe struct{}

func (failingProbe) Sample(ctx context.Context, index int) (int, int, float64, float64, error) {
	return 0, 0, 0, 0, assertErr
}

var assertErr = &probeError{"telemetry unavailable"}

type probeError struct{ msg string }

func (e *probeError) Error() string { return e.msg }

func TestRefreshStatesRetainsLastKnownOnProbeFailure(t *testing.T) {
	states := twoDevices()
	states[0].MemoryFreeMiB = 12345
	m := gpu.New(states, failingProbe{}, gpu.DefaultConfig(), nil)

	m.RefreshStates(context.Background())

	st, _ := m.GetState(0)
	assert.Equal(t, 12345, st.MemoryFreeMiB)
}

func TestGPUWithModelFindsResidentFreeDevice(t *testing.T) {
	m := gpu.New(twoDevices(), nil, gpu.DefaultConfig(), nil)
	m.AddLoadedModel(1, "orb-v2")

	idx, ok := m.GPUWithModel("orb-v2")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	_, ok = m.GPUWithModel("mace-mp-0-medium")
	assert.False(t, ok)
}
