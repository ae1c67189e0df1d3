package domain

import "time"

// GPUState is the per-device snapshot the GPUManager owns. Mutated only
// under that device's lock.
type GPUState struct {
	Index                int
	Name                 string
	MemoryTotalMiB       int
	MemoryUsedMiB        int
	MemoryFreeMiB        int
	UtilizationPercent   float64
	TemperatureC         float64
	Status               GPUStatus
	CurrentTaskID        *string
	LoadedModels         []string // ordered oldest (index 0) to newest
	LastTaskCompletedAt  *time.Time
	ErrorMessage         string
}

// IsAvailable reports whether the device can accept a new allocation.
func (g GPUState) IsAvailable() bool {
	return g.Status == GPUFree
}

// ModelRecord is a catalog entry describing one ML potential.
type ModelRecord struct {
	Name            string
	Family          string
	Path            string
	EstimatedMemMiB int
	Status          ModelStatus
	ResidentOn      map[int]bool
}
