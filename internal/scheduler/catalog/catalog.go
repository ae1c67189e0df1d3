// Package catalog holds the ModelRecord registry: which ML potentials are
// known, their estimated memory footprint, and the set of GPUs where they
// are currently resident. Grounded on the teacher's model_manager.go
// (ListModels hardcoded catalog pattern) and on the real MLIP model names
// and memory estimates named in the original scheduler's
// MODEL_MEMORY_ESTIMATES table, which the distilled spec left out.
package catalog

import (
	"sync"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// DefaultModelBaseMiB is used for any model absent from the catalog.
const DefaultModelBaseMiB = 4000

// Catalog is a mutex-guarded registry of known models.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]*domain.ModelRecord
}

// New constructs an empty catalog.
func New() *Catalog {
	return &Catalog{models: map[string]*domain.ModelRecord{}}
}

// NewWithDefaults seeds the catalog with the real MLIP models named in the
// original service's memory-estimate table.
func NewWithDefaults() *Catalog {
	c := New()
	for name, mem := range map[string]int{
		"mace-mp-0-medium":  4000,
		"mace-mp-0-large":   8000,
		"mace-omat-0-medium": 5000,
		"mace-omat-0-large":  10000,
		"orb-v2":             3000,
		"sevennet-0":         3500,
		"mattersim-v1-1m":    4000,
		"mattersim-v1-5m":    8000,
		"grace-2l-oam":       4500,
	} {
		c.Register(&domain.ModelRecord{
			Name:            name,
			Family:          "mlip",
			EstimatedMemMiB: mem,
			Status:          domain.ModelAvailable,
			ResidentOn:      map[int]bool{},
		})
	}
	return c
}

// Register adds or replaces a catalog entry.
func (c *Catalog) Register(rec *domain.ModelRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.ResidentOn == nil {
		rec.ResidentOn = map[int]bool{}
	}
	c.models[rec.Name] = rec
}

// Get returns a copy of the named model's record.
func (c *Catalog) Get(name string) (domain.ModelRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.models[name]
	if !ok {
		return domain.ModelRecord{}, false
	}
	return *rec, true
}

// List returns every registered model.
func (c *Catalog) List() []domain.ModelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.ModelRecord, 0, len(c.models))
	for _, rec := range c.models {
		out = append(out, *rec)
	}
	return out
}

// MemoryEstimateMiB returns the model's estimated footprint, or
// DefaultModelBaseMiB if the model is unknown.
func (c *Catalog) MemoryEstimateMiB(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rec, ok := c.models[name]; ok {
		return rec.EstimatedMemMiB
	}
	return DefaultModelBaseMiB
}

// UpdateMemoryEstimate mutates a model's memory base, e.g. after an
// observed out-of-memory event (live estimator adjustment).
func (c *Catalog) UpdateMemoryEstimate(name string, newBaseMiB int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.models[name]
	if !ok {
		rec = &domain.ModelRecord{Name: name, Status: domain.ModelAvailable, ResidentOn: map[int]bool{}}
		c.models[name] = rec
	}
	rec.EstimatedMemMiB = newBaseMiB
}

// MarkResident records that name is now loaded on gpu.
func (c *Catalog) MarkResident(name string, gpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.models[name]
	if !ok {
		return
	}
	rec.ResidentOn[gpu] = true
	rec.Status = domain.ModelLoaded
}

// MarkEvicted records that name is no longer loaded on gpu.
func (c *Catalog) MarkEvicted(name string, gpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.models[name]
	if !ok {
		return
	}
	delete(rec.ResidentOn, gpu)
}
