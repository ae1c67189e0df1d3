// Package executor implements the per-task-type algorithms that drive the
// external Calculator boundary. Grounded on
// original_source/core/tasks/base.py (TaskContext/TaskResult/TaskExecutor
// template method) translated into a Go interface plus one struct per
// task type, and on the teacher's convention of small, oblivious
// strategy implementations behind a shared interface.
package executor

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// Calculator is the opaque handle the core treats an ML potential as: a
// mapping from atomic configuration to energy, forces, and stress on a
// specific device. Its implementation is entirely out of scope.
type Calculator interface {
	Energy(atoms *Atoms) (float64, error)
	Forces(atoms *Atoms) ([][3]float64, error)
	Stress(atoms *Atoms) ([6]float64, error)
}

// ModelLoader translates (model name, gpu index) into a bound Calculator,
// maintaining its own cache and informing the GPUManager's LRU on
// load/unload. Entirely out of scope beyond this interface.
type ModelLoader interface {
	Load(ctx context.Context, modelName string, gpuIndex int) (Calculator, error)
}

// Atoms is the minimal in-memory structure representation the core needs
// to drive an executor: positions, cell, elements, and an attached
// calculator. Structure-file parsing lives entirely outside this
// boundary; an external StructureReader produces an *Atoms value.
type Atoms struct {
	Elements  []string
	Positions [][3]float64
	Cell      [3][3]float64
	Calc      Calculator
}

func (a *Atoms) NumAtoms() int { return len(a.Elements) }

// CellLengths returns the lattice vector lengths a, b, c.
func (a *Atoms) CellLengths() [3]float64 {
	var out [3]float64
	for i, v := range a.Cell {
		out[i] = vectorNorm(v)
	}
	return out
}

func vectorNorm(v [3]float64) float64 {
	sum := v[0]*v[0] + v[1]*v[1] + v[2]*v[2]
	return math.Sqrt(sum)
}

// Volume returns an approximate unit-cell volume via the scalar triple
// product of the cell vectors.
func (a *Atoms) Volume() float64 {
	c := a.Cell
	cross := [3]float64{
		c[1][1]*c[2][2] - c[1][2]*c[2][1],
		c[1][2]*c[2][0] - c[1][0]*c[2][2],
		c[1][0]*c[2][1] - c[1][1]*c[2][0],
	}
	vol := c[0][0]*cross[0] + c[0][1]*cross[1] + c[0][2]*cross[2]
	if vol < 0 {
		return -vol
	}
	return vol
}

// TaskContext is the per-run context an executor consumes, grounded on
// TaskContext in the source material.
type TaskContext struct {
	TaskID       uuid.UUID
	TaskType     domain.TaskType
	ModelName    string
	GPUID        int
	Parameters   map[string]any
	Cancel       <-chan struct{} // closed to signal cooperative cancellation
	StartTime    time.Time
	PeakMemoryMB int
}

// Cancelled reports whether the cooperative cancellation token has
// tripped. Executors check this between algorithmic steps.
func (c *TaskContext) Cancelled() bool {
	select {
	case <-c.Cancel:
		return true
	default:
		return false
	}
}

// ExecutorResult is the per-task-type output: a free-form result map plus
// any output file references.
type ExecutorResult struct {
	Data        map[string]any
	OutputFiles map[string]string
}

// ErrCancelled is returned by Run when the context's cancellation token
// trips before completion.
var ErrCancelled = domain.NewError(domain.ErrCancelled, "task cancelled at executor checkpoint")

// Executor is the capability set implemented once per task-type variant.
// The scheduler/worker layer is oblivious to which variant it holds.
type Executor interface {
	Run(ctx context.Context, atoms *Atoms, tctx *TaskContext) (*ExecutorResult, error)
	DefaultParameters() map[string]any
	TaskType() domain.TaskType
}

// MergeParameters merges defaults under user-supplied parameters, user
// values winning; unknown keys are passed through untouched.
func MergeParameters(defaults, supplied map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(supplied))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range supplied {
		merged[k] = v
	}
	return merged
}

func floatParam(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Registry maps task types to their executor implementation.
type Registry map[domain.TaskType]Executor

// DefaultRegistry wires the six in-scope executors.
func DefaultRegistry() Registry {
	return Registry{
		domain.TaskOptimization:      &OptimizationExecutor{},
		domain.TaskStability:         &StabilityExecutor{},
		domain.TaskBulkModulus:       &BulkModulusExecutor{},
		domain.TaskHeatCapacity:      &HeatCapacityExecutor{},
		domain.TaskInteractionEnergy: &InteractionEnergyExecutor{},
		domain.TaskSinglePoint:       &SinglePointExecutor{},
	}
}
