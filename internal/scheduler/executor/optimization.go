package executor

import (
	"context"
	"math"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// OptimizationExecutor checks force convergence on the input structure,
// grounded on original_source/core/tasks/optimization.py. Each step
// evaluates forces and stops once the largest per-atom force norm is at
// most fmax or the step budget is spent. No optimizer moves the atoms or
// the cell between steps, so every step evaluates the same structure.
type OptimizationExecutor struct{}

func (e *OptimizationExecutor) TaskType() domain.TaskType { return domain.TaskOptimization }

func (e *OptimizationExecutor) DefaultParameters() map[string]any {
	return map[string]any{
		"fmax":  0.01,
		"steps": 500,
	}
}

func (e *OptimizationExecutor) Run(ctx context.Context, atoms *Atoms, tctx *TaskContext) (*ExecutorResult, error) {
	params := MergeParameters(e.DefaultParameters(), tctx.Parameters)
	fmax := floatParam(params, "fmax", 0.01)
	maxSteps := intParam(params, "steps", 500)

	initialEnergy, err := atoms.Calc.Energy(atoms)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExecutorFailure, "initial energy evaluation failed", err)
	}
	initialVolume := atoms.Volume()

	converged := false
	step := 0
	finalForce := fmax
	for ; step < maxSteps; step++ {
		if tctx.Cancelled() {
			return nil, ErrCancelled
		}
		forces, err := atoms.Calc.Forces(atoms)
		if err != nil {
			return nil, domain.WrapError(domain.ErrExecutorFailure, "force evaluation failed", err)
		}
		finalForce = maxForceNorm(forces)
		if finalForce <= fmax {
			converged = true
			break
		}
	}

	finalEnergy, err := atoms.Calc.Energy(atoms)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExecutorFailure, "final energy evaluation failed", err)
	}
	finalVolume := atoms.Volume()
	volumeChangePct := 0.0
	if initialVolume != 0 {
		volumeChangePct = (finalVolume - initialVolume) / initialVolume * 100
	}

	return &ExecutorResult{
		Data: map[string]any{
			"converged":              converged,
			"final_energy_eV":        finalEnergy,
			"initial_energy_eV":      initialEnergy,
			"final_fmax":             finalForce,
			"steps":                  step,
			"initial_volume_A3":      initialVolume,
			"final_volume_A3":        finalVolume,
			"volume_change_percent":  volumeChangePct,
		},
		OutputFiles: map[string]string{},
	}, nil
}

func maxForceNorm(forces [][3]float64) float64 {
	max := 0.0
	for _, f := range forces {
		n := math.Sqrt(f[0]*f[0] + f[1]*f[1] + f[2]*f[2])
		if n > max {
			max = n
		}
	}
	return max
}
