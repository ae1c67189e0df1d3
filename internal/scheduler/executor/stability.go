package executor

import (
	"context"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// StabilityExecutor runs an equilibration stage and a production stage,
// grounded on original_source/core/tasks/stability.py. No pre-optimization
// is run (run_optimization is accepted but not read) and no
// molecular-dynamics integrator moves the atoms, so the stage volumes are
// those of the structure as given.
type StabilityExecutor struct{}

func (e *StabilityExecutor) TaskType() domain.TaskType { return domain.TaskStability }

func (e *StabilityExecutor) DefaultParameters() map[string]any {
	return map[string]any{
		"run_optimization":  true,
		"equilibration_steps": 1000,
		"production_steps":    5000,
		"max_volume_change":   0.3,
	}
}

type stageResult struct {
	Name                string  `json:"name"`
	Completed           bool    `json:"completed"`
	StepsRun            int     `json:"steps_run"`
	InitialVolume       float64 `json:"initial_volume"`
	FinalVolume         float64 `json:"final_volume"`
	VolumeChangePercent float64 `json:"volume_change_percent"`
	Collapsed           bool    `json:"collapsed"`
}

func (e *StabilityExecutor) Run(ctx context.Context, atoms *Atoms, tctx *TaskContext) (*ExecutorResult, error) {
	params := MergeParameters(e.DefaultParameters(), tctx.Parameters)
	equilSteps := intParam(params, "equilibration_steps", 1000)
	prodSteps := intParam(params, "production_steps", 5000)
	maxVolumeChange := floatParam(params, "max_volume_change", 0.3)

	initialVolume := atoms.Volume()

	equil, err := e.runStage(ctx, atoms, tctx, "equilibration", equilSteps, initialVolume)
	if err != nil {
		return nil, err
	}
	production, err := e.runStage(ctx, atoms, tctx, "production", prodSteps, equil.FinalVolume)
	if err != nil {
		return nil, err
	}

	collapsed := production.Collapsed
	volumeChangeFraction := 0.0
	if initialVolume != 0 {
		volumeChangeFraction = (production.FinalVolume - initialVolume) / initialVolume
		if volumeChangeFraction < 0 {
			volumeChangeFraction = -volumeChangeFraction
		}
	}
	isStable := !collapsed && volumeChangeFraction < maxVolumeChange

	return &ExecutorResult{
		Data: map[string]any{
			"is_stable": isStable,
			"stages": []stageResult{equil, production},
		},
		OutputFiles: map[string]string{},
	}, nil
}

func (e *StabilityExecutor) runStage(ctx context.Context, atoms *Atoms, tctx *TaskContext, name string, steps int, initialVolume float64) (stageResult, error) {
	result := stageResult{Name: name, InitialVolume: initialVolume}
	for step := 0; step < steps; step++ {
		if tctx.Cancelled() {
			return result, ErrCancelled
		}
		if _, err := atoms.Calc.Energy(atoms); err != nil {
			return result, domain.WrapError(domain.ErrExecutorFailure, name+" stage energy evaluation failed", err)
		}
		result.StepsRun = step + 1
	}
	result.FinalVolume = atoms.Volume()
	if initialVolume != 0 {
		result.VolumeChangePercent = (result.FinalVolume - initialVolume) / initialVolume * 100
	}
	result.Collapsed = result.FinalVolume < 0.5*initialVolume
	result.Completed = true
	return result, nil
}
