package executor

import (
	"context"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// SinglePointExecutor performs one energy evaluation with optional forces
// and stress, without mutating the input structure, grounded on
// original_source/core/tasks/single_point.py.
type SinglePointExecutor struct{}

func (e *SinglePointExecutor) TaskType() domain.TaskType { return domain.TaskSinglePoint }

func (e *SinglePointExecutor) DefaultParameters() map[string]any {
	return map[string]any{
		"compute_forces": true,
		"compute_stress": true,
	}
}

func (e *SinglePointExecutor) Run(ctx context.Context, atoms *Atoms, tctx *TaskContext) (*ExecutorResult, error) {
	params := MergeParameters(e.DefaultParameters(), tctx.Parameters)
	computeForces := boolParam(params, "compute_forces", true)
	computeStress := boolParam(params, "compute_stress", true)

	if tctx.Cancelled() {
		return nil, ErrCancelled
	}
	energy, err := atoms.Calc.Energy(atoms)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExecutorFailure, "energy evaluation failed", err)
	}

	nAtoms := atoms.NumAtoms()
	energyPerAtom := 0.0
	if nAtoms > 0 {
		energyPerAtom = energy / float64(nAtoms)
	}

	data := map[string]any{
		"energy_eV":         energy,
		"energy_per_atom_eV": energyPerAtom,
		"n_atoms":            nAtoms,
		"volume_A3":          atoms.Volume(),
	}

	if computeForces {
		if tctx.Cancelled() {
			return nil, ErrCancelled
		}
		forces, err := atoms.Calc.Forces(atoms)
		if err != nil {
			return nil, domain.WrapError(domain.ErrExecutorFailure, "forces evaluation failed", err)
		}
		data["forces_eV_per_A"] = forces
		data["max_force_eV_per_A"] = maxForceNorm(forces)
	}

	if computeStress {
		if tctx.Cancelled() {
			return nil, ErrCancelled
		}
		stress, err := atoms.Calc.Stress(atoms)
		if err != nil {
			return nil, domain.WrapError(domain.ErrExecutorFailure, "stress evaluation failed", err)
		}
		data["stress_GPa_voigt"] = stress
	}

	return &ExecutorResult{Data: data, OutputFiles: map[string]string{}}, nil
}
