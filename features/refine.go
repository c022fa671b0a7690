package features

import (
	"github.com/go-nlopt/nlopt"
	"github.com/pkg/errors"
)

// RefineAffine polishes the minimal-sample affine model RANSACAffine2D
// returns by re-minimizing the sum of squared reprojection residuals over
// every inlier at once, rather than the arbitrary 3 correspondences the
// winning RANSAC sample happened to pick. It returns init unchanged if the
// solver fails to improve on it.
func RefineAffine(pairs []PointPair, inliers []bool, init Affine2D) (Affine2D, error) {
	var inlierPairs []PointPair
	for i, ok := range inliers {
		if ok {
			inlierPairs = append(inlierPairs, pairs[i])
		}
	}
	if len(inlierPairs) < 3 {
		return init, nil
	}

	opt, err := nlopt.NewNLopt(nlopt.LN_NELDERMEAD, 6)
	if err != nil {
		return init, errors.Wrap(err, "nlopt creation error")
	}
	defer opt.Destroy()

	objective := func(x, gradient []float64) float64 {
		model := Affine2D{A00: x[0], A01: x[1], A10: x[2], A11: x[3], Tx: x[4], Ty: x[5]}
		var sum float64
		for _, p := range inlierPairs {
			pred := model.Apply(p.P1)
			dx := pred.X - p.P2.X
			dy := pred.Y - p.P2.Y
			sum += dx*dx + dy*dy
		}
		return sum
	}

	if err := opt.SetMinObjective(objective); err != nil {
		return init, errors.Wrap(err, "nlopt SetMinObjective")
	}
	if err := opt.SetXtolRel(1e-6); err != nil {
		return init, errors.Wrap(err, "nlopt SetXtolRel")
	}
	if err := opt.SetMaxEval(2000); err != nil {
		return init, errors.Wrap(err, "nlopt SetMaxEval")
	}

	x0 := []float64{init.A00, init.A01, init.A10, init.A11, init.Tx, init.Ty}
	solution, _, err := opt.Optimize(x0)
	if err != nil || len(solution) != 6 {
		return init, nil
	}
	return Affine2D{
		A00: solution[0], A01: solution[1],
		A10: solution[2], A11: solution[3],
		Tx: solution[4], Ty: solution[5],
	}, nil
}
