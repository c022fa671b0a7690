// Package triangulate implements the N-view linear triangulation used to
// recover a track's 3D world point from its observations (C6).
package triangulate

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcal/spatialmath"
)

// Observation is a single ray contributed by one track member: an
// undistorted, focal-normalized pixel and the world-to-camera pose it was
// observed from.
type Observation struct {
	// Normalized is the undistorted pixel minus the principal point,
	// divided by focal length -- i.e. the direction of the ray in the
	// camera's own frame, on the z=1 plane.
	Normalized r2.Point
	// WorldToCam is the pose that carries a world point into this
	// observation's camera frame.
	WorldToCam spatialmath.Pose
}

// MinInlierRays is the minimum number of observations a track needs before
// it can be triangulated; below this the whole track is an outlier (spec
// C6).
const MinInlierRays = 2

// Point performs standard N-view linear triangulation (DLT) of a world
// point from a set of observations, generalizing the classical two-view
// construction (pair of 3x4 projection matrices, cross-product constraint
// rows stacked into one linear system, solved by its smallest right
// singular vector) to N views by stacking two constraint rows per
// observation.
//
// It returns an error if there are fewer than MinInlierRays observations,
// if the linear system is degenerate, or if the recovered point contains a
// NaN/Inf coordinate.
func Point(obs []Observation) (r3.Vector, error) {
	if len(obs) < MinInlierRays {
		return r3.Vector{}, errors.Errorf("need at least %d observations, got %d", MinInlierRays, len(obs))
	}

	a := mat.NewDense(2*len(obs), 4, nil)
	for i, o := range obs {
		proj := projectionMatrix(o.WorldToCam)
		x, y := o.Normalized.X, o.Normalized.Y
		// Row pair from x * P[2,:] - P[0,:] == 0 and y * P[2,:] - P[1,:] == 0,
		// the standard DLT constraint for a homogeneous image point (x, y, 1).
		for c := 0; c < 4; c++ {
			a.Set(2*i, c, x*proj.At(2, c)-proj.At(0, c))
			a.Set(2*i+1, c, y*proj.At(2, c)-proj.At(1, c))
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return r3.Vector{}, errors.New("triangulation: failed to factorize constraint matrix")
	}
	const rcond = 1e-15
	if svd.Rank(rcond) == 0 {
		return r3.Vector{}, errors.New("triangulation: degenerate (zero rank) constraint system")
	}

	var v mat.Dense
	svd.VTo(&v)
	col := v.ColView(3)
	w := col.AtVec(3)
	if math.Abs(w) < 1e-15 {
		return r3.Vector{}, errors.New("triangulation: point at infinity")
	}
	pt := r3.Vector{
		X: col.AtVec(0) / w,
		Y: col.AtVec(1) / w,
		Z: col.AtVec(2) / w,
	}
	if !isFinite(pt) {
		return r3.Vector{}, errors.New("triangulation: result contains NaN/Inf")
	}
	return pt, nil
}

// projectionMatrix returns the 3x4 [R|t] projection matrix for pose
// worldToCam, mapping a homogeneous world point to a homogeneous point on
// the camera's z=1 plane (up to scale).
func projectionMatrix(worldToCam spatialmath.Pose) *mat.Dense {
	rot := worldToCam.Orientation().RotationMatrix()
	t := worldToCam.Point()
	p := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.Set(i, j, rot.At(i, j))
		}
	}
	p.Set(0, 3, t.X)
	p.Set(1, 3, t.Y)
	p.Set(2, 3, t.Z)
	return p
}

func isFinite(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}

// Reproject projects a world point through worldToCam onto the camera's
// z=1 plane, returning its normalized (pre-distortion) image coordinate;
// applying intrinsics is left to the caller.
// Used by the geometric pre-filter and by tests that check round-trip
// triangulation accuracy.
func Reproject(pt r3.Vector, worldToCam spatialmath.Pose) r2.Point {
	local := spatialmath.Transform(worldToCam, pt)
	if local.Z == 0 {
		return r2.Point{X: math.Inf(1), Y: math.Inf(1)}
	}
	return r2.Point{X: local.X / local.Z, Y: local.Y / local.Z}
}
