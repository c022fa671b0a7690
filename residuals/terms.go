package residuals

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/rigcal/rig"
	"go.viam.com/rigcal/spatialmath"
)

// cauchyCost is the scalar Cauchy robust loss rho(s) = tau^2*log(1+s/tau^2)
// applied to a squared residual norm s, the standard reformulation of
// Ceres' CauchyLoss for a scalar-objective solver (gonum/optimize works
// against a single Func, not a per-residual loss list the way Ceres does).
func cauchyCost(sqResidual, tau float64) float64 {
	if tau <= 0 {
		return sqResidual
	}
	tau2 := tau * tau
	return tau2 * math.Log1p(sqResidual/tau2)
}

// predictPixelFromWorldToSensor projects worldPt through an already-composed
// T_world->sensor pose, focal length, and distortion. It is the common tail
// of the C8 reprojection model, shared by the bracketed-interpolation path
// (predictPixel) and the --no_extrinsics independent-pose path, which skips
// straight to a worldToSensor pose with no extrinsic/interpolation compose.
func predictPixelFromWorldToSensor(worldPt r3.Vector, worldToSensor spatialmath.Pose, s *rig.Sensor) r2.Point {
	local := spatialmath.Transform(worldToSensor, worldPt)
	n := r2.Point{X: local.X / local.Z, Y: local.Y / local.Z}
	dx, dy := s.Distortion.Distort(n.X, n.Y)
	return s.Intrinsics.NormalizedToPixel(r2.Point{X: dx, Y: dy})
}

// predictPixel implements the C8 reprojection model: interpolate the
// bracketing reference poses at alpha, compose with the sensor extrinsic,
// project through focal length, and distort.
func predictPixel(worldPt r3.Vector, begPose, endPose spatialmath.Pose, alpha float64, extrinsics spatialmath.Pose, s *rig.Sensor) r2.Point {
	worldToRef := InterpolatePose(begPose, endPose, alpha)
	worldToSensor := spatialmath.Compose(extrinsics, worldToRef)
	return predictPixelFromWorldToSensor(worldPt, worldToSensor, s)
}

// reprojectionCostFromWorldToSensor computes the Cauchy-robustified
// reprojection term directly from a T_world->sensor pose.
func reprojectionCostFromWorldToSensor(worldPt r3.Vector, worldToSensor spatialmath.Pose, s *rig.Sensor, observed r2.Point, tau float64) float64 {
	pred := predictPixelFromWorldToSensor(worldPt, worldToSensor, s)
	dx, dy := pred.X-observed.X, pred.Y-observed.Y
	return cauchyCost(dx*dx+dy*dy, tau)
}

// reprojectionCost computes the Cauchy-robustified reprojection term for
// one (pid, cid, fid) inlier.
func reprojectionCost(worldPt r3.Vector, begPose, endPose spatialmath.Pose, alpha float64, extrinsics spatialmath.Pose, s *rig.Sensor, observed r2.Point, tau float64) float64 {
	pred := predictPixel(worldPt, begPose, endPose, alpha, extrinsics, s)
	dx, dy := pred.X-observed.X, pred.Y-observed.Y
	return cauchyCost(dx*dx+dy*dy, tau)
}

// depthToWorldFromSensorPose transforms a raw depth sample through
// depth->image->world directly from an already-composed T_world->sensor
// pose, applying the sensor's depth scale, per the C8 depth-triangulation
// term.
func depthToWorldFromSensorPose(depthPt r3.Vector, s *rig.Sensor, worldToSensor spatialmath.Pose) r3.Vector {
	scaled := depthPt.Mul(s.DepthScale)
	inImage := spatialmath.Transform(s.DepthToImage, scaled)
	sensorToWorld := spatialmath.Invert(worldToSensor)
	return spatialmath.Transform(sensorToWorld, inImage)
}

// depthToWorld transforms a raw depth sample through depth->image->ref->world,
// applying the sensor's depth scale, per the C8 depth-triangulation term.
func depthToWorld(depthPt r3.Vector, s *rig.Sensor, extrinsics, worldToRef spatialmath.Pose) r3.Vector {
	return depthToWorldFromSensorPose(depthPt, s, spatialmath.Compose(extrinsics, worldToRef))
}

func weightedSquaredNorm(a, b r3.Vector, w float64) float64 {
	d := a.Sub(b)
	n2 := d.Dot(d)
	return w * w * n2
}

// depthTriangulationCost is the C8 depth-triangulation term: compare the
// depth-derived world point to the track's triangulated world point.
func depthTriangulationCost(worldPt, depthWorldPt r3.Vector, weight float64) float64 {
	return weightedSquaredNorm(worldPt, depthWorldPt, weight)
}

// depthMeshCost is the C8 depth-mesh term: compare the depth-derived world
// point to the mesh hit along the same ray.
func depthMeshCost(meshHit, depthWorldPt r3.Vector, weight float64) float64 {
	return weightedSquaredNorm(meshHit, depthWorldPt, weight)
}

// trackMeshCost is the C8 track-mesh term: compare the track's triangulated
// point to the average of its per-feature mesh hits.
func trackMeshCost(meshAvg, worldPt r3.Vector, weight float64) float64 {
	return weightedSquaredNorm(meshAvg, worldPt, weight)
}

// offsetBoundPenaltyWeight is the quadratic penalty's steepness. It needs to
// dominate the reprojection/depth terms near the boundary so the solver
// treats crossing it as strongly unfavorable without the cost surface
// becoming unusable away from the boundary, where the penalty is exactly 0.
const offsetBoundPenaltyWeight = 1e8

// offsetBoundPenalty implements spec section 4.8's "bound it to
// [min_offset_s, max_offset_s]" for --float_timestamp_offsets.
// gonum/optimize's LBFGS is unconstrained, so the bound is enforced as a
// quadratic penalty rather than a true box constraint.
func offsetBoundPenalty(offset, min, max float64) float64 {
	switch {
	case offset < min:
		d := min - offset
		return offsetBoundPenaltyWeight * d * d
	case offset > max:
		d := offset - max
		return offsetBoundPenaltyWeight * d * d
	default:
		return 0
	}
}
