package residuals

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/rigcal/spatialmath"
)

// FramePose is the minimal 6-parameter rigid-pose representation the
// assembler optimizes over: a translation plus a rotation vector
// (axis-angle, magnitude = angle in radians). Axis-angle is the standard
// unconstrained rotation parameterization for bundle adjustment -- the same
// choice `original_source/rig_calibrator`'s Ceres-based solver makes for
// its own camera-pose blocks.
type FramePose struct {
	Translation r3.Vector
	Rotation    r3.Vector
}

// NewFramePose decomposes a Pose into its FramePose parameterization.
func NewFramePose(p spatialmath.Pose) *FramePose {
	w, x, y, z := p.Orientation().Quaternion()
	return &FramePose{Translation: p.Point(), Rotation: quaternionToAxisAngle(w, x, y, z)}
}

// Pose reconstructs the rigid Pose this FramePose currently represents.
func (f *FramePose) Pose() spatialmath.Pose {
	w, x, y, z := axisAngleToQuaternion(f.Rotation)
	return spatialmath.NewPose(f.Translation, spatialmath.NewOrientationFromQuaternion(w, x, y, z))
}

func axisAngleToQuaternion(v r3.Vector) (w, x, y, z float64) {
	theta := v.Norm()
	if theta < 1e-12 {
		return 1, 0, 0, 0
	}
	s := math.Sin(theta / 2)
	axis := v.Mul(1 / theta)
	return math.Cos(theta / 2), axis.X * s, axis.Y * s, axis.Z * s
}

func quaternionToAxisAngle(w, x, y, z float64) r3.Vector {
	// clamp for numerical safety before acos
	if w > 1 {
		w = 1
	} else if w < -1 {
		w = -1
	}
	theta := 2 * math.Acos(w)
	s := math.Sqrt(1 - w*w)
	if s < 1e-12 {
		return r3.Vector{}
	}
	return r3.Vector{X: x / s, Y: y / s, Z: z / s}.Mul(theta)
}

// slerpQuaternion spherically interpolates between two unit quaternions at
// fraction alpha in [0,1], taking the short arc.
func slerpQuaternion(w0, x0, y0, z0, w1, x1, y1, z1, alpha float64) (w, x, y, z float64) {
	dot := w0*w1 + x0*x1 + y0*y1 + z0*z1
	if dot < 0 {
		w1, x1, y1, z1, dot = -w1, -x1, -y1, -z1, -dot
	}
	if dot > 0.9995 {
		// nearly colinear: fall back to linear interpolation + renormalize
		w = w0 + alpha*(w1-w0)
		x = x0 + alpha*(x1-x0)
		y = y0 + alpha*(y1-y0)
		z = z0 + alpha*(z1-z0)
		n := math.Sqrt(w*w + x*x + y*y + z*z)
		return w / n, x / n, y / n, z / n
	}
	theta0 := math.Acos(dot)
	theta := theta0 * alpha
	s0 := math.Sin(theta0-theta) / math.Sin(theta0)
	s1 := math.Sin(theta) / math.Sin(theta0)
	return w0*s0 + w1*s1, x0*s0 + x1*s1, y0*s0 + y1*s1, z0*s0 + z1*s1
}

// InterpolatePose implements the C8 interpolation contract: at alpha==0 (or
// beg==end) returns beg verbatim; translation lerps linearly, rotation
// slerps over the unit quaternion.
func InterpolatePose(beg, end spatialmath.Pose, alpha float64) spatialmath.Pose {
	if beg == end || alpha == 0 {
		return beg
	}
	pb, pe := beg.Point(), end.Point()
	t := r3.Vector{
		X: pb.X + alpha*(pe.X-pb.X),
		Y: pb.Y + alpha*(pe.Y-pb.Y),
		Z: pb.Z + alpha*(pe.Z-pb.Z),
	}
	w0, x0, y0, z0 := beg.Orientation().Quaternion()
	w1, x1, y1, z1 := end.Orientation().Quaternion()
	w, x, y, z := slerpQuaternion(w0, x0, y0, z0, w1, x1, y1, z1, alpha)
	return spatialmath.NewPose(t, spatialmath.NewOrientationFromQuaternion(w, x, y, z))
}
