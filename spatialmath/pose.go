package spatialmath

import "github.com/golang/geo/r3"

// Pose is a rigid transform: a translation plus an orientation. The
// calibration engine uses Pose both for per-frame world-to-reference poses
// and for the fixed reference-to-sensor extrinsics.
type Pose interface {
	Point() r3.Vector
	Orientation() Orientation
}

type pose struct {
	point       r3.Vector
	orientation Orientation
}

// NewPose builds a Pose from a translation and an orientation.
func NewPose(point r3.Vector, orientation Orientation) Pose {
	if orientation == nil {
		orientation = NewZeroOrientation()
	}
	return &pose{point, orientation}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return &pose{r3.Vector{}, NewZeroOrientation()}
}

// NewPoseFromRotationMatrix builds a Pose from a translation and a
// RotationMatrix, as used by the rig configuration's row-major 3x4 blocks.
func NewPoseFromRotationMatrix(point r3.Vector, rot *RotationMatrix) Pose {
	return &pose{point, rot}
}

func (p *pose) Point() r3.Vector         { return p.point }
func (p *pose) Orientation() Orientation { return p.orientation }

// Transform applies pose p to point pt: p.R*pt + p.t.
func Transform(p Pose, pt r3.Vector) r3.Vector {
	r := p.Orientation().RotationMatrix()
	return r3.Vector{
		X: r.At(0, 0)*pt.X + r.At(0, 1)*pt.Y + r.At(0, 2)*pt.Z,
		Y: r.At(1, 0)*pt.X + r.At(1, 1)*pt.Y + r.At(1, 2)*pt.Z,
		Z: r.At(2, 0)*pt.X + r.At(2, 1)*pt.Y + r.At(2, 2)*pt.Z,
	}.Add(p.Point())
}

// Compose returns the pose equivalent to first applying b, then a: for a
// point x, Compose(a,b) applied to x equals a applied to (b applied to x).
func Compose(a, b Pose) Pose {
	ra := a.Orientation().RotationMatrix()
	rb := b.Orientation().RotationMatrix()
	data := make([]float64, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += ra.At(i, k) * rb.At(k, j)
			}
			data[i*3+j] = sum
		}
	}
	rc, _ := NewRotationMatrix(data)
	translation := Transform(a, b.Point())
	return NewPoseFromRotationMatrix(translation, rc)
}

// Invert returns the inverse of pose p: R^T, -R^T*t.
func Invert(p Pose) Pose {
	r := p.Orientation().RotationMatrix()
	data := make([]float64, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			data[j*3+i] = r.At(i, j)
		}
	}
	rinv, _ := NewRotationMatrix(data)
	t := p.Point()
	negRt := r3.Vector{
		X: -(rinv.At(0, 0)*t.X + rinv.At(0, 1)*t.Y + rinv.At(0, 2)*t.Z),
		Y: -(rinv.At(1, 0)*t.X + rinv.At(1, 1)*t.Y + rinv.At(1, 2)*t.Z),
		Z: -(rinv.At(2, 0)*t.X + rinv.At(2, 1)*t.Y + rinv.At(2, 2)*t.Z),
	}
	return NewPoseFromRotationMatrix(negRt, rinv)
}
