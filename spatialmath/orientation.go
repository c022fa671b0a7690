package spatialmath

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Orientation is the interface implemented by the different parameterizations
// of a 3D rotation that the calibration engine needs to move between: the
// raw 3x3 rotation matrix consumed by the residual assembler and the
// quaternion form required by the NVM file format.
type Orientation interface {
	RotationMatrix() *RotationMatrix
	Quaternion() (w, x, y, z float64)
}

// RotationMatrix wraps a 3x3 rotation in row-major form.
type RotationMatrix struct {
	mat *mat.Dense
}

// NewRotationMatrix builds a RotationMatrix from 9 row-major doubles. It does
// not check orthonormality; callers that need that guarantee should use
// CheckValid.
func NewRotationMatrix(data []float64) (*RotationMatrix, error) {
	if len(data) != 9 {
		return nil, errors.Errorf("rotation matrix needs 9 elements, got %d", len(data))
	}
	m := mat.NewDense(3, 3, append([]float64{}, data...))
	return &RotationMatrix{m}, nil
}

// CheckValid reports whether the matrix is orthonormal (R^T R == I) within
// tolerance, which is a necessary condition for a valid rotation.
func (r *RotationMatrix) CheckValid(tol float64) error {
	var rtr mat.Dense
	rtr.Mul(r.mat.T(), r.mat)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(rtr.At(i, j)-want) > tol {
				return errors.Errorf("rotation matrix is not orthonormal at (%d,%d): %v", i, j, rtr.At(i, j))
			}
		}
	}
	return nil
}

// At returns the (i,j) entry of the rotation matrix.
func (r *RotationMatrix) At(i, j int) float64 { return r.mat.At(i, j) }

// Raw returns the row-major 9-element slice backing the matrix.
func (r *RotationMatrix) Raw() []float64 {
	out := make([]float64, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = r.mat.At(i, j)
		}
	}
	return out
}

// RotationMatrix implements Orientation by returning itself.
func (r *RotationMatrix) RotationMatrix() *RotationMatrix { return r }

// Quaternion converts the rotation matrix to a unit quaternion using the
// standard trace-based extraction.
func (r *RotationMatrix) Quaternion() (w, x, y, z float64) {
	m := r.mat
	trace := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1.0)
		w = 0.25 / s
		x = (m.At(2, 1) - m.At(1, 2)) * s
		y = (m.At(0, 2) - m.At(2, 0)) * s
		z = (m.At(1, 0) - m.At(0, 1)) * s
	case m.At(0, 0) > m.At(1, 1) && m.At(0, 0) > m.At(2, 2):
		s := 2.0 * math.Sqrt(1.0+m.At(0, 0)-m.At(1, 1)-m.At(2, 2))
		w = (m.At(2, 1) - m.At(1, 2)) / s
		x = 0.25 * s
		y = (m.At(0, 1) + m.At(1, 0)) / s
		z = (m.At(0, 2) + m.At(2, 0)) / s
	case m.At(1, 1) > m.At(2, 2):
		s := 2.0 * math.Sqrt(1.0+m.At(1, 1)-m.At(0, 0)-m.At(2, 2))
		w = (m.At(0, 2) - m.At(2, 0)) / s
		x = (m.At(0, 1) + m.At(1, 0)) / s
		y = 0.25 * s
		z = (m.At(1, 2) + m.At(2, 1)) / s
	default:
		s := 2.0 * math.Sqrt(1.0+m.At(2, 2)-m.At(0, 0)-m.At(1, 1))
		w = (m.At(1, 0) - m.At(0, 1)) / s
		x = (m.At(0, 2) + m.At(2, 0)) / s
		y = (m.At(1, 2) + m.At(2, 1)) / s
		z = 0.25 * s
	}
	return normalizeQuat(w, x, y, z)
}

// QuaternionToRotationMatrix converts a unit quaternion (w,x,y,z) to a
// RotationMatrix.
func QuaternionToRotationMatrix(w, x, y, z float64) *RotationMatrix {
	w, x, y, z = normalizeQuat(w, x, y, z)
	data := []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}
	m := mat.NewDense(3, 3, data)
	return &RotationMatrix{m}
}

func normalizeQuat(w, x, y, z float64) (float64, float64, float64, float64) {
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	if n < floatEpsilon {
		return 1, 0, 0, 0
	}
	return w / n, x / n, y / n, z / n
}

// quaternionOrientation is an Orientation backed directly by a quaternion;
// used where the natural representation is already a quaternion (e.g. NVM
// camera rows) and converting to a matrix first would lose no information
// but cost an extra allocation.
type quaternionOrientation struct {
	w, x, y, z float64
}

// NewOrientationFromQuaternion returns an Orientation from a unit quaternion.
func NewOrientationFromQuaternion(w, x, y, z float64) Orientation {
	w, x, y, z = normalizeQuat(w, x, y, z)
	return &quaternionOrientation{w, x, y, z}
}

// NewZeroOrientation returns the identity orientation.
func NewZeroOrientation() Orientation {
	return &quaternionOrientation{1, 0, 0, 0}
}

func (q *quaternionOrientation) RotationMatrix() *RotationMatrix {
	return QuaternionToRotationMatrix(q.w, q.x, q.y, q.z)
}

func (q *quaternionOrientation) Quaternion() (float64, float64, float64, float64) {
	return q.w, q.x, q.y, q.z
}
