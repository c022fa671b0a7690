package residuals

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rigcal/spatialmath"
)

func TestAxisAngleQuaternionRoundTrips(t *testing.T) {
	vecs := []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 0.3, Y: 0, Z: 0},
		{X: 0, Y: 0.7, Z: -0.2},
		{X: 1.1, Y: 0.4, Z: -0.9},
	}
	for _, v := range vecs {
		w, x, y, z := axisAngleToQuaternion(v)
		got := quaternionToAxisAngle(w, x, y, z)
		test.That(t, got.X, test.ShouldAlmostEqual, v.X, 1e-9)
		test.That(t, got.Y, test.ShouldAlmostEqual, v.Y, 1e-9)
		test.That(t, got.Z, test.ShouldAlmostEqual, v.Z, 1e-9)
	}
}

func TestFramePoseRoundTrips(t *testing.T) {
	p := spatialmath.NewPose(
		r3.Vector{X: 1, Y: 2, Z: 3},
		spatialmath.NewOrientationFromQuaternion(math.Cos(0.3), 0, math.Sin(0.3), 0),
	)
	fp := NewFramePose(p)
	got := fp.Pose()

	gw, gx, gy, gz := got.Orientation().Quaternion()
	w, x, y, z := p.Orientation().Quaternion()
	test.That(t, got.Point().X, test.ShouldAlmostEqual, p.Point().X, 1e-9)
	test.That(t, got.Point().Y, test.ShouldAlmostEqual, p.Point().Y, 1e-9)
	test.That(t, got.Point().Z, test.ShouldAlmostEqual, p.Point().Z, 1e-9)
	test.That(t, math.Abs(gw*w+gx*x+gy*y+gz*z), test.ShouldAlmostEqual, 1.0, 1e-9)
}

func TestInterpolatePoseAtEndpoints(t *testing.T) {
	beg := spatialmath.NewPose(r3.Vector{X: 0, Y: 0, Z: 0}, spatialmath.NewZeroOrientation())
	end := spatialmath.NewPose(r3.Vector{X: 10, Y: 0, Z: 0}, spatialmath.NewZeroOrientation())

	at0 := InterpolatePose(beg, end, 0)
	test.That(t, at0.Point().X, test.ShouldAlmostEqual, 0.0, 1e-9)

	at1 := InterpolatePose(beg, end, 1)
	test.That(t, at1.Point().X, test.ShouldAlmostEqual, 10.0, 1e-9)

	atHalf := InterpolatePose(beg, end, 0.5)
	test.That(t, atHalf.Point().X, test.ShouldAlmostEqual, 5.0, 1e-9)
}

func TestInterpolatePoseSamePoseShortCircuits(t *testing.T) {
	p := spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, spatialmath.NewZeroOrientation())
	got := InterpolatePose(p, p, 0.7)
	test.That(t, got.Point().X, test.ShouldAlmostEqual, 1.0, 1e-9)
	test.That(t, got.Point().Y, test.ShouldAlmostEqual, 2.0, 1e-9)
	test.That(t, got.Point().Z, test.ShouldAlmostEqual, 3.0, 1e-9)
}

func TestSlerpQuaternionPreservesUnitNorm(t *testing.T) {
	w, x, y, z := slerpQuaternion(1, 0, 0, 0, 0, 1, 0, 0, 0.25)
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	test.That(t, n, test.ShouldAlmostEqual, 1.0, 1e-9)
}
