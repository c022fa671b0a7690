package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestTransformIdentity(t *testing.T) {
	p := NewZeroPose()
	pt := r3.Vector{X: 1, Y: 2, Z: 3}
	out := Transform(p, pt)
	test.That(t, R3VectorAlmostEqual(out, pt, 1e-9), test.ShouldBeTrue)
}

func TestTransformTranslationOnly(t *testing.T) {
	p := NewPose(r3.Vector{X: 10, Y: 0, Z: 0}, nil)
	out := Transform(p, r3.Vector{X: 1, Y: 1, Z: 1})
	test.That(t, R3VectorAlmostEqual(out, r3.Vector{X: 11, Y: 1, Z: 1}, 1e-9), test.ShouldBeTrue)
}

func TestTransformRotationQuarterTurnAboutZ(t *testing.T) {
	o := NewOrientationFromQuaternion(math.Sqrt2/2, 0, 0, math.Sqrt2/2)
	p := NewPose(r3.Vector{}, o)
	out := Transform(p, r3.Vector{X: 1, Y: 0, Z: 0})
	test.That(t, R3VectorAlmostEqual(out, r3.Vector{X: 0, Y: 1, Z: 0}, 1e-9), test.ShouldBeTrue)
}

func TestInvertRoundTrip(t *testing.T) {
	o := NewOrientationFromQuaternion(0.5, 0.5, 0.5, 0.5)
	p := NewPose(r3.Vector{X: 3, Y: -1, Z: 2}, o)
	inv := Invert(p)
	pt := r3.Vector{X: 5, Y: 7, Z: -2}
	roundTrip := Transform(inv, Transform(p, pt))
	test.That(t, R3VectorAlmostEqual(roundTrip, pt, 1e-9), test.ShouldBeTrue)
}

func TestComposeMatchesSequentialTransform(t *testing.T) {
	oa := NewOrientationFromQuaternion(math.Sqrt2/2, 0, 0, math.Sqrt2/2)
	a := NewPose(r3.Vector{X: 1, Y: 0, Z: 0}, oa)
	ob := NewOrientationFromQuaternion(1, 0, 0, 0)
	b := NewPose(r3.Vector{X: 0, Y: 1, Z: 0}, ob)

	composed := Compose(a, b)
	pt := r3.Vector{X: 2, Y: 3, Z: 5}

	direct := Transform(a, Transform(b, pt))
	viaComposed := Transform(composed, pt)
	test.That(t, R3VectorAlmostEqual(direct, viaComposed, 1e-9), test.ShouldBeTrue)
}

func TestComposeWithIdentityIsNoop(t *testing.T) {
	o := NewOrientationFromQuaternion(0.7, 0.1, 0.1, 0.7)
	p := NewPose(r3.Vector{X: 4, Y: 5, Z: 6}, o)
	composed := Compose(p, NewZeroPose())
	test.That(t, R3VectorAlmostEqual(composed.Point(), p.Point(), 1e-9), test.ShouldBeTrue)
}
