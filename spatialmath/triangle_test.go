package spatialmath

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func unitTriangleXY() *Triangle {
	return NewTriangle(
		r3.Vector{X: 0, Y: 0, Z: 0},
		r3.Vector{X: 1, Y: 0, Z: 0},
		r3.Vector{X: 0, Y: 1, Z: 0},
	)
}

func TestTriangleCentroid(t *testing.T) {
	tri := unitTriangleXY()
	c := tri.Centroid()
	test.That(t, R3VectorAlmostEqual(c, r3.Vector{X: 1.0 / 3, Y: 1.0 / 3, Z: 0}, 1e-9), test.ShouldBeTrue)
}

func TestTriangleIntersectRayHit(t *testing.T) {
	tri := unitTriangleXY()
	s, ok := tri.IntersectRay(r3.Vector{X: 0.2, Y: 0.2, Z: 5}, r3.Vector{X: 0, Y: 0, Z: -1})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, s, test.ShouldAlmostEqual, 5.0)
}

func TestTriangleIntersectRayMiss(t *testing.T) {
	tri := unitTriangleXY()
	_, ok := tri.IntersectRay(r3.Vector{X: 5, Y: 5, Z: 5}, r3.Vector{X: 0, Y: 0, Z: -1})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestTriangleIntersectRayBehindOrigin(t *testing.T) {
	tri := unitTriangleXY()
	_, ok := tri.IntersectRay(r3.Vector{X: 0.2, Y: 0.2, Z: -5}, r3.Vector{X: 0, Y: 0, Z: -1})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestTriangleIntersectRayParallel(t *testing.T) {
	tri := unitTriangleXY()
	_, ok := tri.IntersectRay(r3.Vector{X: 0.2, Y: 0.2, Z: 1}, r3.Vector{X: 1, Y: 0, Z: 0})
	test.That(t, ok, test.ShouldBeFalse)
}
