// Package spatialmath provides the rigid-transform and mesh-geometry
// primitives shared by the calibration engine: poses, rotations, triangles,
// and a bounding-volume hierarchy used for ray/mesh queries.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// floatEpsilon is the tolerance used for near-zero comparisons in the
// geometry routines below.
const floatEpsilon = 1e-8

// R3VectorAlmostEqual returns true if v1 and v2 are within epsilon of each
// other componentwise.
func R3VectorAlmostEqual(v1, v2 r3.Vector, epsilon float64) bool {
	return math.Abs(v1.X-v2.X) <= epsilon &&
		math.Abs(v1.Y-v2.Y) <= epsilon &&
		math.Abs(v1.Z-v2.Z) <= epsilon
}

// PlaneNormal returns the unit normal of the plane defined by three points,
// using a right-handed winding of p0, p1, p2.
func PlaneNormal(p0, p1, p2 r3.Vector) r3.Vector {
	return p1.Sub(p0).Cross(p2.Sub(p0)).Normalize()
}

// ClosestPointSegmentPoint returns the closest point on segment [a,b] to pt.
func ClosestPointSegmentPoint(a, b, pt r3.Vector) r3.Vector {
	ab := b.Sub(a)
	denom := ab.Dot(ab)
	if denom < floatEpsilon {
		return a
	}
	t := pt.Sub(a).Dot(ab) / denom
	t = math.Max(0, math.Min(1, t))
	return a.Add(ab.Mul(t))
}
