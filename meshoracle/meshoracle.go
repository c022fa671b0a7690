// Package meshoracle implements the mesh-proximity oracle (C7): given a
// pixel, a sensor, and a world-to-camera transform, back-project a ray and
// intersect it with the calibration target's mesh.
package meshoracle

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/rigcal/spatialmath"
)

// Oracle answers mesh-intersection queries against a single fixed mesh.
type Oracle struct {
	mesh       *spatialmath.Mesh
	dMin, dMax float64
}

// New builds an Oracle over mesh, restricting ray queries to the distance
// interval [dMin, dMax].
func New(mesh *spatialmath.Mesh, dMin, dMax float64) *Oracle {
	return &Oracle{mesh: mesh, dMin: dMin, dMax: dMax}
}

// Hit queries the mesh for the feature observed at normalized camera-frame
// coordinate px (undistorted, focal-normalized), as seen by a camera at
// worldToCam. It returns the hit point in world coordinates, or false if
// the back-projected ray misses the mesh within [dMin, dMax].
func (o *Oracle) Hit(px r2.Point, worldToCam spatialmath.Pose) (r3.Vector, bool) {
	camToWorld := spatialmath.Invert(worldToCam)
	origin := camToWorld.Point()
	dirCam := r3.Vector{X: px.X, Y: px.Y, Z: 1}
	dir := spatialmath.Transform(camToWorld, dirCam).Sub(origin)
	return o.mesh.IntersectRay(origin, dir, o.dMin, o.dMax)
}

// TrackAverage computes the mesh-hit average for a track given the
// per-feature hits already computed for its members (spec: "report the
// average of all per-feature hits"). It returns false if no member has a
// valid hit.
func TrackAverage(hits []r3.Vector) (r3.Vector, bool) {
	if len(hits) == 0 {
		return r3.Vector{}, false
	}
	sum := r3.Vector{}
	for _, h := range hits {
		sum = sum.Add(h)
	}
	return sum.Mul(1.0 / float64(len(hits))), true
}
