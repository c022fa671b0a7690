package meshoracle

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rigcal/spatialmath"
)

func groundPlaneMesh() *spatialmath.Mesh {
	tris := []*spatialmath.Triangle{
		spatialmath.NewTriangle(
			r3.Vector{X: -10, Y: -10, Z: 0},
			r3.Vector{X: 10, Y: -10, Z: 0},
			r3.Vector{X: 0, Y: 10, Z: 0},
		),
	}
	return spatialmath.NewMesh(tris)
}

func TestHitFindsGroundPlaneBelowCamera(t *testing.T) {
	oracle := New(groundPlaneMesh(), 0, 100)
	// Camera at world (0,0,-5) with identity rotation, so its forward (+z)
	// ray in camera space points toward the mesh at world z=0.
	worldToCam := spatialmath.NewPose(r3.Vector{X: 0, Y: 0, Z: 5}, spatialmath.NewZeroOrientation())
	hit, ok := oracle.Hit(r2.Point{X: 0, Y: 0}, worldToCam)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, hit.Z, test.ShouldAlmostEqual, 0.0)
}

func TestHitMissesOutOfRange(t *testing.T) {
	oracle := New(groundPlaneMesh(), 0, 2)
	worldToCam := spatialmath.NewPose(r3.Vector{X: 0, Y: 0, Z: 5}, spatialmath.NewZeroOrientation())
	_, ok := oracle.Hit(r2.Point{X: 0, Y: 0}, worldToCam)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestTrackAverageEmptyHits(t *testing.T) {
	_, ok := TrackAverage(nil)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestTrackAverageComputesMean(t *testing.T) {
	hits := []r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 2, Y: 0, Z: 0}}
	avg, ok := TrackAverage(hits)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, avg.X, test.ShouldAlmostEqual, 1.0)
}
