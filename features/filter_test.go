package features

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rigcal/rig"
	"go.viam.com/rigcal/spatialmath"
)

func pinholeSensor(t *testing.T) *rig.Sensor {
	dist, err := rig.NewDistortion(rig.DistortionNone, nil)
	test.That(t, err, test.ShouldBeNil)
	return &rig.Sensor{
		Intrinsics: rig.Intrinsics{Focal: 500, PrincipalPoint: r2.Point{X: 320, Y: 240}},
		Distortion: dist,
	}
}

func worldToCamAt(camPos r3.Vector) spatialmath.Pose {
	o := spatialmath.NewZeroOrientation()
	rotMat := o.RotationMatrix()
	t := r3.Vector{
		X: -(rotMat.At(0, 0)*camPos.X + rotMat.At(0, 1)*camPos.Y + rotMat.At(0, 2)*camPos.Z),
		Y: -(rotMat.At(1, 0)*camPos.X + rotMat.At(1, 1)*camPos.Y + rotMat.At(1, 2)*camPos.Z),
		Z: -(rotMat.At(2, 0)*camPos.X + rotMat.At(2, 1)*camPos.Y + rotMat.At(2, 2)*camPos.Z),
	}
	return spatialmath.NewPose(t, o)
}

func projectPixel(s *rig.Sensor, worldToCam spatialmath.Pose, worldPt r3.Vector) r2.Point {
	local := spatialmath.Transform(worldToCam, worldPt)
	n := r2.Point{X: local.X / local.Z, Y: local.Y / local.Z}
	return s.Intrinsics.NormalizedToPixel(n)
}

func TestGeometricPreFilterKeepsConsistentMatchAndDropsOutlier(t *testing.T) {
	s1, s2 := pinholeSensor(t), pinholeSensor(t)
	w1 := worldToCamAt(r3.Vector{X: -1, Y: 0, Z: 0})
	w2 := worldToCamAt(r3.Vector{X: 1, Y: 0, Z: 0})
	worldPt := r3.Vector{X: 0, Y: 0, Z: 10}

	px1 := projectPixel(s1, w1, worldPt)
	px2 := projectPixel(s2, w2, worldPt)

	kps1 := []Keypoint{{X: px1.X, Y: px1.Y}, {X: 5, Y: 5}}
	kps2 := []Keypoint{{X: px2.X, Y: px2.Y}, {X: 900, Y: 900}}

	matches := []PairMatch{{Idx1: 0, Idx2: 0}, {Idx1: 1, Idx2: 1}}
	kept := GeometricPreFilter(matches, kps1, kps2, s1, s2, w1, w2, 2.0)
	test.That(t, len(kept), test.ShouldEqual, 1)
	test.That(t, kept[0].Idx1, test.ShouldEqual, 0)
}

func TestRANSACAffine2DRecoversTranslation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var pairs []PointPair
	for i := 0; i < 10; i++ {
		p1 := r2.Point{X: float64(i) * 10, Y: float64(i) * 3}
		pairs = append(pairs, PointPair{P1: p1, P2: r2.Point{X: p1.X + 5, Y: p1.Y + 7}})
	}
	// outliers
	pairs = append(pairs, PointPair{P1: r2.Point{X: 1, Y: 1}, P2: r2.Point{X: 900, Y: -200}})
	pairs = append(pairs, PointPair{P1: r2.Point{X: 2, Y: 9}, P2: r2.Point{X: -500, Y: 400}})

	model, inliers := RANSACAffine2D(pairs, 1.0, 500, 0.99, rng)
	count := 0
	for _, in := range inliers {
		if in {
			count++
		}
	}
	test.That(t, count, test.ShouldEqual, 10)
	got := model.Apply(r2.Point{X: 0, Y: 0})
	test.That(t, got.X > 4 && got.X < 6, test.ShouldBeTrue)
	test.That(t, got.Y > 6 && got.Y < 8, test.ShouldBeTrue)
}

func TestRANSACAffine2DTooFewPointsReturnsNoInliers(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pairs := []PointPair{{P1: r2.Point{X: 0, Y: 0}, P2: r2.Point{X: 1, Y: 1}}}
	_, inliers := RANSACAffine2D(pairs, 1.0, 10, 0.9, rng)
	for _, in := range inliers {
		test.That(t, in, test.ShouldBeFalse)
	}
}
