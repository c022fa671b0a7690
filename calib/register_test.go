package calib

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rigcal/rig"
	"go.viam.com/rigcal/spatialmath"
)

func TestFitRejectsTooFewControlPoints(t *testing.T) {
	_, err := Fit([]ControlPoint{
		{Name: "a", Target: r3.Vector{}, Unregistered: r3.Vector{}},
		{Name: "b", Target: r3.Vector{X: 1}, Unregistered: r3.Vector{X: 1}},
	})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFitRecoversPureTranslation(t *testing.T) {
	offset := r3.Vector{X: 5, Y: -2, Z: 1}
	points := []ControlPoint{
		{Name: "a", Unregistered: r3.Vector{X: 0, Y: 0, Z: 0}, Target: r3.Vector{X: 0, Y: 0, Z: 0}.Add(offset)},
		{Name: "b", Unregistered: r3.Vector{X: 1, Y: 0, Z: 0}, Target: r3.Vector{X: 1, Y: 0, Z: 0}.Add(offset)},
		{Name: "c", Unregistered: r3.Vector{X: 0, Y: 1, Z: 0}, Target: r3.Vector{X: 0, Y: 1, Z: 0}.Add(offset)},
		{Name: "d", Unregistered: r3.Vector{X: 0, Y: 0, Z: 1}, Target: r3.Vector{X: 0, Y: 0, Z: 1}.Add(offset)},
	}
	transform, err := Fit(points)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, transform.Scale, test.ShouldAlmostEqual, 1.0, 1e-6)

	for _, p := range points {
		got := transform.Apply(p.Unregistered)
		test.That(t, got.X, test.ShouldAlmostEqual, p.Target.X, 1e-6)
		test.That(t, got.Y, test.ShouldAlmostEqual, p.Target.Y, 1e-6)
		test.That(t, got.Z, test.ShouldAlmostEqual, p.Target.Z, 1e-6)
	}
}

func TestFitRecoversScaleAndRotation(t *testing.T) {
	scale := 2.0
	unregistered := []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 0, Y: 0, Z: 1},
	}
	// rotate 90 degrees about Z: (x,y,z) -> (-y,x,z)
	points := make([]ControlPoint, len(unregistered))
	for i, u := range unregistered {
		rotated := r3.Vector{X: -u.Y, Y: u.X, Z: u.Z}
		points[i] = ControlPoint{Unregistered: u, Target: rotated.Mul(scale)}
	}

	transform, err := Fit(points)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, transform.Scale, test.ShouldAlmostEqual, scale, 1e-6)

	for i, p := range points {
		got := transform.Apply(p.Unregistered)
		test.That(t, got.X, test.ShouldAlmostEqual, p.Target.X, 1e-5)
		test.That(t, got.Y, test.ShouldAlmostEqual, p.Target.Y, 1e-5)
		test.That(t, got.Z, test.ShouldAlmostEqual, p.Target.Z, 1e-5)
		_ = i
	}
}

func TestFitRejectsCoincidentControlPoints(t *testing.T) {
	points := []ControlPoint{
		{Unregistered: r3.Vector{}, Target: r3.Vector{X: 1}},
		{Unregistered: r3.Vector{}, Target: r3.Vector{X: 2}},
		{Unregistered: r3.Vector{}, Target: r3.Vector{X: 3}},
	}
	_, err := Fit(points)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestApplyMovesWorldPointsAndRefPoses(t *testing.T) {
	identity, _ := spatialmath.NewRotationMatrix([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	transform := SimilarityTransform{Scale: 2, Rotation: identity, Translation: r3.Vector{X: 1, Y: 0, Z: 0}}

	worldPoints := map[int]r3.Vector{0: {X: 1, Y: 1, Z: 1}}
	refPoses := []spatialmath.Pose{spatialmath.NewPose(r3.Vector{X: 0, Y: 0, Z: 0}, spatialmath.NewZeroOrientation())}

	s0 := &rig.Sensor{Index: 0}
	r := rig.New([]*rig.Sensor{s0})

	err := Apply(transform, worldPoints, refPoses, r)
	test.That(t, err, test.ShouldBeNil)

	got := worldPoints[0]
	test.That(t, got.X, test.ShouldAlmostEqual, 3.0, 1e-9) // 2*1 + 1
	test.That(t, got.Y, test.ShouldAlmostEqual, 2.0, 1e-9)
	test.That(t, got.Z, test.ShouldAlmostEqual, 2.0, 1e-9)

	// refPoses are world-to-camera poses, not points: per TransformCameras,
	// translation' = scale*translation - linear'*T.translation(), which
	// here (identity rotation on both sides) is 2*0 - 1*(1,0,0) = (-1,0,0),
	// not the point-transform result of (1,0,0).
	test.That(t, refPoses[0].Point().X, test.ShouldAlmostEqual, -1.0, 1e-9)
}

func TestApplyTransformsRefPosesAsWorldToCameraNotAsPoints(t *testing.T) {
	// transform.Rotation is a +90deg rotation about Z: [[0,-1,0],[1,0,0],[0,0,1]].
	rot90, err := spatialmath.NewRotationMatrix([]float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	test.That(t, err, test.ShouldBeNil)
	transform := SimilarityTransform{Scale: 2, Rotation: rot90, Translation: r3.Vector{X: 1, Y: 0, Z: 0}}

	// The pose's own orientation is a +180deg rotation about Z.
	rot180, err := spatialmath.NewRotationMatrix([]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1})
	test.That(t, err, test.ShouldBeNil)
	refPoses := []spatialmath.Pose{spatialmath.NewPoseFromRotationMatrix(r3.Vector{X: 5, Y: 0, Z: 0}, rot180)}

	s0 := &rig.Sensor{Index: 0}
	r := rig.New([]*rig.Sensor{s0})

	err = Apply(transform, map[int]r3.Vector{}, refPoses, r)
	test.That(t, err, test.ShouldBeNil)

	// Ground truth per TransformCameras: new_linear = R_wr * R^T, which here
	// works out to the same +90deg rotation as transform.Rotation, and
	// new_translation = scale*t_wr - new_linear*transform.Translation =
	// (10,0,0) - (0,1,0) = (10,-1,0).
	got := refPoses[0]
	test.That(t, got.Point().X, test.ShouldAlmostEqual, 10.0, 1e-9)
	test.That(t, got.Point().Y, test.ShouldAlmostEqual, -1.0, 1e-9)
	test.That(t, got.Point().Z, test.ShouldAlmostEqual, 0.0, 1e-9)

	rm := got.Orientation().RotationMatrix()
	expected := [9]float64{0, -1, 0, 1, 0, 0, 0, 0, 1}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, rm.At(i, j), test.ShouldAlmostEqual, expected[i*3+j], 1e-9)
		}
	}
}

func TestApplyScalesAffineDepthButNotRigidDepth(t *testing.T) {
	identity, _ := spatialmath.NewRotationMatrix([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	transform := SimilarityTransform{Scale: 3, Rotation: identity, Translation: r3.Vector{}}

	affine := &rig.Sensor{Index: 1, DepthToImage: spatialmath.NewZeroPose(), DepthIsAffine: true, DepthScale: 1}
	rigid := &rig.Sensor{Index: 2, DepthToImage: spatialmath.NewZeroPose(), DepthIsAffine: false, DepthScale: 1}
	ref := &rig.Sensor{Index: 0}
	r := rig.New([]*rig.Sensor{ref, affine, rigid})

	err := Apply(transform, map[int]r3.Vector{}, []spatialmath.Pose{}, r)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, affine.DepthScale, test.ShouldAlmostEqual, 3.0, 1e-9)
	test.That(t, rigid.DepthScale, test.ShouldAlmostEqual, 1.0, 1e-9)
}

func TestApplyScalesExtrinsicAndDepthToImageTranslations(t *testing.T) {
	identity, _ := spatialmath.NewRotationMatrix([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	transform := SimilarityTransform{Scale: 2, Rotation: identity, Translation: r3.Vector{}}

	ref := &rig.Sensor{Index: 0, Extrinsics: spatialmath.NewZeroPose()}
	nonRef := &rig.Sensor{
		Index:        1,
		Extrinsics:   spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, identity),
		DepthToImage: spatialmath.NewPose(r3.Vector{X: 4, Y: 5, Z: 6}, identity),
		DepthScale:   1,
	}
	r := rig.New([]*rig.Sensor{ref, nonRef})

	err := Apply(transform, map[int]r3.Vector{}, []spatialmath.Pose{}, r)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, nonRef.Extrinsics.Point().X, test.ShouldAlmostEqual, 2.0, 1e-9)
	test.That(t, nonRef.Extrinsics.Point().Y, test.ShouldAlmostEqual, 4.0, 1e-9)
	test.That(t, nonRef.Extrinsics.Point().Z, test.ShouldAlmostEqual, 6.0, 1e-9)

	test.That(t, nonRef.DepthToImage.Point().X, test.ShouldAlmostEqual, 8.0, 1e-9)
	test.That(t, nonRef.DepthToImage.Point().Y, test.ShouldAlmostEqual, 10.0, 1e-9)
	test.That(t, nonRef.DepthToImage.Point().Z, test.ShouldAlmostEqual, 12.0, 1e-9)

	test.That(t, ref.Extrinsics.Point().X, test.ShouldAlmostEqual, 0.0, 1e-9)
}

func TestFitScaleIsRatioOfRMSDistances(t *testing.T) {
	points := []ControlPoint{
		{Unregistered: r3.Vector{X: 1, Y: 0, Z: 0}, Target: r3.Vector{X: 2, Y: 0, Z: 0}},
		{Unregistered: r3.Vector{X: -1, Y: 0, Z: 0}, Target: r3.Vector{X: -2, Y: 0, Z: 0}},
		{Unregistered: r3.Vector{X: 0, Y: 1, Z: 0}, Target: r3.Vector{X: 0, Y: 2, Z: 0}},
	}
	transform, err := Fit(points)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, math.Abs(transform.Scale-2.0) < 1e-6, test.ShouldBeTrue)
}
