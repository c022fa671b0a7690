package residuals

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rigcal/bracket"
	"go.viam.com/rigcal/rig"
	"go.viam.com/rigcal/spatialmath"
)

func refSensor() *rig.Sensor {
	d, _ := rig.NewDistortion(rig.DistortionNone, nil)
	s := &rig.Sensor{Index: 0, Distortion: d}
	s.Intrinsics.Focal = 100
	s.Intrinsics.PrincipalPoint = r2.Point{X: 50, Y: 40}
	return s
}

func TestAssembleFuncMatchesReprojectionCostForSingleObservation(t *testing.T) {
	s := refSensor()
	sensors := map[int]*rig.Sensor{0: s}
	refPoses := []spatialmath.Pose{spatialmath.NewZeroPose()}
	images := []ImageInfo{{Sensor: 0, Begin: 0, End: 0, Alpha: 0}}

	worldPt := r3.Vector{X: 1, Y: 2, Z: 10}
	identity := spatialmath.NewZeroPose()
	observed := predictPixel(worldPt, identity, identity, 0, identity, s)

	observations := []Observation{{PID: 0, CID: 0, Sensor: 0, Pixel: observed}}
	tracks := map[int]TrackInfo{0: {WorldPoint: worldPt}}

	cfg := Config{RobustThreshold: 1.0}
	p := Assemble(cfg, refPoses, sensors, images, observations, tracks, nil, nil)

	// reference pose frozen by default (FloatSparseMap false), reference
	// sensor has no extrinsics block and its intrinsics blocks stay frozen
	// (no Float flags set), so the only free parameters are the world point.
	test.That(t, p.Len(), test.ShouldEqual, 3)

	x := p.InitialGuess()
	cost := p.Func(x)
	test.That(t, cost, test.ShouldAlmostEqual, 0.0, 1e-6)
}

func TestAssembleFreezesReferencePoseByDefault(t *testing.T) {
	s := refSensor()
	sensors := map[int]*rig.Sensor{0: s}
	refPoses := []spatialmath.Pose{spatialmath.NewZeroPose(), spatialmath.NewZeroPose()}
	images := []ImageInfo{}
	observations := []Observation{}
	tracks := map[int]TrackInfo{}

	cfg := Config{RobustThreshold: 1.0, FloatSparseMap: false}
	p := Assemble(cfg, refPoses, sensors, images, observations, tracks, nil, nil)
	test.That(t, p.Len(), test.ShouldEqual, 0)
}

func TestAssembleFloatsReferencePoseWhenSparseMapEnabled(t *testing.T) {
	s := refSensor()
	sensors := map[int]*rig.Sensor{0: s}
	refPoses := []spatialmath.Pose{spatialmath.NewZeroPose()}
	images := []ImageInfo{}
	observations := []Observation{}
	tracks := map[int]TrackInfo{}

	cfg := Config{RobustThreshold: 1.0, FloatSparseMap: true}
	p := Assemble(cfg, refPoses, sensors, images, observations, tracks, nil, nil)
	test.That(t, p.Len(), test.ShouldEqual, 6)
}

func TestAssembleFloatsReferenceSensorIntrinsics(t *testing.T) {
	s := refSensor()
	sensors := map[int]*rig.Sensor{0: s}
	refPoses := []spatialmath.Pose{spatialmath.NewZeroPose()}

	cfg := Config{RobustThreshold: 1.0}
	frozen := Assemble(cfg, refPoses, sensors, nil, nil, nil, nil, nil)
	test.That(t, frozen.Len(), test.ShouldEqual, 0)

	s.Float.Focal = true
	s.Float.PrincipalPoint = true
	floated := Assemble(cfg, refPoses, sensors, nil, nil, nil, nil, nil)
	// focal (1) + principal point (2); the reference extrinsic and offset
	// stay frozen regardless of these flags.
	test.That(t, floated.Len(), test.ShouldEqual, 3)
}

func TestAssembleFuncRespondsToSensorOffset(t *testing.T) {
	ref := refSensor()
	nonRef, _ := rig.NewDistortion(rig.DistortionNone, nil)
	haz := &rig.Sensor{Index: 1, Distortion: nonRef, Extrinsics: spatialmath.NewZeroPose()}
	haz.Intrinsics.Focal = 100
	haz.Intrinsics.PrincipalPoint = r2.Point{X: 50, Y: 40}

	sensors := map[int]*rig.Sensor{0: ref, 1: haz}
	beg := spatialmath.NewZeroPose()
	end := spatialmath.NewPose(r3.Vector{X: 10, Y: 0, Z: 0}, spatialmath.NewZeroOrientation())
	refPoses := []spatialmath.Pose{beg, end}

	// The true alpha at offset 0.02 is (0.52 - 0 - 0.02)/(1 - 0) = 0.5.
	images := []ImageInfo{{Sensor: 1, Begin: 0, End: 1, Timestamp: 0.52, RefBegTimestamp: 0, RefEndTimestamp: 1}}

	worldPt := r3.Vector{X: 1, Y: 2, Z: 10}
	observed := predictPixel(worldPt, beg, end, 0.5, spatialmath.NewZeroPose(), haz)

	observations := []Observation{{PID: 0, CID: 0, Sensor: 1, Pixel: observed}}
	tracks := map[int]TrackInfo{0: {WorldPoint: worldPt}}

	cfg := Config{RobustThreshold: 1.0, FloatTimestampOffsets: true}
	haz.Float.Offset = true
	haz.Offset = 0.02
	pZero := Assemble(cfg, refPoses, sensors, images, observations, tracks, nil, nil)
	costAtTrueOffset := pZero.cost()
	test.That(t, costAtTrueOffset, test.ShouldAlmostEqual, 0.0, 1e-6)

	haz.Offset = 0
	pOffByTwo := Assemble(cfg, refPoses, sensors, images, observations, tracks, nil, nil)
	costAtZeroOffset := pOffByTwo.cost()
	test.That(t, costAtZeroOffset > 1e-3, test.ShouldBeTrue)
}

func TestAssembleAppliesOffsetBoundPenaltyOutsideRange(t *testing.T) {
	ref := refSensor()
	nonRef, _ := rig.NewDistortion(rig.DistortionNone, nil)
	haz := &rig.Sensor{Index: 1, Distortion: nonRef, Extrinsics: spatialmath.NewZeroPose()}
	haz.Intrinsics.Focal = 100
	haz.Intrinsics.PrincipalPoint = r2.Point{X: 50, Y: 40}
	haz.Float.Offset = true

	sensors := map[int]*rig.Sensor{0: ref, 1: haz}
	refPoses := []spatialmath.Pose{spatialmath.NewZeroPose()}
	cfg := Config{RobustThreshold: 1.0, FloatTimestampOffsets: true}
	bounds := map[int]bracket.OffsetBounds{1: {Min: 0.0, Max: 0.05}}

	haz.Offset = 0.02
	inBounds := Assemble(cfg, refPoses, sensors, nil, nil, nil, bounds, nil)
	test.That(t, inBounds.cost(), test.ShouldAlmostEqual, 0.0, 1e-12)

	haz.Offset = 0.5
	outOfBounds := Assemble(cfg, refPoses, sensors, nil, nil, nil, bounds, nil)
	test.That(t, outOfBounds.cost() > 0, test.ShouldBeTrue)
}

func TestNoExtrinsicsUsesIndependentCameraPoseIgnoringExtrinsics(t *testing.T) {
	ref := refSensor()
	nonRef, _ := rig.NewDistortion(rig.DistortionNone, nil)
	// A deliberately wrong extrinsic: if the reprojection term still read
	// from it, the cost below would be nonzero.
	haz := &rig.Sensor{Index: 1, Distortion: nonRef, Extrinsics: spatialmath.NewPose(r3.Vector{X: 99, Y: 99, Z: 99}, spatialmath.NewZeroOrientation())}
	haz.Intrinsics.Focal = 100
	haz.Intrinsics.PrincipalPoint = r2.Point{X: 50, Y: 40}

	sensors := map[int]*rig.Sensor{0: ref, 1: haz}
	refPoses := []spatialmath.Pose{spatialmath.NewZeroPose()}
	images := []ImageInfo{{Sensor: 1, Begin: 0, End: 0}}

	camPose := spatialmath.NewPose(r3.Vector{X: 0, Y: 0, Z: -5}, spatialmath.NewZeroOrientation())
	worldPt := r3.Vector{X: 1, Y: 2, Z: 10}
	observed := predictPixelFromWorldToSensor(worldPt, camPose, haz)
	observations := []Observation{{PID: 0, CID: 0, Sensor: 1, Pixel: observed}}
	tracks := map[int]TrackInfo{0: {WorldPoint: worldPt}}

	cfg := Config{RobustThreshold: 1.0, NoExtrinsics: true}
	seeds := map[int]spatialmath.Pose{0: camPose}
	p := Assemble(cfg, refPoses, sensors, images, observations, tracks, nil, seeds)
	test.That(t, p.cost(), test.ShouldAlmostEqual, 0.0, 1e-9)

	got, ok := p.CameraPose(0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.Point().Z, test.ShouldAlmostEqual, -5.0, 1e-9)
}

func TestFloatNonrefCamerasUnfreezesCameraPoseBlock(t *testing.T) {
	ref := refSensor()
	nonRef, _ := rig.NewDistortion(rig.DistortionNone, nil)
	haz := &rig.Sensor{Index: 1, Distortion: nonRef, Extrinsics: spatialmath.NewZeroPose()}
	sensors := map[int]*rig.Sensor{0: ref, 1: haz}
	refPoses := []spatialmath.Pose{spatialmath.NewZeroPose()}
	images := []ImageInfo{{Sensor: 1, Begin: 0, End: 0}}

	frozen := Assemble(Config{NoExtrinsics: true}, refPoses, sensors, images, nil, nil, nil, nil)
	test.That(t, frozen.Len(), test.ShouldEqual, 0)

	floated := Assemble(Config{NoExtrinsics: true, FloatNonrefCameras: true}, refPoses, sensors, images, nil, nil, nil, nil)
	test.That(t, floated.Len(), test.ShouldEqual, 6)
}

func TestCheckAlphaRejectsOutOfRangeFraction(t *testing.T) {
	images := []ImageInfo{{Sensor: 0, Begin: 0, End: 1, Alpha: 1.5}}
	err := CheckAlpha(images)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCheckAlphaAcceptsInRangeFraction(t *testing.T) {
	images := []ImageInfo{{Sensor: 0, Begin: 0, End: 1, Alpha: 0.5}}
	err := CheckAlpha(images)
	test.That(t, err, test.ShouldBeNil)
}
