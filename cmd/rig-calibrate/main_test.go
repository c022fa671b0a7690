package main

import (
	"image"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"go.viam.com/rigcal/rig"
	"go.viam.com/rigcal/spatialmath"
)

func TestParseFlagsRequiresRigConfig(t *testing.T) {
	_, err := parseFlags([]string{"--image_list", "list.txt"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseFlagsRequiresImageList(t *testing.T) {
	_, err := parseFlags([]string{"--rig_config", "rig.txt"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseFlagsAppliesDefaults(t *testing.T) {
	cfg, err := parseFlags([]string{"--rig_config", "rig.txt", "--image_list", "list.txt"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.numOverlaps, test.ShouldEqual, 10)
	test.That(t, cfg.bracketLen, test.ShouldEqual, 0.6)
	test.That(t, cfg.robustThreshold, test.ShouldEqual, 3.0)
	test.That(t, cfg.extrinsicsToFloat, test.ShouldEqual, "haz_cam sci_cam depth_to_image")
}

func TestValidateRegistrationRequiresHuginAndXYZ(t *testing.T) {
	cfg := &config{rigConfig: "r.txt", imageList: "l.txt", registration: true, refinerMinAngleDegrees: 0.5}
	test.That(t, cfg.validate(), test.ShouldNotBeNil)

	cfg.huginFile = "h.pto"
	test.That(t, cfg.validate(), test.ShouldNotBeNil)

	cfg.xyzFile = "x.xyz"
	test.That(t, cfg.validate(), test.ShouldBeNil)
}

func TestValidateFloatNonrefCamerasRequiresNoExtrinsics(t *testing.T) {
	cfg := &config{rigConfig: "r.txt", imageList: "l.txt", floatNonrefCameras: true, refinerMinAngleDegrees: 0.5}
	test.That(t, cfg.validate(), test.ShouldNotBeNil)

	cfg.noExtrinsics = true
	test.That(t, cfg.validate(), test.ShouldBeNil)
}

func TestValidateNoExtrinsicsConflictsWithFloatTimestampOffsets(t *testing.T) {
	cfg := &config{
		rigConfig: "r.txt", imageList: "l.txt",
		noExtrinsics: true, floatTimestampOffsets: true,
		refinerMinAngleDegrees: 0.5,
	}
	test.That(t, cfg.validate(), test.ShouldNotBeNil)
}

func TestValidateSaveFlagsRequireOutDir(t *testing.T) {
	cfg := &config{rigConfig: "r.txt", imageList: "l.txt", saveMatches: true, refinerMinAngleDegrees: 0.5}
	test.That(t, cfg.validate(), test.ShouldNotBeNil)

	cfg.outDir = "out/"
	test.That(t, cfg.validate(), test.ShouldBeNil)
}

func TestTokenSetSplitsOnWhitespace(t *testing.T) {
	got := tokenSet("focal_length  optical_center")
	test.That(t, len(got), test.ShouldEqual, 2)
	test.That(t, got["focal_length"], test.ShouldBeTrue)
	test.That(t, got["optical_center"], test.ShouldBeTrue)
	test.That(t, got["distortion"], test.ShouldBeFalse)
}

func testRig(t *testing.T) *rig.Rig {
	none, err := rig.NewDistortion(rig.DistortionNone, nil)
	test.That(t, err, test.ShouldBeNil)
	ref := &rig.Sensor{
		Index:                0,
		Name:                 "nav_cam",
		Intrinsics:           rig.Intrinsics{Focal: 500, PrincipalPoint: r2.Point{X: 320, Y: 240}},
		Distortion:           none,
		DistortedImageSize:   image.Point{X: 640, Y: 480},
		UndistortedImageSize: image.Point{X: 640, Y: 480},
		Extrinsics:           spatialmath.NewZeroPose(),
	}
	haz := &rig.Sensor{
		Index:                1,
		Name:                 "haz_cam",
		Intrinsics:           rig.Intrinsics{Focal: 300, PrincipalPoint: r2.Point{X: 160, Y: 120}},
		Distortion:           none,
		DistortedImageSize:   image.Point{X: 320, Y: 240},
		UndistortedImageSize: image.Point{X: 320, Y: 240},
		Extrinsics:           spatialmath.NewPose(spatialmath.NewZeroPose().Point(), nil),
		Offset:               0.01,
	}
	return rig.New([]*rig.Sensor{ref, haz})
}

func TestApplyFloatFlagsLeavesReferenceSensorUntouched(t *testing.T) {
	r := testRig(t)
	cfg := &config{hazCamIntrinsicsToFloat: "focal_length", extrinsicsToFloat: "haz_cam"}
	applyFloatFlags(r, cfg)
	test.That(t, r.Sensor(0).Float.Extrinsics, test.ShouldBeFalse)
	test.That(t, r.Sensor(0).Float.Focal, test.ShouldBeFalse)
}

func TestApplyFloatFlagsSetsPerSensorTokens(t *testing.T) {
	r := testRig(t)
	cfg := &config{hazCamIntrinsicsToFloat: "focal_length optical_center", extrinsicsToFloat: "haz_cam"}
	applyFloatFlags(r, cfg)

	haz := r.Sensor(1)
	test.That(t, haz.Float.Focal, test.ShouldBeTrue)
	test.That(t, haz.Float.PrincipalPoint, test.ShouldBeTrue)
	test.That(t, haz.Float.Distortion, test.ShouldBeFalse)
	test.That(t, haz.Float.Extrinsics, test.ShouldBeTrue)
	test.That(t, haz.Float.Offset, test.ShouldBeTrue)
}

func TestApplyFloatFlagsFloatsReferenceSensorIntrinsics(t *testing.T) {
	r := testRig(t)
	cfg := &config{navCamIntrinsicsToFloat: "focal_length distortion"}
	applyFloatFlags(r, cfg)

	ref := r.Sensor(0)
	test.That(t, ref.Float.Focal, test.ShouldBeTrue)
	test.That(t, ref.Float.Distortion, test.ShouldBeTrue)
	test.That(t, ref.Float.PrincipalPoint, test.ShouldBeFalse)
	test.That(t, ref.Float.Extrinsics, test.ShouldBeFalse)
	test.That(t, ref.Float.Offset, test.ShouldBeFalse)
}

func TestApplyFloatFlagsLeavesExtrinsicsAloneUnderFloatNonrefCameras(t *testing.T) {
	// float_nonref_cameras floats the independent camera_pose block built by
	// residuals.Assemble directly; it has nothing to do with the rig's
	// Float.Extrinsics token, which applyFloatFlags still derives only from
	// --extrinsics_to_float.
	r := testRig(t)
	cfg := &config{floatNonrefCameras: true}
	applyFloatFlags(r, cfg)
	test.That(t, r.Sensor(1).Float.Extrinsics, test.ShouldBeFalse)
}
