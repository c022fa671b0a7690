package ingest

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func identityLine(path string, sensor int, ts float64, depth string) string {
	return fmt.Sprintf("%s %d %g %s 1 0 0 0 0 1 0 0 0 0 1 0", path, sensor, ts, depth)
}

func TestReadImageListParsesSensorsAndTimestamps(t *testing.T) {
	lines := strings.Join([]string{
		identityLine("img0_000.png", 0, 0, "none"),
		identityLine("img1_000.png", 1, 0, "depth_000.pc"),
		identityLine("img0_001.png", 0, 1, "none"),
	}, "\n")
	ds, err := ReadImageList(strings.NewReader(lines))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(ds.Images[0]), test.ShouldEqual, 2)
	test.That(t, len(ds.Images[1]), test.ShouldEqual, 1)
	test.That(t, ds.Images[1][0].DepthPath, test.ShouldEqual, "depth_000.pc")
	test.That(t, ds.Images[0][0].DepthPath, test.ShouldEqual, "")
}

func TestReadImageListBuildsNonDecreasingReferenceTrack(t *testing.T) {
	lines := strings.Join([]string{
		identityLine("img0_001.png", 0, 1, "none"),
		identityLine("img0_000.png", 0, 0, "none"),
	}, "\n")
	ds, err := ReadImageList(strings.NewReader(lines))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(ds.RefTimestamps), test.ShouldEqual, 2)
	test.That(t, ds.RefTimestamps[0], test.ShouldEqual, 0.0)
	test.That(t, ds.RefTimestamps[1], test.ShouldEqual, 1.0)
}

func TestReadImageListRejectsDuplicateTimestamps(t *testing.T) {
	lines := strings.Join([]string{
		identityLine("img0_000.png", 0, 0, "none"),
		identityLine("img0_000b.png", 0, 0, "none"),
	}, "\n")
	_, err := ReadImageList(strings.NewReader(lines))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReadImageListRejectsMalformedLine(t *testing.T) {
	_, err := ReadImageList(strings.NewReader("img0.png 0 0 none 1 0 0\n"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDepthCloudRoundTrips(t *testing.T) {
	d := &DepthCloud{
		Rows: 2, Cols: 2,
		Data: []r3.Vector{
			{X: 0, Y: 0, Z: 0},
			{X: 1, Y: 2, Z: 3},
			{X: -1, Y: -2, Z: -3},
			{X: 0.5, Y: 0.5, Z: 0.5},
		},
	}
	var buf bytes.Buffer
	test.That(t, WriteDepthCloud(&buf, d), test.ShouldBeNil)

	got, err := ReadDepthCloud(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Rows, test.ShouldEqual, d.Rows)
	test.That(t, got.Cols, test.ShouldEqual, d.Cols)
	for i := range d.Data {
		test.That(t, got.Data[i], test.ShouldResemble, d.Data[i])
	}
}

func TestDepthCloudAtReportsInvalidSamples(t *testing.T) {
	d := &DepthCloud{
		Rows: 1, Cols: 2,
		Data: []r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 1, Z: 1}},
	}
	_, valid := d.At(0, 0)
	test.That(t, valid, test.ShouldBeFalse)
	pt, valid := d.At(0, 1)
	test.That(t, valid, test.ShouldBeTrue)
	test.That(t, pt, test.ShouldResemble, r3.Vector{X: 1, Y: 1, Z: 1})
}

func TestNearestDepthCloudFindsClosestWithinWindow(t *testing.T) {
	timestamps := []float64{0.0, 1.0, 2.5}
	got, ok := NearestDepthCloud(timestamps, 1.2, 0.5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldEqual, 1.0)
}

func TestNearestDepthCloudRejectsOutsideWindow(t *testing.T) {
	timestamps := []float64{0.0, 5.0}
	_, ok := NearestDepthCloud(timestamps, 2.0, 0.5)
	test.That(t, ok, test.ShouldBeFalse)
}
