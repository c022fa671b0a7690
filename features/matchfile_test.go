package features

import (
	"bytes"
	"testing"

	"go.viam.com/test"
)

func sampleKeypoints() []Keypoint {
	return []Keypoint{
		{X: 1.5, Y: 2.5, IX: 1, IY: 2, Orientation: 0.1, Scale: 1.2, Interest: 0.9, Polarity: true, Octave: 2, ScaleLvl: 1, Descriptor: []float32{0.1, 0.2, 0.3}},
		{X: 10, Y: 20, IX: 10, IY: 20, Orientation: -0.5, Scale: 0.8, Interest: 0.1, Polarity: false, Octave: 0, ScaleLvl: 3, Descriptor: []float32{}},
	}
}

func TestMatchFileRoundTrips(t *testing.T) {
	kps1 := sampleKeypoints()
	kps2 := []Keypoint{{X: 3, Y: 4, Descriptor: []float32{1, 2, 3, 4}}}

	var buf bytes.Buffer
	test.That(t, WriteMatchFile(&buf, kps1, kps2), test.ShouldBeNil)

	got1, got2, err := ReadMatchFile(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(got1), test.ShouldEqual, len(kps1))
	test.That(t, len(got2), test.ShouldEqual, len(kps2))

	for i, want := range kps1 {
		test.That(t, got1[i].X, test.ShouldEqual, want.X)
		test.That(t, got1[i].Y, test.ShouldEqual, want.Y)
		test.That(t, got1[i].IX, test.ShouldEqual, want.IX)
		test.That(t, got1[i].Octave, test.ShouldEqual, want.Octave)
		test.That(t, got1[i].Polarity, test.ShouldEqual, want.Polarity)
		test.That(t, len(got1[i].Descriptor), test.ShouldEqual, len(want.Descriptor))
	}
	test.That(t, got2[0].Descriptor, test.ShouldResemble, kps2[0].Descriptor)
}

func TestReadMatchFileTruncatedErrors(t *testing.T) {
	_, _, err := ReadMatchFile(bytes.NewReader([]byte{1, 2, 3}))
	test.That(t, err, test.ShouldNotBeNil)
}
