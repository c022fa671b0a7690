package features

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

type fakeDetector struct {
	concurrent int32
	maxSeen    int32
}

func (f *fakeDetector) Detect(ctx context.Context, path string) ([]Keypoint, error) {
	n := atomic.AddInt32(&f.concurrent, 1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&f.concurrent, -1)
	if path == "bad.png" {
		return nil, errors.New("decode failure")
	}
	return []Keypoint{{X: 1, Y: 1}}, nil
}

func TestDetectAllRespectsWorkerBound(t *testing.T) {
	det := &fakeDetector{}
	images := make([]Image, 20)
	for i := range images {
		images[i] = Image{Sensor: 0, Timestamp: float64(i), Path: "img.png"}
	}
	detections, err := DetectAll(context.Background(), det, images, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(detections), test.ShouldEqual, 20)
	test.That(t, det.maxSeen <= 4, test.ShouldBeTrue)
}

func TestDetectAllPropagatesError(t *testing.T) {
	det := &fakeDetector{}
	images := []Image{{Path: "bad.png"}}
	_, err := DetectAll(context.Background(), det, images, 2)
	test.That(t, err, test.ShouldNotBeNil)
}
