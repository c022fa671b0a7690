package features

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Detector extracts keypoints and descriptors from a single image. SIFT is
// the preferred implementation; any detector producing float descriptors
// and reporting coordinates in final image pixel space satisfies this
// interface. Reconciling a detector's own coordinate convention (half-pixel
// offsets, octave-relative origins, and similar) is the Detector
// implementation's responsibility, not this package's.
type Detector interface {
	Detect(ctx context.Context, imagePath string) ([]Keypoint, error)
}

// Image is one image to run detection on.
type Image struct {
	Sensor    int
	Timestamp float64
	Path      string
}

// DetectAll runs det over images using a worker pool bounded to
// numWorkers concurrent detections, per spec section 4.4's "bounded
// concurrency worker pool, thread count configurable; memory peak bounds
// the pool size". The result order matches images.
func DetectAll(ctx context.Context, det Detector, images []Image, numWorkers int) ([]Detection, error) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	detections := make([]Detection, len(images))
	sem := make(chan struct{}, numWorkers)
	g, ctx := errgroup.WithContext(ctx)
	for i, img := range images {
		i, img := i, img
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			kps, err := det.Detect(ctx, img.Path)
			if err != nil {
				return errors.Wrapf(err, "detecting keypoints in %s", img.Path)
			}
			detections[i] = Detection{Sensor: img.Sensor, Timestamp: img.Timestamp, Keypoints: kps}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return detections, nil
}
