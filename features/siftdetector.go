package features

import (
	"context"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// SIFTDetector is the default Detector: it wraps OpenCV's SIFT
// implementation via gocv, matching spec section 2's "feature-detector
// library (assumed to supply SIFT/SURF keypoints+descriptors)" external
// collaborator. SIFT's own pixel convention (origin at the top-left corner
// of pixel (0,0), no half-pixel shift) needs no correction before it
// reaches the rest of this package.
type SIFTDetector struct {
	sift gocv.SIFT
}

// NewSIFTDetector constructs a SIFTDetector. Close must be called once the
// detector is no longer needed to release the underlying OpenCV resources.
func NewSIFTDetector() *SIFTDetector {
	return &SIFTDetector{sift: gocv.NewSIFT()}
}

// Close releases the OpenCV resources backing d.
func (d *SIFTDetector) Close() error {
	return d.sift.Close()
}

// Detect implements Detector by running SIFT detection-and-description on
// the grayscale image at imagePath.
func (d *SIFTDetector) Detect(ctx context.Context, imagePath string) ([]Keypoint, error) {
	img := gocv.IMRead(imagePath, gocv.IMReadGrayScale)
	if img.Empty() {
		return nil, errors.Errorf("could not read image %s", imagePath)
	}
	defer img.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	kps, descriptors := d.sift.DetectAndCompute(img, mask)
	defer descriptors.Close()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out := make([]Keypoint, len(kps))
	for i, kp := range kps {
		desc := make([]float32, descriptors.Cols())
		for c := 0; c < descriptors.Cols(); c++ {
			desc[c] = descriptors.GetFloatAt(i, c)
		}
		out[i] = Keypoint{
			X:           kp.X,
			Y:           kp.Y,
			IX:          int32(kp.X),
			IY:          int32(kp.Y),
			Orientation: float32(kp.Angle),
			Scale:       float32(kp.Size),
			Interest:    float32(kp.Response),
			Octave:      uint32(kp.Octave),
			Descriptor:  desc,
		}
	}
	return out, nil
}
