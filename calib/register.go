package calib

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigcal/rig"
	"go.viam.com/rigcal/spatialmath"
)

// ControlPoint pairs a named calibration target location with the world
// point (in the rig's own, unregistered frame) that currently triangulates
// to it.
type ControlPoint struct {
	Name         string
	Target       r3.Vector // known location in the target/world coordinate system
	Unregistered r3.Vector // triangulated location in the rig's own frame
}

// MinControlPoints is the fewest control points the Kabsch fit can run on;
// below this the similarity transform is underdetermined.
const MinControlPoints = 3

// SimilarityTransform is a scale + rotation + translation mapping the
// rig's own frame onto the registered target frame: x' = s*R*x + t.
type SimilarityTransform struct {
	Scale       float64
	Rotation    *spatialmath.RotationMatrix
	Translation r3.Vector
}

// Apply maps a point from the rig's own frame into the registered frame.
func (s SimilarityTransform) Apply(p r3.Vector) r3.Vector {
	zero := spatialmath.NewPose(r3.Vector{}, s.Rotation)
	rotated := spatialmath.Transform(zero, p)
	return rotated.Mul(s.Scale).Add(s.Translation)
}

// Fit computes the closed-form similarity transform (scale, rotation,
// translation) that best maps each point's Unregistered location onto its
// Target location, via a centroid-centered Kabsch fit. Scale is recovered
// from the ratio of the two point sets' RMS distances to their own
// centroid, and a reflection is corrected by flipping the sign of the
// smallest singular value's contribution whenever det(V*U^T) < 0, the
// standard Kabsch correction for a left-handed closest rotation.
func Fit(points []ControlPoint) (SimilarityTransform, error) {
	if len(points) < MinControlPoints {
		return SimilarityTransform{}, errors.Errorf("registration needs at least %d control points, got %d", MinControlPoints, len(points))
	}

	n := len(points)
	var srcCentroid, dstCentroid r3.Vector
	for _, p := range points {
		srcCentroid = srcCentroid.Add(p.Unregistered)
		dstCentroid = dstCentroid.Add(p.Target)
	}
	srcCentroid = srcCentroid.Mul(1 / float64(n))
	dstCentroid = dstCentroid.Mul(1 / float64(n))

	srcCentered := make([]r3.Vector, n)
	dstCentered := make([]r3.Vector, n)
	var srcScale, dstScale float64
	for i, p := range points {
		srcCentered[i] = p.Unregistered.Sub(srcCentroid)
		dstCentered[i] = p.Target.Sub(dstCentroid)
		srcScale += srcCentered[i].Dot(srcCentered[i])
		dstScale += dstCentered[i].Dot(dstCentered[i])
	}
	if srcScale < 1e-18 {
		return SimilarityTransform{}, errors.New("registration: control points are coincident in the rig's frame")
	}
	scale := math.Sqrt(dstScale / srcScale)

	// cov = sum_i dst_i * src_i^T, the cross-covariance the Kabsch
	// algorithm factors to recover the closest rotation.
	cov := mat.NewDense(3, 3, nil)
	for i := 0; i < n; i++ {
		a, b := srcCentered[i], dstCentered[i]
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov.Set(r, c, cov.At(r, c)+bv[r]*av[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(cov, mat.SVDFull) {
		return SimilarityTransform{}, errors.New("registration: covariance SVD failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var vut mat.Dense
	vut.Mul(&v, u.T())
	if mat.Det(&vut) < 0 {
		for r := 0; r < 3; r++ {
			u.Set(r, 2, -u.At(r, 2))
		}
	}

	var rotDense mat.Dense
	rotDense.Mul(&u, v.T())
	data := make([]float64, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			data[r*3+c] = rotDense.At(r, c)
		}
	}
	rm, err := spatialmath.NewRotationMatrix(data)
	if err != nil {
		return SimilarityTransform{}, errors.Wrap(err, "registration: building recovered rotation")
	}

	rotatedSrcCentroid := spatialmath.Transform(spatialmath.NewPose(r3.Vector{}, rm), srcCentroid)
	t := dstCentroid.Sub(rotatedSrcCentroid.Mul(scale))
	return SimilarityTransform{Scale: scale, Rotation: rm, Translation: t}, nil
}

// Apply atomically applies transform to every piece of registered state:
// world points, reference poses, every non-reference sensor's extrinsic
// translation, every sensor's depth-to-image translation, and affine
// depth-to-image scales -- the whole rig moves into the target frame in one step, per spec
// section 4.11's atomicity requirement. A metric rescale of the world
// rescales the rig's physical baseline too, so extrinsic and
// depth-to-image translations are scaled (not rotated or re-registered --
// they stay relative to the reference frame, only their magnitude changes).
func Apply(transform SimilarityTransform, worldPoints map[int]r3.Vector, refPoses []spatialmath.Pose, r *rig.Rig) error {
	for pid, pt := range worldPoints {
		worldPoints[pid] = transform.Apply(pt)
	}
	rotationInv := spatialmath.Invert(spatialmath.NewPose(r3.Vector{}, transform.Rotation))
	for i, pose := range refPoses {
		// refPoses are world-to-camera poses, not points: composing a world
		// point transform onto them directly would apply the wrong (inverse)
		// rotation and scale. Follow TransformCameras: rotate the existing
		// linear part by the transform's rotation transpose first, then use
		// the *new* linear part -- not the old one -- in the translation term.
		newLinear := spatialmath.Compose(spatialmath.NewPose(r3.Vector{}, pose.Orientation()), rotationInv)
		newPoint := pose.Point().Mul(transform.Scale).Sub(spatialmath.Transform(newLinear, transform.Translation))
		refPoses[i] = spatialmath.NewPose(newPoint, newLinear.Orientation())
	}
	for _, s := range r.Sensors() {
		if s.HasDepth() {
			s.DepthToImage = spatialmath.NewPose(s.DepthToImage.Point().Mul(transform.Scale), s.DepthToImage.Orientation())
			if s.DepthIsAffine {
				s.DepthScale *= transform.Scale
			}
		}
		if s.IsReference() {
			continue
		}
		if s.Extrinsics != nil {
			s.Extrinsics = spatialmath.NewPose(s.Extrinsics.Point().Mul(transform.Scale), s.Extrinsics.Orientation())
		}
	}
	return nil
}
