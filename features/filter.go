package features

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/rigcal/rig"
	"go.viam.com/rigcal/spatialmath"
	"go.viam.com/rigcal/triangulate"
)

func toNormalized(px r2.Point, s *rig.Sensor) r2.Point {
	n := s.Intrinsics.PixelToNormalized(px)
	ux, uy := s.Distortion.Undistort(n.X, n.Y)
	return r2.Point{X: ux, Y: uy}
}

// GeometricPreFilter implements spec section 4.4's first filtering stage:
// for each tentative match, undistort both pixels, triangulate with the
// current poses, reproject, distort, and discard if either residual
// exceeds eInit pixels. The threshold is deliberately loose since the
// poses feeding this stage may still be far from converged.
func GeometricPreFilter(
	matches []PairMatch,
	kps1, kps2 []Keypoint,
	sensor1, sensor2 *rig.Sensor,
	worldToCam1, worldToCam2 spatialmath.Pose,
	eInit float64,
) []PairMatch {
	kept := make([]PairMatch, 0, len(matches))
	for _, m := range matches {
		px1 := r2.Point{X: kps1[m.Idx1].X, Y: kps1[m.Idx1].Y}
		px2 := r2.Point{X: kps2[m.Idx2].X, Y: kps2[m.Idx2].Y}

		obs := []triangulate.Observation{
			{Normalized: toNormalized(px1, sensor1), WorldToCam: worldToCam1},
			{Normalized: toNormalized(px2, sensor2), WorldToCam: worldToCam2},
		}
		pt, err := triangulate.Point(obs)
		if err != nil {
			continue
		}

		r1 := reprojectionResidual(pt, sensor1, worldToCam1, px1)
		r2v := reprojectionResidual(pt, sensor2, worldToCam2, px2)
		if r1 > eInit || r2v > eInit {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

func reprojectionResidual(pt r3.Vector, s *rig.Sensor, worldToCam spatialmath.Pose, observed r2.Point) float64 {
	n := triangulate.Reproject(pt, worldToCam)
	dx, dy := s.Distortion.Distort(n.X, n.Y)
	reprojPx := s.Intrinsics.NormalizedToPixel(r2.Point{X: dx, Y: dy})
	return math.Hypot(reprojPx.X-observed.X, reprojPx.Y-observed.Y)
}

// PointPair is one corresponding pixel pair between two images, as fed to
// RANSACAffine2D.
type PointPair struct {
	P1, P2 r2.Point
}

// Affine2D is a 2D affine transform mapping P1 -> P2: x' = A*x + t.
type Affine2D struct {
	A00, A01, A10, A11 float64
	Tx, Ty             float64
}

// Apply maps p through the affine transform.
func (a Affine2D) Apply(p r2.Point) r2.Point {
	return r2.Point{
		X: a.A00*p.X + a.A01*p.Y + a.Tx,
		Y: a.A10*p.X + a.A11*p.Y + a.Ty,
	}
}

// RANSACAffine2D implements spec section 4.4's second filtering stage:
// RANSAC with an affine-2D motion model, an inlier threshold of threshold
// pixels (the CLI passes 20), at most
// maxIterations samples, adaptively stopping once the estimated inlier
// ratio supports confidence. It returns the best model found and the
// per-pair inlier mask.
func RANSACAffine2D(pairs []PointPair, threshold float64, maxIterations int, confidence float64, rng *rand.Rand) (Affine2D, []bool) {
	n := len(pairs)
	var best Affine2D
	bestInliers := make([]bool, n)
	bestCount := -1

	if n < 3 {
		return best, bestInliers
	}

	iterations := maxIterations
	for it := 0; it < iterations; it++ {
		i0, i1, i2 := sampleThree(rng, n)
		model, ok := fitAffine(pairs[i0], pairs[i1], pairs[i2])
		if !ok {
			continue
		}
		inliers := make([]bool, n)
		count := 0
		for i, p := range pairs {
			pred := model.Apply(p.P1)
			if math.Hypot(pred.X-p.P2.X, pred.Y-p.P2.Y) <= threshold {
				inliers[i] = true
				count++
			}
		}
		if count > bestCount {
			bestCount, best, bestInliers = count, model, inliers
			w := float64(count) / float64(n)
			if w > 0 && w < 1 {
				needed := adaptiveIterations(w, confidence, 3)
				if needed < iterations {
					iterations = needed
				}
			}
		}
	}
	return best, bestInliers
}

func sampleThree(rng *rand.Rand, n int) (int, int, int) {
	i0 := rng.Intn(n)
	i1 := rng.Intn(n)
	for i1 == i0 {
		i1 = rng.Intn(n)
	}
	i2 := rng.Intn(n)
	for i2 == i0 || i2 == i1 {
		i2 = rng.Intn(n)
	}
	return i0, i1, i2
}

func adaptiveIterations(inlierRatio, confidence float64, sampleSize int) int {
	denom := math.Log(1 - math.Pow(inlierRatio, float64(sampleSize)))
	if denom >= 0 {
		return math.MaxInt32
	}
	n := math.Log(1-confidence) / denom
	if n < 1 {
		return 1
	}
	return int(math.Ceil(n))
}

// fitAffine solves the 6-parameter affine model exactly from 3
// correspondences, returning ok=false if the three source points are
// (near-)collinear.
func fitAffine(a, b, c PointPair) (Affine2D, bool) {
	// Solve for each row of A and t independently via Cramer's rule on the
	// shared 3x3 system [x y 1] * [A0 A1 t]^T = dst_component.
	x1, y1 := a.P1.X, a.P1.Y
	x2, y2 := b.P1.X, b.P1.Y
	x3, y3 := c.P1.X, c.P1.Y

	det := x1*(y2-y3) - y1*(x2-x3) + (x2*y3 - x3*y2)
	if math.Abs(det) < 1e-9 {
		return Affine2D{}, false
	}

	solve := func(d1, d2, d3 float64) (float64, float64, float64) {
		// Cramer's rule for [A0 A1 t] given rhs (d1,d2,d3) at (x1,y1),(x2,y2),(x3,y3).
		a0 := (d1*(y2-y3) - y1*(d2-d3) + (d2*y3 - d3*y2)) / det
		a1 := (x1*(d2-d3) - d1*(x2-x3) + (x2*d3 - x3*d2)) / det
		t := (x1*(y2*d3-y3*d2) - y1*(x2*d3-x3*d2) + (x2*y3-x3*y2)*d1) / det
		return a0, a1, t
	}

	a00, a01, tx := solve(a.P2.X, b.P2.X, c.P2.X)
	a10, a11, ty := solve(a.P2.Y, b.P2.Y, c.P2.Y)

	return Affine2D{A00: a00, A01: a01, A10: a10, A11: a11, Tx: tx, Ty: ty}, true
}
