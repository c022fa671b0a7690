// Package outliers implements the three-gate outlier policy (C9) applied
// to tracked features across a calibration pass.
package outliers

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Feature identifies a single track member for outlier bookkeeping.
type Feature struct {
	PID, CID, FID int
}

// Policy accumulates the outlier flags produced by the three gates. A
// feature not present in Outliers is an inlier.
type Policy struct {
	Outliers map[Feature]bool
}

// New returns an empty Policy.
func New() *Policy {
	return &Policy{Outliers: map[Feature]bool{}}
}

func (p *Policy) mark(f Feature) { p.Outliers[f] = true }

// IsOutlier reports whether f has been marked by any gate so far.
func (p *Policy) IsOutlier(f Feature) bool { return p.Outliers[f] }

// BoundaryExclusion is gate 1: for reference-sensor features within b
// pixels of the distorted image border, mark outlier. Run before
// optimisation.
func (p *Policy) BoundaryExclusion(features []Feature, pixel func(Feature) r2.Point, imageSize func(Feature) (int, int), isReference func(Feature) bool, b float64) {
	for _, f := range features {
		if !isReference(f) {
			continue
		}
		px := pixel(f)
		w, h := imageSize(f)
		if px.X < b || px.Y < b || px.X > float64(w)-b || px.Y > float64(h)-b {
			p.mark(f)
		}
	}
}

// Ray is one observation's camera center and direction to the triangulated
// world point, used by the triangulation-angle gate.
type Ray struct {
	Feature Feature
	Center  r3.Vector
	Point   r3.Vector
}

// TriangulationAngle is gate 2: for each pid, take the maximum angle
// between any two rays from distinct camera centers to X_pid; if it falls
// below thetaMin, mark every feature of that pid outlier. Must run before
// Reprojection so that discarded rays don't bias that gate's threshold.
func (p *Policy) TriangulationAngle(raysByPID map[int][]Ray, thetaMin float64) {
	for _, rays := range raysByPID {
		if p.allOutlier(rays) {
			continue
		}
		maxAngle := 0.0
		for i := range rays {
			for j := i + 1; j < len(rays); j++ {
				if rays[i].Center == rays[j].Center {
					continue
				}
				angle := angleBetweenRays(rays[i], rays[j])
				if angle > maxAngle {
					maxAngle = angle
				}
			}
		}
		if maxAngle < thetaMin {
			for _, r := range rays {
				p.mark(r.Feature)
			}
		}
	}
}

func (p *Policy) allOutlier(rays []Ray) bool {
	for _, r := range rays {
		if !p.IsOutlier(r.Feature) {
			return false
		}
	}
	return true
}

func angleBetweenRays(a, b Ray) float64 {
	va := a.Point.Sub(a.Center)
	vb := b.Point.Sub(b.Center)
	na, nb := va.Norm(), vb.Norm()
	if na < 1e-12 || nb < 1e-12 {
		return 0
	}
	cosAngle := va.Dot(vb) / (na * nb)
	cosAngle = math.Max(-1, math.Min(1, cosAngle))
	return math.Acos(cosAngle)
}

// Reprojection is gate 3: mark outlier any feature whose post-solve pixel
// residual norm exceeds ePost.
func (p *Policy) Reprojection(features []Feature, residual func(Feature) r2.Point, ePost float64) {
	for _, f := range features {
		if p.IsOutlier(f) {
			continue
		}
		r := residual(f)
		if math.Hypot(r.X, r.Y) > ePost {
			p.mark(f)
		}
	}
}
