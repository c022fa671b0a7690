package spatialmath

import "github.com/golang/geo/r3"

// Triangle is a single mesh face, used by the BVH for ray-mesh intersection
// queries in the mesh oracle (C7).
type Triangle struct {
	p0, p1, p2 r3.Vector
	normal     r3.Vector
}

// NewTriangle builds a Triangle from its three vertices.
func NewTriangle(p0, p1, p2 r3.Vector) *Triangle {
	return &Triangle{p0: p0, p1: p1, p2: p2, normal: PlaneNormal(p0, p1, p2)}
}

// Points returns the triangle's three vertices.
func (t *Triangle) Points() []r3.Vector { return []r3.Vector{t.p0, t.p1, t.p2} }

// Normal returns the triangle's unit normal.
func (t *Triangle) Normal() r3.Vector { return t.normal }

// Centroid returns the triangle's centroid.
func (t *Triangle) Centroid() r3.Vector {
	return t.p0.Add(t.p1).Add(t.p2).Mul(1.0 / 3.0)
}

// IntersectRay computes the intersection of the ray origin+s*dir (dir need
// not be unit length) with the triangle using the Moeller-Trumbore
// algorithm. It returns the ray parameter s and true if there is a hit with
// s >= 0.
func (t *Triangle) IntersectRay(origin, dir r3.Vector) (float64, bool) {
	const eps = 1e-10
	e1 := t.p1.Sub(t.p0)
	e2 := t.p2.Sub(t.p0)
	pvec := dir.Cross(e2)
	det := e1.Dot(pvec)
	if det > -eps && det < eps {
		return 0, false
	}
	invDet := 1.0 / det
	tvec := origin.Sub(t.p0)
	u := tvec.Dot(pvec) * invDet
	if u < 0 || u > 1 {
		return 0, false
	}
	qvec := tvec.Cross(e1)
	v := dir.Dot(qvec) * invDet
	if v < 0 || u+v > 1 {
		return 0, false
	}
	dist := e2.Dot(qvec) * invDet
	if dist < 0 {
		return 0, false
	}
	return dist, true
}
