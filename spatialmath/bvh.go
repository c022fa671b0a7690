package spatialmath

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// bvhLeafSize is the triangle count below which buildBVH stops splitting
// and stores triangles directly in a leaf node.
const bvhLeafSize = 4

// bvhNode is a node of the bounding volume hierarchy built over a mesh's
// triangles. Leaf nodes hold triangles directly; internal nodes hold two
// children and no triangles.
type bvhNode struct {
	min, max  r3.Vector
	triangles []*Triangle
	left      *bvhNode
	right     *bvhNode
}

// buildBVH recursively partitions triangles along the longest axis of their
// bounding box median, stopping once a node holds bvhLeafSize or fewer
// triangles.
func buildBVH(triangles []*Triangle) *bvhNode {
	if len(triangles) == 0 {
		return nil
	}
	min, max := computeTrianglesAABB(triangles)
	if len(triangles) <= bvhLeafSize {
		return &bvhNode{min: min, max: max, triangles: triangles}
	}

	extent := max.Sub(min)
	axis := 0
	if extent.Y > extent.X {
		axis = 1
	}
	if extent.Z > extent.X && extent.Z > extent.Y {
		axis = 2
	}

	sorted := append([]*Triangle{}, triangles...)
	sort.Slice(sorted, func(i, j int) bool {
		ci, cj := sorted[i].Centroid(), sorted[j].Centroid()
		switch axis {
		case 0:
			return ci.X < cj.X
		case 1:
			return ci.Y < cj.Y
		default:
			return ci.Z < cj.Z
		}
	})

	mid := len(sorted) / 2
	return &bvhNode{
		min:   min,
		max:   max,
		left:  buildBVH(sorted[:mid]),
		right: buildBVH(sorted[mid:]),
	}
}

// computeTrianglesAABB returns the axis-aligned bounding box of a set of
// triangles.
func computeTrianglesAABB(triangles []*Triangle) (r3.Vector, r3.Vector) {
	min := r3.Vector{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64}
	max := r3.Vector{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64}
	for _, tri := range triangles {
		for _, p := range tri.Points() {
			min.X = math.Min(min.X, p.X)
			min.Y = math.Min(min.Y, p.Y)
			min.Z = math.Min(min.Z, p.Z)
			max.X = math.Max(max.X, p.X)
			max.Y = math.Max(max.Y, p.Y)
			max.Z = math.Max(max.Z, p.Z)
		}
	}
	return min, max
}

// aabbOverlap reports whether two axis-aligned boxes intersect or touch.
func aabbOverlap(min1, max1, min2, max2 r3.Vector) bool {
	return min1.X <= max2.X && max1.X >= min2.X &&
		min1.Y <= max2.Y && max1.Y >= min2.Y &&
		min1.Z <= max2.Z && max1.Z >= min2.Z
}

// aabbDistance returns the Euclidean distance between two axis-aligned
// boxes, or 0 if they overlap.
func aabbDistance(min1, max1, min2, max2 r3.Vector) float64 {
	dx := math.Max(0, math.Max(min1.X-max2.X, min2.X-max1.X))
	dy := math.Max(0, math.Max(min1.Y-max2.Y, min2.Y-max1.Y))
	dz := math.Max(0, math.Max(min1.Z-max2.Z, min2.Z-max1.Z))
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// rayIntersectsAABB reports whether the ray origin+s*dir, restricted to
// s in [sMin, sMax], can hit the box [min,max]. Uses the slab method.
func rayIntersectsAABB(origin, dir, min, max r3.Vector, sMin, sMax float64) bool {
	tmin, tmax := sMin, sMax
	for axis := 0; axis < 3; axis++ {
		var o, d, lo, hi float64
		switch axis {
		case 0:
			o, d, lo, hi = origin.X, dir.X, min.X, max.X
		case 1:
			o, d, lo, hi = origin.Y, dir.Y, min.Y, max.Y
		default:
			o, d, lo, hi = origin.Z, dir.Z, min.Z, max.Z
		}
		if math.Abs(d) < floatEpsilon {
			if o < lo || o > hi {
				return false
			}
			continue
		}
		invD := 1.0 / d
		t1 := (lo - o) * invD
		t2 := (hi - o) * invD
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
		if tmin > tmax {
			return false
		}
	}
	return true
}

// meshHit is the first intersection of a ray with a mesh.
type meshHit struct {
	Point    r3.Vector
	Distance float64
	Triangle *Triangle
}

// intersectBVH finds the closest intersection of the ray origin+s*dir with
// the mesh stored in bvh, restricted to s in [sMin, sMax]. It returns
// (nil, false) if there is no hit in range.
func intersectBVH(node *bvhNode, origin, dir r3.Vector, sMin, sMax float64) (*meshHit, bool) {
	if node == nil {
		return nil, false
	}
	if !rayIntersectsAABB(origin, dir, node.min, node.max, sMin, sMax) {
		return nil, false
	}
	if node.triangles != nil {
		var best *meshHit
		for _, tri := range node.triangles {
			s, ok := tri.IntersectRay(origin, dir)
			if !ok || s < sMin || s > sMax {
				continue
			}
			if best == nil || s < best.Distance {
				best = &meshHit{Point: origin.Add(dir.Mul(s)), Distance: s, Triangle: tri}
			}
		}
		return best, best != nil
	}
	leftHit, leftOK := intersectBVH(node.left, origin, dir, sMin, sMax)
	rightHit, rightOK := intersectBVH(node.right, origin, dir, sMin, sMax)
	switch {
	case leftOK && rightOK:
		if leftHit.Distance <= rightHit.Distance {
			return leftHit, true
		}
		return rightHit, true
	case leftOK:
		return leftHit, true
	case rightOK:
		return rightHit, true
	default:
		return nil, false
	}
}

// Mesh is a set of triangles in a fixed local frame, indexed by a BVH for
// fast ray queries.
type Mesh struct {
	triangles []*Triangle
	root      *bvhNode
}

// NewMesh builds a Mesh (and its BVH) from a set of triangles.
func NewMesh(triangles []*Triangle) *Mesh {
	return &Mesh{triangles: triangles, root: buildBVH(triangles)}
}

// Triangles returns the mesh's triangles.
func (m *Mesh) Triangles() []*Triangle { return m.triangles }

// IntersectRay returns the closest intersection of the ray origin+s*dir
// with the mesh such that s lies in [sMin, sMax].
func (m *Mesh) IntersectRay(origin, dir r3.Vector, sMin, sMax float64) (r3.Vector, bool) {
	hit, ok := intersectBVH(m.root, origin, dir, sMin, sMax)
	if !ok {
		return r3.Vector{}, false
	}
	return hit.Point, true
}
