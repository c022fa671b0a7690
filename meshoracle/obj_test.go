package meshoracle

import (
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestLoadOBJParsesTriangleAndQuad(t *testing.T) {
	src := strings.NewReader(`# comment
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
f 1 2 3
f 1 2 3 4
`)
	mesh, err := LoadOBJ(src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(mesh.Triangles()), test.ShouldEqual, 3) // 1 tri + 1 fan-triangulated quad

	hit, ok := mesh.IntersectRay(r3.Vector{X: 0.25, Y: 0.25, Z: 1}, r3.Vector{X: 0, Y: 0, Z: -1}, 0, 10)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, hit.Z, test.ShouldAlmostEqual, 0.0, 1e-9)
}

func TestLoadOBJRejectsFaceWithNoVertices(t *testing.T) {
	_, err := LoadOBJ(strings.NewReader("f 1 2 3\n"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadOBJRejectsMeshWithNoFaces(t *testing.T) {
	_, err := LoadOBJ(strings.NewReader("v 0 0 0\nv 1 0 0\nv 0 1 0\n"))
	test.That(t, err, test.ShouldNotBeNil)
}
