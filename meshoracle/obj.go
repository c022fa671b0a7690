package meshoracle

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigcal/spatialmath"
)

// LoadOBJ reads a Wavefront OBJ triangle mesh: "v x y z" vertex lines and
// "f i j k ..." face lines (1-indexed, optionally carrying "/texture/normal"
// suffixes on each index, which are ignored). Faces with more than three
// vertices are fan-triangulated about their first vertex. Every other line
// kind (normals, texture coordinates, groups, materials) is skipped; the
// calibration target mesh only needs geometry.
func LoadOBJ(r io.Reader) (*spatialmath.Mesh, error) {
	var verts []r3.Vector
	var tris []*spatialmath.Triangle

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "v":
			v, err := parseVertex(fields[1:])
			if err != nil {
				return nil, errors.Wrapf(err, "mesh line %d", lineNo)
			}
			verts = append(verts, v)
		case "f":
			idx, err := parseFaceIndices(fields[1:], len(verts))
			if err != nil {
				return nil, errors.Wrapf(err, "mesh line %d", lineNo)
			}
			for i := 1; i+1 < len(idx); i++ {
				tris = append(tris, spatialmath.NewTriangle(verts[idx[0]], verts[idx[i]], verts[idx[i+1]]))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading mesh")
	}
	if len(tris) == 0 {
		return nil, errors.New("mesh has no faces")
	}
	return spatialmath.NewMesh(tris), nil
}

func parseVertex(fields []string) (r3.Vector, error) {
	if len(fields) < 3 {
		return r3.Vector{}, errors.New("vertex line needs 3 coordinates")
	}
	vals := make([]float64, 3)
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return r3.Vector{}, errors.Wrapf(err, "coordinate %d", i)
		}
		vals[i] = v
	}
	return r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}, nil
}

func parseFaceIndices(fields []string, numVerts int) ([]int, error) {
	if len(fields) < 3 {
		return nil, errors.New("face line needs at least 3 vertices")
	}
	idx := make([]int, len(fields))
	for i, f := range fields {
		tok := strings.SplitN(f, "/", 2)[0]
		v, err := strconv.Atoi(tok)
		if err != nil {
			return nil, errors.Wrapf(err, "face index %d", i)
		}
		if v < 0 {
			v = numVerts + v + 1 // OBJ negative indices count back from the end
		}
		if v < 1 || v > numVerts {
			return nil, errors.Errorf("face index %d out of range (have %d vertices)", v, numVerts)
		}
		idx[i] = v - 1
	}
	return idx, nil
}
