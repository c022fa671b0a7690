// Package nvm implements the Theia-compatible NVM file codec used to
// exchange camera poses, matches, and keypoints with external sparse
// mapping tools. Distortion is not represented in NVM files and is always
// zeroed on write.
package nvm

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigcal/spatialmath"
)

// Camera is one NVM camera record: an image path, focal length, pose, and
// the optical-center pixel offset Theia shifts keypoints by.
type Camera struct {
	Path          string
	Focal         float64
	Pose          spatialmath.Pose
	OpticalOffset r2.Point
}

// Observation is one (camera, feature) sighting of a 3D point, in NVM's
// Theia-shifted pixel convention on disk but un-shifted once decoded (the
// shift is added back on read and applied on write, per the external
// interfaces contract).
type Observation struct {
	CameraIndex int
	FeatureID   int
	Pixel       r2.Point
}

// Point is one NVM 3D point with its color and observation list.
type Point struct {
	XYZ          r3.Vector
	R, G, B      uint8
	Observations []Observation
}

// File is a fully decoded NVM file.
type File struct {
	Cameras []Camera
	Points  []Point
}

const header = "NVM_V3"

// Write serializes f to w in the NVM_V3 text format. Pixels are shifted by
// the camera's optical offset before being written (Theia convention).
func Write(w io.Writer, f *File) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, header)
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, len(f.Cameras))
	for _, c := range f.Cameras {
		qw, qx, qy, qz := c.Pose.Orientation().Quaternion()
		p := c.Pose.Point()
		fmt.Fprintf(bw, "%s %.17g %.17g %.17g %.17g %.17g %.17g %.17g %.17g 0 0\n",
			c.Path, c.Focal, qw, qx, qy, qz, p.X, p.Y, p.Z)
	}
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, len(f.Points))
	for _, pt := range f.Points {
		fmt.Fprintf(bw, "%.17g %.17g %.17g %d %d %d %d", pt.XYZ.X, pt.XYZ.Y, pt.XYZ.Z, pt.R, pt.G, pt.B, len(pt.Observations))
		for _, obs := range pt.Observations {
			offset := f.Cameras[obs.CameraIndex].OpticalOffset
			shifted := r2.Point{X: obs.Pixel.X - offset.X, Y: obs.Pixel.Y - offset.Y}
			fmt.Fprintf(bw, " %d %d %.17g %.17g", obs.CameraIndex, obs.FeatureID, shifted.X, shifted.Y)
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

// Read parses an NVM_V3 file from r. Pixels are un-shifted by each
// observation's camera's optical offset as they are read, but
// parseCameraLine has no field to recover that offset from the NVM_V3
// camera line itself -- every parsed Camera's OpticalOffset is zero, so
// callers that need the un-shift to be anything other than a no-op must
// re-populate OpticalOffset from the rig's intrinsics after Read returns.
func Read(r io.Reader) (*File, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)

	lines := newLineReader(scanner)

	headerLine, ok := lines.next()
	if !ok || strings.TrimSpace(headerLine) != header {
		return nil, errors.Errorf("not an NVM_V3 file (got header %q)", headerLine)
	}

	nCamerasLine, ok := lines.nextNonBlank()
	if !ok {
		return nil, errors.New("NVM file truncated: missing camera count")
	}
	nCameras, err := strconv.Atoi(strings.TrimSpace(nCamerasLine))
	if err != nil {
		return nil, errors.Wrap(err, "NVM camera count")
	}

	cameras := make([]Camera, nCameras)
	for i := 0; i < nCameras; i++ {
		line, ok := lines.next()
		if !ok {
			return nil, errors.Errorf("NVM file truncated at camera %d", i)
		}
		cam, err := parseCameraLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "NVM camera %d", i)
		}
		cameras[i] = cam
	}

	nPointsLine, ok := lines.nextNonBlank()
	if !ok {
		return nil, errors.New("NVM file truncated: missing point count")
	}
	nPoints, err := strconv.Atoi(strings.TrimSpace(nPointsLine))
	if err != nil {
		return nil, errors.Wrap(err, "NVM point count")
	}

	points := make([]Point, nPoints)
	for i := 0; i < nPoints; i++ {
		line, ok := lines.next()
		if !ok {
			return nil, errors.Errorf("NVM file truncated at point %d", i)
		}
		pt, err := parsePointLine(line, cameras)
		if err != nil {
			return nil, errors.Wrapf(err, "NVM point %d", i)
		}
		points[i] = pt
	}

	return &File{Cameras: cameras, Points: points}, nil
}

func parseCameraLine(line string) (Camera, error) {
	toks := strings.Fields(line)
	if len(toks) < 11 {
		return Camera{}, errors.Errorf("malformed camera line %q", line)
	}
	focal, err := strconv.ParseFloat(toks[1], 64)
	if err != nil {
		return Camera{}, err
	}
	vals := make([]float64, 7)
	for i := 0; i < 7; i++ {
		v, err := strconv.ParseFloat(toks[2+i], 64)
		if err != nil {
			return Camera{}, err
		}
		vals[i] = v
	}
	o := spatialmath.NewOrientationFromQuaternion(vals[0], vals[1], vals[2], vals[3])
	pose := spatialmath.NewPose(r3.Vector{X: vals[4], Y: vals[5], Z: vals[6]}, o)
	return Camera{Path: toks[0], Focal: focal, Pose: pose}, nil
}

func parsePointLine(line string, cameras []Camera) (Point, error) {
	toks := strings.Fields(line)
	if len(toks) < 7 {
		return Point{}, errors.Errorf("malformed point line %q", line)
	}
	x, err := strconv.ParseFloat(toks[0], 64)
	if err != nil {
		return Point{}, err
	}
	y, err := strconv.ParseFloat(toks[1], 64)
	if err != nil {
		return Point{}, err
	}
	z, err := strconv.ParseFloat(toks[2], 64)
	if err != nil {
		return Point{}, err
	}
	r, err := strconv.Atoi(toks[3])
	if err != nil {
		return Point{}, err
	}
	g, err := strconv.Atoi(toks[4])
	if err != nil {
		return Point{}, err
	}
	bl, err := strconv.Atoi(toks[5])
	if err != nil {
		return Point{}, err
	}
	k, err := strconv.Atoi(toks[6])
	if err != nil {
		return Point{}, err
	}
	if len(toks) != 7+4*k {
		return Point{}, errors.Errorf("point declares %d observations but has %d trailing tokens", k, len(toks)-7)
	}
	obs := make([]Observation, k)
	for i := 0; i < k; i++ {
		base := 7 + 4*i
		cid, err := strconv.Atoi(toks[base])
		if err != nil {
			return Point{}, err
		}
		fid, err := strconv.Atoi(toks[base+1])
		if err != nil {
			return Point{}, err
		}
		px, err := strconv.ParseFloat(toks[base+2], 64)
		if err != nil {
			return Point{}, err
		}
		py, err := strconv.ParseFloat(toks[base+3], 64)
		if err != nil {
			return Point{}, err
		}
		if cid < 0 || cid >= len(cameras) {
			return Point{}, errors.Errorf("observation references unknown camera %d", cid)
		}
		offset := cameras[cid].OpticalOffset
		obs[i] = Observation{CameraIndex: cid, FeatureID: fid, Pixel: r2.Point{X: px + offset.X, Y: py + offset.Y}}
	}
	return Point{
		XYZ:          r3.Vector{X: x, Y: y, Z: z},
		R:            uint8(r),
		G:            uint8(g),
		B:            uint8(bl),
		Observations: obs,
	}, nil
}

// lineReader is a small wrapper over bufio.Scanner that lets the NVM parser
// skip NVM's blank separator lines without losing track of EOF.
type lineReader struct {
	scanner *bufio.Scanner
}

func newLineReader(scanner *bufio.Scanner) *lineReader {
	return &lineReader{scanner: scanner}
}

func (l *lineReader) next() (string, bool) {
	if !l.scanner.Scan() {
		return "", false
	}
	return l.scanner.Text(), true
}

func (l *lineReader) nextNonBlank() (string, bool) {
	for {
		line, ok := l.next()
		if !ok {
			return "", false
		}
		if strings.TrimSpace(line) != "" {
			return line, true
		}
	}
}
