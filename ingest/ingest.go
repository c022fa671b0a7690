// Package ingest implements the image/depth ingest stage (C2): parsing the
// image list file into per-sensor, per-timestamp observation maps, and
// decoding the raw depth cloud (*.pc) format.
package ingest

import (
	"bufio"
	"encoding/binary"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigcal/spatialmath"
)

// ImageMessage is one decoded image-list line.
type ImageMessage struct {
	Sensor      int
	Timestamp   float64
	ImagePath   string
	DepthPath   string // "" if this observation has no depth
	WorldToCam  spatialmath.Pose
}

// Dataset is the ingest stage's output contract: per-sensor,
// per-timestamp observation maps, plus the reference sensor's
// time-ordered pose track.
type Dataset struct {
	// Images maps sensor -> timestamp -> ImageMessage.
	Images map[int]map[float64]ImageMessage
	// RefTimestamps and RefPoses are parallel, non-decreasing-timestamp
	// vectors for the reference sensor (sensor 0).
	RefTimestamps []float64
	RefPoses      []spatialmath.Pose
}

// ReadImageList parses the image list file described in the external
// interfaces: one line per observation,
// "image_path sensor_id timestamp depth_path|'none' <12 world-to-camera doubles>".
func ReadImageList(r io.Reader) (*Dataset, error) {
	images := map[int]map[float64]ImageMessage{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		msg, err := parseImageLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "image list line %d", lineNo)
		}
		if images[msg.Sensor] == nil {
			images[msg.Sensor] = map[float64]ImageMessage{}
		}
		if _, dup := images[msg.Sensor][msg.Timestamp]; dup {
			return nil, errors.Errorf("image list line %d: duplicate timestamp %v for sensor %d", lineNo, msg.Timestamp, msg.Sensor)
		}
		images[msg.Sensor][msg.Timestamp] = msg
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading image list")
	}

	refTimestamps, refPoses := referenceTrack(images[0])
	return &Dataset{Images: images, RefTimestamps: refTimestamps, RefPoses: refPoses}, nil
}

func referenceTrack(refImages map[float64]ImageMessage) ([]float64, []spatialmath.Pose) {
	ts := make([]float64, 0, len(refImages))
	for t := range refImages {
		ts = append(ts, t)
	}
	sort.Float64s(ts)
	poses := make([]spatialmath.Pose, len(ts))
	for i, t := range ts {
		poses[i] = refImages[t].WorldToCam
	}
	return ts, poses
}

func parseImageLine(line string) (ImageMessage, error) {
	toks := strings.Fields(line)
	if len(toks) != 16 {
		return ImageMessage{}, errors.Errorf("expected 16 fields, got %d", len(toks))
	}
	sensor, err := strconv.Atoi(toks[1])
	if err != nil {
		return ImageMessage{}, errors.Wrap(err, "sensor_id")
	}
	ts, err := strconv.ParseFloat(toks[2], 64)
	if err != nil {
		return ImageMessage{}, errors.Wrap(err, "timestamp")
	}
	depthPath := toks[3]
	if depthPath == "none" {
		depthPath = ""
	}
	vals := make([]float64, 12)
	for i := 0; i < 12; i++ {
		v, err := strconv.ParseFloat(toks[4+i], 64)
		if err != nil {
			return ImageMessage{}, errors.Wrapf(err, "pose field %d", i)
		}
		vals[i] = v
	}
	rot, err := spatialmath.NewRotationMatrix([]float64{
		vals[0], vals[1], vals[2],
		vals[4], vals[5], vals[6],
		vals[8], vals[9], vals[10],
	})
	if err != nil {
		return ImageMessage{}, errors.Wrap(err, "pose rotation")
	}
	t := r3.Vector{X: vals[3], Y: vals[7], Z: vals[11]}
	pose := spatialmath.NewPoseFromRotationMatrix(t, rot)

	return ImageMessage{
		Sensor:     sensor,
		Timestamp:  ts,
		ImagePath:  toks[0],
		DepthPath:  depthPath,
		WorldToCam: pose,
	}, nil
}

// DepthCloud is a decoded *.pc depth file: rows x cols x 3 float32 values,
// row-major, where (0,0,0) marks an invalid sample.
type DepthCloud struct {
	Rows, Cols int
	Data       []r3.Vector // len == Rows*Cols, row-major
}

// At returns the point at (row, col) and whether it is valid (not the
// (0,0,0) invalid-sample sentinel).
func (d *DepthCloud) At(row, col int) (r3.Vector, bool) {
	pt := d.Data[row*d.Cols+col]
	return pt, pt != r3.Vector{}
}

// ReadDepthCloud decodes the *.pc binary format: little-endian
// int32 rows, cols, channels, followed by rows*cols*channels float32
// values with channels fixed at 3.
func ReadDepthCloud(r io.Reader) (*DepthCloud, error) {
	var header [3]int32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "depth cloud header")
	}
	rows, cols, channels := int(header[0]), int(header[1]), int(header[2])
	if channels != 3 {
		return nil, errors.Errorf("expected 3 channels, got %d", channels)
	}
	if rows < 0 || cols < 0 {
		return nil, errors.Errorf("invalid depth cloud dimensions %dx%d", rows, cols)
	}
	n := rows * cols
	raw := make([]float32, n*3)
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return nil, errors.Wrap(err, "depth cloud data")
	}
	data := make([]r3.Vector, n)
	for i := 0; i < n; i++ {
		data[i] = r3.Vector{X: float64(raw[3*i]), Y: float64(raw[3*i+1]), Z: float64(raw[3*i+2])}
	}
	return &DepthCloud{Rows: rows, Cols: cols, Data: data}, nil
}

// WriteDepthCloud encodes a DepthCloud back to the *.pc binary format, the
// inverse of ReadDepthCloud. The CLI does not call it.
func WriteDepthCloud(w io.Writer, d *DepthCloud) error {
	header := [3]int32{int32(d.Rows), int32(d.Cols), 3}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return errors.Wrap(err, "depth cloud header")
	}
	raw := make([]float32, len(d.Data)*3)
	for i, pt := range d.Data {
		raw[3*i] = float32(pt.X)
		raw[3*i+1] = float32(pt.Y)
		raw[3*i+2] = float32(pt.Z)
	}
	if err := binary.Write(w, binary.LittleEndian, &raw); err != nil {
		return errors.Wrap(err, "depth cloud data")
	}
	return nil
}

// NearestDepthCloud locates, for a given CameraImage timestamp, the depth
// cloud timestamp nearest in time within window, per spec section 4.3's
// "locate, per CameraImage, the depth cloud nearest in time". It returns
// false if no candidate falls within the window.
func NearestDepthCloud(timestamps []float64, target, window float64) (float64, bool) {
	best, bestDist, found := 0.0, window, false
	for _, t := range timestamps {
		d := t - target
		if d < 0 {
			d = -d
		}
		if d <= window && d <= bestDist {
			best, bestDist, found = t, d, true
		}
	}
	return best, found
}
