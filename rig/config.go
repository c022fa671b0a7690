package rig

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigcal/spatialmath"
)

// ReadConfig parses a rig configuration file (the key-value text format
// described in the external interfaces) into a Rig.
func ReadConfig(r io.Reader) (*Rig, error) {
	kvs, blocks, err := scanConfigBlocks(r)
	if err != nil {
		return nil, err
	}

	refSensorID, err := intField(kvs, "ref_sensor_id")
	if err != nil {
		return nil, err
	}
	if refSensorID != 0 {
		return nil, errors.Errorf("ref_sensor_id must be 0, got %d", refSensorID)
	}

	sensors := make([]*Sensor, len(blocks))
	for i, block := range blocks {
		sen, err := parseSensorBlock(block)
		if err != nil {
			return nil, errors.Wrapf(err, "sensor block %d", i)
		}
		if sen.Index != i {
			return nil, errors.Errorf("sensor block %d declares sensor_id %d, expected %d", i, sen.Index, i)
		}
		sensors[i] = sen
	}

	rg := New(sensors)
	if err := rg.CheckValid(); err != nil {
		return nil, err
	}
	return rg, nil
}

// scanConfigBlocks splits a rig config file into the leading top-level
// key-values and the repeated per-sensor blocks, each starting at a
// "sensor_id:" line.
func scanConfigBlocks(r io.Reader) (map[string]string, [][]string, error) {
	top := map[string]string{}
	var blocks [][]string
	var current []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, ok := splitKV(line)
		if !ok {
			return nil, nil, errors.Errorf("malformed config line %q", line)
		}
		if key == "sensor_id" {
			if current != nil {
				blocks = append(blocks, current)
			}
			current = []string{line}
			continue
		}
		if current != nil {
			current = append(current, line)
			continue
		}
		k, v, _ := splitKV(line)
		top[k] = v
	}
	if current != nil {
		blocks = append(blocks, current)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "reading rig config")
	}
	return top, blocks, nil
}

func splitKV(line string) (string, string, bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func intField(kvs map[string]string, key string) (int, error) {
	v, ok := kvs[key]
	if !ok {
		return 0, errors.Errorf("missing required field %q", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "field %q", key)
	}
	return n, nil
}

func parseSensorBlock(lines []string) (*Sensor, error) {
	kv := map[string]string{}
	for _, line := range lines {
		k, v, _ := splitKV(line)
		kv[k] = v
	}

	index, err := intField(kv, "sensor_id")
	if err != nil {
		return nil, err
	}
	name := kv["sensor_name"]

	focal, err := floatField(kv, "focal_length")
	if err != nil {
		return nil, err
	}
	cx, cy, err := float2Field(kv, "optical_center")
	if err != nil {
		return nil, err
	}

	distType, ok := kv["distortion_type"]
	if !ok {
		return nil, errors.New("missing distortion_type")
	}
	kind, err := parseDistortionType(distType)
	if err != nil {
		return nil, err
	}
	coeffs, err := floatListField(kv, "distortion_coeffs")
	if err != nil {
		return nil, err
	}
	dist, err := NewDistortion(kind, coeffs)
	if err != nil {
		return nil, err
	}

	imgW, imgH, err := intPairField(kv, "image_size")
	if err != nil {
		return nil, err
	}
	undistW, undistH, err := intPairField(kv, "undistorted_image_size")
	if err != nil {
		return nil, err
	}

	extrinsics, err := parseTransform12(kv, "ref_to_sensor_transform")
	if err != nil {
		return nil, err
	}

	var depthToImage spatialmath.Pose
	if raw, ok := kv["depth_to_image_transform"]; ok && strings.TrimSpace(raw) != "" {
		vals, err := floatListField(kv, "depth_to_image_transform")
		if err != nil {
			return nil, err
		}
		// An all-zero block is how WriteConfig records a sensor without a
		// depth stream.
		if !allZeros(vals) {
			depthToImage, err = parseTransform12(kv, "depth_to_image_transform")
			if err != nil {
				return nil, err
			}
		}
	}

	offset, err := floatField(kv, "ref_to_sensor_timestamp_offset")
	if err != nil {
		return nil, err
	}

	sen := &Sensor{
		Index: index,
		Name:  name,
		Intrinsics: Intrinsics{
			Focal:          focal,
			PrincipalPoint: r2.Point{X: cx, Y: cy},
		},
		Distortion:           dist,
		DistortedImageSize:   image.Point{X: imgW, Y: imgH},
		UndistortedImageSize: image.Point{X: undistW, Y: undistH},
		Extrinsics:           extrinsics,
		DepthToImage:         depthToImage,
		DepthScale:           1,
		Offset:               offset,
	}
	return sen, nil
}

func parseDistortionType(s string) (DistortionKind, error) {
	switch s {
	case "no_distortion":
		return DistortionNone, nil
	case "fisheye":
		return DistortionFisheye, nil
	case "radtan":
		return DistortionRadtan, nil
	default:
		return "", errors.Errorf("unknown distortion_type %q", s)
	}
}

func floatField(kv map[string]string, key string) (float64, error) {
	v, ok := kv[key]
	if !ok {
		return 0, errors.Errorf("missing field %q", key)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "field %q", key)
	}
	return f, nil
}

func floatListField(kv map[string]string, key string) ([]float64, error) {
	v, ok := kv[key]
	if !ok {
		return nil, errors.Errorf("missing field %q", key)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return []float64{}, nil
	}
	toks := strings.Fields(v)
	out := make([]float64, len(toks))
	for i, tok := range toks {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q token %d", key, i)
		}
		out[i] = f
	}
	return out, nil
}

func float2Field(kv map[string]string, key string) (float64, float64, error) {
	vals, err := floatListField(kv, key)
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, errors.Errorf("field %q needs 2 values, got %d", key, len(vals))
	}
	return vals[0], vals[1], nil
}

func intPairField(kv map[string]string, key string) (int, int, error) {
	v, ok := kv[key]
	if !ok {
		return 0, 0, errors.Errorf("missing field %q", key)
	}
	toks := strings.Fields(v)
	if len(toks) != 2 {
		return 0, 0, errors.Errorf("field %q needs 2 values, got %d", key, len(toks))
	}
	w, err := strconv.Atoi(toks[0])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "field %q", key)
	}
	h, err := strconv.Atoi(toks[1])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "field %q", key)
	}
	return w, h, nil
}

// parseTransform12 decodes 12 row-major doubles (a 3x4 [R|t] block) into a
// Pose. All-zero input means the transform is unknown and is represented as
// the identity pose; callers that care about this distinction should check
// the raw field directly.
func parseTransform12(kv map[string]string, key string) (spatialmath.Pose, error) {
	vals, err := floatListField(kv, key)
	if err != nil {
		return nil, err
	}
	if len(vals) != 12 {
		return nil, errors.Errorf("field %q needs 12 values, got %d", key, len(vals))
	}
	if allZeros(vals) {
		return spatialmath.NewZeroPose(), nil
	}
	rotData := []float64{
		vals[0], vals[1], vals[2],
		vals[4], vals[5], vals[6],
		vals[8], vals[9], vals[10],
	}
	rot, err := spatialmath.NewRotationMatrix(rotData)
	if err != nil {
		return nil, errors.Wrapf(err, "field %q", key)
	}
	t := r3.Vector{X: vals[3], Y: vals[7], Z: vals[11]}
	return spatialmath.NewPoseFromRotationMatrix(t, rot), nil
}

// allZeros reports whether every value is exactly zero.
func allZeros(vals []float64) bool {
	for _, v := range vals {
		if v != 0 {
			return false
		}
	}
	return true
}

// WriteConfig serializes a Rig back to the key-value rig configuration
// format.
func WriteConfig(w io.Writer, r *Rig) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ref_sensor_id: 0\n")
	for _, sen := range r.Sensors() {
		fmt.Fprintf(bw, "sensor_id: %d\n", sen.Index)
		fmt.Fprintf(bw, "sensor_name: %s\n", sen.Name)
		fmt.Fprintf(bw, "focal_length: %.17g\n", sen.Intrinsics.Focal)
		fmt.Fprintf(bw, "optical_center: %.17g %.17g\n", sen.Intrinsics.PrincipalPoint.X, sen.Intrinsics.PrincipalPoint.Y)
		fmt.Fprintf(bw, "distortion_coeffs: %s\n", joinFloats(sen.Distortion.Params()))
		fmt.Fprintf(bw, "distortion_type: %s\n", distortionTypeName(sen.Distortion.Kind()))
		fmt.Fprintf(bw, "image_size: %d %d\n", sen.DistortedImageSize.X, sen.DistortedImageSize.Y)
		fmt.Fprintf(bw, "undistorted_image_size: %d %d\n", sen.UndistortedImageSize.X, sen.UndistortedImageSize.Y)
		fmt.Fprintf(bw, "ref_to_sensor_transform: %s\n", joinFloats(transform12(sen.Extrinsics)))
		if sen.DepthToImage != nil {
			fmt.Fprintf(bw, "depth_to_image_transform: %s\n", joinFloats(transform12(sen.DepthToImage)))
		} else {
			fmt.Fprintf(bw, "depth_to_image_transform: %s\n", joinFloats(make([]float64, 12)))
		}
		fmt.Fprintf(bw, "ref_to_sensor_timestamp_offset: %.17g\n", sen.Offset)
	}
	return bw.Flush()
}

func distortionTypeName(k DistortionKind) string {
	switch k {
	case DistortionNone:
		return "no_distortion"
	case DistortionFisheye:
		return "fisheye"
	default:
		return "radtan"
	}
}

func joinFloats(vals []float64) string {
	toks := make([]string, len(vals))
	for i, v := range vals {
		toks[i] = strconv.FormatFloat(v, 'g', 17, 64)
	}
	return strings.Join(toks, " ")
}

func transform12(p spatialmath.Pose) []float64 {
	rot := p.Orientation().RotationMatrix()
	t := p.Point()
	return []float64{
		rot.At(0, 0), rot.At(0, 1), rot.At(0, 2), t.X,
		rot.At(1, 0), rot.At(1, 1), rot.At(1, 2), t.Y,
		rot.At(2, 0), rot.At(2, 1), rot.At(2, 2), t.Z,
	}
}
