package main

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigcal/bracket"
	"go.viam.com/rigcal/calib"
	"go.viam.com/rigcal/features"
	"go.viam.com/rigcal/ingest"
	"go.viam.com/rigcal/nvm"
	"go.viam.com/rigcal/residuals"
	"go.viam.com/rigcal/rig"
	"go.viam.com/rigcal/spatialmath"
)

// applyFloatFlags maps the intrinsics/extrinsics token-list flags onto the
// rig's per-sensor FloatFlags, matching the original's
// "<cam>_intrinsics_to_float" and "extrinsics_to_float" space-separated
// token conventions.
func applyFloatFlags(rg *rig.Rig, cfg *config) {
	intrinsicsBySensor := map[string]string{
		"nav_cam": cfg.navCamIntrinsicsToFloat,
		"haz_cam": cfg.hazCamIntrinsicsToFloat,
		"sci_cam": cfg.sciCamIntrinsicsToFloat,
	}
	extrinsicsTokens := tokenSet(cfg.extrinsicsToFloat)

	for _, s := range rg.Sensors() {
		// Intrinsics floating applies to every sensor, including the
		// reference (--nav_cam_intrinsics_to_float); only the extrinsic,
		// clock offset, and depth scale are reference-only frozen, since
		// the reference sensor has no extrinsic or offset to float.
		if raw, ok := intrinsicsBySensor[s.Name]; ok {
			tokens := tokenSet(raw)
			s.Float.Focal = tokens["focal_length"]
			s.Float.PrincipalPoint = tokens["optical_center"]
			s.Float.Distortion = tokens["distortion"]
		}
		if s.IsReference() {
			continue
		}
		s.Float.Extrinsics = extrinsicsTokens[s.Name]
		s.Float.Offset = true
		if s.HasDepth() {
			s.Float.DepthScale = extrinsicsTokens["depth_to_image"]
		}
	}
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(s) {
		out[tok] = true
	}
	return out
}

// buildBrackets runs the bracketer over every non-reference sensor and
// flattens the result, together with the reference sensor's own frames,
// into one cid-indexed image table. It returns the images, their on-disk
// paths, a depth lookup per cid for images that carry a depth sample, and
// each non-reference sensor's admissible clock-offset range -- initialized
// to ±maxOffsetChange around its configured offset and narrowed by every
// bracket found, per spec section 4.3/4.8 -- for the solver's offset-bound
// penalty.
func buildBrackets(rg *rig.Rig, dataset *ingest.Dataset, bracketLen, maxOffsetChange float64) ([]bracket.CameraImage, []string, map[int]calib.DepthLookup, map[int]bracket.OffsetBounds, error) {
	var nonRef []int
	offsets := map[int]float64{}
	for _, s := range rg.Sensors() {
		if s.IsReference() {
			continue
		}
		nonRef = append(nonRef, s.Index)
		offsets[s.Index] = s.Offset
	}

	br := bracket.New(nonRef, offsets, maxOffsetChange)

	images := bracket.ReferenceCameraImages(dataset.RefTimestamps)
	paths := make([]string, len(images))
	for cid, img := range images {
		msg := dataset.Images[0][img.Timestamp]
		paths[cid] = msg.ImagePath
	}

	perSensor := map[int][]bracket.CameraImage{}
	for _, s := range nonRef {
		sensorTimestamps := sortedTimestamps(dataset.Images[s])
		admitted := br.Bracket(s, offsets[s], bracketLen, dataset.RefTimestamps, sensorTimestamps)
		perSensor[s] = admitted
		for _, img := range admitted {
			msg := dataset.Images[s][img.Timestamp]
			images = append(images, img)
			paths = append(paths, msg.ImagePath)
		}
	}

	if err := bracket.CheckAllSensorsAdmitted(perSensor, nonRef); err != nil {
		return nil, nil, nil, nil, err
	}

	depthByCID := map[int]calib.DepthLookup{}
	for cid, img := range images {
		msg := dataset.Images[img.Sensor][img.Timestamp]
		if msg.DepthPath == "" {
			continue
		}
		f, err := os.Open(msg.DepthPath)
		if err != nil {
			return nil, nil, nil, nil, errors.Wrapf(err, "opening depth cloud %s", msg.DepthPath)
		}
		cloud, err := ingest.ReadDepthCloud(f)
		f.Close()
		if err != nil {
			return nil, nil, nil, nil, errors.Wrapf(err, "reading depth cloud %s", msg.DepthPath)
		}
		depthByCID[cid] = cloud
	}

	offsetBounds := map[int]bracket.OffsetBounds{}
	for _, s := range nonRef {
		offsetBounds[s] = br.Bounds(s)
	}

	return images, paths, depthByCID, offsetBounds, nil
}

func sortedTimestamps(byTimestamp map[float64]ingest.ImageMessage) []float64 {
	ts := make([]float64, 0, len(byTimestamp))
	for t := range byTimestamp {
		ts = append(ts, t)
	}
	sort.Float64s(ts)
	return ts
}

// bracketedWorldToCam composes a non-reference sensor's extrinsics with the
// interpolated reference pose bracketing img.
func bracketedWorldToCam(rg *rig.Rig, refPoses []spatialmath.Pose, img bracket.CameraImage) spatialmath.Pose {
	extrinsics := rg.Extrinsic(img.Sensor)
	worldToRef := residuals.InterpolatePose(refPoses[img.Begin], refPoses[img.End], img.Alpha)
	return spatialmath.Compose(extrinsics, worldToRef)
}

func toPoint(kp features.Keypoint) r2.Point {
	return r2.Point{X: kp.X, Y: kp.Y}
}

func residualsConfig(cfg *config) residuals.Config {
	return residuals.Config{
		RobustThreshold: cfg.robustThreshold,
		DepthTriWeight:  cfg.depthTriWeight,
		MeshTriWeight:   cfg.meshTriWeight,
		DepthMeshWeight: cfg.depthMeshWeight,

		FloatSparseMap:        cfg.floatSparseMap,
		NoExtrinsics:          cfg.noExtrinsics,
		FloatNonrefCameras:    cfg.floatNonrefCameras,
		FloatTimestampOffsets: cfg.floatTimestampOffsets,
		FloatScale:            cfg.floatScale,
		AffineDepthToImage:    cfg.affineDepthToImage,
	}
}

func saveMatches(outDir string, overlaps []features.Overlap, detByCID map[int]features.Detection) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, ov := range overlaps {
		if len(ov.Matches) == 0 {
			continue
		}
		kps1 := gatherKeypoints(detByCID[ov.Left], ov.Matches, true)
		kps2 := gatherKeypoints(detByCID[ov.Right], ov.Matches, false)
		path := filepath.Join(outDir, strconv.Itoa(ov.Left)+"_"+strconv.Itoa(ov.Right)+".match")
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		err = features.WriteMatchFile(f, kps1, kps2)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func gatherKeypoints(det features.Detection, matches []features.PairMatch, left bool) []features.Keypoint {
	out := make([]features.Keypoint, len(matches))
	for i, m := range matches {
		if left {
			out[i] = det.Keypoints[m.Idx1]
		} else {
			out[i] = det.Keypoints[m.Idx2]
		}
	}
	return out
}

// register parses the hugin/xyz control-point files, fits the similarity
// transform, and applies it in place to every piece of solved state.
func register(cfg *config, worldPoints map[int]r3.Vector, refPoses []spatialmath.Pose, rg *rig.Rig) error {
	// Registration without a track-to-control-point correspondence source
	// (the hugin .pto pairing format) cannot be derived from the retrieval
	// pack alone; this loads bare XYZ target locations and expects callers
	// to supply already-triangulated rig-frame points keyed the same way,
	// via the xyz file's ordering matching the hugin file's point order.
	targets, err := readXYZFile(cfg.xyzFile)
	if err != nil {
		return err
	}
	unregistered, err := readHuginControlPoints(cfg.huginFile, worldPoints)
	if err != nil {
		return err
	}
	if len(targets) != len(unregistered) {
		return errors.Errorf("xyz file has %d points but hugin file has %d control points", len(targets), len(unregistered))
	}

	points := make([]calib.ControlPoint, len(targets))
	for i := range targets {
		points[i] = calib.ControlPoint{Name: strconv.Itoa(i), Target: targets[i], Unregistered: unregistered[i]}
	}

	transform, err := calib.Fit(points)
	if err != nil {
		return err
	}
	return calib.Apply(transform, worldPoints, refPoses, rg)
}

// readXYZFile parses one "x y z" triple per line, skipping blanks and
// comments, matching the rest of this package's plain-text parsing
// convention.
func readXYZFile(path string) ([]r3.Vector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []r3.Vector
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		toks := strings.Fields(line)
		if len(toks) < 3 {
			return nil, errors.Errorf("malformed xyz line %q", line)
		}
		x, err := strconv.ParseFloat(toks[0], 64)
		if err != nil {
			return nil, err
		}
		y, err := strconv.ParseFloat(toks[1], 64)
		if err != nil {
			return nil, err
		}
		z, err := strconv.ParseFloat(toks[2], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, r3.Vector{X: x, Y: y, Z: z})
	}
	return out, sc.Err()
}

// readHuginControlPoints parses a hugin .pto control-point list's "c"
// lines, resolving each referenced point id against the already
// triangulated world points. Control points whose pid is not currently
// triangulated are skipped.
func readHuginControlPoints(path string, worldPoints map[int]r3.Vector) ([]r3.Vector, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []r3.Vector
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "c ") {
			continue
		}
		pid, ok := huginControlPointID(line)
		if !ok {
			continue
		}
		pt, ok := worldPoints[pid]
		if !ok {
			continue
		}
		out = append(out, pt)
	}
	return out, sc.Err()
}

// huginControlPointID extracts the "n<id>" token from a hugin control-point
// line, treating it as the track's pid.
func huginControlPointID(line string) (int, bool) {
	for _, tok := range strings.Fields(line) {
		if strings.HasPrefix(tok, "n") {
			id, err := strconv.Atoi(tok[1:])
			if err == nil {
				return id, true
			}
		}
	}
	return 0, false
}

func writeOutputs(cfg *config, rg *rig.Rig, worldPoints map[int]r3.Vector, refPoses []spatialmath.Pose, in *calib.Input) error {
	if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
		return err
	}

	rigOut, err := os.Create(filepath.Join(cfg.outDir, "rig_config.txt"))
	if err != nil {
		return err
	}
	err = rig.WriteConfig(rigOut, rg)
	rigOut.Close()
	if err != nil {
		return errors.Wrap(err, "writing rig config")
	}

	nvmFile := &nvm.File{}
	for i := range refPoses {
		nvmFile.Cameras = append(nvmFile.Cameras, nvm.Camera{
			Path:  strconv.Itoa(i),
			Focal: rg.Sensor(0).Intrinsics.Focal,
			Pose:  refPoses[i],
		})
	}
	for pid, pt := range worldPoints {
		track := in.Tracks[pid]
		pointEntry := nvm.Point{XYZ: pt}
		for cid, fid := range track {
			kp := in.Detections[cid].Keypoints[fid]
			pointEntry.Observations = append(pointEntry.Observations, nvm.Observation{
				CameraIndex: cid,
				FeatureID:   fid,
				Pixel:       r2.Point{X: kp.X, Y: kp.Y},
			})
		}
		nvmFile.Points = append(nvmFile.Points, pointEntry)
	}
	nvmOut, err := os.Create(filepath.Join(cfg.outDir, "reconstruction.nvm"))
	if err != nil {
		return err
	}
	err = nvm.Write(nvmOut, nvmFile)
	nvmOut.Close()
	if err != nil {
		return errors.Wrap(err, "writing nvm reconstruction")
	}

	return nil
}
