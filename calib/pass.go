// Package calib implements the per-pass calibration loop (C10, "Pass
// Controller") and the control-point registration step (C11, "Registrar")
// that run on top of every other component of the calibration engine.
package calib

import (
	"math"

	"go.viam.com/rigcal/bracket"
	"go.viam.com/rigcal/features"
	"go.viam.com/rigcal/logging"
	"go.viam.com/rigcal/meshoracle"
	"go.viam.com/rigcal/outliers"
	"go.viam.com/rigcal/residuals"
	"go.viam.com/rigcal/rig"
	"go.viam.com/rigcal/spatialmath"
	"go.viam.com/rigcal/tracks"
	"go.viam.com/rigcal/triangulate"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Input is the fixed data a calibration run assembles once, before the
// pass loop starts. RefPoses is mutated in place by each pass.
type Input struct {
	Rig           *rig.Rig
	RefPoses      []spatialmath.Pose
	RefTimestamps []float64              // parallel to RefPoses
	Images        []bracket.CameraImage  // indexed by cid
	Detections    []features.Detection   // indexed by cid, parallel to Images
	Tracks        []tracks.Track         // indexed by pid
	DepthByCID    map[int]depthLookup
	Mesh          *meshoracle.Oracle
	OffsetBounds  map[int]bracket.OffsetBounds // per non-reference sensor
}

// depthLookup adapts a dense depth cloud to the per-feature pixel lookup
// the pass controller needs; kept as an interface so callers can wrap
// ingest.DepthCloud or any other per-pixel depth source.
type depthLookup interface {
	At(row, col int) (r3.Vector, bool)
}

// DepthLookup exports depthLookup's constraint for callers in other
// packages (e.g. ingest.DepthCloud already satisfies it structurally).
type DepthLookup = depthLookup

// Config threads the weights, thresholds, and parameter-freezing policy
// exposed on the command line into both the residual assembler and the
// outlier gates.
type Config struct {
	Residuals residuals.Config

	BoundaryPixels            float64
	ThetaMinRadians           float64
	ReprojectionThresholdPost float64
	GeometricPreFilterEInit   float64
	MeshRayMin, MeshRayMax    float64
	MaxSolverIterations       int
}

// PassController runs the iterative triangulate/solve/flag loop.
type PassController struct {
	cfg    Config
	in     *Input
	log    logging.Logger
	policy *outliers.Policy

	// cameraPoses holds the most recently solved independent T_world->cam
	// pose per cid, under --no_extrinsics (spec section 4.8); nil
	// otherwise. Carried across passes so each pass's camera_pose blocks
	// refine the previous pass's estimate instead of resetting to the
	// extrinsics/interpolation estimate every time.
	cameraPoses map[int]spatialmath.Pose
}

// New builds a PassController over in, ready to run RunPass repeatedly.
func New(cfg Config, in *Input, log logging.Logger) *PassController {
	return &PassController{cfg: cfg, in: in, log: log, policy: outliers.New()}
}

// Result summarizes one completed pass.
type Result struct {
	WorldPoints map[int]r3.Vector
	NewOutliers int
}

// refTimestamp looks up the raw reference timestamp at frame index i,
// defaulting to 0 when the caller hasn't populated Input.RefTimestamps
// (e.g. a single-reference-sensor test fixture where every image is
// trivially bracketed and the value is never actually used).
func (pc *PassController) refTimestamp(i int) float64 {
	if i < len(pc.in.RefTimestamps) {
		return pc.in.RefTimestamps[i]
	}
	return 0
}

// liveAlpha recomputes cid's interpolation fraction from the rig's current
// clock-offset for its sensor, per spec section 4.8, rather than reusing
// the value frozen in at bracket time -- once a pass floats
// --float_timestamp_offsets, a later pass's triangulation needs to track
// the solved offset just as the residual terms do.
func (pc *PassController) liveAlpha(cid int) float64 {
	img := pc.in.Images[cid]
	if img.Begin == img.End {
		return 0
	}
	offset := pc.in.Rig.Offset(img.Sensor)
	return residuals.InterpolationFraction(img.Timestamp, pc.refTimestamp(img.Begin), pc.refTimestamp(img.End), offset, false)
}

// worldToCam returns the current world-to-camera pose for cid. Under
// --no_extrinsics (spec section 4.8) this is the independently solved pose
// from the most recent pass, once one exists; otherwise it composes the
// rig's extrinsic with the bracketed, interpolated reference pose.
func (pc *PassController) worldToCam(cid int) spatialmath.Pose {
	if pose, ok := pc.cameraPoses[cid]; ok {
		return pose
	}
	img := pc.in.Images[cid]
	extrinsics := pc.in.Rig.Extrinsic(img.Sensor)
	worldToRef := residuals.InterpolatePose(pc.in.RefPoses[img.Begin], pc.in.RefPoses[img.End], pc.liveAlpha(cid))
	return spatialmath.Compose(extrinsics, worldToRef)
}

func (pc *PassController) normalizedPixel(cid, fid int) r2.Point {
	img := pc.in.Images[cid]
	kp := pc.in.Detections[cid].Keypoints[fid]
	sensor := pc.in.Rig.Sensor(img.Sensor)
	n := sensor.Intrinsics.PixelToNormalized(r2.Point{X: kp.X, Y: kp.Y})
	ux, uy := sensor.Distortion.Undistort(n.X, n.Y)
	return r2.Point{X: ux, Y: uy}
}

// triangulateTrack triangulates pid's world point from its still-inlier
// members, skipping any member the outlier policy has already flagged.
func (pc *PassController) triangulateTrack(pid int) (r3.Vector, error) {
	track := pc.in.Tracks[pid]
	var obs []triangulate.Observation
	for cid, fid := range track {
		f := outliers.Feature{PID: pid, CID: cid, FID: fid}
		if pc.policy.IsOutlier(f) {
			continue
		}
		obs = append(obs, triangulate.Observation{
			Normalized: pc.normalizedPixel(cid, fid),
			WorldToCam: pc.worldToCam(cid),
		})
	}
	return triangulate.Point(obs)
}

// meshHitsForTrack back-projects every still-inlier member of pid's track
// through the mesh oracle, returning the per-feature hits found.
func (pc *PassController) meshHitsForTrack(pid int) []r3.Vector {
	if pc.in.Mesh == nil {
		return nil
	}
	track := pc.in.Tracks[pid]
	var hits []r3.Vector
	for cid, fid := range track {
		f := outliers.Feature{PID: pid, CID: cid, FID: fid}
		if pc.policy.IsOutlier(f) {
			continue
		}
		px := pc.normalizedPixel(cid, fid)
		hit, ok := pc.in.Mesh.Hit(px, pc.worldToCam(cid))
		if ok {
			hits = append(hits, hit)
		}
	}
	return hits
}

// depthSample looks up the raw depth-camera-frame sample backing feature
// fid of image cid, if that image carries a depth stream.
func (pc *PassController) depthSample(cid, fid int) (r3.Vector, bool) {
	lookup, ok := pc.in.DepthByCID[cid]
	if !ok {
		return r3.Vector{}, false
	}
	kp := pc.in.Detections[cid].Keypoints[fid]
	return lookup.At(int(kp.IY), int(kp.IX))
}

// depthToWorld transforms a raw depth-camera-frame sample into world
// coordinates, for diagnostics that need the depth-implied world point
// directly rather than folding it into a residual (residuals.Assemble does
// the equivalent transform internally when building the depth terms).
func (pc *PassController) depthToWorld(cid int, depthPt r3.Vector) r3.Vector {
	img := pc.in.Images[cid]
	sensor := pc.in.Rig.Sensor(img.Sensor)
	scaled := depthPt.Mul(sensor.DepthScale)
	inImage := spatialmath.Transform(sensor.DepthToImage, scaled)
	sensorToWorld := spatialmath.Invert(pc.worldToCam(cid))
	return spatialmath.Transform(sensorToWorld, inImage)
}

// featureMeshHit back-projects a single feature through the mesh oracle,
// used by the per-observation depth-mesh term (as opposed to
// meshHitsForTrack's track-wide average used by the track-mesh term).
func (pc *PassController) featureMeshHit(cid, fid int) (r3.Vector, bool) {
	if pc.in.Mesh == nil {
		return r3.Vector{}, false
	}
	px := pc.normalizedPixel(cid, fid)
	return pc.in.Mesh.Hit(px, pc.worldToCam(cid))
}

// RunPass performs one full iteration of the C10 loop: triangulate every
// track against the current rig/reference-pose state, compute mesh hits,
// assemble and solve the bundle-adjustment problem, write the solved state
// back into the rig and reference poses, then flag new outliers for the
// next pass.
func (pc *PassController) RunPass() (*Result, error) {
	tracksInfo := map[int]residuals.TrackInfo{}
	for pid := range pc.in.Tracks {
		pt, err := pc.triangulateTrack(pid)
		if err != nil {
			continue // too few inlier rays remain; track drops out of this pass
		}
		info := residuals.TrackInfo{WorldPoint: pt}
		if hits := pc.meshHitsForTrack(pid); len(hits) > 0 {
			if avg, ok := meshoracle.TrackAverage(hits); ok {
				info.MeshAvg = &avg
			}
		}
		tracksInfo[pid] = info
	}
	if len(tracksInfo) == 0 {
		return nil, errors.New("no tracks remain: all triangulations failed")
	}

	images := make([]residuals.ImageInfo, len(pc.in.Images))
	for cid, img := range pc.in.Images {
		images[cid] = residuals.ImageInfo{
			Sensor: img.Sensor, Begin: img.Begin, End: img.End, Alpha: img.Alpha,
			Timestamp:       img.Timestamp,
			RefBegTimestamp: pc.refTimestamp(img.Begin),
			RefEndTimestamp: pc.refTimestamp(img.End),
		}
	}
	if err := residuals.CheckAlpha(images); err != nil {
		return nil, err
	}

	var observations []residuals.Observation
	for pid := range tracksInfo {
		track := pc.in.Tracks[pid]
		for cid, fid := range track {
			f := outliers.Feature{PID: pid, CID: cid, FID: fid}
			if pc.policy.IsOutlier(f) {
				continue
			}
			kp := pc.in.Detections[cid].Keypoints[fid]
			img := pc.in.Images[cid]
			obs := residuals.Observation{
				PID: pid, CID: cid, Sensor: img.Sensor,
				Pixel: r2.Point{X: kp.X, Y: kp.Y},
			}
			if depth, ok := pc.depthSample(cid, fid); ok {
				obs.Depth = &depth
				if hit, ok := pc.featureMeshHit(cid, fid); ok {
					obs.MeshHit = &hit
				}
			}
			observations = append(observations, obs)
		}
	}

	sensors := map[int]*rig.Sensor{}
	for _, s := range pc.in.Rig.Sensors() {
		sensors[s.Index] = s
	}

	problem := residuals.Assemble(pc.cfg.Residuals, pc.in.RefPoses, sensors, images, observations, tracksInfo, pc.in.OffsetBounds, pc.cameraPoses)
	if _, err := problem.Solve(pc.cfg.MaxSolverIterations); err != nil {
		return nil, errors.Wrap(err, "bundle adjustment")
	}

	if pc.cfg.Residuals.NoExtrinsics {
		cameraPoses := map[int]spatialmath.Pose{}
		for cid := range pc.in.Images {
			if pose, ok := problem.CameraPose(cid); ok {
				cameraPoses[cid] = pose
			}
		}
		pc.cameraPoses = cameraPoses
	}

	result := &Result{WorldPoints: map[int]r3.Vector{}}
	for pid := range tracksInfo {
		pt, _ := problem.WorldPoint(pid)
		result.WorldPoints[pid] = pt
	}
	for i := range pc.in.RefPoses {
		pc.in.RefPoses[i] = problem.RefPose(i)
	}
	for _, s := range pc.in.Rig.Sensors() {
		if s.IsReference() {
			continue
		}
		if err := pc.in.Rig.SetExtrinsic(s.Index, problem.Extrinsics(s.Index)); err != nil {
			return nil, err
		}
	}

	before := len(pc.policy.Outliers)
	pc.flagOutliers(result.WorldPoints)
	result.NewOutliers = len(pc.policy.Outliers) - before
	return result, nil
}

// flagOutliers runs the triangulation-angle and reprojection gates (gates
// 2 and 3; gate 1, boundary exclusion, runs once before the first pass --
// see RunBoundaryExclusion) against the pass's freshly solved state.
func (pc *PassController) flagOutliers(worldPoints map[int]r3.Vector) {
	raysByPID := map[int][]outliers.Ray{}
	for pid := range worldPoints {
		track := pc.in.Tracks[pid]
		for cid, fid := range track {
			f := outliers.Feature{PID: pid, CID: cid, FID: fid}
			if pc.policy.IsOutlier(f) {
				continue
			}
			w2c := pc.worldToCam(cid)
			center := spatialmath.Transform(spatialmath.Invert(w2c), r3.Vector{})
			raysByPID[pid] = append(raysByPID[pid], outliers.Ray{Feature: f, Center: center, Point: worldPoints[pid]})
		}
	}
	pc.policy.TriangulationAngle(raysByPID, pc.cfg.ThetaMinRadians)

	var features []outliers.Feature
	for pid := range worldPoints {
		track := pc.in.Tracks[pid]
		for cid, fid := range track {
			features = append(features, outliers.Feature{PID: pid, CID: cid, FID: fid})
		}
	}
	pc.policy.Reprojection(features, func(f outliers.Feature) r2.Point {
		return pc.reprojectionResidual(f, worldPoints[f.PID])
	}, pc.cfg.ReprojectionThresholdPost)
}

func (pc *PassController) reprojectionResidual(f outliers.Feature, worldPt r3.Vector) r2.Point {
	img := pc.in.Images[f.CID]
	sensor := pc.in.Rig.Sensor(img.Sensor)
	kp := pc.in.Detections[f.CID].Keypoints[f.FID]
	w2c := pc.worldToCam(f.CID)
	local := spatialmath.Transform(w2c, worldPt)
	n := r2.Point{X: local.X / local.Z, Y: local.Y / local.Z}
	dx, dy := sensor.Distortion.Distort(n.X, n.Y)
	pred := sensor.Intrinsics.NormalizedToPixel(r2.Point{X: dx, Y: dy})
	return r2.Point{X: pred.X - kp.X, Y: pred.Y - kp.Y}
}

// RunBoundaryExclusion runs gate 1 once, before the first pass, against the
// rig's distorted image sizes. It walks actual track membership (rather
// than every detected keypoint) so the resulting Feature keys are the same
// (pid, cid, fid) triples the later gates and the residual assembler use.
func (pc *PassController) RunBoundaryExclusion() {
	var feats []outliers.Feature
	for pid, track := range pc.in.Tracks {
		for cid, fid := range track {
			feats = append(feats, outliers.Feature{PID: pid, CID: cid, FID: fid})
		}
	}
	pc.policy.BoundaryExclusion(
		feats,
		func(f outliers.Feature) r2.Point {
			kp := pc.in.Detections[f.CID].Keypoints[f.FID]
			return r2.Point{X: kp.X, Y: kp.Y}
		},
		func(f outliers.Feature) (int, int) {
			sensor := pc.in.Rig.Sensor(pc.in.Images[f.CID].Sensor)
			return sensor.DistortedImageSize.X, sensor.DistortedImageSize.Y
		},
		func(f outliers.Feature) bool {
			return pc.in.Images[f.CID].Sensor == 0
		},
		pc.cfg.BoundaryPixels,
	)
}

// Policy exposes the accumulated outlier policy for inspection/reporting.
func (pc *PassController) Policy() *outliers.Policy { return pc.policy }

// Summary is the per-residual-type RMSE breakdown the pass controller
// reports after each solve, mirroring the original's post-solve report
// (reprojection / depth-triangulation / depth-mesh / track-mesh).
type Summary struct {
	ReprojectionPixelRMSE float64
	DepthTriMeterRMSE     float64
	DepthMeshMeterRMSE    float64
	TrackMeshMeterRMSE    float64
}

// Summarize computes Summary from result against the pass's current
// (post-solve) state. It re-derives depth/mesh samples the same way RunPass
// did when assembling the solved problem, rather than threading them
// through Result, since they are cheap to recompute and Result only needs
// to carry what the pass loop itself consumes.
func (pc *PassController) Summarize(result *Result) Summary {
	var reproj rms
	var depthTri, depthMesh rms
	var trackMesh rms

	for pid, worldPt := range result.WorldPoints {
		track := pc.in.Tracks[pid]
		for cid, fid := range track {
			f := outliers.Feature{PID: pid, CID: cid, FID: fid}
			if pc.policy.IsOutlier(f) {
				continue
			}
			res := pc.reprojectionResidual(f, worldPt)
			reproj.add(math.Hypot(res.X, res.Y))

			if depth, ok := pc.depthSample(cid, fid); ok {
				depthWorld := pc.depthToWorld(cid, depth)
				depthTri.add(depthWorld.Sub(worldPt).Norm())
				if hit, ok := pc.featureMeshHit(cid, fid); ok {
					depthMesh.add(hit.Sub(depthWorld).Norm())
				}
			}
		}
		if hits := pc.meshHitsForTrack(pid); len(hits) > 0 {
			if avg, ok := meshoracle.TrackAverage(hits); ok {
				trackMesh.add(avg.Sub(worldPt).Norm())
			}
		}
	}

	return Summary{
		ReprojectionPixelRMSE: reproj.rmse(),
		DepthTriMeterRMSE:     depthTri.rmse(),
		DepthMeshMeterRMSE:    depthMesh.rmse(),
		TrackMeshMeterRMSE:    trackMesh.rmse(),
	}
}

// rms accumulates a running root-mean-square over scalar samples.
type rms struct {
	sumSq float64
	n     int
}

func (r *rms) add(v float64) {
	r.sumSq += v * v
	r.n++
}

func (r *rms) rmse() float64 {
	if r.n == 0 {
		return 0
	}
	return math.Sqrt(r.sumSq / float64(r.n))
}
