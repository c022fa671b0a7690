// Command rig-calibrate runs the multi-sensor rig calibration engine
// end-to-end: ingest an image list and rig configuration, bracket and
// detect and match features, build tracks, run the refinement passes, and
// optionally register the result against known control-point locations.
package main

import (
	"context"
	"flag"
	"math"
	"math/rand"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigcal/calib"
	"go.viam.com/rigcal/features"
	"go.viam.com/rigcal/ingest"
	"go.viam.com/rigcal/logging"
	"go.viam.com/rigcal/meshoracle"
	"go.viam.com/rigcal/rig"
	"go.viam.com/rigcal/spatialmath"
	"go.viam.com/rigcal/tracks"
)

var logger = logging.NewLogger("rig-calibrate")

func main() {
	if err := realMain(os.Args[1:]); err != nil {
		logger.Errorw("rig-calibrate failed", "error", err)
		os.Exit(1)
	}
}

// config holds every flag value, after validation.
type config struct {
	rigConfig string
	imageList string
	outDir    string
	mesh      string

	numOverlaps   int
	bracketLen    float64
	numIterations int

	numOptThreads   int
	numMatchThreads int

	robustThreshold float64
	depthTriWeight  float64
	meshTriWeight   float64
	depthMeshWeight float64

	initialMaxReprojectionError float64
	maxReprojectionError        float64
	refinerMinAngleDegrees      float64
	refinerNumPasses            int

	minRayDist float64
	maxRayDist float64

	navCamIntrinsicsToFloat string
	hazCamIntrinsicsToFloat string
	sciCamIntrinsicsToFloat string
	extrinsicsToFloat       string

	floatScale            bool
	floatSparseMap        bool
	floatTimestampOffsets bool
	floatNonrefCameras    bool
	noExtrinsics          bool
	affineDepthToImage    bool

	timestampOffsetsMaxChange float64

	registration bool
	huginFile    string
	xyzFile      string

	saveMatches              bool
	saveImagesAndDepthClouds bool
}

func parseFlags(args []string) (*config, error) {
	flags := flag.NewFlagSet("rig-calibrate", flag.ContinueOnError)
	cfg := &config{}

	flags.StringVar(&cfg.rigConfig, "rig_config", "", "Path to the rig configuration file.")
	flags.StringVar(&cfg.imageList, "image_list", "", "Path to the image list file.")
	flags.StringVar(&cfg.outDir, "out_dir", "", "Output directory for the calibrated rig config and diagnostics.")
	flags.StringVar(&cfg.mesh, "mesh", "", "Path to an OBJ mesh of the calibration target.")

	flags.IntVar(&cfg.numOverlaps, "num_overlaps", 10, "How many images forward in time to match against.")
	flags.Float64Var(&cfg.bracketLen, "bracket_len", 0.6, "Max spacing between consecutive reference timestamps admitted into a bracket.")
	flags.IntVar(&cfg.numIterations, "num_iterations", 20, "How many solver iterations to perform per pass.")

	flags.IntVar(&cfg.numOptThreads, "num_opt_threads", 16, "How many threads to use in the optimization.")
	flags.IntVar(&cfg.numMatchThreads, "num_match_threads", 8, "How many threads to use in feature detection/matching.")

	flags.Float64Var(&cfg.robustThreshold, "robust_threshold", 3.0, "Residual robustification threshold, in pixels/meters depending on the term.")
	flags.Float64Var(&cfg.depthTriWeight, "depth_tri_weight", 1000.0, "Weight of the depth-vs-triangulation residual term.")
	flags.Float64Var(&cfg.meshTriWeight, "mesh_tri_weight", 0.0, "Weight of the track-vs-mesh residual term.")
	flags.Float64Var(&cfg.depthMeshWeight, "depth_mesh_weight", 0.0, "Weight of the depth-vs-mesh residual term.")

	flags.Float64Var(&cfg.initialMaxReprojectionError, "initial_max_reprojection_error", 300.0, "Reprojection error threshold, in pixels, for the initial geometric pre-filter.")
	flags.Float64Var(&cfg.maxReprojectionError, "max_reprojection_error", 25.0, "Reprojection error threshold, in pixels, for the post-solve outlier gate.")
	flags.Float64Var(&cfg.refinerMinAngleDegrees, "refiner_min_angle", 0.5, "Minimum triangulation angle, in degrees, below which a track is flagged as an outlier.")
	flags.IntVar(&cfg.refinerNumPasses, "refiner_num_passes", 2, "How many passes of triangulate/solve/flag to run.")

	flags.Float64Var(&cfg.minRayDist, "min_ray_dist", 0.0, "Minimum search distance along a ray when intersecting the mesh.")
	flags.Float64Var(&cfg.maxRayDist, "max_ray_dist", 100.0, "Maximum search distance along a ray when intersecting the mesh.")

	flags.StringVar(&cfg.navCamIntrinsicsToFloat, "nav_cam_intrinsics_to_float", "", "Space-separated subset of {focal_length, optical_center, distortion} to float for nav_cam.")
	flags.StringVar(&cfg.hazCamIntrinsicsToFloat, "haz_cam_intrinsics_to_float", "", "Space-separated subset of {focal_length, optical_center, distortion} to float for haz_cam.")
	flags.StringVar(&cfg.sciCamIntrinsicsToFloat, "sci_cam_intrinsics_to_float", "", "Space-separated subset of {focal_length, optical_center, distortion} to float for sci_cam.")
	flags.StringVar(&cfg.extrinsicsToFloat, "extrinsics_to_float", "haz_cam sci_cam depth_to_image", "Space-separated list of sensor/transform names whose extrinsics to float.")

	flags.BoolVar(&cfg.floatScale, "float_scale", false, "Float the depth-to-image scale.")
	flags.BoolVar(&cfg.floatSparseMap, "float_sparse_map", false, "Float the reference sensor's own poses.")
	flags.BoolVar(&cfg.floatTimestampOffsets, "float_timestamp_offsets", false, "Float each non-reference sensor's clock offset.")
	flags.BoolVar(&cfg.floatNonrefCameras, "float_nonref_cameras", false, "Float non-reference camera poses directly; requires --no_extrinsics.")
	flags.BoolVar(&cfg.noExtrinsics, "no_extrinsics", false, "Do not solve for extrinsics at all.")
	flags.BoolVar(&cfg.affineDepthToImage, "affine_depth_to_image", false, "Treat the depth-to-image transform as a general affine map rather than rigid.")

	flags.Float64Var(&cfg.timestampOffsetsMaxChange, "timestamp_offsets_max_change", 1.0, "Max allowed change to a clock offset across the whole run.")

	flags.BoolVar(&cfg.registration, "registration", false, "Register the result against known control point locations.")
	flags.StringVar(&cfg.huginFile, "hugin_file", "", "Path to the hugin .pto file used for registration.")
	flags.StringVar(&cfg.xyzFile, "xyz_file", "", "Path to the xyz file used for registration.")

	flags.BoolVar(&cfg.saveMatches, "save_matches", false, "Save the computed matches to out_dir.")
	flags.BoolVar(&cfg.saveImagesAndDepthClouds, "save_images_and_depth_clouds", false, "Requires out_dir; no images or depth clouds are written.")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	if c.rigConfig == "" {
		return errors.New("--rig_config is required")
	}
	if c.imageList == "" {
		return errors.New("--image_list is required")
	}
	if c.registration && (c.huginFile == "" || c.xyzFile == "") {
		return errors.New("--registration requires both --hugin_file and --xyz_file")
	}
	if c.floatNonrefCameras && !c.noExtrinsics {
		return errors.New("--float_nonref_cameras requires --no_extrinsics")
	}
	if c.noExtrinsics && c.floatTimestampOffsets {
		return errors.New("--no_extrinsics conflicts with --float_timestamp_offsets")
	}
	if c.refinerMinAngleDegrees <= 0 {
		return errors.New("--refiner_min_angle must be > 0")
	}
	if (c.saveImagesAndDepthClouds || c.saveMatches) && c.outDir == "" {
		return errors.New("--save_matches and --save_images_and_depth_clouds require --out_dir")
	}
	return nil
}

func realMain(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	ctx := context.Background()

	rigConfigFile, err := os.Open(cfg.rigConfig)
	if err != nil {
		return errors.Wrap(err, "opening rig config")
	}
	defer rigConfigFile.Close()
	rg, err := rig.ReadConfig(rigConfigFile)
	if err != nil {
		return errors.Wrap(err, "reading rig config")
	}

	applyFloatFlags(rg, cfg)

	var mesh *meshoracle.Oracle
	if cfg.mesh != "" {
		meshFile, err := os.Open(cfg.mesh)
		if err != nil {
			return errors.Wrap(err, "opening mesh")
		}
		defer meshFile.Close()
		m, err := meshoracle.LoadOBJ(meshFile)
		if err != nil {
			return errors.Wrap(err, "loading mesh")
		}
		mesh = meshoracle.New(m, cfg.minRayDist, cfg.maxRayDist)
	}

	imageListFile, err := os.Open(cfg.imageList)
	if err != nil {
		return errors.Wrap(err, "opening image list")
	}
	defer imageListFile.Close()
	dataset, err := ingest.ReadImageList(imageListFile)
	if err != nil {
		return errors.Wrap(err, "reading image list")
	}

	images, imagePaths, depthByCID, offsetBounds, err := buildBrackets(rg, dataset, cfg.bracketLen, cfg.timestampOffsetsMaxChange)
	if err != nil {
		return err
	}
	logger.Infow("bracketed images", "count", len(images))

	detector := features.NewSIFTDetector()
	defer detector.Close()

	detInputs := make([]features.Image, len(images))
	for cid, img := range images {
		detInputs[cid] = features.Image{Sensor: img.Sensor, Timestamp: img.Timestamp, Path: imagePaths[cid]}
	}
	detections, err := features.DetectAll(ctx, detector, detInputs, cfg.numMatchThreads)
	if err != nil {
		return errors.Wrap(err, "detecting features")
	}
	detByCID := map[int]features.Detection{}
	for cid, det := range detections {
		detByCID[cid] = det
	}

	worldToCamByCID := make([]spatialmath.Pose, len(images))
	for cid, img := range images {
		worldToCamByCID[cid] = bracketedWorldToCam(rg, dataset.RefPoses, img)
	}

	pairs := features.OverlapPairs(len(images), cfg.numOverlaps)
	for i := range pairs {
		pairs[i].Det1 = detections[pairs[i].Left]
		pairs[i].Det2 = detections[pairs[i].Right]
	}

	matchCfg := features.MatchConfig{RatioThreshold: 0.8, CrossCheck: true}
	overlaps := features.BuildOverlaps(pairs, cfg.numMatchThreads, func(pw features.PairWork) features.Overlap {
		matches := features.Match(pw.Det1.Keypoints, pw.Det2.Keypoints, matchCfg)

		sensor1 := rg.Sensor(images[pw.Left].Sensor)
		sensor2 := rg.Sensor(images[pw.Right].Sensor)
		matches = features.GeometricPreFilter(matches, pw.Det1.Keypoints, pw.Det2.Keypoints,
			sensor1, sensor2, worldToCamByCID[pw.Left], worldToCamByCID[pw.Right], cfg.initialMaxReprojectionError)

		pointPairs := make([]features.PointPair, len(matches))
		for i, m := range matches {
			pointPairs[i] = features.PointPair{
				P1: toPoint(pw.Det1.Keypoints[m.Idx1]),
				P2: toPoint(pw.Det2.Keypoints[m.Idx2]),
			}
		}
		rng := rand.New(rand.NewSource(1))
		model, inliers := features.RANSACAffine2D(pointPairs, 20, 10000, 0.8, rng)
		if refined, err := features.RefineAffine(pointPairs, inliers, model); err == nil {
			model = refined
		}
		kept := make([]features.PairMatch, 0, len(matches))
		for i, m := range matches {
			pred := model.Apply(pointPairs[i].P1)
			if math.Hypot(pred.X-pointPairs[i].P2.X, pred.Y-pointPairs[i].P2.Y) <= 20 {
				kept = append(kept, m)
			}
		}
		return features.Overlap{Left: pw.Left, Right: pw.Right, Matches: kept}
	})

	pairMatches := features.UnifyKeypoints(detByCID, overlaps)
	if cfg.saveMatches {
		if err := saveMatches(cfg.outDir, overlaps, detByCID); err != nil {
			return errors.Wrap(err, "saving matches")
		}
	}

	builtTracks, err := tracks.Build(pairMatches)
	if err != nil {
		return errors.Wrap(err, "building tracks")
	}
	logger.Infow("built tracks", "count", len(builtTracks))

	refPoses := append([]spatialmath.Pose(nil), dataset.RefPoses...)

	in := &calib.Input{
		Rig:           rg,
		RefPoses:      refPoses,
		RefTimestamps: dataset.RefTimestamps,
		Images:        images,
		Detections:    detections,
		Tracks:        builtTracks,
		DepthByCID:    depthByCID,
		Mesh:          mesh,
		OffsetBounds:  offsetBounds,
	}
	calCfg := calib.Config{
		Residuals: residualsConfig(cfg),

		BoundaryPixels:            0,
		ThetaMinRadians:           cfg.refinerMinAngleDegrees * math.Pi / 180,
		ReprojectionThresholdPost: cfg.maxReprojectionError,
		GeometricPreFilterEInit:   cfg.initialMaxReprojectionError,
		MeshRayMin:                cfg.minRayDist,
		MeshRayMax:                cfg.maxRayDist,
		MaxSolverIterations:       cfg.numIterations,
	}

	pc := calib.New(calCfg, in, logger.Named("calib"))
	pc.RunBoundaryExclusion()

	var worldPoints map[int]r3.Vector
	for i := 0; i < cfg.refinerNumPasses; i++ {
		result, err := pc.RunPass()
		if err != nil {
			return errors.Wrapf(err, "pass %d", i)
		}
		summary := pc.Summarize(result)
		logger.Infow("pass complete", "pass", i,
			"new_outliers", result.NewOutliers,
			"reprojection_rmse_px", summary.ReprojectionPixelRMSE,
			"depth_tri_rmse_m", summary.DepthTriMeterRMSE,
			"depth_mesh_rmse_m", summary.DepthMeshMeterRMSE,
			"track_mesh_rmse_m", summary.TrackMeshMeterRMSE,
		)
		worldPoints = result.WorldPoints
	}

	if cfg.registration {
		if err := register(cfg, worldPoints, refPoses, rg); err != nil {
			return errors.Wrap(err, "registration")
		}
	}

	if cfg.outDir != "" {
		if err := writeOutputs(cfg, rg, worldPoints, refPoses, in); err != nil {
			return err
		}
	}

	return nil
}
