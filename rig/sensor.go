package rig

import (
	"image"

	"go.viam.com/rigcal/spatialmath"
)

// FloatFlags records which of a sensor's parameter groups are free to move
// during a solve versus held fixed. The assembler consults these before
// adding a parameter block to the problem.
type FloatFlags struct {
	Focal          bool
	PrincipalPoint bool
	Distortion     bool
	Extrinsics     bool
	Offset         bool
	DepthScale     bool
}

// Sensor is one entry of the rig's sensor table. Index and Name are
// immutable for the lifetime of the process; the remaining fields are
// mutated in place by the pass controller between solves.
type Sensor struct {
	Index int
	Name  string

	Intrinsics Intrinsics
	Distortion Distortion

	DistortedImageSize   image.Point
	UndistortedImageSize image.Point

	// Extrinsics is T_ref->s. For the reference sensor this is always the
	// identity and is never floated.
	Extrinsics spatialmath.Pose

	// DepthToImage is T_d->i for sensors that carry a depth stream; nil for
	// image-only sensors.
	DepthToImage spatialmath.Pose
	// DepthScale is the (cubic-root) scale applied alongside DepthToImage,
	// tracked separately because the solver floats it independently of the
	// rigid part of the transform.
	DepthScale float64
	// DepthIsAffine distinguishes an affine depth-to-image transform (scale
	// baked per-axis into a general 3x3) from a rigid one; when true,
	// DepthToImage.Orientation() is not constrained to be orthonormal.
	DepthIsAffine bool

	// Offset is o_s, the sensor's reference-clock offset in seconds. Zero
	// and frozen for the reference sensor.
	Offset float64

	Float FloatFlags
}

// IsReference reports whether this sensor is the rig's reference sensor,
// i.e. index 0 by the rig configuration file's convention.
func (s *Sensor) IsReference() bool { return s.Index == 0 }

// HasDepth reports whether this sensor carries a depth stream.
func (s *Sensor) HasDepth() bool { return s.DepthToImage != nil }
