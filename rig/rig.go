package rig

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rigcal/spatialmath"
)

// Rig is the in-memory sensor table shared by every stage of a calibration
// pass. It owns the authoritative copy of each sensor's intrinsics,
// distortion, extrinsics, depth-to-image transform, and clock offset;
// mutators are only ever called by the pass controller after a solve
// completes, never from within the assembler or matching stages.
type Rig struct {
	sensors []*Sensor
}

// New builds a Rig from an already-constructed sensor table. Sensor 0 must
// be the reference sensor with identity extrinsics and a zero, frozen
// offset; CheckValid enforces this.
func New(sensors []*Sensor) *Rig {
	return &Rig{sensors: sensors}
}

// NumSensors returns the number of sensors in the rig.
func (r *Rig) NumSensors() int { return len(r.sensors) }

// Sensor returns the sensor at index s.
func (r *Rig) Sensor(s int) *Sensor { return r.sensors[s] }

// Sensors returns the full sensor table in index order.
func (r *Rig) Sensors() []*Sensor { return r.sensors }

// Intrinsics returns sensor s's current intrinsics.
func (r *Rig) Intrinsics(s int) *Intrinsics { return &r.sensors[s].Intrinsics }

// Extrinsic returns sensor s's current T_ref->s.
func (r *Rig) Extrinsic(s int) spatialmath.Pose { return r.sensors[s].Extrinsics }

// DepthToImage returns sensor s's current depth-to-image transform, or nil
// if the sensor carries no depth stream.
func (r *Rig) DepthToImage(s int) spatialmath.Pose { return r.sensors[s].DepthToImage }

// Offset returns sensor s's current reference-clock offset.
func (r *Rig) Offset(s int) float64 { return r.sensors[s].Offset }

// Distort converts undistorted pixel coordinates to distorted ones using
// sensor s's current intrinsics and distortion model.
func (r *Rig) Distort(s int, px r2.Point) r2.Point {
	sen := r.sensors[s]
	return Distort(px, &sen.Intrinsics, sen.Distortion)
}

// Undistort converts distorted pixel coordinates to undistorted ones using
// sensor s's current intrinsics and distortion model.
func (r *Rig) Undistort(s int, px r2.Point) r2.Point {
	sen := r.sensors[s]
	return Undistort(px, &sen.Intrinsics, sen.Distortion)
}

// SetExtrinsic updates sensor s's T_ref->s; called by the pass controller
// after a solve. It is a no-op error to call this on the reference sensor.
func (r *Rig) SetExtrinsic(s int, pose spatialmath.Pose) error {
	if r.sensors[s].IsReference() {
		return errors.New("cannot set extrinsics on the reference sensor")
	}
	r.sensors[s].Extrinsics = pose
	return nil
}

// SetOffset updates sensor s's reference-clock offset.
func (r *Rig) SetOffset(s int, offset float64) error {
	if r.sensors[s].IsReference() {
		return errors.New("cannot set a clock offset on the reference sensor")
	}
	r.sensors[s].Offset = offset
	return nil
}

// CheckValid enforces the rig-wide invariants: a non-empty sensor table, a
// reference sensor at index 0 with identity extrinsics and a zero offset,
// and valid intrinsics/distortion on every sensor. Every violation found is
// reported together rather than stopping at the first one, so a malformed
// config file only needs a single CheckValid/fix round trip instead of one
// per broken sensor.
func (r *Rig) CheckValid() error {
	if len(r.sensors) == 0 {
		return errors.New("rig has no sensors")
	}

	var errs error
	ref := r.sensors[0]
	if !ref.IsReference() {
		errs = multierr.Append(errs, errors.New("sensor 0 must be the reference sensor"))
	}
	if ref.Offset != 0 {
		errs = multierr.Append(errs, errors.New("reference sensor must have a zero clock offset"))
	}
	identity := spatialmath.NewZeroPose()
	_, qx, qy, qz := ref.Extrinsics.Orientation().Quaternion()
	if !spatialmath.R3VectorAlmostEqual(ref.Extrinsics.Point(), identity.Point(), 1e-9) ||
		!spatialmath.R3VectorAlmostEqual(r3.Vector{X: qx, Y: qy, Z: qz}, r3.Vector{}, 1e-9) {
		errs = multierr.Append(errs, errors.New("reference sensor's ref_to_sensor_transform must be identity"))
	}
	for i, sen := range r.sensors {
		if sen.Index != i {
			errs = multierr.Append(errs, errors.Errorf("sensor at table position %d has index %d", i, sen.Index))
			continue
		}
		if err := sen.Intrinsics.CheckValid(); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "sensor %d (%s)", sen.Index, sen.Name))
		}
	}
	return errs
}
