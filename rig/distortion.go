// Package rig holds the in-memory sensor table for a camera rig: per-sensor
// intrinsics, distortion model, extrinsics, depth-to-image transform, and
// reference-clock offset, plus the key-value text codec for the rig configuration
// file read and written by the calibration engine.
package rig

import (
	"math"

	"github.com/pkg/errors"
)

// DistortionKind names one of the three distortion models a sensor may use.
// It is a tagged variant rather than an interface hierarchy so that the
// residual assembler can size each sensor's distortion parameter block
// dynamically from ParamCount alone.
type DistortionKind string

const (
	// DistortionNone is the identity distortion model.
	DistortionNone = DistortionKind("none")
	// DistortionFisheye is the one-parameter FOV model for wide-angle lenses.
	DistortionFisheye = DistortionKind("fisheye")
	// DistortionRadtan is the Brown-Conrady radial/tangential model.
	DistortionRadtan = DistortionKind("radtan")
)

// Distortion is the polymorphic lens distortion model attached to a sensor.
// Distort and Undistort operate on normalized (divided by focal length,
// centered on the principal point) coordinates and must be each other's
// numerical inverse to within solver tolerance.
type Distortion interface {
	Kind() DistortionKind
	Params() []float64
	ParamCount() int
	Distort(x, y float64) (float64, float64)
	Undistort(x, y float64) (float64, float64)
}

// NewDistortion builds a Distortion of the given kind from its parameter
// vector. The accepted lengths are 0 (none), 1 (fisheye), and 4 or 5
// (radtan, with or without the third radial term).
func NewDistortion(kind DistortionKind, params []float64) (Distortion, error) {
	switch kind {
	case DistortionNone:
		if len(params) != 0 {
			return nil, errors.Errorf("none distortion takes no parameters, got %d", len(params))
		}
		return &noDistortion{}, nil
	case DistortionFisheye:
		if len(params) != 1 {
			return nil, errors.Errorf("fisheye distortion takes 1 parameter, got %d", len(params))
		}
		return &fisheyeDistortion{omega: params[0]}, nil
	case DistortionRadtan:
		if len(params) != 4 && len(params) != 5 {
			return nil, errors.Errorf("radtan distortion takes 4 or 5 parameters, got %d", len(params))
		}
		d := &radtanDistortion{k1: params[0], k2: params[1]}
		if len(params) == 4 {
			d.p1, d.p2 = params[2], params[3]
		} else {
			d.k3, d.p1, d.p2 = params[2], params[3], params[4]
		}
		return d, nil
	default:
		return nil, errors.Errorf("unknown distortion kind %q", kind)
	}
}

type noDistortion struct{}

func (d *noDistortion) Kind() DistortionKind                       { return DistortionNone }
func (d *noDistortion) Params() []float64                          { return []float64{} }
func (d *noDistortion) ParamCount() int                            { return 0 }
func (d *noDistortion) Distort(x, y float64) (float64, float64)   { return x, y }
func (d *noDistortion) Undistort(x, y float64) (float64, float64) { return x, y }

// fisheyeDistortion is the Devernay-Faugeras FOV model used for wide-angle
// and fisheye lenses, parameterized by a single field-of-view-like constant
// omega.
type fisheyeDistortion struct {
	omega float64
}

func (d *fisheyeDistortion) Kind() DistortionKind { return DistortionFisheye }
func (d *fisheyeDistortion) Params() []float64    { return []float64{d.omega} }
func (d *fisheyeDistortion) ParamCount() int      { return 1 }

func (d *fisheyeDistortion) Distort(x, y float64) (float64, float64) {
	r := math.Hypot(x, y)
	if r < 1e-12 || d.omega == 0 {
		return x, y
	}
	rd := math.Atan(2*r*math.Tan(d.omega/2)) / d.omega
	scale := rd / r
	return x * scale, y * scale
}

func (d *fisheyeDistortion) Undistort(x, y float64) (float64, float64) {
	rd := math.Hypot(x, y)
	if rd < 1e-12 || d.omega == 0 {
		return x, y
	}
	ru := math.Tan(rd*d.omega) / (2 * math.Tan(d.omega/2))
	scale := ru / rd
	return x * scale, y * scale
}

// radtanDistortion is the Brown-Conrady radial/tangential distortion model:
// up to three radial terms (k1,k2,k3) and two tangential terms (p1,p2).
type radtanDistortion struct {
	k1, k2, k3, p1, p2 float64
}

func (d *radtanDistortion) Kind() DistortionKind { return DistortionRadtan }

func (d *radtanDistortion) Params() []float64 {
	return []float64{d.k1, d.k2, d.k3, d.p1, d.p2}
}

func (d *radtanDistortion) ParamCount() int { return 5 }

// Distort applies the forward Brown-Conrady model directly.
func (d *radtanDistortion) Distort(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	radial := 1.0 + d.k1*r2 + d.k2*r4 + d.k3*r6
	xd := x*radial + 2*d.p1*x*y + d.p2*(r2+2*x*x)
	yd := y*radial + 2*d.p2*x*y + d.p1*(r2+2*y*y)
	return xd, yd
}

// Undistort inverts Distort with a Newton-Raphson iteration on the 2x2
// Jacobian of the forward model, starting from the distorted point itself.
func (d *radtanDistortion) Undistort(xd, yd float64) (float64, float64) {
	xu, yu := xd, yd
	const maxIterations = 20
	const tolerance = 1e-12
	for i := 0; i < maxIterations; i++ {
		r2 := xu*xu + yu*yu
		r4 := r2 * r2
		radial := 1.0 + d.k1*r2 + d.k2*r4 + d.k3*r4*r2
		tanX := 2*d.p1*xu*yu + d.p2*(r2+2*xu*xu)
		tanY := 2*d.p2*xu*yu + d.p1*(r2+2*yu*yu)

		errX := xu*radial + tanX - xd
		errY := yu*radial + tanY - yd
		if math.Hypot(errX, errY) < tolerance {
			break
		}

		dRadial := 2 * (d.k1 + 2*d.k2*r2 + 3*d.k3*r4)
		dXdXu := radial + xu*xu*dRadial + 2*d.p1*yu + d.p2*6*xu
		dXdYu := xu*yu*dRadial + 2*d.p1*xu + d.p2*2*yu
		dYdXu := xu*yu*dRadial + 2*d.p2*yu + d.p1*2*xu
		dYdYu := radial + yu*yu*dRadial + 2*d.p2*xu + d.p1*6*yu

		det := dXdXu*dYdYu - dXdYu*dYdXu
		if det == 0 {
			break
		}
		xu -= (dYdYu*errX - dXdYu*errY) / det
		yu -= (-dYdXu*errX + dXdXu*errY) / det
	}
	return xu, yu
}
