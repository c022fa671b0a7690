package rig

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Intrinsics holds a sensor's pinhole projection parameters. Per the
// calibration engine's convention the x and y focal lengths are assumed
// equal during optimization, so only a single scalar Focal is carried.
type Intrinsics struct {
	Focal          float64
	PrincipalPoint r2.Point
}

// CheckValid reports whether the intrinsics are usable.
func (in *Intrinsics) CheckValid() error {
	if in == nil {
		return errors.New("intrinsics are not available")
	}
	if in.Focal <= 0 {
		return errors.Errorf("invalid focal length %v", in.Focal)
	}
	return nil
}

// PixelToNormalized converts a distorted pixel coordinate into the
// normalized, optical-center-relative coordinate system that the
// distortion model operates on.
func (in *Intrinsics) PixelToNormalized(px r2.Point) r2.Point {
	return r2.Point{
		X: (px.X - in.PrincipalPoint.X) / in.Focal,
		Y: (px.Y - in.PrincipalPoint.Y) / in.Focal,
	}
}

// NormalizedToPixel converts a normalized coordinate back to a pixel
// coordinate.
func (in *Intrinsics) NormalizedToPixel(n r2.Point) r2.Point {
	return r2.Point{
		X: n.X*in.Focal + in.PrincipalPoint.X,
		Y: n.Y*in.Focal + in.PrincipalPoint.Y,
	}
}

// Undistort removes lens distortion from a distorted pixel coordinate,
// returning the corresponding undistorted pixel coordinate.
func Undistort(px r2.Point, in *Intrinsics, dist Distortion) r2.Point {
	n := in.PixelToNormalized(px)
	ux, uy := dist.Undistort(n.X, n.Y)
	return in.NormalizedToPixel(r2.Point{X: ux, Y: uy})
}

// Distort applies lens distortion to an undistorted pixel coordinate,
// returning the corresponding distorted pixel coordinate.
func Distort(px r2.Point, in *Intrinsics, dist Distortion) r2.Point {
	n := in.PixelToNormalized(px)
	dx, dy := dist.Distort(n.X, n.Y)
	return in.NormalizedToPixel(r2.Point{X: dx, Y: dy})
}
