// Package bracket implements the temporal bracketing (C3) that places each
// non-reference sensor's observations between the two reference frames
// immediately surrounding them in time, after clock-offset correction.
package bracket

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// roundoffGuard is added to the lower end and subtracted from the upper end
// of a bracket's offset range, shrinking it to guard against floating-point
// round-off at the bracket boundary (spec section 4.3).
const roundoffGuard = 1e-5

// CameraImage is one bracketed non-reference observation (or a
// reference-sensor frame, for which Begin == End).
type CameraImage struct {
	Sensor    int
	Timestamp float64
	Begin     int
	End       int
	Alpha     float64
}

// OffsetBounds is the admissible range of a non-reference sensor's clock
// offset, narrowed as bracketing proceeds.
type OffsetBounds struct {
	Min, Max float64
}

// Bracketer holds the per-sensor offset bounds carried across bracketing
// calls within a pass (and, per the spec's supplemented persistence
// feature, across passes).
type Bracketer struct {
	bounds map[int]*OffsetBounds
}

// New returns a Bracketer with each non-reference sensor's bounds
// initialized to ±delta around its current offset.
func New(sensors []int, offsets map[int]float64, delta float64) *Bracketer {
	b := &Bracketer{bounds: map[int]*OffsetBounds{}}
	for _, s := range sensors {
		o := offsets[s]
		b.bounds[s] = &OffsetBounds{Min: o - delta, Max: o + delta}
	}
	return b
}

// Bounds returns the current offset bounds for sensor s.
func (b *Bracketer) Bounds(s int) OffsetBounds { return *b.bounds[s] }

// Bracket runs the bracketer for one non-reference sensor against the
// reference timestamps, given that sensor's current offset and its
// time-ordered observation timestamps. Gaps whose span exceeds bracketLen
// are skipped (spec section 4.3). It returns one CameraImage per reference
// gap that admits an observation, and narrows the sensor's offset bounds
// as a side effect.
func (b *Bracketer) Bracket(sensor int, offset, bracketLen float64, refTimestamps, sensorTimestamps []float64) []CameraImage {
	bounds := b.bounds[sensor]
	var out []CameraImage

	for r := 0; r+1 < len(refTimestamps); r++ {
		tBeg := refTimestamps[r] + offset
		tEnd := refTimestamps[r+1] + offset
		if tEnd-tBeg > bracketLen {
			continue
		}
		found, ok := closestToMidpoint(sensorTimestamps, tBeg, tEnd)
		if !ok {
			continue
		}
		alpha := (found - refTimestamps[r] - offset) / (refTimestamps[r+1] - refTimestamps[r])
		out = append(out, CameraImage{Sensor: sensor, Timestamp: found, Begin: r, End: r + 1, Alpha: alpha})

		bounds.Min = math.Max(bounds.Min, found-refTimestamps[r+1])
		bounds.Max = math.Min(bounds.Max, found-refTimestamps[r])
	}
	if bounds.Min > bounds.Max-2*roundoffGuard {
		return out
	}
	bounds.Min += roundoffGuard
	bounds.Max -= roundoffGuard
	return out
}

// closestToMidpoint returns the timestamp in ts lying in [lo, hi] that is
// closest to the bracket's midpoint, per spec section 4.3 ("closest to the
// midpoint maximises future offset-float slack"). ts must be sorted
// ascending.
func closestToMidpoint(ts []float64, lo, hi float64) (float64, bool) {
	mid := (lo + hi) / 2
	i := sort.SearchFloat64s(ts, lo)
	best, bestDist := 0.0, math.Inf(1)
	found := false
	for ; i < len(ts) && ts[i] <= hi; i++ {
		d := math.Abs(ts[i] - mid)
		if d < bestDist {
			bestDist, best, found = d, ts[i], true
		}
	}
	return best, found
}

// ReferenceCameraImages returns the always-admitted reference-sensor
// frames, one per reference index, with Begin == End.
func ReferenceCameraImages(refTimestamps []float64) []CameraImage {
	out := make([]CameraImage, len(refTimestamps))
	for r, t := range refTimestamps {
		out[r] = CameraImage{Sensor: 0, Timestamp: t, Begin: r, End: r, Alpha: 0}
	}
	return out
}

// CheckAllSensorsAdmitted enforces the spec's abort condition: if after
// bracketing any non-reference sensor has zero admitted images, the whole
// pass must abort.
func CheckAllSensorsAdmitted(perSensor map[int][]CameraImage, nonReferenceSensors []int) error {
	for _, s := range nonReferenceSensors {
		if len(perSensor[s]) == 0 {
			return errors.Errorf("could not bracket all images: sensor %d has zero admitted images", s)
		}
	}
	return nil
}

// CheckInterpolationFraction enforces the bracketed-time interpolation
// contract: alpha for a non-degenerate bracket must lie in [0, 1].
// Violating it is fatal, indicating a bracketer bug rather than recoverable
// input error.
func CheckInterpolationFraction(alpha float64) error {
	if alpha < 0.0 || alpha > 1.0 {
		return errors.Errorf("out of bounds in interpolation: alpha=%v", alpha)
	}
	return nil
}
