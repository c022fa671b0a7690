package features

import (
	"math"
	"sort"
)

// PairMatch is one tentative correspondence between local keypoint indices
// in two images.
type PairMatch struct {
	Idx1, Idx2 int
}

// MatchConfig mirrors the teacher's keypoints.MatchingConfig shape
// (do-cross-check plus a distance cutoff), adapted to the float-descriptor,
// ratio-test convention SIFT-family detectors use instead of the teacher's
// Hamming-distance binary descriptors.
type MatchConfig struct {
	RatioThreshold float64 // Lowe's ratio test threshold, typically ~0.8
	CrossCheck     bool
}

func descriptorDistance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// nearestTwo returns the indices and distances of the two closest
// descriptors in to to the query descriptor, in ascending distance order.
func nearestTwo(query []float32, to []Keypoint) (best, second int, dBest, dSecond float64) {
	dBest, dSecond = math.Inf(1), math.Inf(1)
	best, second = -1, -1
	for j, kp := range to {
		d := descriptorDistance(query, kp.Descriptor)
		if d < dBest {
			dSecond, second = dBest, best
			dBest, best = d, j
		} else if d < dSecond {
			dSecond, second = d, j
		}
	}
	return
}

// Match performs nearest-neighbour matching of kps1 against kps2 with
// Lowe's ratio test, following the teacher's rangeInt/argmin-per-row
// structure in vision/keypoints/matching.go but with a ratio cutoff in
// place of the teacher's Hamming max-distance mask, since SIFT-family
// descriptors are compared by Euclidean, not Hamming, distance. Results are
// sorted by ascending distance, mirroring the teacher's floats.Argsort step.
func Match(kps1, kps2 []Keypoint, cfg MatchConfig) []PairMatch {
	type scored struct {
		m    PairMatch
		dist float64
	}
	var candidates []scored
	for i, kp := range kps1 {
		best, _, dBest, dSecond := nearestTwo(kp.Descriptor, kps2)
		if best < 0 {
			continue
		}
		if cfg.RatioThreshold > 0 && dSecond > 0 && dBest/dSecond > cfg.RatioThreshold {
			continue
		}
		if cfg.CrossCheck {
			rBest, _, _, _ := nearestTwo(kps2[best].Descriptor, kps1)
			if rBest != i {
				continue
			}
		}
		candidates = append(candidates, scored{PairMatch{i, best}, dBest})
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].dist < candidates[b].dist })
	out := make([]PairMatch, len(candidates))
	for i, c := range candidates {
		out[i] = c.m
	}
	return out
}
