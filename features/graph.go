package features

import (
	"sync"

	"go.viam.com/rigcal/tracks"
)

// Overlap is one (cid_left, cid_right) pair's filtered matches, ready for
// track building once keypoints are unified.
type Overlap struct {
	Left, Right int
	Matches     []PairMatch
}

// UnifyKeypoints implements spec section 4.4's "keypoint unification" step:
// after all pairwise matching, build the union of matched keypoints per
// image and assign each distinct keypoint a stable fid, then rewrite every
// match to reference those fids. detections is keyed by cid.
func UnifyKeypoints(detections map[int]Detection, overlaps []Overlap) map[tracks.PairKey][]tracks.Match {
	usedIdx := map[int]map[int]bool{}
	for _, ov := range overlaps {
		markUsed(usedIdx, ov.Left)
		markUsed(usedIdx, ov.Right)
		for _, m := range ov.Matches {
			usedIdx[ov.Left][m.Idx1] = true
			usedIdx[ov.Right][m.Idx2] = true
		}
	}

	// fid[cid][local index] -> stable fid, assigned in local-index order so
	// unification is deterministic regardless of map/goroutine iteration
	// order.
	fid := map[int]map[int]int{}
	for cid, used := range usedIdx {
		fid[cid] = map[int]int{}
		next := 0
		det, ok := detections[cid]
		if !ok {
			continue
		}
		for i := range det.Keypoints {
			if used[i] {
				fid[cid][i] = next
				next++
			}
		}
	}

	out := map[tracks.PairKey][]tracks.Match{}
	for _, ov := range overlaps {
		key := tracks.PairKey{Left: ov.Left, Right: ov.Right}
		matches := make([]tracks.Match, 0, len(ov.Matches))
		for _, m := range ov.Matches {
			matches = append(matches, tracks.Match{
				FIDLeft:  fid[ov.Left][m.Idx1],
				FIDRight: fid[ov.Right][m.Idx2],
			})
		}
		if len(matches) > 0 {
			out[key] = matches
		}
	}
	return out
}

func markUsed(m map[int]map[int]bool, cid int) {
	if m[cid] == nil {
		m[cid] = map[int]bool{}
	}
}

// PairWork computes the filtered matches for one (cid_left, cid_right)
// overlap pair, run by BuildOverlaps' worker pool.
type PairWork struct {
	Left, Right int
	Det1, Det2  Detection
}

// BuildOverlaps runs matchFn over every overlap-window pair using
// numWorkers concurrent workers, per spec section 4.4's "matching is
// parallelised over pairs; writes are serialised through a lock" --
// here each worker writes only its own index of a pre-sized results slice,
// so no lock and no shared map are needed.
func BuildOverlaps(pairs []PairWork, numWorkers int, matchFn func(PairWork) Overlap) []Overlap {
	if numWorkers < 1 {
		numWorkers = 1
	}
	results := make([]Overlap, len(pairs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, numWorkers)
	for i, pw := range pairs {
		i, pw := i, pw
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = matchFn(pw)
		}()
	}
	wg.Wait()
	return results
}

// OverlapPairs enumerates (i, j) with i < j <= i+overlap, per spec section
// 4.4's overlap-window definition, for cids 0..numImages-1.
func OverlapPairs(numImages, overlap int) []PairWork {
	var pairs []PairWork
	for i := 0; i < numImages; i++ {
		for j := i + 1; j <= i+overlap && j < numImages; j++ {
			pairs = append(pairs, PairWork{Left: i, Right: j})
		}
	}
	return pairs
}
