// Package tracks builds multi-view feature tracks (C5) from a pairwise
// match map by fusing matched keypoints with union-find and discarding any
// resulting track that contradicts itself.
package tracks

import (
	"sort"

	"github.com/pkg/errors"
)

// Node identifies a single keypoint: its owning image (cid) and its
// feature id within that image (fid).
type Node struct {
	CID, FID int
}

// PairKey identifies an ordered pair of matched images, cid_left < cid_right.
type PairKey struct {
	Left, Right int
}

// Match is one matched feature-id pair between PairKey.Left and
// PairKey.Right.
type Match struct {
	FIDLeft, FIDRight int
}

// unionFind is a standard disjoint-set structure over Nodes, indexed by
// the order they are first seen so that track enumeration only depends on
// deterministic input iteration order (spec section 5, "Ordering
// guarantees").
type unionFind struct {
	index  map[Node]int
	nodes  []Node
	parent []int
	rank   []int
}

func newUnionFind() *unionFind {
	return &unionFind{index: map[Node]int{}}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) idOf(n Node) int {
	if i, ok := u.index[n]; ok {
		return i
	}
	i := len(u.nodes)
	u.index[n] = i
	u.nodes = append(u.nodes, n)
	u.parent = append(u.parent, i)
	u.rank = append(u.rank, 0)
	return i
}

func (u *unionFind) union(a, b Node) {
	ra, rb := u.find(u.idOf(a)), u.find(u.idOf(b))
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}

// Track is one fused multi-view feature: for each image that observes it,
// which feature id was observed.
type Track map[int]int // cid -> fid

// Build runs union-find fusion over the match map, treating each (cid,fid)
// as a node and each match as an edge, then filters out any component
// where one cid appears with two distinct fids (a matching contradiction).
// Tracks are returned in a deterministic order: sorted by their lowest
// (cid, fid) member, so that given the same inputs, pid assignment is
// reproducible regardless of map iteration order or thread count.
func Build(matches map[PairKey][]Match) ([]Track, error) {
	uf := newUnionFind()

	pairs := sortedPairKeys(matches)
	for _, pk := range pairs {
		for _, m := range matches[pk] {
			uf.union(Node{CID: pk.Left, FID: m.FIDLeft}, Node{CID: pk.Right, FID: m.FIDRight})
		}
	}

	components := map[int][]Node{}
	for _, n := range uf.nodes {
		root := uf.find(uf.idOf(n))
		components[root] = append(components[root], n)
	}

	var tracks []Track
	for _, members := range components {
		track, ok := buildTrack(members)
		if !ok {
			continue
		}
		tracks = append(tracks, track)
	}

	if len(tracks) == 0 {
		return nil, errors.New("no tracks remain: images are too dissimilar")
	}

	sort.Slice(tracks, func(i, j int) bool {
		return less(trackSortKey(tracks[i]), trackSortKey(tracks[j]))
	})
	return tracks, nil
}

// buildTrack converts a union-find component into a Track, rejecting it if
// any cid appears with two distinct fids.
func buildTrack(members []Node) (Track, bool) {
	track := Track{}
	for _, n := range members {
		if existing, ok := track[n.CID]; ok && existing != n.FID {
			return nil, false
		}
		track[n.CID] = n.FID
	}
	return track, true
}

func sortedPairKeys(matches map[PairKey][]Match) []PairKey {
	keys := make([]PairKey, 0, len(matches))
	for k := range matches {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Left != keys[j].Left {
			return keys[i].Left < keys[j].Left
		}
		return keys[i].Right < keys[j].Right
	})
	return keys
}

// trackSortKey returns the lexicographically smallest (cid,fid) pair in a
// track, used to order tracks deterministically for pid assignment.
func trackSortKey(t Track) Node {
	best := Node{CID: -1, FID: -1}
	first := true
	for cid, fid := range t {
		n := Node{CID: cid, FID: fid}
		if first || less(n, best) {
			best, first = n, false
		}
	}
	return best
}

func less(a, b Node) bool {
	if a.CID != b.CID {
		return a.CID < b.CID
	}
	return a.FID < b.FID
}
