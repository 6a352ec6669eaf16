package index

import (
	"math"
	"slices"
)

const (
	minClusters  = 2
	maxClusters  = 256
	kmeansRounds = 10
)

// ivf is an inverted-file layout: spherical k-means centroids plus the member
// list of each cluster. An ivf is immutable once attached to a snapshot.
type ivf struct {
	centroids [][]float32
	lists     [][]*record
	assign    map[string]int
	// records is the record set the layout was built from; reassign compares
	// against it to find entries that changed.
	records map[string]*record
	builtAt int
}

// stale reports whether the entry count drifted far enough from the count at
// build time that the centroids should be recomputed.
func (v *ivf) stale(n int) bool {
	diff := n - v.builtAt
	if diff < 0 {
		diff = -diff
	}
	return diff*4 >= v.builtAt
}

// buildIVF clusters records with spherical k-means. Seeding is deterministic:
// centroids start at evenly spaced records in insertion order.
func buildIVF(records map[string]*record) *ivf {
	recs := ordered(records)
	n := len(recs)
	k := min(max(int(math.Sqrt(float64(n))), minClusters), maxClusters, n)

	dim := len(recs[0].entry.Vector)
	centroids := make([][]float32, k)
	for i := range centroids {
		centroids[i] = unit(recs[i*n/k].entry.Vector)
	}

	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	for round := 0; round < kmeansRounds; round++ {
		changed := false
		for i, r := range recs {
			c := nearest(centroids, r.entry.Vector)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, r := range recs {
			if r.norm == 0 {
				continue
			}
			s := sums[assign[i]]
			for d, x := range r.entry.Vector {
				s[d] += float64(x) / r.norm
			}
		}
		for c, s := range sums {
			var l float64
			for _, x := range s {
				l += x * x
			}
			if l == 0 {
				continue // empty cluster keeps its centroid
			}
			l = math.Sqrt(l)
			for d := range s {
				centroids[c][d] = float32(s[d] / l)
			}
		}
	}

	// Place every record in its nearest final centroid so a query equal to a
	// stored vector always ranks that record's cluster first.
	for i, r := range recs {
		assign[i] = nearest(centroids, r.entry.Vector)
	}

	v := &ivf{
		centroids: centroids,
		assign:    make(map[string]int, n),
		records:   records,
		builtAt:   n,
	}
	for i, r := range recs {
		v.assign[r.entry.ID] = assign[i]
	}
	v.lists = v.buildLists(recs)
	return v
}

// reassign keeps the centroids and places every record, assigning new or
// overwritten records to their nearest centroid.
func (v *ivf) reassign(records map[string]*record) *ivf {
	next := &ivf{
		centroids: v.centroids,
		assign:    make(map[string]int, len(records)),
		records:   records,
		builtAt:   v.builtAt,
	}
	for id, r := range records {
		if c, ok := v.assign[id]; ok && v.records[id] == r {
			next.assign[id] = c
			continue
		}
		next.assign[id] = nearest(v.centroids, r.entry.Vector)
	}
	next.lists = next.buildLists(ordered(records))
	return next
}

// buildLists groups recs, already in insertion order, by cluster.
func (v *ivf) buildLists(recs []*record) [][]*record {
	lists := make([][]*record, len(v.centroids))
	for _, r := range recs {
		c := v.assign[r.entry.ID]
		lists[c] = append(lists[c], r)
	}
	return lists
}

// candidates returns the members of the probes clusters nearest to query,
// widening to further clusters until at least k records are collected or
// every cluster has been visited.
func (v *ivf) candidates(query []float32, k, probes int) []*record {
	type ranked struct {
		cluster int
		sim     float64
	}
	order := make([]ranked, len(v.centroids))
	for i, c := range v.centroids {
		order[i] = ranked{cluster: i, sim: dot(query, c)}
	}
	slices.SortFunc(order, func(a, b ranked) int {
		switch {
		case a.sim > b.sim:
			return -1
		case a.sim < b.sim:
			return 1
		}
		return a.cluster - b.cluster
	})

	var out []*record
	for i, o := range order {
		if i >= probes && len(out) >= k {
			break
		}
		out = append(out, v.lists[o.cluster]...)
	}
	return out
}

// nearest returns the index of the centroid with the highest dot product.
func nearest(centroids [][]float32, vec []float32) int {
	best, bestSim := 0, math.Inf(-1)
	for i, c := range centroids {
		if s := dot(vec, c); s > bestSim {
			best, bestSim = i, s
		}
	}
	return best
}

// unit returns a normalised copy of v. A zero vector is returned as zeros.
func unit(v []float32) []float32 {
	out := make([]float32, len(v))
	n := norm(v)
	if n == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}
