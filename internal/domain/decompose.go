// Package domain splits the global particle set between ranks along the
// Morton curve.
//
// Instead of a global sort each rank contributes a bounded sample of its
// sorted keys, with more samples from ranks that carry more weight. The
// samples are gathered everywhere, cut at equal quantiles, and particles are
// moved to the rank owning their key range with one all-to-all.
package domain

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/comm"
	"github.com/wingkitlee0/Bonsai/internal/particles"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

type Decomposer struct {
	// Samples bounds the number of keys a rank contributes.
	Samples int
}

// Result describes the decomposition after particles have moved.
type Result struct {
	Cube      tree.Cube
	Splitters []uint64
	// Boxes[r] is the bounding box of rank r's particles, inverted when
	// the rank holds none.
	Boxes    []r3.Box
	Counts   []int
	Sent     int
	Received int
}

// Imbalance is (max-min)/min of the per-rank particle counts; zero-particle
// ranks make it infinite.
func (r Result) Imbalance() float64 {
	if len(r.Counts) == 0 {
		return 0
	}
	lo, hi := r.Counts[0], r.Counts[0]
	for _, c := range r.Counts {
		lo, hi = min(lo, c), max(hi, c)
	}
	if lo == 0 {
		if hi == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return float64(hi-lo) / float64(lo)
}

// Decompose redistributes set in place. weight is this rank's share of the
// work, either its particle count or its measured cost; non-positive
// weights fall back to the particle count.
func (d *Decomposer) Decompose(ctx context.Context, c *comm.Comm, set *particles.Set, weight float64) (Result, error) {
	var res Result

	boxes, err := comm.Gather(ctx, c, particles.BoundsOf(set.Pos))
	if err != nil {
		return res, fmt.Errorf("domain: bounds: %w", err)
	}
	global := particles.BoundsOf(nil)
	for _, b := range boxes {
		global = tree.Union(global, b)
	}
	res.Cube = tree.CubeOf(global)

	if c.Size() == 1 {
		res.Boxes = boxes
		res.Counts = []int{set.Len()}
		return res, nil
	}

	keys := make([]uint64, set.Len())
	for i, p := range set.Pos {
		keys[i] = res.Cube.Key(p)
	}

	if weight <= 0 {
		weight = float64(set.Len())
	}
	weights, err := c.AllReduceFloat64(ctx, oneHot(c, weight), comm.Sum)
	if err != nil {
		return res, fmt.Errorf("domain: weights: %w", err)
	}
	samples, err := comm.Gather(ctx, c, sample(keys, d.quota(weights, c.Rank(), set.Len())))
	if err != nil {
		return res, fmt.Errorf("domain: samples: %w", err)
	}
	res.Splitters = splitters(samples, c.Size())

	out := make([][]particles.Record, c.Size())
	buckets := make([][]int, c.Size())
	for i, k := range keys {
		dst := sort.Search(len(res.Splitters), func(j int) bool { return res.Splitters[j] > k })
		buckets[dst] = append(buckets[dst], i)
	}
	for dst, idx := range buckets {
		if len(idx) == 0 {
			continue
		}
		out[dst] = set.Records(idx)
		if dst != c.Rank() {
			res.Sent += len(idx)
		}
	}

	in, err := comm.Scatter(ctx, c, out)
	if err != nil {
		return res, fmt.Errorf("domain: exchange: %w", err)
	}
	next := particles.FromRecords(nil)
	for src, recs := range in {
		next.Append(recs)
		if src != c.Rank() {
			res.Received += len(recs)
		}
	}
	*set = *next

	res.Boxes, err = comm.Gather(ctx, c, particles.BoundsOf(set.Pos))
	if err != nil {
		return res, fmt.Errorf("domain: boxes: %w", err)
	}
	counts, err := c.AllReduceInt(ctx, oneHotInt(c, int64(set.Len())), comm.Sum)
	if err != nil {
		return res, fmt.Errorf("domain: counts: %w", err)
	}
	res.Counts = make([]int, len(counts))
	for r, n := range counts {
		res.Counts[r] = int(n)
	}
	return res, nil
}

// quota is the number of samples rank contributes. The heaviest rank
// takes the full budget and the others scale with their weight, so every
// sample stands for the same amount of work.
func (d *Decomposer) quota(weights []float64, rank, n int) int {
	heaviest := floats.Max(weights)
	if heaviest <= 0 || n == 0 {
		return 0
	}
	budget := max(d.Samples, 1)
	q := int(math.Round(float64(budget) * weights[rank] / heaviest))
	return max(1, min(q, n))
}

func oneHot(c *comm.Comm, v float64) []float64 {
	out := make([]float64, c.Size())
	out[c.Rank()] = v
	return out
}

func oneHotInt(c *comm.Comm, v int64) []int64 {
	out := make([]int64, c.Size())
	out[c.Rank()] = v
	return out
}

// sample takes q evenly spaced keys from the sorted local keys.
func sample(keys []uint64, q int) []uint64 {
	if q == 0 {
		return nil
	}
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	out := make([]uint64, q)
	for i := range out {
		out[i] = sorted[(2*i+1)*len(sorted)/(2*q)]
	}
	return out
}

// splitters cuts the merged samples into n equal parts. Rank r owns keys
// in [s[r-1], s[r]).
func splitters(samples [][]uint64, n int) []uint64 {
	var all []uint64
	for _, s := range samples {
		all = append(all, s...)
	}
	slices.Sort(all)
	out := make([]uint64, n-1)
	if len(all) == 0 {
		return out
	}
	for r := 1; r < n; r++ {
		out[r-1] = all[r*len(all)/n]
	}
	return out
}
