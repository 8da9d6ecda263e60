package domain

import (
	"context"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/comm"
	"github.com/wingkitlee0/Bonsai/internal/particles"
)

func cloud(n int, offset float64, firstID uint64, seed int64) *particles.Set {
	rng := rand.New(rand.NewSource(seed))
	s := particles.New(n)
	for i := 0; i < n; i++ {
		p := r3.Vec{X: rng.Float64(), Y: rng.Float64(), Z: offset + rng.Float64()}
		s.Pos[i], s.PPos[i] = p, p
		s.Mass[i] = 1
		s.ID[i] = firstID + uint64(i)
	}
	return s
}

func decomposeAll(t *testing.T, d *Decomposer, sets []*particles.Set, weights []float64) []Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g := comm.NewGroup(len(sets))
	results := make([]Result, len(sets))
	eg, ctx := errgroup.WithContext(ctx)
	for r := range sets {
		c := g.Comm(r)
		eg.Go(func() error {
			var err error
			results[c.Rank()], err = d.Decompose(ctx, c, sets[c.Rank()], weights[c.Rank()])
			return err
		})
	}
	require.NoError(t, eg.Wait())
	return results
}

func TestSingleRankIsNoop(t *testing.T) {
	set := cloud(100, 0, 0, 1)
	before := set.Clone()

	res, err := (&Decomposer{Samples: 64}).Decompose(context.Background(), comm.Local(), set, 0)
	require.NoError(t, err)
	assert.Equal(t, before.ID, set.ID)
	assert.Equal(t, before.Pos, set.Pos)
	assert.Len(t, res.Boxes, 1)
	assert.Zero(t, res.Sent)
	assert.Zero(t, res.Imbalance())
}

func TestUnionIsGlobalSet(t *testing.T) {
	sets := []*particles.Set{cloud(3000, 0, 0, 2), particles.New(0), particles.New(0)}
	results := decomposeAll(t, &Decomposer{Samples: 2048}, sets, []float64{0, 0, 0})

	var ids []uint64
	for _, s := range sets {
		ids = append(ids, s.ID...)
		assert.Positive(t, s.Len())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	require.Len(t, ids, 3000)
	for i, id := range ids {
		require.Equal(t, uint64(i), id, "particle lost or duplicated")
	}

	assert.Less(t, results[0].Imbalance(), 0.2)
	assert.Equal(t, results[0].Counts, results[2].Counts)

	split := results[0].Splitters
	for r, s := range sets {
		for _, p := range s.Pos {
			k := results[0].Cube.Key(p)
			if r > 0 {
				assert.GreaterOrEqual(t, k, split[r-1])
			}
			if r < len(split) {
				assert.Less(t, k, split[r])
			}
		}
		box := results[1].Boxes[r]
		assert.Equal(t, particles.BoundsOf(s.Pos), box)
	}
}

func TestPredictedStateTravels(t *testing.T) {
	a, b := cloud(200, 0, 0, 3), cloud(200, 0, 200, 4)
	for i := range a.PPos {
		a.PPos[i] = r3.Add(a.Pos[i], r3.Vec{Z: 0.5})
	}
	decomposeAll(t, &Decomposer{Samples: 128}, []*particles.Set{a, b}, []float64{1, 1})

	for _, s := range []*particles.Set{a, b} {
		for i, id := range s.ID {
			if id < 200 {
				assert.InDelta(t, 0.5, s.PPos[i].Z-s.Pos[i].Z, 1e-12)
			}
		}
	}
}

func TestWeightedByCost(t *testing.T) {
	sets := []*particles.Set{cloud(1000, 0, 0, 5), cloud(1000, 1, 1000, 6)}
	results := decomposeAll(t, &Decomposer{Samples: 1000}, sets, []float64{3000, 1000})

	assert.Less(t, sets[0].Len(), sets[1].Len(), "the expensive rank should shed particles")
	assert.Equal(t, 2000, results[0].Counts[0]+results[0].Counts[1])
}

func TestAllRanksEmpty(t *testing.T) {
	sets := []*particles.Set{particles.New(0), particles.New(0)}
	results := decomposeAll(t, &Decomposer{Samples: 16}, sets, []float64{0, 0})
	assert.Equal(t, []int{0, 0}, results[0].Counts)
	assert.Zero(t, results[0].Imbalance())
}
