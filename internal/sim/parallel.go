package sim

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/wingkitlee0/Bonsai/internal/comm"
	"github.com/wingkitlee0/Bonsai/internal/config"
	"github.com/wingkitlee0/Bonsai/internal/particles"
)

// Cluster runs one Simulator per rank of an in-process group.
type Cluster struct {
	cfg *config.Config
	// options returns the collaborators of one rank; nil means defaults.
	options func(rank int) Options

	sims []*Simulator
}

func NewCluster(cfg *config.Config, options func(rank int) Options) *Cluster {
	return &Cluster{cfg: cfg, options: options}
}

// Simulators returns the per-rank simulators of the last Run.
func (c *Cluster) Simulators() []*Simulator { return c.sims }

// Split deals initial out to n ranks round-robin.
func Split(initial *particles.Set, n int) []*particles.Set {
	idx := make([][]int, n)
	for i := 0; i < initial.Len(); i++ {
		idx[i%n] = append(idx[i%n], i)
	}
	sets := make([]*particles.Set, n)
	for r := range sets {
		if len(idx[r]) == 0 {
			sets[r] = particles.New(0)
			continue
		}
		sets[r] = particles.FromRecords(initial.Records(idx[r]))
	}
	return sets
}

// Run integrates initial on cfg.Domain.Ranks ranks. The first rank error
// cancels the others.
func (c *Cluster) Run(ctx context.Context, initial *particles.Set) ([]*Result, error) {
	n := c.cfg.Domain.Ranks
	if n < 1 {
		return nil, fmt.Errorf("%w: %d ranks", config.ErrInvalid, n)
	}
	group := comm.NewGroup(n)
	sets := Split(initial, n)

	c.sims = make([]*Simulator, n)
	for r := 0; r < n; r++ {
		var opts Options
		if c.options != nil {
			opts = c.options(r)
		}
		c.sims[r] = New(c.cfg, group.Comm(r), sets[r], opts)
	}

	results := make([]*Result, n)
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < n; r++ {
		r := r
		g.Go(func() error {
			res, err := c.sims[r].Run(gctx)
			results[r] = res
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
