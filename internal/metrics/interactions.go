package metrics

import (
	"context"

	"github.com/wingkitlee0/Bonsai/internal/comm"
	"github.com/wingkitlee0/Bonsai/internal/particles"
)

// InteractionStats summarizes the force work of one step across ranks.
type InteractionStats struct {
	Active    int64
	Approx    int64
	Direct    int64
	MaxApprox int64
	MaxDirect int64
}

func (s InteractionStats) AvgApprox() float64 { return avg(s.Approx, s.Active) }
func (s InteractionStats) AvgDirect() float64 { return avg(s.Direct, s.Active) }

func avg(sum, n int64) float64 {
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

// CountInteractions reduces the per-particle counters of the particles due
// at tc over the group.
func CountInteractions(ctx context.Context, c *comm.Comm, set *particles.Set, tc float64) (InteractionStats, error) {
	var s InteractionStats
	for i, it := range set.Interactions {
		if !set.IsActive(i, tc) {
			continue
		}
		s.Active++
		s.Approx += it.Approx
		s.Direct += it.Direct
		s.MaxApprox = max(s.MaxApprox, it.Approx)
		s.MaxDirect = max(s.MaxDirect, it.Direct)
	}

	sums, err := c.AllReduceInt(ctx, []int64{s.Active, s.Approx, s.Direct}, comm.Sum)
	if err != nil {
		return s, err
	}
	maxes, err := c.AllReduceInt(ctx, []int64{s.MaxApprox, s.MaxDirect}, comm.Max)
	if err != nil {
		return s, err
	}
	return InteractionStats{
		Active:    sums[0],
		Approx:    sums[1],
		Direct:    sums[2],
		MaxApprox: maxes[0],
		MaxDirect: maxes[1],
	}, nil
}
