package gravity

import (
	"fmt"
	"math"

	"github.com/wingkitlee0/Bonsai/internal/compute"
	"github.com/wingkitlee0/Bonsai/internal/particles"
)

// Direct accumulates the softened pairwise sum over p.Sources into the
// active particles of p.Set. A nil Active list means every particle.
func Direct(b compute.Backend, p DirectParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	set := p.Set
	counts := make([]int64, set.Len())
	b.NBodyForces(compute.DirectArgs{
		Targets:    set.PPos,
		Active:     p.Active,
		Sources:    p.Sources,
		Masses:     p.Masses,
		SelfOffset: p.SelfOffset,
		Eps2:       p.Eps2,
		Acc:        set.Acc1,
		Pot:        set.Pot1,
		Direct:     counts,
	})
	for i, c := range counts {
		set.Interactions[i].Direct += c
	}
	return checkFinite(set, p.Active)
}

func checkFinite(set *particles.Set, active []int) error {
	bad := func(i int) bool {
		a := set.Acc1[i]
		return math.IsNaN(a.X+a.Y+a.Z) || math.IsInf(a.X+a.Y+a.Z, 0)
	}
	if active == nil {
		for i := range set.Acc1 {
			if bad(i) {
				return fmt.Errorf("%w: particle %d", ErrNonFinite, set.ID[i])
			}
		}
		return nil
	}
	for _, i := range active {
		if bad(i) {
			return fmt.Errorf("%w: particle %d", ErrNonFinite, set.ID[i])
		}
	}
	return nil
}
