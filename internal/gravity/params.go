package gravity

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/particles"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

var (
	ErrBadParams = errors.New("gravity: invalid kernel parameters")
	ErrNonFinite = errors.New("gravity: non-finite acceleration")
)

// DirectParams describes an O(n²) launch against an explicit source list.
// SelfOffset is the index in Sources of Set particle 0, or -1 when the
// sources do not contain the targets.
type DirectParams struct {
	Set        *particles.Set
	Active     []int
	Sources    []r3.Vec
	Masses     []float64
	SelfOffset int
	Eps2       float64
}

func (p *DirectParams) Validate() error {
	switch {
	case p.Set == nil:
		return fmt.Errorf("%w: no target set", ErrBadParams)
	case len(p.Sources) != len(p.Masses):
		return fmt.Errorf("%w: %d sources, %d masses", ErrBadParams, len(p.Sources), len(p.Masses))
	case p.Eps2 <= 0:
		return fmt.Errorf("%w: eps2 must be positive", ErrBadParams)
	case p.SelfOffset >= 0 && p.SelfOffset+p.Set.Len() > len(p.Sources):
		return fmt.Errorf("%w: self offset %d past %d sources", ErrBadParams, p.SelfOffset, len(p.Sources))
	}
	return nil
}

// WalkParams describes one tree walk of the active groups of Set against
// Source. Only particles due at Time receive contributions.
type WalkParams struct {
	Set    *particles.Set
	Groups []tree.Group
	Active []int
	Source *tree.Source
	Eps2   float64
	Time   float64
}

func (p *WalkParams) Validate() error {
	switch {
	case p.Set == nil || p.Source == nil:
		return fmt.Errorf("%w: missing set or source", ErrBadParams)
	case p.Eps2 <= 0:
		return fmt.Errorf("%w: eps2 must be positive", ErrBadParams)
	case len(p.Source.Poles) != len(p.Source.Nodes):
		return fmt.Errorf("%w: %d nodes, %d multipoles", ErrBadParams, len(p.Source.Nodes), len(p.Source.Poles))
	}
	for _, g := range p.Active {
		if g < 0 || g >= len(p.Groups) {
			return fmt.Errorf("%w: group %d out of range", ErrBadParams, g)
		}
	}
	return nil
}

// SPHParams describes the density and hydro passes over the local tree.
type SPHParams struct {
	Set       *particles.Set
	Groups    []tree.Group
	Active    []int
	Source    *tree.Source
	Rho0      float64
	Stiffness float64
	Viscosity float64
	NNgb      int
	Time      float64
}

func (p *SPHParams) Validate() error {
	switch {
	case p.Set == nil || p.Source == nil:
		return fmt.Errorf("%w: missing set or source", ErrBadParams)
	case !p.Source.Local:
		return fmt.Errorf("%w: sph passes run on the local tree only", ErrBadParams)
	case p.Rho0 <= 0 || p.NNgb <= 0:
		return fmt.Errorf("%w: rho0=%g nngb=%d", ErrBadParams, p.Rho0, p.NNgb)
	}
	return nil
}
