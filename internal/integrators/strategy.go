package integrators

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/config"
)

// Strategy picks a particle's next step length after it was corrected at tc
// with acceleration acc and estimated jerk.
type Strategy interface {
	Name() string
	Step(acc, jerk r3.Vec, tc float64) float64
}

// Shared advances every particle by the same Dt.
type Shared struct {
	Dt float64
}

func (s Shared) Name() string { return "shared" }

func (s Shared) Step(_, _ r3.Vec, _ float64) float64 { return s.Dt }

// maxHalvings bounds the block hierarchy depth.
const maxHalvings = 40

// Block gives each particle an individual power-of-two fraction of DtMax
// from the acceleration and its time derivative.
type Block struct {
	Eta   float64
	DtMax float64
	Eps   float64
}

func (b Block) Name() string { return "block" }

func (b Block) Step(acc, jerk r3.Vec, tc float64) float64 {
	return b.quantize(b.raw(acc, jerk), tc)
}

// raw is eta*|a|/|da/dt|, or eta*sqrt(eps/|a|) without a usable jerk.
func (b Block) raw(acc, jerk r3.Vec) float64 {
	a := r3.Norm(acc)
	j := r3.Norm(jerk)
	switch {
	case a == 0:
		return b.DtMax
	case j > 0:
		return b.Eta * a / j
	default:
		return b.Eta * math.Sqrt(b.Eps/a)
	}
}

// quantize rounds dt down to DtMax/2^k and keeps halving until tc is a
// multiple of the step, so that particles on the same level stay in sync.
func (b Block) quantize(dt, tc float64) float64 {
	if !(dt < b.DtMax) {
		dt = b.DtMax
	}
	q := b.DtMax
	k := 0
	for q > dt && k < maxHalvings {
		q /= 2
		k++
	}
	for k < maxHalvings && !commensurate(tc, q) {
		q /= 2
		k++
	}
	return q
}

func commensurate(t, q float64) bool {
	r := t / q
	return math.Abs(r-math.Round(r)) <= 1e-9*math.Max(1, math.Abs(r))
}

// FromConfig returns the strategy selected by cfg.
func FromConfig(cfg *config.Config) (Strategy, error) {
	switch cfg.Time.Mode {
	case config.SharedTimestep:
		return Shared{Dt: cfg.Time.Dt}, nil
	case config.BlockTimestep:
		return Block{Eta: cfg.Time.Eta, DtMax: cfg.Time.DtMax, Eps: cfg.Force.Eps}, nil
	}
	return nil, fmt.Errorf("%w: unknown time mode %q", config.ErrInvalid, cfg.Time.Mode)
}
