package metrics

import (
	"context"
	"math"

	"github.com/wingkitlee0/Bonsai/internal/comm"
	"github.com/wingkitlee0/Bonsai/internal/particles"
)

// Energies are global sums over every rank.
type Energies struct {
	Kinetic   float64
	Potential float64
}

func (e Energies) Total() float64 { return e.Kinetic + e.Potential }

// Measure reduces ½mv² and ½mφ over the group. φ is the accepted specific
// potential written by the force kernels; the half avoids counting each
// pair twice.
func Measure(ctx context.Context, c *comm.Comm, set *particles.Set) (Energies, error) {
	var ek, ep float64
	for i, m := range set.Mass {
		v := set.Vel[i]
		ek += 0.5 * m * (v.X*v.X + v.Y*v.Y + v.Z*v.Z)
		ep += 0.5 * m * set.Pot[i]
	}
	sums, err := c.AllReduceFloat64(ctx, []float64{ek, ep}, comm.Sum)
	if err != nil {
		return Energies{}, err
	}
	return Energies{Kinetic: sums[0], Potential: sums[1]}, nil
}

// Drift is the relative energy error against the first observation (DE)
// and against the previous iteration (DDE).
type Drift struct {
	Energies
	DE     float64
	DDE    float64
	MaxDE  float64
	MaxDDE float64
}

// EnergyTracker follows the total energy over a run.
type EnergyTracker struct {
	name      string
	reference float64
	previous  float64
	lastIter  int
	last      Drift
	samples   int
}

func NewEnergyTracker() *EnergyTracker {
	return &EnergyTracker{name: "energy_drift", lastIter: -1}
}

func (e *EnergyTracker) Name() string { return e.name }

// Observe records the energies of iteration iter. The first observation
// becomes the reference. Repeated calls for the same iteration return the
// same drift. Maxima only include iterations where every particle was
// active, since inactive particles carry stale potentials.
func (e *EnergyTracker) Observe(iter int, en Energies, allActive bool) Drift {
	if iter == e.lastIter && e.samples > 0 {
		return e.last
	}

	total := en.Total()
	d := Drift{Energies: en, MaxDE: e.last.MaxDE, MaxDDE: e.last.MaxDDE}
	if e.samples == 0 {
		e.reference = total
		e.previous = total
	}
	d.DE = relative(total, e.reference)
	d.DDE = relative(total, e.previous)
	if allActive {
		d.MaxDE = math.Max(d.MaxDE, math.Abs(d.DE))
		d.MaxDDE = math.Max(d.MaxDDE, math.Abs(d.DDE))
	}

	e.previous = total
	e.lastIter = iter
	e.last = d
	e.samples++
	return d
}

func relative(x, ref float64) float64 {
	if ref == 0 {
		return x - ref
	}
	return (x - ref) / ref
}

// Value is the largest |DE| seen so far.
func (e *EnergyTracker) Value() float64 { return e.last.MaxDE }

func (e *EnergyTracker) Last() Drift { return e.last }

func (e *EnergyTracker) Reset() {
	*e = *NewEnergyTracker()
}
