package gravity

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/compute"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

func poly6(r2, h2 float64) float64 {
	if r2 > h2 {
		return 0
	}
	d := h2 - r2
	return 315.0 / (64.0 * math.Pi * math.Pow(h2, 4.5)) * d * d * d
}

func spikyGrad(r, h float64) float64 {
	if r > h || r < 1e-12 {
		return 0
	}
	return -45.0 / (math.Pi * math.Pow(h, 6)) * (h - r) * (h - r)
}

func viscLap(r, h float64) float64 {
	if r > h {
		return 0
	}
	return 45.0 / (math.Pi * math.Pow(h, 6)) * (h - r)
}

// neighbourRanges collects the leaf ranges whose boxes overlap search.
func neighbourRanges(src *tree.Source, search r3.Box, l *interactionList) {
	for i := src.TopEnd - 1; i >= src.TopBegin; i-- {
		l.stack = append(l.stack, i)
	}
	for len(l.stack) > 0 {
		i := l.stack[len(l.stack)-1]
		l.stack = l.stack[:len(l.stack)-1]
		nd := &src.Nodes[i]
		if !tree.Overlaps(nd.Box(), search) {
			continue
		}
		if nd.IsLeaf() {
			l.direct = append(l.direct, [2]int{nd.Begin, nd.End})
			continue
		}
		for c := nd.FirstChild + nd.NChild - 1; c >= nd.FirstChild; c-- {
			l.stack = append(l.stack, c)
		}
	}
}

func maxH(p *SPHParams, g tree.Group) float64 {
	h := 0.0
	for i := g.Begin; i < g.End; i++ {
		h = math.Max(h, p.Set.H[i])
	}
	return h
}

// Density computes density, pressure and neighbour count of the active
// particles from their smoothing lengths.
func Density(b compute.Backend, p SPHParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Source.Empty() {
		return nil
	}
	set, src := p.Set, p.Source

	b.ParallelFor(len(p.Active), 1, func(start, end int) {
		l := lists.Get()
		defer lists.Put(l)
		for k := start; k < end; k++ {
			g := p.Groups[p.Active[k]]
			l.reset()
			neighbourRanges(src, tree.Grow(g.Box, maxH(&p, g)), l)

			for i := g.Begin; i < g.End; i++ {
				if !set.IsActive(i, p.Time) {
					continue
				}
				h2 := set.H[i] * set.H[i]
				rho := 0.0
				ngb := 0
				for _, rg := range l.direct {
					for j := rg[0]; j < rg[1]; j++ {
						r2 := r3.Norm2(r3.Sub(set.PPos[i], src.Pos[j]))
						if r2 > h2 {
							continue
						}
						rho += src.Mass[j] * poly6(r2, h2)
						if j != i {
							ngb++
						}
					}
				}
				set.Density[i] = rho
				set.Pressure[i] = p.Stiffness * (rho - p.Rho0)
				set.Neighbours[i] = ngb
			}
		}
	})
	return nil
}

// Hydro adds pressure and viscosity accelerations. Density must have run
// for the current step.
func Hydro(b compute.Backend, p SPHParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Source.Empty() {
		return nil
	}
	set, src := p.Set, p.Source

	b.ParallelFor(len(p.Active), 1, func(start, end int) {
		l := lists.Get()
		defer lists.Put(l)
		for k := start; k < end; k++ {
			g := p.Groups[p.Active[k]]
			l.reset()
			neighbourRanges(src, tree.Grow(g.Box, maxH(&p, g)), l)

			for i := g.Begin; i < g.End; i++ {
				if !set.IsActive(i, p.Time) || set.Density[i] <= 0 {
					continue
				}
				h := set.H[i]
				var f r3.Vec
				for _, rg := range l.direct {
					for j := rg[0]; j < rg[1]; j++ {
						if j == i || set.Density[j] <= 0 {
							continue
						}
						d := r3.Sub(set.PPos[i], src.Pos[j])
						dist := r3.Norm(d)
						if dist >= h || dist < 1e-12 {
							continue
						}
						fp := -src.Mass[j] * (set.Pressure[i] + set.Pressure[j]) / (2 * set.Density[j]) * spikyGrad(dist, h)
						f = r3.Add(f, r3.Scale(fp/dist, d))

						fv := p.Viscosity * src.Mass[j] * viscLap(dist, h) / set.Density[j]
						f = r3.Add(f, r3.Scale(fv, r3.Sub(set.PVel[j], set.PVel[i])))
					}
				}
				set.Acc1[i] = r3.Add(set.Acc1[i], r3.Scale(1/set.Density[i], f))
			}
		}
	})

	var active []int
	for _, gi := range p.Active {
		for i := p.Groups[gi].Begin; i < p.Groups[gi].End; i++ {
			active = append(active, i)
		}
	}
	return checkFinite(set, active)
}

// UpdateSmoothing moves each active particle's smoothing length toward the
// value that would enclose NNgb neighbours, by at most a factor of two.
func UpdateSmoothing(p SPHParams) {
	set := p.Set
	for i := range set.H {
		if !set.IsActive(i, p.Time) {
			continue
		}
		ratio := math.Cbrt(float64(p.NNgb+1) / float64(set.Neighbours[i]+1))
		f := 0.5 * (1 + ratio)
		set.H[i] *= math.Min(2, math.Max(0.5, f))
	}
}
