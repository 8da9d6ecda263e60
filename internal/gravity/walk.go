package gravity

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/compute"
	"github.com/wingkitlee0/Bonsai/internal/particles"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

// Walk accumulates the forces of p.Source on the active groups.
func Walk(b compute.Backend, p WalkParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Source.Empty() || len(p.Active) == 0 {
		return nil
	}

	b.ParallelFor(len(p.Active), 1, func(start, end int) {
		l := lists.Get()
		defer lists.Put(l)
		for k := start; k < end; k++ {
			g := p.Groups[p.Active[k]]
			l.reset()
			collect(p.Source, g.Box, l)
			applyGroup(&p, g, l)
		}
	})

	var active []int
	for _, gi := range p.Active {
		g := p.Groups[gi]
		for i := g.Begin; i < g.End; i++ {
			active = append(active, i)
		}
	}
	return checkFinite(p.Set, active)
}

// collect builds the interaction list of one group box. A node is
// approximated iff the box lies strictly outside its opening radius.
func collect(src *tree.Source, box r3.Box, l *interactionList) {
	for i := src.TopEnd - 1; i >= src.TopBegin; i-- {
		l.stack = append(l.stack, i)
	}
	for len(l.stack) > 0 {
		i := l.stack[len(l.stack)-1]
		l.stack = l.stack[:len(l.stack)-1]

		nd := &src.Nodes[i]
		pole := &src.Poles[i]
		if pole.Mass == 0 && nd.IsLeaf() && nd.Count() == 0 {
			continue
		}
		if tree.BoxDist2(box, pole.COM) > pole.OpenR2 {
			l.approx = append(l.approx, i)
			continue
		}
		switch {
		case !nd.IsLeaf():
			for c := nd.FirstChild + nd.NChild - 1; c >= nd.FirstChild; c-- {
				l.stack = append(l.stack, c)
			}
		case nd.Count() > 0:
			l.direct = append(l.direct, [2]int{nd.Begin, nd.End})
		default:
			// pruned by the sender; the multipole is all there is
			l.approx = append(l.approx, i)
		}
	}
}

func applyGroup(p *WalkParams, g tree.Group, l *interactionList) {
	set, src := p.Set, p.Source
	for i := g.Begin; i < g.End; i++ {
		if !set.IsActive(i, p.Time) {
			continue
		}
		x := set.PPos[i]
		var acc r3.Vec
		var phi float64

		for _, n := range l.approx {
			a, ph := nodeForce(x, &src.Poles[n], p.Eps2)
			acc = r3.Add(acc, a)
			phi += ph
		}

		var direct int64
		for _, rg := range l.direct {
			for j := rg[0]; j < rg[1]; j++ {
				if src.Local && j == i {
					continue
				}
				a, ph := pairForce(x, src.Pos[j], src.Mass[j], p.Eps2)
				acc = r3.Add(acc, a)
				phi += ph
				direct++
			}
		}

		set.Acc1[i] = r3.Add(set.Acc1[i], acc)
		set.Pot1[i] += phi
		set.Interactions[i] = particles.Interactions{
			Approx: set.Interactions[i].Approx + int64(len(l.approx)),
			Direct: set.Interactions[i].Direct + direct,
		}
	}
}

func pairForce(x, y r3.Vec, m, eps2 float64) (r3.Vec, float64) {
	d := r3.Sub(y, x)
	r2 := r3.Norm2(d) + eps2
	rinv := 1 / math.Sqrt(r2)
	mr3 := m * rinv * rinv * rinv
	return r3.Scale(mr3, d), -m * rinv
}

// nodeForce is the softened monopole plus quadrupole field of pole at x.
func nodeForce(x r3.Vec, pole *tree.Multipole, eps2 float64) (r3.Vec, float64) {
	r := r3.Sub(x, pole.COM)
	r2 := r3.Norm2(r) + eps2
	rinv := 1 / math.Sqrt(r2)
	rinv2 := rinv * rinv
	rinv3 := rinv * rinv2
	rinv5 := rinv3 * rinv2
	rinv7 := rinv5 * rinv2

	q := &pole.Quad
	sr := r3.Vec{
		X: q[0]*r.X + q[3]*r.Y + q[4]*r.Z,
		Y: q[3]*r.X + q[1]*r.Y + q[5]*r.Z,
		Z: q[4]*r.X + q[5]*r.Y + q[2]*r.Z,
	}
	rsr := r3.Dot(r, sr)
	tr := q[0] + q[1] + q[2]

	acc := r3.Scale(-pole.Mass*rinv3+1.5*tr*rinv5-7.5*rsr*rinv7, r)
	acc = r3.Add(acc, r3.Scale(3*rinv5, sr))
	phi := -pole.Mass*rinv - 1.5*rsr*rinv5 + 0.5*tr*rinv3
	return acc, phi
}
