package tree

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/particles"
)

// Multipole summarizes the mass inside a node. Quad is the second moment
// about COM in the order xx, yy, zz, xy, xz, yz.
type Multipole struct {
	Mass   float64
	COM    r3.Vec
	Quad   [6]float64
	OpenR2 float64
}

// Refresh recomputes tight boxes and multipoles bottom-up from the
// predicted positions, then the group boxes. Membership is unchanged.
func Refresh(t *Tree, set *particles.Set) {
	for l := len(t.Levels) - 1; l >= 0; l-- {
		for i := t.Levels[l][0]; i < t.Levels[l][1]; i++ {
			if t.Nodes[i].IsLeaf() {
				t.refreshLeaf(i, set)
			} else {
				t.refreshInternal(i)
			}
			t.finish(i)
		}
	}
	for g := range t.Groups {
		grp := &t.Groups[g]
		grp.Box = particles.BoundsOf(set.PPos[grp.Begin:grp.End])
	}
}

func (t *Tree) refreshLeaf(i int, set *particles.Set) {
	nd := &t.Nodes[i]
	pos := set.PPos[nd.Begin:nd.End]
	mass := set.Mass[nd.Begin:nd.End]

	box := particles.BoundsOf(pos)
	setBox(nd, box)

	var m float64
	var com r3.Vec
	for k, x := range pos {
		m += mass[k]
		com = r3.Add(com, r3.Scale(mass[k], x))
	}
	if m > 0 {
		com = r3.Scale(1/m, com)
	} else {
		com = nd.Center
	}

	var q [6]float64
	for k, x := range pos {
		addOuter(&q, mass[k], r3.Sub(x, com))
	}
	t.Poles[i] = Multipole{Mass: m, COM: com, Quad: q}
}

func (t *Tree) refreshInternal(i int) {
	nd := &t.Nodes[i]
	box := particles.BoundsOf(nil)
	var m float64
	var com r3.Vec
	for c := nd.FirstChild; c < nd.FirstChild+nd.NChild; c++ {
		box = Union(box, t.Nodes[c].Box())
		m += t.Poles[c].Mass
		com = r3.Add(com, r3.Scale(t.Poles[c].Mass, t.Poles[c].COM))
	}
	setBox(nd, box)
	if m > 0 {
		com = r3.Scale(1/m, com)
	} else {
		com = nd.Center
	}

	// parallel-axis shift of each child's second moment to the new COM
	var q [6]float64
	for c := nd.FirstChild; c < nd.FirstChild+nd.NChild; c++ {
		cp := &t.Poles[c]
		for k := range q {
			q[k] += cp.Quad[k]
		}
		addOuter(&q, cp.Mass, r3.Sub(cp.COM, com))
	}
	t.Poles[i] = Multipole{Mass: m, COM: com, Quad: q}
}

// finish sets the opening radius: (l/theta + s)^2 with l the longest box
// side and s the COM offset from the box centre.
func (t *Tree) finish(i int) {
	nd := &t.Nodes[i]
	p := &t.Poles[i]
	l := 2 * math.Max(nd.HalfSize.X, math.Max(nd.HalfSize.Y, nd.HalfSize.Z))
	s := r3.Norm(r3.Sub(p.COM, nd.Center))
	r := l/t.Params.Theta + s
	p.OpenR2 = r * r
}

func setBox(nd *Node, b r3.Box) {
	nd.Center = r3.Scale(0.5, r3.Add(b.Min, b.Max))
	nd.HalfSize = r3.Scale(0.5, r3.Sub(b.Max, b.Min))
}

func addOuter(q *[6]float64, m float64, d r3.Vec) {
	q[0] += m * d.X * d.X
	q[1] += m * d.Y * d.Y
	q[2] += m * d.Z * d.Z
	q[3] += m * d.X * d.Y
	q[4] += m * d.X * d.Z
	q[5] += m * d.Y * d.Z
}
