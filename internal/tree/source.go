package tree

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/particles"
)

// Source is a read-only tree the force kernels walk. It is either a view
// of the local tree or a decoded remote buffer. A node with no children and
// no particles was pruned by the sender and is always approximated.
type Source struct {
	Nodes []Node
	Poles []Multipole
	Pos   []r3.Vec
	Mass  []float64

	TopBegin, TopEnd int

	// Local is set when Pos aliases the walked particles, so that a
	// particle skips itself.
	Local bool
}

func (s *Source) Empty() bool { return len(s.Nodes) == 0 }

// Source returns the local view of t over the predicted positions.
func (t *Tree) Source(set *particles.Set) *Source {
	src := &Source{
		Nodes: t.Nodes,
		Poles: t.Poles,
		Pos:   set.PPos,
		Mass:  set.Mass,
		Local: true,
	}
	if len(t.Nodes) > 0 {
		src.TopBegin, src.TopEnd = 0, 1
	}
	return src
}
