package tree

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/particles"
)

var ErrBadParams = errors.New("tree: invalid parameters")

// Node is one octree cell. Children of a node are contiguous and live on
// the next level; a node is a leaf iff NChild == 0.
type Node struct {
	Key        uint64
	Level      int
	Center     r3.Vec
	HalfSize   r3.Vec
	FirstChild int
	NChild     int
	Begin, End int
}

func (n *Node) IsLeaf() bool { return n.NChild == 0 }
func (n *Node) Count() int   { return n.End - n.Begin }
func (n *Node) Box() r3.Box  { return boxFromCenter(n.Center, n.HalfSize) }

type Params struct {
	NLeaf int
	NCrit int
	Theta float64
}

func (p Params) Validate() error {
	if p.NLeaf < 1 || p.NCrit < p.NLeaf || p.Theta <= 0 || p.Theta > 1 {
		return fmt.Errorf("%w: nleaf=%d ncrit=%d theta=%g", ErrBadParams, p.NLeaf, p.NCrit, p.Theta)
	}
	return nil
}

type Tree struct {
	Params Params
	Domain Cube

	Nodes []Node
	Poles []Multipole
	// Levels[l] is the [start, end) node range of level l.
	Levels [][2]int
	Groups []Group
	Keys   []uint64
}

func (t *Tree) NumParticles() int { return len(t.Keys) }

// Build sorts set along the Morton curve of its predicted positions,
// permutes it into tree order and splits nodes breadth-first while they
// hold more than NLeaf particles. It returns the permutation applied.
// Boxes and multipoles are filled by Refresh.
func Build(set *particles.Set, domain Cube, p Params) (*Tree, []int, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	n := set.Len()

	keys := make([]uint64, n)
	for i, x := range set.PPos {
		keys[i] = domain.Key(x)
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool { return keys[perm[a]] < keys[perm[b]] })
	if err := set.Permute(perm); err != nil {
		return nil, nil, fmt.Errorf("tree: reorder: %w", err)
	}
	sorted := make([]uint64, n)
	for i, pi := range perm {
		sorted[i] = keys[pi]
	}

	t := &Tree{Params: p, Domain: domain, Keys: sorted}
	if n == 0 {
		return t, perm, nil
	}

	t.Nodes = append(t.Nodes, Node{Begin: 0, End: n})
	t.Levels = append(t.Levels, [2]int{0, 1})
	for level := 0; level < MaxLevel; level++ {
		start, end := t.Levels[level][0], t.Levels[level][1]
		next := len(t.Nodes)
		for i := start; i < end; i++ {
			if t.Nodes[i].Count() <= p.NLeaf {
				continue
			}
			t.split(i, level+1)
		}
		if len(t.Nodes) == next {
			break
		}
		t.Levels = append(t.Levels, [2]int{next, len(t.Nodes)})
	}

	t.Poles = make([]Multipole, len(t.Nodes))
	t.Groups = makeGroups(t)
	return t, perm, nil
}

// split appends the non-empty children of node i at childLevel.
func (t *Tree) split(i, childLevel int) {
	parent := t.Nodes[i]
	first := len(t.Nodes)
	b := parent.Begin
	for b < parent.End {
		oct := octant(t.Keys[b], childLevel)
		e := b + 1
		for e < parent.End && octant(t.Keys[e], childLevel) == oct {
			e++
		}
		shift := 3 * (KeyBits - childLevel)
		t.Nodes = append(t.Nodes, Node{
			Key:   t.Keys[b] >> shift << shift,
			Level: childLevel,
			Begin: b,
			End:   e,
		})
		b = e
	}
	t.Nodes[i].FirstChild = first
	t.Nodes[i].NChild = len(t.Nodes) - first
}

// Leaves returns the indices of all leaf nodes in particle order.
func (t *Tree) Leaves() []int {
	var out []int
	if len(t.Nodes) == 0 {
		return out
	}
	var visit func(i int)
	visit = func(i int) {
		nd := &t.Nodes[i]
		if nd.IsLeaf() {
			out = append(out, i)
			return
		}
		for c := nd.FirstChild; c < nd.FirstChild+nd.NChild; c++ {
			visit(c)
		}
	}
	visit(0)
	return out
}

// Root returns the tight box of the whole tree.
func (t *Tree) Root() r3.Box {
	if len(t.Nodes) == 0 {
		return particles.BoundsOf(nil)
	}
	return t.Nodes[0].Box()
}
