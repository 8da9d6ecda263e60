package let

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/particles"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

// Describe returns up to maxBoxes union boxes of consecutive groups.
func Describe(t *tree.Tree, maxBoxes int) []r3.Box {
	n := len(t.Groups)
	if n == 0 || maxBoxes < 1 {
		return nil
	}
	per := (n + maxBoxes - 1) / maxBoxes
	boxes := make([]r3.Box, 0, (n+per-1)/per)
	for g := 0; g < n; g += per {
		b := t.Groups[g].Box
		for k := g + 1; k < min(g+per, n); k++ {
			b = tree.Union(b, t.Groups[k].Box)
		}
		boxes = append(boxes, b)
	}
	return boxes
}

// Selection is the part of a tree shipped to one peer. Nodes are in
// breadth-first order so children stay contiguous; Begin/End of opened
// leaves index Pos and Mass.
type Selection struct {
	Nodes []tree.Node
	Poles []tree.Multipole
	Pos   []r3.Vec
	Mass  []float64
}

// Select keeps every node above cutoff and, deeper, opens a node only
// while some peer box fails the opening test against it. Opened leaves
// ship their particles; unopened nodes are sent as bare multipoles.
func Select(t *tree.Tree, set *particles.Set, peer []r3.Box, cutoff int) *Selection {
	sel := &Selection{}
	if len(t.Nodes) == 0 || len(peer) == 0 {
		return sel
	}

	queue := []int{0}
	sel.Nodes = append(sel.Nodes, t.Nodes[0])
	sel.Poles = append(sel.Poles, t.Poles[0])
	for q := 0; q < len(queue); q++ {
		nd := t.Nodes[queue[q]]
		out := tree.Node{
			Key:      nd.Key,
			Level:    nd.Level,
			Center:   nd.Center,
			HalfSize: nd.HalfSize,
		}
		if nd.Level < cutoff || mustOpen(t.Poles[queue[q]], peer) {
			if nd.IsLeaf() {
				out.Begin = len(sel.Pos)
				sel.Pos = append(sel.Pos, set.PPos[nd.Begin:nd.End]...)
				sel.Mass = append(sel.Mass, set.Mass[nd.Begin:nd.End]...)
				out.End = len(sel.Pos)
			} else {
				out.FirstChild = len(sel.Nodes)
				out.NChild = nd.NChild
				for c := nd.FirstChild; c < nd.FirstChild+nd.NChild; c++ {
					queue = append(queue, c)
					sel.Nodes = append(sel.Nodes, t.Nodes[c])
					sel.Poles = append(sel.Poles, t.Poles[c])
				}
			}
		}
		sel.Nodes[q] = out
	}
	return sel
}

func mustOpen(pole tree.Multipole, peer []r3.Box) bool {
	for _, b := range peer {
		if tree.BoxDist2(b, pole.COM) <= pole.OpenR2 {
			return true
		}
	}
	return false
}
