package tree

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/particles"
)

// Group is a contiguous tree-ordered range of at most NCrit particles that
// is walked as a unit.
type Group struct {
	Begin, End int
	Box        r3.Box
}

// makeGroups takes the shallowest nodes holding at most NCrit particles.
// Leaves at the key resolution limit may hold more and are chunked.
func makeGroups(t *Tree) []Group {
	var groups []Group
	var visit func(i int)
	visit = func(i int) {
		nd := &t.Nodes[i]
		if nd.Count() <= t.Params.NCrit || nd.IsLeaf() {
			for b := nd.Begin; b < nd.End; b += t.Params.NCrit {
				groups = append(groups, Group{Begin: b, End: min(b+t.Params.NCrit, nd.End)})
			}
			return
		}
		for c := nd.FirstChild; c < nd.FirstChild+nd.NChild; c++ {
			visit(c)
		}
	}
	if len(t.Nodes) > 0 {
		visit(0)
	}
	return groups
}

// ActiveGroups returns the groups with at least one particle due at tc.
func (t *Tree) ActiveGroups(set *particles.Set, tc float64) []int {
	active := make([]int, 0, len(t.Groups))
	for g, grp := range t.Groups {
		for i := grp.Begin; i < grp.End; i++ {
			if set.IsActive(i, tc) {
				active = append(active, g)
				break
			}
		}
	}
	return active
}
