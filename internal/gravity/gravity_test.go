package gravity

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/compute"
	"github.com/wingkitlee0/Bonsai/internal/particles"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

const eps2 = 1e-4

func plummerish(n int, seed int64) *particles.Set {
	rng := rand.New(rand.NewSource(seed))
	s := particles.New(n)
	for i := 0; i < n; i++ {
		p := r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		s.Pos[i], s.PPos[i] = p, p
		s.Mass[i] = 1 / float64(n)
	}
	return s
}

func treeFor(t *testing.T, set *particles.Set, theta float64) *tree.Tree {
	t.Helper()
	tr, _, err := tree.Build(set, tree.CubeOf(set.Bounds()), tree.Params{NLeaf: 8, NCrit: 32, Theta: theta})
	require.NoError(t, err)
	tree.Refresh(tr, set)
	return tr
}

func allGroups(tr *tree.Tree) []int {
	idx := make([]int, len(tr.Groups))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func directReference(t *testing.T, set *particles.Set) ([]r3.Vec, []float64) {
	t.Helper()
	ref := set.Clone()
	ref.ResetAccumulators(nil)
	err := Direct(compute.NewCPUBackendWorkers(2), DirectParams{
		Set: ref, Sources: ref.PPos, Masses: ref.Mass, SelfOffset: 0, Eps2: eps2,
	})
	require.NoError(t, err)
	return ref.Acc1, ref.Pot1
}

func TestWalkOpenEverythingMatchesDirect(t *testing.T) {
	set := plummerish(400, 1)
	tr := treeFor(t, set, 1e-6)
	acc, pot := directReference(t, set)

	err := Walk(compute.NewCPUBackendWorkers(4), WalkParams{
		Set: set, Groups: tr.Groups, Active: allGroups(tr), Source: tr.Source(set), Eps2: eps2,
	})
	require.NoError(t, err)

	for i := range acc {
		assert.InDelta(t, 0, r3.Norm(r3.Sub(acc[i], set.Acc1[i])), 1e-9*r3.Norm(acc[i])+1e-12)
		assert.InDelta(t, pot[i], set.Pot1[i], 1e-9*math.Abs(pot[i]))
		// single-particle leaves have zero size and are still taken as
		// nodes, which is exact
		inter := set.Interactions[i]
		assert.Equal(t, int64(set.Len()-1), inter.Approx+inter.Direct)
	}
}

func TestWalkApproximationAccuracy(t *testing.T) {
	set := plummerish(2000, 2)
	tr := treeFor(t, set, 0.5)
	acc, _ := directReference(t, set)

	err := Walk(compute.NewCPUBackend(), WalkParams{
		Set: set, Groups: tr.Groups, Active: allGroups(tr), Source: tr.Source(set), Eps2: eps2,
	})
	require.NoError(t, err)

	var sum float64
	var approx int64
	for i := range acc {
		sum += r3.Norm(r3.Sub(acc[i], set.Acc1[i])) / r3.Norm(acc[i])
		approx += set.Interactions[i].Approx
	}
	assert.Less(t, sum/float64(len(acc)), 1e-2)
	assert.Positive(t, approx, "theta 0.5 should approximate some nodes")
}

func TestWalkAccumulates(t *testing.T) {
	set := plummerish(200, 3)
	tr := treeFor(t, set, 0.5)
	p := WalkParams{Set: set, Groups: tr.Groups, Active: allGroups(tr), Source: tr.Source(set), Eps2: eps2}
	b := compute.NewCPUBackendWorkers(2)

	require.NoError(t, Walk(b, p))
	once := append([]r3.Vec(nil), set.Acc1...)
	require.NoError(t, Walk(b, p))

	for i := range once {
		assert.InDelta(t, 2*once[i].X, set.Acc1[i].X, 1e-12*math.Abs(once[i].X)+1e-15)
	}
}

func TestWalkSkipsInactive(t *testing.T) {
	set := plummerish(100, 4)
	tr := treeFor(t, set, 0.5)
	for i := range set.Time {
		set.Time[i].Next = 1
	}
	set.Time[0].Next = 0

	err := Walk(compute.NewCPUBackendWorkers(1), WalkParams{
		Set: set, Groups: tr.Groups, Active: tr.ActiveGroups(set, 0), Source: tr.Source(set), Eps2: eps2,
	})
	require.NoError(t, err)

	assert.NotEqual(t, r3.Vec{}, set.Acc1[0])
	for i := 1; i < set.Len(); i++ {
		assert.Equal(t, r3.Vec{}, set.Acc1[i], "inactive particle %d was updated", i)
	}
}

func TestQuadrupoleBeatsMonopole(t *testing.T) {
	set := plummerish(64, 5)
	for i := range set.PPos {
		set.PPos[i].X *= 3 // elongated cluster
	}
	tr := treeFor(t, set, 0.5)
	pole := tr.Poles[0]

	x := r3.Vec{X: 200, Y: 70, Z: -40}
	var exact r3.Vec
	for j := range set.PPos {
		a, _ := pairForce(x, set.PPos[j], set.Mass[j], 0)
		exact = r3.Add(exact, a)
	}
	withQuad, _ := nodeForce(x, &pole, 0)
	mono := pole
	mono.Quad = [6]float64{}
	monoOnly, _ := nodeForce(x, &mono, 0)

	errQuad := r3.Norm(r3.Sub(withQuad, exact))
	errMono := r3.Norm(r3.Sub(monoOnly, exact))
	assert.Less(t, errQuad, errMono)
	assert.Less(t, errQuad/r3.Norm(exact), 1e-3)
}

func TestEmptyAndInvalid(t *testing.T) {
	empty := particles.New(0)
	tr := treeFor(t, empty, 0.5)
	b := compute.NewCPUBackendWorkers(1)

	assert.NoError(t, Walk(b, WalkParams{Set: empty, Source: tr.Source(empty), Eps2: eps2}))
	assert.ErrorIs(t, Walk(b, WalkParams{Set: empty, Source: tr.Source(empty)}), ErrBadParams)
	assert.ErrorIs(t, Walk(b, WalkParams{Set: empty, Source: tr.Source(empty), Eps2: eps2, Active: []int{0}}), ErrBadParams)
	assert.ErrorIs(t, Direct(b, DirectParams{Set: empty, Sources: []r3.Vec{{}}, Eps2: eps2}), ErrBadParams)
}

func lattice(n int, spacing float64) *particles.Set {
	s := particles.New(n * n * n)
	k := 0
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			for z := 0; z < n; z++ {
				p := r3.Vec{X: float64(x) * spacing, Y: float64(y) * spacing, Z: float64(z) * spacing}
				s.Pos[k], s.PPos[k] = p, p
				s.Mass[k] = 1
				s.H[k] = 2.5 * spacing
				k++
			}
		}
	}
	return s
}

func TestSPHDensityAndHydro(t *testing.T) {
	set := lattice(6, 0.1)
	tr := treeFor(t, set, 0.5)
	p := SPHParams{
		Set: set, Groups: tr.Groups, Active: allGroups(tr), Source: tr.Source(set),
		Rho0: 1, Stiffness: 1, Viscosity: 0.1, NNgb: 32,
	}
	b := compute.NewCPUBackendWorkers(2)

	require.NoError(t, Density(b, p))
	require.NoError(t, Hydro(b, p))

	var centre, corner int
	for i, x := range set.PPos {
		if math.Abs(x.X-0.2) < 1e-9 && math.Abs(x.Y-0.2) < 1e-9 && math.Abs(x.Z-0.2) < 1e-9 {
			centre = i
		}
		if x == (r3.Vec{}) {
			corner = i
		}
	}
	assert.Greater(t, set.Density[centre], set.Density[corner])
	assert.Greater(t, set.Neighbours[centre], set.Neighbours[corner])

	assert.NotEqual(t, r3.Vec{}, set.Acc1[corner], "the boundary feels a pressure force")

	h := set.H[corner]
	UpdateSmoothing(p)
	if set.Neighbours[corner] < p.NNgb {
		assert.Greater(t, set.H[corner], h)
	}
}

func TestSPHRequiresLocalTree(t *testing.T) {
	set := lattice(2, 0.1)
	tr := treeFor(t, set, 0.5)
	src := tr.Source(set)
	src.Local = false

	err := Density(compute.NewCPUBackendWorkers(1), SPHParams{Set: set, Source: src, Rho0: 1, NNgb: 8})
	assert.ErrorIs(t, err, ErrBadParams)
}
