package let

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/comm"
	"github.com/wingkitlee0/Bonsai/internal/compute"
	"github.com/wingkitlee0/Bonsai/internal/device"
	"github.com/wingkitlee0/Bonsai/internal/gravity"
	"github.com/wingkitlee0/Bonsai/internal/particles"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

const eps2 = 1e-4

var params = tree.Params{NLeaf: 8, NCrit: 32, Theta: 0.5}

// halfCube fills x in [lo, lo+1) and y, z in [0, 1).
func halfCube(n int, lo float64, seed int64) *particles.Set {
	rng := rand.New(rand.NewSource(seed))
	s := particles.New(n)
	for i := 0; i < n; i++ {
		p := r3.Vec{X: lo + rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		s.Pos[i], s.PPos[i] = p, p
		s.Mass[i] = 1.0 / float64(n)
		s.ID[i] = uint64(seed)<<32 | uint64(i)
	}
	return s
}

var domain = tree.Cube{Corner: r3.Vec{X: -1}, Size: 2}

func buildTree(t *testing.T, s *particles.Set) *tree.Tree {
	t.Helper()
	tr, _, err := tree.Build(s, domain, params)
	require.NoError(t, err)
	tree.Refresh(tr, s)
	return tr
}

func allGroups(tr *tree.Tree) []int {
	idx := make([]int, len(tr.Groups))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func TestDescribe(t *testing.T) {
	s := halfCube(1000, 0, 1)
	tr := buildTree(t, s)

	desc := Describe(tr, 8)
	assert.LessOrEqual(t, len(desc), 8)
	assert.NotEmpty(t, desc)
	for _, g := range tr.Groups {
		inside := false
		for _, b := range desc {
			if tree.Contains(b, g.Box, 0) {
				inside = true
				break
			}
		}
		assert.True(t, inside, "group box not covered by any descriptor box")
	}
	assert.True(t, tree.Contains(Bounds(desc), tr.Root(), 1e-12))
	assert.Nil(t, Describe(buildTree(t, particles.New(0)), 8))
}

func TestSelectCutoffAndPruning(t *testing.T) {
	s := halfCube(2000, 0, 2)
	tr := buildTree(t, s)

	far := []r3.Box{{Min: r3.Vec{X: 1000}, Max: r3.Vec{X: 1001}}}
	sel := Select(tr, s, far, 0)
	assert.Len(t, sel.Nodes, 1, "a distant peer only needs the root")
	assert.Empty(t, sel.Pos)

	sel = Select(tr, s, far, 2)
	for _, nd := range sel.Nodes {
		assert.LessOrEqual(t, nd.Level, 2)
	}
	assert.Greater(t, len(sel.Nodes), 1)

	near := []r3.Box{{Min: r3.Vec{X: 0.5}, Max: r3.Vec{X: 0.6, Y: 0.1, Z: 0.1}}}
	sel = Select(tr, s, near, 0)
	assert.NotEmpty(t, sel.Pos, "an overlapping peer needs particles")

	assert.Empty(t, Select(tr, s, nil, 3).Nodes)
}

func TestEncodeDecode(t *testing.T) {
	s := halfCube(500, 0, 3)
	tr := buildTree(t, s)
	peer := []r3.Box{{Min: r3.Vec{X: -0.5}, Max: r3.Vec{X: -0.1, Y: 1, Z: 1}}}
	sel := Select(tr, s, peer, 1)

	buf, err := Encode(sel)
	require.NoError(t, err)
	assert.Equal(t, float64(len(sel.Pos)), buf[0])
	assert.Equal(t, float64(len(sel.Nodes)), buf[1])
	assert.Equal(t, float64(headerWords+len(sel.Pos)*bodyStride), buf[2])

	src, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, src.Nodes, len(sel.Nodes))
	for i := range sel.Nodes {
		a, b := sel.Nodes[i], src.Nodes[i]
		assert.Equal(t, a.Center, b.Center)
		assert.Equal(t, a.FirstChild, b.FirstChild)
		assert.Equal(t, a.NChild, b.NChild)
		assert.Equal(t, a.Begin, b.Begin)
		assert.Equal(t, a.End, b.End)
		assert.Equal(t, sel.Poles[i], src.Poles[i])
	}
	assert.Equal(t, sel.Pos, src.Pos)
	assert.False(t, src.Local)

	_, err = Decode(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrCorrupt)
	_, err = Decode([]float64{1})
	assert.ErrorIs(t, err, ErrCorrupt)
	bad := append([]float64(nil), buf...)
	bad[0] = -1
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrCorrupt)
}

// The remote tree selected for a peer must reproduce the force of the
// sender's particles on every peer group within tree accuracy.
func TestSelectionIsSufficient(t *testing.T) {
	recv := halfCube(800, -1, 4)
	send := halfCube(800, 0, 5)
	recvTree := buildTree(t, recv)
	sendTree := buildTree(t, send)

	sel := Select(sendTree, send, Describe(recvTree, 16), 1)
	buf, err := Encode(sel)
	require.NoError(t, err)
	src, err := Decode(buf)
	require.NoError(t, err)

	b := compute.NewCPUBackendWorkers(2)
	viaLET := recv.Clone()
	require.NoError(t, gravity.Walk(b, gravity.WalkParams{
		Set: viaLET, Groups: recvTree.Groups, Active: allGroups(recvTree), Source: src, Eps2: eps2,
	}))

	exact := recv.Clone()
	require.NoError(t, gravity.Direct(b, gravity.DirectParams{
		Set: exact, Sources: send.PPos, Masses: send.Mass, SelfOffset: -1, Eps2: eps2,
	}))

	var sum float64
	for i := range exact.Acc1 {
		sum += r3.Norm(r3.Sub(exact.Acc1[i], viaLET.Acc1[i])) / r3.Norm(exact.Acc1[i])
	}
	assert.Less(t, sum/float64(recv.Len()), 1e-2)
	assert.Less(t, len(sel.Pos), send.Len(), "the far side of the sender should stay approximated")
}

func TestSlotStateMachine(t *testing.T) {
	grav := device.NewStream("grav")
	defer grav.Close()
	copies := device.NewStream("copy")
	defer copies.Close()

	s := halfCube(50, 0, 6)
	tr := buildTree(t, s)
	buf, err := Encode(Select(tr, s, []r3.Box{{Max: r3.Vec{X: 1, Y: 1, Z: 1}}}, 0))
	require.NoError(t, err)

	slot := NewSlot("test")
	assert.Equal(t, Idle, slot.State())
	assert.ErrorIs(t, slot.Fill(copies, buf), ErrSlotState)

	waited, err := slot.Acquire()
	require.NoError(t, err)
	assert.Zero(t, waited)
	_, err = slot.Acquire()
	assert.ErrorIs(t, err, ErrSlotState)

	require.NoError(t, slot.Fill(copies, buf))
	release := make(chan struct{})
	ran := false
	require.NoError(t, slot.Launch(grav, func(src *tree.Source) error {
		<-release
		time.Sleep(time.Millisecond)
		ran = len(src.Nodes) > 0
		return nil
	}))
	assert.Equal(t, InUseByKernel, slot.State())

	close(release)
	waited, err = slot.Acquire()
	require.NoError(t, err)
	assert.True(t, ran, "acquire must join the running kernel")
	assert.GreaterOrEqual(t, waited, time.Millisecond)
	assert.Equal(t, Filling, slot.State())

	slot.Release()
	assert.Equal(t, Idle, slot.State())
}

func TestDrainAfterKernelFailure(t *testing.T) {
	grav := device.NewStream("grav")
	defer grav.Close()
	copies := device.NewStream("copy")
	defer copies.Close()
	letStream := device.NewStream("let")
	defer letStream.Close()

	s := halfCube(50, 0, 9)
	tr := buildTree(t, s)
	buf, err := Encode(Select(tr, s, []r3.Box{{Max: r3.Vec{X: 1, Y: 1, Z: 1}}}, 0))
	require.NoError(t, err)

	x := NewExchanger(comm.NewGroup(2).Comm(0), letStream, copies, Options{MaxBoxes: 4}, nil)
	slot := x.slots[1][0]
	_, err = slot.Acquire()
	require.NoError(t, err)
	require.NoError(t, slot.Fill(copies, buf))
	boom := errors.New("non-finite")
	require.NoError(t, slot.Launch(grav, func(*tree.Source) error { return boom }))
	assert.ErrorIs(t, grav.Sync(), boom)

	drained := make(chan error, 1)
	go func() { drained <- x.Drain() }()
	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Drain blocked on a slot whose kernel failed")
	}
	assert.Equal(t, Idle, slot.State())
}

func TestExchangeTwoRanks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sets := []*particles.Set{halfCube(600, -1, 7), halfCube(600, 0, 8)}
	g := comm.NewGroup(2)
	roots := make([]r3.Box, 2)
	remotes := make([]*tree.Source, 2)
	launched := make([]int, 2)

	eg, ctx := errgroup.WithContext(ctx)
	for r := 0; r < 2; r++ {
		c := g.Comm(r)
		eg.Go(func() error {
			letStream, copies, grav := device.NewStream("let"), device.NewStream("copy"), device.NewStream("grav")
			defer letStream.Close()
			defer copies.Close()
			defer grav.Close()

			set := sets[c.Rank()]
			tr, _, err := tree.Build(set, domain, params)
			if err != nil {
				return err
			}
			tree.Refresh(tr, set)
			roots[c.Rank()] = tr.Root()

			x := NewExchanger(c, letStream, copies, Options{CutoffLevel: 1, MaxBoxes: 16}, nil)
			for step := 0; step < 3; step++ {
				_, err := x.Exchange(ctx, tr, set, grav, func(*tree.Source) error {
					launched[c.Rank()]++
					return nil
				})
				if err != nil {
					return err
				}
				if err := grav.Sync(); err != nil {
					return err
				}
			}
			remotes[c.Rank()] = x.Remote(1 - c.Rank())
			return x.Drain()
		})
	}
	require.NoError(t, eg.Wait())

	for r := 0; r < 2; r++ {
		require.NotNil(t, remotes[r])
		assert.Equal(t, 3, launched[r])
		sender := roots[1-r]
		for _, nd := range remotes[r].Nodes {
			assert.True(t, tree.Contains(sender, nd.Box(), 1e-12), "rank %d received a node outside the sender's domain", r)
		}
	}
	assert.False(t, math.IsNaN(roots[0].Min.X))
}
