// Package particles holds the structure-of-arrays particle state owned by
// one rank.
package particles

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

var ErrBadPermutation = errors.New("particles: invalid permutation")

// timeSlack absorbs round-off when comparing quantized step boundaries.
const timeSlack = 1e-12

// Interval is a particle's individual time step [Prev, Next].
type Interval struct {
	Prev float64
	Next float64
}

// Interactions counts what the force kernels did for one particle.
type Interactions struct {
	Approx int64
	Direct int64
}

// Set is the particle state of one rank. Every slice has length Len().
//
// Pos, Vel and Acc0 are authoritative. PPos and PVel are the predicted
// state at the current time and are recomputed before every force pass.
// Acc1 and Pot1 accumulate the force contributions of the current step.
type Set struct {
	Pos  []r3.Vec
	Vel  []r3.Vec
	Mass []float64
	Acc0 []r3.Vec
	Acc1 []r3.Vec
	Pot  []float64
	Pot1 []float64

	PPos []r3.Vec
	PVel []r3.Vec

	Time  []Interval
	ID    []uint64
	Order []int

	Interactions []Interactions

	// SPH payload
	H          []float64
	Density    []float64
	Pressure   []float64
	Neighbours []int
}

func New(n int) *Set {
	s := &Set{}
	s.resize(n)
	for i := 0; i < n; i++ {
		s.ID[i] = uint64(i)
		s.Order[i] = i
	}
	return s
}

func (s *Set) Len() int { return len(s.Pos) }

func (s *Set) resize(n int) {
	s.Pos = resize(s.Pos, n)
	s.Vel = resize(s.Vel, n)
	s.Mass = resize(s.Mass, n)
	s.Acc0 = resize(s.Acc0, n)
	s.Acc1 = resize(s.Acc1, n)
	s.Pot = resize(s.Pot, n)
	s.Pot1 = resize(s.Pot1, n)
	s.PPos = resize(s.PPos, n)
	s.PVel = resize(s.PVel, n)
	s.Time = resize(s.Time, n)
	s.ID = resize(s.ID, n)
	s.Order = resize(s.Order, n)
	s.Interactions = resize(s.Interactions, n)
	s.H = resize(s.H, n)
	s.Density = resize(s.Density, n)
	s.Pressure = resize(s.Pressure, n)
	s.Neighbours = resize(s.Neighbours, n)
}

func resize[T any](v []T, n int) []T {
	if cap(v) >= n {
		return v[:n]
	}
	out := make([]T, n)
	copy(out, v)
	return out
}

// Permute reorders every array so that element i becomes old element
// perm[i].
func (s *Set) Permute(perm []int) error {
	n := s.Len()
	if len(perm) != n {
		return fmt.Errorf("%w: length %d, want %d", ErrBadPermutation, len(perm), n)
	}
	seen := make([]bool, n)
	for _, p := range perm {
		if p < 0 || p >= n || seen[p] {
			return fmt.Errorf("%w: index %d", ErrBadPermutation, p)
		}
		seen[p] = true
	}

	s.Pos = gather(s.Pos, perm)
	s.Vel = gather(s.Vel, perm)
	s.Mass = gather(s.Mass, perm)
	s.Acc0 = gather(s.Acc0, perm)
	s.Acc1 = gather(s.Acc1, perm)
	s.Pot = gather(s.Pot, perm)
	s.Pot1 = gather(s.Pot1, perm)
	s.PPos = gather(s.PPos, perm)
	s.PVel = gather(s.PVel, perm)
	s.Time = gather(s.Time, perm)
	s.ID = gather(s.ID, perm)
	s.Order = gather(s.Order, perm)
	s.Interactions = gather(s.Interactions, perm)
	s.H = gather(s.H, perm)
	s.Density = gather(s.Density, perm)
	s.Pressure = gather(s.Pressure, perm)
	s.Neighbours = gather(s.Neighbours, perm)
	return nil
}

func gather[T any](v []T, perm []int) []T {
	out := make([]T, len(perm))
	for i, p := range perm {
		out[i] = v[p]
	}
	return out
}

// Clone returns a deep copy.
func (s *Set) Clone() *Set {
	c := &Set{}
	c.resize(s.Len())
	copy(c.Pos, s.Pos)
	copy(c.Vel, s.Vel)
	copy(c.Mass, s.Mass)
	copy(c.Acc0, s.Acc0)
	copy(c.Acc1, s.Acc1)
	copy(c.Pot, s.Pot)
	copy(c.Pot1, s.Pot1)
	copy(c.PPos, s.PPos)
	copy(c.PVel, s.PVel)
	copy(c.Time, s.Time)
	copy(c.ID, s.ID)
	copy(c.Order, s.Order)
	copy(c.Interactions, s.Interactions)
	copy(c.H, s.H)
	copy(c.Density, s.Density)
	copy(c.Pressure, s.Pressure)
	copy(c.Neighbours, s.Neighbours)
	return c
}

// Bounds returns the bounding box of the predicted positions. An empty set
// yields an inverted box (Min > Max).
func (s *Set) Bounds() r3.Box {
	return BoundsOf(s.PPos)
}

func BoundsOf(pos []r3.Vec) r3.Box {
	inf := math.Inf(1)
	b := r3.Box{
		Min: r3.Vec{X: inf, Y: inf, Z: inf},
		Max: r3.Vec{X: -inf, Y: -inf, Z: -inf},
	}
	for _, p := range pos {
		b.Min = r3.Vec{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)}
		b.Max = r3.Vec{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)}
	}
	return b
}

// IsActive reports whether particle i is due for a force update at t.
func (s *Set) IsActive(i int, t float64) bool {
	return s.Time[i].Next <= t+timeSlack*math.Max(1, math.Abs(t))
}

// Active returns the indices of particles due at t.
func (s *Set) Active(t float64) []int {
	idx := make([]int, 0, s.Len())
	for i := range s.Time {
		if s.IsActive(i, t) {
			idx = append(idx, i)
		}
	}
	return idx
}

// ResetAccumulators zeroes the per-step force outputs of the given
// particles, or of every particle when idx is nil.
func (s *Set) ResetAccumulators(idx []int) {
	zero := func(i int) {
		s.Acc1[i] = r3.Vec{}
		s.Pot1[i] = 0
		s.Interactions[i] = Interactions{}
	}
	if idx == nil {
		for i := range s.Acc1 {
			zero(i)
		}
		return
	}
	for _, i := range idx {
		zero(i)
	}
}
