package tree

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// KeyBits is the Morton resolution per axis.
	KeyBits  = 21
	MaxLevel = KeyBits
	keyCells = 1 << KeyBits
)

// Cube is the global cubic domain the keys are taken in.
type Cube struct {
	Corner r3.Vec
	Size   float64
}

// CubeOf returns the smallest cube containing b, grown slightly so points
// on the upper faces map inside it.
func CubeOf(b r3.Box) Cube {
	if b.Min.X > b.Max.X {
		return Cube{Size: 1}
	}
	ext := r3.Sub(b.Max, b.Min)
	size := math.Max(ext.X, math.Max(ext.Y, ext.Z))
	if size == 0 {
		size = 1
	}
	size *= 1 + 1e-6
	mid := r3.Scale(0.5, r3.Add(b.Min, b.Max))
	return Cube{Corner: r3.Sub(mid, r3.Vec{X: size / 2, Y: size / 2, Z: size / 2}), Size: size}
}

func (c Cube) cell(x, corner float64) uint64 {
	f := (x - corner) / c.Size * keyCells
	switch {
	case f < 0 || math.IsNaN(f):
		return 0
	case f >= keyCells:
		return keyCells - 1
	}
	return uint64(f)
}

// Key returns the Morton key of p.
func (c Cube) Key(p r3.Vec) uint64 {
	return spread(c.cell(p.X, c.Corner.X)) |
		spread(c.cell(p.Y, c.Corner.Y))<<1 |
		spread(c.cell(p.Z, c.Corner.Z))<<2
}

// spread inserts two zero bits between each of the low 21 bits of v.
func spread(v uint64) uint64 {
	v &= 0x1fffff
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249
	return v
}

// octant returns the child index of key at level (1-based).
func octant(key uint64, level int) int {
	return int(key>>(3*(KeyBits-level))) & 7
}
