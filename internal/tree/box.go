package tree

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// BoxDist2 is the squared distance from p to the closest point of b.
func BoxDist2(b r3.Box, p r3.Vec) float64 {
	d := func(lo, hi, x float64) float64 {
		switch {
		case x < lo:
			return lo - x
		case x > hi:
			return x - hi
		}
		return 0
	}
	dx := d(b.Min.X, b.Max.X, p.X)
	dy := d(b.Min.Y, b.Max.Y, p.Y)
	dz := d(b.Min.Z, b.Max.Z, p.Z)
	return dx*dx + dy*dy + dz*dz
}

// Union returns the smallest box containing a and b. Inverted (empty)
// boxes are ignored.
func Union(a, b r3.Box) r3.Box {
	if a.Min.X > a.Max.X {
		return b
	}
	if b.Min.X > b.Max.X {
		return a
	}
	return r3.Box{
		Min: r3.Vec{X: math.Min(a.Min.X, b.Min.X), Y: math.Min(a.Min.Y, b.Min.Y), Z: math.Min(a.Min.Z, b.Min.Z)},
		Max: r3.Vec{X: math.Max(a.Max.X, b.Max.X), Y: math.Max(a.Max.Y, b.Max.Y), Z: math.Max(a.Max.Z, b.Max.Z)},
	}
}

// Overlaps reports whether a and b intersect.
func Overlaps(a, b r3.Box) bool {
	return a.Min.X <= b.Max.X && b.Min.X <= a.Max.X &&
		a.Min.Y <= b.Max.Y && b.Min.Y <= a.Max.Y &&
		a.Min.Z <= b.Max.Z && b.Min.Z <= a.Max.Z
}

// Contains reports whether inner lies within outer, up to tol.
func Contains(outer, inner r3.Box, tol float64) bool {
	return inner.Min.X >= outer.Min.X-tol && inner.Min.Y >= outer.Min.Y-tol && inner.Min.Z >= outer.Min.Z-tol &&
		inner.Max.X <= outer.Max.X+tol && inner.Max.Y <= outer.Max.Y+tol && inner.Max.Z <= outer.Max.Z+tol
}

// Grow returns b expanded by r on every side.
func Grow(b r3.Box, r float64) r3.Box {
	d := r3.Vec{X: r, Y: r, Z: r}
	return r3.Box{Min: r3.Sub(b.Min, d), Max: r3.Add(b.Max, d)}
}

func boxFromCenter(c, h r3.Vec) r3.Box {
	return r3.Box{Min: r3.Sub(c, h), Max: r3.Add(c, h)}
}
