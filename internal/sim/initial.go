package sim

import (
	"math/rand"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/particles"
)

// UniformCube places n equal-mass particles at rest in the unit cube
// centred on the origin. Total mass is one.
func UniformCube(n int, seed int64) *particles.Set {
	rng := rand.New(rand.NewSource(seed))
	set := particles.New(n)
	for i := 0; i < n; i++ {
		set.Pos[i] = r3.Vec{X: rng.Float64() - 0.5, Y: rng.Float64() - 0.5, Z: rng.Float64() - 0.5}
		set.PPos[i] = set.Pos[i]
		set.Mass[i] = 1 / float64(n)
	}
	return set
}
