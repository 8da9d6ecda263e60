// Package integrators advances particles with a predictor-corrector
// leapfrog. Predict extrapolates every particle to the step time from its
// last accepted acceleration; Correct folds the new acceleration into the
// particles that were due and asks a Strategy for their next step.
package integrators

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/particles"
)

// Predict sets PPos and PVel at tc from Pos, Vel and Acc0. The
// authoritative state is not touched.
func Predict(set *particles.Set, tc float64) {
	for i := range set.Pos {
		dt := tc - set.Time[i].Prev
		set.PPos[i] = r3.Add(set.Pos[i], r3.Add(r3.Scale(dt, set.Vel[i]), r3.Scale(0.5*dt*dt, set.Acc0[i])))
		set.PVel[i] = r3.Add(set.Vel[i], r3.Scale(dt, set.Acc0[i]))
	}
}

// Correct accepts Acc1 and Pot1 for the particles due at tc and schedules
// their next update with s. It returns the number of particles corrected.
func Correct(set *particles.Set, tc float64, s Strategy) int {
	n := 0
	for i := range set.Pos {
		if !set.IsActive(i, tc) {
			continue
		}
		dt := tc - set.Time[i].Prev
		da := r3.Sub(set.Acc1[i], set.Acc0[i])

		var jerk r3.Vec
		if dt > 0 {
			jerk = r3.Scale(1/dt, da)
		}

		set.Vel[i] = r3.Add(set.PVel[i], r3.Scale(0.5*dt, da))
		set.Pos[i] = set.PPos[i]
		set.Acc0[i] = set.Acc1[i]
		set.Pot[i] = set.Pot1[i]
		set.Time[i] = particles.Interval{
			Prev: tc,
			Next: tc + s.Step(set.Acc1[i], jerk, tc),
		}
		n++
	}
	return n
}

// NextTime is the earliest scheduled update on this rank, +Inf when the
// rank holds no particles.
func NextTime(set *particles.Set) float64 {
	t := math.Inf(1)
	for _, iv := range set.Time {
		t = math.Min(t, iv.Next)
	}
	return t
}
