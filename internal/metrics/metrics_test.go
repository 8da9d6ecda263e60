package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/comm"
	"github.com/wingkitlee0/Bonsai/internal/particles"
)

func TestMeasure(t *testing.T) {
	s := particles.New(2)
	s.Mass[0], s.Mass[1] = 1, 2
	s.Vel[0] = r3.Vec{X: 2}
	s.Vel[1] = r3.Vec{Y: 1}
	s.Pot[0], s.Pot[1] = -2, -1

	e, err := Measure(context.Background(), comm.Local(), s)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, e.Kinetic, 1e-15)
	assert.InDelta(t, -2.0, e.Potential, 1e-15)
	assert.InDelta(t, 1.0, e.Total(), 1e-15)
}

func TestEnergyTrackerReference(t *testing.T) {
	tr := NewEnergyTracker()

	d := tr.Observe(0, Energies{Kinetic: 1, Potential: -3}, true)
	assert.Zero(t, d.DE, "the reference step has no drift")
	assert.Zero(t, d.DDE)

	d = tr.Observe(1, Energies{Kinetic: 1.1, Potential: -3}, true)
	assert.InDelta(t, -0.05, d.DE, 1e-12)
	assert.InDelta(t, -0.05, d.DDE, 1e-12)

	again := tr.Observe(1, Energies{Kinetic: 5, Potential: 0}, true)
	assert.Equal(t, d, again, "observing the same iteration twice must not change state")

	d = tr.Observe(2, Energies{Kinetic: 1.2, Potential: -3}, false)
	assert.InDelta(t, -0.1, d.DE, 1e-12)
	assert.InDelta(t, 0.05, tr.Value(), 1e-12, "partially active steps do not move the maxima")

	tr.Reset()
	assert.Zero(t, tr.Observe(7, Energies{Kinetic: 2}, true).DE)
}

func TestEnergyTrackerDeterministic(t *testing.T) {
	seq := []Energies{{1, -2}, {1.01, -2}, {0.99, -2.001}, {1, -1.999}}
	run := func() []Drift {
		tr := NewEnergyTracker()
		out := make([]Drift, len(seq))
		for i, e := range seq {
			out[i] = tr.Observe(i, e, true)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestCountInteractions(t *testing.T) {
	s := particles.New(3)
	s.Interactions[0] = particles.Interactions{Approx: 10, Direct: 4}
	s.Interactions[1] = particles.Interactions{Approx: 20, Direct: 2}
	s.Interactions[2] = particles.Interactions{Approx: 99, Direct: 99}
	s.Time[2].Next = 1

	st, err := CountInteractions(context.Background(), comm.Local(), s, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Active)
	assert.Equal(t, int64(30), st.Approx)
	assert.Equal(t, int64(20), st.MaxApprox)
	assert.InDelta(t, 3.0, st.AvgDirect(), 1e-15)
	assert.Zero(t, InteractionStats{}.AvgApprox())
}

func TestRecorderExports(t *testing.T) {
	r := NewRecorder()
	r.Observe(StepSample{
		Rank:      0,
		Iteration: 3,
		Time:      0.03,
		Drift:     Drift{Energies: Energies{Kinetic: 1, Potential: -2}, DE: 1e-5},
		Active:    100,
		Local:     100,
		Phases:    map[string]time.Duration{"gravity": 2 * time.Millisecond},
	})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`bonsai_iteration{rank="0"} 3`,
		`bonsai_energy{component="total",rank="0"} -1`,
		`bonsai_phase_duration_seconds_count{phase="gravity",rank="0"} 1`,
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
