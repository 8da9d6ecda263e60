package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exports per-step diagnostics of every rank. Each recorder owns
// its registry so several simulations can run in one process.
type Recorder struct {
	reg *prometheus.Registry

	iteration    *prometheus.GaugeVec
	simTime      *prometheus.GaugeVec
	energy       *prometheus.GaugeVec
	drift        *prometheus.GaugeVec
	active       *prometheus.GaugeVec
	particles    *prometheus.GaugeVec
	interactions *prometheus.CounterVec
	phase        *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		iteration: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bonsai_iteration",
			Help: "Current iteration",
		}, []string{"rank"}),
		simTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bonsai_sim_time",
			Help: "Current simulation time",
		}, []string{"rank"}),
		energy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bonsai_energy",
			Help: "Global energy by component",
		}, []string{"rank", "component"}),
		drift: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bonsai_energy_drift",
			Help: "Relative energy error against the reference (de) and previous step (dde)",
		}, []string{"rank", "kind"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bonsai_active_particles",
			Help: "Particles corrected in the last step",
		}, []string{"rank"}),
		particles: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bonsai_local_particles",
			Help: "Particles held by the rank",
		}, []string{"rank"}),
		interactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bonsai_interactions_total",
			Help: "Force interactions evaluated, by kind",
		}, []string{"rank", "kind"}),
		phase: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bonsai_phase_duration_seconds",
			Help:    "Wall time per step phase",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
		}, []string{"rank", "phase"}),
	}
}

// StepSample is what a rank reports after each step.
type StepSample struct {
	Rank         int
	Iteration    int
	Time         float64
	Drift        Drift
	Active       int
	Local        int
	Interactions InteractionStats
	Phases       map[string]time.Duration
}

func (r *Recorder) Observe(s StepSample) {
	rank := strconv.Itoa(s.Rank)
	r.iteration.WithLabelValues(rank).Set(float64(s.Iteration))
	r.simTime.WithLabelValues(rank).Set(s.Time)
	r.energy.WithLabelValues(rank, "kinetic").Set(s.Drift.Kinetic)
	r.energy.WithLabelValues(rank, "potential").Set(s.Drift.Potential)
	r.energy.WithLabelValues(rank, "total").Set(s.Drift.Total())
	r.drift.WithLabelValues(rank, "de").Set(s.Drift.DE)
	r.drift.WithLabelValues(rank, "dde").Set(s.Drift.DDE)
	r.active.WithLabelValues(rank).Set(float64(s.Active))
	r.particles.WithLabelValues(rank).Set(float64(s.Local))
	if s.Rank == 0 {
		r.interactions.WithLabelValues(rank, "approx").Add(float64(s.Interactions.Approx))
		r.interactions.WithLabelValues(rank, "direct").Add(float64(s.Interactions.Direct))
	}
	for name, d := range s.Phases {
		r.phase.WithLabelValues(rank, name).Observe(d.Seconds())
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the recorder's registry in the exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
