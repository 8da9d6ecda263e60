// Package sim drives one rank through the timestep pipeline: predict,
// domain update, tree build, local and remote force kernels, correct and
// diagnostics. A Cluster runs one Simulator per rank.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/wingkitlee0/Bonsai/internal/comm"
	"github.com/wingkitlee0/Bonsai/internal/compute"
	"github.com/wingkitlee0/Bonsai/internal/config"
	"github.com/wingkitlee0/Bonsai/internal/device"
	"github.com/wingkitlee0/Bonsai/internal/domain"
	"github.com/wingkitlee0/Bonsai/internal/gravity"
	"github.com/wingkitlee0/Bonsai/internal/integrators"
	"github.com/wingkitlee0/Bonsai/internal/let"
	"github.com/wingkitlee0/Bonsai/internal/metrics"
	"github.com/wingkitlee0/Bonsai/internal/particles"
	"github.com/wingkitlee0/Bonsai/internal/storage"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

const (
	// timers of the first iterations include warm-up and are discarded
	warmupIterations = 32

	balancePasses    = 5
	balanceTolerance = 0.1
)

var ErrNotSetUp = errors.New("sim: simulator not set up")

// Options carries the optional collaborators of a Simulator.
type Options struct {
	Backend     compute.Backend
	Log         *logrus.Entry
	Recorder    *metrics.Recorder
	Snapshots   *storage.SnapshotWriter
	Diagnostics *storage.DiagnosticsWriter
	OnStep      func(StepReport)
}

// StepReport is what a rank publishes after every step.
type StepReport struct {
	Rank         int
	Iteration    int
	Time         float64
	Dt           float64
	Active       int
	Local        int
	Drift        metrics.Drift
	Interactions metrics.InteractionStats
	StepTime     time.Duration
	MaxStep      time.Duration
	AvgStep      time.Duration
	Phases       map[string]time.Duration
}

// Result summarizes a finished run on one rank.
type Result struct {
	Rank         int
	Iterations   int
	Time         float64
	Drift        metrics.Drift
	Interactions metrics.InteractionStats
	Local        int
	Wall         time.Duration
	State        IterationState
}

type Simulator struct {
	cfg     *config.Config
	c       *comm.Comm
	set     *particles.Set
	backend compute.Backend
	log     *logrus.Entry
	opts    Options

	strategy   integrators.Strategy
	decomposer domain.Decomposer
	exchanger  *let.Exchanger
	energy     *metrics.EnergyTracker

	exec, grav, copies, letStream *device.Stream
	localStart, localDone         *device.Event

	tr      *tree.Tree
	dom     domain.Result
	globalN int64
	state   IterationState
	last    StepReport
	started time.Time
	ready   bool
}

// New returns a simulator for the particles set holds on rank c.
func New(cfg *config.Config, c *comm.Comm, set *particles.Set, opts Options) *Simulator {
	b := opts.Backend
	if b == nil {
		b = compute.GetBackend()
	}
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l.WithField("rank", c.Rank())
	}
	return &Simulator{
		cfg:        cfg,
		c:          c,
		set:        set,
		backend:    b,
		log:        log,
		opts:       opts,
		decomposer: domain.Decomposer{Samples: cfg.Domain.Samples},
		energy:     metrics.NewEnergyTracker(),
	}
}

func (s *Simulator) Particles() *particles.Set { return s.set }
func (s *Simulator) Tree() *tree.Tree          { return s.tr }
func (s *Simulator) Domain() domain.Result     { return s.dom }
func (s *Simulator) State() IterationState     { return s.state }
func (s *Simulator) LastReport() StepReport    { return s.last }

// Remote returns the tree received from peer in the last exchange.
func (s *Simulator) Remote(peer int) *tree.Source {
	if s.exchanger == nil {
		return nil
	}
	return s.exchanger.Remote(peer)
}

// Setup creates the streams, balances the initial distribution and resets
// the iteration state.
func (s *Simulator) Setup(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	strategy, err := integrators.FromConfig(s.cfg)
	if err != nil {
		return err
	}
	s.strategy = strategy

	s.exec = device.NewStream("exec")
	s.grav = device.NewStream("grav")
	s.copies = device.NewStream("copy")
	s.letStream = device.NewStream("let")
	s.localStart, s.localDone = device.NewEvent(), device.NewEvent()

	if s.cfg.Force.Kernel == config.SPHKernel {
		for i, h := range s.set.H {
			if h <= 0 {
				s.set.H[i] = s.cfg.SPH.H
			}
		}
	}

	s.state = IterationState{}
	s.tr = nil

	if s.c.Size() > 1 {
		if err := s.balance(ctx); err != nil {
			return err
		}
		if s.cfg.Force.Mode == config.TreeForce {
			s.exchanger = let.NewExchanger(s.c, s.letStream, s.copies, let.Options{
				CutoffLevel: s.cfg.Tree.LETCutoffLevel,
				MaxBoxes:    s.cfg.Tree.DescriptorBoxes,
			}, s.log)
		}
	}

	n, err := s.c.AllReduceInt(ctx, []int64{int64(s.set.Len())}, comm.Sum)
	if err != nil {
		return err
	}
	s.globalN = n[0]

	s.log.WithFields(logrus.Fields{
		"local":   s.set.Len(),
		"global":  s.globalN,
		"backend": s.backend.Name(),
		"mode":    s.cfg.Force.Mode,
		"time":    s.cfg.Time.Mode,
	}).Info("simulator ready")

	s.started = time.Now()
	s.ready = true
	return nil
}

// balance runs unweighted decompositions until the particle counts are
// within balanceTolerance, at most balancePasses times.
func (s *Simulator) balance(ctx context.Context) error {
	for pass := 0; pass < balancePasses; pass++ {
		res, err := s.decomposer.Decompose(ctx, s.c, s.set, 0)
		if err != nil {
			return fmt.Errorf("sim: initial balance: %w", err)
		}
		s.dom = res
		if res.Imbalance() < balanceTolerance {
			s.log.WithFields(logrus.Fields{
				"pass":      pass + 1,
				"imbalance": res.Imbalance(),
			}).Debug("initial domain balanced")
			return nil
		}
	}
	s.log.WithFields(logrus.Fields{
		"passes":    balancePasses,
		"imbalance": s.dom.Imbalance(),
		"counts":    s.dom.Counts,
	}).Warn("initial domain still unbalanced")
	return nil
}

func (s *Simulator) fail(p Phase, err error) error {
	return &StepError{Iter: s.state.Iteration, Phase: p, Err: err}
}

func (s *Simulator) timed(p Phase, start time.Time) {
	s.state.add(p, time.Since(start))
}

// Step advances the simulation by one block step. It reports true once
// the configured iteration count or end time is reached.
func (s *Simulator) Step(ctx context.Context) (bool, error) {
	if !s.ready {
		return true, ErrNotSetUp
	}
	st := &s.state
	if st.Iteration < warmupIterations {
		st.ResetTimers()
	}
	st.clearLast()
	stepStart := time.Now()

	// predict
	t0 := time.Now()
	tc, err := s.nextTime(ctx)
	if err != nil {
		return true, s.fail(PhasePredictCorrect, err)
	}
	st.TPrevious, st.TCurrent = st.TCurrent, tc
	if err := s.onExec("predict", func() error {
		integrators.Predict(s.set, tc)
		return nil
	}); err != nil {
		return true, s.fail(PhasePredictCorrect, err)
	}
	s.timed(PhasePredictCorrect, t0)

	// domain update, skipped at iteration 0 since Setup has just balanced
	// the ranks; the update otherwise runs whenever iter%rebuild_rate == 0
	rebuild := s.tr == nil || st.Iteration%s.cfg.Tree.RebuildRate == 0
	if s.c.Size() > 1 && st.Iteration > 0 && st.Iteration%s.cfg.Tree.RebuildRate == 0 {
		if err := s.updateDomain(ctx); err != nil {
			return true, err
		}
		rebuild = true
	}

	// forces
	var lstats let.Stats
	if s.globalN > 0 {
		s.set.ResetAccumulators(nil)
		switch s.cfg.Force.Mode {
		case config.DirectForce:
			err = s.directForces(ctx, tc)
		default:
			lstats, err = s.treeForces(ctx, tc, rebuild)
		}
		if err != nil {
			return true, err
		}
	}

	t0 = time.Now()
	if err := s.grav.Sync(); err != nil {
		return true, s.fail(PhaseGravity, err)
	}
	s.timed(PhaseWait, t0)
	if s.localStart.Recorded() && s.localDone.Recorded() {
		d, err := device.Elapsed(s.localStart, s.localDone)
		if err != nil {
			return true, s.fail(PhaseGravity, err)
		}
		st.add(PhaseLocalKernel, d)
		st.LastLocal = d
	}
	if s.exchanger != nil {
		if err := s.exchanger.Drain(); err != nil {
			return true, s.fail(PhaseGravity, err)
		}
		for _, d := range s.exchanger.Cost() {
			st.add(PhaseRemoteKernel, d)
		}
	}

	inter, err := metrics.CountInteractions(ctx, s.c, s.set, tc)
	if err != nil {
		return true, s.fail(PhaseGravity, err)
	}

	// correct
	t0 = time.Now()
	var nAct int
	if err := s.onExec("correct", func() error {
		nAct = integrators.Correct(s.set, tc, s.strategy)
		return nil
	}); err != nil {
		return true, s.fail(PhasePredictCorrect, err)
	}
	s.timed(PhasePredictCorrect, t0)

	st.LastTotal = time.Since(stepStart)
	if s.c.Size() > 1 {
		if err := s.reduceStepTime(ctx); err != nil {
			return true, s.fail(PhaseWait, err)
		}
	} else {
		st.MaxExecPrev, st.AvgExecPrev = st.LastTotal, st.LastTotal
	}

	st.NActSinceRebuild += inter.Active

	t0 = time.Now()
	e, err := metrics.Measure(ctx, s.c, s.set)
	if err != nil {
		return true, s.fail(PhaseEnergy, err)
	}
	drift := s.energy.Observe(st.Iteration, e, inter.Active == s.globalN)
	s.timed(PhaseEnergy, t0)

	s.report(tc, nAct, drift, inter, lstats)
	if err := s.hooks(tc); err != nil {
		return true, s.fail(PhaseEnergy, err)
	}

	if st.Iteration >= s.cfg.Time.IterEnd {
		return true, nil
	}
	if due(tc, s.cfg.Time.TEnd) {
		return true, nil
	}
	st.Iteration++
	return false, nil
}

// nextTime is the global earliest scheduled update. With no particles
// anywhere the clock advances by Dt.
func (s *Simulator) nextTime(ctx context.Context) (float64, error) {
	next, err := s.c.AllReduceFloat64(ctx, []float64{integrators.NextTime(s.set)}, comm.Min)
	if err != nil {
		return 0, err
	}
	if math.IsInf(next[0], 1) {
		return s.state.TCurrent + s.cfg.Time.Dt, nil
	}
	return next[0], nil
}

func (s *Simulator) onExec(name string, fn func() error) error {
	if err := s.exec.Launch(name, fn); err != nil {
		return err
	}
	return s.exec.Sync()
}

func (s *Simulator) updateDomain(ctx context.Context) error {
	st := &s.state
	weight := 0.0
	if s.cfg.Domain.Weighted {
		weight = (st.Timers[PhaseLocalKernel].Last + st.Timers[PhaseRemoteKernel].Last).Seconds()
	}

	t0 := time.Now()
	res, err := s.decomposer.Decompose(ctx, s.c, s.set, weight)
	if err != nil {
		return s.fail(PhaseDomainUpdate, err)
	}
	s.dom = res
	s.timed(PhaseDomainUpdate, t0)

	t0 = time.Now()
	if err := s.c.Barrier(ctx); err != nil {
		return s.fail(PhaseDomainWait, err)
	}
	s.timed(PhaseDomainWait, t0)

	s.log.WithFields(logrus.Fields{
		"iter":      st.Iteration,
		"sent":      res.Sent,
		"received":  res.Received,
		"local":     s.set.Len(),
		"imbalance": res.Imbalance(),
	}).Debug("domain updated")
	return nil
}

// globalCube is the cube enclosing every rank's predicted positions.
func (s *Simulator) globalCube(ctx context.Context) (tree.Cube, error) {
	b := s.set.Bounds()
	v, err := s.c.AllReduceFloat64(ctx, []float64{-b.Min.X, -b.Min.Y, -b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z}, comm.Max)
	if err != nil {
		return tree.Cube{}, err
	}
	return tree.CubeOf(r3.Box{
		Min: r3.Vec{X: -v[0], Y: -v[1], Z: -v[2]},
		Max: r3.Vec{X: v[3], Y: v[4], Z: v[5]},
	}), nil
}

func (s *Simulator) treeForces(ctx context.Context, tc float64, rebuild bool) (let.Stats, error) {
	st := &s.state
	var lstats let.Stats

	if rebuild {
		t0 := time.Now()
		cube, err := s.globalCube(ctx)
		if err != nil {
			return lstats, s.fail(PhaseDomainExchange, err)
		}
		s.timed(PhaseDomainExchange, t0)

		t0 = time.Now()
		tr, _, err := tree.Build(s.set, cube, tree.Params{
			NLeaf: s.cfg.Tree.NLeaf,
			NCrit: s.cfg.Tree.NCrit,
			Theta: s.cfg.Tree.Theta,
		})
		if err != nil {
			return lstats, s.fail(PhaseBuild, err)
		}
		s.tr = tr
		st.NActSinceRebuild = 0
		tree.Refresh(s.tr, s.set)
		s.timed(PhaseBuild, t0)
	} else {
		t0 := time.Now()
		tree.Refresh(s.tr, s.set)
		s.timed(PhaseBuild, t0)
	}

	t0 := time.Now()
	groups := s.tr.ActiveGroups(s.set, tc)
	local := s.tr.Source(s.set)
	eps2 := s.cfg.Eps2()

	s.localStart.Reset()
	s.localDone.Reset()
	if err := s.grav.Record(s.localStart); err != nil {
		return lstats, s.fail(PhaseGravity, err)
	}
	if err := s.grav.Launch("walk:local", func() error {
		return gravity.Walk(s.backend, gravity.WalkParams{
			Set: s.set, Groups: s.tr.Groups, Active: groups, Source: local, Eps2: eps2, Time: tc,
		})
	}); err != nil {
		return lstats, s.fail(PhaseGravity, err)
	}
	if s.cfg.Force.Kernel == config.SPHKernel {
		sph := gravity.SPHParams{
			Set:       s.set,
			Groups:    s.tr.Groups,
			Active:    groups,
			Source:    local,
			Rho0:      s.cfg.SPH.Rho0,
			Stiffness: s.cfg.SPH.Stiffness,
			Viscosity: s.cfg.SPH.Viscosity,
			NNgb:      s.cfg.SPH.NNgb,
			Time:      tc,
		}
		if err := s.grav.Launch("sph:local", func() error {
			if err := gravity.Density(s.backend, sph); err != nil {
				return err
			}
			if err := gravity.Hydro(s.backend, sph); err != nil {
				return err
			}
			gravity.UpdateSmoothing(sph)
			return nil
		}); err != nil {
			return lstats, s.fail(PhaseGravity, err)
		}
	}
	if err := s.grav.Record(s.localDone); err != nil {
		return lstats, s.fail(PhaseGravity, err)
	}
	s.timed(PhaseGravity, t0)

	if s.exchanger != nil {
		t0 = time.Now()
		remote := func(src *tree.Source) error {
			return gravity.Walk(s.backend, gravity.WalkParams{
				Set: s.set, Groups: s.tr.Groups, Active: groups, Source: src, Eps2: eps2, Time: tc,
			})
		}
		var err error
		lstats, err = s.exchanger.Exchange(ctx, s.tr, s.set, s.grav, remote)
		if err != nil {
			return lstats, s.fail(PhaseLETComm, err)
		}
		s.timed(PhaseLETComm, t0)
	}
	return lstats, nil
}

type directSources struct {
	Pos  []r3.Vec
	Mass []float64
}

// directForces sums over the predicted positions of every rank.
func (s *Simulator) directForces(ctx context.Context, tc float64) error {
	t0 := time.Now()
	mine := directSources{
		Pos:  append([]r3.Vec(nil), s.set.PPos...),
		Mass: append([]float64(nil), s.set.Mass...),
	}
	all, err := comm.Gather(ctx, s.c, mine)
	if err != nil {
		return s.fail(PhaseDomainExchange, err)
	}
	var p gravity.DirectParams
	for r, src := range all {
		if r == s.c.Rank() {
			p.SelfOffset = len(p.Sources)
		}
		p.Sources = append(p.Sources, src.Pos...)
		p.Masses = append(p.Masses, src.Mass...)
	}
	s.timed(PhaseDomainExchange, t0)

	p.Set = s.set
	p.Active = s.set.Active(tc)
	p.Eps2 = s.cfg.Eps2()

	t0 = time.Now()
	s.localStart.Reset()
	s.localDone.Reset()
	if err := s.grav.Record(s.localStart); err != nil {
		return s.fail(PhaseGravity, err)
	}
	if err := s.grav.Launch("direct", func() error { return gravity.Direct(s.backend, p) }); err != nil {
		return s.fail(PhaseGravity, err)
	}
	if err := s.grav.Record(s.localDone); err != nil {
		return s.fail(PhaseGravity, err)
	}
	s.timed(PhaseGravity, t0)
	return nil
}

func (s *Simulator) reduceStepTime(ctx context.Context) error {
	st := &s.state
	sec := st.LastTotal.Seconds()
	mx, err := s.c.AllReduceFloat64(ctx, []float64{sec}, comm.Max)
	if err != nil {
		return err
	}
	sum, err := s.c.AllReduceFloat64(ctx, []float64{sec}, comm.Sum)
	if err != nil {
		return err
	}
	st.MaxExecPrev = time.Duration(mx[0] * float64(time.Second))
	st.AvgExecPrev = time.Duration(sum[0] / float64(s.c.Size()) * float64(time.Second))
	return nil
}

func (s *Simulator) report(tc float64, nAct int, drift metrics.Drift, inter metrics.InteractionStats, lstats let.Stats) {
	st := &s.state
	r := StepReport{
		Rank:         s.c.Rank(),
		Iteration:    st.Iteration,
		Time:         tc,
		Dt:           tc - st.TPrevious,
		Active:       nAct,
		Local:        s.set.Len(),
		Drift:        drift,
		Interactions: inter,
		StepTime:     st.LastTotal,
		MaxStep:      st.MaxExecPrev,
		AvgStep:      st.AvgExecPrev,
		Phases:       st.Phases(),
	}
	s.last = r

	entry := s.log.WithFields(logrus.Fields{
		"iter":      r.Iteration,
		"t":         r.Time,
		"active":    inter.Active,
		"approx":    fmt.Sprintf("%.1f", inter.AvgApprox()),
		"direct":    fmt.Sprintf("%.1f", inter.AvgDirect()),
		"etot":      drift.Total(),
		"de":        drift.DE,
		"dde":       drift.DDE,
		"step":      r.StepTime,
		"gpu_local": st.Timers[PhaseLocalKernel].Last,
		"gpu_let":   st.Timers[PhaseRemoteKernel].Last,
		"let_recv":  lstats.NodesReceived,
		"max_step":  r.MaxStep,
	})
	if s.c.Rank() == 0 {
		entry.Info("step")
	} else {
		entry.Debug("step")
	}

	if s.opts.Recorder != nil {
		s.opts.Recorder.Observe(metrics.StepSample{
			Rank:         r.Rank,
			Iteration:    r.Iteration,
			Time:         r.Time,
			Drift:        drift,
			Active:       nAct,
			Local:        r.Local,
			Interactions: inter,
			Phases:       r.Phases,
		})
	}
	if s.opts.OnStep != nil {
		s.opts.OnStep(r)
	}
}

// hooks writes diagnostics, statistics and snapshots due at tc.
func (s *Simulator) hooks(tc float64) error {
	st := &s.state
	r := s.last

	if s.opts.Diagnostics != nil {
		err := s.opts.Diagnostics.Write(storage.Diagnostic{
			Iteration:  r.Iteration,
			Time:       r.Time,
			Active:     r.Interactions.Active,
			Kinetic:    r.Drift.Kinetic,
			Potential:  r.Drift.Potential,
			Total:      r.Drift.Total(),
			DE:         r.Drift.DE,
			DDE:        r.Drift.DDE,
			AvgApprox:  r.Interactions.AvgApprox(),
			AvgDirect:  r.Interactions.AvgDirect(),
			StepTime:   r.StepTime.Seconds(),
			GravLocal:  st.Timers[PhaseLocalKernel].Last.Seconds(),
			GravRemote: st.Timers[PhaseRemoteKernel].Last.Seconds(),
		})
		if err != nil {
			return err
		}
	}

	if iv := s.cfg.Output.StatsInterval; iv > 0 && due(tc, st.NextStats) {
		fields := logrus.Fields{
			"iter":        st.Iteration,
			"t":           tc,
			"nact_since":  st.NActSinceRebuild,
			"max_de":      r.Drift.MaxDE,
			"max_dde":     r.Drift.MaxDDE,
			"interact_mx": r.Interactions.MaxApprox,
		}
		for name, d := range st.Totals() {
			fields[name] = d
		}
		s.log.WithFields(fields).Info("statistics")
		for due(tc, st.NextStats) {
			st.NextStats += iv
		}
	}

	if iv := s.cfg.Output.SnapshotInterval; iv > 0 && s.opts.Snapshots != nil && due(tc, st.NextSnapshot) {
		if err := s.opts.Snapshots.Write(&storage.Snapshot{
			Rank:      s.c.Rank(),
			Iteration: st.Iteration,
			Time:      tc,
			Particles: s.set.Records(nil),
		}); err != nil {
			return err
		}
		for due(tc, st.NextSnapshot) {
			st.NextSnapshot += iv
		}
	}
	return nil
}

// due reports whether t has reached mark, allowing for the rounding of
// accumulated steps.
func due(t, mark float64) bool {
	return t >= mark-1e-12*math.Max(1, math.Abs(mark))
}

// Teardown joins outstanding work and closes the streams.
func (s *Simulator) Teardown() error {
	if !s.ready {
		return nil
	}
	s.ready = false

	var errs []error
	if err := s.grav.Sync(); err != nil {
		errs = append(errs, err)
	}
	if s.exchanger != nil {
		if err := s.exchanger.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, st := range []*device.Stream{s.exec, s.grav, s.copies, s.letStream} {
		st.Close()
	}
	if s.opts.Snapshots != nil {
		if err := s.opts.Snapshots.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run sets up, steps until done and tears down. Cancellation is checked
// between steps only.
func (s *Simulator) Run(ctx context.Context) (*Result, error) {
	if err := s.Setup(ctx); err != nil {
		return nil, err
	}

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		stop, err := s.Step(ctx)
		if err != nil {
			runErr = err
			break
		}
		if stop {
			break
		}
	}

	if err := s.Teardown(); err != nil && runErr == nil {
		runErr = err
	}

	res := &Result{
		Rank:         s.c.Rank(),
		Iterations:   s.state.Iteration,
		Time:         s.state.TCurrent,
		Drift:        s.energy.Last(),
		Interactions: s.last.Interactions,
		Local:        s.set.Len(),
		Wall:         time.Since(s.started),
		State:        s.state,
	}
	if runErr == nil {
		s.log.WithFields(logrus.Fields{
			"iterations": res.Iterations,
			"t":          res.Time,
			"etot":       res.Drift.Total(),
			"de":         res.Drift.DE,
			"max_de":     res.Drift.MaxDE,
			"wall":       res.Wall,
		}).Info("run finished")
	}
	return res, runErr
}
