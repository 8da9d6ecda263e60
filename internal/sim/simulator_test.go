package sim

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wingkitlee0/Bonsai/internal/comm"
	"github.com/wingkitlee0/Bonsai/internal/config"
	"github.com/wingkitlee0/Bonsai/internal/logging"
	"github.com/wingkitlee0/Bonsai/internal/metrics"
	"github.com/wingkitlee0/Bonsai/internal/storage"
	"github.com/wingkitlee0/Bonsai/internal/tree"
)

func quiet(int) Options {
	return Options{Log: logging.Discard().WithField("rank", 0)}
}

func runCluster(cfg *config.Config, n int, seed int64, options func(int) Options) (*Cluster, []*Result) {
	c := NewCluster(cfg, options)
	res, err := c.Run(context.Background(), UniformCube(n, seed))
	Expect(err).NotTo(HaveOccurred())
	Expect(res).To(HaveLen(cfg.Domain.Ranks))
	return c, res
}

var _ = Describe("Simulator", func() {
	var cfg *config.Config

	BeforeEach(func() {
		cfg = config.DefaultConfig()
		cfg.Force.Eps = 0.01
		cfg.Time.Dt = 0.01
		cfg.Time.IterEnd = 10
	})

	Context("direct summation on one rank", func() {
		BeforeEach(func() {
			cfg.Force.Mode = config.DirectForce
		})

		It("conserves energy on a cold uniform cube", func() {
			_, res := runCluster(cfg, 1000, 7, quiet)
			r := res[0]
			Expect(r.Local).To(Equal(1000))
			Expect(r.Iterations).To(Equal(10))
			Expect(r.Time).To(BeNumerically("~", 0.1, 1e-9))
			Expect(math.Abs(r.Drift.DE)).To(BeNumerically("<", 1e-3))
			Expect(r.Drift.Potential).To(BeNumerically("<", 0))
		})

		It("reports zero drift on the reference step", func() {
			cfg.Time.IterEnd = 0
			_, res := runCluster(cfg, 200, 3, quiet)
			Expect(res[0].Iterations).To(Equal(0))
			Expect(res[0].Time).To(BeZero())
			Expect(res[0].Drift.DE).To(BeZero())
			Expect(res[0].Drift.DDE).To(BeZero())
		})
	})

	Context("tree walk on one rank", func() {
		It("produces the same drift on every run", func() {
			cfg.Time.IterEnd = 5
			_, a := runCluster(cfg, 1500, 11, quiet)
			_, b := runCluster(cfg, 1500, 11, quiet)
			Expect(a[0].Drift).To(Equal(b[0].Drift))
		})

		It("stops at the end time", func() {
			cfg.Time.IterEnd = 1000
			cfg.Time.TEnd = 0.05
			_, res := runCluster(cfg, 500, 5, quiet)
			Expect(res[0].Time).To(BeNumerically("~", 0.05, 1e-9))
			Expect(res[0].Iterations).To(Equal(5))
		})

		It("integrates with block timesteps", func() {
			cfg.Time.Mode = config.BlockTimestep
			cfg.Time.DtMax = 1.0 / 32
			cfg.Time.IterEnd = 20
			c, res := runCluster(cfg, 800, 9, quiet)
			Expect(res[0].Time).To(BeNumerically(">", 0))
			for _, iv := range c.Simulators()[0].Particles().Time {
				Expect(iv.Next).To(BeNumerically(">", res[0].Time-1e-12))
			}
		})

		It("runs the hydro passes", func() {
			cfg.Force.Kernel = config.SPHKernel
			cfg.SPH.H = 0.1
			cfg.Time.Dt = 0.001
			cfg.Time.IterEnd = 3
			c, _ := runCluster(cfg, 1000, 4, quiet)
			set := c.Simulators()[0].Particles()
			for i := range set.Density {
				Expect(set.Density[i]).To(BeNumerically(">", 0))
				Expect(set.H[i]).To(BeNumerically(">", 0))
			}
		})
	})

	Context("two ranks with tree forces", func() {
		const n = 2000

		var (
			mu      sync.Mutex
			active  map[int]int
			updated map[int]bool
		)

		BeforeEach(func() {
			cfg.Domain.Ranks = 2
			cfg.Tree.RebuildRate = 4
			cfg.Time.IterEnd = 9
			active = map[int]int{}
			updated = map[int]bool{}
		})

		record := func(rank int) Options {
			return Options{
				Log: logging.Discard().WithField("rank", rank),
				OnStep: func(r StepReport) {
					mu.Lock()
					active[r.Iteration] += r.Active
					if _, ok := r.Phases[PhaseDomainUpdate.String()]; ok {
						updated[r.Iteration] = true
					}
					mu.Unlock()
				},
			}
		}

		It("keeps every particle active exactly once", func() {
			c, res := runCluster(cfg, n, 21, record)
			Expect(res[0].Local + res[1].Local).To(Equal(n))
			Expect(active).To(HaveLen(10))
			for iter, a := range active {
				Expect(a).To(Equal(n), "iteration %d", iter)
			}
			Expect(res[0].Drift).To(Equal(res[1].Drift))
			Expect(c.Simulators()[0].Domain().Counts).To(HaveLen(2))
		})

		It("updates the domain on rebuild iterations after the first", func() {
			runCluster(cfg, n, 24, record)
			Expect(updated).To(Equal(map[int]bool{4: true, 8: true}))
		})

		It("ships LET nodes that lie inside the sender's domain", func() {
			c, _ := runCluster(cfg, n, 22, record)
			sims := c.Simulators()
			for r, s := range sims {
				peer := 1 - r
				src := s.Remote(peer)
				Expect(src).NotTo(BeNil())
				root := sims[peer].Tree().Root()
				for _, nd := range src.Nodes {
					Expect(tree.Contains(root, nd.Box(), 1e-9)).To(BeTrue())
				}
			}
		})

		It("matches the single-rank energy closely", func() {
			_, two := runCluster(cfg, n, 23, record)
			cfg.Domain.Ranks = 1
			_, one := runCluster(cfg, n, 23, quiet)
			Expect(two[0].Drift.Total()).To(BeNumerically("~", one[0].Drift.Total(), 1e-2*math.Abs(one[0].Drift.Total())))
		})
	})

	Context("outputs", func() {
		It("writes diagnostics, snapshots and metrics", func() {
			dir := GinkgoT().TempDir()
			cfg.Output.SnapshotInterval = 0.02
			cfg.Time.IterEnd = 6

			diag, err := storage.NewDiagnosticsWriter(filepath.Join(dir, "diag.csv"))
			Expect(err).NotTo(HaveOccurred())
			snaps, err := storage.NewSnapshotWriter(filepath.Join(dir, "snap.jsonl"))
			Expect(err).NotTo(HaveOccurred())
			rec := metrics.NewRecorder()

			runCluster(cfg, 300, 2, func(rank int) Options {
				return Options{
					Log:         logging.Discard().WithField("rank", rank),
					Recorder:    rec,
					Snapshots:   snaps,
					Diagnostics: diag,
				}
			})
			Expect(diag.Close()).To(Succeed())
			Expect(snaps.Close()).To(Succeed())

			rows, err := storage.ReadDiagnostics(filepath.Join(dir, "diag.csv"))
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(7))
			Expect(rows[6].Active).To(Equal(int64(300)))

			written, err := storage.ReadSnapshots(filepath.Join(dir, "snap.jsonl"))
			Expect(err).NotTo(HaveOccurred())
			Expect(written).To(HaveLen(4))
			Expect(written[0].Particles).To(HaveLen(300))

			families, err := rec.Registry().Gather()
			Expect(err).NotTo(HaveOccurred())
			Expect(families).NotTo(BeEmpty())
		})
	})

	Context("errors", func() {
		It("refuses to step before setup", func() {
			s := New(cfg, comm.Local(), UniformCube(10, 1), quiet(0))
			_, err := s.Step(context.Background())
			Expect(err).To(MatchError(ErrNotSetUp))
		})

		It("rejects an invalid configuration", func() {
			cfg.Tree.Theta = 0
			s := New(cfg, comm.Local(), UniformCube(10, 1), quiet(0))
			Expect(errors.Is(s.Setup(context.Background()), config.ErrInvalid)).To(BeTrue())
		})

		It("stops between steps when cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			s := New(cfg, comm.Local(), UniformCube(10, 1), quiet(0))
			_, err := s.Run(ctx)
			Expect(err).To(MatchError(context.Canceled))
		})
	})
})
