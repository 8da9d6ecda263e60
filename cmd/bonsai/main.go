package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/wingkitlee0/Bonsai/internal/compute"
	"github.com/wingkitlee0/Bonsai/internal/config"
	"github.com/wingkitlee0/Bonsai/internal/logging"
	"github.com/wingkitlee0/Bonsai/internal/metrics"
	"github.com/wingkitlee0/Bonsai/internal/sim"
	"github.com/wingkitlee0/Bonsai/internal/storage"
	"github.com/wingkitlee0/Bonsai/internal/tui"
)

var (
	configFile string
	preset     string
	workers    int
	outFile    string
	plotField  string
	benchSizes []int
	benchIters int
)

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"data":         "output.data_dir",
	"log-level":    "output.log_level",
	"bodies":       "init.bodies",
	"seed":         "init.seed",
	"ranks":        "domain.ranks",
	"weighted":     "domain.weighted",
	"dt":           "time.dt",
	"t-end":        "time.t_end",
	"iters":        "time.iter_end",
	"time-mode":    "time.mode",
	"dt-max":       "time.dt_max",
	"theta":        "tree.theta",
	"rebuild":      "tree.rebuild_rate",
	"eps":          "force.eps",
	"force":        "force.mode",
	"kernel":       "force.kernel",
	"snapshot":     "output.snapshot_interval",
	"stats":        "output.stats_interval",
	"metrics-addr": "output.metrics_addr",
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "bonsai",
		Short:         "distributed barnes-hut n-body engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if workers > 0 {
				compute.SetBackend(compute.NewCPUBackendWorkers(workers))
			}
		},
	}

	rootCmd.PersistentFlags().String("data", ".bonsai", "data directory")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().StringVar(&preset, "preset", "", "start from a preset configuration")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "cpu backend workers (0 = all cores)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run a simulation and record it",
		Args:  cobra.NoArgs,
		RunE:  runSimulation,
	}
	addSimFlags(runCmd)

	liveCmd := &cobra.Command{
		Use:   "live",
		Short: "run a simulation with a live terminal view",
		Args:  cobra.NoArgs,
		RunE:  runLive,
	}
	addSimFlags(liveCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot run diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringVar(&plotField, "field", "de", "series to plot (de, dde, etot, step, approx)")

	exportCmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "export run metadata and diagnostics as json",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRun,
	}
	exportCmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default stdout)")

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "time force evaluation for several particle counts",
		Args:  cobra.NoArgs,
		RunE:  benchForces,
	}
	benchCmd.Flags().IntSliceVar(&benchSizes, "sizes", []int{1000, 4000, 16000}, "particle counts")
	benchCmd.Flags().IntVar(&benchIters, "steps", 3, "steps per measurement")
	benchCmd.Flags().Int("ranks", 1, "number of ranks")
	benchCmd.Flags().Float64("theta", config.DefaultTheta, "opening angle")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "inspect configuration",
	}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE:  showConfig,
	}
	addSimFlags(configShowCmd)
	configWriteCmd := &cobra.Command{
		Use:   "write [path]",
		Short: "write the resolved configuration to a yaml file",
		Args:  cobra.ExactArgs(1),
		RunE:  writeConfig,
	}
	addSimFlags(configWriteCmd)
	configPresetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range config.ListPresets() {
				p := config.GetPreset(name)
				fmt.Printf("%-12s %6d bodies  %d ranks  %s/%s\n", name, p.Init.Bodies, p.Domain.Ranks, p.Force.Mode, p.Time.Mode)
			}
			return nil
		},
	}
	configCmd.AddCommand(configShowCmd, configWriteCmd, configPresetsCmd)

	rootCmd.AddCommand(runCmd, liveCmd, listCmd, plotCmd, exportCmd, benchCmd, configCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addSimFlags(cmd *cobra.Command) {
	def := config.DefaultConfig()
	f := cmd.Flags()
	f.Int("bodies", def.Init.Bodies, "particles in the initial uniform cube")
	f.Int64("seed", def.Init.Seed, "random seed of the initial cube")
	f.Int("ranks", def.Domain.Ranks, "number of ranks")
	f.Bool("weighted", def.Domain.Weighted, "weight the domain update by measured force cost")
	f.Float64("dt", def.Time.Dt, "timestep (shared mode)")
	f.Float64("t-end", def.Time.TEnd, "end time")
	f.Int("iters", def.Time.IterEnd, "maximum iteration")
	f.String("time-mode", string(def.Time.Mode), "timestep mode (shared, block)")
	f.Float64("dt-max", def.Time.DtMax, "largest block timestep")
	f.Float64("theta", def.Tree.Theta, "opening angle")
	f.Int("rebuild", def.Tree.RebuildRate, "rebuild tree and domain every n iterations")
	f.Float64("eps", def.Force.Eps, "softening length")
	f.String("force", string(def.Force.Mode), "force evaluation (tree, direct)")
	f.String("kernel", string(def.Force.Kernel), "force kernel (gravity, sph)")
	f.Float64("snapshot", def.Output.SnapshotInterval, "snapshot interval in simulation time (0 = off)")
	f.Float64("stats", def.Output.StatsInterval, "statistics log interval in simulation time (0 = off)")
	f.String("metrics-addr", def.Output.MetricsAddr, "serve prometheus metrics on this address")
}

// loadConfig layers preset, config file, environment and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	base := config.DefaultConfig()
	if preset != "" {
		base = config.GetPreset(preset)
		if base == nil {
			return nil, fmt.Errorf("unknown preset %q (have %s)", preset, strings.Join(config.ListPresets(), ", "))
		}
	}

	v := viper.New()
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	cfg, err := config.Layered(v, base, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Output.LogLevel, os.Stderr)

	run, results, err := simulate(cmd.Context(), cfg, log, nil)
	if err != nil {
		return err
	}
	printSummary(run, results)
	return nil
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var run *storage.Run
	var results []*sim.Result
	var simErr error
	done := make(chan struct{})
	title := fmt.Sprintf("bonsai %d bodies / %d ranks / %s", cfg.Init.Bodies, cfg.Domain.Ranks, cfg.Force.Mode)
	viewErr := tui.Run(title, cfg.Domain.Ranks, func(onStep func(sim.StepReport)) error {
		defer close(done)
		run, results, simErr = simulate(ctx, cfg, nil, onStep)
		return simErr
	})

	// quitting the view stops the run
	cancel()
	<-done
	if simErr != nil && !errors.Is(simErr, context.Canceled) {
		return simErr
	}
	if viewErr != nil && !errors.Is(viewErr, context.Canceled) {
		return viewErr
	}
	if run != nil {
		printSummary(run, results)
	}
	return nil
}

// simulate runs cfg on a fresh uniform cube and records it in the data
// directory. A nil log writes to run.log inside the run directory.
func simulate(ctx context.Context, cfg *config.Config, log *logrus.Logger, onStep func(sim.StepReport)) (*storage.Run, []*sim.Result, error) {
	backend := compute.GetBackend()
	st := storage.New(cfg.Output.DataDir)
	if err := st.Init(); err != nil {
		return nil, nil, err
	}
	run, err := st.Create(storage.RunMetadata{
		Preset:  preset,
		Seed:    cfg.Init.Seed,
		Bodies:  cfg.Init.Bodies,
		Ranks:   cfg.Domain.Ranks,
		Backend: backend.Name(),
		Config:  cfg,
	})
	if err != nil {
		return nil, nil, err
	}

	if log == nil {
		f, err := os.Create(run.Path("run.log"))
		if err != nil {
			return run, nil, err
		}
		defer f.Close()
		log = logging.New(cfg.Output.LogLevel, f)
	}
	log.WithFields(logrus.Fields{"run": run.ID(), "backend": backend.Name(), "workers": backend.Workers()}).Info("starting run")

	diag, err := storage.NewDiagnosticsWriter(run.DiagnosticsPath())
	if err != nil {
		return run, nil, err
	}
	defer diag.Close()

	snaps := make([]*storage.SnapshotWriter, cfg.Domain.Ranks)
	if cfg.Output.SnapshotInterval > 0 {
		for r := range snaps {
			w, err := storage.NewSnapshotWriter(run.SnapshotPath(r))
			if err != nil {
				return run, nil, err
			}
			defer w.Close()
			snaps[r] = w
		}
	}

	rec := metrics.NewRecorder()
	if cfg.Output.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.Output.MetricsAddr, rec, log)
		defer shutdown()
	}

	cluster := sim.NewCluster(cfg, func(rank int) sim.Options {
		opts := sim.Options{
			Log:       logging.Rank(log, rank),
			Recorder:  rec,
			Snapshots: snaps[rank],
			OnStep:    onStep,
		}
		if rank == 0 {
			opts.Diagnostics = diag
		}
		return opts
	})

	start := time.Now()
	results, runErr := cluster.Run(ctx, sim.UniformCube(cfg.Init.Bodies, cfg.Init.Seed))
	wall := time.Since(start)

	final := map[string]float64{}
	iterations, tEnd := 0, 0.0
	if len(results) > 0 && results[0] != nil {
		r := results[0]
		iterations, tEnd = r.Iterations, r.Time
		final["etot"] = r.Drift.Total()
		final["de"] = r.Drift.DE
		final["dde"] = r.Drift.DDE
		final["max_de"] = r.Drift.MaxDE
		final["max_dde"] = r.Drift.MaxDDE
		final["avg_approx"] = r.Interactions.AvgApprox()
		final["avg_direct"] = r.Interactions.AvgDirect()
	}
	if err := run.Finish(iterations, tEnd, wall, final); err != nil {
		log.WithError(err).Warn("could not record run outcome")
	}
	return run, results, runErr
}

func serveMetrics(addr string, rec *metrics.Recorder, log *logrus.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.WithField("addr", addr).Info("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printSummary(run *storage.Run, results []*sim.Result) {
	fmt.Printf("run %s\n", run.ID())
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tLOCAL\tITERS\tTIME\tWALL\tGRAVITY\tLET")
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%.5f\t%v\t%v\t%v\n",
			r.Rank, r.Local, r.Iterations, r.Time,
			r.Wall.Round(time.Millisecond),
			r.State.Timers[sim.PhaseLocalKernel].Total.Round(time.Millisecond),
			r.State.Timers[sim.PhaseRemoteKernel].Total.Round(time.Millisecond))
	}
	w.Flush()
	if len(results) > 0 && results[0] != nil {
		d := results[0].Drift
		fmt.Printf("\nE=%.10f  de=%+.3e  max|de|=%.3e  max|dde|=%.3e\n", d.Total(), d.DE, d.MaxDE, d.MaxDDE)
	}
}

func dataDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("data")
	return dir
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir(cmd))
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRESET\tTIME\tBODIES\tRANKS\tITERS\tT\tDE\tWALL")

	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%.4f\t%+.2e\t%.2fs\n",
			run.ID,
			run.Preset,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.Bodies,
			run.Ranks,
			run.Iterations,
			run.FinalTime,
			run.Metrics["de"],
			run.WallTime,
		)
	}

	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir(cmd))
	rows, err := st.LoadDiagnostics(args[0])
	if err != nil {
		return err
	}
	if len(rows) < 2 {
		return fmt.Errorf("run %s has %d diagnostic rows, need at least 2", args[0], len(rows))
	}

	data := make([]float64, len(rows))
	caption := plotField
	for i, r := range rows {
		switch plotField {
		case "de":
			data[i] = r.DE
			caption = "relative energy error"
		case "dde":
			data[i] = r.DDE
			caption = "step-to-step energy error"
		case "etot":
			data[i] = r.Total
			caption = "total energy"
		case "step":
			data[i] = r.StepTime * 1e3
			caption = "step time (ms)"
		case "approx":
			data[i] = r.AvgApprox
			caption = "approximate interactions per particle"
		default:
			return fmt.Errorf("unknown field %q", plotField)
		}
	}

	graph := asciigraph.Plot(data,
		asciigraph.Height(10),
		asciigraph.Width(80),
		asciigraph.Caption(fmt.Sprintf("%s, t=%.4f..%.4f", caption, rows[0].Time, rows[len(rows)-1].Time)),
	)
	fmt.Println(graph)
	mean, std := stat.MeanStdDev(data, nil)
	fmt.Printf("\n%d rows  mean %.4e  std %.4e\n", len(rows), mean, std)
	return nil
}

func exportRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir(cmd))
	if outFile == "" {
		return st.Export(os.Stdout, args[0])
	}
	if err := st.ExportFile(outFile, args[0]); err != nil {
		return err
	}
	fmt.Printf("exported %s to %s\n", args[0], outFile)
	return nil
}

func benchForces(cmd *cobra.Command, args []string) error {
	ranks, _ := cmd.Flags().GetInt("ranks")
	theta, _ := cmd.Flags().GetFloat64("theta")
	backend := compute.GetBackend()

	fmt.Printf("benchmarking on %s (%d workers), %d ranks\n\n", backend.Name(), backend.Workers(), ranks)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BODIES\tFORCE\tSTEP\tGRAVITY\tAPPROX/P\tDIRECT/P\t|DE|")

	for _, n := range benchSizes {
		for _, mode := range []config.ForceMode{config.TreeForce, config.DirectForce} {
			if mode == config.DirectForce && n > 16000 {
				continue
			}
			cfg := config.DefaultConfig()
			cfg.Init.Bodies = n
			cfg.Domain.Ranks = ranks
			cfg.Tree.Theta = theta
			cfg.Force.Mode = mode
			cfg.Time.IterEnd = benchIters

			cluster := sim.NewCluster(cfg, func(rank int) sim.Options {
				return sim.Options{Log: logging.Rank(logging.Discard(), rank)}
			})
			res, err := cluster.Run(cmd.Context(), sim.UniformCube(n, cfg.Init.Seed))
			if err != nil {
				return err
			}
			r := res[0]
			steps := float64(r.Iterations + 1)
			fmt.Fprintf(w, "%d\t%s\t%v\t%v\t%.1f\t%.1f\t%.2e\n",
				n, mode,
				time.Duration(float64(r.Wall)/steps).Round(time.Microsecond),
				r.State.Timers[sim.PhaseLocalKernel].Total.Round(time.Microsecond),
				r.Interactions.AvgApprox(),
				r.Interactions.AvgDirect(),
				math.Abs(r.Drift.DE))
		}
	}
	return w.Flush()
}

func showConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return printYAML(os.Stdout, cfg)
}

func printYAML(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}

func writeConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := config.Save(args[0], cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", args[0])
	return nil
}
