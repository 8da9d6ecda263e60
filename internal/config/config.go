package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDt          = 0.01
	DefaultTEnd        = 1.0
	DefaultIterEnd     = 1 << 30
	DefaultTheta       = 0.5
	DefaultEps         = 0.01
	DefaultEta         = 0.02
	DefaultNLeaf       = 16
	DefaultNCrit       = 64
	DefaultRebuildRate = 1
	DefaultSamples     = 2048
	DefaultBodies      = 1000
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// IntegrationMode selects the time-integration strategy at runtime.
type IntegrationMode string

const (
	SharedTimestep IntegrationMode = "shared"
	BlockTimestep  IntegrationMode = "block"
)

// ForceMode selects between tree walks and O(n²) direct summation.
type ForceMode string

const (
	TreeForce   ForceMode = "tree"
	DirectForce ForceMode = "direct"
)

// KernelMode selects the force kernel graph.
type KernelMode string

const (
	GravityKernel KernelMode = "gravity"
	SPHKernel     KernelMode = "sph"
)

type Config struct {
	Time   TimeConfig   `yaml:"time" mapstructure:"time"`
	Tree   TreeConfig   `yaml:"tree" mapstructure:"tree"`
	Force  ForceConfig  `yaml:"force" mapstructure:"force"`
	SPH    SPHConfig    `yaml:"sph" mapstructure:"sph"`
	Domain DomainConfig `yaml:"domain" mapstructure:"domain"`
	Output OutputConfig `yaml:"output" mapstructure:"output"`
	Init   InitConfig   `yaml:"init" mapstructure:"init"`
}

type TimeConfig struct {
	Mode    IntegrationMode `yaml:"mode" mapstructure:"mode"`
	Dt      float64         `yaml:"dt" mapstructure:"dt"`
	TEnd    float64         `yaml:"t_end" mapstructure:"t_end"`
	IterEnd int             `yaml:"iter_end" mapstructure:"iter_end"`
	Eta     float64         `yaml:"eta" mapstructure:"eta"`
	DtMax   float64         `yaml:"dt_max" mapstructure:"dt_max"`
}

type TreeConfig struct {
	Theta           float64 `yaml:"theta" mapstructure:"theta"`
	NLeaf           int     `yaml:"n_leaf" mapstructure:"n_leaf"`
	NCrit           int     `yaml:"n_crit" mapstructure:"n_crit"`
	RebuildRate     int     `yaml:"rebuild_rate" mapstructure:"rebuild_rate"`
	LETCutoffLevel  int     `yaml:"let_cutoff_level" mapstructure:"let_cutoff_level"`
	DescriptorBoxes int     `yaml:"descriptor_boxes" mapstructure:"descriptor_boxes"`
}

type ForceConfig struct {
	Mode   ForceMode  `yaml:"mode" mapstructure:"mode"`
	Kernel KernelMode `yaml:"kernel" mapstructure:"kernel"`
	Eps    float64    `yaml:"eps" mapstructure:"eps"`
}

type SPHConfig struct {
	H         float64 `yaml:"h" mapstructure:"h"`
	Rho0      float64 `yaml:"rho0" mapstructure:"rho0"`
	Stiffness float64 `yaml:"stiffness" mapstructure:"stiffness"`
	Viscosity float64 `yaml:"viscosity" mapstructure:"viscosity"`
	NNgb      int     `yaml:"n_ngb" mapstructure:"n_ngb"`
}

type DomainConfig struct {
	Ranks    int  `yaml:"ranks" mapstructure:"ranks"`
	Samples  int  `yaml:"samples" mapstructure:"samples"`
	Weighted bool `yaml:"weighted" mapstructure:"weighted"`
}

type OutputConfig struct {
	DataDir          string  `yaml:"data_dir" mapstructure:"data_dir"`
	SnapshotInterval float64 `yaml:"snapshot_interval" mapstructure:"snapshot_interval"`
	StatsInterval    float64 `yaml:"stats_interval" mapstructure:"stats_interval"`
	LogLevel         string  `yaml:"log_level" mapstructure:"log_level"`
	MetricsAddr      string  `yaml:"metrics_addr" mapstructure:"metrics_addr"`
}

type InitConfig struct {
	Bodies int   `yaml:"bodies" mapstructure:"bodies"`
	Seed   int64 `yaml:"seed" mapstructure:"seed"`
}

func DefaultConfig() *Config {
	return &Config{
		Time: TimeConfig{
			Mode:    SharedTimestep,
			Dt:      DefaultDt,
			TEnd:    DefaultTEnd,
			IterEnd: DefaultIterEnd,
			Eta:     DefaultEta,
			DtMax:   DefaultDt,
		},
		Tree: TreeConfig{
			Theta:           DefaultTheta,
			NLeaf:           DefaultNLeaf,
			NCrit:           DefaultNCrit,
			RebuildRate:     DefaultRebuildRate,
			LETCutoffLevel:  2,
			DescriptorBoxes: 32,
		},
		Force: ForceConfig{
			Mode:   TreeForce,
			Kernel: GravityKernel,
			Eps:    DefaultEps,
		},
		SPH: SPHConfig{
			H:         0.05,
			Rho0:      1.0,
			Stiffness: 1.0,
			Viscosity: 0.1,
			NNgb:      32,
		},
		Domain: DomainConfig{
			Ranks:   1,
			Samples: DefaultSamples,
		},
		Output: OutputConfig{
			DataDir:  ".bonsai",
			LogLevel: "info",
		},
		Init: InitConfig{
			Bodies: DefaultBodies,
			Seed:   1,
		},
	}
}

// Eps2 is the squared softening length used by every force kernel.
func (c *Config) Eps2() float64 { return c.Force.Eps * c.Force.Eps }

// Validate checks every option once so kernels can trust their inputs.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Time.Mode == SharedTimestep || c.Time.Mode == BlockTimestep, "unknown time mode %q", c.Time.Mode)
	check(c.Time.Dt > 0, "dt must be positive, got %g", c.Time.Dt)
	check(c.Time.IterEnd >= 0, "iter_end must not be negative, got %d", c.Time.IterEnd)
	if c.Time.Mode == BlockTimestep {
		check(c.Time.Eta > 0, "eta must be positive, got %g", c.Time.Eta)
		check(c.Time.DtMax > 0, "dt_max must be positive, got %g", c.Time.DtMax)
	}

	check(c.Tree.Theta > 0 && c.Tree.Theta <= 1, "theta must be in (0, 1], got %g", c.Tree.Theta)
	check(c.Tree.NLeaf > 0, "n_leaf must be positive, got %d", c.Tree.NLeaf)
	check(c.Tree.NCrit >= c.Tree.NLeaf, "n_crit (%d) must be at least n_leaf (%d)", c.Tree.NCrit, c.Tree.NLeaf)
	check(c.Tree.RebuildRate > 0, "rebuild_rate must be positive, got %d", c.Tree.RebuildRate)
	check(c.Tree.LETCutoffLevel >= 0, "let_cutoff_level must not be negative")
	check(c.Tree.DescriptorBoxes > 0, "descriptor_boxes must be positive")

	check(c.Force.Mode == TreeForce || c.Force.Mode == DirectForce, "unknown force mode %q", c.Force.Mode)
	check(c.Force.Kernel == GravityKernel || c.Force.Kernel == SPHKernel, "unknown kernel %q", c.Force.Kernel)
	check(c.Force.Eps > 0, "eps must be positive, got %g", c.Force.Eps)
	if c.Force.Kernel == SPHKernel {
		check(c.Force.Mode == TreeForce, "sph kernel requires tree force mode")
		check(c.SPH.H > 0, "sph h must be positive")
		check(c.SPH.NNgb > 0, "sph n_ngb must be positive")
	}

	check(c.Domain.Ranks >= 1, "ranks must be at least 1, got %d", c.Domain.Ranks)
	check(c.Domain.Samples > 0, "samples must be positive, got %d", c.Domain.Samples)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
