package config

import "sort"

var Presets = map[string]func() *Config{
	// small debug run, O(n²) forces
	"cube_direct": func() *Config {
		cfg := DefaultConfig()
		cfg.Force.Mode = DirectForce
		cfg.Force.Eps = 0.01
		cfg.Time.Dt = 0.01
		cfg.Time.IterEnd = 10
		cfg.Init.Bodies = 1000
		return cfg
	},
	"cube_tree": func() *Config {
		cfg := DefaultConfig()
		cfg.Init.Bodies = 20000
		cfg.Time.TEnd = 0.5
		return cfg
	},
	"cluster": func() *Config {
		cfg := DefaultConfig()
		cfg.Domain.Ranks = 4
		cfg.Domain.Weighted = true
		cfg.Tree.RebuildRate = 4
		cfg.Init.Bodies = 50000
		cfg.Time.TEnd = 0.25
		return cfg
	},
	"block": func() *Config {
		cfg := DefaultConfig()
		cfg.Time.Mode = BlockTimestep
		cfg.Time.DtMax = 1.0 / 64
		cfg.Time.Eta = 0.02
		cfg.Init.Bodies = 10000
		return cfg
	},
	"sph": func() *Config {
		cfg := DefaultConfig()
		cfg.Force.Kernel = SPHKernel
		cfg.Time.Dt = 0.001
		cfg.Time.IterEnd = 200
		cfg.Init.Bodies = 4000
		return cfg
	},
}

// GetPreset returns a fresh copy of the named preset, or nil.
func GetPreset(name string) *Config {
	fn, ok := Presets[name]
	if !ok {
		return nil
	}
	return fn()
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
