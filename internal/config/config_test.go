package config

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Time.Mode != SharedTimestep {
		t.Errorf("expected shared timestep, got %s", cfg.Time.Mode)
	}
	if cfg.Eps2() != cfg.Force.Eps*cfg.Force.Eps {
		t.Error("eps2 should be eps squared")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dt", func(c *Config) { c.Time.Dt = 0 }},
		{"theta too large", func(c *Config) { c.Tree.Theta = 1.5 }},
		{"zero theta", func(c *Config) { c.Tree.Theta = 0 }},
		{"ncrit below nleaf", func(c *Config) { c.Tree.NCrit = 4; c.Tree.NLeaf = 8 }},
		{"zero rebuild rate", func(c *Config) { c.Tree.RebuildRate = 0 }},
		{"unknown force", func(c *Config) { c.Force.Mode = "fmm" }},
		{"zero eps", func(c *Config) { c.Force.Eps = 0 }},
		{"no ranks", func(c *Config) { c.Domain.Ranks = 0 }},
		{"block without eta", func(c *Config) { c.Time.Mode = BlockTimestep; c.Time.Eta = 0 }},
		{"sph with direct", func(c *Config) { c.Force.Kernel = SPHKernel; c.Force.Mode = DirectForce }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bonsai.yaml")

	cfg := DefaultConfig()
	cfg.Tree.Theta = 0.7
	cfg.Time.Mode = BlockTimestep
	cfg.Domain.Ranks = 3

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Tree.Theta != 0.7 || loaded.Time.Mode != BlockTimestep || loaded.Domain.Ranks != 3 {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestGetPreset(t *testing.T) {
	cfg := GetPreset("cube_direct")
	if cfg == nil {
		t.Fatal("expected preset, got nil")
	}
	if cfg.Force.Mode != DirectForce {
		t.Errorf("expected direct force, got %s", cfg.Force.Mode)
	}

	cfg.Force.Mode = TreeForce
	if GetPreset("cube_direct").Force.Mode != DirectForce {
		t.Error("presets must not share state")
	}

	if GetPreset("nonexistent") != nil {
		t.Error("expected nil for nonexistent preset")
	}
}

func TestPresetsValidate(t *testing.T) {
	for _, name := range ListPresets() {
		if err := GetPreset(name).Validate(); err != nil {
			t.Errorf("preset %s: %v", name, err)
		}
	}
}
