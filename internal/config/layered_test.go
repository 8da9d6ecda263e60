package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLayeredPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bonsai.yaml")
	yaml := "time:\n  dt: 0.002\n  mode: block\ntree:\n  theta: 0.7\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BONSAI_TREE_THETA", "0.3")

	v := viper.New()
	v.Set("domain.ranks", 3)

	cfg, err := Layered(v, GetPreset("cube_direct"), path)
	if err != nil {
		t.Fatalf("layered: %v", err)
	}
	if cfg.Time.Dt != 0.002 {
		t.Errorf("file should override preset dt, got %g", cfg.Time.Dt)
	}
	if cfg.Time.Mode != BlockTimestep {
		t.Errorf("expected block mode from file, got %s", cfg.Time.Mode)
	}
	if cfg.Tree.Theta != 0.3 {
		t.Errorf("env should override file theta, got %g", cfg.Tree.Theta)
	}
	if cfg.Domain.Ranks != 3 {
		t.Errorf("explicit value should win, got %d ranks", cfg.Domain.Ranks)
	}
	if cfg.Force.Mode != DirectForce || cfg.Time.IterEnd != 10 {
		t.Error("untouched preset values should survive")
	}
}

func TestLayeredMissingFile(t *testing.T) {
	_, err := Layered(viper.New(), nil, filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Error("expected an error for a missing file")
	}
}
