package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces the environment overrides, e.g. BONSAI_TIME_DT.
const EnvPrefix = "BONSAI"

// Layered resolves a configuration from base, the YAML file at path (if
// any), BONSAI_* environment variables and the flags already bound to v,
// in increasing order of precedence.
func Layered(v *viper.Viper, base *Config, path string) (*Config, error) {
	if base == nil {
		base = DefaultConfig()
	}
	data, err := yaml.Marshal(base)
	if err != nil {
		return nil, err
	}
	v.SetConfigType("yaml")
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}
