// Package config loads the txcoord configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"txcoord/log"
	"txcoord/telemetry"
	"txcoord/timer"
	"txcoord/txmanager"
)

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Log       log.Config       `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Manager   ManagerConfig    `yaml:"manager"`
	Timer     TimerConfig      `yaml:"timer"`
	Delegate  DelegateConfig   `yaml:"delegate"`
}

type ManagerConfig struct {
	DefaultTimeout                Duration `yaml:"default_timeout"`
	Monitoring                    bool     `yaml:"monitoring"`
	LegacySkipRollbackPropagation bool     `yaml:"legacy_skip_rollback_propagation"`
	RegistryCapacity              int      `yaml:"registry_capacity"`
	RegistryShards                int      `yaml:"registry_shards"`
}

type TimerConfig struct {
	PurgeInterval  Duration `yaml:"purge_interval"`
	PurgeThreshold int64    `yaml:"purge_threshold"`
}

// DelegateConfig selects the distributed delegate.
type DelegateConfig struct {
	// Kind is "twophase" or "none".
	Kind          string   `yaml:"kind"`
	ImportTimeout Duration `yaml:"import_timeout"`
}

const (
	DelegateTwoPhase = "twophase"
	DelegateNone     = "none"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:      log.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Manager:  ManagerConfig{Monitoring: true},
		Delegate: DelegateConfig{Kind: DelegateTwoPhase},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	switch c.Delegate.Kind {
	case DelegateTwoPhase, DelegateNone:
	default:
		return fmt.Errorf("unknown delegate kind %q", c.Delegate.Kind)
	}
	if c.Manager.DefaultTimeout < 0 {
		return fmt.Errorf("negative default timeout")
	}
	return nil
}

// Options converts the manager section to manager options.
func (m ManagerConfig) Options() []txmanager.Option {
	opts := []txmanager.Option{
		txmanager.WithDefaultTimeout(time.Duration(m.DefaultTimeout)),
		txmanager.WithMonitoring(m.Monitoring),
		txmanager.WithLegacySkipRollbackPropagation(m.LegacySkipRollbackPropagation),
	}
	if m.RegistryCapacity > 0 {
		opts = append(opts, txmanager.WithRegistryCapacity(m.RegistryCapacity))
	}
	if m.RegistryShards > 0 {
		opts = append(opts, txmanager.WithRegistryShards(m.RegistryShards))
	}
	return opts
}

// Options converts the timer section to scheduler options.
func (t TimerConfig) Options() []timer.Option {
	var opts []timer.Option
	if t.PurgeInterval > 0 {
		opts = append(opts, timer.WithPurgeInterval(time.Duration(t.PurgeInterval)))
	}
	if t.PurgeThreshold > 0 {
		opts = append(opts, timer.WithPurgeThreshold(t.PurgeThreshold))
	}
	return opts
}
