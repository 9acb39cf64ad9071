package config

import (
	"fmt"
	"path"
	"time"

	"github.com/spf13/viper"

	"bkup/internal/errdefs"
)

// DefaultHookTimeout bounds pre/post hook execution when the config
// does not set one.
const DefaultHookTimeout = 5 * time.Minute

// Hook is an external command run before or after archiving.
type Hook struct {
	Command string        `mapstructure:"command" yaml:"command"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// RetentionPolicy controls how many backups survive a cleanup pass.
// The keep_* quotas mean "the newest backup of each of the N most
// recent buckets"; MinBackups is a floor cleanup never goes below.
type RetentionPolicy struct {
	KeepDaily   int `mapstructure:"keep_daily"   yaml:"keep_daily"`
	KeepWeekly  int `mapstructure:"keep_weekly"  yaml:"keep_weekly"`
	KeepMonthly int `mapstructure:"keep_monthly" yaml:"keep_monthly"`
	KeepYearly  int `mapstructure:"keep_yearly"  yaml:"keep_yearly"`
	MinBackups  int `mapstructure:"min_backups"  yaml:"min_backups"`
}

// DefaultRetentionPolicy matches the documented defaults: a week of
// dailies, a month of weeklies, half a year of monthlies, one yearly.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		KeepDaily:   7,
		KeepWeekly:  4,
		KeepMonthly: 6,
		KeepYearly:  1,
		MinBackups:  3,
	}
}

// BackupConfig describes one backup target. Immutable once a run
// starts; the engine copies it by value.
type BackupConfig struct {
	Name        string           `mapstructure:"name"        yaml:"name"`
	Source      string           `mapstructure:"source"      yaml:"source"`
	Destination string           `mapstructure:"destination" yaml:"destination"`
	Compress    bool             `mapstructure:"compress"    yaml:"compress"`
	Exclude     []string         `mapstructure:"exclude"     yaml:"exclude,omitempty"`
	PreHook     *Hook            `mapstructure:"pre_hook"    yaml:"pre_hook,omitempty"`
	PostHook    *Hook            `mapstructure:"post_hook"   yaml:"post_hook,omitempty"`
	Retention   *RetentionPolicy `mapstructure:"retention"   yaml:"retention,omitempty"`
}

// RetentionOrDefault returns the config's policy, falling back to the
// defaults when the config leaves retention unset.
func (b *BackupConfig) RetentionOrDefault() RetentionPolicy {
	if b.Retention == nil {
		return DefaultRetentionPolicy()
	}
	return *b.Retention
}

type Config struct {
	Configs []BackupConfig `mapstructure:"configs" yaml:"configs"`
}

// Load reads the YAML configuration with viper, unmarshals it into
// typed structs and validates the result.
func Load(filename string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read config %s: %v", errdefs.ErrConfig, filename, err)
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", errdefs.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Configs) == 0 {
		return errdefs.Configf("at least one backup config is required")
	}
	seen := make(map[string]bool, len(c.Configs))
	for i, b := range c.Configs {
		if b.Name == "" {
			return errdefs.Configf("configs[%d].name is required", i)
		}
		if seen[b.Name] {
			return errdefs.Configf("duplicate config name: %s", b.Name)
		}
		seen[b.Name] = true
		if b.Source == "" {
			return errdefs.Configf("configs[%d].source is required", i)
		}
		if b.Destination == "" {
			return errdefs.Configf("configs[%d].destination is required", i)
		}
		for _, pattern := range b.Exclude {
			if _, err := path.Match(pattern, ""); err != nil {
				return errdefs.Configf("configs[%d]: bad exclude pattern %q", i, pattern)
			}
		}
		if err := validateHook(i, "pre_hook", b.PreHook); err != nil {
			return err
		}
		if err := validateHook(i, "post_hook", b.PostHook); err != nil {
			return err
		}
		if b.Retention != nil {
			if err := b.Retention.Validate(); err != nil {
				return fmt.Errorf("configs[%d].retention: %w", i, err)
			}
		}
	}
	return nil
}

func validateHook(i int, field string, h *Hook) error {
	if h == nil {
		return nil
	}
	if h.Command == "" {
		return errdefs.Configf("configs[%d].%s.command is required", i, field)
	}
	if h.Timeout < 0 {
		return errdefs.Configf("configs[%d].%s.timeout must be non-negative", i, field)
	}
	return nil
}

func (p *RetentionPolicy) Validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"keep_daily", p.KeepDaily},
		{"keep_weekly", p.KeepWeekly},
		{"keep_monthly", p.KeepMonthly},
		{"keep_yearly", p.KeepYearly},
		{"min_backups", p.MinBackups},
	}
	for _, f := range fields {
		if f.value < 0 {
			return errdefs.Configf("%s must be non-negative", f.name)
		}
	}
	return nil
}

// FindConfig returns the backup config with the given name.
func (c *Config) FindConfig(name string) (*BackupConfig, error) {
	for i := range c.Configs {
		if c.Configs[i].Name == name {
			return &c.Configs[i], nil
		}
	}
	return nil, errdefs.Configf("backup config not found: %s", name)
}

// HookTimeout returns the hook's timeout or the default when unset.
func (h *Hook) HookTimeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return DefaultHookTimeout
}
