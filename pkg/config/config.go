package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/launchforge/launchforge/pkg/provision"
	"github.com/launchforge/launchforge/pkg/stores"
	"github.com/launchforge/launchforge/pkg/telemetry"
)

// Config is the daemon configuration, loaded from YAML.
type Config struct {
	// Store configures the SQLite session store.
	Store StoreConfig `yaml:"store" validate:"required"`

	// Telemetry configures logging, tracing, metrics, and the event bus.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Stages overrides per-stage executor policy, keyed by stage name.
	Stages map[string]StageConfig `yaml:"stages" validate:"dive"`

	// Orchestrator holds orchestrator-level tuning.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Reconciler configures the stale-session sweep.
	Reconciler ReconcilerConfig `yaml:"reconciler"`

	// Policy configures request-validation policies.
	Policy PolicyConfig `yaml:"policy"`
}

// StoreConfig configures the session store.
type StoreConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// StageConfig overrides executor policy for one stage.
type StageConfig struct {
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=0,lte=25"`
	Backoff      BackoffConfig `yaml:"backoff"`
}

// BackoffConfig configures inter-attempt backoff for a stage.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial" validate:"gte=0"`
	Max     time.Duration `yaml:"max" validate:"gte=0"`
	Factor  float64       `yaml:"factor" validate:"gte=0"`
	Jitter  bool          `yaml:"jitter"`
}

// OrchestratorConfig holds orchestrator-level tuning.
type OrchestratorConfig struct {
	NotifyTimeout time.Duration `yaml:"notify_timeout" validate:"gte=0"`
}

// ReconcilerConfig configures the stale-session sweep.
type ReconcilerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval" validate:"gte=0"`
	StaleAfter time.Duration `yaml:"stale_after" validate:"gte=0"`
}

// PolicyConfig configures request-validation policy loading.
type PolicyConfig struct {
	// Paths lists .rego files or directories loaded on top of the
	// built-in policies.
	Paths []string `yaml:"paths"`

	// Watch enables hot reload when a policy file changes.
	Watch bool `yaml:"watch"`
}

// Default returns the default daemon configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "launchforge.db",
		},
		Telemetry: telemetry.DefaultConfig(),
		Orchestrator: OrchestratorConfig{
			NotifyTimeout: 10 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			Enabled:    true,
			Interval:   5 * time.Minute,
			StaleAfter: 2 * time.Hour,
		},
	}
}

// Load reads, parses, and validates the config file at path. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints and stage names.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	for name := range c.Stages {
		if err := provision.Stage(name).Validate(); err != nil {
			return fmt.Errorf("invalid stage %q in config: %w", name, err)
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// StageConfigs converts the stage overrides into executor configs keyed by
// stage. Stages absent from the config keep the orchestrator defaults.
func (c *Config) StageConfigs() map[provision.Stage]provision.ExecutorConfig {
	out := make(map[provision.Stage]provision.ExecutorConfig, len(c.Stages))
	for name, sc := range c.Stages {
		out[provision.Stage(name)] = provision.ExecutorConfig{
			Timeout:      sc.Timeout,
			PollInterval: sc.PollInterval,
			MaxAttempts:  sc.MaxAttempts,
			Backoff: provision.BackoffPolicy{
				Initial: sc.Backoff.Initial,
				Max:     sc.Backoff.Max,
				Factor:  sc.Backoff.Factor,
				Jitter:  sc.Backoff.Jitter,
			},
		}
	}
	return out
}

// StoreSettings converts the store section into the store package's config.
func (c *Config) StoreSettings() stores.Config {
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
	}
}

// ReconcilerSettings converts the reconciler section.
func (c *Config) ReconcilerSettings() provision.ReconcilerConfig {
	return provision.ReconcilerConfig{
		Interval:   c.Reconciler.Interval,
		StaleAfter: c.Reconciler.StaleAfter,
	}
}

// OrchestratorSettings converts the orchestrator-level tuning.
func (c *Config) OrchestratorSettings() provision.Config {
	return provision.Config{
		Stages:        c.StageConfigs(),
		NotifyTimeout: c.Orchestrator.NotifyTimeout,
	}
}
