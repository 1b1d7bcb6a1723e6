package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the statekit configuration
type Config struct {
	// Backend is the state store URI, e.g. memory://, redis://host:6379/0,
	// sqlite://statekit.db, mongodb://host:27017/statekit
	Backend string `yaml:"backend"`

	Retry      RetryConfig      `yaml:"retry"`
	Runner     RunnerConfig     `yaml:"runner"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Retention  RetentionConfig  `yaml:"retention"`

	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`
}

// RetryConfig controls retries of transient store failures
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// RunnerConfig controls invocation execution
type RunnerConfig struct {
	MaxStepRetries int `yaml:"max_step_retries"`
	// StepsPerSecond throttles collaborator calls; 0 disables the limiter
	StepsPerSecond float64 `yaml:"steps_per_second"`
	StepBurst      int     `yaml:"step_burst"`
}

// CheckpointConfig controls checkpoint cadence and retention
type CheckpointConfig struct {
	// EveryNSteps checkpoints after every n completed steps; 0 leaves
	// checkpointing to the collaborator's declared boundaries
	EveryNSteps      int  `yaml:"every_n_steps"`
	RetainOnComplete bool `yaml:"retain_on_complete"`
}

// RetentionConfig controls the session reaper
type RetentionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression, e.g. "@hourly"
	Schedule string `yaml:"schedule"`
	// MaxIdle purges sessions inactive for longer than this
	MaxIdle time.Duration `yaml:"max_idle"`
	// Apps lists the application ids the reaper sweeps
	Apps []string `yaml:"apps"`
}

// DefaultConfig returns a configuration with working defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: "memory://",
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Runner: RunnerConfig{
			MaxStepRetries: 3,
		},
		Checkpoint: CheckpointConfig{
			EveryNSteps: 1,
		},
		Retention: RetentionConfig{
			Schedule: "@hourly",
			MaxIdle:  24 * time.Hour,
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills unset fields from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("STATEKIT_BACKEND"); v != "" {
		c.Backend = v
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Backend == "" {
		return fmt.Errorf("backend is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Runner.MaxStepRetries < 1 {
		return fmt.Errorf("runner.max_step_retries must be at least 1")
	}
	if c.Runner.StepsPerSecond < 0 {
		return fmt.Errorf("runner.steps_per_second must not be negative")
	}
	if c.Retention.Enabled {
		if c.Retention.Schedule == "" {
			return fmt.Errorf("retention.schedule is required when retention is enabled")
		}
		if c.Retention.MaxIdle <= 0 {
			return fmt.Errorf("retention.max_idle must be positive when retention is enabled")
		}
	}
	return nil
}
