// Package config loads and validates service configuration from yaml files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/vortexpay/velocityguard/internal/guard"
)

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Guard     GuardConfig     `mapstructure:"guard" yaml:"guard"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	HealthPath      string        `mapstructure:"health_path" yaml:"health_path"`
}

// GuardConfig holds the engine settings and rule set.
type GuardConfig struct {
	SweepInterval       time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SuspiciousRetention time.Duration `mapstructure:"suspicious_retention" yaml:"suspicious_retention"`
	RotationLookback    time.Duration `mapstructure:"rotation_lookback" yaml:"rotation_lookback"`
	GeographyLookback   time.Duration `mapstructure:"geography_lookback" yaml:"geography_lookback"`
	EventBuffer         int           `mapstructure:"event_buffer" yaml:"event_buffer"`
	RulesFile           string        `mapstructure:"rules_file" yaml:"rules_file"`
	Rules               []RuleConfig  `mapstructure:"rules" yaml:"rules"`
}

// RuleConfig is one rate limit rule as expressed in configuration.
type RuleConfig struct {
	ScopeKey      string        `mapstructure:"scope_key" yaml:"scope_key"`
	Window        time.Duration `mapstructure:"window" yaml:"window"`
	MaxRequests   int           `mapstructure:"max_requests" yaml:"max_requests"`
	BlockDuration time.Duration `mapstructure:"block_duration" yaml:"block_duration"`
}

// TelemetryConfig holds the optional event forwarding and tracing settings.
type TelemetryConfig struct {
	Kafka   KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig configures trace span export. With stdout disabled the
// engine's spans stay no-ops through the global tracer.
type TracingConfig struct {
	Stdout bool `mapstructure:"stdout" yaml:"stdout"`
}

// KafkaConfig configures the Kafka telemetry sink. Disabled when no brokers
// are configured.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// Enabled reports whether the Kafka sink should be wired.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

// Load reads configuration from the given file (optional) plus environment
// variables prefixed VELOCITYGUARD_.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VELOCITYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Guard.RulesFile != "" {
		rules, err := loadRulesFile(cfg.Guard.RulesFile)
		if err != nil {
			return nil, err
		}
		cfg.Guard.Rules = rules
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.health_path", "/healthz")

	v.SetDefault("guard.sweep_interval", 5*time.Minute)
	v.SetDefault("guard.suspicious_retention", 7*24*time.Hour)
	v.SetDefault("guard.rotation_lookback", time.Hour)
	v.SetDefault("guard.geography_lookback", 24*time.Hour)
	v.SetDefault("guard.event_buffer", 1024)

	v.SetDefault("telemetry.kafka.topic", "velocityguard.events")
	v.SetDefault("telemetry.tracing.stdout", false)
}

// rawRule mirrors RuleConfig with string durations, the format used in the
// standalone rules file.
type rawRule struct {
	ScopeKey      string `yaml:"scope_key"`
	Window        string `yaml:"window"`
	MaxRequests   int    `yaml:"max_requests"`
	BlockDuration string `yaml:"block_duration"`
}

// loadRulesFile reads a standalone yaml rule list, the operational format for
// swapping limits without touching the main config.
func loadRulesFile(path string) ([]RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read rules file %s: %w", path, err)
	}
	var raw []rawRule
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse rules file %s: %w", path, err)
	}

	rules := make([]RuleConfig, 0, len(raw))
	for _, r := range raw {
		window, err := time.ParseDuration(r.Window)
		if err != nil {
			return nil, fmt.Errorf("config: rule %s: invalid window %q: %w", r.ScopeKey, r.Window, err)
		}
		block, err := time.ParseDuration(r.BlockDuration)
		if err != nil {
			return nil, fmt.Errorf("config: rule %s: invalid block_duration %q: %w", r.ScopeKey, r.BlockDuration, err)
		}
		rules = append(rules, RuleConfig{
			ScopeKey:      r.ScopeKey,
			Window:        window,
			MaxRequests:   r.MaxRequests,
			BlockDuration: block,
		})
	}
	return rules, nil
}

// Validate rejects configurations the engine must not start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	for _, r := range c.Guard.Rules {
		if r.ScopeKey == "" {
			return fmt.Errorf("config: rule with empty scope_key")
		}
		if r.MaxRequests < 1 {
			return fmt.Errorf("config: rule %s: max_requests must be >= 1", r.ScopeKey)
		}
		if r.Window <= 0 {
			return fmt.Errorf("config: rule %s: window must be positive", r.ScopeKey)
		}
		if r.BlockDuration < 0 {
			return fmt.Errorf("config: rule %s: block_duration must not be negative", r.ScopeKey)
		}
	}
	return nil
}

// GuardOptions converts the configuration into engine options. An empty rule
// list falls back to the built-in defaults.
func (c *Config) GuardOptions() guard.Options {
	rules := make([]guard.Rule, 0, len(c.Guard.Rules))
	for _, r := range c.Guard.Rules {
		rules = append(rules, guard.Rule{
			ScopeKey:      r.ScopeKey,
			Window:        r.Window,
			MaxRequests:   r.MaxRequests,
			BlockDuration: r.BlockDuration,
		})
	}
	return guard.Options{
		Rules:               rules,
		SweepInterval:       c.Guard.SweepInterval,
		SuspiciousRetention: c.Guard.SuspiciousRetention,
		RotationLookback:    c.Guard.RotationLookback,
		GeographyLookback:   c.Guard.GeographyLookback,
		EventBuffer:         c.Guard.EventBuffer,
	}
}
