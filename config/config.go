package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the complete fabric configuration.
type Config struct {
	Log          LogConfig          `yaml:"log" env:"LOG"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" env:"TELEMETRY"`
	Metrics      MetricsConfig      `yaml:"metrics" env:"METRICS"`
	Redis        RedisConfig        `yaml:"redis" env:"REDIS"`
	Audit        AuditConfig        `yaml:"audit" env:"AUDIT"`
	Auth         AuthConfig         `yaml:"auth" env:"AUTH"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`
	Validator    ValidatorConfig    `yaml:"validator" env:"VALIDATOR"`
	Consensus    ConsensusConfig    `yaml:"consensus" env:"CONSENSUS"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths, e.g. stdout or file paths
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with file:line
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace adds stacks at error level
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig configures the Prometheus surface.
type MetricsConfig struct {
	Namespace  string `yaml:"namespace" env:"NAMESPACE"`
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// RedisConfig configures the handoff record store. When disabled, records
// are kept in process memory.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	// Driver: log, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// Path is the sqlite file; ignored by the log driver.
	Path string `yaml:"path" env:"PATH"`
}

// AuthConfig configures principal token issuance.
type AuthConfig struct {
	Secret   string        `yaml:"secret" env:"SECRET"`
	Issuer   string        `yaml:"issuer" env:"ISSUER"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// OrchestratorConfig tunes the handoff state machine.
type OrchestratorConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay       time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay        time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	ProviderTimeout time.Duration `yaml:"provider_timeout" env:"PROVIDER_TIMEOUT"`
	VetoQuorum      int           `yaml:"veto_quorum" env:"VETO_QUORUM"`
	VetoThreshold   float64       `yaml:"veto_threshold" env:"VETO_THRESHOLD"`
	VetoTimeout     time.Duration `yaml:"veto_timeout" env:"VETO_TIMEOUT"`
	DefaultCapacity int64         `yaml:"default_capacity" env:"DEFAULT_CAPACITY"`
}

// ValidatorConfig tunes the claim validator.
type ValidatorConfig struct {
	AutoVeto       bool    `yaml:"auto_veto" env:"AUTO_VETO"`
	VetoConfidence float64 `yaml:"veto_confidence" env:"VETO_CONFIDENCE"`
	HistorySize    int     `yaml:"history_size" env:"HISTORY_SIZE"`
}

// ConsensusConfig tunes default session resolution.
type ConsensusConfig struct {
	DefaultThreshold float64 `yaml:"default_threshold" env:"DEFAULT_THRESHOLD"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "agentfabric",
			SampleRate:   1.0,
		},
		Metrics: MetricsConfig{
			Namespace:  "agentfabric",
			ListenAddr: ":9090",
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "agentfabric:",
		},
		Audit: AuditConfig{
			Driver: "log",
			Path:   "agentfabric_audit.db",
		},
		Auth: AuthConfig{
			Issuer:   "agentfabric",
			TokenTTL: time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:     3,
			BaseDelay:       time.Second,
			MaxDelay:        30 * time.Second,
			ProviderTimeout: 30 * time.Second,
			VetoQuorum:      3,
			VetoThreshold:   0.833,
			VetoTimeout:     30 * time.Second,
			DefaultCapacity: 4,
		},
		Validator: ValidatorConfig{
			AutoVeto:       true,
			VetoConfidence: 0.7,
			HistorySize:    64,
		},
		Consensus: ConsensusConfig{
			DefaultThreshold: 0.833,
		},
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	var errs []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	if c.Orchestrator.MaxAttempts < 1 {
		errs = append(errs, "orchestrator max_attempts must be positive")
	}
	if c.Orchestrator.VetoThreshold <= 0 || c.Orchestrator.VetoThreshold > 1 {
		errs = append(errs, "orchestrator veto_threshold must be in (0, 1]")
	}
	if c.Consensus.DefaultThreshold <= 0 || c.Consensus.DefaultThreshold > 1 {
		errs = append(errs, "consensus default_threshold must be in (0, 1]")
	}
	if c.Validator.VetoConfidence < 0 || c.Validator.VetoConfidence > 1 {
		errs = append(errs, "validator veto_confidence must be in [0, 1]")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis addr is required when redis is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// BuildLogger constructs a zap logger from the log section.
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if c.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if len(c.OutputPaths) > 0 {
		zcfg.OutputPaths = c.OutputPaths
	}
	zcfg.DisableCaller = !c.EnableCaller
	zcfg.DisableStacktrace = !c.EnableStacktrace
	return zcfg.Build()
}
