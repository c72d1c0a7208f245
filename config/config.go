package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the diagnosis service
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Fusion       FusionConfig       `mapstructure:"fusion"`
	EventBus     EventBusConfig     `mapstructure:"event_bus"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Storage      StorageConfig      `mapstructure:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// OrchestratorConfig controls session scheduling.
type OrchestratorConfig struct {
	Mode               string         `mapstructure:"mode"`
	CallTimeout        time.Duration  `mapstructure:"call_timeout"`
	MaxConcurrentCalls int            `mapstructure:"max_concurrent_calls"`
	MinModalities      int            `mapstructure:"min_modalities"`
	Priorities         map[string]int `mapstructure:"priorities"`
	Retention          time.Duration  `mapstructure:"retention"`
	SweepSchedule      string         `mapstructure:"sweep_schedule"`
}

// Normalize applies defaults for unset orchestrator values.
func (c OrchestratorConfig) Normalize() OrchestratorConfig {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = "adaptive"
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 300 * time.Second
	}
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 5
	}
	if c.MinModalities <= 0 {
		c.MinModalities = 2
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		c.SweepSchedule = "*/10 * * * *"
	}
	return c
}

// Validate checks the orchestrator configuration.
func (c OrchestratorConfig) Validate() error {
	switch c.Mode {
	case "parallel", "sequential", "priority", "adaptive":
	default:
		return fmt.Errorf("orchestrator.mode %q is not one of parallel, sequential, priority, adaptive", c.Mode)
	}
	if c.MinModalities > 5 {
		return fmt.Errorf("orchestrator.min_modalities cannot exceed 5")
	}
	return nil
}

// FusionConfig controls how modality results are merged.
type FusionConfig struct {
	Strategy                 string             `mapstructure:"strategy"`
	ConfidenceThreshold      float64            `mapstructure:"confidence_threshold"`
	ConflictFloor            float64            `mapstructure:"conflict_floor"`
	EnableConflictResolution bool               `mapstructure:"enable_conflict_resolution"`
	ModalityWeights          map[string]float64 `mapstructure:"modality_weights"`
	CategoryWeights          map[string]float64 `mapstructure:"category_weights"`
}

// Normalize applies defaults for unset fusion values.
func (c FusionConfig) Normalize() FusionConfig {
	c.Strategy = strings.ToLower(strings.TrimSpace(c.Strategy))
	if c.Strategy == "" {
		c.Strategy = "hybrid"
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.6
	}
	if c.ConflictFloor <= 0 {
		c.ConflictFloor = 0.5
	}
	if len(c.ModalityWeights) == 0 {
		c.ModalityWeights = map[string]float64{
			"inquiry":     0.30,
			"look":        0.25,
			"calculation": 0.20,
			"listen":      0.15,
			"palpation":   0.10,
		}
	}
	if len(c.CategoryWeights) == 0 {
		c.CategoryWeights = map[string]float64{
			"syndromes":    0.4,
			"constitution": 0.3,
			"symptoms":     0.2,
			"pulse":        0.1,
		}
	}
	return c
}

// Validate ensures fusion thresholds are in range.
func (c FusionConfig) Validate() error {
	if c.ConfidenceThreshold > 1 {
		return fmt.Errorf("fusion.confidence_threshold must be <= 1")
	}
	if c.ConflictFloor > 1 {
		return fmt.Errorf("fusion.conflict_floor must be <= 1")
	}
	for name, w := range c.ModalityWeights {
		if w < 0 {
			return fmt.Errorf("fusion.modality_weights.%s cannot be negative", name)
		}
	}
	return nil
}

// EventBusConfig sizes the lifecycle event bus.
type EventBusConfig struct {
	QueueSize          int           `mapstructure:"queue_size"`
	DeadLetterCapacity int           `mapstructure:"dead_letter_capacity"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// Normalize applies defaults for unset event bus values.
func (c EventBusConfig) Normalize() EventBusConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// RegistryConfig lists modality services and health check cadence.
type RegistryConfig struct {
	CheckInterval          time.Duration   `mapstructure:"check_interval"`
	CheckTimeout           time.Duration   `mapstructure:"check_timeout"`
	MaxConsecutiveFailures int             `mapstructure:"max_consecutive_failures"`
	Services               []ServiceConfig `mapstructure:"services"`
}

// ServiceConfig declares one modality service.
type ServiceConfig struct {
	Name         string   `mapstructure:"name"`
	Endpoints    []string `mapstructure:"endpoints"`
	Capabilities []string `mapstructure:"capabilities"`
}

// Normalize applies defaults for unset registry values.
func (c RegistryConfig) Normalize() RegistryConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	return c
}

// Validate ensures every declared service is reachable somewhere.
func (c RegistryConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Services))
	for i, svc := range c.Services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			return fmt.Errorf("registry.services[%d].name required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("registry.services: duplicate service %q", name)
		}
		seen[name] = struct{}{}
		if len(svc.Endpoints) == 0 {
			return fmt.Errorf("registry.services[%s].endpoints required", name)
		}
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings. Enabled turns
// on OTLP export; Prometheus metrics are always served on /metrics, and also
// on a dedicated listener when MetricsPort is set.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.MetricsPort < 0 || t.MetricsPort > 65535 {
		return fmt.Errorf("telemetry.metrics_port %d out of range", t.MetricsPort)
	}
	return nil
}

// StorageConfig groups outbound storage used for event mirroring.
type StorageConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Host             string        `mapstructure:"host"`
	Port             string        `mapstructure:"port"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	Timeout          time.Duration `mapstructure:"timeout"`
	EventStream      string        `mapstructure:"event_stream"`
	DeadLetterStream string        `mapstructure:"dead_letter_stream"`
	MaxLen           int64         `mapstructure:"max_len"`
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// Normalize fills every section's defaults.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.General.LogLevel) == "" {
		c.General.LogLevel = "info"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":10001"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	c.Orchestrator = c.Orchestrator.Normalize()
	c.Fusion = c.Fusion.Normalize()
	c.EventBus = c.EventBus.Normalize()
	c.Registry = c.Registry.Normalize()
	if c.Storage.Redis.EventStream == "" {
		c.Storage.Redis.EventStream = "fivediag.events"
	}
	if c.Storage.Redis.DeadLetterStream == "" {
		c.Storage.Redis.DeadLetterStream = "fivediag.deadletters"
	}
}

// Validate runs every section validator.
func (c *Config) Validate() error {
	validators := []func() error{
		c.Orchestrator.Validate,
		c.Fusion.Validate,
		c.Registry.Validate,
		c.Telemetry.Validate,
		c.Storage.Redis.Validate,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a normalized configuration without reading any file.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// LoadConfig loads config from file. An empty path searches the usual
// locations; a missing file there falls back to defaults and environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("orchestrator.mode", "adaptive")
	v.SetDefault("orchestrator.call_timeout", "300s")
	v.SetDefault("orchestrator.max_concurrent_calls", 5)
	v.SetDefault("orchestrator.min_modalities", 2)
	v.SetDefault("orchestrator.retention", "24h")
	v.SetDefault("fusion.strategy", "hybrid")
	v.SetDefault("fusion.enable_conflict_resolution", true)
	v.SetDefault("event_bus.queue_size", 1000)
	v.SetDefault("registry.max_consecutive_failures", 3)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("FIVEDIAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
