// Package config provides configuration management for the orchestration core.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Bus       BusConfig       `mapstructure:"bus"`
	Pools     PoolsConfig     `mapstructure:"pools"`
	WIP       WIPConfig       `mapstructure:"wip"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Graph     GraphConfig     `mapstructure:"graph"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds relational store configuration. An empty host
// selects the embedded SQLite store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// BusConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type BusConfig struct {
	URL             string `mapstructure:"url"`
	ClientID        string `mapstructure:"clientId"`
	MaxReconnects   int    `mapstructure:"maxReconnects"`
	MaxRedeliveries int    `mapstructure:"maxRedeliveries"` // failures before DLQ
	StopTimeout     int    `mapstructure:"stopTimeout"`     // drain bound, seconds
	DedupeWindow    int    `mapstructure:"dedupeWindow"`    // event_id dedupe window, seconds
	DLQRetention    int    `mapstructure:"dlqRetention"`    // hours
}

// PoolConfig configures one role pool.
type PoolConfig struct {
	MaxAgents           int `mapstructure:"maxAgents"`
	HealthCheckInterval int `mapstructure:"healthCheckInterval"` // seconds
}

// PoolsConfig holds the per-role pool configuration.
type PoolsConfig struct {
	TeamLeader      PoolConfig `mapstructure:"teamLeader"`
	BusinessAnalyst PoolConfig `mapstructure:"businessAnalyst"`
	Developer       PoolConfig `mapstructure:"developer"`
	Tester          PoolConfig `mapstructure:"tester"`
	AcquireTimeout  int        `mapstructure:"acquireTimeout"` // seconds
}

// WIPConfig holds default kanban WIP limits applied when a project has
// no per-column configuration of its own.
type WIPConfig struct {
	DefaultLimit        int `mapstructure:"defaultLimit"`
	BottleneckThreshold int `mapstructure:"bottleneckThreshold"` // hours
}

// CacheConfig holds the project context cache configuration.
type CacheConfig struct {
	MaxProjects int `mapstructure:"maxProjects"`
	MaxMessages int `mapstructure:"maxMessages"` // per project conversation window
}

// MetricsConfig holds pool metrics snapshot configuration.
type MetricsConfig struct {
	SnapshotInterval int `mapstructure:"snapshotInterval"` // seconds
	Retention        int `mapstructure:"retention"`        // days
}

// GraphConfig bounds graph executor retry loops.
type GraphConfig struct {
	MaxReviewRetries    int `mapstructure:"maxReviewRetries"`
	MaxSummarizeRetries int `mapstructure:"maxSummarizeRetries"`
	MaxDebugAttempts    int `mapstructure:"maxDebugAttempts"`
}

// LLMConfig holds the chat-completions provider configuration. Any
// OpenAI-compatible endpoint works; the default targets a local
// ollama server.
type LLMConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	APIKey  string `mapstructure:"apiKey"`
	Model   string `mapstructure:"model"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// WorkspaceConfig holds the agents' working tree configuration. Test
// and install commands are argv-style since hosted repos differ in
// runtime.
type WorkspaceConfig struct {
	Root           string   `mapstructure:"root"`
	ArtifactMirror string   `mapstructure:"artifactMirror"`
	TestCommand    []string `mapstructure:"testCommand"`
	InstallCommand []string `mapstructure:"installCommand"`
}

// TracingConfig holds OTLP trace exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StopTimeoutDuration returns the consumer drain bound as a time.Duration.
func (b *BusConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(b.StopTimeout) * time.Second
}

// DedupeWindowDuration returns the event_id dedupe window as a time.Duration.
func (b *BusConfig) DedupeWindowDuration() time.Duration {
	return time.Duration(b.DedupeWindow) * time.Second
}

// AcquireTimeoutDuration returns the pool acquire deadline as a time.Duration.
func (p *PoolsConfig) AcquireTimeoutDuration() time.Duration {
	return time.Duration(p.AcquireTimeout) * time.Second
}

// ForRole returns the pool configuration for a role name.
func (p *PoolsConfig) ForRole(role string) PoolConfig {
	switch role {
	case "team_leader":
		return p.TeamLeader
	case "business_analyst":
		return p.BusinessAnalyst
	case "developer":
		return p.Developer
	case "tester":
		return p.Tester
	}
	return PoolConfig{MaxAgents: 1, HealthCheckInterval: 30}
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVCREW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite unless a postgres host is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "devcrew.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "devcrew")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "devcrew")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// Bus defaults - empty URL means use in-memory event bus
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.clientId", "devcrew-core")
	v.SetDefault("bus.maxReconnects", 10)
	v.SetDefault("bus.maxRedeliveries", 5)
	v.SetDefault("bus.stopTimeout", 30)
	v.SetDefault("bus.dedupeWindow", 600)
	v.SetDefault("bus.dlqRetention", 24)

	// Pool defaults
	v.SetDefault("pools.teamLeader.maxAgents", 2)
	v.SetDefault("pools.teamLeader.healthCheckInterval", 30)
	v.SetDefault("pools.businessAnalyst.maxAgents", 3)
	v.SetDefault("pools.businessAnalyst.healthCheckInterval", 30)
	v.SetDefault("pools.developer.maxAgents", 5)
	v.SetDefault("pools.developer.healthCheckInterval", 30)
	v.SetDefault("pools.tester.maxAgents", 3)
	v.SetDefault("pools.tester.healthCheckInterval", 30)
	v.SetDefault("pools.acquireTimeout", 60)

	// WIP defaults
	v.SetDefault("wip.defaultLimit", 5)
	v.SetDefault("wip.bottleneckThreshold", 48)

	// Cache defaults
	v.SetDefault("cache.maxProjects", 100)
	v.SetDefault("cache.maxMessages", 50)

	// Metrics defaults
	v.SetDefault("metrics.snapshotInterval", 300)
	v.SetDefault("metrics.retention", 7)

	// Graph defaults
	v.SetDefault("graph.maxReviewRetries", 2)
	v.SetDefault("graph.maxSummarizeRetries", 2)
	v.SetDefault("graph.maxDebugAttempts", 3)

	// LLM defaults - a local OpenAI-compatible endpoint
	v.SetDefault("llm.baseUrl", "http://localhost:11434/v1")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "qwen2.5-coder")
	v.SetDefault("llm.timeout", 120)

	// Workspace defaults
	v.SetDefault("workspace.root", "./workspace")
	v.SetDefault("workspace.artifactMirror", "./workspace/.devcrew/artifacts")
	v.SetDefault("workspace.testCommand", []string{"make", "test"})
	v.SetDefault("workspace.installCommand", []string{"make", "install-dep"})

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVCREW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/devcrew/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVCREW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devcrew/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Bus.MaxRedeliveries <= 0 {
		errs = append(errs, "bus.maxRedeliveries must be positive")
	}
	if cfg.Bus.StopTimeout <= 0 {
		errs = append(errs, "bus.stopTimeout must be positive")
	}

	for _, pc := range []PoolConfig{cfg.Pools.TeamLeader, cfg.Pools.BusinessAnalyst, cfg.Pools.Developer, cfg.Pools.Tester} {
		if pc.MaxAgents <= 0 {
			errs = append(errs, "pools.*.maxAgents must be positive")
			break
		}
	}

	if cfg.Graph.MaxDebugAttempts <= 0 {
		errs = append(errs, "graph.maxDebugAttempts must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
		)
	}
	return fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", d.Path)
}
