// Package config loads and validates application configuration from YAML
// files and environment variable overrides. Components receive plain
// structured values; nothing inside the core parses the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/devq-ai/agentical-sub002/pkg/dbpool"
	"github.com/devq-ai/agentical-sub002/pkg/executor"
	"github.com/devq-ai/agentical-sub002/pkg/monitoring"
	"github.com/devq-ai/agentical-sub002/pkg/types"

	"gopkg.in/yaml.v2"
)

// Config is the root application configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Tracing   TracingConfig   `yaml:"tracing"`
	HotReload HotReloadConfig `yaml:"hot_reload"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ExecutorConfig struct {
	MaxConcurrentOperations int    `yaml:"max_concurrent_operations"`
	MaxWorkerThreads        int    `yaml:"max_worker_threads"`
	MaxWorkerProcesses      int    `yaml:"max_worker_processes"`
	OperationTimeout        string `yaml:"operation_timeout"`
	BatchSize               int    `yaml:"batch_size"`
}

type DatabaseConfig struct {
	URL                 string `yaml:"url"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	Namespace           string `yaml:"namespace"`
	Database            string `yaml:"database"`
	MaxConnections      int    `yaml:"max_connections"`
	MinConnections      int    `yaml:"min_connections"`
	ConnectionTimeout   string `yaml:"connection_timeout"`
	QueryTimeout        string `yaml:"query_timeout"`
	HealthCheckInterval string `yaml:"health_check_interval"`
	MaxRetries          int    `yaml:"max_retries"`
}

type CacheConfig struct {
	TTL     string `yaml:"ttl"`
	MaxSize int    `yaml:"max_size"`
}

type MonitorConfig struct {
	Enabled            bool    `yaml:"enabled"`
	MonitoringInterval string  `yaml:"monitoring_interval"`
	HistorySize        int     `yaml:"history_size"`
	DiskPath           string  `yaml:"disk_path"`
	LeakWindowSamples  int     `yaml:"leak_window_samples"`
	LeakGrowthMB       float64 `yaml:"leak_growth_mb"`

	MemoryWarningMB        float64 `yaml:"memory_warning_mb"`
	MemoryCriticalMB       float64 `yaml:"memory_critical_mb"`
	CPUWarningPercent      float64 `yaml:"cpu_warning_percent"`
	CPUCriticalPercent     float64 `yaml:"cpu_critical_percent"`
	DiskWarningPercent     float64 `yaml:"disk_warning_percent"`
	DiskCriticalPercent    float64 `yaml:"disk_critical_percent"`
	ResponseTimeWarningMS  float64 `yaml:"response_time_warning_ms"`
	ResponseTimeCriticalMS float64 `yaml:"response_time_critical_ms"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type HotReloadConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DebounceInterval string `yaml:"debounce_interval"`
}

// Load reads the configuration file (when present), applies defaults, and
// then environment overrides.
func Load(configFile string) (*Config, error) {
	config := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
			}
		} else if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	return config, nil
}

func applyDefaults(config *Config) {
	if config.App.Name == "" {
		config.App.Name = "agentical-core"
	}
	if config.App.Version == "" {
		config.App.Version = "v0.1.0"
	}
	if config.App.Environment == "" {
		config.App.Environment = "production"
	}
	if config.App.LogLevel == "" {
		config.App.LogLevel = "info"
	}
	if config.App.LogFormat == "" {
		config.App.LogFormat = "json"
	}

	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8702
	}

	if config.Executor.MaxConcurrentOperations == 0 {
		config.Executor.MaxConcurrentOperations = 10
	}
	if config.Executor.MaxWorkerThreads == 0 {
		config.Executor.MaxWorkerThreads = 20
	}
	if config.Executor.MaxWorkerProcesses == 0 {
		config.Executor.MaxWorkerProcesses = 4
	}
	if config.Executor.OperationTimeout == "" {
		config.Executor.OperationTimeout = "5m"
	}
	if config.Executor.BatchSize == 0 {
		config.Executor.BatchSize = 10
	}

	if config.Database.URL == "" {
		config.Database.URL = "postgres://localhost:5432/agentical"
	}
	if config.Database.MaxConnections == 0 {
		config.Database.MaxConnections = 10
	}
	if config.Database.MinConnections == 0 {
		config.Database.MinConnections = 2
	}
	if config.Database.ConnectionTimeout == "" {
		config.Database.ConnectionTimeout = "10s"
	}
	if config.Database.QueryTimeout == "" {
		config.Database.QueryTimeout = "30s"
	}
	if config.Database.HealthCheckInterval == "" {
		config.Database.HealthCheckInterval = "30s"
	}
	if config.Database.MaxRetries == 0 {
		config.Database.MaxRetries = 3
	}

	if config.Cache.TTL == "" {
		config.Cache.TTL = "5m"
	}
	if config.Cache.MaxSize == 0 {
		config.Cache.MaxSize = 1000
	}

	if config.Monitor.MonitoringInterval == "" {
		config.Monitor.MonitoringInterval = "30s"
	}
	if config.Monitor.HistorySize == 0 {
		config.Monitor.HistorySize = 720
	}
	if config.Monitor.DiskPath == "" {
		config.Monitor.DiskPath = "/"
	}
	if config.Monitor.LeakWindowSamples == 0 {
		config.Monitor.LeakWindowSamples = 60
	}
	if config.Monitor.LeakGrowthMB == 0 {
		config.Monitor.LeakGrowthMB = 100
	}
	if config.Monitor.MemoryWarningMB == 0 {
		config.Monitor.MemoryWarningMB = 512
	}
	if config.Monitor.MemoryCriticalMB == 0 {
		config.Monitor.MemoryCriticalMB = 1024
	}
	if config.Monitor.CPUWarningPercent == 0 {
		config.Monitor.CPUWarningPercent = 70
	}
	if config.Monitor.CPUCriticalPercent == 0 {
		config.Monitor.CPUCriticalPercent = 90
	}
	if config.Monitor.DiskWarningPercent == 0 {
		config.Monitor.DiskWarningPercent = 80
	}
	if config.Monitor.DiskCriticalPercent == 0 {
		config.Monitor.DiskCriticalPercent = 95
	}
	if config.Monitor.ResponseTimeWarningMS == 0 {
		config.Monitor.ResponseTimeWarningMS = 500
	}
	if config.Monitor.ResponseTimeCriticalMS == 0 {
		config.Monitor.ResponseTimeCriticalMS = 2000
	}

	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = config.App.Name
	}
	if config.Tracing.Exporter == "" {
		config.Tracing.Exporter = "otlp"
	}
	if config.Tracing.SampleRate == 0 {
		config.Tracing.SampleRate = 0.1
	}

	if config.HotReload.DebounceInterval == "" {
		config.HotReload.DebounceInterval = "1s"
	}
}

func applyEnvironmentOverrides(config *Config) {
	if v := os.Getenv("AGENTICAL_LOG_LEVEL"); v != "" {
		config.App.LogLevel = v
	}
	if v := os.Getenv("AGENTICAL_LOG_FORMAT"); v != "" {
		config.App.LogFormat = v
	}
	if v := os.Getenv("AGENTICAL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTICAL_DATABASE_URL"); v != "" {
		config.Database.URL = v
	}
	if v := os.Getenv("AGENTICAL_DATABASE_USERNAME"); v != "" {
		config.Database.Username = v
	}
	if v := os.Getenv("AGENTICAL_DATABASE_PASSWORD"); v != "" {
		config.Database.Password = v
	}
	if v := os.Getenv("AGENTICAL_TRACING_ENDPOINT"); v != "" {
		config.Tracing.Endpoint = v
	}
}

// Validate checks cross-field invariants.
func Validate(config *Config) error {
	if config.Database.MinConnections < 0 {
		return fmt.Errorf("database.min_connections must be >= 0")
	}
	if config.Database.MaxConnections < config.Database.MinConnections {
		return fmt.Errorf("database.max_connections (%d) must be >= min_connections (%d)",
			config.Database.MaxConnections, config.Database.MinConnections)
	}
	if config.Executor.MaxConcurrentOperations < 1 {
		return fmt.Errorf("executor.max_concurrent_operations must be >= 1")
	}
	if config.Monitor.MemoryCriticalMB < config.Monitor.MemoryWarningMB {
		return fmt.Errorf("monitor.memory_critical_mb must be >= memory_warning_mb")
	}
	if config.Monitor.CPUCriticalPercent < config.Monitor.CPUWarningPercent {
		return fmt.Errorf("monitor.cpu_critical_percent must be >= cpu_warning_percent")
	}
	if config.Monitor.DiskCriticalPercent < config.Monitor.DiskWarningPercent {
		return fmt.Errorf("monitor.disk_critical_percent must be >= disk_warning_percent")
	}
	for _, d := range []struct{ name, value string }{
		{"executor.operation_timeout", config.Executor.OperationTimeout},
		{"database.connection_timeout", config.Database.ConnectionTimeout},
		{"database.query_timeout", config.Database.QueryTimeout},
		{"database.health_check_interval", config.Database.HealthCheckInterval},
		{"cache.ttl", config.Cache.TTL},
		{"monitor.monitoring_interval", config.Monitor.MonitoringInterval},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.value)
		}
	}
	return nil
}

// ParseDurationSafe parses a duration string, falling back to the default on
// empty or malformed input.
func ParseDurationSafe(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ExecutorConfig maps the loaded configuration onto the executor's settings.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		MaxConcurrentOperations: c.Executor.MaxConcurrentOperations,
		MaxWorkerThreads:        c.Executor.MaxWorkerThreads,
		MaxWorkerProcesses:      c.Executor.MaxWorkerProcesses,
		OperationTimeout:        ParseDurationSafe(c.Executor.OperationTimeout, 5*time.Minute),
		BatchSize:               c.Executor.BatchSize,
	}
}

// ConnectionConfig maps the loaded configuration onto the pool's settings.
func (c *Config) ConnectionConfig() types.ConnectionConfig {
	return types.ConnectionConfig{
		URL:                 c.Database.URL,
		Username:            c.Database.Username,
		Password:            c.Database.Password,
		Namespace:           c.Database.Namespace,
		Database:            c.Database.Database,
		MaxConnections:      c.Database.MaxConnections,
		MinConnections:      c.Database.MinConnections,
		ConnectionTimeout:   ParseDurationSafe(c.Database.ConnectionTimeout, 10*time.Second),
		QueryTimeout:        ParseDurationSafe(c.Database.QueryTimeout, 30*time.Second),
		HealthCheckInterval: ParseDurationSafe(c.Database.HealthCheckInterval, 30*time.Second),
		MaxRetries:          c.Database.MaxRetries,
	}
}

// QueryCacheConfig maps the loaded configuration onto the cache's settings.
func (c *Config) QueryCacheConfig() dbpool.CacheConfig {
	return dbpool.CacheConfig{
		TTL:     ParseDurationSafe(c.Cache.TTL, 5*time.Minute),
		MaxSize: c.Cache.MaxSize,
	}
}

// MonitoringConfig maps the loaded configuration onto the monitor's settings.
func (c *Config) MonitoringConfig() monitoring.Config {
	return monitoring.Config{
		Enabled:            c.Monitor.Enabled,
		MonitoringInterval: ParseDurationSafe(c.Monitor.MonitoringInterval, 30*time.Second),
		HistorySize:        c.Monitor.HistorySize,
		DiskPath:           c.Monitor.DiskPath,
		LeakWindowSamples:  c.Monitor.LeakWindowSamples,
		LeakGrowthMB:       c.Monitor.LeakGrowthMB,
		Thresholds: monitoring.Thresholds{
			MemoryWarningMB:        c.Monitor.MemoryWarningMB,
			MemoryCriticalMB:       c.Monitor.MemoryCriticalMB,
			CPUWarningPercent:      c.Monitor.CPUWarningPercent,
			CPUCriticalPercent:     c.Monitor.CPUCriticalPercent,
			DiskWarningPercent:     c.Monitor.DiskWarningPercent,
			DiskCriticalPercent:    c.Monitor.DiskCriticalPercent,
			ResponseTimeWarningMS:  c.Monitor.ResponseTimeWarningMS,
			ResponseTimeCriticalMS: c.Monitor.ResponseTimeCriticalMS,
		},
	}
}
