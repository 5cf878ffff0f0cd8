package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for the gateway.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     toml:"server"`
	Providers  []ProviderConfig `mapstructure:"providers"  toml:"providers"`
	Routing    RoutingConfig    `mapstructure:"routing"    toml:"routing"`
	Recording  RecordingConfig  `mapstructure:"recording"  toml:"recording"`
	Stats      StatsConfig      `mapstructure:"stats"      toml:"stats"`
	Resilience ResilienceConfig `mapstructure:"resilience" toml:"resilience"`
	Tracing    TracingConfig    `mapstructure:"tracing"    toml:"tracing"`
}

// ServerConfig holds the core listener settings.
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"  toml:"bind_address"`
	Port         int    `mapstructure:"port"          toml:"port"`
	LogLevel     string `mapstructure:"log_level"     toml:"log_level"`
	DataDir      string `mapstructure:"data_dir"      toml:"data_dir"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"   toml:"tls_enabled"`
	CertFile     string `mapstructure:"cert_file"     toml:"cert_file"`
	KeyFile      string `mapstructure:"key_file"      toml:"key_file"`
	ReadTimeout  int    `mapstructure:"read_timeout"  toml:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout" toml:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"  toml:"idle_timeout"`
	MaxBodySize  int64  `mapstructure:"max_body_size" toml:"max_body_size"`
	AcceptMode   string `mapstructure:"accept_mode"   toml:"accept_mode"` // "anthropic", "openai", "both"
}

// ProviderConfig describes a single backing provider. Declaration order in
// the config file is significant: it fixes the provider's stable integer id,
// the failover chain order, and routing tie-breaks.
type ProviderConfig struct {
	Name    string   `mapstructure:"name"     toml:"name"`
	Kind    string   `mapstructure:"kind"     toml:"kind"` // wire dialect: "anthropic" or "openai"
	BaseURL string   `mapstructure:"base_url" toml:"base_url"`
	KeyRef  string   `mapstructure:"key_ref"  toml:"key_ref"`
	Models  []string `mapstructure:"models"   toml:"models"`
	Enabled bool     `mapstructure:"enabled"  toml:"enabled"`
	Weight  int      `mapstructure:"weight"   toml:"weight"`

	// Pool tuning. Zero values fall back to the package defaults via the
	// accessor methods below.
	PoolMaxIdle        int  `mapstructure:"pool_max_idle"           toml:"pool_max_idle"`
	PoolIdleTimeoutSec int  `mapstructure:"pool_idle_timeout"       toml:"pool_idle_timeout"` // seconds
	KeepaliveSec       int  `mapstructure:"keepalive"               toml:"keepalive"`         // seconds
	ConnectTimeoutSec  int  `mapstructure:"connect_timeout"         toml:"connect_timeout"`   // seconds
	TotalTimeoutSec    int  `mapstructure:"total_timeout"           toml:"total_timeout"`     // seconds
	ConnectRetries     int  `mapstructure:"connect_retries"         toml:"connect_retries"`
	NoConnectRetries   bool `mapstructure:"disable_connect_retries" toml:"disable_connect_retries"`
}

// MaxIdle returns the pool max-idle setting with the default applied.
func (p ProviderConfig) MaxIdle() int {
	if p.PoolMaxIdle <= 0 {
		return DefaultPoolMaxIdle
	}
	return p.PoolMaxIdle
}

// IdleTimeout returns the idle-connection timeout with the default applied.
func (p ProviderConfig) IdleTimeout() time.Duration {
	if p.PoolIdleTimeoutSec <= 0 {
		return DefaultPoolIdleTimeout * time.Second
	}
	return time.Duration(p.PoolIdleTimeoutSec) * time.Second
}

// Keepalive returns the TCP keepalive interval with the default applied.
func (p ProviderConfig) Keepalive() time.Duration {
	if p.KeepaliveSec <= 0 {
		return DefaultKeepalive * time.Second
	}
	return time.Duration(p.KeepaliveSec) * time.Second
}

// ConnectTimeout returns the connect timeout with the default applied.
func (p ProviderConfig) ConnectTimeout() time.Duration {
	if p.ConnectTimeoutSec <= 0 {
		return DefaultConnectTimeout * time.Second
	}
	return time.Duration(p.ConnectTimeoutSec) * time.Second
}

// TotalTimeout returns the total request timeout with the default applied.
func (p ProviderConfig) TotalTimeout() time.Duration {
	if p.TotalTimeoutSec <= 0 {
		return DefaultTotalTimeout * time.Second
	}
	return time.Duration(p.TotalTimeoutSec) * time.Second
}

// Retries returns the connection-establishment retry count. A provider can
// disable retries entirely with disable_connect_retries = true.
func (p ProviderConfig) Retries() int {
	if p.NoConnectRetries {
		return 0
	}
	if p.ConnectRetries <= 0 {
		return DefaultConnectRetries
	}
	return p.ConnectRetries
}

// RoutingConfig controls how requests are dispatched to providers.
type RoutingConfig struct {
	DefaultStrategy string            `mapstructure:"default_strategy" toml:"default_strategy"`
	ModelStrategies map[string]string `mapstructure:"model_strategies" toml:"model_strategies"`
	DefaultProvider string            `mapstructure:"default_provider" toml:"default_provider"`
	RerouteNotice   bool              `mapstructure:"reroute_notice"   toml:"reroute_notice"`
}

// RecordingConfig controls session recording.
type RecordingConfig struct {
	Enabled         bool   `mapstructure:"enabled"           toml:"enabled"`
	Dir             string `mapstructure:"dir"               toml:"dir"`
	QueueSize       int    `mapstructure:"queue_size"        toml:"queue_size"`
	BatchSize       int    `mapstructure:"batch_size"        toml:"batch_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms" toml:"flush_interval_ms"`
	RetentionDays   int    `mapstructure:"retention_days"    toml:"retention_days"`
	Redact          bool   `mapstructure:"redact"            toml:"redact"`
}

// FlushInterval returns the recorder flush interval as a duration.
func (r RecordingConfig) FlushInterval() time.Duration {
	if r.FlushIntervalMs <= 0 {
		return DefaultFlushIntervalMs * time.Millisecond
	}
	return time.Duration(r.FlushIntervalMs) * time.Millisecond
}

// StatsConfig controls the in-memory stats aggregator.
type StatsConfig struct {
	MaxSessions int `mapstructure:"max_sessions" toml:"max_sessions"`
}

// ResilienceConfig controls the per-provider circuit breaker.
type ResilienceConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold" toml:"failure_threshold"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"  toml:"cooldown_seconds"`
}

// Cooldown returns the circuit cooldown as a duration.
func (r ResilienceConfig) Cooldown() time.Duration {
	if r.CooldownSeconds <= 0 {
		return DefaultCooldownSeconds * time.Second
	}
	return time.Duration(r.CooldownSeconds) * time.Second
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "gateman"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// Overrides carries command-line flag values. They take precedence over both
// the config file and environment variables; zero values mean "not set".
type Overrides struct {
	BindAddress string
	Port        int
	LogLevel    string
	DataDir     string
	AcceptMode  string
}

// apply writes the non-zero override values into cfg.
func (o Overrides) apply(cfg *Config) {
	if o.BindAddress != "" {
		cfg.Server.BindAddress = o.BindAddress
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	if o.LogLevel != "" {
		cfg.Server.LogLevel = o.LogLevel
	}
	if o.DataDir != "" {
		cfg.Server.DataDir = o.DataDir
	}
	if o.AcceptMode != "" {
		cfg.Server.AcceptMode = o.AcceptMode
	}
}

// Load reads configuration with the following precedence, lowest first:
//  1. Built-in defaults
//  2. The config file (explicitPath if non-empty, else ~/.gateman/gateman.toml,
//     else ./gateman.toml)
//  3. Environment variables (GATEMAN_ prefix, _ as separator)
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	return LoadWithOverrides(explicitPath, Overrides{})
}

// LoadWithOverrides is Load plus a final command-line flag overlay, applied
// after file and environment but before validation.
func LoadWithOverrides(explicitPath string, ov Overrides) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: GATEMAN_SERVER_PORT etc.
	v.SetEnvPrefix("GATEMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".gateman"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("gateman")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	ov.apply(cfg)

	// Expand ~ in data_dir and resolve the recording dir under it.
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	if cfg.Recording.Dir == "" {
		cfg.Recording.Dir = filepath.Join(cfg.Server.DataDir, "sessions")
	} else {
		cfg.Recording.Dir = expandHome(cfg.Recording.Dir)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.gateman/gateman.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".gateman")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file and merges it into the current config.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	// Persist to the active config file so changes survive restart.
	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present. Providers are an
// ordered array of tables and are not registered here; a file that defines
// [[providers]] replaces the built-in provider list wholesale.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.accept_mode", d.Server.AcceptMode)

	// Routing
	v.SetDefault("routing.default_strategy", d.Routing.DefaultStrategy)
	v.SetDefault("routing.default_provider", d.Routing.DefaultProvider)
	v.SetDefault("routing.reroute_notice", d.Routing.RerouteNotice)

	// Recording
	v.SetDefault("recording.enabled", d.Recording.Enabled)
	v.SetDefault("recording.dir", d.Recording.Dir)
	v.SetDefault("recording.queue_size", d.Recording.QueueSize)
	v.SetDefault("recording.batch_size", d.Recording.BatchSize)
	v.SetDefault("recording.flush_interval_ms", d.Recording.FlushIntervalMs)
	v.SetDefault("recording.retention_days", d.Recording.RetentionDays)
	v.SetDefault("recording.redact", d.Recording.Redact)

	// Stats
	v.SetDefault("stats.max_sessions", d.Stats.MaxSessions)

	// Resilience
	v.SetDefault("resilience.failure_threshold", d.Resilience.FailureThreshold)
	v.SetDefault("resilience.cooldown_seconds", d.Resilience.CooldownSeconds)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
