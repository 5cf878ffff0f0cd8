package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultPort is the default port for the gateway listener.
const DefaultPort = 7787

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.gateman"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "gateman.toml"

// DefaultAcceptMode is the default dialect acceptance mode.
const DefaultAcceptMode = "both"

// DefaultReadTimeout is the default HTTP server read timeout in seconds.
const DefaultReadTimeout = 10

// DefaultWriteTimeout is the default HTTP server write timeout in seconds.
// Set high (5 minutes) to accommodate LLM streaming responses.
const DefaultWriteTimeout = 300

// DefaultIdleTimeout is the default HTTP server idle timeout in seconds.
const DefaultIdleTimeout = 120

// DefaultMaxBodySize is the default maximum request body size in bytes (10 MB).
const DefaultMaxBodySize int64 = 10 << 20

// DefaultStrategy is the default routing strategy.
const DefaultStrategy = "round_robin"

// DefaultFailureThreshold is the default number of consecutive failures
// before a provider's circuit opens.
const DefaultFailureThreshold = 5

// DefaultCooldownSeconds is the default circuit cooldown before a half-open
// probe is allowed.
const DefaultCooldownSeconds = 30

// DefaultConnectTimeout is the default upstream connect timeout in seconds.
const DefaultConnectTimeout = 10

// DefaultTotalTimeout is the default upstream total timeout in seconds for
// non-streaming requests.
const DefaultTotalTimeout = 120

// DefaultPoolMaxIdle is the default maximum idle connections kept per provider.
const DefaultPoolMaxIdle = 10

// DefaultPoolIdleTimeout is the default idle-connection timeout in seconds.
const DefaultPoolIdleTimeout = 90

// DefaultKeepalive is the default TCP keepalive interval in seconds.
const DefaultKeepalive = 30

// DefaultConnectRetries is the default number of connection-establishment
// retries per dispatch.
const DefaultConnectRetries = 2

// DefaultQueueSize is the default recorder ingestion queue capacity.
const DefaultQueueSize = 1024

// DefaultBatchSize is the default recorder flush batch size.
const DefaultBatchSize = 64

// DefaultFlushIntervalMs is the default recorder flush interval in milliseconds.
const DefaultFlushIntervalMs = 500

// DefaultRetentionDays is the default session-history retention in days.
const DefaultRetentionDays = 30

// DefaultStatsMaxSessions is the default number of sessions retained by the
// in-memory stats aggregator.
const DefaultStatsMaxSessions = 100

// DefaultTracingExporter is the default tracing exporter type.
const DefaultTracingExporter = "otlp-grpc"

// DefaultTracingEndpoint is the default OTLP collector endpoint.
const DefaultTracingEndpoint = "localhost:4317"

// DefaultTracingServiceName is the default service name for traces.
const DefaultTracingServiceName = "gateman"

// DefaultTracingSampleRate is the default sampling rate (1.0 = 100%).
const DefaultTracingSampleRate = 1.0

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidAcceptModes lists the allowed dialect acceptance modes.
var ValidAcceptModes = []string{"anthropic", "openai", "both"}

// ValidDialects lists the allowed provider dialect kinds.
var ValidDialects = []string{"anthropic", "openai"}

// ValidStrategies lists the allowed routing strategy names.
var ValidStrategies = []string{"round_robin", "weighted", "failover"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:  DefaultBindAddress,
			Port:         DefaultPort,
			LogLevel:     DefaultLogLevel,
			DataDir:      DefaultDataDir,
			TLSEnabled:   false,
			CertFile:     "",
			KeyFile:      "",
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
			AcceptMode:   DefaultAcceptMode,
		},
		Providers: []ProviderConfig{
			{
				Name:    "anthropic",
				Kind:    "anthropic",
				BaseURL: "https://api.anthropic.com",
				KeyRef:  "keyring://gateman/anthropic",
				Models:  []string{"claude-sonnet-4-20250514", "claude-haiku-4-20250414"},
				Enabled: true,
				Weight:  1,
			},
			{
				Name:    "openai",
				Kind:    "openai",
				BaseURL: "https://api.openai.com",
				KeyRef:  "keyring://gateman/openai",
				Models:  []string{"gpt-4o", "gpt-4o-mini"},
				Enabled: true,
				Weight:  1,
			},
		},
		Routing: RoutingConfig{
			DefaultStrategy: DefaultStrategy,
			ModelStrategies: map[string]string{},
			DefaultProvider: "",
			RerouteNotice:   false,
		},
		Recording: RecordingConfig{
			Enabled:         true,
			Dir:             "", // resolved under data_dir when empty
			QueueSize:       DefaultQueueSize,
			BatchSize:       DefaultBatchSize,
			FlushIntervalMs: DefaultFlushIntervalMs,
			RetentionDays:   DefaultRetentionDays,
			Redact:          false,
		},
		Stats: StatsConfig{
			MaxSessions: DefaultStatsMaxSessions,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: DefaultFailureThreshold,
			CooldownSeconds:  DefaultCooldownSeconds,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    DefaultTracingExporter,
			Endpoint:    DefaultTracingEndpoint,
			ServiceName: DefaultTracingServiceName,
			SampleRate:  DefaultTracingSampleRate,
			Insecure:    false,
		},
	}
}
