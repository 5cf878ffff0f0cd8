package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if !isValidEnum(cfg.Server.AcceptMode, ValidAcceptModes) {
		errs = append(errs, fmt.Sprintf("server.accept_mode must be one of %v, got %q", ValidAcceptModes, cfg.Server.AcceptMode))
	}
	if cfg.Server.TLSEnabled {
		if cfg.Server.CertFile == "" {
			errs = append(errs, "server.cert_file must be set when tls_enabled is true")
		}
		if cfg.Server.KeyFile == "" {
			errs = append(errs, "server.key_file must be set when tls_enabled is true")
		}
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}

	// Provider validation
	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		label := p.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Sprintf("providers[%d].name must not be empty", i))
		}
		if seen[p.Name] && p.Name != "" {
			errs = append(errs, fmt.Sprintf("providers.%s is declared more than once", p.Name))
		}
		seen[p.Name] = true
		if !isValidEnum(p.Kind, ValidDialects) {
			errs = append(errs, fmt.Sprintf("providers.%s.kind must be one of %v, got %q", label, ValidDialects, p.Kind))
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.base_url must not be empty", label))
		}
		if p.Weight < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.weight must be non-negative, got %d", label, p.Weight))
		}
		if p.ConnectTimeoutSec < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.connect_timeout must be non-negative", label))
		}
		if p.TotalTimeoutSec < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.total_timeout must be non-negative", label))
		}
		if p.PoolMaxIdle < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.pool_max_idle must be non-negative", label))
		}
	}

	// Routing validation
	if !isValidEnum(cfg.Routing.DefaultStrategy, ValidStrategies) {
		errs = append(errs, fmt.Sprintf("routing.default_strategy must be one of %v, got %q", ValidStrategies, cfg.Routing.DefaultStrategy))
	}
	for model, strategy := range cfg.Routing.ModelStrategies {
		if !isValidEnum(strategy, ValidStrategies) {
			errs = append(errs, fmt.Sprintf("routing.model_strategies[%q] must be one of %v, got %q", model, ValidStrategies, strategy))
		}
	}
	if cfg.Routing.DefaultProvider != "" && !seen[cfg.Routing.DefaultProvider] {
		errs = append(errs, fmt.Sprintf("routing.default_provider %q is not a configured provider", cfg.Routing.DefaultProvider))
	}

	// Recording validation
	if cfg.Recording.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("recording.queue_size must be at least 1, got %d", cfg.Recording.QueueSize))
	}
	if cfg.Recording.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("recording.batch_size must be at least 1, got %d", cfg.Recording.BatchSize))
	}
	if cfg.Recording.FlushIntervalMs < 0 {
		errs = append(errs, fmt.Sprintf("recording.flush_interval_ms must be non-negative, got %d", cfg.Recording.FlushIntervalMs))
	}
	if cfg.Recording.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("recording.retention_days must be at least 1, got %d", cfg.Recording.RetentionDays))
	}

	// Stats validation
	if cfg.Stats.MaxSessions < 1 {
		errs = append(errs, fmt.Sprintf("stats.max_sessions must be at least 1, got %d", cfg.Stats.MaxSessions))
	}

	// Resilience validation
	if cfg.Resilience.FailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("resilience.failure_threshold must be at least 1, got %d", cfg.Resilience.FailureThreshold))
	}
	if cfg.Resilience.CooldownSeconds <= 0 {
		errs = append(errs, fmt.Sprintf("resilience.cooldown_seconds must be positive, got %d", cfg.Resilience.CooldownSeconds))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
