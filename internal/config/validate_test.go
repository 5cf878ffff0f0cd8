package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/tmp/test"
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := validate(cfg); err != nil {
		t.Fatalf("validate valid config: %v", err)
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 70000

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for port 70000")
	}
	if !strings.Contains(err.Error(), "server.port") {
		t.Errorf("error should mention server.port: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "verbose"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level: %v", err)
	}
}

func TestValidate_BadAcceptMode(t *testing.T) {
	cfg := validConfig()
	cfg.Server.AcceptMode = "everything"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid accept_mode")
	}
	if !strings.Contains(err.Error(), "accept_mode") {
		t.Errorf("error should mention accept_mode: %v", err)
	}
}

func TestValidate_EmptyDataDir(t *testing.T) {
	cfg := validConfig()
	cfg.Server.DataDir = ""

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for empty data_dir")
	}
}

func TestValidate_TLS_MissingCert(t *testing.T) {
	cfg := validConfig()
	cfg.Server.TLSEnabled = true
	cfg.Server.CertFile = ""
	cfg.Server.KeyFile = "/path/to/key.pem"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing cert_file")
	}
	if !strings.Contains(err.Error(), "cert_file") {
		t.Errorf("error should mention cert_file: %v", err)
	}
}

func TestValidate_TLS_MissingKey(t *testing.T) {
	cfg := validConfig()
	cfg.Server.TLSEnabled = true
	cfg.Server.CertFile = "/path/to/cert.pem"
	cfg.Server.KeyFile = ""

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing key_file")
	}
}

func TestValidate_NegativeReadTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ReadTimeout = -1

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for negative read_timeout")
	}
}

func TestValidate_ProviderEmptyName(t *testing.T) {
	cfg := validConfig()
	cfg.Providers = append(cfg.Providers, ProviderConfig{
		Kind:    "openai",
		BaseURL: "https://example.com",
	})

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

func TestValidate_ProviderDuplicateName(t *testing.T) {
	cfg := validConfig()
	cfg.Providers = append(cfg.Providers, cfg.Providers[0])

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for duplicate provider name")
	}
	if !strings.Contains(err.Error(), "more than once") {
		t.Errorf("error should mention duplicate declaration: %v", err)
	}
}

func TestValidate_ProviderBadKind(t *testing.T) {
	cfg := validConfig()
	cfg.Providers[0].Kind = "cohere"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
	if !strings.Contains(err.Error(), "kind") {
		t.Errorf("error should mention kind: %v", err)
	}
}

func TestValidate_ProviderEmptyBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Providers[0].BaseURL = ""

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for empty base_url")
	}
}

func TestValidate_ProviderNegativeWeight(t *testing.T) {
	cfg := validConfig()
	cfg.Providers[0].Weight = -1

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for negative weight")
	}
}

func TestValidate_BadDefaultStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.DefaultStrategy = "coin_flip"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestValidate_BadModelStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.ModelStrategies = map[string]string{"gpt-4o": "coin_flip"}

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown model strategy")
	}
}

func TestValidate_RoutingUnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Routing.DefaultProvider = "nonexistent"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown default_provider")
	}
}

func TestValidate_RecordingZeroQueue(t *testing.T) {
	cfg := validConfig()
	cfg.Recording.QueueSize = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for queue_size = 0")
	}
}

func TestValidate_RecordingZeroBatch(t *testing.T) {
	cfg := validConfig()
	cfg.Recording.BatchSize = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for batch_size = 0")
	}
}

func TestValidate_RecordingRetentionZero(t *testing.T) {
	cfg := validConfig()
	cfg.Recording.RetentionDays = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for retention_days = 0")
	}
}

func TestValidate_StatsZeroMaxSessions(t *testing.T) {
	cfg := validConfig()
	cfg.Stats.MaxSessions = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for max_sessions = 0")
	}
}

func TestValidate_Resilience_ZeroFailureThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.Resilience.FailureThreshold = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for failure_threshold = 0")
	}
}

func TestValidate_Resilience_ZeroCooldown(t *testing.T) {
	cfg := validConfig()
	cfg.Resilience.CooldownSeconds = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for cooldown_seconds = 0")
	}
}

func TestValidate_BadTracingExporter(t *testing.T) {
	cfg := validConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "carrier-pigeon"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for unknown tracing exporter")
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Server.LogLevel = "bad"
	cfg.Routing.DefaultStrategy = "bad"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}

	// Should contain multiple error indicators.
	errStr := err.Error()
	if !strings.Contains(errStr, "server.port") || !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention multiple fields: %v", err)
	}
}

func TestIsValidEnum(t *testing.T) {
	if !isValidEnum("INFO", ValidLogLevels) {
		t.Error("INFO should be valid (case-insensitive)")
	}
	if isValidEnum("verbose", ValidLogLevels) {
		t.Error("verbose should not be valid")
	}
}
