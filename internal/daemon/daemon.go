package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gatemandev/gateman/internal/config"
	"github.com/gatemandev/gateman/internal/connector"
	"github.com/gatemandev/gateman/internal/gateway"
	"github.com/gatemandev/gateman/internal/health"
	"github.com/gatemandev/gateman/internal/metrics"
	"github.com/gatemandev/gateman/internal/recorder"
	"github.com/gatemandev/gateman/internal/routing"
	"github.com/gatemandev/gateman/internal/stats"
	"github.com/gatemandev/gateman/internal/store"
	"github.com/gatemandev/gateman/internal/tokenizer"
	"github.com/gatemandev/gateman/internal/tracing"
	"github.com/gatemandev/gateman/internal/vault"
	"github.com/gatemandev/gateman/internal/version"
)

// buildBackends constructs the routing table and connector pool for one
// config snapshot. The arena is shared across reloads so circuit state
// survives; it is rebuilt only when the provider list changes.
func buildBackends(cfg *config.Config, arena *health.Arena, v *vault.Vault, logger zerolog.Logger) (*gateway.Backends, error) {
	table, err := routing.Build(cfg, arena)
	if err != nil {
		return nil, fmt.Errorf("building routing table: %w", err)
	}
	pool := connector.NewPool(cfg, arena, v, logger)
	return &gateway.Backends{Table: table, Pool: pool}, nil
}

// providerNames returns the declared provider names in config order, which
// fixes the arena slot ids.
func providerNames(cfg *config.Config) []string {
	names := make([]string, len(cfg.Providers))
	for i, p := range cfg.Providers {
		names[i] = p.Name
	}
	return names
}

// Run is the main daemon orchestrator. It initialises all subsystems, starts
// the gateway server, and blocks until a shutdown signal is received.
func Run(cfg *config.Config, foreground bool) error {
	// 1. Set up zerolog logger.
	dataDir := expandHome(cfg.Server.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	zerolog.SetGlobalLevel(parseLogLevel(cfg.Server.LogLevel))

	writers := []io.Writer{}

	// Always log to file.
	logPath := filepath.Join(dataDir, "gateman.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	writers = append(writers, logFile)

	// If foreground, also write to stdout with console formatting.
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "gateman").Logger()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("gateman starting")

	// 2. Check if already running.
	if IsRunning(dataDir) {
		return fmt.Errorf("gateman is already running (PID file exists at %s)", filepath.Join(dataDir, pidFilename))
	}

	// 3. Distributed tracing.
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(context.Background(), tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version.Version,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("initialising tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("tracing shutdown error")
			}
		}()
		log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing initialised")
	}

	// 4. Session recording: sqlite store, day logs, and the async recorder.
	var st *store.Store
	var dayLog *recorder.DayLogSink
	var rec *recorder.Recorder
	if cfg.Recording.Enabled {
		dbPath := filepath.Join(dataDir, "gateman.db")
		st, err = store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()
		log.Info().Str("db_path", dbPath).Msg("store opened")

		dayLog, err = recorder.NewDayLogSink(cfg.Recording.Dir)
		if err != nil {
			return fmt.Errorf("creating day log sink: %w", err)
		}

		var redactor recorder.Redactor = recorder.NopRedactor{}
		if cfg.Recording.Redact {
			redactor = recorder.NewRegexRedactor()
		}

		rec = recorder.New(
			cfg.Recording.QueueSize,
			cfg.Recording.BatchSize,
			cfg.Recording.FlushInterval(),
			[]recorder.Sink{recorder.NewStoreSink(st), dayLog},
			redactor,
			log.Logger,
		)
		rec.Start()
		defer rec.Close()
		log.Info().Str("dir", cfg.Recording.Dir).Bool("redact", cfg.Recording.Redact).Msg("session recorder started")
	}

	// 5. In-memory stats and the metrics collector.
	agg, err := stats.New(cfg.Stats.MaxSessions)
	if err != nil {
		return fmt.Errorf("creating stats aggregator: %w", err)
	}
	collector := metrics.NewCollector()

	// 6. Write PID file.
	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()
	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	// 7. Wire the data plane: circuit arena, routing table, connector pool.
	v := vault.New()
	arena := health.NewArena(providerNames(cfg), cfg.Resilience.FailureThreshold, cfg.Resilience.Cooldown())
	backends, err := buildBackends(cfg, arena, v, log.Logger)
	if err != nil {
		return err
	}

	handler := gateway.NewHandler(rec, agg, collector, tokenizer.New(), log.Logger)
	handler.SetBackends(backends)

	// Metrics scrape sources read live state through the handler so a config
	// reload swaps what the scrape sees along with what dispatch uses.
	collector.SetCircuitSource(func() []health.CircuitView {
		if b := handler.Backends(); b != nil {
			return b.Table.Arena().SnapshotAll()
		}
		return nil
	})
	collector.SetTransitionsSource(func() (uint64, uint64, uint64) {
		if b := handler.Backends(); b != nil {
			return b.Table.Arena().Transitions()
		}
		return 0, 0, 0
	})
	collector.SetSessionsSource(agg.Len)
	if rec != nil {
		collector.SetRecorderSource(func() metrics.RecorderStats {
			return metrics.RecorderStats{
				QueueDepth:    rec.QueueDepth(),
				QueueCapacity: rec.QueueCapacity(),
				Dropped:       rec.Drops(),
				SinkFailures:  rec.SinkFailures(),
			}
		})
	}

	admin := gateway.NewAdmin(handler, collector, st)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	readTimeout := time.Duration(cfg.Server.ReadTimeout) * time.Second
	idleTimeout := time.Duration(cfg.Server.IdleTimeout) * time.Second
	server := gateway.NewServer(handler, admin, collector, addr, readTimeout, idleTimeout, cfg.Tracing.Enabled)

	log.Info().
		Int("providers", len(cfg.Providers)).
		Int("models", len(backends.Table.ListModels())).
		Msg("routing table built")

	// 8. Config hot reload. Provider, routing, and resilience changes take
	// effect by swapping in a fresh table and pool; requests in flight keep
	// the pair they started with.
	configFile := config.ConfigFilePath()
	if configFile == "" {
		configFile = filepath.Join(dataDir, config.DefaultConfigFilename)
	}

	var watcher *config.Watcher
	if _, statErr := os.Stat(configFile); statErr == nil {
		w, watchErr := config.Watch(configFile)
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			watcher = w
			defer watcher.Close()
			watcher.OnChange(func(_, newCfg *config.Config) {
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))

				// Carry circuit state over for providers that survive
				// the reload; new providers start closed.
				newArena := arena.Rebuild(providerNames(newCfg), newCfg.Resilience.FailureThreshold, newCfg.Resilience.Cooldown())

				nb, err := buildBackends(newCfg, newArena, v, log.Logger)
				if err != nil {
					log.Error().Err(err).Msg("config reload rejected: rebuilding backends failed")
					return
				}
				oldBackends := handler.Backends()
				handler.SetBackends(nb)
				arena = newArena
				if oldBackends != nil {
					oldBackends.Pool.Close()
				}
				log.Info().Msg("configuration reloaded, backends swapped")
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	// 9. Retention pruning on an hourly schedule.
	var pruner *cron.Cron
	if cfg.Recording.Enabled && cfg.Recording.RetentionDays > 0 {
		pruner = cron.New()
		retention := cfg.Recording.RetentionDays
		_, err := pruner.AddFunc("@hourly", func() {
			if n, err := st.Prune(retention); err != nil {
				log.Error().Err(err).Msg("store pruning failed")
			} else if n > 0 {
				log.Info().Int64("rows", n).Int("retention_days", retention).Msg("pruned session events")
			}
			if dayLog != nil {
				if n, err := dayLog.Prune(retention); err != nil {
					log.Error().Err(err).Msg("day log pruning failed")
				} else if n > 0 {
					log.Info().Int("files", n).Msg("pruned day log files")
				}
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling retention pruning: %w", err)
		}
		pruner.Start()
		defer pruner.Stop()
	}

	// 10. Start the gateway server.
	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLSEnabled {
			log.Info().Str("addr", addr).Msg("gateway server starting (TLS)")
			if err := server.StartTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil {
				errCh <- err
			}
		} else {
			log.Info().Str("addr", addr).Msg("gateway server starting")
			if err := server.Start(); err != nil {
				errCh <- err
			}
		}
	}()

	scheme := "http"
	if cfg.Server.TLSEnabled {
		scheme = "https"
	}
	log.Info().
		Str("addr", addr).
		Bool("tls", cfg.Server.TLSEnabled).
		Str("accept_mode", cfg.Server.AcceptMode).
		Msg("gateman is ready")

	if foreground {
		fmt.Printf("\n  gateman is running!\n")
		fmt.Printf("  Gateway: %s://%s\n\n", scheme, addr)
	}

	// 11. Wait for shutdown signal or fatal error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	// 12. Graceful shutdown with a 30-second drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway server shutdown error")
	}

	// Drain the recorder before closing its sinks, then release the pool.
	if rec != nil {
		rec.Close()
	}
	if b := handler.Backends(); b != nil {
		b.Pool.Close()
	}

	log.Info().Msg("gateman stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop() error {
	dataDir := expandHome(config.Get().Server.DataDir)

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("gateman does not appear to be running: %w", err)
	}

	if !processAlive(pid) {
		// Stale PID file; clean it up.
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("gateman is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to gateman (PID %d)\n", pid)

	// Wait briefly for the process to exit.
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !processAlive(pid) {
			return nil
		}
	}

	return nil
}

// Status checks if the daemon is running and prints a summary.
func Status() error {
	cfg := config.Get()
	dataDir := expandHome(cfg.Server.DataDir)

	if !IsRunning(dataDir) {
		fmt.Println("gateman is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Printf("gateman is running (PID %d)\n", pid)

	// Try to fetch stats from the admin API.
	statsURL := fmt.Sprintf("http://localhost:%d/v1/stats", cfg.Server.Port)
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(statsURL)
	if err != nil {
		fmt.Println("  (gateway unreachable)")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}

	var summary struct {
		Gateway         metrics.Stats `json:"gateway"`
		TrackedSessions int           `json:"tracked_sessions"`
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		return nil
	}

	fmt.Printf("\n  Uptime:           %s\n", summary.Gateway.Uptime)
	fmt.Printf("  Total Requests:   %d\n", summary.Gateway.TotalRequests)
	fmt.Printf("  Tokens In:        %d\n", summary.Gateway.TokensIn)
	fmt.Printf("  Tokens Out:       %d\n", summary.Gateway.TokensOut)
	fmt.Printf("  Retries:          %d\n", summary.Gateway.Retries)
	fmt.Printf("  Cancelled:        %d\n", summary.Gateway.Cancelled)
	fmt.Printf("  Active:           %d\n", summary.Gateway.ActiveRequests)
	fmt.Printf("  Tracked Sessions: %d\n", summary.TrackedSessions)

	return nil
}

// parseLogLevel converts a string log level to a zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
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
