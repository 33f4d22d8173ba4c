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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/proxy"
	"github.com/allaspectsdev/switchyard/internal/tracing"
	"github.com/allaspectsdev/switchyard/internal/vault"
	"github.com/allaspectsdev/switchyard/internal/version"
)

const logFilename = "switchyard.log"

// SetupLogging points the global logger at dataDir/switchyard.log and, in
// the foreground, also at a console writer on stderr. The returned closer
// closes the log file.
func SetupLogging(dataDir, level string, foreground bool) (io.Closer, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	zerolog.SetGlobalLevel(parseLogLevel(level))

	logPath := filepath.Join(dataDir, logFilename)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", logPath, err)
	}

	writers := []io.Writer{logFile}
	if foreground {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Str("service", "switchyard").Logger()
	return logFile, nil
}

// Run is the main daemon orchestrator. It wires the gateway, starts the
// background loops and the proxy server, and blocks until a shutdown signal
// is received.
func Run(cfg *config.Config, foreground bool) error {
	dataDir := cfg.Server.DataDir
	logFile, err := SetupLogging(dataDir, cfg.Server.LogLevel, foreground)
	if err != nil {
		return err
	}
	defer logFile.Close()

	log.Info().
		Str("version", version.Version).
		Str("data_dir", dataDir).
		Bool("foreground", foreground).
		Msg("switchyard starting")

	if IsRunning(dataDir) {
		return fmt.Errorf("switchyard is already running (PID file exists at %s)", pidPath(dataDir))
	}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(context.Background(), tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     version.Version,
			InstanceID:  cfg.Server.ListenAddr,
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
		log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("tracing enabled")
	}

	v := vault.New()
	rt, err := Build(cfg, v, log.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error().Err(err).Msg("runtime close error")
		}
	}()

	if err := WritePID(dataDir); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() {
		if err := RemovePID(dataDir); err != nil {
			log.Error().Err(err).Msg("failed to remove PID file")
		}
	}()
	log.Info().Int("pid", os.Getpid()).Msg("PID file written")

	if configFile := config.ConfigFilePath(); configFile != "" {
		w, watchErr := config.Watch(configFile, log.Logger.With().Str("component", "config").Logger())
		if watchErr != nil {
			log.Warn().Err(watchErr).Msg("failed to start config watcher; continuing without hot-reload")
		} else {
			defer w.Close()
			w.OnChange(func(_, newCfg *config.Config) {
				zerolog.SetGlobalLevel(parseLogLevel(newCfg.Server.LogLevel))
				if err := rt.Apply(newCfg); err != nil {
					log.Error().Err(err).Msg("reloaded configuration rejected")
				}
			})
			log.Info().Str("file", configFile).Msg("config watcher started")
		}
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	rt.Start(bgCtx)

	authToken, err := v.Resolve(cfg.Server.AuthToken)
	if err != nil {
		return fmt.Errorf("resolving server auth token: %w", err)
	}

	handler := proxy.NewHandler(rt.Gateway, rt.Store, log.Logger.With().Str("component", "proxy").Logger(), cfg.Server.MaxBodySize)
	server := proxy.NewServer(handler, proxy.Options{
		Addr:         cfg.Server.ListenAddr,
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  2 * cfg.Server.ReadTimeout(),
		AuthToken:    authToken,
		Tracing:      cfg.Tracing.Enabled,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Bool("auth", authToken != "").Msg("proxy server starting")
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	if foreground {
		fmt.Fprintf(os.Stderr, "\n  switchyard is running on http://%s\n\n", cfg.Server.ListenAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("fatal server error")
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info().Msg("shutting down proxy server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("proxy server shutdown error")
	}

	log.Info().Msg("switchyard stopped")
	return nil
}

// Stop reads the PID file and sends SIGTERM to the running daemon.
func Stop(cfg *config.Config) error {
	dataDir := cfg.Server.DataDir

	pid, err := ReadPID(dataDir)
	if err != nil {
		return fmt.Errorf("switchyard does not appear to be running: %w", err)
	}

	if !isProcessAlive(pid) {
		if rmErr := RemovePID(dataDir); rmErr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to remove stale PID file: %v\n", rmErr)
		}
		return fmt.Errorf("switchyard is not running (stale PID file removed)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to process %d: %w", pid, err)
	}

	fmt.Printf("Sent SIGTERM to switchyard (PID %d)\n", pid)

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isProcessAlive(pid) {
			return nil
		}
	}
	return nil
}

// Status reports whether the daemon is running and, when it is, prints a
// summary fetched from its stats endpoint.
func Status(cfg *config.Config, out io.Writer) error {
	dataDir := cfg.Server.DataDir

	if !IsRunning(dataDir) {
		fmt.Fprintln(out, "switchyard is not running")
		return nil
	}

	pid, _ := ReadPID(dataDir)
	fmt.Fprintf(out, "switchyard is running (PID %d)\n", pid)

	stats, err := fetchStats(cfg)
	if err != nil {
		fmt.Fprintf(out, "  (stats unavailable: %v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "\n  Uptime:         %s\n", stats.Uptime)
	fmt.Fprintf(out, "  Total Requests: %d\n", stats.TotalRequests)
	fmt.Fprintf(out, "  Cache Hit Rate: %.1f%% (%d hits / %d misses)\n", stats.CacheHitRate, stats.CacheHits, stats.CacheMisses)
	fmt.Fprintf(out, "  Active:         %d\n", stats.ActiveRequests)
	for _, p := range stats.Providers {
		fmt.Fprintf(out, "  %-28s %d attempts, %d ok, %d failed, %.0fms avg\n",
			p.Provider, p.Attempts, p.Successes, p.Failures, p.AvgLatencyMs)
	}
	return nil
}

func fetchStats(cfg *config.Config) (*metrics.Stats, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+cfg.Server.ListenAddr+"/v1/stats", nil)
	if err != nil {
		return nil, err
	}
	if cfg.Server.AuthToken != "" {
		token, err := vault.New().Resolve(cfg.Server.AuthToken)
		if err != nil {
			return nil, fmt.Errorf("resolving auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats endpoint returned %s", resp.Status)
	}

	var body struct {
		Gateway metrics.Stats `json:"gateway"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}
	return &body.Gateway, nil
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
