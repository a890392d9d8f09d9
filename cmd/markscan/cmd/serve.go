package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MeKo-Tech/markscan/internal/config"
	"github.com/MeKo-Tech/markscan/internal/engine"
	"github.com/MeKo-Tech/markscan/internal/server"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server for extraction and sessions",
	Long: `Start an HTTP server that provides REST API endpoints for mark extraction
and session management.

The server provides the following endpoints:
  POST   /extract                        - Extract candidates from uploaded sheets
  GET    /ws/extract                     - Extraction over WebSocket
  GET    /sessions, POST /sessions       - List or create sessions
  GET    /sessions/{id}                  - Show a session
  DELETE /sessions/{id}                  - Delete a session
  POST   /sessions/{id}/review           - Extract and reconcile against a session
  POST   /sessions/{id}/commit           - Append reviewed records
  PATCH  /sessions/{id}/marks/{markId}   - Correct a record
  DELETE /sessions/{id}/marks/{markId}   - Remove a record
  GET    /sessions/{id}/export           - Download CSV or XLSX
  GET    /health, GET /metrics           - Health check and Prometheus metrics

Examples:
  markscan serve
  markscan serve --port 8080 --engine device
  markscan serve --host 0.0.0.0 --port 3000 --rate-limit-enabled`,
	SilenceUsage: true,
	RunE:         runServeCommand,
}

func runServeCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cfg, cmd); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	eng, err := engineFactory(ctx, cfg.ToEngineConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize OCR engine: %w", describeEngineError(err))
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	srv := server.NewServer(serverConfig(cfg, eng.Name()), engine.NewBatcher(eng, cfg.ToBatchConfig(nil)), st)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.TimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.TimeoutSec) * time.Second,
	}
	return serve(ctx, httpServer, srv, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
}

// serve runs httpServer until ctx is cancelled or the listener fails, then
// shuts down gracefully and releases the engine.
func serve(ctx context.Context, httpServer *http.Server, srv *server.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting markscan server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case serveErr = <-errCh:
		if serveErr != nil {
			slog.Error("Server error", "error", serveErr)
		}
	}

	slog.Info("Starting graceful shutdown", "timeout", shutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server shutdown completed")
	}
	if err := srv.Close(); err != nil {
		slog.Error("Server cleanup error", "error", err)
	}
	slog.Info("Graceful shutdown completed")

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	return nil
}

// applyServeFlags overrides configuration values with explicitly set flags.
func applyServeFlags(cfg *config.Config, cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-upload-size") {
		cfg.Server.MaxUploadMB, _ = flags.GetInt("max-upload-size")
	}
	if flags.Changed("timeout") {
		cfg.Server.TimeoutSec, _ = flags.GetInt("timeout")
	}
	if flags.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = flags.GetInt("shutdown-timeout")
	}
	if flags.Changed("engine") {
		cfg.Engine.Kind, _ = flags.GetString("engine")
	}
	if flags.Changed("workers") {
		cfg.Batch.Workers, _ = flags.GetInt("workers")
	}

	rl := &cfg.Server.RateLimit
	if flags.Changed("rate-limit-enabled") {
		rl.Enabled, _ = flags.GetBool("rate-limit-enabled")
	}
	if flags.Changed("sheets-per-minute") {
		rl.SheetsPerMinute, _ = flags.GetInt("sheets-per-minute")
	}
	if flags.Changed("sheets-per-day") {
		rl.SheetsPerDay, _ = flags.GetInt("sheets-per-day")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid server options: %w", err)
	}
	return nil
}

// serverConfig maps the configuration to server.Config.
func serverConfig(cfg *config.Config, engineName string) server.Config {
	rl := cfg.Server.RateLimit
	return server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		CORSOrigin:   cfg.Server.CORSOrigin,
		MaxUploadMB:  int64(cfg.Server.MaxUploadMB),
		TimeoutSec:   cfg.Server.TimeoutSec,
		EngineName:   engineName,
		ExportFormat: cfg.Export.Format,
		Prepare:      cfg.ToPrepareOptions(),
		RateLimit: server.RateLimitConfig{
			Enabled:         rl.Enabled,
			SheetsPerMinute: rl.SheetsPerMinute,
			SheetsPerDay:    rl.SheetsPerDay,
		},
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", 50, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 120, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().StringP("engine", "e", "cloud", "OCR engine (cloud, device)")
	serveCmd.Flags().IntP("workers", "w", 4, "number of images processed in parallel per request")
	// Sheet metering flags
	serveCmd.Flags().Bool("rate-limit-enabled", false, "meter extracted sheets per client")
	serveCmd.Flags().Int("sheets-per-minute", 60, "maximum sheets extracted per minute per client")
	serveCmd.Flags().Int("sheets-per-day", 2000, "maximum sheets extracted per day per client")
}
