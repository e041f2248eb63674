package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omriariav/FaceFindr/internal/config"
	"github.com/omriariav/FaceFindr/internal/face"
	"github.com/omriariav/FaceFindr/internal/logging"
	"github.com/omriariav/FaceFindr/internal/metrics"
	"github.com/omriariav/FaceFindr/internal/pipeline"
	"github.com/omriariav/FaceFindr/internal/store"
	"github.com/omriariav/FaceFindr/internal/web"
	"github.com/omriariav/FaceFindr/internal/web/handlers"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status server",
	Long: `Start the FaceFindr status server.
The server starts runs over HTTP, reports their progress as server-sent
events, serves stored results and exposes Prometheus metrics on /metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (default from config, 8080)")
	serveCmd.Flags().String("host", "", "Host to bind to (default from config, 127.0.0.1)")
}

// resolveServeHostPort resolves host and port from flags, falling back to the configuration.
func resolveServeHostPort(cmd *cobra.Command, cfg *config.Config) (string, int) {
	host, port := cfg.Server.Host, cfg.Server.Port
	if cmd.Flags().Changed("port") {
		port = mustGetInt(cmd, "port")
	}
	if cmd.Flags().Changed("host") {
		host = mustGetString(cmd, "host")
	}
	return host, port
}

// newRunPreparer prepares runs requested over HTTP. Unset request fields use the configuration.
func newRunPreparer(cfg *config.Config, deps pipeline.Deps) handlers.RunPreparer {
	return func(ctx context.Context, req handlers.RunRequest) (*pipeline.Run, error) {
		m := cfg.Match
		if req.Threshold != nil {
			m.Threshold = *req.Threshold
		}
		if req.Metric != "" {
			m.Metric = req.Metric
		}
		if req.BatchSize > 0 {
			m.BatchSize = req.BatchSize
		}
		if req.Concurrency > 0 {
			m.Concurrency = req.Concurrency
		}
		if req.PhotoTimeout != "" {
			d, err := time.ParseDuration(req.PhotoTimeout)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("%w: photo_timeout %q", handlers.ErrInvalidRequest, req.PhotoTimeout)
			}
			m.PhotoTimeout = d
		}
		if req.Output != "" {
			m.Output = req.Output
		}
		if m.Threshold < 0 || m.Threshold > 1 {
			return nil, fmt.Errorf("%w: threshold must be between 0.0 and 1.0", handlers.ErrInvalidRequest)
		}

		opts, err := runOptions(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", handlers.ErrInvalidRequest, err)
		}

		// the request context ends with the response; runs outlive it
		return pipeline.Prepare(context.WithoutCancel(ctx), pipeline.Params{
			Photos:     req.Photos,
			References: req.References,
			Options:    opts,
			Output:     m.Output,
			DryRun:     req.DryRun || m.DryRun,
		}, deps)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.FromContext(cmd.Context())
	fileLevel, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	metrics.Register()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	enc, closeEncoder, err := buildEncoder(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEncoder(); err != nil {
			logger.Warn("Failed to close encoder", zap.Error(err))
		}
	}()

	shared, err := openSharedStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening result store: %w", err)
	}
	if shared != nil {
		defer shared.Close()
		logger.Info("Result store enabled", zap.String("backend", cfg.Store.Backend))
	}

	prepare := newRunPreparer(cfg, serveDeps(cfg, enc, shared, logger, fileLevel))
	host, port := resolveServeHostPort(cmd, cfg)
	server := web.NewServer(host, port, prepare, shared, logger, web.WithAllowedOrigins(cfg.Server.AllowedOrigins...))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
	}()

	fmt.Printf("Starting FaceFindr status server on http://%s:%d\n", host, port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	<-shutdownDone
	return nil
}

func serveDeps(cfg *config.Config, enc face.Encoder, shared store.Store, logger *zap.Logger, level zapcore.Level) pipeline.Deps {
	return pipeline.Deps{
		Encoder:   enc,
		Logger:    logger,
		LogLevel:  level,
		OpenStore: storeOpener(cfg, shared, logger),
		Metrics:   true,
	}
}
