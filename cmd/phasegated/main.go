// Phasegated runs the parallel coordinator as a long-lived daemon.
//
// It drives the coordinator monitor loop, exports telemetry when enabled and,
// when server.enabled is set, serves the status API and Prometheus metrics.
//
// Configuration is loaded from ./.phasegate/config.yaml (or --config) and
// PHASEGATE_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon
//	phasegated
//
//	# Serve the status API on another port
//	PHASEGATE_SERVER_PORT=9292 phasegated --serve
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/contamination"
	"github.com/fyrsmithlabs/phasegate/internal/coordinator"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/http"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/taskcontext"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configFile string
	baseDir    string
	serve      bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Printf("phasegated: %v", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "phasegated",
	Short: "Run the parallel coordinator daemon",
	Long: `phasegated runs the coordinator monitor loop until interrupted.

It adopts tasks created by the phasegate CLI, watches heartbeats and
completion markers, retries timed out tasks and falls back to sequential
execution on contamination or repeated failures.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		return run(cmd.Context(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "config file (default ./.phasegate/config.yaml)")
	rootCmd.Flags().StringVar(&baseDir, "base", "", "context root, overrides paths.base")
	rootCmd.Flags().BoolVar(&serve, "serve", false, "serve the status API even if server.enabled is false")
	rootCmd.AddCommand(versionCmd)
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "phasegated by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configFile)
	if err != nil {
		return nil, err
	}
	if baseDir != "" {
		cfg.Paths.Base = baseDir
	}
	if serve {
		cfg.Server.Enabled = true
	}
	return cfg, nil
}

// run wires every component and blocks until ctx is cancelled or the
// coordinator stops on a state file failure.
//
// Startup order:
//  1. Telemetry providers (no-op unless telemetry.enabled)
//  2. Logger, bridged to OTEL when logging.output.otel is set
//  3. Gate engine, orchestrator, context manager and detector
//  4. Coordinator, adopting tasks already on disk
//  5. Status API (optional)
func run(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	var logProvider otellog.LoggerProvider
	if cfg.Logging.Output.OTEL {
		logProvider = global.GetLoggerProvider()
	}
	lg, err := logging.NewLogger(&cfg.Logging, logProvider)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = lg.Sync()
	}()
	logger := lg.Underlying()

	logger.Info("starting phasegated",
		zap.String("version", version),
		zap.String("base", cfg.Paths.Base),
		zap.Bool("parallel_enabled", cfg.Parallel.Enabled),
		zap.Int("max_parallel", cfg.Parallel.MaxParallel),
		zap.Bool("telemetry", cfg.Telemetry.Enabled),
	)
	if h := tel.Health(); h.Degraded {
		logger.Warn("telemetry degraded, exporting nothing", zap.String("error", h.Error))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coord, err := newCoordinator(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}

	go logEvents(ctx, coord, logger)

	var srv *http.Server
	srvErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv, err = http.NewServer(coord, registry, logger, &http.Config{
			Host:    cfg.Server.Host,
			Port:    cfg.Server.Port,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("failed to create http server: %w", err)
		}
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- coord.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		runErr = <-loopErr
	case err := <-loopErr:
		if err != nil {
			logger.Error("coordinator monitor aborted", zap.Error(err))
			runErr = err
		}
	case err := <-srvErr:
		logger.Error("http server failed", zap.Error(err))
		runErr = err
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
	}

	logger.Info("phasegated stopped", zap.Any("stats", coord.Status().Stats))
	return runErr
}

func newCoordinator(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*coordinator.Coordinator, error) {
	gates, err := gate.NewFromConfig(cfg, logger.Named("gate"))
	if err != nil {
		return nil, fmt.Errorf("failed to load gate rules: %w", err)
	}
	detector, err := contamination.NewDetector(cfg, logger.Named("contamination"))
	if err != nil {
		return nil, fmt.Errorf("failed to create contamination detector: %w", err)
	}
	phases := orchestrator.New(cfg, gates, logger.Named("orchestrator"))
	contexts := taskcontext.NewManager(cfg, logger.Named("taskcontext"))

	coord := coordinator.New(cfg, contexts, detector, logger.Named("coordinator"),
		coordinator.WithPhaseTracker(phases),
		coordinator.WithRegisterer(reg),
	)
	if err := coord.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load persisted tasks: %w", err)
	}
	return coord, nil
}

func logEvents(ctx context.Context, coord *coordinator.Coordinator, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-coord.Events():
			logger.Info("task status changed",
				zap.String("task_id", ev.TaskID),
				zap.String("from", string(ev.From)),
				zap.String("to", string(ev.To)),
				zap.String("reason", ev.Reason),
			)
		}
	}
}
