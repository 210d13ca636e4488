package cmd

import (
	"context"
	"dockerjobs/internal/api"
	"dockerjobs/internal/health"
	"dockerjobs/internal/job"
	"dockerjobs/internal/observability"
	"dockerjobs/internal/orchestrator"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newOrchestrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Run the orchestration loop for one queue",
		Long: `Launch pending jobs of a queue as containers, up to the concurrency limit,
and record the outcome of every managed container until interrupted.

The default image must already exist on the Docker host; it is never pulled.

Examples:
  dockerjobs orchestrate --queue default --concurrency 8
  DOCKERJOBS_DOCKER_DEFAULT_IMAGE=alpine:3.20 dockerjobs orchestrate`,
		Args: cobra.NoArgs,
		RunE: runOrchestrate,
	}

	f := cmd.Flags()
	f.String("queue", "default", "Queue to process")
	f.Bool("update-logs-eager", true, "Capture container logs on every cycle while jobs run")
	f.Int("concurrency", 4, "Maximum number of running containers")
	f.String("image", "", "Default image for jobs that do not name one")
	f.Duration("poll-interval", time.Second, "Delay between orchestration cycles")
	f.String("addr", ":9090", "Operations server address, empty disables it")
	bindFlag(v, "queue", f.Lookup("queue"))
	bindFlag(v, "eager_logs", f.Lookup("update-logs-eager"))
	bindFlag(v, "concurrency", f.Lookup("concurrency"))
	bindFlag(v, "docker.default_image", f.Lookup("image"))
	bindFlag(v, "poll_interval", f.Lookup("poll-interval"))
	bindFlag(v, "server.addr", f.Lookup("addr"))
	return cmd
}

func runOrchestrate(cmd *cobra.Command, _ []string) error {
	a := appFrom(cmd)
	cfg, logger := a.cfg, a.logger
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	eng, err := openEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	if err := orchestrator.CheckRequirements(ctx, eng, cfg.Docker.DefaultImage, logger); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ev := newEvents(cfg, metrics, logger)
	defer ev.close()

	loop, err := orchestrator.New(orchestrator.Config{
		Queue:        cfg.Queue,
		Concurrency:  cfg.Concurrency,
		EagerLogs:    cfg.EagerLogs,
		PollInterval: cfg.PollInterval,
		WorkerName:   cfg.WorkerName,
		DefaultImage: cfg.Docker.DefaultImage,
		WorkingDir:   cfg.Docker.WorkingDir,
		Engine:       eng,
		Store:        store.NewSession(),
		Publisher:    ev.publisher,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.AddCheck("engine", eng.Ping)
	checker.AddCheck("store", store.Ping)
	if ev.dispatcher != nil {
		checker.AddOptional("events", func(context.Context) error {
			if open := ev.dispatcher.Stats().BreakersOpen; open > 0 {
				return fmt.Errorf("%d webhook circuit(s) open", open)
			}
			return nil
		})
	}

	stopper := orchestrator.NewStopper(eng, store.NewSession(), ev.publisher, metrics, logger)
	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Addr != "" {
		if cfg.Server.APIKey == "" {
			logger.Warn("API authentication disabled, no API key configured")
		}
		server = &http.Server{
			Addr: cfg.Server.Addr,
			Handler: api.NewRouter(api.RouterConfig{
				JobService:     job.NewService(store, stopper, logger),
				HealthChecker:  checker,
				Metrics:        metrics,
				MetricsHandler: metricsHandler,
				APIKey:         cfg.Server.APIKey,
				Logger:         logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("Starting operations server", zap.String("addr", cfg.Server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		logger.Error("Operations server failed", zap.Error(err))
		runErr = err
	}

	// the loop finishes its current cycle before returning
	checker.SetShuttingDown()
	cancel()
	if err := <-loopDone; err != nil && runErr == nil {
		runErr = err
	}

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Operations server shutdown error", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete, running containers are left to finish")
	return runErr
}
