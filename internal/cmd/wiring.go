package cmd

import (
	"context"
	"dockerjobs/internal/config"
	"dockerjobs/internal/dispatcher"
	"dockerjobs/internal/engine/docker"
	"dockerjobs/internal/job"
	"dockerjobs/internal/notify"
	"dockerjobs/internal/store/sqlite"
	"time"

	"go.uber.org/zap"
)

const dispatcherDrainTimeout = 10 * time.Second

func openStore(ctx context.Context, cfg *config.Config) (*sqlite.Store, error) {
	return sqlite.Open(ctx, sqlite.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout})
}

func openEngine(cfg *config.Config, logger *zap.Logger) (*docker.Client, error) {
	return docker.New(docker.Config{Host: cfg.Docker.Host, APIQPS: cfg.Docker.APIQPS}, logger)
}

// events is the publisher side of the process: a log sink plus, when a
// webhook is configured, a dispatcher-backed webhook sink.
type events struct {
	publisher  job.Publisher
	dispatcher *dispatcher.MemoryDispatcher // nil without a webhook
	logger     *zap.Logger
}

func newEvents(cfg *config.Config, metrics dispatcher.MetricsRecorder, logger *zap.Logger) *events {
	e := &events{logger: logger}
	sinks := []job.Publisher{notify.NewLogSink(logger)}

	if cfg.Events.WebhookURL != "" {
		e.dispatcher = dispatcher.NewMemory(dispatcher.MemoryConfig{
			BufferSize:  cfg.Events.BufferSize,
			Workers:     cfg.Events.Workers,
			HTTPTimeout: cfg.Events.HTTPTimeout,
			UserAgent:   userAgent(),
		}, metrics, logger)
		sinks = append(sinks, notify.NewWebhookSink(notify.WebhookConfig{
			URL:        cfg.Events.WebhookURL,
			SigningKey: cfg.Events.SigningKey,
			Types:      cfg.Events.Types,
			Source:     "dockerjobs/" + cfg.WorkerName,
		}, e.dispatcher))
		if cfg.Events.SigningKey == "" {
			logger.Warn("Webhook events are not signed, no signing key configured")
		}
	}

	e.publisher = notify.NewFanout(sinks...)
	return e
}

// close drains pending webhook deliveries.
func (e *events) close() {
	if e.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatcherDrainTimeout)
	defer cancel()
	if err := e.dispatcher.Close(ctx); err != nil {
		e.logger.Warn("Dispatcher shutdown error", zap.Error(err))
	}
	stats := e.dispatcher.Stats()
	e.logger.Info("Dispatcher stats",
		zap.Int64("delivered", stats.Delivered),
		zap.Int64("failed", stats.Failed),
		zap.Int64("dropped", stats.Dropped))
}
