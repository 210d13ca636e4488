package dispatcher

import (
	"context"
	"dockerjobs/pkg/backoff"
	"dockerjobs/pkg/circuitbreaker"
	"dockerjobs/pkg/cloudevent"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordEventDelivered(ctx context.Context, eventType string, durationSeconds float64)
	RecordEventFailed(ctx context.Context, eventType string)
	RecordEventDropped(ctx context.Context, reason string)
	RecordEventRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// MemoryDispatcher queues events in a bounded channel drained by a worker
// pool. When the buffer is full events are dropped, never blocked on.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	backoff  backoff.Config
	config   MemoryConfig
	logger   *zap.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

var _ Dispatcher = (*MemoryDispatcher)(nil)

// NewMemory creates and starts an in-memory dispatcher. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder, logger *zap.Logger) *MemoryDispatcher {
	cfg = cfg.withDefaults()
	logger = logger.Named("dispatcher")

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout, cfg.UserAgent),
		backoff: backoff.Config{
			Initial: defaultInitialBackoff,
			Max:     defaultMaxBackoff,
			Jitter:  defaultBackoffJitter,
		},
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	d.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold: defaultBreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Info("Circuit breaker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	logger.Info("Dispatcher started", zap.Int("workers", cfg.Workers), zap.Int("buffer", cfg.BufferSize))
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer_full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	bs := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: bs.Total,
		BreakersOpen:  bs.Open,
	}
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}
	d.logger.Info("Dispatcher shutting down", zap.Int("queued", len(d.queue)))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			zap.Int64("delivered", d.delivered.Load()),
			zap.Int64("failed", d.failed.Load()),
			zap.Int64("dropped", d.dropped.Load()))
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", zap.Int("remaining", len(d.queue)))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	logger := d.logger.With(zap.String("destination", host), zap.String("type", event.Payload.Type))

	ctx, cancel := context.WithTimeout(context.Background(), defaultDeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := d.breakers.Get(host).Execute(func() error {
		return d.sendWithRetry(ctx, event)
	})
	switch {
	case err == nil:
		d.delivered.Add(1)
		if d.metrics != nil {
			d.metrics.RecordEventDelivered(ctx, event.Payload.Type, time.Since(start).Seconds())
		}
	case errors.Is(err, circuitbreaker.ErrOpen):
		d.requeue(event, logger)
	default:
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordEventFailed(ctx, event.Payload.Type)
		}
		logger.Warn("Event delivery failed", zap.Error(err))
	}
}

// requeue puts an event back after the breaker cooldown.
func (d *MemoryDispatcher) requeue(event *Event, logger *zap.Logger) {
	if event.requeues >= defaultMaxRequeues {
		logger.Warn("Event dropped, max requeues reached", zap.Int("requeues", event.requeues))
		d.drop(event, "max_requeues")
		return
	}
	event.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordEventRequeued(context.Background())
	}

	go func() {
		timer := time.NewTimer(d.config.BreakerCooldown)
		defer timer.Stop()
		select {
		case <-d.shutdown:
			return
		case <-timer.C:
		}

		select {
		case d.queue <- event:
			logger.Debug("Event requeued", zap.Int("requeues", event.requeues))
		case <-d.shutdown:
		default:
			d.drop(event, "buffer_full")
		}
	}()
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordEventDropped(context.Background(), reason)
	}
	d.logger.Warn("Event dropped",
		zap.String("reason", reason),
		zap.String("destination", extractHost(event.Destination)),
		zap.String("type", event.Payload.Type))
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}

	var lastErr error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			timer := time.NewTimer(backoff.Exponential(attempt, &d.backoff))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if lastErr == nil || cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost returns the URL host used to key circuit breakers.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
