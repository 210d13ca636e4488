package notify

import (
	"context"
	"dockerjobs/internal/dispatcher"
	"dockerjobs/internal/job"
	"fmt"
)

// WebhookConfig configures webhook delivery.
type WebhookConfig struct {
	URL        string
	SigningKey string   // empty = unsigned
	Types      []string // event types to send, empty = all
	Source     string   // CloudEvents source attribute
}

// WebhookSink turns job events into CloudEvents and hands them to a
// dispatcher for async delivery.
type WebhookSink struct {
	cfg        WebhookConfig
	dispatcher dispatcher.Dispatcher
}

var _ job.Publisher = (*WebhookSink)(nil)

func NewWebhookSink(cfg WebhookConfig, d dispatcher.Dispatcher) *WebhookSink {
	if cfg.Source == "" {
		cfg.Source = "dockerjobs"
	}
	return &WebhookSink{cfg: cfg, dispatcher: d}
}

// Publish snapshots j into an event and queues it. It never blocks on the
// network; a full buffer surfaces as an error.
func (s *WebhookSink) Publish(_ context.Context, kind job.EventKind, j *job.Job) error {
	if !job.FilteredEvents(kind, s.cfg.Types) {
		return nil
	}
	err := s.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     job.NewCloudEvent(kind, j, s.cfg.Source),
		Destination: s.cfg.URL,
		SigningKey:  s.cfg.SigningKey,
	})
	if err != nil {
		return fmt.Errorf("dispatch %s for job %d: %w", kind, j.ID, err)
	}
	return nil
}
