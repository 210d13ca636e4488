// Package notify delivers job lifecycle events to sinks.
package notify

import (
	"context"
	"dockerjobs/internal/job"
	"errors"
)

// Fanout publishes every event to all of its sinks. A failing sink does not
// stop delivery to the others.
type Fanout struct {
	sinks []job.Publisher
}

var _ job.Publisher = (*Fanout)(nil)

// NewFanout returns a publisher over sinks. Nil sinks are skipped.
func NewFanout(sinks ...job.Publisher) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish sends the event to each sink and joins their errors.
func (f *Fanout) Publish(ctx context.Context, kind job.EventKind, j *job.Job) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, kind, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
