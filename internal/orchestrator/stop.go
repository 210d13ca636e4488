package orchestrator

import (
	"context"
	"dockerjobs/internal/apperrors"
	"dockerjobs/internal/engine"
	"dockerjobs/internal/job"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrStopFailed is returned when the engine could not stop a job's container.
var ErrStopFailed = errors.New("could not stop job")

// Stopper implements the stop operation. It runs beside the loop and is the
// only other writer of job state.
type Stopper struct {
	engine  engine.Engine
	store   job.Store
	events  job.Publisher
	metrics MetricsRecorder
	logger  *zap.Logger
}

var _ job.Stopper = (*Stopper)(nil)

// NewStopper creates a stopper. store must be a session not shared with the loop.
func NewStopper(eng engine.Engine, store job.Store, events job.Publisher, metrics MetricsRecorder, logger *zap.Logger) *Stopper {
	return &Stopper{
		engine:  eng,
		store:   store,
		events:  events,
		metrics: metricsOrNop(metrics),
		logger:  logger.Named("stopper"),
	}
}

// Stop kills the job's container and marks the job STOPPED. If the engine
// cannot stop the container the job is left untouched. The loop classifies
// the resulting 137 exit as STOPPED. A job whose exit the loop already
// recorded keeps that outcome and no canceled event is published.
func (s *Stopper) Stop(ctx context.Context, id int64) error {
	logger := s.logger.With(zap.Int64("jobId", id))

	j, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if j.DockerContainerID == "" {
		return fmt.Errorf("%w %d: %w", ErrStopFailed, id,
			apperrors.Precondition("job", "job has no container"))
	}

	if err := s.engine.StopContainer(ctx, j.DockerContainerID); err != nil {
		logger.Warn("Could not stop job", zap.String("containerId", j.DockerContainerID), zap.Error(err))
		return fmt.Errorf("%w %d: %w", ErrStopFailed, id, err)
	}

	j.State = job.StateStopped
	s.store.Persist(j)
	if err := s.store.Flush(ctx); err != nil {
		return fmt.Errorf("persist stopped job %d: %w", id, err)
	}

	// The loop may have recorded the exit between the load and the flush, in
	// which case the store kept its outcome and there is nothing to cancel.
	if err := s.store.Refresh(ctx, j); err != nil {
		return fmt.Errorf("reload stopped job %d: %w", id, err)
	}
	if j.State != job.StateStopped {
		logger.Info("Job ended before the stop was recorded", zap.String("state", string(j.State)))
		return nil
	}
	logger.Info("Job stopped successfully", zap.String("containerId", j.DockerContainerID))

	if err := s.events.Publish(ctx, job.EventCanceled, j); err != nil {
		logger.Warn("Failed to publish job event", zap.String("event", string(job.EventCanceled)), zap.Error(err))
	}
	s.metrics.RecordJobStopped(ctx, j.Queue)
	return nil
}
