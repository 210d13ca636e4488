package orchestrator

import (
	"context"
	"dockerjobs/internal/apperrors"
	"dockerjobs/internal/engine"
	"dockerjobs/internal/job"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Exit codes with special meaning.
const (
	exitSuccess = 0
	exitKilled  = 137 // 128 + SIGKILL
)

// Reconciler advances a job's persisted fields from a container snapshot.
type Reconciler struct {
	engine    engine.Engine
	store     job.Store
	events    job.Publisher
	metrics   MetricsRecorder
	logger    *zap.Logger
	eagerLogs bool
	now       func() time.Time
}

// NewReconciler creates a reconciler. eagerLogs copies the current log
// snapshot onto the job on every observation of a running container.
func NewReconciler(eng engine.Engine, store job.Store, events job.Publisher, metrics MetricsRecorder, logger *zap.Logger, eagerLogs bool) *Reconciler {
	return &Reconciler{
		engine:    eng,
		store:     store,
		events:    events,
		metrics:   metricsOrNop(metrics),
		logger:    logger,
		eagerLogs: eagerLogs,
		now:       time.Now,
	}
}

// ReconcileRunning updates the job of a running container.
func (r *Reconciler) ReconcileRunning(ctx context.Context, containerID string, listed map[string]string) error {
	snap, err := r.engine.InspectContainer(ctx, containerID)
	if err != nil {
		if errors.Is(err, engine.ErrContainerNotFound) {
			return nil
		}
		return err
	}

	j, logger, err := r.loadJob(ctx, snap, listed)
	if err != nil || j == nil {
		return err
	}

	if !r.correlate(j, snap.ID, logger) {
		return nil
	}

	if j.EnvironmentVariables == nil {
		if env := parseEnv(snap.Env); len(env) > 0 {
			j.EnvironmentVariables = env
		}
	}

	if r.eagerLogs {
		r.captureLogs(ctx, j, snap.ID, logger)
	}

	if j.State != job.StateRunning && !j.State.Terminal() {
		j.State = job.StateRunning
	}

	if j.StartedAt == nil {
		if t, ok := engine.ParseTimestamp(snap.StartedAt); ok {
			j.StartedAt = &t
		}
	}

	r.store.Persist(j)
	return nil
}

// ReconcileExited records the terminal state of the job of an exited container,
// deletes the container, and publishes exactly one terminal event.
// A container that has already been deleted is skipped.
func (r *Reconciler) ReconcileExited(ctx context.Context, containerID string, listed map[string]string) error {
	snap, err := r.engine.InspectContainer(ctx, containerID)
	if err != nil {
		if errors.Is(err, engine.ErrContainerNotFound) {
			return nil
		}
		return err
	}

	j, logger, err := r.loadJob(ctx, snap, listed)
	if err != nil {
		return err
	}
	if j == nil {
		logger.Warn("Deleting orphaned container")
		r.deleteContainer(ctx, snap.ID, logger)
		return nil
	}
	if !r.correlate(j, snap.ID, logger) {
		return nil
	}

	// Terminal state was committed in an earlier cycle but the delete failed.
	if j.ExitCode != nil {
		r.deleteContainer(ctx, snap.ID, logger)
		return nil
	}

	code := snap.ExitCode

	// A concurrent stop writes the STOPPED marker to the store; reload before
	// touching the job so the reload cannot discard anything set below.
	if code == exitKilled {
		if err := r.store.Refresh(ctx, j); err != nil {
			return fmt.Errorf("refresh job %d: %w", j.ID, err)
		}
	}

	if stopped, ok := engine.ParseTimestamp(snap.FinishedAt); ok {
		j.StoppedAt = &stopped
		if start := j.EffectiveStart(); start != nil {
			runtime := max(stopped.Unix()-start.Unix(), 0)
			j.Runtime = &runtime
		}
	}

	state := classify(code, j.State)
	if state == job.StateFailed {
		j.ErrorMessage = snap.Error
	}
	j.ExitCode = &code

	r.captureLogs(ctx, j, snap.ID, logger)
	j.State = state

	r.deleteContainer(ctx, snap.ID, logger)

	kind := job.TerminalEvent(state)
	switch kind {
	case job.EventFinished:
		logger.Info("Job finished with success")
	case job.EventStopped:
		logger.Warn("Job stopped")
	default:
		logger.Warn("Job exited with code "+strconv.Itoa(code), zap.String("error", j.ErrorMessage))
	}
	if err := r.events.Publish(ctx, kind, j); err != nil {
		logger.Warn("Failed to publish job event", zap.String("event", string(kind)), zap.Error(err))
	}

	var runtime int64
	if j.Runtime != nil {
		runtime = *j.Runtime
	}
	r.metrics.RecordJobTerminal(ctx, j.Queue, string(state), runtime)

	r.store.Persist(j)
	return nil
}

// classify maps an exit code to a terminal state. 137 means the container was
// killed; it counts as STOPPED only when the stop operation left its marker.
func classify(code int, current job.State) job.State {
	switch {
	case code == exitSuccess:
		return job.StateFinished
	case code == exitKilled && current == job.StateStopped:
		return job.StateStopped
	default:
		return job.StateFailed
	}
}

// loadJob resolves the job a container belongs to. It returns a nil job with
// a nil error for orphans.
func (r *Reconciler) loadJob(ctx context.Context, snap *engine.Snapshot, listed map[string]string) (*job.Job, *zap.Logger, error) {
	logger := r.logger.With(zap.String("containerId", snap.ID))

	raw, ok := snap.Labels[engine.LabelJobID]
	if !ok {
		raw = listed[engine.LabelJobID]
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		logger.Warn("Container has no usable job label", zap.String("label", raw))
		return nil, logger, nil
	}

	logger = logger.With(zap.Int64("jobId", id))
	j, err := r.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("Container belongs to unknown job")
			return nil, logger, nil
		}
		return nil, logger, fmt.Errorf("load job %d: %w", id, err)
	}
	return j, logger, nil
}

// correlate checks the container against the job's recorded container id,
// adopting it when none was persisted.
func (r *Reconciler) correlate(j *job.Job, containerID string, logger *zap.Logger) bool {
	switch j.DockerContainerID {
	case containerID:
		return true
	case "":
		logger.Info("Adopting container for job")
		j.DockerContainerID = containerID
		return true
	default:
		logger.Warn("Container does not match the job's container", zap.String("jobContainerId", j.DockerContainerID))
		return false
	}
}

func (r *Reconciler) captureLogs(ctx context.Context, j *job.Job, containerID string, logger *zap.Logger) {
	if out, err := r.engine.ContainerLogs(ctx, containerID, engine.Stdout); err != nil {
		logger.Warn("Failed to read container output", zap.Error(err))
	} else {
		j.Output = out
	}
	if errOut, err := r.engine.ContainerLogs(ctx, containerID, engine.Stderr); err != nil {
		logger.Warn("Failed to read container error output", zap.Error(err))
	} else {
		j.ErrorOutput = errOut
	}
}

func (r *Reconciler) deleteContainer(ctx context.Context, containerID string, logger *zap.Logger) {
	if err := r.engine.DeleteContainer(ctx, containerID); err != nil {
		logger.Warn("Failed to delete container", zap.Error(err))
		r.metrics.RecordContainerDeleteFailure(ctx)
	}
}

// parseEnv turns NAME=value entries into a map. Entries without a name are
// skipped; a missing '=' yields an empty value.
func parseEnv(entries []string) map[string]string {
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		name, value, _ := strings.Cut(e, "=")
		if name == "" {
			continue
		}
		env[name] = value
	}
	return env
}
