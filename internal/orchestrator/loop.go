// Package orchestrator launches pending jobs as containers and reconciles
// job state from periodic snapshots of the container engine.
package orchestrator

import (
	"context"
	"crypto/md5"
	"dockerjobs/internal/engine"
	"dockerjobs/internal/job"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrLaunchFailed is returned when the engine could not run a job's container.
var ErrLaunchFailed = errors.New("could not run job")

// Env variables injected into every job container.
const (
	EnvJobID = "DOCKERJOBS_JOB_ID"
	EnvQueue = "DOCKERJOBS_QUEUE"
)

// Config holds configuration for the orchestration loop.
type Config struct {
	Queue        string
	Concurrency  int           // max running containers (default 4)
	EagerLogs    bool          // refresh logs of running jobs every cycle
	PollInterval time.Duration // pause between cycles (default 1s)
	WorkerName   string        // recorded on every launched job
	DefaultImage string        // used when a job names no image
	WorkingDir   string        // container working directory

	Engine    engine.Engine
	Store     job.Store
	Publisher job.Publisher
	Metrics   MetricsRecorder // optional
	Logger    *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = "default"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Loop is the orchestration control loop. Each cycle admits new jobs up to
// the concurrency limit, refreshes the registry, and reconciles running then
// exited containers. A Loop must not be run concurrently with itself.
type Loop struct {
	cfg        Config
	engine     engine.Engine
	store      job.Store
	events     job.Publisher
	metrics    MetricsRecorder
	logger     *zap.Logger
	registry   *Registry
	reconciler *Reconciler
	now        func() time.Time

	primed bool
}

// New creates an orchestration loop.
func New(cfg Config) (*Loop, error) {
	cfg = cfg.withDefaults()
	if cfg.Engine == nil || cfg.Store == nil || cfg.Publisher == nil {
		return nil, errors.New("engine, store and publisher are required")
	}
	if cfg.DefaultImage == "" {
		return nil, errors.New("default image is required")
	}

	logger := cfg.Logger.Named("orchestrator").With(zap.String("queue", cfg.Queue))
	metrics := metricsOrNop(cfg.Metrics)
	return &Loop{
		cfg:        cfg,
		engine:     cfg.Engine,
		store:      cfg.Store,
		events:     cfg.Publisher,
		metrics:    metrics,
		logger:     logger,
		registry:   NewRegistry(cfg.Engine, logger),
		reconciler: NewReconciler(cfg.Engine, cfg.Store, cfg.Publisher, metrics, logger, cfg.EagerLogs),
		now:        time.Now,
	}, nil
}

// Run executes cycles until ctx is canceled. Cycle errors are logged and the
// loop carries on; cancellation is only observed between cycles.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Orchestrator started",
		zap.Int("concurrency", l.cfg.Concurrency),
		zap.Bool("eagerLogs", l.cfg.EagerLogs),
		zap.String("worker", l.cfg.WorkerName))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Orchestrator stopped")
			return nil
		case <-timer.C:
		}

		if err := l.RunCycle(context.WithoutCancel(ctx)); err != nil {
			l.logger.Error("Orchestration cycle failed", zap.Error(err))
		}
		timer.Reset(l.cfg.PollInterval)
	}
}

// RunCycle performs one admission and reconciliation pass and flushes all
// job changes. A job whose image is missing is failed and admission moves on;
// any other launch failure ends admission for this cycle but reconciliation
// still runs. Both errors are returned joined.
func (l *Loop) RunCycle(ctx context.Context) error {
	start := l.now()
	var errs []error

	if !l.primed {
		if err := l.registry.Refresh(ctx); err != nil {
			return err
		}
		l.primed = true
	}

	if err := l.admit(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := l.reconcile(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := l.store.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush jobs: %w", err))
	}

	l.metrics.RecordContainers(ctx, l.cfg.Queue, l.registry.RunningCount(), l.registry.ExitedCount())
	err := errors.Join(errs...)
	l.metrics.RecordCycle(ctx, l.cfg.Queue, l.now().Sub(start), err != nil)
	return err
}

// admit launches runnable jobs into the free slots and flushes them.
func (l *Loop) admit(ctx context.Context) error {
	running := l.registry.RunningCount()
	if running >= l.cfg.Concurrency {
		return nil
	}

	jobs, err := l.store.FindRunnableJobs(ctx, l.cfg.Queue, l.cfg.Concurrency-running)
	if err != nil {
		return fmt.Errorf("find runnable jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	var launchErr error
	for _, j := range jobs {
		err := l.launch(ctx, j)
		if errors.Is(err, ErrImageNotFound) {
			// The job was failed in place; the rest of the batch can still run.
			l.metrics.RecordLaunchFailure(ctx, l.cfg.Queue)
			l.store.Persist(j)
			continue
		}
		if err != nil {
			l.metrics.RecordLaunchFailure(ctx, l.cfg.Queue)
			launchErr = err
			break
		}
		l.store.Persist(j)
	}

	if err := l.store.Flush(ctx); err != nil {
		return errors.Join(launchErr, fmt.Errorf("flush launched jobs: %w", err))
	}
	return launchErr
}

func (l *Loop) launch(ctx context.Context, j *job.Job) error {
	logger := l.logger.With(zap.Int64("jobId", j.ID))

	now := l.now().UTC()
	j.WorkerName = l.cfg.WorkerName
	j.State = job.StatePending
	j.StartedAtFallback = &now

	lc := l.launchConfig(j)
	if lc.Image != l.cfg.DefaultImage {
		ok, err := l.engine.ImageExists(ctx, lc.Image)
		if err != nil {
			logger.Error("Failed to inspect job image", zap.String("image", lc.Image), zap.Error(err))
			return fmt.Errorf("%w %d: %w", ErrLaunchFailed, j.ID, err)
		}
		if !ok {
			l.rejectMissingImage(ctx, j, lc.Image, now, logger)
			return fmt.Errorf("job %d: %w: %q", j.ID, ErrImageNotFound, lc.Image)
		}
	}

	id, err := l.engine.RunContainer(ctx, ContainerName(lc.Cmd, j.ID), lc)
	if err == nil && id == "" {
		err = errors.New("engine returned no container id")
	}
	if err != nil {
		logger.Error("Failed to launch job", zap.Error(err))
		return fmt.Errorf("%w %d: %w", ErrLaunchFailed, j.ID, err)
	}

	j.DockerContainerID = id
	logger.Info("New job starting", zap.String("containerId", id), zap.String("image", lc.Image))

	if err := l.events.Publish(ctx, job.EventRunning, j); err != nil {
		logger.Warn("Failed to publish job event", zap.String("event", string(job.EventRunning)), zap.Error(err))
	}
	l.registry.TrackRunning(id, lc.Labels)
	l.metrics.RecordJobLaunched(ctx, l.cfg.Queue)
	return nil
}

// rejectMissingImage fails a job whose own image is absent from the engine.
func (l *Loop) rejectMissingImage(ctx context.Context, j *job.Job, image string, now time.Time, logger *zap.Logger) {
	j.State = job.StateFailed
	j.StoppedAt = &now
	j.ErrorMessage = fmt.Sprintf("%q docker image does not exist", image)
	logger.Error("Job image not found", zap.String("image", image))

	if err := l.events.Publish(ctx, job.EventFailed, j); err != nil {
		logger.Warn("Failed to publish job event", zap.String("event", string(job.EventFailed)), zap.Error(err))
	}
	l.metrics.RecordJobTerminal(ctx, l.cfg.Queue, string(job.StateFailed), 0)
}

func (l *Loop) launchConfig(j *job.Job) engine.LaunchConfig {
	image := j.Image
	if image == "" {
		image = l.cfg.DefaultImage
	}
	id := strconv.FormatInt(j.ID, 10)
	return engine.LaunchConfig{
		Image:      image,
		Cmd:        j.Command,
		WorkingDir: l.cfg.WorkingDir,
		Env:        []string{EnvJobID + "=" + id, EnvQueue + "=" + j.Queue},
		Labels: map[string]string{
			engine.LabelManaged: engine.LabelManagedValue,
			engine.LabelJobID:   id,
			engine.LabelQueue:   j.Queue,
		},
	}
}

// reconcile refreshes the registry and reconciles running containers, then
// exited ones. A failure on one container does not stop the others.
func (l *Loop) reconcile(ctx context.Context) error {
	if err := l.registry.Refresh(ctx); err != nil {
		return err
	}

	var errs []error
	for _, id := range l.registry.Running() {
		if err := l.reconciler.ReconcileRunning(ctx, id, l.registry.Labels(id)); err != nil {
			l.logger.Warn("Failed to reconcile running container", zap.String("containerId", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	for _, id := range l.registry.Exited() {
		if err := l.reconciler.ReconcileExited(ctx, id, l.registry.Labels(id)); err != nil {
			l.logger.Warn("Failed to reconcile exited container", zap.String("containerId", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ContainerName derives a job's container name from its command and id.
// Relaunching the same job yields the same name, which the engine rejects.
func ContainerName(cmd []string, jobID int64) string {
	sum := md5.Sum([]byte(strings.Join(cmd, " ") + "-" + strconv.FormatInt(jobID, 10)))
	return hex.EncodeToString(sum[:])
}
