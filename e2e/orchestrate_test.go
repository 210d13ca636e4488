//go:build e2e

// Package e2e runs the orchestration loop against a real Docker daemon.
// The loop reconciles every managed container on the host, so run these
// tests on a machine with no other dockerjobs orchestrator.
package e2e

import (
	"context"
	"dockerjobs/internal/engine"
	"dockerjobs/internal/engine/docker"
	"dockerjobs/internal/job"
	"dockerjobs/internal/notify"
	"dockerjobs/internal/orchestrator"
	"dockerjobs/internal/store/sqlite"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testImage = "alpine:3.20"

type recorder struct {
	mu     sync.Mutex
	events map[int64][]job.EventKind
}

func (r *recorder) Publish(_ context.Context, kind job.EventKind, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[j.ID] = append(r.events[j.ID], kind)
	return nil
}

func (r *recorder) kinds(id int64) []job.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.EventKind(nil), r.events[id]...)
}

type harness struct {
	store   *sqlite.Store
	svc     *job.Service
	events  *recorder
	stopper *orchestrator.Stopper
	engine  *docker.Client
}

func setup(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	eng, err := docker.New(docker.Config{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	if err := orchestrator.CheckRequirements(ctx, eng, testImage, logger); err != nil {
		t.Skipf("docker not usable: %v", err)
	}

	store, err := sqlite.Open(ctx, sqlite.Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	events := &recorder{events: map[int64][]job.EventKind{}}
	publisher := notify.NewFanout(notify.NewLogSink(logger), events)

	loop, err := orchestrator.New(orchestrator.Config{
		Queue:        "e2e",
		Concurrency:  2,
		EagerLogs:    true,
		PollInterval: 200 * time.Millisecond,
		WorkerName:   "e2e",
		DefaultImage: testImage,
		WorkingDir:   "/",
		Engine:       eng,
		Store:        store.NewSession(),
		Publisher:    publisher,
		Logger:       logger,
	})
	require.NoError(t, err)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(loopCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	stopper := orchestrator.NewStopper(eng, store.NewSession(), publisher, nil, logger)
	return &harness{
		store:   store,
		svc:     job.NewService(store, stopper, logger),
		events:  events,
		stopper: stopper,
		engine:  eng,
	}
}

// submit enqueues a shell script. The trailing marker keeps container names
// unique across test runs.
func (h *harness) submit(t *testing.T, script string) int64 {
	t.Helper()
	marker := fmt.Sprintf(" # %d", time.Now().UnixNano())
	j, err := h.svc.Submit(context.Background(), &job.Submission{
		Queue:   "e2e",
		Command: []string{"sh", "-c", script + marker},
	})
	require.NoError(t, err)
	return j.ID
}

func (h *harness) waitFor(t *testing.T, id int64, cond func(*job.Job) bool) *job.Job {
	t.Helper()
	var last *job.Job
	require.Eventually(t, func() bool {
		j, err := h.svc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return cond(j)
	}, 60*time.Second, 200*time.Millisecond, "job %d never reached the expected state (last: %+v)", id, last)
	return last
}

func terminal(j *job.Job) bool { return j.State.Terminal() && j.ExitCode != nil }

func TestJobLifecycle(t *testing.T) {
	h := setup(t)

	okID := h.submit(t, "echo hello; echo oops >&2")
	failID := h.submit(t, "exit 3")

	ok := h.waitFor(t, okID, terminal)
	assert.Equal(t, job.StateFinished, ok.State)
	assert.Equal(t, 0, *ok.ExitCode)
	assert.Equal(t, "hello\n", ok.Output)
	assert.Equal(t, "oops\n", ok.ErrorOutput)
	assert.NotEmpty(t, ok.DockerContainerID)
	assert.Equal(t, "e2e", ok.WorkerName)
	require.NotNil(t, ok.Runtime)
	assert.GreaterOrEqual(t, *ok.Runtime, int64(0))
	assert.Equal(t, fmt.Sprint(okID), ok.EnvironmentVariables[orchestrator.EnvJobID])

	failed := h.waitFor(t, failID, terminal)
	assert.Equal(t, job.StateFailed, failed.State)
	assert.Equal(t, 3, *failed.ExitCode)

	assert.Eventually(t, func() bool {
		kinds := h.events.kinds(failID)
		return len(kinds) == 2 && kinds[0] == job.EventRunning && kinds[1] == job.EventFailed
	}, 5*time.Second, 100*time.Millisecond)

	// terminal containers are removed
	assert.Eventually(t, func() bool {
		_, err := h.engine.InspectContainer(context.Background(), ok.DockerContainerID)
		return err != nil
	}, 10*time.Second, 200*time.Millisecond)
}

func TestStopRunningJob(t *testing.T) {
	h := setup(t)

	id := h.submit(t, "echo started; sleep 300")
	running := h.waitFor(t, id, func(j *job.Job) bool { return j.State == job.StateRunning })
	require.NotEmpty(t, running.DockerContainerID)

	require.NoError(t, h.svc.Stop(context.Background(), id))

	stopped := h.waitFor(t, id, terminal)
	assert.Equal(t, job.StateStopped, stopped.State)
	assert.Equal(t, 137, *stopped.ExitCode)
	assert.NotNil(t, stopped.StoppedAt)

	assert.Eventually(t, func() bool {
		kinds := h.events.kinds(id)
		return len(kinds) > 0 && kinds[len(kinds)-1] == job.EventStopped
	}, 5*time.Second, 100*time.Millisecond)
	assert.Contains(t, h.events.kinds(id), job.EventCanceled)
}

func TestConcurrencyLimit(t *testing.T) {
	h := setup(t)

	ids := []int64{
		h.submit(t, "sleep 2"),
		h.submit(t, "sleep 2"),
		h.submit(t, "sleep 2"),
	}

	// never more than two running at once
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		running, err := h.engine.ListContainers(context.Background(), engine.ManagedFilter, false)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(running), 2)
		time.Sleep(100 * time.Millisecond)
	}

	for _, id := range ids {
		j := h.waitFor(t, id, terminal)
		assert.Equal(t, job.StateFinished, j.State)
	}
}
