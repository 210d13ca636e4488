package orchestrator

import (
	"context"
	"dockerjobs/internal/apperrors"
	"dockerjobs/internal/engine"
	"dockerjobs/internal/job"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

type fakeContainer struct {
	snap   engine.Snapshot
	name   string
	stdout string
	stderr string
}

// fakeEngine is an in-memory container engine.
type fakeEngine struct {
	mu         sync.Mutex
	seq        int
	order      []string
	containers map[string]*fakeContainer
	images     map[string]bool

	runErr    error
	deleteErr error
	stopErr   error
	infoErr   error
	logsErr   map[engine.LogStream]error

	runs    []engine.LaunchConfig
	names   []string
	deleted []string
	stopped []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]*fakeContainer{}, images: map[string]bool{"alpine": true}}
}

func (f *fakeEngine) Ping(context.Context) error { return f.infoErr }

func (f *fakeEngine) Info(context.Context) (engine.Info, error) {
	if f.infoErr != nil {
		return engine.Info{}, f.infoErr
	}
	return engine.Info{ServerVersion: "test"}, nil
}

func (f *fakeEngine) ImageExists(_ context.Context, ref string) (bool, error) {
	return f.images[ref], nil
}

func (f *fakeEngine) ListContainers(_ context.Context, labelFilter string, all bool) ([]engine.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.Container
	for _, id := range f.order {
		c, ok := f.containers[id]
		if !ok || c.snap.Labels[engine.LabelManaged] != engine.LabelManagedValue {
			continue
		}
		if !all && c.snap.Status != engine.PhaseRunning {
			continue
		}
		out = append(out, engine.Container{ID: id, State: c.snap.Status, Labels: maps.Clone(c.snap.Labels)})
	}
	return out, nil
}

func (f *fakeEngine) RunContainer(_ context.Context, name string, cfg engine.LaunchConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.seq++
	id := fmt.Sprintf("c%d", f.seq)
	f.add(id, name, engine.Snapshot{
		Status:    engine.PhaseRunning,
		StartedAt: "2024-05-01T10:00:00Z",
		Labels:    maps.Clone(cfg.Labels),
		Env:       append([]string{"PATH=/usr/bin"}, cfg.Env...),
	})
	f.runs = append(f.runs, cfg)
	f.names = append(f.names, name)
	return id, nil
}

// add registers a container; callers must hold mu or be single-threaded.
func (f *fakeEngine) add(id, name string, snap engine.Snapshot) {
	snap.ID = id
	f.containers[id] = &fakeContainer{snap: snap, name: name, stdout: "out of " + id, stderr: "err of " + id}
	f.order = append(f.order, id)
}

func (f *fakeEngine) exit(id string, code int, finishedAt, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[id]
	c.snap.Status = engine.PhaseExited
	c.snap.ExitCode = code
	c.snap.FinishedAt = finishedAt
	c.snap.Error = errMsg
}

func (f *fakeEngine) InspectContainer(_ context.Context, id string) (*engine.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrContainerNotFound, id)
	}
	snap := c.snap
	snap.Labels = maps.Clone(c.snap.Labels)
	snap.Env = slices.Clone(c.snap.Env)
	return &snap, nil
}

func (f *fakeEngine) ContainerLogs(_ context.Context, id string, stream engine.LogStream) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return "", engine.ErrContainerNotFound
	}
	if err := f.logsErr[stream]; err != nil {
		return "", err
	}
	if stream == engine.Stderr {
		return c.stderr, nil
	}
	return c.stdout, nil
}

func (f *fakeEngine) DeleteContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.containers, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.containers[id]; !ok {
		return engine.ErrContainerNotFound
	}
	f.stopped = append(f.stopped, id)
	return nil
}

// memStore is an in-memory job.Store with unit-of-work staging. Its Flush
// keeps a durable STOPPED marker and a recorded exit the way the SQLite
// store does.
type memStore struct {
	mu       sync.Mutex
	durable  map[int64]*job.Job
	staged   map[int64]*job.Job
	flushes  int
	flushErr error
	findErr  error
}

func newMemStore(jobs ...*job.Job) *memStore {
	s := &memStore{durable: map[int64]*job.Job{}, staged: map[int64]*job.Job{}}
	for _, j := range jobs {
		s.durable[j.ID] = j.Clone()
	}
	return s
}

func (s *memStore) FindRunnableJobs(_ context.Context, queue string, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	ids := slices.Sorted(maps.Keys(s.durable))
	var out []*job.Job
	for _, id := range ids {
		j := s.durable[id]
		if j.Queue == queue && j.State == job.StatePending && j.DockerContainerID == "" && len(out) < limit {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *memStore) FindByID(_ context.Context, id int64) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.durable[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

func (s *memStore) Persist(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[j.ID] = j
}

func (s *memStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushErr != nil {
		return s.flushErr
	}
	for id, j := range s.staged {
		c := j.Clone()
		prev, ok := s.durable[id]
		if ok && prev.ExitCode != nil && c.ExitCode == nil {
			continue
		}
		if ok && prev.State == job.StateStopped &&
			(c.State == job.StatePending || c.State == job.StateRunning) {
			c.State = job.StateStopped
		}
		s.durable[id] = c
	}
	clear(s.staged)
	s.flushes++
	return nil
}

func (s *memStore) Refresh(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.durable[j.ID]
	if !ok {
		return apperrors.NotFound("job", j.ID)
	}
	delete(s.staged, j.ID)
	*j = *d.Clone()
	return nil
}

func (s *memStore) get(id int64) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable[id].Clone()
}

// markStopped writes a STOPPED marker directly, as a concurrent stop would.
func (s *memStore) markStopped(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durable[id].State = job.StateStopped
}

type publishedEvent struct {
	kind    job.EventKind
	jobID   int64
	state   job.State
	message string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, kind job.EventKind, j *job.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{kind: kind, jobID: j.ID, state: j.State, message: job.EventMessage(kind, j)})
	return p.err
}

func (p *recordingPublisher) kinds() []job.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]job.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.kind)
	}
	return out
}

var errEngineDown = errors.New("engine down")
