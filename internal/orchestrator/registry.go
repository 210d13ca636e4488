package orchestrator

import (
	"context"
	"dockerjobs/internal/engine"
	"fmt"

	"go.uber.org/zap"
)

// Registry is the per-cycle view of managed containers, split into running
// and exited sets. It is rebuilt from a labelled container listing on every
// Refresh and is owned by the orchestration loop; it is not safe for
// concurrent use.
type Registry struct {
	engine engine.Engine
	logger *zap.Logger

	running []string
	exited  []string
	members map[string]engine.Container
}

// NewRegistry creates an empty registry.
func NewRegistry(eng engine.Engine, logger *zap.Logger) *Registry {
	return &Registry{
		engine:  eng,
		logger:  logger,
		members: make(map[string]engine.Container),
	}
}

// Refresh replaces both sets with the current listing of managed containers,
// stopped ones included. Containers in any other phase are logged and ignored.
// On error the previous sets are kept.
func (r *Registry) Refresh(ctx context.Context) error {
	containers, err := r.engine.ListContainers(ctx, engine.ManagedFilter, true)
	if err != nil {
		return fmt.Errorf("refresh container registry: %w", err)
	}

	r.running = r.running[:0]
	r.exited = r.exited[:0]
	clear(r.members)

	for _, c := range containers {
		if _, dup := r.members[c.ID]; dup {
			continue
		}
		switch c.State {
		case engine.PhaseRunning:
			r.running = append(r.running, c.ID)
		case engine.PhaseExited:
			r.exited = append(r.exited, c.ID)
		default:
			r.logger.Warn("Unhandled container state",
				zap.String("containerId", c.ID),
				zap.String("state", c.State))
			continue
		}
		r.members[c.ID] = c
	}
	return nil
}

// TrackRunning adds a just-launched container to the running set so that it
// counts against the concurrency limit before the next Refresh.
func (r *Registry) TrackRunning(id string, labels map[string]string) {
	if _, ok := r.members[id]; ok {
		return
	}
	r.members[id] = engine.Container{ID: id, State: engine.PhaseRunning, Labels: labels}
	r.running = append(r.running, id)
}

// Running returns the ids of running containers in listing order.
func (r *Registry) Running() []string {
	return append([]string(nil), r.running...)
}

// Exited returns the ids of exited containers in listing order.
func (r *Registry) Exited() []string {
	return append([]string(nil), r.exited...)
}

// RunningCount is the number of running containers.
func (r *Registry) RunningCount() int {
	return len(r.running)
}

// ExitedCount is the number of exited containers.
func (r *Registry) ExitedCount() int {
	return len(r.exited)
}

// Labels returns the labels a container had when it was listed.
func (r *Registry) Labels(id string) map[string]string {
	return r.members[id].Labels
}
