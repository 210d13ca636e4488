// Package engine defines the container engine operations the orchestrator
// relies on, independent of any particular engine API.
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrContainerNotFound is returned when a container no longer exists.
var ErrContainerNotFound = errors.New("container not found")

// Labels stamped on every managed container.
const (
	// LabelManaged marks a container as launched by the orchestrator.
	// The registry lists containers by this label only.
	LabelManaged      = "docker-jobs.orchestrated"
	LabelManagedValue = "true"

	// LabelJobID correlates a container with its job.
	LabelJobID = "job_id"
	LabelQueue = "queue"
)

// ManagedFilter is the label filter selecting managed containers.
const ManagedFilter = LabelManaged + "=" + LabelManagedValue

// Container phases reported by list and inspect.
const (
	PhaseCreated    = "created"
	PhaseRunning    = "running"
	PhasePaused     = "paused"
	PhaseRestarting = "restarting"
	PhaseRemoving   = "removing"
	PhaseExited     = "exited"
	PhaseDead       = "dead"
)

// LogStream selects which output stream to read.
type LogStream int

const (
	Stdout LogStream = iota
	Stderr
)

func (s LogStream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Container is one entry of a container listing.
type Container struct {
	ID     string
	State  string
	Labels map[string]string
}

// Snapshot is the inspected state of a container at one point in time.
// Timestamps are raw engine strings; see ParseTimestamp.
type Snapshot struct {
	ID         string
	Status     string
	ExitCode   int
	Error      string
	StartedAt  string
	FinishedAt string
	Labels     map[string]string
	Env        []string
}

// LaunchConfig describes a container to run.
type LaunchConfig struct {
	Image      string
	Cmd        []string
	WorkingDir string
	Env        []string
	Labels     map[string]string
}

// Info describes the engine daemon.
type Info struct {
	ServerVersion     string
	OperatingSystem   string
	ContainersRunning int
}

// Engine is a container engine.
type Engine interface {
	Ping(ctx context.Context) error
	Info(ctx context.Context) (Info, error)
	ImageExists(ctx context.Context, ref string) (bool, error)

	// ListContainers returns containers matching labelFilter ("key=value").
	// When all is false only running containers are returned.
	ListContainers(ctx context.Context, labelFilter string, all bool) ([]Container, error)

	// RunContainer creates and starts a container and returns its id.
	RunContainer(ctx context.Context, name string, cfg LaunchConfig) (string, error)

	// InspectContainer returns ErrContainerNotFound if the container is gone.
	InspectContainer(ctx context.Context, id string) (*Snapshot, error)

	ContainerLogs(ctx context.Context, id string, stream LogStream) (string, error)

	// DeleteContainer force-removes a container. Removing a container that
	// is already gone is not an error.
	DeleteContainer(ctx context.Context, id string) error

	// StopContainer kills a running container so that it exits with 137.
	StopContainer(ctx context.Context, id string) error
}

// ParseTimestamp parses an engine timestamp. Empty strings, unparsable values
// and the engine's zero time all report ok=false.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() || t.Year() <= 1 {
		return time.Time{}, false
	}
	return t.UTC(), true
}
