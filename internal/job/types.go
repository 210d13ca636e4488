package job

import (
	"maps"
	"slices"
	"time"
)

// State is the lifecycle state of a job.
//
// These values are persisted and are part of the stored contract.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// Terminal reports whether no further transitions happen from s.
// STOPPED counts as terminal even though the container may still be exiting.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateFailed, StateStopped:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateFinished, StateFailed, StateStopped:
		return true
	}
	return false
}

// Job is a unit of user-submitted work executed as one container.
type Job struct {
	ID      int64    `json:"id"`
	Queue   string   `json:"queue"`
	Image   string   `json:"image,omitempty"` // empty means the configured default image
	Command []string `json:"command"`

	// EnvironmentVariables is captured from the launched container the first
	// time it is observed running.
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`

	WorkerName        string `json:"workerName,omitempty"`
	DockerContainerID string `json:"dockerContainerId,omitempty"`
	State             State  `json:"state"`

	CreatedAt         time.Time  `json:"createdAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	StartedAtFallback *time.Time `json:"startedAtFallback,omitempty"`
	StoppedAt         *time.Time `json:"stoppedAt,omitempty"`
	Runtime           *int64     `json:"runtime,omitempty"` // seconds

	ExitCode     *int   `json:"exitCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Output       string `json:"output,omitempty"`
	ErrorOutput  string `json:"errorOutput,omitempty"`
}

// EffectiveStart returns the engine-reported start time, or the local
// fallback captured at launch when the engine never reported one.
func (j *Job) EffectiveStart() *time.Time {
	if j.StartedAt != nil {
		return j.StartedAt
	}
	return j.StartedAtFallback
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	c.Command = slices.Clone(j.Command)
	if j.EnvironmentVariables != nil {
		c.EnvironmentVariables = maps.Clone(j.EnvironmentVariables)
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.StartedAtFallback = cloneTime(j.StartedAtFallback)
	c.StoppedAt = cloneTime(j.StoppedAt)
	if j.Runtime != nil {
		r := *j.Runtime
		c.Runtime = &r
	}
	if j.ExitCode != nil {
		e := *j.ExitCode
		c.ExitCode = &e
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
