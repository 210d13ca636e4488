package job

import (
	"dockerjobs/pkg/cloudevent"
	"fmt"
	"slices"
)

// EventKind names a job lifecycle event.
type EventKind string

const (
	EventRunning  EventKind = "dockerjobs.job.running"
	EventFinished EventKind = "dockerjobs.job.finished"
	EventFailed   EventKind = "dockerjobs.job.failed"
	EventStopped  EventKind = "dockerjobs.job.stopped"
	EventCanceled EventKind = "dockerjobs.job.canceled"
)

// EventKinds lists every kind in the taxonomy.
var EventKinds = []EventKind{EventRunning, EventFinished, EventFailed, EventStopped, EventCanceled}

// TerminalEvent returns the event kind published when a job reaches state s.
func TerminalEvent(s State) EventKind {
	switch s {
	case StateFinished:
		return EventFinished
	case StateStopped:
		return EventStopped
	default:
		return EventFailed
	}
}

// EventMessage renders the human-readable message carried by an event.
func EventMessage(kind EventKind, j *Job) string {
	switch kind {
	case EventRunning:
		return "new job starting"
	case EventFinished:
		return "job finished with success"
	case EventStopped:
		return "job stopped"
	case EventCanceled:
		return "job canceled"
	case EventFailed:
		if j != nil && j.ExitCode != nil {
			return fmt.Sprintf("job exited with code: %d", *j.ExitCode)
		}
		return "job failed"
	}
	return string(kind)
}

// FilteredEvents returns true if the event kind should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(kind EventKind, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, string(kind))
}

// NewCloudEvent wraps a job lifecycle event in a CloudEvents envelope.
func NewCloudEvent(kind EventKind, j *Job, source string) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":   j.ID,
		"queue":   j.Queue,
		"state":   j.State,
		"message": EventMessage(kind, j),
	}
	if j.DockerContainerID != "" {
		data["containerId"] = j.DockerContainerID
	}
	if j.WorkerName != "" {
		data["workerName"] = j.WorkerName
	}
	if j.ExitCode != nil {
		data["exitCode"] = *j.ExitCode
	}
	if j.Runtime != nil {
		data["runtime"] = *j.Runtime
	}
	if j.ErrorMessage != "" {
		data["error"] = j.ErrorMessage
	}
	return cloudevent.New(string(kind), source, fmt.Sprintf("%d", j.ID), data)
}
