// Package job defines the job model, its event taxonomy, and the
// collaborator interfaces the orchestrator depends on.
package job

import "context"

// Store is the persistence boundary for jobs.
//
// It follows a unit-of-work model: Persist stages a job, Flush writes every
// staged job at once. The store is the single source of truth for job state
// and must serialize concurrent writers; in particular a STOPPED marker
// written by the stop operation must be visible to the next FindByID or
// Refresh issued by the orchestration loop.
type Store interface {
	// FindRunnableJobs returns up to limit jobs of the queue that are waiting
	// to be launched, oldest first.
	FindRunnableJobs(ctx context.Context, queue string, limit int) ([]*Job, error)

	// FindByID loads a job. Returns an apperrors.ErrNotFound error if absent.
	FindByID(ctx context.Context, id int64) (*Job, error)

	// Persist stages a job to be written by the next Flush.
	Persist(j *Job)

	// Flush writes all staged jobs.
	Flush(ctx context.Context) error

	// Refresh reloads j from durable storage, discarding staged changes.
	Refresh(ctx context.Context, j *Job) error
}

// Publisher fans job lifecycle events out to interested parties.
type Publisher interface {
	Publish(ctx context.Context, kind EventKind, j *Job) error
}
