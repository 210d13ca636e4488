package job

import (
	"context"
	"dockerjobs/internal/apperrors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Validation limits
const (
	maxQueueLength   = 64
	maxImageLength   = 255
	maxCommandArgs   = 256
	maxCommandLength = 64 << 10
	maxListLimit     = 500
)

// DefaultListLimit is the page size used when ListFilter.Limit is unset.
const DefaultListLimit = 50

// queuePattern allows alphanumeric, dots, hyphens, and underscores
var queuePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Submission is a request to enqueue one job.
type Submission struct {
	Queue   string   `json:"queue" yaml:"queue"`
	Image   string   `json:"image,omitempty" yaml:"image,omitempty"`
	Command []string `json:"command" yaml:"command"`
}

// Repository is the durable job table as seen by producers and readers.
type Repository interface {
	// Enqueue inserts j as PENDING and assigns its ID.
	Enqueue(ctx context.Context, j *Job) error
	// Get loads a job. Returns an apperrors.ErrNotFound error if absent.
	Get(ctx context.Context, id int64) (*Job, error)
	// List returns jobs matching f, newest first.
	List(ctx context.Context, f ListFilter) ([]*Job, error)
}

// ListFilter selects jobs for List. Zero values match everything.
type ListFilter struct {
	Queue string
	State State
	Limit int
}

// Stopper stops a job's container and marks the job STOPPED.
type Stopper interface {
	Stop(ctx context.Context, id int64) error
}

// Service is the entry point for submitting, reading, and stopping jobs.
// Launching and reconciling are done by the orchestration loop.
type Service struct {
	repo    Repository
	stopper Stopper
	logger  *zap.Logger
}

// NewService creates a job service. stopper may be nil when stopping is not offered.
func NewService(repo Repository, stopper Stopper, logger *zap.Logger) *Service {
	return &Service{repo: repo, stopper: stopper, logger: logger.Named("jobs")}
}

// Submit validates and enqueues a job.
func (s *Service) Submit(ctx context.Context, sub *Submission) (*Job, error) {
	if err := Validate(sub); err != nil {
		return nil, err
	}
	j := &Job{
		Queue:   sub.Queue,
		Image:   sub.Image,
		Command: sub.Command,
		State:   StatePending,
	}
	if err := s.repo.Enqueue(ctx, j); err != nil {
		s.logger.Error("Failed to enqueue job", zap.String("queue", sub.Queue), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Job submitted", zap.Int64("jobId", j.ID), zap.String("queue", j.Queue))
	return j, nil
}

// Get returns the persisted job.
func (s *Service) Get(ctx context.Context, id int64) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns the most recent jobs matching f.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, apperrors.Validation("state", fmt.Sprintf("unknown state %q", f.State))
	}
	if f.Limit < 0 || f.Limit > maxListLimit {
		return nil, apperrors.Validation("limit", fmt.Sprintf("limit must be between 0 and %d", maxListLimit))
	}
	return s.repo.List(ctx, f)
}

// Stop stops a job's container.
func (s *Service) Stop(ctx context.Context, id int64) error {
	if s.stopper == nil {
		return apperrors.Precondition("job", "stopping jobs is not enabled")
	}
	return s.stopper.Stop(ctx, id)
}

// Validate checks a submission. It does not modify it.
func Validate(sub *Submission) error {
	if sub == nil {
		return apperrors.Validation("", "submission is required")
	}
	if sub.Queue == "" {
		return apperrors.Validation("queue", "queue is required")
	}
	if len(sub.Queue) > maxQueueLength {
		return apperrors.Validation("queue", fmt.Sprintf("queue exceeds maximum length of %d", maxQueueLength))
	}
	if !queuePattern.MatchString(sub.Queue) {
		return apperrors.Validation("queue", "queue must be alphanumeric (dots, hyphens and underscores allowed)")
	}

	if len(sub.Image) > maxImageLength {
		return apperrors.Validation("image", fmt.Sprintf("image exceeds maximum length of %d", maxImageLength))
	}
	if strings.ContainsAny(sub.Image, " \t\n") {
		return apperrors.Validation("image", "image must not contain whitespace")
	}

	if len(sub.Command) == 0 {
		return apperrors.Validation("command", "command is required")
	}
	if len(sub.Command) > maxCommandArgs {
		return apperrors.Validation("command", fmt.Sprintf("command exceeds maximum of %d arguments", maxCommandArgs))
	}
	total := 0
	for _, arg := range sub.Command {
		total += len(arg)
	}
	if total > maxCommandLength {
		return apperrors.Validation("command", fmt.Sprintf("command exceeds maximum length of %d bytes", maxCommandLength))
	}
	if strings.TrimSpace(sub.Command[0]) == "" {
		return apperrors.Validation("command", "command must not start with an empty argument")
	}
	return nil
}
