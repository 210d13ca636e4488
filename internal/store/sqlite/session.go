package sqlite

import (
	"context"
	"database/sql"
	"dockerjobs/internal/apperrors"
	"dockerjobs/internal/job"
	"encoding/json"
	"maps"
	"slices"
	"sync"
)

var _ job.Store = (*Session)(nil)

// Session is a unit of work implementing job.Store. Reads always hit the
// database; writes are staged by Persist and committed together by Flush.
type Session struct {
	store *Store

	mu     sync.Mutex
	staged map[int64]*job.Job
}

// FindRunnableJobs returns the oldest pending jobs of queue that have no container.
func (s *Session) FindRunnableJobs(ctx context.Context, queue string, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.store.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = ? AND docker_container_id IS NULL AND queue = ?
		 ORDER BY id LIMIT ?`,
		job.StatePending, queue, limit)
	if err != nil {
		return nil, apperrors.Internal("store.findRunnableJobs", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FindByID loads a job.
func (s *Session) FindByID(ctx context.Context, id int64) (*job.Job, error) {
	return s.store.Get(ctx, id)
}

// Persist stages j for the next Flush. Staging the same job twice keeps the latest.
func (s *Session) Persist(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[j.ID] = j
}

// Flush writes every staged job in one transaction.
//
// A row already marked STOPPED is never moved back to PENDING or RUNNING,
// so a stop committed by another writer survives a flush of a job loaded
// before it. A row whose exit code is recorded is left alone by a staged
// copy without one: the terminal outcome and final logs were committed by
// the loop and the copy predates them. The container id, once stored, is
// never replaced.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.staged) == 0 {
		return nil
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.flush", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE jobs SET
		image = ?,
		command = ?,
		environment_variables = ?,
		worker_name = ?,
		docker_container_id = COALESCE(docker_container_id, ?),
		state = CASE
			WHEN state = 'stopped' AND ? IN ('pending', 'running') THEN 'stopped'
			ELSE ?
		END,
		started_at = ?,
		started_at_fallback = ?,
		stopped_at = ?,
		runtime = ?,
		exit_code = ?,
		error_message = ?,
		output = ?,
		error_output = ?
		WHERE id = ? AND (exit_code IS NULL OR ? IS NOT NULL)`)
	if err != nil {
		return apperrors.Internal("store.flush", err)
	}
	defer stmt.Close()

	for _, id := range slices.Sorted(maps.Keys(s.staged)) {
		j := s.staged[id]
		cmd, err := json.Marshal(j.Command)
		if err != nil {
			return apperrors.Internal("store.flush", err)
		}
		var env sql.NullString
		if j.EnvironmentVariables != nil {
			b, err := json.Marshal(j.EnvironmentVariables)
			if err != nil {
				return apperrors.Internal("store.flush", err)
			}
			env = sql.NullString{String: string(b), Valid: true}
		}
		var exitCode sql.NullInt64
		if j.ExitCode != nil {
			exitCode = sql.NullInt64{Int64: int64(*j.ExitCode), Valid: true}
		}

		res, err := stmt.ExecContext(ctx,
			j.Image, string(cmd), env, nullString(j.WorkerName),
			nullString(j.DockerContainerID),
			string(j.State), string(j.State),
			nullTime(j.StartedAt), nullTime(j.StartedAtFallback), nullTime(j.StoppedAt),
			nullInt(j.Runtime), exitCode,
			nullString(j.ErrorMessage), nullString(j.Output), nullString(j.ErrorOutput),
			j.ID, exitCode)
		if err != nil {
			return apperrors.Internal("store.flush", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)`, j.ID).Scan(&exists); err != nil {
				return apperrors.Internal("store.flush", err)
			}
			if !exists {
				return apperrors.NotFound("job", j.ID)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Internal("store.flush", err)
	}
	clear(s.staged)
	return nil
}

// Refresh reloads j from the database and drops any staged changes to it.
func (s *Session) Refresh(ctx context.Context, j *job.Job) error {
	fresh, err := s.store.Get(ctx, j.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.staged, j.ID)
	s.mu.Unlock()

	*j = *fresh
	return nil
}

// Pending reports how many jobs are staged.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged)
}
