package sqlite

import (
	"context"
	"database/sql"
	"dockerjobs/internal/apperrors"
	"dockerjobs/internal/job"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var _ job.Repository = (*Store)(nil)

const jobColumns = `id, queue, image, command, environment_variables, worker_name,
	docker_container_id, state, created_at, started_at, started_at_fallback,
	stopped_at, runtime, exit_code, error_message, output, error_output`

// Enqueue inserts j as a PENDING job and sets its ID and CreatedAt.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	cmd, err := json.Marshal(j.Command)
	if err != nil {
		return apperrors.Internal("store.enqueue", err)
	}
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (queue, image, command, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		j.Queue, j.Image, string(cmd), job.StatePending, formatTime(now))
	if err != nil {
		return apperrors.Internal("store.enqueue", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return apperrors.Internal("store.enqueue", err)
	}
	j.ID = id
	j.State = job.StatePending
	j.CreatedAt = now
	return nil
}

// Get loads a job by id.
func (s *Store) Get(ctx context.Context, id int64) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.get", err)
	}
	return j, nil
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f job.ListFilter) ([]*job.Job, error) {
	if f.Limit <= 0 {
		f.Limit = job.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE (? = '' OR queue = ?) AND (? = '' OR state = ?)
		 ORDER BY id DESC LIMIT ?`,
		f.Queue, f.Queue, string(f.State), string(f.State), f.Limit)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*job.Job, error) {
	var (
		j                                       job.Job
		command, createdAt, state               string
		env, worker, containerID                sql.NullString
		startedAt, startedAtFallback, stoppedAt sql.NullString
		runtime, exitCode                       sql.NullInt64
		errorMessage, output, errorOutput       sql.NullString
	)
	err := r.Scan(&j.ID, &j.Queue, &j.Image, &command, &env, &worker,
		&containerID, &state, &createdAt, &startedAt, &startedAtFallback,
		&stoppedAt, &runtime, &exitCode, &errorMessage, &output, &errorOutput)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(command), &j.Command); err != nil {
		return nil, fmt.Errorf("decode command of job %d: %w", j.ID, err)
	}
	if env.Valid {
		if err := json.Unmarshal([]byte(env.String), &j.EnvironmentVariables); err != nil {
			return nil, fmt.Errorf("decode environment of job %d: %w", j.ID, err)
		}
	}
	j.WorkerName = worker.String
	j.DockerContainerID = containerID.String
	j.State = job.State(state)
	if t := parseTime(sql.NullString{String: createdAt, Valid: true}); t != nil {
		j.CreatedAt = *t
	}
	j.StartedAt = parseTime(startedAt)
	j.StartedAtFallback = parseTime(startedAtFallback)
	j.StoppedAt = parseTime(stoppedAt)
	if runtime.Valid {
		v := runtime.Int64
		j.Runtime = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}
	j.ErrorMessage = errorMessage.String
	j.Output = output.String
	j.ErrorOutput = errorOutput.String
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*job.Job, error) {
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("store.scan", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.scan", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
