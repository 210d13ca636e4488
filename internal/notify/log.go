package notify

import (
	"context"
	"dockerjobs/internal/job"

	"go.uber.org/zap"
)

// LogSink records every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

var _ job.Publisher = (*LogSink)(nil)

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Publish(_ context.Context, kind job.EventKind, j *job.Job) error {
	fields := []zap.Field{
		zap.String("event", string(kind)),
		zap.Int64("jobId", j.ID),
		zap.String("queue", j.Queue),
		zap.String("state", string(j.State)),
	}
	if j.DockerContainerID != "" {
		fields = append(fields, zap.String("containerId", j.DockerContainerID))
	}
	if j.ExitCode != nil {
		fields = append(fields, zap.Int("exitCode", *j.ExitCode))
	}
	if j.Runtime != nil {
		fields = append(fields, zap.Int64("runtime", *j.Runtime))
	}
	s.logger.Info(job.EventMessage(kind, j), fields...)
	return nil
}
