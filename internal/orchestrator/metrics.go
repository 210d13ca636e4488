package orchestrator

import (
	"context"
	"time"
)

// MetricsRecorder receives orchestration measurements.
// Implementations must be safe for concurrent use.
type MetricsRecorder interface {
	RecordJobLaunched(ctx context.Context, queue string)
	RecordLaunchFailure(ctx context.Context, queue string)
	RecordJobTerminal(ctx context.Context, queue, state string, runtimeSeconds int64)
	RecordJobStopped(ctx context.Context, queue string)
	RecordContainers(ctx context.Context, queue string, running, exited int)
	RecordCycle(ctx context.Context, queue string, d time.Duration, failed bool)
	RecordContainerDeleteFailure(ctx context.Context)
}

type nopMetrics struct{}

func (nopMetrics) RecordJobLaunched(context.Context, string)                {}
func (nopMetrics) RecordLaunchFailure(context.Context, string)              {}
func (nopMetrics) RecordJobTerminal(context.Context, string, string, int64) {}
func (nopMetrics) RecordJobStopped(context.Context, string)                 {}
func (nopMetrics) RecordContainers(context.Context, string, int, int)       {}
func (nopMetrics) RecordCycle(context.Context, string, time.Duration, bool) {}
func (nopMetrics) RecordContainerDeleteFailure(context.Context)             {}

func metricsOrNop(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
