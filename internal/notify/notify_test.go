package notify

import (
	"context"
	"dockerjobs/internal/dispatcher"
	"dockerjobs/internal/job"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	kinds []job.EventKind
	err   error
}

func (r *recordingSink) Publish(_ context.Context, kind job.EventKind, _ *job.Job) error {
	r.kinds = append(r.kinds, kind)
	return r.err
}

type fakeDispatcher struct {
	events []*dispatcher.Event
	err    error
}

func (f *fakeDispatcher) Dispatch(e *dispatcher.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeDispatcher) Stats() dispatcher.Stats         { return dispatcher.Stats{} }
func (f *fakeDispatcher) Close(ctx context.Context) error { return nil }

func testJob() *job.Job {
	code := 3
	return &job.Job{ID: 9, Queue: "default", State: job.StateFailed, DockerContainerID: "abc", ExitCode: &code}
}

func TestFanout_PublishesToAllSinks(t *testing.T) {
	failing := &recordingSink{err: errors.New("boom")}
	ok := &recordingSink{}
	f := NewFanout(failing, nil, ok)

	err := f.Publish(context.Background(), job.EventFailed, testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []job.EventKind{job.EventFailed}, failing.kinds)
	assert.Equal(t, []job.EventKind{job.EventFailed}, ok.kinds)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSink(zap.New(core))

	require.NoError(t, s.Publish(context.Background(), job.EventFailed, testJob()))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "job exited with code: 3", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, string(job.EventFailed), fields["event"])
	assert.Equal(t, int64(9), fields["jobId"])
	assert.Equal(t, "abc", fields["containerId"])
}

func TestWebhookSink_Dispatches(t *testing.T) {
	d := &fakeDispatcher{}
	s := NewWebhookSink(WebhookConfig{URL: "http://hooks.local/jobs", SigningKey: "k"}, d)

	j := testJob()
	require.NoError(t, s.Publish(context.Background(), job.EventFailed, j))
	require.Len(t, d.events, 1)

	ev := d.events[0]
	assert.Equal(t, "http://hooks.local/jobs", ev.Destination)
	assert.Equal(t, "k", ev.SigningKey)
	assert.Equal(t, string(job.EventFailed), ev.Payload.Type)
	assert.Equal(t, "dockerjobs", ev.Payload.Source)
	assert.Equal(t, "9", ev.Payload.Subject)

	// payload is a snapshot
	j.State = job.StateStopped
	assert.Equal(t, job.StateFailed, ev.Payload.Data["state"])
}

func TestWebhookSink_Filter(t *testing.T) {
	d := &fakeDispatcher{}
	s := NewWebhookSink(WebhookConfig{URL: "http://x", Types: []string{string(job.EventFinished)}}, d)

	require.NoError(t, s.Publish(context.Background(), job.EventRunning, testJob()))
	require.NoError(t, s.Publish(context.Background(), job.EventFinished, testJob()))
	require.Len(t, d.events, 1)
	assert.Equal(t, string(job.EventFinished), d.events[0].Payload.Type)
}

func TestWebhookSink_DispatchError(t *testing.T) {
	s := NewWebhookSink(WebhookConfig{URL: "http://x"}, &fakeDispatcher{err: dispatcher.ErrBufferFull})
	err := s.Publish(context.Background(), job.EventRunning, testJob())
	assert.ErrorIs(t, err, dispatcher.ErrBufferFull)
}
