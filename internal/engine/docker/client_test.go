package docker

import (
	"bytes"
	"context"
	"dockerjobs/internal/apperrors"
	"dockerjobs/internal/engine"
	"errors"
	"io"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	images     map[string]bool
	containers []container.Summary
	inspect    map[string]container.InspectResponse
	logs       map[string][2]string // stdout, stderr

	listOpts  container.ListOptions
	created   *container.Config
	createErr error
	startErr  error
	removed   []string
	removeErr error
	killed    []string
	killErr   error
}

func (f *fakeAPI) Ping(context.Context) (types.Ping, error) { return types.Ping{APIVersion: "1.47"}, nil }

func (f *fakeAPI) Info(context.Context) (system.Info, error) {
	return system.Info{ServerVersion: "28.5.2", OperatingSystem: "linux", ContainersRunning: 3}, nil
}

func (f *fakeAPI) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	if ref == "broken" {
		return image.InspectResponse{}, errors.New("daemon exploded")
	}
	if !f.images[ref] {
		return image.InspectResponse{}, cerrdefs.ErrNotFound
	}
	return image.InspectResponse{ID: "sha256:" + ref}, nil
}

func (f *fakeAPI) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	f.listOpts = opts
	return f.containers, nil
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created = cfg
	return container.CreateResponse{ID: "c-new"}, nil
}

func (f *fakeAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	resp, ok := f.inspect[id]
	if !ok {
		return container.InspectResponse{}, cerrdefs.ErrNotFound
	}
	return resp, nil
}

func (f *fakeAPI) ContainerLogs(_ context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	l, ok := f.logs[id]
	if !ok {
		return nil, cerrdefs.ErrNotFound
	}
	var buf bytes.Buffer
	if opts.ShowStdout {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(l[0]))
	}
	if opts.ShowStderr {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(l[1]))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeAPI) ContainerKill(_ context.Context, id, _ string) error {
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) Close() error { return nil }

func newTestClient(api *fakeAPI) *Client {
	return newClient(api, Config{}, zap.NewNop())
}

func TestClient_PingAndInfo(t *testing.T) {
	t.Parallel()
	c := newTestClient(&fakeAPI{})

	require.NoError(t, c.Ping(context.Background()))
	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "28.5.2", info.ServerVersion)
	assert.Equal(t, 3, info.ContainersRunning)
}

func TestClient_ImageExists(t *testing.T) {
	t.Parallel()
	c := newTestClient(&fakeAPI{images: map[string]bool{"alpine:3.20": true}})
	ctx := context.Background()

	ok, err := c.ImageExists(ctx, "alpine:3.20")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ImageExists(ctx, "missing:latest")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.ImageExists(ctx, "broken")
	assert.ErrorIs(t, err, apperrors.ErrInternal)
}

func TestClient_ListContainers(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{containers: []container.Summary{
		{ID: "a", State: "running", Labels: map[string]string{"job_id": "1"}},
		{ID: "b", State: "exited", Labels: map[string]string{"job_id": "2"}},
	}}
	c := newTestClient(api)

	got, err := c.ListContainers(context.Background(), engine.ManagedFilter, true)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "running", got[0].State)
	assert.Equal(t, "2", got[1].Labels["job_id"])

	assert.True(t, api.listOpts.All)
	assert.Equal(t, []string{engine.ManagedFilter}, api.listOpts.Filters.Get("label"))
}

func TestClient_RunContainer(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	c := newTestClient(api)

	id, err := c.RunContainer(context.Background(), "abc", engine.LaunchConfig{
		Image:      "alpine",
		Cmd:        []string{"echo", "hi"},
		WorkingDir: "/app",
		Labels:     map[string]string{"job_id": "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c-new", id)
	assert.Equal(t, "/app", api.created.WorkingDir)
	assert.Equal(t, "42", api.created.Labels["job_id"])
}

func TestClient_RunContainerStartFailureRemoves(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{startErr: errors.New("no such binary")}
	c := newTestClient(api)

	_, err := c.RunContainer(context.Background(), "abc", engine.LaunchConfig{Image: "alpine"})
	require.Error(t, err)
	assert.Equal(t, []string{"c-new"}, api.removed)
}

func TestClient_RunContainerNameConflict(t *testing.T) {
	t.Parallel()
	c := newTestClient(&fakeAPI{createErr: cerrdefs.ErrConflict})

	_, err := c.RunContainer(context.Background(), "abc", engine.LaunchConfig{Image: "alpine"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestClient_InspectContainer(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{inspect: map[string]container.InspectResponse{
		"a": {
			ContainerJSONBase: &container.ContainerJSONBase{
				ID: "a",
				State: &container.State{
					Status:     "exited",
					ExitCode:   1,
					Error:      "oom",
					StartedAt:  "2024-01-01T00:00:00Z",
					FinishedAt: "2024-01-01T00:00:10Z",
				},
			},
			Config: &container.Config{
				Env:    []string{"A=1"},
				Labels: map[string]string{"job_id": "7"},
			},
		},
	}}
	c := newTestClient(api)

	snap, err := c.InspectContainer(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "exited", snap.Status)
	assert.Equal(t, 1, snap.ExitCode)
	assert.Equal(t, "oom", snap.Error)
	assert.Equal(t, "2024-01-01T00:00:10Z", snap.FinishedAt)
	assert.Equal(t, []string{"A=1"}, snap.Env)
	assert.Equal(t, "7", snap.Labels["job_id"])

	_, err = c.InspectContainer(context.Background(), "gone")
	assert.ErrorIs(t, err, engine.ErrContainerNotFound)
}

func TestClient_ContainerLogs(t *testing.T) {
	t.Parallel()
	c := newTestClient(&fakeAPI{logs: map[string][2]string{"a": {"hello\n", "warn\n"}}})
	ctx := context.Background()

	out, err := c.ContainerLogs(ctx, "a", engine.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	errOut, err := c.ContainerLogs(ctx, "a", engine.Stderr)
	require.NoError(t, err)
	assert.Equal(t, "warn\n", errOut)

	_, err = c.ContainerLogs(ctx, "gone", engine.Stdout)
	assert.ErrorIs(t, err, engine.ErrContainerNotFound)
}

func TestClient_DeleteContainer(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	c := newTestClient(api)
	require.NoError(t, c.DeleteContainer(context.Background(), "a"))
	assert.Equal(t, []string{"a"}, api.removed)

	gone := newTestClient(&fakeAPI{removeErr: cerrdefs.ErrNotFound})
	assert.NoError(t, gone.DeleteContainer(context.Background(), "a"))

	failing := newTestClient(&fakeAPI{removeErr: errors.New("device busy")})
	assert.ErrorIs(t, failing.DeleteContainer(context.Background(), "a"), apperrors.ErrInternal)
}

func TestClient_StopContainer(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	c := newTestClient(api)
	require.NoError(t, c.StopContainer(context.Background(), "a"))
	assert.Equal(t, []string{"a"}, api.killed)

	gone := newTestClient(&fakeAPI{killErr: cerrdefs.ErrNotFound})
	assert.ErrorIs(t, gone.StopContainer(context.Background(), "a"), engine.ErrContainerNotFound)
}

func TestLimitedWriter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, n: 5}

	n, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = w.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", buf.String())
}

func TestNewClient_RateLimit(t *testing.T) {
	t.Parallel()
	c := newClient(&fakeAPI{}, Config{APIQPS: 0.5}, zap.NewNop())
	require.NotNil(t, c.limiter)
	assert.Equal(t, 1, c.limiter.Burst())
}
