// Package docker implements engine.Engine on the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"dockerjobs/internal/apperrors"
	"dockerjobs/internal/engine"
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxLogBytes caps each captured log stream.
const maxLogBytes = 4 << 20

// apiClient is the subset of the Docker API used by Client.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	Info(ctx context.Context) (system.Info, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var _ apiClient = (*client.Client)(nil)

var _ engine.Engine = (*Client)(nil)

// Config holds configuration for the Docker engine client.
type Config struct {
	Host   string  // daemon address; empty uses DOCKER_HOST or the platform default
	APIQPS float64 // max engine calls per second; 0 disables limiting
}

// Client implements engine.Engine using the Docker API.
type Client struct {
	api     apiClient
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a Docker client with API version negotiation.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newClient(api, cfg, logger), nil
}

func newClient(api apiClient, cfg Config, logger *zap.Logger) *Client {
	c := &Client{api: api, logger: logger.Named("docker")}
	if cfg.APIQPS > 0 {
		burst := max(int(cfg.APIQPS), 1)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.APIQPS), burst)
	}
	return c
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// Close releases the underlying HTTP transport.
func (c *Client) Close() error {
	return c.api.Close()
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if _, err := c.api.Ping(ctx); err != nil {
		return apperrors.Internal("docker.ping", err)
	}
	return nil
}

// Info returns daemon information.
func (c *Client) Info(ctx context.Context) (engine.Info, error) {
	if err := c.wait(ctx); err != nil {
		return engine.Info{}, err
	}
	info, err := c.api.Info(ctx)
	if err != nil {
		return engine.Info{}, apperrors.Internal("docker.info", err)
	}
	return engine.Info{
		ServerVersion:     info.ServerVersion,
		OperatingSystem:   info.OperatingSystem,
		ContainersRunning: info.ContainersRunning,
	}, nil
}

// ImageExists reports whether ref is present locally. Images are never pulled.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	_, err := c.api.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, apperrors.Internal("docker.imageInspect", err)
}

// ListContainers lists containers carrying labelFilter.
func (c *Client) ListContainers(ctx context.Context, labelFilter string, all bool) ([]engine.Container, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	opts := container.ListOptions{All: all}
	if labelFilter != "" {
		opts.Filters = filters.NewArgs(filters.Arg("label", labelFilter))
	}
	summaries, err := c.api.ContainerList(ctx, opts)
	if err != nil {
		return nil, apperrors.Internal("docker.listContainers", err)
	}

	out := make([]engine.Container, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, engine.Container{ID: s.ID, State: string(s.State), Labels: s.Labels})
	}
	return out, nil
}

// RunContainer creates and starts a container. A container that was created
// but failed to start is removed.
func (c *Client) RunContainer(ctx context.Context, name string, cfg engine.LaunchConfig) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	containerConfig := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
	}
	resp, err := c.api.ContainerCreate(ctx, containerConfig, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return "", apperrors.Conflict("container", fmt.Sprintf("name %s already in use", name))
		}
		return "", apperrors.Internal("docker.createContainer", err)
	}
	for _, w := range resp.Warnings {
		c.logger.Warn("Container create warning", zap.String("containerId", resp.ID), zap.String("warning", w))
	}

	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := c.api.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			c.logger.Warn("Failed to remove container that did not start", zap.String("containerId", resp.ID), zap.Error(rmErr))
		}
		return "", apperrors.Internal("docker.startContainer", err)
	}
	return resp.ID, nil
}

// InspectContainer returns a snapshot of the container.
func (c *Client) InspectContainer(ctx context.Context, id string) (*engine.Snapshot, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", engine.ErrContainerNotFound, id)
		}
		return nil, apperrors.Internal("docker.inspectContainer", err)
	}

	snap := &engine.Snapshot{ID: id}
	if resp.ContainerJSONBase != nil {
		snap.ID = resp.ID
		if st := resp.State; st != nil {
			snap.Status = string(st.Status)
			snap.ExitCode = st.ExitCode
			snap.Error = st.Error
			snap.StartedAt = st.StartedAt
			snap.FinishedAt = st.FinishedAt
		}
	}
	if resp.Config != nil {
		snap.Labels = resp.Config.Labels
		snap.Env = resp.Config.Env
	}
	return snap, nil
}

// ContainerLogs returns the full content of one output stream.
func (c *Client) ContainerLogs(ctx context.Context, id string, stream engine.LogStream) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	rc, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: stream == engine.Stdout,
		ShowStderr: stream == engine.Stderr,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", engine.ErrContainerNotFound, id)
		}
		return "", apperrors.Internal("docker.containerLogs", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&limitedWriter{w: &stdout, n: maxLogBytes}, &limitedWriter{w: &stderr, n: maxLogBytes}, rc); err != nil {
		return "", apperrors.Internal("docker.containerLogs", err)
	}
	if stream == engine.Stderr {
		return stderr.String(), nil
	}
	return stdout.String(), nil
}

// DeleteContainer force-removes a container.
func (c *Client) DeleteContainer(ctx context.Context, id string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err == nil || cerrdefs.IsNotFound(err) {
		return nil
	}
	return apperrors.Internal("docker.deleteContainer", err)
}

// StopContainer sends SIGKILL.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.api.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", engine.ErrContainerNotFound, id)
		}
		return apperrors.Internal("docker.killContainer", err)
	}
	return nil
}

// limitedWriter discards everything past n bytes without failing the copy.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	size := len(p)
	if l.n <= 0 {
		return size, nil
	}
	if len(p) > l.n {
		p = p[:l.n]
	}
	n, err := l.w.Write(p)
	l.n -= n
	if err != nil {
		return n, err
	}
	return size, nil
}
