// Package docker runs scenario programs inside containers.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// cleanupTimeout bounds stop and remove calls made after ctx has ended.
var cleanupTimeout = 10 * time.Second

// APIClient defines the subset of Docker API methods we use.
// This allows for mocking in tests.
type APIClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Client wraps the official Docker client.
type Client struct {
	api APIClient
}

// NewClient creates a client from the environment (DOCKER_HOST and friends).
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: cli}, nil
}

// NewClientWithAPI wraps an existing API implementation.
func NewClientWithAPI(api APIClient) *Client {
	return &Client{api: api}
}

// Close closes the underlying docker client connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// RunSpec describes a one-shot container.
type RunSpec struct {
	Image    string
	Platform string // os/arch, optional
	Cmd      []string
	Binds    []string
	WorkDir  string
	Env      []string
	Name     string
}

// ParsePlatform parses "os/arch[/variant]". An empty string yields nil.
func ParsePlatform(s string) (*specs.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q, expected os/arch[/variant]", s)
	}
	p := &specs.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}

// PullImage pulls an image and reports the first error in the progress stream.
func (c *Client) PullImage(ctx context.Context, ref, platform string) error {
	reader, err := c.api.ImagePull(ctx, ref, image.PullOptions{Platform: platform})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading pull progress for %s: %w", ref, err)
		}
		if msg.Error != nil {
			return fmt.Errorf("pull failed: %s", msg.Error.Message)
		}
	}
}

// Run creates and starts a container, streams its demultiplexed output to
// out, and returns its exit code once it stops. The container is removed
// afterwards. When ctx ends first the container is stopped and ctx.Err()
// is returned.
func (c *Client) Run(ctx context.Context, spec RunSpec, out io.Writer) (int, error) {
	platform, err := ParsePlatform(spec.Platform)
	if err != nil {
		return -1, err
	}
	if err := c.PullImage(ctx, spec.Image, spec.Platform); err != nil {
		// A locally built image may not exist in any registry.
		slog.Warn("Image pull failed, trying local image", "image", spec.Image, "error", err)
	}

	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Cmd,
			Env:        spec.Env,
			WorkingDir: spec.WorkDir,
		},
		&container.HostConfig{Binds: spec.Binds},
		nil, platform, spec.Name)
	if err != nil {
		return -1, fmt.Errorf("failed to create container: %w", err)
	}
	id := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := c.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove container", "id", id, "error", err)
		}
	}()

	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return -1, fmt.Errorf("failed to attach logs: %w", err)
	}
	copied := make(chan error, 1)
	go func() {
		defer logs.Close()
		_, err := stdcopy.StdCopy(out, out, logs)
		copied <- err
	}()

	waitC, errC := c.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		timeout := 5
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := c.api.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &timeout}); err != nil {
			slog.Warn("Failed to stop container", "id", id, "error", err)
		}
		return -1, ctx.Err()
	case err := <-errC:
		return -1, fmt.Errorf("waiting for container: %w", err)
	case res := <-waitC:
		if err := <-copied; err != nil {
			slog.Debug("Log stream ended with error", "id", id, "error", err)
		}
		if res.Error != nil {
			return int(res.StatusCode), fmt.Errorf("container error: %s", res.Error.Message)
		}
		return int(res.StatusCode), nil
	}
}
