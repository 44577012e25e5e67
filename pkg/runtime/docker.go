package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/cyberlabs/labd/pkg/errors"
)

// DockerRuntime implements Runtime against the local Docker engine.
type DockerRuntime struct {
	cli         *client.Client
	networkName string
	hostAddr    string
	stopGrace   int
}

// DockerConfig tunes the adapter.
type DockerConfig struct {
	// Network is the docker network labs are attached to; empty keeps the
	// engine default bridge.
	Network string
	// HostAddr is the address advertised in instance URLs, e.g. "127.0.0.1".
	HostAddr string
	// StopGraceSeconds is how long the engine waits before SIGKILL on stop.
	StopGraceSeconds int
}

// NewDockerRuntime creates an adapter from the environment (DOCKER_HOST etc).
func NewDockerRuntime(cfg DockerConfig) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create docker client")
	}

	hostAddr := cfg.HostAddr
	if hostAddr == "" {
		hostAddr = "127.0.0.1"
	}
	stopGrace := cfg.StopGraceSeconds
	if stopGrace <= 0 {
		stopGrace = 5
	}

	slog.Info("docker_runtime_init", "network", cfg.Network, "host_addr", hostAddr)
	return &DockerRuntime{
		cli:         cli,
		networkName: cfg.Network,
		hostAddr:    hostAddr,
		stopGrace:   stopGrace,
	}, nil
}

// Close releases the underlying client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// CreateAndStart creates the container, starts it, and reads back the host
// port the engine assigned to the published internal port. The image is
// pulled on demand when the engine does not have it yet.
func (d *DockerRuntime) CreateAndStart(ctx context.Context, spec StartSpec) (*Endpoint, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.InternalPort))
	if err != nil {
		return nil, errors.Wrap(err, "invalid internal port")
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			// Empty HostPort asks the engine for an ephemeral port; the
			// engine is the port allocator of record.
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		Resources: container.Resources{
			CPUShares: spec.Limits.CPUShares,
			Memory:    spec.Limits.MemoryBytes,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	var netCfg *network.NetworkingConfig
	if d.networkName != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{d.networkName: {}},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil && errdefs.IsNotFound(err) {
		slog.Info("docker_image_pull", "image", spec.Image)
		if pullErr := d.pull(ctx, spec.Image); pullErr != nil {
			return nil, pullErr
		}
		resp, err = d.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Name)
	}
	if err != nil {
		return nil, classify(err, "failed to create container")
	}
	containerID := resp.ID

	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		// The half-created container must not leak a name or a port.
		d.removeQuietly(containerID)
		return nil, classify(err, "failed to start container")
	}

	hostPort, err := d.assignedPort(ctx, containerID, port)
	if err != nil {
		d.removeQuietly(containerID)
		return nil, err
	}

	endpoint := &Endpoint{
		ContainerID: containerID,
		HostPort:    hostPort,
		URL:         fmt.Sprintf("http://%s:%d", d.hostAddr, hostPort),
	}
	slog.Info("docker_container_started", "container_id", containerID, "image", spec.Image, "host_port", hostPort)
	return endpoint, nil
}

func (d *DockerRuntime) pull(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if unavailable(err) {
			return errors.Wrap(errors.ErrRuntimeUnavailable, "pull "+ref)
		}
		slog.Error("docker_image_pull_failed", "image", ref, "error", err)
		return fmt.Errorf("pull %s: %v: %w", ref, err, errors.ErrImagePull)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		slog.Error("docker_image_pull_failed", "image", ref, "error", err)
		return fmt.Errorf("pull %s: %v: %w", ref, err, errors.ErrImagePull)
	}
	return nil
}

func (d *DockerRuntime) assignedPort(ctx context.Context, containerID string, port nat.Port) (int, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, classify(err, "failed to inspect container")
	}
	bindings := info.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("no host binding for %s: %w", port, errors.ErrPortAllocation)
	}
	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("unparseable host port %q: %w", bindings[0].HostPort, errors.ErrPortAllocation)
	}
	return hostPort, nil
}

// Stop stops the container. Already-gone containers are success.
func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	grace := d.stopGrace
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace})
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Info("docker_container_already_gone", "container_id", containerID)
			return nil
		}
		return classify(err, "failed to stop container")
	}
	slog.Info("docker_container_stopped", "container_id", containerID)
	return nil
}

// IsAlive reports whether the container is still running.
func (d *DockerRuntime) IsAlive(ctx context.Context, containerID string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, classify(err, "failed to inspect container")
	}
	return info.State != nil && info.State.Running, nil
}

// Remove force-removes the container. Best-effort at call sites.
func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return classify(err, "failed to remove container")
	}
	return nil
}

func (d *DockerRuntime) removeQuietly(containerID string) {
	if err := d.Remove(context.Background(), containerID); err != nil {
		slog.Error("docker_cleanup_failed", "container_id", containerID, "error", err)
	}
}

// classify maps engine errors onto the orchestrator taxonomy.
func classify(err error, context string) error {
	switch {
	case unavailable(err):
		return fmt.Errorf("%s: %v: %w", context, err, errors.ErrRuntimeUnavailable)
	case portConflict(err):
		return fmt.Errorf("%s: %v: %w", context, err, errors.ErrPortAllocation)
	default:
		return errors.Wrap(err, context)
	}
}

func unavailable(err error) bool {
	return client.IsErrConnectionFailed(err) ||
		stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, context.Canceled)
}

func portConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}
