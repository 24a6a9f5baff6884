package dockerx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/LordVaderXIII/Appmanager/internal/domain"
)

// RunError reports a container that exited inside the startup grace window.
type RunError struct {
	ExitCode int64
	Log      string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("container exited with status %d during startup", e.ExitCode)
}

// Stop halts a named container. Missing containers are a no-op.
func (c *Client) Stop(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// Remove deletes a named container. Missing containers are a no-op.
func (c *Client) Remove(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Run creates and starts a container from the launch spec, then watches a
// short grace window: a non-zero exit inside it is returned as *RunError
// carrying the container's log tail. Run never blocks past the window
// waiting for steady-state health.
func (c *Client) Run(ctx context.Context, tag string, spec domain.LaunchSpec, grace time.Duration) (string, error) {
	name := strings.TrimSpace(spec.ContainerName)
	if name == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(tag) == "" {
		return "", fmt.Errorf("image tag cannot be empty")
	}

	cfg := &container.Config{
		Image:        tag,
		Env:          envList(spec.Env),
		ExposedPorts: map[nat.Port]struct{}{},
	}
	portMap := nat.PortMap{}
	for hostPort, containerPort := range spec.Ports {
		port := nat.Port(containerPort + "/tcp")
		cfg.ExposedPorts[port] = struct{}{}
		portMap[port] = append(portMap[port], nat.PortBinding{HostPort: hostPort})
	}
	if len(portMap) == 0 && spec.InternalPort > 0 {
		port := nat.Port(strconv.Itoa(spec.InternalPort) + "/tcp")
		cfg.ExposedPorts[port] = struct{}{}
		portMap[port] = []nat.PortBinding{{HostPort: ""}}
	}

	hostCfg := &container.HostConfig{
		PortBindings: portMap,
		Binds:        bindList(spec.Volumes),
		RestartPolicy: container.RestartPolicy{
			Name: "unless-stopped",
		},
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, fmt.Errorf("container start: %w", err)
	}

	if grace > 0 {
		if runErr := c.watchStartup(ctx, created.ID, grace); runErr != nil {
			return created.ID, runErr
		}
	}
	return created.ID, nil
}

// watchStartup waits up to grace for the container to exit. Surviving the
// window counts as a successful start.
func (c *Client) watchStartup(ctx context.Context, containerID string, grace time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	statusCh, errCh := c.inner.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.StatusCode == 0 {
			return nil
		}
		logText, logErr := c.Logs(ctx, containerID, 100)
		if logErr != nil {
			logText = fmt.Sprintf("(failed to fetch container logs: %v)", logErr)
		}
		return &RunError{ExitCode: status.StatusCode, Log: logText}
	case err := <-errCh:
		if errors.Is(err, context.DeadlineExceeded) || waitCtx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("wait for container startup: %w", err)
		}
		return nil
	}
}

// Logs returns the tail of a container's combined output.
func (c *Client) Logs(ctx context.Context, name string, tail int) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if tail <= 0 {
		tail = 100
	}
	reader, err := c.inner.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	if stderr.Len() == 0 {
		return stdout.String(), nil
	}
	return stdout.String() + stderr.String(), nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func bindList(volumes map[string]string) []string {
	if len(volumes) == 0 {
		return nil
	}
	hosts := make([]string, 0, len(volumes))
	for host := range volumes {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	out := make([]string, 0, len(hosts))
	for _, host := range hosts {
		out = append(out, host+":"+volumes[host])
	}
	return out
}
