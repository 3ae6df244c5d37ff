/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package executor runs job containers against the Docker engine with fixed
// resource limits and guaranteed cleanup.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/karbos-project/karbos/pkg/logging"
)

const (
	// StderrDelimiter separates stdout from stderr in the combined output.
	StderrDelimiter = "\n--- STDERR ---\n"

	// cleanupTimeout bounds container removal, which runs on its own
	// context so a canceled job still gets cleaned up.
	cleanupTimeout = 10 * time.Second

	// cpuPeriod is the scheduling period CPUQuota is expressed against.
	cpuPeriod = 100000
)

// FailureKind classifies execution failures.
type FailureKind string

const (
	ImageUnavailable      FailureKind = "ImageUnavailable"
	RuntimeUnreachable    FailureKind = "RuntimeUnreachable"
	ContainerCreateFailed FailureKind = "ContainerCreateFailed"
	ContainerStartFailed  FailureKind = "ContainerStartFailed"
	LogStreamBroken       FailureKind = "LogStreamBroken"
	Canceled              FailureKind = "Canceled"
)

// ExecError wraps an execution failure with its classification.
type ExecError struct {
	Kind FailureKind
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one container run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output returns stdout, with stderr appended behind the delimiter when the
// container wrote any.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + StderrDelimiter + r.Stderr
}

// DockerAPI is the slice of the Docker engine client the executor needs.
type DockerAPI interface {
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
}

// Config holds the per-container resource limits.
type Config struct {
	// MemoryLimitBytes caps container memory.
	MemoryLimitBytes int64
	// CPUQuota caps container CPU time per 100ms period; 50000 is half a
	// core.
	CPUQuota int64
}

// DefaultConfig returns the production limits: 512 MiB and half a core.
func DefaultConfig() Config {
	return Config{MemoryLimitBytes: 512 * 1024 * 1024, CPUQuota: 50000}
}

// Executor runs containers through a DockerAPI.
type Executor struct {
	api    DockerAPI
	config Config
}

// New builds an executor over api with the given limits.
func New(api DockerAPI, config Config) *Executor {
	return &Executor{api: api, config: config}
}

// NewFromEnv builds an executor over a Docker client configured from the
// environment.
func NewFromEnv(config Config) (*Executor, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client, %w", err)
	}
	return New(api, config), nil
}

// Ping verifies the engine is reachable.
func (e *Executor) Ping(ctx context.Context) error {
	if _, err := e.api.Ping(ctx); err != nil {
		return &ExecError{Kind: RuntimeUnreachable, Err: err}
	}
	return nil
}

// Run pulls imageRef, runs it to completion under the configured limits and
// returns its output and exit code. command, when set, is executed through
// sh -c. The container is removed no matter how the run ends, on a separate
// background context so cancellation cannot orphan it.
func (e *Executor) Run(ctx context.Context, imageRef string, command *string) (*Result, error) {
	started := time.Now()

	if err := e.ensureImage(ctx, imageRef); err != nil {
		return nil, err
	}

	config := &container.Config{Image: imageRef}
	if command != nil && *command != "" {
		config.Cmd = []string{"/bin/sh", "-c", *command}
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:    e.config.MemoryLimitBytes,
			CPUQuota:  e.config.CPUQuota,
			CPUPeriod: cpuPeriod,
		},
	}
	created, err := e.api.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return nil, &ExecError{Kind: ContainerCreateFailed, Err: err}
	}
	defer e.cleanup(ctx, created.ID)

	if err := e.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, &ExecError{Kind: ContainerStartFailed, Err: err}
	}

	exitCode, err := e.wait(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	stdout, stderr, err := e.logs(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	return &Result{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(started),
	}, nil
}

// ensureImage pulls imageRef only when the engine does not hold it locally.
func (e *Executor) ensureImage(ctx context.Context, imageRef string) error {
	if _, err := e.api.ImageInspect(ctx, imageRef); err == nil {
		return nil
	}
	reader, err := e.api.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return &ExecError{Kind: ImageUnavailable, Err: err}
	}
	defer reader.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return &ExecError{Kind: ImageUnavailable, Err: err}
	}
	return nil
}

func (e *Executor) wait(ctx context.Context, containerID string) (int, error) {
	waitCh, errCh := e.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		if status.Error != nil {
			return 0, &ExecError{Kind: RuntimeUnreachable, Err: errors.New(status.Error.Message)}
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, &ExecError{Kind: Canceled, Err: err}
		}
		return 0, &ExecError{Kind: RuntimeUnreachable, Err: err}
	case <-ctx.Done():
		return 0, &ExecError{Kind: Canceled, Err: ctx.Err()}
	}
}

func (e *Executor) logs(ctx context.Context, containerID string) (string, string, error) {
	reader, err := e.api.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", &ExecError{Kind: LogStreamBroken, Err: err}
	}
	defer reader.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", &ExecError{Kind: LogStreamBroken, Err: err}
	}
	return stdout.String(), stderr.String(), nil
}

// cleanup force-removes the container on a fresh background context; the
// run's own context may already be canceled.
func (e *Executor) cleanup(ctx context.Context, containerID string) {
	removeCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.api.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logging.FromContext(ctx).Errorw("removing container failed", "containerID", containerID, "error", err)
	}
}
