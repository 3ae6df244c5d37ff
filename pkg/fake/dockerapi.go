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

package fake

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerAPI is a scriptable executor.DockerAPI. Script errors and outputs,
// then assert on recorded calls.
type DockerAPI struct {
	mu sync.Mutex

	PullError   error
	CreateError error
	StartError  error
	LogsError   error
	RemoveError error
	PingError   error

	// WaitExitCode is delivered on the wait channel unless WaitBlocks is
	// set, in which case the wait never resolves and the caller's context
	// decides the outcome.
	WaitExitCode int64
	WaitError    error
	WaitBlocks   bool

	Stdout string
	Stderr string

	// LocalImages are the refs ImageInspect reports as already present;
	// everything else inspects as missing and forces a pull.
	LocalImages []string

	InspectCalls int
	PullCalls    int
	CreateCalls  int
	StartCalls   int
	Removed      []string
}

func NewDockerAPI() *DockerAPI {
	return &DockerAPI{}
}

func (d *DockerAPI) ImageInspect(_ context.Context, imageID string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InspectCalls++
	for _, ref := range d.LocalImages {
		if ref == imageID {
			return image.InspectResponse{ID: imageID}, nil
		}
	}
	return image.InspectResponse{}, errors.New("no such image")
}

func (d *DockerAPI) ImagePull(_ context.Context, _ string, _ image.PullOptions) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PullCalls++
	if d.PullError != nil {
		return nil, d.PullError
	}
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (d *DockerAPI) ContainerCreate(_ context.Context, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CreateCalls++
	if d.CreateError != nil {
		return container.CreateResponse{}, d.CreateError
	}
	return container.CreateResponse{ID: "fake-container"}, nil
}

func (d *DockerAPI) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCalls++
	return d.StartError
}

func (d *DockerAPI) ContainerWait(_ context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if d.WaitBlocks {
		return waitCh, errCh
	}
	if d.WaitError != nil {
		errCh <- d.WaitError
	} else {
		waitCh <- container.WaitResponse{StatusCode: d.WaitExitCode}
	}
	return waitCh, errCh
}

func (d *DockerAPI) ContainerLogs(_ context.Context, _ string, _ container.LogsOptions) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LogsError != nil {
		return nil, d.LogsError
	}
	var buf bytes.Buffer
	if d.Stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(d.Stdout))
	}
	if d.Stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(d.Stderr))
	}
	return io.NopCloser(&buf), nil
}

func (d *DockerAPI) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Removed = append(d.Removed, containerID)
	return d.RemoveError
}

func (d *DockerAPI) Ping(_ context.Context) (types.Ping, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PingError != nil {
		return types.Ping{}, d.PingError
	}
	return types.Ping{}, nil
}

// Reset clears scripted behavior and recorded calls.
func (d *DockerAPI) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PullError = nil
	d.CreateError = nil
	d.StartError = nil
	d.LogsError = nil
	d.RemoveError = nil
	d.PingError = nil
	d.WaitExitCode = 0
	d.WaitError = nil
	d.WaitBlocks = false
	d.Stdout = ""
	d.Stderr = ""
	d.LocalImages = nil
	d.InspectCalls = 0
	d.PullCalls = 0
	d.CreateCalls = 0
	d.StartCalls = 0
	d.Removed = nil
}
