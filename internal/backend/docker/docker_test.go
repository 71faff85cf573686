package docker

import (
	"ades/internal/apperrors"
	"ades/internal/job"
	"ades/internal/process"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu sync.Mutex

	images    map[string]bool
	pulled    []string
	created   *container.Config
	hostCfg   *container.HostConfig
	name      string
	started   []string
	killed    []string
	removed   []string
	state     *container.State
	inspectFn func(id string) error
	logs      []byte
	startErr  error
	pingErr   error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{images: map[string]bool{}}
}

func (f *fakeAPI) ImageInspect(ctx context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.images[ref] {
		return image.InspectResponse{ID: ref}, nil
	}
	return image.InspectResponse{}, fmt.Errorf("no such image: %s: %w", ref, cerrdefs.ErrNotFound)
}

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"done"}`))), nil
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created, f.hostCfg, f.name = cfg, host, name
	return container.CreateResponse{ID: "c-123"}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectFn != nil {
		if err := f.inspectFn(id); err != nil {
			return container.InspectResponse{}, err
		}
	}
	return container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{ID: id, State: f.state}}, nil
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeAPI) ContainerKill(ctx context.Context, id, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeAPI) Close() error { return nil }

// frame encodes one multiplexed log frame.
func frame(stream stdcopy.StdType, payload string) []byte {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stream).Write([]byte(payload))
	return buf.Bytes()
}

func newBackend(t *testing.T, api *fakeAPI) *Backend {
	t.Helper()
	b, err := NewWithAPI(DefaultConfig(t.TempDir()), api)
	require.NoError(t, err)
	return b
}

func submit(t *testing.T, b *Backend) *job.Job {
	t.Helper()
	sub, err := b.Submit(context.Background(), &job.Spec{
		Process: &process.Process{ID: "echo-1.0", OwsContextURL: "https://example.org/echo.cwl"},
		Inputs:  map[string]any{"message": "hi"},
		JobID:   "echo-1.0-abc",
		Owner:   "alice",
	})
	require.NoError(t, err)
	return &job.Job{ID: "echo-1.0-abc", BackendInfo: sub.BackendInfo, Status: sub.Status}
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	b := newBackend(t, api)

	j := submit(t, b)
	assert.Equal(t, job.StatusRunning, j.Status)
	assert.Equal(t, "c-123", j.BackendInfo[InfoContainerID])

	dir := j.BackendInfo[InfoWorkDir].(string)
	assert.FileExists(t, filepath.Join(dir, "inputs.json"))
	assert.Equal(t, []string{"quay.io/commonwl/cwltool:latest"}, api.pulled)
	assert.Equal(t, "ades-job-echo-1.0-abc", api.name)
	assert.Equal(t, "echo-1.0-abc", api.created.Labels["ades.job.id"])
	assert.Equal(t, "ades", api.created.Labels["managed-by"])
	assert.Contains(t, api.created.Cmd, "https://example.org/echo.cwl")
	assert.Contains(t, api.created.Cmd, "--timestamps")
	assert.Equal(t, dir, api.hostCfg.Mounts[0].Source)
	assert.Equal(t, dir, api.hostCfg.Mounts[0].Target)
	assert.Equal(t, "/var/run/docker.sock", api.hostCfg.Mounts[1].Source)
	assert.Equal(t, []string{"c-123"}, api.started)
}

func TestSubmit_StartFailureRemovesContainer(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	api.startErr = errors.New("port is already allocated")
	b := newBackend(t, api)

	_, err := b.Submit(context.Background(), &job.Spec{
		Process: &process.Process{ID: "p", OwsContextURL: "https://example.org/p.cwl"},
		Inputs:  map[string]any{},
		JobID:   "p-1",
	})
	require.ErrorIs(t, err, apperrors.ErrBackend)
	assert.Equal(t, "port is already allocated", apperrors.Diagnostic(err))
	assert.Equal(t, []string{"c-123"}, api.removed)
}

func TestQuery_StateMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		state   container.State
		want    job.Status
		wantErr error
	}{
		{name: "created", state: container.State{Status: "created"}, want: job.StatusAccepted},
		{name: "running", state: container.State{Status: "running"}, want: job.StatusRunning},
		{name: "restarting", state: container.State{Status: "restarting"}, want: job.StatusRunning},
		{name: "paused", state: container.State{Status: "paused"}, want: job.StatusRunning},
		{name: "removing", state: container.State{Status: "removing"}, want: job.StatusRunning},
		{name: "exited_0", state: container.State{Status: "exited"}, want: job.StatusSuccessful},
		{name: "exited_1", state: container.State{Status: "exited", ExitCode: 1}, want: job.StatusFailed},
		{name: "dead", state: container.State{Status: "dead"}, want: job.StatusFailed},
		{name: "unknown", state: container.State{Status: "hibernating"}, wantErr: apperrors.ErrIndeterminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := newFakeAPI()
			b := newBackend(t, api)
			j := submit(t, b)
			state := tt.state
			api.state = &state

			obs, err := b.Query(context.Background(), j)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, obs.Status)
			assert.NotNil(t, obs.Metrics)
		})
	}
}

func TestQuery_UsageFromLogs(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	b := newBackend(t, api)
	j := submit(t, b)
	api.state = &container.State{Status: "exited"}

	var logs []byte
	logs = append(logs, frame(stdcopy.Stderr, "INFO workflow starting\n")...)
	logs = append(logs, frame(stdcopy.Stdout, "# BEGIN docker-usage.json\n{\"total_tasks\": 2,")...)
	logs = append(logs, frame(stdcopy.Stdout, " \"cores_allowed\": 1}\n# END docker-usage.json\n")...)
	api.logs = logs

	obs, err := b.Query(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccessful, obs.Status)
	assert.Equal(t, 2.0, obs.Metrics["total_tasks"])
}

func TestQuery_MissingContainerIsIndeterminate(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	b := newBackend(t, api)
	j := submit(t, b)
	api.inspectFn = func(id string) error {
		return fmt.Errorf("No such container: %s: %w", id, cerrdefs.ErrNotFound)
	}

	_, err := b.Query(context.Background(), j)
	assert.ErrorIs(t, err, apperrors.ErrIndeterminate)

	api.inspectFn = func(string) error { return errors.New("daemon unavailable") }
	_, err = b.Query(context.Background(), j)
	assert.ErrorIs(t, err, apperrors.ErrBackend)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	b := newBackend(t, api)
	j := submit(t, b)
	dir := j.BackendInfo[InfoWorkDir].(string)

	require.NoError(t, b.Cancel(context.Background(), j))
	assert.Equal(t, []string{"c-123"}, api.killed)
	assert.Equal(t, []string{"c-123"}, api.removed)
	assert.NoDirExists(t, dir)

	err := b.Cancel(context.Background(), &job.Job{ID: "x", Status: job.StatusFailed})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCancel_KeepsDirectoryOutsideRoot(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	b := newBackend(t, api)
	outside := t.TempDir()

	require.NoError(t, b.Cancel(context.Background(), &job.Job{
		ID:          "x",
		Status:      job.StatusRunning,
		BackendInfo: map[string]any{InfoContainerID: "c-9", InfoWorkDir: outside},
	}))
	assert.DirExists(t, outside)
}

func TestOnDeployPullsOnce(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	b := newBackend(t, api)
	p := &process.Process{ID: "echo-1.0", ExecutionUnit: []string{"docker://ghcr.io/acme/echo:1.0"}}

	require.NoError(t, b.OnDeploy(context.Background(), p))
	require.NoError(t, b.OnDeploy(context.Background(), p))
	assert.Equal(t, []string{"ghcr.io/acme/echo:1.0"}, api.pulled)
	assert.NoError(t, b.OnUndeploy(context.Background(), p))
}

func TestReady(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	b := newBackend(t, api)
	assert.NoError(t, b.Ready(context.Background()))

	api.pingErr = errors.New("connection refused")
	assert.ErrorIs(t, b.Ready(context.Background()), apperrors.ErrBackend)
}

func TestReadLogs(t *testing.T) {
	t.Parallel()
	framed := append(frame(stdcopy.Stdout, "hello "), frame(stdcopy.Stderr, "world")...)

	tests := []struct {
		name string
		data []byte
		tty  bool
		want string
	}{
		{name: "multiplexed", data: framed, want: "hello world"},
		{name: "truncated frame is dropped", data: framed[:len(framed)-2], want: "hello "},
		{name: "tty stream is raw", data: []byte("# BEGIN docker-usage.json\n{}\n"), tty: true, want: "# BEGIN docker-usage.json\n{}\n"},
		{name: "empty", data: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := readLogs(bytes.NewReader(tt.data), tt.tty)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestReadLogs_KeepsTail(t *testing.T) {
	t.Parallel()
	filler := strings.Repeat("x", maxLogBytes/2)
	var data []byte
	for range 3 {
		data = append(data, frame(stdcopy.Stdout, filler)...)
	}
	data = append(data, frame(stdcopy.Stdout, "# END docker-usage.json\n")...)

	out, err := readLogs(bytes.NewReader(data), false)
	require.NoError(t, err)
	assert.Len(t, out, maxLogBytes)
	assert.True(t, strings.HasSuffix(string(out), "# END docker-usage.json\n"))
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()
	b := &tailBuffer{max: 4}
	for _, p := range []string{"ab", "cd", "ef"} {
		n, err := b.Write([]byte(p))
		require.NoError(t, err)
		assert.Equal(t, len(p), n)
	}
	assert.Equal(t, "cdef", string(b.buf))

	n, err := b.Write([]byte("0123456"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "3456", string(b.buf))
}
