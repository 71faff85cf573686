// Package docker runs jobs on the local Docker daemon. Each job is one runner
// container executing the workflow with cwltool against a per-job working
// directory bind-mounted at the same path.
package docker

import (
	"ades/internal/apperrors"
	"ades/internal/backend/workdir"
	"ades/internal/job"
	"ades/internal/process"
	"ades/internal/usage"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Name is the platform name of this backend.
const Name = "Docker"

// Keys of the backend info stored with each job.
const (
	InfoContainerID = "container_id"
	InfoWorkDir     = "work_dir"
)

// API is the subset of the Docker client used by the backend.
type API interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Config holds the runner container settings.
type Config struct {
	// Home is the ADES home; job directories live in Home/docker.
	Home        string
	RunnerImage string
	// Socket is the daemon socket mounted into the runner so cwltool can
	// start step containers.
	Socket   string
	CPU      float64
	MemoryMB int
}

// DefaultConfig returns the settings for a local workstation.
func DefaultConfig(home string) Config {
	return Config{
		Home:        home,
		RunnerImage: "quay.io/commonwl/cwltool:latest",
		Socket:      "/var/run/docker.sock",
	}
}

// Backend implements job.Backend over the Docker API.
type Backend struct {
	cfg     Config
	api     API
	jobsDir string
	logger  *slog.Logger
}

// New connects to the daemon configured in the environment.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	b, err := NewWithAPI(cfg, cli)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	if err := b.Ready(ctx); err != nil {
		slog.Warn("Docker daemon not reachable at start-up", "error", err)
	}
	return b, nil
}

// NewWithAPI creates a backend over an existing client.
func NewWithAPI(cfg Config, api API) (*Backend, error) {
	if cfg.Home == "" {
		return nil, errors.New("docker: home directory is required")
	}
	if cfg.RunnerImage == "" {
		cfg.RunnerImage = DefaultConfig(cfg.Home).RunnerImage
	}
	b := &Backend{
		cfg:     cfg,
		api:     api,
		jobsDir: filepath.Join(cfg.Home, "docker"),
		logger:  slog.With("component", "backend", "backend", Name),
	}
	if err := os.MkdirAll(b.jobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("docker: create %s: %w", b.jobsDir, err)
	}
	return b, nil
}

func (b *Backend) Name() string { return Name }

// Close releases the client connection.
func (b *Backend) Close() error {
	return b.api.Close()
}

func (b *Backend) Submit(ctx context.Context, spec *job.Spec) (*job.Submission, error) {
	dir, err := workdir.Create(b.jobsDir, spec.JobID)
	if err != nil {
		return nil, apperrors.Backend("docker.submit", err.Error(), err)
	}
	inputs, err := json.MarshalIndent(spec.Inputs, "", "  ")
	if err != nil {
		return nil, apperrors.Internal("docker.submit", err)
	}
	inputsPath := filepath.Join(dir, "inputs.json")
	if err := os.WriteFile(inputsPath, inputs, 0o644); err != nil {
		return nil, apperrors.Backend("docker.submit", err.Error(), err)
	}

	if err := b.pullImageIfNeeded(ctx, b.cfg.RunnerImage); err != nil {
		return nil, apperrors.Backend("docker.pull", err.Error(), err)
	}

	containerID, err := b.createRunnerContainer(ctx, spec, dir, inputsPath)
	if err != nil {
		return nil, apperrors.Backend("docker.create", err.Error(), err)
	}
	if err := b.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		b.removeContainer(ctx, containerID)
		return nil, apperrors.Backend("docker.start", err.Error(), err)
	}

	b.logger.Info("Started runner container", "jobId", spec.JobID, "containerId", containerID)
	return &job.Submission{
		BackendInfo: map[string]any{InfoContainerID: containerID, InfoWorkDir: dir},
		Status:      job.StatusRunning,
		Metrics:     map[string]any{},
	}, nil
}

func (b *Backend) Query(ctx context.Context, j *job.Job) (*job.Observation, error) {
	containerID, _, err := b.info(j)
	if err != nil {
		return nil, err
	}

	inspect, err := b.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, apperrors.Indeterminate("job", j.ID, "container missing")
		}
		return nil, apperrors.Backend("docker.inspect", err.Error(), err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return nil, apperrors.Indeterminate("job", j.ID, "")
	}

	obs := &job.Observation{Metrics: map[string]any{}}
	switch inspect.State.Status {
	case "created":
		obs.Status = job.StatusAccepted
	case "running", "restarting", "paused", "removing":
		obs.Status = job.StatusRunning
	case "exited":
		if inspect.State.ExitCode == 0 {
			obs.Status = job.StatusSuccessful
		} else {
			obs.Status = job.StatusFailed
		}
	case "dead":
		obs.Status = job.StatusFailed
	default:
		return nil, apperrors.Indeterminate("job", j.ID, string(inspect.State.Status))
	}

	if obs.Status.IsTerminal() {
		tty := inspect.Config != nil && inspect.Config.Tty
		obs.Metrics = b.usageFromLogs(ctx, j.ID, containerID, tty)
	}
	return obs, nil
}

func (b *Backend) Cancel(ctx context.Context, j *job.Job) error {
	if j.Status != job.StatusAccepted && j.Status != job.StatusRunning {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("cannot cancel job in status %s", j.Status))
	}
	containerID, dir, err := b.info(j)
	if err != nil {
		return err
	}

	if err := b.api.ContainerKill(ctx, containerID, "SIGKILL"); err != nil && !cerrdefs.IsNotFound(err) && !cerrdefs.IsConflict(err) {
		return apperrors.Backend("docker.kill", err.Error(), err)
	}
	if err := b.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return apperrors.Backend("docker.remove", err.Error(), err)
	}
	if err := workdir.Remove(b.jobsDir, dir); err != nil {
		b.logger.Warn("Work directory not removed", "jobId", j.ID, "dir", dir, "error", err)
	}
	b.logger.Info("Cancelled job", "jobId", j.ID, "containerId", containerID)
	return nil
}

func (b *Backend) ResultLinks(ctx context.Context, j *job.Job) ([]job.Link, error) {
	return job.StageOutLinks(j), nil
}

// OnDeploy pre-pulls the process image so the first run does not pay for it.
func (b *Backend) OnDeploy(ctx context.Context, p *process.Process) error {
	if len(p.ExecutionUnit) == 0 {
		return nil
	}
	ref := strings.TrimPrefix(p.ExecutionUnit[0], "docker://")
	if err := b.pullImageIfNeeded(ctx, ref); err != nil {
		return apperrors.Backend("docker.pull", err.Error(), err)
	}
	b.logger.Info("Pulled process image", "procId", p.ID, "image", ref)
	return nil
}

// OnUndeploy keeps images; they may be shared between processes.
func (b *Backend) OnUndeploy(ctx context.Context, p *process.Process) error {
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (b *Backend) Ready(ctx context.Context) error {
	if _, err := b.api.Ping(ctx); err != nil {
		return apperrors.Backend("docker.ping", err.Error(), err)
	}
	return nil
}

func (b *Backend) info(j *job.Job) (string, string, error) {
	containerID, _ := j.BackendInfo[InfoContainerID].(string)
	dir, _ := j.BackendInfo[InfoWorkDir].(string)
	if containerID == "" || dir == "" {
		return "", "", apperrors.Backend("docker", fmt.Sprintf("job %s has no container record", j.ID), nil)
	}
	return containerID, dir, nil
}

func (b *Backend) createRunnerContainer(ctx context.Context, spec *job.Spec, dir, inputsPath string) (string, error) {
	containerConfig := &container.Config{
		Image: b.cfg.RunnerImage,
		Cmd: []string{
			"--timestamps",
			"--leave-tmpdir",
			"--tmpdir-prefix", filepath.Join(dir, "tmp") + string(filepath.Separator),
			"--outdir", filepath.Join(dir, "output"),
			spec.Process.OwsContextURL,
			inputsPath,
		},
		WorkingDir: dir,
		Labels: map[string]string{
			"ades.job.id":     spec.JobID,
			"ades.process.id": spec.Process.ID,
			"ades.job.owner":  spec.Owner,
			"managed-by":      "ades",
		},
	}

	mounts := []mount.Mount{{Type: mount.TypeBind, Source: dir, Target: dir}}
	if b.cfg.Socket != "" {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: b.cfg.Socket, Target: b.cfg.Socket})
	}
	hostConfig := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			NanoCPUs: int64(b.cfg.CPU * 1e9),
			Memory:   int64(b.cfg.MemoryMB) * 1024 * 1024,
		},
	}

	resp, err := b.api.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(spec.JobID))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (b *Backend) pullImageIfNeeded(ctx context.Context, ref string) error {
	if _, err := b.api.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	reader, err := b.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *Backend) removeContainer(ctx context.Context, containerID string) {
	_ = b.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// usageFromLogs scans the runner output for the usage section. A run that
// printed none has empty metrics.
func (b *Backend) usageFromLogs(ctx context.Context, jobID, containerID string, tty bool) map[string]any {
	logs, err := b.api.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		b.logger.Warn("Failed to read container logs", "jobId", jobID, "error", err)
		return map[string]any{}
	}
	defer logs.Close()

	out, err := readLogs(logs, tty)
	if err != nil {
		b.logger.Debug("Log stream ended early", "jobId", jobID, "error", err)
	}
	m, err := usage.ExtractMarker(out)
	if err != nil {
		if !errors.Is(err, usage.ErrNoMarker) {
			b.logger.Warn("Ignoring malformed usage section", "jobId", jobID, "error", err)
		}
		return map[string]any{}
	}
	return m
}

// maxLogBytes bounds how much runner output is kept when looking for the
// usage section, which is printed last.
const maxLogBytes = 4 << 20

// readLogs returns the tail of a container log stream. Streams of containers
// without a TTY are multiplexed and are split back with stdcopy.
func readLogs(r io.Reader, tty bool) ([]byte, error) {
	out := &tailBuffer{max: maxLogBytes}
	var err error
	if tty {
		_, err = io.Copy(out, r)
	} else {
		_, err = stdcopy.StdCopy(out, out, r)
	}
	return out.buf, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func containerName(jobID string) string {
	return "ades-job-" + invalidNameChars.ReplaceAllString(jobID, "_")
}
