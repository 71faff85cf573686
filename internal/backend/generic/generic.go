// Package generic implements a backend with canned responses. It contacts no
// platform and is used for development and for exercising the service.
package generic

import (
	"ades/internal/job"
	"ades/internal/process"
	"context"
	"log/slog"
)

// Name is the platform name of this backend.
const Name = "Generic"

// Backend accepts every job and never progresses it.
type Backend struct {
	logger *slog.Logger
}

// New creates a generic backend.
func New() *Backend {
	return &Backend{logger: slog.With("component", "backend", "backend", Name)}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Submit(ctx context.Context, spec *job.Spec) (*job.Submission, error) {
	b.logger.Debug("Accepted job", "jobId", spec.JobID, "procId", spec.Process.ID)
	return &job.Submission{
		BackendInfo: map[string]any{"status": string(job.StatusAccepted)},
		Status:      job.StatusAccepted,
		Metrics:     map[string]any{},
	}, nil
}

func (b *Backend) Query(ctx context.Context, j *job.Job) (*job.Observation, error) {
	return &job.Observation{Status: job.StatusAccepted, Metrics: map[string]any{}}, nil
}

func (b *Backend) Cancel(ctx context.Context, j *job.Job) error {
	b.logger.Debug("Cancelled job", "jobId", j.ID)
	return nil
}

func (b *Backend) ResultLinks(ctx context.Context, j *job.Job) ([]job.Link, error) {
	return job.StageOutLinks(j), nil
}

func (b *Backend) OnDeploy(ctx context.Context, p *process.Process) error   { return nil }
func (b *Backend) OnUndeploy(ctx context.Context, p *process.Process) error { return nil }
func (b *Backend) Ready(ctx context.Context) error                          { return nil }
