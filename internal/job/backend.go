// Package job defines the job ledger, the backend adapter contract and the
// service that reconciles the two.
package job

import (
	"ades/internal/process"
	"context"
)

// Backend abstracts the execution platform a job runs on.
//
// # State Management
//
// The ledger is the source of truth for jobs in a terminal status. For live
// jobs the Backend is asked for the current state and the answer is written
// back, so a Backend never needs its own persistence beyond what it returns
// in Submission.BackendInfo.
//
// # Errors
//
// Platform failures are reported as apperrors.Backend with the platform's own
// diagnostic. A platform state with no canonical mapping is reported as
// apperrors.Indeterminate and never coerced into a status.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Submit starts work for a job. The returned BackendInfo is persisted
	// once and handed back to Query and Cancel through Job.BackendInfo.
	Submit(ctx context.Context, spec *Spec) (*Submission, error)

	// Query reports the current status and metrics of a live job.
	Query(ctx context.Context, j *Job) (*Observation, error)

	// Cancel stops a live job and releases its resources.
	Cancel(ctx context.Context, j *Job) error

	// ResultLinks returns references to the outputs of a successful job.
	ResultLinks(ctx context.Context, j *Job) ([]Link, error)

	// OnDeploy prepares the platform for a newly registered process.
	OnDeploy(ctx context.Context, p *process.Process) error

	// OnUndeploy releases platform resources held for a process.
	OnUndeploy(ctx context.Context, p *process.Process) error

	// Ready checks if the platform is reachable.
	Ready(ctx context.Context) error
}

// Ledger is the durable record of jobs.
type Ledger interface {
	// Create inserts a new row. A duplicate ID is a retryable Conflict.
	Create(ctx context.Context, j *Job) error

	// Get returns a row by ID or NotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns all rows, or those of procID when non-empty, oldest first.
	List(ctx context.Context, procID string) ([]Job, error)

	// UpdateStatusAndMetrics overwrites status and metrics of a non-terminal
	// row and bumps its update time. A terminal row yields Conflict.
	UpdateStatusAndMetrics(ctx context.Context, id string, status Status, metrics map[string]any) (*Job, error)

	// RecordSubmission stores the backend info of a row exactly once,
	// together with status and metrics.
	RecordSubmission(ctx context.Context, id string, backendInfo map[string]any, status Status, metrics map[string]any) (*Job, error)
}

// LinkExpander turns result links into one link per concrete object.
type LinkExpander interface {
	Expand(ctx context.Context, links []Link) ([]Link, error)
}

// Notifier is told about every status change the service records.
type Notifier interface {
	Notify(ctx context.Context, j *Job, previous Status)
}
