package job

import (
	"ades/internal/apperrors"
	"ades/internal/observability"
	"ades/internal/process"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultOwner is recorded when a submission names no user.
const DefaultOwner = "anonymous"

// Registry is the process catalog the service deploys into.
type Registry interface {
	Register(ctx context.Context, source string, overwrite bool) (*process.Process, *process.Process, error)
	Get(ctx context.Context, id string) (*process.Process, error)
	List(ctx context.Context) ([]process.Process, error)
	Remove(ctx context.Context, id string) (*process.Process, error)
	Restore(ctx context.Context, p *process.Process) error
}

// Service orchestrates processes and jobs over a registry, a ledger and one
// backend.
//
// The service holds no job state of its own. Terminal jobs are answered from
// the ledger; live jobs are reconciled with the backend on every read, so no
// background poller is needed and any number of instances can share a ledger.
type Service struct {
	registry Registry
	ledger   Ledger
	backend  Backend
	expander LinkExpander
	notifier Notifier
	metrics  *observability.Metrics
	limiter  *rate.Limiter
	now      func() time.Time
	locks    *keyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records job and backend metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNotifier publishes status changes.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLinkExpander expands result links before they are returned.
func WithLinkExpander(e LinkExpander) Option {
	return func(s *Service) { s.expander = e }
}

// WithQueryLimit caps backend status queries per second across all jobs.
func WithQueryLimit(perSecond float64, burst int) Option {
	return func(s *Service) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a job service.
func NewService(registry Registry, ledger Ledger, backend Backend, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		ledger:   ledger,
		backend:  backend,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		now:      func() time.Time { return time.Now().UTC() },
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deploy registers the process described at source and prepares the backend
// for it. If overwrite replaced an existing process, the backend resources of
// the old one are released first. A failed backend preparation rolls the
// registration back: a new process is removed, a replaced one is restored.
func (s *Service) Deploy(ctx context.Context, source string, overwrite bool) (*process.Process, error) {
	p, previous, err := s.registry.Register(ctx, source, overwrite)
	if err != nil {
		return nil, err
	}
	logger := slog.With("processId", p.ID, "backend", s.backend.Name())

	if previous != nil {
		if err := s.call(ctx, "undeploy", func() error { return s.backend.OnUndeploy(ctx, previous) }); err != nil {
			logger.Warn("Failed to release resources of replaced process", "error", err)
		}
	}

	if err := s.call(ctx, "deploy", func() error { return s.backend.OnDeploy(ctx, p) }); err != nil {
		logger.Error("Backend deploy failed, rolling back registration", "error", err)
		s.rollbackDeploy(ctx, logger, p, previous)
		if errors.Is(err, apperrors.ErrBackend) {
			return nil, err
		}
		return nil, apperrors.Backend("deploy", apperrors.Diagnostic(err), err)
	}

	logger.Info("Process deployed")
	return p, nil
}

func (s *Service) rollbackDeploy(ctx context.Context, logger *slog.Logger, p, previous *process.Process) {
	if previous == nil {
		if _, err := s.registry.Remove(ctx, p.ID); err != nil {
			logger.Error("Failed to roll back registration", "error", err)
		}
		return
	}
	if err := s.registry.Restore(ctx, previous); err != nil {
		logger.Error("Failed to restore replaced process", "error", err)
		return
	}
	if err := s.call(ctx, "deploy", func() error { return s.backend.OnDeploy(ctx, previous) }); err != nil {
		logger.Warn("Failed to prepare restored process", "error", err)
	}
}

// Undeploy removes a process from the registry and then releases its
// backend resources. Ledger rows of its jobs are kept.
func (s *Service) Undeploy(ctx context.Context, procID string) (*process.Process, error) {
	p, err := s.registry.Remove(ctx, procID)
	if err != nil {
		return nil, err
	}
	logger := slog.With("processId", p.ID, "backend", s.backend.Name())
	if err := s.call(ctx, "undeploy", func() error { return s.backend.OnUndeploy(ctx, p) }); err != nil {
		logger.Warn("Failed to release backend resources", "error", err)
	}
	logger.Info("Process undeployed")
	return p, nil
}

// ListProcesses returns all deployed processes.
func (s *Service) ListProcesses(ctx context.Context) ([]process.Process, error) {
	return s.registry.List(ctx)
}

// GetProcess returns a deployed process.
func (s *Service) GetProcess(ctx context.Context, procID string) (*process.Process, error) {
	return s.registry.Get(ctx, procID)
}

// Execute submits a job for procID.
//
// The ledger row is created as accepted before the backend sees the job, so
// a submission never runs without a record. A backend failure is persisted as
// a failed job and reported through the response status, not as an error.
func (s *Service) Execute(ctx context.Context, procID, owner string, inputs any) (*ExecuteResponse, error) {
	p, err := s.registry.Get(ctx, procID)
	if err != nil {
		return nil, err
	}
	values, ok := inputs.(map[string]any)
	if !ok || values == nil {
		return nil, apperrors.Validation("inputs", "job inputs must be a JSON object")
	}
	if strings.TrimSpace(owner) == "" {
		owner = DefaultOwner
	}

	now := s.now()
	jobID, err := NewJobID(p.ID, values, now)
	if err != nil {
		return nil, apperrors.Validation("inputs", err.Error())
	}
	rewriteStageOut(values, jobID)

	unlock := s.locks.Lock(jobID)
	defer unlock()

	logger := slog.With("jobId", jobID, "processId", p.ID, "backend", s.backend.Name())

	j := &Job{
		ID:        jobID,
		Owner:     owner,
		ProcessID: p.ID,
		Inputs:    values,
		Metrics:   map[string]any{},
		Status:    StatusAccepted,
		Created:   now,
		Updated:   now,
	}
	if err := s.ledger.Create(ctx, j); err != nil {
		return nil, err
	}

	spec := &Spec{Process: p, Inputs: values, JobID: jobID, Owner: owner}
	var sub *Submission
	err = s.call(ctx, "submit", func() (err error) {
		sub, err = s.backend.Submit(ctx, spec)
		return err
	})
	if err != nil {
		logger.Error("Job submission failed", "error", err)
		diag := map[string]any{"error": apperrors.Diagnostic(err)}
		failed, recErr := s.ledger.RecordSubmission(ctx, jobID, diag, StatusFailed, diag)
		if recErr != nil {
			logger.Error("Failed to record submission failure", "error", recErr)
			return nil, recErr
		}
		s.recordSubmitted(ctx, failed)
		if !errors.Is(err, apperrors.ErrBackend) {
			return nil, err
		}
		return &ExecuteResponse{JobID: jobID, Status: StatusFailed}, nil
	}

	status := sub.Status
	if status == "" {
		status = StatusAccepted
	}
	if !status.Valid() {
		return s.recordUnmapped(ctx, logger, jobID, sub, status)
	}
	metrics := sub.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}
	recorded, err := s.ledger.RecordSubmission(ctx, jobID, sub.BackendInfo, status, metrics)
	if err != nil {
		logger.Error("Failed to record submission", "error", err)
		return nil, err
	}
	s.recordSubmitted(ctx, recorded)

	logger.Info("Job submitted", "status", recorded.Status)
	return &ExecuteResponse{JobID: jobID, Status: recorded.Status}, nil
}

// recordUnmapped persists a submission whose initial status the backend
// reported outside the known set. The backend handle is kept and the job is
// failed; the backend job is cancelled on a best-effort basis.
func (s *Service) recordUnmapped(ctx context.Context, logger *slog.Logger, jobID string, sub *Submission, status Status) (*ExecuteResponse, error) {
	diag := apperrors.Indeterminate("job", jobID, string(status)).Error()
	logger.Error("Backend reported an unknown submission status", "status", string(status))

	info := sub.BackendInfo
	if info == nil {
		info = map[string]any{}
	}
	failed, err := s.ledger.RecordSubmission(ctx, jobID, info, StatusFailed, map[string]any{"error": diag})
	if err != nil {
		logger.Error("Failed to record submission", "error", err)
		return nil, err
	}
	s.recordSubmitted(ctx, failed)

	if err := s.call(ctx, "cancel", func() error { return s.backend.Cancel(ctx, failed) }); err != nil {
		logger.Warn("Failed to cancel job with unknown status", "error", err)
	}
	return &ExecuteResponse{JobID: jobID, Status: StatusFailed}, nil
}

// ListJobs returns the ledger rows of procID, or of all processes when procID
// is empty. The backend is not consulted.
func (s *Service) ListJobs(ctx context.Context, procID string) ([]Job, error) {
	return s.ledger.List(ctx, procID)
}

// GetJob returns the current state of a job, reconciling live jobs with the
// backend.
func (s *Service) GetJob(ctx context.Context, procID, jobID string) (*Job, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	j, err := s.load(ctx, procID, jobID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, j)
}

// Dismiss cancels a live job.
//
// A job that is absent or already terminal, including one found terminal by
// the refresh done here, yields a NotFound "nothing to dismiss" error.
func (s *Service) Dismiss(ctx context.Context, procID, jobID string) (*Job, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	j, err := s.load(ctx, procID, jobID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nothingToDismiss(jobID)
	}
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return nil, nothingToDismiss(jobID)
	}

	logger := slog.With("jobId", jobID, "backend", s.backend.Name())

	current, err := s.refresh(ctx, j)
	switch {
	case errors.Is(err, apperrors.ErrIndeterminate):
		// Cancel from the last known state.
		current = j
	case err != nil:
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, nothingToDismiss(jobID)
	}

	if err := s.call(ctx, "cancel", func() error { return s.backend.Cancel(ctx, current) }); err != nil {
		logger.Error("Job cancellation failed", "error", err)
		return nil, err
	}

	dismissed, err := s.ledger.UpdateStatusAndMetrics(ctx, jobID, StatusDismissed, current.Metrics)
	if err != nil {
		return nil, err
	}
	s.observe(ctx, dismissed, current.Status)
	logger.Info("Job dismissed")
	return dismissed, nil
}

// Results returns the output links of a job. Jobs that are not successful
// have no links.
func (s *Service) Results(ctx context.Context, procID, jobID string) (*ResultsResponse, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	j, err := s.load(ctx, procID, jobID)
	if err != nil {
		return nil, err
	}
	j, err = s.refresh(ctx, j)
	if err != nil {
		return nil, err
	}

	resp := &ResultsResponse{JobID: j.ID, Status: j.Status, Links: []Link{}}
	if j.Status != StatusSuccessful {
		return resp, nil
	}

	var links []Link
	err = s.call(ctx, "results", func() (err error) {
		links, err = s.backend.ResultLinks(ctx, j)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.expander != nil && len(links) > 0 {
		if links, err = s.expander.Expand(ctx, links); err != nil {
			return nil, err
		}
	}
	if links != nil {
		resp.Links = links
	}
	return resp, nil
}

// load reads a job and checks it belongs to procID.
func (s *Service) load(ctx context.Context, procID, jobID string) (*Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, apperrors.Validation("jobID", "job ID is required")
	}
	j, err := s.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if procID != "" && j.ProcessID != procID {
		return nil, apperrors.NotFound("job", jobID)
	}
	return j, nil
}

// refresh reconciles a job with the backend and writes the observation back.
// Terminal jobs are returned as stored. The caller holds the job lock.
func (s *Service) refresh(ctx context.Context, j *Job) (*Job, error) {
	if j.Status.IsTerminal() {
		return j, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	logger := slog.With("jobId", j.ID, "backend", s.backend.Name())

	var obs *Observation
	err := s.call(ctx, "query", func() (err error) {
		obs, err = s.backend.Query(ctx, j)
		return err
	})
	if err == nil && !obs.Status.Valid() {
		err = apperrors.Indeterminate("job", j.ID, string(obs.Status))
	}
	if errors.Is(err, apperrors.ErrIndeterminate) {
		logger.Warn("Backend reported an unmapped job state", "state", apperrors.Diagnostic(err))
		if s.metrics != nil {
			s.metrics.RecordIndeterminate(ctx, s.backend.Name())
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	metrics := obs.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}
	updated, err := s.ledger.UpdateStatusAndMetrics(ctx, j.ID, obs.Status, metrics)
	if errors.Is(err, apperrors.ErrConflict) {
		// Another instance finalized the row first; its record wins.
		return s.ledger.Get(ctx, j.ID)
	}
	if err != nil {
		return nil, err
	}
	s.observe(ctx, updated, j.Status)
	return updated, nil
}

// observe publishes a status change.
func (s *Service) observe(ctx context.Context, j *Job, previous Status) {
	if j.Status == previous {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordJobTransition(ctx, j.ProcessID, string(previous), string(j.Status), j.Status.IsTerminal())
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, j, previous)
	}
	slog.Debug("Job status changed", "jobId", j.ID, "from", previous, "to", j.Status)
}

func (s *Service) recordSubmitted(ctx context.Context, j *Job) {
	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, j.ProcessID, string(j.Status), j.Status.IsTerminal())
	}
	if s.notifier != nil && j.Status != StatusAccepted {
		s.notifier.Notify(ctx, j, StatusAccepted)
	}
}

// call runs one backend operation and records its latency.
func (s *Service) call(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if s.metrics != nil {
		s.metrics.RecordBackendCall(ctx, s.backend.Name(), op, err == nil, time.Since(start).Seconds())
	}
	return err
}
