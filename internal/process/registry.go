package process

import (
	"ades/internal/apperrors"
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Registry is the durable catalog of deployed processes.
type Registry struct {
	repo    Repository
	fetcher Fetcher
	logger  *slog.Logger
}

// NewRegistry creates a registry over the given repository.
func NewRegistry(repo Repository, fetcher Fetcher) *Registry {
	return &Registry{
		repo:    repo,
		fetcher: fetcher,
		logger:  slog.With("component", "registry"),
	}
}

// Register fetches the description at source and stores it.
//
// When a process with the same ID exists and overwrite is false, a Conflict
// error is returned and the registry is unchanged. With overwrite the old row
// is replaced and returned as previous.
func (r *Registry) Register(ctx context.Context, source string, overwrite bool) (p *Process, previous *Process, err error) {
	data, err := r.fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	p, err = ParseDescriptor(data)
	if err != nil {
		return nil, nil, err
	}

	logger := r.logger.With("processId", p.ID)

	err = r.repo.Insert(ctx, p)
	switch {
	case err == nil:
		logger.Info("Process registered")
		return p, nil, nil
	case !errors.Is(err, apperrors.ErrConflict), !overwrite:
		return nil, nil, err
	}

	previous, err = r.repo.Replace(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Process replaced")
	return p, previous, nil
}

// Get returns a process by ID.
func (r *Registry) Get(ctx context.Context, id string) (*Process, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.Validation("procID", "process ID is required")
	}
	return r.repo.Get(ctx, id)
}

// List returns all deployed processes ordered by ID.
func (r *Registry) List(ctx context.Context) ([]Process, error) {
	return r.repo.List(ctx)
}

// Remove deletes a process and returns the removed record.
func (r *Registry) Remove(ctx context.Context, id string) (*Process, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.Validation("procID", "process ID is required")
	}
	p, err := r.repo.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Process removed", "processId", id)
	return p, nil
}

// Restore writes p back over the current row with the same ID. It undoes an
// overwrite whose deployment could not be completed.
func (r *Registry) Restore(ctx context.Context, p *Process) error {
	if _, err := r.repo.Replace(ctx, p); err != nil {
		return err
	}
	r.logger.Info("Process restored", "processId", p.ID)
	return nil
}
