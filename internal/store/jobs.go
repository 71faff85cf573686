package store

import (
	"ades/internal/apperrors"
	"ades/internal/job"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Jobs implements job.Ledger.
type Jobs struct {
	db *DB
}

var _ job.Ledger = (*Jobs)(nil)

const jobColumns = `job_id, job_owner, proc_id, inputs, backend_info, metrics, status, time_created, time_updated`

// terminalGuard keeps writes away from rows that already reached a terminal status.
const terminalGuard = `status NOT IN ('successful', 'failed', 'dismissed')`

// Create inserts a new job. A duplicate ID is a retryable Conflict.
func (s *Jobs) Create(ctx context.Context, j *job.Job) error {
	inputs, err := encodeBlob(j.Inputs)
	if err != nil {
		return err
	}
	metrics, err := encodeBlob(j.Metrics)
	if err != nil {
		return err
	}
	var info any
	if j.BackendInfo != nil {
		if info, err = encodeBlob(j.BackendInfo); err != nil {
			return err
		}
	}
	created := j.Created
	if created.IsZero() {
		created = s.db.now()
	}
	updated := j.Updated
	if updated.IsZero() {
		updated = created
	}

	res, err := s.db.exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		j.ID, j.Owner, j.ProcessID, inputs, info, metrics, string(j.Status),
		created.UTC().Format(timeLayout), updated.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n == 0 {
		return apperrors.RetryableConflict("job", j.ID, fmt.Sprintf("job ID %s already exists", j.ID))
	}
	return nil
}

// Get returns a job by ID.
func (s *Jobs) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns jobs oldest first, optionally restricted to one process.
func (s *Jobs) List(ctx context.Context, procID string) ([]job.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if procID == "" {
		rows, err = s.db.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY time_created, job_id`)
	} else {
		rows, err = s.db.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE proc_id = ? ORDER BY time_created, job_id`, procID)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// UpdateStatusAndMetrics overwrites status and metrics of a live job in one
// guarded statement.
func (s *Jobs) UpdateStatusAndMetrics(ctx context.Context, id string, status job.Status, metrics map[string]any) (*job.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("update job %s: invalid status %q", id, status)
	}
	blob, err := encodeBlob(metrics)
	if err != nil {
		return nil, err
	}
	res, err := s.db.exec(ctx, `UPDATE jobs SET status = ?, metrics = ?, time_updated = ?
		WHERE job_id = ? AND `+terminalGuard,
		string(status), blob, s.db.now().Format(timeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := s.checkUpdated(ctx, res, id, "job is already terminal"); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// RecordSubmission stores backend info once, with status and metrics.
func (s *Jobs) RecordSubmission(ctx context.Context, id string, backendInfo map[string]any, status job.Status, metrics map[string]any) (*job.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("record submission %s: invalid status %q", id, status)
	}
	if backendInfo == nil {
		backendInfo = map[string]any{}
	}
	info, err := encodeBlob(backendInfo)
	if err != nil {
		return nil, err
	}
	blob, err := encodeBlob(metrics)
	if err != nil {
		return nil, err
	}
	res, err := s.db.exec(ctx, `UPDATE jobs SET backend_info = ?, status = ?, metrics = ?, time_updated = ?
		WHERE job_id = ? AND backend_info IS NULL AND `+terminalGuard,
		info, string(status), blob, s.db.now().Format(timeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("record submission: %w", err)
	}
	if err := s.checkUpdated(ctx, res, id, "submission already recorded"); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// checkUpdated turns a zero-row update into NotFound or Conflict.
func (s *Jobs) checkUpdated(ctx context.Context, res sql.Result, id, reason string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.queryRow(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("job", id)
	}
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return apperrors.Conflict("job", id, reason)
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                job.Job
		inputs, metrics  string
		info             sql.NullString
		status           string
		created, updated dbTime
	)
	if err := row.Scan(&j.ID, &j.Owner, &j.ProcessID, &inputs, &info, &metrics, &status, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if j.Status, err = job.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.Inputs, err = decodeBlob(inputs); err != nil {
		return nil, fmt.Errorf("job %s inputs: %w", j.ID, err)
	}
	if j.Metrics, err = decodeBlob(metrics); err != nil {
		return nil, fmt.Errorf("job %s metrics: %w", j.ID, err)
	}
	if info.Valid {
		if j.BackendInfo, err = decodeBlob(info.String); err != nil {
			return nil, fmt.Errorf("job %s backend info: %w", j.ID, err)
		}
	}
	j.Created, j.Updated = created.Time, updated.Time
	return &j, nil
}

func encodeBlob(v map[string]any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode blob: %w", err)
	}
	return string(data), nil
}

func decodeBlob(raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" || raw == "null" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
