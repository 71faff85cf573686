package store

import (
	"ades/internal/apperrors"
	"ades/internal/process"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Processes implements process.Repository.
type Processes struct {
	db *DB
}

var _ process.Repository = (*Processes)(nil)

const processColumns = `id, title, abstract, keywords, ows_context_url, process_version,
	job_control_options, output_transmission, immediate_deployment, execution_unit, created_at`

// Insert stores a new process. An existing ID is a Conflict.
func (s *Processes) Insert(ctx context.Context, p *process.Process) error {
	args, err := processArgs(p, s.db.now())
	if err != nil {
		return err
	}
	res, err := s.db.exec(ctx, `INSERT INTO processes (`+processColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	if n == 0 {
		return apperrors.Conflict("process", p.ID, fmt.Sprintf("process %s is already deployed", p.ID))
	}
	return nil
}

// Replace overwrites an existing process and returns the previous row.
func (s *Processes) Replace(ctx context.Context, p *process.Process) (*process.Process, error) {
	previous, err := s.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	args, err := processArgs(p, s.db.now())
	if err != nil {
		return nil, err
	}
	setArgs := append(append([]any{}, args[1:]...), args[0])
	res, err := s.db.exec(ctx, `UPDATE processes SET
		title = ?, abstract = ?, keywords = ?, ows_context_url = ?, process_version = ?,
		job_control_options = ?, output_transmission = ?, immediate_deployment = ?,
		execution_unit = ?, created_at = ?
		WHERE id = ?`, setArgs...)
	if err != nil {
		return nil, fmt.Errorf("replace process: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, apperrors.NotFound("process", p.ID)
	}
	return previous, nil
}

// Get returns a process by ID.
func (s *Processes) Get(ctx context.Context, id string) (*process.Process, error) {
	row := s.db.queryRow(ctx, `SELECT `+processColumns+` FROM processes WHERE id = ?`, id)
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("process", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	return p, nil
}

// List returns all processes ordered by ID.
func (s *Processes) List(ctx context.Context) ([]process.Process, error) {
	rows, err := s.db.query(ctx, `SELECT `+processColumns+` FROM processes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	out := []process.Process{}
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("list processes: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return out, nil
}

// Delete removes a process and returns the deleted row.
func (s *Processes) Delete(ctx context.Context, id string) (*process.Process, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.db.exec(ctx, `DELETE FROM processes WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete process: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, apperrors.NotFound("process", id)
	}
	return p, nil
}

func processArgs(p *process.Process, now time.Time) ([]any, error) {
	lists := make([]string, 0, 4)
	for _, v := range [][]string{p.Keywords, p.JobControlOptions, p.OutputTransmission, p.ExecutionUnit} {
		if v == nil {
			v = []string{}
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode process %s: %w", p.ID, err)
		}
		lists = append(lists, string(data))
	}
	immediate := 0
	if p.ImmediateDeployment {
		immediate = 1
	}
	return []any{
		p.ID, p.Title, p.Abstract, lists[0], p.OwsContextURL, p.ProcessVersion,
		lists[1], lists[2], immediate, lists[3], now.UTC().Format(timeLayout),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProcess(row scanner) (*process.Process, error) {
	var (
		p                                     process.Process
		keywords, controls, transmissions, eu string
		immediate                             int
		created                               dbTime
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Abstract, &keywords, &p.OwsContextURL, &p.ProcessVersion,
		&controls, &transmissions, &immediate, &eu, &created); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{keywords, &p.Keywords},
		{controls, &p.JobControlOptions},
		{transmissions, &p.OutputTransmission},
		{eu, &p.ExecutionUnit},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode process %s: %w", p.ID, err)
		}
	}
	p.ImmediateDeployment = immediate != 0
	p.Deployed = created.Time
	return &p, nil
}
