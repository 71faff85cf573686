// Package pbs runs jobs as PBS batch jobs that execute the workflow with
// cwl-runner under Singularity.
//
// Each job owns a working directory {home}/jobs/{jobID} holding inputs.json,
// the generated pbs.bash script and everything the run writes: the runner
// log, exit_code.json and metrics.json.
package pbs

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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Name is the platform name of this backend.
const Name = "PBS"

// Keys of the backend info stored with each job.
const (
	InfoJobID   = "pbs_job_id"
	InfoWorkDir = "work_dir"
)

const (
	inputsName   = "inputs.json"
	exitCodeName = "exit_code.json"
	metricsName  = "metrics.json"
)

// Config holds the PBS directives and tool locations.
type Config struct {
	// Home is the ADES home; jobs live in Home/jobs and containers in
	// Home/singularity.
	Home        string
	Queue       string
	Select      string
	Walltime    string
	Site        string
	Modules     []string
	Venv        string
	MetricsTool string
}

// DefaultConfig returns the directives used by the reference site.
func DefaultConfig(home string) Config {
	return Config{
		Home:        home,
		Queue:       "debug",
		Select:      "1:ncpus=1:model=bro",
		Walltime:    "2:00:00",
		Site:        "static_broadwell:nat=hfe1",
		Modules:     []string{"singularity"},
		Venv:        "$HOME/.venv/ades/bin/activate",
		MetricsTool: "pbs-metrics",
	}
}

// Backend submits jobs with qsub and tracks them with qstat.
type Backend struct {
	cfg     Config
	runner  Runner
	jobsDir string
	sifDir  string
	logger  *slog.Logger
}

// New creates a PBS backend. A nil runner executes local commands.
func New(cfg Config, runner Runner) (*Backend, error) {
	if cfg.Home == "" {
		return nil, errors.New("pbs: home directory is required")
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	b := &Backend{
		cfg:     cfg,
		runner:  runner,
		jobsDir: filepath.Join(cfg.Home, "jobs"),
		sifDir:  filepath.Join(cfg.Home, "singularity"),
		logger:  slog.With("component", "backend", "backend", Name),
	}
	for _, dir := range []string{b.jobsDir, b.sifDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("pbs: create %s: %w", dir, err)
		}
	}
	return b, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Submit(ctx context.Context, spec *job.Spec) (*job.Submission, error) {
	dir, err := workdir.Create(b.jobsDir, spec.JobID)
	if err != nil {
		return nil, apperrors.Backend("pbs.submit", err.Error(), err)
	}
	// Until qsub accepts the script nothing else uses the directory.
	queued := false
	defer func() {
		if queued {
			return
		}
		if err := workdir.Remove(b.jobsDir, dir); err != nil {
			b.logger.Warn("Failed to remove work directory of unsubmitted job", "jobId", spec.JobID, "error", err)
		}
	}()

	inputs, err := json.MarshalIndent(spec.Inputs, "", "  ")
	if err != nil {
		return nil, apperrors.Internal("pbs.submit", err)
	}
	inputsPath := filepath.Join(dir, inputsName)
	if err := os.WriteFile(inputsPath, inputs, 0o644); err != nil {
		return nil, apperrors.Backend("pbs.submit", err.Error(), err)
	}

	script, err := renderScript(scriptData{
		Queue:       b.cfg.Queue,
		Select:      b.cfg.Select,
		Walltime:    b.cfg.Walltime,
		Site:        b.cfg.Site,
		Modules:     b.cfg.Modules,
		Venv:        b.cfg.Venv,
		WorkDir:     dir,
		TmpPrefix:   dir + string(filepath.Separator),
		Workflow:    spec.Process.OwsContextURL,
		Inputs:      inputsPath,
		MetricsTool: b.cfg.MetricsTool,
	})
	if err != nil {
		return nil, apperrors.Internal("pbs.submit", err)
	}
	if err := os.WriteFile(filepath.Join(dir, scriptName), script, 0o755); err != nil {
		return nil, apperrors.Backend("pbs.submit", err.Error(), err)
	}

	stdout, stderr, err := b.runner.Run(ctx, dir, "qsub", "-N", spec.JobID, "-o", dir, "-e", dir, scriptName)
	if err != nil {
		return nil, apperrors.Backend("pbs.qsub", diagnostic(stderr, err), err)
	}
	// qsub exited cleanly, so a job may be running in dir even without an id.
	queued = true
	pbsID := parseJobID(string(stdout))
	if pbsID == "" {
		return nil, apperrors.Backend("pbs.qsub", "qsub returned no job id", nil)
	}

	b.logger.Info("Submitted job", "jobId", spec.JobID, "pbsJobId", pbsID)
	return &job.Submission{
		BackendInfo: map[string]any{InfoJobID: pbsID, InfoWorkDir: dir},
		Status:      job.StatusAccepted,
		Metrics:     map[string]any{},
	}, nil
}

func (b *Backend) Query(ctx context.Context, j *job.Job) (*job.Observation, error) {
	pbsID, dir, err := b.info(j)
	if err != nil {
		return nil, err
	}

	stdout, stderr, err := b.runner.Run(ctx, dir, "qstat", "-x", "-F", "json", pbsID)
	if err != nil {
		return nil, apperrors.Backend("pbs.qstat", diagnostic(stderr, err), err)
	}
	state, err := parseJobState(stdout, pbsID)
	if err != nil {
		return nil, apperrors.Backend("pbs.qstat", err.Error(), err)
	}

	obs := &job.Observation{Metrics: b.readMetrics(dir)}
	switch state {
	case "Q", "H":
		obs.Status = job.StatusAccepted
	case "R", "E":
		obs.Status = job.StatusRunning
	case "F":
		code, err := usage.ReadExitCode(filepath.Join(dir, exitCodeName))
		if err != nil {
			b.logger.Warn("Finished job has no readable exit code", "jobId", j.ID, "error", err)
			return nil, apperrors.Indeterminate("job", j.ID, "F")
		}
		if code == 0 {
			obs.Status = job.StatusSuccessful
		} else {
			obs.Status = job.StatusFailed
		}
	default:
		return nil, apperrors.Indeterminate("job", j.ID, state)
	}
	return obs, nil
}

func (b *Backend) Cancel(ctx context.Context, j *job.Job) error {
	if j.Status != job.StatusAccepted && j.Status != job.StatusRunning {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("cannot cancel job in status %s", j.Status))
	}
	pbsID, dir, err := b.info(j)
	if err != nil {
		return err
	}

	if _, stderr, err := b.runner.Run(ctx, dir, "qdel", "-x", "-W", "force", pbsID); err != nil {
		return apperrors.Backend("pbs.qdel", diagnostic(stderr, err), err)
	}

	if err := workdir.Remove(b.jobsDir, dir); err != nil {
		b.logger.Warn("Work directory not removed", "jobId", j.ID, "dir", dir, "error", err)
	}
	b.logger.Info("Cancelled job", "jobId", j.ID, "pbsJobId", pbsID)
	return nil
}

func (b *Backend) ResultLinks(ctx context.Context, j *job.Job) ([]job.Link, error) {
	return job.StageOutLinks(j), nil
}

// OnDeploy localizes the process container as a Singularity image.
func (b *Backend) OnDeploy(ctx context.Context, p *process.Process) error {
	if len(p.ExecutionUnit) == 0 {
		return nil
	}
	sif := b.sifPath(p.ExecutionUnit[0])
	_, stderr, err := b.runner.Run(ctx, b.sifDir, "singularity", "pull", "--force", sif, p.ExecutionUnit[0])
	if err != nil {
		return apperrors.Backend("pbs.singularity_pull", diagnostic(stderr, err), err)
	}
	b.logger.Info("Localized container", "procId", p.ID, "sif", sif)
	return nil
}

// OnUndeploy removes the Singularity image pulled for the process.
func (b *Backend) OnUndeploy(ctx context.Context, p *process.Process) error {
	if len(p.ExecutionUnit) == 0 {
		return nil
	}
	sif := b.sifPath(p.ExecutionUnit[0])
	if err := os.Remove(sif); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Backend("pbs.remove_sif", err.Error(), err)
	}
	return nil
}

// Ready checks that the PBS server answers.
func (b *Backend) Ready(ctx context.Context) error {
	if _, stderr, err := b.runner.Run(ctx, b.jobsDir, "qstat", "-B"); err != nil {
		return apperrors.Backend("pbs.qstat", diagnostic(stderr, err), err)
	}
	return nil
}

func (b *Backend) info(j *job.Job) (string, string, error) {
	pbsID, _ := j.BackendInfo[InfoJobID].(string)
	dir, _ := j.BackendInfo[InfoWorkDir].(string)
	if pbsID == "" || dir == "" {
		return "", "", apperrors.Backend("pbs", fmt.Sprintf("job %s has no PBS submission record", j.ID), nil)
	}
	if !workdir.Within(b.jobsDir, dir) {
		return "", "", apperrors.Backend("pbs", fmt.Sprintf("job %s work directory %s is outside %s", j.ID, dir, b.jobsDir), nil)
	}
	return pbsID, dir, nil
}

func (b *Backend) readMetrics(dir string) map[string]any {
	data, err := os.ReadFile(filepath.Join(dir, metricsName))
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		b.logger.Warn("Ignoring unreadable metrics file", "dir", dir, "error", err)
		return map[string]any{}
	}
	return m
}

func (b *Backend) sifPath(image string) string {
	name := filepath.Base(image)
	return filepath.Join(b.sifDir, strings.ReplaceAll(name, ":", "_")+".sif")
}

// parseJobID keeps the sequence number and server of a qsub answer such as
// "1234.pbspl1.nas.nasa.gov".
func parseJobID(out string) string {
	out = strings.TrimSpace(out)
	if out == "" {
		return ""
	}
	parts := strings.Split(out, ".")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}

type qstatReport struct {
	Jobs map[string]struct {
		JobState string `json:"job_state"`
	} `json:"Jobs"`
}

// parseJobState extracts job_state from qstat -F json output. Job keys carry
// the full server name, so the entry is matched on the submitted ID prefix.
// A job missing from the report has an empty state.
func parseJobState(out []byte, pbsID string) (string, error) {
	var report qstatReport
	if err := json.Unmarshal(out, &report); err != nil {
		return "", fmt.Errorf("decode qstat output: %w", err)
	}
	for key, entry := range report.Jobs {
		if key == pbsID || strings.HasPrefix(key, pbsID+".") {
			return entry.JobState, nil
		}
	}
	return "", nil
}

func diagnostic(stderr []byte, err error) string {
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		return msg
	}
	return err.Error()
}
