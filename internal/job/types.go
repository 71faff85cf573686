package job

import (
	"ades/internal/apperrors"
	"ades/internal/process"
	"fmt"
	"strings"
	"time"
)

// Status is the canonical job status.
type Status string

// Status constants
const (
	StatusAccepted   Status = "accepted"
	StatusRunning    Status = "running"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusDismissed  Status = "dismissed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccessful, StatusFailed, StatusDismissed:
		return true
	}
	return false
}

// Valid reports whether s is one of the five canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAccepted, StatusRunning, StatusSuccessful, StatusFailed, StatusDismissed:
		return true
	}
	return false
}

// ParseStatus converts a stored status string.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

// Job is one ledger row.
type Job struct {
	ID          string         `json:"jobID"`
	Owner       string         `json:"jobOwner"`
	ProcessID   string         `json:"procID"`
	Inputs      map[string]any `json:"inputs"`
	BackendInfo map[string]any `json:"backendInfo,omitempty"`
	Metrics     map[string]any `json:"metrics"`
	Status      Status         `json:"status"`
	Created     time.Time      `json:"timeCreated"`
	Updated     time.Time      `json:"timeUpdated"`
}

// Link is a reference to a job output.
type Link struct {
	Href  string `json:"href"`
	Rel   string `json:"rel,omitempty"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// Spec is everything a backend needs to submit one job.
type Spec struct {
	Process *process.Process
	Inputs  map[string]any
	JobID   string
	Owner   string
}

// Submission is the backend's answer to a submit.
type Submission struct {
	BackendInfo map[string]any
	Status      Status
	Metrics     map[string]any
}

// Observation is one status reading from the backend.
type Observation struct {
	Status  Status
	Metrics map[string]any
}

// ExecuteResponse is returned after a job is submitted.
type ExecuteResponse struct {
	JobID  string `json:"jobID"`
	Status Status `json:"status"`
}

// ResultsResponse lists the outputs of a job.
type ResultsResponse struct {
	JobID  string `json:"jobID"`
	Status Status `json:"status"`
	Links  []Link `json:"links"`
}

// StageOutLinks returns the stage-out location of a job as its single result
// link, or no links when the inputs carry none.
func StageOutLinks(j *Job) []Link {
	if j == nil {
		return []Link{}
	}
	stageOut, ok := j.Inputs["stage_out"].(map[string]any)
	if !ok {
		return []Link{}
	}
	href, ok := stageOut["s3_url"].(string)
	if !ok || href == "" {
		return []Link{}
	}
	return []Link{{Href: href, Rel: "results", Title: "stage-out location"}}
}

// nothingToDismiss is returned when a dismiss finds no live job.
func nothingToDismiss(jobID string) error {
	return apperrors.NotFoundReason("job", jobID, "nothing to dismiss")
}
