// Package notify delivers job status changes to a webhook as CloudEvents.
package notify

import (
	"ades/internal/job"
	"time"

	"github.com/google/uuid"
)

// EventType is the CloudEvents type of a job status change.
const EventType = "ades.job.status"

// CloudEvent is a CloudEvents 1.0 event in structured JSON mode.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// newStatusEvent describes the transition of j from previous to its current status.
func newStatusEvent(source string, j *job.Job, previous job.Status, now time.Time) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            EventType,
		Source:          source,
		Subject:         "processes/" + j.ProcessID + "/jobs/" + j.ID,
		ID:              uuid.NewString(),
		Time:            now.UTC(),
		DataContentType: "application/json",
		Data: map[string]any{
			"jobID":          j.ID,
			"procID":         j.ProcessID,
			"jobOwner":       j.Owner,
			"status":         string(j.Status),
			"previousStatus": string(previous),
			"terminal":       j.Status.IsTerminal(),
			"timeUpdated":    j.Updated.UTC(),
		},
	}
}
