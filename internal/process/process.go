// Package process holds deployed process descriptions and the registry that
// catalogs them.
package process

import (
	"context"
	"time"
)

// Job control options accepted in a process description.
const (
	ControlSyncExecute  = "sync-execute"
	ControlAsyncExecute = "async-execute"
	ControlDismiss      = "dismiss"
)

// Output transmission modes accepted in a process description.
const (
	TransmissionValue     = "value"
	TransmissionReference = "reference"
)

// Process is a deployed, versioned algorithm description.
type Process struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Abstract            string    `json:"abstract"`
	Keywords            []string  `json:"keywords"`
	OwsContextURL       string    `json:"owsContextURL"`
	ProcessVersion      string    `json:"processVersion"`
	JobControlOptions   []string  `json:"jobControlOptions"`
	OutputTransmission  []string  `json:"outputTransmission"`
	ImmediateDeployment bool      `json:"immediateDeployment"`
	ExecutionUnit       []string  `json:"executionUnit"`
	Deployed            time.Time `json:"-"`
}

// Repository persists processes. Implemented by the store package.
type Repository interface {
	// Insert stores p. Returns a Conflict error if p.ID exists.
	Insert(ctx context.Context, p *Process) error
	// Replace stores p over an existing row and returns the previous one.
	// Returns a NotFound error if no row exists.
	Replace(ctx context.Context, p *Process) (*Process, error)
	Get(ctx context.Context, id string) (*Process, error)
	List(ctx context.Context) ([]Process, error)
	// Delete removes the row and returns it.
	Delete(ctx context.Context, id string) (*Process, error)
}
