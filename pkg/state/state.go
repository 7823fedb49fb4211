// Package state records deployment outcomes per app revision and serves
// history and rollback lookups.
package state

import (
	"context"
	"time"
)

// Status is the lifecycle status of a deployment record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled-back"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// Record is one deployment attempt of one app. Records are append-only:
// Complete fills in the terminal status and end time of the record Begin
// created, and every new attempt gets a fresh revision.
type Record struct {
	App      string `json:"app"`
	Revision int    `json:"revision"`

	Namespace string `json:"namespace,omitempty"`
	Kind      string `json:"kind,omitempty"`

	Status Status `json:"status"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// PreviousRevision points at the newest record that existed when this
	// attempt began, regardless of its status. Nil for the first attempt.
	PreviousRevision *int `json:"previous_revision,omitempty"`

	// Error summarizes the failure for failed and rolled-back records.
	Error string `json:"error,omitempty"`

	// Payload snapshots the app's kind-specific configuration so a
	// rollback can re-run this revision's deploy stage.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Meta carries the app configuration snapshot stored with a new record.
type Meta struct {
	Namespace string
	Kind      string
	Payload   map[string]interface{}
}

// Filter narrows a history query. Zero values match everything.
type Filter struct {
	App       string
	Namespace string

	// Limit caps the number of returned records. Zero means no limit.
	Limit int
}

// Store persists deployment records. Implementations must make Begin atomic
// with respect to revision assignment for a given app.
type Store interface {
	// Begin opens a new running record for the app with revision
	// max(existing)+1, starting at 1.
	Begin(ctx context.Context, app string, meta Meta) (*Record, error)

	// Complete sets the terminal status, end time and error summary of
	// the identified record.
	Complete(ctx context.Context, app string, revision int, status Status, errSummary string) error

	// History returns matching records ordered newest-first.
	History(ctx context.Context, filter Filter) ([]Record, error)

	// PreviousSucceeded returns the newest succeeded record for the app,
	// or nil if the app never deployed successfully.
	PreviousSucceeded(ctx context.Context, app string) (*Record, error)

	// Close releases resources held by the store.
	Close() error
}
