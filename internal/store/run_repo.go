// Package store declares interfaces for persisting hydration run history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the hydration_runs status column.
type RunStatus string

// Run statuses persisted in hydration_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunHalted   RunStatus = "halted"
	RunCanceled RunStatus = "canceled"
	RunError    RunStatus = "error"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunHalted, RunCanceled, RunError:
		return true
	default:
		return false
	}
}

// RunCounts holds per-outcome record counters.
type RunCounts struct {
	Hydrated         int64 `json:"hydrated"`
	Skipped          int64 `json:"skipped"`
	Invalid          int64 `json:"invalid"`
	Failed           int64 `json:"failed"`
	EnrichmentMisses int64 `json:"enrichment_misses"`
}

// IsZero reports whether no counter is set.
func (c RunCounts) IsZero() bool {
	return c == RunCounts{}
}

// Run models the hydration_runs table.
type Run struct {
	ID           uuid.UUID  `json:"run_id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       RunStatus  `json:"status"`
	Total        int64      `json:"total"`
	Counts       RunCounts  `json:"counts"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	LastUpdate   time.Time  `json:"last_update"`
}

// Outcome models one row of run_outcomes: a record that did not hydrate.
type Outcome struct {
	RunID    uuid.UUID `json:"run_id"`
	Index    int       `json:"index"`
	RecordID string    `json:"record_id,omitempty"`
	URL      string    `json:"url,omitempty"`
	Status   string    `json:"status"`
	Step     string    `json:"step"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// RunRepository persists run lifecycle, counters and failed outcomes.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) a running run.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time, total int64) error
	// AddRunCounts applies counter deltas to a run.
	AddRunCounts(ctx context.Context, runID uuid.UUID, delta RunCounts, at time.Time) error
	// RecordOutcomes appends non-hydrated record outcomes.
	RecordOutcomes(ctx context.Context, runID uuid.UUID, outcomes []Outcome) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListOutcomes returns the recorded outcomes of one run in record order.
	ListOutcomes(ctx context.Context, runID uuid.UUID, limit, offset int) ([]Outcome, error)
}
