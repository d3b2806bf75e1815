package hydrator

import (
	"time"
)

// OutcomeStatus is the terminal state of one record in a run.
type OutcomeStatus string

// Record outcomes.
const (
	OutcomeHydrated OutcomeStatus = "hydrated"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeInvalid  OutcomeStatus = "invalid"
	OutcomeFailed   OutcomeStatus = "failed"
)

// Step names the per-record stage where an outcome was decided.
type Step string

// Per-record steps in processing order.
const (
	StepValidate  Step = "validate"
	StepCheckSkip Step = "check_skip"
	StepInvoke    Step = "invoke"
	StepEnrich    Step = "enrich"
	StepPersist   Step = "persist"
)

// Outcome describes what happened to one record.
type Outcome struct {
	Index    int
	ID       string
	URL      string
	Status   OutcomeStatus
	Step     Step
	URI      string
	// EnrichAttempted is set when a secondary enricher ran for the record.
	EnrichAttempted bool
	// Enriched is set when a snapshot was attached.
	Enriched bool
	Err      error
	Duration time.Duration
}

// SnapshotMiss reports a hydrated record whose enrichment produced nothing.
func (o Outcome) SnapshotMiss() bool {
	return o.Status == OutcomeHydrated && o.EnrichAttempted && !o.Enriched
}

// Escalatable reports whether the outcome can stop a run under halt-on-error.
// Only extraction and persistence failures qualify.
func (o Outcome) Escalatable() bool {
	if o.Status != OutcomeFailed {
		return false
	}
	return o.Step == StepInvoke || o.Step == StepPersist || o.Step == StepCheckSkip
}

// RunStats aggregates the outcomes of one run.
type RunStats struct {
	Total            int  `json:"total"`
	Attempted        int  `json:"attempted"`
	Hydrated         int  `json:"hydrated"`
	Skipped          int  `json:"skipped"`
	Invalid          int  `json:"invalid"`
	Failed           int  `json:"failed"`
	EnrichmentMisses int  `json:"enrichment_misses"`
	Halted           bool `json:"halted"`
	Canceled         bool `json:"canceled"`
}

// Add folds one outcome into the stats.
func (s *RunStats) Add(o Outcome) {
	s.Attempted++
	switch o.Status {
	case OutcomeHydrated:
		s.Hydrated++
		if o.SnapshotMiss() {
			s.EnrichmentMisses++
		}
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeInvalid:
		s.Invalid++
	case OutcomeFailed:
		s.Failed++
	}
}

// Succeeded reports whether the run finished without halting or cancellation.
func (s RunStats) Succeeded() bool {
	return !s.Halted && !s.Canceled
}

// RunOptions are the per-run switches of the batch controller.
type RunOptions struct {
	SkipExisting    bool
	HaltOnError     bool
	Concurrency     int
	DuplicatePolicy DuplicatePolicy
	ExtractionField string
	SnapshotField   string
}

// DuplicatePolicy decides how repeated IDs in one batch are handled.
type DuplicatePolicy string

// Duplicate ID policies.
const (
	DuplicateSkip      DuplicatePolicy = "skip"
	DuplicateOverwrite DuplicatePolicy = "overwrite"
	DuplicateError     DuplicatePolicy = "error"
)

// Valid reports whether p is a known policy.
func (p DuplicatePolicy) Valid() bool {
	switch p {
	case DuplicateSkip, DuplicateOverwrite, DuplicateError:
		return true
	default:
		return false
	}
}

// RunState is the controller state of a run.
type RunState string

// Run states in order.
const (
	StateIdle         RunState = "idle"
	StateLoading      RunState = "loading"
	StateProvisioning RunState = "provisioning"
	StateRunning      RunState = "running"
	StateDone         RunState = "done"
)

// RunSnapshot is a point-in-time view of the current run.
type RunSnapshot struct {
	RunID     string    `json:"run_id,omitempty"`
	State     RunState  `json:"state"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Stats     RunStats  `json:"stats"`
	Error     string    `json:"error,omitempty"`
}
