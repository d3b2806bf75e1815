package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
)

// Stage denotes the run milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRecordDone Stage = "RECORD_DONE"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
)

// Event captures one step of hydration progress.
type Event struct {
	// RunID identifies the run (UUIDv7).
	RunID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage

	// Record scoped fields, set on RECORD_DONE.
	Index    int
	RecordID string
	URL      string
	Host     string
	Outcome  hydrator.OutcomeStatus
	Step     hydrator.Step
	Enriched bool

	// SnapshotMiss marks a hydrated record whose archive lookup found nothing.
	SnapshotMiss bool

	// Total is the batch size on RUN_START.
	Total int64
	// Stats is the final aggregate on RUN_DONE and RUN_ERROR.
	Stats *hydrator.RunStats
	// Dur is the record latency or the whole run duration.
	Dur time.Duration
	// Note carries error text for failed records and runs.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
		if e.Total < 0 {
			return errors.New("run start requires a non-negative total")
		}
	case StageRecordDone:
		switch e.Outcome {
		case hydrator.OutcomeHydrated, hydrator.OutcomeSkipped, hydrator.OutcomeInvalid, hydrator.OutcomeFailed:
		default:
			return fmt.Errorf("record done has unknown outcome %q", e.Outcome)
		}
		if e.Index < 0 {
			return errors.New("record index must be >= 0")
		}
	case StageRunDone, StageRunError:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RecordEvent builds a RECORD_DONE event from a record outcome.
func RecordEvent(runID uuid.UUID, ts time.Time, o hydrator.Outcome, host string) Event {
	evt := Event{
		RunID:    runID,
		TS:       ts,
		Stage:    StageRecordDone,
		Index:    o.Index,
		RecordID: o.ID,
		URL:      o.URL,
		Host:     host,
		Outcome:  o.Status,
		Step:     o.Step,
		Enriched: o.Enriched,
		Dur:      o.Duration,

		SnapshotMiss: o.SnapshotMiss(),
	}
	if o.Err != nil {
		evt.Note = o.Err.Error()
	}
	return evt
}
