package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/progress"
	"github.com/JakeFAU/bulk-hydrator/internal/store"
)

// StoreSink persists run history through a store.RunRepository. Record
// counters are collapsed per run so one batch costs one counter update.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type runDelta struct {
	counts   store.RunCounts
	outcomes []store.Outcome
	at       time.Time
}

// Consume applies batch to the repository in event order. Pending counters of
// a run are flushed before its completion is written.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]*runDelta)
	var order []uuid.UUID

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, evt.RunID, evt.TS, evt.Total); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRecordDone:
			delta, ok := pending[evt.RunID]
			if !ok {
				delta = &runDelta{}
				pending[evt.RunID] = delta
				order = append(order, evt.RunID)
			}
			accumulate(delta, evt)
		case progress.StageRunDone, progress.StageRunError:
			if err := s.flushRun(ctx, evt.RunID, pending[evt.RunID]); err != nil {
				return err
			}
			delete(pending, evt.RunID)
			if err := s.complete(ctx, evt); err != nil {
				return err
			}
		}
	}
	for _, runID := range order {
		if err := s.flushRun(ctx, runID, pending[runID]); err != nil {
			return err
		}
	}
	return nil
}

func accumulate(delta *runDelta, evt progress.Event) {
	switch evt.Outcome {
	case hydrator.OutcomeHydrated:
		delta.counts.Hydrated++
		if evt.SnapshotMiss {
			delta.counts.EnrichmentMisses++
		}
	case hydrator.OutcomeSkipped:
		delta.counts.Skipped++
	case hydrator.OutcomeInvalid:
		delta.counts.Invalid++
	case hydrator.OutcomeFailed:
		delta.counts.Failed++
	}
	if evt.Outcome == hydrator.OutcomeInvalid || evt.Outcome == hydrator.OutcomeFailed {
		delta.outcomes = append(delta.outcomes, store.Outcome{
			RunID:    evt.RunID,
			Index:    evt.Index,
			RecordID: evt.RecordID,
			URL:      evt.URL,
			Status:   string(evt.Outcome),
			Step:     string(evt.Step),
			Error:    evt.Note,
			At:       evt.TS,
		})
	}
	if evt.TS.After(delta.at) {
		delta.at = evt.TS
	}
}

func (s *StoreSink) flushRun(ctx context.Context, runID uuid.UUID, delta *runDelta) error {
	if delta == nil {
		return nil
	}
	if !delta.counts.IsZero() {
		if err := s.repo.AddRunCounts(ctx, runID, delta.counts, delta.at); err != nil {
			return fmt.Errorf("add run counts: %w", err)
		}
	}
	if len(delta.outcomes) > 0 {
		if err := s.repo.RecordOutcomes(ctx, runID, delta.outcomes); err != nil {
			return fmt.Errorf("record outcomes: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	switch {
	case evt.Stage == progress.StageRunError:
		status = store.RunError
	case evt.Stats != nil && evt.Stats.Halted:
		status = store.RunHalted
	case evt.Stats != nil && evt.Stats.Canceled:
		status = store.RunCanceled
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, evt.RunID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
