package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/bulk-hydrator/internal/store"
)

// RunStore provides an in-memory store.RunRepository for development/testing.
type RunStore struct {
	mu       sync.RWMutex
	runs     map[uuid.UUID]store.Run
	outcomes map[uuid.UUID]map[int]store.Outcome
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:     make(map[uuid.UUID]store.Run),
		outcomes: make(map[uuid.UUID]map[int]store.Outcome),
	}
}

// UpsertRunStart records a running run, keeping counters of an existing one.
func (s *RunStore) UpsertRunStart(_ context.Context, runID uuid.UUID, startedAt time.Time, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	run.Total = total
	run.LastUpdate = startedAt
	s.runs[runID] = run
	return nil
}

// AddRunCounts applies counter deltas.
func (s *RunStore) AddRunCounts(_ context.Context, runID uuid.UUID, delta store.RunCounts, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Counts.Hydrated += delta.Hydrated
	run.Counts.Skipped += delta.Skipped
	run.Counts.Invalid += delta.Invalid
	run.Counts.Failed += delta.Failed
	run.Counts.EnrichmentMisses += delta.EnrichmentMisses
	run.LastUpdate = at
	s.runs[runID] = run
	return nil
}

// RecordOutcomes stores outcomes keyed by record index; the first write wins.
func (s *RunStore) RecordOutcomes(_ context.Context, runID uuid.UUID, outcomes []store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return store.ErrNotFound
	}
	byIndex, ok := s.outcomes[runID]
	if !ok {
		byIndex = make(map[int]store.Outcome)
		s.outcomes[runID] = byIndex
	}
	for _, o := range outcomes {
		if _, exists := byIndex[o.Index]; exists {
			continue
		}
		o.RunID = runID
		byIndex[o.Index] = o
	}
	return nil
}

// CompleteRun marks a run as finished.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	finished := finishedAt
	run.FinishedAt = &finished
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	run.LastUpdate = finishedAt
	s.runs[runID] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	runs := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID.String() > runs[j].ID.String()
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return page(runs, limit, offset), nil
}

// ListOutcomes returns a run's outcomes ordered by record index.
func (s *RunStore) ListOutcomes(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.Outcome, error) {
	s.mu.RLock()
	byIndex := s.outcomes[runID]
	outcomes := make([]store.Outcome, 0, len(byIndex))
	for _, o := range byIndex {
		outcomes = append(outcomes, o)
	}
	s.mu.RUnlock()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Index < outcomes[j].Index })
	return page(outcomes, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
