// Package dispatcher drives a batch through the per-record worker cycle and
// enforces the run's error policy.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/metrics"
	"github.com/JakeFAU/bulk-hydrator/internal/progress"
)

// Processor hydrates one validated record.
type Processor interface {
	Process(ctx context.Context, index int, id, url string, rec *hydrator.Record) hydrator.Outcome
}

// Dispatcher runs batches. One Dispatcher runs one batch at a time.
type Dispatcher struct {
	proc    Processor
	opts    hydrator.RunOptions
	emitter progress.Emitter
	clock   hydrator.Clock
	logger  *zap.Logger

	live atomic.Pointer[tally]
}

// New constructs a Dispatcher. A nil emitter discards progress events.
func New(
	proc Processor,
	opts hydrator.RunOptions,
	emitter progress.Emitter,
	clock hydrator.Clock,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DuplicatePolicy == "" {
		opts.DuplicatePolicy = hydrator.DuplicateSkip
	}
	if !opts.DuplicatePolicy.Valid() {
		return nil, fmt.Errorf("unknown duplicate policy %q", opts.DuplicatePolicy)
	}
	if emitter == nil {
		emitter = progress.Nop
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		proc:    proc,
		opts:    opts,
		emitter: emitter,
		clock:   clock,
		logger:  logger.Named("dispatcher"),
	}, nil
}

// Stats returns the counters of the current or last run.
func (d *Dispatcher) Stats() hydrator.RunStats {
	t := d.live.Load()
	if t == nil {
		return hydrator.RunStats{}
	}
	return t.snapshot()
}

// Run processes batch and returns the aggregate stats. The error is
// hydrator.ErrHalted after a halt-on-error stop, the context error after
// cancellation, or a *hydrator.FormatError when the duplicate policy rejects
// the batch.
func (d *Dispatcher) Run(ctx context.Context, runID uuid.UUID, batch hydrator.Batch) (hydrator.RunStats, error) {
	t := newTally(len(batch))
	d.live.Store(t)

	if d.opts.DuplicatePolicy == hydrator.DuplicateError {
		if err := CheckDuplicates(batch); err != nil {
			return t.snapshot(), err
		}
	}

	logger := d.logger.With(zap.String("run_id", runID.String()))
	logger.Info("dispatching batch",
		zap.Int("records", len(batch)),
		zap.Int("concurrency", d.opts.Concurrency),
		zap.Bool("skip_existing", d.opts.SkipExisting),
		zap.Bool("halt_on_error", d.opts.HaltOnError),
	)

	sem := semaphore.NewWeighted(int64(d.opts.Concurrency))
	var g errgroup.Group
	seen := make(map[string]int, len(batch))

	for i, rec := range batch {
		// The slot is taken before the halt check so that a failure in the
		// previous record is visible when concurrency is 1.
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if t.halted.Load() || ctx.Err() != nil {
			sem.Release(1)
			break
		}
		id, url, err := d.validate(i, rec, seen)
		if err != nil {
			sem.Release(1)
			logger.Error("invalid record",
				zap.Int("index", i), zap.String("id", id), zap.String("url", url), zap.Error(err))
			d.record(runID, t, hydrator.Outcome{
				Index: i, ID: id, URL: url,
				Status: hydrator.OutcomeInvalid, Step: hydrator.StepValidate, Err: err,
			})
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			out := d.proc.Process(ctx, i, id, url, rec)
			d.record(runID, t, out)
			if d.opts.HaltOnError && out.Escalatable() && ctx.Err() == nil && t.halted.CompareAndSwap(false, true) {
				logger.Error("halting run on record failure",
					zap.Int("index", out.Index), zap.String("id", out.ID), zap.String("url", out.URL),
					zap.String("step", string(out.Step)), zap.Error(out.Err))
			}
			return nil
		})
	}
	_ = g.Wait() // outcomes carry the per-record errors

	if ctx.Err() != nil {
		t.canceled.Store(true)
	}
	stats := t.snapshot()
	logger.Info(fmt.Sprintf("Processed %d items this run", stats.Attempted),
		zap.Int("total", stats.Total),
		zap.Int("hydrated", stats.Hydrated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("invalid", stats.Invalid),
		zap.Int("failed", stats.Failed),
		zap.Int("enrichment_misses", stats.EnrichmentMisses),
	)

	switch {
	case stats.Canceled:
		return stats, fmt.Errorf("run canceled: %w", ctx.Err())
	case stats.Halted:
		return stats, hydrator.ErrHalted
	default:
		return stats, nil
	}
}

// validate checks required fields and applies the duplicate policy. seen maps
// accepted IDs to the index of their first record.
func (d *Dispatcher) validate(index int, rec *hydrator.Record, seen map[string]int) (string, string, error) {
	if rec == nil {
		return "", "", &hydrator.RecordValidationError{Index: index, Field: hydrator.FieldID, Reason: "record is null"}
	}
	id, url, err := rec.Validate(index)
	if err != nil {
		return id, url, err
	}
	if first, dup := seen[id]; dup {
		if d.opts.DuplicatePolicy == hydrator.DuplicateSkip {
			return id, url, &hydrator.RecordValidationError{
				Index:  index,
				Field:  hydrator.FieldID,
				Reason: fmt.Sprintf("duplicate of record %d", first),
			}
		}
		d.logger.Warn("duplicate id overwrites earlier artifact",
			zap.Int("index", index), zap.Int("first", first), zap.String("id", id))
		return id, url, nil
	}
	seen[id] = index
	return id, url, nil
}

func (d *Dispatcher) record(runID uuid.UUID, t *tally, out hydrator.Outcome) {
	t.add(out)
	d.emitter.Emit(progress.RecordEvent(runID, d.clock.Now().UTC(), out, metrics.SanitizeHost(out.URL)))
}

// CheckDuplicates returns a *hydrator.FormatError naming the first repeated ID.
// Records whose ID cannot be read are ignored here.
func CheckDuplicates(batch hydrator.Batch) error {
	seen := make(map[string]int, len(batch))
	for i, rec := range batch {
		if rec == nil {
			continue
		}
		id, err := rec.ID()
		if err != nil {
			continue
		}
		if first, dup := seen[id]; dup {
			return &hydrator.FormatError{
				Source: "batch",
				Err:    fmt.Errorf("duplicate ID %q at records %d and %d", id, first, i),
			}
		}
		seen[id] = i
	}
	return nil
}

// tally aggregates outcomes from concurrent workers.
type tally struct {
	total     int
	attempted atomic.Int64
	hydrated  atomic.Int64
	skipped   atomic.Int64
	invalid   atomic.Int64
	failed    atomic.Int64
	misses    atomic.Int64
	halted    atomic.Bool
	canceled  atomic.Bool
}

func newTally(total int) *tally {
	return &tally{total: total}
}

func (t *tally) add(o hydrator.Outcome) {
	t.attempted.Add(1)
	switch o.Status {
	case hydrator.OutcomeHydrated:
		t.hydrated.Add(1)
		if o.SnapshotMiss() {
			t.misses.Add(1)
		}
	case hydrator.OutcomeSkipped:
		t.skipped.Add(1)
	case hydrator.OutcomeInvalid:
		t.invalid.Add(1)
	case hydrator.OutcomeFailed:
		t.failed.Add(1)
	}
}

func (t *tally) snapshot() hydrator.RunStats {
	return hydrator.RunStats{
		Total:            t.total,
		Attempted:        int(t.attempted.Load()),
		Hydrated:         int(t.hydrated.Load()),
		Skipped:          int(t.skipped.Load()),
		Invalid:          int(t.invalid.Load()),
		Failed:           int(t.failed.Load()),
		EnrichmentMisses: int(t.misses.Load()),
		Halted:           t.halted.Load(),
		Canceled:         t.canceled.Load(),
	}
}
