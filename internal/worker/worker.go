// Package worker runs the per-record hydration cycle: check skip, invoke the
// extraction worker, enrich, persist.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/metrics"
)

// Ledger reports whether a record's artifact already exists.
type Ledger interface {
	Has(ctx context.Context, id string) (bool, error)
}

// Writer persists an enriched record.
type Writer interface {
	Write(ctx context.Context, rec *hydrator.Record) (string, error)
}

// Config names the derived fields added to each record.
type Config struct {
	ExtractionField string
	SnapshotField   string
}

// Worker hydrates single records. It holds no per-record state and is safe
// for concurrent use.
type Worker struct {
	ledger   Ledger
	invoker  hydrator.Invoker
	enricher hydrator.Enricher
	writer   Writer
	clock    hydrator.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. enricher may be nil to disable the secondary lookup.
func New(
	ledger Ledger,
	invoker hydrator.Invoker,
	enricher hydrator.Enricher,
	writer Writer,
	clock hydrator.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if ledger == nil || invoker == nil || writer == nil || clock == nil {
		return nil, errors.New("worker requires ledger, invoker, writer and clock")
	}
	if cfg.ExtractionField == "" {
		cfg.ExtractionField = hydrator.DefaultExtractionField
	}
	if cfg.SnapshotField == "" {
		cfg.SnapshotField = hydrator.DefaultSnapshotField
	}
	if cfg.ExtractionField == cfg.SnapshotField {
		return nil, fmt.Errorf("extraction and snapshot fields must differ (both %q)", cfg.ExtractionField)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		ledger:   ledger,
		invoker:  invoker,
		enricher: enricher,
		writer:   writer,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}, nil
}

// Process runs one validated record through the cycle and returns its outcome.
// rec is mutated in place.
func (w *Worker) Process(ctx context.Context, index int, id, url string, rec *hydrator.Record) hydrator.Outcome {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	start := w.clock.Now()
	out := hydrator.Outcome{Index: index, ID: id, URL: url}
	log := w.logger.With(zap.Int("index", index), zap.String("id", id), zap.String("url", url))
	finish := func(status hydrator.OutcomeStatus, step hydrator.Step, err error) hydrator.Outcome {
		out.Status = status
		out.Step = step
		out.Err = err
		out.Duration = w.clock.Now().Sub(start)
		if out.Duration < 0 {
			out.Duration = 0
		}
		return out
	}

	exists, err := w.ledger.Has(ctx, id)
	if err != nil {
		log.Error("completion check failed", zap.Error(err))
		return finish(hydrator.OutcomeFailed, hydrator.StepCheckSkip, err)
	}
	if exists {
		log.Debug("artifact exists, skipping")
		return finish(hydrator.OutcomeSkipped, hydrator.StepCheckSkip, nil)
	}

	payload, err := w.invoker.Invoke(ctx, url)
	if err == nil {
		err = rec.SetRaw(w.cfg.ExtractionField, payload)
	}
	if err != nil {
		log.Error("extraction failed", zap.Error(err))
		return finish(hydrator.OutcomeFailed, hydrator.StepInvoke, err)
	}

	out.EnrichAttempted, out.Enriched = w.enrich(ctx, log, url, rec)

	uri, err := w.writer.Write(ctx, rec)
	if err != nil {
		log.Error("persist failed", zap.Error(err))
		return finish(hydrator.OutcomeFailed, hydrator.StepPersist, err)
	}
	out.URI = uri
	log.Info("record hydrated", zap.String("uri", uri), zap.Bool("snapshot", out.Enriched))
	return finish(hydrator.OutcomeHydrated, hydrator.StepPersist, nil)
}

// enrich attaches the snapshot field when the lookup returns something. Any
// failure is logged and leaves the field absent.
func (w *Worker) enrich(ctx context.Context, log *zap.Logger, url string, rec *hydrator.Record) (attempted, enriched bool) {
	rec.Delete(w.cfg.SnapshotField)
	if w.enricher == nil {
		return false, false
	}
	start := time.Now()
	snapshot, err := w.enricher.Enrich(ctx, url)
	if err != nil {
		log.Warn("archive lookup failed", zap.Duration("dur", time.Since(start)), zap.Error(err))
		return true, false
	}
	if len(snapshot) == 0 || hydrator.IsEmptyPayload(snapshot) {
		log.Debug("archive lookup returned nothing")
		return true, false
	}
	if err := rec.SetRaw(w.cfg.SnapshotField, json.RawMessage(snapshot)); err != nil {
		log.Warn("archive snapshot rejected", zap.Error(err))
		return true, false
	}
	return true, true
}
