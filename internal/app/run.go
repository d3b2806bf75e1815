package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	googleuuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/progress"
	"github.com/JakeFAU/bulk-hydrator/internal/source"
	"github.com/JakeFAU/bulk-hydrator/internal/store"
)

const publishTimeout = 10 * time.Second

// RunSummary is published once per run.
type RunSummary struct {
	RunID      string            `json:"run_id"`
	Input      string            `json:"input"`
	Status     store.RunStatus   `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Stats      hydrator.RunStats `json:"stats"`
	Error      string            `json:"error,omitempty"`
}

// Attributes labels the Pub/Sub message.
func (s RunSummary) Attributes() map[string]string {
	return map[string]string{
		"run_id": s.RunID,
		"status": string(s.Status),
	}
}

// Hydrate runs one batch read from input ("-" for stdin) through
// Loading, Provisioning and Running. The error is nil when every record was
// handled without a halt; hydrator.ErrHalted after a halt-on-error stop; the
// wrapped context error after cancellation; or the fatal load/build error.
func (a *App) Hydrate(ctx context.Context, input string) (hydrator.RunStats, error) {
	rawID, err := a.ids.NewID()
	if err != nil {
		return hydrator.RunStats{}, err
	}
	runID, err := googleuuid.Parse(rawID)
	if err != nil {
		return hydrator.RunStats{}, fmt.Errorf("parse run id: %w", err)
	}
	started := a.clock.Now().UTC()
	logger := a.logger.With(zap.String("run_id", rawID))

	a.setState(hydrator.StateLoading, func(s *hydrator.RunSnapshot) {
		*s = hydrator.RunSnapshot{RunID: rawID, StartedAt: started}
	})

	batch, err := source.Load(input, a.stdin)
	if err != nil {
		logger.Error("failed to load input", zap.String("input", input), zap.Error(err))
		a.emitStart(runID, started, 0)
		return a.finish(ctx, runID, input, started, hydrator.RunStats{}, err)
	}
	logger.Info("input loaded", zap.String("input", input), zap.Int("records", len(batch)))
	a.emitStart(runID, started, len(batch))

	a.setState(hydrator.StateProvisioning, func(s *hydrator.RunSnapshot) {
		s.Stats.Total = len(batch)
	})
	if err := a.provisioner.Ensure(ctx); err != nil {
		logger.Error("worker provisioning failed", zap.Error(err))
		return a.finish(ctx, runID, input, started, hydrator.RunStats{Total: len(batch)}, err)
	}

	a.setState(hydrator.StateRunning, nil)
	stats, err := a.dispatch.Run(ctx, runID, batch)
	return a.finish(ctx, runID, input, started, stats, err)
}

// Provision runs only the worker provisioner.
func (a *App) Provision(ctx context.Context) error {
	a.setState(hydrator.StateProvisioning, nil)
	err := a.provisioner.Ensure(ctx)
	a.setState(hydrator.StateDone, nil)
	return err
}

func (a *App) emitStart(runID googleuuid.UUID, started time.Time, total int) {
	a.emitter.Emit(progress.Event{
		RunID: runID,
		TS:    started,
		Stage: progress.StageRunStart,
		Total: int64(total),
	})
}

func (a *App) finish(
	ctx context.Context,
	runID googleuuid.UUID,
	input string,
	started time.Time,
	stats hydrator.RunStats,
	runErr error,
) (hydrator.RunStats, error) {
	finished := a.clock.Now().UTC()
	status := runStatus(stats, runErr)

	evt := progress.Event{
		RunID: runID,
		TS:    finished,
		Stage: progress.StageRunDone,
		Stats: &stats,
		Dur:   finished.Sub(started),
	}
	if status == store.RunError {
		evt.Stage = progress.StageRunError
	}
	if runErr != nil {
		evt.Note = runErr.Error()
	}
	a.emitter.Emit(evt)

	a.setState(hydrator.StateDone, func(s *hydrator.RunSnapshot) {
		s.Stats = stats
		s.Error = evt.Note
	})

	summary := RunSummary{
		RunID:      runID.String(),
		Input:      input,
		Status:     status,
		StartedAt:  started,
		FinishedAt: finished,
		Stats:      stats,
		Error:      evt.Note,
	}
	a.publishSummary(ctx, summary)
	return stats, runErr
}

func (a *App) publishSummary(ctx context.Context, summary RunSummary) {
	topic := a.cfg.PubSub.TopicName
	if topic == "" {
		topic = DefaultSummaryTopic
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	msgID, err := a.publisher.Publish(pubCtx, topic, summary)
	if err != nil {
		a.logger.Warn("failed to publish run summary", zap.String("run_id", summary.RunID), zap.Error(err))
		return
	}
	a.logger.Debug("run summary published", zap.String("run_id", summary.RunID), zap.String("message_id", msgID))
}

func runStatus(stats hydrator.RunStats, err error) store.RunStatus {
	switch {
	case stats.Canceled:
		return store.RunCanceled
	case stats.Halted || errors.Is(err, hydrator.ErrHalted):
		return store.RunHalted
	case err != nil:
		return store.RunError
	default:
		return store.RunSuccess
	}
}
