package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-hydrator/internal/progress"
)

// LogSink writes each event as a debug log line. Run boundaries are logged at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event in batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID.String()),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageRecordDone:
			fields = append(fields,
				zap.Int("index", evt.Index),
				zap.String("id", evt.RecordID),
				zap.String("url", evt.URL),
				zap.String("outcome", string(evt.Outcome)),
				zap.String("step", string(evt.Step)),
				zap.Bool("enriched", evt.Enriched),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Debug("progress event", fields...)
		case progress.StageRunStart:
			s.logger.Info("progress event", append(fields, zap.Int64("total", evt.Total))...)
		default:
			fields = append(fields, zap.Duration("dur", evt.Dur))
			if evt.Stats != nil {
				fields = append(fields, zap.Any("stats", evt.Stats))
			}
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
