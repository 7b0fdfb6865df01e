package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a metrics backend is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.String("status", string(evt.Status)),
			zap.Int("progress", evt.Progress),
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		if evt.ErrorCode != "" {
			fields = append(fields, zap.String("error_code", evt.ErrorCode))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		s.logger.Info("job progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
