package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. Terminal events
// log at info, in-flight progress at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress_log")}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("source_id", evt.SourceID),
			zap.String("agent_id", evt.AgentID),
			zap.String("status", string(evt.Status)),
			zap.String("phase", string(evt.Phase)),
			zap.Int("current", evt.Current),
			zap.Int("total", evt.Total),
			zap.String("url", evt.CurrentURL),
			zap.Int("queue_length", evt.QueueLength),
		}
		switch {
		case evt.Critical:
			s.logger.Error("source needs intervention", append(fields, zap.String("message", evt.Message))...)
		case evt.Terminal():
			s.logger.Info("source run finished", append(fields, zap.Duration("dur", evt.Dur), zap.String("message", evt.Message))...)
		default:
			s.logger.Debug("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
