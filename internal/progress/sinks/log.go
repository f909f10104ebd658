package sinks

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/yearscan/internal/progress"
)

// LogSink emits one structured log line per progress event. It is useful
// during development or when no durable store is configured.
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
			zap.String("session_id", uuid.UUID(evt.SessionID).String()),
			zap.String("stage", string(evt.Stage)),
			zap.Time("event_ts", evt.TS),
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site))
		}
		if evt.Phase != "" {
			fields = append(fields, zap.String("phase", evt.Phase))
		}
		if evt.Page > 0 {
			fields = append(fields, zap.Int("page", evt.Page), zap.Int("entries", evt.Entries))
		}
		if evt.Entries > 0 {
			fields = append(fields, zap.Int("min_year", evt.MinYear), zap.Int("max_year", evt.MaxYear))
		}
		if evt.Items > 0 {
			fields = append(fields, zap.Int64("items", evt.Items))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage.Terminal() {
			s.logger.Info("progress event", fields...)
			continue
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
