// Package publisher forwards progress events to external fan-out systems.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/progress"
)

// Publisher sends one payload to a topic and returns the broker message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Sink is a progress.Sink that publishes every event it receives.
type Sink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewSink wraps pub so it can be attached to a progress hub.
func NewSink(pub Publisher, topic string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{pub: pub, topic: topic, logger: logger.Named("progress_publisher")}
}

// Consume publishes the batch in order. A failed publish does not stop the
// rest of the batch; the failures are joined into the returned error.
func (s *Sink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s event for %s: %w", evt.Status, evt.SourceID, err))
			continue
		}
		s.logger.Debug("progress published",
			zap.String("source_id", evt.SourceID),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close closes the underlying publisher when it owns a connection.
func (s *Sink) Close(context.Context) error {
	if s == nil || s.pub == nil {
		return nil
	}
	if c, ok := s.pub.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close publisher: %w", err)
		}
	}
	return nil
}
