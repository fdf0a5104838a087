package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, eventType, key string, payload any) error {
	p.logger.Info("event",
		zap.String("event_type", eventType),
		zap.String("key", key),
		zap.Any("payload", payload),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
