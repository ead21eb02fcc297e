package eventbus

import (
	"context"
	"log/slog"
)

// FallbackPublisher drops events. It stands in when no broker is configured
// so callers never need a nil check.
type FallbackPublisher struct {
	log *slog.Logger
}

func NewFallback(logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackPublisher{log: logger}
}

func (p *FallbackPublisher) Publish(ctx context.Context, key string, evt Event) error {
	p.log.Debug("fallback publisher: skipped publish", slog.String("key", key))
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}
