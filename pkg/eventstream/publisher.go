package eventstream

import "context"

// Publisher publishes consolidation events to an event stream backend.
type Publisher interface {
	PublishConsolidated(ctx context.Context, event *SessionConsolidatedEvent) error
	Close() error
}
