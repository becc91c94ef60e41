package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/changegate/internal/models"
)

// Sink stores events durably.
type Sink interface {
	Append(ctx context.Context, event *models.Event) error
}

// Recorder returns a handler that appends every delivered event to sink.
// Failures are logged and dropped; the event log is not on the critical
// path of a transition.
func Recorder(sink Sink, logger zerolog.Logger) Handler {
	return func(event *models.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := sink.Append(ctx, event); err != nil {
			logger.Warn().
				Err(err).
				Str("event_type", string(event.Type)).
				Str("entity_id", event.EntityID).
				Msg("failed to record event")
		}
	}
}
