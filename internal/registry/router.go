package registry

import (
	"context"
	"fmt"

	"github.com/kurahq/kura/internal/domain"
)

// EventLoader fetches the events a projection.update job needs to replay.
// Implemented by eventstore.Store in production and a fake in tests.
type EventLoader interface {
	ForUserAndTypes(ctx context.Context, userID string, eventTypes []string) ([]domain.Event, error)
}

// ProjectionUpdateJobType is the well-known job type bridging the job queue
// and the event-type registry, grounded on the reference router.py handler.
const ProjectionUpdateJobType = "projection.update"

// NewProjectionUpdateHandler returns the JobHandler for
// ProjectionUpdateJobType: it reads event_type out of the job payload, loads
// the job user's events of every type ReplayEventTypesFor returns, and
// awaits every registered projection handler for that event type in
// registration order.
func NewProjectionUpdateHandler(r *Registry, loader EventLoader) JobHandler {
	return func(ctx context.Context, job domain.Job) error {
		eventType, _ := job.Payload["event_type"].(string)
		if eventType == "" {
			return fmt.Errorf("registry: projection.update job %s missing event_type", job.ID)
		}

		handlers := r.ProjectionHandlers(eventType)
		if len(handlers) == 0 {
			// No dimension cares about this event type; nothing to do.
			return nil
		}

		replayTypes := r.ReplayEventTypesFor(eventType)
		events, err := loader.ForUserAndTypes(ctx, job.UserID, replayTypes)
		if err != nil {
			return fmt.Errorf("registry: load events for %s: %w", job.UserID, err)
		}

		for _, h := range handlers {
			if err := h(ctx, job.UserID, events); err != nil {
				return fmt.Errorf("registry: projection handler failed for %s: %w", eventType, err)
			}
		}
		return nil
	}
}
