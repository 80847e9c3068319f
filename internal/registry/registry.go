// Package registry is the job-type and event-type handler registry (spec
// §4.2), grounded on the reference worker's registry.py/router.py decorator
// pattern — translated here into explicit Register calls from a fixed
// bootstrap order, per spec §9's re-architecture note that a dynamic
// decorator registry has no Go equivalent worth building — and on the
// teacher's HandlerRegistration/dispatcher.go shape for the event-type half.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kurahq/kura/internal/domain"
)

// JobHandler processes one background job. A non-nil error causes the
// worker to retry (apperrors.Transient) or dead-letter (apperrors.Permanent)
// depending on its classification.
type JobHandler func(ctx context.Context, job domain.Job) error

// ProjectionHandler recomputes one or more projections for a user from the
// full (or filtered) event log. Handlers are pure given the log: replaying
// the same events always yields the same projection values (spec §4.4 step
// 6).
type ProjectionHandler func(ctx context.Context, userID string, events []domain.Event) error

// DimensionMeta describes a registered projection handler for diagnostics
// and for the quality engine's projection_impact reporting.
type DimensionMeta struct {
	Name           string
	EventTypes     []string
	ProjectionType string
}

// ManifestContributor summarizes one dimension's current state from a
// user's resolved event log, for the user_profile aggregator's
// dimension_manifest (spec §4.4.8: "calling each dimension's
// manifest_contribution"). It is a pure function of the event slice, same
// as a ProjectionHandler minus the write.
type ManifestContributor func(events []domain.Event) map[string]any

// Registry holds the job-type registry and the event-type -> projection
// handler registry. Both are append-only at bootstrap; there is no runtime
// mutation once the worker starts serving jobs.
type Registry struct {
	mu sync.RWMutex

	jobHandlers map[string]JobHandler

	projectionHandlers map[string][]ProjectionHandler
	dimensions         []DimensionMeta

	manifestContributors map[string]ManifestContributor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		jobHandlers:          make(map[string]JobHandler),
		projectionHandlers:   make(map[string][]ProjectionHandler),
		manifestContributors: make(map[string]ManifestContributor),
	}
}

// RegisterManifestContributor binds a dimension name to the function that
// summarizes its state for the user_profile aggregator. Optional: a
// dimension with no contributor registered simply contributes nothing.
func (r *Registry) RegisterManifestContributor(name string, fn ManifestContributor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifestContributors[name] = fn
}

// ManifestContributors returns a copy of every registered contributor,
// keyed by dimension name.
func (r *Registry) ManifestContributors() map[string]ManifestContributor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ManifestContributor, len(r.manifestContributors))
	for k, v := range r.manifestContributors {
		out[k] = v
	}
	return out
}

// RegisterJob binds jobType to a handler. Registering the same job type
// twice is a programmer error and panics at bootstrap, matching the
// reference registry.py's behavior of refusing duplicate registrations.
func (r *Registry) RegisterJob(jobType string, h JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobHandlers[jobType]; exists {
		panic(fmt.Sprintf("registry: job type %q already registered", jobType))
	}
	r.jobHandlers[jobType] = h
}

// JobHandler looks up the handler bound to jobType.
func (r *Registry) JobHandler(jobType string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.jobHandlers[jobType]
	return h, ok
}

// RegisteredJobTypes lists every bound job type, sorted for stable output.
func (r *Registry) RegisteredJobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.jobHandlers))
	for t := range r.jobHandlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RegisterProjection binds a handler to every event type in meta.EventTypes.
// One event type may fan out to several handlers (e.g. set.logged feeds both
// exercise-progression and training-load projections).
func (r *Registry) RegisterProjection(meta DimensionMeta, h ProjectionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, et := range meta.EventTypes {
		r.projectionHandlers[et] = append(r.projectionHandlers[et], h)
	}
	r.dimensions = append(r.dimensions, meta)
}

// ProjectionHandlers returns every handler registered for eventType.
func (r *Registry) ProjectionHandlers(eventType string) []ProjectionHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProjectionHandler, len(r.projectionHandlers[eventType]))
	copy(out, r.projectionHandlers[eventType])
	return out
}

// RegisteredEventTypes lists every event type with at least one projection
// handler bound, sorted for stable output.
func (r *Registry) RegisteredEventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.projectionHandlers))
	for t := range r.projectionHandlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Dimensions returns the metadata for every registered projection handler,
// used by the quality engine to describe which dimensions a repair
// proposal's projection_impact touches.
func (r *Registry) Dimensions() []DimensionMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DimensionMeta, len(r.dimensions))
	copy(out, r.dimensions)
	return out
}

// DimensionsForEventType returns every dimension whose EventTypes includes
// eventType, used by the quality engine's simulate bridge to resolve which
// handlers would fire for a proposed event without actually running them
// (spec §4.6.3).
func (r *Registry) DimensionsForEventType(eventType string) []DimensionMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []DimensionMeta
	for _, meta := range r.dimensions {
		for _, et := range meta.EventTypes {
			if et == eventType {
				out = append(out, meta)
				break
			}
		}
	}
	return out
}

// ReplayEventTypesFor returns the union of EventTypes across every dimension
// that reacts to eventType. A full-recompute handler generally needs its
// whole source-event-type set in view at once — not just the event that
// happened to trigger the job — so a retraction or correction sitting on a
// different event type than the one that fired still gets overlaid
// correctly by resolver.Resolve (spec §4.3's idempotent-recompute
// contract).
func (r *Registry) ReplayEventTypesFor(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, meta := range r.dimensions {
		triggers := false
		for _, et := range meta.EventTypes {
			if et == eventType {
				triggers = true
				break
			}
		}
		if !triggers {
			continue
		}
		for _, et := range meta.EventTypes {
			if !seen[et] {
				seen[et] = true
				out = append(out, et)
			}
		}
	}
	sort.Strings(out)
	return out
}
