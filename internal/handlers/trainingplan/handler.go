// Package trainingplan implements the training-plan projection dimension:
// the only prescriptive dimension, replaying training_plan.created/updated/
// archived events to reconstruct the currently active plan (the latest
// non-archived plan by creation time), grounded on the event shapes
// documented in
// original_source/workers/src/kura_workers/event_conventions.py.
package trainingplan

import (
	"context"
	"sort"

	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/resolver"
)

// ProjectionType is the projection_type this handler writes.
const ProjectionType = "training_plan"

// ProjectionKey is the single key this dimension ever writes.
const ProjectionKey = "overview"

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
}

// Dimension returns the registry metadata for bootstrap registration.
func Dimension() registry.DimensionMeta {
	return registry.DimensionMeta{
		Name:           "training_plan",
		EventTypes:     []string{"training_plan.created", "training_plan.updated", "training_plan.archived", "set.corrected", "event.retracted"},
		ProjectionType: ProjectionType,
	}
}

// plan is the mutable in-progress reconstruction of one training_plan.
type plan struct {
	planID    string
	createdAt domain.Event
	fields    map[string]any
	archived  bool
}

// NewHandler returns the ProjectionHandler for this dimension.
func NewHandler(store ProjectionWriter) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		resolved := resolver.Resolve(events)
		// Each dimension needs events in creation order so updates/archives
		// apply on top of the plan they target, regardless of the order the
		// triggering job happened to observe them in.
		ordered := make([]domain.Event, len(resolved))
		copy(ordered, resolved)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].OccurredAt.Before(ordered[j].OccurredAt) })

		plans := map[string]*plan{}
		var order []string
		var sourceIDs []string

		for _, ev := range ordered {
			sourceIDs = append(sourceIDs, ev.ID)
			planID, _ := ev.Data["plan_id"].(string)
			if planID == "" {
				continue
			}
			switch ev.EventType {
			case "training_plan.created":
				p := &plan{planID: planID, createdAt: ev, fields: cloneFields(ev.Data)}
				plans[planID] = p
				order = append(order, planID)
			case "training_plan.updated":
				p, ok := plans[planID]
				if !ok {
					continue
				}
				for k, v := range ev.Data {
					if k == "plan_id" {
						continue
					}
					p.fields[k] = v
				}
			case "training_plan.archived":
				if p, ok := plans[planID]; ok {
					p.archived = true
				}
			}
		}

		var active *plan
		for _, id := range order {
			p := plans[id]
			if p.archived {
				continue
			}
			if active == nil || p.createdAt.OccurredAt.After(active.createdAt.OccurredAt) {
				active = p
			}
		}

		value := map[string]any{"active_plan": nil}
		if active != nil {
			value["active_plan"] = buildPlanView(active)
		}

		return store.UpsertProjection(ctx, domain.Projection{
			UserID: userID, ProjectionType: ProjectionType, Key: ProjectionKey,
			Value: value, SourceEventIDs: sourceIDs,
		})
	}
}

func cloneFields(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func buildPlanView(p *plan) map[string]any {
	view := cloneFields(p.fields)
	view["plan_id"] = p.planID
	view["created_at"] = p.createdAt.OccurredAt
	return view
}

// ManifestContribution summarizes this dimension's state for the
// user_profile aggregator: whether an active plan exists and its name.
func ManifestContribution(events []domain.Event) map[string]any {
	resolved := resolver.Resolve(events)
	ordered := make([]domain.Event, len(resolved))
	copy(ordered, resolved)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].OccurredAt.Before(ordered[j].OccurredAt) })

	plans := map[string]*plan{}
	var order []string
	for _, ev := range ordered {
		planID, _ := ev.Data["plan_id"].(string)
		if planID == "" {
			continue
		}
		switch ev.EventType {
		case "training_plan.created":
			p := &plan{planID: planID, createdAt: ev, fields: cloneFields(ev.Data)}
			plans[planID] = p
			order = append(order, planID)
		case "training_plan.archived":
			if p, ok := plans[planID]; ok {
				p.archived = true
			}
		}
	}

	var active *plan
	for _, id := range order {
		p := plans[id]
		if p.archived {
			continue
		}
		if active == nil || p.createdAt.OccurredAt.After(active.createdAt.OccurredAt) {
			active = p
		}
	}
	if active == nil {
		return map[string]any{"has_active_plan": false}
	}
	name, _ := active.fields["name"].(string)
	return map[string]any{"has_active_plan": true, "plan_name": name}
}
