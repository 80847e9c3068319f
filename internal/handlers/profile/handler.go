// Package profile implements the user-profile projection dimension: the
// three-layer system/user/agenda envelope, grounded on the
// profile.updated / preference.set / goal.set / injury.reported event
// shapes documented in
// original_source/workers/src/kura_workers/event_conventions.py.
//
// profile.updated carries tri-state baseline fields: a field absent from
// Data means "not mentioned, leave unchanged"; a field present with value
// nil (explicit JSON null) means "clear this field"; a field present with a
// concrete value means "set it". The "_deferred" suffix convention in the
// original marks fields the UI collects progressively — this projection
// treats a "<field>_deferred": true marker the same as the field being
// absent, since no value was actually supplied yet.
//
// Unlike every other dimension, user_profile is the aggregator: rather than
// recomputing from whatever replay-filtered event slice triggered it, it
// reads the user's full event tail and asks the registry for the
// system-wide capability list and each dimension's manifest contribution.
package profile

import (
	"context"
	"sort"
	"strings"

	"github.com/kurahq/kura/internal/aliasmap"
	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/quality"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/resolver"
)

// ProjectionType is the projection_type this handler writes, under the
// fixed key "profile" (one profile per user).
const ProjectionType = "user_profile"

// ProjectionKey is the single key this dimension ever writes.
const ProjectionKey = "profile"

var baselineFields = []string{
	"display_name", "date_of_birth", "sex", "height_cm", "experience_level",
	"training_goal_summary", "timezone", "units",
}

// interviewAreas are the onboarding-interview topics the agenda layer
// tracks coverage for.
var interviewAreas = []string{"baseline", "goals", "injuries", "preferences", "training_history"}

// eventConventions is the static, identical-for-every-user catalog the
// system layer surfaces, condensed from
// original_source/workers/src/kura_workers/event_conventions.py.
var eventConventions = map[string]string{
	"set.logged":                 "A single logged resistance-training set (exercise, weight, reps, optional RPE).",
	"session.logged":              "A full training session expressed as exercise blocks, expanded into synthetic sets.",
	"set.corrected":               "A field-level correction overlay onto a previously logged event.",
	"event.retracted":             "Nullifies a previously recorded event.",
	"profile.updated":             "Tri-state baseline profile fields (absent = unchanged, null = clear, value = set).",
	"preference.set":              "A single user preference key/value pair.",
	"goal.set":                    "A training or outcome goal the user has stated.",
	"injury.reported":             "A reported injury or physical limitation.",
	"exercise.alias_created":      "Maps a user-supplied exercise term to a canonical exercise key.",
	"bodyweight.logged":           "A body weight measurement.",
	"measurement.logged":          "A body measurement (waist, chest, arm, etc.).",
	"sleep.logged":                "A night's sleep entry (duration, quality, bed/wake time).",
	"soreness.logged":             "A muscle soreness report.",
	"energy.logged":               "A subjective energy level report.",
	"meal.logged":                 "A nutrition entry for a single meal.",
	"nutrition_target.set":        "Daily nutrition targets.",
	"training_plan.created":       "Creates a new training plan.",
	"training_plan.updated":       "Delta-merges an existing training plan.",
	"training_plan.archived":      "Archives a training plan.",
	"projection_rule.created":     "Defines a custom projection rule.",
	"projection_rule.archived":    "Archives a custom projection rule.",
	"workflow.onboarding.closed":  "Marks the onboarding interview complete.",
}

// EventReader is the subset of eventstore.Store this handler needs to read
// the user's complete event tail, independent of whatever triggered this
// recompute.
type EventReader interface {
	ForUser(ctx context.Context, userID string) ([]domain.Event, error)
}

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
}

// Store is the full persistence dependency this handler needs.
type Store interface {
	EventReader
	ProjectionWriter
}

// ManifestSource is the subset of registry.Registry the system and user
// layers read: the static dimension list, and each dimension's registered
// manifest contributor.
type ManifestSource interface {
	Dimensions() []registry.DimensionMeta
	ManifestContributors() map[string]registry.ManifestContributor
}

// Dimension returns the registry metadata for bootstrap registration.
func Dimension() registry.DimensionMeta {
	return registry.DimensionMeta{
		Name: "user_profile",
		EventTypes: []string{
			"profile.updated", "preference.set", "goal.set", "injury.reported",
			"set.corrected", "event.retracted", "workflow.onboarding.closed", "exercise.alias_created",
		},
		ProjectionType: ProjectionType,
	}
}

// NewHandler returns the ProjectionHandler for this dimension. The events
// slice the registry passes in is ignored in favor of store.ForUser: the
// aggregator needs the complete event tail, not just the subset that
// triggers its own dimension.
func NewHandler(store Store, reg ManifestSource) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, _ []domain.Event) error {
		all, err := store.ForUser(ctx, userID)
		if err != nil {
			return err
		}
		resolved := resolver.Resolve(all)
		aliases := aliasmap.BuildFromEvents(resolved)

		baseline := map[string]any{}
		preferences := map[string]any{}
		var goals, injuries []any
		onboardingClosed := false
		var sourceIDs []string

		for _, ev := range resolved {
			sourceIDs = append(sourceIDs, ev.ID)
			switch ev.EventType {
			case "profile.updated":
				applyBaselineFields(baseline, ev.Data)
			case "preference.set":
				key, _ := ev.Data["key"].(string)
				if key == "" {
					continue
				}
				if val, present := ev.Data["value"]; present {
					if val == nil {
						delete(preferences, key)
					} else {
						preferences[key] = val
					}
				}
			case "goal.set":
				goals = append(goals, ev.Data)
			case "injury.reported":
				injuries = append(injuries, ev.Data)
			case "workflow.onboarding.closed":
				onboardingClosed = true
			}
		}

		aliasEntries := buildAliasEntries(resolved)
		catalog := quality.DefaultCatalog()
		issues := quality.DetectAll(userID, resolved, aliases, catalog)

		value := map[string]any{
			"system": buildSystemLayer(reg),
			"user":   buildUserLayer(baseline, preferences, goals, injuries, aliasEntries, reg, resolved, issues),
			"agenda": buildAgendaLayer(baseline, goals, onboardingClosed, aliasEntries),
		}

		return store.UpsertProjection(ctx, domain.Projection{
			UserID: userID, ProjectionType: ProjectionType, Key: ProjectionKey,
			Value: value, SourceEventIDs: sourceIDs,
		})
	}
}

func applyBaselineFields(profile map[string]any, data map[string]any) {
	for _, field := range baselineFields {
		if deferred, ok := data[field+"_deferred"].(bool); ok && deferred {
			continue
		}
		val, present := data[field]
		if !present {
			continue
		}
		if val == nil {
			delete(profile, field)
			continue
		}
		profile[field] = val
	}
}

// buildSystemLayer reports the static, user-independent capability surface:
// every registered dimension, the event-type glossary, and the interview
// guide.
func buildSystemLayer(reg ManifestSource) map[string]any {
	dims := reg.Dimensions()
	capabilities := make([]map[string]any, 0, len(dims))
	for _, d := range dims {
		capabilities = append(capabilities, map[string]any{
			"name": d.Name, "projection_type": d.ProjectionType, "event_types": d.EventTypes,
		})
	}
	return map[string]any{
		"capabilities":      capabilities,
		"event_conventions": eventConventions,
		"interview_guide":   interviewAreas,
	}
}

// buildUserLayer reports this user's current state: baseline/preferences/
// goals/injuries, exercise aliases with confidence, each dimension's
// manifest contribution, interview coverage per area, and any open
// data-quality items.
func buildUserLayer(
	baseline, preferences map[string]any, goals, injuries []any,
	aliasEntries []map[string]any, reg ManifestSource, events []domain.Event,
	issues []domain.QualityIssue,
) map[string]any {
	contributors := reg.ManifestContributors()
	manifest := make(map[string]any, len(contributors))
	for name, contribute := range contributors {
		manifest[name] = contribute(events)
	}

	coverage := map[string]bool{
		"baseline":         len(baseline) > 0,
		"goals":            len(goals) > 0,
		"injuries":         len(injuries) > 0,
		"preferences":      len(preferences) > 0,
		"training_history": hasTrainingHistory(events),
	}

	dataQualityItems := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		dataQualityItems = append(dataQualityItems, map[string]any{
			"issue_id": issue.IssueID, "severity": issue.Severity, "detail": issue.Detail,
		})
	}

	return map[string]any{
		"baseline":           baseline,
		"preferences":        preferences,
		"goals":               goals,
		"injuries":            injuries,
		"aliases":             aliasEntries,
		"dimension_manifest":  manifest,
		"interview_coverage":  coverage,
		"data_quality_items":  dataQualityItems,
	}
}

func hasTrainingHistory(events []domain.Event) bool {
	for _, ev := range events {
		if ev.EventType == "set.logged" || ev.EventType == "session.logged" {
			return true
		}
	}
	return false
}

// buildAgendaLayer derives proactive priority items: things the agent
// should surface to the user next.
func buildAgendaLayer(baseline map[string]any, goals []any, onboardingClosed bool, aliasEntries []map[string]any) []map[string]any {
	var items []map[string]any
	if !onboardingClosed {
		items = append(items, map[string]any{"type": "onboarding_needed", "priority": "high"})
	}
	if len(baseline) == 0 {
		items = append(items, map[string]any{"type": "profile_refresh_suggested", "priority": "medium"})
	}
	if len(goals) == 0 {
		items = append(items, map[string]any{"type": "goal_needed", "priority": "medium"})
	}
	for _, a := range aliasEntries {
		confidence, _ := a["confidence"].(string)
		if confidence != "" && confidence != "confirmed" {
			items = append(items, map[string]any{
				"type": "confirm_alias", "priority": "low", "alias": a["alias"], "exercise_id": a["exercise_id"],
			})
		}
	}
	return items
}

// buildAliasEntries returns the most recent exercise.alias_created event
// per (normalized) alias term, with its declared confidence, sorted by
// alias for stable output.
func buildAliasEntries(events []domain.Event) []map[string]any {
	latest := make(map[string]domain.Event)
	for _, ev := range events {
		if ev.EventType != "exercise.alias_created" {
			continue
		}
		alias, _ := ev.Data["alias"].(string)
		if alias == "" {
			continue
		}
		latest[strings.ToLower(strings.TrimSpace(alias))] = ev
	}

	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		ev := latest[k]
		out = append(out, map[string]any{
			"alias": ev.Data["alias"], "exercise_id": ev.Data["exercise_id"], "confidence": ev.Data["confidence"],
		})
	}
	return out
}
