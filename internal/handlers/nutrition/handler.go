// Package nutrition implements the nutrition projection dimension: a single
// overview tracking meal logs against daily targets, grounded on the
// meal.logged/nutrition_target.set event shapes documented in
// original_source/workers/src/kura_workers/event_conventions.py.
package nutrition

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/resolver"
)

// ProjectionType is the projection_type this handler writes.
const ProjectionType = "nutrition"

// ProjectionKey is the single key this dimension ever writes.
const ProjectionKey = "overview"

const recentDaysWindow = 30

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
}

// Dimension returns the registry metadata for bootstrap registration.
func Dimension() registry.DimensionMeta {
	return registry.DimensionMeta{
		Name:           "nutrition",
		EventTypes:     []string{"meal.logged", "nutrition_target.set", "set.corrected", "event.retracted"},
		ProjectionType: ProjectionType,
	}
}

// NewHandler returns the ProjectionHandler for this dimension.
func NewHandler(store ProjectionWriter) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		resolved := resolver.Resolve(events)

		var meals []domain.Event
		var target domain.Event
		hasTarget := false
		var sourceIDs []string

		for _, ev := range resolved {
			sourceIDs = append(sourceIDs, ev.ID)
			switch ev.EventType {
			case "meal.logged":
				meals = append(meals, ev)
			case "nutrition_target.set":
				if !hasTarget || ev.OccurredAt.After(target.OccurredAt) {
					target, hasTarget = ev, true
				}
			}
		}

		value := map[string]any{
			"daily_log": buildDailyLog(meals),
			"target":    buildTarget(target, hasTarget),
		}

		return store.UpsertProjection(ctx, domain.Projection{
			UserID: userID, ProjectionType: ProjectionType, Key: ProjectionKey,
			Value: value, SourceEventIDs: sourceIDs,
		})
	}
}

func buildTarget(ev domain.Event, hasTarget bool) map[string]any {
	if !hasTarget {
		return nil
	}
	return map[string]any{
		"target_calories": numOrNil(ev.Data["target_calories"]),
		"target_protein_g": numOrNil(ev.Data["target_protein_g"]),
		"target_carbs_g":   numOrNil(ev.Data["target_carbs_g"]),
		"target_fat_g":     numOrNil(ev.Data["target_fat_g"]),
		"set_at":           ev.OccurredAt,
	}
}

func numOrNil(v any) any {
	if f, ok := v.(float64); ok {
		return f
	}
	return nil
}

// buildDailyLog totals calories/macros per day from logged meals, bounded
// to the most recent 30 days.
func buildDailyLog(meals []domain.Event) []map[string]any {
	type totals struct {
		calories, protein, carbs, fat float64
		mealCount                     int
	}
	byDay := map[string]*totals{}
	dayOf := func(t time.Time) string { return t.UTC().Format("2006-01-02") }

	for _, ev := range meals {
		day := dayOf(ev.OccurredAt)
		t, ok := byDay[day]
		if !ok {
			t = &totals{}
			byDay[day] = t
		}
		if v, ok := ev.Data["calories"].(float64); ok {
			t.calories += v
		}
		if v, ok := ev.Data["protein_g"].(float64); ok {
			t.protein += v
		}
		if v, ok := ev.Data["carbs_g"].(float64); ok {
			t.carbs += v
		}
		if v, ok := ev.Data["fat_g"].(float64); ok {
			t.fat += v
		}
		t.mealCount++
	}

	keys := make([]string, 0, len(byDay))
	for k := range byDay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > recentDaysWindow {
		keys = keys[len(keys)-recentDaysWindow:]
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		t := byDay[k]
		out = append(out, map[string]any{
			"day": k, "calories": round1(t.calories), "protein_g": round1(t.protein),
			"carbs_g": round1(t.carbs), "fat_g": round1(t.fat), "meal_count": t.mealCount,
		})
	}
	return out
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

// ManifestContribution summarizes this dimension's state for the
// user_profile aggregator: whether nutrition targets are set and how many
// meals have been logged.
func ManifestContribution(events []domain.Event) map[string]any {
	resolved := resolver.Resolve(events)
	mealCount := 0
	hasTarget := false
	for _, ev := range resolved {
		switch ev.EventType {
		case "meal.logged":
			mealCount++
		case "nutrition_target.set":
			hasTarget = true
		}
	}
	return map[string]any{"meal_count": mealCount, "has_target": hasTarget}
}
