// Package recovery implements the recovery projection dimension: a single
// overview aggregating sleep, soreness, and energy signals, grounded on the
// sleep.logged/soreness.logged/energy.logged event shapes documented in
// original_source/workers/src/kura_workers/event_conventions.py.
package recovery

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
const ProjectionType = "recovery"

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
		Name:           "recovery",
		EventTypes:     []string{"sleep.logged", "soreness.logged", "energy.logged", "set.corrected", "event.retracted"},
		ProjectionType: ProjectionType,
	}
}

// NewHandler returns the ProjectionHandler for this dimension.
func NewHandler(store ProjectionWriter) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		resolved := resolver.Resolve(events)

		var sleeps, sorenesses, energies []domain.Event
		var sourceIDs []string
		for _, ev := range resolved {
			sourceIDs = append(sourceIDs, ev.ID)
			switch ev.EventType {
			case "sleep.logged":
				sleeps = append(sleeps, ev)
			case "soreness.logged":
				sorenesses = append(sorenesses, ev)
			case "energy.logged":
				energies = append(energies, ev)
			}
		}

		value := map[string]any{
			"sleep":     buildSleepSummary(sleeps),
			"soreness":  buildSorenessSummary(sorenesses),
			"energy":    buildEnergySummary(energies),
			"daily_log": buildDailyLog(sleeps, sorenesses, energies),
		}

		return store.UpsertProjection(ctx, domain.Projection{
			UserID: userID, ProjectionType: ProjectionType, Key: ProjectionKey,
			Value: value, SourceEventIDs: sourceIDs,
		})
	}
}

func buildSleepSummary(events []domain.Event) map[string]any {
	if len(events) == 0 {
		return map[string]any{"sample_count": 0}
	}
	var sumDuration, sumQuality float64
	qualityCount := 0
	for _, ev := range events {
		if v, ok := ev.Data["duration_hours"].(float64); ok {
			sumDuration += v
		}
		if v, ok := ev.Data["quality"].(float64); ok {
			sumQuality += v
			qualityCount++
		}
	}
	avg := map[string]any{"avg_duration_hours": round1(sumDuration / float64(len(events)))}
	if qualityCount > 0 {
		avg["avg_quality"] = round1(sumQuality / float64(qualityCount))
	}
	avg["sample_count"] = len(events)
	return avg
}

func buildSorenessSummary(events []domain.Event) map[string]any {
	if len(events) == 0 {
		return map[string]any{"sample_count": 0}
	}
	var sumSeverity float64
	byArea := map[string]int{}
	for _, ev := range events {
		if v, ok := ev.Data["severity"].(float64); ok {
			sumSeverity += v
		}
		if area, ok := ev.Data["area"].(string); ok && area != "" {
			byArea[area]++
		}
	}
	return map[string]any{
		"avg_severity": round1(sumSeverity / float64(len(events))),
		"by_area":      byArea,
		"sample_count": len(events),
	}
}

func buildEnergySummary(events []domain.Event) map[string]any {
	if len(events) == 0 {
		return map[string]any{"sample_count": 0}
	}
	var sum float64
	for _, ev := range events {
		if v, ok := ev.Data["level"].(float64); ok {
			sum += v
		}
	}
	return map[string]any{
		"avg_level":    round1(sum / float64(len(events))),
		"sample_count": len(events),
	}
}

// buildDailyLog folds the three signal types into a per-day recovery log,
// bounded to the most recent 30 days.
func buildDailyLog(sleeps, sorenesses, energies []domain.Event) []map[string]any {
	byDay := map[string]map[string]any{}
	dayOf := func(t time.Time) string { return t.UTC().Format("2006-01-02") }

	ensure := func(day string) map[string]any {
		if _, ok := byDay[day]; !ok {
			byDay[day] = map[string]any{"day": day}
		}
		return byDay[day]
	}

	for _, ev := range sleeps {
		day := ensure(dayOf(ev.OccurredAt))
		if v, ok := ev.Data["duration_hours"].(float64); ok {
			day["sleep_duration_hours"] = v
		}
		if v, ok := ev.Data["quality"].(float64); ok {
			day["sleep_quality"] = v
		}
	}
	for _, ev := range sorenesses {
		day := ensure(dayOf(ev.OccurredAt))
		if v, ok := ev.Data["severity"].(float64); ok {
			day["soreness_severity"] = v
		}
	}
	for _, ev := range energies {
		day := ensure(dayOf(ev.OccurredAt))
		if v, ok := ev.Data["level"].(float64); ok {
			day["energy_level"] = v
		}
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
		out = append(out, byDay[k])
	}
	return out
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

// ManifestContribution summarizes this dimension's state for the
// user_profile aggregator: recent sleep/energy/soreness sample counts.
func ManifestContribution(events []domain.Event) map[string]any {
	resolved := resolver.Resolve(events)
	counts := map[string]int{}
	for _, ev := range resolved {
		switch ev.EventType {
		case "sleep.logged", "soreness.logged", "energy.logged":
			counts[ev.EventType]++
		}
	}
	return map[string]any{"sample_counts": counts}
}
