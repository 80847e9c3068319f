// Package bodycomposition implements the body-composition projection
// dimension: a single overview tracking weight and measurements with
// per-field anomaly bounds, grounded on the bodyweight.logged/
// measurement.logged event shapes documented in
// original_source/workers/src/kura_workers/event_conventions.py.
package bodycomposition

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
const ProjectionType = "body_composition"

// ProjectionKey is the single key this dimension ever writes.
const ProjectionKey = "overview"

// plausibleWeightMinKG/MaxKG bound a physiologically plausible adult
// bodyweight reading; readings outside this range are flagged rather than
// dropped, so the raw history is never silently altered.
const (
	plausibleWeightMinKG = 30.0
	plausibleWeightMaxKG = 300.0
	// dayOverDayJumpKG is the day-over-day change (within 2 days) that
	// flags a bodyweight anomaly.
	dayOverDayJumpKG = 5.0
	anomalyWindow     = 2 * 24 * time.Hour
)

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
}

// Dimension returns the registry metadata for bootstrap registration.
func Dimension() registry.DimensionMeta {
	return registry.DimensionMeta{
		Name:           "body_composition",
		EventTypes:     []string{"bodyweight.logged", "measurement.logged", "set.corrected", "event.retracted"},
		ProjectionType: ProjectionType,
	}
}

type weightSample struct {
	eventID    string
	occurredAt time.Time
	weightKG   float64
}

// NewHandler returns the ProjectionHandler for this dimension.
func NewHandler(store ProjectionWriter) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		resolved := resolver.Resolve(events)

		var weights []weightSample
		measurementsByType := map[string][]domain.Event{}
		var sourceIDs []string

		for _, ev := range resolved {
			sourceIDs = append(sourceIDs, ev.ID)
			switch ev.EventType {
			case "bodyweight.logged":
				if v, ok := ev.Data["weight_kg"].(float64); ok {
					weights = append(weights, weightSample{eventID: ev.ID, occurredAt: ev.OccurredAt, weightKG: v})
				}
			case "measurement.logged":
				t, _ := ev.Data["type"].(string)
				if t != "" {
					measurementsByType[t] = append(measurementsByType[t], ev)
				}
			}
		}
		sort.Slice(weights, func(i, j int) bool { return weights[i].occurredAt.Before(weights[j].occurredAt) })

		value := map[string]any{
			"weight":       buildWeightSummary(weights),
			"measurements": buildMeasurementSummary(measurementsByType),
			"anomalies":    detectWeightAnomalies(weights),
		}

		return store.UpsertProjection(ctx, domain.Projection{
			UserID: userID, ProjectionType: ProjectionType, Key: ProjectionKey,
			Value: value, SourceEventIDs: sourceIDs,
		})
	}
}

func buildWeightSummary(weights []weightSample) map[string]any {
	if len(weights) == 0 {
		return map[string]any{"sample_count": 0}
	}
	latest := weights[len(weights)-1]
	var sum float64
	for _, w := range weights {
		sum += w.weightKG
	}
	return map[string]any{
		"latest_kg":    latest.weightKG,
		"latest_at":    latest.occurredAt,
		"avg_kg":       round1(sum / float64(len(weights))),
		"sample_count": len(weights),
	}
}

func buildMeasurementSummary(byType map[string][]domain.Event) map[string]any {
	out := make(map[string]any, len(byType))
	for t, events := range byType {
		sort.Slice(events, func(i, j int) bool { return events[i].OccurredAt.Before(events[j].OccurredAt) })
		latestEvent := events[len(events)-1]
		latest, _ := latestEvent.Data["value_cm"].(float64)
		out[t] = map[string]any{
			"latest_cm": latest, "latest_at": latestEvent.OccurredAt, "sample_count": len(events),
		}
	}
	return out
}

// detectWeightAnomalies flags out-of-plausible-range readings and
// day-over-day jumps exceeding dayOverDayJumpKG within anomalyWindow.
func detectWeightAnomalies(weights []weightSample) []map[string]any {
	var anomalies []map[string]any
	for _, w := range weights {
		if w.weightKG < plausibleWeightMinKG || w.weightKG > plausibleWeightMaxKG {
			anomalies = append(anomalies, map[string]any{
				"event_id": w.eventID, "type": "implausible_weight", "weight_kg": w.weightKG,
			})
		}
	}
	for i := 1; i < len(weights); i++ {
		prev, cur := weights[i-1], weights[i]
		if cur.occurredAt.Sub(prev.occurredAt) > anomalyWindow {
			continue
		}
		if math.Abs(cur.weightKG-prev.weightKG) > dayOverDayJumpKG {
			anomalies = append(anomalies, map[string]any{
				"event_id": cur.eventID, "type": "day_over_day_jump",
				"from_kg": prev.weightKG, "to_kg": cur.weightKG,
			})
		}
	}
	return anomalies
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

// ManifestContribution summarizes this dimension's state for the
// user_profile aggregator: the latest weight sample, if any.
func ManifestContribution(events []domain.Event) map[string]any {
	resolved := resolver.Resolve(events)
	var latest *weightSample
	for _, ev := range resolved {
		if ev.EventType != "bodyweight.logged" {
			continue
		}
		v, ok := ev.Data["weight_kg"].(float64)
		if !ok {
			continue
		}
		if latest == nil || ev.OccurredAt.After(latest.occurredAt) {
			latest = &weightSample{occurredAt: ev.OccurredAt, weightKG: v}
		}
	}
	if latest == nil {
		return map[string]any{"has_weight_data": false}
	}
	return map[string]any{"has_weight_data": true, "latest_weight_kg": latest.weightKG, "latest_at": latest.occurredAt}
}
