// Package causal implements the causal-inference projection dimension:
// rolling daily context (sleep, energy, soreness, load, protein, calories)
// windowed into inverse-probability-weighted samples for three candidate
// interventions, passed to the estimator in internal/inference.
package causal

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/handlers/sessionexpand"
	"github.com/kurahq/kura/internal/inference"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/resolver"
)

// ProjectionType is the projection_type this handler writes.
const ProjectionType = "causal"

// ProjectionKey is the single key this dimension ever writes.
const ProjectionKey = "overview"

const (
	engineName = "causal_ipw"
	// historyDaysRequired is 7 past days plus the current day plus the next
	// day, the minimum window an IPW sample needs around a candidate
	// intervention day.
	historyDaysRequired = 9
	minSamplesPerArm     = 3
)

// Intervention is one candidate causal question this dimension evaluates.
type Intervention string

const (
	InterventionProgramChange      Intervention = "program_change"
	InterventionNutritionShift     Intervention = "nutrition_shift"
	InterventionSleepIntervention  Intervention = "sleep_intervention"
)

var interventions = []Intervention{InterventionProgramChange, InterventionNutritionShift, InterventionSleepIntervention}

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
}

// Dimension returns the registry metadata for bootstrap registration.
func Dimension() registry.DimensionMeta {
	return registry.DimensionMeta{
		Name: "causal",
		EventTypes: []string{
			"sleep.logged", "energy.logged", "soreness.logged", "set.logged", "session.logged",
			"meal.logged", "training_plan.created", "training_plan.updated", "set.corrected", "event.retracted",
		},
		ProjectionType: ProjectionType,
	}
}

// dayContext is one day's rolling context vector.
type dayContext struct {
	day            string
	sleepHours     float64
	energyLevel    float64
	sorenessLevel  float64
	setCount       int
	proteinG       float64
	calories       float64
	programChanged bool
	sleepShift     bool
}

// NewHandler returns the ProjectionHandler for this dimension.
func NewHandler(store ProjectionWriter, recorder inference.RunRecorder) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		resolved := resolver.Resolve(events)
		dailyCtx := buildDailyContext(resolved)
		days := sortedDays(dailyCtx)

		results := map[string]any{}
		for _, interv := range interventions {
			started := time.Now()
			samples := buildSamples(interv, days, dailyCtx)
			result, err := inference.IPWAverageTreatmentEffect(samples, minSamplesPerArm)

			var entry map[string]any
			if err == nil {
				entry = map[string]any{
					"ate":       round2(result.ATE),
					"treated_n": result.TreatedN,
					"control_n": result.ControlN,
				}
			}
			if recorder != nil {
				output := map[string]any{}
				if entry != nil {
					output = entry
				}
				_ = inference.SafeRecordRun(ctx, recorder, userID, engineName, started,
					map[string]any{"intervention": string(interv), "sample_count": len(samples)}, output, err)
			}
			results[string(interv)] = entry
		}

		var sourceIDs []string
		for _, ev := range resolved {
			sourceIDs = append(sourceIDs, ev.ID)
		}
		value := map[string]any{"interventions": results}
		return store.UpsertProjection(ctx, domain.Projection{
			UserID: userID, ProjectionType: ProjectionType, Key: ProjectionKey,
			Value: value, SourceEventIDs: sourceIDs,
		})
	}
}

func buildDailyContext(events []domain.Event) map[string]*dayContext {
	byDay := map[string]*dayContext{}
	dayOf := func(t time.Time) string { return t.UTC().Format("2006-01-02") }
	ensure := func(day string) *dayContext {
		c, ok := byDay[day]
		if !ok {
			c = &dayContext{day: day}
			byDay[day] = c
		}
		return c
	}

	for _, ev := range events {
		day := dayOf(ev.OccurredAt)
		switch ev.EventType {
		case "sleep.logged":
			c := ensure(day)
			if v, ok := ev.Data["duration_hours"].(float64); ok {
				c.sleepHours = v
			}
			if v, ok := ev.Data["bed_time"].(string); ok && v != "" {
				c.sleepShift = true
			}
		case "energy.logged":
			if v, ok := ev.Data["level"].(float64); ok {
				ensure(day).energyLevel = v
			}
		case "soreness.logged":
			if v, ok := ev.Data["severity"].(float64); ok {
				ensure(day).sorenessLevel = v
			}
		case "set.logged":
			ensure(day).setCount++
		case "session.logged":
			ensure(day).setCount += len(sessionexpand.ExpandEvent(ev))
		case "meal.logged":
			c := ensure(day)
			if v, ok := ev.Data["protein_g"].(float64); ok {
				c.proteinG += v
			}
			if v, ok := ev.Data["calories"].(float64); ok {
				c.calories += v
			}
		case "training_plan.created", "training_plan.updated":
			ensure(day).programChanged = true
		}
	}
	return byDay
}

func sortedDays(byDay map[string]*dayContext) []string {
	out := make([]string, 0, len(byDay))
	for d := range byDay {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// buildSamples forms one IPW observation per eligible day: treatment flag
// from the day's own context, outcome from the next day's readiness proxy
// (energy level, as a stand-in absent a cross-dimension read), and a
// uniform propensity estimated from the empirical treatment rate across the
// window (spec §4.4.6's baseline+current confounder set, simplified to the
// scalar propensity the IPW estimator consumes).
func buildSamples(interv Intervention, days []string, byDay map[string]*dayContext) []inference.CausalObservation {
	if len(days) < historyDaysRequired {
		return nil
	}

	treatedCount := 0
	for i := 7; i < len(days)-1; i++ {
		if treated(interv, byDay[days[i]]) {
			treatedCount++
		}
	}
	eligible := len(days) - 1 - 7
	if eligible <= 0 {
		return nil
	}
	propensity := clampPropensity(float64(treatedCount) / float64(eligible))

	var samples []inference.CausalObservation
	for i := 7; i < len(days)-1; i++ {
		cur := byDay[days[i]]
		next := byDay[days[i+1]]
		samples = append(samples, inference.CausalObservation{
			Treated:    treated(interv, cur),
			Propensity: propensity,
			Outcome:    next.energyLevel,
		})
	}
	return samples
}

func treated(interv Intervention, c *dayContext) bool {
	switch interv {
	case InterventionProgramChange:
		return c.programChanged
	case InterventionNutritionShift:
		return c.proteinG > 0 && c.calories > 0
	case InterventionSleepIntervention:
		return c.sleepShift
	default:
		return false
	}
}

// clampPropensity keeps the estimated propensity strictly inside (0,1), as
// IPWAverageTreatmentEffect discards observations at the boundary.
func clampPropensity(p float64) float64 {
	const eps = 0.05
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

// ManifestContribution summarizes this dimension's state for the
// user_profile aggregator: the number of days with enough context to form
// a causal sample window.
func ManifestContribution(events []domain.Event) map[string]any {
	resolved := resolver.Resolve(events)
	dailyCtx := buildDailyContext(resolved)
	return map[string]any{"context_day_count": len(dailyCtx), "history_days_required": historyDaysRequired}
}
