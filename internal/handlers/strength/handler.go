// Package strength implements the strength-inference projection dimension:
// per canonical exercise, aggregates best estimated 1RM per session/day and
// fits the Bayesian linear trend in internal/inference to produce a
// forecast plus plateau/improving probabilities.
package strength

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kurahq/kura/internal/aliasmap"
	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/handlers/sessionexpand"
	"github.com/kurahq/kura/internal/inference"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/resolver"
)

// ProjectionType is the projection_type this handler writes.
const ProjectionType = "strength"

const (
	engineName         = "strength_bayesian_linear"
	forecastDays       = 14
	plateauSlopePerDay = 0.05 // kg/day; slopes above this are capped before CI reporting
)

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
	DeleteProjection(ctx context.Context, userID, projectionType, key string) error
}

// Dimension returns the registry metadata for bootstrap registration.
func Dimension() registry.DimensionMeta {
	return registry.DimensionMeta{
		Name:           "strength",
		EventTypes:     []string{"set.logged", "session.logged", "set.corrected", "event.retracted", "exercise.alias_created"},
		ProjectionType: ProjectionType,
	}
}

type oneRMSample struct {
	eventID    string
	occurredAt time.Time
	e1RM       float64
}

// NewHandler returns the ProjectionHandler for this dimension.
func NewHandler(store ProjectionWriter, recorder inference.RunRecorder) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		resolved := resolver.Resolve(events)
		aliases := aliasmap.BuildFromEvents(resolved)

		byExercise := map[string][]oneRMSample{}
		sourceIDs := map[string][]string{}
		staleKeys := map[string]bool{}

		collect := func(rawTerm string, s oneRMSample) {
			if rawTerm == "" {
				return
			}
			canonical := rawTerm
			if c, ok := aliasmap.Resolve(aliases, rawTerm); ok {
				canonical = c
				if canonical != rawTerm {
					staleKeys[rawTerm] = true
				}
			}
			byExercise[canonical] = append(byExercise[canonical], s)
			sourceIDs[canonical] = append(sourceIDs[canonical], s.eventID)
		}

		for _, ev := range resolved {
			switch ev.EventType {
			case "set.logged":
				exerciseID, _ := ev.Data["exercise_id"].(string)
				weight, _ := ev.Data["weight_kg"].(float64)
				reps, _ := ev.Data["reps"].(float64)
				rpe, hasRPE := ev.Data["rpe"].(float64)
				collect(exerciseID, oneRMSample{
					eventID: ev.ID, occurredAt: ev.OccurredAt,
					e1RM: estimatedOneRM(weight, reps, rpe, hasRPE),
				})
			case "session.logged":
				for _, s := range sessionexpand.ExpandEvent(ev) {
					if s.ExerciseID == "" || s.WeightKG == nil || s.Reps == nil {
						continue
					}
					var rpe float64
					var hasRPE bool
					if s.RPE != nil {
						rpe, hasRPE = *s.RPE, true
					}
					collect(s.ExerciseID, oneRMSample{
						eventID: ev.ID, occurredAt: ev.OccurredAt,
						e1RM: estimatedOneRM(*s.WeightKG, float64(*s.Reps), rpe, hasRPE),
					})
				}
			}
		}

		for exerciseID := range byExercise {
			delete(staleKeys, exerciseID)
		}

		for exerciseID, samples := range byExercise {
			ids := sourceIDs[exerciseID]
			sort.Strings(ids)

			value := buildProjectionValue(ctx, userID, exerciseID, samples, recorder)
			if err := store.UpsertProjection(ctx, domain.Projection{
				UserID: userID, ProjectionType: ProjectionType, Key: exerciseID,
				Value: value, SourceEventIDs: ids,
			}); err != nil {
				return err
			}
		}

		for staleKey := range staleKeys {
			if err := store.DeleteProjection(ctx, userID, ProjectionType, staleKey); err != nil {
				return err
			}
		}
		return nil
	}
}

// estimatedOneRM applies the Epley formula, adjusted for RPE-implied
// reps-in-reserve, matching exerciseprogression's convention.
func estimatedOneRM(weightKG, reps, rpe float64, hasRPE bool) float64 {
	effectiveReps := reps
	if hasRPE && rpe > 0 {
		if reserve := 10 - rpe; reserve > 0 {
			effectiveReps += reserve
		}
	}
	if effectiveReps <= 0 {
		return weightKG
	}
	return weightKG * (1 + effectiveReps/30)
}

// buildProjectionValue reduces one exercise's samples to a daily best-e1RM
// series, fits the Bayesian linear trend, and derives plateau/improving
// probabilities from the slope posterior via NormalCDF.
func buildProjectionValue(ctx context.Context, userID, exerciseID string, samples []oneRMSample, recorder inference.RunRecorder) map[string]any {
	byDay := map[string]float64{}
	var earliest time.Time
	for _, s := range samples {
		if earliest.IsZero() || s.occurredAt.Before(earliest) {
			earliest = s.occurredAt
		}
	}
	for _, s := range samples {
		day := s.occurredAt.UTC().Format("2006-01-02")
		if cur, ok := byDay[day]; !ok || s.e1RM > cur {
			byDay[day] = s.e1RM
		}
	}

	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)

	obs := make([]inference.StrengthObservation, 0, len(days))
	for _, d := range days {
		t, _ := time.Parse("2006-01-02", d)
		offset := t.Sub(earliest.UTC().Truncate(24 * time.Hour)).Hours() / 24
		obs = append(obs, inference.StrengthObservation{DayOffset: offset, EstOneRM: byDay[d]})
	}

	started := time.Now()
	result, ok := inference.ClosedFormStrength(obs, forecastDays, plateauSlopePerDay)

	var trend map[string]any
	var runErr error
	if !ok {
		runErr = fmt.Errorf("insufficient data: need at least 3 distinct days, observed %d", len(obs))
	} else {
		sigma := math.Sqrt(result.SlopeVar)
		plateauProb := inference.NormalCDF(0.01, result.SlopeMean, sigma)
		improvingProb := 1 - inference.NormalCDF(0, result.SlopeMean, sigma)
		trend = map[string]any{
			"intercept_mean":        round1(result.InterceptMean),
			"slope_mean":            round2(result.SlopeMean),
			"ci_95_low":             round2(result.CI95Low),
			"ci_95_high":            round2(result.CI95High),
			"forecast":              roundSlice(result.Forecast),
			"plateau_probability":   round2(plateauProb),
			"improving_probability": round2(improvingProb),
		}
	}

	if recorder != nil {
		output := map[string]any{}
		if ok {
			output = trend
		}
		_ = inference.SafeRecordRun(ctx, recorder, userID, engineName, started,
			map[string]any{"exercise_id": exerciseID, "observation_count": len(obs)}, output, runErr)
	}

	return map[string]any{
		"daily_best_e1rm": dailySeries(days, byDay),
		"trend":           trend,
	}
}

func dailySeries(days []string, byDay map[string]float64) []map[string]any {
	out := make([]map[string]any, 0, len(days))
	for _, d := range days {
		out = append(out, map[string]any{"day": d, "e1rm": round1(byDay[d])})
	}
	return out
}

func roundSlice(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = round1(v)
	}
	return out
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }
func round2(f float64) float64 { return math.Round(f*100) / 100 }

// ManifestContribution summarizes this dimension's state for the
// user_profile aggregator: the number of canonical exercises with a
// strength trend in progress.
func ManifestContribution(events []domain.Event) map[string]any {
	resolved := resolver.Resolve(events)
	aliases := aliasmap.BuildFromEvents(resolved)
	seen := map[string]bool{}
	for _, ev := range resolved {
		if ev.EventType != "set.logged" {
			continue
		}
		exerciseID, _ := ev.Data["exercise_id"].(string)
		if c, ok := aliasmap.Resolve(aliases, exerciseID); ok {
			exerciseID = c
		}
		if exerciseID != "" {
			seen[exerciseID] = true
		}
	}
	return map[string]any{"tracked_exercise_count": len(seen)}
}
