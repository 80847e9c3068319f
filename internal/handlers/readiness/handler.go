// Package readiness implements the readiness-inference projection
// dimension: a daily composite score folded from sleep, energy, soreness,
// and load signals, fed to the closed-form Bayesian posterior update in
// internal/inference.
package readiness

import (
	"context"
	"fmt"
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
const ProjectionType = "readiness"

// ProjectionKey is the single key this dimension ever writes.
const ProjectionKey = "overview"

const engineName = "readiness_closed_form"

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
}

// Dimension returns the registry metadata for bootstrap registration.
func Dimension() registry.DimensionMeta {
	return registry.DimensionMeta{
		Name: "readiness",
		EventTypes: []string{
			"sleep.logged", "energy.logged", "soreness.logged", "set.logged", "session.logged",
			"set.corrected", "event.retracted",
		},
		ProjectionType: ProjectionType,
	}
}

// NewHandler returns the ProjectionHandler for this dimension. recorder
// persists an audit row for every inference attempt, succeeded or not
// (spec §4.7); pass nil to skip telemetry (e.g. in tests).
func NewHandler(store ProjectionWriter, recorder inference.RunRecorder) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		resolved := resolver.Resolve(events)
		daily := buildDailySignals(resolved)

		days := sortedDayKeys(daily)
		obs := make([]inference.ReadinessObservation, 0, len(days))
		scores := make([]map[string]any, 0, len(days))
		for _, d := range days {
			s := daily[d]
			score := compositeScore(s)
			obs = append(obs, inference.ReadinessObservation{Value: score})
			scores = append(scores, map[string]any{"day": d, "score": round2(score)})
		}

		started := time.Now()
		result, ok := inference.ClosedFormReadiness(obs, 0.6, 0.05)

		var posterior map[string]any
		var runErr error
		if !ok {
			runErr = insufficientDataErr(len(obs))
		} else {
			posterior = map[string]any{
				"posterior_mean": round2(result.PosteriorMean),
				"ci_95_low":      round2(result.CI95Low),
				"ci_95_high":     round2(result.CI95High),
				"state":          categorize(result.PosteriorMean),
			}
		}

		if recorder != nil {
			input := map[string]any{"observation_count": len(obs)}
			output := map[string]any{}
			if ok {
				output = posterior
			}
			_ = inference.SafeRecordRun(ctx, recorder, userID, engineName, started, input, output, runErr)
		}

		value := map[string]any{
			"daily_scores": scores,
			"posterior":    posterior,
		}

		var sourceIDs []string
		for _, ev := range resolved {
			sourceIDs = append(sourceIDs, ev.ID)
		}
		return store.UpsertProjection(ctx, domain.Projection{
			UserID: userID, ProjectionType: ProjectionType, Key: ProjectionKey,
			Value: value, SourceEventIDs: sourceIDs,
		})
	}
}

// categorize maps a posterior mean to the categorical readiness state.
func categorize(mean float64) string {
	switch {
	case mean >= 0.72:
		return "high"
	case mean <= 0.45:
		return "low"
	default:
		return "moderate"
	}
}

// dailySignal accumulates the raw inputs observed for one day, before
// normalization into the [0,1] sub-scores the composite formula combines.
type dailySignal struct {
	sleepHours    []float64
	sleepQuality  []float64
	energyLevel   []float64
	sorenessLevel []float64
	setCount      int
}

func buildDailySignals(events []domain.Event) map[string]*dailySignal {
	byDay := map[string]*dailySignal{}
	dayOf := func(t time.Time) string { return t.UTC().Format("2006-01-02") }
	ensure := func(day string) *dailySignal {
		if _, ok := byDay[day]; !ok {
			byDay[day] = &dailySignal{}
		}
		return byDay[day]
	}

	for _, ev := range events {
		day := dayOf(ev.OccurredAt)
		switch ev.EventType {
		case "sleep.logged":
			s := ensure(day)
			if v, ok := ev.Data["duration_hours"].(float64); ok {
				s.sleepHours = append(s.sleepHours, v)
			}
			if v, ok := ev.Data["quality"].(float64); ok {
				s.sleepQuality = append(s.sleepQuality, v)
			}
		case "energy.logged":
			s := ensure(day)
			if v, ok := ev.Data["level"].(float64); ok {
				s.energyLevel = append(s.energyLevel, v)
			}
		case "soreness.logged":
			s := ensure(day)
			if v, ok := ev.Data["severity"].(float64); ok {
				s.sorenessLevel = append(s.sorenessLevel, v)
			}
		case "set.logged":
			ensure(day).setCount++
		case "session.logged":
			s := ensure(day)
			s.setCount += len(sessionexpand.ExpandEvent(ev))
		}
	}
	return byDay
}

// compositeScore folds one day's signals into the weighted readiness
// formula: s = clamp(0.45*sleep_score + 0.35*energy_score -
// 0.20*soreness_penalty - 0.15*load_penalty + 0.25, 0, 1). Missing inputs
// fall back to a neutral prior (0.5) so a partial day still yields a score.
func compositeScore(s *dailySignal) float64 {
	sleepScore := 0.5
	if len(s.sleepHours) > 0 {
		sleepScore = clamp01(avg(s.sleepHours) / 8.0)
	}
	energyScore := 0.5
	if len(s.energyLevel) > 0 {
		energyScore = clamp01(avg(s.energyLevel) / 10.0)
	}
	sorenessPenalty := 0.0
	if len(s.sorenessLevel) > 0 {
		sorenessPenalty = clamp01(avg(s.sorenessLevel) / 5.0)
	}
	loadPenalty := clamp01(float64(s.setCount) / 30.0)

	raw := 0.45*sleepScore + 0.35*energyScore - 0.20*sorenessPenalty - 0.15*loadPenalty + 0.25
	return clamp01(raw)
}

func avg(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func sortedDayKeys(m map[string]*dailySignal) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func insufficientDataErr(observed int) error {
	return fmt.Errorf("insufficient data: need at least 5 days of readiness signal, observed %d", observed)
}

// ManifestContribution summarizes this dimension's state for the
// user_profile aggregator: the number of days with readiness signal.
func ManifestContribution(events []domain.Event) map[string]any {
	resolved := resolver.Resolve(events)
	daily := buildDailySignals(resolved)
	return map[string]any{"signal_day_count": len(daily)}
}
