// Package exerciseprogression implements the exercise-progression projection
// dimension (spec §4.4.1): per-canonical-exercise best-set tracking, weekly
// rollups, per-session aggregates, and an estimated one-rep-max trend,
// recomputed from scratch on every set.logged/session.logged/set.corrected/
// event.retracted event for the owning user.
package exerciseprogression

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kurahq/kura/internal/aliasmap"
	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/handlers/sessionexpand"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/resolver"
)

// ProjectionType is the projection_type this handler writes.
const ProjectionType = "exercise_progression"

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
	DeleteProjection(ctx context.Context, userID, projectionType, key string) error
}

// weeklyWindow bounds the weekly rollup to the most recent ISO weeks (spec
// §4.4.1).
const weeklyWindow = 26

// recentSessionsLimit is the number of most-recent sessions retained per
// exercise (spec §4.4.1).
const recentSessionsLimit = 5

// sample is one observed (weight, reps) pair attributed to an exercise.
type sample struct {
	eventID    string
	sessionKey string
	occurredAt time.Time
	weightKG   float64
	reps       int
	rpe        float64
	hasRPE     bool
}

// estimatedOneRM applies the Epley formula, adjusted up when RPE indicates
// the set was submaximal: the 10 - rpe reps in reserve are added to the
// performed reps.
func estimatedOneRM(s sample) float64 {
	effectiveReps := float64(s.reps)
	if s.hasRPE && s.rpe > 0 {
		reserve := 10 - s.rpe
		if reserve > 0 {
			effectiveReps += reserve
		}
	}
	if effectiveReps <= 0 {
		return s.weightKG
	}
	return s.weightKG * (1 + effectiveReps/30)
}

// Dimension returns the registry metadata for bootstrap registration.
func Dimension() registry.DimensionMeta {
	return registry.DimensionMeta{
		Name:           "exercise_progression",
		EventTypes:     []string{"set.logged", "session.logged", "set.corrected", "event.retracted", "exercise.alias_created"},
		ProjectionType: ProjectionType,
	}
}

// NewHandler returns the ProjectionHandler for this dimension.
func NewHandler(store ProjectionWriter) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		resolved := resolver.Resolve(events)
		aliases := aliasmap.BuildFromEvents(resolved)

		byExercise := make(map[string][]sample)
		sourceIDs := make(map[string][]string)
		staleKeys := make(map[string]bool)

		collect := func(rawTerm string, s sample) {
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
				s := sampleFromSetLogged(ev)
				collect(exerciseID, s)
			case "session.logged":
				for _, set := range sessionexpand.ExpandEvent(ev) {
					if set.ExerciseID == "" || set.WeightKG == nil || set.Reps == nil {
						continue
					}
					s := sample{
						eventID:    ev.ID,
						sessionKey: sessionKeyFor(ev, set.SessionID),
						occurredAt: ev.OccurredAt,
						weightKG:   *set.WeightKG,
						reps:       *set.Reps,
					}
					if set.RPE != nil {
						s.rpe, s.hasRPE = *set.RPE, true
					}
					collect(set.ExerciseID, s)
				}
			}
		}

		// A canonical key currently written to is never stale, regardless of
		// whether it also happens to be a raw alias term somewhere else.
		for exerciseID := range byExercise {
			delete(staleKeys, exerciseID)
		}

		for exerciseID, samples := range byExercise {
			ids := sourceIDs[exerciseID]
			sort.Strings(ids)

			value := buildProjectionValue(samples)

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

// sessionKeyFor returns the explicit session_id when the event carries one,
// falling back to a day-boundary key so sets logged without an explicit
// session still group together (spec §4.4.1).
func sessionKeyFor(ev domain.Event, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return dayBoundaryKey(ev.OccurredAt)
}

func dayBoundaryKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func isoWeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// buildProjectionValue computes the per-exercise projection body: the
// all-time best set, totals, weekly rollups (last 26 ISO weeks), and the
// five most recent sessions by latest timestamp (spec §4.4.1).
func buildProjectionValue(samples []sample) map[string]any {
	best := samples[0]
	bestORM := estimatedOneRM(best)
	var totalVolumeKG float64
	for _, s := range samples {
		totalVolumeKG += s.weightKG * float64(s.reps)
		if orm := estimatedOneRM(s); orm > bestORM {
			best, bestORM = s, orm
		}
	}

	byWeek := make(map[string][]sample)
	bySession := make(map[string][]sample)
	for _, s := range samples {
		if !s.occurredAt.IsZero() {
			byWeek[isoWeekKey(s.occurredAt)] = append(byWeek[isoWeekKey(s.occurredAt)], s)
		}
		if s.sessionKey != "" {
			bySession[s.sessionKey] = append(bySession[s.sessionKey], s)
		}
	}

	weeks := make([]string, 0, len(byWeek))
	for w := range byWeek {
		weeks = append(weeks, w)
	}
	sort.Strings(weeks)
	if len(weeks) > weeklyWindow {
		weeks = weeks[len(weeks)-weeklyWindow:]
	}
	weeklyRollups := make([]map[string]any, 0, len(weeks))
	for _, w := range weeks {
		weeklyRollups = append(weeklyRollups, rollupSummary(w, byWeek[w]))
	}

	type sessionSummary struct {
		key     string
		latest  time.Time
		summary map[string]any
	}
	sessions := make([]sessionSummary, 0, len(bySession))
	for key, sessSamples := range bySession {
		latest := sessSamples[0].occurredAt
		for _, s := range sessSamples[1:] {
			if s.occurredAt.After(latest) {
				latest = s.occurredAt
			}
		}
		summary := rollupSummary(key, sessSamples)
		sessions = append(sessions, sessionSummary{key: key, latest: latest, summary: summary})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].latest.After(sessions[j].latest) })
	if len(sessions) > recentSessionsLimit {
		sessions = sessions[:recentSessionsLimit]
	}
	recentSessions := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		recentSessions = append(recentSessions, s.summary)
	}

	return map[string]any{
		"best_weight_kg":   best.weightKG,
		"best_reps":        best.reps,
		"best_at":          best.occurredAt,
		"estimated_one_rm": math.Round(bestORM*10) / 10,
		"sample_count":     len(samples),
		"total_volume_kg":  math.Round(totalVolumeKG*10) / 10,
		"weekly_rollups":   weeklyRollups,
		"recent_sessions":  recentSessions,
	}
}

func rollupSummary(key string, samples []sample) map[string]any {
	bestORM := estimatedOneRM(samples[0])
	var volumeKG float64
	for _, s := range samples {
		volumeKG += s.weightKG * float64(s.reps)
		if orm := estimatedOneRM(s); orm > bestORM {
			bestORM = orm
		}
	}
	return map[string]any{
		"key":              key,
		"set_count":        len(samples),
		"volume_kg":        math.Round(volumeKG*10) / 10,
		"estimated_one_rm": math.Round(bestORM*10) / 10,
	}
}

func sampleFromSetLogged(ev domain.Event) sample {
	s := sample{eventID: ev.ID, occurredAt: ev.OccurredAt, sessionKey: sessionKeyFor(ev, "")}
	if v, ok := ev.Data["weight_kg"].(float64); ok {
		s.weightKG = v
	}
	if v, ok := ev.Data["reps"].(float64); ok {
		s.reps = int(v)
	}
	if v, ok := ev.Data["rpe"].(float64); ok {
		s.rpe, s.hasRPE = v, true
	}
	return s
}

// ManifestContribution summarizes this dimension's state for the
// user_profile aggregator: the number of canonical exercises with at least
// one logged set.
func ManifestContribution(events []domain.Event) map[string]any {
	resolved := resolver.Resolve(events)
	aliases := aliasmap.BuildFromEvents(resolved)
	seen := map[string]bool{}
	for _, ev := range resolved {
		switch ev.EventType {
		case "set.logged":
			exerciseID, _ := ev.Data["exercise_id"].(string)
			if c, ok := aliasmap.Resolve(aliases, exerciseID); ok {
				exerciseID = c
			}
			if exerciseID != "" {
				seen[exerciseID] = true
			}
		case "session.logged":
			for _, s := range sessionexpand.ExpandEvent(ev) {
				exerciseID := s.ExerciseID
				if c, ok := aliasmap.Resolve(aliases, exerciseID); ok {
					exerciseID = c
				}
				if exerciseID != "" {
					seen[exerciseID] = true
				}
			}
		}
	}
	return map[string]any{"tracked_exercise_count": len(seen)}
}
