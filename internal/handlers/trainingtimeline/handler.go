// Package trainingtimeline implements the training-timeline projection
// dimension: a single overview aggregating sets, sessions, and externally
// imported activities into recent-day/recent-session views, weekly
// summaries, rolling frequency, and streak tracking, grounded on
// exerciseprogression's set/session-expansion plumbing and on
// original_source/workers/src/kura_workers/event_conventions.py's
// external.activity_imported shape.
package trainingtimeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kurahq/kura/internal/aliasmap"
	"github.com/kurahq/kura/internal/config"
	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/handlers/sessionexpand"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/resolver"
)

// ProjectionType is the projection_type this handler writes.
const ProjectionType = "training_timeline"

// ProjectionKey is the single key this dimension ever writes.
const ProjectionKey = "overview"

const (
	recentDaysWindow     = 30
	recentSessionsWindow = 30
	weeklyWindow         = 26
	shortFrequencyWeeks  = 4
	longFrequencyWeeks   = 12
)

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
}

// Dimension returns the registry metadata for bootstrap registration.
func Dimension() registry.DimensionMeta {
	return registry.DimensionMeta{
		Name: "training_timeline",
		EventTypes: []string{
			"set.logged", "session.logged", "set.corrected", "event.retracted",
			"exercise.alias_created", "external.activity_imported",
		},
		ProjectionType: ProjectionType,
	}
}

// setEvent is one observed set attributed to a day, independent of which
// event type produced it.
type setEvent struct {
	eventID    string
	sessionKey string
	exerciseID string
	occurredAt time.Time
	weightKG   float64
	reps       int
	imported   bool
}

// NewHandler returns the ProjectionHandler for this dimension. flags gates
// the Training Load v2 computation; pass config.FeatureFlags from the
// loaded configuration.
func NewHandler(store ProjectionWriter, flags config.FeatureFlags) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		resolved := resolver.Resolve(events)
		aliases := aliasmap.BuildFromEvents(resolved)

		var sets []setEvent
		var sourceIDs []string

		resolve := func(rawTerm string) string {
			if c, ok := aliasmap.Resolve(aliases, rawTerm); ok {
				return c
			}
			return rawTerm
		}

		for _, ev := range resolved {
			sourceIDs = append(sourceIDs, ev.ID)
			switch ev.EventType {
			case "set.logged":
				exerciseID, _ := ev.Data["exercise_id"].(string)
				weight, _ := ev.Data["weight_kg"].(float64)
				reps, _ := ev.Data["reps"].(float64)
				sets = append(sets, setEvent{
					eventID: ev.ID, sessionKey: dayKey(ev.OccurredAt), exerciseID: resolve(exerciseID),
					occurredAt: ev.OccurredAt, weightKG: weight, reps: int(reps),
				})
			case "session.logged":
				for _, s := range sessionexpand.ExpandEvent(ev) {
					if s.ExerciseID == "" || s.WeightKG == nil || s.Reps == nil {
						continue
					}
					key := s.SessionID
					if key == "" {
						key = dayKey(ev.OccurredAt)
					}
					sets = append(sets, setEvent{
						eventID: ev.ID, sessionKey: key, exerciseID: resolve(s.ExerciseID),
						occurredAt: ev.OccurredAt, weightKG: *s.WeightKG, reps: *s.Reps,
					})
				}
			case "external.activity_imported":
				activityEvents := expandImportedActivity(ev, resolve)
				sets = append(sets, activityEvents...)
			}
		}

		value := buildOverview(sets, flags)
		return store.UpsertProjection(ctx, domain.Projection{
			UserID: userID, ProjectionType: ProjectionType, Key: ProjectionKey,
			Value: value, SourceEventIDs: sourceIDs,
		})
	}
}

// expandImportedActivity maps an external.activity_imported event's
// session.sets block (per event_conventions.py) into the same setEvent
// shape native sets use, so a synced workout shows up in the timeline
// alongside natively logged ones.
func expandImportedActivity(ev domain.Event, resolve func(string) string) []setEvent {
	session, _ := ev.Data["session"].(map[string]any)
	if session == nil {
		return nil
	}
	rawSets, _ := session["sets"].([]any)
	out := make([]setEvent, 0, len(rawSets))
	for _, raw := range rawSets {
		s, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		exerciseID, _ := s["exercise_id"].(string)
		weight, _ := s["weight_kg"].(float64)
		reps, _ := s["reps"].(float64)
		out = append(out, setEvent{
			eventID: ev.ID, sessionKey: dayKey(ev.OccurredAt), exerciseID: resolve(exerciseID),
			occurredAt: ev.OccurredAt, weightKG: weight, reps: int(reps), imported: true,
		})
	}
	return out
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }
func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// sessionSummary is one session's folded set history, used both for the
// recent_sessions list and as the input to trainingLoadV2.
type sessionSummary struct {
	key    string
	latest time.Time
	body   map[string]any
}

// buildOverview folds the flattened set history into the timeline shape.
func buildOverview(sets []setEvent, flags config.FeatureFlags) map[string]any {
	byDay := map[string][]setEvent{}
	bySession := map[string][]setEvent{}
	byWeek := map[string][]setEvent{}
	for _, s := range sets {
		if s.occurredAt.IsZero() {
			continue
		}
		d := dayKey(s.occurredAt)
		byDay[d] = append(byDay[d], s)
		bySession[s.sessionKey] = append(bySession[s.sessionKey], s)
		byWeek[weekKey(s.occurredAt)] = append(byWeek[weekKey(s.occurredAt)], s)
	}

	days := sortedKeys(byDay)
	if len(days) > recentDaysWindow {
		days = days[len(days)-recentDaysWindow:]
	}
	recentDays := make([]map[string]any, 0, len(days))
	for _, d := range days {
		recentDays = append(recentDays, map[string]any{
			"day": d, "top_sets_by_exercise": topSetsByExercise(byDay[d]),
		})
	}

	var sessions []sessionSummary
	for key, sessSets := range bySession {
		latest := sessSets[0].occurredAt
		for _, s := range sessSets[1:] {
			if s.occurredAt.After(latest) {
				latest = s.occurredAt
			}
		}
		sessions = append(sessions, sessionSummary{key: key, latest: latest, body: sessionSummaryBody(key, sessSets)})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].latest.After(sessions[j].latest) })
	if len(sessions) > recentSessionsWindow {
		sessions = sessions[:recentSessionsWindow]
	}
	recentSessions := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		recentSessions = append(recentSessions, s.body)
	}

	weeks := sortedKeys(byWeek)
	if len(weeks) > weeklyWindow {
		weeks = weeks[len(weeks)-weeklyWindow:]
	}
	weeklySummary := make([]map[string]any, 0, len(weeks))
	for _, w := range weeks {
		weeklySummary = append(weeklySummary, map[string]any{
			"week": w, "set_count": len(byWeek[w]), "session_count": countDistinctSessions(byWeek[w]),
		})
	}

	return map[string]any{
		"recent_training_days": recentDays,
		"recent_sessions":      recentSessions,
		"weekly_summary":       weeklySummary,
		"frequency": map[string]any{
			"rolling_4_week":  averageWeeklySessions(byWeek, shortFrequencyWeeks),
			"rolling_12_week": averageWeeklySessions(byWeek, longFrequencyWeeks),
		},
		"streak":             computeStreak(byWeek),
		"training_load_v2":   trainingLoadV2(sessions, flags),
	}
}

func topSetsByExercise(sets []setEvent) map[string]any {
	byExercise := map[string]setEvent{}
	for _, s := range sets {
		if s.exerciseID == "" {
			continue
		}
		if cur, ok := byExercise[s.exerciseID]; !ok || s.weightKG*float64(s.reps) > cur.weightKG*float64(cur.reps) {
			byExercise[s.exerciseID] = s
		}
	}
	out := make(map[string]any, len(byExercise))
	for ex, s := range byExercise {
		out[ex] = map[string]any{"weight_kg": s.weightKG, "reps": s.reps}
	}
	return out
}

func sessionSummaryBody(key string, sets []setEvent) map[string]any {
	var volumeKG float64
	exercises := map[string]bool{}
	imported := false
	for _, s := range sets {
		volumeKG += s.weightKG * float64(s.reps)
		if s.exerciseID != "" {
			exercises[s.exerciseID] = true
		}
		if s.imported {
			imported = true
		}
	}
	return map[string]any{
		"session_key": key, "set_count": len(sets), "exercise_count": len(exercises),
		"volume_kg": volumeKG, "imported": imported,
	}
}

func countDistinctSessions(sets []setEvent) int {
	seen := map[string]bool{}
	for _, s := range sets {
		seen[s.sessionKey] = true
	}
	return len(seen)
}

func sortedKeys(m map[string][]setEvent) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// averageWeeklySessions averages distinct session counts over the trailing
// windowWeeks ISO weeks that have any data, matching the "rolling N-week
// frequency average" requirement.
func averageWeeklySessions(byWeek map[string][]setEvent, windowWeeks int) float64 {
	weeks := sortedKeys(byWeek)
	if len(weeks) > windowWeeks {
		weeks = weeks[len(weeks)-windowWeeks:]
	}
	if len(weeks) == 0 {
		return 0
	}
	total := 0
	for _, w := range weeks {
		total += countDistinctSessions(byWeek[w])
	}
	return float64(total) / float64(len(weeks))
}

// computeStreak reports the current and longest runs of consecutive active
// ISO weeks (a week is active if any training occurred). Only weeks present
// in byWeek count as active; gaps between the earliest and latest active
// week are treated as inactive weeks, breaking the streak.
func computeStreak(byWeek map[string][]setEvent) map[string]any {
	weeks := sortedKeys(byWeek)
	if len(weeks) == 0 {
		return map[string]any{"current_weeks": 0, "longest_weeks": 0}
	}

	weekStart := func(key string) time.Time {
		var year, week int
		fmt.Sscanf(key, "%d-W%d", &year, &week)
		jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, time.UTC)
		isoWeek1Monday := jan4.AddDate(0, 0, -int(jan4.Weekday())+1)
		if jan4.Weekday() == time.Sunday {
			isoWeek1Monday = jan4.AddDate(0, 0, -6)
		}
		return isoWeek1Monday.AddDate(0, 0, (week-1)*7)
	}

	active := make(map[time.Time]bool, len(weeks))
	var starts []time.Time
	for _, w := range weeks {
		start := weekStart(w)
		active[start] = true
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	longest, run := 1, 1
	for i := 1; i < len(starts); i++ {
		if starts[i].Sub(starts[i-1]) == 7*24*time.Hour {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	current := 1
	for i := len(starts) - 1; i > 0; i-- {
		if starts[i].Sub(starts[i-1]) == 7*24*time.Hour {
			current++
		} else {
			break
		}
	}

	return map[string]any{"current_weeks": current, "longest_weeks": longest}
}

// trainingLoadV2 computes a per-session load score with confidence and
// modality breakdown when the feature flag is enabled; otherwise emits a
// disabled stub with the identical shape so downstream consumers don't need
// a feature-flag branch of their own.
func trainingLoadV2(sessions []sessionSummary, flags config.FeatureFlags) map[string]any {
	if !flags.TrainingLoadV2Enabled {
		return map[string]any{"enabled": false, "sessions": []any{}}
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		volume, _ := s.body["volume_kg"].(float64)
		setCount, _ := s.body["set_count"].(int)
		load := volume / 100
		confidence := 0.6
		if setCount >= 5 {
			confidence = 0.85
		}
		out = append(out, map[string]any{
			"session_key": s.key, "load_score": load, "confidence": confidence,
			"modality_breakdown": map[string]any{"resistance": 1.0},
		})
	}
	return map[string]any{"enabled": true, "sessions": out}
}

// ManifestContribution summarizes this dimension's state for the
// user_profile aggregator: total tracked training days and the current
// streak.
func ManifestContribution(events []domain.Event) map[string]any {
	resolved := resolver.Resolve(events)
	aliases := aliasmap.BuildFromEvents(resolved)
	resolve := func(rawTerm string) string {
		if c, ok := aliasmap.Resolve(aliases, rawTerm); ok {
			return c
		}
		return rawTerm
	}

	var sets []setEvent
	for _, ev := range resolved {
		switch ev.EventType {
		case "set.logged":
			exerciseID, _ := ev.Data["exercise_id"].(string)
			sets = append(sets, setEvent{eventID: ev.ID, occurredAt: ev.OccurredAt, exerciseID: resolve(exerciseID)})
		case "session.logged":
			sets = append(sets, setEvent{eventID: ev.ID, occurredAt: ev.OccurredAt})
		case "external.activity_imported":
			sets = append(sets, expandImportedActivity(ev, resolve)...)
		}
	}

	byWeek := map[string][]setEvent{}
	days := map[string]bool{}
	for _, s := range sets {
		if s.occurredAt.IsZero() {
			continue
		}
		days[dayKey(s.occurredAt)] = true
		byWeek[weekKey(s.occurredAt)] = append(byWeek[weekKey(s.occurredAt)], s)
	}
	streak := computeStreak(byWeek)
	return map[string]any{"tracked_training_days": len(days), "current_streak_weeks": streak["current_weeks"]}
}
