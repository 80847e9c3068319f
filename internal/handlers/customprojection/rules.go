// Package customprojection implements the user-defined custom projection
// rule engine (spec §4.4.9): field_tracking and categorized_tracking rule
// shapes, validated the way the reference rule_models.py validators do, and
// evaluated against raw event payloads via JSONPath field extraction.
package customprojection

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/resolver"
)

// RuleKind distinguishes the two supported custom rule shapes.
type RuleKind string

const (
	KindFieldTracking       RuleKind = "field_tracking"
	KindCategorizedTracking RuleKind = "categorized_tracking"
)

// Rule is a user-authored custom projection rule, one of the two validated
// shapes from the reference implementation.
type Rule struct {
	ID            string
	Kind          RuleKind
	SourceEvents  []string
	Fields        []string
	GroupBy       string // only for categorized_tracking; must be a member of Fields
	ProjectionKey string
}

// Validate enforces the same invariants the reference Pydantic validators
// enforce: source_events and fields must be non-empty, and for
// categorized_tracking, group_by must be one of fields.
func (r Rule) Validate() error {
	if len(r.SourceEvents) == 0 {
		return fmt.Errorf("customprojection: rule %s: source_events must not be empty", r.ID)
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("customprojection: rule %s: fields must not be empty", r.ID)
	}
	switch r.Kind {
	case KindFieldTracking:
		return nil
	case KindCategorizedTracking:
		if r.GroupBy == "" {
			return fmt.Errorf("customprojection: rule %s: categorized_tracking requires group_by", r.ID)
		}
		for _, f := range r.Fields {
			if f == r.GroupBy {
				return nil
			}
		}
		return fmt.Errorf("customprojection: rule %s: group_by %q must be one of fields", r.ID, r.GroupBy)
	default:
		return fmt.Errorf("customprojection: rule %s: unknown kind %q", r.ID, r.Kind)
	}
}

// ProjectionType is the projection_type namespace for all custom rules; the
// Key is the rule ID so many rules can coexist per user.
const ProjectionType = "custom_projection"

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
}

// RuleSource supplies the active rule set for a user at recompute time. In
// production this is Store, which reads the projection_rules table; tests
// can supply a static list.
type RuleSource interface {
	RulesForUser(ctx context.Context, userID string) ([]Rule, error)
}

// Dimension returns the registry metadata for bootstrap registration. Custom
// rules can reference any event type, so this dimension subscribes broadly
// and filters per-rule at evaluation time.
func Dimension(eventTypes []string) registry.DimensionMeta {
	return registry.DimensionMeta{
		Name:           "custom_projection",
		EventTypes:     eventTypes,
		ProjectionType: ProjectionType,
	}
}

// NewHandler returns the ProjectionHandler for the custom-rule dimension.
func NewHandler(store ProjectionWriter, rules RuleSource) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		activeRules, err := rules.RulesForUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("customprojection: load rules: %w", err)
		}
		resolved := resolver.Resolve(events)

		for _, rule := range activeRules {
			if err := rule.Validate(); err != nil {
				return err
			}
			value, sourceIDs, err := evaluate(rule, resolved)
			if err != nil {
				return fmt.Errorf("customprojection: evaluate rule %s: %w", rule.ID, err)
			}
			if err := store.UpsertProjection(ctx, domain.Projection{
				UserID: userID, ProjectionType: ProjectionType, Key: rule.ID,
				Value: value, SourceEventIDs: sourceIDs,
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

func matchesSource(rule Rule, eventType string) bool {
	for _, t := range rule.SourceEvents {
		if t == eventType {
			return true
		}
	}
	return false
}

// recentDaysWindow, weeklyWindow, and categorizedRecentLimit bound the
// aggregate shapes spec §4.4.9 requires, matching the windows the other
// projection handlers use for their own daily/weekly rollups.
const (
	recentDaysWindow       = 30
	weeklyWindow           = 26
	categorizedRecentLimit = 10
)

// extractedRow is one matched event's field extraction, kept alongside its
// timestamp so field_tracking can bucket by day/week and categorized_tracking
// can sort by recency.
type extractedRow struct {
	eventID    string
	occurredAt time.Time
	fields     map[string]any
}

func evaluate(rule Rule, events []domain.Event) (map[string]any, []string, error) {
	var sourceIDs []string
	var rows []extractedRow

	for _, ev := range events {
		if !matchesSource(rule, ev.EventType) {
			continue
		}
		fields, err := extractFields(rule.Fields, ev.Data)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, extractedRow{eventID: ev.ID, occurredAt: ev.OccurredAt, fields: fields})
		sourceIDs = append(sourceIDs, ev.ID)
	}

	switch rule.Kind {
	case KindCategorizedTracking:
		return buildCategorizedTracking(rule, rows), sourceIDs, nil
	default: // KindFieldTracking
		return buildFieldTracking(rule, rows), sourceIDs, nil
	}
}

// buildFieldTracking produces recent daily averages, weekly rollups, and
// all-time per-field stats (spec §4.4.9's field_tracking shape).
func buildFieldTracking(rule Rule, rows []extractedRow) map[string]any {
	byDay := map[string][]extractedRow{}
	byWeek := map[string][]extractedRow{}
	for _, r := range rows {
		if r.occurredAt.IsZero() {
			continue
		}
		d, w := dayKey(r.occurredAt), weekKey(r.occurredAt)
		byDay[d] = append(byDay[d], r)
		byWeek[w] = append(byWeek[w], r)
	}

	days := sortedKeys(byDay)
	if len(days) > recentDaysWindow {
		days = days[len(days)-recentDaysWindow:]
	}
	dailyAverages := make([]map[string]any, 0, len(days))
	for _, d := range days {
		dailyAverages = append(dailyAverages, map[string]any{
			"day": d, "averages": fieldAverages(rule.Fields, byDay[d]), "sample_count": len(byDay[d]),
		})
	}

	weeks := sortedKeys(byWeek)
	if len(weeks) > weeklyWindow {
		weeks = weeks[len(weeks)-weeklyWindow:]
	}
	weeklyRollups := make([]map[string]any, 0, len(weeks))
	for _, w := range weeks {
		weeklyRollups = append(weeklyRollups, map[string]any{
			"week": w, "averages": fieldAverages(rule.Fields, byWeek[w]), "sample_count": len(byWeek[w]),
		})
	}

	allTimeStats := make(map[string]any, len(rule.Fields))
	for _, f := range rule.Fields {
		allTimeStats[f] = fieldStats(f, rows)
	}

	return map[string]any{
		"recent_daily_averages": dailyAverages,
		"weekly_rollups":        weeklyRollups,
		"all_time_stats":        allTimeStats,
	}
}

// buildCategorizedTracking produces per-category counts, the 10 most recent
// entries, and per-field aggregates within each category (spec §4.4.9's
// categorized_tracking shape).
func buildCategorizedTracking(rule Rule, rows []extractedRow) map[string]any {
	byCategory := map[string][]extractedRow{}
	for _, r := range rows {
		key := fmt.Sprintf("%v", r.fields[rule.GroupBy])
		byCategory[key] = append(byCategory[key], r)
	}

	categories := make(map[string]any, len(byCategory))
	for cat, catRows := range byCategory {
		sorted := make([]extractedRow, len(catRows))
		copy(sorted, catRows)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].occurredAt.After(sorted[j].occurredAt) })
		if len(sorted) > categorizedRecentLimit {
			sorted = sorted[:categorizedRecentLimit]
		}
		entries := make([]map[string]any, 0, len(sorted))
		for _, r := range sorted {
			entries = append(entries, r.fields)
		}

		aggregates := make(map[string]any, len(rule.Fields))
		for _, f := range rule.Fields {
			if f == rule.GroupBy {
				continue
			}
			aggregates[f] = fieldStats(f, catRows)
		}

		categories[cat] = map[string]any{
			"count":            len(catRows),
			"last_10_entries":  entries,
			"field_aggregates": aggregates,
		}
	}
	return map[string]any{"categories": categories}
}

// fieldStats computes count/sum/avg/min/max for field across rows, ignoring
// rows where the field isn't numeric (e.g. the group_by field itself, or a
// field a given event type never populated).
func fieldStats(field string, rows []extractedRow) map[string]any {
	var sum, min, max float64
	count := 0
	for _, r := range rows {
		v, ok := toNumeric(r.fields[field])
		if !ok {
			continue
		}
		if count == 0 || v < min {
			min = v
		}
		if count == 0 || v > max {
			max = v
		}
		sum += v
		count++
	}
	if count == 0 {
		return map[string]any{"count": 0}
	}
	return map[string]any{
		"count": count, "sum": round1(sum), "avg": round1(sum / float64(count)),
		"min": round1(min), "max": round1(max),
	}
}

func fieldAverages(fields []string, rows []extractedRow) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		stats := fieldStats(f, rows)
		out[f] = stats["avg"]
	}
	return out
}

func toNumeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func sortedKeys(m map[string][]extractedRow) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// extractFields pulls each requested field out of a raw event Data payload:
// a field name that is a top-level key is read directly; any other name is
// evaluated as a JSONPath expression (prefixed with "$." unless it already
// starts with '$'), and a field the path does not resolve is set to nil.
func extractFields(fields []string, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := data[f]; ok {
			out[f] = v
			continue
		}
		path := f
		if path[0] != '$' {
			path = "$." + path
		}
		v, err := jsonpath.Get(path, data)
		if err != nil {
			out[f] = nil
			continue
		}
		out[f] = v
	}
	return out, nil
}

// evalExpression is reserved for rule dialects that need a computed
// (derived) field rather than a plain JSONPath extraction; gval backs the
// expression language so rule authors get arithmetic/comparisons without
// this package hand-rolling a parser.
func evalExpression(expr string, vars map[string]any) (any, error) {
	return gval.Evaluate(expr, vars)
}
