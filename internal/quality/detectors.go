package quality

import (
	"fmt"
	"strings"
	"time"

	"github.com/kurahq/kura/internal/aliasmap"
	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/projpayload"
)

// inv010ObservedPaths are the block sub-objects a reviewer needs to see to
// judge whether a missing intensity anchor is a logging gap or an event
// shape the detector doesn't understand yet.
var inv010ObservedPaths = []string{"dose", "work", "recovery", "metrics"}

// planningEventTypes are the event types INV-004 treats as "planning has
// begun" — if any of these appear before onboarding closes (or an explicit
// override is recorded), the user skipped the onboarding flow.
var planningEventTypes = map[string]bool{
	"plan.created": true,
	"plan.updated": true,
}

// trackableGoalTypes are the goal.set goal_type values INV-005 requires an
// observable tracking path for.
var trackableGoalTypes = map[string]bool{
	"vertical_jump": true,
	"dunk":          true,
}

// DetectAll evaluates every invariant in spec §4.6.1's table against a
// user's resolved event log (retractions applied, corrections overlaid) and
// the user's alias map, returning every open issue found. Callers that only
// care about the two invariants with a proposal generator (INV-001,
// INV-003) can filter the result by Invariant.
func DetectAll(userID string, events []domain.Event, aliases aliasmap.Map, catalog *Catalog) []domain.QualityIssue {
	var issues []domain.QualityIssue
	issues = append(issues, detectINV001(events, aliases, catalog)...)
	issues = append(issues, detectINV003(events)...)
	issues = append(issues, detectINV004(events)...)
	issues = append(issues, detectINV005(events)...)
	issues = append(issues, detectINV006(events)...)
	issues = append(issues, detectINV008(events)...)
	issues = append(issues, detectINV009(events)...)
	issues = append(issues, detectINV010(events)...)
	return issues
}

func issueID(invariant, issueType string) string {
	return fmt.Sprintf("%s:%s", invariant, issueType)
}

// detectINV001 flags set.logged events that carry a raw exercise term
// instead of a canonical exercise_id, where that term is not resolvable
// through the user's alias map (spec §4.6.1 INV-001).
func detectINV001(events []domain.Event, aliases aliasmap.Map, catalog *Catalog) []domain.QualityIssue {
	var out []domain.QualityIssue
	for _, ev := range events {
		if ev.EventType != "set.logged" {
			continue
		}
		if exerciseID, _ := ev.Data["exercise_id"].(string); exerciseID != "" {
			continue
		}
		term, _ := ev.Data["exercise"].(string)
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if aliasmap.Known(aliases, term) {
			continue
		}
		out = append(out, domain.QualityIssue{
			IssueID:    issueID("INV-001", "unresolved_exercise_identity"),
			Invariant:  "INV-001",
			IssueType:  "unresolved_exercise_identity",
			Severity:   domain.SeverityHigh,
			Detail:     fmt.Sprintf("set.logged %s used unresolved exercise term %q", ev.ID, term),
			Metrics:    map[string]any{"event_id": ev.ID, "term": term},
			DetectedAt: ev.RecordedAt,
		})
	}
	return out
}

// detectINV003 flags the absence of any timezone preference for the user
// (spec §4.6.1 INV-003): a single issue, not one per event, since this is a
// property of the whole profile, not of any one event.
func detectINV003(events []domain.Event) []domain.QualityIssue {
	for _, ev := range events {
		if ev.EventType != "preference.set" {
			continue
		}
		key, _ := ev.Data["key"].(string)
		if key == "timezone" || key == "time_zone" {
			return nil
		}
	}
	return []domain.QualityIssue{{
		IssueID:    issueID("INV-003", "timezone_preference_missing"),
		Invariant:  "INV-003",
		IssueType:  "timezone_preference_missing",
		Severity:   domain.SeverityHigh,
		Detail:     "no timezone preference has been recorded for this user",
		DetectedAt: latestTimestamp(events),
	}}
}

// detectINV004 flags planning events recorded before workflow.onboarding.closed
// (or an explicit override), per spec §4.6.1 INV-004.
func detectINV004(events []domain.Event) []domain.QualityIssue {
	onboardingClosed := false
	var out []domain.QualityIssue
	for _, ev := range events {
		switch {
		case ev.EventType == "workflow.onboarding.closed":
			onboardingClosed = true
		case planningEventTypes[ev.EventType]:
			if onboardingClosed {
				continue
			}
			if override, _ := ev.Data["onboarding_override"].(bool); override {
				continue
			}
			out = append(out, domain.QualityIssue{
				IssueID:    issueID("INV-004", "planning_before_onboarding"),
				Invariant:  "INV-004",
				IssueType:  "planning_before_onboarding",
				Severity:   domain.SeverityMedium,
				Detail:     fmt.Sprintf("%s %s recorded before onboarding closed", ev.EventType, ev.ID),
				Metrics:    map[string]any{"event_id": ev.ID},
				DetectedAt: ev.RecordedAt,
			})
		}
	}
	return out
}

// detectINV005 flags jump/dunk goals with no observable tracking path (spec
// §4.6.1 INV-005): a goal.set for a trackable goal type with no linked
// tracking_exercise_id.
func detectINV005(events []domain.Event) []domain.QualityIssue {
	var out []domain.QualityIssue
	for _, ev := range events {
		if ev.EventType != "goal.set" {
			continue
		}
		goalType, _ := ev.Data["goal_type"].(string)
		if !trackableGoalTypes[goalType] {
			continue
		}
		if tracking, _ := ev.Data["tracking_exercise_id"].(string); tracking != "" {
			continue
		}
		out = append(out, domain.QualityIssue{
			IssueID:    issueID("INV-005", "goal_trackability_missing"),
			Invariant:  "INV-005",
			IssueType:  "goal_trackability_missing",
			Severity:   domain.SeverityMedium,
			Detail:     fmt.Sprintf("goal.set %s (%s) has no observable tracking path", ev.ID, goalType),
			Metrics:    map[string]any{"event_id": ev.ID, "goal_type": goalType},
			DetectedAt: ev.RecordedAt,
		})
	}
	return out
}

// detectINV006 flags a missing age/bodyweight baseline that hasn't been
// explicitly deferred (spec §4.6.1 INV-006).
func detectINV006(events []domain.Event) []domain.QualityIssue {
	haveAge, haveWeight, deferredAge, deferredWeight := false, false, false, false
	for _, ev := range events {
		if ev.EventType != "profile.updated" {
			continue
		}
		if _, ok := ev.Data["date_of_birth"]; ok {
			haveAge = true
		}
		if v, ok := ev.Data["date_of_birth_deferred"].(bool); ok && v {
			deferredAge = true
		}
		if _, ok := ev.Data["bodyweight_kg"]; ok {
			haveWeight = true
		}
		if v, ok := ev.Data["bodyweight_kg_deferred"].(bool); ok && v {
			deferredWeight = true
		}
	}
	if (haveAge || deferredAge) && (haveWeight || deferredWeight) {
		return nil
	}
	return []domain.QualityIssue{{
		IssueID:    issueID("INV-006", "baseline_profile_unknown"),
		Invariant:  "INV-006",
		IssueType:  "baseline_profile_unknown",
		Severity:   domain.SeverityMedium,
		Detail:     "age or bodyweight baseline is unknown and not explicitly deferred",
		DetectedAt: latestTimestamp(events),
	}}
}

// detectINV008 flags mention-bound context that was persisted into
// free-text but never propagated into the structured field it implies
// (spec §4.6.1 INV-008).
func detectINV008(events []domain.Event) []domain.QualityIssue {
	var out []domain.QualityIssue
	for _, ev := range events {
		if ev.EventType != "context.mentioned" {
			continue
		}
		if applied, _ := ev.Data["structured_field_applied"].(bool); applied {
			continue
		}
		out = append(out, domain.QualityIssue{
			IssueID:    issueID("INV-008", "mention_field_drift"),
			Invariant:  "INV-008",
			IssueType:  "mention_field_drift",
			Severity:   domain.SeverityMedium,
			Detail:     fmt.Sprintf("context.mentioned %s not reflected in a structured field", ev.ID),
			Metrics:    map[string]any{"event_id": ev.ID},
			DetectedAt: ev.RecordedAt,
		})
	}
	return out
}

// detectINV009 flags external-import quality problems (spec §4.6.1
// INV-009): unsupported fields, low-confidence mappings, temporal
// uncertainty, parse failures, dedup rejections, classified through the
// stable import-error taxonomy.
func detectINV009(events []domain.Event) []domain.QualityIssue {
	var out []domain.QualityIssue
	for _, ev := range events {
		if ev.EventType != "external_import.recorded" {
			continue
		}
		errorCode, _ := ev.Data["error_code"].(string)
		if errorCode == "" {
			if conf, ok := ev.Data["mapping_confidence"].(float64); ok && conf < 0.6 {
				out = append(out, domain.QualityIssue{
					IssueID:    issueID("INV-009", "low_confidence_mapping"),
					Invariant:  "INV-009",
					IssueType:  "low_confidence_mapping",
					Severity:   domain.SeverityLow,
					Detail:     fmt.Sprintf("external_import.recorded %s mapped at confidence %.2f", ev.ID, conf),
					Metrics:    map[string]any{"event_id": ev.ID, "mapping_confidence": conf},
					DetectedAt: ev.RecordedAt,
				})
			}
			continue
		}
		class := ClassifyImportError(errorCode)
		severity := domain.SeverityLow
		if class == ImportErrParse || class == ImportErrValidation {
			severity = domain.SeverityMedium
		}
		out = append(out, domain.QualityIssue{
			IssueID:    issueID("INV-009", string(class)),
			Invariant:  "INV-009",
			IssueType:  string(class),
			Severity:   severity,
			Detail:     fmt.Sprintf("external_import.recorded %s failed: %s (%s)", ev.ID, errorCode, class),
			Metrics:    map[string]any{"event_id": ev.ID, "error_code": errorCode},
			DetectedAt: ev.RecordedAt,
		})
	}
	return out
}

// detectINV010 flags session.logged blocks with neither an intensity anchor
// nor an explicit not_applicable marker (spec §4.6.1 INV-010).
func detectINV010(events []domain.Event) []domain.QualityIssue {
	var out []domain.QualityIssue
	for _, ev := range events {
		if ev.EventType != "session.logged" {
			continue
		}
		blocks, _ := ev.Data["blocks"].([]any)
		for i, b := range blocks {
			block, ok := b.(map[string]any)
			if !ok {
				continue
			}
			if notApplicable, _ := block["intensity_not_applicable"].(bool); notApplicable {
				continue
			}
			anchors, _ := block["intensity_anchors"].([]any)
			if len(anchors) > 0 {
				continue
			}
			out = append(out, domain.QualityIssue{
				IssueID:    issueID("INV-010", "session_missing_anchor"),
				Invariant:  "INV-010",
				IssueType:  "session_missing_anchor",
				Severity:   domain.SeverityMedium,
				Detail:    fmt.Sprintf("session.logged %s block %d has no intensity anchor", ev.ID, i),
				Metrics: map[string]any{
					"event_id": ev.ID, "block_index": i,
					"observed_attributes": projpayload.ObservedAttributes(block, inv010ObservedPaths),
				},
				DetectedAt: ev.RecordedAt,
			})
		}
	}
	return out
}

func latestTimestamp(events []domain.Event) time.Time {
	var latest time.Time
	for _, ev := range events {
		if ev.RecordedAt.After(latest) {
			latest = ev.RecordedAt
		}
	}
	return latest
}
