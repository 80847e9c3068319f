// Package sessionexpand expands session.logged events — which carry a
// session as a list of exercise "blocks" rather than individual sets — into
// synthetic, set-shaped rows so the set-oriented handlers (exercise
// progression, training load, strength inference) can consume session
// blocks without knowing about the block grammar.
//
// Grounded on original_source/workers/src/kura_workers/session_block_expansion.py.
package sessionexpand

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kurahq/kura/internal/domain"
)

// Set is a synthetic set-like row produced by expanding one repeat of one
// block within a logged session.
type Set struct {
	SourceEventID     string
	SessionID         string
	ExerciseID        string
	BlockIndex        int
	RepeatIndex       int
	WeightKG          *float64
	Reps              *int
	Contacts          *int
	DurationSeconds   *float64
	DistanceMeters    *float64
	RecoverySeconds   *float64
	RPE               *float64
	RelativeIntensity *RelativeIntensity
}

// RelativeIntensity mirrors a block's relative_intensity payload.
type RelativeIntensity struct {
	ValuePct      float64
	ReferenceType string
}

// ExpandEvent expands one session.logged event into its constituent sets.
// Events that are not session.logged, or whose data has no blocks, expand to
// nothing.
func ExpandEvent(ev domain.Event) []Set {
	if ev.EventType != "session.logged" {
		return nil
	}
	sessionID, _ := ev.Data["session_id"].(string)
	blocksRaw, _ := ev.Data["blocks"].([]any)

	var out []Set
	for blockIdx, b := range blocksRaw {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, expandBlock(ev.ID, sessionID, blockIdx, block)...)
	}
	return out
}

func expandBlock(sourceEventID, sessionID string, blockIndex int, block map[string]any) []Set {
	exerciseID, _ := block["exercise_id"].(string)

	repeats := 1
	if dose, ok := block["dose"].(map[string]any); ok {
		if r, ok := toPositiveInt(dose["repeats"]); ok {
			repeats = r
		}
	}

	work, _ := block["work"].(map[string]any)
	recovery, _ := block["recovery"].(map[string]any)
	metrics, _ := block["metrics"].(map[string]any)

	weight := extractWeightKG(metrics)
	reps := measurementInt(work, "reps")
	contacts := measurementInt(work, "contacts")
	duration := measurementFloat(work, "duration_seconds")
	distance := measurementFloat(work, "distance_meters")
	recoverySecs := measurementFloat(recovery, "duration_seconds")
	rpe := extractRPEAnchor(block)
	relInt := extractRelativeIntensity(block)

	sets := make([]Set, 0, repeats)
	for r := 0; r < repeats; r++ {
		sets = append(sets, Set{
			SourceEventID: sourceEventID, SessionID: sessionID, ExerciseID: exerciseID,
			BlockIndex: blockIndex, RepeatIndex: r,
			WeightKG: weight, Reps: reps, Contacts: contacts,
			DurationSeconds: duration, DistanceMeters: distance,
			RecoverySeconds: recoverySecs, RPE: rpe, RelativeIntensity: relInt,
		})
	}
	return sets
}

func extractWeightKG(metrics map[string]any) *float64 {
	if metrics == nil {
		return nil
	}
	if v, ok := toFloat(metrics["weight_kg"]); ok {
		return &v
	}
	return nil
}

func extractRPEAnchor(block map[string]any) *float64 {
	anchors, _ := block["intensity_anchors"].([]any)
	for _, a := range anchors {
		anchor, ok := a.(map[string]any)
		if !ok {
			continue
		}
		if kind, _ := anchor["type"].(string); strings.EqualFold(kind, "rpe") {
			if v, ok := toFloat(anchor["value"]); ok {
				return &v
			}
		}
	}
	return nil
}

func extractRelativeIntensity(block map[string]any) *RelativeIntensity {
	ri, ok := block["relative_intensity"].(map[string]any)
	if !ok {
		return nil
	}
	pct, ok := toFloat(ri["value_pct"])
	if !ok {
		return nil
	}
	ref, _ := ri["reference_type"].(string)
	return &RelativeIntensity{ValuePct: pct, ReferenceType: ref}
}

func measurementInt(container map[string]any, field string) *int {
	if container == nil {
		return nil
	}
	if v, ok := toPositiveInt(container[field]); ok {
		return &v
	}
	return nil
}

func measurementFloat(container map[string]any, field string) *float64 {
	if container == nil {
		return nil
	}
	if v, ok := toFloat(container[field]); ok {
		return &v
	}
	return nil
}

// toFloat tolerantly parses numeric-ish values, including locale strings
// that use a comma as the decimal separator (e.g. "82,5"), matching the
// reference extractor's tolerance for hand-entered data.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		s = strings.ReplaceAll(s, ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toPositiveInt(v any) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return 0, false
	}
	return int(f), true
}

// Key uniquely identifies one expanded set for projection replay dedup.
func (s Set) Key() string {
	return fmt.Sprintf("%s:%d:%d", s.SourceEventID, s.BlockIndex, s.RepeatIndex)
}
