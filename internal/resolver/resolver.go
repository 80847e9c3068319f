// Package resolver implements the two pure transforms handlers apply before
// computing a projection from the raw event log (spec §4.3): retraction
// (nullify) and correction (ordered field overlay). Both are pure functions
// of a slice of events — no I/O, no side effects — so they are trivial to
// unit test against the scenarios in spec §8.3.
package resolver

import (
	"sort"

	"github.com/kurahq/kura/internal/domain"
)

// ResolveRetractions removes every event nullified by a later
// event.retracted, and removes the retraction events themselves (they carry
// no projection-relevant payload of their own). The result preserves the
// original relative order of surviving events.
func ResolveRetractions(events []domain.Event) []domain.Event {
	retracted := make(map[string]bool)
	for _, e := range events {
		if e.IsRetraction() {
			if target := e.TargetEventID(); target != "" {
				retracted[target] = true
			}
		}
	}

	out := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if e.IsRetraction() {
			continue
		}
		if retracted[e.ID] || e.Retracted {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ResolveCorrections applies every set.corrected event as a field-level
// overlay onto its target event's Data, in ascending (occurred_at, id)
// order so the latest correction for a given field always wins. Correction
// events themselves are dropped from the output once applied, matching
// retraction's treatment of its own event type.
func ResolveCorrections(events []domain.Event) []domain.Event {
	ordered := make([]domain.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OccurredAt.Equal(ordered[j].OccurredAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
	})

	byID := make(map[string]int, len(ordered))
	for i, e := range ordered {
		byID[e.ID] = i
	}

	kept := make([]bool, len(ordered))
	for i := range ordered {
		kept[i] = true
	}

	for i, e := range ordered {
		if !e.IsCorrection() {
			continue
		}
		kept[i] = false
		targetID := e.TargetEventID()
		idx, ok := byID[targetID]
		if !ok {
			continue
		}
		fields, _ := e.Data["fields"].(map[string]any)
		if fields == nil {
			fields = e.Data
		}
		if ordered[idx].Data == nil {
			ordered[idx].Data = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			if k == "event_id" || k == "target_event_id" || k == "fields" {
				continue
			}
			ordered[idx].Data[k] = v
		}
	}

	out := make([]domain.Event, 0, len(ordered))
	for i, e := range ordered {
		if kept[i] {
			out = append(out, e)
		}
	}
	return out
}

// Resolve runs both transforms in the order handlers are required to apply
// them: retractions first (so a retracted event's own corrections vanish
// with it), then corrections.
func Resolve(events []domain.Event) []domain.Event {
	return ResolveCorrections(ResolveRetractions(events))
}
