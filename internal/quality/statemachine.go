package quality

import (
	"fmt"
	"time"

	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/registry"
)

// allowedTransitions is the repair proposal state machine (spec §4.6.4).
// rejected and verified_closed are terminal; auto_apply_rejected is not —
// a human can still force-apply a proposal the gate declined.
var allowedTransitions = map[domain.ProposalState][]domain.ProposalState{
	domain.ProposalProposed:          {domain.ProposalSimulatedSafe, domain.ProposalSimulatedRisky, domain.ProposalRejected},
	domain.ProposalSimulatedSafe:     {domain.ProposalApplied, domain.ProposalAutoApplyRejected, domain.ProposalRejected},
	domain.ProposalSimulatedRisky:    {domain.ProposalApplied, domain.ProposalRejected},
	domain.ProposalAutoApplyRejected: {domain.ProposalApplied, domain.ProposalRejected},
	domain.ProposalApplied:           {domain.ProposalVerifiedClosed, domain.ProposalRejected},
}

// Transition validates and applies a state change, appending a
// StateTransition to the proposal's history. note carries the reason (a
// reject code, a simulate summary, a verify outcome).
func Transition(p *domain.RepairProposal, next domain.ProposalState, note string) error {
	for _, allowed := range allowedTransitions[p.State] {
		if allowed == next {
			p.StateHistory = append(p.StateHistory, domain.StateTransition{
				From: p.State,
				To:   next,
				At:   time.Now(),
				Note: note,
			})
			p.State = next
			return nil
		}
	}
	return fmt.Errorf("quality: invalid transition %s -> %s", p.State, next)
}

// NextStateAfterSimulate applies spec §4.6.4's transition rule directly:
// empty batch -> rejected; non-empty, no warnings, no unknown impacts, tier
// A -> simulated_safe; anything else non-empty -> simulated_risky.
func NextStateAfterSimulate(proposal domain.RepairProposal, sim domain.SimulateResult) domain.ProposalState {
	if len(proposal.ProposedEventBatch) == 0 {
		return domain.ProposalRejected
	}
	if proposal.Tier == domain.TierA && len(sim.Warnings) == 0 && !hasUnknownImpact(sim) {
		return domain.ProposalSimulatedSafe
	}
	return domain.ProposalSimulatedRisky
}

func hasUnknownImpact(sim domain.SimulateResult) bool {
	for _, impact := range sim.ProjectionImpacts {
		if impact.Change == "unknown" {
			return true
		}
	}
	return false
}

// Simulate dry-runs a proposal's event batch: lightweight event-type
// validation plus resolving which registered dimensions would fire, with
// no semantic interpretation of event data (spec §4.6.3 — "computes
// nothing from event data semantically").
func Simulate(reg *registry.Registry, catalog *Catalog, proposal domain.RepairProposal) domain.SimulateResult {
	result := domain.SimulateResult{
		EventCount:     len(proposal.ProposedEventBatch),
		Engine:         "quality.simulate",
		TargetEndpoint: proposal.InvariantID,
	}
	if len(proposal.ProposedEventBatch) == 0 {
		result.Warnings = append(result.Warnings, "empty_event_batch")
		return result
	}

	for _, ev := range proposal.ProposedEventBatch {
		switch ev.EventType {
		case "exercise.alias_created":
			canonical, _ := ev.Data["exercise_id"].(string)
			if !catalog.IsKnownCanonical(canonical) {
				result.Warnings = append(result.Warnings, "unknown_canonical_key")
			}
		}

		dims := reg.DimensionsForEventType(ev.EventType)
		if len(dims) == 0 {
			result.ProjectionImpacts = append(result.ProjectionImpacts, domain.ProjectionImpact{
				Change: "unknown",
			})
			result.Notes = append(result.Notes, fmt.Sprintf("no registered dimension reacts to %s", ev.EventType))
			continue
		}
		for _, d := range dims {
			result.ProjectionImpacts = append(result.ProjectionImpacts, domain.ProjectionImpact{
				ProjectionType: d.ProjectionType,
				Key:            keyHint(ev),
				Change:         "update",
			})
		}
	}

	return result
}

// keyHint extracts a best-effort projection key the event would touch, for
// operator-facing display only — simulate never commits to its accuracy.
func keyHint(ev domain.Event) string {
	if v, ok := ev.Data["exercise_id"].(string); ok && v != "" {
		return v
	}
	return "me"
}
