package quality

import (
	"fmt"
	"time"

	"github.com/kurahq/kura/internal/domain"
)

// Gate evaluates whether proposal may be auto-applied, returning the first
// applicable reject code from spec §4.6.5's exact set, or "" if every check
// passes. throttled is supplied by the caller's rate limiter (spec
// §4.6.7's autonomy throttle), since Gate itself holds no limiter state.
func Gate(policy domain.AutonomyPolicy, proposal domain.RepairProposal, sim domain.SimulateResult, throttled bool) string {
	if proposal.Tier != domain.TierA {
		return "tier_not_a"
	}
	if proposal.State != domain.ProposalSimulatedSafe {
		return "state_not_simulated_safe"
	}
	if len(sim.Warnings) > 0 {
		return "warnings_present"
	}
	for _, impact := range sim.ProjectionImpacts {
		if impact.Change == "unknown" {
			return "unknown_projection_impacts"
		}
	}
	if !domain.DeterministicSources[proposal.RepairProvenance.SourceType] {
		return "non_deterministic_source"
	}
	if proposal.RepairProvenance.Band == domain.ConfidenceLow {
		return "low_confidence_repair"
	}
	if len(proposal.ProposedEventBatch) == 0 {
		return "empty_event_batch"
	}
	if !policy.RepairAutoApplyEnabled {
		return "autonomy_throttled"
	}
	if throttled {
		return "autonomy_throttled"
	}
	return ""
}

// ApplyErr wraps a rejected auto-apply attempt with its reject code, for the
// worker to log and surface on the proposal.
type ApplyErr struct {
	Code string
}

func (e *ApplyErr) Error() string {
	return fmt.Sprintf("quality: auto-apply rejected: %s", e.Code)
}

// SLOWindow is the fixed rolling window the SLO computation evaluates
// (spec §4.6.7): seven days.
const SLOWindow = 7 * 24 * time.Hour

// SLOInputs summarizes repair-engine activity over the rolling window; the
// counters a caller accumulates by scanning recent repair_proposals rows (or
// quality_health projection history) before calling ComputeSLO.
type SLOInputs struct {
	ProposalsApplied    int
	VerifiedClosed      int
	VerifyFailures      int
	AutoApplyRejections int
	ManualRejections    int
}

// The verify-failure rate and the manual-rejection rate are the two signals
// that downgrade the SLO, each with a monitor and a degraded threshold: too
// many verify-after-apply mismatches, or too many proposals a human actively
// rejected, both read as the auto-apply policy being miscalibrated for
// current conditions.
const (
	degradedVerifyFailureRate   = 0.10
	monitorVerifyFailureRate    = 0.03
	degradedManualRejectionRate = 0.25
	monitorManualRejectionRate  = 0.10
)

// ComputeSLO derives the rolling SLO status from a window of repair-engine
// outcomes (spec §4.6.7). With no applied proposals in the window the
// engine has nothing to judge itself against, so it reports healthy rather
// than penalizing quiet periods.
func ComputeSLO(in SLOInputs) domain.SLOStatus {
	total := in.ProposalsApplied
	if total == 0 {
		return domain.SLOHealthy
	}
	verifyFailureRate := float64(in.VerifyFailures) / float64(total)
	manualRejectionRate := 0.0
	decided := in.ProposalsApplied + in.ManualRejections
	if decided > 0 {
		manualRejectionRate = float64(in.ManualRejections) / float64(decided)
	}
	switch {
	case verifyFailureRate >= degradedVerifyFailureRate || manualRejectionRate >= degradedManualRejectionRate:
		return domain.SLODegraded
	case verifyFailureRate >= monitorVerifyFailureRate || manualRejectionRate >= monitorManualRejectionRate:
		return domain.SLOMonitor
	default:
		return domain.SLOHealthy
	}
}

// DeriveAutonomyPolicy maps the SLO and calibration statuses onto the
// autonomy policy the gate and the operator surface both read (spec
// §4.6.7): degraded and monitor both pull max_scope_level back to strict
// and require confirmations. Degraded also requires repair confirmation and
// turns repair auto-apply off; monitor keeps auto-apply on and requires
// repair confirmation only when the calibration status is monitor. A
// healthy engine earns moderate scope with no confirmations required.
func DeriveAutonomyPolicy(sloStatus, calibrationStatus domain.SLOStatus, throttleActive bool) domain.AutonomyPolicy {
	policy := domain.AutonomyPolicy{
		SLOStatus:         sloStatus,
		CalibrationStatus: calibrationStatus,
		ThrottleActive:    throttleActive,
	}

	worst := worseStatus(sloStatus, calibrationStatus)
	switch worst {
	case domain.SLODegraded:
		policy.MaxScopeLevel = domain.ScopeStrict
		policy.ConfirmationsRequired = true
		policy.RepairConfirmationRequired = true
		policy.RepairAutoApplyEnabled = false
	case domain.SLOMonitor:
		policy.MaxScopeLevel = domain.ScopeStrict
		policy.ConfirmationsRequired = true
		policy.RepairConfirmationRequired = calibrationStatus == domain.SLOMonitor
		policy.RepairAutoApplyEnabled = true
	default:
		policy.MaxScopeLevel = domain.ScopeModerate
		policy.ConfirmationsRequired = false
		policy.RepairConfirmationRequired = false
		policy.RepairAutoApplyEnabled = true
	}
	if throttleActive {
		policy.RepairAutoApplyEnabled = false
	}
	return policy
}

func worseStatus(a, b domain.SLOStatus) domain.SLOStatus {
	rank := map[domain.SLOStatus]int{domain.SLOHealthy: 0, domain.SLOMonitor: 1, domain.SLODegraded: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
