// Package qualityhealth implements the quality_health projection dimension
// (spec §4.4.7, §4.6): a per-user snapshot of open data-quality issues, the
// repair proposals tracking them, and the current SLO-derived autonomy
// policy. The issue list here is always freshly detected from the event
// log (pure, idempotent); the proposal/autonomy figures are read from the
// durable internal/repair store, since a proposal's lifecycle survives
// across recomputes that the projection itself cannot.
package qualityhealth

import (
	"context"
	"sort"

	"github.com/kurahq/kura/internal/aliasmap"
	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/quality"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/resolver"
)

// ProjectionType is the projection_type this handler writes.
const ProjectionType = "quality_health"

// ProjectionWriter is the subset of eventstore.Store this handler needs.
type ProjectionWriter interface {
	UpsertProjection(ctx context.Context, p domain.Projection) error
}

// ProposalReader is the subset of repair.Store this handler reads from, to
// report each open issue's repair state alongside its detection.
type ProposalReader interface {
	ForUser(ctx context.Context, userID string) ([]domain.RepairProposal, error)
	GetAutonomyPolicy(ctx context.Context, userID string) (domain.AutonomyPolicy, error)
}

// eventTypes is every event type at least one invariant in spec §4.6.1's
// table reacts to; any one of them arriving re-triggers a full re-detect.
var eventTypes = []string{
	"set.logged", "session.logged", "set.corrected", "event.retracted",
	"preference.set", "plan.created", "plan.updated", "workflow.onboarding.closed",
	"goal.set", "profile.updated", "context.mentioned", "external_import.recorded",
	"exercise.alias_created",
}

// Dimension returns the registry metadata for bootstrap registration.
func Dimension() registry.DimensionMeta {
	return registry.DimensionMeta{
		Name:           "quality_health",
		EventTypes:     eventTypes,
		ProjectionType: ProjectionType,
	}
}

// NewHandler returns the ProjectionHandler for this dimension.
func NewHandler(store ProjectionWriter, proposals ProposalReader) registry.ProjectionHandler {
	return func(ctx context.Context, userID string, events []domain.Event) error {
		resolved := resolver.Resolve(events)
		aliases := aliasmap.BuildFromEvents(resolved)
		catalog := quality.DefaultCatalog()
		issues := quality.DetectAll(userID, resolved, aliases, catalog)

		byInvariant := make(map[string]int, 10)
		bySeverity := make(map[string]int, 4)
		for _, issue := range issues {
			byInvariant[issue.Invariant]++
			bySeverity[string(issue.Severity)]++
		}

		issueList := make([]map[string]any, 0, len(issues))
		sourceIDs := make([]string, 0, len(issues))
		for _, issue := range issues {
			issueList = append(issueList, map[string]any{
				"issue_id":    issue.IssueID,
				"invariant":   issue.Invariant,
				"issue_type":  issue.IssueType,
				"severity":    issue.Severity,
				"detail":      issue.Detail,
				"detected_at": issue.DetectedAt,
			})
			if eventID, ok := issue.Metrics["event_id"].(string); ok {
				sourceIDs = append(sourceIDs, eventID)
			}
		}
		sort.Strings(sourceIDs)

		proposalsList := []map[string]any{}
		if proposals != nil {
			records, err := proposals.ForUser(ctx, userID)
			if err != nil {
				return err
			}
			for _, p := range records {
				proposalsList = append(proposalsList, map[string]any{
					"proposal_id":  p.ProposalID,
					"issue_id":     p.IssueID,
					"invariant_id": p.InvariantID,
					"tier":         p.Tier,
					"state":        p.State,
					"reject_code":  p.RejectCode,
					"confidence":   p.RepairProvenance.Confidence,
					"source_type":  p.RepairProvenance.SourceType,
				})
			}
		}

		autonomy := map[string]any{}
		if proposals != nil {
			policy, err := proposals.GetAutonomyPolicy(ctx, userID)
			if err != nil {
				return err
			}
			autonomy = map[string]any{
				"slo_status":                   policy.SLOStatus,
				"calibration_status":           policy.CalibrationStatus,
				"throttle_active":              policy.ThrottleActive,
				"max_scope_level":              policy.MaxScopeLevel,
				"confirmations_required":       policy.ConfirmationsRequired,
				"repair_confirmation_required": policy.RepairConfirmationRequired,
				"repair_auto_apply_enabled":    policy.RepairAutoApplyEnabled,
			}
		}

		value := map[string]any{
			"issue_count_by_invariant": byInvariant,
			"issue_count_by_severity":  bySeverity,
			"issues":                   issueList,
			"repair_proposals":         proposalsList,
			"autonomy_policy":          autonomy,
		}

		return store.UpsertProjection(ctx, domain.Projection{
			UserID: userID, ProjectionType: ProjectionType, Key: "summary",
			Value: value, SourceEventIDs: sourceIDs,
		})
	}
}
