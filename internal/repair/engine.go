package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kurahq/kura/internal/aliasmap"
	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/quality"
	"github.com/kurahq/kura/internal/registry"
)

// JobType is the background job that drives one user's repair-proposal
// lifecycle forward: detect -> propose -> simulate -> gate -> apply ->
// verify (spec §4.6). It runs independently of projection recompute jobs
// since a proposal's state survives across recomputes.
const JobType = "repair.evaluate"

// EventLoader is the subset of eventstore.Store the engine needs to read a
// user's resolved event log.
type EventLoader interface {
	ForUser(ctx context.Context, userID string) ([]domain.Event, error)
}

// EventAppender is the subset of eventstore.Store the engine needs to apply
// a tier-A proposal's event batch.
type EventAppender interface {
	Append(ctx context.Context, ev domain.Event) (domain.Event, error)
}

// ProposalStore is the subset of Store the engine depends on, narrowed for
// testability.
type ProposalStore interface {
	Get(ctx context.Context, userID, proposalID string) (domain.RepairProposal, error)
	ForUser(ctx context.Context, userID string) ([]domain.RepairProposal, error)
	Save(ctx context.Context, userID string, p domain.RepairProposal, sim domain.SimulateResult) error
	GetAutonomyPolicy(ctx context.Context, userID string) (domain.AutonomyPolicy, error)
	SaveAutonomyPolicy(ctx context.Context, userID string, p domain.AutonomyPolicy) error
	CountOutcomes(ctx context.Context, userID string, window time.Duration) (applied, verified, manualRejections int, err error)
}

// Engine wires the quality package's stateless logic to durable storage and
// the event log, producing one full evaluation pass per call (spec §4.6.2
// through §4.6.7).
type Engine struct {
	events    EventLoader
	appender  EventAppender
	proposals ProposalStore
	registry  *registry.Registry
	catalog   *quality.Catalog
	log       *logrus.Entry
	throttle  func(userID string) bool
}

// New builds an Engine. throttle reports whether userID's auto-apply rate
// limit is currently exhausted; pass nil to never throttle.
func New(events EventLoader, appender EventAppender, proposals ProposalStore, reg *registry.Registry, log *logrus.Entry, throttle func(string) bool) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if throttle == nil {
		throttle = func(string) bool { return false }
	}
	return &Engine{
		events: events, appender: appender, proposals: proposals, registry: reg,
		catalog: quality.DefaultCatalog(), log: log, throttle: throttle,
	}
}

// NewJobHandler returns the registry.JobHandler for JobType.
func NewJobHandler(e *Engine) registry.JobHandler {
	return func(ctx context.Context, job domain.Job) error {
		return e.Evaluate(ctx, job.UserID)
	}
}

// Evaluate runs one full pass for userID: detect issues, reconcile against
// existing proposals (create new ones, leave terminal ones alone), simulate
// every non-terminal proposal, gate tier-A candidates for auto-apply, apply
// and verify the ones that pass, and refresh the cached autonomy policy.
func (e *Engine) Evaluate(ctx context.Context, userID string) error {
	events, err := e.events.ForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("repair: load events for %s: %w", userID, err)
	}

	aliases := aliasmap.BuildFromEvents(events)
	issues := quality.DetectAll(userID, events, aliases, e.catalog)

	existing, err := e.proposals.ForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("repair: load proposals for %s: %w", userID, err)
	}
	byIssue := make(map[string]domain.RepairProposal, len(existing))
	for _, p := range existing {
		byIssue[p.IssueID] = p
	}

	policy, err := e.proposals.GetAutonomyPolicy(ctx, userID)
	if err != nil {
		return fmt.Errorf("repair: load autonomy policy for %s: %w", userID, err)
	}

	for _, issue := range issues {
		if issue.Invariant != "INV-001" && issue.Invariant != "INV-003" {
			continue // detection-only invariants never get a proposal
		}
		proposal, ok := byIssue[issue.IssueID]
		if !ok {
			proposal = proposeFor(issue, aliases, e.catalog)
		}
		if isTerminal(proposal.State) {
			continue
		}

		sim := quality.Simulate(e.registry, e.catalog, proposal)

		if proposal.State == domain.ProposalProposed {
			next := quality.NextStateAfterSimulate(proposal, sim)
			if err := quality.Transition(&proposal, next, "simulate"); err != nil {
				e.log.WithError(err).Warn("repair: transition to simulated failed")
				continue
			}
		}

		if proposal.State == domain.ProposalSimulatedSafe {
			throttled := e.throttle(userID)
			if reject := quality.Gate(policy, proposal, sim, throttled); reject != "" {
				proposal.RejectCode = reject
				if err := quality.Transition(&proposal, domain.ProposalAutoApplyRejected, reject); err != nil {
					e.log.WithError(err).Warn("repair: transition to auto_apply_rejected failed")
				}
			} else if err := e.apply(ctx, userID, &proposal); err != nil {
				e.log.WithError(err).WithField("proposal_id", proposal.ProposalID).Error("repair: apply failed")
			}
		}

		if err := e.proposals.Save(ctx, userID, proposal, sim); err != nil {
			return fmt.Errorf("repair: save proposal %s: %w", proposal.ProposalID, err)
		}
	}

	return e.refreshAutonomyPolicy(ctx, userID, policy)
}

// apply appends the proposal's event batch plus a quality.fix.applied audit
// event and a learning.signal.logged telemetry event (spec §4.6.6 step 1),
// then re-evaluates invariants from scratch and closes the proposal only if
// the originating issue is no longer open (step 3). Every appended event
// carries an idempotency_key equal to its own ID, so a retried apply is a
// no-op against eventstore's insert-or-return-existing Append.
func (e *Engine) apply(ctx context.Context, userID string, proposal *domain.RepairProposal) error {
	now := time.Now()
	batch := append([]domain.Event{}, proposal.ProposedEventBatch...)
	batch = append(batch,
		domain.Event{
			ID: fmt.Sprintf("%s:fix_applied", proposal.ProposalID), UserID: userID,
			EventType: "quality.fix.applied", OccurredAt: now,
			Data:     map[string]any{"proposal_id": proposal.ProposalID, "issue_id": proposal.IssueID},
			Metadata: map[string]any{"idempotency_key": fmt.Sprintf("%s:fix_applied", proposal.ProposalID)},
		},
		domain.Event{
			ID: fmt.Sprintf("%s:learning_signal", proposal.ProposalID), UserID: userID,
			EventType: "learning.signal.logged", OccurredAt: now,
			Data:     map[string]any{"proposal_id": proposal.ProposalID, "invariant_id": proposal.InvariantID, "tier": proposal.Tier},
			Metadata: map[string]any{"idempotency_key": fmt.Sprintf("%s:learning_signal", proposal.ProposalID)},
		},
	)
	for i := range batch {
		batch[i].UserID = userID
		if batch[i].OccurredAt.IsZero() {
			batch[i].OccurredAt = now
		}
		if batch[i].Metadata == nil {
			batch[i].Metadata = map[string]any{"idempotency_key": batch[i].ID}
		}
		if _, err := e.appender.Append(ctx, batch[i]); err != nil {
			return fmt.Errorf("append repair event: %w", err)
		}
	}
	if err := quality.Transition(proposal, domain.ProposalApplied, "auto-applied"); err != nil {
		return err
	}

	events, err := e.events.ForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("reload events for verify: %w", err)
	}
	aliases := aliasmap.BuildFromEvents(events)
	issues := quality.DetectAll(userID, events, aliases, e.catalog)
	for _, issue := range issues {
		if issue.IssueID == proposal.IssueID {
			return nil // still open: proposal stays "applied", not yet verified
		}
	}

	closeEvents := []domain.Event{
		{ID: fmt.Sprintf("%s:issue_closed", proposal.ProposalID), UserID: userID, EventType: "quality.issue.closed", OccurredAt: now,
			Data: map[string]any{"issue_id": proposal.IssueID}, Metadata: map[string]any{"idempotency_key": fmt.Sprintf("%s:issue_closed", proposal.ProposalID)}},
		{ID: fmt.Sprintf("%s:verified_closed", proposal.ProposalID), UserID: userID, EventType: "repair_verified_closed", OccurredAt: now,
			Data: map[string]any{"proposal_id": proposal.ProposalID}, Metadata: map[string]any{"idempotency_key": fmt.Sprintf("%s:verified_closed", proposal.ProposalID)}},
	}
	for _, ev := range closeEvents {
		if _, err := e.appender.Append(ctx, ev); err != nil {
			return fmt.Errorf("append verify-closed telemetry: %w", err)
		}
	}
	return quality.Transition(proposal, domain.ProposalVerifiedClosed, "read_after_write_verify_ok")
}

func (e *Engine) refreshAutonomyPolicy(ctx context.Context, userID string, current domain.AutonomyPolicy) error {
	applied, verified, manualRejections, err := e.proposals.CountOutcomes(ctx, userID, quality.SLOWindow)
	if err != nil {
		return fmt.Errorf("repair: count outcomes for %s: %w", userID, err)
	}
	slo := quality.ComputeSLO(quality.SLOInputs{
		ProposalsApplied: applied,
		VerifiedClosed:   verified,
		VerifyFailures:   applied - verified,
		ManualRejections: manualRejections,
	})
	next := quality.DeriveAutonomyPolicy(slo, slo, e.throttle(userID))
	if next == current {
		return nil
	}
	return e.proposals.SaveAutonomyPolicy(ctx, userID, next)
}

func isTerminal(s domain.ProposalState) bool {
	return s == domain.ProposalRejected || s == domain.ProposalVerifiedClosed
}

// proposeFor builds the repair proposal for a fresh issue, per spec §4.6.2's
// candidate search (INV-001) or fixed estimate (INV-003).
func proposeFor(issue domain.QualityIssue, aliases aliasmap.Map, catalog *quality.Catalog) domain.RepairProposal {
	switch issue.Invariant {
	case "INV-001":
		term, _ := issue.Metrics["term"].(string)
		eventID, _ := issue.Metrics["event_id"].(string)
		source, canonical, confidence := candidateFor(term, catalog)
		batch := []domain.Event{{
			ID:        fmt.Sprintf("%s:alias", issue.IssueID),
			EventType: "exercise.alias_created",
			Data:      map[string]any{"alias": term, "exercise_id": canonical, "repairs_event_id": eventID},
		}}
		return quality.NewProposal(issue.IssueID, issue.Invariant, source, confidence, "exercise_progression",
			fmt.Sprintf("resolved %q to %q via %s", term, canonical, source), batch)
	case "INV-003":
		batch := []domain.Event{{
			ID:        fmt.Sprintf("%s:timezone", issue.IssueID),
			EventType: "preference.set",
			Data:      map[string]any{"key": "timezone", "value": "UTC"},
		}}
		return quality.NewProposal(issue.IssueID, issue.Invariant, domain.SourceEstimated, 0.45, "user_profile",
			"defaulted missing timezone preference to UTC", batch)
	default:
		return domain.RepairProposal{}
	}
}

// candidateFor runs the catalog/alias three-step search (spec §4.6.2):
// exact variant, then key-slug match, then slugified fallback, each
// narrower step only tried once the previous one misses.
func candidateFor(term string, catalog *quality.Catalog) (domain.RepairSourceType, string, float64) {
	if key, ok := catalog.VariantExact(term); ok {
		return domain.SourceCatalogVariantExact, key, 0.95
	}
	if key, ok := catalog.KeySlugMatch(term); ok {
		return domain.SourceCatalogKeySlug, key, 0.9
	}
	return domain.SourceSlugFallback, catalog.SlugFallback(term), 0.55
}
