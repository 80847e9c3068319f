package repair

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/quality"
	"github.com/kurahq/kura/internal/registry"
)

type fakeEvents struct {
	events []domain.Event
}

func (f *fakeEvents) ForUser(ctx context.Context, userID string) ([]domain.Event, error) {
	out := make([]domain.Event, len(f.events))
	copy(out, f.events)
	return out, nil
}

func (f *fakeEvents) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	f.events = append(f.events, ev)
	return ev, nil
}

type fakeProposals struct {
	byUser map[string]map[string]domain.RepairProposal
	policy domain.AutonomyPolicy
}

func newFakeProposals() *fakeProposals {
	return &fakeProposals{byUser: map[string]map[string]domain.RepairProposal{}}
}

func (f *fakeProposals) Get(ctx context.Context, userID, proposalID string) (domain.RepairProposal, error) {
	return f.byUser[userID][proposalID], nil
}

func (f *fakeProposals) ForUser(ctx context.Context, userID string) ([]domain.RepairProposal, error) {
	var out []domain.RepairProposal
	for _, p := range f.byUser[userID] {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeProposals) Save(ctx context.Context, userID string, p domain.RepairProposal, sim domain.SimulateResult) error {
	if f.byUser[userID] == nil {
		f.byUser[userID] = map[string]domain.RepairProposal{}
	}
	f.byUser[userID][p.ProposalID] = p
	return nil
}

func (f *fakeProposals) GetAutonomyPolicy(ctx context.Context, userID string) (domain.AutonomyPolicy, error) {
	return f.policy, nil
}

func (f *fakeProposals) SaveAutonomyPolicy(ctx context.Context, userID string, p domain.AutonomyPolicy) error {
	f.policy = p
	return nil
}

func (f *fakeProposals) CountOutcomes(ctx context.Context, userID string, window time.Duration) (int, int, int, error) {
	return 0, 0, 0, nil
}

func TestEvaluateCreatesAndAutoAppliesDeterministicINV001Proposal(t *testing.T) {
	// The timezone preference keeps INV-003 from raising a second proposal.
	events := &fakeEvents{events: []domain.Event{
		{ID: "e0", UserID: "u1", EventType: "preference.set", RecordedAt: time.Now(), Data: map[string]any{"key": "timezone", "value": "UTC"}},
		{ID: "e1", UserID: "u1", EventType: "set.logged", RecordedAt: time.Now(), Data: map[string]any{"exercise": "squat"}},
	}}
	proposals := newFakeProposals()
	proposals.policy = domain.AutonomyPolicy{RepairAutoApplyEnabled: true}
	reg := registry.New()
	reg.RegisterProjection(registry.DimensionMeta{Name: "exercise_progression", EventTypes: []string{"exercise.alias_created", "set.logged"}, ProjectionType: "exercise_progression"}, noopHandler)

	e := New(events, events, proposals, reg, logrus.NewEntry(logrus.New()), nil)
	require.NoError(t, e.Evaluate(context.Background(), "u1"))

	saved, err := proposals.ForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "INV-001", saved[0].Invariant)
	assert.Equal(t, domain.TierA, saved[0].Tier)
	assert.Equal(t, domain.ProposalVerifiedClosed, saved[0].State, "the alias-created event it appends resolves the term, so the issue closes on the same pass")

	// The alias-creation batch plus fix-applied/learning-signal/issue-closed/
	// verified-closed telemetry events should all have been appended.
	assert.Greater(t, len(events.events), 1)
}

func TestEvaluateLeavesTerminalProposalsAlone(t *testing.T) {
	events := &fakeEvents{events: []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "profile.updated", RecordedAt: time.Now()},
	}}
	proposals := newFakeProposals()
	proposals.byUser["u1"] = map[string]domain.RepairProposal{
		"INV-003:estimated": {ProposalID: "INV-003:estimated", IssueID: "INV-003:timezone_preference_missing", Invariant: "INV-003", State: domain.ProposalRejected},
	}
	reg := registry.New()

	e := New(events, events, proposals, reg, logrus.NewEntry(logrus.New()), nil)
	require.NoError(t, e.Evaluate(context.Background(), "u1"))

	saved := proposals.byUser["u1"]["INV-003:estimated"]
	assert.Equal(t, domain.ProposalRejected, saved.State)
}

func TestEvaluateRespectsThrottle(t *testing.T) {
	// The timezone preference keeps INV-003 from raising a second proposal.
	events := &fakeEvents{events: []domain.Event{
		{ID: "e0", UserID: "u1", EventType: "preference.set", RecordedAt: time.Now(), Data: map[string]any{"key": "timezone", "value": "UTC"}},
		{ID: "e1", UserID: "u1", EventType: "set.logged", RecordedAt: time.Now(), Data: map[string]any{"exercise": "squat"}},
	}}
	proposals := newFakeProposals()
	proposals.policy = domain.AutonomyPolicy{RepairAutoApplyEnabled: true}
	reg := registry.New()
	reg.RegisterProjection(registry.DimensionMeta{Name: "exercise_progression", EventTypes: []string{"exercise.alias_created", "set.logged"}, ProjectionType: "exercise_progression"}, noopHandler)

	throttled := func(string) bool { return true }
	e := New(events, events, proposals, reg, logrus.NewEntry(logrus.New()), throttled)
	require.NoError(t, e.Evaluate(context.Background(), "u1"))

	saved, err := proposals.ForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, domain.ProposalAutoApplyRejected, saved[0].State)
	assert.Equal(t, "autonomy_throttled", saved[0].RejectCode)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(domain.ProposalRejected))
	assert.True(t, isTerminal(domain.ProposalVerifiedClosed))
	assert.False(t, isTerminal(domain.ProposalProposed))
	assert.False(t, isTerminal(domain.ProposalSimulatedSafe))
}

func TestCandidateForExactVariantBeatsSlugFallback(t *testing.T) {
	catalog := quality.DefaultCatalog()
	source, canonical, confidence := candidateFor("squat", catalog)
	assert.Equal(t, domain.SourceCatalogVariantExact, source)
	assert.Equal(t, "barbell_back_squat", canonical)
	assert.Equal(t, 0.95, confidence)
}

func TestCandidateForFallsBackToSlug(t *testing.T) {
	catalog := quality.DefaultCatalog()
	source, canonical, _ := candidateFor("some made up lift", catalog)
	assert.Equal(t, domain.SourceSlugFallback, source)
	assert.Equal(t, "some_made_up_lift", canonical)
}

func TestProposeForINV001BuildsAliasEventBatch(t *testing.T) {
	catalog := quality.DefaultCatalog()
	issue := domain.QualityIssue{
		IssueID: "INV-001:unresolved_exercise_identity", Invariant: "INV-001",
		Metrics: map[string]any{"term": "squat", "event_id": "e1"},
	}
	p := proposeFor(issue, nil, catalog)
	require.Len(t, p.ProposedEventBatch, 1)
	assert.Equal(t, "exercise.alias_created", p.ProposedEventBatch[0].EventType)
	assert.Equal(t, domain.TierA, p.Tier)
}

func noopHandler(ctx context.Context, userID string, events []domain.Event) error { return nil }
