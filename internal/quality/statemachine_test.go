package quality

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/registry"
)

func TestTransitionAllowsValidPathAndRejectsInvalid(t *testing.T) {
	p := &domain.RepairProposal{State: domain.ProposalProposed}

	require.NoError(t, Transition(p, domain.ProposalSimulatedSafe, "simulate ok"))
	assert.Equal(t, domain.ProposalSimulatedSafe, p.State)
	assert.Len(t, p.StateHistory, 1)
	assert.Equal(t, domain.ProposalProposed, p.StateHistory[0].From)

	err := Transition(p, domain.ProposalProposed, "backwards")
	assert.Error(t, err)
	assert.Equal(t, domain.ProposalSimulatedSafe, p.State, "state must not change on a rejected transition")
}

func TestNextStateAfterSimulateEmptyBatchRejected(t *testing.T) {
	p := domain.RepairProposal{Tier: domain.TierA}
	assert.Equal(t, domain.ProposalRejected, NextStateAfterSimulate(p, domain.SimulateResult{}))
}

func TestNextStateAfterSimulateTierASafeWhenClean(t *testing.T) {
	p := domain.RepairProposal{Tier: domain.TierA, ProposedEventBatch: []domain.Event{{ID: "e1"}}}
	sim := domain.SimulateResult{}
	assert.Equal(t, domain.ProposalSimulatedSafe, NextStateAfterSimulate(p, sim))
}

func TestNextStateAfterSimulateTierBAlwaysRisky(t *testing.T) {
	p := domain.RepairProposal{Tier: domain.TierB, ProposedEventBatch: []domain.Event{{ID: "e1"}}}
	assert.Equal(t, domain.ProposalSimulatedRisky, NextStateAfterSimulate(p, domain.SimulateResult{}))
}

func TestNextStateAfterSimulateWarningsForceRisky(t *testing.T) {
	p := domain.RepairProposal{Tier: domain.TierA, ProposedEventBatch: []domain.Event{{ID: "e1"}}}
	sim := domain.SimulateResult{Warnings: []string{"unknown_canonical_key"}}
	assert.Equal(t, domain.ProposalSimulatedRisky, NextStateAfterSimulate(p, sim))
}

func TestNextStateAfterSimulateUnknownImpactForcesRisky(t *testing.T) {
	p := domain.RepairProposal{Tier: domain.TierA, ProposedEventBatch: []domain.Event{{ID: "e1"}}}
	sim := domain.SimulateResult{ProjectionImpacts: []domain.ProjectionImpact{{Change: "unknown"}}}
	assert.Equal(t, domain.ProposalSimulatedRisky, NextStateAfterSimulate(p, sim))
}

func TestSimulateEmptyBatchWarns(t *testing.T) {
	reg := registry.New()
	result := Simulate(reg, DefaultCatalog(), domain.RepairProposal{})
	assert.Contains(t, result.Warnings, "empty_event_batch")
}

func TestSimulateReportsUnknownImpactWhenNoDimensionRegistered(t *testing.T) {
	reg := registry.New()
	proposal := domain.RepairProposal{
		ProposedEventBatch: []domain.Event{{EventType: "set.logged"}},
	}

	result := Simulate(reg, DefaultCatalog(), proposal)
	require.Len(t, result.ProjectionImpacts, 1)
	assert.Equal(t, "unknown", result.ProjectionImpacts[0].Change)
}

func TestSimulateReportsUpdateForRegisteredDimension(t *testing.T) {
	reg := registry.New()
	noop := func(ctx context.Context, userID string, events []domain.Event) error { return nil }
	reg.RegisterProjection(registry.DimensionMeta{
		Name:           "strength",
		EventTypes:     []string{"set.logged"},
		ProjectionType: "strength_projection",
	}, noop)

	proposal := domain.RepairProposal{
		ProposedEventBatch: []domain.Event{{EventType: "set.logged", Data: map[string]any{"exercise_id": "barbell_back_squat"}}},
	}

	result := Simulate(reg, DefaultCatalog(), proposal)
	require.Len(t, result.ProjectionImpacts, 1)
	assert.Equal(t, "update", result.ProjectionImpacts[0].Change)
	assert.Equal(t, "barbell_back_squat", result.ProjectionImpacts[0].Key)
}

func TestSimulateWarnsOnUnknownCanonicalAliasTarget(t *testing.T) {
	reg := registry.New()
	noop := func(ctx context.Context, userID string, events []domain.Event) error { return nil }
	reg.RegisterProjection(registry.DimensionMeta{Name: "exercise_progression", EventTypes: []string{"exercise.alias_created"}}, noop)

	proposal := domain.RepairProposal{
		ProposedEventBatch: []domain.Event{{EventType: "exercise.alias_created", Data: map[string]any{"exercise_id": "some_made_up_lift"}}},
	}

	result := Simulate(reg, DefaultCatalog(), proposal)
	assert.Contains(t, result.Warnings, "unknown_canonical_key")
}
