package trainingplan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurahq/kura/internal/domain"
)

type fakeWriter struct {
	saved domain.Projection
}

func (f *fakeWriter) UpsertProjection(ctx context.Context, p domain.Projection) error {
	f.saved = p
	return nil
}

func TestHandlerReconstructsActivePlanFromCreateAndUpdate(t *testing.T) {
	now := time.Now()
	events := []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "training_plan.created", OccurredAt: now, Data: map[string]any{"plan_id": "p1", "name": "Base Hypertrophy"}},
		{ID: "e2", UserID: "u1", EventType: "training_plan.updated", OccurredAt: now.Add(time.Hour), Data: map[string]any{"plan_id": "p1", "name": "Updated Hypertrophy"}},
	}
	w := &fakeWriter{}
	require.NoError(t, NewHandler(w)(context.Background(), "u1", events))

	active := w.saved.Value["active_plan"].(map[string]any)
	assert.Equal(t, "Updated Hypertrophy", active["name"])
	assert.Equal(t, "p1", active["plan_id"])
}

func TestHandlerArchivedPlanIsNotActive(t *testing.T) {
	now := time.Now()
	events := []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "training_plan.created", OccurredAt: now, Data: map[string]any{"plan_id": "p1", "name": "Old Plan"}},
		{ID: "e2", UserID: "u1", EventType: "training_plan.archived", OccurredAt: now.Add(time.Hour), Data: map[string]any{"plan_id": "p1"}},
	}
	w := &fakeWriter{}
	require.NoError(t, NewHandler(w)(context.Background(), "u1", events))
	assert.Nil(t, w.saved.Value["active_plan"])
}

func TestHandlerPicksMostRecentlyCreatedPlanAsActive(t *testing.T) {
	now := time.Now()
	events := []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "training_plan.created", OccurredAt: now, Data: map[string]any{"plan_id": "p1", "name": "First"}},
		{ID: "e2", UserID: "u1", EventType: "training_plan.created", OccurredAt: now.Add(time.Hour), Data: map[string]any{"plan_id": "p2", "name": "Second"}},
	}
	w := &fakeWriter{}
	require.NoError(t, NewHandler(w)(context.Background(), "u1", events))
	active := w.saved.Value["active_plan"].(map[string]any)
	assert.Equal(t, "p2", active["plan_id"])
}

func TestHandlerIgnoresEventsWithoutPlanID(t *testing.T) {
	events := []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "training_plan.created", Data: map[string]any{"name": "no id"}},
	}
	w := &fakeWriter{}
	require.NoError(t, NewHandler(w)(context.Background(), "u1", events))
	assert.Nil(t, w.saved.Value["active_plan"])
}

func TestManifestContributionReportsActivePlanName(t *testing.T) {
	events := []domain.Event{
		{ID: "e1", EventType: "training_plan.created", Data: map[string]any{"plan_id": "p1", "name": "Base Hypertrophy"}},
	}
	out := ManifestContribution(events)
	assert.Equal(t, true, out["has_active_plan"])
	assert.Equal(t, "Base Hypertrophy", out["plan_name"])
}

func TestManifestContributionNoActivePlanWhenNoneCreated(t *testing.T) {
	out := ManifestContribution(nil)
	assert.Equal(t, false, out["has_active_plan"])
}

func TestDimensionMetadata(t *testing.T) {
	d := Dimension()
	assert.Equal(t, "training_plan", d.Name)
	assert.Contains(t, d.EventTypes, "training_plan.created")
}
