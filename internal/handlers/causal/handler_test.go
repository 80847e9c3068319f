package causal

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

type fakeRecorder struct {
	runs []domain.InferenceRun
}

func (f *fakeRecorder) RecordInferenceRun(ctx context.Context, run domain.InferenceRun) error {
	f.runs = append(f.runs, run)
	return nil
}

func TestHandlerTooFewDaysLeavesEveryInterventionNil(t *testing.T) {
	w := &fakeWriter{}
	rec := &fakeRecorder{}
	now := time.Now()
	events := []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "energy.logged", OccurredAt: now, Data: map[string]any{"level": 7.0}},
	}
	require.NoError(t, NewHandler(w, rec)(context.Background(), "u1", events))

	results := w.saved.Value["interventions"].(map[string]any)
	require.Len(t, results, 3)
	for _, v := range results {
		assert.Nil(t, v)
	}
	// Three interventions attempted, each recorded as a failed run.
	assert.Len(t, rec.runs, 3)
	for _, run := range rec.runs {
		assert.Equal(t, domain.InferenceFailed, run.Status)
	}
}

func TestHandlerEnoughHistoryWithVariationProducesATE(t *testing.T) {
	base := time.Now().Add(-30 * 24 * time.Hour)
	var events []domain.Event
	for i := 0; i < 30; i++ {
		day := base.Add(time.Duration(i) * 24 * time.Hour)
		events = append(events, domain.Event{
			ID: "e", UserID: "u1", EventType: "energy.logged", OccurredAt: day,
			Data: map[string]any{"level": float64(5 + i%4)},
		})
		if i%3 == 0 {
			events = append(events, domain.Event{
				ID: "p", UserID: "u1", EventType: "training_plan.created", OccurredAt: day, Data: map[string]any{"plan_id": "p1"},
			})
		}
	}
	w := &fakeWriter{}
	rec := &fakeRecorder{}
	require.NoError(t, NewHandler(w, rec)(context.Background(), "u1", events))

	results := w.saved.Value["interventions"].(map[string]any)
	programChange := results[string(InterventionProgramChange)]
	if programChange != nil {
		entry := programChange.(map[string]any)
		assert.Contains(t, entry, "ate")
	}
}

func TestClampPropensityKeepsStrictlyInsideUnitInterval(t *testing.T) {
	assert.Equal(t, 0.05, clampPropensity(0))
	assert.Equal(t, 0.95, clampPropensity(1))
	assert.Equal(t, 0.5, clampPropensity(0.5))
}

func TestTreatedDispatchesByIntervention(t *testing.T) {
	c := &dayContext{programChanged: true, proteinG: 100, calories: 2000, sleepShift: true}
	assert.True(t, treated(InterventionProgramChange, c))
	assert.True(t, treated(InterventionNutritionShift, c))
	assert.True(t, treated(InterventionSleepIntervention, c))
	assert.False(t, treated(InterventionProgramChange, &dayContext{}))
}

func TestManifestContributionReportsContextDayCount(t *testing.T) {
	events := []domain.Event{
		{ID: "e1", EventType: "energy.logged", Data: map[string]any{"level": 5.0}},
	}
	out := ManifestContribution(events)
	assert.Equal(t, 1, out["context_day_count"])
	assert.Equal(t, historyDaysRequired, out["history_days_required"])
}

func TestDimensionMetadata(t *testing.T) {
	d := Dimension()
	assert.Equal(t, "causal", d.Name)
	assert.Contains(t, d.EventTypes, "meal.logged")
}
