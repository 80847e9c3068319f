package bodycomposition

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

func TestHandlerSummarizesWeightAndMeasurements(t *testing.T) {
	now := time.Now()
	events := []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "bodyweight.logged", OccurredAt: now, Data: map[string]any{"weight_kg": 80.0}},
		{ID: "e2", UserID: "u1", EventType: "bodyweight.logged", OccurredAt: now.Add(24 * time.Hour), Data: map[string]any{"weight_kg": 81.0}},
		{ID: "e3", UserID: "u1", EventType: "measurement.logged", OccurredAt: now, Data: map[string]any{"type": "waist", "value_cm": 85.0}},
	}
	w := &fakeWriter{}
	require.NoError(t, NewHandler(w)(context.Background(), "u1", events))

	weight := w.saved.Value["weight"].(map[string]any)
	assert.Equal(t, 81.0, weight["latest_kg"])
	assert.Equal(t, 80.5, weight["avg_kg"])

	measurements := w.saved.Value["measurements"].(map[string]any)
	waist := measurements["waist"].(map[string]any)
	assert.Equal(t, 85.0, waist["latest_cm"])
}

func TestHandlerFlagsImplausibleWeight(t *testing.T) {
	now := time.Now()
	events := []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "bodyweight.logged", OccurredAt: now, Data: map[string]any{"weight_kg": 400.0}},
	}
	w := &fakeWriter{}
	require.NoError(t, NewHandler(w)(context.Background(), "u1", events))

	anomalies := w.saved.Value["anomalies"].([]map[string]any)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "implausible_weight", anomalies[0]["type"])
}

func TestHandlerFlagsDayOverDayJump(t *testing.T) {
	now := time.Now()
	events := []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "bodyweight.logged", OccurredAt: now, Data: map[string]any{"weight_kg": 80.0}},
		{ID: "e2", UserID: "u1", EventType: "bodyweight.logged", OccurredAt: now.Add(time.Hour), Data: map[string]any{"weight_kg": 90.0}},
	}
	w := &fakeWriter{}
	require.NoError(t, NewHandler(w)(context.Background(), "u1", events))

	anomalies := w.saved.Value["anomalies"].([]map[string]any)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "day_over_day_jump", anomalies[0]["type"])
}

func TestHandlerIgnoresJumpsOutsideAnomalyWindow(t *testing.T) {
	now := time.Now()
	events := []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "bodyweight.logged", OccurredAt: now, Data: map[string]any{"weight_kg": 80.0}},
		{ID: "e2", UserID: "u1", EventType: "bodyweight.logged", OccurredAt: now.Add(10 * 24 * time.Hour), Data: map[string]any{"weight_kg": 90.0}},
	}
	w := &fakeWriter{}
	require.NoError(t, NewHandler(w)(context.Background(), "u1", events))

	anomalies := w.saved.Value["anomalies"].([]map[string]any)
	assert.Empty(t, anomalies)
}

func TestManifestContributionReportsLatestWeight(t *testing.T) {
	now := time.Now()
	events := []domain.Event{
		{ID: "e1", EventType: "bodyweight.logged", OccurredAt: now, Data: map[string]any{"weight_kg": 80.0}},
		{ID: "e2", EventType: "bodyweight.logged", OccurredAt: now.Add(-time.Hour), Data: map[string]any{"weight_kg": 79.0}},
	}
	out := ManifestContribution(events)
	assert.Equal(t, true, out["has_weight_data"])
	assert.Equal(t, 80.0, out["latest_weight_kg"])
}

func TestManifestContributionNoDataWhenEmpty(t *testing.T) {
	out := ManifestContribution(nil)
	assert.Equal(t, false, out["has_weight_data"])
}

func TestDimensionMetadata(t *testing.T) {
	d := Dimension()
	assert.Equal(t, "body_composition", d.Name)
	assert.Contains(t, d.EventTypes, "bodyweight.logged")
}
