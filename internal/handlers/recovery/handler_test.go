package recovery

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

func TestHandlerSummarizesSleepSorenessEnergy(t *testing.T) {
	now := time.Now()
	events := []domain.Event{
		{ID: "e1", UserID: "u1", EventType: "sleep.logged", OccurredAt: now, Data: map[string]any{"duration_hours": 7.0, "quality": 8.0}},
		{ID: "e2", UserID: "u1", EventType: "sleep.logged", OccurredAt: now.Add(24 * time.Hour), Data: map[string]any{"duration_hours": 9.0, "quality": 6.0}},
		{ID: "e3", UserID: "u1", EventType: "soreness.logged", OccurredAt: now, Data: map[string]any{"severity": 4.0, "area": "knee"}},
		{ID: "e4", UserID: "u1", EventType: "energy.logged", OccurredAt: now, Data: map[string]any{"level": 7.0}},
	}
	w := &fakeWriter{}
	require.NoError(t, NewHandler(w)(context.Background(), "u1", events))

	sleep := w.saved.Value["sleep"].(map[string]any)
	assert.Equal(t, 8.0, sleep["avg_duration_hours"])
	assert.Equal(t, 7.0, sleep["avg_quality"])

	soreness := w.saved.Value["soreness"].(map[string]any)
	byArea := soreness["by_area"].(map[string]int)
	assert.Equal(t, 1, byArea["knee"])

	energy := w.saved.Value["energy"].(map[string]any)
	assert.Equal(t, 7.0, energy["avg_level"])

	dailyLog := w.saved.Value["daily_log"].([]map[string]any)
	assert.NotEmpty(t, dailyLog)
}

func TestHandlerEmptySignalsReportZeroSampleCount(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, NewHandler(w)(context.Background(), "u1", nil))

	sleep := w.saved.Value["sleep"].(map[string]any)
	assert.Equal(t, 0, sleep["sample_count"])
}

func TestBuildDailyLogCapsToRecentWindow(t *testing.T) {
	base := time.Now().Add(-40 * 24 * time.Hour)
	var sleeps []domain.Event
	for i := 0; i < 40; i++ {
		sleeps = append(sleeps, domain.Event{
			ID: "e", OccurredAt: base.Add(time.Duration(i) * 24 * time.Hour),
			Data: map[string]any{"duration_hours": 7.0},
		})
	}
	log := buildDailyLog(sleeps, nil, nil)
	assert.LessOrEqual(t, len(log), recentDaysWindow)
}

func TestManifestContributionCountsEventsByType(t *testing.T) {
	events := []domain.Event{
		{ID: "e1", EventType: "sleep.logged"},
		{ID: "e2", EventType: "sleep.logged"},
		{ID: "e3", EventType: "energy.logged"},
	}
	out := ManifestContribution(events)
	counts := out["sample_counts"].(map[string]int)
	assert.Equal(t, 2, counts["sleep.logged"])
	assert.Equal(t, 1, counts["energy.logged"])
}

func TestDimensionMetadata(t *testing.T) {
	d := Dimension()
	assert.Equal(t, "recovery", d.Name)
	assert.Contains(t, d.EventTypes, "sleep.logged")
}
