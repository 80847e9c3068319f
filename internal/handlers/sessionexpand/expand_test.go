package sessionexpand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurahq/kura/internal/domain"
)

func sessionEvent(data map[string]any) domain.Event {
	return domain.Event{ID: "e1", EventType: "session.logged", Data: data}
}

func TestExpandEventIgnoresNonSessionEvents(t *testing.T) {
	ev := domain.Event{ID: "e1", EventType: "set.logged", Data: map[string]any{}}
	assert.Empty(t, ExpandEvent(ev))
}

func TestExpandEventExpandsRepeatsFromDose(t *testing.T) {
	ev := sessionEvent(map[string]any{
		"session_id": "s1",
		"blocks": []any{
			map[string]any{
				"exercise_id": "barbell_back_squat",
				"dose":        map[string]any{"repeats": 3.0},
				"work":        map[string]any{"reps": 5.0},
				"metrics":     map[string]any{"weight_kg": 100.0},
			},
		},
	})
	sets := ExpandEvent(ev)
	require.Len(t, sets, 3)
	for i, s := range sets {
		assert.Equal(t, "barbell_back_squat", s.ExerciseID)
		assert.Equal(t, "s1", s.SessionID)
		assert.Equal(t, i, s.RepeatIndex)
		require.NotNil(t, s.WeightKG)
		assert.Equal(t, 100.0, *s.WeightKG)
		require.NotNil(t, s.Reps)
		assert.Equal(t, 5, *s.Reps)
	}
}

func TestExpandEventDefaultsToOneRepeatWithoutDose(t *testing.T) {
	ev := sessionEvent(map[string]any{
		"blocks": []any{
			map[string]any{"exercise_id": "deadlift", "work": map[string]any{"reps": 3.0}},
		},
	})
	sets := ExpandEvent(ev)
	require.Len(t, sets, 1)
	assert.Equal(t, 0, sets[0].RepeatIndex)
}

func TestExpandEventSkipsNonDecodableBlocks(t *testing.T) {
	ev := sessionEvent(map[string]any{"blocks": []any{"not-a-block", 42}})
	assert.Empty(t, ExpandEvent(ev))
}

func TestExpandEventExtractsRPEFromIntensityAnchors(t *testing.T) {
	ev := sessionEvent(map[string]any{
		"blocks": []any{
			map[string]any{
				"exercise_id": "squat",
				"intensity_anchors": []any{
					map[string]any{"type": "RPE", "value": 8.5},
					map[string]any{"type": "something_else", "value": 1.0},
				},
			},
		},
	})
	sets := ExpandEvent(ev)
	require.Len(t, sets, 1)
	require.NotNil(t, sets[0].RPE)
	assert.Equal(t, 8.5, *sets[0].RPE)
}

func TestExpandEventExtractsRelativeIntensity(t *testing.T) {
	ev := sessionEvent(map[string]any{
		"blocks": []any{
			map[string]any{
				"exercise_id":        "squat",
				"relative_intensity": map[string]any{"value_pct": 82.5, "reference_type": "e1rm"},
			},
		},
	})
	sets := ExpandEvent(ev)
	require.Len(t, sets, 1)
	require.NotNil(t, sets[0].RelativeIntensity)
	assert.Equal(t, 82.5, sets[0].RelativeIntensity.ValuePct)
	assert.Equal(t, "e1rm", sets[0].RelativeIntensity.ReferenceType)
}

func TestExpandEventToleratesCommaDecimalStrings(t *testing.T) {
	ev := sessionEvent(map[string]any{
		"blocks": []any{
			map[string]any{"exercise_id": "squat", "metrics": map[string]any{"weight_kg": "82,5"}},
		},
	})
	sets := ExpandEvent(ev)
	require.Len(t, sets, 1)
	require.NotNil(t, sets[0].WeightKG)
	assert.Equal(t, 82.5, *sets[0].WeightKG)
}

func TestExpandEventIgnoresNonPositiveRepeatCounts(t *testing.T) {
	ev := sessionEvent(map[string]any{
		"blocks": []any{
			map[string]any{"exercise_id": "squat", "dose": map[string]any{"repeats": -1.0}},
		},
	})
	sets := ExpandEvent(ev)
	require.Len(t, sets, 1, "non-positive repeats falls back to the default of 1")
}

func TestSetKeyIsStableAndUnique(t *testing.T) {
	a := Set{SourceEventID: "e1", BlockIndex: 0, RepeatIndex: 0}
	b := Set{SourceEventID: "e1", BlockIndex: 0, RepeatIndex: 1}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Equal(t, a.Key(), a.Key())
}
