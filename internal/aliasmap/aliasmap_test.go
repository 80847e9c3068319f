package aliasmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kurahq/kura/internal/domain"
)

func aliasEvent(id, alias, canonical string, occurredAt time.Time) domain.Event {
	return domain.Event{
		ID: id, UserID: "u1", EventType: "exercise.alias_created", OccurredAt: occurredAt,
		Data: map[string]any{"alias": alias, "exercise_id": canonical},
	}
}

func TestBuildFromEventsKeepsMostRecentAliasPerTerm(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []domain.Event{
		aliasEvent("a1", "bench", "barbell_bench_press", t0),
		aliasEvent("a2", "Bench", "bb_bench", t0.Add(time.Minute)),
	}

	m := BuildFromEvents(events)
	assert.Equal(t, "bb_bench", m["bench"])
}

func TestResolveDirectAlias(t *testing.T) {
	m := Map{"squats": "barbell_back_squat"}
	canonical, ok := Resolve(m, "Squats")
	assert.True(t, ok)
	assert.Equal(t, "barbell_back_squat", canonical)
}

func TestResolveChainedAlias(t *testing.T) {
	m := Map{"bp": "bench", "bench": "barbell_bench_press"}
	canonical, ok := Resolve(m, "bp")
	assert.True(t, ok)
	assert.Equal(t, "barbell_bench_press", canonical)
}

func TestResolveUnknownTerm(t *testing.T) {
	m := Map{"squats": "barbell_back_squat"}
	_, ok := Resolve(m, "deadlift")
	assert.False(t, ok)
}

func TestResolveCycleTerminates(t *testing.T) {
	m := Map{"a": "b", "b": "a"}
	canonical, ok := Resolve(m, "a")
	assert.True(t, ok)
	assert.NotEmpty(t, canonical)
}

func TestKnown(t *testing.T) {
	m := Map{"squats": "barbell_back_squat"}
	assert.True(t, Known(m, "squats"))
	assert.False(t, Known(m, "lunges"))
}
