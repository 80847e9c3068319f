package eventstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurahq/kura/internal/domain"
)

func TestAppendReturnsInsertedRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "event_type", "data", "metadata", "occurred_at", "recorded_at", "retracted"}).
		AddRow("e1", "u1", "set.logged", []byte(`{"weight_kg":100}`), []byte(`{}`), now, now, false)
	mock.ExpectQuery("INSERT INTO events").WillReturnRows(rows)

	s := New(db)
	ev, err := s.Append(context.Background(), domain.Event{
		ID: "e1", UserID: "u1", EventType: "set.logged",
		Data: map[string]any{"weight_kg": 100.0}, OccurredAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, 100.0, ev.Data["weight_kg"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendFallsBackToGetOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("INSERT INTO events").WillReturnError(sql.ErrNoRows)
	getRows := sqlmock.NewRows([]string{"id", "user_id", "event_type", "data", "metadata", "occurred_at", "recorded_at", "retracted"}).
		AddRow("e1", "u1", "set.logged", []byte(`{}`), []byte(`{}`), now, now, false)
	mock.ExpectQuery("SELECT id, user_id, event_type, data, metadata, occurred_at, recorded_at, retracted\\s+FROM events WHERE id = \\$1").
		WithArgs("e1").
		WillReturnRows(getRows)

	s := New(db)
	ev, err := s.Append(context.Background(), domain.Event{ID: "e1", UserID: "u1", EventType: "set.logged", OccurredAt: now})
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForUserOrdersAndUnmarshalsEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "event_type", "data", "metadata", "occurred_at", "recorded_at", "retracted"}).
		AddRow("e1", "u1", "set.logged", []byte(`{"weight_kg":100}`), []byte(`{}`), now, now, false).
		AddRow("e2", "u1", "set.logged", []byte(`{"weight_kg":105}`), []byte(`{}`), now.Add(time.Minute), now.Add(time.Minute), false)
	mock.ExpectQuery("FROM events WHERE user_id = \\$1 ORDER BY occurred_at ASC, id ASC").
		WithArgs("u1").
		WillReturnRows(rows)

	s := New(db)
	events, err := s.ForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[1].ID)
	assert.Equal(t, 105.0, events[1].Data["weight_kg"])
}

func TestForUserAndTypesFiltersByEventType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "event_type", "data", "metadata", "occurred_at", "recorded_at", "retracted"}).
		AddRow("e1", "u1", "sleep.logged", []byte(`{}`), []byte(`{}`), now, now, false)
	mock.ExpectQuery("FROM events WHERE user_id = \\$1 AND event_type = ANY\\(\\$2\\)").
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnRows(rows)

	s := New(db)
	events, err := s.ForUserAndTypes(context.Background(), "u1", []string{"sleep.logged"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "sleep.logged", events[0].EventType)
}

func TestMarkRetracted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE events SET retracted = true").WithArgs("e1").WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	require.NoError(t, s.MarkRetracted(context.Background(), "e1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProjectionWritesFullValue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO projections").
		WithArgs("u1", "strength_projection", "barbell_back_squat", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	err = s.UpsertProjection(context.Background(), domain.Projection{
		UserID: "u1", ProjectionType: "strength_projection", Key: "barbell_back_squat",
		Value: map[string]any{"est_1rm": 140.0},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProjection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM projections").
		WithArgs("u1", "exercise_progression", "bench").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	require.NoError(t, s.DeleteProjection(context.Background(), "u1", "exercise_progression", "bench"))
}

func TestRecordInferenceRunMintsIDWhenMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO inference_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	run := domain.InferenceRun{UserID: "u1", Engine: "readiness", Status: domain.InferenceSucceeded, StartedAt: time.Now(), CompletedAt: time.Now()}
	require.NoError(t, s.RecordInferenceRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProjectionUnmarshalsValueAndSources(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"user_id", "projection_type", "key", "value", "source_event_ids", "updated_at", "version"}).
		AddRow("u1", "strength_projection", "barbell_back_squat", []byte(`{"est_1rm":140}`), []byte(`["e1","e2"]`), now, int64(3))
	mock.ExpectQuery("FROM projections WHERE user_id = \\$1 AND projection_type = \\$2 AND key = \\$3").
		WithArgs("u1", "strength_projection", "barbell_back_squat").
		WillReturnRows(rows)

	s := New(db)
	p, err := s.GetProjection(context.Background(), "u1", "strength_projection", "barbell_back_squat")
	require.NoError(t, err)
	assert.Equal(t, 140.0, p.Value["est_1rm"])
	assert.Equal(t, int64(3), p.Version)
	assert.Equal(t, []string{"e1", "e2"}, p.SourceEventIDs)
}
