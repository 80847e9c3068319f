package customprojection

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesForUserUnmarshalsSourceEventsAndFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "kind", "source_events", "fields", "group_by"}).
		AddRow("rule1", "field_tracking", `["meal.logged"]`, `["calories"]`, nil)
	mock.ExpectQuery("SELECT id, kind, source_events, fields, group_by").
		WithArgs("u1").
		WillReturnRows(rows)

	s := NewStore(db)
	out, err := s.RulesForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "rule1", out[0].ID)
	assert.Equal(t, KindFieldTracking, out[0].Kind)
	assert.Equal(t, []string{"meal.logged"}, out[0].SourceEvents)
	assert.Equal(t, []string{"calories"}, out[0].Fields)
	assert.Equal(t, "", out[0].GroupBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRulesForUserPropagatesGroupBy(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "kind", "source_events", "fields", "group_by"}).
		AddRow("rule1", "categorized_tracking", `["meal.logged"]`, `["calories","meal_type"]`, "meal_type")
	mock.ExpectQuery("SELECT id, kind, source_events, fields, group_by").
		WithArgs("u1").
		WillReturnRows(rows)

	s := NewStore(db)
	out, err := s.RulesForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "meal_type", out[0].GroupBy)
}

func TestCreateRuleValidatesBeforeInserting(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db)
	err = s.CreateRule(context.Background(), "u1", Rule{ID: "bad", Kind: KindFieldTracking})
	assert.Error(t, err)
}

func TestCreateRuleInsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO projection_rules").
		WithArgs("rule1", "u1", "field_tracking", sqlmock.AnyArg(), sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db)
	rule := Rule{ID: "rule1", Kind: KindFieldTracking, SourceEvents: []string{"meal.logged"}, Fields: []string{"calories"}}
	require.NoError(t, s.CreateRule(context.Background(), "u1", rule))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveRuleUpdatesArchivedAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE projection_rules SET archived_at").
		WithArgs("u1", "rule1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db)
	require.NoError(t, s.ArchiveRule(context.Background(), "u1", "rule1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
