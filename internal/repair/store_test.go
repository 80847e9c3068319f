package repair

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

func TestGetReturnsErrNoRowsUnwrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT proposal_id").WithArgs("u1", "missing").WillReturnError(sql.ErrNoRows)

	s := NewStore(db)
	_, err = s.Get(context.Background(), "u1", "missing")
	assert.Equal(t, sql.ErrNoRows, err)
}

func TestGetUnmarshalsProposal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	cols := []string{"proposal_id", "user_id", "issue_id", "invariant_id", "tier", "state", "reject_code",
		"source_type", "confidence", "confidence_band", "applies_scope", "reason",
		"proposed_event_batch", "simulate_result", "state_history", "created_at"}
	rows := sqlmock.NewRows(cols).AddRow(
		"INV-001:e1:catalog_variant_exact", "u1", "INV-001:unresolved_exercise_identity", "INV-001", "A", "proposed", nil,
		"catalog_variant_exact", 0.95, "high", "exercise_progression", "resolved squat",
		[]byte(`[]`), []byte(`{}`), []byte(`[]`), now,
	)
	mock.ExpectQuery("SELECT proposal_id").WithArgs("u1", "INV-001:e1:catalog_variant_exact").WillReturnRows(rows)

	s := NewStore(db)
	p, err := s.Get(context.Background(), "u1", "INV-001:e1:catalog_variant_exact")
	require.NoError(t, err)
	assert.Equal(t, domain.TierA, p.Tier)
	assert.Equal(t, domain.ProposalProposed, p.State)
	assert.Equal(t, domain.ConfidenceHigh, p.RepairProvenance.Band)
}

func TestForUserOrdersByCreatedAtDesc(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"proposal_id", "user_id", "issue_id", "invariant_id", "tier", "state", "reject_code",
		"source_type", "confidence", "confidence_band", "applies_scope", "reason",
		"proposed_event_batch", "simulate_result", "state_history", "created_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("p2", "u1", "i2", "INV-001", "A", "proposed", nil, "catalog_variant_exact", 0.9, "high", "s", "r", []byte(`[]`), []byte(`{}`), []byte(`[]`), time.Now()).
		AddRow("p1", "u1", "i1", "INV-003", "B", "proposed", nil, "estimated", 0.4, "low", "s", "r", []byte(`[]`), []byte(`{}`), []byte(`[]`), time.Now())
	mock.ExpectQuery("FROM repair_proposals WHERE user_id = \\$1 ORDER BY created_at DESC").WithArgs("u1").WillReturnRows(rows)

	s := NewStore(db)
	proposals, err := s.ForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, proposals, 2)
	assert.Equal(t, "p2", proposals[0].ProposalID)
}

func TestSaveUpsertsProposal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO repair_proposals").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db)
	p := domain.RepairProposal{
		ProposalID: "INV-001:e1:catalog_variant_exact", IssueID: "i1", InvariantID: "INV-001",
		Tier: domain.TierA, State: domain.ProposalSimulatedSafe,
		RepairProvenance: domain.RepairProvenance{SourceType: domain.SourceCatalogVariantExact, Confidence: 0.95, Band: domain.ConfidenceHigh},
	}
	err = s.Save(context.Background(), "u1", p, domain.SimulateResult{})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAutonomyPolicyDefaultsToStrictWhenAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT user_id, slo_status").WithArgs("u1").WillReturnError(sql.ErrNoRows)

	s := NewStore(db)
	policy, err := s.GetAutonomyPolicy(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeStrict, policy.MaxScopeLevel)
	assert.True(t, policy.ConfirmationsRequired)
	assert.False(t, policy.RepairAutoApplyEnabled)
}

func TestGetAutonomyPolicyReturnsStoredRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{"user_id", "slo_status", "calibration_status", "throttle_active", "max_scope_level",
		"confirmations_required", "repair_confirmation_required", "repair_auto_apply_enabled", "updated_at"}
	rows := sqlmock.NewRows(cols).AddRow("u1", "healthy", "healthy", false, "moderate", false, false, true, time.Now())
	mock.ExpectQuery("SELECT user_id, slo_status").WithArgs("u1").WillReturnRows(rows)

	s := NewStore(db)
	policy, err := s.GetAutonomyPolicy(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScopeModerate, policy.MaxScopeLevel)
	assert.True(t, policy.RepairAutoApplyEnabled)
}

func TestSaveAutonomyPolicy(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO autonomy_policies").WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewStore(db)
	err = s.SaveAutonomyPolicy(context.Background(), "u1", domain.AutonomyPolicy{MaxScopeLevel: domain.ScopeModerate})
	require.NoError(t, err)
}

func TestCountOutcomes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"applied", "verified", "rejected"}).AddRow(5, 3, 1)
	mock.ExpectQuery("FROM repair_proposals WHERE user_id = \\$1 AND created_at").
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnRows(rows)

	s := NewStore(db)
	applied, verified, rejected, err := s.CountOutcomes(context.Background(), "u1", 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5, applied)
	assert.Equal(t, 3, verified)
	assert.Equal(t, 1, rejected)
}
