// Package repair is the durable half of the quality/repair engine (spec
// §4.6): it persists a proposal's lifecycle across quality_health
// recomputes (the projection itself is a pure function of the event log;
// a proposal's simulate/gate/apply/verify history is not, so it lives
// here instead), and drives that lifecycle forward one evaluation at a
// time. Grounded on the eventstore/jobqueue package shape — same
// sqlx-over-*sql.DB boundary, same upsert-by-natural-key pattern.
package repair

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kurahq/kura/internal/domain"
)

// Store is the repair_proposals/autonomy_policies persistence boundary.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an existing *sql.DB (shared with eventstore/jobqueue) as a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type proposalRow struct {
	ProposalID         string          `db:"proposal_id"`
	UserID             string          `db:"user_id"`
	IssueID            string          `db:"issue_id"`
	InvariantID        string          `db:"invariant_id"`
	Tier               string          `db:"tier"`
	State              string          `db:"state"`
	RejectCode         sql.NullString  `db:"reject_code"`
	SourceType         string          `db:"source_type"`
	Confidence         float64         `db:"confidence"`
	ConfidenceBand     string          `db:"confidence_band"`
	AppliesScope       string          `db:"applies_scope"`
	Reason             string          `db:"reason"`
	ProposedEventBatch json.RawMessage `db:"proposed_event_batch"`
	SimulateResult     json.RawMessage `db:"simulate_result"`
	StateHistory       json.RawMessage `db:"state_history"`
	CreatedAt          time.Time       `db:"created_at"`
}

func (r proposalRow) toDomain() (domain.RepairProposal, error) {
	p := domain.RepairProposal{
		ProposalID:  r.ProposalID,
		IssueID:     r.IssueID,
		InvariantID: r.InvariantID,
		Tier:        domain.RepairTier(r.Tier),
		State:       domain.ProposalState(r.State),
		RejectCode:  r.RejectCode.String,
		CreatedAt:   r.CreatedAt,
		RepairProvenance: domain.RepairProvenance{
			SourceType:   domain.RepairSourceType(r.SourceType),
			Confidence:   r.Confidence,
			Band:         domain.RepairConfidenceBand(r.ConfidenceBand),
			AppliesScope: r.AppliesScope,
			Reason:       r.Reason,
		},
	}
	if len(r.ProposedEventBatch) > 0 {
		if err := json.Unmarshal(r.ProposedEventBatch, &p.ProposedEventBatch); err != nil {
			return domain.RepairProposal{}, fmt.Errorf("repair: unmarshal event batch: %w", err)
		}
	}
	if len(r.StateHistory) > 0 {
		if err := json.Unmarshal(r.StateHistory, &p.StateHistory); err != nil {
			return domain.RepairProposal{}, fmt.Errorf("repair: unmarshal state history: %w", err)
		}
	}
	return p, nil
}

// Get fetches a single proposal by (userID, proposalID). sql.ErrNoRows is
// returned unwrapped so callers can branch on "doesn't exist yet".
func (s *Store) Get(ctx context.Context, userID, proposalID string) (domain.RepairProposal, error) {
	const q = `SELECT proposal_id, user_id, issue_id, invariant_id, tier, state, reject_code,
		source_type, confidence, confidence_band, applies_scope, reason,
		proposed_event_batch, simulate_result, state_history, created_at
		FROM repair_proposals WHERE user_id = $1 AND proposal_id = $2`
	var row proposalRow
	if err := s.db.GetContext(ctx, &row, q, userID, proposalID); err != nil {
		if err == sql.ErrNoRows {
			return domain.RepairProposal{}, sql.ErrNoRows
		}
		return domain.RepairProposal{}, fmt.Errorf("repair: get proposal: %w", err)
	}
	return row.toDomain()
}

// ForUser lists every proposal recorded for a user, most recent first.
func (s *Store) ForUser(ctx context.Context, userID string) ([]domain.RepairProposal, error) {
	const q = `SELECT proposal_id, user_id, issue_id, invariant_id, tier, state, reject_code,
		source_type, confidence, confidence_band, applies_scope, reason,
		proposed_event_batch, simulate_result, state_history, created_at
		FROM repair_proposals WHERE user_id = $1 ORDER BY created_at DESC`
	var rows []proposalRow
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("repair: list proposals for %s: %w", userID, err)
	}
	out := make([]domain.RepairProposal, 0, len(rows))
	for _, r := range rows {
		p, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Save upserts a proposal by its natural key (user_id, proposal_id),
// replacing the whole row — the engine always writes the full current
// state, never a partial patch.
func (s *Store) Save(ctx context.Context, userID string, p domain.RepairProposal, sim domain.SimulateResult) error {
	batch, err := json.Marshal(p.ProposedEventBatch)
	if err != nil {
		return fmt.Errorf("repair: marshal event batch: %w", err)
	}
	simJSON, err := json.Marshal(sim)
	if err != nil {
		return fmt.Errorf("repair: marshal simulate result: %w", err)
	}
	history, err := json.Marshal(p.StateHistory)
	if err != nil {
		return fmt.Errorf("repair: marshal state history: %w", err)
	}

	const q = `
		INSERT INTO repair_proposals (
			proposal_id, user_id, issue_id, invariant_id, tier, state, reject_code,
			source_type, confidence, confidence_band, applies_scope, reason,
			proposed_event_batch, simulate_result, state_history, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW(),NOW())
		ON CONFLICT (user_id, proposal_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			state = EXCLUDED.state,
			reject_code = EXCLUDED.reject_code,
			proposed_event_batch = EXCLUDED.proposed_event_batch,
			simulate_result = EXCLUDED.simulate_result,
			state_history = EXCLUDED.state_history,
			updated_at = NOW()`

	var rejectCode sql.NullString
	if p.RejectCode != "" {
		rejectCode = sql.NullString{String: p.RejectCode, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, q,
		p.ProposalID, userID, p.IssueID, p.InvariantID, string(p.Tier), string(p.State), rejectCode,
		string(p.RepairProvenance.SourceType), p.RepairProvenance.Confidence, string(p.RepairProvenance.Band),
		p.RepairProvenance.AppliesScope, p.RepairProvenance.Reason, batch, simJSON, history,
	)
	if err != nil {
		return fmt.Errorf("repair: save proposal: %w", err)
	}
	return nil
}

type autonomyRow struct {
	UserID                     string    `db:"user_id"`
	SLOStatus                  string    `db:"slo_status"`
	CalibrationStatus          string    `db:"calibration_status"`
	ThrottleActive             bool      `db:"throttle_active"`
	MaxScopeLevel              string    `db:"max_scope_level"`
	ConfirmationsRequired      bool      `db:"confirmations_required"`
	RepairConfirmationRequired bool      `db:"repair_confirmation_required"`
	RepairAutoApplyEnabled     bool      `db:"repair_auto_apply_enabled"`
	UpdatedAt                  time.Time `db:"updated_at"`
}

// GetAutonomyPolicy fetches the last-cached policy for userID, or the
// conservative all-manual default if none has been computed yet.
func (s *Store) GetAutonomyPolicy(ctx context.Context, userID string) (domain.AutonomyPolicy, error) {
	const q = `SELECT user_id, slo_status, calibration_status, throttle_active, max_scope_level,
		confirmations_required, repair_confirmation_required, repair_auto_apply_enabled, updated_at
		FROM autonomy_policies WHERE user_id = $1`
	var row autonomyRow
	err := s.db.GetContext(ctx, &row, q, userID)
	if err == sql.ErrNoRows {
		return domain.AutonomyPolicy{
			SLOStatus: domain.SLOHealthy, CalibrationStatus: domain.SLOHealthy,
			MaxScopeLevel: domain.ScopeStrict, ConfirmationsRequired: true,
			RepairConfirmationRequired: true, RepairAutoApplyEnabled: false,
		}, nil
	}
	if err != nil {
		return domain.AutonomyPolicy{}, fmt.Errorf("repair: get autonomy policy: %w", err)
	}
	return domain.AutonomyPolicy{
		SLOStatus: domain.SLOStatus(row.SLOStatus), CalibrationStatus: domain.SLOStatus(row.CalibrationStatus),
		ThrottleActive: row.ThrottleActive, MaxScopeLevel: domain.ScopeLevel(row.MaxScopeLevel),
		ConfirmationsRequired: row.ConfirmationsRequired, RepairConfirmationRequired: row.RepairConfirmationRequired,
		RepairAutoApplyEnabled: row.RepairAutoApplyEnabled,
	}, nil
}

// SaveAutonomyPolicy caches the freshly-derived policy for userID.
func (s *Store) SaveAutonomyPolicy(ctx context.Context, userID string, p domain.AutonomyPolicy) error {
	const q = `
		INSERT INTO autonomy_policies (
			user_id, slo_status, calibration_status, throttle_active, max_scope_level,
			confirmations_required, repair_confirmation_required, repair_auto_apply_enabled, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			slo_status = EXCLUDED.slo_status,
			calibration_status = EXCLUDED.calibration_status,
			throttle_active = EXCLUDED.throttle_active,
			max_scope_level = EXCLUDED.max_scope_level,
			confirmations_required = EXCLUDED.confirmations_required,
			repair_confirmation_required = EXCLUDED.repair_confirmation_required,
			repair_auto_apply_enabled = EXCLUDED.repair_auto_apply_enabled,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, q, userID, string(p.SLOStatus), string(p.CalibrationStatus), p.ThrottleActive,
		string(p.MaxScopeLevel), p.ConfirmationsRequired, p.RepairConfirmationRequired, p.RepairAutoApplyEnabled)
	if err != nil {
		return fmt.Errorf("repair: save autonomy policy: %w", err)
	}
	return nil
}

// CountOutcomes tallies applied (applied or verified_closed), verified and
// rejected proposals for userID created within window, feeding
// quality.ComputeSLO; the engine derives verify failures as applied minus
// verified.
func (s *Store) CountOutcomes(ctx context.Context, userID string, window time.Duration) (applied, verified, manualRejections int, err error) {
	const q = `
		SELECT
			COUNT(*) FILTER (WHERE state IN ('applied','verified_closed')) AS applied,
			COUNT(*) FILTER (WHERE state = 'verified_closed') AS verified,
			COUNT(*) FILTER (WHERE state = 'rejected') AS rejected
		FROM repair_proposals WHERE user_id = $1 AND created_at >= NOW() - $2::interval`
	var row struct {
		Applied  int `db:"applied"`
		Verified int `db:"verified"`
		Rejected int `db:"rejected"`
	}
	if getErr := s.db.GetContext(ctx, &row, q, userID, fmt.Sprintf("%d seconds", int(window.Seconds()))); getErr != nil {
		return 0, 0, 0, fmt.Errorf("repair: count outcomes: %w", getErr)
	}
	return row.Applied, row.Verified, row.Rejected, nil
}
