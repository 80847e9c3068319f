package customprojection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store is the Postgres-backed RuleSource, reading active (non-archived)
// rows from the projection_rules table that CreateRule and ArchiveRule
// write (spec §4.4.9).
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an existing *sql.DB as a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type ruleRow struct {
	ID           string          `db:"id"`
	Kind         string          `db:"kind"`
	SourceEvents json.RawMessage `db:"source_events"`
	Fields       json.RawMessage `db:"fields"`
	GroupBy      sql.NullString  `db:"group_by"`
}

// RulesForUser loads every rule for userID that has not been archived.
func (s *Store) RulesForUser(ctx context.Context, userID string) ([]Rule, error) {
	const q = `SELECT id, kind, source_events, fields, group_by
		FROM projection_rules WHERE user_id = $1 AND archived_at IS NULL ORDER BY created_at ASC`
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("customprojection: load rules for %s: %w", userID, err)
	}

	out := make([]Rule, 0, len(rows))
	for _, r := range rows {
		var sourceEvents, fields []string
		if err := json.Unmarshal(r.SourceEvents, &sourceEvents); err != nil {
			return nil, fmt.Errorf("customprojection: unmarshal source_events for rule %s: %w", r.ID, err)
		}
		if err := json.Unmarshal(r.Fields, &fields); err != nil {
			return nil, fmt.Errorf("customprojection: unmarshal fields for rule %s: %w", r.ID, err)
		}
		out = append(out, Rule{
			ID:            r.ID,
			Kind:          RuleKind(r.Kind),
			SourceEvents:  sourceEvents,
			Fields:        fields,
			GroupBy:       r.GroupBy.String,
			ProjectionKey: r.ID,
		})
	}
	return out, nil
}

// CreateRule validates r and inserts it as a new rule row; a row with the
// same id is left unchanged. No event handler in this module calls it.
func (s *Store) CreateRule(ctx context.Context, userID string, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	sourceEvents, err := json.Marshal(r.SourceEvents)
	if err != nil {
		return fmt.Errorf("customprojection: marshal source_events: %w", err)
	}
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("customprojection: marshal fields: %w", err)
	}

	const q = `
		INSERT INTO projection_rules (id, user_id, kind, source_events, fields, group_by, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NOW())
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, r.ID, userID, string(r.Kind), sourceEvents, fields, r.GroupBy); err != nil {
		return fmt.Errorf("customprojection: create rule %s: %w", r.ID, err)
	}
	return nil
}

// ArchiveRule marks a rule archived, so it stops contributing to future
// recomputes (the existing projection row is left in place as history).
func (s *Store) ArchiveRule(ctx context.Context, userID, ruleID string) error {
	const q = `UPDATE projection_rules SET archived_at = NOW() WHERE user_id = $1 AND id = $2 AND archived_at IS NULL`
	if _, err := s.db.ExecContext(ctx, q, userID, ruleID); err != nil {
		return fmt.Errorf("customprojection: archive rule %s: %w", ruleID, err)
	}
	return nil
}
