package quality

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CapabilityReport describes which optional relations are present, so
// handlers that touch them (e.g. external_import_jobs) can degrade
// gracefully instead of aborting the surrounding transaction, matching
// schema_capabilities.py's build_schema_capability_report.
type CapabilityReport struct {
	Status           string          `json:"status"`
	CheckedAt        time.Time       `json:"checked_at"`
	MissingRelations []string        `json:"missing_relations"`
	Relations        map[string]bool `json:"relations"`
}

// OptionalRelations are relations whose absence degrades functionality
// rather than failing startup — a fresh database may not have run every
// optional migration yet.
var OptionalRelations = []string{
	"external_import_jobs",
	"projection_rules",
	"learning_signals",
}

// RelationExists checks existence via to_regclass, which (unlike querying
// information_schema or attempting a SELECT) never aborts the surrounding
// transaction when the relation is absent.
func RelationExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	const q = `SELECT to_regclass('public.' || $1) IS NOT NULL`
	var exists bool
	if err := db.QueryRowContext(ctx, q, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("quality: relation_exists %s: %w", name, err)
	}
	return exists, nil
}

// DetectCapabilities builds a CapabilityReport for every OptionalRelations
// entry.
func DetectCapabilities(ctx context.Context, db *sql.DB) (CapabilityReport, error) {
	report := CapabilityReport{
		CheckedAt: time.Now(),
		Relations: make(map[string]bool, len(OptionalRelations)),
	}
	for _, name := range OptionalRelations {
		exists, err := RelationExists(ctx, db, name)
		if err != nil {
			return CapabilityReport{}, err
		}
		report.Relations[name] = exists
		if !exists {
			report.MissingRelations = append(report.MissingRelations, name)
		}
	}
	if len(report.MissingRelations) == 0 {
		report.Status = "full"
	} else {
		report.Status = "degraded"
	}
	return report, nil
}
