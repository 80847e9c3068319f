// Package eventstore is the Postgres-backed adapter for the append-only
// event log and the materialized projection table. Spec.md treats the
// store as an external collaborator (§4.1); this package is the concrete
// implementation this repo owns so the rest of the engine has something
// real to run against in tests.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kurahq/kura/internal/domain"
)

// Store is the event/projection persistence boundary.
type Store struct {
	db *sqlx.DB
}

// New wraps an existing *sql.DB (shared with the job queue) as a Store.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type eventRow struct {
	ID         string    `db:"id"`
	UserID     string    `db:"user_id"`
	EventType  string    `db:"event_type"`
	Data       []byte    `db:"data"`
	Metadata   []byte    `db:"metadata"`
	OccurredAt time.Time `db:"occurred_at"`
	RecordedAt time.Time `db:"recorded_at"`
	Retracted  bool      `db:"retracted"`
}

func (r eventRow) toDomain() (domain.Event, error) {
	ev := domain.Event{
		ID:         r.ID,
		UserID:     r.UserID,
		EventType:  r.EventType,
		OccurredAt: r.OccurredAt,
		RecordedAt: r.RecordedAt,
		Retracted:  r.Retracted,
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &ev.Data); err != nil {
			return domain.Event{}, fmt.Errorf("eventstore: unmarshal data: %w", err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &ev.Metadata); err != nil {
			return domain.Event{}, fmt.Errorf("eventstore: unmarshal metadata: %w", err)
		}
	}
	return ev, nil
}

// Append inserts a new immutable event and returns it with server-assigned
// fields populated. Idempotent by id: when a row with ev.ID already exists,
// nothing is written and the stored event is returned unchanged.
func (s *Store) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return domain.Event{}, fmt.Errorf("eventstore: marshal data: %w", err)
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return domain.Event{}, fmt.Errorf("eventstore: marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO events (id, user_id, event_type, data, metadata, occurred_at, recorded_at, retracted)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), false)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, user_id, event_type, data, metadata, occurred_at, recorded_at, retracted`

	var row eventRow
	err = s.db.QueryRowxContext(ctx, q, ev.ID, ev.UserID, ev.EventType, data, meta, ev.OccurredAt).StructScan(&row)
	if err == sql.ErrNoRows {
		return s.Get(ctx, ev.ID)
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("eventstore: append: %w", err)
	}
	return row.toDomain()
}

// Get fetches a single event by ID.
func (s *Store) Get(ctx context.Context, id string) (domain.Event, error) {
	const q = `SELECT id, user_id, event_type, data, metadata, occurred_at, recorded_at, retracted
		FROM events WHERE id = $1`
	var row eventRow
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		return domain.Event{}, fmt.Errorf("eventstore: get %s: %w", id, err)
	}
	return row.toDomain()
}

// ForUser returns every event for a user in ascending (occurred_at, id)
// order — the canonical replay order the resolver and every handler assume
// (spec §4.3, §4.4).
func (s *Store) ForUser(ctx context.Context, userID string) ([]domain.Event, error) {
	const q = `SELECT id, user_id, event_type, data, metadata, occurred_at, recorded_at, retracted
		FROM events WHERE user_id = $1 ORDER BY occurred_at ASC, id ASC`
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("eventstore: for user %s: %w", userID, err)
	}
	out := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// ForUserAndTypes is ForUser filtered to a set of event types, used by
// handlers that only recompute from a subset of the log.
func (s *Store) ForUserAndTypes(ctx context.Context, userID string, eventTypes []string) ([]domain.Event, error) {
	const q = `SELECT id, user_id, event_type, data, metadata, occurred_at, recorded_at, retracted
		FROM events WHERE user_id = $1 AND event_type = ANY($2) ORDER BY occurred_at ASC, id ASC`
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, q, userID, pq.Array(eventTypes)); err != nil {
		return nil, fmt.Errorf("eventstore: for user %s types %v: %w", userID, eventTypes, err)
	}
	out := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// MarkRetracted flips the retracted flag on the target of an
// event.retracted event.
func (s *Store) MarkRetracted(ctx context.Context, eventID string) error {
	const q = `UPDATE events SET retracted = true WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, eventID)
	if err != nil {
		return fmt.Errorf("eventstore: mark retracted %s: %w", eventID, err)
	}
	return nil
}

type projectionRow struct {
	UserID         string    `db:"user_id"`
	ProjectionType string    `db:"projection_type"`
	Key            string    `db:"key"`
	Value          []byte    `db:"value"`
	SourceEventIDs []byte    `db:"source_event_ids"`
	UpdatedAt      time.Time `db:"updated_at"`
	Version        int64     `db:"version"`
}

// UpsertProjection writes the fully-recomputed value for one projection key.
// Handlers always recompute from scratch and replace (spec §4.4 step 6:
// "replace, never patch"), so this is a plain upsert, not a merge.
func (s *Store) UpsertProjection(ctx context.Context, p domain.Projection) error {
	value, err := json.Marshal(p.Value)
	if err != nil {
		return fmt.Errorf("eventstore: marshal projection value: %w", err)
	}
	sources, err := json.Marshal(p.SourceEventIDs)
	if err != nil {
		return fmt.Errorf("eventstore: marshal source ids: %w", err)
	}

	const q = `
		INSERT INTO projections (user_id, projection_type, key, value, source_event_ids, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, NOW(), 1)
		ON CONFLICT (user_id, projection_type, key) DO UPDATE SET
			value = EXCLUDED.value,
			source_event_ids = EXCLUDED.source_event_ids,
			updated_at = NOW(),
			version = projections.version + 1`

	if _, err := s.db.ExecContext(ctx, q, p.UserID, p.ProjectionType, p.Key, value, sources); err != nil {
		return fmt.Errorf("eventstore: upsert projection: %w", err)
	}
	return nil
}

// DeleteProjection removes one projection row, used by the alias-creation
// consolidation step (spec §4.4.1) to drop a now-stale alias-keyed row once
// its sets have been re-keyed under the canonical exercise.
func (s *Store) DeleteProjection(ctx context.Context, userID, projectionType, key string) error {
	const q = `DELETE FROM projections WHERE user_id = $1 AND projection_type = $2 AND key = $3`
	if _, err := s.db.ExecContext(ctx, q, userID, projectionType, key); err != nil {
		return fmt.Errorf("eventstore: delete projection: %w", err)
	}
	return nil
}

// RecordInferenceRun persists a telemetry/audit row for one invocation of an
// external inference collaborator (spec §4.7), satisfying
// internal/inference.RunRecorder. A fresh ID is minted when the caller
// didn't supply one.
func (s *Store) RecordInferenceRun(ctx context.Context, run domain.InferenceRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	input, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("eventstore: marshal inference input: %w", err)
	}
	output, err := json.Marshal(run.Output)
	if err != nil {
		return fmt.Errorf("eventstore: marshal inference output: %w", err)
	}

	const q = `
		INSERT INTO inference_runs (id, user_id, engine, status, error_class, input, output, started_at, completed_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, q, run.ID, run.UserID, run.Engine, string(run.Status),
		string(run.ErrorClass), input, output, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("eventstore: record inference run: %w", err)
	}
	return nil
}

// GetProjection fetches one projection by its composite key.
func (s *Store) GetProjection(ctx context.Context, userID, projectionType, key string) (domain.Projection, error) {
	const q = `SELECT user_id, projection_type, key, value, source_event_ids, updated_at, version
		FROM projections WHERE user_id = $1 AND projection_type = $2 AND key = $3`
	var row projectionRow
	if err := s.db.GetContext(ctx, &row, q, userID, projectionType, key); err != nil {
		return domain.Projection{}, fmt.Errorf("eventstore: get projection: %w", err)
	}
	p := domain.Projection{
		UserID: row.UserID, ProjectionType: row.ProjectionType, Key: row.Key,
		UpdatedAt: row.UpdatedAt, Version: row.Version,
	}
	if len(row.Value) > 0 {
		_ = json.Unmarshal(row.Value, &p.Value)
	}
	if len(row.SourceEventIDs) > 0 {
		_ = json.Unmarshal(row.SourceEventIDs, &p.SourceEventIDs)
	}
	return p, nil
}
