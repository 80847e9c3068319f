// Package domain holds the core entity types shared across the projection
// engine: events, projections, background jobs, inference runs, repair
// proposals, quality issues, and autonomy policy state.
package domain

import "time"

// Event is an immutable, append-only fact recorded for a user. Events are
// never mutated in place; corrections arrive as later events referencing an
// earlier one (set.corrected) and nullification arrives as event.retracted.
type Event struct {
	ID         string         `db:"id" json:"id"`
	UserID     string         `db:"user_id" json:"user_id"`
	EventType  string         `db:"event_type" json:"event_type"`
	Data       map[string]any `db:"-" json:"data"`
	Metadata   map[string]any `db:"-" json:"metadata,omitempty"`
	OccurredAt time.Time      `db:"occurred_at" json:"occurred_at"`
	RecordedAt time.Time      `db:"recorded_at" json:"recorded_at"`
	Retracted  bool           `db:"retracted" json:"retracted"`
}

// IsRetraction reports whether this event nullifies a prior event.
func (e Event) IsRetraction() bool {
	return e.EventType == "event.retracted"
}

// IsCorrection reports whether this event overlays fields onto a prior event.
func (e Event) IsCorrection() bool {
	return e.EventType == "set.corrected"
}

// TargetEventID returns the event this one refers to, for retractions and
// corrections. Empty when the event does not reference another.
func (e Event) TargetEventID() string {
	if v, ok := e.Data["event_id"].(string); ok {
		return v
	}
	if v, ok := e.Data["target_event_id"].(string); ok {
		return v
	}
	return ""
}

// Projection is a materialized, recomputable view keyed by
// (user_id, projection_type, key). Projections are never hand-edited; they
// are always the output of replaying the owning handler over the event log.
type Projection struct {
	UserID         string         `db:"user_id" json:"user_id"`
	ProjectionType string         `db:"projection_type" json:"projection_type"`
	Key            string         `db:"key" json:"key"`
	Value          map[string]any `db:"-" json:"value"`
	SourceEventIDs []string       `db:"-" json:"source_event_ids"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
	Version        int64          `db:"version" json:"version"`
}

// JobStatus is the lifecycle state of a background job row.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDead       JobStatus = "dead"
)

// Job is a unit of asynchronous work, claimed at most once per attempt by a
// worker via SELECT ... FOR UPDATE SKIP LOCKED.
type Job struct {
	ID           string         `db:"id" json:"id"`
	UserID       string         `db:"user_id" json:"user_id"`
	JobType      string         `db:"job_type" json:"job_type"`
	Payload      map[string]any `db:"-" json:"payload"`
	Status       JobStatus      `db:"status" json:"status"`
	Priority     int            `db:"priority" json:"priority"`
	Attempt      int            `db:"attempt" json:"attempt"`
	MaxRetries   int            `db:"max_retries" json:"max_retries"`
	ScheduledFor time.Time      `db:"scheduled_for" json:"scheduled_for"`
	StartedAt    *time.Time     `db:"started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
	LastError    string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// InferenceRunStatus is the lifecycle state of an inference run.
type InferenceRunStatus string

const (
	InferenceSucceeded InferenceRunStatus = "succeeded"
	InferenceFailed    InferenceRunStatus = "failed"
)

// InferenceErrorClass is the stable taxonomy of inference failure reasons,
// used for telemetry and for deciding whether a caller should retry.
type InferenceErrorClass string

const (
	InferenceErrInsufficientData  InferenceErrorClass = "insufficient_data"
	InferenceErrNumericInstablity InferenceErrorClass = "numeric_instability"
	InferenceErrEngineUnavailable InferenceErrorClass = "engine_unavailable"
	InferenceErrUnexpected        InferenceErrorClass = "unexpected"
)

// InferenceRun records one invocation of an external inference collaborator.
type InferenceRun struct {
	ID          string              `db:"id" json:"id"`
	UserID      string              `db:"user_id" json:"user_id"`
	Engine      string              `db:"engine" json:"engine"`
	Status      InferenceRunStatus  `db:"status" json:"status"`
	ErrorClass  InferenceErrorClass `db:"error_class" json:"error_class,omitempty"`
	Input       map[string]any      `db:"-" json:"input"`
	Output      map[string]any      `db:"-" json:"output,omitempty"`
	StartedAt   time.Time           `db:"started_at" json:"started_at"`
	CompletedAt time.Time           `db:"completed_at" json:"completed_at"`
}

// RepairSourceType classifies how a repair proposal's candidate value was
// derived. Only catalog_variant_exact and catalog_key_slug are considered
// deterministic (spec §4.6.2); slug_fallback and estimated are not, and a
// proposal sourced from a non-deterministic candidate can never reach tier A.
type RepairSourceType string

const (
	SourceCatalogVariantExact RepairSourceType = "catalog_variant_exact"
	SourceCatalogKeySlug      RepairSourceType = "catalog_key_slug"
	SourceSlugFallback        RepairSourceType = "slug_fallback"
	SourceEstimated           RepairSourceType = "estimated"
)

// DeterministicSources is the fixed set of source types the auto-apply gate
// treats as deterministic (spec §4.6.2, §4.6.5's non_deterministic_source
// reject code).
var DeterministicSources = map[RepairSourceType]bool{
	SourceCatalogVariantExact: true,
	SourceCatalogKeySlug:      true,
}

// RepairConfidenceBand buckets a normalized [0,1] confidence score.
type RepairConfidenceBand string

const (
	ConfidenceHigh   RepairConfidenceBand = "high"
	ConfidenceMedium RepairConfidenceBand = "medium"
	ConfidenceLow    RepairConfidenceBand = "low"
)

// BandConfidence normalizes a raw confidence value into [0,1] and buckets it.
// Thresholds are grounded on the reference repair-provenance utility:
// >=0.86 high, >=0.6 medium, else low.
func BandConfidence(raw float64) (float64, RepairConfidenceBand) {
	c := raw
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	switch {
	case c >= 0.86:
		return c, ConfidenceHigh
	case c >= 0.6:
		return c, ConfidenceMedium
	default:
		return c, ConfidenceLow
	}
}

// RepairTier is the repair's auto-apply eligibility class (spec §3.1,
// GLOSSARY): A is deterministic and safe to auto-apply, B is inspected but
// never auto-applied, C is reserved for future use.
type RepairTier string

const (
	TierA RepairTier = "A"
	TierB RepairTier = "B"
	TierC RepairTier = "C"
)

// RepairProvenance records why a proposal's patch has the value it has,
// carried inside the proposal for audit and for the auto-apply gate (spec
// §3.1's repair_provenance: source_type, confidence, applies_scope, reason).
type RepairProvenance struct {
	SourceType   RepairSourceType     `json:"source_type"`
	Confidence   float64              `json:"confidence"`
	Band         RepairConfidenceBand `json:"confidence_band"`
	AppliesScope string               `json:"applies_scope"`
	Reason       string               `json:"reason"`
}

// ProposalState is the repair proposal's position in the state machine
// (spec §4.6.4):
//
//	proposed -> simulated_safe -> applied -> verified_closed
//	         -> simulated_risky
//	         -> rejected
//	simulated_safe -> auto_apply_rejected
type ProposalState string

const (
	ProposalProposed         ProposalState = "proposed"
	ProposalSimulatedSafe    ProposalState = "simulated_safe"
	ProposalSimulatedRisky   ProposalState = "simulated_risky"
	ProposalRejected         ProposalState = "rejected"
	ProposalApplied          ProposalState = "applied"
	ProposalAutoApplyRejected ProposalState = "auto_apply_rejected"
	ProposalVerifiedClosed   ProposalState = "verified_closed"
)

// StateTransition records one step of a proposal's state_history.
type StateTransition struct {
	From ProposalState `json:"from"`
	To   ProposalState `json:"to"`
	At   time.Time     `json:"at"`
	Note string        `json:"note,omitempty"`
}

// ProjectionImpact is one entry of a simulate result's projection_impacts
// list: which projection the simulated batch would touch, and whether the
// router recognizes the change or reports it as unknown (spec §4.6.3).
type ProjectionImpact struct {
	ProjectionType string `json:"projection_type"`
	Key            string `json:"key"`
	Change         string `json:"change"` // "update" | "unknown"
}

// SimulateResult is the fixed-shape output of the simulate bridge (spec
// §4.6.3, §9's "simulate bridge contract-compatible with an HTTP endpoint"
// row): identical whether produced by the in-process simulator or an
// external /v1/events/simulate-compatible endpoint.
type SimulateResult struct {
	EventCount        int                `json:"event_count"`
	Warnings          []string           `json:"warnings"`
	ProjectionImpacts []ProjectionImpact `json:"projection_impacts"`
	Notes             []string           `json:"notes"`
	Engine            string             `json:"engine"`
	TargetEndpoint    string             `json:"target_endpoint"`
}

// RepairProposal is a candidate fix for a detected data-quality invariant
// violation, carried through simulate -> auto-apply gate -> apply -> verify.
// It lives only inside the quality_health projection payload (spec §3.1);
// the ID fields below are surrogate keys scoped to that payload, not rows
// in their own table.
type RepairProposal struct {
	ProposalID         string            `json:"proposal_id"`
	IssueID            string            `json:"issue_id"`
	InvariantID        string            `json:"invariant_id"`
	Tier               RepairTier        `json:"tier"`
	State              ProposalState     `json:"state"`
	ProposedEventBatch []Event           `json:"proposed_event_batch"`
	Simulate           *SimulateResult   `json:"simulate,omitempty"`
	StateHistory       []StateTransition `json:"state_history"`
	RepairProvenance   RepairProvenance  `json:"repair_provenance"`
	RejectCode         string            `json:"reject_code,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// QualityIssueSeverity orders issue urgency for operator triage, matching
// spec §3.1's severity ∈ {high, medium, low, info}.
type QualityIssueSeverity string

const (
	SeverityInfo   QualityIssueSeverity = "info"
	SeverityLow    QualityIssueSeverity = "low"
	SeverityMedium QualityIssueSeverity = "medium"
	SeverityHigh   QualityIssueSeverity = "high"
)

// QualityIssue records a detected violation of a data invariant for a user,
// independent of whether a repair proposal has yet been generated for it.
// IssueID is "<invariant_id>:<issue_type>" (spec §3.1).
type QualityIssue struct {
	IssueID    string                `json:"issue_id"`
	Invariant  string                `json:"invariant_id"`
	IssueType  string                `json:"issue_type"`
	Severity   QualityIssueSeverity  `json:"severity"`
	Detail     string                `json:"detail"`
	Metrics    map[string]any        `json:"metrics,omitempty"`
	DetectedAt time.Time             `json:"detected_at"`
}

// SLOStatus is the tri-state health classification spec §4.6.7's SLO table
// produces per metric and overall.
type SLOStatus string

const (
	SLOHealthy  SLOStatus = "healthy"
	SLOMonitor  SLOStatus = "monitor"
	SLODegraded SLOStatus = "degraded"
)

// ScopeLevel is the agent's permitted autonomy ceiling (spec §3.1).
type ScopeLevel string

const (
	ScopeStrict    ScopeLevel = "strict"
	ScopeModerate  ScopeLevel = "moderate"
	ScopeProactive ScopeLevel = "proactive"
)

// AutonomyPolicy is the computed derived value written into the
// quality_health projection for the agent to consume (spec §3.1, §4.6.7).
type AutonomyPolicy struct {
	SLOStatus               SLOStatus  `json:"slo_status"`
	CalibrationStatus       SLOStatus  `json:"calibration_status"`
	ThrottleActive          bool       `json:"throttle_active"`
	MaxScopeLevel           ScopeLevel `json:"max_scope_level"`
	ConfirmationsRequired   bool       `json:"confirmations_required"`
	RepairConfirmationRequired bool    `json:"repair_confirmation_required"`
	RepairAutoApplyEnabled  bool       `json:"repair_auto_apply_enabled"`
}
