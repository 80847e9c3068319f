// Package bootstrap wires every projection dimension and job handler into a
// fresh registry.Registry, in place of the reference worker's dynamic
// decorator registration (spec §9's re-architecture note: "a dynamic
// decorator registry has no Go equivalent worth building") — registration
// here is a fixed, explicit call sequence instead.
package bootstrap

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/kurahq/kura/internal/config"
	"github.com/kurahq/kura/internal/domain"
	"github.com/kurahq/kura/internal/eventstore"
	"github.com/kurahq/kura/internal/handlers/bodycomposition"
	"github.com/kurahq/kura/internal/handlers/causal"
	"github.com/kurahq/kura/internal/handlers/customprojection"
	"github.com/kurahq/kura/internal/handlers/exerciseprogression"
	"github.com/kurahq/kura/internal/handlers/nutrition"
	"github.com/kurahq/kura/internal/handlers/profile"
	"github.com/kurahq/kura/internal/handlers/qualityhealth"
	"github.com/kurahq/kura/internal/handlers/readiness"
	"github.com/kurahq/kura/internal/handlers/recovery"
	"github.com/kurahq/kura/internal/handlers/strength"
	"github.com/kurahq/kura/internal/handlers/trainingplan"
	"github.com/kurahq/kura/internal/handlers/trainingtimeline"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/repair"
)

// Enqueuer is the subset of jobqueue.Queue Bootstrap needs to chain a
// repair.evaluate job onto a quality-relevant projection recompute.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID, jobType string, payload map[string]any, priority, maxRetries int) (string, error)
}

// CustomRuleSource is satisfied by whatever loads a user's active custom
// projection rules; cmd/appserver wires customprojection.Store, which reads
// the projection_rules table, and tests can supply a static list.
type CustomRuleSource = customprojection.RuleSource

// Registrations holds everything Bootstrap needs beyond the store itself.
// CustomRules and CustomEventTypes may be left nil/empty to skip wiring the
// custom projection dimension (e.g. in tests that don't exercise it).
type Registrations struct {
	Events      *eventstore.Store
	Repairs     *repair.Store
	CustomRules CustomRuleSource
	// CustomEventTypes is the broad event-type subscription the custom
	// projection dimension listens on; spec §4.4.9 lets a rule reference any
	// event type, so this is typically every event type the system emits.
	CustomEventTypes []string
	Log              *logrus.Entry
	// Queue, if non-nil, lets Bootstrap chain one repair.evaluate job onto
	// the end of every quality-relevant projection.update job, so a freshly
	// detected issue gets evaluated on the next worker tick rather than
	// waiting for a separate sweep (spec §4.6 ties detection and repair to
	// the same event-driven cadence as every other projection). Leave nil to
	// drive repair.evaluate purely from an external scheduler instead.
	Queue Enqueuer
	// Features gates rollout behavior (spec §4.4.1's training-load v2 flag)
	// for dimensions that support a staged computation upgrade.
	Features config.FeatureFlags
}

// Bootstrap builds a Registry with every dimension registered in a fixed
// order, user_profile last since it aggregates every other dimension's
// manifest_contribution (spec §4.4.8), and every job handler — including the
// event-type -> projection-handler bridge (registry.ProjectionUpdateJobType)
// and the repair engine's evaluation loop (repair.JobType) — bound.
func Bootstrap(r Registrations) *registry.Registry {
	reg := registry.New()

	reg.RegisterProjection(exerciseprogression.Dimension(), exerciseprogression.NewHandler(r.Events))
	reg.RegisterManifestContributor("exercise_progression", exerciseprogression.ManifestContribution)

	reg.RegisterProjection(trainingtimeline.Dimension(), trainingtimeline.NewHandler(r.Events, r.Features))
	reg.RegisterManifestContributor("training_timeline", trainingtimeline.ManifestContribution)

	reg.RegisterProjection(recovery.Dimension(), recovery.NewHandler(r.Events))
	reg.RegisterManifestContributor("recovery", recovery.ManifestContribution)

	reg.RegisterProjection(bodycomposition.Dimension(), bodycomposition.NewHandler(r.Events))
	reg.RegisterManifestContributor("body_composition", bodycomposition.ManifestContribution)

	reg.RegisterProjection(nutrition.Dimension(), nutrition.NewHandler(r.Events))
	reg.RegisterManifestContributor("nutrition", nutrition.ManifestContribution)

	reg.RegisterProjection(trainingplan.Dimension(), trainingplan.NewHandler(r.Events))
	reg.RegisterManifestContributor("training_plan", trainingplan.ManifestContribution)

	reg.RegisterProjection(readiness.Dimension(), readiness.NewHandler(r.Events, r.Events))
	reg.RegisterManifestContributor("readiness", readiness.ManifestContribution)

	reg.RegisterProjection(strength.Dimension(), strength.NewHandler(r.Events, r.Events))
	reg.RegisterManifestContributor("strength", strength.ManifestContribution)

	reg.RegisterProjection(causal.Dimension(), causal.NewHandler(r.Events, r.Events))
	reg.RegisterManifestContributor("causal", causal.ManifestContribution)

	if r.CustomRules != nil {
		reg.RegisterProjection(customprojection.Dimension(r.CustomEventTypes), customprojection.NewHandler(r.Events, r.CustomRules))
	}

	reg.RegisterProjection(qualityhealth.Dimension(), qualityhealth.NewHandler(r.Events, r.Repairs))

	// user_profile last: it is the only dimension whose output depends on
	// every other dimension having already run for this event batch.
	reg.RegisterProjection(profile.Dimension(), profile.NewHandler(r.Events, reg))

	projectionUpdate := registry.NewProjectionUpdateHandler(reg, r.Events)
	if r.Queue != nil {
		projectionUpdate = chainRepairEvaluate(projectionUpdate, r.Queue)
	}
	reg.RegisterJob(registry.ProjectionUpdateJobType, projectionUpdate)

	log := r.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	engine := repair.New(r.Events, r.Events, r.Repairs, reg, log, nil)
	reg.RegisterJob(repair.JobType, repair.NewJobHandler(engine))

	return reg
}

// chainRepairEvaluate wraps a projection.update handler so that, once it
// succeeds for a quality-relevant event type, a repair.evaluate job is
// enqueued for the same user. A failure to enqueue is logged, not returned:
// the projection recompute itself already succeeded and must not be retried
// just because the follow-up scheduling hiccupped.
func chainRepairEvaluate(next registry.JobHandler, q Enqueuer) registry.JobHandler {
	return func(ctx context.Context, job domain.Job) error {
		if err := next(ctx, job); err != nil {
			return err
		}
		eventType, _ := job.Payload["event_type"].(string)
		if !IsQualityRelevant(eventType) {
			return nil
		}
		_, _ = q.Enqueue(ctx, job.UserID, repair.JobType, map[string]any{}, 0, 3)
		return nil
	}
}

// qualityRelevantEventTypes is every event type at least one invariant in
// spec §4.6.1's table reacts to — the same set qualityhealth.Dimension
// subscribes to, duplicated here (rather than imported) so callers triggering
// repair evaluation don't need to depend on the handlers package just to
// read a slice of strings.
var qualityRelevantEventTypes = map[string]bool{
	"set.logged": true, "session.logged": true, "set.corrected": true, "event.retracted": true,
	"preference.set": true, "plan.created": true, "plan.updated": true, "workflow.onboarding.closed": true,
	"goal.set": true, "profile.updated": true, "context.mentioned": true, "external_import.recorded": true,
	"exercise.alias_created": true,
}

// IsQualityRelevant reports whether eventType should trigger a repair
// evaluation alongside its ordinary projection recompute.
func IsQualityRelevant(eventType string) bool {
	return qualityRelevantEventTypes[eventType]
}
