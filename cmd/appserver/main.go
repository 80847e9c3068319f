// Command appserver runs the kura worker: the LISTEN/poll job loop that
// drives every projection dimension, the repair engine, and the custom
// projection rule set off the append-only event log (spec §4.5, §6.4).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	appmetrics "github.com/kurahq/kura/infrastructure/metrics"
	"github.com/kurahq/kura/infrastructure/logging"
	"github.com/kurahq/kura/internal/config"
	"github.com/kurahq/kura/internal/eventstore"
	"github.com/kurahq/kura/internal/handlers/customprojection"
	"github.com/kurahq/kura/internal/healthz"
	"github.com/kurahq/kura/internal/jobqueue"
	"github.com/kurahq/kura/internal/pgnotify"
	"github.com/kurahq/kura/internal/platform/bootstrap"
	"github.com/kurahq/kura/internal/platform/database"
	"github.com/kurahq/kura/internal/platform/migrations"
	"github.com/kurahq/kura/internal/repair"
	"github.com/kurahq/kura/internal/worker"
)

// customEventTypes is every event type at least one dimension subscribes
// to; the custom projection dimension (spec §4.4.9) lets a user-defined
// rule reference any of them, so it listens on the full set rather than a
// rule-derived subset.
var customEventTypes = []string{
	"set.logged", "session.logged", "set.corrected", "event.retracted",
	"sleep.logged", "energy.logged", "soreness.logged", "bodyweight.logged", "measurement.logged",
	"meal.logged", "nutrition_target.set",
	"training_plan.created", "training_plan.updated", "training_plan.archived",
	"preference.set", "goal.set", "injury.reported", "profile.updated",
	"context.mentioned", "external_import.recorded", "external.activity_imported",
	"exercise.alias_created", "workflow.onboarding.closed",
	"projection_rule.created", "projection_rule.archived",
	"plan.created", "plan.updated",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	log := logging.New("kura-worker", cfg.Logging.Level, cfg.Logging.Format)
	entry := log.WithFields(nil)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(rootCtx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	configurePool(db, cfg)

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	events := eventstore.New(db)
	proposals := repair.NewStore(db)
	queue := jobqueue.New(db)
	rules := customprojection.NewStore(db)

	bus, err := pgnotify.New(db, cfg.Database.DSN, cfg.Worker.ListenChannel, entry)
	if err != nil {
		log.Warnf("pgnotify unavailable, falling back to poll-only: %v", err)
		bus = nil
	} else {
		defer bus.Close()
	}

	reg := bootstrap.Bootstrap(bootstrap.Registrations{
		Events:           events,
		Repairs:          proposals,
		CustomRules:      rules,
		CustomEventTypes: customEventTypes,
		Log:              entry,
		Queue:            queue,
		Features:         cfg.Features,
	})

	metrics := appmetrics.New("kura-worker")

	w := worker.New(worker.Config{
		PollInterval:  time.Duration(cfg.Worker.PollIntervalSeconds * float64(time.Second)),
		BatchSize:     cfg.Worker.BatchSize,
		MaxRetries:    cfg.Worker.MaxRetries,
		ListenChannel: cfg.Worker.ListenChannel,
	}, db, queue, reg, bus, entry, metrics)

	if cfg.Health.Port > 0 {
		go serveHealth(entry, cfg.Health.Port, healthz.New(int32(os.Getpid())))
	}

	log.Infof("kura worker starting (poll_interval=%.1fs, batch_size=%d)", cfg.Worker.PollIntervalSeconds, cfg.Worker.BatchSize)
	w.Run(rootCtx)
	log.Info("kura worker stopped")
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifeSecs > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifeSecs) * time.Second)
	}
}

// serveHealth exposes liveness and Prometheus scrape endpoints; it is an
// ops-only surface, not a domain API (spec §6.4's health/metrics note).
func serveHealth(log *logrus.Entry, port int, checker *healthz.Checker) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(checker.Check())
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Infof("health/metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Errorf("health server: %v", err)
	}
}
