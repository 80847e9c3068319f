// Package maintenance schedules recurring background jobs — currently just
// maintenance.log_retention (spec §3.1 names the job type but the reference
// worker leaves its trigger externally managed; this package is the concrete
// scheduler this repo supplies) — onto the job queue via a cron expression,
// using robfig/cron/v3.
//
// Adapted from the teacher's domain/automation.Job (a cron-scheduled,
// run-count-bounded task originally describing on-chain automation
// triggers): the same shape — schedule, status, run accounting — fits a
// maintenance task just as well once the blockchain-specific field mapping
// comments are stripped.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ScheduleStatus is the lifecycle state of a scheduled maintenance task.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	ScheduleCompleted ScheduleStatus = "completed"
	SchedulePaused    ScheduleStatus = "paused"
)

// ScheduledTask is a recurring maintenance task bound to a cron expression.
type ScheduledTask struct {
	ID       string
	JobType  string
	Schedule string // cron expression, e.g. "0 3 * * *"
	Status   ScheduleStatus
	RunCount int
	MaxRuns  int // 0 means unlimited
	LastRun  time.Time
	NextRun  time.Time
}

// IsExhausted reports whether the task has reached its run-count budget.
func (t ScheduledTask) IsExhausted() bool {
	return t.MaxRuns > 0 && t.RunCount >= t.MaxRuns
}

// Enqueuer enqueues a system-scoped job (maintenance tasks run for the
// system as a whole, not for one user, so they carry an empty/system
// user_id).
type Enqueuer interface {
	Enqueue(ctx context.Context, userID, jobType string, payload map[string]any, priority, maxRetries int) (string, error)
}

// Scheduler drives a set of ScheduledTasks against a cron.Cron instance,
// enqueuing a job each time a task's schedule fires.
type Scheduler struct {
	cron     *cron.Cron
	enqueuer Enqueuer
	log      *logrus.Entry
	tasks    map[string]*ScheduledTask
}

// NewScheduler builds a Scheduler. Call Start to begin firing.
func NewScheduler(enqueuer Enqueuer, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		cron:     cron.New(),
		enqueuer: enqueuer,
		log:      log,
		tasks:    make(map[string]*ScheduledTask),
	}
}

// Register adds a task to the scheduler's cron table.
func (s *Scheduler) Register(task ScheduledTask) error {
	t := task
	s.tasks[t.ID] = &t
	_, err := s.cron.AddFunc(t.Schedule, func() { s.fire(t.ID) })
	if err != nil {
		return fmt.Errorf("maintenance: register task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Scheduler) fire(taskID string) {
	task, ok := s.tasks[taskID]
	if !ok || task.Status != ScheduleActive || task.IsExhausted() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.enqueuer.Enqueue(ctx, "", task.JobType, map[string]any{}, 0, 3); err != nil {
		s.log.WithError(err).WithField("task_id", taskID).Error("maintenance: enqueue failed")
		return
	}

	task.RunCount++
	task.LastRun = time.Now()
	if task.IsExhausted() {
		task.Status = ScheduleCompleted
	}
}

// Start begins firing registered tasks on their schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until any in-flight fire completes, then halts scheduling.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
