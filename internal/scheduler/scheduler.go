// Package scheduler fires scheduled jobs and runs the hourly
// housekeeping sweeps: retention-expired runs become deferred delete
// tasks, old incomplete runs become cleanup tasks, expired sessions are
// purged. The scheduler only enqueues; execution belongs to the run
// worker and the deferred queues.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/bastion-sh/bastion/internal/deferred"
	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/store"
)

// Config carries the retention knobs and the hub's home timezone.
type Config struct {
	// RunRetentionDays is how long successful runs keep their stored
	// artifacts. Zero disables retention deletion.
	RunRetentionDays int

	// IncompleteCleanupDays is how old a failed or stuck run must be
	// before its partial artifacts are queued for cleanup. Zero
	// disables the sweep.
	IncompleteCleanupDays int

	// Location is the zone jobs fire in when they name none.
	Location *time.Location
}

// Scheduler is the cron and housekeeping loop.
type Scheduler struct {
	store  *store.Store
	rec    *events.Recorder
	cfg    Config
	logger hclog.Logger

	// Wakeups into the loops that consume what the sweeps enqueue.
	// Nil hooks are skipped; the consumers poll anyway.
	WakeWorker  func()
	WakeDelete  func()
	WakeCleanup func()

	now func() time.Time
}

// New wires a scheduler over the store.
func New(st *store.Store, rec *events.Recorder, cfg Config, logger hclog.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Scheduler{store: st, rec: rec, cfg: cfg, logger: logger, now: time.Now}
}

// Run evaluates schedules once per calendar minute and sweeps hourly
// until the context is canceled. The first sweep happens immediately so
// a hub that slept through a retention boundary catches up on boot.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Sweep()

	hourly := time.NewTicker(time.Hour)
	defer hourly.Stop()

	for {
		boundary := s.now().In(s.cfg.Location).Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(boundary.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-hourly.C:
			timer.Stop()
			s.Sweep()
			s.fireThrough(boundary)
		case <-timer.C:
			s.fireThrough(boundary)
		}
	}
}

// fireThrough evaluates every minute boundary from start up to the
// present. A slow sweep or a slow FireDue can carry the loop past one
// or more boundaries; those minutes still get their schedules
// evaluated instead of being skipped.
func (s *Scheduler) fireThrough(start time.Time) {
	for b := start; !s.now().Before(b); b = b.Add(time.Minute) {
		s.FireDue(b)
	}
}

// FireDue enqueues a run for every job whose schedule matches the
// minute containing t.
func (s *Scheduler) FireDue(t time.Time) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		return
	}
	for _, job := range jobs {
		if job.Schedule == "" {
			continue
		}
		loc := s.cfg.Location
		if job.ScheduleTimezone != "" {
			jobLoc, err := time.LoadLocation(job.ScheduleTimezone)
			if err != nil {
				s.logger.Warn("bad job timezone, using hub zone",
					"job", job.Name, "timezone", job.ScheduleTimezone, "error", err)
			} else {
				loc = jobLoc
			}
		}
		match, err := jobspec.MatchesMinute(job.Schedule, t, loc)
		if err != nil {
			s.logger.Error("evaluate schedule", "job", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		if match {
			s.enqueue(job, t)
		}
	}
}

func (s *Scheduler) enqueue(job *store.Job, t time.Time) {
	run := &store.Run{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Source:    "scheduled",
		StartedAt: t.Unix(),
	}
	if err := s.store.EnqueueRun(run, job.OverlapPolicy); err != nil {
		s.logger.Error("enqueue run", "job", job.Name, "error", err)
		return
	}
	if run.Status == store.RunRejected {
		s.rec.Run(run.ID, events.LevelWarn, events.KindRunRejected,
			"overlapping run rejected", map[string]string{"job_id": job.ID})
		s.logger.Warn("run rejected by overlap policy", "job", job.Name, "run_id", run.ID)
		return
	}
	s.rec.Run(run.ID, events.LevelInfo, events.KindRunQueued,
		"scheduled run queued", map[string]string{"job_id": job.ID})
	s.logger.Info("scheduled run queued", "job", job.Name, "run_id", run.ID)
	if s.WakeWorker != nil {
		s.WakeWorker()
	}
}

// Sweep runs the hourly housekeeping: retention deletes, incomplete
// cleanup, session purge.
func (s *Scheduler) Sweep() {
	now := s.now()
	s.sweepRetention(now)
	s.sweepIncomplete(now)
	if _, err := s.store.PurgeExpiredSessions(now.Unix()); err != nil {
		s.logger.Error("purge sessions", "error", err)
	}
}

// sweepRetention turns retention-expired runs into deferred delete
// tasks, then prunes the run rows. Task rows carry the target snapshot,
// so pruning first would be safe too, but this order never loses the
// snapshot even if the upsert fails.
func (s *Scheduler) sweepRetention(now time.Time) {
	if s.cfg.RunRetentionDays <= 0 {
		return
	}
	cutoff := now.Unix() - int64(s.cfg.RunRetentionDays)*86400

	expired, err := s.store.ListRetentionExpiredRuns(cutoff)
	if err != nil {
		s.logger.Error("list retention-expired runs", "error", err)
		return
	}
	queued := 0
	for _, run := range expired {
		inserted, err := deferred.EnqueueForRun(s.store, store.QueueDelete, run, now, now)
		if err != nil {
			s.logger.Error("enqueue delete task", "run_id", run.ID, "error", err)
			return
		}
		if inserted {
			queued++
		}
	}

	pruned, err := s.store.PruneRunsEndedBefore(cutoff)
	if err != nil {
		s.logger.Error("prune runs", "error", err)
		return
	}
	if queued > 0 || pruned > 0 {
		s.logger.Info("retention sweep", "delete_tasks", queued, "pruned_runs", pruned)
		if queued > 0 && s.WakeDelete != nil {
			s.WakeDelete()
		}
	}
}

// sweepIncomplete queues cleanup for runs that started long ago, never
// reached success, and touched a target. The upsert is idempotent by
// run id, so re-listing the same run every hour is harmless.
func (s *Scheduler) sweepIncomplete(now time.Time) {
	if s.cfg.IncompleteCleanupDays <= 0 {
		return
	}
	cutoff := now.Unix() - int64(s.cfg.IncompleteCleanupDays)*86400

	candidates, err := s.store.ListIncompleteCleanupCandidates(cutoff)
	if err != nil {
		s.logger.Error("list cleanup candidates", "error", err)
		return
	}
	queued := 0
	for _, run := range candidates {
		inserted, err := deferred.EnqueueForRun(s.store, store.QueueCleanup, run, now, now)
		if err != nil {
			s.logger.Error("enqueue cleanup task", "run_id", run.ID, "error", err)
			return
		}
		if inserted {
			queued++
		}
	}
	if queued > 0 {
		s.logger.Info("incomplete-cleanup sweep", "cleanup_tasks", queued)
		if s.WakeCleanup != nil {
			s.WakeCleanup()
		}
	}
}
