package scheduler

import (
	"testing"
	"time"
	_ "time/tzdata" // zone lookups must not depend on the host tz database

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/store"
	"github.com/bastion-sh/bastion/internal/testutil"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *store.Store) {
	t.Helper()
	s := testutil.OpenStore(t)
	rec := events.NewRecorder(s, events.NewBus(), hclog.NewNullLogger())
	return New(s, rec, cfg, hclog.NewNullLogger()), s
}

func mustSchedule(t *testing.T, expr string) string {
	t.Helper()
	normalized, err := jobspec.NormalizeSchedule(expr)
	require.NoError(t, err)
	return normalized
}

func seedScheduledJob(t *testing.T, s *store.Store, id, schedule, tz string) {
	t.Helper()
	require.NoError(t, s.CreateJob(&store.Job{
		ID: id, Name: id, Schedule: schedule, ScheduleTimezone: tz,
		OverlapPolicy: store.OverlapQueue, SpecJSON: "{}",
		CreatedAt: 100, UpdatedAt: 100,
	}))
}

func TestFireDueEnqueuesMatchingJobs(t *testing.T) {
	sched, s := newTestScheduler(t, Config{Location: time.UTC})
	seedScheduledJob(t, s, "hourly", mustSchedule(t, "0 * * * *"), "")
	seedScheduledJob(t, s, "daily", mustSchedule(t, "30 3 * * *"), "")
	seedScheduledJob(t, s, "manual-only", "", "")

	woke := 0
	sched.WakeWorker = func() { woke++ }

	// 04:00 matches the hourly job only.
	sched.FireDue(time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC))

	runs, err := s.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "hourly", runs[0].JobID)
	require.Equal(t, store.RunQueued, runs[0].Status)
	require.Equal(t, "scheduled", runs[0].Source)
	require.Equal(t, 1, woke)

	evs, err := s.ListRunEvents(runs[0].ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, string(events.KindRunQueued), evs[0].Kind)

	// 03:30 matches the daily job only.
	sched.FireDue(time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC))
	runs, err = s.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestFireDueHonorsJobTimezone(t *testing.T) {
	sched, s := newTestScheduler(t, Config{Location: time.UTC})
	seedScheduledJob(t, s, "shanghai", mustSchedule(t, "0 9 * * *"), "Asia/Shanghai")

	// 01:00 UTC is 09:00 in Shanghai (UTC+8).
	sched.FireDue(time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC))

	runs, err := s.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	// 09:00 UTC is not 09:00 in Shanghai.
	sched.FireDue(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	runs, err = s.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestFireDueOverlapReject(t *testing.T) {
	sched, s := newTestScheduler(t, Config{Location: time.UTC})
	require.NoError(t, s.CreateJob(&store.Job{
		ID: "j1", Name: "j1", Schedule: mustSchedule(t, "* * * * *"),
		OverlapPolicy: store.OverlapReject, SpecJSON: "{}",
		CreatedAt: 100, UpdatedAt: 100,
	}))

	at := time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)
	sched.FireDue(at)
	sched.FireDue(at.Add(time.Minute))

	runs, err := s.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	statuses := map[store.RunStatus]int{}
	for _, r := range runs {
		statuses[r.Status]++
	}
	require.Equal(t, 1, statuses[store.RunQueued])
	require.Equal(t, 1, statuses[store.RunRejected])
}

func TestFireThroughCatchesUpMissedMinutes(t *testing.T) {
	sched, s := newTestScheduler(t, Config{Location: time.UTC})
	seedScheduledJob(t, s, "every-minute", mustSchedule(t, "* * * * *"), "")

	// The loop reaches the 04:00 boundary at 04:01:30, as after a sweep
	// that straddled two minute boundaries. Both minutes still fire.
	now := time.Date(2025, 6, 1, 4, 1, 30, 0, time.UTC)
	sched.now = func() time.Time { return now }
	sched.fireThrough(time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC))

	runs, err := s.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	starts := map[int64]bool{}
	for _, r := range runs {
		starts[r.StartedAt] = true
	}
	require.True(t, starts[time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC).Unix()])
	require.True(t, starts[time.Date(2025, 6, 1, 4, 1, 0, 0, time.UTC).Unix()])

	// A boundary still in the future fires nothing.
	sched.fireThrough(time.Date(2025, 6, 1, 4, 2, 0, 0, time.UTC))
	runs, err = s.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestSweepRetention(t *testing.T) {
	sched, s := newTestScheduler(t, Config{RunRetentionDays: 7, Location: time.UTC})
	seedScheduledJob(t, s, "j1", "", "")

	now := time.Unix(100*86400, 0)
	sched.now = func() time.Time { return now }
	woke := false
	sched.WakeDelete = func() { woke = true }

	snap := jobspec.TargetSnapshotV1{V: 1, Type: jobspec.TargetLocalDir, NodeID: store.NodeHub, BaseDir: "/backups"}
	snapJSON, err := snap.Encode()
	require.NoError(t, err)

	// Ended 10 days ago: expired.
	require.NoError(t, s.CreateRun(&store.Run{ID: "old", JobID: "j1", Status: store.RunSuccess, Source: "manual",
		StartedAt: now.Unix() - 10*86400, EndedAt: now.Unix() - 10*86400, TargetSnapshotJSON: snapJSON}))
	// Ended yesterday: kept.
	require.NoError(t, s.CreateRun(&store.Run{ID: "fresh", JobID: "j1", Status: store.RunSuccess, Source: "manual",
		StartedAt: now.Unix() - 86400, EndedAt: now.Unix() - 86400, TargetSnapshotJSON: snapJSON}))

	sched.Sweep()

	task, err := s.GetTask(store.QueueDelete, "old")
	require.NoError(t, err)
	require.Equal(t, store.TaskQueued, task.Status)
	require.Equal(t, snapJSON, task.TargetSnapshotJSON)
	require.True(t, woke)

	_, err = s.GetTask(store.QueueDelete, "fresh")
	require.ErrorIs(t, err, store.ErrNotFound)

	// The expired run row is pruned; its delete task survives.
	_, err = s.GetRun("old")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRun("fresh")
	require.NoError(t, err)

	// A second sweep finds nothing new.
	sched.Sweep()
	tasks, err := s.ListTasks(store.QueueDelete)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestSweepIncompleteCleanup(t *testing.T) {
	sched, s := newTestScheduler(t, Config{IncompleteCleanupDays: 3, Location: time.UTC})
	seedScheduledJob(t, s, "j1", "", "")

	now := time.Unix(100*86400, 0)
	sched.now = func() time.Time { return now }

	snap := jobspec.TargetSnapshotV1{V: 1, Type: jobspec.TargetLocalDir, NodeID: store.NodeHub, BaseDir: "/backups"}
	snapJSON, err := snap.Encode()
	require.NoError(t, err)

	// Failed 5 days ago with stored bytes: candidate.
	require.NoError(t, s.CreateRun(&store.Run{ID: "wreck", JobID: "j1", Status: store.RunFailed, Source: "manual",
		StartedAt: now.Unix() - 5*86400, EndedAt: now.Unix() - 5*86400, TargetSnapshotJSON: snapJSON}))
	// Failed 5 days ago, never touched the target: nothing to clean.
	require.NoError(t, s.CreateRun(&store.Run{ID: "clean", JobID: "j1", Status: store.RunFailed, Source: "manual",
		StartedAt: now.Unix() - 5*86400, EndedAt: now.Unix() - 5*86400}))
	// Failed an hour ago: too young.
	require.NoError(t, s.CreateRun(&store.Run{ID: "young", JobID: "j1", Status: store.RunFailed, Source: "manual",
		StartedAt: now.Unix() - 3600, EndedAt: now.Unix() - 3600, TargetSnapshotJSON: snapJSON}))

	sched.Sweep()

	task, err := s.GetTask(store.QueueCleanup, "wreck")
	require.NoError(t, err)
	require.Equal(t, store.TaskQueued, task.Status)

	_, err = s.GetTask(store.QueueCleanup, "clean")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetTask(store.QueueCleanup, "young")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Idempotent across sweeps.
	sched.Sweep()
	tasks, err := s.ListTasks(store.QueueCleanup)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestSweepPurgesSessions(t *testing.T) {
	sched, s := newTestScheduler(t, Config{Location: time.UTC})
	require.NoError(t, s.CreateUser(&store.User{ID: "u1", Username: "admin", PasswordHash: "x", CreatedAt: 100}))
	require.NoError(t, s.CreateSession(&store.Session{ID: "stale", UserID: "u1", CSRFToken: "c", CreatedAt: 100, ExpiresAt: 200}))
	require.NoError(t, s.CreateSession(&store.Session{ID: "live", UserID: "u1", CSRFToken: "c", CreatedAt: 100, ExpiresAt: 1 << 40}))

	sched.now = func() time.Time { return time.Unix(1000, 0) }
	sched.Sweep()

	_, err := s.GetSession("stale")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetSession("live")
	require.NoError(t, err)
}

func TestSweepZeroConfigDisablesRetention(t *testing.T) {
	sched, s := newTestScheduler(t, Config{Location: time.UTC})
	seedScheduledJob(t, s, "j1", "", "")

	snap := jobspec.TargetSnapshotV1{V: 1, Type: jobspec.TargetLocalDir, NodeID: store.NodeHub, BaseDir: "/backups"}
	snapJSON, err := snap.Encode()
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(&store.Run{ID: "ancient", JobID: "j1", Status: store.RunSuccess, Source: "manual",
		StartedAt: 100, EndedAt: 100, TargetSnapshotJSON: snapJSON}))

	sched.now = func() time.Time { return time.Unix(1 << 40, 0) }
	sched.Sweep()

	_, err = s.GetRun("ancient")
	require.NoError(t, err)
	tasks, err := s.ListTasks(store.QueueDelete)
	require.NoError(t, err)
	require.Empty(t, tasks)
}
