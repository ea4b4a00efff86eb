package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedJob(t *testing.T, s *Store, id string) *Job {
	t.Helper()
	job := &Job{
		ID:            id,
		Name:          "job-" + id,
		OverlapPolicy: OverlapQueue,
		SpecJSON:      "{}",
		CreatedAt:     1000,
		UpdatedAt:     1000,
	}
	require.NoError(t, s.CreateJob(job))
	return job
}

func TestEnqueueRunOverlapQueue(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")

	first := &Run{ID: "r1", JobID: "j1", Source: "manual", StartedAt: 100}
	require.NoError(t, s.EnqueueRun(first, OverlapQueue))
	require.Equal(t, RunQueued, first.Status)

	second := &Run{ID: "r2", JobID: "j1", Source: "manual", StartedAt: 200}
	require.NoError(t, s.EnqueueRun(second, OverlapQueue))
	require.Equal(t, RunQueued, second.Status)
}

func TestEnqueueRunOverlapReject(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")

	first := &Run{ID: "r1", JobID: "j1", Source: "scheduled", StartedAt: 100}
	require.NoError(t, s.EnqueueRun(first, OverlapReject))
	require.Equal(t, RunQueued, first.Status)

	second := &Run{ID: "r2", JobID: "j1", Source: "manual", StartedAt: 200}
	require.NoError(t, s.EnqueueRun(second, OverlapReject))
	require.Equal(t, RunRejected, second.Status)
	require.Equal(t, ErrOverlapRejected, second.Error)
	require.Equal(t, second.StartedAt, second.EndedAt)

	// The rejected run is terminal, so once r1 finishes the job is clear again.
	claimed, err := s.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.Equal(t, "r1", claimed.ID)
	ok, err := s.CompleteRun("r1", RunSuccess, "", "", 300)
	require.NoError(t, err)
	require.True(t, ok)

	third := &Run{ID: "r3", JobID: "j1", Source: "manual", StartedAt: 400}
	require.NoError(t, s.EnqueueRun(third, OverlapReject))
	require.Equal(t, RunQueued, third.Status)
}

func TestEnqueueRunRejectCountsDistinctJobsSeparately(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	seedJob(t, s, "j2")

	require.NoError(t, s.EnqueueRun(&Run{ID: "r1", JobID: "j1", Source: "manual", StartedAt: 100}, OverlapReject))

	other := &Run{ID: "r2", JobID: "j2", Source: "manual", StartedAt: 100}
	require.NoError(t, s.EnqueueRun(other, OverlapReject))
	require.Equal(t, RunQueued, other.Status)
}

func TestClaimNextQueuedRunOrdersByStart(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")

	require.NoError(t, s.EnqueueRun(&Run{ID: "late", JobID: "j1", Source: "manual", StartedAt: 200}, OverlapQueue))
	require.NoError(t, s.EnqueueRun(&Run{ID: "early", JobID: "j1", Source: "manual", StartedAt: 100}, OverlapQueue))

	claimed, err := s.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.Equal(t, "early", claimed.ID)
	require.Equal(t, RunRunning, claimed.Status)

	claimed, err = s.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.Equal(t, "late", claimed.ID)

	claimed, err = s.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.Nil(t, claimed)
}

// TestClaimNextQueuedRunConcurrent hammers the claim statement from many
// goroutines and checks every queued run is claimed exactly once.
func TestClaimNextQueuedRunConcurrent(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")

	const total = 20
	for i := 0; i < total; i++ {
		run := &Run{ID: fmt.Sprintf("r%02d", i), JobID: "j1", Source: "manual", StartedAt: int64(100 + i)}
		require.NoError(t, s.EnqueueRun(run, OverlapQueue))
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				run, err := s.ClaimNextQueuedRun()
				if err != nil {
					t.Error(err)
					return
				}
				if run == nil {
					return
				}
				mu.Lock()
				claimed[run.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, total)
	for id, n := range claimed {
		require.Equal(t, 1, n, "run %s claimed %d times", id, n)
	}
}

func TestCompleteRunOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	require.NoError(t, s.EnqueueRun(&Run{ID: "r1", JobID: "j1", Source: "manual", StartedAt: 100}, OverlapQueue))
	_, err := s.ClaimNextQueuedRun()
	require.NoError(t, err)

	ok, err := s.CompleteRun("r1", RunSuccess, `{"bytes":1}`, "", 200)
	require.NoError(t, err)
	require.True(t, ok)

	// A late duplicate must not overwrite the first completion.
	ok, err = s.CompleteRun("r1", RunFailed, "", "boom", 300)
	require.NoError(t, err)
	require.False(t, ok)

	run, err := s.GetRun("r1")
	require.NoError(t, err)
	require.Equal(t, RunSuccess, run.Status)
	require.Equal(t, int64(200), run.EndedAt)
	require.Empty(t, run.Error)
}

func TestCompleteRunRejectsNonTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CompleteRun("r1", RunRunning, "", "", 100)
	require.Error(t, err)
}

func TestRequeueRunRequiresRunning(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	require.NoError(t, s.EnqueueRun(&Run{ID: "r1", JobID: "j1", Source: "manual", StartedAt: 100}, OverlapQueue))

	// Not running yet.
	err := s.RequeueRun("r1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.NoError(t, s.RequeueRun("r1"))

	run, err := s.GetRun("r1")
	require.NoError(t, err)
	require.Equal(t, RunQueued, run.Status)

	// Requeued runs are claimable again.
	claimed, err := s.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.Equal(t, "r1", claimed.ID)
}

func TestSetRunProgressAndSnapshot(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	require.NoError(t, s.EnqueueRun(&Run{ID: "r1", JobID: "j1", Source: "manual", StartedAt: 100}, OverlapQueue))

	require.NoError(t, s.SetRunProgress("r1", `{"stage":"upload"}`))
	require.NoError(t, s.SetRunTargetSnapshot("r1", `{"type":"local_dir"}`))

	run, err := s.GetRun("r1")
	require.NoError(t, err)
	require.Equal(t, `{"stage":"upload"}`, run.ProgressJSON)
	require.Equal(t, `{"type":"local_dir"}`, run.TargetSnapshotJSON)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun("missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestListRunsNewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	for i := 0; i < 5; i++ {
		require.NoError(t, s.EnqueueRun(&Run{
			ID: fmt.Sprintf("r%d", i), JobID: "j1", Source: "manual", StartedAt: int64(100 + i*10),
		}, OverlapQueue))
	}

	runs, err := s.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "r4", runs[0].ID)
	require.Equal(t, "r3", runs[1].ID)

	all, err := s.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestPruneRunsEndedBefore(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")

	require.NoError(t, s.CreateRun(&Run{ID: "old", JobID: "j1", Status: RunSuccess, Source: "manual", StartedAt: 100, EndedAt: 150}))
	require.NoError(t, s.CreateRun(&Run{ID: "new", JobID: "j1", Status: RunSuccess, Source: "manual", StartedAt: 200, EndedAt: 250}))
	require.NoError(t, s.CreateRun(&Run{ID: "live", JobID: "j1", Status: RunRunning, Source: "manual", StartedAt: 300}))

	n, err := s.PruneRunsEndedBefore(200)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.GetRun("old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRun("new")
	require.NoError(t, err)
	// Runs without ended_at are never pruned, however old.
	_, err = s.GetRun("live")
	require.NoError(t, err)
}

func TestListRetentionExpiredRuns(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")

	// Old success with artifacts: expired.
	require.NoError(t, s.CreateRun(&Run{ID: "expired", JobID: "j1", Status: RunSuccess, Source: "manual",
		StartedAt: 100, EndedAt: 150, TargetSnapshotJSON: `{"type":"local_dir"}`}))
	// Old success that stored nothing: nothing to delete.
	require.NoError(t, s.CreateRun(&Run{ID: "empty", JobID: "j1", Status: RunSuccess, Source: "manual",
		StartedAt: 100, EndedAt: 160}))
	// Old failure: the cleanup queue's business, not retention's.
	require.NoError(t, s.CreateRun(&Run{ID: "failed", JobID: "j1", Status: RunFailed, Source: "manual",
		StartedAt: 100, EndedAt: 170, TargetSnapshotJSON: `{"type":"local_dir"}`}))
	// Recent success: not expired yet.
	require.NoError(t, s.CreateRun(&Run{ID: "fresh", JobID: "j1", Status: RunSuccess, Source: "manual",
		StartedAt: 900, EndedAt: 950, TargetSnapshotJSON: `{"type":"local_dir"}`}))

	expired, err := s.ListRetentionExpiredRuns(200)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "expired", expired[0].ID)
}

func TestPruneRunsCascadesEvents(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")
	require.NoError(t, s.CreateRun(&Run{ID: "old", JobID: "j1", Status: RunSuccess, Source: "manual", StartedAt: 100, EndedAt: 150}))
	_, err := s.AppendRunEvent(&RunEvent{RunID: "old", TS: 110, Level: "info", Kind: "run_started", Message: "started"})
	require.NoError(t, err)

	_, err = s.PruneRunsEndedBefore(200)
	require.NoError(t, err)

	events, err := s.ListRunEvents("old")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestListIncompleteCleanupCandidates(t *testing.T) {
	s := newTestStore(t)
	seedJob(t, s, "j1")

	// Old failed run with artifacts: candidate.
	require.NoError(t, s.CreateRun(&Run{ID: "failed-old", JobID: "j1", Status: RunFailed, Source: "manual",
		StartedAt: 100, EndedAt: 150, TargetSnapshotJSON: `{"type":"local_dir"}`}))
	// Old stuck-running run with artifacts: candidate.
	require.NoError(t, s.CreateRun(&Run{ID: "stuck", JobID: "j1", Status: RunRunning, Source: "manual",
		StartedAt: 110, TargetSnapshotJSON: `{"type":"webdav"}`}))
	// Old failed run that never touched the target: not a candidate.
	require.NoError(t, s.CreateRun(&Run{ID: "failed-clean", JobID: "j1", Status: RunFailed, Source: "manual",
		StartedAt: 120, EndedAt: 130}))
	// Recent failed run with artifacts: not old enough yet.
	require.NoError(t, s.CreateRun(&Run{ID: "failed-new", JobID: "j1", Status: RunFailed, Source: "manual",
		StartedAt: 900, EndedAt: 950, TargetSnapshotJSON: `{"type":"local_dir"}`}))
	// Old success: never a candidate.
	require.NoError(t, s.CreateRun(&Run{ID: "ok", JobID: "j1", Status: RunSuccess, Source: "manual",
		StartedAt: 100, EndedAt: 160, TargetSnapshotJSON: `{"type":"local_dir"}`}))

	candidates, err := s.ListIncompleteCleanupCandidates(500)
	require.NoError(t, err)
	ids := make([]string, 0, len(candidates))
	for _, r := range candidates {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{"failed-old", "stuck"}, ids)
}
