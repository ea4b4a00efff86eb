package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunRejected RunStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunRejected
}

// ErrOverlapRejected is the error column value recorded on runs rejected by
// the overlap policy.
const ErrOverlapRejected = "overlap_rejected"

// Run is a single attempt to execute a job.
type Run struct {
	ID                 string
	JobID              string
	Status             RunStatus
	Source             string // scheduled | manual | agent
	StartedAt          int64
	EndedAt            int64 // zero until terminal
	ProgressJSON       string
	SummaryJSON        string
	Error              string
	TargetSnapshotJSON string
}

// CreateRun inserts a run row with an explicit status. Used directly for
// agent-ingested runs that arrive already terminal; hub-triggered runs go
// through EnqueueRun instead.
func (s *Store) CreateRun(run *Run) error {
	_, err := s.conn.Exec(`INSERT INTO runs
		(id, job_id, status, source, started_at, ended_at, progress_json, summary_json, error, target_snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, string(run.Status), run.Source, run.StartedAt,
		nullInt64(run.EndedAt), nullString(run.ProgressJSON), nullString(run.SummaryJSON),
		nullString(run.Error), nullString(run.TargetSnapshotJSON))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// EnqueueRun creates a run for the job, applying its overlap policy: if the
// job already has a queued or running run and the policy is reject, the new
// run is born rejected with error "overlap_rejected". The run's final status
// is written back into run.Status. The count and the insert share one
// transaction so two concurrent enqueues cannot both pass the check.
func (s *Store) EnqueueRun(run *Run, policy OverlapPolicy) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM runs WHERE job_id = ? AND status IN ('queued', 'running')`,
		run.JobID).Scan(&active); err != nil {
		return fmt.Errorf("count active runs: %w", err)
	}

	run.Status = RunQueued
	if active >= 1 && policy == OverlapReject {
		run.Status = RunRejected
		run.Error = ErrOverlapRejected
		run.EndedAt = run.StartedAt
	}

	if _, err := tx.Exec(`INSERT INTO runs
		(id, job_id, status, source, started_at, ended_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, string(run.Status), run.Source, run.StartedAt,
		nullInt64(run.EndedAt), nullString(run.Error)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// ClaimNextQueuedRun atomically flips the oldest queued run to running and
// returns it. Returns nil when nothing is queued. Readers outside the
// statement never observe the claimed run as queued after this commits.
func (s *Store) ClaimNextQueuedRun() (*Run, error) {
	row := s.conn.QueryRow(`UPDATE runs SET status = 'running'
		WHERE id = (SELECT id FROM runs WHERE status = 'queued' ORDER BY started_at ASC, id ASC LIMIT 1)
		RETURNING id, job_id, status, source, started_at, ended_at, progress_json, summary_json, error, target_snapshot_json`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queued run: %w", err)
	}
	return run, nil
}

// CompleteRun moves a running run to a terminal status. It refuses to touch
// runs that are not running, so a late duplicate completion cannot overwrite
// an earlier one; the return value reports whether the transition happened.
func (s *Store) CompleteRun(id string, status RunStatus, summaryJSON, errMsg string, endedAt int64) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("complete run %s: %q is not a terminal status", id, status)
	}
	res, err := s.conn.Exec(`UPDATE runs
		SET status = ?, summary_json = ?, error = ?, ended_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), nullString(summaryJSON), nullString(errMsg), endedAt, id)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete run rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueRun moves a running run back to queued. Valid only for the
// dispatch-failed-before-ack case; the caller owns that judgment, the store
// only guards that the run is currently running.
func (s *Store) RequeueRun(id string) error {
	res, err := s.conn.Exec(`UPDATE runs SET status = 'queued' WHERE id = ? AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("requeue run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("requeue run %s: not running: %w", id, ErrNotFound)
	}
	return nil
}

// SetRunProgress stores the latest progress snapshot for display.
func (s *Store) SetRunProgress(id, progressJSON string) error {
	if _, err := s.conn.Exec("UPDATE runs SET progress_json = ? WHERE id = ?", progressJSON, id); err != nil {
		return fmt.Errorf("set run progress: %w", err)
	}
	return nil
}

// SetRunTargetSnapshot pins the resolved target descriptor on the run. The
// snapshot, not the job row, is what deferred deletion trusts later.
func (s *Store) SetRunTargetSnapshot(id, snapshotJSON string) error {
	if _, err := s.conn.Exec("UPDATE runs SET target_snapshot_json = ? WHERE id = ?", snapshotJSON, id); err != nil {
		return fmt.Errorf("set run target snapshot: %w", err)
	}
	return nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.conn.QueryRow(`SELECT id, job_id, status, source, started_at, ended_at,
		progress_json, summary_json, error, target_snapshot_json FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first. A zero limit means all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	query := `SELECT id, job_id, status, source, started_at, ended_at,
		progress_json, summary_json, error, target_snapshot_json
		FROM runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.listRuns(query, args...)
}

// ListRunsForJob returns up to limit runs of one job, newest first.
func (s *Store) ListRunsForJob(jobID string, limit int) ([]*Run, error) {
	query := `SELECT id, job_id, status, source, started_at, ended_at,
		progress_json, summary_json, error, target_snapshot_json
		FROM runs WHERE job_id = ? ORDER BY started_at DESC, id DESC`
	args := []any{jobID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.listRuns(query, args...)
}

func (s *Store) listRuns(query string, args ...any) ([]*Run, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ListRetentionExpiredRuns returns successful runs that ended before the
// cutoff and stored artifacts at a target. The scheduler turns each into a
// deferred delete task before the rows themselves are pruned.
func (s *Store) ListRetentionExpiredRuns(cutoff int64) ([]*Run, error) {
	return s.listRuns(`SELECT id, job_id, status, source, started_at, ended_at,
		progress_json, summary_json, error, target_snapshot_json
		FROM runs
		WHERE status = 'success' AND ended_at IS NOT NULL AND ended_at < ? AND target_snapshot_json IS NOT NULL
		ORDER BY ended_at ASC`, cutoff)
}

// PruneRunsEndedBefore deletes terminal runs older than the cutoff and
// returns how many were removed. Their events cascade; deferred task rows
// are keyed independently and survive so target artifacts still get
// deleted.
func (s *Store) PruneRunsEndedBefore(cutoff int64) (int64, error) {
	res, err := s.conn.Exec("DELETE FROM runs WHERE ended_at IS NOT NULL AND ended_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs rows affected: %w", err)
	}
	return n, nil
}

// ListIncompleteCleanupCandidates returns runs that started before the
// cutoff, never reached success, and stored something at a target. Cleanup
// task upserts are idempotent by run id, so re-listing the same run on the
// next sweep is harmless.
func (s *Store) ListIncompleteCleanupCandidates(cutoff int64) ([]*Run, error) {
	return s.listRuns(`SELECT id, job_id, status, source, started_at, ended_at,
		progress_json, summary_json, error, target_snapshot_json
		FROM runs
		WHERE status IN ('failed', 'running') AND started_at < ? AND target_snapshot_json IS NOT NULL
		ORDER BY started_at ASC`, cutoff)
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status string
	var endedAt sql.NullInt64
	var progress, summary, errMsg, snapshot sql.NullString
	if err := row.Scan(&run.ID, &run.JobID, &status, &run.Source, &run.StartedAt,
		&endedAt, &progress, &summary, &errMsg, &snapshot); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.EndedAt = endedAt.Int64
	run.ProgressJSON = progress.String
	run.SummaryJSON = summary.String
	run.Error = errMsg.String
	run.TargetSnapshotJSON = snapshot.String
	return &run, nil
}
