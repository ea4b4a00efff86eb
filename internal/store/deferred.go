package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// DeferredQueue names one of the two deferred work queues. Both share the
// same row shape and state machine; only the side effect differs.
type DeferredQueue string

const (
	// QueueDelete holds retention-driven artifact deletions for runs that
	// reached success.
	QueueDelete DeferredQueue = "delete"

	// QueueCleanup holds removals of partial run directories left behind by
	// runs that never completed.
	QueueCleanup DeferredQueue = "cleanup"
)

func (q DeferredQueue) table() (string, error) {
	switch q {
	case QueueDelete:
		return "delete_tasks", nil
	case QueueCleanup:
		return "cleanup_tasks", nil
	default:
		return "", fmt.Errorf("unknown deferred queue %q", q)
	}
}

// TaskStatus is the deferred-task lifecycle state.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRetrying  TaskStatus = "retrying"
	TaskBlocked   TaskStatus = "blocked"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskAbandoned TaskStatus = "abandoned"
	TaskIgnored   TaskStatus = "ignored"
)

// blockedHold is the next_attempt_at sentinel for blocked tasks. Blocked
// rows stay inside the claim predicate's status set but can never be due
// until retry_now resets them.
const blockedHold int64 = 1 << 62

// DeferredTask is one row of a deferred queue, keyed by run id.
type DeferredTask struct {
	RunID              string
	JobID              string
	NodeID             string
	TargetType         string // webdav | local_dir
	TargetSnapshotJSON string
	Status             TaskStatus
	Attempts           int
	CreatedAt          int64
	UpdatedAt          int64
	LastAttemptAt      int64
	NextAttemptAt      int64
	LastErrorKind      string
	LastError          string
	IgnoredAt          int64
	IgnoredByUserID    string
	IgnoreReason       string
}

// UpsertTaskIfMissing inserts the task unless a row for the run already
// exists. The second call for the same run reports inserted=false and
// leaves the existing row untouched.
func (s *Store) UpsertTaskIfMissing(queue DeferredQueue, task *DeferredTask) (bool, error) {
	table, err := queue.table()
	if err != nil {
		return false, err
	}
	res, err := s.conn.Exec(fmt.Sprintf(`INSERT INTO %s
		(run_id, job_id, node_id, target_type, target_snapshot_json, status, attempts, created_at, updated_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`, table),
		task.RunID, task.JobID, task.NodeID, task.TargetType, task.TargetSnapshotJSON,
		string(TaskQueued), task.CreatedAt, task.UpdatedAt, task.NextAttemptAt)
	if err != nil {
		return false, fmt.Errorf("upsert %s task: %w", queue, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert %s task rows affected: %w", queue, err)
	}
	return n == 1, nil
}

// ClaimDueTask atomically flips the earliest due task to running,
// incrementing attempts and stamping last_attempt_at. Returns nil when
// nothing is due. Blocked rows carry a far-future next_attempt_at, so they
// sit inside the status set but never match the due predicate.
func (s *Store) ClaimDueTask(queue DeferredQueue, now int64) (*DeferredTask, error) {
	table, err := queue.table()
	if err != nil {
		return nil, err
	}
	row := s.conn.QueryRow(fmt.Sprintf(`UPDATE %[1]s
		SET status = 'running', attempts = attempts + 1, last_attempt_at = ?, updated_at = ?
		WHERE run_id = (SELECT run_id FROM %[1]s
			WHERE status IN ('queued', 'retrying', 'blocked') AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC LIMIT 1)
		RETURNING run_id, job_id, node_id, target_type, target_snapshot_json, status, attempts,
			created_at, updated_at, last_attempt_at, next_attempt_at,
			last_error_kind, last_error, ignored_at, ignored_by_user_id, ignore_reason`, table),
		now, now, now)
	task, err := scanDeferredTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s task: %w", queue, err)
	}
	return task, nil
}

// MarkTaskDone finishes a running task.
func (s *Store) MarkTaskDone(queue DeferredQueue, runID string, now int64) error {
	table, err := queue.table()
	if err != nil {
		return err
	}
	return s.execTransition(queue, fmt.Sprintf(`UPDATE %s
		SET status = 'done', last_error_kind = NULL, last_error = NULL, updated_at = ?
		WHERE run_id = ?`, table),
		now, runID)
}

// MarkTaskRetrying schedules another attempt after a transient failure.
func (s *Store) MarkTaskRetrying(queue DeferredQueue, runID, errKind, errMsg string, nextAttemptAt, now int64) error {
	table, err := queue.table()
	if err != nil {
		return err
	}
	return s.execTransition(queue, fmt.Sprintf(`UPDATE %s
		SET status = 'retrying', last_error_kind = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE run_id = ?`, table),
		errKind, errMsg, nextAttemptAt, now, runID)
}

// MarkTaskBlocked parks a task that needs operator action before it can be
// retried. next_attempt_at is pushed past any reachable clock.
func (s *Store) MarkTaskBlocked(queue DeferredQueue, runID, errKind, errMsg string, now int64) error {
	table, err := queue.table()
	if err != nil {
		return err
	}
	return s.execTransition(queue, fmt.Sprintf(`UPDATE %s
		SET status = 'blocked', last_error_kind = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE run_id = ?`, table),
		errKind, errMsg, blockedHold, now, runID)
}

// MarkTaskAbandoned gives up on a task after the retry budget is spent or a
// permanent failure.
func (s *Store) MarkTaskAbandoned(queue DeferredQueue, runID, errKind, errMsg string, now int64) error {
	table, err := queue.table()
	if err != nil {
		return err
	}
	return s.execTransition(queue, fmt.Sprintf(`UPDATE %s
		SET status = 'abandoned', last_error_kind = ?, last_error = ?, updated_at = ?
		WHERE run_id = ?`, table),
		errKind, errMsg, now, runID)
}

// IgnoreTask records an operator's decision to stop pursuing the task.
// Allowed from any non-running, non-terminal state.
func (s *Store) IgnoreTask(queue DeferredQueue, runID, userID, reason string, now int64) error {
	table, err := queue.table()
	if err != nil {
		return err
	}
	return s.execTransition(queue, fmt.Sprintf(`UPDATE %s
		SET status = 'ignored', ignored_at = ?, ignored_by_user_id = ?, ignore_reason = ?, updated_at = ?
		WHERE run_id = ? AND status IN ('queued', 'retrying', 'blocked', 'abandoned')`, table),
		now, userID, reason, now, runID)
}

// RetryTaskNow requeues a parked task with an immediate attempt time. This
// is the only way out of blocked.
func (s *Store) RetryTaskNow(queue DeferredQueue, runID string, now int64) error {
	table, err := queue.table()
	if err != nil {
		return err
	}
	return s.execTransition(queue, fmt.Sprintf(`UPDATE %s
		SET status = 'queued', next_attempt_at = ?, updated_at = ?
		WHERE run_id = ? AND status IN ('retrying', 'blocked', 'abandoned')`, table),
		now, now, runID)
}

func (s *Store) execTransition(queue DeferredQueue, query string, args ...any) error {
	res, err := s.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s task transition: %w", queue, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s task transition rows affected: %w", queue, err)
	}
	if n == 0 {
		return fmt.Errorf("%s task transition: %w", queue, ErrNotFound)
	}
	return nil
}

// GetTask returns the task row for a run, or ErrNotFound.
func (s *Store) GetTask(queue DeferredQueue, runID string) (*DeferredTask, error) {
	table, err := queue.table()
	if err != nil {
		return nil, err
	}
	row := s.conn.QueryRow(fmt.Sprintf(`SELECT run_id, job_id, node_id, target_type, target_snapshot_json,
		status, attempts, created_at, updated_at, last_attempt_at, next_attempt_at,
		last_error_kind, last_error, ignored_at, ignored_by_user_id, ignore_reason
		FROM %s WHERE run_id = ?`, table), runID)
	task, err := scanDeferredTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s task: %w", queue, err)
	}
	return task, nil
}

// ListTasks returns all rows of a queue, oldest first.
func (s *Store) ListTasks(queue DeferredQueue) ([]*DeferredTask, error) {
	table, err := queue.table()
	if err != nil {
		return nil, err
	}
	rows, err := s.conn.Query(fmt.Sprintf(`SELECT run_id, job_id, node_id, target_type, target_snapshot_json,
		status, attempts, created_at, updated_at, last_attempt_at, next_attempt_at,
		last_error_kind, last_error, ignored_at, ignored_by_user_id, ignore_reason
		FROM %s ORDER BY created_at ASC`, table))
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", queue, err)
	}
	defer rows.Close()

	var tasks []*DeferredTask
	for rows.Next() {
		task, err := scanDeferredTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s task: %w", queue, err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s tasks: %w", queue, err)
	}
	return tasks, nil
}

// NextTaskDueAt returns the earliest next_attempt_at among claimable rows.
// ok is false when the queue has nothing pending.
func (s *Store) NextTaskDueAt(queue DeferredQueue) (int64, bool, error) {
	table, err := queue.table()
	if err != nil {
		return 0, false, err
	}
	var due sql.NullInt64
	err = s.conn.QueryRow(fmt.Sprintf(`SELECT MIN(next_attempt_at) FROM %s
		WHERE status IN ('queued', 'retrying')`, table)).Scan(&due)
	if err != nil {
		return 0, false, fmt.Errorf("next %s due: %w", queue, err)
	}
	return due.Int64, due.Valid, nil
}

// AppendTaskEvent adds one line to the task's append-only log.
func (s *Store) AppendTaskEvent(queue DeferredQueue, runID string, ts int64, kind, message string) error {
	_, err := s.conn.Exec(`INSERT INTO task_events (queue, run_id, ts, kind, message) VALUES (?, ?, ?, ?, ?)`,
		string(queue), runID, ts, kind, message)
	if err != nil {
		return fmt.Errorf("append %s task event: %w", queue, err)
	}
	return nil
}

// ListTaskEvents returns a task's log in insertion order.
func (s *Store) ListTaskEvents(queue DeferredQueue, runID string) ([]*TaskEvent, error) {
	rows, err := s.conn.Query(`SELECT queue, run_id, ts, kind, message FROM task_events
		WHERE queue = ? AND run_id = ? ORDER BY ts, rowid`, string(queue), runID)
	if err != nil {
		return nil, fmt.Errorf("list %s task events: %w", queue, err)
	}
	defer rows.Close()

	var events []*TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.Queue, &ev.RunID, &ev.TS, &ev.Kind, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return events, nil
}

// TaskEvent is one line of a deferred task's append-only log.
type TaskEvent struct {
	Queue   string
	RunID   string
	TS      int64
	Kind    string
	Message string
}

func scanDeferredTask(row rowScanner) (*DeferredTask, error) {
	var task DeferredTask
	var status string
	var lastAttempt, ignoredAt sql.NullInt64
	var errKind, errMsg, ignoredBy, ignoreReason sql.NullString
	if err := row.Scan(&task.RunID, &task.JobID, &task.NodeID, &task.TargetType,
		&task.TargetSnapshotJSON, &status, &task.Attempts, &task.CreatedAt, &task.UpdatedAt,
		&lastAttempt, &task.NextAttemptAt, &errKind, &errMsg,
		&ignoredAt, &ignoredBy, &ignoreReason); err != nil {
		return nil, err
	}
	task.Status = TaskStatus(status)
	task.LastAttemptAt = lastAttempt.Int64
	task.LastErrorKind = errKind.String
	task.LastError = errMsg.String
	task.IgnoredAt = ignoredAt.Int64
	task.IgnoredByUserID = ignoredBy.String
	task.IgnoreReason = ignoreReason.String
	return &task, nil
}
