package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// OperationKind distinguishes the long-running user actions that get their
// own event stream.
type OperationKind string

const (
	OpRestore OperationKind = "restore"
	OpVerify  OperationKind = "verify"
)

// OperationStatus is the lifecycle state of an operation.
type OperationStatus string

const (
	OpRunning OperationStatus = "running"
	OpSuccess OperationStatus = "success"
	OpFailed  OperationStatus = "failed"
)

// Operation is a user-initiated restore or verify over a stored run,
// independent of the run's own lifecycle.
type Operation struct {
	ID        string
	Kind      OperationKind
	RunID     string
	Status    OperationStatus
	StartedAt int64
	EndedAt   int64
	Error     string
}

// CreateOperation inserts a new running operation.
func (s *Store) CreateOperation(op *Operation) error {
	_, err := s.conn.Exec(`INSERT INTO operations (id, kind, run_id, status, started_at, ended_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.RunID, string(op.Status), op.StartedAt,
		nullInt64(op.EndedAt), nullString(op.Error))
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// CompleteOperation moves a running operation to a terminal status.
func (s *Store) CompleteOperation(id string, status OperationStatus, errMsg string, endedAt int64) error {
	res, err := s.conn.Exec(`UPDATE operations SET status = ?, error = ?, ended_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), nullString(errMsg), endedAt, id)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete operation rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete operation %s: not running: %w", id, ErrNotFound)
	}
	return nil
}

// GetOperation returns the operation with the given id.
func (s *Store) GetOperation(id string) (*Operation, error) {
	var op Operation
	var kind, status string
	var endedAt sql.NullInt64
	var errMsg sql.NullString
	err := s.conn.QueryRow(`SELECT id, kind, run_id, status, started_at, ended_at, error
		FROM operations WHERE id = ?`, id).
		Scan(&op.ID, &kind, &op.RunID, &status, &op.StartedAt, &endedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	op.Kind = OperationKind(kind)
	op.Status = OperationStatus(status)
	op.EndedAt = endedAt.Int64
	op.Error = errMsg.String
	return &op, nil
}

// AppendOperationEvent appends to an operation's stream with the same dense
// per-stream sequencing as run events.
func (s *Store) AppendOperationEvent(ev *RunEvent) (*RunEvent, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin append operation event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) + 1 FROM operation_events WHERE operation_id = ?",
		ev.RunID).Scan(&ev.Seq); err != nil {
		return nil, fmt.Errorf("next operation event seq: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO operation_events (operation_id, seq, ts, level, kind, message, fields_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.TS, ev.Level, ev.Kind, ev.Message, nullString(ev.FieldsJSON)); err != nil {
		return nil, fmt.Errorf("insert operation event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit operation event: %w", err)
	}
	return ev, nil
}

// ListOperationEvents returns an operation's events in sequence order.
func (s *Store) ListOperationEvents(operationID string) ([]*RunEvent, error) {
	rows, err := s.conn.Query(`SELECT operation_id, seq, ts, level, kind, message, fields_json
		FROM operation_events WHERE operation_id = ? ORDER BY seq`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list operation events: %w", err)
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		var ev RunEvent
		var fields sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.TS, &ev.Level, &ev.Kind, &ev.Message, &fields); err != nil {
			return nil, fmt.Errorf("scan operation event: %w", err)
		}
		ev.FieldsJSON = fields.String
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation events: %w", err)
	}
	return events, nil
}
