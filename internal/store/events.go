package store

import (
	"database/sql"
	"fmt"
)

// RunEvent is one entry in a run's append-only event stream. Seq is dense
// and monotonic per run, starting at 1.
type RunEvent struct {
	RunID      string
	Seq        int64
	TS         int64
	Level      string
	Kind       string
	Message    string
	FieldsJSON string
}

// AppendRunEvent assigns the next sequence number and inserts the event in
// one transaction, so concurrent appenders cannot leave gaps or duplicates.
// The stored event (with its assigned seq) is returned for publication on
// the in-process bus after commit.
func (s *Store) AppendRunEvent(ev *RunEvent) (*RunEvent, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin append event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?",
		ev.RunID).Scan(&ev.Seq); err != nil {
		return nil, fmt.Errorf("next event seq: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO run_events (run_id, seq, ts, level, kind, message, fields_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.TS, ev.Level, ev.Kind, ev.Message, nullString(ev.FieldsJSON)); err != nil {
		return nil, fmt.Errorf("insert run event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run event: %w", err)
	}
	return ev, nil
}

// ListRunEvents returns all events for a run in sequence order.
func (s *Store) ListRunEvents(runID string) ([]*RunEvent, error) {
	return s.listRunEvents(`SELECT run_id, seq, ts, level, kind, message, fields_json
		FROM run_events WHERE run_id = ? ORDER BY seq`, runID)
}

// ListRunEventsAfterSeq returns events with seq greater than the given
// value, in order. Used for incremental tailing after reconnect.
func (s *Store) ListRunEventsAfterSeq(runID string, afterSeq int64) ([]*RunEvent, error) {
	return s.listRunEvents(`SELECT run_id, seq, ts, level, kind, message, fields_json
		FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq`, runID, afterSeq)
}

func (s *Store) listRunEvents(query string, args ...any) ([]*RunEvent, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		var ev RunEvent
		var fields sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.TS, &ev.Level, &ev.Kind, &ev.Message, &fields); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.FieldsJSON = fields.String
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return events, nil
}
