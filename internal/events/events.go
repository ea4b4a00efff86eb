// Package events carries the structured run-event stream: the kind and
// level vocabulary, the durable append + in-process publish path, and the
// per-run bus that fans committed events out to live watchers.
package events

import (
	"encoding/json"

	"github.com/bastion-sh/bastion/internal/store"
)

// Level classifies an event's severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Kind identifies what happened. Kinds are stable strings; consumers that
// see an unknown kind must treat it as opaque, not fail.
type Kind string

// Run lifecycle.
const (
	KindRunQueued   Kind = "run_queued"
	KindRunStarted  Kind = "run_started"
	KindRunComplete Kind = "run_complete"
	KindRunFailed   Kind = "run_failed"
	KindRunRejected Kind = "run_rejected"
)

// Dispatch to agents.
const (
	KindDispatched     Kind = "dispatched"
	KindDispatchFailed Kind = "dispatch_failed"
	KindTaskAcked      Kind = "task_acked"
)

// Builder and target stages.
const (
	KindStage            Kind = "stage"
	KindWalkWarning      Kind = "walk_warning"
	KindPartFinalized    Kind = "part_finalized"
	KindUploadStarted    Kind = "upload_started"
	KindUploadComplete   Kind = "upload_complete"
	KindUploadRetry      Kind = "upload_retry"
	KindProgressSnapshot Kind = "progress_snapshot"
)

// Restore and verify operations.
const (
	KindRestoreStarted  Kind = "restore_started"
	KindRestoreComplete Kind = "restore_complete"
	KindRestoreFailed   Kind = "restore_failed"
	KindVerifyStarted   Kind = "verify_started"
	KindVerifyPart      Kind = "verify_part"
	KindVerifyComplete  Kind = "verify_complete"
	KindVerifyFailed    Kind = "verify_failed"
)

// Event is the published shape: a committed store row. The bus republishes
// exactly what the database accepted, so watchers and later readers of
// list_run_events always agree.
type Event = store.RunEvent

// Sink receives events for a single stream. The run builder and the
// restore pipeline write through a Sink so the same code serves the hub
// (recorder-backed) and agents (offline event log).
type Sink interface {
	Event(level Level, kind Kind, message string, fields any)
}

// RunSink adapts a Recorder to the Sink interface for one run.
type RunSink struct {
	Rec   *Recorder
	RunID string
}

func (s RunSink) Event(level Level, kind Kind, message string, fields any) {
	s.Rec.Run(s.RunID, level, kind, message, fields)
}

// OperationSink adapts a Recorder to the Sink interface for one
// operation.
type OperationSink struct {
	Rec         *Recorder
	OperationID string
}

func (s OperationSink) Event(level Level, kind Kind, message string, fields any) {
	s.Rec.Operation(s.OperationID, level, kind, message, fields)
}

// NopSink drops everything.
type NopSink struct{}

func (NopSink) Event(Level, Kind, string, any) {}

// MarshalFields renders a fields value for the event row. Nil stays empty
// so optional fields are omitted rather than stored as JSON null.
func MarshalFields(fields any) string {
	if fields == nil {
		return ""
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(raw)
}
