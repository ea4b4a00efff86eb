package events

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/bastion-sh/bastion/internal/store"
)

// Recorder is the one write path for event streams: append to the store
// (which assigns the dense seq), then publish the committed row on the
// bus. Components record events through this so the durable log and the
// live stream can never disagree.
type Recorder struct {
	store  *store.Store
	bus    *Bus
	logger hclog.Logger
	now    func() time.Time
}

// NewRecorder wires a recorder over the store and bus.
func NewRecorder(st *store.Store, bus *Bus, logger hclog.Logger) *Recorder {
	return &Recorder{store: st, bus: bus, logger: logger, now: time.Now}
}

// Bus returns the underlying bus for subscriptions.
func (r *Recorder) Bus() *Bus {
	return r.bus
}

// Run records one event on a run's stream. A failed append is logged and
// swallowed: the run must not die because its commentary could not be
// written.
func (r *Recorder) Run(runID string, level Level, kind Kind, message string, fields any) {
	ev := &store.RunEvent{
		RunID:      runID,
		TS:         r.now().Unix(),
		Level:      string(level),
		Kind:       string(kind),
		Message:    message,
		FieldsJSON: MarshalFields(fields),
	}
	stored, err := r.store.AppendRunEvent(ev)
	if err != nil {
		r.logger.Error("append run event", "run_id", runID, "kind", kind, "error", err)
		return
	}
	r.bus.Publish(stored)
}

// Operation records one event on an operation's stream. Operation streams
// share the bus; the stream id is the operation id.
func (r *Recorder) Operation(operationID string, level Level, kind Kind, message string, fields any) {
	ev := &store.RunEvent{
		RunID:      operationID,
		TS:         r.now().Unix(),
		Level:      string(level),
		Kind:       string(kind),
		Message:    message,
		FieldsJSON: MarshalFields(fields),
	}
	stored, err := r.store.AppendOperationEvent(ev)
	if err != nil {
		r.logger.Error("append operation event", "operation_id", operationID, "kind", kind, "error", err)
		return
	}
	r.bus.Publish(stored)
}
