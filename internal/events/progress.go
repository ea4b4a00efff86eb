package events

import (
	"sync"
	"time"
)

// ProgressCadence is the minimum spacing between emitted progress
// snapshots. Builders produce progress far faster than anyone can watch;
// the emitter thins the stream to this cadence.
const ProgressCadence = 250 * time.Millisecond

// ProgressCounts tallies work units.
type ProgressCounts struct {
	Files int64 `json:"files"`
	Dirs  int64 `json:"dirs"`
	Bytes int64 `json:"bytes"`
}

// ProgressSnapshot is the payload of a progress_snapshot event.
type ProgressSnapshot struct {
	V          int             `json:"v"`
	Kind       string          `json:"kind"` // backup | restore | verify
	Stage      string          `json:"stage"`
	TS         int64           `json:"ts"`
	Done       ProgressCounts  `json:"done"`
	Total      *ProgressCounts `json:"total,omitempty"`
	RateBPS    float64         `json:"rate_bps,omitempty"`
	ETASeconds int64           `json:"eta_seconds,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}

// ProgressEmitter rate-limits progress snapshots onto a stream. Emit
// drops snapshots arriving inside the cadence window; Flush always sends,
// for stage transitions and final totals.
type ProgressEmitter struct {
	record   func(streamID string, level Level, kind Kind, message string, fields any)
	streamID string
	kind     string

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewProgressEmitter creates an emitter for a run stream.
func NewProgressEmitter(rec *Recorder, runID, kind string) *ProgressEmitter {
	return &ProgressEmitter{record: rec.Run, streamID: runID, kind: kind, now: time.Now}
}

// NewOperationProgressEmitter creates an emitter for an operation stream.
func NewOperationProgressEmitter(rec *Recorder, operationID, kind string) *ProgressEmitter {
	return &ProgressEmitter{record: rec.Operation, streamID: operationID, kind: kind, now: time.Now}
}

// NewSinkProgressEmitter creates an emitter over a Sink, for callers
// that do not hold a Recorder.
func NewSinkProgressEmitter(sink Sink, kind string) *ProgressEmitter {
	return &ProgressEmitter{
		record: func(_ string, level Level, k Kind, message string, fields any) {
			sink.Event(level, k, message, fields)
		},
		kind: kind,
		now:  time.Now,
	}
}

// Emit publishes the snapshot unless one was emitted within the cadence.
// Reports whether the snapshot went out.
func (p *ProgressEmitter) Emit(snap ProgressSnapshot) bool {
	p.mu.Lock()
	now := p.now()
	if !p.last.IsZero() && now.Sub(p.last) < ProgressCadence {
		p.mu.Unlock()
		return false
	}
	p.last = now
	p.mu.Unlock()

	p.send(snap, now)
	return true
}

// Flush publishes the snapshot unconditionally and resets the cadence.
func (p *ProgressEmitter) Flush(snap ProgressSnapshot) {
	p.mu.Lock()
	now := p.now()
	p.last = now
	p.mu.Unlock()

	p.send(snap, now)
}

func (p *ProgressEmitter) send(snap ProgressSnapshot, now time.Time) {
	snap.V = 1
	snap.Kind = p.kind
	snap.TS = now.Unix()
	p.record(p.streamID, LevelInfo, KindProgressSnapshot, "progress", snap)
}
