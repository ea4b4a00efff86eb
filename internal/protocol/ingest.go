package protocol

import "encoding/json"

// OfflineRunEventV1 is one buffered event from a run the agent executed
// while disconnected, in file order. The hub assigns sequence numbers
// when it ingests them.
type OfflineRunEventV1 struct {
	TS      int64           `json:"ts"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// OfflineRunV1 is a run the agent executed from its persisted config
// snapshot while the hub was unreachable. It arrives already terminal;
// the hub records it as-is.
type OfflineRunV1 struct {
	ID        string              `json:"id"`
	JobID     string              `json:"job_id"`
	Status    string              `json:"status"`
	StartedAt int64               `json:"started_at"`
	EndedAt   int64               `json:"ended_at,omitempty"`
	Summary   json.RawMessage     `json:"summary,omitempty"`
	Error     string              `json:"error,omitempty"`
	Events    []OfflineRunEventV1 `json:"events,omitempty"`
}

// IngestRequest is the body of POST /agent/runs/ingest. One request
// carries one run; the agent repeats the call per buffered run and
// deletes the local copy only after a 204.
type IngestRequest struct {
	Run OfflineRunV1 `json:"run"`
}
