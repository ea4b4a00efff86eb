// Package protocol defines the hub/agent wire format: JSON message
// envelopes over WebSocket text frames, the binary artifact chunk frame,
// and the stable snapshot-id hash the hub uses to dedupe config pushes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bastion-sh/bastion/internal/jobspec"
)

// Version is the protocol version stamped on every message.
const Version = 1

// Stable failure codes. They travel in TaskResult.Error and end up on
// the run's error column, so both sides spell them identically.
const (
	CodeInvalidSpec  = "invalid_spec"
	CodeTimeout      = "timeout"
	CodeRunFailed    = "run_failed"
	CodeCanceled     = "canceled"
	CodeAgentCrashed = "agent_crashed"
)

// Type tags a message envelope.
type Type string

const (
	// Agent to hub.
	TypeHello      Type = "hello"
	TypePing       Type = "ping"
	TypeAck        Type = "ack"
	TypeRunEvent   Type = "run_event"
	TypeTaskResult Type = "task_result"

	// Hub to agent.
	TypeTask            Type = "task"
	TypePong            Type = "pong"
	TypeConfigSnapshot  Type = "config_snapshot"
	TypeSecretsSnapshot Type = "secrets_snapshot"
)

// Message is implemented by every envelope.
type Message interface {
	MsgType() Type
}

// ErrUnknownType marks envelopes whose type this build does not know.
// Receivers log and ignore them rather than closing the connection.
var ErrUnknownType = errors.New("unknown message type")

// Hello opens an agent session.
type Hello struct {
	Type         Type              `json:"type"`
	V            int               `json:"v"`
	AgentID      string            `json:"agent_id"`
	Name         string            `json:"name,omitempty"`
	Info         map[string]string `json:"info,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

func (*Hello) MsgType() Type { return TypeHello }

// NewHello builds a Hello for the given agent.
func NewHello(agentID, name string, info map[string]string, capabilities []string) *Hello {
	return &Hello{Type: TypeHello, V: Version, AgentID: agentID, Name: name, Info: info, Capabilities: capabilities}
}

// Ping is the agent's heartbeat probe.
type Ping struct {
	Type Type `json:"type"`
	V    int  `json:"v"`
}

func (*Ping) MsgType() Type { return TypePing }

// NewPing builds a Ping.
func NewPing() *Ping { return &Ping{Type: TypePing, V: Version} }

// Pong answers a Ping.
type Pong struct {
	Type Type `json:"type"`
	V    int  `json:"v"`
}

func (*Pong) MsgType() Type { return TypePong }

// NewPong builds a Pong.
func NewPong() *Pong { return &Pong{Type: TypePong, V: Version} }

// Ack confirms the agent accepted a task. The hub stops considering
// requeue once it sees the ack.
type Ack struct {
	Type   Type   `json:"type"`
	V      int    `json:"v"`
	TaskID string `json:"task_id"`
}

func (*Ack) MsgType() Type { return TypeAck }

// NewAck builds an Ack for a task.
func NewAck(taskID string) *Ack { return &Ack{Type: TypeAck, V: Version, TaskID: taskID} }

// RunEvent relays one event from an agent-executed run. The hub assigns
// the sequence number when it persists the event.
type RunEvent struct {
	Type    Type            `json:"type"`
	V       int             `json:"v"`
	RunID   string          `json:"run_id"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

func (*RunEvent) MsgType() Type { return TypeRunEvent }

// NewRunEvent builds a relayed run event.
func NewRunEvent(runID, level, kind, message string, fields json.RawMessage) *RunEvent {
	return &RunEvent{Type: TypeRunEvent, V: Version, RunID: runID, Level: level, Kind: kind, Message: message, Fields: fields}
}

// TaskResult reports the terminal outcome of a dispatched task.
type TaskResult struct {
	Type    Type            `json:"type"`
	V       int             `json:"v"`
	TaskID  string          `json:"task_id"`
	RunID   string          `json:"run_id"`
	Status  string          `json:"status"` // success | failed
	Summary json.RawMessage `json:"summary,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (*TaskResult) MsgType() Type { return TypeTaskResult }

// NewTaskResult builds a terminal task report.
func NewTaskResult(taskID, runID, status string, summary json.RawMessage, errMsg string) *TaskResult {
	return &TaskResult{Type: TypeTaskResult, V: Version, TaskID: taskID, RunID: runID, Status: status, Summary: summary, Error: errMsg}
}

// BackupRunTaskV1 is the execution order inside a Task. The resolved spec
// carries plaintext credentials; it exists only in flight.
type BackupRunTaskV1 struct {
	RunID string             `json:"run_id"`
	JobID string             `json:"job_id"`
	Spec  jobspec.ResolvedV1 `json:"spec"`
}

// Task dispatches a run to an agent. The task id equals the run id, so a
// re-sent Task for the same run is recognizably a duplicate.
type Task struct {
	Type   Type            `json:"type"`
	V      int             `json:"v"`
	TaskID string          `json:"task_id"`
	Task   BackupRunTaskV1 `json:"task"`
}

func (*Task) MsgType() Type { return TypeTask }

// NewTask builds a dispatch order for a run.
func NewTask(runID, jobID string, spec jobspec.ResolvedV1) *Task {
	return &Task{
		Type:   TypeTask,
		V:      Version,
		TaskID: runID,
		Task:   BackupRunTaskV1{RunID: runID, JobID: jobID, Spec: spec},
	}
}

// AgentJobV1 is one job definition inside a config snapshot. The spec is
// unresolved; the agent pairs it with its secrets snapshot at execution
// time.
type AgentJobV1 struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Schedule         string       `json:"schedule,omitempty"`
	ScheduleTimezone string       `json:"schedule_timezone,omitempty"`
	OverlapPolicy    string       `json:"overlap_policy"`
	Spec             jobspec.Spec `json:"spec"`
}

// ConfigSnapshot pushes the agent's full job set. SnapshotID is the
// stable hash of the payload; the agent manager skips the push when the
// agent already holds it.
type ConfigSnapshot struct {
	Type       Type         `json:"type"`
	V          int          `json:"v"`
	SnapshotID string       `json:"snapshot_id"`
	IssuedAt   int64        `json:"issued_at"`
	Jobs       []AgentJobV1 `json:"jobs"`
}

func (*ConfigSnapshot) MsgType() Type { return TypeConfigSnapshot }

// NewConfigSnapshot builds a config push with its snapshot id computed
// from the job set.
func NewConfigSnapshot(issuedAt int64, jobs []AgentJobV1) (*ConfigSnapshot, error) {
	id, err := SnapshotID(jobs)
	if err != nil {
		return nil, err
	}
	return &ConfigSnapshot{Type: TypeConfigSnapshot, V: Version, SnapshotID: id, IssuedAt: issuedAt, Jobs: jobs}, nil
}

// AgentSecretV1 is one plaintext credential inside a secrets snapshot.
type AgentSecretV1 struct {
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SecretsSnapshot pushes the agent's credential set, deduped by snapshot
// id the same way as config.
type SecretsSnapshot struct {
	Type       Type            `json:"type"`
	V          int             `json:"v"`
	SnapshotID string          `json:"snapshot_id"`
	IssuedAt   int64           `json:"issued_at"`
	Secrets    []AgentSecretV1 `json:"secrets"`
}

func (*SecretsSnapshot) MsgType() Type { return TypeSecretsSnapshot }

// NewSecretsSnapshot builds a secrets push with its snapshot id computed
// from the secret set.
func NewSecretsSnapshot(issuedAt int64, secrets []AgentSecretV1) (*SecretsSnapshot, error) {
	id, err := SnapshotID(secrets)
	if err != nil {
		return nil, err
	}
	return &SecretsSnapshot{Type: TypeSecretsSnapshot, V: Version, SnapshotID: id, IssuedAt: issuedAt, Secrets: secrets}, nil
}

// Encode marshals a message for the wire.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.MsgType(), err)
	}
	return raw, nil
}

// Decode parses one envelope. Unknown types return ErrUnknownType so the
// session loop can log and move on.
func Decode(raw []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	var msg Message
	switch head.Type {
	case TypeHello:
		msg = &Hello{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeAck:
		msg = &Ack{}
	case TypeRunEvent:
		msg = &RunEvent{}
	case TypeTaskResult:
		msg = &TaskResult{}
	case TypeTask:
		msg = &Task{}
	case TypeConfigSnapshot:
		msg = &ConfigSnapshot{}
	case TypeSecretsSnapshot:
		msg = &SecretsSnapshot{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("decode %s message: %w", head.Type, err)
	}
	return msg, nil
}
