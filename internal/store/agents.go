package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Agent is an enrolled remote executor. The enrollment key is stored only
// as a hash; the plaintext is returned to the agent once at enroll time.
type Agent struct {
	ID         string
	Name       string
	KeyHash    string
	CreatedAt  int64
	LastSeenAt int64
}

// CreateAgent records a newly enrolled agent.
func (s *Store) CreateAgent(agent *Agent) error {
	_, err := s.conn.Exec(`INSERT INTO agents (id, name, key_hash, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.KeyHash, agent.CreatedAt, nullInt64(agent.LastSeenAt))
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent with the given id.
func (s *Store) GetAgent(id string) (*Agent, error) {
	var agent Agent
	var lastSeen sql.NullInt64
	err := s.conn.QueryRow(`SELECT id, name, key_hash, created_at, last_seen_at FROM agents WHERE id = ?`, id).
		Scan(&agent.ID, &agent.Name, &agent.KeyHash, &agent.CreatedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	agent.LastSeenAt = lastSeen.Int64
	return &agent, nil
}

// ListAgents returns all enrolled agents ordered by creation time.
func (s *Store) ListAgents() ([]*Agent, error) {
	rows, err := s.conn.Query(`SELECT id, name, key_hash, created_at, last_seen_at FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var agent Agent
		var lastSeen sql.NullInt64
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.KeyHash, &agent.CreatedAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agent.LastSeenAt = lastSeen.Int64
		agents = append(agents, &agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// TouchAgent stamps the last time the agent was seen on the wire.
func (s *Store) TouchAgent(id string, seenAt int64) error {
	if _, err := s.conn.Exec("UPDATE agents SET last_seen_at = ? WHERE id = ?", seenAt, id); err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	return nil
}

// AgentTaskStatus tracks a dispatched task through acknowledgment.
type AgentTaskStatus string

const (
	AgentTaskSent  AgentTaskStatus = "sent"
	AgentTaskAcked AgentTaskStatus = "acked"
	AgentTaskDone  AgentTaskStatus = "done"
)

// AgentTask is the hub's record of a task pushed to an agent. The task id
// equals the run id, which makes re-sends naturally idempotent.
type AgentTask struct {
	TaskID      string
	AgentID     string
	RunID       string
	Status      AgentTaskStatus
	PayloadJSON string
	CreatedAt   int64
	UpdatedAt   int64
}

// UpsertAgentTask inserts or replaces the task row for a run. At most one
// outstanding row per run can exist because task_id is the primary key.
func (s *Store) UpsertAgentTask(task *AgentTask) error {
	_, err := s.conn.Exec(`INSERT INTO agent_tasks (task_id, agent_id, run_id, status, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			payload_json = excluded.payload_json,
			updated_at = excluded.updated_at`,
		task.TaskID, task.AgentID, task.RunID, string(task.Status), task.PayloadJSON,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent task: %w", err)
	}
	return nil
}

// SetAgentTaskStatus advances the task row, stamping updated_at.
func (s *Store) SetAgentTaskStatus(taskID string, status AgentTaskStatus, updatedAt int64) error {
	res, err := s.conn.Exec("UPDATE agent_tasks SET status = ?, updated_at = ? WHERE task_id = ?",
		string(status), updatedAt, taskID)
	if err != nil {
		return fmt.Errorf("set agent task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set agent task status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set agent task status %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// GetAgentTask returns the task row, or ErrNotFound.
func (s *Store) GetAgentTask(taskID string) (*AgentTask, error) {
	var task AgentTask
	var status string
	err := s.conn.QueryRow(`SELECT task_id, agent_id, run_id, status, payload_json, created_at, updated_at
		FROM agent_tasks WHERE task_id = ?`, taskID).
		Scan(&task.TaskID, &task.AgentID, &task.RunID, &status, &task.PayloadJSON, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent task: %w", err)
	}
	task.Status = AgentTaskStatus(status)
	return &task, nil
}

// DeleteAgentTask removes the task row, typically after dispatch failed or
// the run reached a terminal state.
func (s *Store) DeleteAgentTask(taskID string) error {
	if _, err := s.conn.Exec("DELETE FROM agent_tasks WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("delete agent task: %w", err)
	}
	return nil
}
