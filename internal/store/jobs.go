package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// OverlapPolicy controls what happens when a job is triggered while it
// already has a non-terminal run.
type OverlapPolicy string

const (
	// OverlapQueue enqueues the new run behind the current one.
	OverlapQueue OverlapPolicy = "queue"

	// OverlapReject creates the new run directly in the rejected state.
	OverlapReject OverlapPolicy = "reject"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Job is an operator-defined backup definition. The embedded spec stays as
// raw JSON here; parsing and validation belong to the jobspec package.
type Job struct {
	ID               string
	Name             string
	AgentID          string // empty means the hub executes locally
	Schedule         string // normalized 6-field cron expression, empty if unscheduled
	ScheduleTimezone string
	OverlapPolicy    OverlapPolicy
	SpecJSON         string
	CreatedAt        int64
	UpdatedAt        int64
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(job *Job) error {
	_, err := s.conn.Exec(`INSERT INTO jobs
		(id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, nullString(job.AgentID), nullString(job.Schedule),
		job.ScheduleTimezone, string(job.OverlapPolicy), job.SpecJSON,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob rewrites the mutable fields of an existing job.
func (s *Store) UpdateJob(job *Job) error {
	res, err := s.conn.Exec(`UPDATE jobs
		SET name = ?, agent_id = ?, schedule = ?, schedule_timezone = ?,
		    overlap_policy = ?, spec_json = ?, updated_at = ?
		WHERE id = ?`,
		job.Name, nullString(job.AgentID), nullString(job.Schedule),
		job.ScheduleTimezone, string(job.OverlapPolicy), job.SpecJSON,
		job.UpdatedAt, job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// DeleteJob removes a job. Runs referencing it cascade.
func (s *Store) DeleteJob(id string) error {
	res, err := s.conn.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete job %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(id string) (*Job, error) {
	return s.getJob("SELECT id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec_json, created_at, updated_at FROM jobs WHERE id = ?", id)
}

// GetJobByName returns the job with the given unique name.
func (s *Store) GetJobByName(name string) (*Job, error) {
	return s.getJob("SELECT id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec_json, created_at, updated_at FROM jobs WHERE name = ?", name)
}

func (s *Store) getJob(query string, arg any) (*Job, error) {
	job, err := scanJob(s.conn.QueryRow(query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns all jobs ordered by name.
func (s *Store) ListJobs() ([]*Job, error) {
	return s.listJobs("SELECT id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec_json, created_at, updated_at FROM jobs ORDER BY name")
}

// ListJobsForAgent returns the jobs assigned to one agent, ordered by name.
// This is the set pushed to the agent in its config snapshot.
func (s *Store) ListJobsForAgent(agentID string) ([]*Job, error) {
	return s.listJobs("SELECT id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec_json, created_at, updated_at FROM jobs WHERE agent_id = ? ORDER BY name", agentID)
}

func (s *Store) listJobs(query string, args ...any) ([]*Job, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var agentID, schedule sql.NullString
	var policy string
	if err := row.Scan(&job.ID, &job.Name, &agentID, &schedule, &job.ScheduleTimezone,
		&policy, &job.SpecJSON, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.AgentID = agentID.String
	job.Schedule = schedule.String
	job.OverlapPolicy = OverlapPolicy(policy)
	return &job, nil
}
