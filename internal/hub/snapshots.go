package hub

import (
	"errors"
	"fmt"
	"time"

	"github.com/bastion-sh/bastion/internal/agents"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/protocol"
)

// pushSnapshots offers the agent its current config and secrets. The
// manager skips sends when the connection already holds the snapshot id,
// so calling this often is cheap.
func (h *Hub) pushSnapshots(agentID string) {
	cfg, err := h.configSnapshotFor(agentID)
	if err != nil {
		h.logger.Error("build config snapshot", "agent_id", agentID, "error", err)
	} else if sent, err := h.manager.SendConfigSnapshot(agentID, cfg); err != nil {
		if !errors.Is(err, agents.ErrNotConnected) {
			h.logger.Warn("push config snapshot", "agent_id", agentID, "error", err)
		}
	} else if sent {
		h.logger.Info("config snapshot pushed", "agent_id", agentID,
			"snapshot_id", cfg.SnapshotID, "jobs", len(cfg.Jobs))
	}

	secrets, err := h.secretsSnapshotFor(agentID)
	if err != nil {
		h.logger.Error("build secrets snapshot", "agent_id", agentID, "error", err)
		return
	}
	if sent, err := h.manager.SendSecretsSnapshot(agentID, secrets); err != nil {
		if !errors.Is(err, agents.ErrNotConnected) {
			h.logger.Warn("push secrets snapshot", "agent_id", agentID, "error", err)
		}
	} else if sent {
		h.logger.Info("secrets snapshot pushed", "agent_id", agentID,
			"snapshot_id", secrets.SnapshotID, "secrets", len(secrets.Secrets))
	}
}

// configSnapshotFor assembles the agent's full job set. A job whose
// stored spec no longer parses is left out rather than shipped broken.
func (h *Hub) configSnapshotFor(agentID string) (*protocol.ConfigSnapshot, error) {
	jobs, err := h.st.ListJobsForAgent(agentID)
	if err != nil {
		return nil, err
	}
	agentJobs := make([]protocol.AgentJobV1, 0, len(jobs))
	for _, job := range jobs {
		spec, err := jobspec.Parse([]byte(job.SpecJSON))
		if err != nil {
			h.logger.Error("skipping job with unparsable spec", "job_id", job.ID, "error", err)
			continue
		}
		agentJobs = append(agentJobs, protocol.AgentJobV1{
			ID:               job.ID,
			Name:             job.Name,
			Schedule:         job.Schedule,
			ScheduleTimezone: job.ScheduleTimezone,
			OverlapPolicy:    string(job.OverlapPolicy),
			Spec:             *spec,
		})
	}
	return protocol.NewConfigSnapshot(time.Now().Unix(), agentJobs)
}

// secretsSnapshotFor opens every secret scoped to the agent's node. The
// plaintext exists only in the frame; the agent persists its copy under
// its own key handling.
func (h *Hub) secretsSnapshotFor(agentID string) (*protocol.SecretsSnapshot, error) {
	rows, err := h.st.ListSecrets(agentID)
	if err != nil {
		return nil, err
	}
	secrets := make([]protocol.AgentSecretV1, 0, len(rows))
	for _, row := range rows {
		plain, err := h.box.OpenSecret(row.KID, row.Nonce, row.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("open secret %s/%s/%s: %w", row.NodeID, row.Kind, row.Name, err)
		}
		secrets = append(secrets, protocol.AgentSecretV1{Kind: row.Kind, Name: row.Name, Value: string(plain)})
	}
	return protocol.NewSecretsSnapshot(time.Now().Unix(), secrets)
}
