package hub

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bastion-sh/bastion/internal/protocol"
	"github.com/bastion-sh/bastion/internal/store"
)

// handleIngest records one run the agent executed while disconnected.
// The run arrives already terminal; the hub inserts it as-is and replays
// the buffered events in file order, assigning sequence numbers on
// insert. A run id the store already holds answers 204 without touching
// anything, so the agent can safely repeat a call whose response it
// never saw.
func (h *Hub) handleIngest(w http.ResponseWriter, r *http.Request) {
	agent, err := h.authenticateAgent(r)
	if err != nil {
		h.logger.Warn("ingest rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req protocol.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed ingest body", http.StatusBadRequest)
		return
	}
	run := req.Run
	if run.ID == "" || run.JobID == "" {
		http.Error(w, "run id and job id are required", http.StatusBadRequest)
		return
	}
	status := store.RunStatus(run.Status)
	if !status.Terminal() {
		http.Error(w, "ingested runs must be terminal", http.StatusBadRequest)
		return
	}

	job, err := h.st.GetJob(run.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown job", http.StatusNotFound)
			return
		}
		h.logger.Error("load job for ingest", "job_id", run.JobID, "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	if job.AgentID != agent.ID {
		http.Error(w, "job is not assigned to this agent", http.StatusForbidden)
		return
	}

	if _, err := h.st.GetRun(run.ID); err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("check ingested run", "run_id", run.ID, "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}

	if err := h.st.CreateRun(&store.Run{
		ID:          run.ID,
		JobID:       run.JobID,
		Status:      status,
		Source:      "agent",
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		SummaryJSON: string(run.Summary),
		Error:       run.Error,
	}); err != nil {
		h.logger.Error("insert ingested run", "run_id", run.ID, "error", err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}

	for _, ev := range run.Events {
		if _, err := h.st.AppendRunEvent(&store.RunEvent{
			RunID:      run.ID,
			TS:         ev.TS,
			Level:      ev.Level,
			Kind:       ev.Kind,
			Message:    ev.Message,
			FieldsJSON: string(ev.Fields),
		}); err != nil {
			h.logger.Error("append ingested event", "run_id", run.ID, "error", err)
			http.Error(w, "ingest failed", http.StatusInternalServerError)
			return
		}
	}

	h.logger.Info("offline run ingested", "run_id", run.ID, "job_id", run.JobID,
		"status", run.Status, "events", len(run.Events))
	if status == store.RunSuccess {
		h.registerRetentionDelete(run.ID)
	}
	h.enqueueRunNotifications(run.ID)
	w.WriteHeader(http.StatusNoContent)
}
