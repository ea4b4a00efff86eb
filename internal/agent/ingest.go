package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bastion-sh/bastion/internal/protocol"
	"github.com/bastion-sh/bastion/internal/store"
)

// drainLoop ships buffered offline runs to the hub. It is woken on
// reconnect and whenever a buffered run terminates; runs that fail to
// ingest stay buffered for the next wake.
func (a *Agent) drainLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.drainWake:
		}
		if !a.Connected() {
			continue
		}
		a.drainOfflineRuns(ctx)
	}
}

func (a *Agent) drainOfflineRuns(ctx context.Context) {
	ids, err := a.state.listOfflineRuns()
	if err != nil {
		a.logger.Error("list offline runs", "error", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		run, err := a.state.loadOfflineRun(id)
		if err != nil {
			a.logger.Warn("skip unreadable offline run", "run_id", id, "error", err)
			continue
		}
		if run.Status == string(store.RunRunning) {
			continue
		}
		if err := a.ingest(ctx, run); err != nil {
			a.logger.Warn("ingest offline run", "run_id", id, "error", err)
			continue
		}
		if err := a.state.removeOfflineRun(id); err != nil {
			a.logger.Error("remove ingested run dir", "run_id", id, "error", err)
			continue
		}
		a.logger.Info("offline run ingested", "run_id", id, "status", run.Status)
	}
}

// ingest posts one buffered run. Only a 204 counts as accepted; the
// caller keeps the buffer on anything else.
func (a *Agent) ingest(ctx context.Context, run *protocol.OfflineRunV1) error {
	body, err := json.Marshal(protocol.IngestRequest{Run: *run})
	if err != nil {
		return fmt.Errorf("encode ingest body: %w", err)
	}
	url := strings.TrimRight(a.cfg.HubURL, "/") + "/agent/runs/ingest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", a.authHeader())

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("post ingest: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("ingest rejected: %s", resp.Status)
	}
	return nil
}
