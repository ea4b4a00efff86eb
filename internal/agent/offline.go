package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/protocol"
	"github.com/bastion-sh/bastion/internal/store"
)

const (
	stateSubdir     = "agent"
	configFileName  = "config_snapshot.json"
	secretsFileName = "secrets.json"
	offlineSubdir   = "offline_runs"
	stageSubdir     = "stage"
	runFileName     = "run.json"
	eventsFileName  = "events.jsonl"
)

// stateDir is the agent's corner of the data directory: persisted
// snapshots, per-run staging space, and the offline run buffer.
type stateDir struct {
	root string
}

func newStateDir(dataDir string) (*stateDir, error) {
	d := &stateDir{root: filepath.Join(dataDir, stateSubdir)}
	for _, dir := range []string{d.root, d.offlineRuns(), filepath.Join(d.root, stageSubdir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("prepare agent state dir: %w", err)
		}
	}
	return d, nil
}

func (d *stateDir) offlineRuns() string          { return filepath.Join(d.root, offlineSubdir) }
func (d *stateDir) runDir(runID string) string   { return filepath.Join(d.offlineRuns(), runID) }
func (d *stateDir) stageDir(runID string) string { return filepath.Join(d.root, stageSubdir, runID) }

// SaveConfig persists the pushed job set.
func (d *stateDir) SaveConfig(snap *protocol.ConfigSnapshot) error {
	return saveJSON(filepath.Join(d.root, configFileName), snap, 0o600)
}

// LoadConfig returns the persisted job set, or nil when none exists.
func (d *stateDir) LoadConfig() (*protocol.ConfigSnapshot, error) {
	var snap protocol.ConfigSnapshot
	ok, err := loadJSON(filepath.Join(d.root, configFileName), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// SaveSecrets persists the pushed credential set. The file holds
// plaintext values, which is why everything under the state dir is
// owner-only.
func (d *stateDir) SaveSecrets(snap *protocol.SecretsSnapshot) error {
	return saveJSON(filepath.Join(d.root, secretsFileName), snap, 0o600)
}

// LoadSecrets returns the persisted credential set, or nil when none
// exists.
func (d *stateDir) LoadSecrets() (*protocol.SecretsSnapshot, error) {
	var snap protocol.SecretsSnapshot
	ok, err := loadJSON(filepath.Join(d.root, secretsFileName), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// offlineRun buffers one disconnected run on disk: run.json holds the
// row-to-be, events.jsonl the event stream in append order.
type offlineRun struct {
	dir string
	run protocol.OfflineRunV1

	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// beginOfflineRun creates the run directory with a running row and an
// open event log.
func (d *stateDir) beginOfflineRun(runID, jobID string, startedAt int64) (*offlineRun, error) {
	dir := d.runDir(runID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create offline run dir: %w", err)
	}
	r := &offlineRun{
		dir: dir,
		run: protocol.OfflineRunV1{ID: runID, JobID: jobID, Status: string(store.RunRunning), StartedAt: startedAt},
	}
	if err := saveJSON(filepath.Join(dir, runFileName), r.run, 0o600); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open offline event log: %w", err)
	}
	r.f = f
	r.enc = json.NewEncoder(f)
	return r, nil
}

// Event appends one line to events.jsonl. Implements events.Sink. A
// write that fails loses the event, not the run; run.json is what the
// hub trusts.
func (r *offlineRun) Event(level events.Level, kind events.Kind, message string, fields any) {
	var raw json.RawMessage
	if encoded := events.MarshalFields(fields); encoded != "" {
		raw = json.RawMessage(encoded)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return
	}
	_ = r.enc.Encode(protocol.OfflineRunEventV1{
		TS:      time.Now().Unix(),
		Level:   string(level),
		Kind:    string(kind),
		Message: message,
		Fields:  raw,
	})
}

// Finalize closes the event log and rewrites run.json with the terminal
// row. The rewrite goes through a rename so a crash can never leave a
// terminal status on a half-written row.
func (r *offlineRun) Finalize(status string, summary json.RawMessage, errMsg string, endedAt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
		r.enc = nil
	}
	r.run.Status = status
	r.run.Summary = summary
	r.run.Error = errMsg
	r.run.EndedAt = endedAt
	return saveJSON(filepath.Join(r.dir, runFileName), r.run, 0o600)
}

// finalizeStaleRuns fails any buffered run a previous process left at
// running. Only a crash can leave one behind: Finalize rewrites
// run.json before the executor returns. Failing the row makes the run
// drainable again; whatever reached events.jsonl ships with it.
// Unreadable directories are skipped, same as the drain loop.
func (d *stateDir) finalizeStaleRuns(now int64) (int, error) {
	ids, err := d.listOfflineRuns()
	if err != nil {
		return 0, err
	}
	stale := 0
	for _, id := range ids {
		path := filepath.Join(d.runDir(id), runFileName)
		var run protocol.OfflineRunV1
		ok, err := loadJSON(path, &run)
		if err != nil || !ok {
			continue
		}
		if run.Status != string(store.RunRunning) {
			continue
		}
		run.Status = string(store.RunFailed)
		run.Error = protocol.CodeAgentCrashed
		run.EndedAt = now
		if err := saveJSON(path, run, 0o600); err != nil {
			return stale, err
		}
		stale++
	}
	return stale, nil
}

// listOfflineRuns returns the buffered run ids in directory order.
func (d *stateDir) listOfflineRuns() ([]string, error) {
	entries, err := os.ReadDir(d.offlineRuns())
	if err != nil {
		return nil, fmt.Errorf("list offline runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// loadOfflineRun reads one buffered run with its events. A torn tail
// line in the event log (crash mid-append) is skipped, not fatal.
func (d *stateDir) loadOfflineRun(runID string) (*protocol.OfflineRunV1, error) {
	dir := d.runDir(runID)
	var run protocol.OfflineRunV1
	ok, err := loadJSON(filepath.Join(dir, runFileName), &run)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("offline run %s has no %s", runID, runFileName)
	}

	raw, err := os.ReadFile(filepath.Join(dir, eventsFileName))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read offline event log: %w", err)
	}
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev protocol.OfflineRunEventV1
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		run.Events = append(run.Events, ev)
	}
	return &run, nil
}

func (d *stateDir) removeOfflineRun(runID string) error {
	return os.RemoveAll(d.runDir(runID))
}

func saveJSON(path string, v any, perm os.FileMode) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, raw, perm)
}

func loadJSON(path string, v any) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
