package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/protocol"
	"github.com/bastion-sh/bastion/internal/secretbox"
	"github.com/bastion-sh/bastion/internal/store"
	"github.com/bastion-sh/bastion/internal/testutil"
	"github.com/bastion-sh/bastion/internal/target"
)

type fakeAgents struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []protocol.Message
}

func (f *fakeAgents) Connected(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAgents) SendJSON(_ string, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAgents) sentMessages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message{}, f.sent...)
}

type workerEnv struct {
	st     *store.Store
	box    *secretbox.Box
	agents *fakeAgents
	w      *Worker
}

func newTestWorker(t *testing.T, cfg Config) *workerEnv {
	t.Helper()
	st := testutil.OpenStore(t)

	box, err := secretbox.New(make([]byte, 32))
	require.NoError(t, err)

	if cfg.StageRoot == "" {
		cfg.StageRoot = t.TempDir()
	}
	agents := &fakeAgents{}
	rec := events.NewRecorder(st, events.NewBus(), hclog.NewNullLogger())
	w := New(st, rec, agents, box, cfg, hclog.NewNullLogger())
	return &workerEnv{st: st, box: box, agents: agents, w: w}
}

func seedJob(t *testing.T, st *store.Store, id, agentID, specJSON string) *store.Job {
	t.Helper()
	job := &store.Job{
		ID: id, Name: id, AgentID: agentID, OverlapPolicy: store.OverlapQueue,
		SpecJSON: specJSON, CreatedAt: 100, UpdatedAt: 100,
	}
	require.NoError(t, st.CreateJob(job))
	return job
}

func seedAgent(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateAgent(&store.Agent{ID: id, Name: id, KeyHash: "h", CreatedAt: 100}))
}

// enqueueAndClaim puts a run on the queue and claims it, the state process
// expects to receive it in.
func enqueueAndClaim(t *testing.T, st *store.Store, jobID, runID string) *store.Run {
	t.Helper()
	run := &store.Run{ID: runID, JobID: jobID, Source: "manual", StartedAt: time.Now().Unix()}
	require.NoError(t, st.EnqueueRun(run, store.OverlapQueue))
	claimed, err := st.ClaimNextQueuedRun()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, runID, claimed.ID)
	return claimed
}

func specJSON(t *testing.T, spec jobspec.Spec) string {
	t.Helper()
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	return string(raw)
}

func localSpec(root, baseDir string) jobspec.Spec {
	return jobspec.Spec{
		Source: jobspec.Source{Type: jobspec.SourceFilesystem, Root: root},
		Target: jobspec.Target{Type: jobspec.TargetLocalDir, BaseDir: baseDir},
	}
}

func eventKinds(t *testing.T, st *store.Store, runID string) []string {
	t.Helper()
	list, err := st.ListRunEvents(runID)
	require.NoError(t, err)
	kinds := make([]string, 0, len(list))
	for _, ev := range list {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func decodeSummary(t *testing.T, run *store.Run) map[string]any {
	t.Helper()
	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(run.SummaryJSON), &summary))
	return summary
}

func writeSourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("backup me"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.bin"), make([]byte, 8192), 0o644))
	return root
}

func TestProcessInvalidSpecFailsRun(t *testing.T) {
	env := newTestWorker(t, Config{})
	seedJob(t, env.st, "job-bad", "", `{"source":{"type":"filesystem"}}`)
	run := enqueueAndClaim(t, env.st, "job-bad", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
	require.Equal(t, CodeInvalidSpec, got.Error)
	require.NotZero(t, got.EndedAt)

	kinds := eventKinds(t, env.st, "run-1")
	require.Contains(t, kinds, string(events.KindRunStarted))
	require.Contains(t, kinds, string(events.KindRunFailed))
}

func TestLocalRunSuccess(t *testing.T) {
	root := writeSourceTree(t)
	baseDir := t.TempDir()

	env := newTestWorker(t, Config{})
	woke := false
	env.w.WakeNotify = func() { woke = true }

	spec := localSpec(root, baseDir)
	spec.Notify = []jobspec.Route{{Channel: "wecom_bot", SecretName: "ops-bot"}}
	seedJob(t, env.st, "job-local", "", specJSON(t, spec))
	run := enqueueAndClaim(t, env.st, "job-local", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, got.Status)
	require.Empty(t, got.Error)
	require.NotZero(t, got.EndedAt)
	require.NotEmpty(t, got.TargetSnapshotJSON)

	summary := decodeSummary(t, got)
	require.EqualValues(t, 2, summary["files"])
	require.EqualValues(t, 1, summary["parts"])

	location, ok := summary["location"].(string)
	require.True(t, ok)
	require.Equal(t, filepath.Join(baseDir, "job-local", "run-1"), location)
	require.FileExists(t, filepath.Join(location, target.CompleteName))
	require.FileExists(t, filepath.Join(location, target.ManifestName))
	require.FileExists(t, filepath.Join(location, target.EntriesIndexName))
	parts, err := filepath.Glob(filepath.Join(location, "payload.part.*"))
	require.NoError(t, err)
	require.Len(t, parts, 1)

	// The per-run staging directory must not outlive the run.
	require.NoDirExists(t, filepath.Join(env.w.cfg.StageRoot, "run-1"))

	notifs, err := env.st.ListNotificationsForRun("run-1")
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	require.Equal(t, "wecom_bot", notifs[0].Channel)
	require.True(t, woke)

	kinds := eventKinds(t, env.st, "run-1")
	require.Contains(t, kinds, string(events.KindUploadStarted))
	require.Contains(t, kinds, string(events.KindUploadComplete))
	require.Contains(t, kinds, string(events.KindRunComplete))
}

func TestLocalRunSuccessRegistersDeleteTask(t *testing.T) {
	root := writeSourceTree(t)
	baseDir := t.TempDir()

	env := newTestWorker(t, Config{RunRetentionDays: 7})
	seedJob(t, env.st, "job-local", "", specJSON(t, localSpec(root, baseDir)))
	run := enqueueAndClaim(t, env.st, "job-local", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, got.Status)

	// The delete task exists from the moment the run succeeds, due when
	// the retention window closes; nothing waits for the hourly sweep.
	task, err := env.st.GetTask(store.QueueDelete, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.TaskQueued, task.Status)
	require.Equal(t, got.TargetSnapshotJSON, task.TargetSnapshotJSON)
	require.Equal(t, got.EndedAt+7*86400, task.NextAttemptAt)
}

func TestLocalRunSuccessNoRetentionNoDeleteTask(t *testing.T) {
	root := writeSourceTree(t)
	baseDir := t.TempDir()

	env := newTestWorker(t, Config{})
	seedJob(t, env.st, "job-local", "", specJSON(t, localSpec(root, baseDir)))
	run := enqueueAndClaim(t, env.st, "job-local", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, got.Status)

	// Retention off keeps artifacts until an operator deletes them.
	_, err = env.st.GetTask(store.QueueDelete, "run-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLocalRunRollingMode(t *testing.T) {
	root := writeSourceTree(t)
	baseDir := t.TempDir()

	env := newTestWorker(t, Config{})
	spec := localSpec(root, baseDir)
	spec.Target.Mode = jobspec.ModeArchiveV1
	seedJob(t, env.st, "job-roll", "", specJSON(t, spec))
	run := enqueueAndClaim(t, env.st, "job-roll", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, got.Status)

	location := decodeSummary(t, got)["location"].(string)
	require.FileExists(t, filepath.Join(location, target.CompleteName))
	parts, err := filepath.Glob(filepath.Join(location, "payload.part.*"))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.NoDirExists(t, filepath.Join(env.w.cfg.StageRoot, "run-1"))
}

func TestLocalRunEncryptsWithStoredKey(t *testing.T) {
	root := writeSourceTree(t)
	baseDir := t.TempDir()

	env := newTestWorker(t, Config{})
	identity, _, err := secretbox.GenerateAgeKey()
	require.NoError(t, err)
	kid, nonce, ct, err := env.box.Seal([]byte(identity))
	require.NoError(t, err)
	require.NoError(t, env.st.PutSecret(&store.SecretRow{
		NodeID: store.NodeHub, Kind: store.SecretAge, Name: "primary",
		KID: kid, Nonce: nonce, Ciphertext: ct, UpdatedAt: 100,
	}))

	spec := localSpec(root, baseDir)
	spec.Pipeline.Encryption = jobspec.Encryption{Type: jobspec.EncryptionAgeX25519, KeyName: "primary"}
	seedJob(t, env.st, "job-enc", "", specJSON(t, spec))
	run := enqueueAndClaim(t, env.st, "job-enc", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, got.Status)
	location := decodeSummary(t, got)["location"].(string)
	require.FileExists(t, filepath.Join(location, target.CompleteName))
}

func TestLocalRunMissingAgeKeyFails(t *testing.T) {
	env := newTestWorker(t, Config{})
	spec := localSpec(t.TempDir(), t.TempDir())
	spec.Pipeline.Encryption = jobspec.Encryption{Type: jobspec.EncryptionAgeX25519, KeyName: "absent"}
	seedJob(t, env.st, "job-enc", "", specJSON(t, spec))
	run := enqueueAndClaim(t, env.st, "job-enc", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
	require.Equal(t, CodeRunFailed, got.Error)
}

func TestLocalRunMissingSourceFails(t *testing.T) {
	env := newTestWorker(t, Config{})
	spec := localSpec(filepath.Join(t.TempDir(), "gone"), t.TempDir())
	seedJob(t, env.st, "job-gone", "", specJSON(t, spec))
	run := enqueueAndClaim(t, env.st, "job-gone", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
	require.Equal(t, CodeRunFailed, got.Error)
	require.Contains(t, eventKinds(t, env.st, "run-1"), string(events.KindRunFailed))
	require.NoDirExists(t, filepath.Join(env.w.cfg.StageRoot, "run-1"))
}

func TestDispatchNotConnectedRequeues(t *testing.T) {
	env := newTestWorker(t, Config{DispatchBackoff: time.Millisecond})
	seedAgent(t, env.st, "agent-1")
	seedJob(t, env.st, "job-ag", "agent-1", specJSON(t, localSpec("/srv/data", "/backups")))
	run := enqueueAndClaim(t, env.st, "job-ag", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, got.Status)
	require.Zero(t, got.EndedAt)

	_, err = env.st.GetAgentTask("run-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Contains(t, eventKinds(t, env.st, "run-1"), string(events.KindDispatchFailed))
	require.Empty(t, env.agents.sentMessages())
}

func TestDispatchSendFailureRequeues(t *testing.T) {
	env := newTestWorker(t, Config{DispatchBackoff: time.Millisecond})
	env.agents.connected = true
	env.agents.sendErr = errors.New("session closed")
	seedAgent(t, env.st, "agent-1")
	seedJob(t, env.st, "job-ag", "agent-1", specJSON(t, localSpec("/srv/data", "/backups")))
	run := enqueueAndClaim(t, env.st, "job-ag", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, got.Status)

	// The task row written before the failed send must not linger.
	_, err = env.st.GetAgentTask("run-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatchSendsTaskWithScrubbedRow(t *testing.T) {
	env := newTestWorker(t, Config{DispatchPoll: 5 * time.Millisecond, DispatchBackoff: time.Millisecond})
	env.agents.connected = true
	seedAgent(t, env.st, "agent-1")

	raw, err := secretbox.EncodeWebDAV(secretbox.WebDAVValue{
		URL: "https://dav.example.com/backups", Username: "backup", Password: "hunter2",
	})
	require.NoError(t, err)
	kid, nonce, ct, err := env.box.Seal(raw)
	require.NoError(t, err)
	require.NoError(t, env.st.PutSecret(&store.SecretRow{
		NodeID: "agent-1", Kind: store.SecretWebDAV, Name: "nas",
		KID: kid, Nonce: nonce, Ciphertext: ct, UpdatedAt: 100,
	}))

	spec := jobspec.Spec{
		Source: jobspec.Source{Type: jobspec.SourceFilesystem, Root: "/srv/data"},
		Target: jobspec.Target{Type: jobspec.TargetWebDAV, SecretName: "nas"},
	}
	seedJob(t, env.st, "job-ag", "agent-1", specJSON(t, spec))
	run := enqueueAndClaim(t, env.st, "job-ag", "run-1")

	// Finish the run before process so await observes a terminal row on
	// its first poll, as it would after the agent's result lands.
	ok, err := env.st.CompleteRun("run-1", store.RunSuccess, "{}", "", 200)
	require.NoError(t, err)
	require.True(t, ok)

	env.w.process(context.Background(), run)

	sent := env.agents.sentMessages()
	require.Len(t, sent, 1)
	task, isTask := sent[0].(*protocol.Task)
	require.True(t, isTask)
	require.Equal(t, "run-1", task.TaskID)
	require.Equal(t, "job-ag", task.Task.JobID)
	require.Equal(t, "https://dav.example.com/backups", task.Task.Spec.Target.URL)
	require.Equal(t, "backup", task.Task.Spec.Target.Username)
	require.Equal(t, "hunter2", task.Task.Spec.Target.Password)

	row, err := env.st.GetAgentTask("run-1")
	require.NoError(t, err)
	require.Equal(t, store.AgentTaskSent, row.Status)
	require.Equal(t, "agent-1", row.AgentID)
	require.Contains(t, row.PayloadJSON, "https://dav.example.com/backups")
	require.NotContains(t, row.PayloadJSON, "hunter2")
	require.NotContains(t, row.PayloadJSON, `"username":"backup"`)

	require.Contains(t, eventKinds(t, env.st, "run-1"), string(events.KindDispatched))
}

func TestDispatchDeadlineFailsRun(t *testing.T) {
	env := newTestWorker(t, Config{
		DispatchPoll:     2 * time.Millisecond,
		DispatchDeadline: 10 * time.Millisecond,
		DispatchBackoff:  time.Millisecond,
	})
	env.agents.connected = true
	seedAgent(t, env.st, "agent-1")

	spec := localSpec("/srv/data", "/backups")
	spec.Notify = []jobspec.Route{{Channel: "email", SecretName: "smtp"}}
	seedJob(t, env.st, "job-ag", "agent-1", specJSON(t, spec))
	run := enqueueAndClaim(t, env.st, "job-ag", "run-1")

	env.w.process(context.Background(), run)

	got, err := env.st.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
	require.Equal(t, CodeTimeout, got.Error)

	_, err = env.st.GetAgentTask("run-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	notifs, err := env.st.ListNotificationsForRun("run-1")
	require.NoError(t, err)
	require.Len(t, notifs, 1)
}

func TestWakeDrainsQueue(t *testing.T) {
	root := writeSourceTree(t)
	baseDir := t.TempDir()

	env := newTestWorker(t, Config{IdlePoll: time.Hour})
	seedJob(t, env.st, "job-local", "", specJSON(t, localSpec(root, baseDir)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.w.Run(ctx) }()

	run := &store.Run{ID: "run-1", JobID: "job-local", Source: "scheduled", StartedAt: time.Now().Unix()}
	require.NoError(t, env.st.EnqueueRun(run, store.OverlapQueue))
	env.w.Wake()

	require.Eventually(t, func() bool {
		got, err := env.st.GetRun("run-1")
		return err == nil && got.Status == store.RunSuccess
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
