package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/protocol"
	"github.com/bastion-sh/bastion/internal/secretbox"
	"github.com/bastion-sh/bastion/internal/target"
)

func newTestAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	if cfg.HubURL == "" {
		cfg.HubURL = "http://127.0.0.1:1"
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-1"
	}
	if cfg.AgentKey == "" {
		cfg.AgentKey = "key-1"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	a, err := New(cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	return a
}

func writeSourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("backup me"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.bin"), make([]byte, 8192), 0o644))
	return root
}

func localJob(id, root, baseDir string) protocol.AgentJobV1 {
	return protocol.AgentJobV1{
		ID: id, Name: id, OverlapPolicy: "queue",
		Spec: jobspec.Spec{
			Source: jobspec.Source{Type: jobspec.SourceFilesystem, Root: root},
			Target: jobspec.Target{Type: jobspec.TargetLocalDir, BaseDir: baseDir},
		},
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{}, hclog.NewNullLogger())
	require.ErrorContains(t, err, "hub_url")

	_, err = New(Config{HubURL: "ftp://hub"}, hclog.NewNullLogger())
	require.ErrorContains(t, err, "scheme")

	_, err = New(Config{HubURL: "http://hub", AgentID: "a"}, hclog.NewNullLogger())
	require.ErrorContains(t, err, "agent_key")
}

func TestStateDirPersistsSnapshots(t *testing.T) {
	dataDir := t.TempDir()
	a := newTestAgent(t, Config{DataDir: dataDir})

	require.Nil(t, a.configSnapshot())
	require.Nil(t, a.secretsSnapshot())

	jobs := []protocol.AgentJobV1{localJob("j1", "/srv/docs", "/backups")}
	snap, err := protocol.NewConfigSnapshot(1700000000, jobs)
	require.NoError(t, err)
	a.installConfig(snap)

	secrets, err := protocol.NewSecretsSnapshot(1700000000, []protocol.AgentSecretV1{
		{Kind: "webdav", Name: "nas", Value: `{"url":"https://dav.example.com/b"}`},
	})
	require.NoError(t, err)
	a.installSecrets(secrets)

	// A fresh agent over the same data dir sees both snapshots.
	b := newTestAgent(t, Config{DataDir: dataDir})
	require.NotNil(t, b.configSnapshot())
	require.Equal(t, snap.SnapshotID, b.configSnapshot().SnapshotID)
	require.Len(t, b.configSnapshot().Jobs, 1)
	require.NotNil(t, b.secretsSnapshot())
	require.Equal(t, secrets.SnapshotID, b.secretsSnapshot().SnapshotID)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dataDir, "agent", secretsFileName))
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestOfflineRunBufferLifecycle(t *testing.T) {
	a := newTestAgent(t, Config{})

	rec, err := a.state.beginOfflineRun("run-1", "job-1", 500)
	require.NoError(t, err)

	begun, err := a.state.loadOfflineRun("run-1")
	require.NoError(t, err)
	require.Equal(t, "running", begun.Status)
	require.Empty(t, begun.Events)

	rec.Event("info", "run_started", "run started", map[string]any{"job_id": "job-1"})
	rec.Event("info", "stage", "walking source", nil)
	require.NoError(t, rec.Finalize("success", json.RawMessage(`{"files":2}`), "", 900))

	run, err := a.state.loadOfflineRun("run-1")
	require.NoError(t, err)
	require.Equal(t, "success", run.Status)
	require.Equal(t, int64(500), run.StartedAt)
	require.Equal(t, int64(900), run.EndedAt)
	require.JSONEq(t, `{"files":2}`, string(run.Summary))
	require.Len(t, run.Events, 2)
	require.Equal(t, "run_started", run.Events[0].Kind)
	require.Equal(t, "stage", run.Events[1].Kind)
	require.JSONEq(t, `{"job_id":"job-1"}`, string(run.Events[0].Fields))
}

func TestStartupFinalizesStaleRuns(t *testing.T) {
	dataDir := t.TempDir()
	a := newTestAgent(t, Config{DataDir: dataDir})

	// run-dead is abandoned mid-run, as a crash would leave it. run-done
	// finalized normally before the crash.
	rec, err := a.state.beginOfflineRun("run-dead", "job-1", 500)
	require.NoError(t, err)
	rec.Event("info", "run_started", "run started", nil)
	done, err := a.state.beginOfflineRun("run-done", "job-1", 600)
	require.NoError(t, err)
	require.NoError(t, done.Finalize("success", json.RawMessage(`{"files":1}`), "", 700))

	// The next process over the same data dir fails the stale buffer so
	// the drain loop can ship it.
	b := newTestAgent(t, Config{DataDir: dataDir})

	run, err := b.state.loadOfflineRun("run-dead")
	require.NoError(t, err)
	require.Equal(t, "failed", run.Status)
	require.Equal(t, protocol.CodeAgentCrashed, run.Error)
	require.NotZero(t, run.EndedAt)
	require.Len(t, run.Events, 1)

	finished, err := b.state.loadOfflineRun("run-done")
	require.NoError(t, err)
	require.Equal(t, "success", finished.Status)
	require.Equal(t, int64(700), finished.EndedAt)
}

func TestDrainOfflineRuns(t *testing.T) {
	var mu sync.Mutex
	var got []protocol.IngestRequest
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agent/runs/ingest", r.URL.Path)
		var req protocol.IngestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		got = append(got, req)
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		if req.Run.ID == "run-b" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := newTestAgent(t, Config{HubURL: srv.URL, AgentID: "agent-1", AgentKey: "key-1"})

	recA, err := a.state.beginOfflineRun("run-a", "job-1", 100)
	require.NoError(t, err)
	recA.Event("info", "run_started", "run started", nil)
	require.NoError(t, recA.Finalize("success", json.RawMessage(`{"files":1}`), "", 200))

	recB, err := a.state.beginOfflineRun("run-b", "job-1", 300)
	require.NoError(t, err)
	require.NoError(t, recB.Finalize("failed", nil, "run_failed", 400))

	_, err = a.state.beginOfflineRun("run-c", "job-2", 500)
	require.NoError(t, err)

	a.drainOfflineRuns(context.Background())

	// run-a ingested and removed; run-b kept after the 500; run-c still
	// running, never posted.
	require.NoDirExists(t, a.state.runDir("run-a"))
	require.DirExists(t, a.state.runDir("run-b"))
	require.DirExists(t, a.state.runDir("run-c"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	posted := map[string]bool{}
	for _, req := range got {
		posted[req.Run.ID] = true
	}
	require.True(t, posted["run-a"])
	require.True(t, posted["run-b"])
	require.False(t, posted["run-c"])
	for _, auth := range auths {
		require.Equal(t, "Bearer agent-1:key-1", auth)
	}
	require.Len(t, got[0].Run.Events, 1)
}

func TestOfflineFireExecutesRun(t *testing.T) {
	root := writeSourceTree(t)
	baseDir := t.TempDir()
	a := newTestAgent(t, Config{})

	fire := &offlineFire{job: localJob("job-1", root, baseDir), runID: "run-off", startedAt: 500}
	a.runOffline(context.Background(), fire)

	run, err := a.state.loadOfflineRun("run-off")
	require.NoError(t, err)
	require.Equal(t, "success", run.Status)
	require.NotZero(t, run.EndedAt)

	var summary map[string]any
	require.NoError(t, json.Unmarshal(run.Summary, &summary))
	require.EqualValues(t, 2, summary["files"])

	kinds := make([]string, 0, len(run.Events))
	for _, ev := range run.Events {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, "run_started", kinds[0])
	require.Contains(t, kinds, "upload_complete")
	require.Equal(t, "run_complete", kinds[len(kinds)-1])

	require.FileExists(t, filepath.Join(baseDir, "job-1", "run-off", target.CompleteName))
	require.NoDirExists(t, a.state.stageDir("run-off"))
}

func TestOfflineFireMissingSecretFails(t *testing.T) {
	a := newTestAgent(t, Config{})
	job := protocol.AgentJobV1{
		ID: "job-1", Name: "job-1", OverlapPolicy: "queue",
		Spec: jobspec.Spec{
			Source: jobspec.Source{Type: jobspec.SourceFilesystem, Root: "/srv/docs"},
			Target: jobspec.Target{Type: jobspec.TargetWebDAV, SecretName: "nas"},
		},
	}
	a.runOffline(context.Background(), &offlineFire{job: job, runID: "run-off", startedAt: 500})

	run, err := a.state.loadOfflineRun("run-off")
	require.NoError(t, err)
	require.Equal(t, "failed", run.Status)
	require.Equal(t, "run_failed", run.Error)
}

func TestOfflineOverlapReject(t *testing.T) {
	a := newTestAgent(t, Config{})
	job := localJob("job-1", "/srv/docs", "/backups")
	job.OverlapPolicy = "reject"

	// No executor goroutine is draining, so the first fire stays active
	// and the second hits the overlap policy.
	a.exec.fireOffline(job, time.Unix(60, 0))
	a.exec.fireOffline(job, time.Unix(120, 0))

	ids, err := a.state.listOfflineRuns()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	run, err := a.state.loadOfflineRun(ids[0])
	require.NoError(t, err)
	require.Equal(t, "rejected", run.Status)
	require.Equal(t, "overlap_rejected", run.Error)
	require.Len(t, run.Events, 1)
	require.Equal(t, "run_rejected", run.Events[0].Kind)
}

func TestResolveOfflineSecrets(t *testing.T) {
	a := newTestAgent(t, Config{})

	identity, recipient, err := secretbox.GenerateAgeKey()
	require.NoError(t, err)
	snap, err := protocol.NewSecretsSnapshot(1700000000, []protocol.AgentSecretV1{
		{Kind: "webdav", Name: "nas", Value: `{"url":"https://dav.example.com/b","username":"u","password":"p"}`},
		{Kind: "age_x25519", Name: "primary", Value: identity},
	})
	require.NoError(t, err)
	a.installSecrets(snap)

	job := protocol.AgentJobV1{ID: "j1", Name: "docs"}
	spec := jobspec.Spec{
		Source:   jobspec.Source{Type: jobspec.SourceFilesystem, Root: "/srv/docs"},
		Pipeline: jobspec.Pipeline{Encryption: jobspec.Encryption{Type: jobspec.EncryptionAgeX25519, KeyName: "primary"}},
		Target:   jobspec.Target{Type: jobspec.TargetWebDAV, SecretName: "nas"},
	}
	spec.Canonicalize()

	resolved, err := a.resolveOffline(job, &spec)
	require.NoError(t, err)
	require.Equal(t, "https://dav.example.com/b", resolved.Target.URL)
	require.Equal(t, "u", resolved.Target.Username)
	require.Equal(t, "p", resolved.Target.Password)
	require.Equal(t, recipient, resolved.AgeRecipient)

	spec.Target.SecretName = "other"
	_, err = a.resolveOffline(job, &spec)
	require.ErrorContains(t, err, "not in secrets snapshot")
}

// hubStub is a minimal agent-plane endpoint: it records what the agent
// sends and can push frames back on cue.
type hubStub struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    int
	auth     string
	acks     []string
	events   []*protocol.RunEvent
	results  []*protocol.TaskResult
	sendPong bool

	taskOnHello    *protocol.Task
	resendOnResult bool

	resultCh chan *protocol.TaskResult
}

func newHubStub(t *testing.T) *hubStub {
	return &hubStub{t: t, sendPong: true, resultCh: make(chan *protocol.TaskResult, 4)}
}

func (h *hubStub) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns
}

func (h *hubStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/agent/ws" {
		http.NotFound(w, r)
		return
	}
	h.mu.Lock()
	h.auth = r.Header.Get("Authorization")
	h.conns++
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	write := func(msg protocol.Message) {
		raw, err := protocol.Encode(msg)
		require.NoError(h.t, err)
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case *protocol.Hello:
			if h.taskOnHello != nil {
				write(h.taskOnHello)
			}
		case *protocol.Ping:
			if h.sendPong {
				write(protocol.NewPong())
			}
		case *protocol.Ack:
			h.mu.Lock()
			h.acks = append(h.acks, m.TaskID)
			h.mu.Unlock()
		case *protocol.RunEvent:
			h.mu.Lock()
			h.events = append(h.events, m)
			h.mu.Unlock()
		case *protocol.TaskResult:
			h.mu.Lock()
			h.results = append(h.results, m)
			resend := h.resendOnResult
			h.resendOnResult = false
			h.mu.Unlock()
			h.resultCh <- m
			if resend {
				write(h.taskOnHello)
			}
		}
	}
}

func TestSessionTaskRoundTrip(t *testing.T) {
	root := writeSourceTree(t)
	baseDir := t.TempDir()

	spec := jobspec.Spec{
		Source: jobspec.Source{Type: jobspec.SourceFilesystem, Root: root},
		Target: jobspec.Target{Type: jobspec.TargetLocalDir, BaseDir: baseDir},
	}
	spec.Canonicalize()
	resolved := spec.Resolve("job-ws", "docs", "", "", "", "")

	stub := newHubStub(t)
	stub.taskOnHello = protocol.NewTask("run-ws", "job-ws", *resolved)
	stub.resendOnResult = true
	srv := httptest.NewServer(stub)
	defer srv.Close()

	a := newTestAgent(t, Config{HubURL: srv.URL, AgentID: "agent-1", AgentKey: "key-1", Heartbeat: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var result *protocol.TaskResult
	select {
	case result = <-stub.resultCh:
	case <-time.After(10 * time.Second):
		t.Fatal("no task result from agent")
	}
	require.Equal(t, "run-ws", result.RunID)
	require.Equal(t, "success", result.Status)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(result.Summary, &summary))
	require.EqualValues(t, 2, summary["files"])

	require.FileExists(t, filepath.Join(baseDir, "job-ws", "run-ws", target.CompleteName))

	// The re-sent Task after the result is a duplicate: no second ack,
	// no second run.
	time.Sleep(200 * time.Millisecond)
	stub.mu.Lock()
	require.Equal(t, []string{"run-ws"}, stub.acks)
	require.Len(t, stub.results, 1)
	require.Equal(t, "Bearer agent-1:key-1", stub.auth)
	kinds := make([]string, 0, len(stub.events))
	for _, ev := range stub.events {
		kinds = append(kinds, ev.Kind)
	}
	stub.mu.Unlock()
	require.Contains(t, kinds, "upload_complete")
	require.Contains(t, kinds, "run_complete")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	stub := newHubStub(t)
	stub.sendPong = false
	srv := httptest.NewServer(stub)
	defer srv.Close()

	a := newTestAgent(t, Config{
		HubURL:      srv.URL,
		Heartbeat:   20 * time.Millisecond,
		PongTimeout: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	require.Eventually(t, func() bool { return stub.connCount() >= 2 }, 10*time.Second, 20*time.Millisecond)
}
