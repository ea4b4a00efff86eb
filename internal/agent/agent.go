// Package agent implements the remote executor process. An agent keeps a
// websocket session to the hub, executes dispatched backup tasks, and
// keeps working from its last persisted config snapshot when the hub is
// unreachable, buffering those runs on disk until they can be ingested.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/bastion-sh/bastion/internal/protocol"
)

const (
	// DefaultHeartbeat is the Ping cadence on a live session.
	DefaultHeartbeat = 20 * time.Second

	// DefaultDialTimeout bounds the websocket handshake.
	DefaultDialTimeout = 15 * time.Second
)

// Config wires an agent to its hub.
type Config struct {
	// HubURL is the hub's http(s) base URL.
	HubURL string

	// AgentID and AgentKey come from enrollment.
	AgentID  string
	AgentKey string

	// Name is the human label sent in the Hello.
	Name string

	// DataDir holds the agent's persistent state under DataDir/agent:
	// the snapshot files, staging space, and the offline run buffer.
	DataDir string

	// ZstdWorkers caps compression concurrency; 0 uses the encoder
	// default.
	ZstdWorkers int

	Heartbeat time.Duration

	// PongTimeout closes the session when no Pong arrives for this
	// long. Zero means three heartbeats.
	PongTimeout time.Duration

	DialTimeout time.Duration
}

func (c *Config) validate() error {
	if c.HubURL == "" {
		return fmt.Errorf("agent: hub_url is required")
	}
	u, err := url.Parse(c.HubURL)
	if err != nil {
		return fmt.Errorf("agent: parse hub_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("agent: hub_url scheme must be http or https, got %q", u.Scheme)
	}
	if c.AgentID == "" || c.AgentKey == "" {
		return fmt.Errorf("agent: agent_id and agent_key are required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("agent: data_dir is required")
	}
	return nil
}

// Agent is the remote executor. Construct with New, drive with Run.
type Agent struct {
	cfg    Config
	logger hclog.Logger
	state  *stateDir
	exec   *executor
	client *http.Client

	mu      sync.Mutex
	session *session
	config  *protocol.ConfigSnapshot
	secrets *protocol.SecretsSnapshot

	drainWake chan struct{}
}

// New validates the config, prepares the state directory, and loads any
// snapshots a previous process persisted.
func New(cfg Config, logger hclog.Logger) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 3 * cfg.Heartbeat
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	state, err := newStateDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if stale, err := state.finalizeStaleRuns(time.Now().Unix()); err != nil {
		logger.Warn("finalize stale offline runs", "error", err)
	} else if stale > 0 {
		logger.Warn("failed offline runs left running by a previous process", "runs", stale)
	}

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		state:     state,
		client:    &http.Client{Timeout: 30 * time.Second},
		drainWake: make(chan struct{}, 1),
	}
	a.exec = newExecutor(a)

	if a.config, err = state.LoadConfig(); err != nil {
		return nil, err
	}
	if a.secrets, err = state.LoadSecrets(); err != nil {
		return nil, err
	}
	if a.config != nil {
		logger.Info("loaded persisted config snapshot",
			"snapshot_id", a.config.SnapshotID, "jobs", len(a.config.Jobs))
	}
	return a, nil
}

// Run drives the agent until the context ends: the hub connection loop,
// the run executor, the offline schedule, and the ingest drain.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.exec.run(gctx) })
	g.Go(func() error { return a.scheduleLoop(gctx) })
	g.Go(func() error { return a.drainLoop(gctx) })
	g.Go(func() error { return a.connectLoop(gctx) })
	return g.Wait()
}

// Connected reports whether a hub session is live.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil
}

func (a *Agent) setSession(s *session) {
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
}

func (a *Agent) configSnapshot() *protocol.ConfigSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

func (a *Agent) secretsSnapshot() *protocol.SecretsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.secrets
}

// installConfig persists and adopts a pushed config snapshot. The
// persisted copy is what keeps the schedule alive across a restart
// while the hub is down.
func (a *Agent) installConfig(snap *protocol.ConfigSnapshot) {
	if err := a.state.SaveConfig(snap); err != nil {
		a.logger.Error("persist config snapshot", "error", err)
		return
	}
	a.mu.Lock()
	a.config = snap
	a.mu.Unlock()
	a.logger.Info("config snapshot installed", "snapshot_id", snap.SnapshotID, "jobs", len(snap.Jobs))
}

func (a *Agent) installSecrets(snap *protocol.SecretsSnapshot) {
	if err := a.state.SaveSecrets(snap); err != nil {
		a.logger.Error("persist secrets snapshot", "error", err)
		return
	}
	a.mu.Lock()
	a.secrets = snap
	a.mu.Unlock()
	a.logger.Info("secrets snapshot installed", "snapshot_id", snap.SnapshotID, "secrets", len(snap.Secrets))
}

// wakeDrain nudges the ingest loop. Wakes coalesce.
func (a *Agent) wakeDrain() {
	select {
	case a.drainWake <- struct{}{}:
	default:
	}
}

// wsURL derives the websocket endpoint from the hub's base URL.
func (a *Agent) wsURL() string {
	u := strings.TrimRight(a.cfg.HubURL, "/")
	u = "ws" + strings.TrimPrefix(u, "http")
	return u + "/agent/ws"
}

// authHeader is the agent-plane bearer credential.
func (a *Agent) authHeader() string {
	return "Bearer " + a.cfg.AgentID + ":" + a.cfg.AgentKey
}
