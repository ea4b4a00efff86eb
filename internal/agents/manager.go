// Package agents is the hub-side registry of connected agent sessions.
// The websocket handler registers each authenticated connection here;
// the worker and config push paths send through the registry without
// knowing anything about sockets. Outbound traffic goes through a
// bounded per-session queue: a peer that cannot drain it within the
// send grace is disconnected rather than buffered without limit.
package agents

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/bastion-sh/bastion/internal/protocol"
)

// ErrNotConnected marks sends to agents without a live session.
var ErrNotConnected = errors.New("agent not connected")

const (
	// DefaultQueueLen is the outbound queue depth per session.
	DefaultQueueLen = 32

	// DefaultSendGrace is how long a send may wait on a full queue
	// before the connection is declared stuck and closed.
	DefaultSendGrace = 5 * time.Second
)

// Conn is the write side of one agent socket. The hub's websocket
// handler adapts *websocket.Conn to this; tests use in-memory fakes.
type Conn interface {
	WriteText(data []byte) error
	Close() error
}

// Session is one registered agent connection. The manager owns its
// writer goroutine; the websocket read loop holds the token only to
// unregister on exit.
type Session struct {
	agentID string
	conn    Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once

	// Snapshot ids last pushed on this connection, guarded by the
	// manager mutex. Fresh sessions start empty, which is what makes
	// reconnects receive the current snapshots again.
	lastConfig  string
	lastSecrets string
}

// AgentID returns the agent this session belongs to.
func (s *Session) AgentID() string { return s.agentID }

func (s *Session) shutdown() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) writeLoop(logger hclog.Logger) {
	for {
		select {
		case raw := <-s.send:
			if err := s.conn.WriteText(raw); err != nil {
				logger.Warn("agent write failed", "agent_id", s.agentID, "error", err)
				s.shutdown()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Config tunes the outbound queues.
type Config struct {
	QueueLen  int
	SendGrace time.Duration
}

// Manager maps agent ids to live sessions.
type Manager struct {
	cfg    Config
	logger hclog.Logger

	mu     sync.Mutex
	agents map[string]*Session
}

// NewManager builds an empty registry.
func NewManager(cfg Config, logger hclog.Logger) *Manager {
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = DefaultQueueLen
	}
	if cfg.SendGrace <= 0 {
		cfg.SendGrace = DefaultSendGrace
	}
	return &Manager{cfg: cfg, logger: logger, agents: make(map[string]*Session)}
}

// Register adds a connected agent and starts its writer. A second
// connection for the same agent id replaces the first, which gets
// closed; the newest credential-holder wins.
func (m *Manager) Register(agentID string, conn Conn) *Session {
	s := &Session{
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, m.cfg.QueueLen),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	old := m.agents[agentID]
	m.agents[agentID] = s
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("agent reconnected, replacing previous session", "agent_id", agentID)
		old.shutdown()
	}
	go s.writeLoop(m.logger)
	return s
}

// Unregister closes the session and removes it from the registry,
// unless a newer session for the same agent already replaced it.
func (m *Manager) Unregister(s *Session) {
	s.shutdown()
	m.mu.Lock()
	if m.agents[s.agentID] == s {
		delete(m.agents, s.agentID)
	}
	m.mu.Unlock()
}

// Connected reports whether the agent has a live session.
func (m *Manager) Connected(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.agents[agentID]
	return ok
}

// AgentIDs returns the connected agent ids, sorted.
func (m *Manager) AgentIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// SendJSON queues one message for the agent. Fails immediately when the
// agent is not connected.
func (m *Manager) SendJSON(agentID string, msg protocol.Message) error {
	m.mu.Lock()
	s, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotConnected)
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return m.push(s, raw)
}

// SendConfigSnapshot pushes the job set unless this connection already
// holds the same snapshot id. Returns whether a send happened. The
// check and the record update are atomic; a send failure closes the
// connection, and the replacement session starts with no recorded id,
// so nothing is ever permanently skipped.
func (m *Manager) SendConfigSnapshot(agentID string, snap *protocol.ConfigSnapshot) (bool, error) {
	m.mu.Lock()
	s, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("agent %s: %w", agentID, ErrNotConnected)
	}
	if s.lastConfig == snap.SnapshotID {
		m.mu.Unlock()
		return false, nil
	}
	s.lastConfig = snap.SnapshotID
	m.mu.Unlock()

	raw, err := protocol.Encode(snap)
	if err != nil {
		return false, err
	}
	if err := m.push(s, raw); err != nil {
		return false, err
	}
	return true, nil
}

// SendSecretsSnapshot is the secrets twin of SendConfigSnapshot.
func (m *Manager) SendSecretsSnapshot(agentID string, snap *protocol.SecretsSnapshot) (bool, error) {
	m.mu.Lock()
	s, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("agent %s: %w", agentID, ErrNotConnected)
	}
	if s.lastSecrets == snap.SnapshotID {
		m.mu.Unlock()
		return false, nil
	}
	s.lastSecrets = snap.SnapshotID
	m.mu.Unlock()

	raw, err := protocol.Encode(snap)
	if err != nil {
		return false, err
	}
	if err := m.push(s, raw); err != nil {
		return false, err
	}
	return true, nil
}

// push queues raw bytes, enforcing the backpressure policy: if the
// queue stays full past the grace, the connection is closed instead of
// growing the queue.
func (m *Manager) push(s *Session, raw []byte) error {
	timer := time.NewTimer(m.cfg.SendGrace)
	defer timer.Stop()
	select {
	case s.send <- raw:
		return nil
	case <-s.done:
		return fmt.Errorf("agent %s: %w", s.agentID, ErrNotConnected)
	case <-timer.C:
		m.logger.Warn("agent send queue full past grace, closing connection", "agent_id", s.agentID)
		m.Unregister(s)
		return fmt.Errorf("agent %s: send queue full", s.agentID)
	}
}
