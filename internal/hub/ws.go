package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bastion-sh/bastion/internal/deferred"
	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/notify"
	"github.com/bastion-sh/bastion/internal/protocol"
	"github.com/bastion-sh/bastion/internal/store"
)

const (
	// helloTimeout bounds the wait for the opening Hello frame.
	helloTimeout = 10 * time.Second

	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsConn adapts one gorilla socket to the agent manager's write side.
// gorilla permits a single concurrent writer, and the manager's writer
// goroutine is that writer; the mutex only covers Close racing a write.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// handleAgentWS authenticates the agent, upgrades the connection, and
// runs the session: Hello handshake, snapshot push, then the inbound
// message loop until the socket dies.
func (h *Hub) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	agent, err := h.authenticateAgent(r)
	if err != nil {
		h.logger.Warn("agent ws rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent ws upgrade", "agent_id", agent.ID, "error", err)
		return
	}

	hello, err := readHello(conn, agent.ID)
	if err != nil {
		h.logger.Warn("agent handshake failed", "agent_id", agent.ID, "error", err)
		conn.Close()
		return
	}

	logger := h.logger.With("agent_id", agent.ID)
	logger.Info("agent connected", "name", hello.Name, "capabilities", hello.Capabilities)
	if err := h.st.TouchAgent(agent.ID, time.Now().Unix()); err != nil {
		logger.Error("touch agent", "error", err)
	}

	session := h.manager.Register(agent.ID, &wsConn{conn: conn})
	defer h.manager.Unregister(session)

	h.pushSnapshots(agent.ID)
	h.worker.Wake()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Info("agent disconnected", "error", err)
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				logger.Warn("ignoring unknown message type", "error", err)
				continue
			}
			logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Ping:
			if err := h.st.TouchAgent(agent.ID, time.Now().Unix()); err != nil {
				logger.Error("touch agent", "error", err)
			}
			if err := h.manager.SendJSON(agent.ID, protocol.NewPong()); err != nil {
				logger.Warn("send pong", "error", err)
			}
		case *protocol.Ack:
			h.handleAck(agent.ID, m)
		case *protocol.RunEvent:
			h.relayRunEvent(m)
		case *protocol.TaskResult:
			h.handleTaskResult(agent.ID, m)
		default:
			logger.Warn("ignoring unexpected message", "type", msg.MsgType())
		}
	}
}

// readHello reads and validates the opening frame. The authenticated
// identity wins over whatever the frame claims.
func readHello(conn *websocket.Conn, agentID string) (*protocol.Hello, error) {
	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return nil, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		return nil, err
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		return nil, errors.New("first frame was not a hello")
	}
	if hello.AgentID != agentID {
		return nil, errors.New("hello agent_id does not match credential")
	}
	return hello, conn.SetReadDeadline(time.Time{})
}

// handleAck records that the agent accepted a dispatched task. From here
// the hub stops considering requeue; only a result or the dispatch
// deadline settles the run.
func (h *Hub) handleAck(agentID string, m *protocol.Ack) {
	task, err := h.st.GetAgentTask(m.TaskID)
	if err != nil {
		h.logger.Warn("ack for unknown task", "task_id", m.TaskID, "error", err)
		return
	}
	if task.AgentID != agentID {
		h.logger.Warn("ack from wrong agent", "task_id", m.TaskID, "agent_id", agentID)
		return
	}
	if err := h.st.SetAgentTaskStatus(m.TaskID, store.AgentTaskAcked, time.Now().Unix()); err != nil {
		h.logger.Error("mark task acked", "task_id", m.TaskID, "error", err)
		return
	}
	h.rec.Run(task.RunID, events.LevelInfo, events.KindTaskAcked, "task acknowledged by agent "+agentID,
		map[string]any{"agent_id": agentID})
}

// relayRunEvent persists one agent-relayed event. The recorder assigns
// the sequence number on commit, preserving the dense per-run order.
func (h *Hub) relayRunEvent(m *protocol.RunEvent) {
	var fields any
	if len(m.Fields) > 0 {
		fields = json.RawMessage(m.Fields)
	}
	h.rec.Run(m.RunID, events.Level(m.Level), events.Kind(m.Kind), m.Message, fields)
}

// handleTaskResult settles a dispatched run. The session loop owns the
// terminal transition on this path; CompleteRun's running-only guard
// keeps a result that lost the race against the dispatch deadline from
// resurrecting the run.
func (h *Hub) handleTaskResult(agentID string, m *protocol.TaskResult) {
	task, err := h.st.GetAgentTask(m.TaskID)
	if err != nil {
		// Already settled by the deadline path; nothing left to own.
		h.logger.Warn("result for unknown task", "task_id", m.TaskID, "error", err)
		return
	}
	if task.AgentID != agentID {
		h.logger.Warn("result from wrong agent", "task_id", m.TaskID, "agent_id", agentID)
		return
	}

	status := store.RunFailed
	if m.Status == "success" {
		status = store.RunSuccess
	}
	ok, err := h.st.CompleteRun(m.RunID, status, string(m.Summary), m.Error, time.Now().Unix())
	if err != nil {
		h.logger.Error("complete dispatched run", "run_id", m.RunID, "error", err)
		return
	}
	if err := h.st.DeleteAgentTask(m.TaskID); err != nil {
		h.logger.Error("delete agent task", "task_id", m.TaskID, "error", err)
	}
	if !ok {
		return
	}
	h.logger.Info("dispatched run settled", "run_id", m.RunID, "status", status)
	if status == store.RunSuccess {
		h.registerRetentionDelete(m.RunID)
	}
	h.enqueueRunNotifications(m.RunID)
}

// registerRetentionDelete pins the artifact-delete task the moment a
// run settles as success, due when its retention window closes. The
// snapshot was written at dispatch time; a run that never touched a
// target registers nothing.
func (h *Hub) registerRetentionDelete(runID string) {
	if h.cfg.RunRetentionDays <= 0 {
		return
	}
	run, err := h.st.GetRun(runID)
	if err != nil {
		h.logger.Error("load run for retention task", "run_id", runID, "error", err)
		return
	}
	if _, err := deferred.EnqueueRetentionDelete(h.st, run, h.cfg.RunRetentionDays, time.Now()); err != nil {
		h.logger.Error("register artifact delete", "run_id", runID, "error", err)
	}
}

// enqueueRunNotifications mirrors the local worker's terminal path for a
// run the agent finished: one queued row per route on the job's spec.
func (h *Hub) enqueueRunNotifications(runID string) {
	run, err := h.st.GetRun(runID)
	if err != nil {
		h.logger.Error("load settled run", "run_id", runID, "error", err)
		return
	}
	job, err := h.st.GetJob(run.JobID)
	if err != nil {
		h.logger.Error("load job for notifications", "job_id", run.JobID, "error", err)
		return
	}
	spec, err := jobspec.Parse([]byte(job.SpecJSON))
	if err != nil || len(spec.Notify) == 0 {
		return
	}
	if err := notify.Enqueue(h.st, runID, spec.Notify, time.Now()); err != nil {
		h.logger.Error("enqueue notifications", "run_id", runID, "error", err)
		return
	}
	h.notifier.Wake()
}
