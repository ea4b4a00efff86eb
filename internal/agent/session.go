package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/protocol"
)

const sendTimeout = 10 * time.Second

// connectLoop dials the hub and runs one session at a time, reconnecting
// with exponential backoff and jitter. A session that stayed up for a
// while resets the backoff so a brief outage recovers quickly.
func (a *Agent) connectLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		start := time.Now()
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > time.Minute {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		a.logger.Warn("hub session ended, reconnecting", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (a *Agent) runSession(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	header := http.Header{"Authorization": []string{a.authHeader()}}
	conn, _, err := dialer.DialContext(ctx, a.wsURL(), header)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	s := &session{agent: a, conn: conn}
	s.lastPong.Store(time.Now().UnixNano())
	return s.run(ctx)
}

// session is one live hub connection. gorilla permits a single writer,
// so every outbound frame goes through send's mutex.
type session struct {
	agent *Agent
	conn  *websocket.Conn

	writeMu  sync.Mutex
	lastPong atomic.Int64
}

func (s *session) run(ctx context.Context) error {
	defer s.conn.Close()

	hello := protocol.NewHello(s.agent.cfg.AgentID, s.agent.cfg.Name, nil, []string{"backup_v1"})
	if err := s.send(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	s.agent.logger.Info("connected to hub", "url", s.agent.wsURL())

	s.agent.setSession(s)
	defer s.agent.setSession(nil)

	// Anything buffered while offline can go home now.
	s.agent.wakeDrain()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closing the socket is the only way to unblock ReadMessage.
		<-gctx.Done()
		s.conn.Close()
		return gctx.Err()
	})
	g.Go(func() error { return s.readLoop() })
	g.Go(func() error { return s.pingLoop(gctx) })
	return g.Wait()
}

func (s *session) readLoop() error {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read hub frame: %w", err)
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				s.agent.logger.Warn("ignoring unknown message type", "error", err)
				continue
			}
			s.agent.logger.Warn("dropping undecodable message", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Pong:
			s.lastPong.Store(time.Now().UnixNano())
		case *protocol.Task:
			s.agent.handleTask(s, m)
		case *protocol.ConfigSnapshot:
			s.agent.installConfig(m)
		case *protocol.SecretsSnapshot:
			s.agent.installSecrets(m)
		default:
			s.agent.logger.Warn("ignoring unexpected message", "type", msg.MsgType())
		}
	}
}

// pingLoop sends the heartbeat and enforces the pong deadline. A hub
// that stops answering gets the socket closed; the connect loop redials.
func (s *session) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.agent.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.send(protocol.NewPing()); err != nil {
			return fmt.Errorf("send ping: %w", err)
		}
		if since := time.Since(time.Unix(0, s.lastPong.Load())); since > s.agent.cfg.PongTimeout {
			return fmt.Errorf("no pong from hub for %s", since.Round(time.Second))
		}
	}
}

func (s *session) send(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.MsgType(), err)
	}
	return nil
}

// sessionSink relays builder events for a dispatched run to the hub as
// RunEvent frames. Relay failures are logged and dropped; the run event
// stream is advisory while the TaskResult is what settles the run.
type sessionSink struct {
	s     *session
	runID string
}

func (k sessionSink) Event(level events.Level, kind events.Kind, message string, fields any) {
	var raw json.RawMessage
	if encoded := events.MarshalFields(fields); encoded != "" {
		raw = json.RawMessage(encoded)
	}
	msg := protocol.NewRunEvent(k.runID, string(level), string(kind), message, raw)
	if err := k.s.send(msg); err != nil {
		k.s.agent.logger.Warn("relay run event", "run_id", k.runID, "kind", kind, "error", err)
	}
}
