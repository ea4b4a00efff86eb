package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// Supervisor runs the hub's long-lived goroutines under one cancel
// token. A panic or an unexpected exit in any of them cancels the token
// so the hub shuts down as a unit instead of limping on with a dead
// loop.
type Supervisor struct {
	cancel   context.CancelFunc
	logger   hclog.Logger
	wg       sync.WaitGroup
	stopping atomic.Bool
}

func newSupervisor(cancel context.CancelFunc, logger hclog.Logger) *Supervisor {
	return &Supervisor{cancel: cancel, logger: logger}
}

// Go starts one named goroutine. A recovered panic logs at Error and
// cancels the hub; a normal exit after shutdown began logs at Debug.
func (s *Supervisor) Go(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("goroutine panicked", "name", name, "panic", r)
				s.cancel()
			}
		}()

		err := fn()
		switch {
		case s.stopping.Load() || errors.Is(err, context.Canceled):
			s.logger.Debug("goroutine stopped", "name", name)
		case err != nil:
			s.logger.Error("goroutine exited", "name", name, "error", err)
			s.cancel()
		default:
			s.logger.Warn("goroutine exited early", "name", name)
			s.cancel()
		}
	}()
}

// Shutdown marks the stop as intentional and cancels the token.
func (s *Supervisor) Shutdown() {
	s.stopping.Store(true)
	s.cancel()
}

// Wait blocks until every supervised goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
