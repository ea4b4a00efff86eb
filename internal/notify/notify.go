// Package notify is the notification outbox. Terminal runs enqueue one
// durable row per configured route; a background worker claims due rows
// and hands them to a Sender, retrying transient failures with capped
// backoff. The core ships only LogSender; real transports (email, wecom
// webhook) implement Sender outside this package.
package notify

import (
	"context"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"

	"github.com/bastion-sh/bastion/internal/jobspec"
	"github.com/bastion-sh/bastion/internal/store"
)

const (
	// pollInterval bounds how stale the worker can be when nothing
	// wakes it explicitly.
	pollInterval = 5 * time.Second

	// maxAttempts caps delivery tries before a row is marked failed.
	maxAttempts = 5

	backoffBase = 30 * time.Second
	backoffCap  = 10 * time.Minute
)

// Sender delivers one notification. Implementations own the transport;
// the worker owns claiming, retries, and state transitions. A returned
// error means the delivery did not happen and may be retried.
type Sender interface {
	Send(ctx context.Context, n *store.Notification) error
}

// LogSender is the built-in transport: it logs the delivery instead of
// performing one. Useful on hubs with no outbound channel configured
// and in tests.
type LogSender struct {
	Logger hclog.Logger
}

func (s LogSender) Send(_ context.Context, n *store.Notification) error {
	s.Logger.Info("notification",
		"run_id", n.RunID, "channel", n.Channel, "secret_name", n.SecretName, "attempt", n.Attempts)
	return nil
}

// Enqueue inserts one queued notification per route for a finished run.
// Rows are immediately due; the caller should wake the worker after.
func Enqueue(st *store.Store, runID string, routes []jobspec.Route, now time.Time) error {
	ts := now.Unix()
	for _, route := range routes {
		n := &store.Notification{
			ID:            ulid.Make().String(),
			RunID:         runID,
			Channel:       route.Channel,
			SecretName:    route.SecretName,
			CreatedAt:     ts,
			UpdatedAt:     ts,
			NextAttemptAt: ts,
		}
		if err := st.EnqueueNotification(n); err != nil {
			return err
		}
	}
	return nil
}

// Worker drains the outbox. One worker per hub; the claim statement is
// what serializes access, so running more is safe but pointless.
type Worker struct {
	store  *store.Store
	sender Sender
	logger hclog.Logger

	wake chan struct{}
	poll time.Duration
	now  func() time.Time
	rng  *rand.Rand
}

// NewWorker wires an outbox worker over the store.
func NewWorker(st *store.Store, sender Sender, logger hclog.Logger) *Worker {
	return &Worker{
		store:  st,
		sender: sender,
		logger: logger,
		wake:   make(chan struct{}, 1),
		poll:   pollInterval,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wake nudges the worker to claim immediately. Safe from any goroutine;
// wakeups coalesce.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains due notifications until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// drain claims and delivers until nothing is due.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.store.ClaimDueNotification(w.now().Unix())
		if err != nil {
			w.logger.Error("claim notification", "error", err)
			return
		}
		if n == nil {
			return
		}
		w.deliver(ctx, n)
	}
}

func (w *Worker) deliver(ctx context.Context, n *store.Notification) {
	err := w.sender.Send(ctx, n)
	now := w.now().Unix()
	if err == nil {
		if err := w.store.MarkNotificationSent(n.ID, now); err != nil {
			w.logger.Error("mark notification sent", "id", n.ID, "error", err)
		}
		return
	}

	if n.Attempts >= maxAttempts {
		w.logger.Warn("notification failed permanently",
			"id", n.ID, "run_id", n.RunID, "channel", n.Channel, "attempts", n.Attempts, "error", err)
		if err := w.store.MarkNotificationFailed(n.ID, err.Error(), now); err != nil {
			w.logger.Error("mark notification failed", "id", n.ID, "error", err)
		}
		return
	}

	delay := w.backoffDelay(n.Attempts)
	w.logger.Warn("notification send failed",
		"id", n.ID, "run_id", n.RunID, "channel", n.Channel, "attempt", n.Attempts, "retry_in", delay, "error", err)
	if err := w.store.MarkNotificationRetry(n.ID, err.Error(), now+int64(delay/time.Second), now); err != nil {
		w.logger.Error("mark notification retry", "id", n.ID, "error", err)
	}
}

// backoffDelay is exponential with full jitter: uniform in
// [0, min(cap, base*2^(attempt-1))]. Sub-second draws would round down
// to an immediate retry, so the floor is one second.
func (w *Worker) backoffDelay(attempt int) time.Duration {
	ceil := backoffBase << (attempt - 1)
	if ceil > backoffCap || ceil <= 0 {
		ceil = backoffCap
	}
	d := time.Duration(w.rng.Int63n(int64(ceil) + 1))
	if d < time.Second {
		d = time.Second
	}
	return d
}
