// Package deferred drives the two durable background queues: retention
// deletes and incomplete-run cleanup. Both share one worker
// implementation parameterized by queue and side effect. The state
// machine lives in the store; this package owns claiming, the effect
// call, error classification, and backoff.
package deferred

import (
	"context"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/bastion-sh/bastion/internal/store"
	"github.com/bastion-sh/bastion/internal/target"
)

const (
	// maxAttempts is the retry budget before a task is abandoned.
	// Blocked tasks do not consume it; they wait for retry_now.
	maxAttempts = 10

	backoffBase = 30 * time.Second
	backoffCap  = time.Hour

	// idlePoll caps the sleep so rows inserted without a wakeup are
	// still noticed.
	idlePoll = time.Minute
)

// Effect performs the queue's side effect for one claimed task. Errors
// classified by the target package drive the state transition: network
// retries, auth and config block, unknown retries until the budget runs
// out.
type Effect func(ctx context.Context, task *store.DeferredTask) error

// Worker drains one deferred queue. One worker per queue per hub.
type Worker struct {
	queue  store.DeferredQueue
	store  *store.Store
	effect Effect
	logger hclog.Logger

	wake chan struct{}
	now  func() time.Time
	rng  *rand.Rand
}

// NewWorker wires a worker over one queue.
func NewWorker(queue store.DeferredQueue, st *store.Store, effect Effect, logger hclog.Logger) *Worker {
	return &Worker{
		queue:  queue,
		store:  st,
		effect: effect,
		logger: logger,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wake nudges the worker to re-check the queue. Wakeups coalesce.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run claims and performs due tasks until the context is canceled,
// sleeping until the next attempt time between rounds.
func (w *Worker) Run(ctx context.Context) error {
	for {
		w.drain(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		timer := time.NewTimer(w.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-w.wake:
			timer.Stop()
		}
	}
}

// nextWait is the sleep until the earliest due task, clamped to
// [0, idlePoll].
func (w *Worker) nextWait() time.Duration {
	due, ok, err := w.store.NextTaskDueAt(w.queue)
	if err != nil {
		w.logger.Error("next due", "queue", w.queue, "error", err)
		return idlePoll
	}
	if !ok {
		return idlePoll
	}
	wait := time.Unix(due, 0).Sub(w.now())
	if wait < 0 {
		wait = 0
	}
	if wait > idlePoll {
		wait = idlePoll
	}
	return wait
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		task, err := w.store.ClaimDueTask(w.queue, w.now().Unix())
		if err != nil {
			w.logger.Error("claim task", "queue", w.queue, "error", err)
			return
		}
		if task == nil {
			return
		}
		w.perform(ctx, task)
	}
}

// perform runs the side effect and applies the resulting transition.
func (w *Worker) perform(ctx context.Context, task *store.DeferredTask) {
	err := w.effect(ctx, task)
	now := w.now().Unix()

	if err == nil {
		if err := w.store.MarkTaskDone(w.queue, task.RunID, now); err != nil {
			w.logger.Error("mark task done", "queue", w.queue, "run_id", task.RunID, "error", err)
			return
		}
		w.event(task.RunID, now, "done", "")
		w.logger.Info("task done", "queue", w.queue, "run_id", task.RunID, "attempts", task.Attempts)
		return
	}

	switch kind := target.Classify(err); kind {
	case target.KindAuth, target.KindConfig:
		// No retry helps until an operator intervenes; retry_now is
		// the only way back.
		if err := w.store.MarkTaskBlocked(w.queue, task.RunID, string(kind), err.Error(), now); err != nil {
			w.logger.Error("mark task blocked", "queue", w.queue, "run_id", task.RunID, "error", err)
			return
		}
		w.event(task.RunID, now, "blocked", err.Error())
		w.logger.Warn("task blocked", "queue", w.queue, "run_id", task.RunID, "kind", kind, "error", err)

	default:
		if task.Attempts >= maxAttempts {
			if err := w.store.MarkTaskAbandoned(w.queue, task.RunID, string(kind), err.Error(), now); err != nil {
				w.logger.Error("mark task abandoned", "queue", w.queue, "run_id", task.RunID, "error", err)
				return
			}
			w.event(task.RunID, now, "abandoned", err.Error())
			w.logger.Warn("task abandoned", "queue", w.queue, "run_id", task.RunID, "attempts", task.Attempts, "error", err)
			return
		}
		delay := w.backoffDelay(task.Attempts)
		if err := w.store.MarkTaskRetrying(w.queue, task.RunID, string(kind), err.Error(), now+int64(delay/time.Second), now); err != nil {
			w.logger.Error("mark task retrying", "queue", w.queue, "run_id", task.RunID, "error", err)
			return
		}
		w.event(task.RunID, now, "retrying", err.Error())
		w.logger.Warn("task retrying", "queue", w.queue, "run_id", task.RunID,
			"attempt", task.Attempts, "retry_in", delay, "kind", kind, "error", err)
	}
}

func (w *Worker) event(runID string, ts int64, kind, message string) {
	if err := w.store.AppendTaskEvent(w.queue, runID, ts, kind, message); err != nil {
		w.logger.Error("append task event", "queue", w.queue, "run_id", runID, "error", err)
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
