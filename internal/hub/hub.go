// Package hub assembles the daemon: the durable store and master-key
// box, the run worker, the cron scheduler, the deferred queues, the
// notification outbox, and the agent-plane HTTP server. Everything runs
// under one supervisor; shutdown stops intake, gives in-flight work a
// grace period, then closes the store.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/bastion-sh/bastion/internal/agents"
	"github.com/bastion-sh/bastion/internal/deferred"
	"github.com/bastion-sh/bastion/internal/events"
	"github.com/bastion-sh/bastion/internal/notify"
	"github.com/bastion-sh/bastion/internal/scheduler"
	"github.com/bastion-sh/bastion/internal/secretbox"
	"github.com/bastion-sh/bastion/internal/store"
	"github.com/bastion-sh/bastion/internal/worker"
)

const (
	// DBFileName is the store's filename under the data directory.
	DBFileName = "bastion.db"

	// DefaultShutdownGrace bounds how long shutdown waits for in-flight
	// work before closing the store anyway.
	DefaultShutdownGrace = 30 * time.Second

	// snapshotRefresh is how often connected agents are offered the
	// current config and secrets snapshots. Unchanged snapshots are
	// deduped by id, so the steady-state cost is a hash comparison.
	snapshotRefresh = 30 * time.Second
)

// Config carries the hub daemon's knobs, already resolved from file and
// environment by the config package.
type Config struct {
	// DataDir holds the database, the master key, and run staging.
	DataDir string

	// Bind is the agent-plane listen address.
	Bind string

	// EnrollToken authorizes POST /agent/enroll. Empty disables
	// enrollment.
	EnrollToken string

	// Location is the hub's home timezone for schedules that name none.
	Location *time.Location

	RunRetentionDays      int
	IncompleteCleanupDays int

	// ZstdWorkers caps compression concurrency for local builds.
	ZstdWorkers int

	ShutdownGrace time.Duration
}

// Hub is the assembled daemon. Construct with New, drive with Run.
type Hub struct {
	cfg    Config
	logger hclog.Logger

	st  *store.Store
	box *secretbox.Box
	rec *events.Recorder

	manager  *agents.Manager
	worker   *worker.Worker
	sched    *scheduler.Scheduler
	deletes  *deferred.Worker
	cleanups *deferred.Worker
	notifier *notify.Worker
}

// New opens the store and master key and wires every component. Nothing
// starts running until Run.
func New(cfg Config, logger hclog.Logger) (*Hub, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("hub: data_dir is required")
	}
	if cfg.Bind == "" {
		return nil, fmt.Errorf("hub: bind address is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("hub: create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, DBFileName))
	if err != nil {
		return nil, err
	}
	box, err := secretbox.Open(cfg.DataDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	rec := events.NewRecorder(st, events.NewBus(), logger.Named("events"))
	manager := agents.NewManager(agents.Config{}, logger.Named("agents"))

	wk := worker.New(st, rec, manager, box, worker.Config{
		StageRoot:        filepath.Join(cfg.DataDir, "staging"),
		ZstdWorkers:      cfg.ZstdWorkers,
		RunRetentionDays: cfg.RunRetentionDays,
	}, logger.Named("worker"))

	deletes := deferred.NewWorker(store.QueueDelete, st, deferred.DeleteEffect(st, box), logger.Named("delete"))
	cleanups := deferred.NewWorker(store.QueueCleanup, st, deferred.DeleteEffect(st, box), logger.Named("cleanup"))
	notifier := notify.NewWorker(st, notify.LogSender{Logger: logger.Named("notify")}, logger.Named("notify"))
	wk.WakeNotify = notifier.Wake

	sched := scheduler.New(st, rec, scheduler.Config{
		RunRetentionDays:      cfg.RunRetentionDays,
		IncompleteCleanupDays: cfg.IncompleteCleanupDays,
		Location:              cfg.Location,
	}, logger.Named("scheduler"))
	sched.WakeWorker = wk.Wake
	sched.WakeDelete = deletes.Wake
	sched.WakeCleanup = cleanups.Wake

	return &Hub{
		cfg:      cfg,
		logger:   logger,
		st:       st,
		box:      box,
		rec:      rec,
		manager:  manager,
		worker:   wk,
		sched:    sched,
		deletes:  deletes,
		cleanups: cleanups,
		notifier: notifier,
	}, nil
}

// Store exposes the open store for in-process admin paths.
func (h *Hub) Store() *store.Store { return h.st }

// Run starts every component and blocks until the context ends or a
// supervised goroutine dies, then shuts down: close the listener, wait
// up to the grace for in-flight work, close the store.
func (h *Hub) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sup := newSupervisor(cancel, h.logger.Named("supervisor"))

	ln, err := net.Listen("tcp", h.cfg.Bind)
	if err != nil {
		h.st.Close()
		return fmt.Errorf("hub: listen on %s: %w", h.cfg.Bind, err)
	}
	server := &http.Server{Handler: h.routes()}
	h.logger.Info("agent plane listening", "addr", ln.Addr().String())

	sup.Go("worker", func() error { return h.worker.Run(runCtx) })
	sup.Go("scheduler", func() error { return h.sched.Run(runCtx) })
	sup.Go("delete-queue", func() error { return h.deletes.Run(runCtx) })
	sup.Go("cleanup-queue", func() error { return h.cleanups.Run(runCtx) })
	sup.Go("notifier", func() error { return h.notifier.Run(runCtx) })
	sup.Go("snapshot-push", func() error { return h.snapshotLoop(runCtx) })
	sup.Go("bus-sweep", func() error { return h.sweepLoop(runCtx) })
	sup.Go("http", func() error {
		err := server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return runCtx.Err()
		}
		return err
	})

	<-runCtx.Done()
	sup.Shutdown()
	h.logger.Info("shutting down", "grace", h.cfg.ShutdownGrace)

	shutdownCtx, done := context.WithTimeout(context.Background(), h.cfg.ShutdownGrace)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("http shutdown", "error", err)
	}

	waited := make(chan struct{})
	go func() {
		sup.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-shutdownCtx.Done():
		h.logger.Warn("shutdown grace expired with goroutines still running")
	}

	if err := h.st.Close(); err != nil {
		h.logger.Error("close store", "error", err)
	}
	return ctx.Err()
}

// snapshotLoop periodically offers connected agents the current config
// and secrets snapshots. The agent manager dedupes by snapshot id, so an
// edit made through the CLI reaches agents within one refresh interval
// and an unchanged hub costs nothing on the wire.
func (h *Hub) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(snapshotRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, agentID := range h.manager.AgentIDs() {
			h.pushSnapshots(agentID)
		}
	}
}

// sweepLoop expires the event bus's retained tail.
func (h *Hub) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(events.DefaultRetention)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.rec.Bus().Sweep()
		}
	}
}
