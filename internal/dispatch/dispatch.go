// Package dispatch moves queued backtest tasks onto connected workers.
//
// Each tick claims tasks oldest first, picks the least-loaded worker with a
// free slot, leases the task to it and sends the execute message. The claim
// is a conditional store update, so any number of dispatchers may share one
// store without running a task twice.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/seantiz/backtestd/internal/model"
	"github.com/seantiz/backtestd/internal/protocol"
	"github.com/seantiz/backtestd/internal/registry"
	"github.com/seantiz/backtestd/internal/store"
	"github.com/seantiz/backtestd/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultInterval   = 500 * time.Millisecond
	DefaultMaxPerTick = 64
)

// Config controls dispatch pacing.
type Config struct {
	Interval   time.Duration
	MaxPerTick int
	// NodeID is recorded on every task this dispatcher claims.
	NodeID string
}

// Dispatcher assigns queued tasks to workers.
type Dispatcher struct {
	store      store.Store
	registry   *registry.Registry
	logger     *slog.Logger
	interval   time.Duration
	maxPerTick int
	nodeID     string
	now        func() time.Time
}

// New creates a dispatcher.
func New(s store.Store, reg *registry.Registry, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = DefaultMaxPerTick
	}
	return &Dispatcher{
		store:      s,
		registry:   reg,
		logger:     logger,
		interval:   cfg.Interval,
		maxPerTick: cfg.MaxPerTick,
		nodeID:     cfg.NodeID,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch tick failed", "error", err)
			}
		}
	}
}

// Tick dispatches queued tasks until the queue is empty, no worker has a
// free slot or the per-tick limit is reached. It returns the number of
// tasks sent to workers.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.tick")
	defer span.End()

	sent := 0
	for range d.maxPerTick {
		if ctx.Err() != nil {
			break
		}
		sess := d.pickWorker()
		if sess == nil {
			break
		}

		task, err := d.store.DequeueOldestQueued(ctx)
		if err != nil {
			span.RecordError(err)
			return sent, fmt.Errorf("dequeue: %w", err)
		}
		if task == nil {
			break
		}

		ok, err := d.assign(ctx, sess, task)
		if err != nil {
			span.RecordError(err)
			return sent, err
		}
		if ok {
			sent++
		}
	}
	span.SetAttributes(attribute.Int("dispatched", sent))
	return sent, nil
}

// assign leases task to sess, claims it in the store and sends it. A false
// result with a nil error means the task was not sent and should be left to
// a later tick.
func (d *Dispatcher) assign(ctx context.Context, sess *registry.Session, task *model.BacktestTask) (bool, error) {
	lease := model.TaskLease{
		TaskID:     task.ID,
		UserID:     task.UserID,
		ReqID:      task.ReqID,
		LeaseID:    model.NewID(),
		AssignedAt: d.now(),
	}
	// A lease the session already holds belongs to a live run and is
	// never released here.
	held, alreadyHeld := sess.Lease(task.ID)
	if alreadyHeld {
		lease = held
	} else if !sess.TryAssign(lease) {
		dispatchTotal.WithLabelValues("no_slot").Inc()
		return false, nil
	}
	release := func() {
		if !alreadyHeld {
			sess.Complete(task.ID)
		}
	}

	claimed, err := d.store.MarkRunning(ctx, task.ID, d.nodeID)
	if err != nil {
		release()
		dispatchTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("claim task %d: %w", task.ID, err)
	}
	if !claimed {
		// Another dispatcher or a cancel got there first.
		release()
		dispatchTotal.WithLabelValues("lost_claim").Inc()
		d.logger.Debug("task claimed elsewhere", "task_id", task.ID)
		return false, nil
	}

	if alreadyHeld {
		// The worker is still running it; restoring the claim is enough.
		dispatchTotal.WithLabelValues("already_leased").Inc()
		d.logger.Warn("queued task already leased, claim restored",
			"task_id", task.ID, "worker_id", sess.ID(), "lease_id", lease.LeaseID)
		return false, nil
	}

	if err := sess.Send(protocol.NewExecute(lease, task.RequestJSON)); err != nil {
		// The lease stays on the session; the liveness monitor requeues it.
		dispatchTotal.WithLabelValues("send_failed").Inc()
		d.logger.Warn("send execute failed, closing worker session",
			"task_id", task.ID, "worker_id", sess.ID(), "error", err)
		sess.Close()
		return false, nil
	}

	dispatchTotal.WithLabelValues("sent").Inc()
	queueWait.Observe(d.now().Sub(task.CreatedAt).Seconds())
	d.logger.Info("task dispatched",
		"task_id", task.ID,
		"user_id", task.UserID,
		"worker_id", sess.ID(),
		"lease_id", lease.LeaseID,
		"node_id", d.nodeID,
		"attempt", task.Attempts+1,
	)
	return true, nil
}

// pickWorker returns the available session with the fewest leases, ties
// going to the earliest registered.
func (d *Dispatcher) pickWorker() *registry.Session {
	var (
		best     *registry.Session
		bestLoad int
	)
	for _, s := range d.registry.ListSessions() {
		if !s.Available() {
			continue
		}
		load := s.RunningCount()
		if best == nil || load < bestLoad {
			best, bestLoad = s, load
		}
	}
	return best
}
