// Package liveness detects lost workers and returns their tasks to the
// queue.
//
// A session is lost when its connection has closed or it has not sent a
// heartbeat (or had a lease change) for HeartbeatInterval times
// HeartbeatMultiplier. Each of its leased tasks is requeued, or failed once
// it has used MaxAttempts runs. A session leaves the registry only after
// every lease has been recovered; store errors are retried on the next
// sweep.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/seantiz/backtestd/internal/model"
	"github.com/seantiz/backtestd/internal/registry"
	"github.com/seantiz/backtestd/internal/store"
	"github.com/seantiz/backtestd/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval   = 5 * time.Second
	DefaultHeartbeatMultiplier = 3
	DefaultMaxAttempts         = 3
)

// LostWorkerMessage is recorded on tasks failed after their final attempt.
const LostWorkerMessage = "worker lost"

const orphanBatch = 100

// Notifier receives task events produced by recovery.
type Notifier interface {
	Notify(ev model.TaskEvent)
}

// Config controls liveness detection.
type Config struct {
	SweepInterval       time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatMultiplier int
	// MaxAttempts is the number of runs a task gets before a lost worker
	// fails it instead of requeueing it. Zero means unlimited.
	MaxAttempts int
	// NodeID scopes RecoverOrphans to tasks this scheduler node claimed.
	NodeID string
}

// Timeout is the heartbeat silence after which a worker is considered lost.
func (c Config) Timeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatMultiplier)
}

// Monitor sweeps the registry for lost sessions.
type Monitor struct {
	store       store.Store
	registry    *registry.Registry
	notifier    Notifier
	logger      *slog.Logger
	interval    time.Duration
	timeout     time.Duration
	maxAttempts int
	nodeID      string
	now         func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source used to judge heartbeat age.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor. notifier may be nil.
func New(s store.Store, reg *registry.Registry, notifier Notifier, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatMultiplier <= 0 {
		cfg.HeartbeatMultiplier = DefaultHeartbeatMultiplier
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatInterval
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	m := &Monitor{
		store:       s,
		registry:    reg,
		notifier:    notifier,
		logger:      logger,
		interval:    cfg.SweepInterval,
		timeout:     cfg.Timeout(),
		maxAttempts: cfg.MaxAttempts,
		nodeID:      cfg.NodeID,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run sweeps until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep recovers every lost session and returns the number of tasks
// recovered.
func (m *Monitor) Sweep(ctx context.Context) int {
	ctx, span := telemetry.StartSpan(ctx, "liveness.sweep")
	defer span.End()

	now := m.now()
	recovered := 0
	for _, s := range m.registry.ListSessions() {
		if !s.Closed() {
			silent := now.Sub(s.LastHeartbeat())
			if silent <= m.timeout {
				continue
			}
			m.logger.Warn("worker heartbeat timed out",
				"worker_id", s.ID(), "silent_for", silent.Round(time.Millisecond), "leases", s.RunningCount())
			lostWorkers.WithLabelValues("timeout").Inc()
		} else {
			lostWorkers.WithLabelValues("disconnected").Inc()
		}
		recovered += m.recover(ctx, s)
	}
	span.SetAttributes(attribute.Int("recovered", recovered))
	return recovered
}

// RecoverSession closes s and recovers its leases immediately. It is used
// when a worker re-registers and its previous session is replaced.
func (m *Monitor) RecoverSession(ctx context.Context, s *registry.Session) {
	lostWorkers.WithLabelValues("replaced").Inc()
	m.recover(ctx, s)
}

func (m *Monitor) recover(ctx context.Context, s *registry.Session) int {
	s.Close()

	recovered, failed := 0, 0
	for _, lease := range s.Leases() {
		ok, err := m.recoverLease(ctx, lease)
		if err != nil {
			failed++
			m.logger.Error("recover task failed, will retry",
				"task_id", lease.TaskID, "worker_id", s.ID(), "error", err)
			continue
		}
		s.Complete(lease.TaskID)
		if ok {
			recovered++
		}
	}
	if failed > 0 {
		return recovered
	}
	if m.registry.Remove(s) {
		m.logger.Info("worker session removed", "worker_id", s.ID(), "recovered", recovered)
	}
	return recovered
}

// recoverLease requeues or fails the leased task. It reports whether the
// store changed; a task that already left running needs nothing.
func (m *Monitor) recoverLease(ctx context.Context, lease model.TaskLease) (bool, error) {
	task, err := m.store.GetTask(ctx, lease.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !model.ValidTransition(task.Status, model.StatusQueued) {
		return false, nil
	}
	return m.reclaim(ctx, task, "lease")
}

// RecoverOrphans requeues tasks a previous process of this node left running.
// Rows claimed by other nodes sharing the store are left to them. It must run
// before any worker connects to this node, since no session holds those
// tasks.
func (m *Monitor) RecoverOrphans(ctx context.Context) (int, error) {
	total := 0
	for {
		tasks, err := m.store.ListRunningByNode(ctx, m.nodeID, orphanBatch)
		if err != nil {
			return total, fmt.Errorf("list running tasks: %w", err)
		}
		changed := 0
		for _, task := range tasks {
			ok, err := m.reclaim(ctx, task, "orphan")
			if err != nil {
				return total, err
			}
			if ok {
				changed++
			}
		}
		total += changed
		if len(tasks) < orphanBatch || changed == 0 {
			break
		}
	}
	if total > 0 {
		m.logger.Info("recovered orphaned tasks", "count", total, "node_id", m.nodeID)
	}
	return total, nil
}

func (m *Monitor) reclaim(ctx context.Context, task *model.BacktestTask, reason string) (bool, error) {
	ev := model.TaskEvent{TaskID: task.ID, UserID: task.UserID, ReqID: task.ReqID, At: m.now()}

	var (
		ok  bool
		err error
	)
	if m.maxAttempts > 0 && task.Attempts >= m.maxAttempts {
		ok, err = m.store.MarkFailed(ctx, task.ID, LostWorkerMessage, 0)
		ev.Kind, ev.Status, ev.ErrorMessage = model.EventFailed, model.StatusFailed, LostWorkerMessage
	} else {
		ok, err = m.store.Requeue(ctx, task.ID)
		ev.Kind, ev.Status = model.EventRequeued, model.StatusQueued
	}
	if err != nil {
		return false, fmt.Errorf("reclaim task %d: %w", task.ID, err)
	}
	if !ok {
		return false, nil
	}

	recoveredTasks.WithLabelValues(reason, ev.Status).Inc()
	m.logger.Info("task reclaimed",
		"task_id", task.ID, "reason", reason, "status", ev.Status, "attempts", task.Attempts)
	if m.notifier != nil {
		m.notifier.Notify(ev)
	}
	return true, nil
}
