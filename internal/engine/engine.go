package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/seantiz/backtestd/internal/bus"
	"github.com/seantiz/backtestd/internal/dispatch"
	"github.com/seantiz/backtestd/internal/gateway"
	"github.com/seantiz/backtestd/internal/liveness"
	"github.com/seantiz/backtestd/internal/model"
	"github.com/seantiz/backtestd/internal/registry"
	"github.com/seantiz/backtestd/internal/relay"
	"github.com/seantiz/backtestd/internal/store"
)

// Default limits applied when Options leaves them zero.
const (
	DefaultMaxActivePerUser = 10
	DefaultMaxActiveGlobal  = 1000
	DefaultCleanupInterval  = time.Hour
	DefaultListLimit        = 50
	MaxListLimit            = 500
)

// ErrQuotaExceeded is returned when a submission would exceed an active
// task quota.
var ErrQuotaExceeded = errors.New("active task quota exceeded")

// AdmissionError describes which quota rejected a submission.
type AdmissionError struct {
	Scope  string // "user" or "global"
	Limit  int
	Active int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d active of %d allowed", e.Scope, e.Active, e.Limit)
}

// Unwrap lets errors.Is match ErrQuotaExceeded.
func (e *AdmissionError) Unwrap() error { return ErrQuotaExceeded }

// Options configures the engine and the components it builds.
type Options struct {
	MaxActivePerUser int
	MaxActiveGlobal  int

	Dispatch dispatch.Config
	Liveness liveness.Config
	Gateway  gateway.Config

	// NodeID identifies this scheduler among processes sharing one store.
	// Running tasks are stamped with it and RecoverOnStart only touches
	// its own rows. Defaults to the host name.
	NodeID string

	// RecoverOnStart requeues tasks a previous process of this node left
	// running.
	RecoverOnStart bool
	// RetentionDays removes terminal tasks older than this. Zero disables
	// cleanup.
	RetentionDays   int
	CleanupInterval time.Duration
}

// SubmitRequest is a new backtest submission.
type SubmitRequest struct {
	UserID      int64
	ReqID       string
	RequestJSON string
}

// Engine wires the scheduler components around one store and bus.
type Engine struct {
	store      store.Store
	bus        bus.Bus
	registry   *registry.Registry
	hub        *relay.Hub
	relay      *relay.Relay
	dispatcher *dispatch.Dispatcher
	monitor    *liveness.Monitor
	gateway    *gateway.Gateway
	opts       Options
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds the registry, relay, dispatcher, liveness monitor and
// worker gateway.
func NewEngine(s store.Store, b bus.Bus, opts Options, logger *slog.Logger) *Engine {
	if opts.MaxActivePerUser <= 0 {
		opts.MaxActivePerUser = DefaultMaxActivePerUser
	}
	if opts.MaxActiveGlobal <= 0 {
		opts.MaxActiveGlobal = DefaultMaxActiveGlobal
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.NodeID == "" {
		opts.NodeID = defaultNodeID()
	}
	opts.Dispatch.NodeID = opts.NodeID
	opts.Liveness.NodeID = opts.NodeID
	if opts.Gateway.HeartbeatInterval <= 0 {
		opts.Gateway.HeartbeatInterval = opts.Liveness.HeartbeatInterval
	}

	reg := registry.New()
	hub := relay.NewHub()
	rel := relay.New(s, b, hub, logger.With("component", "relay"))
	mon := liveness.New(s, reg, rel, opts.Liveness, logger.With("component", "liveness"))

	return &Engine{
		store:      s,
		bus:        b,
		registry:   reg,
		hub:        hub,
		relay:      rel,
		dispatcher: dispatch.New(s, reg, opts.Dispatch, logger.With("component", "dispatch")),
		monitor:    mon,
		gateway:    gateway.New(reg, rel, mon, opts.Gateway, logger.With("component", "gateway")),
		opts:       opts,
		logger:     logger,
	}
}

func defaultNodeID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "backtestd"
}

// NodeID returns the identity this engine stamps on the tasks it claims.
func (e *Engine) NodeID() string { return e.opts.NodeID }

// Start recovers orphaned tasks if configured and launches the background
// loops. It returns once they are running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("engine already started")
	}

	if e.opts.RecoverOnStart {
		if _, err := e.monitor.RecoverOrphans(ctx); err != nil {
			return fmt.Errorf("recover orphaned tasks: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Go(func() {
		if err := e.relay.Run(ctx); err != nil {
			e.logger.Error("relay stopped", "error", err)
		}
	})
	e.wg.Go(func() { e.dispatcher.Run(ctx) })
	e.wg.Go(func() { e.monitor.Run(ctx) })
	if e.opts.RetentionDays > 0 {
		e.wg.Go(func() { e.janitor(ctx) })
	}

	e.logger.Info("engine started",
		"node_id", e.opts.NodeID,
		"max_active_per_user", e.opts.MaxActivePerUser,
		"max_active_global", e.opts.MaxActiveGlobal,
		"recover_on_start", e.opts.RecoverOnStart,
	)
	return nil
}

// Shutdown stops the background loops, disconnects every worker and closes
// live event sessions. Leases held at shutdown are recovered by the next
// start when RecoverOnStart is set.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.registry.Close()
	e.hub.Close()
}

func (e *Engine) janitor(ctx context.Context) {
	ticker := time.NewTicker(e.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.CleanupExpired(ctx, e.opts.RetentionDays)
			if err != nil {
				e.logger.Error("cleanup expired tasks", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Info("cleaned up expired tasks", "count", n, "retention_days", e.opts.RetentionDays)
			}
		}
	}
}

// Submit validates a request, enforces the active quotas and queues the task.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*model.BacktestTask, error) {
	if req.UserID <= 0 {
		return nil, &model.ValidationError{Field: "user_id", Reason: "must be positive"}
	}
	summary, err := model.SummarizeRequest(req.RequestJSON)
	if err != nil {
		return nil, err
	}

	active, err := e.store.CountActiveByUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("count user tasks: %w", err)
	}
	if active >= e.opts.MaxActivePerUser {
		submissions.WithLabelValues("user_quota").Inc()
		return nil, &AdmissionError{Scope: "user", Limit: e.opts.MaxActivePerUser, Active: active}
	}
	global, err := e.store.CountActiveGlobal(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	if global >= e.opts.MaxActiveGlobal {
		submissions.WithLabelValues("global_quota").Inc()
		return nil, &AdmissionError{Scope: "global", Limit: e.opts.MaxActiveGlobal, Active: global}
	}

	t := &model.BacktestTask{
		UserID:      req.UserID,
		ReqID:       req.ReqID,
		Status:      model.StatusQueued,
		RequestJSON: req.RequestJSON,
	}
	summary.Apply(t)
	if _, err := e.store.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	submissions.WithLabelValues("accepted").Inc()
	e.logger.Info("task submitted", "task_id", t.ID, "user_id", t.UserID, "req_id", t.ReqID)
	return t, nil
}

// GetTask returns a task owned by userID. A userID of zero skips the
// ownership check.
func (e *Engine) GetTask(ctx context.Context, id, userID int64) (*model.BacktestTask, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != 0 && t.UserID != userID {
		return nil, store.ErrNotFound
	}
	return t, nil
}

// ListTasks returns a page of the user's tasks, newest first, and the total.
func (e *Engine) ListTasks(ctx context.Context, userID int64, limit, offset int) ([]*model.BacktestTask, int, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return e.store.ListTasksByUser(ctx, userID, limit, offset)
}

// Cancel cancels a queued or running task owned by userID. A running task's
// worker keeps its lease until it reports; that late report is ignored.
func (e *Engine) Cancel(ctx context.Context, id, userID int64) (*model.BacktestTask, error) {
	t, err := e.GetTask(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !model.ValidTransition(t.Status, model.StatusCancelled) {
		return nil, fmt.Errorf("%w: task is %s", store.ErrInvalidTransition, t.Status)
	}

	ok, err := e.store.Cancel(ctx, id, userID)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: task finished before cancel", store.ErrInvalidTransition)
	}

	e.relay.Notify(model.TaskEvent{
		Kind:   model.EventCancelled,
		TaskID: id,
		UserID: t.UserID,
		ReqID:  t.ReqID,
		Status: model.StatusCancelled,
	})
	e.logger.Info("task cancelled", "task_id", id, "user_id", userID, "was", t.Status)
	return e.store.GetTask(ctx, id)
}

// Stats returns aggregate task statistics.
func (e *Engine) Stats(ctx context.Context) (*store.TaskStats, error) {
	return e.store.GetTaskStats(ctx)
}

// Workers returns a snapshot of the connected workers.
func (e *Engine) Workers() []registry.SessionInfo {
	return e.registry.List()
}

// Registry returns the worker registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Hub returns the live event hub.
func (e *Engine) Hub() *relay.Hub { return e.hub }

// WorkerHandler returns the WebSocket endpoint workers connect to.
func (e *Engine) WorkerHandler() http.Handler { return e.gateway }

// Dispatcher returns the dispatch loop, mainly for driving it in tests.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Monitor returns the liveness monitor.
func (e *Engine) Monitor() *liveness.Monitor { return e.monitor }
