// Package relay turns worker progress and result reports into task store
// writes and best-effort live notifications. The store is always written
// first; a lost notification never loses state.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/attribute"

	"github.com/seantiz/backtestd/internal/bus"
	"github.com/seantiz/backtestd/internal/model"
	"github.com/seantiz/backtestd/internal/protocol"
	"github.com/seantiz/backtestd/internal/store"
	"github.com/seantiz/backtestd/internal/telemetry"
)

// DefaultQueueSize bounds the events waiting to be published to the bus.
const DefaultQueueSize = 1024

const defaultFailureMessage = "backtest failed"

// LeaseHolder is the session a report arrived on. Its lease is released once
// a result has been handled.
type LeaseHolder interface {
	ID() string
	Complete(taskID int64) bool
}

// Relay handles progress and result reports from workers.
type Relay struct {
	store  store.Store
	bus    bus.Bus
	hub    *Hub
	queue  *bus.Queue[model.TaskEvent]
	logger *slog.Logger
	now    func() time.Time
}

// New creates a relay that publishes through b and delivers bus events to hub.
func New(s store.Store, b bus.Bus, hub *Hub, logger *slog.Logger) *Relay {
	return &Relay{
		store:  s,
		bus:    b,
		hub:    hub,
		queue:  bus.NewQueue[model.TaskEvent](DefaultQueueSize),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Hub returns the local live-session hub.
func (r *Relay) Hub() *Hub {
	return r.hub
}

// OnProgress persists a progress report and notifies the task's owner.
// Reports for tasks that are no longer running are ignored.
func (r *Relay) OnProgress(ctx context.Context, holder LeaseHolder, lease model.TaskLease, p protocol.Progress) error {
	ok, err := r.store.UpdateProgress(ctx, lease.TaskID, model.ProgressUpdate{
		Progress:  p.Progress,
		Stage:     p.Stage,
		StageName: p.StageName,
		Message:   p.Message,
	})
	if err != nil {
		progressTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("update progress: %w", err)
	}
	if !ok {
		progressTotal.WithLabelValues("ignored").Inc()
		r.logger.Debug("progress ignored, task not running",
			"task_id", lease.TaskID, "worker_id", holder.ID())
		return nil
	}
	progressTotal.WithLabelValues("applied").Inc()

	r.Notify(model.TaskEvent{
		Kind:      model.EventProgress,
		TaskID:    lease.TaskID,
		UserID:    lease.UserID,
		ReqID:     lease.ReqID,
		Status:    model.StatusRunning,
		Progress:  p.Progress,
		Stage:     p.Stage,
		StageName: p.StageName,
		Message:   p.Message,
		At:        r.now(),
	})
	return nil
}

// OnResult records a task's outcome, releases its lease and notifies the
// owner. The lease is released even when the store write fails.
func (r *Relay) OnResult(ctx context.Context, holder LeaseHolder, lease model.TaskLease, res protocol.Result) error {
	ctx, span := telemetry.StartSpan(ctx, "relay.result",
		attribute.Int64("task_id", lease.TaskID),
		attribute.String("worker_id", holder.ID()),
		attribute.Bool("success", res.Success),
	)
	defer span.End()

	var (
		applied bool
		err     error
		ev      = model.TaskEvent{
			TaskID:     lease.TaskID,
			UserID:     lease.UserID,
			ReqID:      lease.ReqID,
			DurationMS: res.DurationMS,
		}
	)
	if res.Success {
		applied, err = r.store.MarkCompleted(ctx, lease.TaskID, model.Completion{
			ResultJSON: res.ResultJSON,
			BarCount:   res.BarCount,
			TradeCount: res.TradeCount,
			DurationMS: res.DurationMS,
		})
		ev.Kind, ev.Status, ev.Progress, ev.ResultJSON = model.EventCompleted, model.StatusCompleted, 1, res.ResultJSON
	} else {
		msg := res.ErrorMessage
		if msg == "" {
			msg = defaultFailureMessage
		}
		applied, err = r.store.MarkFailed(ctx, lease.TaskID, msg, res.DurationMS)
		ev.Kind, ev.Status, ev.ErrorMessage = model.EventFailed, model.StatusFailed, msg
	}

	holder.Complete(lease.TaskID)

	if err != nil {
		span.RecordError(err)
		resultsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("record result: %w", err)
	}
	if !applied {
		resultsTotal.WithLabelValues("ignored").Inc()
		r.logger.Debug("result ignored, task not running",
			"task_id", lease.TaskID, "worker_id", holder.ID(), "lease_id", lease.LeaseID)
		return nil
	}
	resultsTotal.WithLabelValues(ev.Status).Inc()
	r.logger.Info("task finished",
		"task_id", lease.TaskID, "worker_id", holder.ID(), "status", ev.Status,
		"duration_ms", res.DurationMS)

	ev.At = r.now()
	r.Notify(ev)
	return nil
}

// Notify queues ev for publication without blocking. Events are dropped when
// the queue is full.
func (r *Relay) Notify(ev model.TaskEvent) {
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	if err := r.queue.TryPublish(ev); err != nil {
		eventsDropped.Inc()
		r.logger.Warn("task event dropped", "task_id", ev.TaskID, "kind", ev.Kind, "error", err)
	}
}

// Run subscribes the hub to the bus and publishes queued events until ctx is
// done.
func (r *Relay) Run(ctx context.Context) error {
	unsub, err := r.bus.Subscribe(ctx, bus.TopicTaskEvents, r.deliver)
	if err != nil {
		return fmt.Errorf("subscribe task events: %w", err)
	}
	defer unsub()

	r.queue.Run(ctx, func(ev model.TaskEvent) { r.publish(ctx, ev) })
	return nil
}

func (r *Relay) publish(ctx context.Context, ev model.TaskEvent) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		r.logger.Error("encode task event", "task_id", ev.TaskID, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, bus.TopicTaskEvents, data); err != nil {
		eventsDropped.Inc()
		r.logger.Warn("publish task event", "task_id", ev.TaskID, "error", err)
		return
	}
	eventsPublished.WithLabelValues(ev.Kind).Inc()
}

func (r *Relay) deliver(payload []byte) {
	var ev model.TaskEvent
	if err := sonic.Unmarshal(payload, &ev); err != nil {
		r.logger.Warn("decode task event", "error", err)
		return
	}
	r.hub.Deliver(ev)
}
