package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/seantiz/backtestd/internal/backoff"
	"github.com/seantiz/backtestd/internal/model"
	"github.com/seantiz/backtestd/internal/protocol"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultDialTimeout       = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	// URL is the scheduler's worker endpoint, e.g. ws://host:8080/v1/workers/connect.
	URL               string
	WorkerID          string
	Capacity          model.WorkerCapacity
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	Backoff           backoff.Policy
}

// Client is a long-running worker connection with automatic reconnect.
type Client struct {
	cfg     Config
	runner  Runner
	logger  *slog.Logger
	dialer  *websocket.Dialer
	running atomic.Int64
}

// NewClient creates a worker client. A missing WorkerID gets a random one.
func NewClient(cfg Config, runner Runner, logger *slog.Logger) *Client {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}
	if cfg.Capacity.Version == "" {
		cfg.Capacity.Version = runtime.Version()
	}
	cfg.Capacity = cfg.Capacity.Normalize()

	return &Client{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("worker_id", cfg.WorkerID),
		dialer: &websocket.Dialer{HandshakeTimeout: DefaultDialTimeout},
	}
}

// ID returns the worker id sent on registration.
func (c *Client) ID() string { return c.cfg.WorkerID }

// Running returns the number of tasks currently executing.
func (c *Client) Running() int { return int(c.running.Load()) }

// Run connects and serves tasks, reconnecting with backoff, until ctx is
// done.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if registered {
			attempt = 0
		}
		attempt++
		wait := c.cfg.Backoff.Next(attempt)
		c.logger.Warn("scheduler connection lost, reconnecting",
			"error", err, "attempt", attempt, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection. It reports whether registration succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	ws.SetReadLimit(protocol.MaxMessageSize)
	out := &sender{ws: ws, timeout: c.cfg.WriteTimeout}

	ctx, cancel := context.WithCancel(ctx)
	var jobs sync.WaitGroup
	defer func() {
		cancel()
		ws.Close()
		jobs.Wait()
	}()

	if err := out.send(protocol.NewRegister(c.cfg.WorkerID, c.cfg.Capacity)); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	c.logger.Info("registered with scheduler",
		"url", c.cfg.URL, "max_parallel_tasks", c.cfg.Capacity.MaxParallelTasks)

	go func() {
		<-ctx.Done()
		ws.Close()
	}()
	go c.heartbeat(ctx, out)

	slots := make(chan struct{}, c.cfg.Capacity.MaxParallelTasks)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed scheduler message", "error", err)
			continue
		}
		if env.Type != protocol.TypeExecute {
			c.logger.Debug("ignoring scheduler message", "type", env.Type)
			continue
		}

		task := Task{
			ID:          env.TaskID,
			UserID:      env.Execute.UserID,
			ReqID:       env.Execute.ReqID,
			LeaseID:     env.Execute.LeaseID,
			RequestJSON: env.Execute.RequestJSON,
		}
		jobs.Go(func() {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-slots }()
			c.execute(ctx, out, task)
		})
	}
}

func (c *Client) execute(ctx context.Context, out *sender, task Task) {
	c.running.Add(1)
	defer c.running.Add(-1)

	logger := c.logger.With("task_id", task.ID, "lease_id", task.LeaseID)
	logger.Info("backtest started")

	report := func(p protocol.Progress) {
		if err := out.send(protocol.NewProgress(task.ID, p)); err != nil {
			logger.Debug("send progress failed", "error", err)
		}
	}
	res := c.runner.Run(ctx, task, report)
	if ctx.Err() != nil {
		// The scheduler recovers tasks of a dropped connection; a result
		// sent now would go nowhere.
		logger.Warn("backtest abandoned, connection closed")
		return
	}

	err := out.send(protocol.NewResult(task.ID, res))
	if errors.Is(err, protocol.ErrTooLarge) {
		logger.Warn("result too large to send, reporting failure",
			"result_bytes", len(res.ResultJSON), "limit", protocol.MaxMessageSize)
		res = protocol.Result{
			ErrorMessage: fmt.Sprintf("result of %d bytes exceeds the %d byte message limit",
				len(res.ResultJSON), protocol.MaxMessageSize),
			DurationMS: res.DurationMS,
			BarCount:   res.BarCount,
			TradeCount: res.TradeCount,
		}
		err = out.send(protocol.NewResult(task.ID, res))
	}
	if err != nil {
		logger.Error("send result failed", "error", err)
		return
	}
	logger.Info("backtest finished", "success", res.Success, "duration_ms", res.DurationMS)
}

func (c *Client) heartbeat(ctx context.Context, out *sender) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := out.send(protocol.NewHeartbeat(c.cfg.WorkerID, c.Running())); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug("send heartbeat failed", "error", err)
				}
				return
			}
		}
	}
}

// sender serializes writes on the connection.
type sender struct {
	mu      sync.Mutex
	ws      *websocket.Conn
	timeout time.Duration
}

func (s *sender) send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}
