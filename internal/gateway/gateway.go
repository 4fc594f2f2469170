// Package gateway accepts worker connections over WebSocket, registers them
// with the registry and routes their reports to the relay.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/backtestd/internal/protocol"
	"github.com/seantiz/backtestd/internal/registry"
	"github.com/seantiz/backtestd/internal/relay"
)

// Default timeouts.
const (
	DefaultWriteTimeout    = 10 * time.Second
	DefaultRegisterTimeout = 10 * time.Second
)

// Recoverer reclaims the tasks leased to a session that has been replaced.
type Recoverer interface {
	RecoverSession(ctx context.Context, s *registry.Session)
}

// Config holds the gateway's connection limits.
type Config struct {
	WriteTimeout      time.Duration
	RegisterTimeout   time.Duration
	MaxMessageSize    int64
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = DefaultRegisterTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = protocol.MaxMessageSize
	}
	return c
}

// Gateway is the worker-facing WebSocket endpoint.
type Gateway struct {
	registry  *registry.Registry
	relay     *relay.Relay
	recoverer Recoverer
	logger    *slog.Logger
	cfg       Config
	upgrader  websocket.Upgrader
}

// New creates a gateway. recoverer may be nil, in which case replaced
// sessions are only closed.
func New(reg *registry.Registry, r *relay.Relay, recoverer Recoverer, cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry:  reg,
		relay:     r,
		recoverer: recoverer,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// Workers are not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and serves the worker until it disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		connectionsTotal.WithLabelValues("upgrade_failed").Inc()
		g.logger.Warn("worker upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	g.serve(r.Context(), ws, r.RemoteAddr)
}

func (g *Gateway) serve(ctx context.Context, ws *websocket.Conn, remoteAddr string) {
	p := newPeer(ws, g.cfg.WriteTimeout)
	ws.SetReadLimit(g.cfg.MaxMessageSize)

	_ = ws.SetReadDeadline(time.Now().Add(g.cfg.RegisterTimeout))
	env, err := g.readEnvelope(ws)
	if err != nil {
		connectionsTotal.WithLabelValues("rejected").Inc()
		g.logger.Warn("worker did not register", "remote_addr", remoteAddr, "error", err)
		p.Close()
		return
	}
	if env.Type != protocol.TypeRegister {
		connectionsTotal.WithLabelValues("rejected").Inc()
		g.logger.Warn("first worker message must be register",
			"remote_addr", remoteAddr, "type", env.Type)
		p.Close()
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	sess, replaced := g.registry.Register(env.WorkerID, remoteAddr, env.Register.Capacity(), p)
	connectionsTotal.WithLabelValues("registered").Inc()
	g.logger.Info("worker registered",
		"worker_id", sess.ID(),
		"remote_addr", remoteAddr,
		"max_parallel_tasks", sess.Capacity().MaxParallelTasks,
		"version", env.Register.Version,
	)

	if replaced != nil {
		g.logger.Warn("worker re-registered, replacing previous session",
			"worker_id", sess.ID(), "previous_addr", replaced.RemoteAddr(),
			"leases", replaced.RunningCount())
		if g.recoverer != nil {
			g.recoverer.RecoverSession(ctx, replaced)
		} else {
			replaced.Close()
		}
	}

	defer func() {
		sess.Close()
		g.logger.Info("worker disconnected",
			"worker_id", sess.ID(), "remote_addr", remoteAddr, "leases", sess.RunningCount())
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !isClosure(err) {
				g.logger.Warn("worker read failed", "worker_id", sess.ID(), "error", err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			messagesTotal.WithLabelValues("unknown", "malformed").Inc()
			g.logger.Warn("dropping malformed worker message", "worker_id", sess.ID(), "error", err)
			continue
		}
		g.handle(ctx, sess, env)
	}
}

func (g *Gateway) handle(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		g.onHeartbeat(sess, env.Heartbeat)

	case protocol.TypeRegister:
		if !g.current(sess) {
			messagesTotal.WithLabelValues(env.Type, "stale").Inc()
			return
		}
		g.registry.UpdateCapacity(sess.ID(), env.Register.Capacity())
		messagesTotal.WithLabelValues(env.Type, "applied").Inc()
		g.logger.Info("worker capacity updated",
			"worker_id", sess.ID(), "max_parallel_tasks", sess.Capacity().MaxParallelTasks)

	case protocol.TypeProgress:
		lease, ok := sess.Lease(env.TaskID)
		if !ok {
			messagesTotal.WithLabelValues(env.Type, "no_lease").Inc()
			g.logger.Debug("progress for task not leased to worker",
				"worker_id", sess.ID(), "task_id", env.TaskID)
			return
		}
		if err := g.relay.OnProgress(ctx, sess, lease, *env.Progress); err != nil {
			messagesTotal.WithLabelValues(env.Type, "error").Inc()
			g.logger.Error("relay progress", "worker_id", sess.ID(), "task_id", env.TaskID, "error", err)
			return
		}
		messagesTotal.WithLabelValues(env.Type, "applied").Inc()

	case protocol.TypeResult:
		lease, ok := sess.Lease(env.TaskID)
		if !ok {
			messagesTotal.WithLabelValues(env.Type, "no_lease").Inc()
			g.logger.Warn("result for task not leased to worker",
				"worker_id", sess.ID(), "task_id", env.TaskID)
			return
		}
		if err := g.relay.OnResult(ctx, sess, lease, *env.Result); err != nil {
			messagesTotal.WithLabelValues(env.Type, "error").Inc()
			g.logger.Error("relay result", "worker_id", sess.ID(), "task_id", env.TaskID, "error", err)
			return
		}
		messagesTotal.WithLabelValues(env.Type, "applied").Inc()

	default:
		messagesTotal.WithLabelValues(env.Type, "unexpected").Inc()
		g.logger.Warn("unexpected message from worker", "worker_id", sess.ID(), "type", env.Type)
	}
}

func (g *Gateway) onHeartbeat(sess *registry.Session, hb *protocol.Heartbeat) {
	if !g.current(sess) {
		messagesTotal.WithLabelValues(protocol.TypeHeartbeat, "stale").Inc()
		return
	}
	gap := time.Since(sess.LastHeartbeat())
	g.registry.Heartbeat(sess.ID(), hb.RunningTasks)
	messagesTotal.WithLabelValues(protocol.TypeHeartbeat, "applied").Inc()

	if g.cfg.HeartbeatInterval > 0 && gap > 2*g.cfg.HeartbeatInterval {
		g.logger.Warn("worker heartbeat late",
			"worker_id", sess.ID(), "gap", gap.Round(time.Millisecond), "interval", g.cfg.HeartbeatInterval)
	}
	if held := sess.RunningCount(); held != hb.RunningTasks {
		g.logger.Debug("worker running count differs from leases",
			"worker_id", sess.ID(), "reported", hb.RunningTasks, "leases", held)
	}
}

// current reports whether sess is still the registered session for its
// worker id. Messages from a replaced connection must not touch the new one.
func (g *Gateway) current(sess *registry.Session) bool {
	cur, ok := g.registry.Get(sess.ID())
	return ok && cur == sess
}

func (g *Gateway) readEnvelope(ws *websocket.Conn) (*protocol.Envelope, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func isClosure(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
