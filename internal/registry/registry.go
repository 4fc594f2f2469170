// Package registry tracks connected backtest workers and the tasks leased to
// each of them. The registry lock only guards the session index; lease
// bookkeeping happens under each session's own lock.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/seantiz/backtestd/internal/model"
)

// Registry holds the live worker sessions of this scheduler node.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	seq      uint64
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for heartbeats and leases.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a session for workerID, replacing any existing one. The
// replaced session is returned (with its leases intact) so the caller can
// close it and recover its tasks.
func (r *Registry) Register(workerID, remoteAddr string, capacity model.WorkerCapacity, conn Conn) (*Session, *Session) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	s := &Session{
		id:            workerID,
		remoteAddr:    remoteAddr,
		conn:          conn,
		seq:           r.seq,
		registeredAt:  now,
		now:           r.now,
		capacity:      capacity.Normalize(),
		leases:        make(map[int64]model.TaskLease),
		lastHeartbeat: now,
	}
	replaced := r.sessions[workerID]
	r.sessions[workerID] = s
	workersConnected.Set(float64(len(r.sessions)))
	return s, replaced
}

// Get returns the current session for workerID.
func (r *Registry) Get(workerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[workerID]
	return s, ok
}

// Heartbeat refreshes the session's liveness. Unknown workers are ignored.
func (r *Registry) Heartbeat(workerID string, runningTasks int) bool {
	s, ok := r.Get(workerID)
	if !ok {
		return false
	}
	s.heartbeat(runningTasks)
	return true
}

// UpdateCapacity replaces the declared capacity of a registered worker.
func (r *Registry) UpdateCapacity(workerID string, capacity model.WorkerCapacity) bool {
	s, ok := r.Get(workerID)
	if !ok {
		return false
	}
	s.setCapacity(capacity)
	return true
}

// TryAssignTask records lease on the worker if it has a free slot.
func (r *Registry) TryAssignTask(workerID string, lease model.TaskLease) bool {
	s, ok := r.Get(workerID)
	if !ok {
		return false
	}
	return s.TryAssign(lease)
}

// CompleteTask releases the worker's lease on taskID.
func (r *Registry) CompleteTask(workerID string, taskID int64) bool {
	s, ok := r.Get(workerID)
	if !ok {
		return false
	}
	return s.Complete(taskID)
}

// Lease returns the worker's lease on taskID.
func (r *Registry) Lease(workerID string, taskID int64) (model.TaskLease, bool) {
	s, ok := r.Get(workerID)
	if !ok {
		return model.TaskLease{}, false
	}
	return s.Lease(taskID)
}

// SnapshotLeases returns a copy of the worker's leases, or nil if unknown.
func (r *Registry) SnapshotLeases(workerID string) []model.TaskLease {
	s, ok := r.Get(workerID)
	if !ok {
		return nil
	}
	return s.Leases()
}

// ListSessions returns all sessions in registration order.
func (r *Registry) ListSessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// List returns session snapshots in registration order.
func (r *Registry) List() []SessionInfo {
	sessions := r.ListSessions()
	infos := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	return infos
}

// Remove drops s from the index if it is still the current session for its
// worker. A newer session registered under the same id is left alone.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.id]; !ok || cur != s {
		return false
	}
	delete(r.sessions, s.id)
	workersConnected.Set(float64(len(r.sessions)))
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close closes every session and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	workersConnected.Set(0)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
