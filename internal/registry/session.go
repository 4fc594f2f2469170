package registry

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/backtestd/internal/model"
	"github.com/seantiz/backtestd/internal/protocol"
)

// ErrSessionClosed is returned when sending on a session whose connection is gone.
var ErrSessionClosed = errors.New("worker session closed")

// Conn is the outbound half of a worker connection.
type Conn interface {
	Send(env *protocol.Envelope) error
	Close() error
}

// Session is one connected worker. Its lease map is guarded by its own lock
// so lease bookkeeping for one worker never contends with another.
type Session struct {
	id           string
	remoteAddr   string
	conn         Conn
	seq          uint64
	registeredAt time.Time
	now          func() time.Time

	mu            sync.Mutex
	capacity      model.WorkerCapacity
	leases        map[int64]model.TaskLease
	lastHeartbeat time.Time
	reported      int
	closed        bool
}

// SessionInfo is a point-in-time view of a session for APIs and logs.
type SessionInfo struct {
	WorkerID      string               `json:"worker_id"`
	RemoteAddr    string               `json:"remote_addr"`
	Capacity      model.WorkerCapacity `json:"capacity"`
	Running       int                  `json:"running"`
	Reported      int                  `json:"reported_running"`
	TaskIDs       []int64              `json:"task_ids"`
	Connected     bool                 `json:"connected"`
	RegisteredAt  time.Time            `json:"registered_at"`
	LastHeartbeat time.Time            `json:"last_heartbeat"`
}

// ID returns the worker identity.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the worker's network address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Capacity returns the declared capacity.
func (s *Session) Capacity() model.WorkerCapacity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// LastHeartbeat returns the time of the last heartbeat or lease mutation.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// RunningCount returns the number of leases held.
func (s *Session) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

// Closed reports whether the connection has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Available reports whether the session is connected and has a free slot.
func (s *Session) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && len(s.leases) < s.capacity.MaxParallelTasks
}

// TryAssign records lease if there is room. Assigning a task the session
// already holds succeeds without changing anything.
func (s *Session) TryAssign(lease model.TaskLease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.leases[lease.TaskID]; ok {
		return true
	}
	if s.closed || len(s.leases) >= s.capacity.MaxParallelTasks {
		return false
	}
	s.leases[lease.TaskID] = lease
	s.lastHeartbeat = s.now()
	leasesActive.Inc()
	return true
}

// Complete releases the lease for taskID and reports whether it was held.
func (s *Session) Complete(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.leases[taskID]; !ok {
		return false
	}
	delete(s.leases, taskID)
	s.lastHeartbeat = s.now()
	leasesActive.Dec()
	return true
}

// Lease returns the lease for taskID if the session holds it.
func (s *Session) Lease(taskID int64) (model.TaskLease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[taskID]
	return l, ok
}

// Leases returns a copy of the held leases ordered by task id.
func (s *Session) Leases() []model.TaskLease {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.TaskLease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b model.TaskLease) int {
		switch {
		case a.TaskID < b.TaskID:
			return -1
		case a.TaskID > b.TaskID:
			return 1
		}
		return 0
	})
	return out
}

// Send writes a message to the worker.
func (s *Session) Send(env *protocol.Envelope) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	return s.conn.Send(env)
}

// Close marks the session disconnected and closes its connection. Leases are
// kept until they are recovered.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	leases := s.Leases()
	ids := make([]int64, len(leases))
	for i, l := range leases {
		ids[i] = l.TaskID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		WorkerID:      s.id,
		RemoteAddr:    s.remoteAddr,
		Capacity:      s.capacity,
		Running:       len(ids),
		Reported:      s.reported,
		TaskIDs:       ids,
		Connected:     !s.closed,
		RegisteredAt:  s.registeredAt,
		LastHeartbeat: s.lastHeartbeat,
	}
}

func (s *Session) heartbeat(reported int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = s.now()
	s.reported = reported
}

func (s *Session) setCapacity(c model.WorkerCapacity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = c.Normalize()
}
