package liveness_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/backtestd/internal/dispatch"
	"github.com/seantiz/backtestd/internal/liveness"
	"github.com/seantiz/backtestd/internal/model"
	"github.com/seantiz/backtestd/internal/registry"
	"github.com/seantiz/backtestd/internal/registry/registrytest"
	"github.com/seantiz/backtestd/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type events struct {
	mu  sync.Mutex
	evs []model.TaskEvent
}

func (e *events) Notify(ev model.TaskEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func (e *events) all() []model.TaskEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.TaskEvent(nil), e.evs...)
}

type fixture struct {
	store    store.Store
	registry *registry.Registry
	clock    *clock
	events   *events
	monitor  *liveness.Monitor
}

var testConfig = liveness.Config{
	HeartbeatInterval:   time.Second,
	HeartbeatMultiplier: 3,
	MaxAttempts:         2,
	NodeID:              "node-a",
}

func newFixture(t *testing.T, s store.Store) *fixture {
	t.Helper()
	if s == nil {
		sq, err := store.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { sq.Close() })
		s = sq
	}
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.WithClock(c.Now))
	ev := &events{}
	m := liveness.New(s, reg, ev, testConfig, slog.New(slog.NewJSONHandler(io.Discard, nil)), liveness.WithClock(c.Now))
	return &fixture{store: s, registry: reg, clock: c, events: ev, monitor: m}
}

// running inserts a task, claims it and leases it to sess.
func (f *fixture) running(t *testing.T, sess *registry.Session) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.InsertTask(ctx, &model.BacktestTask{UserID: 4, ReqID: "r", RequestJSON: "{}"})
	require.NoError(t, err)
	ok, err := f.store.MarkRunning(ctx, id, testConfig.NodeID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, sess.TryAssign(model.TaskLease{TaskID: id, UserID: 4, ReqID: "r"}))
	return id
}

func (f *fixture) status(t *testing.T, id int64) *model.BacktestTask {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestSweepLeavesHealthyWorkers(t *testing.T) {
	f := newFixture(t, nil)
	sess, _ := f.registry.Register("w1", "a", model.WorkerCapacity{MaxParallelTasks: 1}, registrytest.NewConn())
	id := f.running(t, sess)

	f.clock.Advance(2 * time.Second)
	f.registry.Heartbeat("w1", 1)
	f.clock.Advance(2 * time.Second)

	assert.Zero(t, f.monitor.Sweep(context.Background()))
	assert.False(t, sess.Closed())
	assert.Equal(t, model.StatusRunning, f.status(t, id).Status)
}

func TestSweepRequeuesTimedOutWorker(t *testing.T) {
	f := newFixture(t, nil)
	conn := registrytest.NewConn()
	sess, _ := f.registry.Register("w1", "a", model.WorkerCapacity{MaxParallelTasks: 2}, conn)
	id := f.running(t, sess)

	f.clock.Advance(4 * time.Second)
	assert.Equal(t, 1, f.monitor.Sweep(context.Background()))

	assert.True(t, conn.IsClosed())
	assert.Zero(t, f.registry.Len())
	assert.Zero(t, sess.RunningCount())

	task := f.status(t, id)
	assert.Equal(t, model.StatusQueued, task.Status)
	assert.Nil(t, task.StartedAt)

	evs := f.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventRequeued, evs[0].Kind)
	assert.Equal(t, id, evs[0].TaskID)
	assert.Equal(t, int64(4), evs[0].UserID)
}

func TestSweepRecoversDisconnectedWorker(t *testing.T) {
	f := newFixture(t, nil)
	sess, _ := f.registry.Register("w1", "a", model.WorkerCapacity{MaxParallelTasks: 1}, registrytest.NewConn())
	id := f.running(t, sess)
	sess.Close()

	assert.Equal(t, 1, f.monitor.Sweep(context.Background()))
	assert.Equal(t, model.StatusQueued, f.status(t, id).Status)
	assert.Zero(t, f.registry.Len())
}

func TestFinalAttemptFailsTask(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, _ := f.registry.Register("w1", "a", model.WorkerCapacity{MaxParallelTasks: 1}, registrytest.NewConn())
	id := f.running(t, sess)

	// Second run of the same task.
	sess.Close()
	f.monitor.Sweep(ctx)
	ok, err := f.store.MarkRunning(ctx, id, testConfig.NodeID)
	require.NoError(t, err)
	require.True(t, ok)
	sess2, _ := f.registry.Register("w2", "b", model.WorkerCapacity{MaxParallelTasks: 1}, registrytest.NewConn())
	require.True(t, sess2.TryAssign(model.TaskLease{TaskID: id, UserID: 4}))
	sess2.Close()

	f.monitor.Sweep(ctx)
	task := f.status(t, id)
	assert.Equal(t, model.StatusFailed, task.Status)
	assert.Equal(t, liveness.LostWorkerMessage, task.ErrorMessage)

	evs := f.events.all()
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventFailed, evs[1].Kind)
}

func TestTerminalTaskNotRequeued(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, _ := f.registry.Register("w1", "a", model.WorkerCapacity{MaxParallelTasks: 1}, registrytest.NewConn())
	id := f.running(t, sess)

	ok, err := f.store.Cancel(ctx, id, 4)
	require.NoError(t, err)
	require.True(t, ok)
	sess.Close()

	assert.Zero(t, f.monitor.Sweep(ctx))
	assert.Equal(t, model.StatusCancelled, f.status(t, id).Status)
	assert.Empty(t, f.events.all())
	assert.Zero(t, f.registry.Len())
}

func TestRecoverSessionLeavesReplacement(t *testing.T) {
	f := newFixture(t, nil)
	old, _ := f.registry.Register("w1", "a", model.WorkerCapacity{MaxParallelTasks: 1}, registrytest.NewConn())
	id := f.running(t, old)
	cur, replaced := f.registry.Register("w1", "b", model.WorkerCapacity{MaxParallelTasks: 1}, registrytest.NewConn())
	require.Same(t, old, replaced)

	f.monitor.RecoverSession(context.Background(), replaced)

	assert.True(t, old.Closed())
	assert.Equal(t, model.StatusQueued, f.status(t, id).Status)
	got, ok := f.registry.Get("w1")
	require.True(t, ok)
	assert.Same(t, cur, got)
	assert.False(t, cur.Closed())
}

type flakyStore struct {
	store.Store
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) Requeue(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return false, errors.New("database is locked")
	}
	return s.Store.Requeue(ctx, id)
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func TestStoreErrorRetriedNextSweep(t *testing.T) {
	sq, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	fs := &flakyStore{Store: sq, fail: true}

	f := newFixture(t, fs)
	ctx := context.Background()
	sess, _ := f.registry.Register("w1", "a", model.WorkerCapacity{MaxParallelTasks: 1}, registrytest.NewConn())
	id := f.running(t, sess)
	sess.Close()

	assert.Zero(t, f.monitor.Sweep(ctx))
	assert.Equal(t, 1, f.registry.Len(), "session kept until its leases are recovered")
	assert.Equal(t, 1, sess.RunningCount())

	fs.setFail(false)
	assert.Equal(t, 1, f.monitor.Sweep(ctx))
	assert.Zero(t, f.registry.Len())
	assert.Equal(t, model.StatusQueued, f.status(t, id).Status)
}

func TestRecoverOrphans(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var ids []int64
	for range 3 {
		id, err := f.store.InsertTask(ctx, &model.BacktestTask{UserID: 1, RequestJSON: "{}"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids[:2] {
		ok, err := f.store.MarkRunning(ctx, id, testConfig.NodeID)
		require.NoError(t, err)
		require.True(t, ok)
	}
	other, err := f.store.InsertTask(ctx, &model.BacktestTask{UserID: 1, RequestJSON: "{}"})
	require.NoError(t, err)
	ok, err := f.store.MarkRunning(ctx, other, "node-b")
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.monitor.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, id := range ids {
		assert.Equal(t, model.StatusQueued, f.status(t, id).Status)
	}
	assert.Equal(t, model.StatusRunning, f.status(t, other).Status, "another node's task is left alone")

	running, err := f.store.CountRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
}

func TestSweepRequeuesAllLeasesAndRedispatches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	w1, _ := f.registry.Register("w1", "a", model.WorkerCapacity{MaxParallelTasks: 2}, registrytest.NewConn())
	first := f.running(t, w1)
	second := f.running(t, w1)

	f.clock.Advance(2 * time.Second)
	conn2 := registrytest.NewConn()
	f.registry.Register("w2", "b", model.WorkerCapacity{MaxParallelTasks: 2}, conn2)
	f.clock.Advance(2 * time.Second)

	// w1 has been silent for 4s, w2 for 2s; the timeout is 3s.
	assert.Equal(t, 2, f.monitor.Sweep(ctx))
	assert.True(t, w1.Closed())
	for _, id := range []int64{first, second} {
		assert.Equal(t, model.StatusQueued, f.status(t, id).Status)
	}
	requeued := 0
	for _, ev := range f.events.all() {
		if ev.Kind == model.EventRequeued {
			requeued++
		}
	}
	assert.Equal(t, 2, requeued)

	d := dispatch.New(f.store, f.registry, dispatch.Config{NodeID: testConfig.NodeID}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	sent, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	var executed []int64
	for _, env := range conn2.Sent() {
		executed = append(executed, env.TaskID)
	}
	assert.ElementsMatch(t, []int64{first, second}, executed)
	for _, id := range []int64{first, second} {
		task := f.status(t, id)
		assert.Equal(t, model.StatusRunning, task.Status)
		assert.Equal(t, 2, task.Attempts)
	}
}

// openShared opens another store handle on the same SQLite file, standing in
// for a second scheduler process.
func openShared(t *testing.T, path string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecoverOrphansSkipsOtherNodes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")
	storeA := openShared(t, path)
	storeB := openShared(t, path)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	// Node A dispatches to a live worker.
	regA := registry.New()
	connA := registrytest.NewConn()
	w1, _ := regA.Register("w1", "a", model.WorkerCapacity{MaxParallelTasks: 2}, connA)
	dispA := dispatch.New(storeA, regA, dispatch.Config{NodeID: "node-a"}, logger)
	id, err := storeA.InsertTask(ctx, &model.BacktestTask{UserID: 1, RequestJSON: "{}"})
	require.NoError(t, err)
	sent, err := dispA.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	// Node B restarts and recovers its own orphans only.
	monB := liveness.New(storeB, registry.New(), &events{}, liveness.Config{NodeID: "node-b"}, logger)
	n, err := monB.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	task, err := storeA.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, task.Status)
	assert.Equal(t, "node-a", task.NodeID)

	sent, err = dispA.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, connA.Sent(), 1, "task not sent twice")
	assert.Equal(t, 1, w1.RunningCount())

	// Node A itself restarting does take the task back.
	monA := liveness.New(storeA, registry.New(), &events{}, liveness.Config{NodeID: "node-a"}, logger)
	n, err = monA.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	task, err = storeB.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, task.Status)
	assert.Equal(t, 1, task.Attempts)
}
