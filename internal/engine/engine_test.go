package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/backtestd/internal/bus"
	"github.com/seantiz/backtestd/internal/model"
	"github.com/seantiz/backtestd/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	e := NewEngine(s, bus.NewMemoryBus(), opts, discardLogger())
	t.Cleanup(e.Shutdown)
	return e, s
}

func TestSubmitStoresSummary(t *testing.T) {
	e, s := newTestEngine(t, Options{})
	ctx := context.Background()

	task, err := e.Submit(ctx, SubmitRequest{
		UserID:      5,
		ReqID:       "req-1",
		RequestJSON: `{"exchange":"binance","timeframe":"1h","symbols":["BTCUSDT","ETHUSDT"],"strategy":{"fast":10}}`,
	})
	require.NoError(t, err)
	assert.Positive(t, task.ID)
	assert.Equal(t, model.StatusQueued, task.Status)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "binance", got.Exchange)
	assert.Equal(t, "1h", got.Timeframe)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, got.Symbols)
	assert.Equal(t, "req-1", got.ReqID)
}

func TestSubmitValidation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing user", SubmitRequest{RequestJSON: "{}"}},
		{"empty request", SubmitRequest{UserID: 1}},
		{"not an object", SubmitRequest{UserID: 1, RequestJSON: `[1,2]`}},
		{"broken json", SubmitRequest{UserID: 1, RequestJSON: `{"symbol":`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestSubmitUserQuota(t *testing.T) {
	e, _ := newTestEngine(t, Options{MaxActivePerUser: 2})
	ctx := context.Background()

	for range 2 {
		_, err := e.Submit(ctx, SubmitRequest{UserID: 1, RequestJSON: "{}"})
		require.NoError(t, err)
	}
	_, err := e.Submit(ctx, SubmitRequest{UserID: 1, RequestJSON: "{}"})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	var adm *AdmissionError
	require.True(t, errors.As(err, &adm))
	assert.Equal(t, "user", adm.Scope)
	assert.Equal(t, 2, adm.Limit)

	// Other users are unaffected.
	_, err = e.Submit(ctx, SubmitRequest{UserID: 2, RequestJSON: "{}"})
	assert.NoError(t, err)
}

func TestSubmitGlobalQuota(t *testing.T) {
	e, _ := newTestEngine(t, Options{MaxActiveGlobal: 1})
	ctx := context.Background()

	_, err := e.Submit(ctx, SubmitRequest{UserID: 1, RequestJSON: "{}"})
	require.NoError(t, err)
	_, err = e.Submit(ctx, SubmitRequest{UserID: 2, RequestJSON: "{}"})

	var adm *AdmissionError
	require.ErrorAs(t, err, &adm)
	assert.Equal(t, "global", adm.Scope)
}

func TestQuotaFreedByTerminalTasks(t *testing.T) {
	e, s := newTestEngine(t, Options{MaxActivePerUser: 1})
	ctx := context.Background()

	task, err := e.Submit(ctx, SubmitRequest{UserID: 1, RequestJSON: "{}"})
	require.NoError(t, err)
	_, err = e.Cancel(ctx, task.ID, 1)
	require.NoError(t, err)

	_, err = e.Submit(ctx, SubmitRequest{UserID: 1, RequestJSON: "{}"})
	assert.NoError(t, err)

	active, err := s.CountActiveByUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestCancel(t *testing.T) {
	e, s := newTestEngine(t, Options{})
	ctx := context.Background()

	task, err := e.Submit(ctx, SubmitRequest{UserID: 1, RequestJSON: "{}"})
	require.NoError(t, err)

	t.Run("other user", func(t *testing.T) {
		_, err := e.Cancel(ctx, task.ID, 2)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := e.Cancel(ctx, 9999, 1)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("running", func(t *testing.T) {
		ok, err := s.MarkRunning(ctx, task.ID, "node-test")
		require.NoError(t, err)
		require.True(t, ok)

		_, events, unsub := e.Hub().Subscribe(1, "")
		defer unsub()
		require.NoError(t, e.Start(ctx))

		got, err := e.Cancel(ctx, task.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)

		ev := <-events
		assert.Equal(t, model.EventCancelled, ev.Kind)
		assert.Equal(t, task.ID, ev.TaskID)
	})

	t.Run("already terminal", func(t *testing.T) {
		_, err := e.Cancel(ctx, task.ID, 1)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

func TestGetTaskOwnership(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	task, err := e.Submit(ctx, SubmitRequest{UserID: 3, RequestJSON: "{}"})
	require.NoError(t, err)

	_, err = e.GetTask(ctx, task.ID, 4)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := e.GetTask(ctx, task.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	got, err = e.GetTask(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.UserID)
}

func TestListTasksClampsLimit(t *testing.T) {
	e, _ := newTestEngine(t, Options{MaxActivePerUser: 100})
	ctx := context.Background()
	for range 3 {
		_, err := e.Submit(ctx, SubmitRequest{UserID: 1, RequestJSON: "{}"})
		require.NoError(t, err)
	}

	tasks, total, err := e.ListTasks(ctx, 1, 0, -5)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
	assert.Equal(t, 3, total)

	tasks, total, err = e.ListTasks(ctx, 1, 2, 2)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, 3, total)
}

func TestStartRecoversOrphans(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	id, err := s.InsertTask(ctx, &model.BacktestTask{UserID: 1, RequestJSON: "{}"})
	require.NoError(t, err)
	_, err = s.MarkRunning(ctx, id, "node-test")
	require.NoError(t, err)
	foreign, err := s.InsertTask(ctx, &model.BacktestTask{UserID: 1, RequestJSON: "{}"})
	require.NoError(t, err)
	_, err = s.MarkRunning(ctx, foreign, "node-other")
	require.NoError(t, err)

	e := NewEngine(s, bus.NewMemoryBus(), Options{NodeID: "node-test", RecoverOnStart: true}, discardLogger())
	require.NoError(t, e.Start(ctx))
	defer e.Shutdown()

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, task.Status)
	task, err = s.GetTask(ctx, foreign)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, task.Status)

	assert.Error(t, e.Start(ctx), "second start")
}

func TestNodeIDDefaultsToHostname(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := NewEngine(s, bus.NewMemoryBus(), Options{}, discardLogger())
	assert.Equal(t, defaultNodeID(), e.NodeID())
	assert.NotEmpty(t, e.NodeID())
}
