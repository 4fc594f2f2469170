package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/backtestd/internal/model"
)

// runContract exercises the behaviour every Store implementation must share.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"InsertValidation", testInsertValidation},
		{"GetNotFound", testGetNotFound},
		{"DequeueFIFO", testDequeueFIFO},
		{"DequeueEmpty", testDequeueEmpty},
		{"MarkRunningOnce", testMarkRunningOnce},
		{"MarkRunningConcurrent", testMarkRunningConcurrent},
		{"ProgressOnlyWhileRunning", testProgressOnlyWhileRunning},
		{"MarkCompletedIdempotent", testMarkCompletedIdempotent},
		{"MarkFailed", testMarkFailed},
		{"TerminalWriteAfterCancel", testTerminalWriteAfterCancel},
		{"CancelOwnership", testCancelOwnership},
		{"RequeueClearsStart", testRequeueClearsStart},
		{"RunningByNode", testRunningByNode},
		{"TransitionsFollowModel", testTransitionsFollowModel},
		{"Counts", testCounts},
		{"ListByUser", testListByUser},
		{"ListByStatus", testListByStatus},
		{"Stats", testStats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func makeTestTask(userID int64) *model.BacktestTask {
	return &model.BacktestTask{
		UserID:      userID,
		ReqID:       "req-1",
		RequestJSON: `{"exchange":"binance","timeframe":"1h","symbols":["BTCUSDT"]}`,
		Exchange:    "binance",
		Timeframe:   "1h",
		Symbols:     []string{"BTCUSDT"},
	}
}

func insertTask(t *testing.T, s Store, task *model.BacktestTask) int64 {
	t.Helper()
	id, err := s.InsertTask(context.Background(), task)
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	return id
}

func mustGet(t *testing.T, s Store, id int64) *model.BacktestTask {
	t.Helper()
	got, err := s.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%d): %v", id, err)
	}
	return got
}

const testNode = "node-1"

func claim(t *testing.T, s Store, id int64) {
	t.Helper()
	ok, err := s.MarkRunning(context.Background(), id, testNode)
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if !ok {
		t.Fatalf("MarkRunning(%d) = false, want true", id)
	}
}

func testInsertAndGet(t *testing.T, s Store) {
	task := makeTestTask(7)
	id := insertTask(t, s, task)
	if id <= 0 {
		t.Fatalf("id = %d, want > 0", id)
	}
	if task.ID != id {
		t.Errorf("task.ID = %d, want %d", task.ID, id)
	}

	got := mustGet(t, s, id)
	if got.Status != model.StatusQueued {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusQueued)
	}
	if got.UserID != 7 {
		t.Errorf("UserID = %d, want 7", got.UserID)
	}
	if got.ReqID != "req-1" {
		t.Errorf("ReqID = %q, want %q", got.ReqID, "req-1")
	}
	if got.RequestJSON != task.RequestJSON {
		t.Errorf("RequestJSON = %q, want %q", got.RequestJSON, task.RequestJSON)
	}
	if got.Exchange != "binance" || got.Timeframe != "1h" {
		t.Errorf("Exchange/Timeframe = %q/%q, want binance/1h", got.Exchange, got.Timeframe)
	}
	if len(got.Symbols) != 1 || got.Symbols[0] != "BTCUSDT" {
		t.Errorf("Symbols = %v, want [BTCUSDT]", got.Symbols)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("StartedAt/CompletedAt = %v/%v, want nil", got.StartedAt, got.CompletedAt)
	}
}

func testInsertValidation(t *testing.T, s Store) {
	ctx := context.Background()

	noUser := makeTestTask(0)
	if _, err := s.InsertTask(ctx, noUser); !errors.Is(err, model.ErrValidation) {
		t.Errorf("InsertTask without user error = %v, want ErrValidation", err)
	}

	noRequest := makeTestTask(1)
	noRequest.RequestJSON = ""
	if _, err := s.InsertTask(ctx, noRequest); !errors.Is(err, model.ErrValidation) {
		t.Errorf("InsertTask without request error = %v, want ErrValidation", err)
	}
}

func testGetNotFound(t *testing.T, s Store) {
	_, err := s.GetTask(context.Background(), 424242)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func testDequeueFIFO(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	var ids []int64
	for i := 0; i < 3; i++ {
		task := makeTestTask(1)
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		ids = append(ids, insertTask(t, s, task))
	}

	for _, want := range ids {
		got, err := s.DequeueOldestQueued(ctx)
		if err != nil {
			t.Fatalf("DequeueOldestQueued: %v", err)
		}
		if got == nil {
			t.Fatalf("DequeueOldestQueued = nil, want task %d", want)
		}
		if got.ID != want {
			t.Errorf("dequeued %d, want %d", got.ID, want)
		}
		claim(t, s, got.ID)
	}
}

func testDequeueEmpty(t *testing.T, s Store) {
	got, err := s.DequeueOldestQueued(context.Background())
	if err != nil {
		t.Fatalf("DequeueOldestQueued: %v", err)
	}
	if got != nil {
		t.Errorf("DequeueOldestQueued = %+v, want nil", got)
	}
}

func testMarkRunningOnce(t *testing.T, s Store) {
	ctx := context.Background()
	id := insertTask(t, s, makeTestTask(1))

	claim(t, s, id)
	ok, err := s.MarkRunning(ctx, id, "node-2")
	if err != nil {
		t.Fatalf("second MarkRunning: %v", err)
	}
	if ok {
		t.Error("second MarkRunning = true, want false")
	}

	got := mustGet(t, s, id)
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusRunning)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil after MarkRunning")
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.NodeID != testNode {
		t.Errorf("NodeID = %q, want %q", got.NodeID, testNode)
	}
}

func testMarkRunningConcurrent(t *testing.T, s Store) {
	ctx := context.Background()
	id := insertTask(t, s, makeTestTask(1))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Go(func() {
			ok, err := s.MarkRunning(ctx, id, testNode)
			if err != nil {
				t.Errorf("MarkRunning: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		})
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("MarkRunning winners = %d, want 1", wins.Load())
	}
}

func testProgressOnlyWhileRunning(t *testing.T, s Store) {
	ctx := context.Background()
	id := insertTask(t, s, makeTestTask(1))
	update := model.ProgressUpdate{Progress: 0.4, Stage: "load", StageName: "Loading bars", Message: "40%"}

	ok, err := s.UpdateProgress(ctx, id, update)
	if err != nil {
		t.Fatalf("UpdateProgress queued: %v", err)
	}
	if ok {
		t.Error("UpdateProgress on queued task = true, want false")
	}

	claim(t, s, id)
	if ok, err := s.UpdateProgress(ctx, id, update); err != nil || !ok {
		t.Fatalf("UpdateProgress running = %v, %v; want true, nil", ok, err)
	}
	update.Progress = 0.7
	update.Message = "70%"
	if ok, err := s.UpdateProgress(ctx, id, update); err != nil || !ok {
		t.Fatalf("UpdateProgress running = %v, %v; want true, nil", ok, err)
	}

	got := mustGet(t, s, id)
	if got.Progress != 0.7 {
		t.Errorf("Progress = %f, want 0.7", got.Progress)
	}
	if got.Stage != "load" || got.StageName != "Loading bars" || got.Message != "70%" {
		t.Errorf("stage fields = %q/%q/%q", got.Stage, got.StageName, got.Message)
	}
}

func testMarkCompletedIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	id := insertTask(t, s, makeTestTask(1))
	claim(t, s, id)

	c := model.Completion{ResultJSON: `{"pnl":12.5}`, BarCount: 100, TradeCount: 9, DurationMS: 1500}
	ok, err := s.MarkCompleted(ctx, id, c)
	if err != nil || !ok {
		t.Fatalf("MarkCompleted = %v, %v; want true, nil", ok, err)
	}
	first := mustGet(t, s, id)

	c2 := c
	c2.TradeCount = 99
	ok, err = s.MarkCompleted(ctx, id, c2)
	if err != nil {
		t.Fatalf("second MarkCompleted: %v", err)
	}
	if ok {
		t.Error("second MarkCompleted = true, want false")
	}

	got := mustGet(t, s, id)
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if got.Progress != 1 {
		t.Errorf("Progress = %f, want 1", got.Progress)
	}
	if got.ResultJSON != `{"pnl":12.5}` {
		t.Errorf("ResultJSON = %q", got.ResultJSON)
	}
	if got.TradeCount != 9 || got.BarCount != 100 || got.DurationMS != 1500 {
		t.Errorf("counters = %d/%d/%d, want 100/9/1500", got.BarCount, got.TradeCount, got.DurationMS)
	}
	if got.CompletedAt == nil || first.CompletedAt == nil || !got.CompletedAt.Equal(*first.CompletedAt) {
		t.Errorf("CompletedAt changed: first %v, now %v", first.CompletedAt, got.CompletedAt)
	}
}

func testMarkFailed(t *testing.T, s Store) {
	ctx := context.Background()
	id := insertTask(t, s, makeTestTask(1))

	if ok, _ := s.MarkFailed(ctx, id, "boom", 10); ok {
		t.Error("MarkFailed on queued task = true, want false")
	}

	claim(t, s, id)
	ok, err := s.MarkFailed(ctx, id, "strategy panicked", 250)
	if err != nil || !ok {
		t.Fatalf("MarkFailed = %v, %v; want true, nil", ok, err)
	}

	got := mustGet(t, s, id)
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusFailed)
	}
	if got.ErrorMessage != "strategy panicked" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt is nil after MarkFailed")
	}

	if ok, _ := s.MarkCompleted(ctx, id, model.Completion{ResultJSON: "{}"}); ok {
		t.Error("MarkCompleted after failure = true, want false")
	}
}

func testTerminalWriteAfterCancel(t *testing.T, s Store) {
	ctx := context.Background()
	id := insertTask(t, s, makeTestTask(5))
	claim(t, s, id)

	ok, err := s.Cancel(ctx, id, 5)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v; want true, nil", ok, err)
	}

	if ok, err := s.MarkCompleted(ctx, id, model.Completion{ResultJSON: "{}"}); err != nil || ok {
		t.Errorf("MarkCompleted after cancel = %v, %v; want false, nil", ok, err)
	}
	if ok, err := s.MarkFailed(ctx, id, "late", 1); err != nil || ok {
		t.Errorf("MarkFailed after cancel = %v, %v; want false, nil", ok, err)
	}

	got := mustGet(t, s, id)
	if got.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCancelled)
	}
}

func testCancelOwnership(t *testing.T, s Store) {
	ctx := context.Background()
	id := insertTask(t, s, makeTestTask(5))

	ok, err := s.Cancel(ctx, id, 6)
	if err != nil {
		t.Fatalf("Cancel other user: %v", err)
	}
	if ok {
		t.Error("Cancel by other user = true, want false")
	}

	if ok, err := s.Cancel(ctx, id, 5); err != nil || !ok {
		t.Fatalf("Cancel owner = %v, %v; want true, nil", ok, err)
	}
	if ok, _ := s.Cancel(ctx, id, 5); ok {
		t.Error("second Cancel = true, want false")
	}

	got := mustGet(t, s, id)
	if got.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCancelled)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt is nil after Cancel")
	}
}

func testRequeueClearsStart(t *testing.T, s Store) {
	ctx := context.Background()
	id := insertTask(t, s, makeTestTask(1))

	if ok, _ := s.Requeue(ctx, id); ok {
		t.Error("Requeue on queued task = true, want false")
	}

	claim(t, s, id)
	if _, err := s.UpdateProgress(ctx, id, model.ProgressUpdate{Progress: 0.5, Stage: "sim"}); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	ok, err := s.Requeue(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Requeue = %v, %v; want true, nil", ok, err)
	}

	got := mustGet(t, s, id)
	if got.Status != model.StatusQueued {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusQueued)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", got.StartedAt)
	}
	if got.Progress != 0 || got.Stage != "" {
		t.Errorf("progress not reset: %f %q", got.Progress, got.Stage)
	}
	if got.NodeID != "" {
		t.Errorf("NodeID = %q, want empty after requeue", got.NodeID)
	}

	claim(t, s, id)
	if got := mustGet(t, s, id); got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
}

func testRunningByNode(t *testing.T, s Store) {
	ctx := context.Background()
	mine := insertTask(t, s, makeTestTask(1))
	theirs := insertTask(t, s, makeTestTask(1))
	insertTask(t, s, makeTestTask(1)) // stays queued

	claim(t, s, mine)
	if ok, err := s.MarkRunning(ctx, theirs, "node-2"); err != nil || !ok {
		t.Fatalf("MarkRunning(node-2) = %v, %v; want true, nil", ok, err)
	}

	got, err := s.ListRunningByNode(ctx, testNode, 10)
	if err != nil {
		t.Fatalf("ListRunningByNode: %v", err)
	}
	if len(got) != 1 || got[0].ID != mine {
		t.Fatalf("ListRunningByNode(%q) = %v, want only task %d", testNode, got, mine)
	}

	if _, err := s.MarkCompleted(ctx, mine, model.Completion{ResultJSON: "{}"}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, err = s.ListRunningByNode(ctx, testNode, 10)
	if err != nil {
		t.Fatalf("ListRunningByNode: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListRunningByNode after completion = %d tasks, want 0", len(got))
	}
}

// testTransitionsFollowModel drives one task through every write and checks
// each status change the store actually made against model.ValidTransition.
func testTransitionsFollowModel(t *testing.T, s Store) {
	ctx := context.Background()
	id := insertTask(t, s, makeTestTask(1))
	status := mustGet(t, s, id).Status

	steps := []struct {
		name  string
		write func() (bool, error)
	}{
		{"complete while queued", func() (bool, error) {
			return s.MarkCompleted(ctx, id, model.Completion{ResultJSON: "{}"})
		}},
		{"claim", func() (bool, error) { return s.MarkRunning(ctx, id, testNode) }},
		{"claim again", func() (bool, error) { return s.MarkRunning(ctx, id, testNode) }},
		{"requeue", func() (bool, error) { return s.Requeue(ctx, id) }},
		{"requeue while queued", func() (bool, error) { return s.Requeue(ctx, id) }},
		{"reclaim", func() (bool, error) { return s.MarkRunning(ctx, id, testNode) }},
		{"fail", func() (bool, error) { return s.MarkFailed(ctx, id, "boom", 1) }},
		{"cancel after fail", func() (bool, error) { return s.Cancel(ctx, id, 1) }},
		{"claim after fail", func() (bool, error) { return s.MarkRunning(ctx, id, testNode) }},
	}
	for _, st := range steps {
		changed, err := st.write()
		if err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		next := mustGet(t, s, id).Status
		if changed != (next != status) {
			t.Errorf("%s: changed = %v but status went %s -> %s", st.name, changed, status, next)
		}
		if changed && !model.ValidTransition(status, next) {
			t.Errorf("%s: store allowed %s -> %s", st.name, status, next)
		}
		status = next
	}
	if status != model.StatusFailed {
		t.Errorf("final status = %q, want failed", status)
	}
}

func testCounts(t *testing.T, s Store) {
	ctx := context.Background()
	a1 := insertTask(t, s, makeTestTask(1))
	insertTask(t, s, makeTestTask(1))
	b1 := insertTask(t, s, makeTestTask(2))
	done := insertTask(t, s, makeTestTask(1))

	claim(t, s, a1)
	claim(t, s, b1)
	claim(t, s, done)
	if _, err := s.MarkCompleted(ctx, done, model.Completion{ResultJSON: "{}"}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	if n, err := s.CountActiveByUser(ctx, 1); err != nil || n != 2 {
		t.Errorf("CountActiveByUser(1) = %d, %v; want 2", n, err)
	}
	if n, err := s.CountActiveByUser(ctx, 2); err != nil || n != 1 {
		t.Errorf("CountActiveByUser(2) = %d, %v; want 1", n, err)
	}
	if n, err := s.CountActiveGlobal(ctx); err != nil || n != 3 {
		t.Errorf("CountActiveGlobal = %d, %v; want 3", n, err)
	}
	if n, err := s.CountRunning(ctx); err != nil || n != 2 {
		t.Errorf("CountRunning = %d, %v; want 2", n, err)
	}
}

func testListByUser(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	var ids []int64
	for i := 0; i < 5; i++ {
		task := makeTestTask(3)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		ids = append(ids, insertTask(t, s, task))
	}
	insertTask(t, s, makeTestTask(4))

	tasks, total, err := s.ListTasksByUser(ctx, 3, 2, 0)
	if err != nil {
		t.Fatalf("ListTasksByUser: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(tasks))
	}
	if tasks[0].ID != ids[4] || tasks[1].ID != ids[3] {
		t.Errorf("order = [%d %d], want [%d %d]", tasks[0].ID, tasks[1].ID, ids[4], ids[3])
	}

	tasks, _, err = s.ListTasksByUser(ctx, 3, 10, 4)
	if err != nil {
		t.Fatalf("ListTasksByUser offset: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != ids[0] {
		t.Errorf("offset page = %v, want [%d]", tasks, ids[0])
	}
}

func testListByStatus(t *testing.T, s Store) {
	ctx := context.Background()
	a := insertTask(t, s, makeTestTask(1))
	insertTask(t, s, makeTestTask(1))
	claim(t, s, a)

	running, err := s.ListTasksByStatus(ctx, model.StatusRunning, 10)
	if err != nil {
		t.Fatalf("ListTasksByStatus: %v", err)
	}
	if len(running) != 1 || running[0].ID != a {
		t.Errorf("running = %v, want [%d]", running, a)
	}
}

func testStats(t *testing.T, s Store) {
	ctx := context.Background()
	for i, dur := range []int64{100, 200} {
		task := makeTestTask(int64(i + 1))
		id := insertTask(t, s, task)
		claim(t, s, id)
		if _, err := s.MarkCompleted(ctx, id, model.Completion{ResultJSON: "{}", DurationMS: dur}); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	}
	other := makeTestTask(9)
	other.Exchange = "okx"
	insertTask(t, s, other)

	stats, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 2 {
		t.Errorf("completed = %d, want 2", stats.CountByStatus[model.StatusCompleted])
	}
	if stats.CountByStatus[model.StatusQueued] != 1 {
		t.Errorf("queued = %d, want 1", stats.CountByStatus[model.StatusQueued])
	}
	if stats.CountByExchange["binance"] != 2 || stats.CountByExchange["okx"] != 1 {
		t.Errorf("by exchange = %v", stats.CountByExchange)
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
}
