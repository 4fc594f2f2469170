// Package store persists backtest tasks. Every state change is a conditional
// update guarded by the expected current status, so concurrent dispatchers and
// late worker reports cannot move a task backwards.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/backtestd/internal/model"
)

var (
	// ErrNotFound is returned when a task is not found.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a task status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskStats holds aggregate task statistics.
type TaskStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByExchange map[string]int `json:"count_by_exchange"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for backtest tasks.
//
// Mutating methods that return a bool report whether the conditional update
// applied. A false result with a nil error means the row was not in the
// expected state (or does not exist) and nothing changed.
type Store interface {
	InsertTask(ctx context.Context, t *model.BacktestTask) (int64, error)
	GetTask(ctx context.Context, id int64) (*model.BacktestTask, error)
	ListTasksByUser(ctx context.Context, userID int64, limit, offset int) ([]*model.BacktestTask, int, error)
	ListTasksByStatus(ctx context.Context, status string, limit int) ([]*model.BacktestTask, error)
	ListRunningByNode(ctx context.Context, nodeID string, limit int) ([]*model.BacktestTask, error)

	DequeueOldestQueued(ctx context.Context) (*model.BacktestTask, error)
	// MarkRunning records nodeID as the claiming scheduler node so startup
	// recovery on that node can find the rows it left running.
	MarkRunning(ctx context.Context, id int64, nodeID string) (bool, error)
	UpdateProgress(ctx context.Context, id int64, p model.ProgressUpdate) (bool, error)
	MarkCompleted(ctx context.Context, id int64, c model.Completion) (bool, error)
	MarkFailed(ctx context.Context, id int64, errMsg string, durationMS int64) (bool, error)
	Cancel(ctx context.Context, id, userID int64) (bool, error)
	Requeue(ctx context.Context, id int64) (bool, error)

	CountActiveByUser(ctx context.Context, userID int64) (int, error)
	CountActiveGlobal(ctx context.Context) (int, error)
	CountRunning(ctx context.Context) (int, error)
	CleanupExpired(ctx context.Context, retentionDays int) (int64, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)

	Close() error
}

// validateNew checks the fields InsertTask requires.
func validateNew(t *model.BacktestTask) error {
	if t.UserID <= 0 {
		return &model.ValidationError{Field: "user_id", Reason: "required"}
	}
	if t.RequestJSON == "" {
		return &model.ValidationError{Field: "request_json", Reason: "required"}
	}
	return nil
}
