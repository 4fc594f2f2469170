package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/backtestd/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS backtest_tasks (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id       INTEGER NOT NULL,
    req_id        TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    progress      REAL NOT NULL DEFAULT 0,
    stage         TEXT NOT NULL DEFAULT '',
    stage_name    TEXT NOT NULL DEFAULT '',
    message       TEXT NOT NULL DEFAULT '',
    request_json  TEXT NOT NULL,
    result_json   TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    exchange      TEXT NOT NULL DEFAULT '',
    timeframe     TEXT NOT NULL DEFAULT '',
    symbols       TEXT NOT NULL DEFAULT '',
    bar_count     INTEGER NOT NULL DEFAULT 0,
    trade_count   INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    attempts      INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    completed_at  DATETIME,
    node_id       TEXT NOT NULL DEFAULT ''
)`

var migrations = []string{
	createTasksTable,
	`CREATE INDEX IF NOT EXISTS idx_backtest_tasks_user_status ON backtest_tasks (user_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_backtest_tasks_status_created ON backtest_tasks (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_backtest_tasks_status_node ON backtest_tasks (status, node_id)`,
}

const taskColumns = `id, user_id, req_id, status, progress, stage, stage_name, message,
	request_json, result_json, error_message, exchange, timeframe, symbols,
	bar_count, trade_count, duration_ms, attempts, node_id, created_at, started_at, completed_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer, and every ":memory:" connection is a
	// separate database, so the pool is pinned to one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate backtest_tasks: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertTask inserts a new queued task and returns its assigned id.
func (s *SQLiteStore) InsertTask(ctx context.Context, t *model.BacktestTask) (int64, error) {
	if err := validateNew(t); err != nil {
		return 0, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.Status = model.StatusQueued

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO backtest_tasks (
			user_id, req_id, status, request_json, exchange, timeframe, symbols, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.ReqID, t.Status, t.RequestJSON, t.Exchange, t.Timeframe,
		strings.Join(t.Symbols, ","), t.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read task id: %w", err)
	}
	t.ID = id
	return id, nil
}

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*model.BacktestTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM backtest_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasksByUser returns a user's tasks ordered newest first, along with the
// user's total task count.
func (s *SQLiteStore) ListTasksByUser(ctx context.Context, userID int64, limit, offset int) ([]*model.BacktestTask, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM backtest_tasks WHERE user_id = ?", userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM backtest_tasks
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ListTasksByStatus returns up to limit tasks in the given status, oldest first.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status string, limit int) ([]*model.BacktestTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM backtest_tasks
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListRunningByNode returns up to limit running tasks claimed by nodeID,
// oldest first.
func (s *SQLiteStore) ListRunningByNode(ctx context.Context, nodeID string, limit int) ([]*model.BacktestTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM backtest_tasks
		WHERE status = ? AND node_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		model.StatusRunning, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list running tasks by node: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// DequeueOldestQueued returns the oldest queued task without claiming it, or
// nil when the queue is empty. The caller claims it with MarkRunning.
func (s *SQLiteStore) DequeueOldestQueued(ctx context.Context) (*model.BacktestTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM backtest_tasks
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`, model.StatusQueued)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	return t, nil
}

// MarkRunning claims a queued task for the scheduler node nodeID.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id int64, nodeID string) (bool, error) {
	return s.execConditional(ctx, "mark running",
		`UPDATE backtest_tasks
		SET status = ?, started_at = ?, attempts = attempts + 1, node_id = ?,
			progress = 0, stage = '', stage_name = '', message = ''
		WHERE id = ? AND status = ?`,
		model.StatusRunning, s.now(), nodeID, id, model.StatusQueued,
	)
}

// UpdateProgress overwrites the progress fields of a running task.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id int64, p model.ProgressUpdate) (bool, error) {
	return s.execConditional(ctx, "update progress",
		`UPDATE backtest_tasks SET progress = ?, stage = ?, stage_name = ?, message = ?
		WHERE id = ? AND status = ?`,
		p.Progress, p.Stage, p.StageName, p.Message, id, model.StatusRunning,
	)
}

// MarkCompleted records a successful result. Only a running task completes,
// so repeating the call leaves the first completion untouched.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id int64, c model.Completion) (bool, error) {
	return s.execConditional(ctx, "mark completed",
		`UPDATE backtest_tasks
		SET status = ?, progress = 1, result_json = ?, bar_count = ?, trade_count = ?,
			duration_ms = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		model.StatusCompleted, c.ResultJSON, c.BarCount, c.TradeCount,
		c.DurationMS, s.now(), id, model.StatusRunning,
	)
}

// MarkFailed records a failed run of a running task.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, errMsg string, durationMS int64) (bool, error) {
	return s.execConditional(ctx, "mark failed",
		`UPDATE backtest_tasks
		SET status = ?, error_message = ?, duration_ms = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		model.StatusFailed, errMsg, durationMS, s.now(), id, model.StatusRunning,
	)
}

// Cancel cancels a queued or running task owned by userID.
func (s *SQLiteStore) Cancel(ctx context.Context, id, userID int64) (bool, error) {
	return s.execConditional(ctx, "cancel task",
		`UPDATE backtest_tasks SET status = ?, completed_at = ?
		WHERE id = ? AND user_id = ? AND status IN (?, ?)`,
		model.StatusCancelled, s.now(), id, userID, model.StatusQueued, model.StatusRunning,
	)
}

// Requeue returns a running task to the queue after its worker was lost.
func (s *SQLiteStore) Requeue(ctx context.Context, id int64) (bool, error) {
	return s.execConditional(ctx, "requeue task",
		`UPDATE backtest_tasks
		SET status = ?, started_at = NULL, node_id = '',
			progress = 0, stage = '', stage_name = '', message = ''
		WHERE id = ? AND status = ?`,
		model.StatusQueued, id, model.StatusRunning,
	)
}

// CountActiveByUser counts the user's queued and running tasks.
func (s *SQLiteStore) CountActiveByUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM backtest_tasks WHERE user_id = ? AND status IN (?, ?)",
		userID, model.StatusQueued, model.StatusRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active by user: %w", err)
	}
	return n, nil
}

// CountActiveGlobal counts all queued and running tasks.
func (s *SQLiteStore) CountActiveGlobal(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM backtest_tasks WHERE status IN (?, ?)",
		model.StatusQueued, model.StatusRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return n, nil
}

// CountRunning counts running tasks.
func (s *SQLiteStore) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM backtest_tasks WHERE status = ?", model.StatusRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// CleanupExpired deletes terminal tasks that finished more than retentionDays
// ago. A non-positive retention disables cleanup.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM backtest_tasks
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// GetTaskStats returns counts by status and exchange plus the average
// duration of completed tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus:   make(map[string]int),
		CountByExchange: make(map[string]int),
	}

	if err := s.groupCount(ctx,
		"SELECT status, COUNT(*) FROM backtest_tasks GROUP BY status",
		func(key string, n int) {
			stats.CountByStatus[key] = n
			stats.Total += n
		},
	); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}

	if err := s.groupCount(ctx,
		"SELECT exchange, COUNT(*) FROM backtest_tasks WHERE exchange != '' GROUP BY exchange",
		func(key string, n int) { stats.CountByExchange[key] = n },
	); err != nil {
		return nil, fmt.Errorf("count by exchange: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM backtest_tasks WHERE status = ?", model.StatusCompleted,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func (s *SQLiteStore) groupCount(ctx context.Context, query string, fn func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		fn(key, n)
	}
	return rows.Err()
}

// execConditional runs a guarded UPDATE and reports whether a row changed.
func (s *SQLiteStore) execConditional(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*model.BacktestTask, error) {
	t := &model.BacktestTask{}
	var symbols string
	if err := r.Scan(
		&t.ID, &t.UserID, &t.ReqID, &t.Status, &t.Progress, &t.Stage, &t.StageName, &t.Message,
		&t.RequestJSON, &t.ResultJSON, &t.ErrorMessage, &t.Exchange, &t.Timeframe, &symbols,
		&t.BarCount, &t.TradeCount, &t.DurationMS, &t.Attempts, &t.NodeID, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	); err != nil {
		return nil, err
	}
	t.Symbols = splitSymbols(symbols)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.BacktestTask, error) {
	var tasks []*model.BacktestTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func splitSymbols(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
