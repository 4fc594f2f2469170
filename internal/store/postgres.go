package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/seantiz/backtestd/internal/model"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOption defines connection options for PostgreSQL.
type PostgresOption struct {
	Host       string            `mapstructure:"host"`
	Port       int               `mapstructure:"port"`
	User       string            `mapstructure:"user"`
	Password   string            `mapstructure:"password"`
	Database   string            `mapstructure:"database"`
	SSLMode    string            `mapstructure:"sslmode"`
	Params     map[string]string `mapstructure:"params"`
	ConnString string            `mapstructure:"dsn"`
}

// DSN builds the connection string, preferring an explicit ConnString.
func (opt PostgresOption) DSN() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

// taskRow is the gorm mapping of the backtest_tasks table.
type taskRow struct {
	ID           int64      `gorm:"primaryKey;autoIncrement"`
	UserID       int64      `gorm:"not null;index:idx_backtest_tasks_user_status,priority:1"`
	ReqID        string     `gorm:"not null;default:''"`
	Status       string     `gorm:"not null;index:idx_backtest_tasks_user_status,priority:2;index:idx_backtest_tasks_status_created,priority:1;index:idx_backtest_tasks_status_node,priority:1"`
	Progress     float64    `gorm:"not null;default:0"`
	Stage        string     `gorm:"not null;default:''"`
	StageName    string     `gorm:"not null;default:''"`
	Message      string     `gorm:"not null;default:''"`
	RequestJSON  string     `gorm:"column:request_json;type:text;not null"`
	ResultJSON   string     `gorm:"column:result_json;type:text;not null;default:''"`
	ErrorMessage string     `gorm:"type:text;not null;default:''"`
	Exchange     string     `gorm:"not null;default:''"`
	Timeframe    string     `gorm:"not null;default:''"`
	Symbols      string     `gorm:"not null;default:''"`
	BarCount     int64      `gorm:"not null;default:0"`
	TradeCount   int64      `gorm:"not null;default:0"`
	DurationMS   int64      `gorm:"column:duration_ms;not null;default:0"`
	Attempts     int        `gorm:"not null;default:0"`
	NodeID       string     `gorm:"column:node_id;not null;default:'';index:idx_backtest_tasks_status_node,priority:2"`
	CreatedAt    time.Time  `gorm:"not null;index:idx_backtest_tasks_status_created,priority:2"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

func (taskRow) TableName() string { return "backtest_tasks" }

func (r *taskRow) toModel() *model.BacktestTask {
	return &model.BacktestTask{
		ID:           r.ID,
		UserID:       r.UserID,
		ReqID:        r.ReqID,
		Status:       r.Status,
		Progress:     r.Progress,
		Stage:        r.Stage,
		StageName:    r.StageName,
		Message:      r.Message,
		RequestJSON:  r.RequestJSON,
		ResultJSON:   r.ResultJSON,
		ErrorMessage: r.ErrorMessage,
		Exchange:     r.Exchange,
		Timeframe:    r.Timeframe,
		Symbols:      splitSymbols(r.Symbols),
		BarCount:     r.BarCount,
		TradeCount:   r.TradeCount,
		DurationMS:   r.DurationMS,
		Attempts:     r.Attempts,
		NodeID:       r.NodeID,
		CreatedAt:    r.CreatedAt.UTC(),
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
}

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL through gorm. It is the
// store of choice when several scheduler nodes share one queue.
type PostgresStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPostgresStore connects to PostgreSQL and migrates the task table.
func NewPostgresStore(opt PostgresOption) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(opt.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&taskRow{}); err != nil {
		return nil, fmt.Errorf("migrate backtest_tasks: %w", err)
	}
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) tasks(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&taskRow{})
}

// InsertTask inserts a new queued task and returns its assigned id.
func (s *PostgresStore) InsertTask(ctx context.Context, t *model.BacktestTask) (int64, error) {
	if err := validateNew(t); err != nil {
		return 0, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.Status = model.StatusQueued

	row := taskRow{
		UserID:      t.UserID,
		ReqID:       t.ReqID,
		Status:      t.Status,
		RequestJSON: t.RequestJSON,
		Exchange:    t.Exchange,
		Timeframe:   t.Timeframe,
		Symbols:     strings.Join(t.Symbols, ","),
		CreatedAt:   t.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	t.ID = row.ID
	return row.ID, nil
}

// GetTask retrieves a task by id.
func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*model.BacktestTask, error) {
	var row taskRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toModel(), nil
}

// ListTasksByUser returns a user's tasks ordered newest first, along with the
// user's total task count.
func (s *PostgresStore) ListTasksByUser(ctx context.Context, userID int64, limit, offset int) ([]*model.BacktestTask, int, error) {
	var total int64
	if err := s.tasks(ctx).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	var rows []taskRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return toModels(rows), int(total), nil
}

// ListTasksByStatus returns up to limit tasks in the given status, oldest first.
func (s *PostgresStore) ListTasksByStatus(ctx context.Context, status string, limit int) ([]*model.BacktestTask, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return toModels(rows), nil
}

// ListRunningByNode returns up to limit running tasks claimed by nodeID,
// oldest first.
func (s *PostgresStore) ListRunningByNode(ctx context.Context, nodeID string, limit int) ([]*model.BacktestTask, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).
		Where("status = ? AND node_id = ?", model.StatusRunning, nodeID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list running tasks by node: %w", err)
	}
	return toModels(rows), nil
}

// DequeueOldestQueued returns the oldest queued task without claiming it, or
// nil when the queue is empty.
func (s *PostgresStore) DequeueOldestQueued(ctx context.Context) (*model.BacktestTask, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).
		Where("status = ?", model.StatusQueued).
		Order("created_at ASC, id ASC").
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toModel(), nil
}

// MarkRunning claims a queued task for the scheduler node nodeID.
func (s *PostgresStore) MarkRunning(ctx context.Context, id int64, nodeID string) (bool, error) {
	return s.updateWhere(ctx, "mark running", id, model.StatusQueued, map[string]any{
		"status":     model.StatusRunning,
		"started_at": s.now(),
		"attempts":   gorm.Expr("attempts + 1"),
		"node_id":    nodeID,
		"progress":   0,
		"stage":      "",
		"stage_name": "",
		"message":    "",
	})
}

// UpdateProgress overwrites the progress fields of a running task.
func (s *PostgresStore) UpdateProgress(ctx context.Context, id int64, p model.ProgressUpdate) (bool, error) {
	return s.updateWhere(ctx, "update progress", id, model.StatusRunning, map[string]any{
		"progress":   p.Progress,
		"stage":      p.Stage,
		"stage_name": p.StageName,
		"message":    p.Message,
	})
}

// MarkCompleted records a successful result of a running task.
func (s *PostgresStore) MarkCompleted(ctx context.Context, id int64, c model.Completion) (bool, error) {
	return s.updateWhere(ctx, "mark completed", id, model.StatusRunning, map[string]any{
		"status":       model.StatusCompleted,
		"progress":     1,
		"result_json":  c.ResultJSON,
		"bar_count":    c.BarCount,
		"trade_count":  c.TradeCount,
		"duration_ms":  c.DurationMS,
		"completed_at": s.now(),
	})
}

// MarkFailed records a failed run of a running task.
func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, errMsg string, durationMS int64) (bool, error) {
	return s.updateWhere(ctx, "mark failed", id, model.StatusRunning, map[string]any{
		"status":        model.StatusFailed,
		"error_message": errMsg,
		"duration_ms":   durationMS,
		"completed_at":  s.now(),
	})
}

// Cancel cancels a queued or running task owned by userID.
func (s *PostgresStore) Cancel(ctx context.Context, id, userID int64) (bool, error) {
	res := s.tasks(ctx).
		Where("id = ? AND user_id = ? AND status IN ?", id, userID, model.ActiveStatuses).
		Updates(map[string]any{
			"status":       model.StatusCancelled,
			"completed_at": s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("cancel task: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Requeue returns a running task to the queue after its worker was lost.
func (s *PostgresStore) Requeue(ctx context.Context, id int64) (bool, error) {
	return s.updateWhere(ctx, "requeue task", id, model.StatusRunning, map[string]any{
		"status":     model.StatusQueued,
		"started_at": nil,
		"node_id":    "",
		"progress":   0,
		"stage":      "",
		"stage_name": "",
		"message":    "",
	})
}

// CountActiveByUser counts the user's queued and running tasks.
func (s *PostgresStore) CountActiveByUser(ctx context.Context, userID int64) (int, error) {
	var n int64
	if err := s.tasks(ctx).
		Where("user_id = ? AND status IN ?", userID, model.ActiveStatuses).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count active by user: %w", err)
	}
	return int(n), nil
}

// CountActiveGlobal counts all queued and running tasks.
func (s *PostgresStore) CountActiveGlobal(ctx context.Context) (int, error) {
	var n int64
	if err := s.tasks(ctx).
		Where("status IN ?", model.ActiveStatuses).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count active: %w", err)
	}
	return int(n), nil
}

// CountRunning counts running tasks.
func (s *PostgresStore) CountRunning(ctx context.Context) (int, error) {
	var n int64
	if err := s.tasks(ctx).Where("status = ?", model.StatusRunning).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return int(n), nil
}

// CleanupExpired deletes terminal tasks that finished more than retentionDays ago.
func (s *PostgresStore) CleanupExpired(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	res := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?", model.TerminalStatuses, cutoff).
		Delete(&taskRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

type groupRow struct {
	Key string
	N   int
}

// GetTaskStats returns counts by status and exchange plus the average
// duration of completed tasks.
func (s *PostgresStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus:   make(map[string]int),
		CountByExchange: make(map[string]int),
	}

	var byStatus []groupRow
	if err := s.tasks(ctx).Select("status AS key, COUNT(*) AS n").Group("status").Scan(&byStatus).Error; err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for _, g := range byStatus {
		stats.CountByStatus[g.Key] = g.N
		stats.Total += g.N
	}

	var byExchange []groupRow
	if err := s.tasks(ctx).Select("exchange AS key, COUNT(*) AS n").
		Where("exchange <> ''").Group("exchange").Scan(&byExchange).Error; err != nil {
		return nil, fmt.Errorf("count by exchange: %w", err)
	}
	for _, g := range byExchange {
		stats.CountByExchange[g.Key] = g.N
	}

	var avg *float64
	if err := s.tasks(ctx).Select("AVG(duration_ms)").
		Where("status = ?", model.StatusCompleted).Scan(&avg).Error; err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg != nil {
		stats.AvgDurationMS = *avg
	}

	return stats, nil
}

// updateWhere applies values to task id only while it is in status from.
func (s *PostgresStore) updateWhere(ctx context.Context, op string, id int64, from string, values map[string]any) (bool, error) {
	res := s.tasks(ctx).Where("id = ? AND status = ?", id, from).Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("%s: %w", op, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func toModels(rows []taskRow) []*model.BacktestTask {
	tasks := make([]*model.BacktestTask, 0, len(rows))
	for i := range rows {
		tasks = append(tasks, rows[i].toModel())
	}
	return tasks
}
