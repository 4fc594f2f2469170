package model

import "time"

// Task status constants.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
// running -> queued is only taken by lease recovery after a worker is lost.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusQueued:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ActiveStatuses lists the statuses that count against admission quotas and
// that a cancel may leave.
var ActiveStatuses = []string{StatusQueued, StatusRunning}

// TerminalStatuses lists the statuses eligible for retention cleanup.
var TerminalStatuses = []string{StatusCompleted, StatusFailed, StatusCancelled}

// BacktestTask is one durable unit of simulation work.
type BacktestTask struct {
	ID           int64      `json:"task_id"`
	UserID       int64      `json:"user_id"`
	ReqID        string     `json:"req_id,omitempty"`
	Status       string     `json:"status"`
	Progress     float64    `json:"progress"`
	Stage        string     `json:"stage,omitempty"`
	StageName    string     `json:"stage_name,omitempty"`
	Message      string     `json:"message,omitempty"`
	RequestJSON  string     `json:"request_json"`
	ResultJSON   string     `json:"result_json,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Exchange     string     `json:"exchange,omitempty"`
	Timeframe    string     `json:"timeframe,omitempty"`
	Symbols      []string   `json:"symbols,omitempty"`
	BarCount     int64      `json:"bar_count"`
	TradeCount   int64      `json:"trade_count"`
	DurationMS   int64      `json:"duration_ms"`
	Attempts     int        `json:"attempts"`
	NodeID       string     `json:"node_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ProgressUpdate is a worker-reported progress snapshot for a running task.
type ProgressUpdate struct {
	Progress  float64
	Stage     string
	StageName string
	Message   string
}

// Completion carries the outcome of a successful run.
type Completion struct {
	ResultJSON string
	BarCount   int64
	TradeCount int64
	DurationMS int64
}
