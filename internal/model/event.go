package model

import "time"

// Task event kinds pushed to live user sessions.
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
	EventRequeued  = "requeued"
)

// TaskEvent is a best-effort notification about a task, fanned out to every
// node and delivered to the owning user's live sessions.
type TaskEvent struct {
	Kind         string    `json:"kind"`
	TaskID       int64     `json:"task_id"`
	UserID       int64     `json:"user_id"`
	ReqID        string    `json:"req_id,omitempty"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	Stage        string    `json:"stage,omitempty"`
	StageName    string    `json:"stage_name,omitempty"`
	Message      string    `json:"message,omitempty"`
	ResultJSON   string    `json:"result_json,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	At           time.Time `json:"at"`
}
