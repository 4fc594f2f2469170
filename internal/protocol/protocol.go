// Package protocol defines the messages exchanged between the scheduler and
// backtest workers. Every message is one JSON object carried in one websocket
// text frame, discriminated by its type field.
package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/bytedance/sonic"

	"github.com/seantiz/backtestd/internal/model"
)

// MaxMessageSize is the maximum accepted frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Message types. register, heartbeat, progress and result flow from worker to
// scheduler; execute flows from scheduler to worker.
const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypeExecute   = "execute"
	TypeProgress  = "progress"
	TypeResult    = "result"
)

var (
	// ErrUnknownType is returned for an unrecognised message type.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed is returned when a message is missing required fields.
	ErrMalformed = errors.New("malformed message")

	// ErrTooLarge is returned for a message over MaxMessageSize.
	ErrTooLarge = errors.New("message exceeds maximum size")
)

// codec is std-compatible so payloads stay readable by any JSON client.
var codec = sonic.ConfigStd

// Envelope is the single wire shape. Exactly one body pointer is set,
// matching Type.
type Envelope struct {
	Type      string     `json:"type"`
	WorkerID  string     `json:"worker_id,omitempty"`
	TaskID    int64      `json:"task_id,omitempty"`
	Register  *Register  `json:"register,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
	Execute   *Execute   `json:"execute,omitempty"`
	Progress  *Progress  `json:"progress,omitempty"`
	Result    *Result    `json:"result,omitempty"`
}

// Register announces a worker and its capacity.
type Register struct {
	CPUCores         int      `json:"cpu_cores"`
	MemoryMB         int      `json:"memory_mb"`
	MaxParallelTasks int      `json:"max_parallel_tasks"`
	Tags             []string `json:"tags,omitempty"`
	Version          string   `json:"version,omitempty"`
}

// Capacity converts the registration body into a normalized capacity.
func (r *Register) Capacity() model.WorkerCapacity {
	return model.WorkerCapacity{
		CPUCores:         r.CPUCores,
		MemoryMB:         r.MemoryMB,
		MaxParallelTasks: r.MaxParallelTasks,
		Tags:             r.Tags,
		Version:          r.Version,
	}.Normalize()
}

// Heartbeat is the periodic liveness signal.
type Heartbeat struct {
	RunningTasks int `json:"running_tasks"`
}

// Execute hands a leased task to a worker.
type Execute struct {
	UserID      int64  `json:"user_id"`
	ReqID       string `json:"req_id,omitempty"`
	LeaseID     string `json:"lease_id"`
	RequestJSON string `json:"request_json"`
}

// Progress is an incremental status report for a running task.
type Progress struct {
	Progress  float64 `json:"progress"`
	Stage     string  `json:"stage,omitempty"`
	StageName string  `json:"stage_name,omitempty"`
	Message   string  `json:"message,omitempty"`
	ElapsedMS int64   `json:"elapsed_ms,omitempty"`
}

// Result is the final outcome of a task.
type Result struct {
	Success      bool   `json:"success"`
	ResultJSON   string `json:"result_json,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	BarCount     int64  `json:"bar_count,omitempty"`
	TradeCount   int64  `json:"trade_count,omitempty"`
}

// NewRegister builds a register message.
func NewRegister(workerID string, c model.WorkerCapacity) *Envelope {
	return &Envelope{
		Type:     TypeRegister,
		WorkerID: workerID,
		Register: &Register{
			CPUCores:         c.CPUCores,
			MemoryMB:         c.MemoryMB,
			MaxParallelTasks: c.MaxParallelTasks,
			Tags:             c.Tags,
			Version:          c.Version,
		},
	}
}

// NewHeartbeat builds a heartbeat message.
func NewHeartbeat(workerID string, running int) *Envelope {
	return &Envelope{Type: TypeHeartbeat, WorkerID: workerID, Heartbeat: &Heartbeat{RunningTasks: running}}
}

// NewExecute builds the execute message for a lease.
func NewExecute(lease model.TaskLease, requestJSON string) *Envelope {
	return &Envelope{
		Type:   TypeExecute,
		TaskID: lease.TaskID,
		Execute: &Execute{
			UserID:      lease.UserID,
			ReqID:       lease.ReqID,
			LeaseID:     lease.LeaseID,
			RequestJSON: requestJSON,
		},
	}
}

// NewProgress builds a progress message.
func NewProgress(taskID int64, p Progress) *Envelope {
	return &Envelope{Type: TypeProgress, TaskID: taskID, Progress: &p}
}

// NewResult builds a result message.
func NewResult(taskID int64, r Result) *Envelope {
	return &Envelope{Type: TypeResult, TaskID: taskID, Result: &r}
}

// Validate checks that the envelope carries the fields its type requires.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeRegister:
		if e.WorkerID == "" || e.Register == nil {
			return fmt.Errorf("%w: register needs worker_id and body", ErrMalformed)
		}
	case TypeHeartbeat:
		if e.Heartbeat == nil {
			return fmt.Errorf("%w: heartbeat needs body", ErrMalformed)
		}
	case TypeExecute:
		if e.TaskID <= 0 || e.Execute == nil {
			return fmt.Errorf("%w: execute needs task_id and body", ErrMalformed)
		}
	case TypeProgress:
		if e.TaskID <= 0 || e.Progress == nil {
			return fmt.Errorf("%w: progress needs task_id and body", ErrMalformed)
		}
		p := e.Progress.Progress
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("%w: progress %v outside [0,1]", ErrMalformed, p)
		}
	case TypeResult:
		if e.TaskID <= 0 || e.Result == nil {
			return fmt.Errorf("%w: result needs task_id and body", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// Encode validates and serializes an envelope. The encoded frame must fit
// within MaxMessageSize, since the peer's read limit drops the connection
// on anything larger.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, e.Type, len(data), MaxMessageSize)
	}
	return data, nil
}

// Decode parses and validates one frame payload.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), MaxMessageSize)
	}
	var e Envelope
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
