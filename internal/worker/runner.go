// Package worker is the reference backtest worker. A Client keeps a
// connection to the scheduler, declares its capacity, sends heartbeats and
// runs the tasks it is given through a Runner.
package worker

import (
	"context"

	"github.com/seantiz/backtestd/internal/protocol"
)

// Task is one backtest handed to a Runner.
type Task struct {
	ID          int64
	UserID      int64
	ReqID       string
	LeaseID     string
	RequestJSON string
}

// Reporter sends a progress update for the running task.
type Reporter func(p protocol.Progress)

// Runner executes a backtest. It must return once ctx is done.
type Runner interface {
	Run(ctx context.Context, task Task, report Reporter) protocol.Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task Task, report Reporter) protocol.Result

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, task Task, report Reporter) protocol.Result {
	return f(ctx, task, report)
}
