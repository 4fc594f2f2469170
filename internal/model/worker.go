package model

import (
	"runtime"
	"time"
)

// TaskLease records that a task has been handed to a specific worker session.
// Leases live only in memory, inside the session that holds them.
type TaskLease struct {
	TaskID     int64     `json:"task_id"`
	UserID     int64     `json:"user_id"`
	ReqID      string    `json:"req_id,omitempty"`
	LeaseID    string    `json:"lease_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// WorkerCapacity is the capability descriptor a worker declares on registration.
type WorkerCapacity struct {
	CPUCores         int      `json:"cpu_cores"`
	MemoryMB         int      `json:"memory_mb"`
	MaxParallelTasks int      `json:"max_parallel_tasks"`
	Tags             []string `json:"tags,omitempty"`
	Version          string   `json:"version,omitempty"`
}

// Normalize returns a copy with defaults applied: at least one parallel slot,
// host core count when cpu cores are not declared, no negative memory.
func (c WorkerCapacity) Normalize() WorkerCapacity {
	if c.MaxParallelTasks < 1 {
		c.MaxParallelTasks = 1
	}
	if c.CPUCores <= 0 {
		c.CPUCores = runtime.NumCPU()
	}
	if c.MemoryMB < 0 {
		c.MemoryMB = 0
	}
	return c
}
