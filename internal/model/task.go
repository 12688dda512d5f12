package model

import (
	"encoding/json"
)

// TaskType identifies one of the fixed catalogue of bulk operations.
type TaskType string

const (
	TaskExtract      TaskType = "extract"
	TaskExtractBatch TaskType = "extract_batch"
	TaskScrape       TaskType = "scrape"
	TaskJoin         TaskType = "join"
	TaskInvite       TaskType = "invite"
	TaskAdder        TaskType = "adder"
	TaskChat         TaskType = "chat"
	TaskDM           TaskType = "dm"
	TaskWarmup       TaskType = "warmup"
	TaskSequence     TaskType = "sequence"
)

// KnownType reports whether t is part of the task catalogue.
func KnownType(t TaskType) bool {
	switch t {
	case TaskExtract, TaskExtractBatch, TaskScrape, TaskJoin, TaskInvite,
		TaskAdder, TaskChat, TaskDM, TaskWarmup, TaskSequence:
		return true
	}
	return false
}

// TaskStatus represents the current status of a task.
// Transitions: queued -> scheduled -> running -> {done, failed, stopped}.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusStopped   TaskStatus = "stopped"
)

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusStopped
}

// Counters holds the result counters of a task. Updates go through the
// broadcaster; the struct itself is a plain snapshot.
type Counters struct {
	OK        int64 `json:"ok"`
	Bad       int64 `json:"bad"`
	Added     int64 `json:"added"`
	Sent      int64 `json:"sent"`
	Extracted int64 `json:"extracted"`
}

// Add accumulates d into c.
func (c *Counters) Add(d Counters) {
	c.OK += d.OK
	c.Bad += d.Bad
	c.Added += d.Added
	c.Sent += d.Sent
	c.Extracted += d.Extracted
}

// Task represents a submitted bulk operation.
type Task struct {
	ID      int64           `json:"id"`
	Type    TaskType        `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Status  TaskStatus      `json:"status"`

	// Epoch seconds. RunAt equal to CreatedAt means run immediately.
	RunAt      int64  `json:"run_at"`
	CreatedAt  int64  `json:"created_at"`
	StartedAt  *int64 `json:"started_at,omitempty"`
	FinishedAt *int64 `json:"finished_at,omitempty"`

	Counters Counters `json:"counters"`
	Error    string   `json:"error,omitempty"`
}

// commonOptions carries payload fields recognized across task types.
type commonOptions struct {
	RunDaily bool `json:"run_daily"`
}

// RunDaily reports whether the task payload requests daily re-submission.
func (t *Task) RunDaily() bool {
	var opts commonOptions
	if err := json.Unmarshal(t.Payload, &opts); err != nil {
		return false
	}
	return opts.RunDaily
}
