package model

// Bus subjects. Executors and the pool publish; the broadcaster subscribes.
const (
	SubjectLog     = "event.log"
	SubjectCounter = "event.counter"
	SubjectTask    = "event.task"
	SubjectPool    = "event.pool"
)

// Log channels observers demultiplex on.
const (
	ChannelExtract = "extract"
	ChannelAdder   = "adder"
)

// LogEvent is one log line from a running component.
type LogEvent struct {
	TaskID  int64  `json:"task_id,omitempty"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// CounterEvent carries counter deltas for a task.
type CounterEvent struct {
	TaskID int64    `json:"task_id"`
	Delta  Counters `json:"delta"`
}

// TaskEvent announces a task status change.
type TaskEvent struct {
	TaskID int64      `json:"task_id"`
	Type   TaskType   `json:"type"`
	Status TaskStatus `json:"status"`
}

// PoolEvent announces an account-pool state change.
type PoolEvent struct {
	Total       int `json:"total"`
	Online      int `json:"online"`
	Leased      int `json:"leased"`
	Cooldown    int `json:"cooldown"`
	Quarantined int `json:"quarantined"`
}

// StateSnapshot is the live dashboard state pushed to every observer. The
// legacy single-flag fields (extract, status) are projections derived from
// the current task, never independent state.
type StateSnapshot struct {
	Extract         bool     `json:"extract"`
	Status          bool     `json:"status"`
	MembersExtCount int      `json:"members_ext_count"`
	MembersCount    int      `json:"members_count"`
	OKCount         int64    `json:"ok_count"`
	BadCount        int64    `json:"bad_count"`
	Runs            []string `json:"runs"`
	Final           []string `json:"final"`
	CurrentTaskID   *int64   `json:"current_task_id"`
	CurrentTaskType *string  `json:"current_task_type"`
	Online          int      `json:"online"`
	Keepalive       bool     `json:"keepalive"`
}

// WireMessage is the outbound frame for observers.
type WireMessage struct {
	Type string `json:"type"` // "state" or "log"
	Data any    `json:"data,omitempty"`

	// Log frames only.
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text,omitempty"`
}
