// Package broadcast carries live progress out of the engine: executors emit
// log lines and counter deltas onto the bus, the broadcaster folds them into
// a dashboard snapshot, and the hub fans frames out to websocket observers.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/model"
)

// TaskLogStore persists task log lines alongside the live feed.
type TaskLogStore interface {
	AppendTaskLog(ctx context.Context, taskID int64, line string) error
}

// Emitter publishes progress events to the bus. Emission is fire-and-forget;
// a publish failure never fails the task that emitted it.
type Emitter struct {
	nc     *nats.Conn
	store  TaskLogStore
	logger *zap.Logger
}

// NewEmitter creates an emitter. store may be nil when persistence of log
// lines is not wanted.
func NewEmitter(nc *nats.Conn, store TaskLogStore, logger *zap.Logger) *Emitter {
	return &Emitter{nc: nc, store: store, logger: logger.Named("emitter")}
}

// Log emits one timestamped log line on the given channel and appends it to
// the task's persisted log.
func (e *Emitter) Log(taskID int64, channel, format string, args ...any) {
	text := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	if e.store != nil && taskID > 0 {
		if err := e.store.AppendTaskLog(context.Background(), taskID, text); err != nil {
			e.logger.Warn("Failed to persist log line",
				zap.Int64("task_id", taskID),
				zap.Error(err))
		}
	}
	e.publish(model.SubjectLog, model.LogEvent{TaskID: taskID, Channel: channel, Text: text})
}

// Counter emits a counter delta for a task.
func (e *Emitter) Counter(taskID int64, delta model.Counters) {
	e.publish(model.SubjectCounter, model.CounterEvent{TaskID: taskID, Delta: delta})
}

// Task announces a task status change.
func (e *Emitter) Task(taskID int64, typ model.TaskType, status model.TaskStatus) {
	e.publish(model.SubjectTask, model.TaskEvent{TaskID: taskID, Type: typ, Status: status})
}

// Pool announces a pool summary change.
func (e *Emitter) Pool(ev model.PoolEvent) {
	e.publish(model.SubjectPool, ev)
}

func (e *Emitter) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("Failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := e.nc.Publish(subject, data); err != nil {
		e.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
