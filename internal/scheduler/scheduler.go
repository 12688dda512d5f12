// Package scheduler owns the task queue: it decides when a task may start,
// supervises executor lifecycles, and handles stop/delete commands and
// daily recurrence.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artai8/la/internal/broadcast"
	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/storage"
)

// Engine executes one task to completion or cancellation.
type Engine interface {
	Execute(ctx context.Context, task *model.Task) error
}

const (
	// DefaultStopGrace bounds how long Stop waits for a task's accounts to
	// be released before marking it stopped anyway.
	DefaultStopGrace = 30 * time.Second

	// recheckInterval is the fallback wake period. The loop is edge
	// triggered; this only guards against missed wakes.
	recheckInterval = time.Minute

	daySeconds = 24 * 60 * 60
)

// MaxConcurrentFunc returns the current concurrency cap (0 = unlimited),
// read at each scheduling decision so settings changes apply to queued
// tasks without a restart.
type MaxConcurrentFunc func() int

// Scheduler maintains the pending queue ordered by (run_at, id) and starts
// tasks when capacity allows.
type Scheduler struct {
	logger    *zap.Logger
	store     *storage.Store
	engine    Engine
	emitter   *broadcast.Emitter
	maxConc   MaxConcurrentFunc
	stopGrace time.Duration

	mu      sync.Mutex
	pending []*model.Task
	running map[int64]*execution

	wake chan struct{}
	done chan struct{}
}

type execution struct {
	task   *model.Task
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. maxConc may be nil for unlimited concurrency.
func New(logger *zap.Logger, store *storage.Store, engine Engine,
	emitter *broadcast.Emitter, maxConc MaxConcurrentFunc) *Scheduler {

	if maxConc == nil {
		maxConc = func() int { return 0 }
	}
	return &Scheduler{
		logger:    logger.Named("scheduler"),
		store:     store,
		engine:    engine,
		emitter:   emitter,
		maxConc:   maxConc,
		stopGrace: DefaultStopGrace,
		running:   make(map[int64]*execution),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start recovers the pending queue from storage and runs the scheduling
// loop until ctx is canceled. Tasks found in running status are from a
// previous process and are re-queued.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.store.PendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Status != model.TaskStatusScheduled {
			if err := s.store.SetTaskStatus(ctx, t.ID, model.TaskStatusScheduled, ""); err != nil {
				return err
			}
			t.Status = model.TaskStatusScheduled
		}
	}
	s.mu.Lock()
	s.pending = tasks
	s.mu.Unlock()
	s.logger.Info("Recovered pending tasks", zap.Int("count", len(tasks)))

	go s.loop(ctx)
	return nil
}

// Wait blocks until the scheduling loop has exited and all running tasks
// have finished.
func (s *Scheduler) Wait() {
	<-s.done
	for {
		s.mu.Lock()
		if len(s.running) == 0 {
			s.mu.Unlock()
			return
		}
		var any *execution
		for _, e := range s.running {
			any = e
			break
		}
		s.mu.Unlock()
		<-any.done
	}
}

// Submit validates and enqueues a task. Invalid types and payloads are
// rejected synchronously.
func (s *Scheduler) Submit(ctx context.Context, typ model.TaskType, payload json.RawMessage, runAt int64) (int64, error) {
	if !model.KnownType(typ) {
		return 0, fmt.Errorf("%w: unknown task type %q", model.ErrInvalidPayload, typ)
	}
	if err := model.ValidatePayload(typ, payload); err != nil {
		return 0, err
	}

	id, err := s.store.CreateTask(ctx, typ, payload, runAt)
	if err != nil {
		return 0, err
	}
	if err := s.store.SetTaskStatus(ctx, id, model.TaskStatusScheduled, ""); err != nil {
		return 0, err
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.pending = append(s.pending, task)
	s.sortPendingLocked()
	s.mu.Unlock()

	s.emitter.Task(id, typ, model.TaskStatusScheduled)
	s.logger.Info("Task submitted",
		zap.Int64("task_id", id),
		zap.String("type", string(typ)),
		zap.Int64("run_at", task.RunAt))
	s.kick()
	return id, nil
}

// Stop cancels a task. A running task gets a cooperative stop signal and
// Stop blocks, bounded by the grace period, until its accounts are
// released. A pending task is simply dequeued.
func (s *Scheduler) Stop(ctx context.Context, id int64) error {
	s.mu.Lock()
	if exec, ok := s.running[id]; ok {
		s.mu.Unlock()
		exec.cancel()
		select {
		case <-exec.done:
		case <-time.After(s.stopGrace):
			s.logger.Warn("Task did not stop within grace period", zap.Int64("task_id", id))
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	if s.removePendingLocked(id) {
		s.mu.Unlock()
		if err := s.store.SetTaskStatus(ctx, id, model.TaskStatusStopped, ""); err != nil {
			return err
		}
		s.emitter.Task(id, "", model.TaskStatusStopped)
		return nil
	}
	s.mu.Unlock()

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot stop task in status %s", model.ErrInvalidState, task.Status)
}

// Delete removes a task. Running tasks must be stopped first.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	if _, ok := s.running[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: task %d is running", model.ErrInvalidState, id)
	}
	s.removePendingLocked(id)
	s.mu.Unlock()

	return s.store.DeleteTask(ctx, id)
}

// Running reports whether the task is currently executing.
func (s *Scheduler) Running(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// RunningCount returns the number of executing tasks.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) sortPendingLocked() {
	sort.SliceStable(s.pending, func(i, j int) bool {
		if s.pending[i].RunAt != s.pending[j].RunAt {
			return s.pending[i].RunAt < s.pending[j].RunAt
		}
		return s.pending[i].ID < s.pending[j].ID
	})
}

func (s *Scheduler) removePendingLocked(id int64) bool {
	for i, t := range s.pending {
		if t.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is edge triggered: it wakes on submission, task completion, or the
// earliest pending run_at.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(recheckInterval)
	defer timer.Stop()

	for {
		next := s.startDue(ctx)

		wait := recheckInterval
		if next > 0 {
			if d := time.Until(time.Unix(next, 0)); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// startDue launches every due task capacity permits and returns the run_at
// of the earliest task still waiting (0 when the queue is idle).
func (s *Scheduler) startDue(ctx context.Context) int64 {
	now := time.Now().Unix()
	limit := s.maxConc()

	s.mu.Lock()
	defer s.mu.Unlock()
	var next int64
	kept := s.pending[:0]
	for _, task := range s.pending {
		if task.RunAt > now {
			if next == 0 || task.RunAt < next {
				next = task.RunAt
			}
			kept = append(kept, task)
			continue
		}
		if limit > 0 && len(s.running) >= limit {
			kept = append(kept, task)
			continue
		}
		s.launchLocked(ctx, task)
	}
	s.pending = kept
	return next
}

// launchLocked moves a task to running and supervises its execution.
func (s *Scheduler) launchLocked(ctx context.Context, task *model.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	exec := &execution{task: task, cancel: cancel, done: make(chan struct{})}
	s.running[task.ID] = exec

	if err := s.store.SetTaskRunning(ctx, task.ID); err != nil {
		s.logger.Error("Failed to mark task running", zap.Int64("task_id", task.ID), zap.Error(err))
	}
	task.Status = model.TaskStatusRunning
	s.emitter.Task(task.ID, task.Type, model.TaskStatusRunning)

	go func() {
		defer close(exec.done)
		err := s.engine.Execute(taskCtx, task)
		cancel()
		s.finish(task, err)
	}()
}

// finish records the terminal status, re-enqueues daily tasks, and frees
// capacity for the next pending task.
func (s *Scheduler) finish(task *model.Task, err error) {
	ctx := context.Background()

	status := model.TaskStatusDone
	errMsg := ""
	switch {
	case errors.Is(err, context.Canceled):
		status = model.TaskStatusStopped
	case err != nil:
		status = model.TaskStatusFailed
		errMsg = err.Error()
	}
	if serr := s.store.SetTaskStatus(ctx, task.ID, status, errMsg); serr != nil {
		s.logger.Error("Failed to record task status", zap.Int64("task_id", task.ID), zap.Error(serr))
	}

	s.mu.Lock()
	delete(s.running, task.ID)
	s.mu.Unlock()

	s.emitter.Task(task.ID, task.Type, status)
	s.logger.Info("Task finished",
		zap.Int64("task_id", task.ID),
		zap.String("status", string(status)))

	if task.RunDaily() && status != model.TaskStatusStopped {
		nextRun := task.RunAt + daySeconds
		if id, rerr := s.Submit(ctx, task.Type, task.Payload, nextRun); rerr != nil {
			s.logger.Error("Failed to re-enqueue daily task", zap.Int64("task_id", task.ID), zap.Error(rerr))
		} else {
			s.logger.Info("Daily task re-enqueued",
				zap.Int64("task_id", task.ID),
				zap.Int64("next_id", id),
				zap.Int64("run_at", nextRun))
		}
	}

	s.kick()
}
