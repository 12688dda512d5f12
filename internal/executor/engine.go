// Package executor runs the task catalogue: each task type has one runner
// driving leased accounts through a bounded sequence of platform actions.
// Runners check cancellation between actions and release every lease on
// every exit path.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artai8/la/internal/broadcast"
	"github.com/artai8/la/internal/config"
	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/platform"
	"github.com/artai8/la/internal/pool"
	"github.com/artai8/la/internal/ratelimit"
	"github.com/artai8/la/internal/storage"
)

// SinkFactory opens connections to the optional remote stores at task start.
type SinkFactory interface {
	MemberSink(ctx context.Context, target config.RemoteDB) (storage.MemberSink, error)
	MessageSink(ctx context.Context, target config.RemoteDB) (storage.MessageSink, error)
}

// RemoteSinks is the production SinkFactory: Postgres for members, Redis for
// chat messages.
type RemoteSinks struct{}

func (RemoteSinks) MemberSink(ctx context.Context, target config.RemoteDB) (storage.MemberSink, error) {
	return storage.NewPostgresMemberSink(ctx, target)
}

func (RemoteSinks) MessageSink(ctx context.Context, target config.RemoteDB) (storage.MessageSink, error) {
	return storage.NewRedisMessageSink(ctx, target)
}

type runFunc func(ctx context.Context, r *run) error

// Engine dispatches tasks to their runners. The scheduler owns task status
// transitions; the engine owns everything between Running and terminal.
type Engine struct {
	logger  *zap.Logger
	pool    *pool.Pool
	store   *storage.Store
	dialer  platform.Dialer
	emitter *broadcast.Emitter
	working *WorkingSet
	sinks   SinkFactory

	runners map[model.TaskType]runFunc
}

// NewEngine wires the engine. sinks may be nil to disable remote stores.
func NewEngine(logger *zap.Logger, p *pool.Pool, store *storage.Store,
	dialer platform.Dialer, emitter *broadcast.Emitter, working *WorkingSet,
	sinks SinkFactory) *Engine {

	e := &Engine{
		logger:  logger.Named("executor"),
		pool:    p,
		store:   store,
		dialer:  dialer,
		emitter: emitter,
		working: working,
		sinks:   sinks,
	}
	e.runners = map[model.TaskType]runFunc{
		model.TaskExtract:      runExtract,
		model.TaskExtractBatch: runExtract,
		model.TaskScrape:       runScrape,
		model.TaskJoin:         runJoin,
		model.TaskAdder:        runAdder,
		model.TaskInvite:       runInvite,
		model.TaskChat:         runChat,
		model.TaskDM:           runDM,
		model.TaskWarmup:       runWarmup,
		model.TaskSequence:     runSequence,
	}
	return e
}

// WorkingSet exposes the shared member working set.
func (e *Engine) WorkingSet() *WorkingSet { return e.working }

// Execute runs one task to completion or cancellation. The settings
// snapshot is taken once here so the pacing policy stays stable for the
// task's lifetime.
func (e *Engine) Execute(ctx context.Context, task *model.Task) error {
	runner, ok := e.runners[task.Type]
	if !ok {
		return fmt.Errorf("%w: no runner for type %q", model.ErrInvalidPayload, task.Type)
	}

	r := &run{
		engine:   e,
		task:     task,
		settings: config.Snapshot(e.store),
		logger: e.logger.With(
			zap.Int64("task_id", task.ID),
			zap.String("type", string(task.Type))),
	}
	r.budget = ratelimit.NewBudget(r.settings.MaxErrors)

	r.logger.Info("Task started")
	err := runner(ctx, r)
	if err != nil {
		r.logger.Warn("Task finished with error", zap.Error(err))
	} else {
		r.logger.Info("Task finished")
	}
	return err
}

// run carries the per-execution state shared by a runner and its account
// workers.
type run struct {
	engine   *Engine
	task     *model.Task
	settings config.Settings
	logger   *zap.Logger
	budget   *ratelimit.Budget

	countMu  sync.Mutex
	counters model.Counters
}

func (r *run) log(channel, format string, args ...any) {
	r.engine.emitter.Log(r.task.ID, channel, format, args...)
}

// count accumulates a counter delta, persists the running total, and emits
// the delta to observers.
func (r *run) count(ctx context.Context, delta model.Counters) {
	r.countMu.Lock()
	r.counters.Add(delta)
	total := r.counters
	r.countMu.Unlock()

	if err := r.engine.store.UpdateTaskCounters(ctx, r.task.ID, total); err != nil {
		r.logger.Warn("Failed to persist counters", zap.Error(err))
	}
	r.engine.emitter.Counter(r.task.ID, delta)
}

func (r *run) progressed() bool {
	r.countMu.Lock()
	defer r.countMu.Unlock()
	return r.counters != model.Counters{}
}

// lease acquires accounts with the shared retry policy: two immediate
// retries, then the task fails with InsufficientAccounts.
func (r *run) lease(c pool.Criteria) ([]model.Account, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var accounts []model.Account
		accounts, err = r.engine.pool.Lease(c)
		if err == nil {
			return accounts, nil
		}
	}
	return nil, err
}

// sleep pauses cooperatively, returning early with the context error on
// cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pace sleeps the uniform inter-action delay. Zero bounds fall back to the
// settings snapshot.
func (r *run) pace(ctx context.Context, minSec, maxSec int) error {
	if minSec <= 0 {
		minSec = r.settings.MinDelay
	}
	if maxSec <= 0 {
		maxSec = r.settings.MaxDelay
	}
	return sleep(ctx, ratelimit.NextDelay(
		time.Duration(minSec)*time.Second, time.Duration(maxSec)*time.Second))
}

// accountAborted marks the end of one account's contribution to a run.
var accountAborted = errors.New("account aborted for task")

// worker drives one leased account through a runner's action loop. It owns
// the lease: release is idempotent, so runners can defer a normal release
// and still hand out a different outcome on the error paths.
type worker struct {
	r        *run
	channel  string
	account  model.Account
	budget   *ratelimit.Budget
	floods   int
	released bool
}

func (r *run) worker(channel string, account model.Account) *worker {
	return &worker{
		r:       r,
		channel: channel,
		account: account,
		budget:  ratelimit.NewBudget(r.settings.MaxErrors),
	}
}

func (w *worker) release(o pool.Outcome) {
	if w.released {
		return
	}
	w.released = true
	w.r.engine.pool.Release(w.account.Phone, o)
}

// dial opens a session for the worker's account, retrying transient
// failures through the backoff policy until it succeeds or the policy
// drops the account.
func (w *worker) dial(ctx context.Context) (platform.Client, error) {
	for {
		client, err := w.r.engine.dialer.Dial(ctx, w.account)
		if err == nil {
			return client, nil
		}
		if err := w.fail(ctx, err); err != nil {
			return nil, err
		}
	}
}

// fail applies the backoff policy to one failed platform action. A nil
// return means the action should be retried on the same account;
// accountAborted means the lease was released and the worker must end; a
// context error propagates cancellation.
func (w *worker) fail(ctx context.Context, err error) error {
	phone := w.account.Phone
	if wait, ok := platform.AsFloodWait(err); ok {
		waitDur := time.Duration(wait) * time.Second
		limit := time.Duration(w.r.settings.FloodWaitLimit) * time.Second
		if ratelimit.OnFloodSignal(waitDur, limit) == ratelimit.DecisionQuarantineAccount {
			w.r.log(w.channel, "account %s flood wait %ds over limit, quarantined", phone, wait)
			w.release(pool.Quarantined())
			return accountAborted
		}
		if w.r.budget.Spend() {
			w.r.log(w.channel, "task error budget exhausted, cooling down account %s", phone)
			w.release(pool.FloodWait(waitDur))
			return accountAborted
		}
		w.floods++
		if w.floods > 1 {
			// Repeated throttling: park the account instead of waiting again.
			w.r.log(w.channel, "account %s throttled again, cooling down %ds", phone, wait)
			w.release(pool.FloodWait(waitDur))
			return accountAborted
		}
		w.r.log(w.channel, "account %s flood wait %ds, retrying after cooldown", phone, wait)
		if err := sleep(ctx, waitDur); err != nil {
			return err
		}
		return nil
	}

	if platform.IsBanned(err) {
		w.r.log(w.channel, "account %s banned", phone)
		w.release(pool.Banned())
		return accountAborted
	}

	w.r.log(w.channel, "account %s error: %v", phone, err)
	if w.r.budget.Spend() {
		w.r.log(w.channel, "task error budget exhausted, dropping account %s", phone)
		w.release(pool.Errored())
		return accountAborted
	}
	if w.budget.Spend() {
		w.r.log(w.channel, "account %s error budget exhausted", phone)
		w.release(pool.Errored())
		return accountAborted
	}
	return nil
}

// runWorkers drives one worker per leased account concurrently. Every lease
// is released on exit regardless of how fn returns. The first non-abort
// error (cancellation) is propagated after all workers have exited.
func (r *run) runWorkers(ctx context.Context, channel string, accounts []model.Account,
	fn func(ctx context.Context, w *worker) error) (int, error) {

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		aborted int
		first   error
	)
	for _, account := range accounts {
		w := r.worker(channel, account)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.release(pool.Normal())
			err := fn(ctx, w)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, accountAborted) {
				aborted++
			} else if err != nil && first == nil {
				first = err
			}
		}()
	}
	wg.Wait()
	return aborted, first
}

// finishWorkers converts the collective outcome of a run's account workers
// into the task result. A run fails only when every account aborted with
// work remaining and nothing was accomplished.
func (r *run) finishWorkers(aborted, total int, workRemaining bool) error {
	if aborted == total && workRemaining && !r.progressed() {
		return fmt.Errorf("%w: all %d accounts exhausted", model.ErrResourceExhausted, total)
	}
	return nil
}

// memberSink opens the remote member store when configured, else nil.
func (r *run) memberSink(ctx context.Context) storage.MemberSink {
	if r.engine.sinks == nil || !r.settings.DB1.Configured() {
		return nil
	}
	sink, err := r.engine.sinks.MemberSink(ctx, r.settings.DB1)
	if err != nil {
		r.logger.Warn("Remote member store unavailable", zap.Error(err))
		return nil
	}
	return sink
}

// messageSink opens the remote chat-message store when configured, else nil.
func (r *run) messageSink(ctx context.Context) storage.MessageSink {
	if r.engine.sinks == nil || !r.settings.DB2.Configured() {
		return nil
	}
	sink, err := r.engine.sinks.MessageSink(ctx, r.settings.DB2)
	if err != nil {
		r.logger.Warn("Remote message store unavailable", zap.Error(err))
		return nil
	}
	return sink
}

// listFilter loads the blacklist and whitelist once per run.
type listFilter struct {
	blacklist map[string]bool
	whitelist map[string]bool
}

func (r *run) loadListFilter() listFilter {
	f := listFilter{}
	if values, err := r.engine.store.ListValues("blacklist"); err == nil && len(values) > 0 {
		f.blacklist = make(map[string]bool, len(values))
		for _, v := range values {
			f.blacklist[normalizeUsername(v)] = true
		}
	}
	if values, err := r.engine.store.ListValues("whitelist"); err == nil && len(values) > 0 {
		f.whitelist = make(map[string]bool, len(values))
		for _, v := range values {
			f.whitelist[normalizeUsername(v)] = true
		}
	}
	return f
}

// Allowed applies blacklist exclusion and whitelist-only mode.
func (f listFilter) Allowed(username string) bool {
	u := normalizeUsername(username)
	if f.blacklist != nil && f.blacklist[u] {
		return false
	}
	if f.whitelist != nil && !f.whitelist[u] {
		return false
	}
	return true
}

func (r *run) payload(v interface{ Validate() error }) error {
	if err := json.Unmarshal(r.task.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	return v.Validate()
}
