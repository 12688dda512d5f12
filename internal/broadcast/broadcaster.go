package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/artai8/la/internal/model"
)

// maxFeedLines bounds the run and final line buffers kept in the snapshot.
const maxFeedLines = 200

// statePushRate caps how often a rebuilt snapshot is pushed to observers.
// Bursts of counter events coalesce into one push.
var statePushRate = rate.Limit(5)

// MemberStats reports the extracted-member count for the snapshot.
// Implemented by the storage layer.
type MemberStats interface {
	CountAllMembers(ctx context.Context) (int, error)
}

// WorkingCounter reports how many usernames remain in the loaded working
// set. Implemented by the executor's working set.
type WorkingCounter interface {
	Len() int
}

// Broadcaster subscribes to the event bus and folds events into the live
// dashboard snapshot. One broadcaster serves all observers.
type Broadcaster struct {
	nc      *nats.Conn
	stats   MemberStats
	working WorkingCounter
	logger  *zap.Logger

	sub *nats.Subscription

	mu        sync.Mutex
	state     snapshotState
	onState   func(model.StateSnapshot)
	onLog     func(model.LogEvent)
	dirty     chan struct{}
	limiter   *rate.Limiter
	keepalive bool
}

type snapshotState struct {
	currentTaskID   *int64
	currentTaskType *string
	ok              int64
	bad             int64
	runs            []string
	final           []string
	online          int
}

// NewBroadcaster creates a broadcaster. stats may be nil; member counts are
// then reported as zero.
func NewBroadcaster(nc *nats.Conn, stats MemberStats, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		nc:      nc,
		stats:   stats,
		logger:  logger.Named("broadcaster"),
		dirty:   make(chan struct{}, 1),
		limiter: rate.NewLimiter(statePushRate, 1),
	}
}

// SetWorking registers the working set reported as members_count.
func (b *Broadcaster) SetWorking(w WorkingCounter) {
	b.mu.Lock()
	b.working = w
	b.mu.Unlock()
}

// OnState registers the snapshot sink.
func (b *Broadcaster) OnState(fn func(model.StateSnapshot)) {
	b.mu.Lock()
	b.onState = fn
	b.mu.Unlock()
}

// OnLog registers the raw log-line sink.
func (b *Broadcaster) OnLog(fn func(model.LogEvent)) {
	b.mu.Lock()
	b.onLog = fn
	b.mu.Unlock()
}

func (b *Broadcaster) stateSink() func(model.StateSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onState
}

func (b *Broadcaster) logSink() func(model.LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onLog
}

// Start subscribes to the bus and runs the coalesced state-push loop until
// ctx is canceled. A single wildcard subscription keeps one delivery
// goroutine, so events fold in publish order across subjects.
func (b *Broadcaster) Start(ctx context.Context) error {
	sub, err := b.nc.Subscribe("event.>", b.handleEvent)
	if err != nil {
		return err
	}
	b.sub = sub

	go b.pushLoop(ctx)
	return nil
}

func (b *Broadcaster) unsubscribe() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
}

func (b *Broadcaster) handleEvent(msg *nats.Msg) {
	switch msg.Subject {
	case model.SubjectLog:
		b.handleLog(msg)
	case model.SubjectCounter:
		b.handleCounter(msg)
	case model.SubjectTask:
		b.handleTask(msg)
	case model.SubjectPool:
		b.handlePool(msg)
	}
}

func (b *Broadcaster) pushLoop(ctx context.Context) {
	defer b.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.dirty:
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
		if fn := b.stateSink(); fn != nil {
			fn(b.Snapshot(ctx))
		}
	}
}

func (b *Broadcaster) markDirty() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

func (b *Broadcaster) handleLog(msg *nats.Msg) {
	var ev model.LogEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Error("Failed to unmarshal log event", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.state.runs = appendBounded(b.state.runs, ev.Text)
	b.mu.Unlock()
	b.markDirty()

	if fn := b.logSink(); fn != nil {
		fn(ev)
	}
}

func (b *Broadcaster) handleCounter(msg *nats.Msg) {
	var ev model.CounterEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Error("Failed to unmarshal counter event", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.state.ok += ev.Delta.OK
	b.state.bad += ev.Delta.Bad
	b.mu.Unlock()
	b.markDirty()
}

func (b *Broadcaster) handleTask(msg *nats.Msg) {
	var ev model.TaskEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Error("Failed to unmarshal task event", zap.Error(err))
		return
	}

	b.mu.Lock()
	switch {
	case ev.Status == model.TaskStatusRunning:
		id := ev.TaskID
		typ := string(ev.Type)
		b.state.currentTaskID = &id
		b.state.currentTaskType = &typ
		b.state.ok = 0
		b.state.bad = 0
		b.state.runs = nil
	case ev.Status.Terminal():
		if b.state.currentTaskID != nil && *b.state.currentTaskID == ev.TaskID {
			b.state.final = appendBoundedAll(b.state.final, b.state.runs)
			b.state.runs = nil
			b.state.currentTaskID = nil
			b.state.currentTaskType = nil
		}
	}
	b.mu.Unlock()
	b.markDirty()
}

func (b *Broadcaster) handlePool(msg *nats.Msg) {
	var ev model.PoolEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Error("Failed to unmarshal pool event", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.state.online = ev.Online
	b.mu.Unlock()
	b.markDirty()
}

// SetKeepalive records the keepalive toggle surfaced in the snapshot.
func (b *Broadcaster) SetKeepalive(on bool) {
	b.mu.Lock()
	b.keepalive = on
	b.mu.Unlock()
	b.markDirty()
}

// Snapshot builds the current dashboard state. The extract and status flags
// are projections of the current task type; they are never set directly.
func (b *Broadcaster) Snapshot(ctx context.Context) model.StateSnapshot {
	b.mu.Lock()
	s := model.StateSnapshot{
		OKCount:         b.state.ok,
		BadCount:        b.state.bad,
		Runs:            append([]string(nil), b.state.runs...),
		Final:           append([]string(nil), b.state.final...),
		CurrentTaskID:   b.state.currentTaskID,
		CurrentTaskType: b.state.currentTaskType,
		Online:          b.state.online,
		Keepalive:       b.keepalive,
	}
	if b.state.currentTaskType != nil {
		switch model.TaskType(*b.state.currentTaskType) {
		case model.TaskExtract, model.TaskExtractBatch, model.TaskScrape:
			s.Extract = true
		case model.TaskAdder, model.TaskInvite, model.TaskSequence:
			s.Status = true
		}
	}
	working := b.working
	b.mu.Unlock()

	if working != nil {
		s.MembersCount = working.Len()
	}
	if b.stats != nil {
		if n, err := b.stats.CountAllMembers(ctx); err == nil {
			s.MembersExtCount = n
		}
	}
	return s
}

func appendBounded(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > maxFeedLines {
		lines = lines[len(lines)-maxFeedLines:]
	}
	return lines
}

func appendBoundedAll(dst, src []string) []string {
	dst = append(dst, src...)
	if len(dst) > maxFeedLines {
		dst = dst[len(dst)-maxFeedLines:]
	}
	return dst
}
