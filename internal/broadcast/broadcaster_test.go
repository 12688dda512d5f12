package broadcast

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/testutil"
)

type memLogStore struct {
	mu    sync.Mutex
	lines map[int64][]string
}

func (m *memLogStore) AppendTaskLog(_ context.Context, taskID int64, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lines == nil {
		m.lines = make(map[int64][]string)
	}
	m.lines[taskID] = append(m.lines[taskID], line)
	return nil
}

func (m *memLogStore) get(taskID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines[taskID]...)
}

func startBroadcaster(t *testing.T) (*Emitter, *Broadcaster, *memLogStore) {
	t.Helper()
	nc := testutil.Connect(t)

	store := &memLogStore{}
	em := NewEmitter(nc, store, zap.NewNop())
	b := NewBroadcaster(nc, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, b.Start(ctx))
	return em, b, store
}

func TestLogLineFormatAndPersistence(t *testing.T) {
	em, b, store := startBroadcaster(t)

	var mu sync.Mutex
	var got []model.LogEvent
	b.OnLog(func(ev model.LogEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	em.Log(7, model.ChannelExtract, "parsed %d members", 42)

	testutil.Eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	ev := got[0]
	mu.Unlock()
	assert.Equal(t, int64(7), ev.TaskID)
	assert.Equal(t, model.ChannelExtract, ev.Channel)
	assert.Regexp(t, regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] parsed 42 members$`), ev.Text)

	lines := store.get(7)
	require.Len(t, lines, 1)
	assert.Equal(t, ev.Text, lines[0])
}

func TestCounterAggregationAndRunReset(t *testing.T) {
	em, b, _ := startBroadcaster(t)

	em.Task(1, model.TaskAdder, model.TaskStatusRunning)
	em.Counter(1, model.Counters{OK: 3, Bad: 1})
	em.Counter(1, model.Counters{OK: 2})

	testutil.Eventually(t, 2*time.Second, func() bool {
		s := b.Snapshot(context.Background())
		return s.OKCount == 5 && s.BadCount == 1
	})

	s := b.Snapshot(context.Background())
	require.NotNil(t, s.CurrentTaskID)
	assert.Equal(t, int64(1), *s.CurrentTaskID)
	assert.True(t, s.Status, "adder projects the legacy status flag")
	assert.False(t, s.Extract)

	// A new run starts from zero.
	em.Task(2, model.TaskExtract, model.TaskStatusRunning)
	testutil.Eventually(t, 2*time.Second, func() bool {
		s := b.Snapshot(context.Background())
		return s.CurrentTaskID != nil && *s.CurrentTaskID == 2
	})
	s = b.Snapshot(context.Background())
	assert.Zero(t, s.OKCount)
	assert.Zero(t, s.BadCount)
	assert.True(t, s.Extract)
	assert.False(t, s.Status)
}

func TestTerminalTaskMovesRunsToFinal(t *testing.T) {
	em, b, _ := startBroadcaster(t)

	em.Task(3, model.TaskExtract, model.TaskStatusRunning)
	em.Log(3, model.ChannelExtract, "first line")
	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(b.Snapshot(context.Background()).Runs) == 1
	})

	em.Task(3, model.TaskExtract, model.TaskStatusDone)
	testutil.Eventually(t, 2*time.Second, func() bool {
		s := b.Snapshot(context.Background())
		return len(s.Final) == 1 && len(s.Runs) == 0
	})

	s := b.Snapshot(context.Background())
	assert.Nil(t, s.CurrentTaskID)
	assert.Nil(t, s.CurrentTaskType)
	assert.False(t, s.Extract)
	assert.Contains(t, s.Final[0], "first line")
}

func TestCrossSubjectEventOrderPreserved(t *testing.T) {
	em, b, _ := startBroadcaster(t)

	// Logs published right after the running event must land in the same
	// run, and every run's lines must survive into the final feed.
	for task := int64(10); task < 13; task++ {
		em.Task(task, model.TaskExtract, model.TaskStatusRunning)
		for i := 0; i < 5; i++ {
			em.Log(task, model.ChannelExtract, "line %d", i)
			em.Counter(task, model.Counters{OK: 1})
		}
		em.Task(task, model.TaskExtract, model.TaskStatusDone)
	}

	testutil.Eventually(t, 2*time.Second, func() bool {
		return len(b.Snapshot(context.Background()).Final) == 15
	})
	s := b.Snapshot(context.Background())
	assert.Empty(t, s.Runs)
	assert.Nil(t, s.CurrentTaskID)
}

type staticWorking int

func (s staticWorking) Len() int { return int(s) }

func TestSnapshotReportsWorkingSetSize(t *testing.T) {
	_, b, _ := startBroadcaster(t)
	b.SetWorking(staticWorking(7))

	s := b.Snapshot(context.Background())
	assert.Equal(t, 7, s.MembersCount)
}

func TestPoolAndKeepaliveInSnapshot(t *testing.T) {
	em, b, _ := startBroadcaster(t)

	em.Pool(model.PoolEvent{Total: 5, Online: 3})
	b.SetKeepalive(true)

	testutil.Eventually(t, 2*time.Second, func() bool {
		s := b.Snapshot(context.Background())
		return s.Online == 3 && s.Keepalive
	})
}

func TestCoalescedStatePush(t *testing.T) {
	em, b, _ := startBroadcaster(t)

	var mu sync.Mutex
	pushes := 0
	b.OnState(func(model.StateSnapshot) {
		mu.Lock()
		pushes++
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		em.Counter(1, model.Counters{OK: 1})
	}

	testutil.Eventually(t, 3*time.Second, func() bool {
		return b.Snapshot(context.Background()).OKCount == 50
	})
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Greater(t, pushes, 0)
	assert.Less(t, pushes, 10, "bursts must coalesce")
}
