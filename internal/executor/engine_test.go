package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/broadcast"
	"github.com/artai8/la/internal/config"
	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/platform"
	"github.com/artai8/la/internal/platform/platformtest"
	"github.com/artai8/la/internal/pool"
	"github.com/artai8/la/internal/storage"
	"github.com/artai8/la/internal/testutil"
)

type engineFixture struct {
	engine *Engine
	pool   *pool.Pool
	store  *storage.Store
	fake   *platformtest.Fake
}

// newFixture wires an engine against the scripted platform fake with
// pacing zeroed out so runs complete instantly.
func newFixture(t *testing.T, phones ...string) *engineFixture {
	t.Helper()

	store, err := storage.NewStore(zap.NewNop(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, key := range []string{
		config.KeyMinDelay, config.KeyMaxDelay,
		config.KeyChatIntervalMin, config.KeyChatIntervalMax,
	} {
		require.NoError(t, store.SetSetting(key, "0"))
	}

	p := pool.New(zap.NewNop(), 3)
	for _, phone := range phones {
		p.Add(model.Account{Phone: phone})
	}

	nc := testutil.Connect(t)
	fake := platformtest.NewFake()
	emitter := broadcast.NewEmitter(nc, store, zap.NewNop())
	engine := NewEngine(zap.NewNop(), p, store, fake, emitter, NewWorkingSet(), nil)
	return &engineFixture{engine: engine, pool: p, store: store, fake: fake}
}

func (f *engineFixture) newTask(t *testing.T, typ model.TaskType, payload any) *model.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	id, err := f.store.CreateTask(context.Background(), typ, raw, time.Now().Unix())
	require.NoError(t, err)
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *engineFixture) allIdle(t *testing.T) {
	t.Helper()
	for _, a := range f.pool.Accounts() {
		assert.Equal(t, model.EngagementIdle, a.State, "account %s not idle", a.Phone)
	}
}

func TestChatCyclesMessages(t *testing.T) {
	f := newFixture(t, "+100", "+101")
	f.fake.AddChat("@grp", 10, "Group")

	task := f.newTask(t, model.TaskChat, model.ChatPayload{
		Link:          "@grp",
		Messages:      []string{"hi", "bye"},
		NumberAccount: 2,
		MaxMessages:   3,
	})
	require.NoError(t, f.engine.Execute(context.Background(), task))

	for _, phone := range []string{"+100", "+101"} {
		assert.Equal(t, []string{"hi", "bye", "hi"}, f.fake.SentTexts(phone))
	}
	f.allIdle(t)

	stored, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stored.Counters.Sent)
}

func TestExtractDedup(t *testing.T) {
	f := newFixture(t, "+100")
	f.fake.AddChat("@src", 20, "Source")
	for i := 1; i <= 50; i++ {
		f.fake.AddMembers(20, platform.Member{ID: int64(i), Username: fmt.Sprintf("user%d", i)})
	}

	for run := 0; run < 2; run++ {
		task := f.newTask(t, model.TaskExtract, model.ExtractPayload{Link: "@src"})
		require.NoError(t, f.engine.Execute(context.Background(), task))
	}

	count, err := f.store.CountMembers(context.Background(), "@src")
	require.NoError(t, err)
	assert.Equal(t, 50, count)
	f.allIdle(t)
}

func TestExtractFiltersAndAutoLoad(t *testing.T) {
	f := newFixture(t, "+100")
	f.fake.AddChat("@src", 20, "Source")
	f.fake.AddMembers(20,
		platform.Member{ID: 1, Username: "alice"},
		platform.Member{ID: 2, Username: "bob_bot", IsBot: true},
		platform.Member{ID: 3, Username: "carol", IsDeleted: true},
		platform.Member{ID: 4, Username: "spam_dave"},
	)

	task := f.newTask(t, model.TaskExtract, model.ExtractPayload{
		Link:            "@src",
		ExcludeKeywords: []string{"spam"},
		AutoLoad:        true,
	})
	require.NoError(t, f.engine.Execute(context.Background(), task))

	// Bot and deleted members are dropped entirely; the keyword match is
	// kept but classified bad and not auto-loaded.
	count, err := f.store.CountMembers(context.Background(), "@src")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, f.engine.WorkingSet().Len())
}

func TestAdderLedgerAndBlacklist(t *testing.T) {
	f := newFixture(t, "+100")
	f.fake.AddChat("@dest", 30, "Dest")
	require.NoError(t, f.store.AddListValue("blacklist", "mallory"))
	require.NoError(t, f.store.RecordMemberAdded(context.Background(), "already", "+999", 1))

	f.engine.WorkingSet().Load([]string{"alice", "mallory", "already", "bob"})

	task := f.newTask(t, model.TaskAdder, model.AdderPayload{
		Link:        "@dest",
		NumberAdd:   10,
		UseRemoteDB: boolPtr(false),
	})
	require.NoError(t, f.engine.Execute(context.Background(), task))

	var added []string
	for _, a := range f.fake.Added {
		added = append(added, a.Username)
	}
	assert.Equal(t, []string{"alice", "bob"}, added)
	f.allIdle(t)

	done, err := f.store.IsMemberAdded(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDMOneMessagePerRecipient(t *testing.T) {
	f := newFixture(t, "+100", "+101")
	f.engine.WorkingSet().Load([]string{"u1", "u2", "u3", "u4", "u5"})

	task := f.newTask(t, model.TaskDM, model.DMPayload{
		Messages:      []string{"hello"},
		NumberAccount: 2,
		UseLoaded:     true,
	})
	require.NoError(t, f.engine.Execute(context.Background(), task))

	recipients := make(map[string]int)
	for _, m := range f.fake.Sent {
		recipients[m.To]++
	}
	assert.Len(t, recipients, 5)
	for to, n := range recipients {
		assert.Equal(t, 1, n, "recipient %s messaged more than once", to)
	}
	f.allIdle(t)
}

func TestJoinRoundRobin(t *testing.T) {
	f := newFixture(t, "+100", "+101")
	for i, link := range []string{"@a", "@b", "@c"} {
		f.fake.AddChat(link, int64(40+i), link)
	}

	task := f.newTask(t, model.TaskJoin, model.JoinPayload{
		Links:         []string{"@a", "@b", "@c"},
		NumberAccount: 2,
	})
	require.NoError(t, f.engine.Execute(context.Background(), task))

	assert.Len(t, f.fake.Joined, 3)
	f.allIdle(t)
}

func TestSequenceSingleLeasePerAccount(t *testing.T) {
	f := newFixture(t, "+100")
	f.fake.AddChat("@chat", 50, "Chat")
	f.fake.AddChat("@add", 51, "Add")
	f.engine.WorkingSet().Load([]string{"alice", "bob"})

	task := f.newTask(t, model.TaskSequence, model.SequencePayload{
		ChatLink:       "@chat",
		AddLink:        "@add",
		Messages:       []string{"warm"},
		ChatPerAccount: 2,
		NumberAdd:      2,
		NumberAccount:  1,
		KeepOnline:     true,
	})
	require.NoError(t, f.engine.Execute(context.Background(), task))

	// One dial means one session, so both phases shared the single lease.
	assert.Equal(t, 1, f.fake.Dials)
	assert.Equal(t, []string{"warm", "warm"}, f.fake.SentTexts("+100"))
	assert.Len(t, f.fake.Added, 2)

	a, ok := f.pool.Get("+100")
	require.True(t, ok)
	assert.Equal(t, model.EngagementIdle, a.State)
	assert.True(t, a.Online, "keep_online leaves the account in keepalive")
}

func TestLeaseFailureAfterRetries(t *testing.T) {
	f := newFixture(t) // empty pool
	f.fake.AddChat("@grp", 10, "Group")

	task := f.newTask(t, model.TaskChat, model.ChatPayload{
		Link:     "@grp",
		Messages: []string{"hi"},
	})
	err := f.engine.Execute(context.Background(), task)
	assert.ErrorIs(t, err, model.ErrInsufficientAccounts)
}

func TestFloodWaitOverLimitQuarantines(t *testing.T) {
	f := newFixture(t, "+100")
	f.fake.AddChat("@grp", 10, "Group")
	require.NoError(t, f.store.SetSetting(config.KeyFloodWaitLimit, "500"))
	f.fake.FailAlways("send:+100", &platform.FloodWaitError{Seconds: 600})

	task := f.newTask(t, model.TaskChat, model.ChatPayload{
		Link:        "@grp",
		Messages:    []string{"hi"},
		MaxMessages: 1,
	})
	err := f.engine.Execute(context.Background(), task)
	assert.ErrorIs(t, err, model.ErrResourceExhausted)

	a, _ := f.pool.Get("+100")
	assert.Equal(t, model.EngagementQuarantined, a.State)
}

func TestFloodWaitUnderLimitRetries(t *testing.T) {
	f := newFixture(t, "+100")
	f.fake.AddChat("@grp", 10, "Group")
	f.fake.FailOnce("send:+100", &platform.FloodWaitError{Seconds: 0})

	task := f.newTask(t, model.TaskChat, model.ChatPayload{
		Link:        "@grp",
		Messages:    []string{"hi"},
		MaxMessages: 1,
	})
	require.NoError(t, f.engine.Execute(context.Background(), task))

	assert.Equal(t, []string{"hi"}, f.fake.SentTexts("+100"))
	f.allIdle(t)
}

func TestBannedAccountReleasedAsBanned(t *testing.T) {
	f := newFixture(t, "+100", "+101")
	f.fake.AddChat("@dest", 30, "Dest")
	f.engine.WorkingSet().Load([]string{"alice", "bob"})
	f.fake.FailAlways("dial:+100", platform.ErrBanned)

	task := f.newTask(t, model.TaskAdder, model.AdderPayload{
		Link:          "@dest",
		NumberAdd:     2,
		NumberAccount: 2,
		UseRemoteDB:   boolPtr(false),
	})
	require.NoError(t, f.engine.Execute(context.Background(), task))

	banned, _ := f.pool.Get("+100")
	assert.Equal(t, model.HealthBanned, banned.Health)
	assert.Len(t, f.fake.Added, 2, "remaining account finishes the work")
}

func TestTransientDialFailureRetries(t *testing.T) {
	f := newFixture(t, "+100")
	f.fake.AddChat("@grp", 10, "Group")
	f.fake.FailOnce("dial:+100", fmt.Errorf("connection reset"))

	task := f.newTask(t, model.TaskChat, model.ChatPayload{
		Link:        "@grp",
		Messages:    []string{"hi"},
		MaxMessages: 1,
	})
	require.NoError(t, f.engine.Execute(context.Background(), task))

	assert.Equal(t, 2, f.fake.Dials)
	assert.Equal(t, []string{"hi"}, f.fake.SentTexts("+100"))
	f.allIdle(t)
}

func TestTaskErrorBudgetSharedAcrossAccounts(t *testing.T) {
	f := newFixture(t, "+100", "+101", "+102")
	f.fake.AddChat("@grp", 10, "Group")
	require.NoError(t, f.store.SetSetting(config.KeyMaxErrors, "2"))
	for _, phone := range []string{"+100", "+101", "+102"} {
		f.fake.FailAlways("send:"+phone, fmt.Errorf("%w: peer flood", model.ErrPlatformRejected))
	}

	task := f.newTask(t, model.TaskChat, model.ChatPayload{
		Link:          "@grp",
		Messages:      []string{"hi"},
		NumberAccount: 3,
		MaxMessages:   5,
	})
	err := f.engine.Execute(context.Background(), task)
	assert.ErrorIs(t, err, model.ErrResourceExhausted)

	// Two errors exhaust the shared budget. Every failure after that drops
	// its account immediately instead of burning a fresh per-account budget.
	assert.LessOrEqual(t, f.fake.SendAttempts, 4)
	f.allIdle(t)
}

func TestCancellationReleasesLeases(t *testing.T) {
	f := newFixture(t, "+100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := f.newTask(t, model.TaskWarmup, model.WarmupPayload{DurationMin: 5})
	err := f.engine.Execute(ctx, task)
	assert.ErrorIs(t, err, context.Canceled)
	f.allIdle(t)
}

func TestScrapeFilters(t *testing.T) {
	f := newFixture(t, "+100")
	f.fake.AddChat("@news", 60, "News")
	f.fake.AddHistory(60,
		platform.Message{ID: 1, Text: "a very long interesting message"},
		platform.Message{ID: 2, Text: "ok"},
		platform.Message{ID: 3, Text: "buy crypto now and win big"},
	)

	task := f.newTask(t, model.TaskScrape, model.ScrapePayload{
		Link:              "@news",
		MinLength:         5,
		KeywordsBlacklist: []string{"crypto"},
		SaveToRemote:      boolPtr(false),
	})
	require.NoError(t, f.engine.Execute(context.Background(), task))

	stored, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Counters.Extracted)
}

func boolPtr(b bool) *bool { return &b }
