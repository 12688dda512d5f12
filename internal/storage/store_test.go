package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(zap.NewNop(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, model.TaskChat, json.RawMessage(`{"messages":["hi"]}`), 0)
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusQueued, task.Status)
	assert.Equal(t, task.CreatedAt, task.RunAt, "zero run_at defaults to creation time")
	assert.Nil(t, task.StartedAt)

	require.NoError(t, s.SetTaskStatus(ctx, id, model.TaskStatusScheduled, ""))
	require.NoError(t, s.SetTaskRunning(ctx, id))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, task.Status)
	require.NotNil(t, task.StartedAt)

	require.NoError(t, s.UpdateTaskCounters(ctx, id, model.Counters{OK: 3, Sent: 3}))
	require.NoError(t, s.SetTaskStatus(ctx, id, model.TaskStatusDone, ""))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDone, task.Status)
	require.NotNil(t, task.FinishedAt)
	assert.Equal(t, int64(3), task.Counters.OK)
	assert.Equal(t, int64(3), task.Counters.Sent)
}

func TestTaskFailureKeepsMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, model.TaskJoin, json.RawMessage(`{"links":["@g"]}`), 0)
	require.NoError(t, err)
	require.NoError(t, s.SetTaskStatus(ctx, id, model.TaskStatusFailed, "insufficient accounts"))

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "insufficient accounts", task.Error)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), 42)
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
}

func TestPendingTasksOrderedByRunAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := json.RawMessage(`{"duration_min":1}`)

	later, err := s.CreateTask(ctx, model.TaskWarmup, payload, time.Now().Add(time.Hour).Unix())
	require.NoError(t, err)
	sooner, err := s.CreateTask(ctx, model.TaskWarmup, payload, time.Now().Add(time.Minute).Unix())
	require.NoError(t, err)
	done, err := s.CreateTask(ctx, model.TaskWarmup, payload, 0)
	require.NoError(t, err)
	require.NoError(t, s.SetTaskStatus(ctx, done, model.TaskStatusDone, ""))

	pending, err := s.PendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, sooner, pending[0].ID)
	assert.Equal(t, later, pending[1].ID)
}

func TestAppendAndReadTaskLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, model.TaskExtract, json.RawMessage(`{"link":"@g"}`), 0)
	require.NoError(t, err)
	require.NoError(t, s.AppendTaskLog(ctx, id, "[12:00:00] started"))
	require.NoError(t, s.AppendTaskLog(ctx, id, "[12:00:01] finished"))

	log, err := s.TaskLog(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "[12:00:00] started\n[12:00:01] finished\n", log)
}

func TestDeleteFinishedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	payload := json.RawMessage(`{"duration_min":1}`)

	old, err := s.CreateTask(ctx, model.TaskWarmup, payload, 0)
	require.NoError(t, err)
	require.NoError(t, s.SetTaskStatus(ctx, old, model.TaskStatusDone, ""))
	fresh, err := s.CreateTask(ctx, model.TaskWarmup, payload, 0)
	require.NoError(t, err)

	require.NoError(t, s.DeleteFinishedBefore(ctx, time.Now().Add(time.Hour)))

	_, err = s.GetTask(ctx, old)
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
	_, err = s.GetTask(ctx, fresh)
	assert.NoError(t, err, "non-terminal tasks survive the prune")
}

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAccount(ctx, model.Account{Phone: "+100", Group: "g1", Health: model.HealthOK}))
	require.NoError(t, s.UpsertAccount(ctx, model.Account{Phone: "+101", Group: "g2", Health: model.HealthOK}))
	// update in place
	require.NoError(t, s.UpsertAccount(ctx, model.Account{Phone: "+100", Group: "g9", Health: model.HealthBanned}))

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	byPhone := map[string]model.Account{}
	for _, a := range accounts {
		byPhone[a.Phone] = a
	}
	assert.Equal(t, "g9", byPhone["+100"].Group)
	assert.Equal(t, model.HealthBanned, byPhone["+100"].Health)

	require.NoError(t, s.RemoveAccount(ctx, "+100"))
	accounts, err = s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "+101", accounts[0].Phone)
}

func TestMemberDedupAcrossExtractions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := make([]model.Member, 0, 50)
	for i := 0; i < 50; i++ {
		batch = append(batch, model.Member{
			ID:          int64(i + 1),
			Username:    "user" + string(rune('a'+i%26)),
			SourceGroup: "@grp",
			OK:          true,
		})
	}
	require.NoError(t, s.UpsertMembers(ctx, batch))
	require.NoError(t, s.UpsertMembers(ctx, batch))

	count, err := s.CountMembers(ctx, "@grp")
	require.NoError(t, err)
	assert.Equal(t, 50, count)

	total, err := s.CountAllMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, total)
}

func TestMemberUsernamesFiltersOK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMembers(ctx, []model.Member{
		{ID: 1, Username: "alice", SourceGroup: "@grp", OK: true},
		{ID: 2, Username: "bob", SourceGroup: "@grp", OK: false},
		{ID: 3, Username: "", SourceGroup: "@grp", OK: true},
		{ID: 4, Username: "carol", SourceGroup: "@other", OK: true},
	}))

	names, err := s.MemberUsernames(ctx, "@grp", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, names)

	names, err = s.MemberUsernames(ctx, "", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "carol"}, names)
}

func TestAddedMembersLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	added, err := s.IsMemberAdded(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, s.RecordMemberAdded(ctx, "alice", "+100", 7))
	added, err = s.IsMemberAdded(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, added)

	count, err := s.CountAddedMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetSetting("min_delay")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetSetting("min_delay", "120"))
	require.NoError(t, s.SetSetting("min_delay", "60"))
	v, err = s.GetSetting("min_delay")
	require.NoError(t, err)
	assert.Equal(t, "60", v)

	all, err := s.AllSettings()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"min_delay": "60"}, all)
}

func TestListsDedupAndRemove(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddListValue("blacklist", "mallory"))
	require.NoError(t, s.AddListValue("blacklist", "mallory"))
	require.NoError(t, s.AddListValue("whitelist", "alice"))

	values, err := s.ListValues("blacklist")
	require.NoError(t, err)
	assert.Equal(t, []string{"mallory"}, values)

	require.NoError(t, s.RemoveListValue("blacklist", "mallory"))
	values, err = s.ListValues("blacklist")
	require.NoError(t, err)
	assert.Empty(t, values)
}
