package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/model"
)

func newTestPool(t *testing.T, phones ...string) *Pool {
	t.Helper()
	p := New(zap.NewNop(), 3)
	for _, phone := range phones {
		p.Add(model.Account{Phone: phone})
	}
	return p
}

func TestLeaseExclusive(t *testing.T) {
	p := newTestPool(t, "+100", "+101", "+102")

	got, err := p.Lease(Criteria{Count: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// The leased accounts must not be handed out again.
	_, err = p.Lease(Criteria{Count: 2})
	assert.ErrorIs(t, err, model.ErrInsufficientAccounts)

	p.Release(got[0].Phone, Normal())
	again, err := p.Lease(Criteria{Count: 2})
	require.NoError(t, err)
	require.Len(t, again, 2)
	phones := map[string]bool{again[0].Phone: true, again[1].Phone: true}
	assert.True(t, phones[got[0].Phone])
	assert.False(t, phones[got[1].Phone])
}

func TestLeaseConcurrentNoDoubleGrant(t *testing.T) {
	p := newTestPool(t, "+100", "+101", "+102", "+103", "+104")

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Lease(Criteria{Count: 1})
			if err != nil {
				return
			}
			mu.Lock()
			seen[got[0].Phone]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 5)
	for phone, n := range seen {
		assert.Equal(t, 1, n, "account %s leased more than once", phone)
	}
}

func TestLeaseFairnessLRU(t *testing.T) {
	p := newTestPool(t, "+300", "+100", "+200")

	// First round ties on LastLeasedAt, so phone order decides.
	first, err := p.Lease(Criteria{Count: 1})
	require.NoError(t, err)
	assert.Equal(t, "+100", first[0].Phone)
	p.Release("+100", Normal())

	// +100 is now the most recently used and goes to the back.
	second, err := p.Lease(Criteria{Count: 2})
	require.NoError(t, err)
	assert.Equal(t, "+200", second[0].Phone)
	assert.Equal(t, "+300", second[1].Phone)
}

func TestLeaseCountZeroTakesAll(t *testing.T) {
	p := newTestPool(t, "+100", "+101")

	got, err := p.Lease(Criteria{})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Nothing left: count zero still requires at least one account.
	_, err = p.Lease(Criteria{})
	assert.ErrorIs(t, err, model.ErrInsufficientAccounts)
}

func TestLeaseFilters(t *testing.T) {
	p := New(zap.NewNop(), 3)
	p.Add(model.Account{Phone: "+100", Group: "alpha"})
	p.Add(model.Account{Phone: "+101", Group: "beta"})
	p.Add(model.Account{Phone: "+102", Group: "beta"})

	got, err := p.Lease(Criteria{Count: 1, Group: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, "+100", got[0].Phone)

	got, err = p.Lease(Criteria{Count: 1, Phones: []string{"+102"}})
	require.NoError(t, err)
	assert.Equal(t, "+102", got[0].Phone)

	_, err = p.Lease(Criteria{Count: 2, Group: "beta"})
	assert.ErrorIs(t, err, model.ErrInsufficientAccounts)
}

func TestReleaseFloodWaitCooldown(t *testing.T) {
	p := newTestPool(t, "+100")

	got, err := p.Lease(Criteria{Count: 1})
	require.NoError(t, err)
	p.Release(got[0].Phone, FloodWait(time.Hour))

	_, err = p.Lease(Criteria{Count: 1})
	assert.ErrorIs(t, err, model.ErrInsufficientAccounts)

	a, ok := p.Get("+100")
	require.True(t, ok)
	assert.Equal(t, model.EngagementCooldown, a.State)
	assert.Greater(t, a.CooldownUntil, time.Now().Unix())
}

func TestReleaseErrorQuarantinesAtThreshold(t *testing.T) {
	p := newTestPool(t, "+100")

	for i := 0; i < 2; i++ {
		_, err := p.Lease(Criteria{Count: 1})
		require.NoError(t, err)
		p.Release("+100", Errored())
		a, _ := p.Get("+100")
		assert.Equal(t, model.EngagementIdle, a.State)
	}

	_, err := p.Lease(Criteria{Count: 1})
	require.NoError(t, err)
	p.Release("+100", Errored())

	a, _ := p.Get("+100")
	assert.Equal(t, model.EngagementQuarantined, a.State)
	assert.Equal(t, 3, a.Errors)
	_, err = p.Lease(Criteria{Count: 1})
	assert.ErrorIs(t, err, model.ErrInsufficientAccounts)
}

func TestReleaseBanned(t *testing.T) {
	p := newTestPool(t, "+100")

	_, err := p.Lease(Criteria{Count: 1})
	require.NoError(t, err)
	p.Release("+100", Banned())

	a, _ := p.Get("+100")
	assert.Equal(t, model.HealthBanned, a.Health)
	_, err = p.Lease(Criteria{Count: 1})
	assert.ErrorIs(t, err, model.ErrInsufficientAccounts)

	require.NoError(t, p.ClearBanned("+100"))
	_, err = p.Lease(Criteria{Count: 1})
	assert.NoError(t, err)
}

func TestSweepRestoresExpiredCooldown(t *testing.T) {
	p := newTestPool(t, "+100")

	_, err := p.Lease(Criteria{Count: 1})
	require.NoError(t, err)
	p.Release("+100", FloodWait(-time.Second))

	p.Sweep()
	a, _ := p.Get("+100")
	assert.Equal(t, model.EngagementIdle, a.State)
	assert.Zero(t, a.CooldownUntil)
}

func TestRemoveLeasedRejected(t *testing.T) {
	p := newTestPool(t, "+100")

	_, err := p.Lease(Criteria{Count: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Remove("+100"), model.ErrInvalidState)

	p.Release("+100", Normal())
	assert.NoError(t, p.Remove("+100"))
	assert.ErrorIs(t, p.Remove("+100"), model.ErrAccountNotFound)
}

func TestKeepaliveAndCounts(t *testing.T) {
	p := newTestPool(t, "+100", "+101", "+102")

	p.SetKeepalive([]string{"+100", "+101"}, true)
	got, err := p.Lease(Criteria{Count: 1})
	require.NoError(t, err)
	p.Release(got[0].Phone, FloodWait(time.Hour))
	_, err = p.Lease(Criteria{Count: 1, Warming: true})
	require.NoError(t, err)

	c := p.Counts()
	assert.Equal(t, 3, c.Total)
	assert.Equal(t, 2, c.Online)
	assert.Equal(t, 1, c.Leased)
	assert.Equal(t, 1, c.Cooldown)
	assert.Equal(t, 0, c.Quarantined)
}

func TestOnChangeObserved(t *testing.T) {
	p := New(zap.NewNop(), 3)

	var mu sync.Mutex
	var events []string
	p.OnChange(func(a model.Account) {
		mu.Lock()
		events = append(events, a.Phone+":"+string(a.State))
		mu.Unlock()
	})

	p.Add(model.Account{Phone: "+100"})
	_, err := p.Lease(Criteria{Count: 1})
	require.NoError(t, err)
	p.Release("+100", Normal())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"+100:idle", "+100:leased", "+100:idle"}, events)
}
