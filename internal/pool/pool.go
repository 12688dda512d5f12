// Package pool tracks the identity, health, and engagement state of every
// account and hands out exclusive leases to task executors. Lease never
// blocks: callers retry or fail their task when accounts are insufficient.
package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artai8/la/internal/model"
)

// Outcome describes how an account is returned to the pool.
type Outcome struct {
	kind outcomeKind
	wait time.Duration
}

type outcomeKind int

const (
	outcomeNormal outcomeKind = iota
	outcomeFloodWait
	outcomeError
	outcomeBanned
	outcomeQuarantine
)

// Normal returns the account to idle.
func Normal() Outcome { return Outcome{kind: outcomeNormal} }

// FloodWait puts the account in cooldown for the given duration.
func FloodWait(wait time.Duration) Outcome { return Outcome{kind: outcomeFloodWait, wait: wait} }

// Errored increments the account's error counter; reaching the pool's max
// error count quarantines it.
func Errored() Outcome { return Outcome{kind: outcomeError} }

// Banned marks the account banned; it is excluded from all future leases
// until manually cleared.
func Banned() Outcome { return Outcome{kind: outcomeBanned} }

// Quarantined parks the account pending manual review (the flood-over-limit
// decision of the backoff policy).
func Quarantined() Outcome { return Outcome{kind: outcomeQuarantine} }

// Criteria selects accounts for a lease.
type Criteria struct {
	// Count is the number of accounts requested. Zero means all leasable
	// accounts (at least one).
	Count int

	// Group restricts the lease to one account group when non-empty.
	Group string

	// Phones restricts the lease to an explicit set when non-empty.
	Phones []string

	// Warming marks the leased accounts as warming instead of leased.
	// Both states are exclusive use.
	Warming bool
}

// Counts is the pool summary published to observers.
type Counts struct {
	Total       int
	Online      int
	Leased      int
	Cooldown    int
	Quarantined int
}

// Pool owns all engagement state. Only lease and release mutate it; no lock
// is ever held across a blocking call.
type Pool struct {
	logger    *zap.Logger
	mu        sync.Mutex
	accounts  map[string]*model.Account
	maxErrors int

	// onChange, when set, observes every account state change. Called
	// without the pool lock held.
	onChange func(model.Account)
}

// New creates an empty pool. maxErrors is the per-account error threshold
// that triggers quarantine (0 disables it).
func New(logger *zap.Logger, maxErrors int) *Pool {
	return &Pool{
		logger:    logger.Named("pool"),
		accounts:  make(map[string]*model.Account),
		maxErrors: maxErrors,
	}
}

// OnChange registers a state-change observer.
func (p *Pool) OnChange(fn func(model.Account)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// SetMaxErrors updates the quarantine threshold.
func (p *Pool) SetMaxErrors(n int) {
	p.mu.Lock()
	p.maxErrors = n
	p.mu.Unlock()
}

// Add registers an account. Existing engagement state is preserved when the
// phone is already known.
func (p *Pool) Add(a model.Account) {
	p.mu.Lock()
	if existing, ok := p.accounts[a.Phone]; ok {
		existing.Credential = a.Credential
		existing.Group = a.Group
		existing.Proxy = a.Proxy
		p.mu.Unlock()
		return
	}
	if a.Group == "" {
		a.Group = model.DefaultGroup
	}
	if a.State == "" {
		a.State = model.EngagementIdle
	}
	if a.Health == "" {
		a.Health = model.HealthUnknown
	}
	p.accounts[a.Phone] = &a
	p.mu.Unlock()
	p.notify(a)
}

// Remove deletes an account. Removal of a leased account is rejected.
func (p *Pool) Remove(phone string) error {
	p.mu.Lock()
	a, ok := p.accounts[phone]
	if !ok {
		p.mu.Unlock()
		return model.ErrAccountNotFound
	}
	if a.State == model.EngagementLeased || a.State == model.EngagementWarming {
		p.mu.Unlock()
		return fmt.Errorf("%w: account %s is leased", model.ErrInvalidState, phone)
	}
	delete(p.accounts, phone)
	p.mu.Unlock()
	return nil
}

// Lease hands out up to c.Count accounts for exclusive use. Selection
// prefers least-recently-used accounts to spread wear, ties broken by
// ascending phone. Lease never blocks; when the request cannot be satisfied
// it fails with ErrInsufficientAccounts.
func (p *Pool) Lease(c Criteria) ([]model.Account, error) {
	now := time.Now().Unix()
	var explicit map[string]bool
	if len(c.Phones) > 0 {
		explicit = make(map[string]bool, len(c.Phones))
		for _, ph := range c.Phones {
			explicit[ph] = true
		}
	}

	p.mu.Lock()
	var candidates []*model.Account
	for _, a := range p.accounts {
		if !a.Leasable(now) {
			continue
		}
		if c.Group != "" && a.Group != c.Group {
			continue
		}
		if explicit != nil && !explicit[a.Phone] {
			continue
		}
		candidates = append(candidates, a)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastLeasedAt != candidates[j].LastLeasedAt {
			return candidates[i].LastLeasedAt < candidates[j].LastLeasedAt
		}
		return candidates[i].Phone < candidates[j].Phone
	})

	want := c.Count
	if want <= 0 {
		want = len(candidates)
	}
	if want < 1 {
		want = 1
	}
	if len(candidates) < want {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: need %d, have %d leasable",
			model.ErrInsufficientAccounts, want, len(candidates))
	}

	state := model.EngagementLeased
	if c.Warming {
		state = model.EngagementWarming
	}
	leased := make([]model.Account, 0, want)
	for _, a := range candidates[:want] {
		a.State = state
		a.LastLeasedAt = now
		a.CooldownUntil = 0
		leased = append(leased, *a)
	}
	p.mu.Unlock()

	for _, a := range leased {
		p.notify(a)
	}
	return leased, nil
}

// Release returns a leased account to the pool with the given outcome.
func (p *Pool) Release(phone string, o Outcome) {
	p.mu.Lock()
	a, ok := p.accounts[phone]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("Release of unknown account", zap.String("phone", phone))
		return
	}

	switch o.kind {
	case outcomeNormal:
		a.State = model.EngagementIdle
	case outcomeFloodWait:
		a.State = model.EngagementCooldown
		a.CooldownUntil = time.Now().Add(o.wait).Unix()
	case outcomeError:
		a.Errors++
		if p.maxErrors > 0 && a.Errors >= p.maxErrors {
			a.State = model.EngagementQuarantined
		} else {
			a.State = model.EngagementIdle
		}
	case outcomeBanned:
		a.Health = model.HealthBanned
		a.State = model.EngagementIdle
	case outcomeQuarantine:
		a.State = model.EngagementQuarantined
	}
	snapshot := *a
	p.mu.Unlock()

	p.notify(snapshot)
}

// SetKeepalive toggles the online flag for the given accounts. The flag
// composes with engagement state; online accounts remain leasable.
func (p *Pool) SetKeepalive(phones []string, on bool) {
	var changed []model.Account
	p.mu.Lock()
	for _, phone := range phones {
		if a, ok := p.accounts[phone]; ok && a.Online != on {
			a.Online = on
			changed = append(changed, *a)
		}
	}
	p.mu.Unlock()
	for _, a := range changed {
		p.notify(a)
	}
}

// ClearBanned manually restores a banned or quarantined account to rotation.
func (p *Pool) ClearBanned(phone string) error {
	p.mu.Lock()
	a, ok := p.accounts[phone]
	if !ok {
		p.mu.Unlock()
		return model.ErrAccountNotFound
	}
	a.Health = model.HealthUnknown
	a.State = model.EngagementIdle
	a.Errors = 0
	snapshot := *a
	p.mu.Unlock()
	p.notify(snapshot)
	return nil
}

// Sweep promotes expired cooldowns back to idle. Called periodically.
func (p *Pool) Sweep() {
	now := time.Now().Unix()
	var changed []model.Account
	p.mu.Lock()
	for _, a := range p.accounts {
		if a.State == model.EngagementCooldown && now >= a.CooldownUntil {
			a.State = model.EngagementIdle
			a.CooldownUntil = 0
			changed = append(changed, *a)
		}
	}
	p.mu.Unlock()
	for _, a := range changed {
		p.notify(a)
	}
}

// Get returns a copy of one account.
func (p *Pool) Get(phone string) (model.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[phone]; ok {
		return *a, true
	}
	return model.Account{}, false
}

// Accounts returns copies of all accounts, ordered by phone.
func (p *Pool) Accounts() []model.Account {
	p.mu.Lock()
	out := make([]model.Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, *a)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out
}

// Counts summarizes the pool for the broadcaster.
func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c Counts
	c.Total = len(p.accounts)
	for _, a := range p.accounts {
		if a.Online {
			c.Online++
		}
		switch a.State {
		case model.EngagementLeased, model.EngagementWarming:
			c.Leased++
		case model.EngagementCooldown:
			c.Cooldown++
		case model.EngagementQuarantined:
			c.Quarantined++
		}
	}
	return c
}

func (p *Pool) notify(a model.Account) {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(a)
	}
}
