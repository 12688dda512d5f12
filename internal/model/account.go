package model

// AccountHealth represents the platform-side health of an account.
type AccountHealth string

const (
	HealthUnknown    AccountHealth = "unknown"
	HealthOK         AccountHealth = "ok"
	HealthRestricted AccountHealth = "restricted"
	HealthBanned     AccountHealth = "banned"
)

// Engagement represents the pool-side engagement state of an account.
// The keepalive "online" flag composes with these states and is tracked
// separately on the Account.
type Engagement string

const (
	EngagementIdle        Engagement = "idle"
	EngagementLeased      Engagement = "leased"
	EngagementWarming     Engagement = "warming"
	EngagementCooldown    Engagement = "cooldown"
	EngagementQuarantined Engagement = "quarantined"
)

// Account is an authenticated platform identity managed by the pool.
// Engagement state is owned exclusively by the pool; executors only see
// copies handed out by Lease.
type Account struct {
	Phone      string        `json:"phone"`
	Credential string        `json:"credential,omitempty"` // opaque reference
	Group      string        `json:"group"`
	Proxy      string        `json:"proxy,omitempty"`
	Health     AccountHealth `json:"health"`
	State      Engagement    `json:"state"`
	Online     bool          `json:"online"`

	Errors        int   `json:"errors"`
	CooldownUntil int64 `json:"cooldown_until,omitempty"` // epoch seconds
	LastLeasedAt  int64 `json:"last_leased_at,omitempty"` // epoch seconds
}

// DefaultGroup is the group label assigned to accounts created without one.
const DefaultGroup = "default"

// Leasable reports whether the account can be handed out at the given time.
func (a *Account) Leasable(now int64) bool {
	if a.Health == HealthBanned {
		return false
	}
	switch a.State {
	case EngagementIdle:
		return true
	case EngagementCooldown:
		return now >= a.CooldownUntil
	}
	return false
}
