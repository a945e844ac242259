package model

import "time"

// LockRecord is one claim on a node. The durable copy lives in the ledger at
// /jcr:system/mode:locks/<lock_id>; the in-memory copy lives in the owning
// workspace index keyed by LockedNodeID.
type LockRecord struct {
	LockID           string    `json:"lock_id"`
	LockedNodeID     string    `json:"locked_node_id"`
	Workspace        string    `json:"workspace"`
	Owner            string    `json:"owner"`
	Deep             bool      `json:"deep"`
	SessionScoped    bool      `json:"session_scoped"`
	LockingSessionID string    `json:"locking_session_id"`
	AcquiredAt       time.Time `json:"acquired_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	HeldBySession    bool      `json:"held_by_session"`
}

// Token returns the lock token handed to clients. It is the lock id.
func (l *LockRecord) Token() string {
	return l.LockID
}

// IsExpired returns true if the lock has expired.
func (l *LockRecord) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// WithExpiry returns a copy of the record with a new expiration time.
func (l *LockRecord) WithExpiry(expiresAt time.Time) *LockRecord {
	cp := *l
	cp.ExpiresAt = expiresAt
	return &cp
}

// LockPolicy configures lock timing parameters.
type LockPolicy struct {
	// SweepInterval is how often the cleanup sweep runs.
	SweepInterval time.Duration `json:"sweep_interval"`

	// ExtensionWindow is added to now whenever the sweep or a token
	// acceptance extends a lock. It must be at least twice SweepInterval so
	// that no live lock can expire between two sweeps.
	ExtensionWindow time.Duration `json:"extension_window"`

	// EnforceTimeout bounds the content store's own enforcement step.
	EnforceTimeout time.Duration `json:"enforce_timeout"`
}

// DefaultLockPolicy returns the default timing policy.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{
		SweepInterval:   30 * time.Second,
		ExtensionWindow: 60 * time.Second,
		EnforceTimeout:  5 * time.Second,
	}
}
