package model

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// Reserved names used by the lock subsystem.
const (
	SystemWorkspace = "system"
	LedgerPath      = "/jcr:system/mode:locks"

	// Marker properties written on the locked node itself.
	PropLockOwner  = "jcr:lockOwner"
	PropLockIsDeep = "jcr:lockIsDeep"

	// Ledger entry properties.
	PropPrimaryType     = "jcr:primaryType"
	PropWorkspace       = "mode:workspace"
	PropLockedNode      = "mode:lockedNode"
	PropSessionScoped   = "mode:isSessionScoped"
	PropLockingSession  = "mode:lockingSession"
	PropExpirationDate  = "mode:expirationDate"
	PropAcquiredDate    = "mode:acquiredDate"
	PropIsHeldBySession = "mode:isHeldBySession"

	LockNodeType = "mode:lock"
)
