package model

import "time"

// AuditEventType identifies the type of auditable event.
type AuditEventType string

const (
	EventTypeLockAcquire  AuditEventType = "lock_acquire"
	EventTypeLockRelease  AuditEventType = "lock_release"
	EventTypeLockReap     AuditEventType = "lock_reap"
	EventTypeTokenAdd     AuditEventType = "token_add"
	EventTypeTokenRemove  AuditEventType = "token_remove"
	EventTypeEnforceClear AuditEventType = "enforce_clear"
)

// AuditRecord is a single line in the audit log (JSONL format).
type AuditRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Workspace  string         `json:"workspace,omitempty"`
	LockID     string         `json:"lock_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   HashValue      `json:"prev_hash"`
	RecordHash HashValue      `json:"record_hash"`
}
