package lock

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
)

// ledgerEntryPath is the durable location of a lock record in the system
// workspace. The lock id is the child name.
func ledgerEntryPath(lockID string) string {
	return pathutil.Join(model.LedgerPath, lockID)
}

// isLedgerEntry reports whether path names one ledger entry.
func isLedgerEntry(path string) bool {
	return pathutil.Parent(path) == model.LedgerPath
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeRecord(rec *model.LockRecord) store.Properties {
	return store.Properties{
		model.PropPrimaryType:     model.LockNodeType,
		model.PropWorkspace:       rec.Workspace,
		model.PropLockedNode:      rec.LockedNodeID,
		model.PropLockOwner:       rec.Owner,
		model.PropLockIsDeep:      strconv.FormatBool(rec.Deep),
		model.PropSessionScoped:   strconv.FormatBool(rec.SessionScoped),
		model.PropLockingSession:  rec.LockingSessionID,
		model.PropAcquiredDate:    formatTime(rec.AcquiredAt),
		model.PropExpirationDate:  formatTime(rec.ExpiresAt),
		model.PropIsHeldBySession: strconv.FormatBool(rec.HeldBySession),
	}
}

// decodeRecord rebuilds a lock record from a ledger entry's properties.
func decodeRecord(lockID string, props store.Properties) (*model.LockRecord, error) {
	if t := props[model.PropPrimaryType]; t != model.LockNodeType {
		return nil, fmt.Errorf("ledger entry %s: unexpected type %q", lockID, t)
	}
	rec := &model.LockRecord{
		LockID:           lockID,
		Workspace:        props[model.PropWorkspace],
		LockedNodeID:     props[model.PropLockedNode],
		Owner:            props[model.PropLockOwner],
		LockingSessionID: props[model.PropLockingSession],
	}
	if rec.Workspace == "" || rec.LockedNodeID == "" {
		return nil, fmt.Errorf("ledger entry %s: missing workspace or locked node", lockID)
	}

	var err error
	if rec.Deep, err = parseBool(props, model.PropLockIsDeep); err != nil {
		return nil, fmt.Errorf("ledger entry %s: %w", lockID, err)
	}
	if rec.SessionScoped, err = parseBool(props, model.PropSessionScoped); err != nil {
		return nil, fmt.Errorf("ledger entry %s: %w", lockID, err)
	}
	if rec.HeldBySession, err = parseBool(props, model.PropIsHeldBySession); err != nil {
		return nil, fmt.Errorf("ledger entry %s: %w", lockID, err)
	}
	if rec.ExpiresAt, err = parseTime(props, model.PropExpirationDate); err != nil {
		return nil, fmt.Errorf("ledger entry %s: %w", lockID, err)
	}
	if rec.AcquiredAt, err = parseTime(props, model.PropAcquiredDate); err != nil {
		return nil, fmt.Errorf("ledger entry %s: %w", lockID, err)
	}
	return rec, nil
}

func parseBool(props store.Properties, name string) (bool, error) {
	v, ok := props[name]
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("property %s: %w", name, err)
	}
	return b, nil
}

func parseTime(props store.Properties, name string) (time.Time, error) {
	v, ok := props[name]
	if !ok {
		return time.Time{}, fmt.Errorf("property %s missing", name)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("property %s: %w", name, err)
	}
	return t, nil
}
