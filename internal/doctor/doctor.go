// Package doctor reports inconsistencies between the lock ledger, the
// in-memory indexes, lock markers and store enforcement without repairing
// them. The sweep is what repairs.
package doctor

import (
	"context"
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ModeShape/modeshape-sub003/internal/audit"
	"github.com/ModeShape/modeshape-sub003/internal/lock"
	"github.com/ModeShape/modeshape-sub003/internal/store"
	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Workspace   string `json:"workspace,omitempty"`
	LockID      string `json:"lock_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results. Healthy is false when any finding
// is an error or worse.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Locks    int       `json:"locks"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityError || f.Severity == SeverityCritical {
		r.Healthy = false
	}
}

// Doctor performs lock health checks.
type Doctor struct {
	locks     *lock.Registry
	store     store.ContentStore
	auditPath string
}

// NewDoctor creates a doctor. An empty auditPath skips the audit check.
func NewDoctor(locks *lock.Registry, st store.ContentStore, auditPath string) *Doctor {
	return &Doctor{locks: locks, store: st, auditPath: auditPath}
}

// Check runs all diagnostic checks. strict adds the audit chain check.
func (d *Doctor) Check(ctx context.Context, strict bool) (*Result, error) {
	in, err := d.locks.Inspect(ctx)
	if err != nil {
		return nil, err
	}
	result := &Result{Healthy: true, Locks: len(in.Records), Findings: []Finding{}}

	d.checkBadEntries(in, result)
	recorded := make(map[string]map[string]*model.LockRecord)
	for _, rec := range in.Records {
		if recorded[rec.Workspace] == nil {
			recorded[rec.Workspace] = make(map[string]*model.LockRecord)
		}
		recorded[rec.Workspace][rec.LockedNodeID] = rec
		if err := d.checkRecord(ctx, in, rec, result); err != nil {
			return nil, err
		}
	}
	d.checkUnrecorded(in, recorded, result)
	d.checkIndexes(in, recorded, result)

	if strict && d.auditPath != "" {
		d.checkAudit(result)
	}
	return result, nil
}

func (d *Doctor) checkBadEntries(in *lock.Inspection, result *Result) {
	for _, e := range in.BadEntries {
		result.add(Finding{
			Category:    "ledger",
			Description: fmt.Sprintf("ledger entry cannot be decoded: %v", e.Err),
			Severity:    SeverityCritical,
			Path:        e.Path,
		})
	}
}

func (d *Doctor) checkRecord(ctx context.Context, in *lock.Inspection, rec *model.LockRecord, result *Result) error {
	base := Finding{Workspace: rec.Workspace, LockID: rec.LockID, NodeID: rec.LockedNodeID}

	node, res, err := d.store.Node(ctx, rec.Workspace, rec.LockedNodeID)
	if err != nil {
		return errclass.Transient(err, "read locked node")
	}
	if res == store.NotFound {
		f := base
		f.Category = "node"
		f.Description = "locked node no longer exists; the next sweep reaps the lock"
		f.Severity = SeverityWarning
		result.add(f)
		return nil
	}
	base.Path = node.Path

	if !in.Enforced[rec.Workspace].Has(rec.LockedNodeID) {
		f := base
		f.Category = "enforcement"
		if in.Now.Sub(rec.AcquiredAt) > in.Policy.EnforceTimeout {
			f.Description = "lock is recorded but the store does not enforce it"
			f.Severity = SeverityError
		} else {
			f.Description = "acquisition in progress"
			f.Severity = SeverityInfo
		}
		result.add(f)
	}

	wantDeep := "false"
	if rec.Deep {
		wantDeep = "true"
	}
	if owner := node.Properties[model.PropLockOwner]; owner != rec.Owner || node.Properties[model.PropLockIsDeep] != wantDeep {
		f := base
		f.Category = "markers"
		f.Description = fmt.Sprintf("node markers (owner %q, deep %q) disagree with the ledger (owner %q, deep %s)",
			owner, node.Properties[model.PropLockIsDeep], rec.Owner, wantDeep)
		f.Severity = SeverityWarning
		result.add(f)
	}

	if rec.SessionScoped && !in.LiveSessions.Has(rec.LockingSessionID) && rec.IsExpired(in.Now) {
		f := base
		f.Category = "expiry"
		f.Description = "session-scoped lock expired and its session is not live here; the next sweep reaps it"
		f.Severity = SeverityInfo
		result.add(f)
	}
	return nil
}

func (d *Doctor) checkUnrecorded(in *lock.Inspection, recorded map[string]map[string]*model.LockRecord, result *Result) {
	workspaces := make([]string, 0, len(in.Enforced))
	for ws := range in.Enforced {
		workspaces = append(workspaces, ws)
	}
	sort.Strings(workspaces)
	for _, ws := range workspaces {
		for _, id := range sets.List(in.Enforced[ws]) {
			if _, ok := recorded[ws][id]; ok {
				continue
			}
			result.add(Finding{
				Category:    "enforcement",
				Description: "store enforces a lock with no ledger entry; the next sweep clears it",
				Severity:    SeverityWarning,
				Workspace:   ws,
				NodeID:      id,
			})
		}
	}
}

func (d *Doctor) checkIndexes(in *lock.Inspection, recorded map[string]map[string]*model.LockRecord, result *Result) {
	indexed := make(map[string]map[string]*model.LockRecord)
	for ws, recs := range in.Indexed {
		indexed[ws] = make(map[string]*model.LockRecord, len(recs))
		for _, rec := range recs {
			indexed[ws][rec.LockedNodeID] = rec
			if cur, ok := recorded[ws][rec.LockedNodeID]; ok && cur.LockID == rec.LockID {
				continue
			}
			if in.Now.Sub(rec.AcquiredAt) <= in.Policy.EnforceTimeout {
				continue
			}
			result.add(Finding{
				Category:    "index",
				Description: "index holds a lock the ledger does not record",
				Severity:    SeverityWarning,
				Workspace:   ws,
				LockID:      rec.LockID,
				NodeID:      rec.LockedNodeID,
			})
		}
	}
	for _, rec := range in.Records {
		if _, ok := indexed[rec.Workspace][rec.LockedNodeID]; ok {
			continue
		}
		result.add(Finding{
			Category:    "index",
			Description: "ledger records a lock missing from the index",
			Severity:    SeverityWarning,
			Workspace:   rec.Workspace,
			LockID:      rec.LockID,
			NodeID:      rec.LockedNodeID,
		})
	}
}

func (d *Doctor) checkAudit(result *Result) {
	n, err := audit.Verify(d.auditPath)
	if err != nil {
		result.add(Finding{
			Category:    "audit",
			Description: fmt.Sprintf("audit trail fails verification after %d records: %v", n, err),
			Severity:    SeverityCritical,
			Path:        d.auditPath,
		})
	}
}
