// Package store defines the collaborators the lock subsystem consumes: the
// content store, its change feed, the live-session registry and the
// permission check. Backends live in subpackages.
package store

import (
	"context"
	"errors"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Result distinguishes a benign "not found" from a found node. Failures are
// reported through the accompanying error.
type Result int

const (
	NotFound Result = iota
	Found
)

func (r Result) String() string {
	if r == Found {
		return "found"
	}
	return "not_found"
}

// Properties are the named string values stored on a node.
type Properties map[string]string

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
	if p == nil {
		return Properties{}
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// PropLockable is consulted for the lockable capability. Nodes are lockable
// unless it is set to "false".
const PropLockable = "mode:lockable"

// ErrEnforced is returned by LockNode when the node is already enforced,
// possibly by another process sharing the store.
var ErrEnforced = errors.New("node is already locked by the store")

// NodeInfo is the narrow view of a node the lock subsystem needs.
type NodeInfo struct {
	ID         string
	Path       string
	Lockable   bool
	Properties Properties
}

// ContentStore is the workspace graph. Node ids are unique per workspace.
type ContentStore interface {
	// ProcessID identifies this handle; change sets it originates carry it.
	ProcessID() string
	Workspaces(ctx context.Context) ([]string, error)

	Node(ctx context.Context, workspace, id string) (*NodeInfo, Result, error)
	NodeByPath(ctx context.Context, workspace, path string) (*NodeInfo, Result, error)
	// Children lists the direct children of the node at path.
	Children(ctx context.Context, workspace, path string) ([]*NodeInfo, error)

	// CreateIfAbsent creates the node at path, creating missing ancestors.
	// created is false when the node already existed; its properties are
	// then left untouched.
	CreateIfAbsent(ctx context.Context, workspace, path string, props Properties) (node *NodeInfo, created bool, err error)
	// RemoveNode removes the node at path and its subtree.
	RemoveNode(ctx context.Context, workspace, path string) (Result, error)
	SetProperties(ctx context.Context, workspace, id string, props Properties) (Result, error)
	RemoveProperties(ctx context.Context, workspace, id string, names ...string) (Result, error)

	// LockNode asks the store to enforce a lock at its own level. It fails
	// with ErrEnforced when the node is already enforced and honours ctx.
	LockNode(ctx context.Context, workspace, id string, deep bool) error
	// UnlockNode releases store enforcement; releasing an unenforced node
	// is not an error.
	UnlockNode(ctx context.Context, workspace, id string) error
	// EnforcedLocks lists the ids of enforced nodes in a workspace.
	EnforcedLocks(ctx context.Context, workspace string) ([]string, error)

	Feed() ChangeFeed
}

// SessionRegistry reports which sessions are currently alive.
type SessionRegistry interface {
	LiveSessionIDs(ctx context.Context) (sets.Set[string], error)
}

// SessionRegistryFunc adapts a function to SessionRegistry.
type SessionRegistryFunc func(ctx context.Context) (sets.Set[string], error)

func (f SessionRegistryFunc) LiveSessionIDs(ctx context.Context) (sets.Set[string], error) {
	return f(ctx)
}

// Principal identifies the caller of a permission check.
type Principal struct {
	UserID    string
	SessionID string
}

// Permission names an action subject to authorization.
type Permission string

// PermUnlockAny lets a session release locks whose token it does not hold.
const PermUnlockAny Permission = "unlock_any"

// PermissionChecker decides whether a principal may perform an action.
type PermissionChecker interface {
	HasPermission(ctx context.Context, p Principal, workspace, path string, perm Permission) bool
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context, p Principal, workspace, path string, perm Permission) bool

func (f PermissionFunc) HasPermission(ctx context.Context, p Principal, workspace, path string, perm Permission) bool {
	return f(ctx, p, workspace, path, perm)
}

// AllowAll grants every permission.
var AllowAll = PermissionFunc(func(context.Context, Principal, string, string, Permission) bool { return true })

// DenyAll refuses every permission.
var DenyAll = PermissionFunc(func(context.Context, Principal, string, string, Permission) bool { return false })
