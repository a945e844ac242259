// Package lockd is the library API of the lock subsystem.
//
// A Client opens one repository: a content store plus the lock ledger kept
// inside it. Sessions log in against a workspace and take shallow or deep
// locks on nodes through their LockManager.
//
// # Concurrency Safety
//
//   - A Client and its Sessions are safe for concurrent use.
//
//   - Several processes may open the same sqlite-backed repository. Locks
//     taken in one are visible in the others once the change log is polled,
//     and the store's enforcement keeps two processes from locking the same
//     node.
//
//   - Session-scoped locks survive only as long as their session. Logging
//     out releases them; a crashed process's locks expire and are reaped by
//     the sweep of any surviving process.
//
// # Usage
//
//	client, err := lockd.Open(ctx, lockd.Options{ConfigPath: "lockd.yaml"})
//	defer client.Close(ctx)
//
//	s, err := client.Login("alice", "default")
//	l, err := s.LockManager().Lock(ctx, "/docs/report", true, false, 0, "")
//	token := l.Token() // hand to another session with AddLockToken
package lockd
