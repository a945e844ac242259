//go:build !windows

package audit

import (
	"os"
	"syscall"
)

// lockFile takes an exclusive advisory lock so that several lock daemons
// sharing one audit file append whole lines.
func lockFile(f *os.File) error   { return syscall.Flock(int(f.Fd()), syscall.LOCK_EX) }
func unlockFile(f *os.File) error { return syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }
