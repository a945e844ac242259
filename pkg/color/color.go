// Package color styles lockctl terminal output. It honours NO_COLOR
// (https://no-color.org/) and TERM=dumb.
package color

import (
	"fmt"
	"os"
	"sync"
)

var (
	mu      sync.RWMutex
	once    sync.Once
	enabled bool
)

// Init decides once whether output is colored. noColor forces it off.
func Init(noColor bool) {
	once.Do(func() {
		_, noColorEnv := os.LookupEnv("NO_COLOR")
		mu.Lock()
		enabled = !noColor && !noColorEnv && os.Getenv("TERM") != "dumb"
		mu.Unlock()
	})
}

func Enabled() bool {
	Init(false)
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

func Disable() { set(false) }

func Enable() { set(true) }

func set(on bool) {
	Init(false)
	mu.Lock()
	enabled = on
	mu.Unlock()
}

const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
)

func wrap(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + reset
}

func Success(s string) string { return wrap(green, s) }

func Successf(format string, args ...any) string { return Success(fmt.Sprintf(format, args...)) }

func Error(s string) string { return wrap(red, s) }

func Warning(s string) string { return wrap(yellow, s) }

func Warningf(format string, args ...any) string { return Warning(fmt.Sprintf(format, args...)) }

func Header(s string) string { return wrap(bold, s) }

func Dim(s string) string { return wrap(dim, s) }

// LockID renders a lock id.
func LockID(s string) string { return wrap(cyan, s) }

// Workspace renders a workspace name.
func Workspace(s string) string { return wrap(blue, s) }

// Scope renders a lock's depth and scope as one short label.
func Scope(deep, sessionScoped bool) string {
	depth := "shallow"
	if deep {
		depth = "deep"
	}
	if sessionScoped {
		return Dim(depth + "/session")
	}
	return depth + "/open"
}
