//go:build !windows

package supervisor

import "syscall"

// detachedProcAttr puts the child in its own session so terminal
// signals aimed at the supervisor never propagate to workers.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
