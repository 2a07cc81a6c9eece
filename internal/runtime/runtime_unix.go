//go:build !windows

package runtime

import "syscall"

// sigProbe is the liveness probe signal. Signal 0 performs the
// permission and existence checks without sending anything.
const sigProbe = syscall.Signal(0)
