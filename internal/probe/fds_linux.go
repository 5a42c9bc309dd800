//go:build linux

package probe

import (
	"os"
	"syscall"
)

// fdUsage reports open descriptors (from /proc/self/fd) and the soft limit.
func fdUsage() (open, limit int) {
	open, limit = -1, -1
	if entries, err := os.ReadDir("/proc/self/fd"); err == nil {
		open = len(entries)
	}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err == nil {
		limit = int(rl.Cur) //nolint:gosec // soft limit fits in int
	}
	return open, limit
}
