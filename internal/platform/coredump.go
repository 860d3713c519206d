//go:build linux || darwin

package platform

import "golang.org/x/sys/unix"

// DisableCoreDumps sets RLIMIT_CORE to zero so a crash cannot write unlocked
// vault keys to disk.
func DisableCoreDumps() error {
	rlim := unix.Rlimit{Cur: 0, Max: 0}
	return unix.Setrlimit(unix.RLIMIT_CORE, &rlim)
}
