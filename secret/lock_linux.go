package secret

import "golang.org/x/sys/unix"

// lock pins b in memory. Failure is not fatal: RLIMIT_MEMLOCK is often small in containers.
func lock(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return unix.Mlock(b) == nil
}

func unlock(b []byte) {
	_ = unix.Munlock(b)
}
