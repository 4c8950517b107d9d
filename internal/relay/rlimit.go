//go:build unix

package relay

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RaiseFileLimit lifts the NOFILE soft limit to twice the configured
// connection budget (each tunnel can hold two descriptors), clamped to the
// hard limit. Returns the resulting soft limit.
func RaiseFileLimit(maxConnections int) (uint64, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, fmt.Errorf("getrlimit: %w", err)
	}

	want := uint64(maxConnections) * 2
	if want > lim.Max {
		want = lim.Max
	}
	if want <= lim.Cur {
		return lim.Cur, nil
	}

	lim.Cur = want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0, fmt.Errorf("setrlimit: %w", err)
	}
	return lim.Cur, nil
}
