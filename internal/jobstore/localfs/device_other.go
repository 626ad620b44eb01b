//go:build !unix

package localfs

// sameDevice is conservatively false on platforms without a syscall.Stat_t
// device number (hardlink semantics then fall back to copy semantics
// everywhere, per the nlinkThreshold=1 path).
func sameDevice(_, _ string) bool { return false }

func nlinkCount(_ string) (int, error) { return 1, nil }
