//go:build unix

package localfs

import (
	"os"
	"syscall"
)

// sameDevice reports whether a and b resolve to the same filesystem
// device. b's parent directory is used when b does not yet exist (the
// common case: the caller is asking "would a link into this directory
// work").
func sameDevice(a, b string) bool {
	aDev, ok := deviceOf(a)
	if !ok {
		return false
	}
	bDev, ok := deviceOf(b)
	if !ok {
		return false
	}
	return aDev == bDev
}

func deviceOf(path string) (uint64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		info, err = os.Stat(parentOf(path))
		if err != nil {
			return 0, false
		}
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(stat.Dev), true
}

func nlinkCount(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 1, nil
	}
	return int(stat.Nlink), nil
}

func parentOf(path string) string {
	i := len(path) - 1
	for i > 0 && path[i] != '/' {
		i--
	}
	if i == 0 {
		return "."
	}
	return path[:i]
}
