package cachedfilestore

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// harbingerPollInterval bounds how long a waiter can go without noticing a
// harbinger's removal when the filesystem watch misses or coalesces the
// event (known to happen across container bind mounts).
const harbingerPollInterval = 50 * time.Millisecond

// harbingerSuffix marks a sibling file as "someone else is downloading
// this cache entry right now"; waitForHarbinger blocks until the marker
// with this suffix next to cachePath is gone.
const harbingerSuffix = ".harbinger"

func harbingerPath(cachePath string) string { return cachePath + harbingerSuffix }

// waitForHarbinger blocks until the harbinger sibling of cachePath no
// longer exists, i.e. until whichever reader is populating the cache entry
// finishes (successfully or not — the read-path rule is to remove the
// harbinger on any exception too, never leave a stale one behind).
func waitForHarbinger(cachePath string) {
	marker := harbingerPath(cachePath)
	dir := filepath.Dir(marker)

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(dir)
	}

	ticker := time.NewTicker(harbingerPollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			return
		}
		if watcher == nil {
			<-ticker.C
			continue
		}
		select {
		case event := <-watcher.Events:
			if event.Name == marker && (event.Op&(fsnotify.Remove|fsnotify.Rename) != 0) {
				return
			}
		case <-watcher.Errors:
		case <-ticker.C:
		}
	}
}
