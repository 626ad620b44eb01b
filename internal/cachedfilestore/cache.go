// Package cachedfilestore layers a per-node, disk-quota-bounded content
// cache on top of internal/filestore: file IDs a job reads or writes are
// hardlinked into (or out of) a shared node-local cache directory instead
// of always round-tripping through the job store, with flock-guarded
// bookkeeping so multiple worker processes on the same node can share one
// cache safely.
package cachedfilestore

import (
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/slchris/flowgraph/internal/filestore"
	"github.com/slchris/flowgraph/internal/jobstore"
)

// ErrOutOfCacheSpace is returned when cleanCache cannot evict enough to
// admit a new reservation even after reclaiming every evictable entry.
var ErrOutOfCacheSpace = errors.New("cachedfilestore: out of cache space")

// Node is the shared, cross-process cache directory for one worker node.
// Every mutation to its state happens under the flock at lockFilePath.
type Node struct {
	store    jobstore.Store
	dir      string
	nlinkMin int
}

// Open recovers an existing node cache directory, or creates a fresh one,
// mirroring `_setupCache`: build a private staging directory, populate its
// state file, then atomically rename it into place. A losing racer (its
// rename fails because the destination now exists) falls back to
// recovering the winner's directory instead of treating the race as an
// error.
func Open(store jobstore.Store, cacheDir string, total int64, attempt int) (*Node, error) {
	n := &Node{store: store, dir: cacheDir, nlinkMin: jobstore.NLinkThreshold(store, cacheDir)}

	if _, err := os.Stat(cacheDir); err == nil {
		if err := n.recover(attempt); err != nil {
			return nil, err
		}
		return n, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "cachedfilestore: stat cache dir")
	}

	staging, err := os.MkdirTemp(filepath.Dir(cacheDir), filepath.Base(cacheDir)+".staging-*")
	if err != nil {
		return nil, errors.Wrap(err, "cachedfilestore: create staging cache dir")
	}
	state := newCacheState(staging, total, attempt)
	if err := state.save(); err != nil {
		_ = os.RemoveAll(staging)
		return nil, err
	}

	if err := os.Rename(staging, cacheDir); err != nil {
		_ = os.RemoveAll(staging)
		if err := n.recover(attempt); err != nil {
			return nil, errors.Wrap(err, "cachedfilestore: publish or recover cache dir")
		}
		return n, nil
	}
	return n, nil
}

// recover loads the persisted state, resetting per-attempt bookkeeping
// (sigmaJob, and the recomputed cached total) if this worker invocation's
// attempt number differs from the one the state file was last written
// under — a crash-recovery signal that every JobState it held is stale.
func (n *Node) recover(attempt int) error {
	lock, err := acquireLock(lockFilePath(n.dir))
	if err != nil {
		return err
	}
	defer lock.unlock()

	state, err := loadCacheState(n.dir)
	if err != nil {
		return err
	}
	if state.AttemptNumber != attempt {
		state.SigmaJob = 0
		state.JobState = make(map[string]*JobState)
		state.Cached = n.recomputeCached()
		state.AttemptNumber = attempt
	}
	state.CacheDir = n.dir
	return state.save()
}

// recomputeCached re-derives the cached byte total by scanning the cache
// directory directly, since a crashed worker's in-memory total cannot be
// trusted. A file whose hardlink count is still below this node's
// nlinkMin threshold is exclusively cache-resident content and counts
// toward the total; one at or above threshold is also referenced by the
// job store (or another live job) and is excluded, matching how cleanCache
// itself identifies evictable-vs-shared entries.
func (n *Node) recomputeCached() int64 {
	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || isReservedCacheFile(e.Name()) {
			continue
		}
		fileID, ok := decodeCacheFileName(e.Name())
		if !ok {
			continue
		}
		nlink, err := n.store.NLink(fileID)
		if err != nil || nlink >= n.nlinkMin {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

func isReservedCacheFile(name string) bool {
	return name == stateFileName || name == lockFileName || strings.HasSuffix(name, ".staging") || strings.HasPrefix(name, ".state-") || strings.HasSuffix(name, harbingerSuffix)
}

func cacheFileName(fileID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fileID))
}

func decodeCacheFileName(name string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (n *Node) cachePath(fileID string) string {
	return filepath.Join(n.dir, cacheFileName(fileID))
}

// withState runs fn against the node's loaded state while the cache lock
// is held, saving the (possibly mutated) state afterward.
func (n *Node) withState(fn func(*CacheState) error) error {
	lock, err := acquireLock(lockFilePath(n.dir))
	if err != nil {
		return err
	}
	defer lock.unlock()

	state, err := loadCacheState(n.dir)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return state.save()
}

type evictCandidate struct {
	path    string
	fileID  string
	size    int64
	modTime int64
}

// cleanCache evicts least-recently-modified, exclusively cache-resident
// entries (nlink < nlinkMin) until cached+sigmaJob+additional fits under
// total, or returns ErrOutOfCacheSpace if even evicting everything
// evictable cannot make room.
func (n *Node) cleanCache(state *CacheState, additional int64) error {
	if state.Cached+state.SigmaJob+additional <= state.Total {
		return nil
	}

	entries, err := os.ReadDir(n.dir)
	if err != nil {
		return errors.Wrap(err, "cachedfilestore: list cache dir")
	}
	var candidates []evictCandidate
	for _, e := range entries {
		if e.IsDir() || isReservedCacheFile(e.Name()) {
			continue
		}
		fileID, ok := decodeCacheFileName(e.Name())
		if !ok {
			continue
		}
		nlink, err := n.store.NLink(fileID)
		if err != nil || nlink >= n.nlinkMin {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, evictCandidate{
			path:    filepath.Join(n.dir, e.Name()),
			fileID:  fileID,
			size:    info.Size(),
			modTime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime < candidates[j].modTime })

	for _, c := range candidates {
		if state.Cached+state.SigmaJob+additional <= state.Total {
			return nil
		}
		if err := os.Remove(c.path); err != nil {
			continue
		}
		state.Cached -= c.size
	}

	if state.Cached+state.SigmaJob+additional > state.Total {
		return ErrOutOfCacheSpace
	}
	return nil
}

// CachedFileStore binds a Node to a single job's FileStore, intercepting
// reads and writes to route them through the shared cache directory
// before falling back to the plain filestore.FileStore behavior.
type CachedFileStore struct {
	*filestore.FileStore
	node  *Node
	jobID string
}

// Attach reserves reqs bytes of cache quota for jobID (evicting if
// necessary) and returns a CachedFileStore wrapping fs.
func Attach(node *Node, fs *filestore.FileStore, jobID string, reqs int64) (*CachedFileStore, error) {
	err := node.withState(func(state *CacheState) error {
		if err := node.cleanCache(state, reqs); err != nil {
			return err
		}
		state.SigmaJob += reqs
		state.jobStateFor(jobID).Reqs = reqs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &CachedFileStore{FileStore: fs, node: node, jobID: jobID}, nil
}

// Detach releases jobID's reservation and forgets its JobState, the cache
// half of per-job teardown (`returnJobReqs`). It first deletes every local
// file the job still owns per JobState.Files — a job that reads a dozen
// global files over its lifetime without explicitly calling
// DeleteLocalFile on each one must not leak them onto the node's disk
// once the job itself is gone.
func (c *CachedFileStore) Detach() error {
	return c.node.withState(func(state *CacheState) error {
		js, ok := state.JobState[c.jobID]
		if !ok {
			return nil
		}
		for _, paths := range js.Files {
			for localPath := range paths {
				if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
					return newCacheError("detach job %s: delete local file %s: %v", c.jobID, localPath, err)
				}
			}
		}
		state.SigmaJob -= js.Reqs
		delete(state.JobState, c.jobID)
		return nil
	})
}

// DeleteLocalFile removes jobID's local copy of fileID at localPath, both
// from disk and from its bookkeeping, without waiting for the job's full
// Detach teardown. Mirrors the source system's deleteLocalFile: a job
// done with one cached read can release it immediately rather than
// holding node disk until it exits.
func (c *CachedFileStore) DeleteLocalFile(fileID, localPath string) error {
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		return newCacheError("delete local file %s for job %s: %v", localPath, c.jobID, err)
	}
	return c.node.withState(func(state *CacheState) error {
		state.forgetLocalFile(c.jobID, fileID, localPath)
		return nil
	})
}

// ReadGlobalFile serves fileID from the shared cache when possible:
// hardlinking an exclusively-cached copy out for an immutable read, or
// populating the cache entry itself (behind a harbinger marker so a
// concurrent reader waits rather than duplicating the job-store read)
// before doing so.
func (c *CachedFileStore) ReadGlobalFile(fileID, userPath string, cache bool, mutable bool) (string, error) {
	if !cache {
		return c.FileStore.ReadGlobalFile(fileID, userPath, cache, mutable)
	}

	cachePath := c.node.cachePath(fileID)
	marker := harbingerPath(cachePath)

	for {
		if _, err := os.Stat(cachePath); err == nil {
			break
		}
		if _, err := os.Stat(marker); err == nil {
			waitForHarbinger(cachePath)
			continue
		}
		if f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0640); err == nil {
			_ = f.Close()
			if err := c.populateCache(fileID, cachePath); err != nil {
				_ = os.Remove(marker)
				return "", err
			}
			_ = os.Remove(marker)
			break
		}
		// Lost the race to create the marker; another reader got there
		// first. Loop and wait on whichever of the two states now holds.
	}

	dest := userPath
	if dest == "" {
		dest = c.GetLocalTempFileName()
	}
	if mutable {
		if err := copyFile(cachePath, dest); err != nil {
			return "", errors.Wrap(err, "cachedfilestore: materialize mutable read")
		}
	} else {
		if err := os.Link(cachePath, dest); err != nil {
			return "", errors.Wrap(err, "cachedfilestore: link immutable read")
		}
		if err := os.Chmod(dest, 0444); err != nil {
			return "", errors.Wrap(err, "cachedfilestore: mark immutable read read-only")
		}
	}

	if info, err := os.Stat(dest); err == nil {
		_ = c.node.withState(func(state *CacheState) error {
			state.recordLocalFile(c.jobID, fileID, dest, info.Size())
			return nil
		})
	}
	return dest, nil
}

func (c *CachedFileStore) populateCache(fileID, cachePath string) error {
	exists, err := c.FileStore.Store().FileExists(fileID)
	if err != nil {
		return newCacheError("check source file %s: %v", fileID, err)
	}
	if !exists {
		return newCacheInvalidSrc(fileID)
	}

	if err := c.FileStore.Store().ReadFile(fileID, cachePath); err != nil {
		return newCacheError("populate cache entry for %s: %v", fileID, err)
	}
	info, err := os.Stat(cachePath)
	if err != nil {
		return err
	}

	err = c.node.withState(func(state *CacheState) error {
		if err := c.node.cleanCache(state, info.Size()); err != nil {
			return err
		}
		state.Cached += info.Size()
		return nil
	})
	if err != nil {
		_ = os.Remove(cachePath)
		return err
	}
	return nil
}

// WriteGlobalFile writes localPath through to the job store and, when the
// job store shares a device with the cache directory, additionally tries to
// hardlink localPath into the cache so a later ReadGlobalFile can skip the
// job-store round trip entirely; a failed link leaves the file uncached.
func (c *CachedFileStore) WriteGlobalFile(localPath string, cleanup bool) (string, error) {
	fileID, err := c.FileStore.WriteGlobalFile(localPath, cleanup)
	if err != nil {
		return "", err
	}

	if !c.FileStore.Store().SameDevice(c.node.dir) {
		return fileID, nil
	}

	cachePath := c.node.cachePath(fileID)
	if err := os.Link(localPath, cachePath); err != nil {
		// Caching is an optimization; a failure to link must not fail the
		// write itself.
		return fileID, nil
	}
	info, statErr := os.Stat(cachePath)
	if statErr != nil {
		return fileID, nil
	}
	_ = c.node.withState(func(state *CacheState) error {
		state.Cached += info.Size()
		state.recordLocalFile(c.jobID, fileID, localPath, info.Size())
		return nil
	})
	return fileID, nil
}

// DeleteGlobalFile removes fileID's cache entry (if any) in addition to
// staging the job-store deletion through the embedded FileStore.
func (c *CachedFileStore) DeleteGlobalFile(fileID string) error {
	cachePath := c.node.cachePath(fileID)
	if info, err := os.Stat(cachePath); err == nil {
		if err := os.Remove(cachePath); err == nil {
			_ = c.node.withState(func(state *CacheState) error {
				state.Cached -= info.Size()
				if state.Cached < 0 {
					state.Cached = 0
				}
				return nil
			})
		}
	}
	return c.FileStore.DeleteGlobalFile(fileID)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	buf := make([]byte, 1<<20)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
